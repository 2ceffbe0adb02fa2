package main

import "github.com/JakeFAU/feed-ingestor/cmd"

func main() {
	cmd.Execute()
}
