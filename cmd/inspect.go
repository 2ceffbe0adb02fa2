package cmd

import (
	"github.com/spf13/cobra"

	"github.com/JakeFAU/feed-ingestor/internal/app"
)

func newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "inspect <url>",
		Short:       "Fetch and normalize a feed without storing anything",
		Args:        cobra.ExactArgs(1),
		Annotations: map[string]string{skipAppAnnotation: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd.Context())
			if err != nil {
				return err
			}
			res, err := app.NewInspector(cfg).Inspect(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		},
	}
}
