package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/feed-ingestor/internal/ingest"
)

func newSourceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "source",
		Short: "Manage feed sources",
	}
	cmd.AddCommand(newSourceAddCmd(), newSourceGetCmd(), newSourceListCmd())
	return cmd
}

func newSourceAddCmd() *cobra.Command {
	var (
		id, url, name string
		rank          int32
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register a source or update its url, name and rank",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if id == "" || url == "" {
				return errors.New("--id and --url are required")
			}
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			src := ingest.Source{ID: id, URL: url, Name: name}
			if cmd.Flags().Changed("rank") {
				src.Rank = &rank
			}
			if err := appInstance.Store().PutSource(cmd.Context(), src); err != nil {
				return fmt.Errorf("put source: %w", err)
			}
			saved, err := appInstance.Store().GetSource(cmd.Context(), id)
			if err != nil {
				return fmt.Errorf("get source: %w", err)
			}
			return printJSON(cmd, saved)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "source id")
	cmd.Flags().StringVar(&url, "url", "", "feed url")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().Int32Var(&rank, "rank", 0, "rank (omit for unranked)")
	return cmd
}

func newSourceGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show a source and its fetch health",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			src, err := appInstance.Store().GetSource(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("get source %s: %w", args[0], err)
			}
			return printJSON(cmd, src)
		},
	}
}

func newSourceListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List sources in dispatch order",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			sources, err := appInstance.Store().ListSources(cmd.Context())
			if err != nil {
				return fmt.Errorf("list sources: %w", err)
			}
			return printJSON(cmd, sources)
		},
	}
}
