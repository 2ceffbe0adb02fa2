package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newDispatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dispatch",
		Short: "Fetch every known source once and exit",
		Long: `Enqueues one fetch per known source. With queue.provider=memory the work is
processed in-process and the command returns once the queue drains. With pubsub the
work is published and left to the serve consumers.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			res, err := appInstance.RunOnce(cmd.Context())
			if err != nil {
				return fmt.Errorf("dispatch: %w", err)
			}
			return printJSON(cmd, res)
		},
	}
}

func newPruneCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Delete items older than the retention window and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			deleted, err := appInstance.Pruner().Prune(cmd.Context())
			if err != nil {
				return fmt.Errorf("prune: %w", err)
			}
			return printJSON(cmd, map[string]int64{"deleted": deleted})
		},
	}
}
