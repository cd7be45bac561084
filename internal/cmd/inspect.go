package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xiaot623/gogo/workloop/internal/agents"
	"github.com/xiaot623/gogo/workloop/internal/config"
)

var inspectStale string

var inspectCmd = &cobra.Command{
	Use:   "inspect <session-key>",
	Short: "Classify an agent session from its transcript",
	Long: `Read the tail of the transcript for a session key and print its state,
last activity, reply preview and token usage.`,
	Args: cobra.ExactArgs(1),
	RunE: runInspect,
}

func init() {
	inspectCmd.Flags().StringVar(&inspectStale, "stale", "", "stale threshold, e.g. 5m (default from workloop.stale_task_minutes)")
	rootCmd.AddCommand(inspectCmd)
}

func runInspect(cmd *cobra.Command, args []string) error {
	if _, err := agents.ParseSessionKey(args[0]); err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	threshold := cfg.WorkLoop.StaleTaskThreshold()
	if inspectStale != "" {
		threshold, err = parseDuration(inspectStale)
		if err != nil {
			return err
		}
	}

	reader := newReader(&app{cfg: cfg})
	snap, err := reader.Inspect(args[0], threshold)
	if err != nil {
		return fmt.Errorf("failed to inspect %s: %w", args[0], err)
	}
	return printJSON(cmd, snap)
}
