package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var enableCmd = &cobra.Command{
	Use:   "enable <project-id>",
	Short: "Enable the work loop for a project",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setWorkLoop(cmd, args[0], true)
	},
}

var disableCmd = &cobra.Command{
	Use:   "disable <project-id>",
	Short: "Disable the work loop for a project",
	Long: `Disable the work loop for a project. Agents already running finish
normally; no new agents are started for the project.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setWorkLoop(cmd, args[0], false)
	},
}

func init() {
	rootCmd.AddCommand(enableCmd)
	rootCmd.AddCommand(disableCmd)
}

func setWorkLoop(cmd *cobra.Command, projectID string, enabled bool) error {
	rt, err := openApp()
	if err != nil {
		return err
	}
	defer rt.Close()

	p, err := rt.store.GetProject(cmd.Context(), projectID)
	if err != nil {
		return fmt.Errorf("failed to load project: %w", err)
	}
	if p == nil {
		return fmt.Errorf("project %q not found", projectID)
	}

	if err := rt.store.SetWorkLoopEnabled(cmd.Context(), projectID, enabled); err != nil {
		return fmt.Errorf("failed to update project: %w", err)
	}

	state := "disabled"
	if enabled {
		state = "enabled"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "work loop %s for %s\n", state, projectID)
	return nil
}

func parseDuration(s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("duration must be positive, got %s", s)
	}
	return d, nil
}
