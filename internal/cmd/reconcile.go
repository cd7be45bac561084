package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xiaot623/gogo/workloop/internal/agents"
	"github.com/xiaot623/gogo/workloop/internal/logging"
	"github.com/xiaot623/gogo/workloop/internal/reconcile"
)

var reconcileStale string

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Run one reconciliation pass and print the summary",
	Long: `Compare tasks the datastore believes are running against the gateway
and local transcripts. Sessions that finished without the work loop noticing
are marked finished and in-progress tasks are returned to ready.`,
	Args: cobra.NoArgs,
	RunE: runReconcile,
}

func init() {
	reconcileCmd.Flags().StringVar(&reconcileStale, "stale", "", "stale threshold, e.g. 15m (default from reconcile.stale_minutes)")
	rootCmd.AddCommand(reconcileCmd)
}

func runReconcile(cmd *cobra.Command, args []string) error {
	rt, err := openApp()
	if err != nil {
		return err
	}
	defer rt.Close()

	threshold := rt.cfg.Reconcile.StaleThreshold()
	if reconcileStale != "" {
		threshold, err = parseDuration(reconcileStale)
		if err != nil {
			return err
		}
	}

	gw := newGatewayClient(rt)
	defer gw.Disconnect()
	reader := newReader(rt)

	// A fresh manager holds no handles, so only the gateway and transcripts
	// count as evidence of life.
	manager := agents.NewManager(gw, reader, agents.Options{Logger: rt.logger})
	r := reconcile.New(rt.store, manager, gw, reader, rt.cfg.Reconcile, nil, logging.Component(rt.logger, "reconcile")).
		WithRetryLimit(rt.cfg.WorkLoop.MaxRetries)

	sum, err := r.Reconcile(cmd.Context(), threshold)
	if err != nil {
		return fmt.Errorf("reconcile failed: %w", err)
	}
	return printJSON(cmd, sum)
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
