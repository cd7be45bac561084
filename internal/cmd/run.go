package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/xiaot623/gogo/workloop/internal/agents"
	"github.com/xiaot623/gogo/workloop/internal/gateway"
	"github.com/xiaot623/gogo/workloop/internal/logging"
	"github.com/xiaot623/gogo/workloop/internal/metrics"
	"github.com/xiaot623/gogo/workloop/internal/reconcile"
	"github.com/xiaot623/gogo/workloop/internal/session"
	transporthttp "github.com/xiaot623/gogo/workloop/internal/transport/http"
	"github.com/xiaot623/gogo/workloop/internal/vcs"
	"github.com/xiaot623/gogo/workloop/internal/workloop"
	"github.com/xiaot623/gogo/workloop/policy"
)

var runOnce bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the work loop and reconciler",
	Long: `Start the work loop, the reconciler and the operational HTTP server.
Stops after the current project cycle on SIGINT or SIGTERM.`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().BoolVar(&runOnce, "once", false, "run a single cycle over every project and exit")
	rootCmd.AddCommand(runCmd)
}

func newGatewayClient(rt *app) *gateway.Client {
	log := logging.Component(rt.logger, "gateway")
	return gateway.NewClient(gateway.Options{
		URL:            rt.cfg.Gateway.URL,
		Token:          rt.cfg.Gateway.Token,
		ClientName:     rt.cfg.Gateway.ClientName,
		ConnectTimeout: rt.cfg.Gateway.ConnectTimeout(),
		RequestTimeout: rt.cfg.Gateway.RequestTimeout(),
		OnDisconnect: func(err error) {
			log.Warn().Err(err).Msg("gateway connection lost, will redial on next request")
		},
		Logger: rt.logger,
	})
}

func newReader(rt *app) *session.Reader {
	return session.NewReader(rt.cfg.Sessions.IndexPath, rt.cfg.Sessions.TranscriptDir(), rt.cfg.Sessions.TailLines)
}

func runRun(cmd *cobra.Command, args []string) error {
	rt, err := openApp()
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gw := newGatewayClient(rt)
	defer gw.Disconnect()
	if err := gw.Connect(ctx); err != nil {
		rt.logger.Warn().Err(err).Msg("gateway not reachable at startup")
	}

	reader := newReader(rt)
	manager := agents.NewManager(gw, reader, agents.Options{
		Mode:   agents.ReapMode(rt.cfg.WorkLoop.ReapMode),
		Logger: rt.logger,
	})

	policyEngine, err := policy.NewEngine(ctx, policy.DefaultCapacityPolicy)
	if err != nil {
		return fmt.Errorf("failed to create policy engine: %w", err)
	}

	rec := metrics.NewRecorder()

	var wg sync.WaitGroup
	var wake <-chan struct{}
	if rt.cfg.WorkLoop.WakeOnTranscript && !runOnce {
		watcher, err := session.NewWatcher(reader, 0, logging.Component(rt.logger, "watcher"))
		if err != nil {
			rt.logger.Warn().Err(err).Msg("transcript watcher disabled")
		} else {
			wake = watcher.C()
			wg.Add(1)
			go func() {
				defer wg.Done()
				watcher.Run(ctx)
			}()
		}
	}

	loop, err := workloop.New(workloop.Deps{
		Store:        rt.store,
		Agents:       manager,
		Notifier:     gw,
		Review:       vcs.NewGH(rt.cfg.Review.Command, logging.Component(rt.logger, "vcs")),
		Policy:       policyEngine,
		Metrics:      rec,
		Config:       rt.cfg.WorkLoop,
		ProjectsFile: rt.cfg.ProjectsFile,
		Wake:         wake,
		Logger:       logging.Component(rt.logger, "workloop"),
	})
	if err != nil {
		return err
	}

	if runOnce {
		loop.RunCycle(ctx)
		stop()
		wg.Wait()
		return nil
	}

	if rt.cfg.Reconcile.Enabled {
		r := reconcile.New(rt.store, manager, gw, reader, rt.cfg.Reconcile, rec, logging.Component(rt.logger, "reconcile")).
			WithRetryLimit(rt.cfg.WorkLoop.MaxRetries)
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Run(ctx)
		}()
	}

	server := transporthttp.NewServer(rt.store, manager, rec)
	go func() {
		if err := server.Start(rt.cfg.HTTP.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			rt.logger.Error().Err(err).Str("addr", rt.cfg.HTTP.Addr).Msg("http server failed")
		}
	}()

	if rt.cfg.WorkLoop.Enabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = loop.Run(ctx)
		}()
	} else {
		rt.logger.Info().Msg("work loop disabled by config")
	}

	<-ctx.Done()
	rt.logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "http server forced to shutdown: %v\n", err)
	}

	wg.Wait()
	rt.logger.Info().Msg("stopped")
	return nil
}
