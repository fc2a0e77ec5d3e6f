package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/joescharf/qadesk/internal/api"
	"github.com/joescharf/qadesk/internal/daemon"
	"github.com/joescharf/qadesk/internal/models"
	"github.com/joescharf/qadesk/internal/schedule"
)

var runSkipStartup bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the sync daemon",
	Long: `Start the long-running sync daemon in the foreground.

Every scheduled pass runs once at startup, concurrently with the others,
and then on its cron schedule.
The admin API and Prometheus metrics are served on metrics.addr.
Stop it with Ctrl-C or 'qadesk stop'.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		return runDaemon(ctx)
	},
}

func init() {
	runCmd.Flags().BoolVar(&runSkipStartup, "skip-startup", false, "Wait for the first scheduled tick instead of running every pass at startup")
	rootCmd.AddCommand(runCmd)
}

// pidFile returns the PID file manager for the daemon.
func pidFile() *daemon.PIDFile {
	return daemon.NewPIDFile(filepath.Join(viper.GetString("state_dir"), "qadesk.pid"))
}

// scheduleJobs returns one cron job per enabled pass.
func scheduleJobs(a *app) []schedule.Job {
	specs := map[models.Pass]string{
		models.PassQuestions: a.cfg.Schedule.Questions,
		models.PassPortal:    a.cfg.Schedule.Portal,
		models.PassSLA:       a.cfg.Schedule.SLA,
	}
	var jobs []schedule.Job
	for _, p := range models.Passes {
		if !a.engine.Enabled(p) {
			continue
		}
		jobs = append(jobs, schedule.Job{
			Name: string(p),
			Spec: specs[p],
			Run: func(ctx context.Context) {
				// The engine logs and records failures.
				_, _ = a.engine.Run(ctx, p)
			},
		})
	}
	return jobs
}

func runDaemon(ctx context.Context) error {
	pf := pidFile()
	if err := pf.Acquire(); err != nil {
		return err
	}
	defer func() { _ = pf.Release() }()

	ctx, stop := signal.NotifyContext(ctx, shutdownSignals()...)
	defer stop()

	a, err := setupApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	sched, err := schedule.New(a.log, scheduleJobs(a)...)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              a.cfg.MetricsAddr,
		Handler:           api.NewServer(a.store, a.sink, a.engine, a.metrics.Handler(), a.log).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	if srv.Addr != "" {
		g.Go(func() error {
			a.log.Info().Str("addr", srv.Addr).Msg("admin API listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("admin API: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		sched.Start(gctx)
		a.log.Info().Int("jobs", sched.Entries()).Msg("scheduler started")
		if !runSkipStartup {
			sched.RunNow()
		}

		<-gctx.Done()
		a.log.Info().Msg("shutting down")

		// Let in-flight passes finish; they see the cancelled context.
		select {
		case <-sched.Stop().Done():
		case <-time.After(30 * time.Second):
			a.log.Warn().Msg("passes still running at shutdown")
		}
		sctx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 10*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	ui.Success("qadesk running (pid file %s)", pf.Path)
	return g.Wait()
}
