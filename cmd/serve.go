package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/andresmejia3/checkpoint/internal/capture"
	"github.com/andresmejia3/checkpoint/internal/checkin"
	"github.com/andresmejia3/checkpoint/internal/metrics"
	"github.com/andresmejia3/checkpoint/internal/server"
	"github.com/andresmejia3/checkpoint/internal/utils"
)

var (
	serveCooldown time.Duration
	serveNoHTTP   bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the kiosk: camera loop, gate controller, status API and nightly cleanup",
	RunE: func(cmd *cobra.Command, args []string) error {
		if serveCooldown < 0 {
			return fmt.Errorf("invalid cooldown: must be >= 0, got %s", serveCooldown)
		}
		cmd.SilenceUsage = true
		return runServe(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().DurationVar(&serveCooldown, "cooldown", 3*time.Second, "Pause between check-in attempts so the last passenger can clear the camera")
	serveCmd.Flags().BoolVar(&serveNoHTTP, "no-http", false, "Do not start the status and admin HTTP server")
	rootCmd.AddCommand(serveCmd)
}

func runServe(ctx context.Context) error {
	db, err := connectDB(ctx)
	if err != nil {
		utils.ShowError("Ticket database unavailable", err, nil)
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	rec, closeAudit := newRecorder()
	defer closeAudit()

	v, err := openVault(m, rec)
	if err != nil {
		utils.ShowError("Failed to open enrollment store", err, nil)
		return err
	}
	c, w, err := startCodec(ctx)
	if err != nil {
		return workerError("Failed to start face engine", err, w)
	}
	defer w.Close()

	ch := newGateChannel(m, rec)
	kiosk := checkin.New(Cfg.CheckInConfig(), c, v, db, ch,
		checkin.WithLogger(slog.Default()),
		checkin.WithMetrics(m),
		checkin.WithAudit(rec),
		checkin.WithStateHook(func(s checkin.State) { slog.Debug("kiosk state", "state", s) }),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return ch.Run(gctx) })

	slot := startCamera(gctx)
	g.Go(func() error { return runKioskLoop(gctx, kiosk, slot) })
	g.Go(func() error { return reportDroppedFrames(gctx, slot, m) })

	if !serveNoHTTP {
		srv := server.New(Cfg.HTTP.Addr, ch, kiosk,
			server.WithLogger(slog.Default()),
			server.WithGatherer(reg),
			server.WithHealthCheck(db),
			server.WithAdminPin(Cfg.HTTP.AdminPin),
			server.WithAudit(rec),
		)
		g.Go(srv.Start)
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	scheduler, err := startCleanup(gctx, kiosk)
	if err != nil {
		return err
	}
	defer scheduler.Stop()

	fmt.Fprintln(os.Stderr, "🛂 Kiosk ready. Press Ctrl+C to stop.")
	err = g.Wait()
	slot.Close()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// runKioskLoop runs check-in attempts back to back until ctx is done. A
// passenger-caused failure or a timed out session just starts the next
// attempt; a broken face engine, vault or camera stops the kiosk.
func runKioskLoop(ctx context.Context, kiosk *checkin.Orchestrator, src capture.FrameSource) error {
	for ctx.Err() == nil {
		res, err := kiosk.CheckIn(ctx, src)
		switch {
		case res.State == checkin.Cancelled:
			if res.Reason != checkin.ReasonAborted {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("camera feed ended: %w", err)
		case res.Reason == checkin.ReasonError:
			return fmt.Errorf("check-in loop stopped: %w", err)
		case err != nil:
			slog.Error("check-in attempt failed", "attempt_id", res.AttemptID, "reason", res.Reason, "error", err)
		}

		select {
		case <-ctx.Done():
		case <-time.After(serveCooldown):
		}
	}
	return nil
}

// reportDroppedFrames forwards the slot's overwrite count to the metrics
// counter once a second.
func reportDroppedFrames(ctx context.Context, slot *capture.Slot, m *metrics.Metrics) error {
	t := time.NewTicker(time.Second)
	defer t.Stop()
	var last uint64
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			n := slot.Dropped()
			if n > last {
				m.AddDroppedFrames(n - last)
			}
			last = n
		}
	}
}

// startCleanup schedules the stale check-in reset. It runs once at startup
// and then every Cleanup.Interval.
func startCleanup(ctx context.Context, kiosk *checkin.Orchestrator) (*gocron.Scheduler, error) {
	s := gocron.NewScheduler(time.UTC)
	s.SingletonModeAll()
	_, err := s.Every(Cfg.Cleanup.Interval).Do(func() {
		n, err := kiosk.CleanupOldCheckIns(ctx, Cfg.Cleanup.MaxAge)
		if err != nil {
			if ctx.Err() == nil {
				slog.Error("check-in cleanup failed", "error", err)
			}
			return
		}
		if n > 0 {
			slog.Info("stale check-ins reset", "count", n, "max_age", Cfg.Cleanup.MaxAge)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("schedule cleanup: %w", err)
	}
	s.StartAsync()
	return s, nil
}
