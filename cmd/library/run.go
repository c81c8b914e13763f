package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"kurrentlibrary/internal/catalog"
	"kurrentlibrary/internal/circulation"
	"kurrentlibrary/internal/dailysheet"
	"kurrentlibrary/internal/platform/telemetry"
	"kurrentlibrary/internal/projection"
	"kurrentlibrary/internal/sweeper"
	"kurrentlibrary/pkg/eventstore"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the projections, the patron ledger and the sweeper",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return run(ctx)
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func run(ctx context.Context) error {
	log := slog.Default()

	shutdown, err := telemetry.Setup(ctx, cfg.ServiceName, cfg.OTLPEndpoint)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := shutdown(flushCtx); err != nil {
			log.Warn("telemetry shutdown", slog.Any("error", err))
		}
	}()

	b, err := openBackends(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.Close()

	svc := circulation.NewService(b.store, circulation.WithLogger(log))
	books := catalog.NewProjection()
	sheet := dailysheet.NewProjection()
	runners := newRunners(b.store, b.checkpoints, svc, books, sheet, log)
	sweep := sweeper.New(svc, books,
		sweeper.WithInterval(cfg.SweepInterval),
		sweeper.WithRate(cfg.SweepRatePerSecond),
		sweeper.WithLogger(log),
	)

	log.Info("library started",
		slog.String("store", cfg.StoreBackend),
		slog.String("checkpoints", cfg.CheckpointBackend),
	)

	g, ctx := errgroup.WithContext(ctx)
	for _, r := range runners {
		g.Go(func() error { return r.Run(ctx) })
	}
	g.Go(func() error { return sweep.Run(ctx) })
	g.Go(func() error {
		reportSheet(ctx, log, sheet, runners, cfg.SweepInterval)
		return nil
	})

	err = g.Wait()
	log.Info("library stopped", slog.Any("error", err))
	return err
}

// newRunners wires the projections. The catalog and the daily sheet live in
// memory, so they start from the beginning of the log on every run; only the
// patron ledger resumes from the durable checkpoint store.
func newRunners(store eventstore.Store, checkpoints eventstore.CheckpointStore, svc circulation.Service, books *catalog.Projection, sheet *dailysheet.Projection, log *slog.Logger) []*projection.Runner {
	rebuild := eventstore.NewMemoryCheckpointStore()
	return []*projection.Runner{
		projection.NewRunner(store, rebuild, books, projection.WithLogger(log)),
		projection.NewRunner(store, rebuild, sheet, projection.WithLogger(log)),
		projection.NewRunner(store, checkpoints, circulation.NewPatronLedger(svc, log),
			projection.WithLogger(log),
			projection.WithFilter(eventstore.SubscriptionFilter{StreamPrefixes: []string{"book-"}}),
		),
	}
}

// reportSheet logs the daily sheet summary and runner progress every interval.
func reportSheet(ctx context.Context, log *slog.Logger, sheet *dailysheet.Projection, runners []*projection.Runner, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s := sheet.Summary()
			log.Info("daily sheet",
				slog.Int("books", s.Books),
				slog.Int("active_holds", s.ActiveHolds),
				slog.Int("active_checkouts", s.ActiveCheckouts),
				slog.Int("expiring_today", len(sheet.HoldsExpiringOn(now))),
				slog.Int("overdue", len(sheet.OverdueCheckouts(now))),
			)
			for _, r := range runners {
				st := r.Status()
				log.Debug("projection status",
					slog.String("projection", st.Name),
					slog.String("checkpoint", st.Checkpoint.String()),
					slog.Int64("processed", st.Processed),
					slog.Int64("skipped", st.Skipped),
				)
			}
		}
	}
}
