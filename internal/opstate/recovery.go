package opstate

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// RecoverAll runs the startup sweep: migrate any legacy local-only state
// into the durable store, then let every kind's reconciler attempt to
// resume a persisted operation. Everything is best-effort; individual
// failures are logged and the rest of startup is never blocked on this.
// legacy may be nil when no local state store is configured.
func RecoverAll(ctx context.Context, proxy *Proxy, legacy LegacyStore, reconcilers []*Reconciler, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}

	if legacy != nil {
		if n := proxy.MigrateLegacyState(ctx, legacy); n > 0 {
			logger.Info("migrated legacy operation state", slog.Int("count", n))
		}
	}

	// Recovery per kind is independent; run the loads concurrently.
	// Recover never returns an error, so the group only propagates
	// context cancellation.
	g, ctx := errgroup.WithContext(ctx)

	for _, rec := range reconcilers {
		g.Go(func() error {
			rec.Recover(ctx)
			return ctx.Err()
		})
	}

	if err := g.Wait(); err != nil {
		logger.Debug("startup recovery interrupted", slog.String("error", err.Error()))
	}
}
