package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"quorumledger/internal/ledger"
)

// StartAudit runs the supply conservation check on schedule until ctx is
// done. schedule is a five-field cron expression or a descriptor such as
// "@every 10m"; an empty schedule disables the audit and returns nil.
func StartAudit(ctx context.Context, l ledger.Ledger, schedule string, logger *slog.Logger) (*cron.Cron, error) {
	if schedule == "" {
		return nil, nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "audit")
	c := cron.New()
	if _, err := c.AddFunc(schedule, func() { runAudit(ctx, l, logger) }); err != nil {
		return nil, fmt.Errorf("audit schedule %q: %w", schedule, err)
	}
	c.Start()
	logger.Info("audit scheduled", "schedule", schedule)
	go func() {
		<-ctx.Done()
		stopCtx := c.Stop()
		select {
		case <-stopCtx.Done():
		case <-time.After(5 * time.Second):
			logger.Warn("audit stop timed out")
		}
	}()
	return c, nil
}

func runAudit(ctx context.Context, l ledger.Ledger, logger *slog.Logger) error {
	if err := l.Audit(ctx); err != nil {
		logger.Error("ledger audit failed", "error", err)
		return err
	}
	logger.Debug("ledger audit passed")
	return nil
}
