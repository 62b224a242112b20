package main

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// Reconciliation define os varredores executados pelo cron
type Reconciliation interface {
	RetryUnregistered(ctx context.Context, olderThan time.Duration) (int, error)
	ReleaseOrphanedClaims(ctx context.Context, olderThan time.Duration) (int, error)
	ResolveOpen(ctx context.Context) (int, error)
}

// NewReconciliationCron registra os jobs de reconciliação. O chamador faz Start e Stop.
func NewReconciliationCron(r Reconciliation, cfg *Config) (*cron.Cron, error) {
	c := cron.New(cron.WithSeconds(), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))

	jobs := []struct {
		name     string
		schedule string
		timeout  time.Duration
		run      func(ctx context.Context) (int, error)
	}{
		{
			name:     "retry_unregistered",
			schedule: cfg.Reconciler.RetrySchedule,
			timeout:  time.Minute,
			run: func(ctx context.Context) (int, error) {
				return r.RetryUnregistered(ctx, cfg.Reconciler.UnregisteredAge)
			},
		},
		{
			name:     "release_orphaned_claims",
			schedule: cfg.Reconciler.OrphanSchedule,
			timeout:  2 * time.Minute,
			run: func(ctx context.Context) (int, error) {
				return r.ReleaseOrphanedClaims(ctx, cfg.Reconciler.OrphanClaimAge)
			},
		},
		{
			name:     "resolve_reconciliations",
			schedule: cfg.Reconciler.ReconcileSchedule,
			timeout:  2 * time.Minute,
			run: func(ctx context.Context) (int, error) {
				return r.ResolveOpen(ctx)
			},
		},
	}

	for _, job := range jobs {
		if job.schedule == "" {
			continue
		}
		_, err := c.AddFunc(job.schedule, func() {
			ctx, cancel := context.WithTimeout(context.Background(), job.timeout)
			defer cancel()

			start := time.Now()
			n, err := job.run(ctx)
			if err != nil {
				log.Error().Err(err).Str("job", job.name).Int("handled", n).Msg("❌ reconciliation job failed")
				return
			}
			if n > 0 {
				log.Info().Str("job", job.name).Int("handled", n).Dur("took", time.Since(start)).Msg("🔄 reconciliation job")
			}
		})
		if err != nil {
			return nil, fmt.Errorf("scheduling %s (%q): %w", job.name, job.schedule, err)
		}
	}
	return c, nil
}
