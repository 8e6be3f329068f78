package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/ehr/adt/internal/platform/db"
)

// Runner sweeps every tenant schema on a fixed interval.
type Runner struct {
	pool     *pgxpool.Pool
	sweeper  *Sweeper
	interval time.Duration
	logger   zerolog.Logger
}

func NewRunner(pool *pgxpool.Pool, sweeper *Sweeper, interval time.Duration, logger zerolog.Logger) *Runner {
	return &Runner{
		pool:     pool,
		sweeper:  sweeper,
		interval: interval,
		logger:   logger.With().Str("component", "reconcile").Logger(),
	}
}

// Start runs sweeps until ctx is cancelled. A zero interval disables it.
func (r *Runner) Start(ctx context.Context) {
	if r.interval <= 0 {
		r.logger.Info().Msg("periodic reconciliation disabled")
		return
	}
	go func() {
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := r.RunAll(ctx); err != nil {
					r.logger.Error().Err(err).Msg("reconciliation sweep failed")
				}
			}
		}
	}()
	r.logger.Info().Dur("interval", r.interval).Msg("periodic reconciliation started")
}

// RunAll sweeps each tenant in turn. A failing tenant does not stop the
// others; their errors are joined.
func (r *Runner) RunAll(ctx context.Context) ([]*Report, error) {
	tenants, err := db.ListTenants(ctx, r.pool)
	if err != nil {
		return nil, err
	}
	var (
		reports []*Report
		errs    []error
	)
	for _, t := range tenants {
		rep, err := r.RunTenant(ctx, t)
		if err != nil {
			errs = append(errs, fmt.Errorf("tenant %s: %w", t, err))
			continue
		}
		reports = append(reports, rep)
	}
	return reports, errors.Join(errs...)
}

func (r *Runner) RunTenant(ctx context.Context, tenantID string) (*Report, error) {
	conn, err := db.AcquireTenant(ctx, r.pool, tenantID)
	if err != nil {
		return nil, err
	}
	defer conn.Release()

	return r.sweeper.Run(db.WithConn(ctx, conn, tenantID))
}
