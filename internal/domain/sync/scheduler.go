package sync

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/ehr/interop/internal/domain/audit"
	"github.com/ehr/interop/internal/platform/db"
)

// SchedulerConfig sizes the background sync loop.
type SchedulerConfig struct {
	// Tenants to tick over. Connections live per tenant schema, so the
	// scheduler must be told which schemas to visit.
	Tenants []string
	// Tick is the cadence of due-connection checks.
	Tick time.Duration
	// Workers bounds concurrently running passes.
	Workers int
}

// Scheduler ticks over every tenant's connections and dispatches due
// ones to a bounded worker pool. Pass exclusivity is the engine's
// business; a tick that lands on a running connection is skipped.
type Scheduler struct {
	engine  *Engine
	pool    *pgxpool.Pool
	tenants []string
	tick    time.Duration
	workers int
	logger  zerolog.Logger
}

func NewScheduler(engine *Engine, pool *pgxpool.Pool, cfg SchedulerConfig, logger zerolog.Logger) *Scheduler {
	tick := cfg.Tick
	if tick <= 0 {
		tick = time.Minute
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 4
	}
	return &Scheduler{
		engine:  engine,
		pool:    pool,
		tenants: cfg.Tenants,
		tick:    tick,
		workers: workers,
		logger:  logger,
	}
}

type job struct {
	tenant       string
	connectionID uuid.UUID
	syncType     string
	direction    string
}

// Run blocks until the context is canceled, then drains: in-flight
// passes finish their current resource and close partial.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info().
		Int("workers", s.workers).
		Dur("tick", s.tick).
		Strs("tenants", s.tenants).
		Msg("sync scheduler started")

	jobs := make(chan job, s.workers)
	var wg sync.WaitGroup
	for i := 0; i < s.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				s.runJob(ctx, j)
			}
		}()
	}

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			close(jobs)
			wg.Wait()
			s.logger.Info().Msg("sync scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			s.dispatch(ctx, jobs)
		}
	}
}

// dispatch queues every due connection across all tenants.
func (s *Scheduler) dispatch(ctx context.Context, jobs chan<- job) {
	now := time.Now().UTC()
	for _, tenant := range s.tenants {
		if ctx.Err() != nil {
			return
		}
		tctx, release, err := s.tenantSession(ctx, tenant)
		if err != nil {
			s.logger.Warn().Err(err).Str("tenant", tenant).Msg("tenant session failed, skipping tick")
			continue
		}
		conns, err := s.engine.deps.Connections.ListActive(tctx)
		release()
		if err != nil {
			s.logger.Warn().Err(err).Str("tenant", tenant).Msg("connection listing failed, skipping tick")
			continue
		}

		for _, conn := range conns {
			if !conn.Due(now) {
				continue
			}
			syncType := TypeIncremental
			if conn.LastSyncAt == nil {
				syncType = TypeFull
			}
			j := job{
				tenant:       tenant,
				connectionID: conn.ID,
				syncType:     syncType,
				direction:    conn.SyncDirection,
			}
			select {
			case jobs <- j:
			case <-ctx.Done():
				return
			}
		}
	}
}

// tenantSession opens a search_path-scoped session for one tenant.
// Without a pool the context passes through untouched, matching the
// engine's optional-Pool contract.
func (s *Scheduler) tenantSession(ctx context.Context, tenant string) (context.Context, func(), error) {
	if s.pool == nil {
		return ctx, func() {}, nil
	}
	return db.WithTenant(ctx, s.pool, tenant)
}

func (s *Scheduler) runJob(ctx context.Context, j job) {
	tctx, release, err := s.tenantSession(ctx, j.tenant)
	if err != nil {
		s.logger.Error().Err(err).
			Str("tenant", j.tenant).
			Str("connection_id", j.connectionID.String()).
			Msg("tenant session failed, pass skipped")
		return
	}
	defer release()

	_, err = s.engine.RunPass(tctx, j.connectionID, j.syncType, j.direction, audit.ActorSystem)
	switch {
	case errors.Is(err, ErrPassInProgress):
		// already logged by the engine
	case errors.Is(err, ErrConnectionInactive):
		s.logger.Debug().
			Str("connection_id", j.connectionID.String()).
			Msg("connection no longer eligible, pass skipped")
	case err != nil:
		s.logger.Error().Err(err).
			Str("tenant", j.tenant).
			Str("connection_id", j.connectionID.String()).
			Msg("sync pass failed to start")
	}
}
