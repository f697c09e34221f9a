// Package scheduler dispatches the periodic work: adapter syncs, the alert
// pipeline, backtests, retraining, forecast generation, and the daily
// housekeeping tasks. Tenants fan out concurrently under a bound; a given
// task never runs twice at once for the same tenant.
package scheduler

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/shelfops/internal/domain"
	"github.com/aristath/shelfops/internal/tenant"
)

// TaskSummary is what a task reports for the task_runs audit row.
type TaskSummary struct {
	Counts  map[string]int
	Reasons []string
}

// Task is one schedulable unit of per-tenant work.
type Task interface {
	Name() string
	// Cadence is a cron spec with a seconds field, or an @every duration.
	Cadence() string
	Retries() int
	Run(ctx context.Context, h tenant.Handle) (*TaskSummary, error)
}

// TenantSource lists the tenants the scheduler fans out over.
type TenantSource func(ctx context.Context) ([]tenant.Handle, error)

// DBTenantSource derives the tenant set from the data already ingested.
func DBTenantSource(db *sql.DB) TenantSource {
	return func(ctx context.Context) ([]tenant.Handle, error) {
		rows, err := db.QueryContext(ctx, `
			SELECT tenant_id FROM stores
			UNION
			SELECT tenant_id FROM transactions
			ORDER BY tenant_id`)
		if err != nil {
			return nil, fmt.Errorf("failed to list tenants: %w", err)
		}
		defer rows.Close()

		var out []tenant.Handle
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return nil, err
			}
			h, err := tenant.New(id)
			if err != nil {
				continue
			}
			out = append(out, h)
		}
		return out, rows.Err()
	}
}

// Scheduler owns the cron table and the per-tenant run locks.
type Scheduler struct {
	cron        *cron.Cron
	db          *sql.DB
	tenants     TenantSource
	taskTimeout time.Duration
	concurrency int
	log         zerolog.Logger

	mu      sync.Mutex
	running map[string]bool // "tenant|task"
	tasks   map[string]Task
}

// New creates a scheduler. concurrency bounds the tenant fan-out per beat.
func New(db *sql.DB, tenants TenantSource, taskTimeout time.Duration, concurrency int, log zerolog.Logger) *Scheduler {
	if taskTimeout <= 0 {
		taskTimeout = 10 * time.Minute
	}
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Scheduler{
		cron:        cron.New(cron.WithSeconds()),
		db:          db,
		tenants:     tenants,
		taskTimeout: taskTimeout,
		concurrency: concurrency,
		running:     make(map[string]bool),
		tasks:       make(map[string]Task),
		log:         log.With().Str("component", "scheduler").Logger(),
	}
}

// Register adds a task to the cron table.
func (s *Scheduler) Register(t Task) error {
	_, err := s.cron.AddFunc(t.Cadence(), func() {
		s.dispatch(context.Background(), t, "scheduled")
	})
	if err != nil {
		return fmt.Errorf("failed to register task %s: %w", t.Name(), err)
	}
	s.mu.Lock()
	s.tasks[t.Name()] = t
	s.mu.Unlock()

	s.log.Info().Str("task", t.Name()).Str("cadence", t.Cadence()).Msg("Task registered")
	return nil
}

// Start begins dispatching.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info().Msg("Scheduler started")
}

// Stop drains in-flight cron jobs.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.log.Info().Msg("Scheduler stopped")
}

// Trigger runs one task for one tenant immediately. Used by the HTTP surface.
func (s *Scheduler) Trigger(ctx context.Context, taskName string, h tenant.Handle) error {
	s.mu.Lock()
	task, ok := s.tasks[taskName]
	s.mu.Unlock()
	if !ok {
		return domain.ErrNotFound
	}
	return s.runForTenant(ctx, task, h, "manual")
}

// dispatch fans one task out across all tenants with bounded concurrency.
func (s *Scheduler) dispatch(ctx context.Context, t Task, trigger string) {
	handles, err := s.tenants(ctx)
	if err != nil {
		s.log.Error().Err(err).Str("task", t.Name()).Msg("Tenant listing failed")
		return
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, h := range handles {
		h := h
		g.Go(func() error {
			if err := s.runForTenant(ctx, t, h, trigger); err != nil {
				s.log.Error().Err(err).Str("task", t.Name()).
					Stringer("tenant", h).Msg("Task failed")
			}
			return nil
		})
	}
	_ = g.Wait()
}

// runForTenant serializes, retries with exponential backoff, and records the
// run. An already-running (tenant, task) pair is skipped, not queued.
func (s *Scheduler) runForTenant(ctx context.Context, t Task, h tenant.Handle, trigger string) error {
	key := h.ID() + "|" + t.Name()
	s.mu.Lock()
	if s.running[key] {
		s.mu.Unlock()
		s.log.Debug().Str("task", t.Name()).Stringer("tenant", h).Msg("Already running, skipped")
		return nil
	}
	s.running[key] = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.running, key)
		s.mu.Unlock()
	}()

	started := time.Now().UTC()
	var summary *TaskSummary
	var err error
	attempts := 0

	for attempt := 0; attempt <= t.Retries(); attempt++ {
		attempts++
		attemptCtx, cancel := context.WithTimeout(ctx, s.taskTimeout)
		summary, err = t.Run(attemptCtx, h)
		cancel()
		if err == nil || !domain.IsRetryable(err) {
			break
		}
		backoff := time.Duration(1<<uint(attempt)) * time.Second
		s.log.Warn().Err(err).Str("task", t.Name()).Stringer("tenant", h).
			Int("attempt", attempts).Dur("backoff", backoff).Msg("Retryable task failure")
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			err = &domain.TransientError{Op: t.Name(), Err: ctx.Err()}
			attempt = t.Retries() // Stop retrying
		}
	}

	s.record(h, t.Name(), trigger, summary, err, attempts, started)
	return err
}

func (s *Scheduler) record(h tenant.Handle, task, trigger string, summary *TaskSummary,
	runErr error, attempts int, started time.Time) {

	status := "success"
	reasons := []string{}
	counts := map[string]int{}
	if summary != nil {
		if summary.Counts != nil {
			counts = summary.Counts
		}
		if summary.Reasons != nil {
			reasons = summary.Reasons
		}
	}
	if runErr != nil {
		status = "failed"
		reasons = append(reasons, runErr.Error())
	}
	countsJSON, _ := json.Marshal(counts)
	reasonsJSON, _ := json.Marshal(reasons)

	_, err := s.db.Exec(`INSERT INTO task_runs
		(id, tenant_id, task, status, triggered_by, counts, reasons, attempts, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), h.ID(), task, status, trigger,
		string(countsJSON), string(reasonsJSON), attempts,
		started.Format(time.RFC3339), time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		s.log.Error().Err(err).Str("task", task).Msg("Failed to record task run")
	}
}
