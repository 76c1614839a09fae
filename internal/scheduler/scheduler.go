// Package scheduler polls for tasks with an approved plan and runs them
// through the orchestration pipeline.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"foreman/internal/assign"
	"foreman/internal/domain"
	"foreman/internal/engine"
	"foreman/internal/orchestrator"
	"foreman/internal/repo"
)

const (
	DefaultInterval  = 30 * time.Second
	DefaultBatchSize = 10
	actor            = "system"
)

// Pipeline executes an approved plan for a task.
type Pipeline interface {
	ExecuteTask(ctx context.Context, task domain.Task, plan domain.Plan) orchestrator.Result
}

// Registry tracks in-flight work by key so it can be cancelled.
type Registry interface {
	Register(ctx context.Context, key string) (context.Context, func(), error)
}

type Config struct {
	Interval  time.Duration
	BatchSize int
}

// Stats is a point-in-time view of the scheduler.
type Stats struct {
	Running   bool   `json:"running"`
	Interval  string `json:"interval"`
	BatchSize int    `json:"batch_size"`
	Cycles    int64  `json:"cycles"`
	Processed int64  `json:"processed"`
	LastCycle string `json:"last_cycle,omitempty" format:"date-time"`
}

type Scheduler struct {
	engine   engine.Engine
	pipeline Pipeline
	inflight Registry
	cfg      Config
	logger   *slog.Logger

	mu        sync.Mutex
	running   bool
	cancel    context.CancelFunc
	done      chan struct{}
	cycles    int64
	processed int64
	lastCycle time.Time
}

func New(eng engine.Engine, pipeline Pipeline, inflight Registry, cfg Config, logger *slog.Logger) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{engine: eng, pipeline: pipeline, inflight: inflight, cfg: cfg, logger: logger}
}

// Start launches the polling loop. A second Start only logs a warning.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		s.logger.Warn("scheduler: already running")
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.running = true
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(loopCtx, s.done)
	s.logger.Info("scheduler: started", "interval", s.cfg.Interval, "batch_size", s.cfg.BatchSize)
}

// Stop cancels the loop and waits for the current cycle to end. Stopping a
// stopped scheduler is a no-op.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	<-done
	s.logger.Info("scheduler: stopped")
}

func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{
		Running:   s.running,
		Interval:  s.cfg.Interval.String(),
		BatchSize: s.cfg.BatchSize,
		Cycles:    s.cycles,
		Processed: s.processed,
	}
	if !s.lastCycle.IsZero() {
		st.LastCycle = s.lastCycle.UTC().Format(time.RFC3339)
	}
	return st
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		s.RunCycle(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunCycle processes one batch of eligible tasks sequentially.
func (s *Scheduler) RunCycle(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduler: cycle panicked", "panic", r)
		}
	}()
	tasks, err := s.engine.Repo.SchedulableTasks(ctx, s.cfg.BatchSize, domain.TaskPending, domain.TaskAssigned, domain.TaskInProgress)
	s.mu.Lock()
	s.cycles++
	s.lastCycle = time.Now()
	s.mu.Unlock()
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error("scheduler: list schedulable tasks", "err", err)
		}
		return
	}
	for _, t := range tasks {
		if ctx.Err() != nil {
			return
		}
		s.processTask(ctx, t)
	}
}

func (s *Scheduler) processTask(ctx context.Context, t domain.Task) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduler: task panicked", "task_id", t.ID, "panic", r)
		}
	}()
	if _, ran, err := s.run(ctx, t); err != nil {
		s.logger.Error("scheduler: task failed", "task_id", t.ID, "err", err)
	} else if ran {
		s.mu.Lock()
		s.processed++
		s.mu.Unlock()
	}
}

// run takes one task through plan lookup, assignment, claim and the
// pipeline. ran is false when the task was skipped.
func (s *Scheduler) run(ctx context.Context, t domain.Task) (orchestrator.Result, bool, error) {
	log := s.logger.With("task_id", t.ID)
	plan, err := s.engine.Repo.ApprovedPlan(ctx, s.engine.DB, t.ID)
	if errors.Is(err, repo.ErrNotFound) {
		log.Warn("scheduler: no approved plan, skipping")
		return orchestrator.Result{}, false, nil
	}
	if err != nil {
		return orchestrator.Result{}, false, err
	}
	if t.AssignedAgentID == nil && t.Status == domain.TaskPending {
		t, err = s.engine.AssignTask(ctx, engine.AssignOptions{TaskID: t.ID, ActorID: actor})
		if errors.Is(err, assign.ErrNoAgentsAvailable) {
			log.Warn("scheduler: no agent available, leaving task for a later cycle", "err", err)
			return orchestrator.Result{}, false, nil
		}
		if err != nil {
			return orchestrator.Result{}, false, err
		}
	}
	t, claimed, err := s.engine.ClaimTask(ctx, t.ID, actor)
	if err != nil {
		return orchestrator.Result{}, false, err
	}
	if !claimed {
		return orchestrator.Result{}, false, nil
	}

	runCtx, done := ctx, func() {}
	if s.inflight != nil {
		rc, release, err := s.inflight.Register(ctx, t.ID)
		if err != nil {
			log.Warn("scheduler: task already in flight", "err", err)
		} else {
			runCtx, done = rc, release
		}
	}
	res := s.execute(runCtx, t, plan)
	done()

	return res, true, s.finish(ctx, t.ID, res)
}

// execute turns a pipeline panic into a failed result so the task does not
// stay in_progress.
func (s *Scheduler) execute(ctx context.Context, t domain.Task, plan domain.Plan) (res orchestrator.Result) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduler: pipeline panicked", "task_id", t.ID, "panic", r)
			res = orchestrator.Result{Status: orchestrator.StatusFailed, Error: fmt.Sprintf("pipeline panic: %v", r)}
		}
	}()
	return s.pipeline.ExecuteTask(ctx, t, plan)
}

// finish records the pipeline result unless the task left in_progress while
// the pipeline ran.
func (s *Scheduler) finish(ctx context.Context, taskID string, res orchestrator.Result) error {
	ctx = context.WithoutCancel(ctx)
	current, err := s.engine.Repo.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if current.Status != domain.TaskInProgress {
		s.logger.Info("scheduler: task moved during dispatch, result dropped", "task_id", taskID, "status", current.Status)
		return nil
	}
	if res.Completed() {
		result, err := json.Marshal(res.Output)
		if err != nil {
			return fmt.Errorf("encode result: %w", err)
		}
		_, err = s.engine.CompleteTask(ctx, taskID, result, actor)
		return err
	}
	reason := res.Error
	if reason == "" {
		reason = "pipeline failed"
	}
	_, err = s.engine.FailTask(ctx, taskID, reason, actor)
	return err
}

// ProcessSingleTask runs one task immediately and returns the pipeline
// result. projectID, when set, must match the task's project.
func (s *Scheduler) ProcessSingleTask(ctx context.Context, taskID, projectID string) (orchestrator.Result, error) {
	t, err := s.engine.Repo.GetTask(ctx, taskID)
	if err != nil {
		return orchestrator.Result{}, err
	}
	if projectID != "" && t.ProjectID != projectID {
		return orchestrator.Result{}, fmt.Errorf("task %s: %w", taskID, repo.ErrNotFound)
	}
	res, ran, err := s.run(ctx, t)
	if err != nil {
		return res, err
	}
	if !ran {
		return orchestrator.Result{Status: orchestrator.StatusFailed, Error: "task is not ready for dispatch"}, nil
	}
	return res, nil
}
