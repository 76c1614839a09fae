// Package app wires the long-lived components of a foreman process. One App
// is built at startup and closed at shutdown.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"foreman/internal/config"
	"foreman/internal/db"
	"foreman/internal/dispatch"
	"foreman/internal/engine"
	"foreman/internal/events"
	"foreman/internal/invoker"
	"foreman/internal/migrate"
	"foreman/internal/orchestrator"
	"foreman/internal/reasoning"
	"foreman/internal/scheduler"
	"foreman/internal/stream"
	"foreman/internal/webhook"
)

type Options struct {
	Workspace string
	// ConfigPath overrides <workspace>/foreman.yml.
	ConfigPath string
	// Invoker replaces the HTTP agent invoker.
	Invoker invoker.Invoker
	// LogOutput defaults to stderr.
	LogOutput io.Writer
}

type App struct {
	Workspace    string
	Config       *config.Config
	Logger       *slog.Logger
	DB           *sql.DB
	Bus          *events.Bus
	Hub          *stream.Hub
	Engine       engine.Engine
	Reasoning    *reasoning.Persister
	Pool         *dispatch.Pool
	Orchestrator *orchestrator.Orchestrator
	Scheduler    *scheduler.Scheduler
	Notifier     *webhook.Notifier

	detach []func()
}

// LoadConfig reads the configured file, or the workspace default.
func LoadConfig(opts Options) (*config.Config, error) {
	if opts.ConfigPath != "" {
		return config.FromFile(opts.ConfigPath)
	}
	return config.LoadOptional(opts.Workspace)
}

// NewLogger builds the process logger from the log section.
func NewLogger(cfg config.LogConfig, w io.Writer) (*slog.Logger, error) {
	level, err := config.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	if w == nil {
		w = os.Stderr
	}
	hopts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, hopts)), nil
	}
	return slog.New(slog.NewTextHandler(w, hopts)), nil
}

// Open loads config, opens and migrates the database and wires every
// component. Nothing runs in the background until Start.
func Open(ctx context.Context, opts Options) (*App, error) {
	cfg, err := LoadConfig(opts)
	if err != nil {
		return nil, err
	}
	logger, err := NewLogger(cfg.Log, opts.LogOutput)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	docs, err := cfg.Docs(opts.Workspace)
	if err != nil {
		conn.Close()
		return nil, err
	}

	a := &App{Workspace: opts.Workspace, Config: cfg, Logger: logger, DB: conn}
	a.Bus = events.NewBus(logger.With("component", "events"))
	a.Hub = stream.NewHub(stream.WithQueueCapacity(cfg.Stream.QueueCapacity), stream.WithLogger(logger.With("component", "stream")))
	a.Pool = dispatch.New(cfg.Workers.Count, cfg.Workers.QueueSize, logger.With("component", "dispatch"))

	a.Engine = engine.New(conn, a.Bus)
	a.Engine.Auth.Superusers = cfg.Server.Superusers
	a.Engine.Inflight = a.Pool

	a.Reasoning = &reasoning.Persister{Repo: a.Engine.Repo, Hub: a.Hub, Logger: logger.With("component", "reasoning")}
	a.detach = append(a.detach, a.Reasoning.Attach(a.Bus))
	if len(cfg.Webhooks) > 0 {
		a.Notifier = webhook.New(cfg.Webhooks, logger.With("component", "webhook"))
		a.detach = append(a.detach, a.Notifier.Attach(a.Bus))
	}

	inv := opts.Invoker
	if inv == nil {
		inv = invoker.NewHTTPInvoker(invoker.Config{
			BaseURL: cfg.Invoker.BaseURL,
			APIKey:  cfg.Invoker.APIKey,
			Model:   cfg.Invoker.Model,
			Timeout: cfg.Invoker.Timeout.Std(),
		})
	}
	a.Orchestrator = &orchestrator.Orchestrator{
		Engine:  a.Engine,
		Invoker: inv,
		Docs:    docs,
		Logger:  logger.With("component", "orchestrator"),
	}
	if repos := cfg.Repos(opts.Workspace); len(repos) > 0 {
		a.Orchestrator.VCS = orchestrator.GitCLI{Repos: repos}
	}
	a.Scheduler = scheduler.New(a.Engine, a.Orchestrator, a.Pool, scheduler.Config{
		Interval:  cfg.Scheduler.Interval.Std(),
		BatchSize: cfg.Scheduler.BatchSize,
	}, logger.With("component", "scheduler"))
	if cfg.Scheduler.DispatchOnApproval {
		a.detach = append(a.detach, a.Bus.Subscribe(a.dispatchApproved, events.PlanApproved))
	}
	return a, nil
}

// Start launches the scheduler when it is enabled.
func (a *App) Start(ctx context.Context) {
	if a.Config.Scheduler.Enabled {
		a.Scheduler.Start(ctx)
	}
}

// GeneratePlanAsync queues plan generation on the worker pool under the task
// id, so cancelling the task also cancels the generation.
func (a *App) GeneratePlanAsync(taskID string, submit bool) error {
	return a.Pool.Submit(taskID, func(ctx context.Context) {
		t, err := a.Engine.GetTask(ctx, taskID)
		if err != nil {
			a.Logger.Error("app: load task for plan generation", "task_id", taskID, "err", err)
			return
		}
		res := a.Orchestrator.GeneratePlan(ctx, t, submit)
		if !res.Completed() {
			a.Logger.Warn("app: plan generation failed", "task_id", taskID, "err", res.Error)
		}
	})
}

// DraftSubtaskAsync queues the agent draft for one subtask under its own key
// in the parent task's group. The dispatch is announced only once the job is
// queued, and the job does not start before the announcement.
func (a *App) DraftSubtaskAsync(ctx context.Context, subtaskID, actorID string) error {
	s, err := a.Engine.CheckSubtaskDispatch(ctx, subtaskID)
	if err != nil {
		return err
	}
	key := subtaskJobKey(s.ID)
	announced := make(chan struct{})
	err = a.Pool.SubmitIn(s.TaskID, key, func(ctx context.Context) {
		select {
		case <-announced:
		case <-ctx.Done():
			return
		}
		if ctx.Err() != nil {
			return
		}
		res := a.Orchestrator.Draft(ctx, s)
		if !res.Completed() {
			a.Logger.Warn("app: subtask draft failed", "subtask_id", subtaskID, "err", res.Error)
		}
	})
	if err != nil {
		return err
	}
	err = a.Engine.AnnounceSubtaskDispatch(ctx, s, actorID)
	if err != nil {
		a.Pool.Cancel(key)
	}
	close(announced)
	return err
}

func subtaskJobKey(id string) string { return "subtask:" + id }

// dispatchApproved queues an immediate run of a task whose plan was just
// approved. The scheduler registers the task id itself, so the job key differs;
// the job sits in the task's group so cancelling the task reaches it.
func (a *App) dispatchApproved(ctx context.Context, evt events.Event) error {
	taskID := evt.TaskID
	err := a.Pool.SubmitIn(taskID, "approved:"+taskID, func(ctx context.Context) {
		res, err := a.Scheduler.ProcessSingleTask(ctx, taskID, "")
		if err != nil {
			a.Logger.Error("app: dispatch after approval", "task_id", taskID, "err", err)
			return
		}
		if !res.Completed() {
			a.Logger.Warn("app: dispatch after approval did not complete", "task_id", taskID, "err", res.Error)
		}
	})
	if errors.Is(err, dispatch.ErrDuplicate) {
		return nil
	}
	return err
}

// Close stops background work and releases the database.
func (a *App) Close(ctx context.Context) error {
	a.Scheduler.Stop()
	poolErr := a.Pool.Close(ctx)
	for _, d := range a.detach {
		d()
	}
	if a.Notifier != nil {
		a.Notifier.Close()
	}
	if err := a.DB.Close(); err != nil {
		return err
	}
	return poolErr
}
