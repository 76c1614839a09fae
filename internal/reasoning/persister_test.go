package reasoning_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"foreman/internal/db"
	"foreman/internal/domain"
	"foreman/internal/events"
	"foreman/internal/migrate"
	"foreman/internal/reasoning"
	"foreman/internal/repo"
	"foreman/internal/stream"
)

type fixture struct {
	bus       *events.Bus
	hub       *stream.Hub
	persister *reasoning.Persister
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(context.Background(), conn))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	hub := stream.NewHub(stream.WithLogger(logger))
	p := &reasoning.Persister{
		Repo:   repo.Repo{DB: conn},
		Hub:    hub,
		Logger: logger,
		Now:    func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) },
	}
	bus := events.NewBus(logger)
	p.Attach(bus)
	return fixture{bus: bus, hub: hub, persister: p}
}

func TestLifecycleEventsBecomeSequencedEntries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub := f.hub.Subscribe("task-1")

	f.bus.Publish(ctx, events.Event{Kind: events.TaskStarted, TaskID: "task-1"})
	f.bus.Publish(ctx, events.Event{Kind: events.TaskCompleted, TaskID: "task-1", Payload: map[string]any{"summary": "all done"}})
	f.bus.Publish(ctx, events.Event{Kind: events.TaskStarted, TaskID: "task-2"})
	f.bus.Publish(ctx, events.Event{Kind: events.AgentRegistered, TaskID: "task-1"})

	page, err := f.persister.List(ctx, "task-1", 0, 0)
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	assert.EqualValues(t, 1, page.Items[0].Sequence)
	assert.EqualValues(t, 2, page.Items[1].Sequence)
	assert.Equal(t, "task.started", page.Items[0].EventType)
	assert.Equal(t, reasoning.StatusRunning, page.Items[0].Status)
	assert.Equal(t, "all done", page.Items[1].Message)
	assert.Equal(t, reasoning.StatusSuccess, page.Items[1].Status)
	assert.False(t, page.HasMore)
	assert.EqualValues(t, 2, page.LastSequence)

	other, err := f.persister.List(ctx, "task-2", 0, 0)
	require.NoError(t, err)
	require.Len(t, other.Items, 1)
	assert.EqualValues(t, 1, other.Items[0].Sequence)

	require.Len(t, sub.C(), 2)
	live := <-sub.C()
	assert.EqualValues(t, 1, live.Sequence)
}

func TestEventsWithoutTaskAreIgnored(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.persister.Handle(ctx, events.Event{Kind: events.PlanCreated}))
	page, err := f.persister.List(ctx, "", 0, 0)
	require.NoError(t, err)
	assert.Empty(t, page.Items)
}

func TestListPaginatesAfterSequence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		f.bus.Publish(ctx, events.Event{Kind: events.TaskProgress, TaskID: "t", Payload: map[string]any{"progress": 0.1 * float64(i)}})
	}

	page, err := f.persister.List(ctx, "t", 0, 2)
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	assert.True(t, page.HasMore)
	assert.EqualValues(t, 2, page.LastSequence)

	page, err = f.persister.List(ctx, "t", page.LastSequence, 2)
	require.NoError(t, err)
	assert.EqualValues(t, 3, page.Items[0].Sequence)
	assert.True(t, page.HasMore)

	page, err = f.persister.List(ctx, "t", 4, 2)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.False(t, page.HasMore)
	assert.EqualValues(t, 5, page.LastSequence)

	page, err = f.persister.List(ctx, "t", 5, 2)
	require.NoError(t, err)
	assert.Empty(t, page.Items)
	assert.EqualValues(t, 5, page.LastSequence)
}

func TestMessagePrecedence(t *testing.T) {
	cases := []struct {
		name string
		evt  events.Event
		want string
	}{
		{"message wins", events.Event{Kind: events.TaskFailed, Payload: map[string]any{"message": "m", "summary": "s", "error": "e"}}, "m"},
		{"summary next", events.Event{Kind: events.TaskFailed, Payload: map[string]any{"summary": "s", "error": "e"}}, "s"},
		{"kind text", events.Event{Kind: events.TaskFailed, Payload: map[string]any{"error": "timeout"}}, "Task failed: timeout"},
		{"blank message skipped", events.Event{Kind: events.PlanSubmitted, Payload: map[string]any{"message": "  "}}, "Plan submitted for PM approval"},
		{"assigned", events.Event{Kind: events.TaskAssigned, Payload: map[string]any{"agent_id": "a1"}}, "Task assigned to agent a1"},
		{"progress", events.Event{Kind: events.TaskProgress, Payload: map[string]any{"progress": 0.5}}, "Progress updated to 50%"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, reasoning.Message(tc.evt))
		})
	}
}

func TestStatusOverride(t *testing.T) {
	assert.Equal(t, reasoning.StatusError, reasoning.Status(events.Event{Kind: events.SubtaskFailed}))
	assert.Equal(t, reasoning.StatusInfo, reasoning.Status(events.Event{Kind: events.PlanRejected}))
	assert.Equal(t, reasoning.StatusError, reasoning.Status(events.Event{Kind: events.TaskProgress, Payload: map[string]any{"status": "error"}}))
	assert.Equal(t, reasoning.StatusRunning, reasoning.Status(events.Event{Kind: events.TaskProgress, Payload: map[string]any{"status": "bogus"}}))
}

func TestSubtaskIDIsRecorded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	entry, err := f.persister.Append(ctx, events.Event{Kind: events.SubtaskDraftGenerated, TaskID: "t", SubtaskID: "s1", Source: "agent"})
	require.NoError(t, err)
	require.NotNil(t, entry.SubtaskID)
	assert.Equal(t, "s1", *entry.SubtaskID)
	assert.Equal(t, "agent", entry.Source)
	assert.JSONEq(t, `{}`, string(entry.Payload))

	page, err := f.persister.List(ctx, "t", 0, 0)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, []domain.ReasoningLogEntry{entry}, page.Items)
}
