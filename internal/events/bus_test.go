package events_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"foreman/internal/events"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPublishIsolatesHandlers(t *testing.T) {
	bus := events.NewBus(quietLogger())
	var got []string
	bus.Subscribe(func(ctx context.Context, evt events.Event) error {
		got = append(got, "first")
		return errors.New("boom")
	}, events.TaskStarted)
	bus.Subscribe(func(ctx context.Context, evt events.Event) error {
		got = append(got, "second")
		panic("handler exploded")
	}, events.TaskStarted)
	bus.Subscribe(func(ctx context.Context, evt events.Event) error {
		got = append(got, "third")
		return nil
	}, events.TaskStarted)

	assert.NotPanics(t, func() {
		bus.Publish(context.Background(), events.Event{Kind: events.TaskStarted, TaskID: "t1"})
	})
	assert.Equal(t, []string{"first", "second", "third"}, got)
}

func TestSubscribeByKind(t *testing.T) {
	bus := events.NewBus(quietLogger())
	var kinds []events.Kind
	unsubscribe := bus.Subscribe(func(ctx context.Context, evt events.Event) error {
		kinds = append(kinds, evt.Kind)
		return nil
	}, events.TaskCompleted, events.PlanApproved)

	ctx := context.Background()
	bus.Publish(ctx, events.Event{Kind: events.TaskStarted})
	bus.Publish(ctx, events.Event{Kind: events.TaskCompleted})
	bus.Publish(ctx, events.Event{Kind: events.PlanApproved})
	bus.Publish(ctx, events.Event{Kind: "task.exploded"})
	require.Equal(t, []events.Kind{events.TaskCompleted, events.PlanApproved}, kinds)

	unsubscribe()
	bus.Publish(ctx, events.Event{Kind: events.TaskCompleted})
	assert.Len(t, kinds, 2)
}

func TestSubscribeWithoutKindsReceivesEverything(t *testing.T) {
	bus := events.NewBus(quietLogger())
	n := 0
	bus.Subscribe(func(ctx context.Context, evt events.Event) error {
		n++
		assert.False(t, evt.At.IsZero())
		return nil
	})
	for _, k := range events.AllKinds() {
		bus.Publish(context.Background(), events.Event{Kind: k})
	}
	assert.Equal(t, len(events.AllKinds()), n)
}

func TestTaskLifecycleKinds(t *testing.T) {
	kinds := events.TaskLifecycleKinds()
	assert.Contains(t, kinds, events.TaskStarted)
	assert.Contains(t, kinds, events.PlanApproved)
	assert.Contains(t, kinds, events.SubtaskDraftGenerated)
	assert.NotContains(t, kinds, events.AgentRegistered)
	assert.NotContains(t, kinds, events.GithubSyncStarted)
	assert.Equal(t, "subtask", events.SubtaskFailed.Scope())
}
