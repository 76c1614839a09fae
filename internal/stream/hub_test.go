package stream

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"foreman/internal/domain"
)

func newTestHub(opts ...Option) *Hub {
	opts = append(opts, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	return NewHub(opts...)
}

func TestPublishDropsOldestWhenFull(t *testing.T) {
	h := newTestHub()
	sub := h.Subscribe("task-1")
	for i := 1; i <= 201; i++ {
		h.Publish("task-1", domain.ReasoningLogEntry{TaskID: "task-1", Sequence: int64(i)})
	}
	require.Len(t, sub.C(), 200)
	assert.EqualValues(t, 1, sub.Dropped())
	first := <-sub.C()
	assert.EqualValues(t, 2, first.Sequence)

	var last domain.ReasoningLogEntry
	for len(sub.C()) > 0 {
		last = <-sub.C()
	}
	assert.EqualValues(t, 201, last.Sequence)
}

func TestPublishOnlyReachesTaskSubscribers(t *testing.T) {
	h := newTestHub(WithQueueCapacity(4))
	a := h.Subscribe("a")
	a2 := h.Subscribe("a")
	b := h.Subscribe("b")

	h.Publish("a", domain.ReasoningLogEntry{TaskID: "a", Sequence: 1})
	h.Publish("missing", domain.ReasoningLogEntry{TaskID: "missing", Sequence: 1})

	assert.Len(t, a.C(), 1)
	assert.Len(t, a2.C(), 1)
	assert.Len(t, b.C(), 0)
	assert.Equal(t, 4, cap(a.ch))
}

func TestUnsubscribePrunesTask(t *testing.T) {
	h := newTestHub()
	s1 := h.Subscribe("t")
	s2 := h.Subscribe("t")
	require.Equal(t, 2, h.Subscribers("t"))
	require.Equal(t, 1, h.Tasks())

	h.Unsubscribe("t", s1)
	assert.Equal(t, 1, h.Subscribers("t"))
	_, open := <-s1.C()
	assert.False(t, open)

	h.Unsubscribe("t", s2)
	h.Unsubscribe("t", s2)
	assert.Equal(t, 0, h.Subscribers("t"))
	assert.Equal(t, 0, h.Tasks())

	assert.NotPanics(t, func() {
		h.Publish("t", domain.ReasoningLogEntry{TaskID: "t"})
	})
}
