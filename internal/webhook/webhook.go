// Package webhook delivers lifecycle events to configured HTTP endpoints.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"foreman/internal/config"
	"foreman/internal/events"
)

const (
	defaultTimeout   = 5 * time.Second
	defaultQueueSize = 256
)

// Delivery is the JSON body posted for every event.
type Delivery struct {
	ID        string         `json:"id"`
	Kind      string         `json:"kind"`
	TaskID    string         `json:"task_id,omitempty"`
	SubtaskID string         `json:"subtask_id,omitempty"`
	ProjectID string         `json:"project_id,omitempty"`
	ActorID   string         `json:"actor_id,omitempty"`
	Source    string         `json:"source,omitempty"`
	At        string         `json:"at"`
	Payload   map[string]any `json:"payload"`
}

type hook struct {
	cfg     config.WebhookConfig
	filter  eventFilter
	client  *http.Client
	queue   chan Delivery
	dropped int64
}

// Notifier owns one queue and one delivery goroutine per webhook so a slow
// endpoint never blocks publishers or other hooks.
type Notifier struct {
	hooks  []*hook
	logger *slog.Logger
	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
}

func New(hooks []config.WebhookConfig, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	n := &Notifier{logger: logger}
	for _, cfg := range hooks {
		if strings.TrimSpace(cfg.URL) == "" {
			continue
		}
		timeout := cfg.Timeout.Std()
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		n.hooks = append(n.hooks, &hook{
			cfg:    cfg,
			filter: newEventFilter(cfg.Events),
			client: &http.Client{Timeout: timeout},
			queue:  make(chan Delivery, defaultQueueSize),
		})
	}
	return n
}

// Attach subscribes the notifier to every event kind and starts delivery.
func (n *Notifier) Attach(bus *events.Bus) func() {
	for _, h := range n.hooks {
		n.wg.Add(1)
		go n.deliver(h)
	}
	return bus.Subscribe(n.Handle)
}

// Handle queues evt for each matching hook. Full queues drop the event.
func (n *Notifier) Handle(ctx context.Context, evt events.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil
	}
	d := toDelivery(evt)
	for _, h := range n.hooks {
		if !h.filter.match(string(evt.Kind)) {
			continue
		}
		select {
		case h.queue <- d:
		default:
			h.dropped++
			n.logger.Warn("webhook: queue full, event dropped", "url", h.cfg.URL, "kind", evt.Kind, "dropped", h.dropped)
		}
	}
	return nil
}

// Close stops accepting events and waits for queued deliveries.
func (n *Notifier) Close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	for _, h := range n.hooks {
		close(h.queue)
	}
	n.mu.Unlock()
	n.wg.Wait()
}

func (n *Notifier) deliver(h *hook) {
	defer n.wg.Done()
	for d := range h.queue {
		if err := post(context.Background(), h, d); err != nil {
			n.logger.Warn("webhook: deliver failed", "url", h.cfg.URL, "kind", d.Kind, "err", err)
		}
	}
}

func toDelivery(evt events.Event) Delivery {
	at := evt.At
	if at.IsZero() {
		at = time.Now()
	}
	payload := evt.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	return Delivery{
		ID:        uuid.NewString(),
		Kind:      string(evt.Kind),
		TaskID:    evt.TaskID,
		SubtaskID: evt.SubtaskID,
		ProjectID: evt.ProjectID,
		ActorID:   evt.ActorID,
		Source:    evt.Source,
		At:        at.UTC().Format(time.RFC3339Nano),
		Payload:   payload,
	}
}

func post(ctx context.Context, h *hook, d Delivery) error {
	data, err := json.Marshal(d)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.cfg.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Foreman-Event", d.Kind)
	req.Header.Set("X-Foreman-Delivery", d.ID)
	if d.ProjectID != "" {
		req.Header.Set("X-Foreman-Project", d.ProjectID)
	}
	if strings.TrimSpace(h.cfg.Secret) != "" {
		req.Header.Set("X-Foreman-Secret", h.cfg.Secret)
	}
	res, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(kinds []string) eventFilter {
	set := make(map[string]struct{}, len(kinds))
	for _, k := range kinds {
		k = strings.TrimSpace(k)
		if k == "*" {
			return eventFilter{all: true}
		}
		if k != "" {
			set[k] = struct{}{}
		}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(kind string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[kind]
	return ok
}
