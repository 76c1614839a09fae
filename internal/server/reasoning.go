package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/sse"

	"foreman/internal/domain"
	"foreman/internal/engine"
	"foreman/internal/reasoning"
	"foreman/internal/repo"
	"foreman/internal/stream"
)

func registerReasoning(api huma.API, e engine.Engine, hub *stream.Hub) {
	huma.Register(api, huma.Operation{
		OperationID: "list-reasoning",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}/reasoning",
		Summary:     "Reasoning log entries after a sequence, ascending",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID            string `path:"id"`
		AfterSequence int64  `query:"after_sequence" minimum:"0"`
		Limit         int    `query:"limit" minimum:"0" maximum:"500"`
	}) (*body[reasoning.Page], error) {
		if _, err := e.Repo.GetTask(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		page, err := reasoning.ListPage(ctx, e.Repo, input.ID, input.AfterSequence, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(page), nil
	})

	if hub == nil {
		return
	}
	sse.Register(api, huma.Operation{
		OperationID: "stream-reasoning",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}/reasoning/stream",
		Summary:     "Live tail of a task's reasoning log; replays entries after after_sequence first",
	}, map[string]any{
		"entry": domain.ReasoningLogEntry{},
		"error": apiErrorBody{},
	}, func(ctx context.Context, input *struct {
		ID            string `path:"id"`
		AfterSequence int64  `query:"after_sequence" minimum:"0"`
	}, send sse.Sender) {
		if _, err := e.Repo.GetTask(ctx, input.ID); err != nil {
			if se, ok := handleError(err).(*apiError); ok {
				_ = send.Data(se.Body)
			}
			return
		}
		// Subscribe before replaying so nothing committed in between is missed.
		sub := hub.Subscribe(input.ID)
		defer hub.Unsubscribe(input.ID, sub)

		last, err := replay(ctx, e.Repo, input.ID, input.AfterSequence, send)
		if err != nil {
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case entry, ok := <-sub.C():
				if !ok {
					return
				}
				if entry.Sequence <= last {
					continue
				}
				if err := send(sse.Message{ID: int(entry.Sequence), Data: entry}); err != nil {
					return
				}
				last = entry.Sequence
			}
		}
	})
}

// replay sends persisted entries after the cursor and returns the last
// sequence sent.
func replay(ctx context.Context, r repo.Repo, taskID string, after int64, send sse.Sender) (int64, error) {
	last := after
	for {
		page, err := reasoning.ListPage(ctx, r, taskID, last, reasoning.MaxPageLimit)
		if err != nil {
			return last, err
		}
		for _, entry := range page.Items {
			if err := send(sse.Message{ID: int(entry.Sequence), Data: entry}); err != nil {
				return last, err
			}
			last = entry.Sequence
		}
		if !page.HasMore {
			return last, nil
		}
	}
}

func registerAudit(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-audit",
		Method:      http.MethodGet,
		Path:        "/audit",
		Summary:     "Newest audit records first",
	}, func(ctx context.Context, input *struct {
		ProjectID  string `query:"project_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
	}) (*body[[]domain.AuditRecord], error) {
		items, err := e.Repo.LatestAudit(ctx, repo.AuditFilters{
			ProjectID:  input.ProjectID,
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
			Limit:      normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(nonNilSlice(items)), nil
	})
}
