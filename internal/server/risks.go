package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"foreman/internal/domain"
	"foreman/internal/engine"
	"foreman/internal/repo"
)

func registerRisks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-risk",
		Method:        http.MethodPost,
		Path:          "/risks",
		Summary:       "Raise a risk signal",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body CreateRiskRequest `json:"body"`
	}) (*body[domain.RiskSignal], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rs, err := e.CreateRiskSignal(ctx, engine.RiskCreateOptions{
			ProjectID: input.Body.ProjectID,
			TaskID:    input.Body.TaskID,
			SubtaskID: input.Body.SubtaskID,
			Severity:  input.Body.Severity,
			Title:     input.Body.Title,
			Detail:    input.Body.Detail,
			ActorID:   actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(rs), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-risks",
		Method:      http.MethodGet,
		Path:        "/risks",
		Summary:     "List risk signals, most severe first",
	}, func(ctx context.Context, input *struct {
		ProjectID   string `query:"project_id"`
		TaskID      string `query:"task_id"`
		Open        bool   `query:"open"`
		MinSeverity string `query:"min_severity" enum:"low,medium,high,critical"`
		Limit       int    `query:"limit" default:"50"`
	}) (*body[[]domain.RiskSignal], error) {
		items, err := e.Repo.ListRisks(ctx, repo.RiskFilters{
			ProjectID:   input.ProjectID,
			TaskID:      input.TaskID,
			OpenOnly:    input.Open,
			MinSeverity: input.MinSeverity,
			Limit:       normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(nonNilSlice(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-risk",
		Method:      http.MethodPost,
		Path:        "/risks/{id}/resolve",
		Summary:     "Resolve a risk signal",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*body[domain.RiskSignal], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rs, err := e.ResolveRiskSignal(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(rs), nil
	})
}
