package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"foreman/internal/domain"
	"foreman/internal/engine"
	"foreman/internal/repo"
)

type subtaskPath struct {
	ID string `path:"id"`
}

func subtaskMutation(api huma.API, id, verb, summary string, run func(ctx context.Context, subtaskID, actorID string) (domain.Subtask, error)) {
	huma.Register(api, huma.Operation{
		OperationID: id,
		Method:      http.MethodPost,
		Path:        "/subtasks/{id}/" + verb,
		Summary:     summary,
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *subtaskPath) (*body[domain.Subtask], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := run(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(s), nil
	})
}

func registerSubtasks(api huma.API, e engine.Engine, d Dispatcher) {
	huma.Register(api, huma.Operation{
		OperationID: "list-subtasks",
		Method:      http.MethodGet,
		Path:        "/subtasks",
		Summary:     "List subtasks in plan order",
	}, func(ctx context.Context, input *struct {
		TaskID string `query:"task_id"`
		PlanID string `query:"plan_id"`
		Status string `query:"status" enum:"pending,draft_generated,in_review,approved,finalized,rejected,failed"`
	}) (*body[[]domain.Subtask], error) {
		items, err := e.Repo.ListSubtasks(ctx, repo.SubtaskFilters{TaskID: input.TaskID, PlanID: input.PlanID, Status: input.Status})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(nonNilSlice(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-subtask",
		Method:      http.MethodGet,
		Path:        "/subtasks/{id}",
		Summary:     "Get subtask",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *subtaskPath) (*body[domain.Subtask], error) {
		s, err := e.GetSubtask(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(s), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "assign-subtask",
		Method:      http.MethodPost,
		Path:        "/subtasks/{id}/assign",
		Summary:     "Assign an agent to a subtask; omit agent_id to auto-select",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string        `path:"id"`
		Body AssignRequest `json:"body" required:"false"`
	}) (*body[domain.Subtask], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.AssignSubtask(ctx, input.ID, input.Body.AgentID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(s), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "dispatch-subtask",
		Method:        http.MethodPost,
		Path:          "/subtasks/{id}/dispatch",
		Summary:       "Send a subtask to its agent in the background",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *subtaskPath) (*body[AcceptedResponse], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if d == nil {
			return nil, newAPIError(http.StatusServiceUnavailable, "", "dispatcher not configured", nil)
		}
		s, err := e.GetSubtask(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if err := d.DraftSubtaskAsync(ctx, s.ID, actorID); err != nil {
			return nil, handleError(err)
		}
		return reply(AcceptedResponse{Status: "queued", TaskID: s.TaskID, ID: s.ID}), nil
	})

	subtaskMutation(api, "request-subtask-review", "review", "Submit a draft for review", e.SubmitSubtaskForReview)
	subtaskMutation(api, "approve-subtask", "approve", "Approve a reviewed draft", e.ApproveSubtask)

	huma.Register(api, huma.Operation{
		OperationID: "reject-subtask",
		Method:      http.MethodPost,
		Path:        "/subtasks/{id}/reject",
		Summary:     "Reject a draft",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string        `path:"id"`
		Body ReasonRequest `json:"body" required:"false"`
	}) (*body[domain.Subtask], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.RejectSubtask(ctx, input.ID, input.Body.Reason, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(s), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "finalize-subtask",
		Method:      http.MethodPost,
		Path:        "/subtasks/{id}/finalize",
		Summary:     "Finalize an approved subtask with the accepted content",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string          `path:"id"`
		Body FinalizeRequest `json:"body"`
	}) (*body[domain.Subtask], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.FinalizeSubtask(ctx, input.ID, input.Body.FinalContent, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(s), nil
	})
}
