package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"foreman/internal/domain"
	"foreman/internal/engine"
	"foreman/internal/repo"
)

type planPath struct {
	ID string `path:"id"`
}

func registerPlans(api huma.API, e engine.Engine, d Dispatcher) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-plan",
		Method:        http.MethodPost,
		Path:          "/tasks/{id}/plans",
		Summary:       "Store the next plan version for a task",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body CreatePlanRequest `json:"body"`
	}) (*body[domain.Plan], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.CreatePlan(ctx, engine.PlanCreateOptions{
			TaskID:    input.ID,
			Items:     input.Body.Items,
			Rationale: input.Body.Rationale,
			ActorID:   actorID,
			Submit:    input.Body.Submit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(p), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "generate-plan",
		Method:        http.MethodPost,
		Path:          "/tasks/{id}/plans/generate",
		Summary:       "Ask an agent for a plan in the background",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusNotFound, http.StatusConflict, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		ID   string              `path:"id"`
		Body GeneratePlanRequest `json:"body" required:"false"`
	}) (*body[AcceptedResponse], error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if d == nil {
			return nil, newAPIError(http.StatusServiceUnavailable, "", "dispatcher not configured", nil)
		}
		t, err := e.GetTask(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if _, err := e.Repo.ApprovedPlan(ctx, e.DB, t.ID); err == nil {
			return nil, handleError(engine.ErrApprovedPlanExists)
		}
		if err := d.GeneratePlanAsync(t.ID, input.Body.Submit); err != nil {
			return nil, handleError(err)
		}
		return reply(AcceptedResponse{Status: "queued", TaskID: t.ID}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-plans",
		Method:      http.MethodGet,
		Path:        "/plans",
		Summary:     "List plans",
	}, func(ctx context.Context, input *struct {
		TaskID    string `query:"task_id"`
		ProjectID string `query:"project_id"`
		Status    string `query:"status" enum:"draft,pending_pm_approval,approved,rejected"`
	}) (*body[[]domain.Plan], error) {
		items, err := e.Repo.ListPlans(ctx, repo.PlanFilters{TaskID: input.TaskID, ProjectID: input.ProjectID, Status: input.Status})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(nonNilSlice(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-plan",
		Method:      http.MethodGet,
		Path:        "/plans/{id}",
		Summary:     "Get plan",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *planPath) (*body[domain.Plan], error) {
		p, err := e.GetPlan(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(p), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "submit-plan",
		Method:      http.MethodPost,
		Path:        "/plans/{id}/submit",
		Summary:     "Send a draft plan to PM approval",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *planPath) (*body[domain.Plan], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.SubmitPlan(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(p), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-plan",
		Method:      http.MethodPost,
		Path:        "/plans/{id}/approve",
		Summary:     "Approve a plan and materialize its subtasks",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *planPath) (*body[ApprovalResponse], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.ApprovePlan(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(approvalResponse(res)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-plan",
		Method:      http.MethodPost,
		Path:        "/plans/{id}/reject",
		Summary:     "Reject a plan",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string        `path:"id"`
		Body ReasonRequest `json:"body" required:"false"`
	}) (*body[domain.Plan], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.RejectPlan(ctx, input.ID, input.Body.Reason, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(p), nil
	})
}
