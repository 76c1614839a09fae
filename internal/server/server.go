package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"path"
	"reflect"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"foreman/internal/assign"
	"foreman/internal/dispatch"
	"foreman/internal/engine"
	"foreman/internal/engine/auth"
	"foreman/internal/invoker"
	"foreman/internal/orchestrator"
	"foreman/internal/repo"
	"foreman/internal/scheduler"
	"foreman/internal/stream"
)

// Scheduler is the part of the task scheduler the API exposes.
type Scheduler interface {
	ProcessSingleTask(ctx context.Context, taskID, projectID string) (orchestrator.Result, error)
	Stats() scheduler.Stats
}

// Dispatcher queues agent work in the background.
type Dispatcher interface {
	GeneratePlanAsync(taskID string, submit bool) error
	DraftSubtaskAsync(ctx context.Context, subtaskID, actorID string) error
}

// Config for the HTTP API handler. Scheduler, Dispatcher and Hub are optional;
// their endpoints answer 503 or are not registered when unset.
type Config struct {
	Engine     engine.Engine
	Hub        *stream.Hub
	Scheduler  Scheduler
	Dispatcher Dispatcher
	BasePath   string
	Auth       AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"invalid task status transition completed -> in_progress"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"from\":\"completed\"}"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// body wraps a response payload for huma.
type body[T any] struct {
	Body T `json:"body"`
}

func reply[T any](v T) *body[T] { return &body[T]{Body: v} }

// New returns an HTTP handler exposing the foreman API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Foreman API", "0.3.0")
	hcfg.OpenAPIPath = path.Join(basePath, "openapi")
	hcfg.DocsPath = "/docs"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerSchedulerStatus(group, cfg.Scheduler)
	registerAgents(group, cfg.Engine)
	registerProjects(group, cfg.Engine)
	registerTasks(group, cfg.Engine, cfg.Scheduler)
	registerPlans(group, cfg.Engine, cfg.Dispatcher)
	registerSubtasks(group, cfg.Engine, cfg.Dispatcher)
	registerRisks(group, cfg.Engine)
	registerReasoning(group, cfg.Engine, cfg.Hub)
	registerAudit(group, cfg.Engine)
	registerMe(group, cfg.Engine)
	if cfg.Auth.DevLogin {
		registerDevAuth(group, cfg.Auth)
	}
	describeAPI(api.OpenAPI(), basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var ve engine.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"field": ve.Field})
	}
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"project_id": fe.ProjectID, "roles": fe.Roles})
	}
	var te engine.TransitionError
	if errors.As(err, &te) {
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), map[string]any{"entity": te.Entity, "id": te.ID, "from": te.From, "to": te.To})
	}
	var ge engine.GateError
	if errors.As(err, &ge) {
		return newAPIError(http.StatusConflict, "plan_not_approved", err.Error(), map[string]any{"plan_id": ge.PlanID, "plan_status": ge.PlanStatus})
	}
	var na assign.NoAgentsError
	if errors.As(err, &na) {
		return newAPIError(http.StatusConflict, "no_agents_available", err.Error(), map[string]any{"project_id": na.ProjectID})
	}
	switch {
	case errors.Is(err, engine.ErrApprovedPlanExists):
		return newAPIError(http.StatusConflict, "approved_plan_exists", err.Error(), nil)
	case errors.Is(err, engine.ErrPlanSuperseded):
		return newAPIError(http.StatusConflict, "plan_superseded", err.Error(), nil)
	case errors.Is(err, dispatch.ErrDuplicate):
		return newAPIError(http.StatusConflict, "already_dispatched", err.Error(), nil)
	case errors.Is(err, dispatch.ErrQueueFull), errors.Is(err, dispatch.ErrClosed):
		return newAPIError(http.StatusServiceUnavailable, "dispatch_unavailable", err.Error(), nil)
	case errors.Is(err, invoker.ErrUpstream):
		return newAPIError(http.StatusBadGateway, "upstream_error", err.Error(), nil)
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "unique constraint"):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

var statusCodes = map[int]string{
	http.StatusUnprocessableEntity: "validation_failed",
	http.StatusInternalServerError: "internal_error",
	http.StatusServiceUnavailable:  "unavailable",
}

// defaultCodeForStatus derives an error code from the HTTP status text,
// e.g. 404 becomes not_found.
func defaultCodeForStatus(status int) string {
	if code, ok := statusCodes[status]; ok {
		return code
	}
	text := http.StatusText(status)
	if text == "" {
		return "error"
	}
	return strings.ToLower(strings.ReplaceAll(text, " ", "_"))
}

type errorEnvelope struct {
	Error apiErrorBody `json:"error"`
}

// describeAPI attaches the error envelope and the credential schemes to every
// operation of the generated document. Health and dev login need no
// credentials.
func describeAPI(oas *huma.OpenAPI, basePath string) {
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{Type: "http", Scheme: "bearer", BearerFormat: "JWT"}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{Type: "apiKey", In: "header", Name: "X-Api-Key"}
	credentials := []map[string][]string{{"bearerAuth": {}}, {"apiKeyAuth": {}}}
	oas.Security = credentials

	var envelope *huma.Schema
	if oas.Components.Schemas != nil {
		envelope = oas.Components.Schemas.Schema(reflect.TypeOf(errorEnvelope{}), true, "ErrorEnvelope")
	}
	open := map[string]bool{
		path.Join(basePath, "health"):         true,
		path.Join(basePath, "auth/dev/login"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			if envelope != nil {
				op.Responses["default"] = &huma.Response{
					Description: "Error envelope",
					Content:     map[string]*huma.MediaType{"application/json": {Schema: envelope}},
				}
			}
			op.Security = credentials
			if open[route] {
				op.Security = []map[string][]string{}
			}
		}
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*body[map[string]string], error) {
		return reply(map[string]string{"status": "ok"}), nil
	})
}

func registerSchedulerStatus(api huma.API, s Scheduler) {
	huma.Register(api, huma.Operation{
		OperationID: "scheduler-status",
		Method:      http.MethodGet,
		Path:        "/scheduler",
		Summary:     "Task scheduler status",
		Errors:      []int{http.StatusServiceUnavailable},
	}, func(ctx context.Context, _ *struct{}) (*body[scheduler.Stats], error) {
		if s == nil {
			return nil, newAPIError(http.StatusServiceUnavailable, "", "scheduler not configured", nil)
		}
		return reply(s.Stats()), nil
	})
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return nil
	}
	data, _ := io.ReadAll(req.Body)
	return data
}

func requireBody(ctx context.Context) huma.StatusError {
	if len(bytes.TrimSpace(bodyBytes(ctx))) == 0 {
		return newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
	}
	return nil
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}

// taskCursor is the position after the last task of a page. On the wire it
// is an opaque base64url token.
type taskCursor struct {
	CreatedAt string
	ID        string
}

func (c taskCursor) String() string {
	if c.CreatedAt == "" || c.ID == "" {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString([]byte(c.CreatedAt + "\x00" + c.ID))
}

func parseTaskCursor(token string) (taskCursor, error) {
	if token == "" {
		return taskCursor{}, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return taskCursor{}, errors.New("invalid cursor")
	}
	created, id, ok := strings.Cut(string(raw), "\x00")
	if !ok || created == "" || id == "" {
		return taskCursor{}, errors.New("invalid cursor")
	}
	return taskCursor{CreatedAt: created, ID: id}, nil
}

func nonNilSlice[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}

func encodeJSON(field string, v map[string]any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, engine.ValidationError{Field: field, Message: "is not valid JSON"}
	}
	return data, nil
}
