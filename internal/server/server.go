package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"windsite/internal/domain"
	"windsite/internal/engine"
	"windsite/internal/store"
)

// Config for the HTTP API handler. Lifetime bounds background work such as
// the webhook dispatcher; cancel it on shutdown.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	Lifetime context.Context
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"stage_dependency"`
	Message string         `json:"message" example:"cannot run layout: the terrain stage is not complete; run terrain first"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the orchestrator API.
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
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Windsite API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerAnalyze(group, cfg.Engine)
	registerProjects(group, cfg.Engine)
	registerEvents(group, cfg.Engine)

	lifetime := cfg.Lifetime
	if lifetime == nil {
		lifetime = context.Background()
	}
	startWebhookDispatcher(lifetime, cfg.Engine)

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

// handleError maps the orchestrator error taxonomy onto HTTP statuses. The
// engine knows nothing about HTTP; this is the only place the two meet.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var statusErr huma.StatusError
	if errors.As(err, &statusErr) {
		return statusErr
	}
	if errors.Is(err, store.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	info := engine.Describe(err)
	var details map[string]any
	if info.MissingStage != "" {
		details = map[string]any{"missing_stage": info.MissingStage}
	}
	switch info.Kind {
	case "ambiguous_intent":
		return newAPIError(http.StatusBadRequest, info.Kind, info.Message, details)
	case "project_not_found":
		return newAPIError(http.StatusNotFound, info.Kind, info.Message, details)
	case "stage_dependency", "tool_validation":
		return newAPIError(http.StatusUnprocessableEntity, info.Kind, info.Message, details)
	case "persistence_conflict":
		return newAPIError(http.StatusConflict, info.Kind, info.Message, details)
	case "tool_infra":
		return newAPIError(http.StatusBadGateway, info.Kind, info.Message, details)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": info.Message})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerAnalyze(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "analyze",
		Method:      http.MethodPost,
		Path:        "/analyze",
		Summary:     "Run the next pipeline stage for a query",
	}, func(ctx context.Context, input *struct {
		Body AnalyzeRequest
	}) (*struct {
		Body AnalyzeResponse `json:"body"`
	}, error) {
		owner, authErr := ownerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if strings.TrimSpace(input.Body.Query) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "query is required", nil)
		}
		req := engine.Request{
			Query:     input.Body.Query,
			Owner:     owner,
			SessionID: input.Body.SessionID,
		}
		if c := input.Body.Context; c != nil {
			req.Context = engine.RequestContext{
				ProjectID:   c.ProjectID,
				ProjectName: c.ProjectName,
				Stage:       c.Stage,
				Latitude:    c.Latitude,
				Longitude:   c.Longitude,
				RadiusKm:    c.RadiusKm,
				Hints:       c.Hints,
			}
		}
		res, err := e.Analyze(ctx, req)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AnalyzeResponse `json:"body"`
		}{Body: analyzeResponse(res)}, nil
	})
}

func registerProjects(api huma.API, e engine.Engine) {
	type projectPath struct {
		ProjectID string `path:"project_id"`
	}

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body struct {
			Items []ProjectResponse `json:"items"`
		} `json:"body"`
	}, error) {
		owner, authErr := ownerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.Store.List(ctx, owner)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Items []ProjectResponse `json:"items"`
			} `json:"body"`
		}{}
		out.Body.Items = []ProjectResponse{}
		for _, p := range items {
			out.Body.Items = append(out.Body.Items, projectResponse(p))
		}
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}",
		Summary:     "Get a project",
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		p, err := ownedProject(ctx, e, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "project-status",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/status",
		Summary:     "Project stage checklist",
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body ProjectStatusResponse `json:"body"`
	}, error) {
		p, err := ownedProject(ctx, e, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectStatusResponse `json:"body"`
		}{Body: projectStatusResponse(p)}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "project-events",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/events",
		Summary:     "Recent project events",
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Limit     int    `query:"limit"`
	}) (*struct {
		Body struct {
			Items []EventResponse `json:"items"`
		} `json:"body"`
	}, error) {
		p, err := ownedProject(ctx, e, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		evts, err := e.Store.LatestEvents(ctx, p.ID, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Items []EventResponse `json:"items"`
			} `json:"body"`
		}{}
		out.Body.Items = []EventResponse{}
		for _, evt := range evts {
			out.Body.Items = append(out.Body.Items, eventResponse(evt))
		}
		return out, nil
	})
}

// ownedProject loads a project and hides other owners' projects behind a
// not-found, so ids do not leak across owners.
func ownedProject(ctx context.Context, e engine.Engine, projectID string) (domain.Project, error) {
	owner, authErr := ownerFromContext(ctx)
	if authErr != nil {
		return domain.Project{}, authErr
	}
	p, err := e.Store.Get(ctx, projectID)
	if err != nil {
		return domain.Project{}, err
	}
	if p.Owner != owner {
		return domain.Project{}, store.ErrNotFound
	}
	return p, nil
}
