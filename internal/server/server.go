package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"metacontrol/internal/diagnostics"
	"metacontrol/internal/domain"
	"metacontrol/internal/engine"
	"metacontrol/internal/engine/auth"
	"metacontrol/internal/metrics"
	"metacontrol/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"target_not_found"`
	Message string         `json:"message" example:"not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the reasoner API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = logger
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the requested envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, auth.Service{Repo: cfg.Engine.Repo}))
	if cfg.Metrics != nil {
		router.Handle("/metrics", cfg.Metrics.Handler())
	}
	hcfg := huma.DefaultConfig("Metacontrol Reasoner API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	h := handlers{engine: cfg.Engine, logger: logger, metrics: cfg.Metrics}
	registerDocs(router, basePath)
	registerHealth(group)
	h.registerStatus(group)
	h.registerObjectives(group)
	h.registerDesigns(group)
	h.registerGroundings(group)
	h.registerComponents(group)
	h.registerDiagnostics(group)
	h.registerReasoner(group)
	h.registerEvents(group)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

type handlers struct {
	engine  engine.Engine
	logger  *zap.Logger
	metrics *metrics.Metrics
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
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"scope": fe.Scope})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, engine.ErrInvalidReport) {
		return newAPIError(http.StatusBadRequest, "invalid_report", err.Error(), nil)
	}
	if errors.Is(err, engine.ErrInferenceFailed) {
		return newAPIError(http.StatusServiceUnavailable, "inference_failed", err.Error(), nil)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return newAPIError(http.StatusServiceUnavailable, "busy", "reasoner busy", map[string]any{"error": err.Error()})
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	healthPath := path.Join("/", basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Metacontrol Reasoner API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*output[map[string]string], error) {
		return &output[map[string]string]{Body: map[string]string{"status": "ok"}}, nil
	})
}

func (h handlers) registerStatus(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Knowledge base summary",
	}, func(ctx context.Context, _ *struct{}) (*output[engine.Summary], error) {
		if err := requireScope(ctx, repo.ScopeDiagnostics); err != nil {
			return nil, handleError(err)
		}
		s, err := h.engine.Status(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &output[engine.Summary]{Body: s}, nil
	})
}

type idPath struct {
	ID string `path:"id"`
}

func (h handlers) registerObjectives(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-objectives",
		Method:      http.MethodGet,
		Path:        "/objectives",
		Summary:     "List objectives",
	}, func(ctx context.Context, _ *struct{}) (*output[[]domain.Objective], error) {
		if err := requireScope(ctx, repo.ScopeDiagnostics); err != nil {
			return nil, handleError(err)
		}
		items, err := h.engine.Repo.ListObjectives(ctx, nil)
		if err != nil {
			return nil, handleError(err)
		}
		return &output[[]domain.Objective]{Body: nonNil(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-objective",
		Method:      http.MethodGet,
		Path:        "/objectives/{id}",
		Summary:     "Objective with its grounding and a dry-run selection",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *idPath) (*output[ObjectiveDetail], error) {
		if err := requireScope(ctx, repo.ScopeDiagnostics); err != nil {
			return nil, handleError(err)
		}
		o, err := h.engine.Repo.GetObjective(ctx, nil, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		detail := ObjectiveDetail{Objective: o}
		fg, err := h.engine.Repo.GetGroundingByObjective(ctx, nil, o.ID)
		switch {
		case err == nil:
			detail.Grounding = &fg
		case !errors.Is(err, repo.ErrNotFound):
			return nil, handleError(err)
		}
		fd, ok, tr, err := h.engine.SelectDesign(ctx, o.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if ok {
			detail.Candidate = fd.ID
		}
		detail.Selection = tr
		return &output[ObjectiveDetail]{Body: detail}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "mark-objective-updatable",
		Method:      http.MethodPost,
		Path:        "/objectives/{id}/updatable",
		Summary:     "Ask the next cycle to re-select a design for the objective",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *idPath) (*output[domain.Objective], error) {
		if err := requireScope(ctx, repo.ScopeAdmin); err != nil {
			return nil, handleError(err)
		}
		o, err := h.engine.MarkObjectiveUpdatable(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &output[domain.Objective]{Body: o}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reground-objective",
		Method:      http.MethodPost,
		Path:        "/objectives/{id}/reground",
		Summary:     "Replace the objective's grounding",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string          `path:"id"`
		Body RegroundRequest `json:"body"`
	}) (*output[RegroundResponse], error) {
		if err := requireScope(ctx, repo.ScopeAdmin); err != nil {
			return nil, handleError(err)
		}
		bound, err := h.engine.Reground(ctx, input.ID, strings.TrimSpace(input.Body.DesignID))
		if err != nil {
			return nil, handleError(err)
		}
		return &output[RegroundResponse]{Body: RegroundResponse{Objective: input.ID, Bound: bound}}, nil
	})
}

func (h handlers) registerDesigns(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-designs",
		Method:      http.MethodGet,
		Path:        "/designs",
		Summary:     "List function designs",
	}, func(ctx context.Context, _ *struct{}) (*output[[]domain.FunctionDesign], error) {
		if err := requireScope(ctx, repo.ScopeDiagnostics); err != nil {
			return nil, handleError(err)
		}
		items, err := h.engine.Repo.ListFunctionDesigns(ctx, nil)
		if err != nil {
			return nil, handleError(err)
		}
		return &output[[]domain.FunctionDesign]{Body: nonNil(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-design",
		Method:      http.MethodGet,
		Path:        "/designs/{id}",
		Summary:     "Get a function design",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *idPath) (*output[domain.FunctionDesign], error) {
		if err := requireScope(ctx, repo.ScopeDiagnostics); err != nil {
			return nil, handleError(err)
		}
		fd, err := h.engine.Repo.GetFunctionDesign(ctx, nil, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &output[domain.FunctionDesign]{Body: fd}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "clear-design-error-log",
		Method:      http.MethodDelete,
		Path:        "/designs/{id}/error-log",
		Summary:     "Make a design eligible again for the objectives it failed",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *idPath) (*output[ClearErrorLogResponse], error) {
		if err := requireScope(ctx, repo.ScopeAdmin); err != nil {
			return nil, handleError(err)
		}
		n, err := h.engine.ClearErrorLog(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &output[ClearErrorLogResponse]{Body: ClearErrorLogResponse{Design: input.ID, Cleared: n}}, nil
	})
}

func (h handlers) registerGroundings(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-groundings",
		Method:      http.MethodGet,
		Path:        "/groundings",
		Summary:     "List function groundings",
	}, func(ctx context.Context, _ *struct{}) (*output[[]domain.FunctionGrounding], error) {
		if err := requireScope(ctx, repo.ScopeDiagnostics); err != nil {
			return nil, handleError(err)
		}
		items, err := h.engine.Repo.ListGroundings(ctx, nil)
		if err != nil {
			return nil, handleError(err)
		}
		return &output[[]domain.FunctionGrounding]{Body: nonNil(items)}, nil
	})
}

func (h handlers) registerComponents(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-components",
		Method:      http.MethodGet,
		Path:        "/components",
		Summary:     "List components",
	}, func(ctx context.Context, _ *struct{}) (*output[[]domain.Component], error) {
		if err := requireScope(ctx, repo.ScopeDiagnostics); err != nil {
			return nil, handleError(err)
		}
		items, err := h.engine.Repo.ListComponents(ctx, nil)
		if err != nil {
			return nil, handleError(err)
		}
		return &output[[]domain.Component]{Body: nonNil(items)}, nil
	})
}

func (h handlers) registerDiagnostics(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "post-diagnostics",
		Method:      http.MethodPost,
		Path:        "/diagnostics",
		Summary:     "Apply a diagnostic array, a report or a list of reports",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		RawBody []byte `contentType:"application/json"`
	}) (*output[diagnostics.BatchResult], error) {
		if err := requireScope(ctx, repo.ScopeDiagnostics); err != nil {
			return nil, handleError(err)
		}
		reports, skipped, err := diagnostics.Decode(input.RawBody)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		if skipped > 0 && h.metrics != nil {
			h.metrics.ReportsSkipped.Add(float64(skipped))
		}
		res, err := diagnostics.Process(ctx, h.engine, reports, h.logger)
		if err != nil {
			return nil, handleError(err)
		}
		res.Skipped = skipped
		return &output[diagnostics.BatchResult]{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "post-reports",
		Method:      http.MethodPost,
		Path:        "/reports",
		Summary:     "Apply typed reports",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body ReportsRequest `json:"body"`
	}) (*output[diagnostics.BatchResult], error) {
		if err := requireScope(ctx, repo.ScopeDiagnostics); err != nil {
			return nil, handleError(err)
		}
		res, err := diagnostics.Process(ctx, h.engine, input.Body.Reports, h.logger)
		if err != nil {
			return nil, handleError(err)
		}
		return &output[diagnostics.BatchResult]{Body: res}, nil
	})
}

func (h handlers) registerReasoner(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "run-cycle",
		Method:      http.MethodPost,
		Path:        "/reasoner/cycle",
		Summary:     "Run one reasoning cycle now",
		Errors:      []int{http.StatusForbidden, http.StatusServiceUnavailable},
	}, func(ctx context.Context, _ *struct{}) (*output[engine.CycleResult], error) {
		if err := requireScope(ctx, repo.ScopeAdmin); err != nil {
			return nil, handleError(err)
		}
		res, err := h.engine.Cycle(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &output[engine.CycleResult]{Body: res}, nil
	})
}

func (h handlers) registerEvents(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent reasoner events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"component,function_design,function_grounding,objective,reasoner,model"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*output[paginatedEvents], error) {
		if err := requireScope(ctx, repo.ScopeDiagnostics); err != nil {
			return nil, handleError(err)
		}
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := h.engine.Repo.LatestEvents(ctx, limit+1, cursorID, repo.EventFilter{
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &output[paginatedEvents]{Body: resp}, nil
	})
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
