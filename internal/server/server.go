package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"nlrstudio/internal/domain"
	"nlrstudio/internal/engine"
	"nlrstudio/internal/events"
	"nlrstudio/internal/export"
	"nlrstudio/internal/ingest"
	"nlrstudio/internal/mapping"
	"nlrstudio/internal/migrate"
	"nlrstudio/internal/preview"
	"nlrstudio/internal/remote"
	"nlrstudio/internal/rules"
)

// ActorHeader names the caller recorded on events.
const ActorHeader = "X-Actor-Id"

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"preview_failed"`
	Message string         `json:"message" example:"Validation service unavailable, check backend connection."`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"kind\":\"no_response\"}"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the rule authoring API.
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
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	hcfg := huma.DefaultConfig("NLR Studio API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group, cfg.Engine)
	registerSessions(group, cfg.Engine)
	registerDataset(group, cfg.Engine)
	registerRules(group, cfg.Engine)
	registerPreview(group, cfg.Engine)
	registerSavedRules(group, cfg.Engine)
	registerMapping(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

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
	msg := err.Error()
	var failure *preview.Failure
	if errors.As(err, &failure) {
		details := map[string]any{"kind": failure.Kind}
		if failure.Status != 0 {
			details["status"] = failure.Status
		}
		return newAPIError(http.StatusBadGateway, "preview_failed", failure.Message, details)
	}
	var upstream *remote.APIError
	if errors.As(err, &upstream) {
		details := map[string]any{"status": upstream.StatusCode}
		if upstream.Detail != "" {
			details["detail"] = upstream.Detail
		}
		return newAPIError(http.StatusBadGateway, "upstream_error", msg, details)
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return newAPIError(http.StatusBadGateway, "upstream_unreachable", msg, nil)
	}
	var parseErr *ingest.ParseError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", msg, nil)
	case errors.As(err, &parseErr),
		errors.Is(err, ingest.ErrUnsupportedExtension),
		errors.Is(err, ingest.ErrEmptyHeader):
		return newAPIError(http.StatusBadRequest, "invalid_file", msg, nil)
	case errors.Is(err, preview.ErrInFlight):
		return newAPIError(http.StatusConflict, "preview_in_flight", msg, nil)
	case errors.Is(err, preview.ErrNothingToRetry),
		errors.Is(err, preview.ErrSuperseded),
		errors.Is(err, preview.ErrClosed),
		errors.Is(err, mapping.ErrClosed):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	case preview.IsPrecondition(err),
		errors.Is(err, engine.ErrNoGeneratedCode),
		errors.Is(err, export.ErrNoRows),
		errors.Is(err, rules.ErrLastRule):
		return newAPIError(http.StatusUnprocessableEntity, "precondition_failed", msg, nil)
	case errors.Is(err, rules.ErrIndexOutOfRange),
		errors.Is(err, rules.ErrNoFocus),
		errors.Is(err, engine.ErrUnknownAttribute),
		errors.Is(err, mapping.ErrBlankAttribute),
		errors.Is(err, mapping.ErrBlankValue):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	}
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
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
	case http.StatusBadGateway:
		return "upstream_error"
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

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>NLR Studio API Docs</title>
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
  </body>
</html>`, specURL)
}

type healthOutput struct {
	Body struct {
		Status        string `json:"status"`
		SchemaVersion int    `json:"schema_version"`
	}
}

func registerHealth(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*healthOutput, error) {
		version, err := migrate.Current(ctx, e.DB)
		if err != nil {
			return nil, handleError(err)
		}
		out := &healthOutput{}
		out.Body.Status = "ok"
		out.Body.SchemaVersion = version
		return out, nil
	})
}

type sessionPath struct {
	SessionID string `path:"session_id"`
}

func registerSessions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-session",
		Method:        http.MethodPost,
		Path:          "/sessions",
		Summary:       "Create authoring session",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body CreateSessionRequest `json:"body"`
	}) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		s, err := e.CreateSession(ctx, engine.SessionCreateOptions{
			CustomerName:  input.Body.CustomerName,
			InstanceName:  input.Body.InstanceName,
			ComponentName: input.Body.ComponentName,
			AttributeHint: input.Body.Attribute,
			InitialRules:  input.Body.InitialRules,
			ActorID:       actorFromContext(ctx),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: sessionResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-sessions",
		Method:      http.MethodGet,
		Path:        "/sessions",
		Summary:     "List sessions, most recently updated first",
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" default:"50"`
	}) (*struct {
		Body []SessionResponse `json:"body"`
	}, error) {
		items, err := e.ListSessions(ctx, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []SessionResponse `json:"body"`
		}{Body: mapSessions(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-session",
		Method:      http.MethodGet,
		Path:        "/sessions/{session_id}",
		Summary:     "Get session",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *sessionPath) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		s, err := e.GetSession(ctx, input.SessionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: sessionResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-session",
		Method:        http.MethodDelete,
		Path:          "/sessions/{session_id}",
		Summary:       "Delete session",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusNotFound},
	}, func(ctx context.Context, input *sessionPath) (*struct{}, error) {
		if err := e.DeleteSession(ctx, input.SessionID, actorFromContext(ctx)); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "select-primary",
		Method:      http.MethodPut,
		Path:        "/sessions/{session_id}/primary",
		Summary:     "Select the primary attribute",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		SessionID string               `path:"session_id"`
		Body      SelectPrimaryRequest `json:"body"`
	}) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		s, err := e.SelectPrimary(ctx, input.SessionID, input.Body.Attribute, actorFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: sessionResponse(s)}, nil
	})
}

func registerDataset(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "upload-dataset",
		Method:      http.MethodPut,
		Path:        "/sessions/{session_id}/dataset",
		Summary:     "Upload a CSV or Excel file",
		Description: "A rejected upload clears the previous dataset.",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		SessionID string        `path:"session_id"`
		Body      UploadRequest `json:"body"`
	}) (*struct {
		Body UploadResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		res, err := e.Upload(ctx, input.SessionID, input.Body.FileName, input.Body.Content, actorFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		s, err := e.GetSession(ctx, input.SessionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body UploadResponse `json:"body"`
		}{Body: UploadResponse{
			Session:  sessionResponse(s),
			Sheet:    res.Sheet,
			Rows:     len(res.Dataset.Rows),
			Warnings: nonNilSlice(res.Warnings),
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-dataset",
		Method:      http.MethodGet,
		Path:        "/sessions/{session_id}/dataset",
		Summary:     "Get the ingested dataset",
		Errors:      []int{http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		SessionID string `path:"session_id"`
		Limit     int    `query:"limit" doc:"Maximum rows to return; all rows when zero"`
	}) (*struct {
		Body DatasetResponse `json:"body"`
	}, error) {
		ds, err := e.Dataset(ctx, input.SessionID)
		if err != nil {
			return nil, handleError(err)
		}
		rows := nonNilSlice(ds.Rows)
		if input.Limit > 0 && input.Limit < len(rows) {
			rows = rows[:input.Limit]
		}
		return &struct {
			Body DatasetResponse `json:"body"`
		}{Body: DatasetResponse{FileName: ds.FileName, Headers: nonNilSlice(ds.Headers), Rows: rows}}, nil
	})
}

func registerRules(api huma.API, e engine.Engine) {
	listRules := func(ctx context.Context, id string) (*struct {
		Body RuleListResponse `json:"body"`
	}, error) {
		s, err := e.Session(ctx, id)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RuleListResponse `json:"body"`
		}{Body: RuleListResponse{Items: s.Rules.Items(), Focused: s.Rules.Focused()}}, nil
	}

	huma.Register(api, huma.Operation{
		OperationID: "list-rules",
		Method:      http.MethodGet,
		Path:        "/sessions/{session_id}/rules",
		Summary:     "List rules",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *sessionPath) (*struct {
		Body RuleListResponse `json:"body"`
	}, error) {
		return listRules(ctx, input.SessionID)
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-rule",
		Method:        http.MethodPost,
		Path:          "/sessions/{session_id}/rules",
		Summary:       "Append an empty rule",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusNotFound},
	}, func(ctx context.Context, input *sessionPath) (*struct {
		Body RuleListResponse `json:"body"`
	}, error) {
		if _, err := e.AddRule(ctx, input.SessionID, actorFromContext(ctx)); err != nil {
			return nil, handleError(err)
		}
		return listRules(ctx, input.SessionID)
	})

	huma.Register(api, huma.Operation{
		OperationID: "replace-rules",
		Method:      http.MethodPut,
		Path:        "/sessions/{session_id}/rules",
		Summary:     "Replace the rule list",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		SessionID string              `path:"session_id"`
		Body      ReplaceRulesRequest `json:"body"`
	}) (*struct {
		Body RuleListResponse `json:"body"`
	}, error) {
		if _, err := e.ReplaceRules(ctx, input.SessionID, input.Body.Rules, actorFromContext(ctx)); err != nil {
			return nil, handleError(err)
		}
		return listRules(ctx, input.SessionID)
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-rule",
		Method:      http.MethodPatch,
		Path:        "/sessions/{session_id}/rules/{index}",
		Summary:     "Edit a rule",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		SessionID string            `path:"session_id"`
		Index     int               `path:"index"`
		Body      UpdateRuleRequest `json:"body"`
	}) (*struct {
		Body RuleListResponse `json:"body"`
	}, error) {
		if err := e.UpdateRule(ctx, input.SessionID, input.Index, input.Body.Text, actorFromContext(ctx)); err != nil {
			return nil, handleError(err)
		}
		return listRules(ctx, input.SessionID)
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-rule",
		Method:      http.MethodDelete,
		Path:        "/sessions/{session_id}/rules/{index}",
		Summary:     "Remove a rule",
		Description: "The last remaining rule cannot be removed.",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		SessionID string `path:"session_id"`
		Index     int    `path:"index"`
	}) (*struct {
		Body RuleListResponse `json:"body"`
	}, error) {
		if err := e.RemoveRule(ctx, input.SessionID, input.Index, actorFromContext(ctx)); err != nil {
			return nil, handleError(err)
		}
		return listRules(ctx, input.SessionID)
	})

	huma.Register(api, huma.Operation{
		OperationID: "focus-rule",
		Method:      http.MethodPost,
		Path:        "/sessions/{session_id}/rules/{index}/focus",
		Summary:     "Focus a rule for attribute insertion",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		SessionID string `path:"session_id"`
		Index     int    `path:"index"`
	}) (*struct {
		Body RuleListResponse `json:"body"`
	}, error) {
		if err := e.FocusRule(ctx, input.SessionID, input.Index); err != nil {
			return nil, handleError(err)
		}
		return listRules(ctx, input.SessionID)
	})

	huma.Register(api, huma.Operation{
		OperationID: "insert-attribute",
		Method:      http.MethodPost,
		Path:        "/sessions/{session_id}/rules/insert",
		Summary:     "Insert an attribute token into a rule",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		SessionID string                 `path:"session_id"`
		Body      InsertAttributeRequest `json:"body"`
	}) (*struct {
		Body rules.Insertion `json:"body"`
	}, error) {
		idx := -1
		if input.Body.Index != nil {
			idx = *input.Body.Index
			if idx < 0 {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "index must not be negative", map[string]any{"index": idx})
			}
		}
		ins, err := e.InsertAttribute(ctx, input.SessionID, idx, input.Body.SelectionStart, input.Body.SelectionEnd, input.Body.Attribute, actorFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body rules.Insertion `json:"body"`
		}{Body: ins}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "check-references",
		Method:      http.MethodGet,
		Path:        "/sessions/{session_id}/rules/references",
		Summary:     "List attribute tokens that name no dataset header",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *sessionPath) (*struct {
		Body ReferencesResponse `json:"body"`
	}, error) {
		refs, err := e.CheckReferences(ctx, input.SessionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ReferencesResponse `json:"body"`
		}{Body: ReferencesResponse{Items: nonNilSlice(refs)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "compile-rules",
		Method:      http.MethodGet,
		Path:        "/sessions/{session_id}/compile",
		Summary:     "Show the validation request the next preview sends",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *sessionPath) (*struct {
		Body domain.ValidationRequest `json:"body"`
	}, error) {
		req, err := e.Compile(ctx, input.SessionID)
		if err != nil {
			return nil, handleError(err)
		}
		req.Validations = nonNilSlice(req.Validations)
		return &struct {
			Body domain.ValidationRequest `json:"body"`
		}{Body: req}, nil
	})
}

func registerPreview(api huma.API, e engine.Engine) {
	previewErrors := []int{
		http.StatusNotFound,
		http.StatusConflict,
		http.StatusUnprocessableEntity,
		http.StatusBadGateway,
	}

	huma.Register(api, huma.Operation{
		OperationID: "start-preview",
		Method:      http.MethodPost,
		Path:        "/sessions/{session_id}/preview",
		Summary:     "Validate the dataset against the compiled rules",
		Errors:      previewErrors,
	}, func(ctx context.Context, input *sessionPath) (*struct {
		Body PreviewStateResponse `json:"body"`
	}, error) {
		st, err := e.Preview(ctx, input.SessionID, actorFromContext(ctx))
		if err != nil {
			return nil, previewError(st, err)
		}
		return &struct {
			Body PreviewStateResponse `json:"body"`
		}{Body: previewStateResponse(st)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "retry-preview",
		Method:      http.MethodPost,
		Path:        "/sessions/{session_id}/preview/retry",
		Summary:     "Re-send the last failed preview",
		Errors:      previewErrors,
	}, func(ctx context.Context, input *sessionPath) (*struct {
		Body PreviewStateResponse `json:"body"`
	}, error) {
		st, err := e.Retry(ctx, input.SessionID, actorFromContext(ctx))
		if err != nil {
			return nil, previewError(st, err)
		}
		return &struct {
			Body PreviewStateResponse `json:"body"`
		}{Body: previewStateResponse(st)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-preview",
		Method:      http.MethodGet,
		Path:        "/sessions/{session_id}/preview",
		Summary:     "Get the preview state",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *sessionPath) (*struct {
		Body PreviewStateResponse `json:"body"`
	}, error) {
		st, err := e.PreviewState(ctx, input.SessionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PreviewStateResponse `json:"body"`
		}{Body: previewStateResponse(st)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-preview-runs",
		Method:      http.MethodGet,
		Path:        "/sessions/{session_id}/preview/runs",
		Summary:     "List recorded preview runs, newest first",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		SessionID string `path:"session_id"`
		Limit     int    `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.PreviewRun `json:"body"`
	}, error) {
		runs, err := e.PreviewRuns(ctx, input.SessionID, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.PreviewRun `json:"body"`
		}{Body: nonNilSlice(runs)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "download-passed-rows",
		Method:      http.MethodGet,
		Path:        "/sessions/{session_id}/passed-rows",
		Summary:     "Download the passed rows as CSV",
		Errors:      []int{http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *sessionPath) (*struct {
		ContentType        string `header:"Content-Type"`
		ContentDisposition string `header:"Content-Disposition"`
		Body               []byte
	}, error) {
		data, err := e.PassedRowsCSV(ctx, input.SessionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			ContentType        string `header:"Content-Type"`
			ContentDisposition string `header:"Content-Disposition"`
			Body               []byte
		}{
			ContentType:        "text/csv",
			ContentDisposition: fmt.Sprintf("attachment; filename=%q", export.FileName),
			Body:               data,
		}, nil
	})
}

// previewError attaches the attempt number to classified failures.
func previewError(st preview.State, err error) huma.StatusError {
	se := handleError(err)
	if ae, ok := se.(*apiError); ok && ae.status == http.StatusBadGateway && st.Attempt > 0 {
		if ae.Body.Details == nil {
			ae.Body.Details = map[string]any{}
		}
		ae.Body.Details["attempt"] = st.Attempt
	}
	return se
}

func registerSavedRules(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "save-rules",
		Method:      http.MethodPost,
		Path:        "/sessions/{session_id}/save",
		Summary:     "Save the generated code and rules of the last successful preview",
		Errors:      []int{http.StatusNotFound, http.StatusUnprocessableEntity, http.StatusBadGateway},
	}, func(ctx context.Context, input *sessionPath) (*struct {
		Body SaveRulesResponse `json:"body"`
	}, error) {
		name, err := e.SaveRules(ctx, input.SessionID, actorFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SaveRulesResponse `json:"body"`
		}{Body: SaveRulesResponse{FileName: name}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "fetch-rules",
		Method:      http.MethodPost,
		Path:        "/sessions/{session_id}/fetch",
		Summary:     "Load saved rules for the session attribute",
		Description: "Falls back to the initial rules when nothing can be fetched.",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *sessionPath) (*struct {
		Body FetchRulesResponse `json:"body"`
	}, error) {
		res, err := e.FetchRules(ctx, input.SessionID, actorFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		res.Rules = nonNilSlice(res.Rules)
		return &struct {
			Body FetchRulesResponse `json:"body"`
		}{Body: fetchRulesResponse(res)}, nil
	})
}

func registerMapping(api huma.API, e engine.Engine) {
	mappingErrors := []int{http.StatusBadRequest, http.StatusNotFound, http.StatusBadGateway}
	current := func(ctx context.Context, id string) (*struct {
		Body MappingResponse `json:"body"`
	}, error) {
		ed, err := e.Mapping(ctx, id)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MappingResponse `json:"body"`
		}{Body: mappingResponse(ed)}, nil
	}

	huma.Register(api, huma.Operation{
		OperationID: "get-mapping",
		Method:      http.MethodGet,
		Path:        "/sessions/{session_id}/mapping",
		Summary:     "Get the attribute mapping",
		Errors:      mappingErrors,
	}, func(ctx context.Context, input *sessionPath) (*struct {
		Body MappingResponse `json:"body"`
	}, error) {
		return current(ctx, input.SessionID)
	})

	huma.Register(api, huma.Operation{
		OperationID: "reload-mapping",
		Method:      http.MethodPost,
		Path:        "/sessions/{session_id}/mapping/reload",
		Summary:     "Reload the mapping from the backend",
		Errors:      mappingErrors,
	}, func(ctx context.Context, input *sessionPath) (*struct {
		Body MappingResponse `json:"body"`
	}, error) {
		if _, err := e.ReloadMapping(ctx, input.SessionID); err != nil {
			return nil, handleError(err)
		}
		return current(ctx, input.SessionID)
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-mapping",
		Method:      http.MethodPut,
		Path:        "/sessions/{session_id}/mapping/{attribute}",
		Summary:     "Add or change a mapping entry",
		Errors:      mappingErrors,
	}, func(ctx context.Context, input *struct {
		SessionID string            `path:"session_id"`
		Attribute string            `path:"attribute"`
		Body      SetMappingRequest `json:"body"`
	}) (*struct {
		Body MappingResponse `json:"body"`
	}, error) {
		if _, err := e.SetMapping(ctx, input.SessionID, input.Attribute, input.Body.Value, actorFromContext(ctx)); err != nil {
			return nil, handleError(err)
		}
		return current(ctx, input.SessionID)
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-mapping",
		Method:      http.MethodDelete,
		Path:        "/sessions/{session_id}/mapping/{attribute}",
		Summary:     "Remove a mapping entry",
		Errors:      mappingErrors,
	}, func(ctx context.Context, input *struct {
		SessionID string `path:"session_id"`
		Attribute string `path:"attribute"`
	}) (*struct {
		Body MappingResponse `json:"body"`
	}, error) {
		if _, err := e.DeleteMapping(ctx, input.SessionID, input.Attribute, actorFromContext(ctx)); err != nil {
			return nil, handleError(err)
		}
		return current(ctx, input.SessionID)
	})

	huma.Register(api, huma.Operation{
		OperationID: "edit-mapping",
		Method:      http.MethodPost,
		Path:        "/sessions/{session_id}/mapping/{attribute}/edit",
		Summary:     "Start editing a mapping entry",
		Errors:      mappingErrors,
	}, func(ctx context.Context, input *struct {
		SessionID string `path:"session_id"`
		Attribute string `path:"attribute"`
	}) (*struct {
		Body EditMappingResponse `json:"body"`
	}, error) {
		value, err := e.EditMapping(ctx, input.SessionID, input.Attribute)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EditMappingResponse `json:"body"`
		}{Body: EditMappingResponse{Attribute: input.Attribute, Value: value}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-mapping-edit",
		Method:      http.MethodPost,
		Path:        "/sessions/{session_id}/mapping/cancel",
		Summary:     "Cancel the mapping edit",
		Errors:      mappingErrors,
	}, func(ctx context.Context, input *sessionPath) (*struct {
		Body MappingResponse `json:"body"`
	}, error) {
		if err := e.CancelMappingEdit(ctx, input.SessionID); err != nil {
			return nil, handleError(err)
		}
		return current(ctx, input.SessionID)
	})

	huma.Register(api, huma.Operation{
		OperationID: "mapping-candidates",
		Method:      http.MethodGet,
		Path:        "/sessions/{session_id}/mapping/candidates",
		Summary:     "List attributes that can be added to the mapping",
		Errors:      mappingErrors,
	}, func(ctx context.Context, input *sessionPath) (*struct {
		Body []string `json:"body"`
	}, error) {
		items, err := e.MappingCandidates(ctx, input.SessionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []string `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "mapping-chips",
		Method:      http.MethodGet,
		Path:        "/sessions/{session_id}/mapping/chips",
		Summary:     "Page through attribute chips",
		Errors:      mappingErrors,
	}, func(ctx context.Context, input *struct {
		SessionID string `path:"session_id"`
		Op        string `query:"op" enum:"more,less"`
	}) (*struct {
		Body engine.ChipPage `json:"body"`
	}, error) {
		page, err := e.Chips(ctx, input.SessionID, input.Op)
		if err != nil {
			return nil, handleError(err)
		}
		page.Attributes = nonNilSlice(page.Attributes)
		return &struct {
			Body engine.ChipPage `json:"body"`
		}{Body: page}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "insert-mapping-token",
		Method:      http.MethodPost,
		Path:        "/mapping/insert-token",
		Summary:     "Splice an attribute token into a mapping value",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body InsertTokenRequest `json:"body"`
	}) (*struct {
		Body InsertTokenResponse `json:"body"`
	}, error) {
		value, cursor := mapping.InsertToken(input.Body.Value, input.Body.SelectionStart, input.Body.SelectionEnd, input.Body.Attribute)
		return &struct {
			Body InsertTokenResponse `json:"body"`
		}{Body: InsertTokenResponse{Value: value, Cursor: cursor}}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	type eventsQuery struct {
		Type   string
		Limit  int
		Cursor string
	}
	list := func(ctx context.Context, sessionID string, q eventsQuery) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := normalizeLimit(q.Limit)
		if q.Type != "" && !events.ValidPattern(q.Type) {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "unknown event type", map[string]any{"type": q.Type})
		}
		var cursorID int64
		if q.Cursor != "" {
			parsed, err := strconv.ParseInt(q.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": q.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.Repo.LatestEventsFrom(ctx, limit+1, cursorID, sessionID, q.Type)
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
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	}

	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		SessionID string `query:"session_id"`
		Type      string `query:"type"`
		Limit     int    `query:"limit" default:"50"`
		Cursor    string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		return list(ctx, input.SessionID, eventsQuery{Type: input.Type, Limit: input.Limit, Cursor: input.Cursor})
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-session-events",
		Method:      http.MethodGet,
		Path:        "/sessions/{session_id}/events",
		Summary:     "List recent events of a session",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		SessionID string `path:"session_id"`
		Type      string `query:"type"`
		Limit     int    `query:"limit" default:"50"`
		Cursor    string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		if _, err := e.Repo.GetSession(ctx, input.SessionID); err != nil {
			return nil, handleError(err)
		}
		return list(ctx, input.SessionID, eventsQuery{Type: input.Type, Limit: input.Limit, Cursor: input.Cursor})
	})
}

func actorFromContext(ctx context.Context) string {
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return ""
	}
	return strings.TrimSpace(req.Header.Get(ActorHeader))
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

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}
