package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"quorumledger/internal/domain"
	"quorumledger/internal/engine"
	"quorumledger/internal/engine/auth"
	"quorumledger/internal/ledger"
	"quorumledger/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	Ledger   ledger.Ledger
	BasePath string
	Auth     AuthConfig
	Logger   *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"task_already_finalized"`
	Message string         `json:"message" example:"task 4: task is finalized"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"role\":\"executor\"}"`
}

// apiError is the error envelope every failing call returns.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the task manager and ledger API.
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
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = cfg.Logger
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Quorum Ledger API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerTasks(group, cfg.Engine)
	registerRoles(group, cfg.Engine)
	registerLedger(group, cfg.Ledger)
	registerEvents(group, cfg.Engine.Repo)
	registerMe(group, cfg.Engine)
	if cfg.Auth.DevLogin {
		registerDevAuth(group, cfg.Auth)
	}
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

var statusByCode = map[string]int{
	"unauthorized":           http.StatusForbidden,
	"task_not_found":         http.StatusNotFound,
	"task_not_pending":       http.StatusConflict,
	"task_already_finalized": http.StatusConflict,
	"task_not_approved":      http.StatusConflict,
	"already_approved":       http.StatusConflict,
	"account_locked":         http.StatusConflict,
	"insufficient_balance":   http.StatusConflict,
	"invariant_violation":    http.StatusConflict,
	"invalid_configuration":  http.StatusConflict,
	"wrong_task_kind":        http.StatusUnprocessableEntity,
	"length_mismatch":        http.StatusUnprocessableEntity,
	"empty_input":            http.StatusUnprocessableEntity,
	"invalid_target":         http.StatusUnprocessableEntity,
	"zero_address":           http.StatusUnprocessableEntity,
	"cannot_accept_value":    http.StatusUnprocessableEntity,
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "unauthorized", err.Error(), map[string]any{"role": fe.Role})
	}
	if code := domain.Code(err); code != "" {
		status, ok := statusByCode[code]
		if !ok {
			status = http.StatusBadRequest
		}
		return newAPIError(status, code, err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
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
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func badRequest(msg string, details map[string]any) huma.StatusError {
	return newAPIError(http.StatusBadRequest, "bad_request", msg, details)
}

func parseAddress(field, raw string) (domain.Address, huma.StatusError) {
	a, err := domain.ParseAddress(raw)
	if err != nil {
		return "", badRequest(err.Error(), map[string]any{"field": field})
	}
	return a, nil
}

func parseAddressList(field string, raw []string) ([]domain.Address, huma.StatusError) {
	out := make([]domain.Address, 0, len(raw))
	for i, s := range raw {
		a, err := parseAddress(fmt.Sprintf("%s[%d]", field, i), s)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var (
		once   sync.Once
		doc    []byte
		docErr error
	)
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			doc, docErr = json.Marshal(oas)
		})
		if docErr != nil {
			http.Error(w, docErr.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(doc)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
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
	public := map[string]bool{
		path.Join("/", basePath, "health"):         true,
		path.Join("/", basePath, "auth/dev/login"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
			if op == nil {
				continue
			}
			if public[route] {
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
    <title>Quorum Ledger API Docs</title>
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
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

type taskOutput struct {
	Body TaskResponse `json:"body"`
}

func taskResponse(ctx context.Context, e engine.Engine, t domain.Task) (*taskOutput, error) {
	th, err := e.Threshold(ctx, t.Kind)
	if err != nil {
		return nil, handleError(err)
	}
	if t.Approvals == nil {
		t.Approvals = []domain.Address{}
	}
	return &taskOutput{Body: TaskResponse{Task: t, Threshold: th}}, nil
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "create-task",
		Method:      http.MethodPost,
		Path:        "/tasks",
		Summary:     "Open a task",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body CreateTaskRequest `json:"body"`
	}) (*taskOutput, error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.CreateTask(ctx, caller, domain.TaskKind(input.Body.Kind), input.Body.DetailsURI)
		if err != nil {
			return nil, handleError(err)
		}
		return taskResponse(ctx, e, t)
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List tasks, newest first",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Kind   string `query:"kind"`
		State  string `query:"state"`
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body paginatedTasks `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		var cursor uint64
		if input.Cursor != "" {
			parsed, err := strconv.ParseUint(input.Cursor, 10, 64)
			if err != nil {
				return nil, badRequest("invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursor = parsed
		}
		items, err := e.ListTasks(ctx, repo.TaskFilters{
			Kind:   domain.TaskKind(input.Kind),
			State:  domain.TaskState(input.State),
			Limit:  limit + 1,
			Cursor: cursor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedTasks{Items: []TaskResponse{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = strconv.FormatUint(items[limit-1].ID, 10)
		}
		thresholds := map[domain.TaskKind]int{}
		for _, t := range items {
			th, ok := thresholds[t.Kind]
			if !ok {
				if th, err = e.Threshold(ctx, t.Kind); err != nil {
					return nil, handleError(err)
				}
				thresholds[t.Kind] = th
			}
			t.Approvals = nonNilSlice(t.Approvals)
			resp.Items = append(resp.Items, TaskResponse{Task: t, Threshold: th})
		}
		return &struct {
			Body paginatedTasks `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}",
		Summary:     "Get a task",
		Errors:      []int{http.StatusNotFound, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		ID uint64 `path:"id"`
	}) (*taskOutput, error) {
		t, err := e.GetTask(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return taskResponse(ctx, e, t)
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/approve",
		Summary:     "Vote for a task",
		Errors:      []int{http.StatusNotFound, http.StatusConflict, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ID uint64 `path:"id"`
	}) (*taskOutput, error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.ApproveTask(ctx, caller, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return taskResponse(ctx, e, t)
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/reject",
		Summary:     "Reject a pending task",
		Errors:      []int{http.StatusNotFound, http.StatusConflict, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ID   uint64        `path:"id"`
		Body ReasonRequest `json:"body"`
	}) (*taskOutput, error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.RejectTask(ctx, caller, input.ID, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return taskResponse(ctx, e, t)
	})

	huma.Register(api, huma.Operation{
		OperationID: "finalize-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/finalize",
		Summary:     "Consume an approved task without a ledger operation",
		Errors:      []int{http.StatusNotFound, http.StatusConflict, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ID   uint64        `path:"id"`
		Body ReasonRequest `json:"body"`
	}) (*taskOutput, error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.FinalizeTask(ctx, caller, input.ID, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return taskResponse(ctx, e, t)
	})
}

type roleChangeInput struct {
	Role string            `path:"role" enum:"admin,creator,approver,executor,finalizer"`
	Body RoleChangeRequest `json:"body"`
}

func registerRoles(api huma.API, e engine.Engine) {
	type roleOutput struct {
		Body RoleMembersResponse `json:"body"`
	}
	members := func(ctx context.Context, role domain.RoleKind) (*roleOutput, error) {
		list, err := e.Members(ctx, role)
		if err != nil {
			return nil, handleError(err)
		}
		th := e.Policy.Threshold(len(list))
		return &roleOutput{Body: RoleMembersResponse{
			Role:      string(role),
			Count:     len(list),
			Threshold: th,
			Members:   addressStrings(list),
		}}, nil
	}

	huma.Register(api, huma.Operation{
		OperationID: "get-role",
		Method:      http.MethodGet,
		Path:        "/roles/{role}",
		Summary:     "List members of a role",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Role string `path:"role" enum:"admin,creator,approver,executor,finalizer"`
	}) (*roleOutput, error) {
		return members(ctx, domain.RoleKind(input.Role))
	})

	change := func(grant bool) func(context.Context, *roleChangeInput) (*roleOutput, error) {
		return func(ctx context.Context, input *roleChangeInput) (*roleOutput, error) {
			caller, authErr := callerFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			target, perr := parseAddress("address", input.Body.Address)
			if perr != nil {
				return nil, perr
			}
			role := domain.RoleKind(input.Role)
			var err error
			if grant {
				_, err = e.GrantRole(ctx, input.Body.TaskID, caller, role, target)
			} else {
				_, err = e.RevokeRole(ctx, input.Body.TaskID, caller, role, target)
			}
			if err != nil {
				return nil, handleError(err)
			}
			return members(ctx, role)
		}
	}

	huma.Register(api, huma.Operation{
		OperationID: "grant-role",
		Method:      http.MethodPost,
		Path:        "/roles/{role}/grant",
		Summary:     "Add a member under an approved administrative task",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, change(true))

	huma.Register(api, huma.Operation{
		OperationID: "revoke-role",
		Method:      http.MethodPost,
		Path:        "/roles/{role}/revoke",
		Summary:     "Remove a member under an approved administrative task",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, change(false))
}

func registerLedger(api huma.API, l ledger.Ledger) {
	huma.Register(api, huma.Operation{
		OperationID: "ledger-info",
		Method:      http.MethodGet,
		Path:        "/ledger",
		Summary:     "Token metadata",
		Errors:      []int{http.StatusConflict, http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.LedgerInfo `json:"body"`
	}, error) {
		info, err := l.Info(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.LedgerInfo `json:"body"`
		}{Body: info}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-account",
		Method:      http.MethodGet,
		Path:        "/ledger/accounts/{address}",
		Summary:     "Balance and lock of an account",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Address string `path:"address"`
	}) (*struct {
		Body domain.Account `json:"body"`
	}, error) {
		a, perr := parseAddress("address", input.Address)
		if perr != nil {
			return nil, perr
		}
		acc, err := l.Account(ctx, a)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Account `json:"body"`
		}{Body: acc}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "transfer",
		Method:      http.MethodPost,
		Path:        "/ledger/transfer",
		Summary:     "Transfer from the caller's account",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body TransferRequest `json:"body"`
	}) (*struct {
		Body domain.Account `json:"body"`
	}, error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		to, perr := parseAddress("to", input.Body.To)
		if perr != nil {
			return nil, perr
		}
		if err := l.Transfer(ctx, caller, to, input.Body.Amount); err != nil {
			return nil, handleError(err)
		}
		acc, err := l.Account(ctx, caller)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Account `json:"body"`
		}{Body: acc}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "batch-transfer",
		Method:      http.MethodPost,
		Path:        "/ledger/batch-transfer",
		Summary:     "Pay recipients from the treasury under an approved operational task",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body BatchTransferRequest `json:"body"`
	}) (*struct {
		Body BatchTransferResponse `json:"body"`
	}, error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		recipients, perr := parseAddressList("recipients", input.Body.Recipients)
		if perr != nil {
			return nil, perr
		}
		if err := l.DoBatchTransferWithLock(ctx, caller, input.Body.TaskID, recipients, input.Body.Amounts, input.Body.LockTimestamps); err != nil {
			return nil, handleError(err)
		}
		var total uint64
		for _, a := range input.Body.Amounts {
			total += a
		}
		return &struct {
			Body BatchTransferResponse `json:"body"`
		}{Body: BatchTransferResponse{TaskID: input.Body.TaskID, Recipients: len(recipients), Total: total}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-locks",
		Method:      http.MethodPost,
		Path:        "/ledger/locks",
		Summary:     "Set account locks under an approved operational task",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body UpdateLocksRequest `json:"body"`
	}) (*struct {
		Body LockUpdateResponse `json:"body"`
	}, error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		accounts, perr := parseAddressList("accounts", input.Body.Accounts)
		if perr != nil {
			return nil, perr
		}
		if err := l.UpdateLockTs(ctx, caller, input.Body.TaskID, accounts, input.Body.LockTimestamps); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body LockUpdateResponse `json:"body"`
		}{Body: LockUpdateResponse{TaskID: input.Body.TaskID, Accounts: len(accounts)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "send-native",
		Method:      http.MethodPost,
		Path:        "/ledger/native",
		Summary:     "Native currency receipt (always refused)",
		Errors:      []int{http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body NativeValueRequest `json:"body"`
	}) (*struct{}, error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return nil, handleError(l.ReceiveNative(ctx, caller, input.Body.Value))
	})
}

func registerEvents(api huma.API, r repo.Repo) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List audit events, newest first",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Type     string `query:"type"`
		Emitter  string `query:"emitter"`
		EntityID string `query:"entity_id"`
		Limit    int    `query:"limit" default:"50"`
		Cursor   string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, badRequest("invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		emitter := strings.ToLower(strings.TrimSpace(input.Emitter))
		items, err := r.LatestEvents(ctx, repo.EventFilters{
			Type:     input.Type,
			Emitter:  emitter,
			EntityID: input.EntityID,
			Limit:    limit + 1,
			Cursor:   cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func registerMe(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal and its roles",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		p, ok := principalFromContext(ctx)
		if !ok || p.Address.IsZero() {
			return nil, newAPIError(http.StatusUnauthorized, "unauthenticated", "authentication required", nil)
		}
		roles, err := e.RolesOf(ctx, p.Address)
		if err != nil {
			return nil, handleError(err)
		}
		names := make([]string, 0, len(roles))
		for _, r := range roles {
			names = append(names, string(r))
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{Address: p.Address.String(), Source: p.Source, Roles: names}}, nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		addr, perr := parseAddress("address", input.Body.Address)
		if perr != nil {
			return nil, perr
		}
		token, err := signDevToken(authCfg.JWTSecret, addr, 12*time.Hour)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
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
