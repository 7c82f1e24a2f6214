package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"taskdesk/internal/engine"
	"taskdesk/internal/policy"
	"taskdesk/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError renders failures in the same envelope as successes, with
// success=false and a null data field.
type apiError struct {
	status  int
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    any    `json:"data"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Message }

func newAPIError(status int, message string) huma.StatusError {
	return &apiError{status: status, Message: message}
}

// New returns an HTTP handler exposing the TaskDesk API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the response envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, msg)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity {
			// Schema/request validation errors map to 400.
			status = http.StatusBadRequest
		}
		if len(errs) > 0 {
			msg = fmt.Sprintf("%s: %v", msg, errs[0])
		}
		return newAPIError(status, msg)
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
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("TaskDesk API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerAuth(group, cfg.Engine, cfg.Auth)
	registerMe(group, cfg.Engine)
	registerDirectory(group, cfg.Engine)
	registerTasks(group, cfg.Engine)
	registerTaskActions(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var de policy.DeniedError
	if errors.As(err, &de) {
		return newAPIError(http.StatusForbidden, err.Error())
	}
	var ve engine.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, err.Error())
	}
	if errors.Is(err, engine.ErrInvalidCredentials) {
		return newAPIError(http.StatusUnauthorized, "invalid credentials")
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, err.Error())
	}
	return newAPIError(http.StatusInternalServerError, "internal error")
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var (
		once sync.Once
		spec []byte
	)
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
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
	security := []map[string][]string{
		{"bearerAuth": {}},
	}
	oas.Security = security
	open := map[string]bool{
		path.Join("/", basePath, "health"):     true,
		path.Join("/", basePath, "auth/login"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if open[route] {
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
    <title>TaskDesk API Docs</title>
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
      Authenticate with Authorization: Bearer &lt;token&gt;.
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

func registerAuth(api huma.API, e engine.Engine, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "login",
		Method:      http.MethodPost,
		Path:        "/auth/login",
		Summary:     "Log in with email",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body LoginRequest `json:"body"`
	}) (*struct {
		Body envelope[LoginResponse] `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "body required")
		}
		u, dept, err := e.Authenticate(ctx, input.Body.Email)
		if err != nil {
			return nil, handleError(err)
		}
		now := time.Now()
		if e.Now != nil {
			now = e.Now()
		}
		token, err := IssueToken(authCfg.JWTSecret, u, authCfg.ttl(), now)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body envelope[LoginResponse] `json:"body"`
		}{Body: ok("login successful", LoginResponse{
			Token:      token,
			User:       userResponse(u),
			Department: departmentResponse(dept),
		})}, nil
	})
}

func registerMe(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current user",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body envelope[MeResponse] `json:"body"`
	}, error) {
		id, authErr := identityFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		u, err := e.Repo.GetUser(ctx, id.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		dept, err := e.Repo.GetDepartment(ctx, u.DepartmentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body envelope[MeResponse] `json:"body"`
		}{Body: ok("current user", MeResponse{
			User:       userResponse(u),
			Department: departmentResponse(dept),
		})}, nil
	})
}

func registerDirectory(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-users",
		Method:      http.MethodGet,
		Path:        "/users",
		Summary:     "List users",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body envelope[[]UserResponse] `json:"body"`
	}, error) {
		if _, authErr := identityFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListUsers(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body envelope[[]UserResponse] `json:"body"`
		}{Body: ok("users", mapUsers(items))}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-departments",
		Method:      http.MethodGet,
		Path:        "/departments",
		Summary:     "List departments",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body envelope[[]DepartmentResponse] `json:"body"`
	}, error) {
		if _, authErr := identityFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListDepartments(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body envelope[[]DepartmentResponse] `json:"body"`
		}{Body: ok("departments", mapDepartments(items))}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-user-tasks",
		Method:      http.MethodGet,
		Path:        "/users/{user_id}/tasks",
		Summary:     "Tasks assigned to a user",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
		},
	}, func(ctx context.Context, input *struct {
		UserID string `path:"user_id"`
	}) (*struct {
		Body envelope[[]TaskResponse] `json:"body"`
	}, error) {
		id, authErr := identityFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := uuid.Parse(input.UserID); err != nil {
			return nil, newAPIError(http.StatusBadRequest, "user_id must be a valid id")
		}
		// The route is bound to the caller: you can only read your own list.
		if input.UserID != id.UserID {
			return nil, newAPIError(http.StatusForbidden, "you can only view your own tasks")
		}
		items, err := e.ListAssignedTasks(ctx, id)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body envelope[[]TaskResponse] `json:"body"`
		}{Body: ok("tasks", mapTasks(items))}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-department-tasks",
		Method:      http.MethodGet,
		Path:        "/departments/{id}/tasks",
		Summary:     "Tasks in a department",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body envelope[[]TaskResponse] `json:"body"`
	}, error) {
		if _, authErr := identityFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		if _, err := e.Repo.GetDepartment(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListTasks(ctx, repo.TaskFilters{DepartmentID: input.ID})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body envelope[[]TaskResponse] `json:"body"`
		}{Body: ok("tasks", mapTasks(items))}, nil
	})
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/tasks",
		Summary:       "Create task",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateTaskRequest `json:"body"`
	}) (*struct {
		Body envelope[TaskResponse] `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "body required")
		}
		id, authErr := identityFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.CreateTask(ctx, id, engine.TaskCreateOptions{
			Title:        input.Body.Title,
			Description:  input.Body.Description,
			DueDate:      input.Body.DueDate,
			Priority:     input.Body.Priority,
			AssignedToID: input.Body.AssignedToID,
			DepartmentID: input.Body.DepartmentID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body envelope[TaskResponse] `json:"body"`
		}{Body: ok("task created", taskResponse(t))}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List tasks",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
		},
	}, func(ctx context.Context, input *struct {
		Status       string `query:"status" enum:"created,assigned,in_progress,completed,rejected"`
		DepartmentID string `query:"department_id"`
	}) (*struct {
		Body envelope[[]TaskResponse] `json:"body"`
	}, error) {
		if _, authErr := identityFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListTasks(ctx, repo.TaskFilters{
			Status:       input.Status,
			DepartmentID: input.DepartmentID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body envelope[[]TaskResponse] `json:"body"`
		}{Body: ok("tasks", mapTasks(items))}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-my-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks/mine",
		Summary:     "Tasks assigned to me",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body envelope[[]TaskResponse] `json:"body"`
	}, error) {
		id, authErr := identityFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.ListAssignedTasks(ctx, id)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body envelope[[]TaskResponse] `json:"body"`
		}{Body: ok("tasks", mapTasks(items))}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-created-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks/created",
		Summary:     "Tasks created by me",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body envelope[[]TaskResponse] `json:"body"`
	}, error) {
		id, authErr := identityFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.ListCreatedTasks(ctx, id)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body envelope[[]TaskResponse] `json:"body"`
		}{Body: ok("tasks", mapTasks(items))}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}",
		Summary:     "Get task",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body envelope[TaskResponse] `json:"body"`
	}, error) {
		if _, authErr := identityFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		t, err := e.Repo.GetTask(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body envelope[TaskResponse] `json:"body"`
		}{Body: ok("task", taskResponse(t))}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-task",
		Method:      http.MethodPut,
		Path:        "/tasks/{id}",
		Summary:     "Update task",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body UpdateTaskRequest `json:"body"`
	}) (*struct {
		Body envelope[TaskResponse] `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "body required")
		}
		id, authErr := identityFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.UpdateTask(ctx, id, engine.TaskUpdateOptions{
			ID:           input.ID,
			Title:        input.Body.Title,
			Description:  input.Body.Description,
			DueDate:      input.Body.DueDate,
			Priority:     input.Body.Priority,
			AssignedToID: input.Body.AssignedToID,
			DepartmentID: input.Body.DepartmentID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body envelope[TaskResponse] `json:"body"`
		}{Body: ok("task updated", taskResponse(t))}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-task",
		Method:      http.MethodDelete,
		Path:        "/tasks/{id}",
		Summary:     "Delete task",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body envelope[struct{}] `json:"body"`
	}, error) {
		id, authErr := identityFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteTask(ctx, id, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body envelope[struct{}] `json:"body"`
		}{Body: ok("task deleted", struct{}{})}, nil
	})
}

func registerTaskActions(api huma.API, e engine.Engine) {
	type taskPath struct {
		ID string `path:"id"`
	}
	type taskOut struct {
		Body envelope[TaskResponse] `json:"body"`
	}

	huma.Register(api, huma.Operation{
		OperationID: "start-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/start",
		Summary:     "Start task",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *taskPath) (*taskOut, error) {
		id, authErr := identityFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.StartTask(ctx, id, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &taskOut{Body: ok("task started", taskResponse(t))}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/complete",
		Summary:     "Complete task",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *taskPath) (*taskOut, error) {
		id, authErr := identityFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.CompleteTask(ctx, id, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &taskOut{Body: ok("task completed", taskResponse(t))}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/reject",
		Summary:     "Reject task",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body RejectTaskRequest `json:"body"`
	}) (*taskOut, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "body required")
		}
		id, authErr := identityFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.RejectTask(ctx, id, input.ID, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &taskOut{Body: ok("task rejected", taskResponse(t))}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" default:"50" minimum:"1" maximum:"200"`
	}) (*struct {
		Body envelope[[]EventResponse] `json:"body"`
	}, error) {
		if _, authErr := identityFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.LatestEvents(ctx, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]EventResponse, 0, len(items))
		for _, evt := range items {
			res = append(res, eventResponse(evt))
		}
		return &struct {
			Body envelope[[]EventResponse] `json:"body"`
		}{Body: ok("events", res)}, nil
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
