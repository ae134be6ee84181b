// Package server exposes the pipeline engine over HTTP. Handlers are thin:
// validate input, call one engine or repo method, map errors to the envelope.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"foundry/internal/budget"
	"foundry/internal/domain"
	"foundry/internal/engine"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	Guard    budget.Guard
	BasePath string
}

// apiActor attributes API-originated transitions in the event log. The API
// carries no authentication; calls are trusted local operators.
const apiActor = "api"

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"invalid ticket status transition queued -> done"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Foundry API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request.
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	hcfg := huma.DefaultConfig("Foundry API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerStatus(group, cfg.Engine)
	registerProjects(group, cfg.Engine)
	registerIdeas(group, cfg.Engine)
	registerQuestions(group, cfg.Engine)
	registerTickets(group, cfg.Engine)
	registerSubtasks(group, cfg.Engine)
	registerJobs(group, cfg.Engine)
	registerRuns(group, cfg.Engine)
	registerAgents(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerBudget(group, cfg.Guard)
	registerAttention(group, cfg.Engine)
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
	if errors.Is(err, domain.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, engine.ErrQuestionsPending) {
		return newAPIError(http.StatusUnprocessableEntity, "questions_pending", err.Error(), nil)
	}
	var terr *domain.TransitionError
	if errors.As(err, &terr) {
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), map[string]any{
			"entity": terr.Entity,
			"from":   terr.From,
			"to":     terr.To,
		})
	}
	var verr *engine.ValidationError
	if errors.As(err, &verr) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
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
		return "invalid_transition"
	case http.StatusUnprocessableEntity:
		return "questions_pending"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 500 {
		return 500
	}
	return limit
}

var mutationErrors = []int{
	http.StatusBadRequest,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusUnprocessableEntity,
	http.StatusInternalServerError,
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
			spec, _ = json.Marshal(api.OpenAPI())
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Foundry API Docs</title>
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

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "healthz",
		Method:      http.MethodGet,
		Path:        "/healthz",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerStatus(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Pipeline status counts",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body StatusResponse `json:"body"`
	}, error) {
		ideas, err := e.Repo.IdeaStatusCounts(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		tickets, err := e.Repo.TicketStatusCounts(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		jobs, err := e.Queue.Counts(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StatusResponse `json:"body"`
		}{Body: StatusResponse{Ideas: ideas, Tickets: tickets, Jobs: jobs}}, nil
	})
}

func registerProjects(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create project",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest `json:"body"`
	}) (*struct {
		Body domain.Project `json:"body"`
	}, error) {
		p, err := e.CreateProject(ctx, input.Body.Name, input.Body.Description, apiActor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Project `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Project `json:"body"`
	}, error) {
		items, err := e.Repo.ListProjects(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Project `json:"body"`
		}{Body: items}, nil
	})
}

func registerIdeas(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-idea",
		Method:        http.MethodPost,
		Path:          "/ideas",
		Summary:       "Submit idea",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body SubmitIdeaRequest `json:"body"`
	}) (*struct {
		Body domain.Idea `json:"body"`
	}, error) {
		idea, err := e.SubmitIdea(ctx, engine.IdeaSubmitOptions{
			ProjectID:   input.Body.ProjectID,
			Title:       input.Body.Title,
			Description: input.Body.Description,
			Priority:    input.Body.Priority,
			Actor:       apiActor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Idea `json:"body"`
		}{Body: idea}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-ideas",
		Method:      http.MethodGet,
		Path:        "/ideas",
		Summary:     "List ideas",
	}, func(ctx context.Context, input *struct {
		ProjectID string `query:"project_id"`
		Status    string `query:"status" enum:",pending,refining,questions,approved,rejected,converted"`
		Limit     int    `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.Idea `json:"body"`
	}, error) {
		items, err := e.Repo.ListIdeas(ctx, input.ProjectID, input.Status, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Idea `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-idea",
		Method:      http.MethodGet,
		Path:        "/ideas/{id}",
		Summary:     "Get idea with questions",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body IdeaDetail `json:"body"`
	}, error) {
		idea, err := e.Repo.GetIdea(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		questions, err := e.Repo.ListQuestions(ctx, idea.ID, "", 0)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body IdeaDetail `json:"body"`
		}{Body: IdeaDetail{Idea: idea, Questions: questions}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-idea",
		Method:      http.MethodPost,
		Path:        "/ideas/{id}/approve",
		Summary:     "Approve idea and convert to ticket",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Ticket `json:"body"`
	}, error) {
		t, err := e.ApproveIdea(ctx, input.ID, apiActor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Ticket `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-idea",
		Method:      http.MethodPost,
		Path:        "/ideas/{id}/reject",
		Summary:     "Reject idea",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body RejectIdeaRequest `json:"body"`
	}) (*struct {
		Body domain.Idea `json:"body"`
	}, error) {
		idea, err := e.RejectIdea(ctx, input.ID, input.Body.Reason, apiActor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Idea `json:"body"`
		}{Body: idea}, nil
	})
}

func registerQuestions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-questions",
		Method:      http.MethodGet,
		Path:        "/questions",
		Summary:     "List questions",
	}, func(ctx context.Context, input *struct {
		IdeaID string `query:"idea_id"`
		Status string `query:"status" enum:",pending,answered,skipped"`
		Limit  int    `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.Question `json:"body"`
	}, error) {
		items, err := e.Repo.ListQuestions(ctx, input.IdeaID, input.Status, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Question `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "answer-question",
		Method:      http.MethodPost,
		Path:        "/questions/{id}/answer",
		Summary:     "Answer question",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   string                `path:"id"`
		Body AnswerQuestionRequest `json:"body"`
	}) (*struct {
		Body domain.Question `json:"body"`
	}, error) {
		q, err := e.AnswerQuestion(ctx, input.ID, input.Body.Answer, apiActor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Question `json:"body"`
		}{Body: q}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "skip-question",
		Method:      http.MethodPost,
		Path:        "/questions/{id}/skip",
		Summary:     "Skip question",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Question `json:"body"`
	}, error) {
		q, err := e.SkipQuestion(ctx, input.ID, apiActor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Question `json:"body"`
		}{Body: q}, nil
	})
}

func registerTickets(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-ticket",
		Method:        http.MethodPost,
		Path:          "/tickets",
		Summary:       "Create ticket",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateTicketRequest `json:"body"`
	}) (*struct {
		Body domain.Ticket `json:"body"`
	}, error) {
		opts := engine.TicketCreateOptions{
			ProjectID: input.Body.ProjectID,
			Type:      input.Body.Type,
			Title:     input.Body.Title,
			Priority:  input.Body.Priority,
			Actor:     apiActor,
		}
		if input.Body.Spec != nil {
			data, err := json.Marshal(input.Body.Spec)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid spec", map[string]any{"error": err.Error()})
			}
			opts.SpecJSON = string(data)
		}
		t, err := e.CreateTicket(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Ticket `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tickets",
		Method:      http.MethodGet,
		Path:        "/tickets",
		Summary:     "List tickets",
	}, func(ctx context.Context, input *struct {
		ProjectID string `query:"project_id"`
		Status    string `query:"status" enum:",queued,in_progress,review,blocked,done,cancelled"`
		Limit     int    `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.Ticket `json:"body"`
	}, error) {
		items, err := e.Repo.ListTickets(ctx, input.ProjectID, input.Status, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Ticket `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-ticket",
		Method:      http.MethodGet,
		Path:        "/tickets/{id}",
		Summary:     "Get ticket with subtasks",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body TicketDetail `json:"body"`
	}, error) {
		t, err := e.Repo.GetTicket(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		subtasks, err := e.Repo.ListSubtasks(ctx, t.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TicketDetail `json:"body"`
		}{Body: TicketDetail{Ticket: t, Subtasks: subtasks}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "start-ticket",
		Method:      http.MethodPost,
		Path:        "/tickets/{id}/start",
		Summary:     "Start ticket development",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Ticket `json:"body"`
	}, error) {
		t, err := e.StartTicket(ctx, input.ID, apiActor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Ticket `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-ticket",
		Method:      http.MethodPost,
		Path:        "/tickets/{id}/approve",
		Summary:     "Approve reviewed ticket",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   string               `path:"id"`
		Body ApproveTicketRequest `json:"body"`
	}) (*struct {
		Body domain.Ticket `json:"body"`
	}, error) {
		t, err := e.ApproveTicket(ctx, input.ID, input.Body.Note, apiActor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Ticket `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "request-changes",
		Method:      http.MethodPost,
		Path:        "/tickets/{id}/request-changes",
		Summary:     "Send reviewed ticket back to development",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   string                `path:"id"`
		Body RequestChangesRequest `json:"body"`
	}) (*struct {
		Body domain.Ticket `json:"body"`
	}, error) {
		t, err := e.RequestChanges(ctx, input.ID, input.Body.Feedback, apiActor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Ticket `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-ticket",
		Method:      http.MethodPost,
		Path:        "/tickets/{id}/cancel",
		Summary:     "Cancel ticket",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   string              `path:"id"`
		Body CancelTicketRequest `json:"body"`
	}) (*struct {
		Body domain.Ticket `json:"body"`
	}, error) {
		t, err := e.CancelTicket(ctx, input.ID, input.Body.Reason, apiActor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Ticket `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "requeue-ticket",
		Method:      http.MethodPost,
		Path:        "/tickets/{id}/requeue",
		Summary:     "Requeue blocked ticket",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   string               `path:"id"`
		Body RequeueTicketRequest `json:"body"`
	}) (*struct {
		Body domain.Ticket `json:"body"`
	}, error) {
		t, err := e.RequeueTicket(ctx, input.ID, input.Body.Guidance, apiActor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Ticket `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-subtask",
		Method:        http.MethodPost,
		Path:          "/tickets/{id}/subtasks",
		Summary:       "Add subtask",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body AddSubtaskRequest `json:"body"`
	}) (*struct {
		Body domain.Subtask `json:"body"`
	}, error) {
		s, err := e.AddSubtask(ctx, input.ID, input.Body.Title, apiActor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Subtask `json:"body"`
		}{Body: s}, nil
	})
}

func registerSubtasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "start-subtask",
		Method:      http.MethodPost,
		Path:        "/subtasks/{id}/start",
		Summary:     "Start subtask",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Subtask `json:"body"`
	}, error) {
		s, err := e.StartSubtask(ctx, input.ID, apiActor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Subtask `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-subtask",
		Method:      http.MethodPost,
		Path:        "/subtasks/{id}/done",
		Summary:     "Complete subtask",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Subtask `json:"body"`
	}, error) {
		s, err := e.CompleteSubtask(ctx, input.ID, apiActor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Subtask `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "skip-subtask",
		Method:      http.MethodPost,
		Path:        "/subtasks/{id}/skip",
		Summary:     "Skip subtask",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Subtask `json:"body"`
	}, error) {
		s, err := e.SkipSubtask(ctx, input.ID, apiActor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Subtask `json:"body"`
		}{Body: s}, nil
	})
}

func registerJobs(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-jobs",
		Method:      http.MethodGet,
		Path:        "/jobs",
		Summary:     "List jobs",
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:",pending,running,done,failed,cancelled"`
		Type   string `query:"type"`
		Limit  int    `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.Job `json:"body"`
	}, error) {
		items, err := e.Queue.List(ctx, input.Status, input.Type, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Job `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-job",
		Method:      http.MethodGet,
		Path:        "/jobs/{id}",
		Summary:     "Get job",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Job `json:"body"`
	}, error) {
		j, err := e.Queue.Get(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Job `json:"body"`
		}{Body: j}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-job",
		Method:      http.MethodPost,
		Path:        "/jobs/{id}/cancel",
		Summary:     "Cancel job",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Job `json:"body"`
	}, error) {
		if err := e.CancelJob(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		j, err := e.Queue.Get(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Job `json:"body"`
		}{Body: j}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "retry-job",
		Method:      http.MethodPost,
		Path:        "/jobs/{id}/retry",
		Summary:     "Requeue failed job",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Job `json:"body"`
	}, error) {
		if err := e.RetryJob(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		j, err := e.Queue.Get(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Job `json:"body"`
		}{Body: j}, nil
	})
}

func registerRuns(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-runs",
		Method:      http.MethodGet,
		Path:        "/runs",
		Summary:     "List agent runs",
	}, func(ctx context.Context, input *struct {
		AgentID string `query:"agent_id"`
		JobID   string `query:"job_id"`
		Limit   int    `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.AgentRun `json:"body"`
	}, error) {
		items, err := e.Repo.ListAgentRuns(ctx, input.AgentID, input.JobID, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.AgentRun `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-run",
		Method:      http.MethodGet,
		Path:        "/runs/{id}",
		Summary:     "Get agent run with logs",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body RunDetail `json:"body"`
	}, error) {
		run, err := e.Repo.GetAgentRun(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		logs, err := e.Repo.ListRunLogs(ctx, run.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RunDetail `json:"body"`
		}{Body: RunDetail{AgentRun: run, Logs: logs}}, nil
	})
}

func registerAgents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-agents",
		Method:      http.MethodGet,
		Path:        "/agents",
		Summary:     "List agents",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Agent `json:"body"`
	}, error) {
		items, err := e.Repo.ListAgents(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Agent `json:"body"`
		}{Body: items}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List events",
	}, func(ctx context.Context, input *struct {
		EntityKind string `query:"entity_kind" enum:",project,idea,question,ticket,subtask,job,budget"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"100"`
	}) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		items, err := e.Repo.ListEvents(ctx, input.EntityKind, input.EntityID, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: items}, nil
	})
}

func registerBudget(api huma.API, g budget.Guard) {
	huma.Register(api, huma.Operation{
		OperationID: "budget-usage",
		Method:      http.MethodGet,
		Path:        "/budget",
		Summary:     "Budget usage per window",
	}, func(ctx context.Context, input *struct {
		ProjectID string `query:"project_id"`
	}) (*struct {
		Body BudgetResponse `json:"body"`
	}, error) {
		usage, err := g.Usage(ctx, budget.Scope{ProjectID: input.ProjectID})
		if err != nil {
			return nil, handleError(err)
		}
		resp := BudgetResponse{Windows: make([]BudgetWindowResponse, 0, len(usage.Windows))}
		for _, w := range usage.Windows {
			resp.Windows = append(resp.Windows, BudgetWindowResponse{
				Scope:        w.Scope,
				LimitUSD:     w.LimitUSD,
				SpentUSD:     w.SpentUSD,
				RemainingUSD: w.RemainingUSD,
			})
		}
		return &struct {
			Body BudgetResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func registerAttention(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "needs-attention",
		Method:      http.MethodGet,
		Path:        "/attention",
		Summary:     "Items waiting on a human",
	}, func(ctx context.Context, input *struct {
		ProjectID string `query:"project_id"`
	}) (*struct {
		Body engine.Attention `json:"body"`
	}, error) {
		a, err := e.NeedsAttention(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.Attention `json:"body"`
		}{Body: a}, nil
	})
}
