package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"

	"foundry/internal/budget"
	"foundry/internal/config"
	"foundry/internal/db"
	"foundry/internal/domain"
	"foundry/internal/engine"
	"foundry/internal/migrate"
)

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("proj-1")
	eng := engine.New(conn, cfg)
	err = eng.Repo.InsertProject(context.Background(), domain.Project{
		ID: "proj-1", Name: "proj-1", Status: "active", CreatedAt: "2024-01-01T00:00:00Z",
	})
	if err != nil {
		t.Fatalf("seed project: %v", err)
	}
	guard := budget.New(conn, budget.Ceilings{
		AgentRunUSD:    cfg.Budget.AgentRunUSD,
		ProjectDayUSD:  cfg.Budget.ProjectDayUSD,
		GlobalDayUSD:   cfg.Budget.GlobalDayUSD,
		GlobalMonthUSD: cfg.Budget.GlobalMonthUSD,
	})
	handler, err := New(Config{Engine: eng, Guard: guard, BasePath: "/v0"})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	t.Cleanup(func() {
		srv.Shutdown(context.Background())
		ln.Close()
		conn.Close()
	})
	return &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: eng,
		client: &http.Client{},
	}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

type errorEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func decodeEnvelope(t *testing.T, data []byte) errorEnvelope {
	t.Helper()
	var env errorEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	return env
}

// applyRefineOutcome plays the clarifier: claim the one pending job and
// report its result, as the dispatcher would.
func applyRefineOutcome(t *testing.T, eng engine.Engine, output string) {
	t.Helper()
	jobs, err := eng.Queue.Claim(context.Background(), 1)
	if err != nil || len(jobs) != 1 {
		t.Fatalf("claim job: %v (%d jobs)", err, len(jobs))
	}
	if err := eng.ApplyJobOutcome(context.Background(), jobs[0], output, "agent"); err != nil {
		t.Fatalf("apply outcome: %v", err)
	}
}

func TestIdeaLifecycleOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	client := srv.client

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/ideas", map[string]any{
		"title":       "CSV export",
		"description": "Dump report rows to a file",
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("submit idea status %d: %s", res.StatusCode, string(data))
	}
	var idea domain.Idea
	if err := json.Unmarshal(data, &idea); err != nil {
		t.Fatalf("unmarshal idea: %v", err)
	}
	if idea.Status != domain.IdeaRefining {
		t.Fatalf("idea status %q, want refining", idea.Status)
	}

	applyRefineOutcome(t, srv.Engine, `{"analysis":"scoped","questions":[{"question":"Which delimiter?"}]}`)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/ideas/"+idea.ID, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get idea status %d: %s", res.StatusCode, string(data))
	}
	var detail IdeaDetail
	if err := json.Unmarshal(data, &detail); err != nil {
		t.Fatalf("unmarshal detail: %v", err)
	}
	if detail.Status != domain.IdeaQuestions || len(detail.Questions) != 1 {
		t.Fatalf("detail %s with %d questions", detail.Status, len(detail.Questions))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/ideas/"+idea.ID+"/approve", nil)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("approve with open questions status %d: %s", res.StatusCode, string(data))
	}
	if env := decodeEnvelope(t, data); env.Error.Code != "questions_pending" {
		t.Fatalf("error code %q", env.Error.Code)
	}

	qid := detail.Questions[0].ID
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/questions/"+qid+"/answer", map[string]any{
		"answer": "comma",
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("answer status %d: %s", res.StatusCode, string(data))
	}
	var q domain.Question
	if err := json.Unmarshal(data, &q); err != nil {
		t.Fatalf("unmarshal question: %v", err)
	}
	if q.Status != domain.QuestionAnswered {
		t.Fatalf("question status %q", q.Status)
	}

	// answering again is a transition conflict
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/questions/"+qid+"/answer", map[string]any{
		"answer": "tab",
	})
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("re-answer status %d: %s", res.StatusCode, string(data))
	}
	if env := decodeEnvelope(t, data); env.Error.Code != "invalid_transition" {
		t.Fatalf("error code %q", env.Error.Code)
	}

	// all questions resolved: the idea went back to refining and can convert
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/ideas/"+idea.ID+"/approve", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve status %d: %s", res.StatusCode, string(data))
	}
	var ticket domain.Ticket
	if err := json.Unmarshal(data, &ticket); err != nil {
		t.Fatalf("unmarshal ticket: %v", err)
	}
	if ticket.Status != domain.TicketQueued || ticket.IdeaID == nil || *ticket.IdeaID != idea.ID {
		t.Fatalf("ticket %+v", ticket)
	}

	// second approve is idempotent and returns the same ticket
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/ideas/"+idea.ID+"/approve", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("re-approve status %d: %s", res.StatusCode, string(data))
	}
	var again domain.Ticket
	if err := json.Unmarshal(data, &again); err != nil {
		t.Fatalf("unmarshal ticket: %v", err)
	}
	if again.ID != ticket.ID {
		t.Fatalf("re-approve ticket %s, want %s", again.ID, ticket.ID)
	}
}

func TestErrorEnvelopeCodes(t *testing.T) {
	srv := newTestServer(t)
	client := srv.client

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/ideas/no-such-idea", nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("missing idea status %d: %s", res.StatusCode, string(data))
	}
	if env := decodeEnvelope(t, data); env.Error.Code != "not_found" {
		t.Fatalf("error code %q", env.Error.Code)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/ideas", map[string]any{
		"description": "no title",
	})
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing title status %d: %s", res.StatusCode, string(data))
	}
	if env := decodeEnvelope(t, data); env.Error.Code != "bad_request" {
		t.Fatalf("error code %q", env.Error.Code)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tickets", map[string]any{
		"title": "Logging cleanup",
		"type":  "chore",
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create ticket status %d: %s", res.StatusCode, string(data))
	}
	var ticket domain.Ticket
	if err := json.Unmarshal(data, &ticket); err != nil {
		t.Fatalf("unmarshal ticket: %v", err)
	}

	// approving a queued ticket is a transition conflict with details
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tickets/"+ticket.ID+"/approve", map[string]any{})
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("approve queued status %d: %s", res.StatusCode, string(data))
	}
	env := decodeEnvelope(t, data)
	if env.Error.Code != "invalid_transition" {
		t.Fatalf("error code %q", env.Error.Code)
	}
	if env.Error.Details["entity"] != "ticket" || env.Error.Details["from"] != "queued" {
		t.Fatalf("details %+v", env.Error.Details)
	}
}

func TestStatusAndHealth(t *testing.T) {
	srv := newTestServer(t)
	client := srv.client

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/healthz", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("healthz status %d", res.StatusCode)
	}
	var health map[string]string
	if err := json.Unmarshal(data, &health); err != nil || health["status"] != "ok" {
		t.Fatalf("healthz body %s: %v", string(data), err)
	}

	if res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/ideas", map[string]any{"title": "Counted"}); res.StatusCode != http.StatusCreated {
		t.Fatalf("submit status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/status", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
	var status StatusResponse
	if err := json.Unmarshal(data, &status); err != nil {
		t.Fatalf("unmarshal status: %v", err)
	}
	if status.Ideas[domain.IdeaRefining] != 1 || status.Jobs[domain.JobPending] != 1 {
		t.Fatalf("counts %+v", status)
	}
}

func TestBudgetWindows(t *testing.T) {
	srv := newTestServer(t)
	client := srv.client

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/budget?project_id=proj-1", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("budget status %d: %s", res.StatusCode, string(data))
	}
	var scoped BudgetResponse
	if err := json.Unmarshal(data, &scoped); err != nil {
		t.Fatalf("unmarshal budget: %v", err)
	}
	if len(scoped.Windows) != 3 || scoped.Windows[0].Scope != "project_day" {
		t.Fatalf("scoped windows %+v", scoped.Windows)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/budget", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("budget status %d: %s", res.StatusCode, string(data))
	}
	var global BudgetResponse
	if err := json.Unmarshal(data, &global); err != nil {
		t.Fatalf("unmarshal budget: %v", err)
	}
	if len(global.Windows) != 2 || global.Windows[0].Scope != "global_day" {
		t.Fatalf("global windows %+v", global.Windows)
	}
}

func TestAttentionListsPendingQuestions(t *testing.T) {
	srv := newTestServer(t)
	client := srv.client

	if res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/ideas", map[string]any{"title": "Needs input"}); res.StatusCode != http.StatusCreated {
		t.Fatalf("submit status %d: %s", res.StatusCode, string(data))
	}
	applyRefineOutcome(t, srv.Engine, `{"questions":[{"question":"Scope?"}]}`)

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/attention", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("attention status %d: %s", res.StatusCode, string(data))
	}
	var a engine.Attention
	if err := json.Unmarshal(data, &a); err != nil {
		t.Fatalf("unmarshal attention: %v", err)
	}
	if len(a.PendingQuestions) != 1 || len(a.FailedJobs) != 0 {
		t.Fatalf("attention %+v", a)
	}
}

func TestDocsAndSpecServed(t *testing.T) {
	srv := newTestServer(t)
	client := srv.client

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/openapi.json", nil)
	if res.StatusCode != http.StatusOK || !strings.Contains(string(data), "Foundry API") {
		t.Fatalf("openapi status %d: %.80s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/docs", nil)
	if res.StatusCode != http.StatusOK || !strings.Contains(string(data), "swagger-ui") {
		t.Fatalf("docs status %d: %.80s", res.StatusCode, string(data))
	}
}
