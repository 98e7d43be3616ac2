package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"previz.stage/internal/core/domain"
	"previz.stage/internal/core/services"
)

type stubLauncher struct{}

func (stubLauncher) Start(ctx context.Context, display, port int, opts map[string]string) error {
	return nil
}
func (stubLauncher) Stop(ctx context.Context, display int) error { return nil }

type stubControl struct{}

func (stubControl) Alive(pid int) bool         { return true }
func (stubControl) Group(pid int) (int, error) { return pid, nil }
func (stubControl) Terminate(pgid int) error   { return nil }
func (stubControl) Kill(pgid int) error        { return nil }

// jobView is the subset of the job payload the handler tests decode;
// params are a per-kind union and not round-tripped here.
type jobView struct {
	ID     string           `json:"id"`
	Kind   domain.JobKind   `json:"kind"`
	Status domain.JobStatus `json:"status"`
}

type testEnv struct {
	server  *Server
	sched   *services.Scheduler
	procs   *services.ProcessRegistry
	display *services.DisplayManager
	block   chan struct{}
}

// newTestEnv wires real services behind the handler with stubbed
// launcher and process control. Build jobs block until env.block is
// closed so pending/running states are observable.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	addrs := services.NewAddressRegistry(10, 5910)
	displays := services.NewDisplayManager(stubLauncher{}, addrs, nil, time.Second)
	procs := services.NewProcessRegistry(displays, stubControl{}, nil, 50*time.Millisecond)
	t.Cleanup(procs.Close)

	block := make(chan struct{})
	sched := services.NewScheduler(2, 50, 5*time.Millisecond, nil)
	sched.RegisterExecutor(domain.JobKindBuild, services.ExecutorFunc(
		func(ctx context.Context, job *services.JobContext) (any, error) {
			<-block
			return map[string]any{"exit_code": 0}, nil
		}))
	sched.RegisterExecutor(domain.JobKindLaunch, services.ExecutorFunc(
		func(ctx context.Context, job *services.JobContext) (any, error) {
			return nil, fmt.Errorf("not wired in tests")
		}))
	sched.Start()
	t.Cleanup(sched.Close)

	hub := NewHub()
	go hub.Run()

	healthSvc := services.NewHealthService(sched, nil, "sh", "test")
	srv := NewServer(sched, procs, displays, addrs, healthSvc, hub, time.Second, false)

	return &testEnv{server: srv, sched: sched, procs: procs, display: displays, block: block}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	e.server.Router().ServeHTTP(rec, req)
	return rec
}

func submitBuild(t *testing.T, e *testEnv) string {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/jobs", map[string]any{
		"kind":   "build",
		"params": map[string]any{"command": map[string]any{"argv": []string{"make", "app"}}},
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("submit returned %d: %s", rec.Code, rec.Body.String())
	}
	var job jobView
	if err := json.Unmarshal(rec.Body.Bytes(), &job); err != nil {
		t.Fatalf("decode job: %v", err)
	}
	if job.ID == "" || job.Status != domain.JobStatusPending {
		t.Fatalf("submitted job: %+v", job)
	}
	return job.ID
}

func TestSubmitAndGetJob(t *testing.T) {
	e := newTestEnv(t)
	id := submitBuild(t, e)

	rec := e.do(t, http.MethodGet, "/api/jobs/"+id, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get returned %d", rec.Code)
	}

	close(e.block)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if job := e.sched.Get(id); job.Status == domain.JobStatusCompleted {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job never completed: %+v", e.sched.Get(id))
}

func TestSubmitValidation(t *testing.T) {
	e := newTestEnv(t)

	cases := []struct {
		name string
		body any
	}{
		{"unknown kind", map[string]any{"kind": "deploy", "params": map[string]any{}}},
		{"build without argv", map[string]any{
			"kind": "build", "params": map[string]any{"command": map[string]any{}}}},
		{"launch without display", map[string]any{
			"kind": "launch", "params": map[string]any{
				"name": "demo", "command": map[string]any{"argv": []string{"demo"}}}}},
		{"launch without name", map[string]any{
			"kind": "launch", "params": map[string]any{
				"display": 11, "command": map[string]any{"argv": []string{"demo"}}}}},
	}
	for _, c := range cases {
		if rec := e.do(t, http.MethodPost, "/api/jobs", c.body); rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status %d", c.name, rec.Code)
		}
	}

	req := httptest.NewRequest(http.MethodPost, "/api/jobs", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	e.server.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("malformed JSON: status %d", rec.Code)
	}
}

func TestGetUnknownJob(t *testing.T) {
	e := newTestEnv(t)

	if rec := e.do(t, http.MethodGet, "/api/jobs/job-nope", nil); rec.Code != http.StatusNotFound {
		t.Errorf("status %d", rec.Code)
	}
	if rec := e.do(t, http.MethodGet, "/api/jobs/job-nope/logs", nil); rec.Code != http.StatusNotFound {
		t.Errorf("logs status %d", rec.Code)
	}
}

func TestListJobsFilters(t *testing.T) {
	e := newTestEnv(t)
	submitBuild(t, e)
	submitBuild(t, e)
	defer close(e.block)

	rec := e.do(t, http.MethodGet, "/api/jobs", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list returned %d", rec.Code)
	}
	var jobs []jobView
	if err := json.Unmarshal(rec.Body.Bytes(), &jobs); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(jobs) != 2 {
		t.Errorf("listed %d jobs", len(jobs))
	}

	rec = e.do(t, http.MethodGet, "/api/jobs?status=completed", nil)
	if err := json.Unmarshal(rec.Body.Bytes(), &jobs); err != nil {
		t.Fatalf("decode filtered list: %v", err)
	}
	if len(jobs) != 0 {
		t.Errorf("completed filter returned %d jobs", len(jobs))
	}

	if rec = e.do(t, http.MethodGet, "/api/jobs?limit=1", nil); rec.Code != http.StatusOK {
		t.Errorf("limited list returned %d", rec.Code)
	}
}

func TestCancelAndDeleteLifecycle(t *testing.T) {
	e := newTestEnv(t)
	id := submitBuild(t, e)

	// Pending (or just-promoted) jobs are cancellable.
	if rec := e.do(t, http.MethodPost, "/api/jobs/"+id+"/cancel", nil); rec.Code != http.StatusOK {
		t.Fatalf("cancel returned %d: %s", rec.Code, rec.Body.String())
	}
	// A second cancel hits a terminal record.
	if rec := e.do(t, http.MethodPost, "/api/jobs/"+id+"/cancel", nil); rec.Code != http.StatusConflict {
		t.Errorf("second cancel returned %d", rec.Code)
	}

	if rec := e.do(t, http.MethodDelete, "/api/jobs/"+id, nil); rec.Code != http.StatusNoContent {
		t.Errorf("delete returned %d", rec.Code)
	}
	if rec := e.do(t, http.MethodGet, "/api/jobs/"+id, nil); rec.Code != http.StatusNotFound {
		t.Errorf("get after delete returned %d", rec.Code)
	}

	// Deleting a non-terminal job is refused.
	second := submitBuild(t, e)
	if rec := e.do(t, http.MethodDelete, "/api/jobs/"+second, nil); rec.Code != http.StatusConflict {
		t.Errorf("delete of pending job returned %d", rec.Code)
	}
	close(e.block)
}

func TestProcessEndpoints(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(t, http.MethodGet, "/api/processes", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list returned %d", rec.Code)
	}

	if err := e.procs.Register("demo", 4242, 11, 5911); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	rec = e.do(t, http.MethodGet, "/api/processes", nil)
	var procs []domain.ManagedProcess
	if err := json.Unmarshal(rec.Body.Bytes(), &procs); err != nil {
		t.Fatalf("decode processes: %v", err)
	}
	if len(procs) != 1 || procs[0].Name != "demo" {
		t.Errorf("processes: %+v", procs)
	}

	// Stop is idempotent down to the registry; unknown names succeed.
	if rec := e.do(t, http.MethodPost, "/api/processes/demo/stop",
		map[string]any{"grace_seconds": 1}); rec.Code != http.StatusOK {
		t.Errorf("stop returned %d: %s", rec.Code, rec.Body.String())
	}
	if rec := e.do(t, http.MethodPost, "/api/processes/ghost/stop", nil); rec.Code != http.StatusOK {
		t.Errorf("stop of unknown returned %d", rec.Code)
	}
}

func TestDisplayEndpoints(t *testing.T) {
	e := newTestEnv(t)
	e.display.Acquire(11)

	rec := e.do(t, http.MethodGet, "/api/displays", nil)
	var sessions []domain.DisplaySession
	if err := json.Unmarshal(rec.Body.Bytes(), &sessions); err != nil {
		t.Fatalf("decode sessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].Display != 11 || sessions[0].Port != 5911 {
		t.Errorf("sessions: %+v", sessions)
	}

	// The forwarded host's port is stripped; the display's own port wins.
	req := httptest.NewRequest(http.MethodGet, "/api/displays/11/url", nil)
	req.Header.Set("X-Forwarded-Host", "studio.example.com:8443")
	out := httptest.NewRecorder()
	e.server.Router().ServeHTTP(out, req)
	if out.Code != http.StatusOK {
		t.Fatalf("url returned %d", out.Code)
	}
	var resp map[string]string
	if err := json.Unmarshal(out.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode url: %v", err)
	}
	if resp["url"] != "http://studio.example.com:5911" {
		t.Errorf("url = %q", resp["url"])
	}

	if rec := e.do(t, http.MethodGet, "/api/displays/nope/url", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("bad display number returned %d", rec.Code)
	}
}

func TestHealthEndpoints(t *testing.T) {
	e := newTestEnv(t)

	if rec := e.do(t, http.MethodGet, "/health/live", nil); rec.Code != http.StatusOK {
		t.Errorf("live returned %d", rec.Code)
	}
	if rec := e.do(t, http.MethodGet, "/health/ready", nil); rec.Code != http.StatusOK {
		t.Errorf("ready returned %d", rec.Code)
	}

	rec := e.do(t, http.MethodGet, "/api/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("health returned %d", rec.Code)
	}
	var report services.HealthReport
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if _, ok := report.Components["scheduler"]; !ok {
		t.Errorf("report missing scheduler component: %+v", report)
	}
}
