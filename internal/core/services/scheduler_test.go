package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"previz.stage/internal/core/domain"
)

const testTick = 5 * time.Millisecond

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(testTick)
	}
	t.Fatalf("condition not reached within %v", timeout)
}

type recordingSink struct {
	mu     sync.Mutex
	events []domain.Event
}

func (s *recordingSink) Emit(ev domain.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *recordingSink) byType(t domain.EventType) []domain.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Event
	for _, ev := range s.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

type testParams struct{ kind domain.JobKind }

func (p testParams) Kind() domain.JobKind { return p.kind }

func newTestScheduler(t *testing.T, maxConcurrent, maxHistory int, exec Executor) *Scheduler {
	t.Helper()
	s := NewScheduler(maxConcurrent, maxHistory, testTick, &recordingSink{})
	s.RegisterExecutor("test", exec)
	s.Start()
	t.Cleanup(s.Close)
	return s
}

func TestSchedulerBoundedConcurrency(t *testing.T) {
	var running, peak int64
	release := make(chan struct{})

	exec := ExecutorFunc(func(ctx context.Context, job *JobContext) (any, error) {
		cur := atomic.AddInt64(&running, 1)
		for {
			old := atomic.LoadInt64(&peak)
			if cur <= old || atomic.CompareAndSwapInt64(&peak, old, cur) {
				break
			}
		}
		<-release
		atomic.AddInt64(&running, -1)
		return nil, nil
	})

	s := newTestScheduler(t, 3, 100, exec)

	var ids []string
	for i := 0; i < 10; i++ {
		id, err := s.Submit("test", testParams{kind: "test"}, nil)
		if err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
		ids = append(ids, id)
	}

	waitFor(t, 2*time.Second, func() bool {
		_, r := s.Stats()
		return r == 3
	})
	if _, r := s.Stats(); r != 3 {
		t.Errorf("expected 3 running jobs, got %d", r)
	}

	close(release)
	waitFor(t, 2*time.Second, func() bool {
		for _, id := range ids {
			if job := s.Get(id); job == nil || !job.Status.Terminal() {
				return false
			}
		}
		return true
	})

	if got := atomic.LoadInt64(&peak); got > 3 {
		t.Errorf("concurrency cap exceeded: peak %d running", got)
	}
	for _, id := range ids {
		if job := s.Get(id); job.Status != domain.JobStatusCompleted {
			t.Errorf("job %s finished with status %s", id, job.Status)
		}
	}
}

func TestSchedulerFIFOPromotion(t *testing.T) {
	var mu sync.Mutex
	var order []string

	exec := ExecutorFunc(func(ctx context.Context, job *JobContext) (any, error) {
		mu.Lock()
		order = append(order, job.ID)
		mu.Unlock()
		return nil, nil
	})

	// Cap of 1 serializes execution, so start order is observable.
	s := newTestScheduler(t, 1, 100, exec)

	var ids []string
	for i := 0; i < 5; i++ {
		id, err := s.Submit("test", testParams{kind: "test"}, nil)
		if err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
		ids = append(ids, id)
	}

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == len(ids)
	})

	mu.Lock()
	defer mu.Unlock()
	for i, id := range ids {
		if order[i] != id {
			t.Fatalf("execution order %v does not match submission order %v", order, ids)
		}
	}
}

func TestSchedulerCancelPendingNeverExecutes(t *testing.T) {
	block := make(chan struct{})
	executed := make(map[string]bool)
	var mu sync.Mutex

	exec := ExecutorFunc(func(ctx context.Context, job *JobContext) (any, error) {
		mu.Lock()
		executed[job.ID] = true
		mu.Unlock()
		<-block
		return nil, nil
	})

	s := newTestScheduler(t, 1, 100, exec)

	first, err := s.Submit("test", testParams{kind: "test"}, nil)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		job := s.Get(first)
		return job != nil && job.Status == domain.JobStatusRunning
	})

	// Queued behind the blocker, guaranteed still pending.
	second, err := s.Submit("test", testParams{kind: "test"}, nil)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if !s.Cancel(second) {
		t.Fatal("Cancel of pending job returned false")
	}
	if job := s.Get(second); job.Status != domain.JobStatusCancelled {
		t.Errorf("expected CANCELLED, got %s", job.Status)
	}

	close(block)
	waitFor(t, 2*time.Second, func() bool {
		return s.Get(first).Status.Terminal()
	})
	// Give the loop a few more ticks to (incorrectly) promote the
	// cancelled job if it were going to.
	time.Sleep(10 * testTick)

	mu.Lock()
	defer mu.Unlock()
	if executed[second] {
		t.Error("cancelled pending job was executed")
	}
}

func TestSchedulerCancelTerminalRefused(t *testing.T) {
	exec := ExecutorFunc(func(ctx context.Context, job *JobContext) (any, error) {
		return nil, nil
	})
	s := newTestScheduler(t, 1, 100, exec)

	id, _ := s.Submit("test", testParams{kind: "test"}, nil)
	waitFor(t, 2*time.Second, func() bool {
		return s.Get(id).Status.Terminal()
	})

	if s.Cancel(id) {
		t.Error("Cancel of terminal job returned true")
	}
	if s.Cancel("job-unknown") {
		t.Error("Cancel of unknown job returned true")
	}
}

func TestSchedulerFailedAndPanickingExecutors(t *testing.T) {
	exec := ExecutorFunc(func(ctx context.Context, job *JobContext) (any, error) {
		if job.Metadata["mode"] == "panic" {
			panic("boom")
		}
		return nil, errors.New("build exited with code 2")
	})
	s := newTestScheduler(t, 2, 100, exec)

	failID, _ := s.Submit("test", testParams{kind: "test"}, map[string]string{"mode": "fail"})
	panicID, _ := s.Submit("test", testParams{kind: "test"}, map[string]string{"mode": "panic"})

	waitFor(t, 2*time.Second, func() bool {
		return s.Get(failID).Status.Terminal() && s.Get(panicID).Status.Terminal()
	})

	if job := s.Get(failID); job.Status != domain.JobStatusFailed || job.Error == "" {
		t.Errorf("failing job: status %s error %q", job.Status, job.Error)
	}
	if job := s.Get(panicID); job.Status != domain.JobStatusFailed {
		t.Errorf("panicking job: status %s", job.Status)
	}

	// The loop must survive both and keep promoting.
	okID, _ := s.Submit("test", testParams{kind: "test"}, nil)
	waitFor(t, 2*time.Second, func() bool {
		return s.Get(okID).Status == domain.JobStatusFailed
	})
}

func TestSchedulerHistoryEviction(t *testing.T) {
	exec := ExecutorFunc(func(ctx context.Context, job *JobContext) (any, error) {
		return nil, nil
	})
	const maxHistory = 5
	s := newTestScheduler(t, 1, maxHistory, exec)

	var ids []string
	for i := 0; i < maxHistory+5; i++ {
		id, err := s.Submit("test", testParams{kind: "test"}, nil)
		if err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
		ids = append(ids, id)
		// Serialize completion so CompletedAt ordering is deterministic.
		waitFor(t, 2*time.Second, func() bool {
			job := s.Get(id)
			return job == nil || job.Status.Terminal()
		})
	}

	waitFor(t, 2*time.Second, func() bool {
		return len(s.List("", "", 0)) == maxHistory
	})

	// Oldest completions are gone, newest survive.
	for _, id := range ids[:5] {
		if s.Get(id) != nil {
			t.Errorf("evicted job %s still present", id)
		}
	}
	for _, id := range ids[5:] {
		if s.Get(id) == nil {
			t.Errorf("recent job %s was evicted", id)
		}
	}
}

func TestSchedulerListNewestFirst(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	exec := ExecutorFunc(func(ctx context.Context, job *JobContext) (any, error) {
		<-block
		return nil, nil
	})
	s := newTestScheduler(t, 1, 100, exec)

	var ids []string
	for i := 0; i < 4; i++ {
		id, _ := s.Submit("test", testParams{kind: "test"}, nil)
		ids = append(ids, id)
	}

	jobs := s.List("", "", 0)
	if len(jobs) != 4 {
		t.Fatalf("expected 4 jobs, got %d", len(jobs))
	}
	for i, job := range jobs {
		if want := ids[len(ids)-1-i]; job.ID != want {
			t.Errorf("position %d: got %s, want %s", i, job.ID, want)
		}
	}

	if got := s.List("", "", 2); len(got) != 2 {
		t.Errorf("limit 2 returned %d jobs", len(got))
	}
	if got := s.List(domain.JobStatusPending, "", 0); len(got) == 0 {
		t.Error("status filter returned no pending jobs")
	}
}

func TestSchedulerDeleteTerminalOnly(t *testing.T) {
	block := make(chan struct{})
	exec := ExecutorFunc(func(ctx context.Context, job *JobContext) (any, error) {
		<-block
		return nil, nil
	})
	s := newTestScheduler(t, 1, 100, exec)

	id, _ := s.Submit("test", testParams{kind: "test"}, nil)
	waitFor(t, 2*time.Second, func() bool {
		return s.Get(id).Status == domain.JobStatusRunning
	})

	if s.Delete(id) {
		t.Error("Delete of running job returned true")
	}

	close(block)
	waitFor(t, 2*time.Second, func() bool {
		return s.Get(id).Status.Terminal()
	})

	if !s.Delete(id) {
		t.Error("Delete of terminal job returned false")
	}
	if s.Get(id) != nil {
		t.Error("deleted job still retrievable")
	}
}

func TestSchedulerSubmitValidation(t *testing.T) {
	s := NewScheduler(1, 10, testTick, nil)
	s.RegisterExecutor("test", ExecutorFunc(func(ctx context.Context, job *JobContext) (any, error) {
		return nil, nil
	}))

	if _, err := s.Submit("unknown", nil, nil); err == nil {
		t.Error("Submit with unregistered kind succeeded")
	}
	if _, err := s.Submit("test", testParams{kind: "other"}, nil); err == nil {
		t.Error("Submit with mismatched params kind succeeded")
	}
	if _, err := s.Submit("test", testParams{kind: "test"}, nil); err != nil {
		t.Errorf("valid Submit failed: %v", err)
	}
}

func TestSchedulerProgressAndLogEvents(t *testing.T) {
	sink := &recordingSink{}
	started := make(chan string, 1)
	block := make(chan struct{})

	s := NewScheduler(1, 10, testTick, sink)
	s.RegisterExecutor("test", ExecutorFunc(func(ctx context.Context, job *JobContext) (any, error) {
		job.SetProgress(42, "halfway-ish")
		job.AppendLog("line one")
		started <- job.ID
		<-block
		return nil, nil
	}))
	s.Start()
	defer s.Close()

	id, _ := s.Submit("test", testParams{kind: "test"}, nil)

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("executor never ran")
	}

	job := s.Get(id)
	if job.Progress != 42 || job.Message != "halfway-ish" {
		t.Errorf("progress not applied: %d %q", job.Progress, job.Message)
	}
	if len(job.Log) != 1 || job.Log[0] != "line one" {
		t.Errorf("log not applied: %v", job.Log)
	}

	if evs := sink.byType(domain.EventProgress); len(evs) == 0 {
		t.Error("no progress event emitted")
	}
	if evs := sink.byType(domain.EventLog); len(evs) == 0 {
		t.Error("no log event emitted")
	}

	// Out-of-range values clamp instead of corrupting the record.
	s.UpdateProgress(id, 150, "over")
	if got := s.Get(id).Progress; got != 100 {
		t.Errorf("progress not clamped: %d", got)
	}

	close(block)
	waitFor(t, 2*time.Second, func() bool {
		return s.Get(id).Status.Terminal()
	})
	// Terminal records keep their final progress.
	s.UpdateProgress(id, 7, "late")
	if got := s.Get(id).Progress; got != 100 {
		t.Errorf("terminal progress overwritten: %d", got)
	}
}

func TestSchedulerCloseWaitsForWorkers(t *testing.T) {
	var finished int64
	exec := ExecutorFunc(func(ctx context.Context, job *JobContext) (any, error) {
		time.Sleep(50 * time.Millisecond)
		atomic.AddInt64(&finished, 1)
		return nil, nil
	})

	s := NewScheduler(2, 10, testTick, nil)
	s.RegisterExecutor("test", exec)
	s.Start()

	id, _ := s.Submit("test", testParams{kind: "test"}, nil)
	waitFor(t, 2*time.Second, func() bool {
		return s.Get(id).Status == domain.JobStatusRunning
	})

	s.Close()
	if got := atomic.LoadInt64(&finished); got != 1 {
		t.Errorf("Close returned before worker finished: %d", got)
	}
}

func TestSchedulerResultRecorded(t *testing.T) {
	exec := ExecutorFunc(func(ctx context.Context, job *JobContext) (any, error) {
		return map[string]any{"pid": 1234}, nil
	})
	s := newTestScheduler(t, 1, 10, exec)

	id, _ := s.Submit("test", testParams{kind: "test"}, map[string]string{"app": "demo"})
	waitFor(t, 2*time.Second, func() bool {
		return s.Get(id).Status.Terminal()
	})

	job := s.Get(id)
	if job.Status != domain.JobStatusCompleted {
		t.Fatalf("status %s", job.Status)
	}
	if job.Progress != 100 {
		t.Errorf("completed job progress %d", job.Progress)
	}
	result, ok := job.Result.(map[string]any)
	if !ok || fmt.Sprintf("%v", result["pid"]) != "1234" {
		t.Errorf("result not recorded: %#v", job.Result)
	}
	if job.StartedAt == nil || job.CompletedAt == nil {
		t.Error("timestamps missing on terminal job")
	}
	if job.Metadata["app"] != "demo" {
		t.Errorf("metadata lost: %v", job.Metadata)
	}
}
