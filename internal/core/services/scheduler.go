package services

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"previz.stage/internal/core/domain"
	"previz.stage/internal/core/logger"
	"previz.stage/internal/core/ports"
)

// Executor runs one kind of job. Execute may block arbitrarily; it runs
// on a dedicated goroutine and never stalls the scheduler loop.
type Executor interface {
	Execute(ctx context.Context, job *JobContext) (any, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, job *JobContext) (any, error)

func (f ExecutorFunc) Execute(ctx context.Context, job *JobContext) (any, error) {
	return f(ctx, job)
}

// JobContext is the executor's handle onto its own job record.
type JobContext struct {
	ID       string
	Kind     domain.JobKind
	Params   domain.JobParams
	Metadata map[string]string

	sched *Scheduler
}

func (jc *JobContext) AppendLog(line string)           { jc.sched.AppendLog(jc.ID, line) }
func (jc *JobContext) SetProgress(pct int, msg string) { jc.sched.UpdateProgress(jc.ID, pct, msg) }

// Scheduler executes submitted jobs asynchronously under bounded
// concurrency. A tick loop promotes the earliest-submitted pending jobs
// FIFO into dedicated worker goroutines; listings are newest-first. All
// state is in-memory for the process lifetime.
type Scheduler struct {
	mu   sync.Mutex
	jobs map[string]*domain.Job
	seq  uint64

	executors map[domain.JobKind]Executor
	sink      ports.EventSink

	maxConcurrent int
	maxHistory    int
	tick          time.Duration

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	loopDone  chan struct{}
	workers   sync.WaitGroup
}

func NewScheduler(maxConcurrent, maxHistory int, tick time.Duration, sink ports.EventSink) *Scheduler {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Scheduler{
		jobs:          make(map[string]*domain.Job),
		executors:     make(map[domain.JobKind]Executor),
		sink:          sink,
		maxConcurrent: maxConcurrent,
		maxHistory:    maxHistory,
		tick:          tick,
		stopCh:        make(chan struct{}),
		loopDone:      make(chan struct{}),
	}
}

// RegisterExecutor binds a job kind to its executor. Must be called
// before Submit for that kind.
func (s *Scheduler) RegisterExecutor(kind domain.JobKind, exec Executor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executors[kind] = exec
}

// Start launches the scheduler tick loop.
func (s *Scheduler) Start() {
	s.startOnce.Do(func() {
		go s.loop()
	})
}

// Close stops the tick loop and waits for in-flight workers to finish.
// Pending jobs are left pending; nothing new is promoted.
func (s *Scheduler) Close() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	// A scheduler that never started has no loop to wait for.
	s.startOnce.Do(func() {
		close(s.loopDone)
	})
	<-s.loopDone
	s.workers.Wait()
}

// Submit enqueues a job and returns its id immediately. An unregistered
// kind is a programmer error and rejected up front.
func (s *Scheduler) Submit(kind domain.JobKind, params domain.JobParams, metadata map[string]string) (string, error) {
	if params != nil && params.Kind() != kind {
		return "", fmt.Errorf("params kind %q does not match job kind %q", params.Kind(), kind)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.executors[kind]; !ok {
		return "", fmt.Errorf("no executor registered for job kind %q", kind)
	}

	s.seq++
	job := &domain.Job{
		ID:        fmt.Sprintf("job-%s", uuid.New().String()),
		Kind:      kind,
		Status:    domain.JobStatusPending,
		Params:    params,
		Metadata:  metadata,
		Seq:       s.seq,
		CreatedAt: time.Now(),
	}
	s.jobs[job.ID] = job

	logger.Debug("Job submitted", "id", job.ID, "kind", kind)
	return job.ID, nil
}

// Get returns a copy of the job or nil if unknown.
func (s *Scheduler) Get(id string) *domain.Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil
	}
	return job.Clone()
}

// List returns jobs newest-submission-first, optionally filtered by
// status and kind. limit <= 0 means no limit.
func (s *Scheduler) List(status domain.JobStatus, kind domain.JobKind, limit int) []*domain.Job {
	s.mu.Lock()
	all := make([]*domain.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		if status != "" && job.Status != status {
			continue
		}
		if kind != "" && job.Kind != kind {
			continue
		}
		all = append(all, job.Clone())
	}
	s.mu.Unlock()

	sort.Slice(all, func(i, j int) bool { return all[i].Seq > all[j].Seq })

	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all
}

// Cancel marks a pending or running job cancelled. A pending job is
// guaranteed to never execute; a running job's work unit is not
// interrupted, only its record is marked (documented limitation).
func (s *Scheduler) Cancel(id string) bool {
	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok || job.Status.Terminal() {
		s.mu.Unlock()
		return false
	}
	now := time.Now()
	job.Status = domain.JobStatusCancelled
	job.CompletedAt = &now
	job.Message = "cancelled"
	s.mu.Unlock()

	s.emitStatus(id, domain.JobStatusCancelled)
	logger.Info("Job cancelled", "id", id)
	return true
}

// Delete removes a terminal job record. Deleting pending or running jobs
// is refused so no worker is left updating a record that vanished.
func (s *Scheduler) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok || !job.Status.Terminal() {
		return false
	}
	delete(s.jobs, id)
	return true
}

// AppendLog appends a line to the job's log.
func (s *Scheduler) AppendLog(id, line string) {
	s.mu.Lock()
	job, ok := s.jobs[id]
	if ok {
		job.Log = append(job.Log, line)
	}
	s.mu.Unlock()

	if !ok {
		return
	}
	s.emit(domain.Event{Type: domain.EventLog, JobID: id, Line: line, Time: time.Now()})
}

// UpdateProgress sets the job's progress (clamped 0-100) and message.
func (s *Scheduler) UpdateProgress(id string, pct int, msg string) {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}

	s.mu.Lock()
	job, ok := s.jobs[id]
	if ok && !job.Status.Terminal() {
		job.Progress = pct
		job.Message = msg
	}
	s.mu.Unlock()

	if !ok {
		return
	}
	s.emit(domain.Event{Type: domain.EventProgress, JobID: id, Progress: pct, Message: msg, Time: time.Now()})
}

// Stats returns current pending and running counts.
func (s *Scheduler) Stats() (pending, running int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, job := range s.jobs {
		switch job.Status {
		case domain.JobStatusPending:
			pending++
		case domain.JobStatusRunning:
			running++
		}
	}
	return pending, running
}

func (s *Scheduler) loop() {
	defer close(s.loopDone)

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.safeTick()
		}
	}
}

// safeTick shields the loop: a failure inside one tick is logged and
// scheduling continues on the next.
func (s *Scheduler) safeTick() {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Scheduler tick panicked", "panic", fmt.Sprintf("%v", r))
		}
	}()

	s.promote()
	s.evictHistory()
}

// promote moves the earliest-submitted pending jobs into workers while
// the running count is under the concurrency cap.
func (s *Scheduler) promote() {
	s.mu.Lock()

	running := 0
	var pending []*domain.Job
	for _, job := range s.jobs {
		switch job.Status {
		case domain.JobStatusRunning:
			running++
		case domain.JobStatusPending:
			pending = append(pending, job)
		}
	}
	// FIFO by submission, independent of listing order.
	sort.Slice(pending, func(i, j int) bool { return pending[i].Seq < pending[j].Seq })

	var promoted []*JobContext
	for _, job := range pending {
		if running >= s.maxConcurrent {
			break
		}
		exec, ok := s.executors[job.Kind]
		if !ok {
			// Submit refuses unknown kinds; this only happens if an
			// executor map was mutated underneath us.
			continue
		}
		now := time.Now()
		job.Status = domain.JobStatusRunning
		job.StartedAt = &now
		running++

		promoted = append(promoted, &JobContext{
			ID:       job.ID,
			Kind:     job.Kind,
			Params:   job.Params,
			Metadata: job.Metadata,
			sched:    s,
		})
		s.workers.Add(1)
		go s.runJob(promoted[len(promoted)-1], exec)
	}
	s.mu.Unlock()

	for _, jc := range promoted {
		s.emitStatus(jc.ID, domain.JobStatusRunning)
	}
}

func (s *Scheduler) runJob(jc *JobContext, exec Executor) {
	defer s.workers.Done()

	var result any
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("job panicked: %v", r)
			}
		}()
		result, err = exec.Execute(context.Background(), jc)
	}()

	s.mu.Lock()
	job, ok := s.jobs[jc.ID]
	if !ok || job.Status != domain.JobStatusRunning {
		// Deleted or cancelled while running; the terminal record stands
		// and the work unit's outcome is discarded.
		s.mu.Unlock()
		return
	}
	now := time.Now()
	job.CompletedAt = &now
	var final domain.JobStatus
	if err != nil {
		final = domain.JobStatusFailed
		job.Status = final
		job.Error = err.Error()
		logger.Warn("Job failed", "id", jc.ID, "kind", jc.Kind, "error", err)
	} else {
		final = domain.JobStatusCompleted
		job.Status = final
		job.Progress = 100
		job.Result = result
		logger.Info("Job completed", "id", jc.ID, "kind", jc.Kind)
	}
	s.mu.Unlock()

	s.emitStatus(jc.ID, final)
}

// evictHistory caps terminal jobs at maxHistory, oldest-by-completion
// evicted first.
func (s *Scheduler) evictHistory() {
	s.mu.Lock()
	defer s.mu.Unlock()

	var terminal []*domain.Job
	for _, job := range s.jobs {
		if job.Status.Terminal() && job.CompletedAt != nil {
			terminal = append(terminal, job)
		}
	}
	if len(terminal) <= s.maxHistory {
		return
	}

	sort.Slice(terminal, func(i, j int) bool {
		return terminal[i].CompletedAt.Before(*terminal[j].CompletedAt)
	})
	for _, job := range terminal[:len(terminal)-s.maxHistory] {
		delete(s.jobs, job.ID)
	}
}

func (s *Scheduler) emitStatus(id string, status domain.JobStatus) {
	s.emit(domain.Event{
		Type:   domain.EventStatusChange,
		JobID:  id,
		Status: string(status),
		Time:   time.Now(),
	})
}

func (s *Scheduler) emit(ev domain.Event) {
	if s.sink == nil {
		return
	}
	s.sink.Emit(ev)
}
