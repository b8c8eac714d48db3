package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/CZERTAINLY/renderq/internal/log"
	"github.com/CZERTAINLY/renderq/internal/model"
	"github.com/CZERTAINLY/renderq/internal/notify"
	"github.com/CZERTAINLY/renderq/internal/progress"
	"github.com/CZERTAINLY/renderq/internal/store"
)

// Process is one supervised engine invocation, see Runner.
type Process interface {
	Start(ctx context.Context, job model.Job, onProgress ProgressFunc) error
	Cancel()
	Done() <-chan Result
}

// ProcessFunc creates a fresh Process for every job run.
type ProcessFunc func() Process

// RunnerFunc returns a ProcessFunc spawning the configured engine.
func RunnerFunc(cfg model.Engine) ProcessFunc {
	return func() Process {
		return NewRunner(cfg.Path, cfg.GracePeriod)
	}
}

// Scheduler is the only writer of job state and queue order. Every mutation,
// including the results and progress of running processes, goes through
// s.mx, so two admission decisions never race.
type Scheduler struct {
	ctx            context.Context
	cancel         context.CancelFunc
	newProcess     ProcessFunc
	hub            *notify.Hub
	clearCancelled bool

	mx        sync.Mutex
	store     *store.Store
	limit     int
	paused    bool
	running   map[string]*run // owned process of every running job
	releasing map[string]*run // cancelled runs still exiting, they keep their slot
	changed   chan struct{}   // closed and replaced on every state change
	wg        sync.WaitGroup
}

type run struct {
	id      string
	attempt int
	proc    Process
}

// NewScheduler returns an active scheduler. The hub may be nil. Processes
// are started with a context derived from ctx.
func NewScheduler(ctx context.Context, cfg model.Scheduler, newProcess ProcessFunc, hub *notify.Hub) *Scheduler {
	ctx, cancel := context.WithCancel(ctx)
	return &Scheduler{
		ctx:            ctx,
		cancel:         cancel,
		newProcess:     newProcess,
		hub:            hub,
		clearCancelled: cfg.ClearCancelled,
		store:          store.New(),
		limit:          max(cfg.MaxConcurrent, 1),
		running:        make(map[string]*run),
		releasing:      make(map[string]*run),
		changed:        make(chan struct{}),
	}
}

// Submit adds a new pending job and returns its id. It never waits for
// the render. The spec is not validated, callers check it with
// model.ValidateSpec; a range with end before start is accepted and the job
// completes at 100%.
func (s *Scheduler) Submit(spec model.JobSpec) string {
	id := uuid.NewString()

	s.mx.Lock()
	defer s.mx.Unlock()
	job := model.NewJob(id, spec, time.Now().UTC())
	s.store.Put(job)
	slog.InfoContext(s.ctx, "job submitted", "job_id", id, "input", spec.InputFile)
	s.publish(notify.JobCreated(job))
	s.admitLocked()
	s.changedLocked()
	return id
}

// Get returns a snapshot of a job.
func (s *Scheduler) Get(id string) (model.Job, bool) {
	return s.store.Get(id)
}

// List returns snapshots of all jobs in queue order.
func (s *Scheduler) List() []model.Job {
	return s.store.List()
}

// Cancel cancels a pending or running job. A pending job never spawns a
// process; it keeps its place in List but admission skips it as it is not
// pending anymore. A running one is marked cancelled immediately and its
// process is asked to terminate, the slot is reclaimed once the process has
// exited. Returns false for unknown or terminal jobs.
func (s *Scheduler) Cancel(id string) bool {
	s.mx.Lock()
	defer s.mx.Unlock()
	if !s.cancelLocked(id) {
		return false
	}
	s.admitLocked()
	s.changedLocked()
	return true
}

// Remove cancels the job when needed and deletes it.
func (s *Scheduler) Remove(id string) bool {
	s.mx.Lock()
	defer s.mx.Unlock()
	job, ok := s.store.Get(id)
	if !ok {
		return false
	}
	if !job.Status.Terminal() {
		s.cancelLocked(id)
	}
	s.store.Delete(id)
	slog.InfoContext(s.ctx, "job removed", "job_id", id)
	s.publish(notify.JobsRemoved(id))
	s.admitLocked()
	s.changedLocked()
	return true
}

// Retry moves a failed or cancelled job back to pending at the end of the
// queue. Any other status is left untouched and false returned.
func (s *Scheduler) Retry(id string) bool {
	s.mx.Lock()
	defer s.mx.Unlock()
	job, ok := s.store.Get(id)
	if !ok || !job.Status.Retryable() {
		return false
	}
	job.Reset()
	s.store.Put(job)
	s.store.MoveToBack(id)
	slog.InfoContext(s.ctx, "job retried", "job_id", id)
	s.publish(notify.JobUpdated(job))
	s.publishOrder()
	s.admitLocked()
	s.changedLocked()
	return true
}

// MoveUp swaps the job with its predecessor, false at the head of the queue.
func (s *Scheduler) MoveUp(id string) bool {
	return s.move(id, -1)
}

// MoveDown swaps the job with its successor, false at the end of the queue.
func (s *Scheduler) MoveDown(id string) bool {
	return s.move(id, 1)
}

func (s *Scheduler) move(id string, delta int) bool {
	s.mx.Lock()
	defer s.mx.Unlock()
	if !s.store.Move(id, delta) {
		return false
	}
	s.publishOrder()
	s.changedLocked()
	return true
}

// Pause stops admission, running jobs continue.
func (s *Scheduler) Pause() {
	s.mx.Lock()
	defer s.mx.Unlock()
	s.paused = true
	slog.InfoContext(s.ctx, "scheduler paused")
	s.changedLocked()
}

// Resume enables admission and admits pending jobs right away.
func (s *Scheduler) Resume() {
	s.mx.Lock()
	defer s.mx.Unlock()
	s.paused = false
	slog.InfoContext(s.ctx, "scheduler resumed")
	s.admitLocked()
	s.changedLocked()
}

// Start is an alias of Resume.
func (s *Scheduler) Start() {
	s.Resume()
}

// Paused reports whether admission is stopped.
func (s *Scheduler) Paused() bool {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.paused
}

// StopAll pauses admission and cancels every running job. Pending jobs stay
// pending.
func (s *Scheduler) StopAll() {
	s.mx.Lock()
	defer s.mx.Unlock()
	s.paused = true
	for _, job := range s.store.ListByStatus(model.StatusRunning) {
		s.cancelLocked(job.ID)
	}
	slog.InfoContext(s.ctx, "scheduler stopped")
	s.changedLocked()
}

// ClearTerminal removes completed and failed jobs, and cancelled ones
// when configured with clear_cancelled. Returns the removed ids.
func (s *Scheduler) ClearTerminal() []string {
	statuses := []model.Status{model.StatusCompleted, model.StatusFailed}
	if s.clearCancelled {
		statuses = append(statuses, model.StatusCancelled)
	}

	s.mx.Lock()
	defer s.mx.Unlock()
	var ids []string
	for _, job := range s.store.ListByStatus(statuses...) {
		s.store.Delete(job.ID)
		ids = append(ids, job.ID)
	}
	if len(ids) == 0 {
		return nil
	}
	slog.InfoContext(s.ctx, "terminal jobs cleared", "count", len(ids))
	s.publish(notify.JobsRemoved(ids...))
	s.changedLocked()
	return ids
}

// SetLimit changes the concurrency limit. Running jobs are not touched, a
// higher limit admits pending jobs immediately.
func (s *Scheduler) SetLimit(limit int) {
	s.mx.Lock()
	defer s.mx.Unlock()
	s.limit = max(limit, 1)
	slog.InfoContext(s.ctx, "concurrency limit changed", "limit", s.limit)
	s.admitLocked()
	s.changedLocked()
}

// Limit returns the current concurrency limit.
func (s *Scheduler) Limit() int {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.limit
}

// Wait blocks until the scheduler is idle: nothing runs and nothing pending
// can be admitted.
func (s *Scheduler) Wait(ctx context.Context) error {
	for {
		s.mx.Lock()
		idle := s.busyLocked() == 0 && (s.paused || s.store.Count(model.StatusPending) == 0)
		changed := s.changed
		s.mx.Unlock()
		if idle {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}

// Shutdown stops all jobs and waits for their processes. When ctx ends
// first, the processes are killed.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.StopAll()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		<-done
		return ctx.Err()
	}
}

// busyLocked returns the number of taken slots.
func (s *Scheduler) busyLocked() int {
	return len(s.running) + len(s.releasing)
}

// nextLocked returns the first pending job in queue order. A job whose
// previous process is still exiting waits, so it never has two processes.
func (s *Scheduler) nextLocked() (model.Job, bool) {
	for _, job := range s.store.ListByStatus(model.StatusPending) {
		if _, ok := s.releasing[job.ID]; !ok {
			return job, true
		}
	}
	return model.Job{}, false
}

// admitLocked starts pending jobs in queue order while there is a free slot.
func (s *Scheduler) admitLocked() {
	for !s.paused && s.busyLocked() < s.limit {
		job, ok := s.nextLocked()
		if !ok {
			return
		}
		job.Status = model.StatusRunning
		job.StartedAt = time.Now().UTC()
		job.Attempt++
		job.TotalFrames = progress.TotalFrames(job.FrameRange)
		job.Progress = progress.NewState(job.FrameRange).Percent
		r := &run{
			id:      job.ID,
			attempt: job.Attempt,
			proc:    s.newProcess(),
		}
		s.running[job.ID] = r
		s.store.Put(job)
		slog.InfoContext(s.ctx, "job admitted", "job_id", job.ID, "attempt", job.Attempt, "running", s.busyLocked(), "limit", s.limit)
		s.publish(notify.JobUpdated(job))

		s.wg.Add(1)
		go s.execute(r, job)
	}
}

// execute runs in its own goroutine and reports back through finish.
func (s *Scheduler) execute(r *run, job model.Job) {
	defer s.wg.Done()
	ctx := log.ContextAttrs(s.ctx,
		slog.String("job_id", r.id),
		slog.Int("attempt", r.attempt),
	)

	onProgress := func(ctx context.Context, u progress.Update) {
		s.progress(ctx, r, u)
	}
	if err := r.proc.Start(ctx, job, onProgress); err != nil {
		status := model.StatusFailed
		if errors.Is(err, model.ErrKilledByRequest) {
			status = model.StatusCancelled
		}
		s.finish(ctx, r, Result{Status: status, Err: err})
		return
	}
	s.finish(ctx, r, <-r.proc.Done())
}

// progress applies an update of a running job. Updates of a run which is
// not the owner anymore (cancelled, removed) are ignored.
func (s *Scheduler) progress(ctx context.Context, r *run, u progress.Update) {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.running[r.id] != r {
		return
	}
	job, ok := s.store.Get(r.id)
	if !ok {
		return
	}
	job.CurrentFrame = u.Frame
	job.TotalFrames = u.TotalFrames
	job.Progress = max(job.Progress, u.Percent)
	if u.Elapsed != "" {
		job.Elapsed = u.Elapsed
	}
	if u.Remaining != "" {
		job.Remaining = u.Remaining
	}
	if n := len(u.Saved); n > 0 {
		job.LastSaved = u.Saved[n-1]
	}
	for _, line := range u.Errors {
		// advisory only, the exit code decides
		slog.WarnContext(ctx, "engine reported an error", "line", line)
		job.Warning = line
	}
	s.store.Put(job)
	s.publish(notify.JobUpdated(job))
}

// finish records the outcome of a run, reclaims its slot and admits the next
// job.
func (s *Scheduler) finish(ctx context.Context, r *run, res Result) {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.running[r.id] != r {
		if s.releasing[r.id] == r {
			// the job is already cancelled, only the slot is reclaimed
			delete(s.releasing, r.id)
			slog.DebugContext(ctx, "released run exited", "status", res.Status)
			s.admitLocked()
			s.changedLocked()
			return
		}
		slog.DebugContext(ctx, "ignoring result of a released run", "status", res.Status)
		return
	}
	delete(s.running, r.id)

	job, ok := s.store.Get(r.id)
	if !ok {
		return
	}
	job.CompletedAt = time.Now().UTC()
	job.ExitCode = res.ExitCode()
	switch res.Status {
	case model.StatusCompleted:
		job.Status = model.StatusCompleted
		job.Progress = 100
		slog.InfoContext(ctx, "job completed")
	case model.StatusCancelled:
		job.Status = model.StatusCancelled
		slog.InfoContext(ctx, "job cancelled")
	default:
		job.Status = model.StatusFailed
		job.ErrorKind = model.KindOf(res.Err)
		job.ErrorDetail = res.Detail()
		slog.ErrorContext(ctx, "job failed", "kind", job.ErrorKind, "error", res.Err)
	}
	s.store.Put(job)
	s.publish(notify.JobUpdated(job))
	s.admitLocked()
	s.changedLocked()
}

// cancelLocked releases a job from its process and marks it cancelled. The
// process keeps its slot in s.releasing until it has exited.
func (s *Scheduler) cancelLocked(id string) bool {
	job, ok := s.store.Get(id)
	if !ok {
		return false
	}
	switch job.Status {
	case model.StatusPending:
	case model.StatusRunning:
		if r, ok := s.running[id]; ok {
			delete(s.running, id)
			s.releasing[id] = r
			r.proc.Cancel()
		}
	default:
		return false
	}
	job.Status = model.StatusCancelled
	job.CompletedAt = time.Now().UTC()
	s.store.Put(job)
	slog.InfoContext(s.ctx, "job cancelled", "job_id", id)
	s.publish(notify.JobUpdated(job))
	return true
}

func (s *Scheduler) publish(e notify.Event) {
	if s.hub != nil {
		s.hub.Publish(e)
	}
}

func (s *Scheduler) publishOrder() {
	if s.hub == nil {
		return
	}
	jobs := s.store.List()
	ids := make([]string, 0, len(jobs))
	for _, j := range jobs {
		ids = append(ids, j.ID)
	}
	s.hub.Publish(notify.JobsReordered(ids...))
}

func (s *Scheduler) changedLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}
