package services

import (
	"container/heap"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/manthysbr/aulerun/internal/core/domain"
	"github.com/manthysbr/aulerun/internal/core/ports"
)

// ErrRunFenced is returned to a worker whose run was taken away from it by
// the liveness sweep. The worker must stop.
var ErrRunFenced = errors.New("job run no longer owns the job")

// retainTerminal bounds how many finished jobs stay in memory; older ones
// are served from the repository.
const retainTerminal = 1024

// JobRunner executes one job. It returns the final answer, or an error
// whose domain kind becomes the job's failure kind.
type JobRunner interface {
	Run(ctx context.Context, run *JobRun) (string, error)
}

// SubmitRequest is what callers provide to create a job.
type SubmitRequest struct {
	Title    string
	Prompt   string
	Priority domain.Priority
	Creator  domain.ChannelRef
	Metadata map[string]string
}

type jobEntry struct {
	job       domain.Job
	order     uint64 // FIFO tiebreak within a priority
	heapIndex int
	runID     uint64
	cancel    context.CancelFunc
	grace     *time.Timer
	cancelled *atomic.Bool
	seq       uint64
}

// JobScheduler owns every job until it is terminal. Admission is bounded
// by a slot semaphore plus a pending queue ordered by priority then FIFO.
type JobScheduler struct {
	logger *slog.Logger
	cfg    domain.SchedulerConfig
	runner JobRunner
	bus    *EventBus
	jobs   ports.JobRepository
	events ports.EventRepository
	now    func() time.Time

	slots *semaphore.Weighted

	mu       sync.Mutex
	entries  map[domain.JobID]*jobEntry
	pending  pendingQueue
	orderSeq uint64
	finished []domain.JobID
	dirty    []domain.Job
	outbox   []domain.JobEvent

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

func NewJobScheduler(logger *slog.Logger, cfg domain.SchedulerConfig, runner JobRunner, bus *EventBus,
	jobs ports.JobRepository, events ports.EventRepository) *JobScheduler {
	limit := int64(cfg.MaxConcurrentJobs)
	if limit <= 0 {
		limit = 4
	}
	return &JobScheduler{
		logger:  logger,
		cfg:     cfg,
		runner:  runner,
		bus:     bus,
		jobs:    jobs,
		events:  events,
		now:     time.Now,
		slots:   semaphore.NewWeighted(limit),
		entries: make(map[domain.JobID]*jobEntry),
	}
}

// Start recovers unfinished jobs from the repository and starts the
// liveness sweep. Jobs run under ctx; cancelling it tears them all down.
func (s *JobScheduler) Start(ctx context.Context) error {
	s.baseCtx, s.stop = context.WithCancel(ctx)

	if err := s.recover(ctx); err != nil {
		return err
	}

	interval := s.cfg.SweepInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.baseCtx.Done():
				return
			case <-ticker.C:
				s.Sweep(s.baseCtx)
			}
		}
	}()

	s.logger.Info("job scheduler started",
		"max_concurrent_jobs", s.cfg.MaxConcurrentJobs,
		"max_pending", s.cfg.MaxPending,
		"liveness_window", s.cfg.LivenessWindow,
	)
	return nil
}

// recover requeues jobs a previous process left unfinished. An
// interrupted run counts as an attempt.
func (s *JobScheduler) recover(ctx context.Context) error {
	if s.jobs == nil {
		return nil
	}
	jobs, err := s.jobs.ListUnfinishedJobs(ctx)
	if err != nil {
		return fmt.Errorf("recover jobs: %w", err)
	}
	// New events continue the stored sequence of each job.
	seqs := make(map[domain.JobID]uint64, len(jobs))
	if s.events != nil {
		for _, job := range jobs {
			last, err := s.events.LastEventSeq(ctx, job.ID)
			if err != nil {
				return fmt.Errorf("recover jobs: %w", err)
			}
			seqs[job.ID] = last
		}
	}

	s.mu.Lock()
	for _, job := range jobs {
		e := &jobEntry{job: job, cancelled: &atomic.Bool{}, seq: seqs[job.ID]}
		s.entries[job.ID] = e
		if job.State == domain.JobInProgress {
			if job.Attempts >= s.cfg.MaxRequeues {
				s.failLocked(e, domain.KindJobStuck, "job was interrupted by a restart")
				continue
			}
			e.job.Attempts++
			e.job.StartedAt = nil
			e.job.State = domain.JobPending
			s.markDirty(e)
		}
		s.pushLocked(e)
	}
	s.dispatchLocked()
	out := s.drainLocked()
	s.mu.Unlock()
	s.flush(ctx, out)

	if len(jobs) > 0 {
		s.logger.Info("recovered unfinished jobs", "count", len(jobs))
	}
	return nil
}

// Stop cancels every running job and waits for workers to return.
func (s *JobScheduler) Stop(ctx context.Context) error {
	if s.stop != nil {
		s.stop()
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit admits a job without blocking. It fails with CapacityExceeded when
// every slot is busy, the pending queue is full and the job cannot displace
// a lower-priority pending job.
func (s *JobScheduler) Submit(ctx context.Context, req SubmitRequest) (domain.JobID, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return "", domain.Errorf(domain.KindInvalidArguments, "prompt is empty")
	}
	now := s.now()
	title := req.Title
	if title == "" {
		title = truncateTitle(req.Prompt)
	}
	job := domain.Job{
		ID:             domain.JobID(uuid.New().String()),
		Title:          title,
		Prompt:         req.Prompt,
		Priority:       req.Priority,
		State:          domain.JobPending,
		Creator:        req.Creator,
		CreatedAt:      now,
		UpdatedAt:      now,
		LastProgressAt: now,
		Metadata:       req.Metadata,
	}
	e := &jobEntry{job: job, cancelled: &atomic.Bool{}}

	s.mu.Lock()
	if s.baseCtx == nil || s.baseCtx.Err() != nil {
		s.mu.Unlock()
		return "", errors.New("job scheduler is not running")
	}
	if s.slots.TryAcquire(1) {
		// A free slot implies an empty pending queue.
		s.entries[job.ID] = e
		s.markDirty(e)
		s.startLocked(e)
	} else {
		if s.cfg.MaxPending > 0 && s.pending.Len() >= s.cfg.MaxPending {
			victim := s.displaceableLocked(job.Priority)
			if victim == nil {
				s.mu.Unlock()
				s.logger.Warn("job rejected", "priority", job.Priority, "pending", s.cfg.MaxPending)
				return "", domain.Errorf(domain.KindCapacityExceeded, "all worker slots and the pending queue are full")
			}
			heap.Remove(&s.pending, victim.heapIndex)
			s.failLocked(victim, domain.KindCapacityExceeded, "displaced by a higher-priority job")
			s.logger.Info("pending job displaced", "job_id", victim.job.ID, "by_priority", job.Priority)
		}
		s.entries[job.ID] = e
		s.markDirty(e)
		s.pushLocked(e)
		s.emitLocked(e, domain.EventStatus, domain.StatusPayload{State: domain.JobPending})
	}
	out := s.drainLocked()
	s.mu.Unlock()
	s.flush(ctx, out)

	s.logger.Info("job submitted", "job_id", job.ID, "priority", job.Priority)
	return job.ID, nil
}

// displaceableLocked returns the newest pending job of strictly lower
// priority, if p is allowed to preempt.
func (s *JobScheduler) displaceableLocked(p domain.Priority) *jobEntry {
	if p < s.cfg.PreemptPriority {
		return nil
	}
	var victim *jobEntry
	for _, e := range s.pending {
		if e.job.Priority >= p {
			continue
		}
		if victim == nil || e.job.Priority < victim.job.Priority ||
			(e.job.Priority == victim.job.Priority && e.order > victim.order) {
			victim = e
		}
	}
	return victim
}

// Cancel requests cancellation. Pending jobs are cancelled at once; running
// jobs see the flag at their next step and are torn down after the grace
// period. Cancelling a finished job is a no-op.
func (s *JobScheduler) Cancel(ctx context.Context, id domain.JobID) error {
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok {
		s.mu.Unlock()
		if s.jobs != nil {
			if _, err := s.jobs.GetJob(ctx, id); err == nil {
				return nil
			}
		}
		return domain.ErrJobNotFound
	}

	switch e.job.State {
	case domain.JobPending:
		heap.Remove(&s.pending, e.heapIndex)
		e.job.CancelRequested = true
		s.finishLocked(e, domain.JobCancelled, nil)
	case domain.JobInProgress:
		if !e.job.CancelRequested {
			e.job.CancelRequested = true
			e.cancelled.Store(true)
			s.markDirty(e)
			if s.cfg.CancelGrace > 0 {
				e.grace = time.AfterFunc(s.cfg.CancelGrace, e.cancel)
			} else {
				e.cancel()
			}
			s.emitLocked(e, domain.EventStatus, domain.StatusPayload{State: domain.JobInProgress, Message: "cancellation requested"})
		}
	}
	out := s.drainLocked()
	s.mu.Unlock()
	s.flush(ctx, out)
	return nil
}

// Snapshot returns the job with its derived state.
func (s *JobScheduler) Snapshot(ctx context.Context, id domain.JobID) (domain.Job, error) {
	s.mu.Lock()
	e, ok := s.entries[id]
	var job domain.Job
	if ok {
		job = e.job
	}
	s.mu.Unlock()

	if !ok {
		if s.jobs == nil {
			return domain.Job{}, domain.ErrJobNotFound
		}
		var err error
		if job, err = s.jobs.GetJob(ctx, id); err != nil {
			return domain.Job{}, err
		}
	}
	job.State = job.Status(s.now(), s.cfg.LivenessWindow)
	return job, nil
}

// List returns the jobs held in memory, newest first, with derived state.
func (s *JobScheduler) List() []domain.Job {
	now := s.now()
	s.mu.Lock()
	out := make([]domain.Job, 0, len(s.entries))
	for _, e := range s.entries {
		j := e.job
		j.State = j.Status(now, s.cfg.LivenessWindow)
		out = append(out, j)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Sweep fences every stuck job: its run is cancelled and detached, then
// the job is requeued once or failed with JobStuck.
func (s *JobScheduler) Sweep(ctx context.Context) {
	now := s.now()
	s.mu.Lock()
	for _, e := range s.entries {
		if e.job.Status(now, s.cfg.LivenessWindow) != domain.JobStuck {
			continue
		}
		s.logger.Warn("job stuck", "job_id", e.job.ID, "attempts", e.job.Attempts,
			"silent_for", now.Sub(e.job.LastProgressAt))

		e.runID++
		s.stopRunLocked(e)
		s.slots.Release(1)

		if e.job.Attempts >= s.cfg.MaxRequeues {
			s.failLocked(e, domain.KindJobStuck, "job made no progress within the liveness window")
			continue
		}
		e.job.Attempts++
		e.job.State = domain.JobPending
		e.job.StartedAt = nil
		e.job.LastProgressAt = now
		e.job.UpdatedAt = now
		s.markDirty(e)
		s.pushLocked(e)
		s.emitLocked(e, domain.EventStatus, domain.StatusPayload{State: domain.JobPending, Message: "requeued after stall"})
	}
	s.dispatchLocked()
	out := s.drainLocked()
	s.mu.Unlock()
	s.flush(ctx, out)
}

func (s *JobScheduler) pushLocked(e *jobEntry) {
	s.orderSeq++
	e.order = s.orderSeq
	heap.Push(&s.pending, e)
}

// dispatchLocked starts pending jobs while slots are free.
func (s *JobScheduler) dispatchLocked() {
	for s.pending.Len() > 0 && s.slots.TryAcquire(1) {
		e := heap.Pop(&s.pending).(*jobEntry)
		s.startLocked(e)
	}
}

// startLocked moves e to InProgress. The caller holds a slot for it.
func (s *JobScheduler) startLocked(e *jobEntry) {
	now := s.now()
	e.runID++
	runCtx, cancel := context.WithCancel(s.baseCtx)
	e.cancel = cancel
	e.job.State = domain.JobInProgress
	e.job.StartedAt = &now
	e.job.LastProgressAt = now
	e.job.UpdatedAt = now
	s.markDirty(e)
	s.emitLocked(e, domain.EventStatus, domain.StatusPayload{State: domain.JobInProgress})

	run := &JobRun{scheduler: s, id: e.job.ID, runID: e.runID, job: e.job, cancelled: e.cancelled}
	s.wg.Add(1)
	go s.runJob(runCtx, run)
}

func (s *JobScheduler) runJob(ctx context.Context, run *JobRun) {
	defer s.wg.Done()

	logger := s.logger.With("job_id", run.id, "run", run.runID)
	logger.Info("job started")

	result, err := s.safeRun(ctx, run)
	if err != nil {
		logger.Warn("job ended with error", "kind", domain.KindOf(err), "error", err)
	}
	s.complete(run, result, err)
}

// safeRun keeps a panicking worker from taking the process down.
func (s *JobScheduler) safeRun(ctx context.Context, run *JobRun) (result string, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("worker panicked", "job_id", run.id, "panic", r)
			err = domain.Errorf(domain.KindInternal, "worker crashed")
		}
	}()
	return s.runner.Run(ctx, run)
}

func (s *JobScheduler) complete(run *JobRun, result string, err error) {
	s.mu.Lock()
	e, ok := s.entries[run.id]
	if !ok || e.runID != run.runID || e.job.State != domain.JobInProgress {
		// Fenced by the sweep; the slot was already released.
		s.mu.Unlock()
		return
	}

	switch {
	case s.baseCtx.Err() != nil && err != nil:
		// Shutdown: leave the job IN_PROGRESS so the next start requeues it.
		s.stopRunLocked(e)
		s.mu.Unlock()
		s.slots.Release(1)
		return
	case err == nil && !e.job.CancelRequested:
		s.finishLocked(e, domain.JobCompleted, &result)
	case e.job.CancelRequested || domain.KindOf(err) == domain.KindCancelled:
		s.finishLocked(e, domain.JobCancelled, nil)
	default:
		s.failLocked(e, domain.KindOf(err), domain.PublicMessage(err))
	}
	s.slots.Release(1)
	s.dispatchLocked()
	out := s.drainLocked()
	s.mu.Unlock()
	s.flush(context.WithoutCancel(s.baseCtx), out)
}

func (s *JobScheduler) failLocked(e *jobEntry, kind domain.ErrorKind, reason string) {
	e.job.FailureKind = kind
	e.job.Error = &reason
	s.finishLocked(e, domain.JobFailed, nil)
}

func (s *JobScheduler) finishLocked(e *jobEntry, state domain.JobState, result *string) {
	now := s.now()
	s.stopRunLocked(e)
	e.job.State = state
	e.job.Result = result
	e.job.FinishedAt = &now
	e.job.UpdatedAt = now
	s.markDirty(e)

	payload := domain.StatusPayload{State: state}
	if e.job.Error != nil {
		payload.Message = *e.job.Error
	}
	s.emitLocked(e, domain.EventStatus, payload)
	// Streams end even for a subscriber whose full buffer dropped the
	// terminal event.
	if s.bus != nil {
		s.bus.Close(e.job.ID)
	}

	s.finished = append(s.finished, e.job.ID)
	if len(s.finished) > retainTerminal {
		delete(s.entries, s.finished[0])
		s.finished = s.finished[1:]
	}
}

func (s *JobScheduler) stopRunLocked(e *jobEntry) {
	if e.grace != nil {
		e.grace.Stop()
		e.grace = nil
	}
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
}

// emit records an event from a running worker. Events from a fenced run
// are rejected.
func (s *JobScheduler) emit(run *JobRun, kind domain.EventKind, payload any) error {
	s.mu.Lock()
	e, ok := s.entries[run.id]
	if !ok || e.runID != run.runID || e.job.State != domain.JobInProgress {
		s.mu.Unlock()
		return ErrRunFenced
	}
	e.job.LastProgressAt = s.now()
	s.emitLocked(e, kind, payload)
	out := s.drainLocked()
	s.mu.Unlock()
	s.flush(context.WithoutCancel(s.baseCtx), out)
	return nil
}

// emitLocked assigns the next sequence number and publishes under the lock
// so subscribers see events in order.
func (s *JobScheduler) emitLocked(e *jobEntry, kind domain.EventKind, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error("failed to encode event payload", "job_id", e.job.ID, "kind", kind, "error", err)
		return
	}
	e.seq++
	ev := domain.JobEvent{JobID: e.job.ID, Seq: e.seq, Kind: kind, Payload: raw, Timestamp: s.now()}
	if s.bus != nil {
		s.bus.Publish(ev)
	}
	s.outbox = append(s.outbox, ev)
}

func (s *JobScheduler) markDirty(e *jobEntry) {
	s.dirty = append(s.dirty, e.job)
}

type pendingWrites struct {
	jobs   []domain.Job
	events []domain.JobEvent
}

func (s *JobScheduler) drainLocked() pendingWrites {
	// Collapse repeated writes of the same job to its latest state.
	latest := make(map[domain.JobID]int, len(s.dirty))
	var jobs []domain.Job
	for _, j := range s.dirty {
		if i, seen := latest[j.ID]; seen {
			jobs[i] = j
			continue
		}
		latest[j.ID] = len(jobs)
		jobs = append(jobs, j)
	}
	for i := range jobs {
		if e, ok := s.entries[jobs[i].ID]; ok {
			jobs[i] = e.job
		}
	}
	out := pendingWrites{jobs: jobs, events: s.outbox}
	s.dirty, s.outbox = nil, nil
	return out
}

// flush persists outside the scheduler lock. Persistence failures are
// logged; the in-memory state stays authoritative.
func (s *JobScheduler) flush(ctx context.Context, w pendingWrites) {
	if s.jobs != nil {
		for _, j := range w.jobs {
			if err := s.jobs.SaveJob(ctx, j); err != nil {
				s.logger.Error("failed to persist job", "job_id", j.ID, "error", err)
			}
		}
	}
	if s.events != nil {
		for _, ev := range w.events {
			if err := s.events.SaveJobEvent(ctx, ev); err != nil {
				s.logger.Error("failed to persist job event", "job_id", ev.JobID, "seq", ev.Seq, "error", err)
			}
		}
	}
}

func truncateTitle(prompt string) string {
	title := strings.Join(strings.Fields(prompt), " ")
	if r := []rune(title); len(r) > 60 {
		return string(r[:60]) + "…"
	}
	return title
}

// JobRun is a worker's handle on the job it is running.
type JobRun struct {
	scheduler *JobScheduler
	id        domain.JobID
	runID     uint64
	job       domain.Job
	cancelled *atomic.Bool
}

// Job returns the job as it was when the run started.
func (r *JobRun) Job() domain.Job { return r.job }

// Cancelled reports whether cancellation was requested.
func (r *JobRun) Cancelled() bool { return r.cancelled.Load() }

// Emit appends an event to the job's stream and counts as progress.
func (r *JobRun) Emit(kind domain.EventKind, payload any) error {
	return r.scheduler.emit(r, kind, payload)
}

// pendingQueue is a heap ordered by priority, then submission order.
type pendingQueue []*jobEntry

func (q pendingQueue) Len() int { return len(q) }

func (q pendingQueue) Less(i, j int) bool {
	if q[i].job.Priority != q[j].job.Priority {
		return q[i].job.Priority > q[j].job.Priority
	}
	return q[i].order < q[j].order
}

func (q pendingQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].heapIndex = i
	q[j].heapIndex = j
}

func (q *pendingQueue) Push(x any) {
	e := x.(*jobEntry)
	e.heapIndex = len(*q)
	*q = append(*q, e)
}

func (q *pendingQueue) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.heapIndex = -1
	*q = old[:n-1]
	return e
}
