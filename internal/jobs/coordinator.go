package jobs

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// RunFunc is the refresh pipeline executed by a job. It reports progress
// through the tracker and returns when the refresh is done or abandoned.
type RunFunc func(ctx context.Context, tracker *Tracker) error

// CoordinatorConfig configures job lifecycle thresholds.
type CoordinatorConfig struct {
	StallThreshold  time.Duration
	MaxPersistedAge time.Duration
}

// Coordinator owns the in-memory registry of refresh jobs, runs their
// pipelines in the background, and mirrors job state to the state store
// so a restarted process can re-attach.
type Coordinator struct {
	mu    sync.Mutex
	jobs  map[string]*trackedJob
	store StateStore

	logger          *zap.Logger
	stallThreshold  time.Duration
	maxPersistedAge time.Duration

	// Now is injected for testability.
	Now func() time.Time
}

type trackedJob struct {
	job             RefreshJob
	cancelRequested bool
	done            chan struct{}
}

// NewCoordinator creates a job coordinator.
func NewCoordinator(store StateStore, logger *zap.Logger, cfg CoordinatorConfig) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.StallThreshold <= 0 {
		cfg.StallThreshold = DefaultStallThreshold
	}
	if cfg.MaxPersistedAge <= 0 {
		cfg.MaxPersistedAge = DefaultMaxPersistedAge
	}
	return &Coordinator{
		jobs:            make(map[string]*trackedJob),
		store:           store,
		logger:          logger,
		stallThreshold:  cfg.StallThreshold,
		maxPersistedAge: cfg.MaxPersistedAge,
		Now:             time.Now,
	}
}

// Restore re-attaches to a persisted job record after a restart. Records
// older than the persisted-age limit are cleared instead of restored.
func (c *Coordinator) Restore(ctx context.Context) {
	if c.store == nil {
		return
	}
	state, found, err := c.store.Load(ctx)
	if err != nil {
		c.logger.Warn("failed to load persisted job state", zap.Error(err))
		return
	}
	if !found {
		return
	}
	if c.Now().Sub(state.Timestamp) > c.maxPersistedAge {
		c.logger.Info("discarding expired job state",
			zap.String("job_id", state.Job.ID),
			zap.Time("persisted_at", state.Timestamp))
		_ = c.store.Clear(ctx)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	tracked := &trackedJob{job: state.Job, done: make(chan struct{})}
	close(tracked.done)
	c.jobs[state.Job.ID] = tracked
	c.logger.Info("re-attached to persisted job",
		zap.String("job_id", state.Job.ID),
		zap.String("status", string(state.Job.Status)))
}

// Start allocates a new refresh job and runs the pipeline in the
// background. The pipeline outlives the caller's request context.
func (c *Coordinator) Start(ctx context.Context, params Params, run RunFunc) RefreshJob {
	now := c.Now()
	job := RefreshJob{
		ID:        newJobID(),
		Status:    StatusStarted,
		Message:   "Refresh started",
		StartedAt: now,
		UpdatedAt: now,
		Params:    params,
	}
	tracked := &trackedJob{job: job, done: make(chan struct{})}

	c.mu.Lock()
	c.jobs[job.ID] = tracked
	c.mu.Unlock()
	c.persist(ctx, job)

	runCtx := context.WithoutCancel(ctx)
	go c.runJob(runCtx, tracked, run)

	return job
}

func (c *Coordinator) runJob(ctx context.Context, tracked *trackedJob, run RunFunc) {
	defer close(tracked.done)

	tracker := &Tracker{coordinator: c, jobID: tracked.job.ID}
	err := run(ctx, tracker)

	c.mu.Lock()
	now := c.Now()
	switch {
	case tracked.job.Status == StatusCancelled:
		// Cancellation already recorded; the pipeline just drained.
	case err != nil:
		if tracked.job.canTransitionTo(StatusFailed) {
			tracked.job.Status = StatusFailed
			tracked.job.Error = err.Error()
			tracked.job.Message = "Refresh failed"
			tracked.job.UpdatedAt = now
			tracked.job.CompletedAt = now
		}
	default:
		if tracked.job.canTransitionTo(StatusCompleted) {
			tracked.job.Status = StatusCompleted
			tracked.job.Message = "Refresh completed"
			tracked.job.UpdatedAt = now
			tracked.job.CompletedAt = now
		}
	}
	snapshot := tracked.job
	c.mu.Unlock()

	if err != nil {
		c.logger.Warn("refresh job finished with error", zap.String("job_id", snapshot.ID), zap.Error(err))
	} else {
		c.logger.Info("refresh job finished", zap.String("job_id", snapshot.ID), zap.String("status", string(snapshot.Status)))
	}
	c.persist(ctx, snapshot)
}

// CheckStatus returns the current snapshot of a job. A running job whose
// heartbeat stopped past the stall threshold is flipped to failed so
// callers have a reason to stop polling. Terminal jobs past the
// persisted-age limit are dropped.
func (c *Coordinator) CheckStatus(ctx context.Context, jobID string) (RefreshJob, bool) {
	c.mu.Lock()
	tracked, ok := c.jobs[jobID]
	if !ok {
		c.mu.Unlock()
		return RefreshJob{}, false
	}

	now := c.Now()
	if tracked.job.IsTerminal() && now.Sub(tracked.job.UpdatedAt) > c.maxPersistedAge {
		delete(c.jobs, jobID)
		c.mu.Unlock()
		_ = c.clearPersisted(ctx, jobID)
		return RefreshJob{}, false
	}

	stalled := false
	if tracked.job.IsStalled(now, c.stallThreshold) {
		tracked.job.Status = StatusFailed
		tracked.job.Error = "job stalled: no progress within the stall threshold"
		tracked.job.Message = "Refresh stalled"
		tracked.job.UpdatedAt = now
		tracked.job.CompletedAt = now
		stalled = true
	}
	snapshot := c.snapshotLocked(tracked, now)
	c.mu.Unlock()

	if stalled {
		c.logger.Warn("marked stalled job as failed", zap.String("job_id", jobID))
		c.persist(ctx, snapshot)
	}
	return snapshot, true
}

// Cancel requests cooperative cancellation. The job flips to cancelled
// immediately; the pipeline finishes its in-flight repository and drains.
// Cancelling an already terminal job reports false.
func (c *Coordinator) Cancel(ctx context.Context, jobID string) (RefreshJob, bool) {
	c.mu.Lock()
	tracked, ok := c.jobs[jobID]
	if !ok || !tracked.job.canTransitionTo(StatusCancelled) {
		c.mu.Unlock()
		return RefreshJob{}, false
	}

	now := c.Now()
	tracked.cancelRequested = true
	tracked.job.Status = StatusCancelled
	tracked.job.Message = "Refresh cancelled"
	tracked.job.UpdatedAt = now
	tracked.job.CancelledAt = now
	snapshot := c.snapshotLocked(tracked, now)
	c.mu.Unlock()

	c.logger.Info("cancelled refresh job", zap.String("job_id", jobID))
	c.persist(ctx, snapshot)
	return snapshot, true
}

// Acknowledge removes a terminal job from the registry and clears the
// persisted record. Running jobs cannot be acknowledged.
func (c *Coordinator) Acknowledge(ctx context.Context, jobID string) bool {
	c.mu.Lock()
	tracked, ok := c.jobs[jobID]
	if !ok || tracked.job.IsRunning() {
		c.mu.Unlock()
		return false
	}
	delete(c.jobs, jobID)
	c.mu.Unlock()

	_ = c.clearPersisted(ctx, jobID)
	return true
}

// Wait blocks until the job's pipeline goroutine drains. It exists for
// tests and graceful shutdown; polling callers never need it.
func (c *Coordinator) Wait(jobID string) {
	c.mu.Lock()
	tracked, ok := c.jobs[jobID]
	c.mu.Unlock()
	if ok {
		<-tracked.done
	}
}

func (c *Coordinator) snapshotLocked(tracked *trackedJob, now time.Time) RefreshJob {
	snapshot := tracked.job
	end := now
	if !snapshot.CompletedAt.IsZero() {
		end = snapshot.CompletedAt
	} else if !snapshot.CancelledAt.IsZero() {
		end = snapshot.CancelledAt
	}
	snapshot.ElapsedSeconds = end.Sub(snapshot.StartedAt).Seconds()
	return snapshot
}

func (c *Coordinator) persist(ctx context.Context, job RefreshJob) {
	if c.store == nil {
		return
	}
	state := PersistedState{Job: job, ShowStatus: job.IsRunning(), Timestamp: c.Now()}
	if err := c.store.Save(ctx, state); err != nil {
		c.logger.Warn("failed to persist job state", zap.String("job_id", job.ID), zap.Error(err))
	}
}

func (c *Coordinator) clearPersisted(ctx context.Context, jobID string) error {
	if c.store == nil {
		return nil
	}
	state, found, err := c.store.Load(ctx)
	if err != nil || !found || state.Job.ID != jobID {
		return err
	}
	return c.store.Clear(ctx)
}

// Tracker is the progress handle handed to a running pipeline.
type Tracker struct {
	coordinator *Coordinator
	jobID       string
}

// Step records pipeline progress. The first step moves the job from
// started to processing; steps on a terminal job are dropped.
func (t *Tracker) Step(message string, percent int) {
	c := t.coordinator

	c.mu.Lock()
	tracked, ok := c.jobs[t.jobID]
	if !ok || tracked.job.IsTerminal() {
		c.mu.Unlock()
		return
	}
	now := c.Now()
	if tracked.job.canTransitionTo(StatusProcessing) {
		tracked.job.Status = StatusProcessing
	}
	tracked.job.Message = message
	tracked.job.UpdatedAt = now
	if percent >= 0 {
		p := percent
		tracked.job.Progress = &p
	}
	snapshot := c.snapshotLocked(tracked, now)
	c.mu.Unlock()

	c.persist(context.Background(), snapshot)
}

// Cancelled reports whether cancellation was requested. Pipelines check
// it between repositories so the in-flight one finishes cleanly.
func (t *Tracker) Cancelled() bool {
	c := t.coordinator
	c.mu.Lock()
	defer c.mu.Unlock()
	tracked, ok := c.jobs[t.jobID]
	return ok && tracked.cancelRequested
}
