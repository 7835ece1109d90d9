// Package scheduler implements the Batch Scheduler (spec.md §4.5): a
// FIFO admission queue feeding a concurrency-capped pool of job runners,
// one goroutine per admitted job, with per-device mutual exclusion and
// cancel-all/retry-failed batch operations.
//
// The dispatch-loop-plus-abort-channel-map shape is grounded on the
// teacher pack's downloader/dispatcher.go: a single loop goroutine reads
// off an admission channel and hands work to workers, while a map of
// per-job abort channels lets Abort() reach a specific in-flight job
// without tearing down the whole scheduler. This package generalizes that
// shape from per-mountpath joggers to a single semaphore-bounded pool,
// since flashd's unit of parallelism is "how many dd's run at once", not
// "which mountpath owns this job".
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/flashgrid/flashd/internal/cmn"
	"github.com/flashgrid/flashd/internal/cmn/nlog"
	"github.com/flashgrid/flashd/internal/eventbus"
	"github.com/flashgrid/flashd/internal/image"
	"github.com/flashgrid/flashd/internal/job"
	"github.com/flashgrid/flashd/internal/metrics"
	"github.com/flashgrid/flashd/internal/safety"
	"github.com/flashgrid/flashd/internal/stage"
)

// Batch is the §3 Batch value object: a submitted group of jobs sharing
// one image and options, admitted together.
type Batch struct {
	ID   string
	Jobs []*job.Job
}

// Scheduler owns the admission queue, the concurrency cap, and the set of
// jobs it knows about (for status/cancel/retry lookups), per spec.md §4.5.
type Scheduler struct {
	sem *semaphore.Weighted

	resolver *image.Resolver
	gate     *safety.Gate
	bus      *eventbus.Bus

	admitCh chan *job.Job

	mu          sync.RWMutex
	jobs        map[string]*job.Job // job_id -> job
	batches     map[string]*Batch   // batch_id -> batch
	byDevice    map[string]string   // device_path -> job_id of the job currently running on it
	byCell      map[string]string   // cell_id -> job_id of its active (non-terminal) job
	concurrency int64
	lastBatchID string // most recently submitted batch, for the ID-less /api/batch/retry

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// maxConcurrency is the upper bound SetConcurrency can raise the cap to.
const maxConcurrency int64 = 1 << 16

// New builds a Scheduler with the given initial concurrency cap (spec.md
// §4.5: "configurable, default small, e.g. 2-4").
func New(resolver *image.Resolver, gate *safety.Gate, bus *eventbus.Bus, concurrency int) *Scheduler {
	if concurrency <= 0 {
		concurrency = cmn.GCO().DefaultConcurrency
	}
	if int64(concurrency) > maxConcurrency {
		concurrency = int(maxConcurrency)
	}
	// The semaphore is sized at maxConcurrency with the unused headroom held
	// back, so SetConcurrency can grow the cap by releasing permits.
	sem := semaphore.NewWeighted(maxConcurrency)
	sem.TryAcquire(maxConcurrency - int64(concurrency))
	s := &Scheduler{
		sem:         sem,
		resolver:    resolver,
		gate:        gate,
		bus:         bus,
		admitCh:     make(chan *job.Job, 256),
		jobs:        make(map[string]*job.Job),
		batches:     make(map[string]*Batch),
		byDevice:    make(map[string]string),
		byCell:      make(map[string]string),
		concurrency: int64(concurrency),
		stopCh:      make(chan struct{}),
	}
	return s
}

// Run drives the admission loop until ctx is cancelled or Stop is called.
// One call to Run per Scheduler, started by cmd/flashd's main.
func (s *Scheduler) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			s.drain()
			return
		case <-s.stopCh:
			s.drain()
			return
		case j := <-s.admitCh:
			s.admitOne(ctx, j)
		}
	}
}

// Stop requests the admission loop to exit after the in-flight pass; it
// does not cancel already-running jobs (use CancelAll for that).
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// Wait blocks until every admitted runner goroutine has returned.
func (s *Scheduler) Wait() { s.wg.Wait() }

func (s *Scheduler) drain() {
	for {
		select {
		case j := <-s.admitCh:
			nlog.Warnf("scheduler: draining unstarted job %s on stop", j.ID())
			j.Fail(cmn.ErrCancelled, "scheduler stopped before admission")
			s.releaseDevice(j)
			s.publish(j)
		default:
			return
		}
	}
}

// SubmitBatch validates and enqueues one job per device in devicePaths,
// all sharing imageName/opts, per spec.md §4.5's batch submission. A
// device already bound to an active job does not reject the new job: it
// is admitted FIFO and the admission loop waits for the device to free
// (spec.md §5's default). The one rejection spec.md §5 does call for is
// a genuine cell_id collision — the same cell already has a non-terminal
// job — since two jobs can never legitimately share one cell_id.
func (s *Scheduler) SubmitBatch(batchID string, cellIDs, devicePaths []string, imageName string, opts job.Options, creationEpoch int64) (*Batch, error) {
	if _, err := s.resolver.Describe(imageName); err != nil {
		return nil, err
	}
	if len(cellIDs) != len(devicePaths) {
		return nil, cmn.NewError("scheduler.submit", cmn.ErrInternal, "cell_ids and device_paths length mismatch")
	}

	b := &Batch{ID: batchID}
	for i, dp := range devicePaths {
		cellID := cellIDs[i]

		s.mu.RLock()
		existing, cellBusy := s.byCell[cellID]
		s.mu.RUnlock()
		if cellBusy {
			j := job.New(cellID, dp, imageName, opts, creationEpoch)
			j.Fail(cmn.ErrDeviceStateChanged, fmt.Sprintf("cell %s already has an active job %s", cellID, existing))
			s.registerJob(j, b)
			b.Jobs = append(b.Jobs, j)
			s.publish(j)
			continue
		}

		if err := s.gate.VerifyWritable(dp, opts.AllowNonRemovable); err != nil {
			j := job.New(cellID, dp, imageName, opts, creationEpoch)
			j.Fail(cmn.ErrPreflightRejected, err.Error())
			s.registerJob(j, b)
			b.Jobs = append(b.Jobs, j)
			s.publish(j)
			continue
		}

		j := job.New(cellID, dp, imageName, opts, creationEpoch)
		s.registerJob(j, b)
		b.Jobs = append(b.Jobs, j)
		s.enqueue(j)
	}

	s.mu.Lock()
	s.batches[batchID] = b
	s.lastBatchID = batchID
	s.mu.Unlock()
	return b, nil
}

func (s *Scheduler) registerJob(j *job.Job, b *Batch) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[j.ID()] = j
	if j.State() != job.StateFailed {
		s.byCell[j.CellID()] = j.ID()
	}
}

// claimDevice attempts to become the sole active job for j's device_path,
// succeeding only if no other job currently owns it. This, not the
// admission-time check in SubmitBatch, is the actual point of per-device
// mutual exclusion: a device busy at submission never rejects the job,
// it just can't claimDevice until the prior owner releases it.
func (s *Scheduler) claimDevice(j *job.Job) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.byDevice[j.DevicePath()]; busy {
		return false
	}
	s.byDevice[j.DevicePath()] = j.ID()
	return true
}

func (s *Scheduler) enqueue(j *job.Job) {
	s.publish(j)
	metrics.QueueDepth.Inc()
	s.admitCh <- j
}

func (s *Scheduler) admitOne(ctx context.Context, j *job.Job) {
	metrics.QueueDepth.Dec()
	if j.Cancel().Cancelled() {
		j.MarkCancelled()
		s.releaseDevice(j)
		s.publish(j)
		return
	}

	// Wait for the device to free if an earlier job still owns it (spec.md
	// §5: "the later job is deferred, not rejected"). This blocks the
	// admission loop exactly the way semaphore acquisition below already
	// does — both are the FIFO's own backpressure, not head-of-line bugs.
	poll := time.NewTicker(cmn.GCO().CancelPollInterval)
	defer poll.Stop()
	for !s.claimDevice(j) {
		select {
		case <-ctx.Done():
			j.MarkCancelled()
			s.releaseDevice(j)
			s.publish(j)
			return
		case <-j.Cancel().Done():
			j.MarkCancelled()
			s.releaseDevice(j)
			s.publish(j)
			return
		case <-poll.C:
		}
	}

	if err := s.sem.Acquire(ctx, 1); err != nil {
		// ctx was cancelled while queued; the job never ran.
		j.MarkCancelled()
		s.releaseDevice(j)
		s.publish(j)
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.sem.Release(1)
		defer s.releaseDevice(j)
		runJob(ctx, j, s.resolver, s.gate, s.bus)
	}()
}

func (s *Scheduler) releaseDevice(j *job.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.byDevice[j.DevicePath()] == j.ID() {
		delete(s.byDevice, j.DevicePath())
	}
	if s.byCell[j.CellID()] == j.ID() {
		delete(s.byCell, j.CellID())
	}
}

func (s *Scheduler) publish(j *job.Job) {
	if s.bus != nil {
		s.bus.PublishJob(j.Snap())
	}
}

// SetConcurrency resizes the pool's admission cap without preempting
// already-running jobs (spec.md §4.5: "can be changed at runtime; takes
// effect for newly admitted jobs"). Shrinking blocks new admissions until
// enough running jobs finish to bring the cap down; growing releases the
// extra permits immediately.
func (s *Scheduler) SetConcurrency(n int) {
	if int64(n) > maxConcurrency {
		n = int(maxConcurrency)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delta := int64(n) - s.concurrency
	switch {
	case delta > 0:
		s.sem.Release(delta)
	case delta < 0:
		// Reserve the shrink amount for ourselves; this blocks until enough
		// capacity frees up, so do it in the background rather than under
		// the lock held by callers expecting SetConcurrency to return fast.
		go func(n int64) {
			_ = s.sem.Acquire(context.Background(), n)
		}(-delta)
	}
	s.concurrency = int64(n)
}

// CancelAll signals every non-terminal job's cancel token, per spec.md
// §4.5's batch-level cancel-all.
func (s *Scheduler) CancelAll() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, j := range s.jobs {
		if !j.State().Terminal() {
			j.Cancel().Cancel()
		}
	}
}

// CancelJob signals a single job's cancel token.
func (s *Scheduler) CancelJob(jobID string) error {
	s.mu.RLock()
	j, ok := s.jobs[jobID]
	s.mu.RUnlock()
	if !ok {
		return cmn.NewError("scheduler.cancel", cmn.ErrImageNotFound, "no such job: "+jobID)
	}
	j.Cancel().Cancel()
	return nil
}

// LastBatchID returns the most recently submitted batch's ID, for the
// ID-less POST /api/batch/retry endpoint (spec.md §6).
func (s *Scheduler) LastBatchID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastBatchID
}

// RetryFailed resubmits every FAILED job in a batch as a fresh job bound
// to the same device, per spec.md §4.4's Retry operation. A FAILED job
// whose cell already has a non-terminal job is skipped.
func (s *Scheduler) RetryFailed(batchID string) ([]*job.Job, error) {
	s.mu.Lock()
	b, ok := s.batches[batchID]
	if !ok {
		s.mu.Unlock()
		return nil, cmn.NewError("scheduler.retry", cmn.ErrImageNotFound, "no such batch: "+batchID)
	}
	var toRetry []*job.Job
	for _, j := range b.Jobs {
		if j.State() == job.StateFailed {
			toRetry = append(toRetry, j)
		}
	}
	s.mu.Unlock()

	var fresh []*job.Job
	for _, old := range toRetry {
		s.mu.RLock()
		_, busy := s.byCell[old.CellID()]
		s.mu.RUnlock()
		if busy {
			continue
		}
		nj := old.Retry()
		s.registerJob(nj, b)
		s.mu.Lock()
		b.Jobs = append(b.Jobs, nj)
		s.mu.Unlock()
		s.enqueue(nj)
		fresh = append(fresh, nj)
	}
	return fresh, nil
}

// EjectDevice runs the eject stage once, out of band from any job, for
// the HTTP layer's POST /api/cells/{id}/eject (spec.md §6). It is
// rejected while the device still has a non-terminal job bound to it.
func (s *Scheduler) EjectDevice(ctx context.Context, devicePath string) error {
	s.mu.RLock()
	busy := false
	for _, j := range s.jobs {
		if j.DevicePath() == devicePath && !j.State().Terminal() {
			busy = true
			break
		}
	}
	s.mu.RUnlock()
	if busy {
		return cmn.NewError("scheduler.eject", cmn.ErrDeviceStateChanged, "device has an active job: "+devicePath)
	}
	if err := s.gate.VerifyWritable(devicePath, false); err != nil {
		return err
	}
	o := stageEject(ctx, devicePath)
	if o.Result != stage.ResultSuccess && o.Err != nil {
		return cmn.WrapError("scheduler.eject", o.Kind, o.Err)
	}
	return nil
}

// Job looks up a job by ID for the HTTP layer's GET /api/jobs/{id}.
func (s *Scheduler) Job(jobID string) (*job.Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[jobID]
	return j, ok
}

// Batch looks up a batch by ID.
func (s *Scheduler) Batch(batchID string) (*Batch, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.batches[batchID]
	return b, ok
}

// ListJobs returns a snapshot slice of every known job, for GET /api/jobs.
func (s *Scheduler) ListJobs() []*job.Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*job.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j)
	}
	return out
}
