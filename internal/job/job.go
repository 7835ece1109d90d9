// Package job implements the per-job state machine (spec.md §4.4): a
// Job's lifecycle from QUEUED through its stage pipeline to a terminal
// state, its progress/speed/ETA tracking, and its bounded log tail.
//
// The lifecycle bookkeeping (state/stage/progress/error/warning/log-ring,
// Finish/Abort/AddErr/Snap) is patterned on the teacher's xact.Base /
// XactTCB shape (xact/xs/tcb.go): a small embeddable base that every
// concrete job-like thing in the teacher's tree shares, generalized here
// from aistore's bucket-copy xaction to this spec's write-verify-expand-
// resize-eject pipeline.
package job

import (
	"sync"
	"time"

	"github.com/teris-io/shortid"

	"github.com/flashgrid/flashd/internal/cmn"
)

type State string

const (
	StateQueued    State = "QUEUED"
	StateWriting   State = "WRITING"
	StateVerifying State = "VERIFYING"
	StateExpanding State = "EXPANDING"
	StateResizing  State = "RESIZING"
	StateDone      State = "DONE"
	StateFailed    State = "FAILED"
	StateCancelled State = "CANCELLED"
)

func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed || s == StateCancelled
}

func (s State) Running() bool {
	switch s {
	case StateWriting, StateVerifying, StateExpanding, StateResizing:
		return true
	default:
		return false
	}
}

// Options is the enumerated, all-boolean options bag from spec.md §9.
// Unknown keys are rejected at the HTTP boundary (internal/api), not here.
type Options struct {
	Verify           bool `json:"verify"`
	ExpandPartition  bool `json:"expand_partition"`
	ResizeFilesystem bool `json:"resize_filesystem"`
	EjectAfterDone   bool `json:"eject_after_done"`

	// AllowNonRemovable is the explicit override spec.md §4.7 carves out for
	// its "marked non-removable" rejection reason — every other rejection
	// reason (system disk, mounted) has none.
	AllowNonRemovable bool `json:"allow_non_removable"`
}

// JobError is the §3 `error?` field: stable kind + human message.
type JobError struct {
	Kind    cmn.ErrorKind `json:"kind"`
	Message string        `json:"message"`
}

// CancelToken is the shared, read-many/write-once cancellation primitive
// from spec.md §5/§9, threaded between Scheduler, Job, and the active
// Stage Runner.
type CancelToken struct {
	once sync.Once
	ch   chan struct{}
}

func NewCancelToken() *CancelToken { return &CancelToken{ch: make(chan struct{})} }

func (t *CancelToken) Cancel() { t.once.Do(func() { close(t.ch) }) }

func (t *CancelToken) Done() <-chan struct{} { return t.ch }

func (t *CancelToken) Cancelled() bool {
	select {
	case <-t.ch:
		return true
	default:
		return false
	}
}

// Job is the central entity of spec.md §3.
type Job struct {
	mu sync.Mutex

	id             string
	cellID         string
	devicePath     string
	imageName      string
	options        Options
	creationEpoch  int64

	state   State
	stage   string
	progress float64 // [0,1], monotonic within a stage

	speedBps   float64
	speedKnown bool
	etaSeconds float64
	etaKnown   bool

	// EMA throughput tracking over the active stage, window ~2s per §4.3.
	emaWindow    time.Duration
	lastSampleAt time.Time
	lastBytes    int64
	totalBytes   int64 // residual-bytes basis for ETA; 0 if unknown

	err     *JobError
	warning string

	logs *logRing

	startedAt time.Time
	endedAt   time.Time

	cancel *CancelToken

	retriedFrom string // job_id this job was retried from, if any
}

// New creates a fresh job in QUEUED, bound to one cell, with a frozen
// image name/options (spec.md §3 invariants).
func New(cellID, devicePath, imageName string, opts Options, creationEpoch int64) *Job {
	id, err := shortid.Generate()
	if err != nil {
		// shortid's only failure mode is worker-id exhaustion; fall back
		// to a timestamp-derived id rather than ever leaving a job unidentified.
		id = "job-" + time.Now().Format("20060102T150405.000000000")
	}
	return &Job{
		id:            id,
		cellID:        cellID,
		devicePath:    devicePath,
		imageName:     imageName,
		options:       opts,
		creationEpoch: creationEpoch,
		state:         StateQueued,
		stage:         string(StateQueued),
		logs:          newLogRing(cmn.GCO().LogTailCapacity),
		cancel:        NewCancelToken(),
		emaWindow:     2 * time.Second,
	}
}

// Retry creates a fresh job (new job_id) bound to the same cell/image/
// options, pushed to QUEUED, per spec.md §4.4. The caller is responsible
// for preserving the old job record for history.
func (j *Job) Retry() *Job {
	j.mu.Lock()
	defer j.mu.Unlock()
	nj := New(j.cellID, j.devicePath, j.imageName, j.options, j.creationEpoch)
	nj.retriedFrom = j.id
	return nj
}

func (j *Job) ID() string          { return j.id }
func (j *Job) CellID() string      { return j.cellID }
func (j *Job) DevicePath() string  { return j.devicePath }
func (j *Job) ImageName() string   { return j.imageName }
func (j *Job) Options() Options    { return j.options }
func (j *Job) Cancel() *CancelToken { return j.cancel }

func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// CreationEpoch identifies the (cell_id, creation_epoch) pair used by the
// "exactly one non-terminal job per cell" invariant (§3 invariant iii).
func (j *Job) CreationEpoch() int64 { return j.creationEpoch }

// SetStage transitions the job to a new state/stage and resets progress
// to the stage's baseline, per spec.md §4.4(i)-(ii). baseline is 0 for
// write/verify, 1 for DONE (expand/resize keep whatever
// progress write/verify left, since they operate on the partition table,
// not image bytes — see stage package).
func (j *Job) SetStage(s State) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state.Terminal() {
		return // invariant (i): terminal states are sinks
	}
	j.state = s
	j.stage = string(s)
	switch s {
	case StateWriting, StateVerifying:
		j.progress = 0
		j.lastSampleAt = time.Time{}
		j.lastBytes = 0
		j.speedKnown = false
		j.etaKnown = false
	case StateDone:
		j.progress = 1
	}
	if s == StateWriting && j.startedAt.IsZero() {
		j.startedAt = time.Now()
	}
}

// SetStageTag overrides the human-readable stage tag without changing
// state — used for the transient "ejecting" sub-step that runs inside
// the final transition to DONE (spec.md has no dedicated EJECTING state).
func (j *Job) SetStageTag(tag string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state.Terminal() {
		return
	}
	j.stage = tag
}

// SetTotalBytes records the known/unknown length basis for progress+ETA.
func (j *Job) SetTotalBytes(total int64) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.totalBytes = total
}

// AdvanceBytes reports a new cumulative byte count for the active
// write/verify stage, updates progress (bounded to [0,1]) and the EMA
// throughput/ETA per spec.md §4.3.
func (j *Job) AdvanceBytes(done int64) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state.Terminal() {
		return
	}
	now := time.Now()
	if j.totalBytes > 0 {
		p := float64(done) / float64(j.totalBytes)
		if p < 0 {
			p = 0
		}
		if p > 1 {
			p = 1
		}
		if p > j.progress {
			j.progress = p
		}
	} else {
		// Unknown length: bytes-based heuristic without ETA (spec.md
		// boundary case). progress stays at 0 since it has no denominator.
	}

	if !j.lastSampleAt.IsZero() {
		dt := now.Sub(j.lastSampleAt)
		if dt > 0 {
			inst := float64(done-j.lastBytes) / dt.Seconds()
			alpha := dt.Seconds() / j.emaWindow.Seconds()
			if alpha > 1 {
				alpha = 1
			}
			if j.speedKnown {
				j.speedBps = j.speedBps + alpha*(inst-j.speedBps)
			} else {
				j.speedBps = inst
				j.speedKnown = true
			}
			if j.totalBytes > 0 && j.speedBps > 0 {
				residual := float64(j.totalBytes - done)
				if residual < 0 {
					residual = 0
				}
				j.etaSeconds = residual / j.speedBps
				j.etaKnown = true
			} else {
				j.etaKnown = false
			}
		}
	}
	j.lastSampleAt = now
	j.lastBytes = done
}

// Log appends one line to the job's bounded log tail.
func (j *Job) Log(line string) { j.logs.push(line) }

// LogLines appends multiple lines to the log tail, in order.
func (j *Job) LogLines(lines []string) { j.logs.pushAll(lines) }

// Warn attaches a non-fatal warning (§7): the job continues.
func (j *Job) Warn(msg string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.warning == "" {
		j.warning = msg
	} else {
		j.warning = j.warning + "; " + msg
	}
}

// Fail transitions the job to FAILED with a stable kind + message. Fatal
// per §7 local-vs-surface policy for anything other than expand/resize.
func (j *Job) Fail(kind cmn.ErrorKind, msg string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state.Terminal() {
		return
	}
	j.state = StateFailed
	j.stage = string(StateFailed)
	j.err = &JobError{Kind: kind, Message: msg}
	j.endedAt = time.Now()
}

// MarkCancelled transitions the job to CANCELLED, preserving whatever
// progress had been reached (§8 boundary: "CANCELLED shows the final
// progress percentage").
func (j *Job) MarkCancelled() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state.Terminal() {
		return
	}
	j.state = StateCancelled
	j.stage = string(StateCancelled)
	j.endedAt = time.Now()
}

// MarkDone transitions the job to DONE.
func (j *Job) MarkDone() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state.Terminal() {
		return
	}
	j.state = StateDone
	j.stage = string(StateDone)
	j.progress = 1
	j.endedAt = time.Now()
}

// NextAfterWrite/NextAfterVerify/NextAfterExpand compute the next pipeline
// state per the options-dependent branching of spec.md §4.4. Eject is not
// a distinct state (see SetStageTag); it runs as a side effect right
// before the final transition to DONE, handled by the scheduler/runner
// driver, not here.
func (j *Job) NextAfterWrite() State {
	o := j.options
	switch {
	case o.Verify:
		return StateVerifying
	case o.ExpandPartition:
		return StateExpanding
	case o.ResizeFilesystem:
		return StateResizing
	default:
		return StateDone
	}
}

func (j *Job) NextAfterVerify() State {
	o := j.options
	switch {
	case o.ExpandPartition:
		return StateExpanding
	case o.ResizeFilesystem:
		return StateResizing
	default:
		return StateDone
	}
}

func (j *Job) NextAfterExpand() State {
	if j.options.ResizeFilesystem {
		return StateResizing
	}
	return StateDone
}

func (j *Job) NextAfterResize() State { return StateDone }

// Snapshot is the immutable §3 view of a Job handed to the Event Bus and
// the HTTP layer. The Event Bus holds only these (or job IDs), never the
// live *Job, so it cannot extend a job's lifetime (spec.md §3 ownership).
type Snapshot struct {
	JobID      string    `json:"job_id"`
	CellID     string    `json:"cell_id"`
	DevicePath string    `json:"device_path"`
	ImageName  string    `json:"image_name"`
	Options    Options   `json:"options"`
	State      State     `json:"state"`
	Stage      string    `json:"stage"`
	Progress   float64   `json:"progress"`
	SpeedBps   *float64  `json:"speed_bps,omitempty"`
	ETASeconds *float64  `json:"eta_seconds,omitempty"`
	Error      *JobError `json:"error,omitempty"`
	Warning    string    `json:"warning,omitempty"`
	LogTail    []string  `json:"log_tail,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
}

// Snap returns a point-in-time, race-free copy of the job's public state.
// Named Snap() to match the teacher's xact.Snap() idiom (xact/xs/tcb.go).
func (j *Job) Snap() Snapshot {
	j.mu.Lock()
	defer j.mu.Unlock()
	s := Snapshot{
		JobID:      j.id,
		CellID:     j.cellID,
		DevicePath: j.devicePath,
		ImageName:  j.imageName,
		Options:    j.options,
		State:      j.state,
		Stage:      j.stage,
		Progress:   j.progress,
		Error:      j.err,
		Warning:    j.warning,
	}
	if j.speedKnown {
		v := j.speedBps
		s.SpeedBps = &v
	}
	if j.etaKnown {
		v := j.etaSeconds
		s.ETASeconds = &v
	}
	if !j.startedAt.IsZero() {
		t := j.startedAt
		s.StartedAt = &t
	}
	if !j.endedAt.IsZero() {
		t := j.endedAt
		s.EndedAt = &t
	}
	return s
}

// SnapWithLog is Snap plus the full log tail, for GET /api/jobs/{id}.
func (j *Job) SnapWithLog() Snapshot {
	s := j.Snap()
	s.LogTail = j.logs.snapshot()
	return s
}
