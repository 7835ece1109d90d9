package scheduler

import (
	"context"
	"time"

	"github.com/flashgrid/flashd/internal/cmn"
	"github.com/flashgrid/flashd/internal/cmn/nlog"
	"github.com/flashgrid/flashd/internal/eventbus"
	"github.com/flashgrid/flashd/internal/image"
	"github.com/flashgrid/flashd/internal/job"
	"github.com/flashgrid/flashd/internal/metrics"
	"github.com/flashgrid/flashd/internal/safety"
	"github.com/flashgrid/flashd/internal/stage"
)

// busSink adapts a *job.Job into a stage.ProgressSink that also forwards
// log lines to the event bus's coalescing buffer, so SSE subscribers see
// job_log events without the stage runners needing to know the bus exists,
// and tracks cumulative bytes written for the bytes_written_total metric.
type busSink struct {
	j         *job.Job
	bus       *eventbus.Bus
	lastBytes *int64 // shared with the write stage only
}

func (s busSink) AdvanceBytes(done int64) {
	s.j.AdvanceBytes(done)
	if s.lastBytes != nil {
		if delta := done - *s.lastBytes; delta > 0 {
			metrics.BytesWritten.WithLabelValues(s.j.DevicePath()).Add(float64(delta))
		}
		*s.lastBytes = done
	}
}
func (s busSink) SetTotalBytes(total int64) { s.j.SetTotalBytes(total) }
func (s busSink) Log(line string) {
	s.j.Log(line)
	if s.bus != nil {
		s.bus.PublishLog(s.j.ID(), line)
	}
}

// runJob drives one job through its stage pipeline (spec.md §4.4): write,
// then the options-dependent chain of verify/expand/resize, then an
// optional eject, ending in DONE/FAILED/CANCELLED. It is the one place
// that threads a Job's cancel token through every stage runner.
func runJob(ctx context.Context, j *job.Job, resolver *image.Resolver, gate *safety.Gate, bus *eventbus.Bus) {
	metrics.ActiveJobs.Inc()
	defer metrics.ActiveJobs.Dec()

	var writtenBytes int64
	sink := busSink{j: j, bus: bus, lastBytes: &writtenBytes}
	publish := func() {
		if bus != nil {
			bus.PublishJob(j.Snap())
		}
	}

	// Re-verify the device is still writable immediately before the
	// destructive write stage starts (spec.md §4.5): a device admitted
	// minutes ago may have been remounted, or replaced by a different
	// drive reusing the same kernel name, while it sat in the queue.
	if !reverifyGate(gate, j, publish) {
		return
	}

	desc, err := resolver.Describe(j.ImageName())
	if err != nil {
		j.Fail(cmn.KindOf(err), err.Error())
		publish()
		return
	}

	stream, err := resolver.Open(desc)
	if err != nil {
		j.Fail(cmn.KindOf(err), err.Error())
		publish()
		return
	}
	defer stream.Close()

	j.SetStage(job.StateWriting)
	publish()

	w := stage.Write{}
	started := time.Now()
	outcome, digest := w.Run(ctx, stage.WriteParams{
		DevicePath: j.DevicePath(),
		Image:      desc,
		Stream:     stream,
	}, sink, j.Cancel())
	recordStage("write", started, outcome)
	if !finishOrAdvance(j, outcome, publish) {
		return
	}
	desc.Digest = digest

	state := j.NextAfterWrite()
	for state != job.StateDone {
		j.SetStage(state)
		publish()

		// Stage boundary: re-consult the Safety Gate before verify/expand/
		// resize, same reasoning as the pre-write check above (spec.md §4.7
		// (iii)).
		if !reverifyGate(gate, j, publish) {
			return
		}

		var o stage.Outcome
		stageStarted := time.Now()
		switch state {
		case job.StateVerifying:
			o = stage.Verify{}.Run(ctx, stage.VerifyParams{
				DevicePath:  j.DevicePath(),
				ImageDigest: desc.Digest,
				Length:      desc.UncompressedBytes,
			}, sink, j.Cancel())
			recordStage("verify", stageStarted, o)
			if !finishOrAdvance(j, o, publish) {
				return
			}
			state = j.NextAfterVerify()
		case job.StateExpanding:
			o = stage.Expand{}.Run(ctx, stage.ExpandParams{DevicePath: j.DevicePath()}, sink, j.Cancel())
			recordStage("expand", stageStarted, o)
			applyWarningOutcome(j, o)
			if !finishOrAdvance(j, o, publish) {
				return
			}
			state = j.NextAfterExpand()
		case job.StateResizing:
			o = stage.Resize{}.Run(ctx, stage.ResizeParams{DevicePath: j.DevicePath()}, sink, j.Cancel())
			recordStage("resize", stageStarted, o)
			applyWarningOutcome(j, o)
			if !finishOrAdvance(j, o, publish) {
				return
			}
			state = j.NextAfterResize()
		}
	}

	if j.Options().EjectAfterDone {
		j.SetStageTag("ejecting")
		publish()
		if !reverifyGate(gate, j, publish) {
			return
		}
		ejectStarted := time.Now()
		o := stage.Eject{}.Run(ctx, stage.EjectParams{DevicePath: j.DevicePath()}, sink, j.Cancel())
		recordStage("eject", ejectStarted, o)
		applyWarningOutcome(j, o)
		if o.Result == stage.ResultCancelled {
			j.MarkCancelled()
			metrics.JobsCompleted.WithLabelValues(string(job.StateCancelled)).Inc()
			publish()
			return
		}
	}

	j.MarkDone()
	metrics.JobsCompleted.WithLabelValues(string(job.StateDone)).Inc()
	publish()
}

// reverifyGate re-consults the Safety Gate at a stage boundary (spec.md
// §4.7 (ii)/(iii)), failing the job with DeviceStateChanged rather than
// PreflightRejected: the device passed admission already, so a rejection
// here means something about it changed in the meantime, not that it was
// never eligible.
func reverifyGate(gate *safety.Gate, j *job.Job, publish func()) bool {
	if gate == nil {
		return true
	}
	if err := gate.VerifyWritable(j.DevicePath(), j.Options().AllowNonRemovable); err != nil {
		j.Fail(cmn.ErrDeviceStateChanged, err.Error())
		publish()
		return false
	}
	return true
}

// recordStage updates the stage_duration_seconds histogram and, on a true
// failure (not a warning-downgraded success), the stage_failures_total
// counter, for every stage invocation.
func recordStage(stageName string, started time.Time, o stage.Outcome) {
	metrics.StageDuration.WithLabelValues(stageName).Observe(time.Since(started).Seconds())
	if o.Result == stage.ResultFailure {
		metrics.StageFailures.WithLabelValues(stageName, string(o.Kind)).Inc()
	}
}

// finishOrAdvance applies a terminal Cancelled/Failure outcome to the job
// and reports whether the pipeline should continue (true) or has already
// reached a terminal state (false).
func finishOrAdvance(j *job.Job, o stage.Outcome, publish func()) bool {
	switch o.Result {
	case stage.ResultCancelled:
		j.MarkCancelled()
		metrics.JobsCompleted.WithLabelValues(string(job.StateCancelled)).Inc()
		publish()
		return false
	case stage.ResultFailure:
		msg := string(o.Kind)
		if o.Err != nil {
			msg = o.Err.Error()
		}
		j.Fail(o.Kind, msg)
		metrics.JobsCompleted.WithLabelValues(string(job.StateFailed)).Inc()
		publish()
		return false
	default:
		return true
	}
}

// applyWarningOutcome attaches a warning for an expand/resize/eject stage
// that was downgraded from Failure to Success by the stage runner itself
// (spec.md §7: these never fail the job outright).
func applyWarningOutcome(j *job.Job, o stage.Outcome) {
	if o.Result == stage.ResultSuccess && o.Err != nil {
		j.Warn(o.Err.Error())
		nlog.Warnf("job %s: stage warning: %v", j.ID(), o.Err)
	}
}

// discardSink is a stage.ProgressSink that throws everything away, used
// by the standalone eject invoked outside of any job's pipeline.
type discardSink struct{}

func (discardSink) AdvanceBytes(int64)  {}
func (discardSink) SetTotalBytes(int64) {}
func (discardSink) Log(string)          {}

// stageEject runs the eject stage on its own, outside any job (spec.md
// §6's POST /api/cells/{id}/eject, which can target an idle cell that has
// no in-flight job at all).
func stageEject(ctx context.Context, devicePath string) stage.Outcome {
	return stage.Eject{}.Run(ctx, stage.EjectParams{DevicePath: devicePath}, discardSink{}, job.NewCancelToken())
}
