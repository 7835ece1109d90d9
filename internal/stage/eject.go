package stage

import (
	"context"

	"github.com/flashgrid/flashd/internal/cmn"
	"github.com/flashgrid/flashd/internal/job"
)

// EjectParams carries the eject stage's inputs.
type EjectParams struct {
	DevicePath string
}

// Eject attempts power-off/eject via udisksctl; on failure it downgrades
// to an unmount-only attempt and surfaces a warning either way it fails,
// per spec.md §4.3.
type Eject struct{}

func (Eject) Run(ctx context.Context, p EjectParams, sink ProgressSink, cancel *job.CancelToken) Outcome {
	cfg := cmn.GCO()
	outcome := runSupervised(ctx, cancel, cmdSpec{
		name:    cfg.UdisksctlPath,
		args:    []string{"power-off", "-b", p.DevicePath},
		timeout: cfg.EjectTimeout,
		onLine:  func(line string) { sink.Log(line) },
	})
	if outcome.Result == ResultSuccess {
		return outcome
	}
	if outcome.Result == ResultCancelled {
		return outcome
	}

	sink.Log("eject: power-off failed, falling back to unmount")
	fallback := runSupervised(ctx, cancel, cmdSpec{
		name:    cfg.UdisksctlPath,
		args:    []string{"unmount", "-b", p.DevicePath},
		timeout: cfg.EjectTimeout,
		onLine:  func(line string) { sink.Log(line) },
	})
	if fallback.Result == ResultSuccess {
		return Outcome{Result: ResultSuccess, Kind: outcome.Kind, Err: outcome.Err}
	}
	return downgradeToWarning(fallback)
}
