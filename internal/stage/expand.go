package stage

import (
	"context"
	"strconv"

	"github.com/flashgrid/flashd/internal/cmn"
	"github.com/flashgrid/flashd/internal/job"
)

// ExpandParams carries the expand stage's inputs.
type ExpandParams struct {
	DevicePath      string
	PartitionNumber int // defaults to 1
}

// Expand grows the first partition via growpart. Per spec.md §4.3/§7 a
// non-zero exit is a warning, not a failure: some cards have nothing to
// grow, and the pipeline continues regardless.
type Expand struct{}

func (Expand) Run(ctx context.Context, p ExpandParams, sink ProgressSink, cancel *job.CancelToken) Outcome {
	cfg := cmn.GCO()
	part := p.PartitionNumber
	if part <= 0 {
		part = 1
	}
	outcome := runSupervised(ctx, cancel, cmdSpec{
		name:    cfg.GrowpartPath,
		args:    []string{p.DevicePath, strconv.Itoa(part)},
		timeout: cfg.ExpandTimeout,
		onLine:  func(line string) { sink.Log(line) },
	})
	return downgradeToWarning(outcome)
}

// downgradeToWarning turns a non-cancelled Failure into a Success whose
// caller is expected to attach a warning (spec.md §7: expand/resize
// failures are warnings attached to the job, the pipeline continues).
func downgradeToWarning(o Outcome) Outcome {
	if o.Result == ResultFailure {
		return Outcome{Result: ResultSuccess, Kind: o.Kind, Err: o.Err}
	}
	return o
}
