package stage

import (
	"context"
	"fmt"

	"github.com/flashgrid/flashd/internal/cmn"
	"github.com/flashgrid/flashd/internal/job"
)

// ResizeParams carries the resize stage's inputs.
type ResizeParams struct {
	DevicePath      string
	PartitionNumber int // defaults to 1
}

// Resize grows the filesystem on the first partition online via
// resize2fs. Per spec.md §4.3/§7, a non-zero exit is a warning.
type Resize struct{}

func (Resize) Run(ctx context.Context, p ResizeParams, sink ProgressSink, cancel *job.CancelToken) Outcome {
	cfg := cmn.GCO()
	part := p.PartitionNumber
	if part <= 0 {
		part = 1
	}
	partDev := partitionDevice(p.DevicePath, part)
	outcome := runSupervised(ctx, cancel, cmdSpec{
		name:    cfg.Resize2fsPath,
		args:    []string{partDev},
		timeout: cfg.ResizeTimeout,
		onLine:  func(line string) { sink.Log(line) },
	})
	return downgradeToWarning(outcome)
}

// partitionDevice derives a partition device node from a disk device
// node, handling the common "needs a 'p' before the number" case for
// devices ending in a digit (e.g. mmcblk0 -> mmcblk0p1, nvme0n1 ->
// nvme0n1p1) versus plain sdX -> sdX1.
func partitionDevice(disk string, part int) string {
	if n := len(disk); n > 0 {
		last := disk[n-1]
		if last >= '0' && last <= '9' {
			return fmt.Sprintf("%sp%d", disk, part)
		}
	}
	return fmt.Sprintf("%s%d", disk, part)
}
