// Package safety implements the Safety Gate (spec.md §4.7): the single
// choke point every write must pass through, both at batch admission and
// again immediately before each destructive stage, so a device that
// changed state between admission and execution (re-mounted, unplugged
// and replaced by the kernel reusing the same name, turned out to be the
// boot disk) is caught rather than written to.
package safety

import (
	"github.com/flashgrid/flashd/internal/cmn"
	"github.com/flashgrid/flashd/internal/inventory"
)

// describer is the slice of *inventory.Inventory the gate actually needs,
// narrowed to an interface so the gate's rejection logic is testable
// without a real block-device snapshot.
type describer interface {
	Describe(devicePath string) (*inventory.Drive, error)
}

// Gate consults the Device Inventory's live snapshot. It holds no state
// of its own: every call re-derives the answer from the current world,
// per spec.md §4.7's "never trust a cached classification".
type Gate struct {
	inv describer
}

func New(inv describer) *Gate { return &Gate{inv: inv} }

// VerifyWritable rejects a device that is missing, is the system device,
// is marked non-removable without an explicit override, or has any
// partition currently mounted, per spec.md §4.7. It is called at batch
// admission (internal/scheduler.SubmitBatch), again by the runner
// immediately before the write stage starts, and again at every later
// stage boundary, so a device that changed state in between is always
// caught rather than trusted from a stale snapshot.
//
// allowNonRemovable is the job's own explicit opt-in (job.Options.
// AllowNonRemovable) to write to a non-removable device; it has no effect
// on the system-disk or mounted checks, which can never be overridden.
func (g *Gate) VerifyWritable(devicePath string, allowNonRemovable bool) error {
	d, err := g.inv.Describe(devicePath)
	if err != nil {
		return err
	}
	if d.IsSystemDisk() {
		return cmn.NewError("safety.verify", cmn.ErrPreflightRejected, "refusing to write to a system disk: "+devicePath)
	}
	if !d.Removable && !allowNonRemovable {
		return cmn.NewError("safety.verify", cmn.ErrPreflightRejected, "refusing to write to a non-removable device (not overridden): "+devicePath)
	}
	if d.IsMounted() {
		return cmn.NewError("safety.verify", cmn.ErrPreflightRejected, "refusing to write to a mounted device: "+devicePath)
	}
	return nil
}
