package inventory

import (
	"context"
	"reflect"
	"time"

	"github.com/flashgrid/flashd/internal/cmn"
	"github.com/flashgrid/flashd/internal/cmn/nlog"
)

// Watch polls ListDrives at cmn.GCO().DrivePollInterval and calls onChange
// for every drive whose snapshot differs from (or is new since) the prior
// poll, until ctx is cancelled. This is the Device Inventory's half of
// spec.md §4.6's drive_change event: the bus only has something to
// broadcast because this loop is the one noticing the world moved.
func Watch(ctx context.Context, inv *Inventory, onChange func(Drive)) {
	prev := make(map[string]Drive)
	poll := func() {
		drives, err := inv.ListDrives(false)
		if err != nil {
			nlog.Warnf("inventory: watch poll: %v", err)
			return
		}
		seen := make(map[string]bool, len(drives))
		for _, d := range drives {
			seen[d.DevicePath] = true
			if old, ok := prev[d.DevicePath]; !ok || !reflect.DeepEqual(old, d) {
				onChange(d)
			}
		}
		for path := range prev {
			if !seen[path] {
				delete(prev, path)
			}
		}
		for _, d := range drives {
			prev[d.DevicePath] = d
		}
	}

	poll()
	ticker := time.NewTicker(cmn.GCO().DrivePollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			poll()
		}
	}
}
