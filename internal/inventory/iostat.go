package inventory

import (
	"strings"
	"sync"
	"time"

	"github.com/lufia/iostat"

	"github.com/flashgrid/flashd/internal/cmn/nlog"
)

// sample remembers one cumulative-counter reading so IdleThroughputHint
// can derive a rate from two samples, since the underlying counters are
// cumulative since boot, not instantaneous.
type sample struct {
	bytes uint64
	at    time.Time
}

var (
	hintMu   sync.Mutex
	hintPrev = map[string]sample{}
)

// IdleThroughputHint reports a drive's recent read+write throughput in
// bytes/sec, sourced from the host's disk I/O counters rather than from
// any job (spec.md's supplemented "idle-drive throughput hint": useful
// for picking which of several otherwise-identical USB drives is
// currently busiest before admitting a new batch). ok is false on the
// first call for a device (no prior sample to diff against yet) or when
// the platform doesn't expose iostat counters.
func IdleThroughputHint(devicePath string) (bytesPerSec float64, ok bool) {
	drives, err := iostat.ReadDriveStats()
	if err != nil {
		nlog.Debugf("inventory: iostat unavailable: %v", err)
		return 0, false
	}
	name := strings.TrimPrefix(devicePath, "/dev/")

	var cur sample
	found := false
	for _, d := range drives {
		if d.Name != name {
			continue
		}
		cur = sample{bytes: d.BytesRead + d.BytesWritten, at: time.Now()}
		found = true
		break
	}
	if !found {
		return 0, false
	}

	hintMu.Lock()
	defer hintMu.Unlock()
	prev, had := hintPrev[name]
	hintPrev[name] = cur
	if !had {
		return 0, false
	}
	dt := cur.at.Sub(prev.at).Seconds()
	if dt <= 0 || cur.bytes < prev.bytes {
		return 0, false
	}
	return float64(cur.bytes-prev.bytes) / dt, true
}
