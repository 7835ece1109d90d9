package cmn

import (
	"encoding/json"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// Config holds the process-wide tunables for the orchestrator. It is
// intentionally small: the spec's options bag (verify/expand/resize/
// eject) is per-job, not global, so it lives on Job, not here.
type Config struct {
	Version int64 `json:"version"`

	// Tool paths, overridable for test doubles / alternate distros.
	DDPath        string `json:"dd_path"`
	GrowpartPath  string `json:"growpart_path"`
	Resize2fsPath string `json:"resize2fs_path"`
	UdisksctlPath string `json:"udisksctl_path"`

	DefaultConcurrency int `json:"default_concurrency"`

	WriteBlockSize int `json:"write_block_size_bytes"`

	// Stage timeouts (§5). WriteVerifyTimeout scales with image size; the
	// values here are the base before scaling.
	WriteVerifyTimeout time.Duration `json:"write_verify_timeout"`
	ExpandTimeout      time.Duration `json:"expand_timeout"`
	ResizeTimeout      time.Duration `json:"resize_timeout"`
	EjectTimeout       time.Duration `json:"eject_timeout"`

	CancelPollInterval time.Duration `json:"cancel_poll_interval"`
	CancelForceGrace   time.Duration `json:"cancel_force_grace"`

	EventBufferSize  int           `json:"event_buffer_size"`
	LogCoalesceWindow time.Duration `json:"log_coalesce_window"`
	LogTailCapacity  int           `json:"log_tail_capacity"`

	DrivePollInterval time.Duration `json:"drive_poll_interval"`
}

// DefaultConfig returns the built-in defaults, matching spec.md's numbers
// (≤250ms poll, ≤2s grace, 30min base write/verify timeout, 60s for the
// growth/eject stages, 256-event subscriber buffers, 100ms log coalescing,
// 200–2000 line log_tail).
func DefaultConfig() *Config {
	return &Config{
		Version:            1,
		DDPath:             "dd",
		GrowpartPath:       "growpart",
		Resize2fsPath:      "resize2fs",
		UdisksctlPath:      "udisksctl",
		DefaultConcurrency: 2,
		WriteBlockSize:     4 << 20,
		WriteVerifyTimeout: 30 * time.Minute,
		ExpandTimeout:      60 * time.Second,
		ResizeTimeout:      60 * time.Second,
		EjectTimeout:       60 * time.Second,
		CancelPollInterval: 200 * time.Millisecond,
		CancelForceGrace:   2 * time.Second,
		EventBufferSize:    256,
		LogCoalesceWindow:  100 * time.Millisecond,
		LogTailCapacity:    500,
		DrivePollInterval:  2 * time.Second,
	}
}

// owner is an atomic-pointer-guarded holder for the global config,
// patterned on the teacher's ais/gconfig.go configOwner: clone under
// lock and swap atomically; readers get a pointer they must treat as
// read-only.
type owner struct {
	mu  sync.Mutex
	ptr atomic.Pointer[Config]
}

var gco owner

func init() {
	gco.ptr.Store(DefaultConfig())
}

// GCO returns the current global config snapshot. Safe for concurrent use;
// the returned pointer must be treated as read-only.
func GCO() *Config { return gco.ptr.Load() }

// PutGCO installs a new global config snapshot wholesale.
func PutGCO(c *Config) { gco.ptr.Store(c) }

// LoadConfigFile reads a JSON config file, clones the current config,
// applies the overrides it contains, bumps Version, and installs it.
// Missing file is not an error: defaults remain in effect.
func LoadConfigFile(path string) error {
	gco.mu.Lock()
	defer gco.mu.Unlock()

	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	clone := *gco.ptr.Load()
	if err := json.Unmarshal(b, &clone); err != nil {
		return err
	}
	clone.Version++
	gco.ptr.Store(&clone)
	return nil
}
