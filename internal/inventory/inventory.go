// Package inventory implements the Device Inventory (spec.md §4.1's
// drive/port listing, C1 in DESIGN.md's component ledger): enumerating
// block devices and classifying each as removable/system/mounted so the
// Safety Gate has a snapshot to consult, plus the USB-port-path topology
// a cell binds to.
//
// Block enumeration is grounded on github.com/jaypipes/ghw, the one
// cross-platform hardware-inventory library in the retrieved pack; the
// /dev/disk/by-path walk is grounded on github.com/karrick/godirwalk,
// the pack's fast directory-walk library (used elsewhere in the pack for
// large fan-out directory scans, generalized here to the small
// /dev/disk/by-path symlink tree).
package inventory

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jaypipes/ghw"
	"github.com/jaypipes/ghw/pkg/block"
	"github.com/karrick/godirwalk"

	"github.com/flashgrid/flashd/internal/cmn"
	"github.com/flashgrid/flashd/internal/cmn/nlog"
)

// Drive is the §3 Drive value object: one block device as seen by the
// host, with enough classification to drive the Safety Gate's decision.
type Drive struct {
	DevicePath  string   `json:"device_path"`
	SizeBytes   uint64   `json:"size_bytes"`
	Vendor      string   `json:"vendor,omitempty"`
	Model       string   `json:"model,omitempty"`
	Serial      string   `json:"serial,omitempty"`
	Removable   bool     `json:"removable"`
	IsSystem    bool     `json:"is_system"`
	Mounted     bool     `json:"mounted"`
	MountPoints []string `json:"mount_points,omitempty"`
	PortPath    string   `json:"port_path,omitempty"`
	USBSpeed    string   `json:"usb_speed"`

	// RecentBps is the supplemented idle-drive throughput hint (see
	// iostat.go): nil when no prior sample exists yet to diff against.
	RecentBps *float64 `json:"recent_bps,omitempty"`
}

// IsSystemDisk reports whether this drive carries a partition mounted at
// "/" or "/boot" (spec.md §4.5's "never a system disk" gate input). This
// is deliberately independent of Removable: non-removable media is its
// own, separately overridable rejection reason (spec.md §4.7), not folded
// into "is a system disk".
func (d Drive) IsSystemDisk() bool {
	for _, mp := range d.MountPoints {
		if mp == "/" || mp == "/boot" || strings.HasPrefix(mp, "/boot/") {
			return true
		}
	}
	return false
}

// IsMounted reports whether any partition of this drive is currently
// mounted anywhere (spec.md §4.5's other rejection reason).
func (d Drive) IsMounted() bool { return len(d.MountPoints) > 0 }

// Inventory owns the last block-device snapshot and the USB topology map.
type Inventory struct {
	devByPath string // /dev/disk/by-path, overridable for tests
}

// New builds an Inventory rooted at the host's standard by-path tree.
func New() *Inventory {
	return &Inventory{devByPath: "/dev/disk/by-path"}
}

// ListDrives enumerates block devices via ghw, optionally filtered to
// removable media only (spec.md §4.1: "GET /api/drives?removable=true").
func (inv *Inventory) ListDrives(onlyRemovable bool) ([]Drive, error) {
	info, err := ghw.Block()
	if err != nil {
		return nil, cmn.WrapError("inventory.list_drives", cmn.ErrInternal, err)
	}

	byPath := inv.portPaths()

	out := make([]Drive, 0, len(info.Disks))
	for _, disk := range info.Disks {
		d := driveFromGHW(disk)
		d.PortPath = byPath[d.DevicePath]
		d.USBSpeed = usbSpeedFor(d.DevicePath)
		if bps, ok := IdleThroughputHint(d.DevicePath); ok {
			d.RecentBps = &bps
		}
		if onlyRemovable && !d.Removable {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

// Describe returns the current snapshot for a single device path, used by
// the Safety Gate to re-check state immediately before each stage
// transition (spec.md §4.5: "re-verified, not just checked once at
// admission").
func (inv *Inventory) Describe(devicePath string) (*Drive, error) {
	drives, err := inv.ListDrives(false)
	if err != nil {
		return nil, err
	}
	for i := range drives {
		if drives[i].DevicePath == devicePath {
			return &drives[i], nil
		}
	}
	return nil, cmn.NewError("inventory.describe", cmn.ErrDeviceStateChanged, "device no longer present: "+devicePath)
}

func driveFromGHW(disk *block.Disk) Drive {
	d := Drive{
		DevicePath: "/dev/" + disk.Name,
		SizeBytes:  disk.SizeBytes,
		Vendor:     strings.TrimSpace(disk.Vendor),
		Model:      strings.TrimSpace(disk.Model),
		Serial:     strings.TrimSpace(disk.SerialNumber),
		Removable:  disk.IsRemovable,
	}
	for _, p := range disk.Partitions {
		if p.MountPoint != "" {
			d.MountPoints = append(d.MountPoints, p.MountPoint)
		}
	}
	d.IsSystem = d.IsSystemDisk()
	d.Mounted = d.IsMounted()
	return d
}

// usbSpeedFor reads the negotiated link speed of devicePath's ancestor USB
// device from sysfs, per spec.md §4.1's "USB speed is read from the
// topology device's advertised speed". /sys/class/block/<name>/device is
// a symlink into the SCSI/USB device chain; the kernel publishes the
// negotiated rate (Mbit/s) in a "speed" file on the USB device node
// itself, a few levels up that chain, so this walks upward looking for
// the first one it finds.
func usbSpeedFor(devicePath string) string {
	name := strings.TrimPrefix(devicePath, "/dev/")
	dir, err := filepath.EvalSymlinks(filepath.Join("/sys/class/block", name, "device"))
	if err != nil {
		return "unknown"
	}
	for i := 0; i < 8 && dir != "/" && dir != "." && dir != ""; i++ {
		if b, err := os.ReadFile(filepath.Join(dir, "speed")); err == nil {
			return mapUSBSpeed(strings.TrimSpace(string(b)))
		}
		dir = filepath.Dir(dir)
	}
	return "unknown"
}

// mapUSBSpeed maps the kernel's advertised Mbit/s link rate onto spec.md
// §3's enumerated {2.0, 3.0, 3.2, unknown} USB generation labels.
func mapUSBSpeed(mbit string) string {
	switch mbit {
	case "480":
		return "2.0"
	case "5000":
		return "3.0"
	case "10000", "20000":
		return "3.2"
	default:
		return "unknown"
	}
}

// Port is the §3 Port value object: one USB attachment point a cell
// binds to by physical location rather than by the kernel's (unstable)
// device name.
type Port struct {
	PortPath   string `json:"port_path"`
	DevicePath string `json:"device_path,omitempty"`
}

// ListPorts walks /dev/disk/by-path and returns every USB port entry
// currently populated, for the Cell-to-Port binding in spec.md §4.1.
func (inv *Inventory) ListPorts() ([]Port, error) {
	var ports []Port
	byPath := inv.portPaths()
	for devicePath, portPath := range byPath {
		ports = append(ports, Port{PortPath: portPath, DevicePath: devicePath})
	}
	return ports, nil
}

// portPaths walks /dev/disk/by-path (symlinks to /dev/sdX-style nodes)
// and returns a devicePath -> portPath map, the inverse of how the
// kernel lays the tree out, since callers index by device.
func (inv *Inventory) portPaths() map[string]string {
	out := make(map[string]string)
	if _, err := os.Stat(inv.devByPath); err != nil {
		return out
	}
	err := godirwalk.Walk(inv.devByPath, &godirwalk.Options{
		Unsorted: true,
		Callback: func(osPathname string, de *godirwalk.Dirent) error {
			if de.IsDir() {
				return nil
			}
			target, err := filepath.EvalSymlinks(osPathname)
			if err != nil {
				return nil //nolint:nilerr // a dangling by-path symlink just isn't reported
			}
			if !strings.Contains(osPathname, "usb") {
				return nil
			}
			out[target] = osPathname
			return nil
		},
	})
	if err != nil {
		nlog.Debugf("inventory: by-path walk: %v", err)
	}
	return out
}

// String implements a friendly log line for a Drive (teacher idiom: small
// value types carry their own Stringer for log statements).
func (d Drive) String() string {
	return fmt.Sprintf("%s (%s %s, %d bytes, removable=%v)", d.DevicePath, d.Vendor, d.Model, d.SizeBytes, d.Removable)
}
