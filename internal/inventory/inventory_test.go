package inventory

import (
	"os"
	"path/filepath"
	"testing"
)

// TestIsSystemDiskNonRemovableUnmounted covers the split spec.md §4.7
// requires: non-removable alone is its own, separately overridable
// rejection reason, not folded into IsSystemDisk.
func TestIsSystemDiskNonRemovableUnmounted(t *testing.T) {
	d := Drive{DevicePath: "/dev/sda", Removable: false}
	if d.IsSystemDisk() {
		t.Fatal("a non-removable, unmounted disk must not be reported as a system disk")
	}
}

func TestIsSystemDiskRemovableButMountedAtRoot(t *testing.T) {
	d := Drive{DevicePath: "/dev/sdb", Removable: true, MountPoints: []string{"/"}}
	if !d.IsSystemDisk() {
		t.Fatal("a removable disk mounted at / must be treated as a system disk")
	}
}

func TestIsSystemDiskRemovableMountedUnderBoot(t *testing.T) {
	d := Drive{DevicePath: "/dev/sdb", Removable: true, MountPoints: []string{"/boot/efi"}}
	if !d.IsSystemDisk() {
		t.Fatal("a removable disk mounted under /boot must be treated as a system disk")
	}
}

func TestIsSystemDiskRemovableUnmountedUSB(t *testing.T) {
	d := Drive{DevicePath: "/dev/sdc", Removable: true, MountPoints: []string{"/media/usb0"}}
	if d.IsSystemDisk() {
		t.Fatal("a removable, non-root-mounted USB drive must not be a system disk")
	}
}

func TestIsMounted(t *testing.T) {
	if (Drive{}).IsMounted() {
		t.Fatal("a drive with no mount points must not be reported as mounted")
	}
	if !(Drive{MountPoints: []string{"/media/usb0"}}).IsMounted() {
		t.Fatal("a drive with a mount point must be reported as mounted")
	}
}

func TestDriveString(t *testing.T) {
	d := Drive{DevicePath: "/dev/sdc", Vendor: "SanDisk", Model: "Ultra", SizeBytes: 1024, Removable: true}
	s := d.String()
	if s == "" {
		t.Fatal("String() must not be empty")
	}
}

// TestPortPathsWalksUSBSymlinksOnly exercises the by-path walk against a
// synthetic tree, without touching the host's real /dev/disk/by-path.
func TestPortPathsWalksUSBSymlinksOnly(t *testing.T) {
	root := t.TempDir()
	byPath := filepath.Join(root, "by-path")
	if err := os.Mkdir(byPath, 0o755); err != nil {
		t.Fatal(err)
	}

	target := filepath.Join(root, "sdx")
	if err := os.WriteFile(target, nil, 0o644); err != nil {
		t.Fatal(err)
	}

	usbLink := filepath.Join(byPath, "pci-0000:00:14.0-usb-0:1:1.0-scsi-0:0:0:0")
	if err := os.Symlink(target, usbLink); err != nil {
		t.Fatal(err)
	}

	nonUSBTarget := filepath.Join(root, "sda")
	if err := os.WriteFile(nonUSBTarget, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	ataLink := filepath.Join(byPath, "pci-0000:00:1f.2-ata-1")
	if err := os.Symlink(nonUSBTarget, ataLink); err != nil {
		t.Fatal(err)
	}

	inv := &Inventory{devByPath: byPath}
	paths := inv.portPaths()

	if got, want := paths[target], usbLink; got != want {
		t.Fatalf("portPaths()[%s] = %q, want %q", target, got, want)
	}
	if _, ok := paths[nonUSBTarget]; ok {
		t.Fatalf("non-usb by-path entry must be excluded, got %v", paths)
	}
}

func TestPortPathsMissingByPathDirReturnsEmpty(t *testing.T) {
	inv := &Inventory{devByPath: filepath.Join(t.TempDir(), "does-not-exist")}
	if paths := inv.portPaths(); len(paths) != 0 {
		t.Fatalf("missing by-path dir should yield an empty map, got %v", paths)
	}
}

func TestListPortsMirrorsPortPaths(t *testing.T) {
	root := t.TempDir()
	byPath := filepath.Join(root, "by-path")
	os.Mkdir(byPath, 0o755)
	target := filepath.Join(root, "sdx")
	os.WriteFile(target, nil, 0o644)
	link := filepath.Join(byPath, "pci-0000:00:14.0-usb-0:1:1.0")
	if err := os.Symlink(target, link); err != nil {
		t.Fatal(err)
	}

	inv := &Inventory{devByPath: byPath}
	ports, err := inv.ListPorts()
	if err != nil {
		t.Fatalf("ListPorts() error = %v", err)
	}
	if len(ports) != 1 {
		t.Fatalf("want 1 port, got %d: %+v", len(ports), ports)
	}
	if ports[0].DevicePath != target || ports[0].PortPath != link {
		t.Fatalf("ListPorts()[0] = %+v, want device=%s port=%s", ports[0], target, link)
	}
}
