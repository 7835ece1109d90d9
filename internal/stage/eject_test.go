package stage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/flashgrid/flashd/internal/cmn"
	"github.com/flashgrid/flashd/internal/job"
)

// fakeSink discards progress/log signals; these eject tests only care
// about the stage's terminal Outcome.
type fakeSink struct{}

func (fakeSink) AdvanceBytes(int64)  {}
func (fakeSink) Log(string)          {}
func (fakeSink) SetTotalBytes(int64) {}

func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func withUdisksctl(t *testing.T, path string) {
	t.Helper()
	orig := cmn.GCO()
	clone := *orig
	clone.UdisksctlPath = path
	cmn.PutGCO(&clone)
	t.Cleanup(func() { cmn.PutGCO(orig) })
}

func TestEjectPowerOffSuccessSkipsUnmountFallback(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "udisksctl", "exit 0\n")
	withUdisksctl(t, script)

	out := Eject{}.Run(context.Background(), EjectParams{DevicePath: "/dev/sdx"}, fakeSink{}, job.NewCancelToken())
	if out.Result != ResultSuccess {
		t.Fatalf("Result = %v, want Success when power-off succeeds", out.Result)
	}
}

func TestEjectPowerOffFailureFallsBackToUnmountAndWarns(t *testing.T) {
	dir := t.TempDir()
	// Fails for "power-off", succeeds for "unmount": branch on $1.
	script := writeScript(t, dir, "udisksctl", `if [ "$1" = "power-off" ]; then exit 1; fi
exit 0
`)
	withUdisksctl(t, script)

	out := Eject{}.Run(context.Background(), EjectParams{DevicePath: "/dev/sdx"}, fakeSink{}, job.NewCancelToken())
	if out.Result != ResultSuccess {
		t.Fatalf("Result = %v, want downgraded Success after a successful unmount fallback", out.Result)
	}
	if out.Err == nil {
		t.Fatal("want the downgraded outcome to still carry the power-off error as a warning")
	}
}

func TestEjectBothPowerOffAndUnmountFailStillWarns(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "udisksctl", "exit 1\n")
	withUdisksctl(t, script)

	out := Eject{}.Run(context.Background(), EjectParams{DevicePath: "/dev/sdx"}, fakeSink{}, job.NewCancelToken())
	if out.Result != ResultSuccess {
		t.Fatalf("Result = %v, want downgraded Success even when both attempts fail", out.Result)
	}
	if out.Err == nil {
		t.Fatal("want an error carried through as a warning")
	}
}
