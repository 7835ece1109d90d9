package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/flashgrid/flashd/internal/cmn"
	"github.com/flashgrid/flashd/internal/eventbus"
	"github.com/flashgrid/flashd/internal/image"
	"github.com/flashgrid/flashd/internal/inventory"
	"github.com/flashgrid/flashd/internal/job"
	"github.com/flashgrid/flashd/internal/safety"
)

// fakeInventory lets these tests drive the safety gate's accept/reject
// decision without a real block-device snapshot.
type fakeInventory struct {
	drives map[string]*inventory.Drive
}

func (f *fakeInventory) Describe(devicePath string) (*inventory.Drive, error) {
	d, ok := f.drives[devicePath]
	if !ok {
		return nil, cmn.NewError("inventory.describe", cmn.ErrDeviceStateChanged, "device no longer present: "+devicePath)
	}
	return d, nil
}

func newTestScheduler(t *testing.T, removable map[string]bool) *Scheduler {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "raspbian.img"), []byte("0123456789"), 0o644); err != nil {
		t.Fatal(err)
	}
	resolver := image.NewResolver(dir)

	drives := make(map[string]*inventory.Drive, len(removable))
	for path, ok := range removable {
		drives[path] = &inventory.Drive{DevicePath: path, Removable: ok}
	}
	gate := safety.New(&fakeInventory{drives: drives})
	bus := eventbus.New()
	return New(resolver, gate, bus, 2)
}

func TestSubmitBatchRejectsUnknownImage(t *testing.T) {
	s := newTestScheduler(t, map[string]bool{"/dev/sdx": true})
	_, err := s.SubmitBatch("batch-1", []string{"cell-1"}, []string{"/dev/sdx"}, "does-not-exist.img", job.Options{}, 1)
	if err == nil {
		t.Fatal("want an error for an unknown image name")
	}
}

func TestSubmitBatchPreflightRejectsNonRemovableDevice(t *testing.T) {
	s := newTestScheduler(t, map[string]bool{"/dev/sda": false})
	b, err := s.SubmitBatch("batch-1", []string{"cell-1"}, []string{"/dev/sda"}, "raspbian.img", job.Options{}, 1)
	if err != nil {
		t.Fatalf("SubmitBatch() error = %v, want a FAILED job instead of a batch-level error", err)
	}
	if len(b.Jobs) != 1 {
		t.Fatalf("want 1 job, got %d", len(b.Jobs))
	}
	j := b.Jobs[0]
	if j.State() != job.StateFailed {
		t.Fatalf("want the preflight-rejected job to be FAILED, got %s", j.State())
	}
	snap := j.Snap()
	if snap.Error == nil || snap.Error.Kind != cmn.ErrPreflightRejected {
		t.Fatalf("want PreflightRejected, got %v", snap.Error)
	}
}

// TestSubmitBatchDefersSameDeviceDifferentCell covers spec.md §5's default:
// a device already bound to a non-terminal job does not reject a later
// job targeting it, it is admitted and waits.
func TestSubmitBatchDefersSameDeviceDifferentCell(t *testing.T) {
	s := newTestScheduler(t, map[string]bool{"/dev/sdx": true})
	s.Stop() // keep jobs QUEUED: admission loop never runs, so nothing claims the device

	b1, err := s.SubmitBatch("batch-1", []string{"cell-1"}, []string{"/dev/sdx"}, "raspbian.img", job.Options{}, 1)
	if err != nil {
		t.Fatalf("first SubmitBatch() error = %v", err)
	}
	if b1.Jobs[0].State() != job.StateQueued {
		t.Fatalf("job should remain QUEUED while the admission loop is stopped, got %s", b1.Jobs[0].State())
	}

	b2, err := s.SubmitBatch("batch-2", []string{"cell-2"}, []string{"/dev/sdx"}, "raspbian.img", job.Options{}, 2)
	if err != nil {
		t.Fatalf("second SubmitBatch() error = %v, want it admitted (deferred), not rejected", err)
	}
	if b2.Jobs[0].State() != job.StateQueued {
		t.Fatalf("second job on a busy device should be deferred (QUEUED), got %s", b2.Jobs[0].State())
	}
}

// TestSubmitBatchRejectsCellIDCollision covers spec.md §5's one exception:
// the same cell_id already has a non-terminal job.
func TestSubmitBatchRejectsCellIDCollision(t *testing.T) {
	s := newTestScheduler(t, map[string]bool{"/dev/sdx": true, "/dev/sdy": true})
	s.Stop()

	if _, err := s.SubmitBatch("batch-1", []string{"cell-1"}, []string{"/dev/sdx"}, "raspbian.img", job.Options{}, 1); err != nil {
		t.Fatalf("first SubmitBatch() error = %v", err)
	}

	b2, err := s.SubmitBatch("batch-2", []string{"cell-1"}, []string{"/dev/sdy"}, "raspbian.img", job.Options{}, 2)
	if err != nil {
		t.Fatalf("SubmitBatch() error = %v, want a FAILED job instead of a batch-level error", err)
	}
	j := b2.Jobs[0]
	if j.State() != job.StateFailed {
		t.Fatalf("want the colliding cell_id's job to be FAILED, got %s", j.State())
	}
	snap := j.Snap()
	if snap.Error == nil || snap.Error.Kind != cmn.ErrDeviceStateChanged {
		t.Fatalf("want ErrDeviceStateChanged for a cell_id collision, got %v", snap.Error)
	}
}

func TestLastBatchIDTracksMostRecentSubmission(t *testing.T) {
	s := newTestScheduler(t, map[string]bool{"/dev/sdx": true, "/dev/sdy": true})
	s.Stop()
	if _, err := s.SubmitBatch("batch-1", []string{"cell-1"}, []string{"/dev/sdx"}, "raspbian.img", job.Options{}, 1); err != nil {
		t.Fatal(err)
	}
	if _, err := s.SubmitBatch("batch-2", []string{"cell-2"}, []string{"/dev/sdy"}, "raspbian.img", job.Options{}, 2); err != nil {
		t.Fatal(err)
	}
	if s.LastBatchID() != "batch-2" {
		t.Fatalf("LastBatchID() = %s, want batch-2", s.LastBatchID())
	}
}

func TestCancelAllSignalsEveryNonTerminalJob(t *testing.T) {
	s := newTestScheduler(t, map[string]bool{"/dev/sdx": true})
	s.Stop()
	b, err := s.SubmitBatch("batch-1", []string{"cell-1"}, []string{"/dev/sdx"}, "raspbian.img", job.Options{}, 1)
	if err != nil {
		t.Fatal(err)
	}
	s.CancelAll()
	if !b.Jobs[0].Cancel().Cancelled() {
		t.Fatal("want the job's cancel token fired after CancelAll")
	}
}

func TestCancelJobUnknownID(t *testing.T) {
	s := newTestScheduler(t, map[string]bool{"/dev/sdx": true})
	if err := s.CancelJob("no-such-job"); err == nil {
		t.Fatal("want an error cancelling an unknown job id")
	}
}

func TestListJobsAndJobLookup(t *testing.T) {
	s := newTestScheduler(t, map[string]bool{"/dev/sdx": true})
	s.Stop()
	b, err := s.SubmitBatch("batch-1", []string{"cell-1"}, []string{"/dev/sdx"}, "raspbian.img", job.Options{}, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(s.ListJobs()) != 1 {
		t.Fatalf("want 1 job listed, got %d", len(s.ListJobs()))
	}
	j, ok := s.Job(b.Jobs[0].ID())
	if !ok || j.ID() != b.Jobs[0].ID() {
		t.Fatal("Job() lookup failed for a just-submitted job")
	}
	if _, ok := s.Job("missing"); ok {
		t.Fatal("Job() lookup must report false for an unknown id")
	}
}

func TestSetConcurrencyGrowReleasesPermitsImmediately(t *testing.T) {
	s := newTestScheduler(t, map[string]bool{"/dev/sdx": true})
	if !s.sem.TryAcquire(2) {
		t.Fatal("want to be able to acquire the initial concurrency of 2")
	}
	s.SetConcurrency(4)
	if !s.sem.TryAcquire(2) {
		t.Fatal("growing concurrency should release the extra permits immediately")
	}
}

func TestEjectDeviceRejectsBusyDevice(t *testing.T) {
	s := newTestScheduler(t, map[string]bool{"/dev/sdx": true})
	s.Stop()
	if _, err := s.SubmitBatch("batch-1", []string{"cell-1"}, []string{"/dev/sdx"}, "raspbian.img", job.Options{}, 1); err != nil {
		t.Fatal(err)
	}
	if err := s.EjectDevice(context.Background(), "/dev/sdx"); !cmn.IsKind(err, cmn.ErrDeviceStateChanged) {
		t.Fatalf("want ErrDeviceStateChanged for a busy device, got %v", err)
	}
}
