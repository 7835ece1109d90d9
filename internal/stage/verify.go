package stage

import (
	"context"
	"strconv"

	"github.com/flashgrid/flashd/internal/cmn"
	"github.com/flashgrid/flashd/internal/image"
	"github.com/flashgrid/flashd/internal/job"
)

// VerifyParams carries the verify stage's inputs: the device to read
// back, the image's cached digest (computed during Write, spec.md §4.3),
// and the prefix length to compare.
type VerifyParams struct {
	DevicePath  string
	ImageDigest string
	Length      *int64 // nil when unknown; verify then reads the whole device
}

// Verify reads back the image-length prefix of the device and compares
// its digest to the cached image digest, per spec.md §4.3. A mismatch is
// a terminal Failure(VerifyMismatch); it is never a warning.
type Verify struct{}

func (Verify) Run(ctx context.Context, p VerifyParams, sink ProgressSink, cancel *job.CancelToken) Outcome {
	cfg := cmn.GCO()
	if p.Length != nil {
		sink.SetTotalBytes(*p.Length)
	}

	hasher := image.NewHasher()
	args := buildVerifyArgs(p, cfg)

	outcome := runSupervised(ctx, cancel, cmdSpec{
		name:    cfg.DDPath,
		args:    args,
		timeout: effectiveTimeout(0, cfg.WriteVerifyTimeout, p.Length),
		stdout:  hasher,
		onLine: func(line string) {
			sink.Log(line)
			if n, ok := parseDDProgress(line); ok {
				sink.AdvanceBytes(n)
			}
		},
	})
	if outcome.Result != ResultSuccess {
		return outcome
	}
	if hasher.Sum() != p.ImageDigest {
		sink.Log("verify: digest mismatch")
		return Outcome{
			Result: ResultFailure,
			Kind:   cmn.ErrVerifyMismatch,
			Err:    cmn.NewError("verify", cmn.ErrVerifyMismatch, "device content does not match image"),
		}
	}
	return outcome
}

// buildVerifyArgs reads the device's image-length prefix via dd, writing
// to stdout (captured by the hasher) and logging progress on stderr.
func buildVerifyArgs(p VerifyParams, cfg *cmn.Config) []string {
	bs := cfg.WriteBlockSize
	args := []string{
		"if=" + p.DevicePath,
		"of=/dev/stdout",
		"bs=" + strconv.Itoa(bs),
		"status=progress",
	}
	if p.Length != nil && *p.Length > 0 {
		count := (*p.Length + int64(bs) - 1) / int64(bs)
		args = append(args, "count="+strconv.FormatInt(count, 10))
	}
	return args
}
