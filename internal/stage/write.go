package stage

import (
	"context"
	"io"
	"strconv"
	"time"

	"github.com/flashgrid/flashd/internal/cmn"
	"github.com/flashgrid/flashd/internal/image"
	"github.com/flashgrid/flashd/internal/job"
)

// WriteParams carries everything the write stage needs: the decompressed
// image stream, its known length (nil if unknown, per spec.md §4.2), the
// target device, and the block size to use.
type WriteParams struct {
	DevicePath string
	Image      *image.Descriptor
	Stream     io.Reader
	BlockSize  int
	Timeout    time.Duration
}

// Write streams the image to the raw device via dd, in fixed-size blocks,
// parsing dd's status=progress stderr lines for Progress per spec.md §4.3.
// It also hashes the image stream as it is piped through, so the job can
// cache the digest for the verify stage without a second read of the
// image (spec.md §4.3: "hash the image once (cached between stages)").
type Write struct{}

func (Write) Run(ctx context.Context, p WriteParams, sink ProgressSink, cancel *job.CancelToken) (Outcome, string) {
	cfg := cmn.GCO()
	bs := p.BlockSize
	if bs <= 0 {
		bs = cfg.WriteBlockSize
	}
	if p.Image.UncompressedBytes != nil {
		sink.SetTotalBytes(*p.Image.UncompressedBytes)
	}

	hasher := image.NewHasher()
	counting := &countingReader{r: p.Stream, hash: hasher}

	args := []string{
		"if=/dev/stdin",
		"of=" + p.DevicePath,
		"bs=" + strconv.Itoa(bs),
		"status=progress",
		"conv=fsync",
	}

	outcome := runSupervised(ctx, cancel, cmdSpec{
		name:    cfg.DDPath,
		args:    args,
		timeout: effectiveTimeout(p.Timeout, cfg.WriteVerifyTimeout, p.Image.UncompressedBytes),
		stdin:   counting,
		onLine: func(line string) {
			sink.Log(line)
			if n, ok := parseDDProgress(line); ok {
				// dd's own byte count is authoritative progress per §4.3;
				// the countingReader's tally only drives the digest.
				sink.AdvanceBytes(n)
			}
		},
	})
	return outcome, hasher.Sum()
}

// countingReader wraps the image stream, hashing every byte as it passes
// through on its way to dd's stdin (so the digest is ready the moment the
// write finishes, at no extra I/O cost).
type countingReader struct {
	r    io.Reader
	hash io.Writer
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.hash.Write(p[:n])
	}
	return n, err
}

// effectiveTimeout implements the write/verify scaling from spec.md §5:
// "write: 30 min default × image-size scaling". Scaling is 1x per GiB of
// known image size, floored at the base timeout, so small images are not
// penalized and large ones get proportionally more wall-clock.
func effectiveTimeout(override, base time.Duration, size *int64) time.Duration {
	if override > 0 {
		return override
	}
	if size == nil || *size <= 0 {
		return base
	}
	const gib = int64(1) << 30
	units := (*size + gib - 1) / gib
	if units < 1 {
		units = 1
	}
	scaled := base * time.Duration(units)
	if scaled < base {
		return base
	}
	return scaled
}
