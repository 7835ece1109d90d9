// Package image implements the Image Source (spec.md §4.2): resolving an
// image name to a byte stream, transparently decompressing it when the
// filename suffix names a supported codec, and reporting the
// uncompressed length when it is cheaply known.
//
// The side-by-side use of pierrec/lz4/v3 and stdlib compress/gzip for two
// different codecs behind one Writer/Reader-ish interface is grounded
// directly on the teacher's own cmn/archive/write.go, which does exactly
// this (lz4 and gzip wrapping the same io.Writer family) for archive
// writing; this package mirrors it for decompressing reads instead.
package image

import (
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pierrec/lz4/v3"

	"github.com/flashgrid/flashd/internal/cmn"
)

// Descriptor is the §3 Image value object.
type Descriptor struct {
	Name               string
	Path               string
	Compressed         bool
	UncompressedBytes   *int64 // nil when not cheaply known
	Digest             string // populated lazily by the verify stage's cache
}

// Resolver maps an image name to a file on disk and, via List, enumerates
// the images directory for GET /api/images.
type Resolver struct {
	Dir string
}

func NewResolver(dir string) *Resolver { return &Resolver{Dir: dir} }

// Describe resolves name to a Descriptor without opening the stream,
// used by the HTTP layer and by admission (frozen image_name, §3).
func (r *Resolver) Describe(name string) (*Descriptor, error) {
	path, codec, err := r.resolve(name)
	if err != nil {
		return nil, err
	}
	d := &Descriptor{Name: name, Path: path, Compressed: codec != codecNone}
	if codec == codecNone {
		fi, err := os.Stat(path)
		if err != nil {
			return nil, cmn.WrapError("image.describe", cmn.ErrImageNotFound, err)
		}
		n := fi.Size()
		d.UncompressedBytes = &n
	}
	// Compressed stream length is not cheaply derivable (spec.md §4.2);
	// UncompressedBytes stays nil, and callers fall back to the
	// bytes-written heuristic without ETA.
	return d, nil
}

// List enumerates every image file in the resolver's directory, for the
// HTTP layer's GET /api/images (spec.md §6). Subdirectories are skipped:
// images live flat under the images directory.
func (r *Resolver) List() ([]*Descriptor, error) {
	entries, err := os.ReadDir(r.Dir)
	if err != nil {
		return nil, cmn.WrapError("image.list", cmn.ErrInternal, err)
	}
	out := make([]*Descriptor, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		d, err := r.Describe(e.Name())
		if err != nil {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

func (r *Resolver) resolve(name string) (path string, codec codec, err error) {
	if strings.ContainsRune(name, os.PathSeparator) || strings.Contains(name, "..") {
		return "", codecNone, cmn.NewError("image.resolve", cmn.ErrImageNotFound, "invalid image name")
	}
	base := filepath.Join(r.Dir, name)
	if _, err := os.Stat(base); err == nil {
		return base, codecOf(name), nil
	}
	return "", codecNone, cmn.NewError("image.resolve", cmn.ErrImageNotFound, "image not found: "+name)
}

type codec int

const (
	codecNone codec = iota
	codecGzip
	codecLZ4
)

func codecOf(name string) codec {
	switch {
	case strings.HasSuffix(name, ".gz"):
		return codecGzip
	case strings.HasSuffix(name, ".lz4"):
		return codecLZ4
	default:
		return codecNone
	}
}

// Open returns a stream of the image's uncompressed bytes, decompressing
// transparently per the descriptor's codec. The caller must Close it.
func (r *Resolver) Open(d *Descriptor) (io.ReadCloser, error) {
	f, err := os.Open(d.Path)
	if err != nil {
		return nil, cmn.WrapError("image.open", cmn.ErrImageNotFound, err)
	}
	switch codecOf(d.Name) {
	case codecGzip:
		gz, err := gzip.NewReader(f)
		if err != nil {
			f.Close()
			return nil, cmn.WrapError("image.open", cmn.ErrImageReadError, err)
		}
		return &multiCloser{Reader: gz, closers: []io.Closer{gz, f}}, nil
	case codecLZ4:
		lr := lz4.NewReader(f)
		return &multiCloser{Reader: lr, closers: []io.Closer{f}}, nil
	default:
		return f, nil
	}
}

// multiCloser closes every underlying closer on Close, in order, and
// returns the first error.
type multiCloser struct {
	io.Reader
	closers []io.Closer
}

func (m *multiCloser) Close() error {
	var first error
	for _, c := range m.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
