// Package tarview builds an in-memory index of tar entries over a
// seekable reader and serves stat/readdir/open/read with symlink and
// hardlink resolution.
package tarview

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"path"
)

// ErrNotFound is returned when a path does not resolve to any entry, and
// is the sentinel wrapped into stat's "empty stat, no error" policy at
// the call site (Stat/Lstat never return it; Open/Get do).
var ErrNotFound = errors.New("tarview: not found")

// ErrNotADirectory is returned by Readdir when the entry exists but is
// not a directory.
var ErrNotADirectory = errors.New("tarview: not a directory")

// ErrInvalidOpenMode is reserved for API symmetry with the spec: this
// view is read-only, so any write/create/truncate/append mode request is
// rejected with this error. The Go API here only exposes reads, so
// callers cannot construct such a request; kept for parity with §4.G.
var ErrInvalidOpenMode = errors.New("tarview: invalid open mode")

const maxSymlinkHops = 40

// EntryType enumerates the kinds of tar entries this view understands.
type EntryType int

const (
	TypeFile EntryType = iota
	TypeDirectory
	TypeSymlink
	TypeHardlink
)

// Entry is one tar header's worth of metadata, plus the absolute
// uncompressed byte offset at which its payload begins.
type Entry struct {
	Path          string
	Type          EntryType
	Mode          int64
	Size          int64
	LinkTarget    string
	PayloadOffset int64
}

// ReaderAt is the minimal interface tarview needs from its backing
// seekable reader: a pure-function, offset-addressed read of the
// uncompressed archive content. lib/carac.Reader implements this.
type ReaderAt interface {
	ReadAt(p []byte, off int64) (int, error)
}

// View is a tar-archive index over a seekable reader.
type View struct {
	backing ReaderAt
	entries map[string]Entry
	dirMap  map[string][]string
}

// New performs a single forward pass over r, a tar stream, and builds the
// path index. backing is the same underlying content addressed by
// absolute offset; it is used to serve reads after construction. r and
// backing commonly wrap the same lib/carac.Reader: r adapts it (via
// lib/readerat.ReadSeeker) to sequential access for this one pass, while
// backing serves random-access file reads afterward.
func New(r io.Reader, backing ReaderAt) (*View, error) {
	v := &View{
		backing: backing,
		entries: make(map[string]Entry),
		dirMap:  make(map[string][]string),
	}
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("tarview: reading tar stream: %w", err)
		}
		p := path.Clean("/" + hdr.Name)
		var et EntryType
		switch hdr.Typeflag {
		case tar.TypeDir:
			et = TypeDirectory
		case tar.TypeSymlink:
			et = TypeSymlink
		case tar.TypeLink:
			et = TypeHardlink
		default:
			et = TypeFile
		}
		// payloadOffset is computed against an underlying carac.Reader
		// wrapped with lib/readerat.ReadSeeker; that adaptor tracks its
		// own cursor, so the current position equals the payload start.
		offset := currentOffset(r)
		e := Entry{
			Path:          p,
			Type:          et,
			Mode:          hdr.Mode,
			Size:          hdr.Size,
			LinkTarget:    hdr.Linkname,
			PayloadOffset: offset,
		}
		v.entries[p] = e

		parent := path.Dir(p)
		v.dirMap[parent] = append(v.dirMap[parent], p)
	}
	return v, nil
}

// currentOffset returns the underlying reader's position if it exposes
// one (lib/readerat.ReadSeeker does, via Seek(0, io.SeekCurrent)).
func currentOffset(r io.Reader) int64 {
	type seeker interface {
		Seek(offset int64, whence int) (int64, error)
	}
	if s, ok := r.(seeker); ok {
		if n, err := s.Seek(0, io.SeekCurrent); err == nil {
			return n
		}
	}
	return 0
}

// FileView is a read cursor bound to one resolved Entry.
type FileView struct {
	v     *View
	entry Entry
	pos   int64
}

// Get returns a FileView bound to path, without following symlinks.
func (v *View) Get(p string) (*FileView, error) {
	e, ok := v.entries[path.Clean("/"+p)]
	if !ok {
		return nil, ErrNotFound
	}
	return &FileView{v: v, entry: e}, nil
}

// Open traverses symlinks (and hardlinks) starting at path, then returns
// a FileView positioned at 0. Only read access is modeled; there is no
// write/append/truncate mode to request in this API.
func (v *View) Open(p string) (*FileView, error) {
	e, err := v.resolve(p)
	if err != nil {
		return nil, err
	}
	return &FileView{v: v, entry: e}, nil
}

func (v *View) resolve(p string) (Entry, error) {
	cur := path.Clean("/" + p)
	for hop := 0; ; hop++ {
		if hop >= maxSymlinkHops {
			return Entry{}, fmt.Errorf("tarview: too many symlink hops resolving %q", p)
		}
		e, ok := v.entries[cur]
		if !ok {
			return Entry{}, ErrNotFound
		}
		switch e.Type {
		case TypeSymlink:
			cur = path.Clean(path.Join(path.Dir(e.Path), e.LinkTarget))
			continue
		case TypeHardlink:
			cur = path.Clean("/" + e.LinkTarget)
			continue
		default:
			return e, nil
		}
	}
}

// emptyStat is the empty Entry returned by Stat/Lstat on a missing path;
// it is never an error per spec §4.G.
var emptyStat = Entry{}

// Stat follows symlinks; a missing path returns an empty Entry, not an
// error.
func (v *View) Stat(p string) Entry {
	e, err := v.resolve(p)
	if err != nil {
		return emptyStat
	}
	return e
}

// Lstat does not follow the final symlink; a missing path returns an
// empty Entry, not an error.
func (v *View) Lstat(p string) Entry {
	e, ok := v.entries[path.Clean("/"+p)]
	if !ok {
		return emptyStat
	}
	return e
}

// Readdir lists the direct children of a directory path.
func (v *View) Readdir(p string) ([]string, error) {
	e, err := v.resolve(p)
	if err != nil {
		return nil, err
	}
	if e.Type != TypeDirectory {
		return nil, ErrNotADirectory
	}
	return v.dirMap[e.Path], nil
}

// Read implements io.Reader, delegating to the backing reader at
// entry.PayloadOffset + pos and advancing pos.
func (f *FileView) Read(p []byte) (int, error) {
	if f.pos >= f.entry.Size {
		return 0, io.EOF
	}
	remaining := f.entry.Size - f.pos
	if int64(len(p)) > remaining {
		p = p[:remaining]
	}
	n, err := f.v.backing.ReadAt(p, f.entry.PayloadOffset+f.pos)
	f.pos += int64(n)
	return n, err
}

// Entry returns the resolved entry this view is bound to.
func (f *FileView) Entry() Entry { return f.entry }
