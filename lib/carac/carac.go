// Package carac is a seekable random-access reader over a chunked,
// zstd-framed archive: it serves arbitrary uncompressed byte-range reads
// backed by a per-frame index, without requiring the caller to decompress
// the whole stream.
//
// The name avoids the teacher's "rac" (Random Access Compression, the
// wuffs container format); this is a cousin design over zstd framing
// specifically.
package carac

import (
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/google/cachunked/lib/zstdframe"
)

// ErrTruncatedRead is returned by ReadRangeAt and ReadExact when fewer bytes were
// produced than requested, for a range that does not run past EOF.
var ErrTruncatedRead = errors.New("carac: truncated read")

// ErrClosed is returned by operations on a Reader after Close.
var ErrClosed = errors.New("carac: reader is closed")

// DecompressorError wraps a failure surfaced by the underlying
// decompression library, carrying its code (when the library provides
// one; klauspost/compress/zstd does not, so Code is always 0 here) and
// human-readable message.
type DecompressorError struct {
	Code    int
	Message string
}

func (e *DecompressorError) Error() string {
	return fmt.Sprintf("carac: decompressor error %d: %s", e.Code, e.Message)
}

// DictionaryResolver loads the raw bytes of dictionary dictID, or returns
// an error. It replaces the teacher's compiled-in dictionary directory
// global with an explicit construction parameter (spec §9).
type DictionaryResolver func(dictID uint32) ([]byte, error)

type frameEntry struct {
	frame      zstdframe.Frame
	uStart     int64 // cumulative uncompressed offset at which this frame begins
}

// Reader is a seekable, read-only, single-consumer view of the
// uncompressed content of a chunked archive.
//
// A Reader must not be shared across goroutines without external
// synchronization: the underlying zstd decoder context is single-consumer,
// matching spec §5's "library-level decompress context is single-consumer"
// rule.
type Reader struct {
	ra     io.ReaderAt
	log    *zap.Logger
	dec    *zstd.Decoder
	frames []frameEntry
	size   int64
	pos    int64
	closed atomic.Bool

	cacheIdx  int
	cacheData []byte
}

// New opens a seekable reader over ra (size bytes long). It runs the
// frame walker once to compute the total uncompressed length and the set
// of referenced dictionaries, resolving each via resolve before the
// reader is usable. A nil resolve is only valid if the archive references
// no dictionaries.
func New(ra io.ReaderAt, size int64, resolve DictionaryResolver, log *zap.Logger) (*Reader, error) {
	if log == nil {
		log = zap.NewNop()
	}
	frames, err := zstdframe.Walk(ra, size)
	if err != nil {
		return nil, err
	}

	seen := map[uint32]bool{}
	var dictIDs []uint32
	entries := make([]frameEntry, 0, len(frames))
	var cursor int64
	for _, f := range frames {
		if f.Kind != zstdframe.Ordinary {
			continue
		}
		entries = append(entries, frameEntry{frame: f, uStart: cursor})
		cursor += f.UncompressedLen
		if f.DictionaryID != 0 && !seen[f.DictionaryID] {
			seen[f.DictionaryID] = true
			dictIDs = append(dictIDs, f.DictionaryID)
		}
	}

	var dicts [][]byte
	for _, id := range dictIDs {
		if resolve == nil {
			return nil, fmt.Errorf("carac: archive references dictionary %d but no resolver was given", id)
		}
		raw, err := resolve(id)
		if err != nil {
			return nil, fmt.Errorf("carac: resolving dictionary %d: %w", id, err)
		}
		dicts = append(dicts, raw)
	}

	opts := []zstd.DOption{}
	if len(dicts) > 0 {
		opts = append(opts, zstd.WithDecoderDicts(dicts...))
	}
	dec, err := zstd.NewReader(nil, opts...)
	if err != nil {
		return nil, &DecompressorError{Message: err.Error()}
	}

	log.Debug("carac: opened archive",
		zap.Int("frames", len(entries)),
		zap.Int64("size", cursor),
		zap.Int("dictionaries", len(dictIDs)))

	return &Reader{
		ra:       ra,
		log:      log,
		dec:      dec,
		frames:   entries,
		size:     cursor,
		cacheIdx: -1,
	}, nil
}

// Size returns the total uncompressed length of the archive.
func (r *Reader) Size() int64 { return r.size }

// Position returns the current logical read cursor.
func (r *Reader) Position() int64 { return r.pos }

// Seek moves the cursor to n, clamped into [0, Size()], and returns the
// resulting position.
func (r *Reader) Seek(n int64) int64 {
	if n < 0 {
		n = 0
	}
	if n > r.size {
		n = r.size
	}
	r.pos = n
	return r.pos
}

// Skip moves the cursor by k bytes (negative moves backward) and returns
// the resulting position.
func (r *Reader) Skip(k int64) int64 { return r.Seek(r.pos + k) }

// ReadExact reads len(dst) bytes at the current cursor into dst, advancing
// the cursor by the number of bytes produced. It fails with
// ErrTruncatedRead if fewer bytes were produced than requested and the
// requested range did not run past end-of-stream.
func (r *Reader) ReadExact(dst []byte) (int, error) {
	n, err := r.ReadRangeAt(r.pos, dst)
	r.pos += int64(n)
	return n, err
}

// ReadRangeAt reads up to len(dst) bytes starting at uncompressed offset
// pos into dst, without moving the cursor. It fails with ErrTruncatedRead
// under the same rule as ReadExact.
func (r *Reader) ReadRangeAt(pos int64, dst []byte) (int, error) {
	if r.closed.Load() {
		return 0, ErrClosed
	}
	if pos < 0 || pos > r.size {
		return 0, fmt.Errorf("carac: read at %d out of range [0,%d]", pos, r.size)
	}
	want := len(dst)
	wantEnd := pos + int64(want)
	n, err := r.readInto(pos, dst)
	if err != nil {
		return n, err
	}
	if n < want && wantEnd <= r.size {
		return n, fmt.Errorf("%w: wanted %d bytes at %d, got %d", ErrTruncatedRead, want, pos, n)
	}
	return n, nil
}

// ReadAt implements io.ReaderAt over the uncompressed content, so a Reader
// can be wrapped by lib/readerat.ReadSeeker (or any other io.ReaderAt
// consumer) without disturbing its own cursor.
func (r *Reader) ReadAt(p []byte, off int64) (int, error) {
	n, err := r.ReadRangeAt(off, p)
	if err == nil && n < len(p) {
		err = io.EOF
	}
	return n, err
}

func (r *Reader) readInto(pos int64, dst []byte) (int, error) {
	idx := r.frameIndexForOffset(pos)
	if idx < 0 {
		return 0, nil
	}
	total := 0
	for total < len(dst) && idx < len(r.frames) {
		fe := r.frames[idx]
		data, err := r.decodedFrame(idx)
		if err != nil {
			return total, err
		}
		withinFrame := pos - fe.uStart
		if withinFrame < 0 {
			withinFrame = 0
		}
		if withinFrame >= int64(len(data)) {
			idx++
			pos = fe.uStart + fe.frame.UncompressedLen
			continue
		}
		n := copy(dst[total:], data[withinFrame:])
		total += n
		pos += int64(n)
		idx++
	}
	return total, nil
}

func (r *Reader) frameIndexForOffset(pos int64) int {
	if pos >= r.size {
		return -1
	}
	i := sort.Search(len(r.frames), func(i int) bool {
		return r.frames[i].uStart+r.frames[i].frame.UncompressedLen > pos
	})
	if i >= len(r.frames) {
		return -1
	}
	return i
}

func (r *Reader) decodedFrame(idx int) ([]byte, error) {
	if r.cacheIdx == idx {
		return r.cacheData, nil
	}
	fe := r.frames[idx]
	compressed := make([]byte, fe.frame.CompressedLen)
	if n, err := readFull(r.ra, fe.frame.Offset, compressed); err != nil || int64(n) != fe.frame.CompressedLen {
		if err == nil {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("carac: reading frame %d: %w", idx, err)
	}

	data, err := r.dec.DecodeAll(compressed, make([]byte, 0, fe.frame.UncompressedLen))
	if err != nil {
		return nil, &DecompressorError{Message: err.Error()}
	}
	r.cacheIdx = idx
	r.cacheData = data
	return data, nil
}

func readFull(ra io.ReaderAt, offset int64, buf []byte) (int, error) {
	return io.ReadFull(io.NewSectionReader(ra, offset, int64(len(buf))), buf)
}

// Close releases the decompressor context on its first call;
// subsequent calls are no-ops.
func (r *Reader) Close() error {
	if r.closed.CAS(false, true) {
		r.dec.Close()
	}
	return nil
}
