// Package zstdframe walks a zstd-framed byte stream and enumerates its
// frames (ordinary and skippable) without decompressing any payload.
//
// It is a pure inspector: offsets, compressed and uncompressed sizes, and
// dictionary identifiers are extracted directly from frame and block
// headers. See the Zstandard frame format for the on-wire layout this
// package decodes.
package zstdframe

import (
	"errors"
	"fmt"
	"io"
)

var (
	// ErrNotAFrame is reported when the next four bytes at an offset are
	// not a recognized zstd magic number. Enumeration stops without
	// consuming further bytes; it is reported, not treated as fatal.
	ErrNotAFrame = errors.New("zstdframe: not a frame")

	// ErrTruncatedFrame is returned when end-of-stream arrives before a
	// frame's final block (last-block bit set).
	ErrTruncatedFrame = errors.New("zstdframe: truncated frame")
)

const (
	magicOrdinary        = 0xFD2FB528
	skippableMagicMask    = 0xFFFFFFF0
	skippableMagicPrefix = 0x184D2A50

	// MagicChunkIDTable and MagicSeekTable are the skippable-frame magic
	// numbers used by the chunked-archive format (see lib/cachunked).
	MagicChunkIDTable = uint32(0x184D2A5D)
	MagicSeekTable    = uint32(0x184D2A5E)
)

// Kind distinguishes an ordinary (content-carrying) frame from a
// skippable (opaque metadata) frame.
type Kind uint8

const (
	Ordinary Kind = iota
	Skippable
)

// Frame is a single parsed frame descriptor. Offset is the absolute byte
// position of the frame's magic number within the stream.
//
// For Ordinary frames, CompressedLen, UncompressedLen and DictionaryID are
// populated; Magic and Payload are zero/nil.
//
// For Skippable frames, Magic and Payload (and CompressedLen, which is
// 4+4+len(Payload)) are populated; UncompressedLen and DictionaryID are
// zero.
type Frame struct {
	Kind            Kind
	Offset          int64
	CompressedLen   int64
	UncompressedLen int64
	DictionaryID    uint32
	Magic           uint32
	Payload         []byte
}

// End returns the offset one past the end of the frame.
func (f Frame) End() int64 { return f.Offset + f.CompressedLen }

func isSkippableMagic(m uint32) bool {
	return (m & skippableMagicMask) == skippableMagicPrefix
}

// ReadFrameAt parses exactly one frame starting at offset in r, without
// reading anything beyond that frame's end. It does not decompress any
// block payload.
//
// If the four bytes at offset are not a recognized magic number,
// ErrNotAFrame is returned and no further bytes are considered consumed.
func ReadFrameAt(r io.ReaderAt, offset int64) (Frame, error) {
	sr := io.NewSectionReader(r, offset, 1<<62)
	return readFrame(sr, offset)
}

// Walk parses every frame in [0, size) of r, in order, stopping at size or
// at the first unrecognized magic number. It returns every frame
// successfully parsed so far; if the stream ends with a non-frame prefix,
// the returned error wraps ErrNotAFrame with the offending offset.
func Walk(r io.ReaderAt, size int64) ([]Frame, error) {
	var frames []Frame
	offset := int64(0)
	sr := io.NewSectionReader(r, 0, size)
	for offset < size {
		if _, err := sr.Seek(offset, io.SeekStart); err != nil {
			return frames, err
		}
		f, err := readFrame(sr, offset)
		if err != nil {
			return frames, fmt.Errorf("zstdframe: at offset %d: %w", offset, err)
		}
		frames = append(frames, f)
		offset = f.End()
	}
	return frames, nil
}

func readFrame(r io.Reader, offset int64) (Frame, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, ErrNotAFrame
		}
		return Frame{}, err
	}
	magic := u32LE(hdr[:])

	if isSkippableMagic(magic) {
		return readSkippableFrame(r, offset, magic)
	}
	if magic == magicOrdinary {
		return readOrdinaryFrame(r, offset)
	}
	return Frame{}, ErrNotAFrame
}

func readSkippableFrame(r io.Reader, offset int64, magic uint32) (Frame, error) {
	var sizeBuf [4]byte
	if _, err := io.ReadFull(r, sizeBuf[:]); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrTruncatedFrame, err)
	}
	size := u32LE(sizeBuf[:])
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrTruncatedFrame, err)
	}
	return Frame{
		Kind:          Skippable,
		Offset:        offset,
		CompressedLen: 4 + 4 + int64(size),
		Magic:         magic,
		Payload:       payload,
	}, nil
}

func readOrdinaryFrame(r io.Reader, offset int64) (Frame, error) {
	var fhd [1]byte
	if _, err := io.ReadFull(r, fhd[:]); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrTruncatedFrame, err)
	}
	b := fhd[0]

	fcsFlag := (b >> 6) & 3
	singleSeg := (b >> 5) & 1
	contentChecksum := (b >> 2) & 1
	didFlag := b & 3

	headerLen := int64(1)

	didSize := map[byte]int64{0: 0, 1: 1, 2: 2, 3: 4}[didFlag]

	windowDescriptorLen := int64(0)
	if singleSeg == 0 {
		windowDescriptorLen = 1
	}

	var fcsSize int64
	switch fcsFlag {
	case 0:
		if singleSeg == 1 {
			fcsSize = 1
		}
	case 1:
		fcsSize = 2
	case 2:
		fcsSize = 4
	case 3:
		fcsSize = 8
	}

	if windowDescriptorLen > 0 {
		if _, err := io.CopyN(io.Discard, r, windowDescriptorLen); err != nil {
			return Frame{}, fmt.Errorf("%w: %v", ErrTruncatedFrame, err)
		}
		headerLen += windowDescriptorLen
	}

	var dictionaryID uint32
	if didSize > 0 {
		buf := make([]byte, didSize)
		if _, err := io.ReadFull(r, buf); err != nil {
			return Frame{}, fmt.Errorf("%w: %v", ErrTruncatedFrame, err)
		}
		dictionaryID = uLE(buf)
		headerLen += didSize
	}

	var uncompressedLen int64
	if fcsSize > 0 {
		buf := make([]byte, fcsSize)
		if _, err := io.ReadFull(r, buf); err != nil {
			return Frame{}, fmt.Errorf("%w: %v", ErrTruncatedFrame, err)
		}
		v := uLE64(buf)
		// The FCS_size==1 (one unsigned byte) case reads a plain byte with
		// no bias. The +256 bias applies only to the two-byte case. See
		// DESIGN.md's Open Questions for why this deviates from a
		// mis-transcribed reference.
		if fcsSize == 2 {
			v += 256
		}
		uncompressedLen = int64(v)
		headerLen += fcsSize
	}

	blocksLen := int64(0)
	for {
		var bh [3]byte
		if _, err := io.ReadFull(r, bh[:]); err != nil {
			return Frame{}, ErrTruncatedFrame
		}
		header := uint32(bh[0]) | uint32(bh[1])<<8 | uint32(bh[2])<<16
		last := header & 1
		blockType := (header >> 1) & 3
		blockSize := int64(header >> 3)

		payloadLen := blockSize
		if blockType == 1 {
			payloadLen = 1
		}
		if _, err := io.CopyN(io.Discard, r, payloadLen); err != nil {
			return Frame{}, ErrTruncatedFrame
		}
		blocksLen += 3 + payloadLen

		if last == 1 {
			break
		}
	}

	checksumLen := int64(0)
	if contentChecksum == 1 {
		if _, err := io.CopyN(io.Discard, r, 4); err != nil {
			return Frame{}, ErrTruncatedFrame
		}
		checksumLen = 4
	}

	return Frame{
		Kind:            Ordinary,
		Offset:          offset,
		CompressedLen:   4 + headerLen + blocksLen + checksumLen,
		UncompressedLen: uncompressedLen,
		DictionaryID:    dictionaryID,
	}, nil
}

func u32LE(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func uLE(b []byte) uint32 {
	var v uint32
	for i := len(b) - 1; i >= 0; i-- {
		v = (v << 8) | uint32(b[i])
	}
	return v
}

func uLE64(b []byte) uint64 {
	var v uint64
	for i := len(b) - 1; i >= 0; i-- {
		v = (v << 8) | uint64(b[i])
	}
	return v
}

// PutU32LE encodes v into b[:4], little-endian. b must have length >= 4.
func PutU32LE(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}
