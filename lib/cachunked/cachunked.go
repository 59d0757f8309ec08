// Package cachunked implements the chunked-archive codec: extracting the
// embedded chunk-ID table from an existing archive (the Seed Extractor,
// spec component D) and synthesizing a new archive from a chunk store and
// seed archives (the Synthesizer, component E).
package cachunked

import (
	"encoding/binary"
	"errors"

	"github.com/google/cachunked/lib/chunkid"
)

const (
	chunkIDTableCookie = uint32(0xD12FA2A3)
	seekTableCookie    = uint32(0x8F92EAB1)
)

var (
	// ErrTruncatedSeedChunk is returned when a seed archive ends before
	// supplying the full byte range a seed record promised.
	ErrTruncatedSeedChunk = errors.New("cachunked: truncated seed chunk")
)

// MissingChunkError reports a target chunk present in neither the store
// nor any seed archive.
type MissingChunkError struct {
	ID chunkid.ID
}

func (e *MissingChunkError) Error() string {
	return "cachunked: missing chunk " + e.ID.Short()
}

// CompressedChunk binds a chunk ID to the byte range, within a specific
// source stream, that decompresses to its content.
type CompressedChunk struct {
	ID            chunkid.ID
	DictionaryID  uint32
	Offset        uint64
	CompressedLen uint32
}

func putU32(b []byte, v uint32) { binary.LittleEndian.PutUint32(b, v) }
func putU64(b []byte, v uint64) { binary.LittleEndian.PutUint64(b, v) }
