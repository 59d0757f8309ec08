package cachunked

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/google/cachunked/lib/chunkid"
	"github.com/google/cachunked/lib/zstdframe"
)

// Extract walks a chunked archive and recovers its embedded chunk-ID
// table, pairing each ordinary (content) frame with its chunk ID in
// order.
//
// If no trailing chunk-ID table skippable frame is found, the archive is
// treated as lacking seed metadata: Extract returns a nil slice and a nil
// error, not an error.
func Extract(r io.ReaderAt, size int64) ([]CompressedChunk, error) {
	frames, err := zstdframe.Walk(r, size)
	if err != nil {
		return nil, err
	}

	var content []zstdframe.Frame
	var skippable []zstdframe.Frame
	for _, f := range frames {
		if f.Kind == zstdframe.Ordinary {
			content = append(content, f)
		} else {
			skippable = append(skippable, f)
		}
	}

	n := len(content)
	wantPayloadLen := n*chunkid.Size + 4

	var table []byte
	for i := len(skippable) - 1; i >= 0; i-- {
		f := skippable[i]
		if f.Magic != zstdframe.MagicChunkIDTable {
			continue
		}
		if len(f.Payload) != wantPayloadLen {
			continue
		}
		cookie := binary.LittleEndian.Uint32(f.Payload[len(f.Payload)-4:])
		if cookie != chunkIDTableCookie {
			continue
		}
		table = f.Payload
		break
	}
	if table == nil {
		return nil, nil
	}

	chunks := make([]CompressedChunk, n)
	for i, f := range content {
		id, err := chunkid.FromBytes(table[i*chunkid.Size : (i+1)*chunkid.Size])
		if err != nil {
			return nil, fmt.Errorf("cachunked: corrupt chunk-id table entry %d: %w", i, err)
		}
		chunks[i] = CompressedChunk{
			ID:            id,
			DictionaryID:  f.DictionaryID,
			Offset:        uint64(f.Offset),
			CompressedLen: uint32(f.CompressedLen),
		}
	}
	return chunks, nil
}
