package cachunked

import (
	"fmt"
	"io"
	"os"

	"github.com/google/cachunked/lib/chunkid"
	"github.com/google/cachunked/lib/zstdframe"
)

type seedEntry struct {
	chunk CompressedChunk
	file  *os.File
}

// Synthesize assembles a new chunked archive at outPath from targetChunks,
// in order, sourcing each chunk's bytes from storeRoot (preferred) or one
// of seedPaths (in the order given; later seeds win ties for a given
// chunk ID). It writes the trailing chunk-ID table and seek table
// skippable frames.
//
// On any error the partially written output is unlinked before returning.
// All opened seed file handles are released before Synthesize returns, by
// any path.
func Synthesize(targetChunks []chunkid.ID, storeRoot string, seedPaths []string, outPath string) (retErr error) {
	seedMap := make(map[chunkid.ID]seedEntry)
	var seedFiles []*os.File
	defer func() {
		for _, f := range seedFiles {
			f.Close()
		}
	}()

	for _, sp := range seedPaths {
		f, err := os.Open(sp)
		if err != nil {
			return fmt.Errorf("cachunked: opening seed %q: %w", sp, err)
		}
		seedFiles = append(seedFiles, f)

		info, err := f.Stat()
		if err != nil {
			return fmt.Errorf("cachunked: stat seed %q: %w", sp, err)
		}
		records, err := Extract(f, info.Size())
		if err != nil {
			return fmt.Errorf("cachunked: extracting seed %q: %w", sp, err)
		}
		for _, rec := range records {
			seedMap[rec.ID] = seedEntry{chunk: rec, file: f}
		}
	}

	out, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("cachunked: creating output %q: %w", outPath, err)
	}
	defer func() {
		out.Close()
		if retErr != nil {
			os.Remove(outPath)
		}
	}()

	type seekEntry struct {
		compressedLen, uncompressedLen uint32
	}
	seekEntries := make([]seekEntry, 0, len(targetChunks))

	for _, c := range targetChunks {
		storePath := chunkid.Path(c, storeRoot)
		if sf, err := os.Open(storePath); err == nil {
			entry, err := copyStoreChunk(out, sf, storePath)
			sf.Close()
			if err != nil {
				return err
			}
			seekEntries = append(seekEntries, seekEntry(entry))
			continue
		}

		if se, ok := seedMap[c]; ok {
			entry, err := copySeedChunk(out, se)
			if err != nil {
				return err
			}
			seekEntries = append(seekEntries, seekEntry(entry))
			continue
		}

		return &MissingChunkError{ID: c}
	}

	n := uint32(len(targetChunks))

	// Chunk-ID table frame.
	idPayload := make([]byte, int(n)*chunkid.Size+4)
	for i, c := range targetChunks {
		copy(idPayload[i*chunkid.Size:], c[:])
	}
	putU32(idPayload[len(idPayload)-4:], chunkIDTableCookie)
	if err := writeSkippableFrame(out, zstdframe.MagicChunkIDTable, idPayload); err != nil {
		return err
	}

	// Seek table frame.
	seekPayload := make([]byte, int(n)*8+9)
	for i, e := range seekEntries {
		putU32(seekPayload[i*8:], e.compressedLen)
		putU32(seekPayload[i*8+4:], e.uncompressedLen)
	}
	putU32(seekPayload[int(n)*8:], n)
	seekPayload[int(n)*8+4] = 0
	putU32(seekPayload[len(seekPayload)-4:], seekTableCookie)
	if err := writeSkippableFrame(out, zstdframe.MagicSeekTable, seekPayload); err != nil {
		return err
	}

	return nil
}

func writeSkippableFrame(w io.Writer, magic uint32, payload []byte) error {
	var hdr [8]byte
	putU32(hdr[0:4], magic)
	putU32(hdr[4:8], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

type copiedChunk struct {
	compressedLen, uncompressedLen uint32
}

func copyStoreChunk(out io.Writer, sf *os.File, path string) (copiedChunk, error) {
	f, err := zstdframe.ReadFrameAt(sf, 0)
	if err != nil {
		return copiedChunk{}, fmt.Errorf("cachunked: peeking store chunk %q: %w", path, err)
	}
	if _, err := sf.Seek(0, io.SeekStart); err != nil {
		return copiedChunk{}, err
	}
	if _, err := io.Copy(out, sf); err != nil {
		return copiedChunk{}, fmt.Errorf("cachunked: copying store chunk %q: %w", path, err)
	}
	return copiedChunk{
		compressedLen:   uint32(f.CompressedLen),
		uncompressedLen: uint32(f.UncompressedLen),
	}, nil
}

func copySeedChunk(out io.Writer, se seedEntry) (copiedChunk, error) {
	f, err := zstdframe.ReadFrameAt(se.file, int64(se.chunk.Offset))
	if err != nil {
		return copiedChunk{}, fmt.Errorf("cachunked: peeking seed chunk %s: %w", se.chunk.ID.Short(), err)
	}
	sr := io.NewSectionReader(se.file, int64(se.chunk.Offset), int64(se.chunk.CompressedLen))
	n, err := io.Copy(out, sr)
	if err != nil {
		return copiedChunk{}, fmt.Errorf("cachunked: copying seed chunk %s: %w", se.chunk.ID.Short(), err)
	}
	if n != int64(se.chunk.CompressedLen) {
		return copiedChunk{}, fmt.Errorf("%w: %s wanted %d bytes, got %d", ErrTruncatedSeedChunk, se.chunk.ID.Short(), se.chunk.CompressedLen, n)
	}
	return copiedChunk{
		compressedLen:   uint32(f.CompressedLen),
		uncompressedLen: uint32(f.UncompressedLen),
	}, nil
}
