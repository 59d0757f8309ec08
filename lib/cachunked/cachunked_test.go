package cachunked

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/require"

	"github.com/google/cachunked/lib/chunkid"
	"github.com/google/cachunked/lib/chunkstore"
	"github.com/google/cachunked/lib/zstdframe"
)

func compressChunk(t *testing.T, content []byte) []byte {
	t.Helper()
	enc, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	defer enc.Close()
	return enc.EncodeAll(content, nil)
}

func idOf(b byte) chunkid.ID {
	var id chunkid.ID
	id[0] = b
	return id
}

func TestSynthesizeFromStoreOnly(t *testing.T) {
	dir := t.TempDir()
	store := filepath.Join(dir, "store")

	a, b, c := idOf(1), idOf(2), idOf(3)
	require.NoError(t, chunkstore.BuildFixture(store, map[chunkid.ID][]byte{
		a: []byte("aaaa"),
		b: []byte("bbbbbbbb"),
		c: []byte("cc"),
	}))

	out := filepath.Join(dir, "out.cachunked")
	require.NoError(t, Synthesize([]chunkid.ID{a, b, c}, store, nil, out))

	data, err := os.ReadFile(out)
	require.NoError(t, err)

	frames, err := zstdframe.Walk(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	require.Len(t, frames, 5) // 3 content + id table + seek table

	// Concatenation property: bytes up to the trailing skippable frames
	// equal the concatenation of the store chunk bodies, in order.
	var wantPrefix bytes.Buffer
	for _, id := range []chunkid.ID{a, b, c} {
		raw, err := os.ReadFile(chunkid.Path(id, store))
		require.NoError(t, err)
		wantPrefix.Write(raw)
	}
	require.Equal(t, wantPrefix.Bytes(), data[:wantPrefix.Len()])

	require.Equal(t, zstdframe.MagicChunkIDTable, frames[3].Magic)
	require.Equal(t, zstdframe.MagicSeekTable, frames[4].Magic)

	// Round trip: extracting the synthesized output yields the target
	// chunk IDs in order.
	records, err := Extract(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	require.Len(t, records, 3)
	require.Equal(t, []chunkid.ID{a, b, c}, []chunkid.ID{records[0].ID, records[1].ID, records[2].ID})
}

func TestSynthesizeFromSeedOnly(t *testing.T) {
	dir := t.TempDir()
	store := filepath.Join(dir, "store") // left empty

	a, b, c := idOf(4), idOf(5), idOf(6)
	seed := filepath.Join(dir, "seed.cachunked")
	require.NoError(t, os.MkdirAll(filepath.Dir(store), 0o755))

	seedStore := filepath.Join(dir, "seed-store")
	require.NoError(t, chunkstore.BuildFixture(seedStore, map[chunkid.ID][]byte{
		a: []byte("one"),
		b: []byte("two"),
		c: []byte("three"),
	}))
	require.NoError(t, Synthesize([]chunkid.ID{a, b, c}, seedStore, nil, seed))

	require.NoError(t, os.MkdirAll(store, 0o755))
	out := filepath.Join(dir, "out.cachunked")
	require.NoError(t, Synthesize([]chunkid.ID{a, b, c}, store, []string{seed}, out))

	wantData, err := os.ReadFile(seed)
	require.NoError(t, err)
	gotData, err := os.ReadFile(out)
	require.NoError(t, err)

	// Same target chunks from a seed alone produce the same content
	// frame bytes as synthesizing straight from the store.
	wantFrames, err := zstdframe.Walk(bytes.NewReader(wantData), int64(len(wantData)))
	require.NoError(t, err)
	var wantContentLen int64
	for _, f := range wantFrames {
		if f.Kind == zstdframe.Ordinary {
			wantContentLen += f.CompressedLen
		}
	}
	require.Equal(t, wantData[:wantContentLen], gotData[:wantContentLen])
}

func TestSynthesizeMissingChunkCleansUpOutput(t *testing.T) {
	dir := t.TempDir()
	store := filepath.Join(dir, "store")
	a := idOf(7)
	require.NoError(t, chunkstore.BuildFixture(store, map[chunkid.ID][]byte{a: []byte("present")}))

	missing := idOf(8)
	out := filepath.Join(dir, "out.cachunked")
	err := Synthesize([]chunkid.ID{a, missing}, store, nil, out)
	require.Error(t, err)
	var mc *MissingChunkError
	require.ErrorAs(t, err, &mc)
	require.Equal(t, missing, mc.ID)

	_, statErr := os.Stat(out)
	require.True(t, os.IsNotExist(statErr))
}

func TestExtractReturnsNilWhenNoIDTable(t *testing.T) {
	content := compressChunk(t, []byte("plain zstd stream, no trailers"))
	records, err := Extract(bytes.NewReader(content), int64(len(content)))
	require.NoError(t, err)
	require.Nil(t, records)
}
