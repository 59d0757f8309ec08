package chunkstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/dolthub/gozstd"
	"github.com/stretchr/testify/require"

	"github.com/google/cachunked/lib/chunkid"
)

func idOf(b byte) chunkid.ID {
	var id chunkid.ID
	id[0] = b
	return id
}

func writeChunk(t *testing.T, root string, id chunkid.ID, content []byte, level int) {
	t.Helper()
	p := chunkid.Path(id, root)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, gozstd.CompressLevel(nil, content, level), 0o644))
}

func readChunk(t *testing.T, root string, id chunkid.ID) []byte {
	t.Helper()
	p := chunkid.Path(id, root)
	compressed, err := os.ReadFile(p)
	require.NoError(t, err)
	raw, err := gozstd.Decompress(nil, compressed)
	require.NoError(t, err)
	return raw
}

// TestRunPreservesContentWithoutDictionary exercises the decompress →
// recompress pipeline with TrainDict forced true (so the skip-if-already-
// at-target-dictionary shortcut is bypassed) and DictionaryID 0 (no
// dictionary), checking that every chunk's decompressed content is
// unchanged and no .raw sibling survives.
func TestRunPreservesContentWithoutDictionary(t *testing.T) {
	root := t.TempDir()
	a, b := idOf(1), idOf(2)
	writeChunk(t, root, a, []byte("alpha alpha alpha"), 1)
	writeChunk(t, root, b, []byte("bravo bravo bravo"), 9)

	cfg := Config{Root: root, DictionaryID: 0, Level: 3, Workers: 2, TrainDict: true}
	stats, err := Run(cfg, nil)
	require.NoError(t, err)
	require.Equal(t, 2, stats.Decompressed)
	require.Equal(t, 2, stats.Recompressed)

	require.Equal(t, []byte("alpha alpha alpha"), readChunk(t, root, a))
	require.Equal(t, []byte("bravo bravo bravo"), readChunk(t, root, b))

	_, err = os.Stat(rawPath(chunkid.Path(a, root)))
	require.True(t, os.IsNotExist(err))
}

// TestRunIdempotent exercises the idempotence property of §8: running the
// pass twice with the same Config (TrainDict forced true both times, so
// both runs actually recompress) produces byte-identical chunk files.
func TestRunIdempotent(t *testing.T) {
	root := t.TempDir()
	a := idOf(9)
	writeChunk(t, root, a, []byte("idempotent idempotent idempotent"), 5)

	cfg := Config{Root: root, DictionaryID: 0, Level: 5, Workers: 1, TrainDict: true}
	_, err := Run(cfg, nil)
	require.NoError(t, err)
	first, err := os.ReadFile(chunkid.Path(a, root))
	require.NoError(t, err)

	_, err = Run(cfg, nil)
	require.NoError(t, err)
	second, err := os.ReadFile(chunkid.Path(a, root))
	require.NoError(t, err)

	require.Equal(t, first, second)
}

func TestEmbeddedDictionaryIDNoDictionary(t *testing.T) {
	root := t.TempDir()
	a := idOf(3)
	writeChunk(t, root, a, []byte("no dictionary here"), 3)

	id, err := embeddedDictionaryID(chunkid.Path(a, root))
	require.NoError(t, err)
	require.Equal(t, uint32(0), id)
}

func TestEmbeddedDictionaryIDNotAFrame(t *testing.T) {
	root := t.TempDir()
	p := filepath.Join(root, "garbage.cacnk")
	require.NoError(t, os.WriteFile(p, []byte{0, 1, 2, 3, 4}, 0o644))

	id, err := embeddedDictionaryID(p)
	require.NoError(t, err)
	require.Equal(t, uint32(0), id)
}
