package carac

import (
	"bytes"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/require"
)

func buildArchive(t *testing.T, chunks ...[]byte) []byte {
	t.Helper()
	enc, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	defer enc.Close()

	var buf bytes.Buffer
	for _, c := range chunks {
		buf.Write(enc.EncodeAll(c, nil))
	}
	return buf.Bytes()
}

func TestReadRangeAtArbitraryOffset(t *testing.T) {
	full := bytes.Repeat([]byte("ABCDEFGHIJ"), 100000)

	// Split into a handful of frames so the reader must cross frame
	// boundaries to serve a read.
	const n = 7
	chunkLen := len(full) / n
	var chunks [][]byte
	for i := 0; i < n; i++ {
		start := i * chunkLen
		end := start + chunkLen
		if i == n-1 {
			end = len(full)
		}
		chunks = append(chunks, full[start:end])
	}
	archive := buildArchive(t, chunks...)

	r, err := New(bytes.NewReader(archive), int64(len(archive)), nil, nil)
	require.NoError(t, err)
	defer r.Close()

	require.Equal(t, int64(len(full)), r.Size())

	pos, n2 := int64(123456), 10
	dst := make([]byte, n2)
	got, err := r.ReadRangeAt(pos, dst)
	require.NoError(t, err)
	require.Equal(t, n2, got)
	require.Equal(t, full[pos:pos+int64(n2)], dst)
}

func TestReadExactAdvancesCursor(t *testing.T) {
	archive := buildArchive(t, []byte("hello "), []byte("world"))
	r, err := New(bytes.NewReader(archive), int64(len(archive)), nil, nil)
	require.NoError(t, err)
	defer r.Close()

	dst := make([]byte, 5)
	n, err := r.ReadExact(dst)
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.Equal(t, "hello", string(dst))
	require.Equal(t, int64(5), r.Position())

	dst2 := make([]byte, 6)
	n, err = r.ReadExact(dst2)
	require.NoError(t, err)
	require.Equal(t, 6, n)
	require.Equal(t, " world", string(dst2))
}

func TestSeekClampsIntoRange(t *testing.T) {
	archive := buildArchive(t, []byte("0123456789"))
	r, err := New(bytes.NewReader(archive), int64(len(archive)), nil, nil)
	require.NoError(t, err)
	defer r.Close()

	require.Equal(t, int64(10), r.Seek(1000))
	require.Equal(t, int64(0), r.Seek(-5))
}

// TestReadBeyondFrameContentIsTruncated exercises the genuine truncation path: a
// range fully within the reader's declared size (so it is not "past
// EOF") for which the backing frame nonetheless yields fewer bytes than
// its own index claimed — the state a corrupted or lying seek table
// would produce. Since the test lives in package carac, it corrupts the
// frame index directly after a real, valid archive is opened, rather
// than relying on undefined behavior from feeding the zstd decoder a
// frame whose header doesn't match its own block content.
func TestReadBeyondFrameContentIsTruncated(t *testing.T) {
	archive := buildArchive(t, []byte("short"))
	r, err := New(bytes.NewReader(archive), int64(len(archive)), nil, nil)
	require.NoError(t, err)
	defer r.Close()

	// "short" decodes to 5 bytes; claim 20 so that pos+n stays within
	// the (falsely inflated) declared size but past what the frame
	// actually decodes to.
	r.frames[0].frame.UncompressedLen = 20
	r.size = 20

	dst := make([]byte, 10)
	n, err := r.ReadRangeAt(2, dst)
	require.ErrorIs(t, err, ErrTruncatedRead)
	require.Equal(t, 3, n) // "short"[2:5] == "ort"
}

func TestCloseIsIdempotent(t *testing.T) {
	archive := buildArchive(t, []byte("x"))
	r, err := New(bytes.NewReader(archive), int64(len(archive)), nil, nil)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())

	_, err = r.ReadRangeAt(0, make([]byte, 1))
	require.ErrorIs(t, err, ErrClosed)
}
