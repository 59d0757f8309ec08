package tarview

import (
	"archive/tar"
	"bytes"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/require"

	"github.com/google/cachunked/lib/carac"
	"github.com/google/cachunked/lib/readerat"
)

func buildTarArchive(t *testing.T, fn func(tw *tar.Writer)) []byte {
	t.Helper()
	var tarBuf bytes.Buffer
	tw := tar.NewWriter(&tarBuf)
	fn(tw)
	require.NoError(t, tw.Close())

	enc, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	defer enc.Close()
	return enc.EncodeAll(tarBuf.Bytes(), nil)
}

func openView(t *testing.T, archive []byte) (*View, *carac.Reader) {
	t.Helper()
	r, err := carac.New(bytes.NewReader(archive), int64(len(archive)), nil, nil)
	require.NoError(t, err)

	rs := &readerat.ReadSeeker{ReaderAt: r, Size: r.Size()}
	v, err := New(rs, r)
	require.NoError(t, err)
	return v, r
}

func TestOpenAndReadRegularFile(t *testing.T) {
	content := []byte("hello")
	archive := buildTarArchive(t, func(tw *tar.Writer) {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name: "a/b.txt",
			Mode: 0o644,
			Size: int64(len(content)),
		}))
		_, err := tw.Write(content)
		require.NoError(t, err)
	})

	v, r := openView(t, archive)
	defer r.Close()

	f, err := v.Open("a/b.txt")
	require.NoError(t, err)

	got := make([]byte, len(content))
	n, err := f.Read(got)
	require.NoError(t, err)
	require.Equal(t, len(content), n)
	require.Equal(t, content, got)
}

func TestReaddirListsChildren(t *testing.T) {
	archive := buildTarArchive(t, func(tw *tar.Writer) {
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: "a/", Typeflag: tar.TypeDir, Mode: 0o755}))
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: "a/b.txt", Size: 5, Mode: 0o644}))
		_, err := tw.Write([]byte("hello"))
		require.NoError(t, err)
	})

	v, r := openView(t, archive)
	defer r.Close()

	children, err := v.Readdir("/a")
	require.NoError(t, err)
	require.Equal(t, []string{"/a/b.txt"}, children)

	_, err = v.Readdir("/a/b.txt")
	require.ErrorIs(t, err, ErrNotADirectory)
}

func TestStatMissingReturnsEmptyNoError(t *testing.T) {
	archive := buildTarArchive(t, func(tw *tar.Writer) {})
	v, r := openView(t, archive)
	defer r.Close()

	require.Equal(t, Entry{}, v.Stat("missing"))
}

func TestOpenFollowsSymlink(t *testing.T) {
	content := []byte("target bytes")
	archive := buildTarArchive(t, func(tw *tar.Writer) {
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: "real.txt", Size: int64(len(content)), Mode: 0o644}))
		_, err := tw.Write(content)
		require.NoError(t, err)

		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     "link.txt",
			Typeflag: tar.TypeSymlink,
			Linkname: "real.txt",
		}))
	})

	v, r := openView(t, archive)
	defer r.Close()

	f, err := v.Open("link.txt")
	require.NoError(t, err)
	got := make([]byte, len(content))
	_, err = f.Read(got)
	require.NoError(t, err)
	require.Equal(t, content, got)
}

func TestOpenDanglingSymlinkNotFound(t *testing.T) {
	archive := buildTarArchive(t, func(tw *tar.Writer) {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     "dangling.txt",
			Typeflag: tar.TypeSymlink,
			Linkname: "nowhere.txt",
		}))
	})

	v, r := openView(t, archive)
	defer r.Close()

	_, err := v.Open("dangling.txt")
	require.ErrorIs(t, err, ErrNotFound)
}
