package chunkstore

import (
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"

	"github.com/google/cachunked/lib/chunkid"
)

// BuildFixture is a minimal in-process chunk-store builder used by tests
// in place of the external CDC chunker (spec §1 treats the chunker as an
// out-of-scope black box). It zstd-compresses each content blob as a
// single ordinary frame and writes it to its canonical chunk-store path,
// creating parent directories as needed.
func BuildFixture(root string, contents map[chunkid.ID][]byte) error {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return err
	}
	defer enc.Close()

	for id, content := range contents {
		path := chunkid.Path(id, root)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		compressed := enc.EncodeAll(content, nil)
		if err := os.WriteFile(path, compressed, 0o644); err != nil {
			return err
		}
	}
	return nil
}
