// Package chunkstore implements the chunk-store recompressor: a
// decompress/train/recompress pass over every chunk file in a store,
// driven by a bounded worker pool, per spec §4.H and §5.
package chunkstore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/dolthub/gozstd"
	"go.uber.org/zap"

	"github.com/google/cachunked/lib/chunkid"
)

const ordinaryMagic = 0xFD2FB528

// ErrNoSuchDictionary is returned when the dictionary file for a non-zero
// dictionary id cannot be read before the recompress pass. A file that is
// missing at the start of a run forces training instead.
var ErrNoSuchDictionary = errors.New("chunkstore: dictionary file does not exist")

// Config configures one recompressor run.
type Config struct {
	Root         string
	DictionaryID uint32
	Level        int
	Workers      int
	TrainDict    bool
}

// Stats accumulates size totals and per-chunk counts across a run.
type Stats struct {
	OriginalBytes     int64
	DecompressedBytes int64
	RecompressedBytes int64
	Decompressed      int
	Skipped           int
	Recompressed      int
}

// dictionaryPath returns the on-disk path of dictionary id under root. id
// must be non-zero.
func dictionaryPath(root string, id uint32) string {
	return filepath.Join(root, chunkid.DictionaryName(id))
}

// Run executes the two (or three) barrier-ordered passes described in
// spec §4.H and §5: decompress-all, then (conditionally) train a
// dictionary, then recompress-all.
func Run(cfg Config, log *zap.Logger) (Stats, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}

	dictFile := ""
	trainDict := cfg.TrainDict
	if cfg.DictionaryID != 0 {
		dictFile = dictionaryPath(cfg.Root, cfg.DictionaryID)
		if _, err := os.Stat(dictFile); err != nil {
			trainDict = true
		}
	}

	files, err := listChunkFiles(cfg.Root)
	if err != nil {
		return Stats{}, err
	}

	stats, rawFiles, err := decompressPass(cfg, trainDict, files, log)
	if err != nil {
		return stats, err
	}

	var cDict *gozstd.CDict
	if trainDict && cfg.DictionaryID != 0 {
		if err := trainDictionary(cfg, rawFiles, log); err != nil {
			return stats, err
		}
	}
	if cfg.DictionaryID != 0 {
		raw, err := os.ReadFile(dictFile)
		if err != nil {
			return stats, fmt.Errorf("%w: %v", ErrNoSuchDictionary, err)
		}
		cDict, err = gozstd.NewCDictLevel(raw, cfg.Level)
		if err != nil {
			return stats, fmt.Errorf("chunkstore: loading dictionary %d: %w", cfg.DictionaryID, err)
		}
		defer cDict.Release()
	}

	if err := recompressPass(cfg, files, cDict, &stats, log); err != nil {
		return stats, err
	}

	return stats, nil
}

func listChunkFiles(root string) ([]string, error) {
	var files []string
	err := filepath.Walk(root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && strings.HasSuffix(p, ".cacnk") {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("chunkstore: listing store %q: %w", root, err)
	}
	return files, nil
}

func rawPath(cacnkPath string) string {
	return strings.TrimSuffix(cacnkPath, ".cacnk") + ".raw"
}

// embeddedDictionaryID detects a chunk file's embedded dictionary id
// without parsing the whole frame, per spec §4.H's fast-path algorithm.
func embeddedDictionaryID(path string) (uint32, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	var hdr [5]byte
	if _, err := io.ReadFull(f, hdr[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return 0, nil
		}
		return 0, err
	}
	magic := binary.LittleEndian.Uint32(hdr[0:4])
	if magic != ordinaryMagic {
		return 0, nil
	}
	b := hdr[4]
	didFlag := b & 3
	if didFlag == 0 {
		return 0, nil
	}
	if (b & 0x10) == 0 {
		if _, err := io.CopyN(io.Discard, f, 1); err != nil {
			return 0, err
		}
	}
	didSize := map[byte]int{0: 0, 1: 1, 2: 2, 3: 4}[didFlag]
	buf := make([]byte, didSize)
	if _, err := io.ReadFull(f, buf); err != nil {
		return 0, err
	}
	var v uint32
	for i := len(buf) - 1; i >= 0; i-- {
		v = (v << 8) | uint32(buf[i])
	}
	return v, nil
}
