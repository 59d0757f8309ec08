package chunkstore

import (
	"fmt"
	"os"
	"sync"

	"github.com/dolthub/gozstd"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// decompressPass is the first barrier-ordered pass: every chunk file
// whose embedded dictionary id differs from cfg.DictionaryID (or
// unconditionally, if a retrain is happening) is decompressed to a
// sibling .raw file. It reports original and decompressed byte totals.
func decompressPass(cfg Config, trainDict bool, files []string, log *zap.Logger) (Stats, []string, error) {
	var stats Stats
	workCh := make(chan string, 2*cfg.Workers)

	// Unbounded accumulator: workers must never block on emit.
	resultCh := make(chan decompressResult)

	eg := &errgroup.Group{}
	eg.Go(func() error {
		for _, p := range files {
			workCh <- p
		}
		close(workCh)
		return nil
	})

	var wg sync.WaitGroup
	wg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		eg.Go(func() error {
			defer wg.Done()
			for p := range workCh {
				r, err := decompressOne(p, cfg.DictionaryID, trainDict)
				if err != nil {
					return fmt.Errorf("chunkstore: decompressing %q: %w", p, err)
				}
				resultCh <- r
			}
			return nil
		})
	}

	go func() {
		wg.Wait()
		close(resultCh)
	}()

	var rawFiles []string
	for r := range resultCh {
		stats.OriginalBytes += r.original
		if r.decompressed {
			stats.DecompressedBytes += r.decd
			stats.Decompressed++
			rawFiles = append(rawFiles, r.rawPath)
		} else {
			stats.Skipped++
		}
	}

	if err := eg.Wait(); err != nil {
		return stats, nil, err
	}
	log.Debug("chunkstore: decompress pass complete",
		zap.Int("decompressed", stats.Decompressed),
		zap.Int("skipped", stats.Skipped))
	return stats, rawFiles, nil
}

type decompressResult struct {
	path           string
	rawPath        string
	original, decd int64
	decompressed   bool
}

func decompressOne(path string, dictID uint32, trainDict bool) (decompressResult, error) {
	info, err := os.Stat(path)
	if err != nil {
		return decompressResult{}, err
	}
	embedded, err := embeddedDictionaryID(path)
	if err != nil {
		return decompressResult{}, err
	}
	if !trainDict && embedded == dictID {
		return decompressResult{path: path, original: info.Size()}, nil
	}

	compressed, err := os.ReadFile(path)
	if err != nil {
		return decompressResult{}, err
	}
	raw, err := gozstd.Decompress(nil, compressed)
	if err != nil {
		return decompressResult{}, fmt.Errorf("decompressing: %w", err)
	}
	rp := rawPath(path)
	if err := os.WriteFile(rp, raw, 0o644); err != nil {
		return decompressResult{}, err
	}
	return decompressResult{
		path:         path,
		rawPath:      rp,
		original:     info.Size(),
		decd:         int64(len(raw)),
		decompressed: true,
	}, nil
}

// trainDictionary trains a new dictionary for cfg.DictionaryID from every
// raw file produced by the decompress pass, writing the result under the
// store root. The trainer is not given cfg.Level; the level is applied
// only when the dictionary is loaded for the recompress pass.
func trainDictionary(cfg Config, rawFiles []string, log *zap.Logger) error {
	samples := make([][]byte, 0, len(rawFiles))
	for _, rp := range rawFiles {
		b, err := os.ReadFile(rp)
		if err != nil {
			return fmt.Errorf("chunkstore: reading %q for dictionary training: %w", rp, err)
		}
		samples = append(samples, b)
	}
	const defaultDictSize = 112 * 1024
	dict := gozstd.BuildDict(samples, defaultDictSize)
	if len(dict) < 8 {
		return fmt.Errorf("chunkstore: trained dictionary for %d too small (insufficient samples)", cfg.DictionaryID)
	}
	// Force the explicit dictionary id requested, overwriting the
	// trainer-assigned id at bytes [4:8] of the raw dictionary header.
	dict[4] = byte(cfg.DictionaryID)
	dict[5] = byte(cfg.DictionaryID >> 8)
	dict[6] = byte(cfg.DictionaryID >> 16)
	dict[7] = byte(cfg.DictionaryID >> 24)

	dst := dictionaryPath(cfg.Root, cfg.DictionaryID)
	if err := os.WriteFile(dst, dict, 0o644); err != nil {
		return fmt.Errorf("chunkstore: writing dictionary %q: %w", dst, err)
	}
	log.Info("chunkstore: trained dictionary",
		zap.Uint32("dictionary_id", cfg.DictionaryID),
		zap.Int("samples", len(samples)),
		zap.Int("size", len(dict)))
	return nil
}

// recompressPass is the third barrier-ordered pass: every chunk with a
// sibling .raw file is recompressed against cDict (nil means no
// dictionary) at cfg.Level, overwriting the .cacnk file, and the .raw
// sibling is removed.
func recompressPass(cfg Config, files []string, cDict *gozstd.CDict, stats *Stats, log *zap.Logger) error {
	workCh := make(chan string, 2*cfg.Workers)
	eg := &errgroup.Group{}
	eg.Go(func() error {
		for _, p := range files {
			if _, err := os.Stat(rawPath(p)); err == nil {
				workCh <- p
			}
		}
		close(workCh)
		return nil
	})

	var mu sync.Mutex
	for i := 0; i < cfg.Workers; i++ {
		eg.Go(func() error {
			for p := range workCh {
				n, err := recompressOne(p, cfg.Level, cDict)
				if err != nil {
					return fmt.Errorf("chunkstore: recompressing %q: %w", p, err)
				}
				mu.Lock()
				stats.RecompressedBytes += n
				stats.Recompressed++
				mu.Unlock()
			}
			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		return err
	}
	log.Debug("chunkstore: recompress pass complete", zap.Int("recompressed", stats.Recompressed))
	return nil
}

func recompressOne(path string, level int, cDict *gozstd.CDict) (int64, error) {
	rp := rawPath(path)
	raw, err := os.ReadFile(rp)
	if err != nil {
		return 0, err
	}
	var compressed []byte
	if cDict != nil {
		compressed = gozstd.CompressDict(nil, raw, cDict)
	} else {
		compressed = gozstd.CompressLevel(nil, raw, level)
	}
	if err := os.WriteFile(path, compressed, 0o644); err != nil {
		return 0, err
	}
	if err := os.Remove(rp); err != nil {
		return 0, err
	}
	return int64(len(compressed)), nil
}
