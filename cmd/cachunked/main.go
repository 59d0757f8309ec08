/*
cachunked manipulates chunked, zstd-framed archives: parsing their frame
structure, synthesizing new archives from a chunk store and seed
archives, extracting a seed archive's embedded chunk table, reading
arbitrary uncompressed byte ranges, browsing the tar view, and
recompressing a chunk store against a trained dictionary.

Usage:

	cachunked <command> [flags]

Commands:

	parse       walk an archive and print its frame descriptors
	extract     print the chunk-ID table embedded in a seed archive
	synthesize  build a new archive from a chunk store and seed archives
	read        print a byte range from an archive's uncompressed content
	ls          list a directory in an archive's tar view
	cat         print a file's content from an archive's tar view
	recompress  decompress/train/recompress a chunk store in parallel
*/
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/google/cachunked/lib/cachunked"
	"github.com/google/cachunked/lib/caibx"
	"github.com/google/cachunked/lib/carac"
	"github.com/google/cachunked/lib/chunkid"
	"github.com/google/cachunked/lib/chunkstore"
	"github.com/google/cachunked/lib/readerat"
	"github.com/google/cachunked/lib/tarview"
	"github.com/google/cachunked/lib/zstdframe"
)

func main() {
	if err := main1(); err != nil {
		os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(1)
	}
}

func main1() error {
	if len(os.Args) < 2 {
		return errors.New("usage: cachunked <command> [flags]")
	}
	cmd, args := os.Args[1], os.Args[2:]
	switch cmd {
	case "parse":
		return cmdParse(args)
	case "extract":
		return cmdExtract(args)
	case "synthesize":
		return cmdSynthesize(args)
	case "read":
		return cmdRead(args)
	case "ls":
		return cmdLs(args)
	case "cat":
		return cmdCat(args)
	case "recompress":
		return cmdRecompress(args)
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func newLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func openReaderAt(path string) (*os.File, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	return f, info.Size(), nil
}

func cmdParse(args []string) error {
	fs := flag.NewFlagSet("parse", flag.ExitOnError)
	fs.Parse(args)
	if fs.NArg() != 1 {
		return errors.New("usage: cachunked parse <archive>")
	}

	f, size, err := openReaderAt(fs.Arg(0))
	if err != nil {
		return err
	}
	defer f.Close()

	frames, err := zstdframe.Walk(f, size)
	if err != nil {
		return err
	}
	for i, fr := range frames {
		if fr.Kind == zstdframe.Ordinary {
			fmt.Printf("%d: ordinary offset=%d compressed_len=%d uncompressed_len=%d dictionary_id=%d\n",
				i, fr.Offset, fr.CompressedLen, fr.UncompressedLen, fr.DictionaryID)
		} else {
			fmt.Printf("%d: skippable offset=%d magic=%#x payload_len=%d\n",
				i, fr.Offset, fr.Magic, len(fr.Payload))
		}
	}
	return nil
}

func cmdExtract(args []string) error {
	fs := flag.NewFlagSet("extract", flag.ExitOnError)
	fs.Parse(args)
	if fs.NArg() != 1 {
		return errors.New("usage: cachunked extract <seed-archive>")
	}

	f, size, err := openReaderAt(fs.Arg(0))
	if err != nil {
		return err
	}
	defer f.Close()

	records, err := cachunked.Extract(f, size)
	if err != nil {
		return err
	}
	if records == nil {
		fmt.Println("(no seed metadata)")
		return nil
	}
	for _, r := range records {
		fmt.Printf("%s dictionary_id=%d offset=%d compressed_len=%d\n",
			r.ID, r.DictionaryID, r.Offset, r.CompressedLen)
	}
	return nil
}

func cmdSynthesize(args []string) error {
	fs := flag.NewFlagSet("synthesize", flag.ExitOnError)
	storeRoot := fs.String("store", "", "chunk-store root")
	indexPath := fs.String("index", "", ".caibx index listing the target chunks")
	out := fs.String("out", "", "output archive path")
	seeds := fs.String("seeds", "", "comma-separated seed archive paths")
	fs.Parse(args)
	if *storeRoot == "" || *indexPath == "" || *out == "" {
		return errors.New("usage: cachunked synthesize -store=DIR -index=FILE -out=FILE [-seeds=a,b,c]")
	}

	idxFile, err := os.Open(*indexPath)
	if err != nil {
		return err
	}
	ids, err := caibx.Read(idxFile)
	idxFile.Close()
	if err != nil {
		return err
	}

	var seedPaths []string
	if *seeds != "" {
		seedPaths = strings.Split(*seeds, ",")
	}
	return cachunked.Synthesize(ids, *storeRoot, seedPaths, *out)
}

func cmdRead(args []string) error {
	fs := flag.NewFlagSet("read", flag.ExitOnError)
	pos := fs.Int64("pos", 0, "uncompressed byte offset")
	n := fs.Int64("n", 0, "number of bytes to read")
	dictDir := fs.String("dictdir", "", "directory containing dictionary-<id>.zstdict files")
	verbose := fs.Bool("verbose", false, "verbose logging")
	fs.Parse(args)
	if fs.NArg() != 1 {
		return errors.New("usage: cachunked read -pos=N -n=N [-dictdir=DIR] <archive>")
	}

	log, err := newLogger(*verbose)
	if err != nil {
		return err
	}
	defer log.Sync()

	f, size, err := openReaderAt(fs.Arg(0))
	if err != nil {
		return err
	}
	defer f.Close()

	r, err := carac.New(f, size, dictionaryResolver(*dictDir), log)
	if err != nil {
		return err
	}
	defer r.Close()

	buf := make([]byte, *n)
	if _, err := r.ReadRangeAt(*pos, buf); err != nil {
		return err
	}
	_, err = os.Stdout.Write(buf)
	return err
}

func dictionaryResolver(dir string) carac.DictionaryResolver {
	if dir == "" {
		return nil
	}
	return func(dictID uint32) ([]byte, error) {
		return os.ReadFile(dir + "/" + chunkid.DictionaryName(dictID))
	}
}

func openTarView(archivePath, dictDir string, log *zap.Logger) (*tarview.View, *carac.Reader, error) {
	f, size, err := openReaderAt(archivePath)
	if err != nil {
		return nil, nil, err
	}
	r, err := carac.New(f, size, dictionaryResolver(dictDir), log)
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	v, err := tarview.New(&readerat.ReadSeeker{ReaderAt: r, Size: r.Size()}, r)
	if err != nil {
		r.Close()
		f.Close()
		return nil, nil, err
	}
	return v, r, nil
}

func cmdLs(args []string) error {
	fs := flag.NewFlagSet("ls", flag.ExitOnError)
	dictDir := fs.String("dictdir", "", "directory containing dictionary-<id>.zstdict files")
	fs.Parse(args)
	if fs.NArg() != 2 {
		return errors.New("usage: cachunked ls [-dictdir=DIR] <archive> <path>")
	}

	log, _ := newLogger(false)
	v, r, err := openTarView(fs.Arg(0), *dictDir, log)
	if err != nil {
		return err
	}
	defer r.Close()

	children, err := v.Readdir(fs.Arg(1))
	if err != nil {
		return err
	}
	for _, c := range children {
		fmt.Println(c)
	}
	return nil
}

func cmdCat(args []string) error {
	fs := flag.NewFlagSet("cat", flag.ExitOnError)
	dictDir := fs.String("dictdir", "", "directory containing dictionary-<id>.zstdict files")
	fs.Parse(args)
	if fs.NArg() != 2 {
		return errors.New("usage: cachunked cat [-dictdir=DIR] <archive> <path>")
	}

	log, _ := newLogger(false)
	v, r, err := openTarView(fs.Arg(0), *dictDir, log)
	if err != nil {
		return err
	}
	defer r.Close()

	fv, err := v.Open(fs.Arg(1))
	if err != nil {
		return err
	}
	_, err = io.Copy(os.Stdout, fv)
	return err
}

func cmdRecompress(args []string) error {
	fs := flag.NewFlagSet("recompress", flag.ExitOnError)
	root := fs.String("store", "", "chunk-store root")
	dictID := fs.Uint("dictionary_id", 1, "dictionary id to recompress against")
	level := fs.Int("level", 19, "zstd compression level")
	workers := fs.Int("workers", 4, "worker pool size")
	trainDict := fs.Bool("train", false, "force dictionary retraining")
	verbose := fs.Bool("verbose", false, "verbose logging")
	fs.Parse(args)
	if *root == "" {
		return errors.New("usage: cachunked recompress -store=DIR [-dictionary_id=N -level=N -workers=N -train]")
	}

	log, err := newLogger(*verbose)
	if err != nil {
		return err
	}
	defer log.Sync()

	stats, err := chunkstore.Run(chunkstore.Config{
		Root:         *root,
		DictionaryID: uint32(*dictID),
		Level:        *level,
		Workers:      *workers,
		TrainDict:    *trainDict,
	}, log)
	if err != nil {
		return err
	}
	fmt.Printf("decompressed=%d skipped=%d recompressed=%d original_bytes=%d decompressed_bytes=%d recompressed_bytes=%d\n",
		stats.Decompressed, stats.Skipped, stats.Recompressed,
		stats.OriginalBytes, stats.DecompressedBytes, stats.RecompressedBytes)
	return nil
}
