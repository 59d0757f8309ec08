// Package caibx reads the external ".caibx" index file format: a list of
// chunk IDs composing a target file, produced by an external chunker.
package caibx

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/google/cachunked/lib/chunkid"
)

// ErrMalformedIndex is returned when either of the two fixed headers does
// not match the expected (payload_size, type) pair.
var ErrMalformedIndex = errors.New("caibx: malformed index")

const (
	indexHeaderType = 0x96824d9c7b129ff9
	indexHeaderSize = 48

	tableHeaderType = 0xe75b9e112f17417d
	tableHeaderSize = ^uint64(0) // u64::MAX
)

type header struct {
	PayloadSize uint64
	Type        uint64
}

func readHeader(r io.Reader) (header, error) {
	var buf [16]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return header{}, fmt.Errorf("%w: %v", ErrMalformedIndex, err)
	}
	return header{
		PayloadSize: binary.LittleEndian.Uint64(buf[0:8]),
		Type:        binary.LittleEndian.Uint64(buf[8:16]),
	}, nil
}

// Read parses a .caibx stream and returns the ordered chunk IDs it lists.
func Read(r io.Reader) ([]chunkid.ID, error) {
	idx, err := readHeader(r)
	if err != nil {
		return nil, err
	}
	if idx.PayloadSize != indexHeaderSize || idx.Type != indexHeaderType {
		return nil, fmt.Errorf("%w: bad index header (size=%d type=%#x)", ErrMalformedIndex, idx.PayloadSize, idx.Type)
	}
	// Skip the remaining payload_size - 16 bytes of the index header.
	if rem := int64(idx.PayloadSize) - 16; rem > 0 {
		if _, err := io.CopyN(io.Discard, r, rem); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedIndex, err)
		}
	}

	tbl, err := readHeader(r)
	if err != nil {
		return nil, err
	}
	if tbl.PayloadSize != tableHeaderSize || tbl.Type != tableHeaderType {
		return nil, fmt.Errorf("%w: bad table header (size=%d type=%#x)", ErrMalformedIndex, tbl.PayloadSize, tbl.Type)
	}

	var ids []chunkid.ID
	var rec [8 + chunkid.Size]byte
	for {
		if _, err := io.ReadFull(r, rec[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return ids, nil
			}
			if errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, fmt.Errorf("%w: truncated record: %v", ErrMalformedIndex, err)
			}
			return nil, err
		}
		offset := binary.LittleEndian.Uint64(rec[0:8])
		if offset == 0 {
			return ids, nil
		}
		id, err := chunkid.FromBytes(rec[8:])
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedIndex, err)
		}
		ids = append(ids, id)
	}
}
