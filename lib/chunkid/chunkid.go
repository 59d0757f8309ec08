// Package chunkid implements the content-addressed chunk identity value
// type and its canonical chunk-store path derivation.
package chunkid

import (
	"encoding/hex"
	"errors"
	"fmt"
	"path/filepath"
)

// Size is the fixed byte width of a chunk ID (a content hash).
const Size = 32

// ErrInvalidHashLength is returned when a hex string or byte slice does
// not decode to exactly Size bytes.
var ErrInvalidHashLength = errors.New("chunkid: invalid hash length")

// ID is a fixed-width content hash identifying a chunk. The zero value is
// not a valid chunk ID.
type ID [Size]byte

// FromHex parses the canonical lowercase 64-character hex form.
func FromHex(s string) (ID, error) {
	if len(s) != Size*2 {
		return ID{}, ErrInvalidHashLength
	}
	var id ID
	if _, err := hex.Decode(id[:], []byte(s)); err != nil {
		return ID{}, fmt.Errorf("%w: %v", ErrInvalidHashLength, err)
	}
	return id, nil
}

// FromBytes wraps a 32-byte slice as an ID, copying it.
func FromBytes(b []byte) (ID, error) {
	if len(b) != Size {
		return ID{}, ErrInvalidHashLength
	}
	var id ID
	copy(id[:], b)
	return id, nil
}

// String returns the canonical lowercase 64-character hex form.
func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// Short returns the bracketed display-short form, e.g. "[deadbeef]".
func (id ID) Short() string {
	return "[" + hex.EncodeToString(id[:4]) + "]"
}

// Path returns the canonical chunk-store path of id under root:
// root/<hex[0:4]>/<hex>.cacnk.
func Path(id ID, root string) string {
	s := id.String()
	return filepath.Join(root, s[:4], s+".cacnk")
}

// DictionaryName returns the chunk-store file name of the dictionary with
// the given id. Dictionary id 0 denotes "no dictionary" and has no name;
// callers must not call DictionaryName(0).
func DictionaryName(dictID uint32) string {
	if dictID == 0 {
		panic("chunkid: DictionaryName(0) is invalid: 0 means no dictionary")
	}
	return fmt.Sprintf("dictionary-%d.zstdict", dictID)
}
