// Package zap decodes ZAP (ZFS attribute processor) objects, the
// name/value maps behind directory contents, master nodes and DSL
// child maps. Both the micro format (single block of fixed-size
// entries) and the fat format (header block plus leaf blocks) are
// supported.
package zap

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/deploymenttheory/go-zfs/internal/types"
)

// Block type discriminators (first word of a ZAP block).
const (
	blockTypeLeaf   = 1 << 63
	blockTypeHeader = 1<<63 + 1
	blockTypeMicro  = 1<<63 + 3
)

// Structure magics.
const (
	fatZapMagic  = 0x2F52AB2AB
	leafMagic    = 0x2AB1EAF
	leafHdrSize  = 48
	chunkSize    = 24
	mzapHdrSize  = 64
	mzapEntSize  = 64
	mzapNameSize = 50
)

// Leaf chunk types.
const (
	chunkTypeArray = 251
	chunkTypeEntry = 252
)

// Entry is one name/value pair. Value holds the first 64-bit integer
// of the attribute; directory entries and master nodes store exactly
// one.
type Entry struct {
	Name  string
	Value uint64
}

// Parse decodes a fully materialized ZAP object from its logical
// blocks in order. Block 0 discriminates micro from fat. Entries are
// returned sorted by name so output is deterministic.
func Parse(blocks [][]byte) ([]Entry, error) {
	if len(blocks) == 0 || len(blocks[0]) < 8 {
		return nil, fmt.Errorf("%w: empty zap object", types.ErrMalformedStructure)
	}

	var (
		entries []Entry
		err     error
	)
	switch binary.LittleEndian.Uint64(blocks[0]) {
	case blockTypeMicro:
		entries, err = ParseMicroZap(blocks[0])
	case blockTypeHeader:
		entries, err = ParseFatZap(blocks)
	default:
		return nil, fmt.Errorf("%w: zap block type %#x", types.ErrMalformedStructure,
			binary.LittleEndian.Uint64(blocks[0]))
	}
	if err != nil {
		return nil, err
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

// Lookup returns the value stored under name.
func Lookup(blocks [][]byte, name string) (uint64, bool, error) {
	entries, err := Parse(blocks)
	if err != nil {
		return 0, false, err
	}
	for _, e := range entries {
		if e.Name == name {
			return e.Value, true, nil
		}
	}
	return 0, false, nil
}

// ParseMicroZap decodes a single-block micro ZAP: a 64-byte header
// followed by 64-byte entries of value, collision differentiator and
// inline name.
func ParseMicroZap(block []byte) ([]Entry, error) {
	if len(block) < mzapHdrSize+mzapEntSize {
		return nil, fmt.Errorf("%w: microzap needs at least %d bytes, have %d",
			types.ErrMalformedStructure, mzapHdrSize+mzapEntSize, len(block))
	}
	if binary.LittleEndian.Uint64(block) != blockTypeMicro {
		return nil, fmt.Errorf("%w: not a microzap block", types.ErrMalformedStructure)
	}

	var entries []Entry
	for off := mzapHdrSize; off+mzapEntSize <= len(block); off += mzapEntSize {
		ent := block[off : off+mzapEntSize]
		name := ent[14 : 14+mzapNameSize]
		end := bytes.IndexByte(name, 0)
		if end == 0 {
			continue // unused slot
		}
		if end < 0 {
			end = mzapNameSize
		}
		entries = append(entries, Entry{
			Name:  string(name[:end]),
			Value: binary.LittleEndian.Uint64(ent),
		})
	}
	return entries, nil
}

// ParseFatZap decodes a fat ZAP from its logical blocks: block 0 is
// the header, the rest hold leaves (and, for large objects, pointer
// table blocks, which carry no entries and are skipped). Leaves are
// identified by their own magic rather than walked through the pointer
// table, so entries survive even when the table block is lost.
func ParseFatZap(blocks [][]byte) ([]Entry, error) {
	hdr := blocks[0]
	if len(hdr) < 88 {
		return nil, fmt.Errorf("%w: fatzap header too short", types.ErrMalformedStructure)
	}
	if binary.LittleEndian.Uint64(hdr) != blockTypeHeader {
		return nil, fmt.Errorf("%w: not a fatzap header block", types.ErrMalformedStructure)
	}
	if magic := binary.LittleEndian.Uint64(hdr[8:]); magic != fatZapMagic {
		return nil, fmt.Errorf("%w: fatzap magic %#x", types.ErrMalformedStructure, magic)
	}

	var entries []Entry
	for i, block := range blocks[1:] {
		if len(block) < leafHdrSize || binary.LittleEndian.Uint64(block) != blockTypeLeaf {
			continue
		}
		leaf, err := parseLeaf(block)
		if err != nil {
			return nil, fmt.Errorf("fatzap leaf %d: %w", i+1, err)
		}
		entries = append(entries, leaf...)
	}
	return entries, nil
}

// parseLeaf decodes one zap_leaf_phys_t block. The chunk area begins
// after the header and the hash table, which occupies one u16 per 32
// bytes of block size.
func parseLeaf(block []byte) ([]Entry, error) {
	if magic := binary.LittleEndian.Uint32(block[24:]); magic != leafMagic {
		return nil, fmt.Errorf("%w: leaf magic %#x", types.ErrMalformedStructure, magic)
	}

	chunksStart := leafHdrSize + len(block)/32*2
	if chunksStart >= len(block) {
		return nil, fmt.Errorf("%w: leaf block of %d bytes has no chunk area",
			types.ErrMalformedStructure, len(block))
	}
	nchunks := (len(block) - chunksStart) / chunkSize

	chunk := func(idx uint16) ([]byte, error) {
		off := chunksStart + int(idx)*chunkSize
		if int(idx) >= nchunks {
			return nil, fmt.Errorf("%w: chunk index %d out of %d", types.ErrMalformedStructure, idx, nchunks)
		}
		return block[off : off+chunkSize], nil
	}

	var entries []Entry
	for i := 0; i < nchunks; i++ {
		c, _ := chunk(uint16(i))
		if c[0] != chunkTypeEntry {
			continue
		}

		intlen := c[1]
		nameChunk := binary.LittleEndian.Uint16(c[4:])
		nameLen := binary.LittleEndian.Uint16(c[6:])
		valueChunk := binary.LittleEndian.Uint16(c[8:])
		valueLen := binary.LittleEndian.Uint16(c[10:])

		name, err := readArray(chunk, nameChunk, int(nameLen))
		if err != nil {
			return nil, err
		}
		name = bytes.TrimRight(name, "\x00")

		if intlen != 8 || valueLen < 1 {
			// Non-u64 attributes (padding, byte arrays) carry no object
			// references; skip them.
			continue
		}
		value, err := readArray(chunk, valueChunk, int(valueLen)*8)
		if err != nil {
			return nil, err
		}

		entries = append(entries, Entry{
			Name:  string(name),
			Value: binary.BigEndian.Uint64(value),
		})
	}
	return entries, nil
}

// readArray follows a chain of array chunks and returns n bytes of
// payload. Each chunk carries 21 payload bytes and the index of the
// next chunk.
func readArray(chunk func(uint16) ([]byte, error), idx uint16, n int) ([]byte, error) {
	const payloadPerChunk = 21
	const endOfChain = 0xFFFF

	out := make([]byte, 0, n)
	for len(out) < n {
		if idx == endOfChain {
			return nil, fmt.Errorf("%w: array chain ended %d bytes early", types.ErrMalformedStructure, n-len(out))
		}
		c, err := chunk(idx)
		if err != nil {
			return nil, err
		}
		if c[0] != chunkTypeArray {
			return nil, fmt.Errorf("%w: chunk %d is not an array chunk", types.ErrMalformedStructure, idx)
		}
		take := n - len(out)
		if take > payloadPerChunk {
			take = payloadPerChunk
		}
		out = append(out, c[1:1+take]...)
		idx = binary.LittleEndian.Uint16(c[22:])
	}
	return out, nil
}

// DirectoryObjectID extracts the object number from a directory entry
// value, which packs the entry's file type into the top bits.
func DirectoryObjectID(value uint64) uint64 {
	return value & 0x0000FFFFFFFFFFFF
}

// DirectoryEntryType extracts the file type (DT_* values) from a
// directory entry value.
func DirectoryEntryType(value uint64) uint8 {
	return uint8(value >> 60)
}
