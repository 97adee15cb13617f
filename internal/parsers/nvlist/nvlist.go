// Package nvlist decodes the XDR-encoded name/value lists ZFS stores
// in vdev labels (pool name, guids, vdev tree) and packed-nvlist
// objects.
package nvlist

import (
	"encoding/binary"
	"fmt"

	"github.com/deploymenttheory/go-zfs/internal/types"
)

// XDR value types (data_type_t), limited to what labels use.
const (
	typeBoolean      = 1
	typeByte         = 2
	typeInt16        = 3
	typeUint16       = 4
	typeInt32        = 5
	typeUint32       = 6
	typeInt64        = 7
	typeUint64       = 8
	typeString       = 9
	typeUint64Array  = 14
	typeStringArray  = 17
	typeNVList       = 19
	typeNVListArray  = 20
	typeBooleanValue = 21
)

// List is a decoded nvlist. Values are uint64, string, bool, List,
// []uint64, []string or []List depending on the pair's type.
type List map[string]interface{}

// Uint64 returns the named uint64 value.
func (l List) Uint64(name string) (uint64, bool) {
	v, ok := l[name].(uint64)
	return v, ok
}

// String returns the named string value.
func (l List) String(name string) (string, bool) {
	v, ok := l[name].(string)
	return v, ok
}

// List returns the named nested list.
func (l List) List(name string) (List, bool) {
	v, ok := l[name].(List)
	return v, ok
}

// Lists returns the named nvlist array.
func (l List) Lists(name string) ([]List, bool) {
	v, ok := l[name].([]List)
	return v, ok
}

// Parse decodes a serialized nvlist starting at its 4-byte encoding
// header. Only XDR encoding is supported; both endianness markers are
// accepted because XDR data is big-endian regardless.
func Parse(data []byte) (List, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("%w: nvlist header truncated", types.ErrMalformedStructure)
	}
	if data[0] != 1 {
		return nil, fmt.Errorf("%w: nvlist encoding %d is not XDR", types.ErrMalformedStructure, data[0])
	}

	r := &reader{data: data, pos: 4}
	list, err := r.list()
	if err != nil {
		return nil, err
	}
	return list, nil
}

type reader struct {
	data []byte
	pos  int
}

func (r *reader) uint32() (uint32, error) {
	if r.pos+4 > len(r.data) {
		return 0, fmt.Errorf("%w: nvlist truncated at offset %d", types.ErrMalformedStructure, r.pos)
	}
	v := binary.BigEndian.Uint32(r.data[r.pos:])
	r.pos += 4
	return v, nil
}

func (r *reader) uint64() (uint64, error) {
	if r.pos+8 > len(r.data) {
		return 0, fmt.Errorf("%w: nvlist truncated at offset %d", types.ErrMalformedStructure, r.pos)
	}
	v := binary.BigEndian.Uint64(r.data[r.pos:])
	r.pos += 8
	return v, nil
}

// string reads an XDR string: length word then bytes padded to a
// 4-byte boundary.
func (r *reader) string() (string, error) {
	n, err := r.uint32()
	if err != nil {
		return "", err
	}
	padded := (int(n) + 3) &^ 3
	if r.pos+padded > len(r.data) {
		return "", fmt.Errorf("%w: nvlist string of %d bytes truncated", types.ErrMalformedStructure, n)
	}
	s := string(r.data[r.pos : r.pos+int(n)])
	r.pos += padded
	return s, nil
}

// list reads an nvlist body: version, flags, pairs until the zero
// terminator.
func (r *reader) list() (List, error) {
	if _, err := r.uint32(); err != nil { // version
		return nil, err
	}
	if _, err := r.uint32(); err != nil { // nvflag
		return nil, err
	}

	out := List{}
	for {
		encodedSize, err := r.uint32()
		if err != nil {
			return nil, err
		}
		decodedSize, err := r.uint32()
		if err != nil {
			return nil, err
		}
		if encodedSize == 0 && decodedSize == 0 {
			return out, nil
		}

		name, err := r.string()
		if err != nil {
			return nil, err
		}
		pairType, err := r.uint32()
		if err != nil {
			return nil, err
		}
		nelem, err := r.uint32()
		if err != nil {
			return nil, err
		}

		value, err := r.value(pairType, nelem)
		if err != nil {
			return nil, fmt.Errorf("nvpair %q: %w", name, err)
		}
		out[name] = value
	}
}

func (r *reader) value(pairType, nelem uint32) (interface{}, error) {
	switch pairType {
	case typeBoolean:
		return true, nil
	case typeBooleanValue:
		v, err := r.uint32()
		return v != 0, err
	case typeByte, typeInt16, typeUint16, typeInt32, typeUint32:
		v, err := r.uint32()
		return uint64(v), err
	case typeInt64, typeUint64:
		return r.uint64()
	case typeString:
		return r.string()
	case typeUint64Array:
		vs := make([]uint64, 0, nelem)
		for i := uint32(0); i < nelem; i++ {
			v, err := r.uint64()
			if err != nil {
				return nil, err
			}
			vs = append(vs, v)
		}
		return vs, nil
	case typeStringArray:
		vs := make([]string, 0, nelem)
		for i := uint32(0); i < nelem; i++ {
			v, err := r.string()
			if err != nil {
				return nil, err
			}
			vs = append(vs, v)
		}
		return vs, nil
	case typeNVList:
		return r.list()
	case typeNVListArray:
		vs := make([]List, 0, nelem)
		for i := uint32(0); i < nelem; i++ {
			v, err := r.list()
			if err != nil {
				return nil, err
			}
			vs = append(vs, v)
		}
		return vs, nil
	default:
		return nil, fmt.Errorf("%w: nvpair type %d", types.ErrMalformedStructure, pairType)
	}
}
