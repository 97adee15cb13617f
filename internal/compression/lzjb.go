package compression

import "fmt"

// LZJB match encoding parameters.
const (
	lzjbMatchBits = 6
	lzjbMatchMin  = 3
	lzjbMatchMax  = (1 << lzjbMatchBits) + (lzjbMatchMin - 1)
	lzjbOffsetMask = (1 << (16 - lzjbMatchBits)) - 1
)

// DecompressLZJB expands an lzjb-compressed block. Each control byte
// governs the next eight items; a set bit means a two-byte
// length/offset copy from the output window, a clear bit a literal.
func DecompressLZJB(physical []byte, logicalSize int) ([]byte, error) {
	out := make([]byte, 0, logicalSize)
	src := physical

	var copymask byte
	var copymap byte
	for len(out) < logicalSize {
		copymask <<= 1
		if copymask == 0 {
			copymask = 1
			if len(src) == 0 {
				return nil, fmt.Errorf("lzjb stream truncated at control byte")
			}
			copymap = src[0]
			src = src[1:]
		}

		if copymap&copymask != 0 {
			if len(src) < 2 {
				return nil, fmt.Errorf("lzjb stream truncated at copy item")
			}
			mlen := int(src[0]>>(8-lzjbMatchBits)) + lzjbMatchMin
			offset := (int(src[0])<<8 | int(src[1])) & lzjbOffsetMask
			src = src[2:]

			pos := len(out) - offset
			if offset == 0 || pos < 0 {
				return nil, fmt.Errorf("lzjb copy offset %d before start of output", offset)
			}
			for i := 0; i < mlen && len(out) < logicalSize; i++ {
				out = append(out, out[pos+i])
			}
		} else {
			if len(src) == 0 {
				return nil, fmt.Errorf("lzjb stream truncated at literal")
			}
			out = append(out, src[0])
			src = src[1:]
		}
	}
	return out, nil
}
