package device

import (
	"fmt"

	"github.com/deploymenttheory/go-zfs/internal/types"
)

// RaidzDevice presents a RAIDZ group of member images as one device.
// Reads reassemble the data columns of each stripe and skip parity;
// no parity reconstruction is attempted, so a read touching a lost
// member fails rather than degrading silently.
type RaidzDevice struct {
	children []Device
	nparity  int
	ashift   uint
}

// NewRaidz groups child devices into a RAIDZ vdev. nparity is 1 to 3;
// ashift is the pool's sector shift (9 for 512-byte, 12 for 4K).
func NewRaidz(children []Device, nparity int, ashift uint) (*RaidzDevice, error) {
	if nparity < 1 || nparity > 3 {
		return nil, fmt.Errorf("raidz parity %d out of range", nparity)
	}
	if len(children) <= nparity {
		return nil, fmt.Errorf("raidz needs more than %d children, have %d", nparity, len(children))
	}
	if ashift < 9 || ashift > 16 {
		return nil, fmt.Errorf("ashift %d out of range", ashift)
	}
	return &RaidzDevice{children: children, nparity: nparity, ashift: ashift}, nil
}

// AllocatedSize returns the combined allocatable size of all children,
// parity included, which matches how DVA asize accounts RAIDZ space.
func (d *RaidzDevice) AllocatedSize() uint64 {
	var total uint64
	for _, c := range d.children {
		total += c.AllocatedSize()
	}
	return total
}

// Read reassembles length logical bytes starting at the given
// group-level offset. The mapping mirrors the allocator: sectors
// rotate across columns starting at offset/unit mod width, parity
// columns come first, and for single-parity groups the first two
// columns swap on every odd MiB of offset.
func (d *RaidzDevice) Read(offset, length uint64) ([]byte, error) {
	unit := uint64(1) << d.ashift
	if offset%unit != 0 || length%unit != 0 {
		return nil, fmt.Errorf("%w: raidz read [%d, %d) not aligned to %d",
			types.ErrAddressOutOfBounds, offset, offset+length, unit)
	}

	dcols := uint64(len(d.children))
	ndata := dcols - uint64(d.nparity)

	b := offset >> d.ashift
	s := length >> d.ashift
	f := b % dcols
	o := (b / dcols) << d.ashift

	q := s / ndata
	r := s % ndata
	bigCols := uint64(0)
	if r != 0 {
		bigCols = r + uint64(d.nparity)
	}
	acols := dcols
	if q == 0 {
		acols = bigCols
	}

	type column struct {
		child  uint64
		offset uint64
		size   uint64
	}
	cols := make([]column, 0, acols)
	for c := uint64(0); c < acols; c++ {
		child := f + c
		coff := o
		if child >= dcols {
			child -= dcols
			coff += unit
		}
		size := q
		if bigCols != 0 && c < bigCols {
			size = q + 1
		}
		cols = append(cols, column{child: child, offset: coff, size: size << d.ashift})
	}

	// Promote even parity distribution: single-parity groups swap the
	// first two columns on odd megabytes.
	if d.nparity == 1 && offset&(1<<20) != 0 && len(cols) > 1 {
		cols[0].child, cols[1].child = cols[1].child, cols[0].child
		cols[0].offset, cols[1].offset = cols[1].offset, cols[0].offset
	}

	out := make([]byte, 0, length)
	for _, col := range cols[d.nparity:] {
		if col.size == 0 {
			continue
		}
		data, err := d.children[col.child].Read(col.offset, col.size)
		if err != nil {
			return nil, fmt.Errorf("raidz child %d: %w", col.child, err)
		}
		out = append(out, data...)
	}
	if uint64(len(out)) < length {
		return nil, fmt.Errorf("%w: raidz stripe yielded %d of %d bytes",
			types.ErrAddressOutOfBounds, len(out), length)
	}
	return out[:length], nil
}

func (d *RaidzDevice) Close() error {
	var first error
	for _, c := range d.children {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
