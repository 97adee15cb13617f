package device

import (
	"fmt"
	"io"
	"os"

	"github.com/deploymenttheory/go-zfs/internal/types"
)

// ImageDevice reads one raw pool member image. The file is opened
// read-only and never written.
type ImageDevice struct {
	f    *os.File
	size uint64
}

// OpenImage opens a raw image file.
func OpenImage(path string) (*ImageDevice, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open image: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat image: %w", err)
	}
	size := uint64(info.Size())
	if size < types.DeviceFrontReservation+types.DeviceTailReservation {
		f.Close()
		return nil, fmt.Errorf("image of %d bytes is smaller than the label reservations", size)
	}
	return &ImageDevice{f: f, size: size}, nil
}

// NewMemoryImage wraps an in-memory byte slice as an image, for tests
// and small extracted regions.
func NewMemoryImage(data []byte) *MemoryImage {
	return &MemoryImage{data: data}
}

// RawSize returns the full image size including label reservations.
func (d *ImageDevice) RawSize() uint64 {
	return d.size
}

// AllocatedSize returns the size of the allocatable region between the
// front and tail reservations.
func (d *ImageDevice) AllocatedSize() uint64 {
	return d.size - types.DeviceFrontReservation - types.DeviceTailReservation
}

// Read returns length bytes at the given allocatable-region offset.
func (d *ImageDevice) Read(offset, length uint64) ([]byte, error) {
	if offset+length > d.AllocatedSize() || offset+length < offset {
		return nil, fmt.Errorf("%w: read [%d, %d) beyond allocatable region of %d bytes",
			types.ErrAddressOutOfBounds, offset, offset+length, d.AllocatedSize())
	}
	return d.ReadRaw(offset+types.DeviceFrontReservation, length)
}

// ReadRaw returns length bytes at an absolute image offset, label
// reservations included.
func (d *ImageDevice) ReadRaw(offset, length uint64) ([]byte, error) {
	if offset+length > d.size || offset+length < offset {
		return nil, fmt.Errorf("%w: raw read [%d, %d) beyond image of %d bytes",
			types.ErrAddressOutOfBounds, offset, offset+length, d.size)
	}
	buf := make([]byte, length)
	if _, err := d.f.ReadAt(buf, int64(offset)); err != nil && err != io.EOF {
		return nil, fmt.Errorf("read image at %d: %w", offset, err)
	}
	return buf, nil
}

// ReadLabel returns the raw bytes of label 0-3: two at the front of
// the image, two at the tail.
func (d *ImageDevice) ReadLabel(index int) ([]byte, error) {
	offset, err := labelOffset(index, d.size)
	if err != nil {
		return nil, err
	}
	return d.ReadRaw(offset, types.LabelSize)
}

func (d *ImageDevice) Close() error {
	return d.f.Close()
}

func labelOffset(index int, deviceSize uint64) (uint64, error) {
	switch index {
	case 0:
		return 0, nil
	case 1:
		return types.LabelSize, nil
	case 2:
		return deviceSize - 2*types.LabelSize, nil
	case 3:
		return deviceSize - types.LabelSize, nil
	}
	return 0, fmt.Errorf("label index %d out of range", index)
}

// MemoryImage is the in-memory counterpart of ImageDevice. The slice
// is treated as a full device image including label reservations.
type MemoryImage struct {
	data []byte
}

func (d *MemoryImage) RawSize() uint64 {
	return uint64(len(d.data))
}

func (d *MemoryImage) AllocatedSize() uint64 {
	if uint64(len(d.data)) < types.DeviceFrontReservation+types.DeviceTailReservation {
		return 0
	}
	return uint64(len(d.data)) - types.DeviceFrontReservation - types.DeviceTailReservation
}

func (d *MemoryImage) Read(offset, length uint64) ([]byte, error) {
	if offset+length > d.AllocatedSize() || offset+length < offset {
		return nil, fmt.Errorf("%w: read [%d, %d) beyond allocatable region of %d bytes",
			types.ErrAddressOutOfBounds, offset, offset+length, d.AllocatedSize())
	}
	return d.ReadRaw(offset+types.DeviceFrontReservation, length)
}

func (d *MemoryImage) ReadRaw(offset, length uint64) ([]byte, error) {
	if offset+length > uint64(len(d.data)) || offset+length < offset {
		return nil, fmt.Errorf("%w: raw read [%d, %d) beyond image of %d bytes",
			types.ErrAddressOutOfBounds, offset, offset+length, len(d.data))
	}
	return append([]byte(nil), d.data[offset:offset+length]...), nil
}

func (d *MemoryImage) ReadLabel(index int) ([]byte, error) {
	offset, err := labelOffset(index, uint64(len(d.data)))
	if err != nil {
		return nil, err
	}
	return d.ReadRaw(offset, types.LabelSize)
}

func (d *MemoryImage) Close() error {
	return nil
}
