// Package device provides read-only access to pool member images. All
// offsets taken by Device implementations are relative to the start of
// the allocatable region, which is how block pointers address data;
// each implementation accounts for its own label reservations.
package device

import (
	"fmt"

	"github.com/deploymenttheory/go-zfs/internal/types"
)

// Device is one virtual device of the pool: a single image or a
// composite such as a RAIDZ group.
type Device interface {
	// AllocatedSize is the size in bytes of the allocatable region.
	AllocatedSize() uint64

	// Read returns length bytes at the given allocatable-region offset.
	Read(offset, length uint64) ([]byte, error)

	Close() error
}

// Set maps virtual device ids to devices, mirroring the pool's
// top-level vdev list.
type Set struct {
	devices map[uint32]Device
}

// NewSet builds a device set from an id-indexed map.
func NewSet(devices map[uint32]Device) *Set {
	return &Set{devices: devices}
}

// SingleDeviceSet wraps one device as vdev 0, the degenerate layout
// used when recovering from a lone member image.
func SingleDeviceSet(dev Device) *Set {
	return NewSet(map[uint32]Device{0: dev})
}

// Device returns the device with the given vdev id.
func (s *Set) Device(vdevID uint32) (Device, error) {
	dev, ok := s.devices[vdevID]
	if !ok {
		return nil, fmt.Errorf("%w: no device with vdev id %d", types.ErrAddressOutOfBounds, vdevID)
	}
	return dev, nil
}

// VdevIDs returns the ids present in the set.
func (s *Set) VdevIDs() []uint32 {
	ids := make([]uint32, 0, len(s.devices))
	for id := range s.devices {
		ids = append(ids, id)
	}
	return ids
}

// Close closes every device; the first error wins.
func (s *Set) Close() error {
	var first error
	for _, dev := range s.devices {
		if err := dev.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
