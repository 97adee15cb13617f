package device

import (
	"fmt"
	"sort"

	"github.com/deploymenttheory/go-zfs/internal/parsers/labels"
	"github.com/deploymenttheory/go-zfs/internal/parsers/nvlist"
	"github.com/deploymenttheory/go-zfs/internal/types"
)

// LabelReader is a device that exposes its raw vdev labels; both
// ImageDevice and MemoryImage qualify.
type LabelReader interface {
	Device
	ReadLabel(index int) ([]byte, error)
}

// ReadLabels parses every readable label of a device, in label order.
// Unreadable or unparseable labels are skipped; the result may be
// empty on a badly damaged image.
func ReadLabels(dev LabelReader) []*labels.Label {
	var out []*labels.Label
	for i := 0; i < types.LabelsPerDevice; i++ {
		raw, err := dev.ReadLabel(i)
		if err != nil {
			continue
		}
		l, err := labels.ParseLabel(raw, 0)
		if err != nil {
			continue
		}
		out = append(out, l)
	}
	return out
}

// member is one opened image together with what its labels say about
// it.
type member struct {
	dev  LabelReader
	path string
	lbls []*labels.Label
}

func (m member) config() nvlist.List {
	if len(m.lbls) == 0 {
		return nil
	}
	return m.lbls[0].Config
}

func (m member) tree() nvlist.List {
	cfg := m.config()
	if cfg == nil {
		return nil
	}
	tree, _ := cfg.List("vdev_tree")
	return tree
}

// OpenPool opens a set of member images and assembles the pool's
// device set from their labels. A lone image whose labels are
// unreadable still yields a usable single-device set, which is the
// common case for carved or partial dumps.
func OpenPool(paths []string) (*Set, []*labels.Label, error) {
	if len(paths) == 0 {
		return nil, nil, fmt.Errorf("no image paths given")
	}

	var members []member
	closeAll := func() {
		for _, m := range members {
			m.dev.Close()
		}
	}
	for _, path := range paths {
		dev, err := OpenImage(path)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		members = append(members, member{dev: dev, path: path, lbls: ReadLabels(dev)})
	}

	var allLabels []*labels.Label
	for _, m := range members {
		allLabels = append(allLabels, m.lbls...)
	}

	set, err := assemble(members)
	if err != nil {
		closeAll()
		return nil, nil, err
	}
	return set, allLabels, nil
}

// assemble groups members by the top-level vdev their labels name and
// builds one device per group.
func assemble(members []member) (*Set, error) {
	byTop := map[uint32][]member{}
	for i, m := range members {
		id := uint32(i)
		if tree := m.tree(); tree != nil {
			if v, ok := tree.Uint64("id"); ok {
				id = uint32(v)
			}
		}
		byTop[id] = append(byTop[id], m)
	}

	devices := map[uint32]Device{}
	for id, group := range byTop {
		tree := group[0].tree()
		vdevType := ""
		if tree != nil {
			vdevType, _ = tree.String("type")
		}

		if vdevType != "raidz" {
			if len(group) != 1 {
				return nil, fmt.Errorf("vdev %d: %d images for a single-disk vdev", id, len(group))
			}
			devices[id] = group[0].dev
			continue
		}

		nparity := 1
		if v, ok := tree.Uint64("nparity"); ok {
			nparity = int(v)
		}
		ashift := uint(9)
		if v, ok := tree.Uint64("ashift"); ok {
			ashift = uint(v)
		}

		children := make([]Device, 0, len(group))
		for _, m := range orderByChildGuid(group, tree) {
			children = append(children, m.dev)
		}
		rz, err := NewRaidz(children, nparity, ashift)
		if err != nil {
			return nil, fmt.Errorf("vdev %d: %w", id, err)
		}
		devices[id] = rz
	}
	return NewSet(devices), nil
}

// orderByChildGuid sorts a RAIDZ group into the child order the vdev
// tree declares, matching each image's own guid against the tree's
// children. Members without a match keep their given order at the end.
func orderByChildGuid(group []member, tree nvlist.List) []member {
	position := map[uint64]int{}
	if children, ok := tree.Lists("children"); ok {
		for i, child := range children {
			if guid, ok := child.Uint64("guid"); ok {
				position[guid] = i
			}
		}
	}

	rank := func(i int) int {
		pos := len(position) + i
		if cfg := group[i].config(); cfg != nil {
			if guid, ok := cfg.Uint64("guid"); ok {
				if p, found := position[guid]; found {
					pos = p
				}
			}
		}
		return pos
	}

	idx := make([]int, len(group))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return rank(idx[a]) < rank(idx[b]) })

	out := make([]member, len(group))
	for i, j := range idx {
		out[i] = group[j]
	}
	return out
}
