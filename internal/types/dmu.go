package types

// DNode geometry (dnode_phys_t).
const (
	// DNodeSlotSize is the size of one dnode slot; a large dnode may
	// occupy several consecutive slots.
	DNodeSlotSize = 512

	// DNodeCoreSize is the fixed header portion of a dnode before the
	// block pointer array and bonus buffer begin.
	DNodeCoreSize = 64

	// MaxBlockPointersPerDNode bounds dn_nblkptr.
	MaxBlockPointersPerDNode = 3

	// ObjsetPhysSize is the on-disk size of an objset header
	// (objset_phys_t, pre-SA layout): meta-dnode, ZIL header, type word
	// and padding.
	ObjsetPhysSize = 1024

	// ZILHeaderSize is the on-disk size of a zil_header_t.
	ZILHeaderSize = 192
)

// DNode flag bits (dn_flags).
const (
	DNodeFlagUsedBytes      = 1 << 0 // dn_used is in bytes, not sectors
	DNodeFlagUserUsed       = 1 << 1
	DNodeFlagSpillBlkptr    = 1 << 2
	DNodeFlagUserObjAccount = 1 << 3
)

// ObjectType identifies what a dnode (or block pointer target)
// describes (dmu_object_type_t).
type ObjectType uint8

const (
	ObjectTypeNone ObjectType = iota
	ObjectTypeObjectDirectory
	ObjectTypeObjectArray
	ObjectTypePackedNVList
	ObjectTypePackedNVListSize
	ObjectTypeBlockPointerList
	ObjectTypeBlockPointerListHeader
	ObjectTypeSpaceMapHeader
	ObjectTypeSpaceMap
	ObjectTypeIntentLog
	ObjectTypeDNode
	ObjectTypeObjset
	ObjectTypeDSLDirectory
	ObjectTypeDSLDirectoryChildMap
	ObjectTypeDSLSnapshotMap
	ObjectTypeDSLProperties
	ObjectTypeDSLDataset
	ObjectTypeZNode
	ObjectTypeACL
	ObjectTypePlainFileContents
	ObjectTypeDirectoryContents
	ObjectTypeMasterNode
	ObjectTypeUnlinkedSet
	ObjectTypeZVol
	ObjectTypeZVolProperties

	objectTypes
)

// Valid reports whether the value is a defined object type.
func (t ObjectType) Valid() bool {
	return t < objectTypes
}

func (t ObjectType) String() string {
	names := [...]string{
		"none", "object_directory", "object_array", "packed_nvlist",
		"packed_nvlist_size", "bplist", "bplist_header",
		"space_map_header", "space_map", "intent_log", "dnode",
		"objset", "dsl_directory", "dsl_directory_child_map",
		"dsl_snapshot_map", "dsl_properties", "dsl_dataset", "znode",
		"acl", "plain_file_contents", "directory_contents",
		"master_node", "unlinked_set", "zvol", "zvol_properties",
	}
	if int(t) < len(names) {
		return names[t]
	}
	return "unknown"
}

// BonusType identifies the payload carried in a dnode's bonus buffer
// (a subset of the object type namespace).
type BonusType uint8

const (
	BonusTypeNone           BonusType = 0
	BonusTypePackedNVListSize BonusType = 4
	BonusTypeSpaceMapHeader BonusType = 7
	BonusTypeDSLDirectory   BonusType = 12
	BonusTypeDSLDataset     BonusType = 16
	BonusTypeZNode          BonusType = 17
)

// Valid reports whether the value is a defined bonus type.
func (t BonusType) Valid() bool {
	switch t {
	case BonusTypeNone, BonusTypePackedNVListSize, BonusTypeSpaceMapHeader,
		BonusTypeDSLDirectory, BonusTypeDSLDataset, BonusTypeZNode:
		return true
	}
	return false
}

// ObjsetType identifies what an object set contains (dmu_objset_type_t).
type ObjsetType uint64

const (
	ObjsetTypeNone ObjsetType = iota
	ObjsetTypeMeta
	ObjsetTypeZFS
	ObjsetTypeZVol

	objsetTypes
)

// Valid reports whether the value is a defined objset type.
func (t ObjsetType) Valid() bool {
	return t < objsetTypes
}

func (t ObjsetType) String() string {
	names := [...]string{"none", "meta", "zfs", "zvol"}
	if int(t) < len(names) {
		return names[t]
	}
	return "unknown"
}
