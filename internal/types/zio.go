package types

// Fundamental on-disk geometry. All sizes and offsets stored in block
// pointers are expressed in 512-byte sectors (SPA_MINBLOCKSHIFT == 9),
// regardless of the pool's physical sector size.
const (
	// SectorSize is the minimum allocation unit of the pool.
	SectorSize = 512

	// BlockPointerSize is the on-disk size of a block pointer (blkptr_t).
	BlockPointerSize = 128

	// DVASize is the on-disk size of one data virtual address.
	DVASize = 16

	// MaxDVAsPerBlockPointer is the maximum number of redundant copies
	// (ditto blocks) a single block pointer can carry.
	MaxDVAsPerBlockPointer = 3

	// GangHeaderSize is the on-disk size of a gang block header.
	GangHeaderSize = 512

	// MaxLogicalBlockSize bounds the logical size of any metadata block
	// we are willing to decompress during scanning (SPA_MAXBLOCKSIZE for
	// metadata is 128 KiB).
	MaxLogicalBlockSize = 128 * 1024
)

// GangHeaderMagic identifies a gang block header (zio_gbh_phys_t).
const GangHeaderMagic = 0x210da7ab10c7a11

// ChecksumMethod identifies the checksum family declared by a block
// pointer (ZIO_CHECKSUM_*).
type ChecksumMethod uint8

const (
	ChecksumInherit ChecksumMethod = iota
	ChecksumOn
	ChecksumOff
	ChecksumLabel
	ChecksumGangHeader
	ChecksumZilog
	ChecksumFletcher2
	ChecksumFletcher4
	ChecksumSHA256
	ChecksumZilog2
	ChecksumNoParity
	ChecksumSHA512
	ChecksumSkein
	ChecksumEdonr
	ChecksumBlake3

	checksumMethods
)

// Valid reports whether the value is a defined checksum method.
func (m ChecksumMethod) Valid() bool {
	return m < checksumMethods
}

func (m ChecksumMethod) String() string {
	names := [...]string{
		"inherit", "on", "off", "label", "gang_header", "zilog",
		"fletcher2", "fletcher4", "sha256", "zilog2", "noparity",
		"sha512", "skein", "edonr", "blake3",
	}
	if int(m) < len(names) {
		return names[m]
	}
	return "unknown"
}

// CompressionMethod identifies the compression algorithm declared by a
// block pointer or dnode (ZIO_COMPRESS_*).
type CompressionMethod uint8

const (
	CompressionInherit CompressionMethod = iota
	CompressionOn
	CompressionOff
	CompressionLZJB
	CompressionEmpty
	CompressionGzip1
	CompressionGzip2
	CompressionGzip3
	CompressionGzip4
	CompressionGzip5
	CompressionGzip6
	CompressionGzip7
	CompressionGzip8
	CompressionGzip9
	CompressionZLE
	CompressionLZ4
	CompressionZstd

	compressionMethods
)

// Valid reports whether the value is a defined compression method.
func (m CompressionMethod) Valid() bool {
	return m < compressionMethods
}

// GzipLevel returns the gzip level encoded by the method, if any.
func (m CompressionMethod) GzipLevel() (int, bool) {
	if m >= CompressionGzip1 && m <= CompressionGzip9 {
		return int(m-CompressionGzip1) + 1, true
	}
	return 0, false
}

func (m CompressionMethod) String() string {
	names := [...]string{
		"inherit", "on", "off", "lzjb", "empty",
		"gzip-1", "gzip-2", "gzip-3", "gzip-4", "gzip-5",
		"gzip-6", "gzip-7", "gzip-8", "gzip-9",
		"zle", "lz4", "zstd",
	}
	if int(m) < len(names) {
		return names[m]
	}
	return "unknown"
}

// MetadataCompression is the compression method ZFS applies to metadata
// blocks by default; the brute scanner only considers windows that
// decompress with it.
const MetadataCompression = CompressionLZ4
