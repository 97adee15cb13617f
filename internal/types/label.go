package types

// Vdev label geometry. Every pool member carries four 256 KiB labels:
// two at the front of the device, two at the very end. Block pointer
// offsets are relative to the end of the 4 MiB front reservation
// (labels L0/L1 plus the boot block).
const (
	// LabelSize is the on-disk size of one vdev label.
	LabelSize = 256 * 1024

	// LabelsPerDevice is the number of label copies per pool member.
	LabelsPerDevice = 4

	// LabelNVPairsOffset is where the XDR nvlist region starts inside a
	// label (after the 8 KiB blank space and 8 KiB boot header).
	LabelNVPairsOffset = 16 * 1024

	// LabelUberblocksOffset is where the uberblock ring starts inside a
	// label; it runs to the end of the label.
	LabelUberblocksOffset = 128 * 1024

	// DeviceFrontReservation is the space at the front of every member
	// device occupied by labels L0/L1 and the boot block.
	DeviceFrontReservation = 4 * 1024 * 1024

	// DeviceTailReservation is the space at the end of every member
	// device occupied by labels L2/L3.
	DeviceTailReservation = 2 * LabelSize
)

// UberblockMagic identifies an uberblock ("oo-ba-bloc").
const UberblockMagic = 0x00bab10c
