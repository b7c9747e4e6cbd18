package riscv

// Memory layout constants
const (
	RAMBase      uint64 = 0x8000_0000 // guest RAM starts at 2GB
	DefaultEntry uint64 = 0x8020_0000 // agreed guest kernel load address
)

// CSR addresses
const (
	CSRSstatus uint16 = 0x100
	CSRStvec   uint16 = 0x105
	CSRSepc    uint16 = 0x141
	CSRScause  uint16 = 0x142
	CSRStval   uint16 = 0x143

	// Hypervisor extension CSRs
	CSRHstatus uint16 = 0x600
	CSRHedeleg uint16 = 0x602
	CSRHideleg uint16 = 0x603
	CSRHtval   uint16 = 0x643
	CSRHtinst  uint16 = 0x64A
	CSRHgatp   uint16 = 0x680

	// Virtual supervisor CSRs
	CSRVsstatus uint16 = 0x200
	CSRVsatp    uint16 = 0x280
)

// sstatus bits
const (
	SstatusSIE  uint64 = 1 << 1
	SstatusSPIE uint64 = 1 << 5
	SstatusSPP  uint64 = 1 << 8
	SstatusSUM  uint64 = 1 << 18
	SstatusMXR  uint64 = 1 << 19
)

// hstatus bits
const (
	HstatusGVA  uint64 = 1 << 6 // trap value is a guest virtual address
	HstatusSPV  uint64 = 1 << 7 // sret returns to virtualized mode
	HstatusSPVP uint64 = 1 << 8 // HS-mode loads/stores access VS-mode memory
)

// Exception causes (scause with the interrupt bit clear)
const (
	CauseIllegalInsn         uint64 = 2
	CauseBreakpoint          uint64 = 3
	CauseEcallFromU          uint64 = 8
	CauseEcallFromS          uint64 = 9
	CauseEcallFromVS         uint64 = 10
	CauseInsnGuestPageFault  uint64 = 20
	CauseLoadGuestPageFault  uint64 = 21
	CauseVirtualInsn         uint64 = 22
	CauseStoreGuestPageFault uint64 = 23
)

// CauseInterrupt is set in scause when the trap was an interrupt.
const CauseInterrupt uint64 = 1 << 63

// hgatp encoding: MODE in bits 63:60, VMID in 57:44, root PPN in 43:0.
const (
	HgatpModeSv39x4 uint64 = 8
	HgatpModeShift         = 60
	HgatpPPNMask    uint64 = (1 << 44) - 1
)

// MakeHgatp encodes a 16KiB-aligned stage-2 root physical address as an
// hgatp value selecting Sv39x4 translation.
func MakeHgatp(root uint64) uint64 {
	return HgatpModeSv39x4<<HgatpModeShift | (root >> PageShift & HgatpPPNMask)
}

// HgatpRoot extracts the stage-2 root physical address from an hgatp value.
func HgatpRoot(hgatp uint64) uint64 {
	return (hgatp & HgatpPPNMask) << PageShift
}

// HgatpMode extracts the translation mode from an hgatp value.
func HgatpMode(hgatp uint64) uint64 {
	return hgatp >> HgatpModeShift
}

// Page table entry flags
const (
	PteV uint64 = 1 << 0 // Valid
	PteR uint64 = 1 << 1 // Readable
	PteW uint64 = 1 << 2 // Writable
	PteX uint64 = 1 << 3 // Executable
	PteU uint64 = 1 << 4 // User accessible (required for stage-2 leaves)
	PteG uint64 = 1 << 5 // Global
	PteA uint64 = 1 << 6 // Accessed
	PteD uint64 = 1 << 7 // Dirty
)

// Page and Sv39x4 geometry
const (
	PageSize  uint64 = 4096
	PageShift        = 12

	PteSize uint64 = 8

	// Sv39x4 widens the root level by 2 bits: the root table is 2048
	// entries over four concatenated pages, lower levels are 512 entries.
	Stage2RootEntries uint64 = 2048
	Stage2RootSize    uint64 = Stage2RootEntries * PteSize
	Stage2RootAlign   uint64 = Stage2RootSize
	PteEntries        uint64 = 512
	Stage2Levels             = 3

	// Stage2GPABits is the guest-physical address width of Sv39x4.
	Stage2GPABits = 41
)

// Stage2Index returns the page-table index for gpa at the given level
// (2 is the root).
func Stage2Index(gpa uint64, level int) uint64 {
	shift := PageShift + 9*level
	idx := gpa >> shift
	if level == Stage2Levels-1 {
		return idx & (Stage2RootEntries - 1)
	}
	return idx & (PteEntries - 1)
}

// PteLeaf reports whether a valid PTE is a leaf (any of R/W/X set).
func PteLeaf(pte uint64) bool {
	return pte&(PteR|PteW|PteX) != 0
}

// PtePPN extracts the physical page number from a PTE.
func PtePPN(pte uint64) uint64 {
	return pte >> 10 & HgatpPPNMask
}

// MakePte builds a PTE from a physical address and flag bits.
func MakePte(pa uint64, flags uint64) uint64 {
	return pa>>PageShift<<10 | flags
}
