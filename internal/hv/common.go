// Package hv defines the hypervisor-neutral surface shared by the vCPU
// engine and its collaborators: guest memory permissions, the address-space
// and image-loading contracts, and the physical-memory access interface used
// by ports that walk stage-2 tables themselves.
package hv

import (
	"errors"
	"fmt"
)

// ErrProtocolViolation is returned when the guest breaks the
// hypervisor-call contract (malformed call, unsupported extension, or
// shutdown with the wrong reason codes).
var ErrProtocolViolation = errors.New("hypervisor call protocol violation")

// MapFlags describes the access permissions requested for a guest-physical
// mapping.
type MapFlags uint8

const (
	MapRead MapFlags = 1 << iota
	MapWrite
	MapExec
)

func (f MapFlags) String() string {
	buf := []byte("---")
	if f&MapRead != 0 {
		buf[0] = 'r'
	}
	if f&MapWrite != 0 {
		buf[1] = 'w'
	}
	if f&MapExec != 0 {
		buf[2] = 'x'
	}
	return string(buf)
}

// AddressSpace is the guest-physical address space collaborator. The vCPU
// engine depends on exactly two facts about it: it exposes a stage-2 root
// the translation hardware can be pointed at, and it can materialize a
// mapping for a faulting guest-physical address.
type AddressSpace interface {
	// Stage2Root returns the host-physical address of the root stage-2
	// page table. The root must stay valid for as long as any vCPU using
	// it is running.
	Stage2Root() uint64

	// RepairFault establishes a mapping covering addr with at least the
	// requested permissions. Repairing an already-mapped address is a
	// no-op.
	RepairFault(addr uint64, flags MapFlags) error
}

// PhysMemory provides host-physical memory access. Ports use it to fetch
// guest code and walk stage-2 tables; the address space uses it to build
// those tables.
type PhysMemory interface {
	// ReadPhys reads size bytes (1, 2, 4 or 8) at the host-physical addr.
	ReadPhys(addr uint64, size int) (uint64, error)
	// WritePhys writes size bytes (1, 2, 4 or 8) at the host-physical addr.
	WritePhys(addr uint64, size int, value uint64) error
}

// ImageTarget is the wider address-space surface image loaders populate:
// fault repair plus eager mapping and guest-physical byte access.
type ImageTarget interface {
	AddressSpace

	// MapRange eagerly establishes mappings covering [addr, addr+size).
	MapRange(addr, size uint64, flags MapFlags) error

	// WriteBytes copies p into guest-physical memory at addr. The range
	// must already be mapped writable.
	WriteBytes(addr uint64, p []byte) error

	// ReadBytes copies guest-physical memory at addr into p. The range
	// must already be mapped readable.
	ReadBytes(addr uint64, p []byte) error
}

// ImageLoader populates an address space with a guest kernel image so that
// the agreed entry address holds its first instruction.
type ImageLoader interface {
	Load(target ImageTarget) (entry uint64, err error)
}

// ProtocolViolation wraps detail into an ErrProtocolViolation chain.
func ProtocolViolation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrProtocolViolation, fmt.Sprintf(format, args...))
}
