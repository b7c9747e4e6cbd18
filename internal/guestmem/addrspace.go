package guestmem

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/hvlab/minihv/internal/hv"
	"github.com/hvlab/minihv/internal/hv/riscv"
)

// ErrNotMapped is returned by Translate for a guest-physical address with
// no established mapping.
var ErrNotMapped = errors.New("guestmem: guest-physical address not mapped")

// AddressSpace is a demand-paged guest-physical address space. Page-table
// frames and guest frames are carved out of the same RAM by a bump
// allocator; nothing is ever freed before the address space is torn down.
//
// Not safe for concurrent use: the run loop owns it exclusively while the
// guest is running.
type AddressSpace struct {
	ram  *RAM
	root uint64
	next uint64
}

// New builds an empty address space over ram. The Sv39x4 root table (four
// concatenated pages) is allocated immediately so the stage-2 root is valid
// for the address space's whole lifetime.
func New(ram *RAM) (*AddressSpace, error) {
	s := &AddressSpace{ram: ram, next: ram.Base()}

	root, err := s.allocFrames(riscv.Stage2RootSize, riscv.Stage2RootAlign)
	if err != nil {
		return nil, fmt.Errorf("guestmem: allocate stage-2 root: %w", err)
	}
	s.root = root

	return s, nil
}

// Stage2Root implements hv.AddressSpace.
func (s *AddressSpace) Stage2Root() uint64 {
	return s.root
}

// Memory returns the host-physical memory the tables and frames live in.
func (s *AddressSpace) Memory() hv.PhysMemory {
	return s.ram
}

// allocFrames bump-allocates size bytes of host-physical memory at the
// given alignment. Fresh anonymous mappings are zero-filled and frames are
// never reused, so no explicit clearing is needed.
func (s *AddressSpace) allocFrames(size, align uint64) (uint64, error) {
	base := (s.next + align - 1) &^ (align - 1)
	if base+size > s.ram.End() || base+size < base {
		return 0, fmt.Errorf("guestmem: out of memory allocating %#x bytes (next=%#x end=%#x)",
			size, s.next, s.ram.End())
	}
	s.next = base + size
	return base, nil
}

func pteFlags(f hv.MapFlags) uint64 {
	var bits uint64
	if f&hv.MapRead != 0 {
		bits |= riscv.PteR
	}
	if f&hv.MapWrite != 0 {
		bits |= riscv.PteW
	}
	if f&hv.MapExec != 0 {
		bits |= riscv.PteX
	}
	return bits
}

// walkLeaf descends to the leaf-level PTE slot for gpa, creating
// intermediate tables when alloc is set. Only 4KiB leaves are ever created,
// so a leaf in an intermediate level means the tables are corrupt.
func (s *AddressSpace) walkLeaf(gpa uint64, alloc bool) (uint64, error) {
	if gpa>>riscv.Stage2GPABits != 0 {
		return 0, fmt.Errorf("guestmem: %#x exceeds the %d-bit guest-physical address width", gpa, riscv.Stage2GPABits)
	}

	table := s.root

	for level := riscv.Stage2Levels - 1; level > 0; level-- {
		pteAddr := table + riscv.Stage2Index(gpa, level)*riscv.PteSize
		pte, err := s.ram.ReadPhys(pteAddr, 8)
		if err != nil {
			return 0, err
		}

		switch {
		case pte&riscv.PteV == 0:
			if !alloc {
				return 0, ErrNotMapped
			}
			sub, err := s.allocFrames(riscv.PageSize, riscv.PageSize)
			if err != nil {
				return 0, err
			}
			if err := s.ram.WritePhys(pteAddr, 8, riscv.MakePte(sub, riscv.PteV)); err != nil {
				return 0, err
			}
			table = sub

		case riscv.PteLeaf(pte):
			return 0, fmt.Errorf("guestmem: unexpected superpage leaf at level %d for %#x", level, gpa)

		default:
			table = riscv.PtePPN(pte) << riscv.PageShift
		}
	}

	return table + riscv.Stage2Index(gpa, 0)*riscv.PteSize, nil
}

// mapPage ensures a 4KiB mapping for the page containing gpa with at least
// the requested permissions. Already-mapped pages only get their
// permissions widened.
func (s *AddressSpace) mapPage(gpa uint64, flags hv.MapFlags) error {
	gpa &^= riscv.PageSize - 1

	pteAddr, err := s.walkLeaf(gpa, true)
	if err != nil {
		return err
	}

	pte, err := s.ram.ReadPhys(pteAddr, 8)
	if err != nil {
		return err
	}

	want := pteFlags(flags)

	if pte&riscv.PteV != 0 {
		if pte&want == want {
			return nil
		}
		return s.ram.WritePhys(pteAddr, 8, pte|want)
	}

	frame, err := s.allocFrames(riscv.PageSize, riscv.PageSize)
	if err != nil {
		return err
	}

	return s.ram.WritePhys(pteAddr, 8, riscv.MakePte(frame,
		riscv.PteV|riscv.PteU|riscv.PteA|riscv.PteD|want))
}

// RepairFault implements hv.AddressSpace: it materializes a mapping for the
// page containing addr. Repairing a stable address twice is a no-op.
func (s *AddressSpace) RepairFault(addr uint64, flags hv.MapFlags) error {
	slog.Debug("guestmem: repairing fault",
		"addr", fmt.Sprintf("%#x", addr), "flags", flags.String())
	return s.mapPage(addr, flags)
}

// MapRange implements hv.ImageTarget.
func (s *AddressSpace) MapRange(addr, size uint64, flags hv.MapFlags) error {
	if size == 0 {
		return fmt.Errorf("guestmem: cannot map zero-size range at %#x", addr)
	}
	first := addr &^ (riscv.PageSize - 1)
	last := (addr + size - 1) &^ (riscv.PageSize - 1)
	for page := first; ; page += riscv.PageSize {
		if err := s.mapPage(page, flags); err != nil {
			return err
		}
		if page == last {
			return nil
		}
	}
}

// Translate resolves gpa to a host-physical address, checking the mapping
// allows the requested access.
func (s *AddressSpace) Translate(gpa uint64, access hv.MapFlags) (uint64, error) {
	pteAddr, err := s.walkLeaf(gpa, false)
	if err != nil {
		return 0, err
	}

	pte, err := s.ram.ReadPhys(pteAddr, 8)
	if err != nil {
		return 0, err
	}
	if pte&riscv.PteV == 0 {
		return 0, ErrNotMapped
	}

	want := pteFlags(access)
	if pte&want != want {
		return 0, fmt.Errorf("guestmem: mapping at %#x denies %s access", gpa, access)
	}

	return riscv.PtePPN(pte)<<riscv.PageShift | gpa&(riscv.PageSize-1), nil
}

// WriteBytes implements hv.ImageTarget. The target range must already be
// mapped writable.
func (s *AddressSpace) WriteBytes(addr uint64, p []byte) error {
	return s.copyBytes(addr, p, true)
}

// ReadBytes implements hv.ImageTarget. The source range must already be
// mapped readable.
func (s *AddressSpace) ReadBytes(addr uint64, p []byte) error {
	return s.copyBytes(addr, p, false)
}

func (s *AddressSpace) copyBytes(addr uint64, p []byte, write bool) error {
	access := hv.MapRead
	if write {
		access = hv.MapWrite
	}

	for len(p) > 0 {
		pa, err := s.Translate(addr, access)
		if err != nil {
			return err
		}

		n := riscv.PageSize - addr&(riscv.PageSize-1)
		if n > uint64(len(p)) {
			n = uint64(len(p))
		}

		b, err := s.ram.slice(pa, n)
		if err != nil {
			return err
		}

		if write {
			copy(b, p[:n])
		} else {
			copy(p[:n], b)
		}

		addr += n
		p = p[n:]
	}

	return nil
}

var (
	_ hv.AddressSpace = (*AddressSpace)(nil)
	_ hv.ImageTarget  = (*AddressSpace)(nil)
)
