// Package guestmem implements the guest-physical memory collaborators: a
// mmap-backed host RAM region and a demand-paged address space built on
// Sv39x4 stage-2 page tables allocated inside that RAM.
package guestmem

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/hvlab/minihv/internal/hv/riscv"
)

var cpuEndian = binary.LittleEndian

// RAM is a contiguous host-physical memory region backing guest RAM and the
// stage-2 page tables. The backing store is an anonymous private mapping.
type RAM struct {
	base uint64
	data []byte
}

// NewRAM maps size bytes of anonymous memory modelling host-physical
// addresses [base, base+size).
func NewRAM(base, size uint64) (*RAM, error) {
	if size == 0 || size%riscv.PageSize != 0 {
		return nil, fmt.Errorf("guestmem: RAM size %#x is not a positive multiple of the page size", size)
	}
	if base%riscv.Stage2RootAlign != 0 {
		return nil, fmt.Errorf("guestmem: RAM base %#x is not %#x aligned", base, riscv.Stage2RootAlign)
	}

	data, err := unix.Mmap(-1, 0, int(size),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANONYMOUS|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("guestmem: mmap %d bytes: %w", size, err)
	}

	return &RAM{base: base, data: data}, nil
}

// Close releases the backing mapping. The RAM must not be used afterwards.
func (r *RAM) Close() error {
	if r.data == nil {
		return nil
	}
	data := r.data
	r.data = nil
	if err := unix.Munmap(data); err != nil {
		return fmt.Errorf("guestmem: munmap: %w", err)
	}
	return nil
}

// Base returns the first host-physical address of the region.
func (r *RAM) Base() uint64 {
	return r.base
}

// Size returns the region size in bytes.
func (r *RAM) Size() uint64 {
	return uint64(len(r.data))
}

// End returns the first host-physical address past the region.
func (r *RAM) End() uint64 {
	return r.base + uint64(len(r.data))
}

func (r *RAM) slice(addr uint64, n uint64) ([]byte, error) {
	if addr < r.base || addr+n > r.End() || addr+n < addr {
		return nil, fmt.Errorf("guestmem: physical access out of bounds: addr=%#x len=%d ram=[%#x,%#x)",
			addr, n, r.base, r.End())
	}
	off := addr - r.base
	return r.data[off : off+n], nil
}

// ReadPhys implements hv.PhysMemory.
func (r *RAM) ReadPhys(addr uint64, size int) (uint64, error) {
	b, err := r.slice(addr, uint64(size))
	if err != nil {
		return 0, err
	}

	switch size {
	case 1:
		return uint64(b[0]), nil
	case 2:
		return uint64(cpuEndian.Uint16(b)), nil
	case 4:
		return uint64(cpuEndian.Uint32(b)), nil
	case 8:
		return cpuEndian.Uint64(b), nil
	default:
		return 0, fmt.Errorf("guestmem: invalid read size: %d", size)
	}
}

// WritePhys implements hv.PhysMemory.
func (r *RAM) WritePhys(addr uint64, size int, value uint64) error {
	b, err := r.slice(addr, uint64(size))
	if err != nil {
		return err
	}

	switch size {
	case 1:
		b[0] = byte(value)
	case 2:
		cpuEndian.PutUint16(b, uint16(value))
	case 4:
		cpuEndian.PutUint32(b, uint32(value))
	case 8:
		cpuEndian.PutUint64(b, value)
	default:
		return fmt.Errorf("guestmem: invalid write size: %d", size)
	}
	return nil
}
