package riscv_test

import (
	"context"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/hvlab/minihv/internal/guestmem"
	"github.com/hvlab/minihv/internal/hv"
	"github.com/hvlab/minihv/internal/hv/riscv"
	"github.com/hvlab/minihv/internal/hv/riscv/sim"
	"github.com/hvlab/minihv/internal/loader"
)

// shutdownSeq issues the agreed SRST shutdown call:
//
//	lui  a0, 0x6
//	addi a0, a0, 0x688   # a0 = 0x6688
//	lui  a1, 0x1
//	addi a1, a1, 0x234   # a1 = 0x1234
//	li   a6, 0
//	lui  a7, 0x53525
//	addi a7, a7, 0x354   # a7 = "SRST"
//	ecall
var shutdownSeq = []uint32{
	0x00006537,
	0x68850513,
	0x000015B7,
	0x23458593,
	0x00000813,
	0x535258B7,
	0x35488893,
	0x00000073,
}

func image(words ...uint32) []byte {
	buf := make([]byte, 4*len(words))
	for i, w := range words {
		binary.LittleEndian.PutUint32(buf[4*i:], w)
	}
	return buf
}

// countingSpace records fault repairs on top of a real address space.
type countingSpace struct {
	*guestmem.AddressSpace
	repairs []uint64
}

func (s *countingSpace) RepairFault(addr uint64, flags hv.MapFlags) error {
	s.repairs = append(s.repairs, addr)
	return s.AddressSpace.RepairFault(addr, flags)
}

func launch(t *testing.T, guest []byte) (*sim.Machine, *countingSpace, *riscv.VM, error) {
	t.Helper()

	ram, err := guestmem.NewRAM(riscv.RAMBase, 8<<20)
	if err != nil {
		t.Fatalf("new RAM: %v", err)
	}
	t.Cleanup(func() { ram.Close() })

	inner, err := guestmem.New(ram)
	if err != nil {
		t.Fatalf("new address space: %v", err)
	}
	space := &countingSpace{AddressSpace: inner}

	port := sim.NewMachine(ram)

	vm, err := riscv.NewVM(port, space, loader.FlatBytes{
		Data:  guest,
		Entry: riscv.DefaultEntry,
	})
	if err != nil {
		t.Fatalf("new VM: %v", err)
	}

	return port, space, vm, vm.Run(context.Background())
}

func TestLaunchShutdownGuest(t *testing.T) {
	port, space, _, err := launch(t, image(shutdownSeq...))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if port.Switches() != 1 {
		t.Errorf("context switches = %d, want 1", port.Switches())
	}
	if port.Fences() == 0 {
		t.Error("no stage-2 fence before guest entry")
	}
	if len(space.repairs) != 0 {
		t.Errorf("unexpected fault repairs: %#x", space.repairs)
	}
}

func TestLaunchIllegalInstructionGuest(t *testing.T) {
	// csrr a0, sscratch traps as an illegal instruction and is skipped;
	// the guest then runs the shutdown sequence from entry+4.
	guest := image(append([]uint32{0x14002573}, shutdownSeq...)...)

	port, _, _, err := launch(t, guest)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if port.Switches() != 2 {
		t.Errorf("context switches = %d, want 2", port.Switches())
	}
}

func TestLaunchDemandPagedGuest(t *testing.T) {
	// The guest touches an unmapped page two megabytes past its entry,
	// then shuts down. The mapping is repaired but the faulting load is
	// skipped rather than retried, so a2 stays zero; this pins the
	// known skip-not-retry limitation.
	//
	//	auipc t0, 0x200
	//	ld    a2, 0(t0)
	guest := image(append([]uint32{0x00200297, 0x0002B603}, shutdownSeq...)...)

	port, space, vm, err := launch(t, guest)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if port.Switches() != 2 {
		t.Errorf("context switches = %d, want 2", port.Switches())
	}
	if len(space.repairs) != 1 {
		t.Fatalf("RepairFault called %d times, want 1", len(space.repairs))
	}
	if want := riscv.DefaultEntry + 0x200000; space.repairs[0] != want {
		t.Errorf("repaired %#x, want %#x", space.repairs[0], want)
	}
	if got := vm.VCPU().Context().Guest.Gprs.Reg(riscv.A2); got != 0 {
		t.Errorf("a2 = %#x; the skipped load should never have completed", got)
	}

	// The repaired page must not fault again.
	if _, err := space.Translate(space.repairs[0], hv.MapRead|hv.MapWrite|hv.MapExec); err != nil {
		t.Errorf("repaired page still unmapped: %v", err)
	}
}

func TestLaunchWrongMagicGuest(t *testing.T) {
	// Same shutdown call but a0 = 0x1111 instead of 0x6688.
	guest := image(shutdownSeq...)
	binary.LittleEndian.PutUint32(guest[0:], 0x00001537) // lui a0, 0x1
	binary.LittleEndian.PutUint32(guest[4:], 0x11150513) // addi a0, a0, 0x111

	_, _, _, err := launch(t, guest)
	if !errors.Is(err, hv.ErrProtocolViolation) {
		t.Fatalf("err = %v, want protocol violation", err)
	}
}
