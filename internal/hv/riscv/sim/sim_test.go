package sim

import (
	"testing"

	"github.com/hvlab/minihv/internal/guestmem"
	"github.com/hvlab/minihv/internal/hv"
	"github.com/hvlab/minihv/internal/hv/riscv"
)

// newTestMachine builds a machine over a small RAM with the given guest
// code mapped and loaded at the default entry address.
func newTestMachine(t *testing.T, mappedPages uint64, code []uint32) (*Machine, *guestmem.AddressSpace) {
	t.Helper()

	ram, err := guestmem.NewRAM(riscv.RAMBase, 4<<20)
	if err != nil {
		t.Fatalf("new RAM: %v", err)
	}
	t.Cleanup(func() { ram.Close() })

	space, err := guestmem.New(ram)
	if err != nil {
		t.Fatalf("new address space: %v", err)
	}

	if err := space.MapRange(riscv.DefaultEntry, mappedPages*riscv.PageSize,
		hv.MapRead|hv.MapWrite|hv.MapExec); err != nil {
		t.Fatalf("map guest pages: %v", err)
	}

	buf := make([]byte, 4*len(code))
	for i, insn := range code {
		cpuEndianPut32(buf[4*i:], insn)
	}
	if err := space.WriteBytes(riscv.DefaultEntry, buf); err != nil {
		t.Fatalf("write guest code: %v", err)
	}

	m := NewMachine(space.Memory())
	riscv.InstallStage2(m, space.Stage2Root())
	return m, space
}

func cpuEndianPut32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func TestBasicALUAndMemory(t *testing.T) {
	// addi t0, zero, 42
	// addi t1, zero, 100
	// add  t2, t0, t1
	// auipc t3, 0x1       # t3 = data page
	// sd   t2, 0(t3)
	// ld   a0, 0(t3)
	// ecall
	code := []uint32{
		0x02A00293, // addi t0, zero, 42
		0x06400313, // addi t1, zero, 100
		0x006283B3, // add t2, t0, t1
		0x00001E17, // auipc t3, 0x1
		0x007E3023, // sd t2, 0(t3)
		0x000E3503, // ld a0, 0(t3)
		0x00000073, // ecall
	}

	m, _ := newTestMachine(t, 2, code)

	ctx := riscv.NewGuestContext(riscv.DefaultEntry)
	m.SwitchToGuest(ctx)

	if m.TrapCause() != riscv.CauseEcallFromVS {
		t.Fatalf("trap cause = %#x, want VS ecall", m.TrapCause())
	}
	if got := ctx.Guest.Gprs.Reg(riscv.T2); got != 142 {
		t.Errorf("t2 = %d, want 142", got)
	}
	if got := ctx.Guest.Gprs.Reg(riscv.A0); got != 142 {
		t.Errorf("a0 = %d, want 142 (store/load roundtrip)", got)
	}
	if want := riscv.DefaultEntry + 6*4; ctx.Guest.Sepc != want {
		t.Errorf("sepc = %#x, want %#x (the ecall itself)", ctx.Guest.Sepc, want)
	}
}

func TestBranchLoop(t *testing.T) {
	// addi t0, zero, 3
	// loop: addi t0, t0, -1
	// bne  t0, zero, loop
	// ecall
	code := []uint32{
		0x00300293, // addi t0, zero, 3
		0xFFF28293, // addi t0, t0, -1
		0xFE029EE3, // bne t0, zero, -4
		0x00000073, // ecall
	}

	m, _ := newTestMachine(t, 1, code)

	ctx := riscv.NewGuestContext(riscv.DefaultEntry)
	m.SwitchToGuest(ctx)

	if m.TrapCause() != riscv.CauseEcallFromVS {
		t.Fatalf("trap cause = %#x, want VS ecall", m.TrapCause())
	}
	if got := ctx.Guest.Gprs.Reg(riscv.T0); got != 0 {
		t.Errorf("t0 = %d, want 0", got)
	}
	if want := riscv.DefaultEntry + 3*4; ctx.Guest.Sepc != want {
		t.Errorf("sepc = %#x, want %#x", ctx.Guest.Sepc, want)
	}
}

func TestCSRAccessTrapsAsIllegal(t *testing.T) {
	code := []uint32{
		0x14002573, // csrr a0, sscratch
	}

	m, _ := newTestMachine(t, 1, code)

	ctx := riscv.NewGuestContext(riscv.DefaultEntry)
	m.SwitchToGuest(ctx)

	if m.TrapCause() != riscv.CauseIllegalInsn {
		t.Fatalf("trap cause = %#x, want illegal instruction", m.TrapCause())
	}
	if m.TrapValue() != 0x14002573 {
		t.Errorf("stval = %#x, want the instruction bits", m.TrapValue())
	}
	if ctx.Guest.Sepc != riscv.DefaultEntry {
		t.Errorf("sepc = %#x, want the trapping instruction %#x", ctx.Guest.Sepc, riscv.DefaultEntry)
	}
}

func TestLoadFromUnmappedPageFaults(t *testing.T) {
	// auipc t0, 0x200     # t0 = entry + 2MB, never mapped
	// ld    a2, 0(t0)
	code := []uint32{
		0x00200297, // auipc t0, 0x200
		0x0002B603, // ld a2, 0(t0)
	}

	m, _ := newTestMachine(t, 1, code)

	ctx := riscv.NewGuestContext(riscv.DefaultEntry)
	m.SwitchToGuest(ctx)

	if m.TrapCause() != riscv.CauseLoadGuestPageFault {
		t.Fatalf("trap cause = %#x, want load guest page fault", m.TrapCause())
	}
	if want := riscv.DefaultEntry + 0x200000; m.TrapValue() != want {
		t.Errorf("stval = %#x, want %#x", m.TrapValue(), want)
	}
	if want := riscv.DefaultEntry + 4; ctx.Guest.Sepc != want {
		t.Errorf("sepc = %#x, want the faulting load %#x", ctx.Guest.Sepc, want)
	}
}

func TestFetchFromUnmappedEntryFaults(t *testing.T) {
	m, _ := newTestMachine(t, 1, []uint32{0x00000073})

	ctx := riscv.NewGuestContext(riscv.DefaultEntry + 0x10000)
	m.SwitchToGuest(ctx)

	if m.TrapCause() != riscv.CauseInsnGuestPageFault {
		t.Fatalf("trap cause = %#x, want instruction guest page fault", m.TrapCause())
	}
}

func TestUninitializedContextPanics(t *testing.T) {
	m, _ := newTestMachine(t, 1, []uint32{0x00000073})

	defer func() {
		if recover() == nil {
			t.Fatal("switch with an uninitialized context did not panic")
		}
	}()
	m.SwitchToGuest(&riscv.GuestContext{})
}
