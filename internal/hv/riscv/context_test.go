package riscv

import "testing"

func TestNewGuestContext(t *testing.T) {
	entries := []uint64{DefaultEntry, RAMBase, 0x8040_0000}

	for _, entry := range entries {
		ctx := NewGuestContext(entry)

		if ctx.Guest.Sepc != entry {
			t.Errorf("entry %#x: sepc = %#x", entry, ctx.Guest.Sepc)
		}
		if ctx.Guest.Hstatus&HstatusSPV == 0 {
			t.Errorf("entry %#x: hstatus.SPV clear, sret would not enter guest mode", entry)
		}
		if ctx.Guest.Hstatus&HstatusSPVP == 0 {
			t.Errorf("entry %#x: hstatus.SPVP clear, hypervisor could not access guest memory", entry)
		}
		if ctx.Guest.Sstatus&SstatusSPP == 0 {
			t.Errorf("entry %#x: sstatus.SPP clear, guest would resume in user mode", entry)
		}
	}
}

func TestGprsZeroRegister(t *testing.T) {
	var g Gprs

	g.SetReg(Zero, 0xdead)
	if got := g.Reg(Zero); got != 0 {
		t.Errorf("x0 = %#x after write, want 0", got)
	}

	g.SetReg(A0, 0x6688)
	if got := g.Reg(A0); got != 0x6688 {
		t.Errorf("a0 = %#x, want 0x6688", got)
	}
}

func TestGprsArgRegs(t *testing.T) {
	var g Gprs
	for i, r := range []GPR{A0, A1, A2, A3, A4, A5, A6, A7} {
		g.SetReg(r, uint64(i+1))
	}

	args := g.ArgRegs()
	for i, v := range args {
		if v != uint64(i+1) {
			t.Errorf("args[%d] = %d, want %d", i, v, i+1)
		}
	}
}
