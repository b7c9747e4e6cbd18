// Package sim implements the riscv.Port capability with a small software
// CPU: a minimal RV64I guest-mode interpreter with its own Sv39x4 stage-2
// walker. It stands in for the hypervisor-extension hardware so the vCPU
// engine can run hermetically, and doubles as the default backend on hosts
// without virtualization support.
//
// Modelling notes: the simulated CPU has no TLB (fences are counted, not
// acted on), guest CSR accesses and other unimplemented instructions trap
// as illegal instructions, and only uncompressed 4-byte instructions are
// executed.
package sim

import (
	"fmt"

	"github.com/hvlab/minihv/internal/hv"
	"github.com/hvlab/minihv/internal/hv/riscv"
)

// access kinds for stage-2 translation
const (
	accLoad = iota
	accStore
	accExec
)

// guestTrap is a trap raised while executing in guest mode. It transfers
// control back to the hypervisor, never to the guest.
type guestTrap struct {
	cause uint64
	tval  uint64
}

func (t *guestTrap) Error() string {
	return fmt.Sprintf("guest trap: cause=%d tval=%#x", t.cause, t.tval)
}

func trap(cause, tval uint64) *guestTrap {
	return &guestTrap{cause: cause, tval: tval}
}

// Machine is a simulated hart implementing riscv.Port. The zero value is
// not usable; construct with NewMachine.
type Machine struct {
	mem hv.PhysMemory

	hgatp  uint64
	scause uint64
	stval  uint64

	switches uint64
	fences   uint64
}

// NewMachine builds a simulated hart over the given host-physical memory.
func NewMachine(mem hv.PhysMemory) *Machine {
	return &Machine{mem: mem}
}

// TrapCause implements riscv.Port.
func (m *Machine) TrapCause() uint64 {
	return m.scause
}

// TrapValue implements riscv.Port.
func (m *Machine) TrapValue() uint64 {
	return m.stval
}

// WriteStage2Root implements riscv.Port.
func (m *Machine) WriteStage2Root(hgatp uint64) {
	m.hgatp = hgatp
}

// FenceGuestTLB implements riscv.Port. No TLB is modelled; the fence is
// counted so tests can assert invalidation ordering.
func (m *Machine) FenceGuestTLB() {
	m.fences++
}

// Switches returns how many guest entries the machine has executed.
func (m *Machine) Switches() uint64 {
	return m.switches
}

// Fences returns how many stage-2 fences have been issued.
func (m *Machine) Fences() uint64 {
	return m.fences
}

// SwitchToGuest implements riscv.Port: it loads the guest register state,
// interprets instructions until the guest traps, then writes the trapped
// state and cause registers back. Contract violations by the host (an
// uninitialized context, stage-2 tables pointing outside RAM) are
// programming defects and panic.
func (m *Machine) SwitchToGuest(ctx *riscv.GuestContext) {
	if ctx.Guest.Hstatus&riscv.HstatusSPV == 0 {
		panic("sim: hstatus.SPV clear, context was never initialized for guest entry")
	}

	st := &guestState{
		x:  ctx.Guest.Gprs,
		pc: ctx.Guest.Sepc,
	}

	var tr *guestTrap
	for tr == nil {
		tr = m.step(st)
	}

	ctx.Guest.Gprs = st.x
	ctx.Guest.Sepc = st.pc
	m.scause = tr.cause
	m.stval = tr.tval
	m.switches++
}

// translate resolves a guest-physical address through the stage-2 tables.
// With translation off (hgatp mode 0) addresses pass through untouched.
func (m *Machine) translate(gpa uint64, acc int) (uint64, *guestTrap) {
	mode := riscv.HgatpMode(m.hgatp)
	if mode == 0 {
		return gpa, nil
	}
	if mode != riscv.HgatpModeSv39x4 {
		panic(fmt.Sprintf("sim: unsupported hgatp mode %d", mode))
	}

	if gpa>>riscv.Stage2GPABits != 0 {
		return 0, trap(faultCause(acc), gpa)
	}

	table := riscv.HgatpRoot(m.hgatp)

	for level := riscv.Stage2Levels - 1; ; level-- {
		pteAddr := table + riscv.Stage2Index(gpa, level)*riscv.PteSize
		pte, err := m.mem.ReadPhys(pteAddr, 8)
		if err != nil {
			panic(fmt.Sprintf("sim: stage-2 table walk left RAM: %v", err))
		}

		if pte&riscv.PteV == 0 {
			return 0, trap(faultCause(acc), gpa)
		}

		if riscv.PteLeaf(pte) {
			if !permitted(pte, acc) || pte&riscv.PteU == 0 {
				return 0, trap(faultCause(acc), gpa)
			}
			span := riscv.PageSize << (9 * level)
			pa := riscv.PtePPN(pte)<<riscv.PageShift&^(span-1) | gpa&(span-1)
			return pa, nil
		}

		if level == 0 {
			// Pointer PTE at the leaf level is malformed.
			return 0, trap(faultCause(acc), gpa)
		}
		table = riscv.PtePPN(pte) << riscv.PageShift
	}
}

func faultCause(acc int) uint64 {
	switch acc {
	case accStore:
		return riscv.CauseStoreGuestPageFault
	case accExec:
		return riscv.CauseInsnGuestPageFault
	default:
		return riscv.CauseLoadGuestPageFault
	}
}

func permitted(pte uint64, acc int) bool {
	switch acc {
	case accStore:
		return pte&riscv.PteW != 0
	case accExec:
		return pte&riscv.PteX != 0
	default:
		return pte&riscv.PteR != 0
	}
}

// load reads size bytes of guest memory at vaddr.
func (m *Machine) load(vaddr uint64, size int) (uint64, *guestTrap) {
	pa, tr := m.translate(vaddr, accLoad)
	if tr != nil {
		return 0, tr
	}
	v, err := m.mem.ReadPhys(pa, size)
	if err != nil {
		panic(fmt.Sprintf("sim: stage-2 mapping points outside RAM: %v", err))
	}
	return v, nil
}

// store writes size bytes of guest memory at vaddr.
func (m *Machine) store(vaddr uint64, size int, value uint64) *guestTrap {
	pa, tr := m.translate(vaddr, accStore)
	if tr != nil {
		return tr
	}
	if err := m.mem.WritePhys(pa, size, value); err != nil {
		panic(fmt.Sprintf("sim: stage-2 mapping points outside RAM: %v", err))
	}
	return nil
}

var _ riscv.Port = (*Machine)(nil)
