package riscv

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hvlab/minihv/internal/hv"
)

// Agreed shutdown reason codes. A Shutdown call carrying anything else is a
// broken guest contract, not a valid shutdown.
const (
	ShutdownMagic0 uint64 = 0x6688
	ShutdownMagic1 uint64 = 0x1234
)

// insnLen is the fixed instruction width assumed when skipping over a guest
// instruction. Compressed guest instructions are not supported.
const insnLen = 4

// maxUnhandledStreak bounds how many consecutive identical unhandled exit
// causes are tolerated before the vCPU gives up instead of spinning.
const maxUnhandledStreak = 8

// VCPU drives the trap-and-emulate loop for a single guest CPU. It
// exclusively owns its GuestContext and borrows the address space for the
// lifetime of Run; there is no concurrent access to either.
type VCPU struct {
	port  Port
	space hv.AddressSpace
	ctx   *GuestContext

	switches uint64

	lastUnhandled   uint64
	unhandledStreak int
}

// NewVCPU builds a vCPU whose guest resumes at entry. The returned vCPU is
// fully initialized; there is no separate arming step.
func NewVCPU(port Port, space hv.AddressSpace, entry uint64) *VCPU {
	return &VCPU{
		port:  port,
		space: space,
		ctx:   NewGuestContext(entry),
	}
}

// Context returns the vCPU's guest context.
func (v *VCPU) Context() *GuestContext {
	return v.ctx
}

// Switches returns how many times the vCPU has entered guest mode.
func (v *VCPU) Switches() uint64 {
	return v.switches
}

// Run installs the stage-2 root and then alternates guest switches with
// exit dispatch until the guest shuts down cleanly (nil), the context is
// cancelled, or a fatal condition is hit. A guest that never traps blocks
// here indefinitely.
func (v *VCPU) Run(ctx context.Context) error {
	InstallStage2(v.port, v.space.Stage2Root())

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		v.port.SwitchToGuest(v.ctx)
		v.switches++

		done, err := v.handleExit()
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

// handleExit classifies and dispatches one vmexit. It returns true when the
// run loop should terminate (guest shut down normally) and a non-nil error
// for fatal conditions.
func (v *VCPU) handleExit() (bool, error) {
	cause := v.port.TrapCause()
	tval := v.port.TrapValue()

	switch e := ClassifyExit(cause, tval).(type) {
	case ExitHypervisorCall:
		v.unhandledStreak = 0
		return v.handleHypercall()

	case ExitIllegalInstruction:
		// Not emulated: skip the instruction. Only correct for guest
		// instructions known to be harmless no-ops.
		slog.Debug("riscv: skipping illegal instruction",
			"instr", fmt.Sprintf("%#x", e.Instr),
			"sepc", fmt.Sprintf("%#x", v.ctx.Guest.Sepc))
		v.ctx.Guest.Sepc += insnLen
		v.unhandledStreak = 0
		return false, nil

	case ExitGuestPageFault:
		slog.Debug("riscv: guest page fault",
			"addr", fmt.Sprintf("%#x", e.Addr),
			"sepc", fmt.Sprintf("%#x", v.ctx.Guest.Sepc))
		if err := v.space.RepairFault(e.Addr, hv.MapRead|hv.MapWrite|hv.MapExec); err != nil {
			return false, fmt.Errorf("riscv: repair guest page fault at %#x: %w", e.Addr, err)
		}
		// The faulting instruction is skipped rather than retried, so
		// its access never completes against the fresh mapping. Wrong
		// for any load/store with a visible effect; kept deliberately.
		v.ctx.Guest.Sepc += insnLen
		v.unhandledStreak = 0
		return false, nil

	case ExitUnhandled:
		slog.Warn("riscv: unhandled vmexit",
			"cause", fmt.Sprintf("%#x", e.Cause),
			"sepc", fmt.Sprintf("%#x", v.ctx.Guest.Sepc),
			"stval", fmt.Sprintf("%#x", e.Tval))
		if e.Cause == v.lastUnhandled {
			v.unhandledStreak++
		} else {
			v.lastUnhandled = e.Cause
			v.unhandledStreak = 1
		}
		if v.unhandledStreak >= maxUnhandledStreak {
			return false, fmt.Errorf("riscv: vmexit cause %#x unhandled %d times in a row (sepc=%#x stval=%#x)",
				e.Cause, v.unhandledStreak, v.ctx.Guest.Sepc, e.Tval)
		}
		return false, nil
	}

	return false, fmt.Errorf("riscv: unknown exit classification for cause %#x", cause)
}

// handleHypercall decodes and services an SBI call from the guest. The
// guest is a single trusted image, so a malformed call, an unsupported
// extension, or a shutdown with wrong reason codes all break the contract
// and are fatal.
func (v *VCPU) handleHypercall() (bool, error) {
	call, err := DecodeSBI(v.ctx.Guest.Gprs.ArgRegs())
	if err != nil {
		return false, hv.ProtocolViolation("malformed hypervisor call at sepc=%#x: %v", v.ctx.Guest.Sepc, err)
	}

	switch c := call.(type) {
	case Shutdown:
		if c.Code0 != ShutdownMagic0 || c.Code1 != ShutdownMagic1 {
			return false, hv.ProtocolViolation("shutdown codes %#x/%#x do not match %#x/%#x",
				c.Code0, c.Code1, ShutdownMagic0, ShutdownMagic1)
		}
		slog.Info("riscv: guest requested shutdown",
			"code0", fmt.Sprintf("%#x", c.Code0),
			"code1", fmt.Sprintf("%#x", c.Code1))
		return true, nil

	case Unsupported:
		return false, hv.ProtocolViolation("SBI extension %#x function %#x not implemented", c.Ext, c.Fid)
	}

	return false, hv.ProtocolViolation("unknown hypervisor call %v", call)
}
