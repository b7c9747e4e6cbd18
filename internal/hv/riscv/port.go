package riscv

// Port is the narrow privileged-register capability the vCPU engine runs
// against. On hardware it is backed by CSR accesses and the context-switch
// trampoline; in tests and on hosts without the hypervisor extension it is
// backed by a simulated CPU (see the sim package). It is handed only to the
// components that need it, never held as ambient global state.
type Port interface {
	// TrapCause returns scause as of the most recent return from guest
	// mode.
	TrapCause() uint64

	// TrapValue returns stval as of the most recent return from guest
	// mode (the faulting address or instruction bits, per cause).
	TrapValue() uint64

	// WriteStage2Root programs hgatp with an encoded stage-2 root.
	WriteStage2Root(hgatp uint64)

	// FenceGuestTLB invalidates all cached stage-2 translations
	// (hfence.gvma). Must be ordered before the next SwitchToGuest that
	// relies on a new root.
	FenceGuestTLB()

	// SwitchToGuest saves the host state it will clobber, loads every
	// guest register from ctx, and returns to guest mode at
	// ctx.Guest.Sepc. It blocks until the guest traps, then writes the
	// guest registers as they were at the moment of the trap back into
	// ctx before returning. It never inspects the trap cause; that is
	// the dispatcher's job.
	SwitchToGuest(ctx *GuestContext)
}

// InstallStage2 points the second translation stage at the given root and
// invalidates any stale cached translations. Safe to repeat; required
// exactly once before the first guest switch. A wrong root is not
// detectable here and surfaces later as guest page faults.
func InstallStage2(port Port, root uint64) {
	port.WriteStage2Root(MakeHgatp(root))
	port.FenceGuestTLB()
}
