package riscv

// ExitCause classifies one return from guest mode. The variant set is
// closed; causes without a dedicated variant land in ExitUnhandled.
type ExitCause interface {
	isExitCause()
}

// ExitHypervisorCall is an environment call from VS-mode (an SBI call).
type ExitHypervisorCall struct{}

// ExitIllegalInstruction is an illegal-instruction trap; Instr holds the
// faulting instruction bits from stval.
type ExitIllegalInstruction struct {
	Instr uint64
}

// ExitGuestPageFault is a stage-2 translation fault; Addr holds the
// faulting guest-physical address from stval.
type ExitGuestPageFault struct {
	Addr uint64
}

// ExitUnhandled is any cause without a dedicated variant.
type ExitUnhandled struct {
	Cause uint64
	Tval  uint64
}

func (ExitHypervisorCall) isExitCause()     {}
func (ExitIllegalInstruction) isExitCause() {}
func (ExitGuestPageFault) isExitCause()     {}
func (ExitUnhandled) isExitCause()          {}

// ClassifyExit derives the exit cause from the scause and stval values read
// after a guest trap. Read-only and exit-scoped.
func ClassifyExit(cause, tval uint64) ExitCause {
	if cause&CauseInterrupt != 0 {
		return ExitUnhandled{Cause: cause, Tval: tval}
	}

	switch cause {
	case CauseEcallFromVS:
		return ExitHypervisorCall{}
	case CauseIllegalInsn:
		return ExitIllegalInstruction{Instr: tval}
	case CauseInsnGuestPageFault, CauseLoadGuestPageFault, CauseStoreGuestPageFault:
		return ExitGuestPageFault{Addr: tval}
	default:
		return ExitUnhandled{Cause: cause, Tval: tval}
	}
}
