package riscv

// GPR names a general-purpose register by its ABI mnemonic. Indexing guest
// state through symbolic names keeps register transposition bugs out of the
// dispatcher.
type GPR int

const (
	Zero GPR = iota
	RA
	SP
	GP
	TP
	T0
	T1
	T2
	S0
	S1
	A0
	A1
	A2
	A3
	A4
	A5
	A6
	A7
	S2
	S3
	S4
	S5
	S6
	S7
	S8
	S9
	S10
	S11
	T3
	T4
	T5
	T6

	NumGPRs
)

// Gprs holds the 32 general-purpose register slots. x0 reads as zero and
// ignores writes.
type Gprs [NumGPRs]uint64

// Reg returns the value of the named register.
func (g *Gprs) Reg(r GPR) uint64 {
	return g[r]
}

// SetReg sets the named register. Writes to Zero are discarded.
func (g *Gprs) SetReg(r GPR, v uint64) {
	if r == Zero {
		return
	}
	g[r] = v
}

// ArgRegs returns the eight SBI argument registers a0-a7 in order.
func (g *Gprs) ArgRegs() [8]uint64 {
	var args [8]uint64
	copy(args[:], g[A0:A7+1])
	return args
}

// GuestRegs is the guest-visible privileged state loaded into the CPU on
// every switch into virtualized mode and written back on every trap.
type GuestRegs struct {
	Gprs Gprs

	// Sepc is the guest program counter the next sret resumes at. After a
	// trap it holds the address of the trapping instruction.
	Sepc uint64

	// Hstatus and Sstatus determine the privilege level and memory-access
	// mode the CPU drops into on resume.
	Hstatus uint64
	Sstatus uint64
}

// HostRegs mirrors the host state the switch boundary saves on guest entry
// and restores on exit. It is owned exclusively by the boundary; the
// dispatcher never inspects it.
type HostRegs struct {
	Gprs Gprs

	Hstatus  uint64
	Sstatus  uint64
	Stvec    uint64
	Sscratch uint64
}

// GuestContext is the complete register state of one vCPU. Exactly one
// exists per running vCPU and it is mutated only between switches, by a
// single thread of control.
type GuestContext struct {
	Guest GuestRegs
	Host  HostRegs
}

// NewGuestContext builds the initial context for a guest entered at entry:
// the resume program counter is entry, hstatus returns to virtualized
// supervisor mode (SPV) with hypervisor access to guest memory (SPVP), and
// sstatus selects supervisor privilege (SPP). Pure; no hardware is touched.
func NewGuestContext(entry uint64) *GuestContext {
	return &GuestContext{
		Guest: GuestRegs{
			Sepc:    entry,
			Hstatus: HstatusSPV | HstatusSPVP,
			Sstatus: SstatusSPP,
		},
	}
}
