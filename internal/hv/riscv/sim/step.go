package sim

import (
	"fmt"

	"github.com/hvlab/minihv/internal/hv/riscv"
)

// Opcode constants (RV64I subset)
const (
	opLoad    = 0b0000011
	opMiscMem = 0b0001111
	opOpImm   = 0b0010011
	opAuipc   = 0b0010111
	opOpImm32 = 0b0011011
	opStore   = 0b0100011
	opOp      = 0b0110011
	opLui     = 0b0110111
	opOp32    = 0b0111011
	opBranch  = 0b1100011
	opJalr    = 0b1100111
	opJal     = 0b1101111
	opSystem  = 0b1110011
)

// Instruction field extraction
func opcode(insn uint32) uint32 { return insn & 0x7f }
func rd(insn uint32) uint32     { return (insn >> 7) & 0x1f }
func funct3(insn uint32) uint32 { return (insn >> 12) & 0x7 }
func rs1(insn uint32) uint32    { return (insn >> 15) & 0x1f }
func rs2(insn uint32) uint32    { return (insn >> 20) & 0x1f }
func funct7(insn uint32) uint32 { return (insn >> 25) & 0x7f }

func signExtend(v uint64, bits int) int64 {
	shift := 64 - bits
	return int64(v<<uint(shift)) >> uint(shift)
}

// Immediate extraction
func immI(insn uint32) int64 {
	return signExtend(uint64(insn>>20), 12)
}

func immS(insn uint32) int64 {
	imm := (insn >> 7) & 0x1f
	imm |= ((insn >> 25) & 0x7f) << 5
	return signExtend(uint64(imm), 12)
}

func immB(insn uint32) int64 {
	imm := ((insn >> 8) & 0xf) << 1
	imm |= ((insn >> 25) & 0x3f) << 5
	imm |= ((insn >> 7) & 0x1) << 11
	imm |= ((insn >> 31) & 0x1) << 12
	return signExtend(uint64(imm), 13)
}

func immU(insn uint32) int64 {
	return signExtend(uint64(insn&0xfffff000), 32)
}

func immJ(insn uint32) int64 {
	imm := ((insn >> 21) & 0x3ff) << 1
	imm |= ((insn >> 20) & 0x1) << 11
	imm |= ((insn >> 12) & 0xff) << 12
	imm |= ((insn >> 31) & 0x1) << 20
	return signExtend(uint64(imm), 21)
}

// guestState is the register file of the guest while it executes.
type guestState struct {
	x  riscv.Gprs
	pc uint64
}

func (st *guestState) reg(i uint32) uint64 {
	return st.x.Reg(riscv.GPR(i))
}

func (st *guestState) setReg(i uint32, v uint64) {
	st.x.SetReg(riscv.GPR(i), v)
}

// step fetches and executes one guest instruction. It returns nil when
// execution continues in guest mode and a trap when control transfers back
// to the hypervisor. On a trap st.pc is the address of the trapping
// instruction.
func (m *Machine) step(st *guestState) *guestTrap {
	pa, tr := m.translate(st.pc, accExec)
	if tr != nil {
		return tr
	}

	raw, err := m.mem.ReadPhys(pa, 4)
	if err != nil {
		panic(fmt.Sprintf("sim: instruction fetch outside RAM: %v", err))
	}
	insn := uint32(raw)

	// Compressed instructions are not implemented.
	if insn&0x3 != 0x3 {
		return trap(riscv.CauseIllegalInsn, uint64(insn))
	}

	next := st.pc + 4

	switch opcode(insn) {
	case opLui:
		st.setReg(rd(insn), uint64(immU(insn)))

	case opAuipc:
		st.setReg(rd(insn), st.pc+uint64(immU(insn)))

	case opOpImm:
		a := st.reg(rs1(insn))
		imm := immI(insn)
		var v uint64
		switch funct3(insn) {
		case 0: // addi
			v = a + uint64(imm)
		case 1: // slli
			v = a << (uint64(imm) & 0x3f)
		case 2: // slti
			v = boolTo64(int64(a) < imm)
		case 3: // sltiu
			v = boolTo64(a < uint64(imm))
		case 4: // xori
			v = a ^ uint64(imm)
		case 5: // srli/srai
			sh := uint64(imm) & 0x3f
			if insn>>30&1 != 0 {
				v = uint64(int64(a) >> sh)
			} else {
				v = a >> sh
			}
		case 6: // ori
			v = a | uint64(imm)
		case 7: // andi
			v = a & uint64(imm)
		}
		st.setReg(rd(insn), v)

	case opOpImm32:
		a := st.reg(rs1(insn))
		imm := immI(insn)
		var v int32
		switch funct3(insn) {
		case 0: // addiw
			v = int32(a) + int32(imm)
		case 1: // slliw
			v = int32(a) << (uint64(imm) & 0x1f)
		case 5: // srliw/sraiw
			sh := uint64(imm) & 0x1f
			if insn>>30&1 != 0 {
				v = int32(a) >> sh
			} else {
				v = int32(uint32(a) >> sh)
			}
		default:
			return trap(riscv.CauseIllegalInsn, uint64(insn))
		}
		st.setReg(rd(insn), uint64(int64(v)))

	case opOp:
		if funct7(insn) == 1 {
			// M extension not implemented
			return trap(riscv.CauseIllegalInsn, uint64(insn))
		}
		a, b := st.reg(rs1(insn)), st.reg(rs2(insn))
		var v uint64
		switch funct3(insn) {
		case 0: // add/sub
			if insn>>30&1 != 0 {
				v = a - b
			} else {
				v = a + b
			}
		case 1: // sll
			v = a << (b & 0x3f)
		case 2: // slt
			v = boolTo64(int64(a) < int64(b))
		case 3: // sltu
			v = boolTo64(a < b)
		case 4: // xor
			v = a ^ b
		case 5: // srl/sra
			if insn>>30&1 != 0 {
				v = uint64(int64(a) >> (b & 0x3f))
			} else {
				v = a >> (b & 0x3f)
			}
		case 6: // or
			v = a | b
		case 7: // and
			v = a & b
		}
		st.setReg(rd(insn), v)

	case opOp32:
		a, b := st.reg(rs1(insn)), st.reg(rs2(insn))
		var v int32
		switch funct3(insn) {
		case 0: // addw/subw
			if insn>>30&1 != 0 {
				v = int32(a) - int32(b)
			} else {
				v = int32(a) + int32(b)
			}
		case 1: // sllw
			v = int32(a) << (b & 0x1f)
		case 5: // srlw/sraw
			if insn>>30&1 != 0 {
				v = int32(a) >> (b & 0x1f)
			} else {
				v = int32(uint32(a) >> (b & 0x1f))
			}
		default:
			return trap(riscv.CauseIllegalInsn, uint64(insn))
		}
		st.setReg(rd(insn), uint64(int64(v)))

	case opLoad:
		addr := st.reg(rs1(insn)) + uint64(immI(insn))
		var v uint64
		var ltr *guestTrap
		switch funct3(insn) {
		case 0: // lb
			v, ltr = m.load(addr, 1)
			v = uint64(signExtend(v, 8))
		case 1: // lh
			v, ltr = m.load(addr, 2)
			v = uint64(signExtend(v, 16))
		case 2: // lw
			v, ltr = m.load(addr, 4)
			v = uint64(signExtend(v, 32))
		case 3: // ld
			v, ltr = m.load(addr, 8)
		case 4: // lbu
			v, ltr = m.load(addr, 1)
		case 5: // lhu
			v, ltr = m.load(addr, 2)
		case 6: // lwu
			v, ltr = m.load(addr, 4)
		default:
			return trap(riscv.CauseIllegalInsn, uint64(insn))
		}
		if ltr != nil {
			return ltr
		}
		st.setReg(rd(insn), v)

	case opStore:
		addr := st.reg(rs1(insn)) + uint64(immS(insn))
		v := st.reg(rs2(insn))
		var size int
		switch funct3(insn) {
		case 0:
			size = 1
		case 1:
			size = 2
		case 2:
			size = 4
		case 3:
			size = 8
		default:
			return trap(riscv.CauseIllegalInsn, uint64(insn))
		}
		if tr := m.store(addr, size, v); tr != nil {
			return tr
		}

	case opBranch:
		a, b := st.reg(rs1(insn)), st.reg(rs2(insn))
		var taken bool
		switch funct3(insn) {
		case 0: // beq
			taken = a == b
		case 1: // bne
			taken = a != b
		case 4: // blt
			taken = int64(a) < int64(b)
		case 5: // bge
			taken = int64(a) >= int64(b)
		case 6: // bltu
			taken = a < b
		case 7: // bgeu
			taken = a >= b
		default:
			return trap(riscv.CauseIllegalInsn, uint64(insn))
		}
		if taken {
			next = st.pc + uint64(immB(insn))
		}

	case opJal:
		st.setReg(rd(insn), st.pc+4)
		next = st.pc + uint64(immJ(insn))

	case opJalr:
		t := st.pc + 4
		next = (st.reg(rs1(insn)) + uint64(immI(insn))) &^ 1
		st.setReg(rd(insn), t)

	case opMiscMem:
		// fence: nothing to order

	case opSystem:
		if funct3(insn) != 0 {
			// CSR accesses trap to the hypervisor as illegal
			// instructions; the guest has no CSRs here.
			return trap(riscv.CauseIllegalInsn, uint64(insn))
		}
		switch insn >> 20 {
		case 0: // ecall from VS-mode
			return trap(riscv.CauseEcallFromVS, 0)
		case 1: // ebreak
			return trap(riscv.CauseBreakpoint, st.pc)
		default:
			// wfi, sret, sfence.vma and friends
			return trap(riscv.CauseIllegalInsn, uint64(insn))
		}

	default:
		return trap(riscv.CauseIllegalInsn, uint64(insn))
	}

	st.pc = next
	return nil
}

func boolTo64(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}
