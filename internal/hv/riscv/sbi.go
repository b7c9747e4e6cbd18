package riscv

import "fmt"

// SBI extension IDs
const (
	SBIExtLegacySetTimer = 0x00
	SBIExtLegacyPutchar  = 0x01
	SBIExtLegacyGetchar  = 0x02
	SBIExtLegacyShutdown = 0x08
	SBIExtBase           = 0x10
	SBIExtTimer          = 0x54494D45 // "TIME"
	SBIExtIPI            = 0x735049   // "sPI"
	SBIExtRFence         = 0x52464E43 // "RFNC"
	SBIExtHSM            = 0x48534D   // "HSM"
	SBIExtSRST           = 0x53525354 // "SRST"
)

// SRST function IDs
const (
	SRSTSystemReset = 0
)

// SBICall is a decoded hypervisor call. The variant set is closed: anything
// the codec does not recognize decodes to Unsupported, never to a bare
// fall-through.
type SBICall interface {
	isSBICall()
}

// Shutdown is a system-reset request carrying the guest-supplied reason
// codes from a0 and a1.
type Shutdown struct {
	Code0 uint64
	Code1 uint64
}

// Unsupported is a well-formed call to an extension this hypervisor does
// not implement.
type Unsupported struct {
	Ext uint64
	Fid uint64
}

func (Shutdown) isSBICall()    {}
func (Unsupported) isSBICall() {}

func (s Shutdown) String() string {
	return fmt.Sprintf("Shutdown(0x%x, 0x%x)", s.Code0, s.Code1)
}

func (u Unsupported) String() string {
	return fmt.Sprintf("Unsupported(ext=0x%x, fid=0x%x)", u.Ext, u.Fid)
}

// DecodeSBI decodes the SBI calling convention from the argument registers
// a0-a7: a7 carries the extension ID, a6 the function ID, a0 onward the
// payload. Pure; no side effects. Unknown extensions decode to Unsupported
// for any payload; a recognized extension with a malformed function ID is a
// decode error.
func DecodeSBI(args [8]uint64) (SBICall, error) {
	ext := args[7]
	fid := args[6]

	switch ext {
	case SBIExtSRST:
		if fid != SRSTSystemReset {
			return nil, fmt.Errorf("riscv: SRST function 0x%x is not defined", fid)
		}
		return Shutdown{Code0: args[0], Code1: args[1]}, nil

	case SBIExtLegacyShutdown:
		// Legacy extensions carry no function ID.
		return Shutdown{Code0: args[0], Code1: args[1]}, nil

	default:
		return Unsupported{Ext: ext, Fid: fid}, nil
	}
}
