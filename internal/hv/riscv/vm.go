package riscv

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hvlab/minihv/internal/hv"
)

// VM sequences a single-vCPU guest launch: load the image, build the
// initial context, then run the trap-and-emulate loop until termination.
type VM struct {
	port  Port
	space hv.ImageTarget
	vcpu  *VCPU
}

// NewVM loads the guest image into the address space and prepares a vCPU at
// the image's entry point. A load failure is fatal at launch: no VM is
// returned.
func NewVM(port Port, space hv.ImageTarget, loader hv.ImageLoader) (*VM, error) {
	entry, err := loader.Load(space)
	if err != nil {
		return nil, fmt.Errorf("riscv: load guest image: %w", err)
	}

	slog.Debug("riscv: guest image loaded", "entry", fmt.Sprintf("%#x", entry))

	return &VM{
		port:  port,
		space: space,
		vcpu:  NewVCPU(port, space, entry),
	}, nil
}

// VCPU returns the VM's single vCPU.
func (vm *VM) VCPU() *VCPU {
	return vm.vcpu
}

// Run executes the guest until it shuts down cleanly or a fatal condition
// terminates it. The address space must stay alive until Run returns.
func (vm *VM) Run(ctx context.Context) error {
	return vm.vcpu.Run(ctx)
}
