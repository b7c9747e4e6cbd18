// Package loader populates a guest-physical address space with a raw
// kernel image so the agreed entry address holds its first instruction.
package loader

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/hvlab/minihv/internal/hv"
	"github.com/hvlab/minihv/internal/hv/riscv"
)

// FlatBytes loads an in-memory flat binary at Entry. The image pages are
// mapped eagerly; everything else in the guest's address space is left to
// demand paging.
type FlatBytes struct {
	Data  []byte
	Entry uint64
}

// Load implements hv.ImageLoader.
func (l FlatBytes) Load(target hv.ImageTarget) (uint64, error) {
	if len(l.Data) == 0 {
		return 0, fmt.Errorf("loader: empty guest image")
	}
	if l.Entry%riscv.PageSize != 0 {
		return 0, fmt.Errorf("loader: entry %#x is not page aligned", l.Entry)
	}

	size := uint64(len(l.Data))
	if err := target.MapRange(l.Entry, size, hv.MapRead|hv.MapWrite|hv.MapExec); err != nil {
		return 0, fmt.Errorf("loader: map image range: %w", err)
	}
	if err := target.WriteBytes(l.Entry, l.Data); err != nil {
		return 0, fmt.Errorf("loader: copy image: %w", err)
	}

	slog.Debug("loader: flat image loaded",
		"entry", fmt.Sprintf("%#x", l.Entry), "size", size)

	return l.Entry, nil
}

// FlatImage loads a raw kernel image file at Entry.
type FlatImage struct {
	Path  string
	Entry uint64
}

// Load implements hv.ImageLoader.
func (l FlatImage) Load(target hv.ImageTarget) (uint64, error) {
	data, err := os.ReadFile(l.Path)
	if err != nil {
		return 0, fmt.Errorf("loader: read image %s: %w", l.Path, err)
	}
	return FlatBytes{Data: data, Entry: l.Entry}.Load(target)
}

var (
	_ hv.ImageLoader = FlatBytes{}
	_ hv.ImageLoader = FlatImage{}
)
