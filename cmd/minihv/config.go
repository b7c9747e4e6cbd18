package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/hvlab/minihv/internal/hv/riscv"
)

// Config is the YAML VM description. Flags override individual fields.
type Config struct {
	// Image is the path to the raw guest kernel image.
	Image string `yaml:"image"`

	// Entry is the guest-physical load/entry address.
	Entry uint64 `yaml:"entry"`

	// MemoryMB is the guest RAM size in MiB.
	MemoryMB uint64 `yaml:"memory_mb"`
}

func defaultConfig() Config {
	return Config{
		Entry:    riscv.DefaultEntry,
		MemoryMB: 64,
	}
}

func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}

	return cfg, nil
}

func (c Config) validate() error {
	if c.Image == "" {
		return fmt.Errorf("no guest image configured")
	}
	if c.MemoryMB == 0 {
		return fmt.Errorf("guest memory size must be nonzero")
	}
	if c.Entry < riscv.RAMBase {
		return fmt.Errorf("entry %#x is below guest RAM base %#x", c.Entry, riscv.RAMBase)
	}
	return nil
}
