// Command minihv launches a single guest kernel image in a virtual machine
// and runs it until it requests shutdown.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"golang.org/x/term"

	"github.com/hvlab/minihv/internal/guestmem"
	"github.com/hvlab/minihv/internal/hv/riscv"
	"github.com/hvlab/minihv/internal/hv/riscv/sim"
	"github.com/hvlab/minihv/internal/loader"
)

func main() {
	if err := run(); err != nil {
		slog.Error("minihv: fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "YAML VM config file")
	image := flag.String("image", "", "Raw guest kernel image (overrides config)")
	entry := flag.Uint64("entry", 0, "Guest entry address (overrides config)")
	memory := flag.Uint64("memory", 0, "Guest memory in MB (overrides config)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Launch a guest kernel image in a virtual machine.\n\n")
		fmt.Fprintf(os.Stderr, "Examples:\n")
		fmt.Fprintf(os.Stderr, "  %s -image guest.bin\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -config vm.yaml -debug\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	setupLogging(*debug)

	cfg := defaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = loadConfig(*configPath); err != nil {
			return err
		}
	}
	if *image != "" {
		cfg.Image = *image
	}
	if *entry != 0 {
		cfg.Entry = *entry
	}
	if *memory != 0 {
		cfg.MemoryMB = *memory
	}
	if err := cfg.validate(); err != nil {
		return err
	}

	ram, err := guestmem.NewRAM(riscv.RAMBase, cfg.MemoryMB<<20)
	if err != nil {
		return err
	}
	defer ram.Close()

	space, err := guestmem.New(ram)
	if err != nil {
		return err
	}

	port := sim.NewMachine(ram)

	vm, err := riscv.NewVM(port, space, loader.FlatImage{
		Path:  cfg.Image,
		Entry: cfg.Entry,
	})
	if err != nil {
		return err
	}

	slog.Info("minihv: starting guest",
		"image", cfg.Image,
		"entry", fmt.Sprintf("%#x", cfg.Entry),
		"memory_mb", cfg.MemoryMB)

	if err := vm.Run(context.Background()); err != nil {
		return err
	}

	slog.Info("minihv: guest shut down normally",
		"switches", vm.VCPU().Switches())
	return nil
}

func setupLogging(debug bool) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	if term.IsTerminal(int(os.Stderr.Fd())) && !debug {
		// Interactive runs drop timestamps for readable output.
		opts.ReplaceAttr = func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey && len(groups) == 0 {
				return slog.Attr{}
			}
			return a
		}
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, opts)))
}
