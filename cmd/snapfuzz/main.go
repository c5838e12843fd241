package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"

	"github.com/fuzzhv/snapfuzz/internal/config"
	"github.com/fuzzhv/snapfuzz/internal/corpus"
	"github.com/fuzzhv/snapfuzz/internal/engine"
	"github.com/fuzzhv/snapfuzz/internal/mutate"
	"github.com/fuzzhv/snapfuzz/internal/patch"
	"github.com/fuzzhv/snapfuzz/internal/snapshot"
	"github.com/fuzzhv/snapfuzz/internal/timeslice"
)

func main() {
	if err := run(); err != nil {
		var exitErr *config.ExitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.Code)
		}
		fmt.Fprintf(os.Stderr, "snapfuzz: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "YAML config overlay (default: compiled-in defaults)")
	mutationMode := flag.String("mutation", "bitflip", "Mutation strategy: bitflip or random")
	vendorName := flag.String("vendor", "intel", "Software backend flavor: intel or amd")
	serialPath := flag.String("serial", "", "Write serial-cadence progress lines to this file (default: stderr)")
	tracePath := flag.String("trace", "", "Write a binary timeslice trace to this file (unset: tracing disabled)")
	cores := flag.Int("cores", runtime.NumCPU(), "Number of worker goroutines")
	dbg := flag.Bool("debug", false, "Enable debug logging")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] <snapshot-file> <patch-file> <corpus-dir>\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Run snapshot-based coverage fuzzing against a UEFI-resident guest snapshot.\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	level := slog.LevelInfo
	if *dbg {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	args := flag.Args()
	if len(args) != 3 {
		flag.Usage()
		return &config.ExitError{Code: 2, Err: fmt.Errorf("expected <snapshot-file> <patch-file> <corpus-dir>")}
	}
	snapshotPath, patchPath, corpusDir := args[0], args[1], args[2]

	mode, err := parseMutationMode(*mutationMode)
	if err != nil {
		return &config.ExitError{Code: 2, Err: err}
	}
	vendor, err := parseVendor(*vendorName)
	if err != nil {
		return &config.ExitError{Code: 2, Err: err}
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	serial := os.Stderr
	if *serialPath != "" {
		f, err := os.Create(*serialPath)
		if err != nil {
			return fmt.Errorf("create serial output file: %w", err)
		}
		defer f.Close()
		serial = f
	}

	if *tracePath != "" {
		f, err := os.Create(*tracePath)
		if err != nil {
			return fmt.Errorf("create trace file: %w", err)
		}
		closer, err := timeslice.StartRecording(f)
		if err != nil {
			f.Close()
			return fmt.Errorf("start trace recording: %w", err)
		}
		defer func() {
			closer.Close()
			f.Close()
		}()
		log.Info("recording timeslice trace", slog.String("path", *tracePath))
	}

	patches, err := patch.Load(patchPath)
	if err != nil {
		return fmt.Errorf("load patches: %w", err)
	}
	log.Info("loaded patches", slog.Int("count", len(patches.Entries())))

	store, err := snapshot.Open(snapshotPath, patches)
	if err != nil {
		return fmt.Errorf("open snapshot: %w", err)
	}
	defer store.Close()
	log.Info("opened snapshot", slog.Int("frames", store.FrameCount()))

	c, err := corpus.Load(corpusDir)
	if err != nil {
		return fmt.Errorf("load corpus: %w", err)
	}
	log.Info("loaded corpus", slog.Int("count", c.Remaining()))

	if *cores < 1 {
		*cores = 1
	}
	state := engine.NewGlobalState(store, c, patches, *cores)

	log.Info("starting fuzzing",
		slog.Int("cores", *cores),
		slog.String("mutation", *mutationMode),
		slog.String("vendor", *vendorName),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		log.Info("interrupted, stopping workers")
		cancel()
	}()

	if err := engine.Run(ctx, state, cfg, mode, vendor, serial, log); err != nil && ctx.Err() == nil {
		return fmt.Errorf("run engine: %w", err)
	}

	stats := state.Stats()
	log.Info("fuzzing complete",
		slog.Uint64("iterations", state.IterationCount()),
		slog.Int("coverage", stats.CoverageCount()),
		slog.Uint64("hangs", stats.HangCount),
	)

	return nil
}

func parseMutationMode(s string) (mutate.Mode, error) {
	switch s {
	case "bitflip":
		return mutate.ModeBitFlip, nil
	case "random":
		return mutate.ModeRandomByte, nil
	default:
		return 0, fmt.Errorf("unknown mutation mode %q (want bitflip or random)", s)
	}
}

func parseVendor(s string) (engine.Vendor, error) {
	switch s {
	case "intel":
		return engine.VendorIntel, nil
	case "amd":
		return engine.VendorAMD, nil
	default:
		return 0, fmt.Errorf("unknown vendor %q (want intel or amd)", s)
	}
}
