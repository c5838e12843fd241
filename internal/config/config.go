// Package config holds the tunables of the fuzzing engine: the compiled-in
// defaults, an optional YAML override file, and environment variable
// overrides on top of that, in that order of increasing precedence.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ExitError carries a process exit code out of run() in cmd/snapfuzz, the
// same role internal/initx.ExitError plays for the teacher's cc binary.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("exit code %d", e.Code)
}

func (e *ExitError) Unwrap() error { return e.Err }

// Config collects every tunable of the fuzzing engine.
type Config struct {
	// GuestExecTimeout bounds how long a single iteration may spend with
	// control inside the guest before the backend's preemption timer fires
	// and the iteration is classified as Hang. The original measures this in
	// TSC ticks; here it is wall-clock time.
	GuestExecTimeout time.Duration `yaml:"guest_exec_timeout"`

	// NestedPagingPoolSize is the number of preallocated nested paging
	// structure frames (PDPT/PD/PT tables) each worker's VM may consume
	// before build_translation aborts the process.
	NestedPagingPoolSize int `yaml:"nested_paging_pool_size"`

	// DirtyPagePoolSize is the number of preallocated dirty frames each
	// worker's VM may consume via copy_on_write before an iteration aborts
	// with ExcessiveMemoryWrite.
	DirtyPagePoolSize int `yaml:"dirty_page_pool_size"`

	// SerialOutputInterval is, once in how many iterations, a stats line is
	// emitted on the serial sink.
	SerialOutputInterval uint64 `yaml:"serial_output_interval"`

	// ConsoleOutputInterval is, once in how many iterations, the aggregate
	// stats block is redrawn on stdout.
	ConsoleOutputInterval uint64 `yaml:"console_output_interval"`

	// MaxIterationCountPerFile bounds random-byte mutation of one input
	// before the mutation engine moves on to the next corpus entry.
	MaxIterationCountPerFile uint64 `yaml:"max_iteration_count_per_file"`
}

// Defaults mirrors the compiled-in constants of config.rs.
func Defaults() Config {
	return Config{
		GuestExecTimeout:         200 * time.Millisecond,
		NestedPagingPoolSize:     1024,
		DirtyPagePoolSize:        1024,
		SerialOutputInterval:     500,
		ConsoleOutputInterval:    1000,
		MaxIterationCountPerFile: 10_000,
	}
}

// Load starts from Defaults, applies path (if non-empty) as a YAML overlay,
// then applies SNAPFUZZ_* environment variable overrides.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: open %s: %w", path, err)
		}
		defer f.Close()

		dec := yaml.NewDecoder(f)
		if err := dec.Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	return cfg, nil
}

func (c *Config) applyEnv() {
	c.GuestExecTimeout = getEnvDuration("SNAPFUZZ_GUEST_EXEC_TIMEOUT", c.GuestExecTimeout)
	c.NestedPagingPoolSize = getEnvInt("SNAPFUZZ_NESTED_PAGING_POOL_SIZE", c.NestedPagingPoolSize)
	c.DirtyPagePoolSize = getEnvInt("SNAPFUZZ_DIRTY_PAGE_POOL_SIZE", c.DirtyPagePoolSize)
	c.SerialOutputInterval = getEnvUint64("SNAPFUZZ_SERIAL_OUTPUT_INTERVAL", c.SerialOutputInterval)
	c.ConsoleOutputInterval = getEnvUint64("SNAPFUZZ_CONSOLE_OUTPUT_INTERVAL", c.ConsoleOutputInterval)
	c.MaxIterationCountPerFile = getEnvUint64("SNAPFUZZ_MAX_ITERATION_COUNT_PER_FILE", c.MaxIterationCountPerFile)
}

func getEnvInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvUint64(key string, defaultValue uint64) uint64 {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.ParseUint(v, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}
