//go:build linux

package arena

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// newArena mmaps an anonymous, private region and marks it MADV_MERGEABLE,
// the same allocate-then-madvise sequence kvm.go uses for guest RAM: workers
// fuzzing from the same snapshot tend to leave long identical stretches in
// their dirty pools before they're ever written to.
func newArena(n int) ([]byte, error) {
	if n == 0 {
		return nil, nil
	}

	mem, err := unix.Mmap(-1, 0, n, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANONYMOUS|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("arena: mmap: %w", err)
	}

	if err := unix.Madvise(mem, unix.MADV_MERGEABLE); err != nil {
		_ = unix.Munmap(mem)
		return nil, fmt.Errorf("arena: madvise: %w", err)
	}

	return mem, nil
}

func freeArena(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	return unix.Munmap(b)
}
