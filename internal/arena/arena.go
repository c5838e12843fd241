// Package arena allocates the large, page-granular byte slices that back
// snapshot frame arrays and per-worker dirty-page pools.
package arena

// PageSize is the frame size every arena allocation is a whole multiple of.
const PageSize = 4096

// New returns a zeroed slice of n bytes suitable for holding guest memory
// pages. The platform-specific implementation backs it with an anonymous
// mapping so the kernel can manage and, where supported, deduplicate it
// without involving the Go garbage collector in multi-megabyte arrays.
func New(n int) ([]byte, error) {
	return newArena(n)
}

// Free releases memory obtained from New. It is a no-op where the platform
// implementation falls back to an ordinary heap allocation.
func Free(b []byte) error {
	return freeArena(b)
}
