package arena

import "testing"

func TestNewReturnsZeroedPages(t *testing.T) {
	b, err := New(3 * PageSize)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer Free(b)

	if len(b) != 3*PageSize {
		t.Fatalf("len = %d, want %d", len(b), 3*PageSize)
	}
	for i, v := range b {
		if v != 0 {
			t.Fatalf("byte %d = %d, want 0", i, v)
		}
	}
}

func TestNewZeroLength(t *testing.T) {
	b, err := New(0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if len(b) != 0 {
		t.Fatalf("len = %d, want 0", len(b))
	}
	if err := Free(b); err != nil {
		t.Fatalf("Free: %v", err)
	}
}

func TestFreeThenReuse(t *testing.T) {
	b, err := New(PageSize)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	b[0] = 0x42
	if err := Free(b); err != nil {
		t.Fatalf("Free: %v", err)
	}

	b2, err := New(PageSize)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer Free(b2)
	if b2[0] != 0 {
		t.Fatalf("reused arena not zeroed: b2[0] = %d", b2[0])
	}
}
