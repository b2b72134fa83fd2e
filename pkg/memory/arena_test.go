package memory

import "testing"

func TestArena_ReusesReleasedSlots(t *testing.T) {
	var a arena
	h1 := a.alloc()
	h2 := a.alloc()
	a.get(h1).key = "one"
	a.get(h2).key = "two"

	a.release(h1)
	if a.get(h1).key != "" {
		t.Fatalf("released slot not cleared")
	}
	h3 := a.alloc()
	if h3 != h1 {
		t.Fatalf("alloc after release = %d, want reused %d", h3, h1)
	}
	if a.live != 2 {
		t.Fatalf("live = %d, want 2", a.live)
	}
}

func TestArena_GrowsByBlocks(t *testing.T) {
	var a arena
	for i := 0; i < arenaBlockSize+1; i++ {
		a.get(a.alloc()).value = "x"
	}
	if got := a.capacity(); got != 2*arenaBlockSize {
		t.Fatalf("capacity = %d, want %d", got, 2*arenaBlockSize)
	}
}
