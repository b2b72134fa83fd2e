package memory

const arenaBlockSize = 256

// handle addresses a record slot in the arena.
type handle int

// record is a stored value with its derived lowercase text and tokens.
type record struct {
	key      string
	value    string
	author   string
	location int
	lower    string
	tokens   []string
}

// arena hands out records from fixed-size preallocated blocks. Released
// slots go on a free list and are reused before the arena grows.
type arena struct {
	blocks [][]record
	free   []handle
	next   int
	live   int
}

func (a *arena) alloc() handle {
	a.live++
	if n := len(a.free); n > 0 {
		h := a.free[n-1]
		a.free = a.free[:n-1]
		return h
	}
	if a.next == len(a.blocks)*arenaBlockSize {
		a.blocks = append(a.blocks, make([]record, arenaBlockSize))
	}
	h := handle(a.next)
	a.next++
	return h
}

func (a *arena) get(h handle) *record {
	return &a.blocks[int(h)/arenaBlockSize][int(h)%arenaBlockSize]
}

func (a *arena) release(h handle) {
	*a.get(h) = record{}
	a.free = append(a.free, h)
	a.live--
}

// capacity is the number of slots allocated so far, live or free.
func (a *arena) capacity() int {
	return len(a.blocks) * arenaBlockSize
}
