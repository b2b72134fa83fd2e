package chain

// Pair is one successor with the number of times it followed a word on
// one learned line.
type Pair struct {
	Word  string
	Count int
}

// Entry is a word's successor list and the sum of its counts.
type Entry struct {
	Successors []Pair
	Total      int
}

// Mind is a compiled successor table. Keys keep the order in which words
// were first compiled.
type Mind struct {
	keys    []string
	entries map[string]*Entry
}

func newMind() *Mind {
	return &Mind{entries: make(map[string]*Entry)}
}

func (m *Mind) add(word string, succ []Pair, total int) {
	e, ok := m.entries[word]
	if !ok {
		e = &Entry{}
		m.entries[word] = e
		m.keys = append(m.keys, word)
	}
	e.Successors = append(e.Successors, succ...)
	e.Total += total
}

// Entry returns a copy of word's entry.
func (m *Mind) Entry(word string) (Entry, bool) {
	e, ok := m.entries[word]
	if !ok {
		return Entry{}, false
	}
	return Entry{Successors: append([]Pair(nil), e.Successors...), Total: e.Total}, true
}

func (m *Mind) Has(word string) bool {
	_, ok := m.entries[word]
	return ok
}

// Keys returns the compiled words in order.
func (m *Mind) Keys() []string {
	return append([]string(nil), m.keys...)
}

func (m *Mind) Len() int {
	return len(m.keys)
}
