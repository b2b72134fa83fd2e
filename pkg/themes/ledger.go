package themes

import (
	"math/rand/v2"
	"strings"
	"sync"
)

const (
	recentThemeCapacity = 5
	projectionRounds    = 4
	declarationMarker   = "system prompt:"
)

// Ledger is one actor's mood: how often each theme has come up, the themes
// seen most recently, and the mode declarations registered per theme.
type Ledger struct {
	mu           sync.Mutex
	graph        *Graph
	rng          *rand.Rand
	counters     map[string]int
	recent       []string
	declarations map[string][]string
}

func NewLedger(g *Graph, rng *rand.Rand) *Ledger {
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &Ledger{
		graph:        g,
		rng:          rng,
		counters:     make(map[string]int),
		declarations: make(map[string][]string),
	}
}

// Adjust classifies text, pushes each theme onto the recent list (evicting
// the oldest beyond capacity) and bumps its counter.
func (l *Ledger) Adjust(text string) []string {
	found := l.graph.Classify(text)

	l.mu.Lock()
	defer l.mu.Unlock()
	for _, theme := range found {
		l.recent = append(l.recent, theme)
		if len(l.recent) > recentThemeCapacity {
			l.recent = l.recent[len(l.recent)-recentThemeCapacity:]
		}
		l.counters[theme]++
	}
	return found
}

// Project builds a mood block from registered declarations. Each of four
// rounds draws a declared theme with probability proportional to its
// counter and walks its declarations cyclically from a random start,
// emitting those not already emitted by this call.
func (l *Ledger) Project() string {
	l.mu.Lock()
	defer l.mu.Unlock()

	var declared []string
	total := 0
	for _, name := range l.graph.Names() {
		if len(l.declarations[name]) == 0 || l.counters[name] <= 0 {
			continue
		}
		declared = append(declared, name)
		total += l.counters[name]
	}
	if total == 0 {
		return ""
	}

	var b strings.Builder
	emitted := make(map[string]bool)
	for round := 0; round < projectionRounds; round++ {
		n := l.rng.IntN(total)
		for _, name := range declared {
			n -= l.counters[name]
			if n >= 0 {
				continue
			}
			decls := l.declarations[name]
			start := l.rng.IntN(len(decls))
			for i := 0; i < len(decls); i++ {
				d := decls[(start+i)%len(decls)]
				if emitted[d] {
					continue
				}
				emitted[d] = true
				b.WriteString(d)
				b.WriteString("\n")
			}
			break
		}
	}
	return b.String()
}

// Declare looks for a "System Prompt:" marker in text. The remainder of
// that line is classified and stored under every matching theme. Returns
// the themes the declaration was filed under.
func (l *Ledger) Declare(text string) []string {
	lower := strings.ToLower(text)
	idx := strings.Index(lower, declarationMarker)
	if idx < 0 {
		return nil
	}
	rest := text[idx+len(declarationMarker):]
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		rest = rest[:nl]
	}
	decl := strings.TrimSpace(rest)
	if decl == "" {
		return nil
	}

	found := l.graph.Classify(decl)
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, theme := range found {
		l.declarations[theme] = appendUnique(l.declarations[theme], decl)
	}
	return found
}

// PopRecent removes and returns a random recently seen theme.
func (l *Ledger) PopRecent() (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.recent) == 0 {
		return "", false
	}
	i := l.rng.IntN(len(l.recent))
	theme := l.recent[i]
	l.recent = append(l.recent[:i], l.recent[i+1:]...)
	return theme, true
}

// Recent returns the recent themes, oldest first.
func (l *Ledger) Recent() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.recent...)
}

func (l *Ledger) Counter(theme string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.counters[theme]
}

// Declarations returns a copy of the registered mode declarations.
func (l *Ledger) Declarations() map[string][]string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string][]string, len(l.declarations))
	for k, v := range l.declarations {
		out[k] = append([]string(nil), v...)
	}
	return out
}

// Restore replaces the registered declarations, e.g. after loading state.
func (l *Ledger) Restore(decls map[string][]string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.declarations = make(map[string][]string, len(decls))
	for k, v := range decls {
		l.declarations[k] = append([]string(nil), v...)
	}
}
