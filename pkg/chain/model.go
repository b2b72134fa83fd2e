// Package chain is a sectioned bigram model used to generate autonomous
// prompt text. Sections are learned line by line, compiled together into a
// "mind", and sampled with cumulative-weight draws.
package chain

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sort"
	"strings"
	"sync"

	"github.com/dotsetgreg/dotlore/pkg/lexer"
	"github.com/dotsetgreg/dotlore/pkg/logger"
)

type Options struct {
	FocusWindow     int
	SignatureWindow int
	Layers          int
	Journal         Journal
	Rand            *rand.Rand
}

// section is one learned table. Successor lists are flattened per line and
// never deduplicated across lines.
type section struct {
	enabled bool
	keys    []string
	table   map[string][]Pair
	totals  map[string]int
}

type Model struct {
	mu         sync.Mutex
	opts       Options
	rng        *rand.Rand
	journal    Journal
	sections   map[string]*section
	order      []string
	membership map[string][]string

	full      *Mind
	mind      *Mind
	channel   map[string]bool
	stale     bool
	focus     []string
	signature []string
}

func New(opts Options) *Model {
	if opts.FocusWindow <= 0 {
		opts.FocusWindow = 16
	}
	if opts.SignatureWindow <= 0 {
		opts.SignatureWindow = 64
	}
	if opts.Layers <= 0 {
		opts.Layers = 3
	}
	rng := opts.Rand
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	journal := opts.Journal
	if journal == nil {
		journal = &MemoryJournal{}
	}
	return &Model{
		opts:       opts,
		rng:        rng,
		journal:    journal,
		sections:   make(map[string]*section),
		membership: make(map[string][]string),
		stale:      true,
	}
}

// Learn adds every non-blank line of text to the named section and
// journals it.
func (m *Model) Learn(ctx context.Context, name, text string) error {
	lines := m.Absorb(name, text)
	for _, line := range lines {
		if err := m.journal.AppendLine(ctx, name, line); err != nil {
			return fmt.Errorf("journal line: %w", err)
		}
	}
	return nil
}

// Absorb is Learn without journaling, for corpora rebuilt on every start.
// It returns the lines learned.
func (m *Model) Absorb(name, text string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var learned []string
	for _, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		m.submit(name, line)
		learned = append(learned, line)
	}
	return learned
}

func (m *Model) submit(name, line string) {
	tokens := lexer.Tokens(line)

	var order []string
	nexts := make(map[string][]Pair)
	touch := func(w string) {
		if _, ok := nexts[w]; !ok {
			nexts[w] = nil
			order = append(order, w)
		}
	}
	for i := 0; i+1 < len(tokens); i++ {
		c, l := tokens[i], tokens[i+1]
		touch(c)
		touch(l)
		found := false
		for j := range nexts[c] {
			if nexts[c][j].Word == l {
				nexts[c][j].Count++
				found = true
				break
			}
		}
		if !found {
			nexts[c] = append(nexts[c], Pair{Word: l, Count: 1})
		}
	}

	sec, ok := m.sections[name]
	if !ok {
		sec = &section{enabled: true, table: make(map[string][]Pair), totals: make(map[string]int)}
		m.sections[name] = sec
		m.order = append(m.order, name)
	}
	for _, w := range order {
		if _, ok := sec.table[w]; !ok {
			sec.keys = append(sec.keys, w)
			sec.table[w] = nil
		}
		for _, p := range nexts[w] {
			sec.table[w] = append(sec.table[w], p)
			sec.totals[w] += p.Count
		}
		if !containsString(m.membership[w], name) {
			m.membership[w] = append(m.membership[w], name)
		}
	}
	m.stale = true
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// Reset forgets a section's table.
func (m *Model) Reset(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sections[name]; !ok {
		return
	}
	delete(m.sections, name)
	for i, n := range m.order {
		if n == name {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	for w, secs := range m.membership {
		for i, s := range secs {
			if s == name {
				m.membership[w] = append(secs[:i], secs[i+1:]...)
				break
			}
		}
	}
	m.stale = true
}

// Toggle flips whether a section takes part in compilation and persists
// the toggles. An unknown section is created enabled.
func (m *Model) Toggle(ctx context.Context, name string) (bool, error) {
	m.mu.Lock()
	sec, ok := m.sections[name]
	if !ok {
		sec = &section{enabled: true, table: make(map[string][]Pair), totals: make(map[string]int)}
		m.sections[name] = sec
		m.order = append(m.order, name)
	} else {
		sec.enabled = !sec.enabled
	}
	enabled := sec.enabled
	toggles := m.togglesLocked()
	m.stale = true
	m.mu.Unlock()

	if err := m.journal.SaveToggles(ctx, toggles); err != nil {
		return enabled, fmt.Errorf("save section toggles: %w", err)
	}
	return enabled, nil
}

func (m *Model) togglesLocked() map[string]bool {
	toggles := make(map[string]bool, len(m.sections))
	for name, sec := range m.sections {
		toggles[name] = sec.enabled
	}
	return toggles
}

// SectionInfo summarizes a section.
type SectionInfo struct {
	Name    string
	Enabled bool
	Words   int
}

func (m *Model) Sections() []SectionInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SectionInfo, 0, len(m.order))
	for _, name := range m.order {
		sec := m.sections[name]
		out = append(out, SectionInfo{Name: name, Enabled: sec.enabled, Words: len(sec.keys)})
	}
	return out
}

// Load replays the journal and restores section toggles. Sections without
// a saved toggle stay enabled.
func (m *Model) Load(ctx context.Context) error {
	lines, err := m.journal.Lines(ctx)
	if err != nil {
		return fmt.Errorf("read chain journal: %w", err)
	}
	toggles, err := m.journal.Toggles(ctx)
	if err != nil {
		return fmt.Errorf("read section toggles: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range lines {
		m.submit(l.Section, l.Text)
	}
	for name, on := range toggles {
		if sec, ok := m.sections[name]; ok {
			sec.enabled = on
		}
	}
	if len(m.signature) == 0 {
		m.resonateLocked(nil, m.opts.Layers)
	}
	logger.InfoCF("chain", "Chain model loaded", map[string]interface{}{
		"lines":    len(lines),
		"sections": len(m.order),
	})
	return nil
}

// Compile merges the named enabled sections. Successor lists are
// concatenated and totals summed, so a successor common to several sections
// is drawn proportionally more often.
func (m *Model) Compile(names []string) *Mind {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.compile(names)
}

func (m *Model) compile(names []string) *Mind {
	mind := newMind()
	for _, name := range names {
		sec, ok := m.sections[name]
		if !ok || !sec.enabled {
			continue
		}
		for _, w := range sec.keys {
			mind.add(w, sec.table[w], sec.totals[w])
		}
	}
	return mind
}

// Project returns the enabled sections in which any word of text occurs.
func (m *Model) Project(text string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.project(lexer.Tokens(text))
}

func (m *Model) project(words []string) []string {
	var out []string
	for _, w := range words {
		for _, name := range m.membership[w] {
			sec, ok := m.sections[name]
			if !ok || !sec.enabled {
				continue
			}
			if !containsString(out, name) {
				out = append(out, name)
			}
		}
	}
	return out
}

// Focus adds a word to the focus window, dropping the oldest when full.
// The mind is rebuilt around the focus on its next use.
func (m *Model) Focus(word string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	word = strings.ToLower(word)
	if len(m.focus) >= m.opts.FocusWindow {
		m.focus = m.focus[1:]
	}
	m.focus = append(m.focus, word)
	m.stale = true
}

// Narrow restricts targets to the vocabulary of the sections reachable
// from the seed words. An empty seed clears the channel.
func (m *Model) Narrow(seed []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.narrow(seed)
}

func (m *Model) narrow(seed []string) {
	m.channel = nil
	if len(seed) == 0 {
		return
	}
	reach := m.compile(m.project(seed))
	m.channel = make(map[string]bool, reach.Len())
	for _, w := range reach.keys {
		m.channel[w] = true
	}
}

// Signature returns the session signature words.
func (m *Model) Signature() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.signature...)
}

// bell rebuilds the mind: the full compilation is resonated against the
// signature, then the mind is narrowed to the sections the signature and
// focus reach.
func (m *Model) bell() {
	m.channel = nil
	m.full = m.compile(m.order)
	m.mind = m.full
	m.stale = false
	m.resonateLocked(m.signature, 2)

	seed := append(append([]string(nil), m.signature...), m.focus...)
	m.mind = m.compile(m.project(seed))
	if m.mind.Len() == 0 {
		m.mind = m.full
	}
	m.stale = false
	if len(m.focus) > 0 {
		m.narrow(m.focus)
	}
}

// Targets returns the distinct words of text present in the mind (and in
// the channel, when narrowed). When none qualify the mind's first word is
// returned so generation always has somewhere to start.
func (m *Model) Targets(text string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.targets(lexer.Tokens(text))
}

func (m *Model) targets(words []string) []string {
	if m.mind == nil || m.stale {
		m.bell()
	}
	var out []string
	for _, w := range words {
		if m.channel != nil && !m.channel[w] {
			continue
		}
		if m.mind.Has(w) && !containsString(out, w) {
			out = append(out, w)
		}
	}
	if len(out) == 0 && m.mind.Len() > 0 {
		out = append(out, m.mind.keys[0])
	}
	return out
}

// Map expands the targets of text through successor edges for up to depth
// layers and returns every word reached with its entry.
func (m *Model) Map(text string, depth int) map[string]Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	results := make(map[string]Entry)
	frontier := m.targets(lexer.Tokens(text))
	for d := 0; d < depth && len(frontier) > 0; d++ {
		var next []string
		for _, w := range frontier {
			if _, done := results[w]; done {
				continue
			}
			e, ok := m.mind.Entry(w)
			if !ok {
				continue
			}
			results[w] = e
			for _, p := range e.Successors {
				next = append(next, p.Word)
			}
		}
		frontier = next
	}
	return results
}

// Tally is one sampled layer: drawn words in first-draw order with counts.
type Tally struct {
	Words  []string
	Counts map[string]int
}

func (t *Tally) add(w string) {
	if t.Counts == nil {
		t.Counts = make(map[string]int)
	}
	if _, ok := t.Counts[w]; !ok {
		t.Words = append(t.Words, w)
	}
	t.Counts[w]++
}

// Sample draws per successors from every target of text, then uses the
// drawn words as the next layer's targets, for depth layers.
func (m *Model) Sample(text string, per, depth int) []Tally {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sample(lexer.Tokens(text), per, depth)
}

func (m *Model) sample(words []string, per, depth int) []Tally {
	targets := m.targets(words)
	dist := make([]Tally, 0, depth)
	for d := 0; d < depth; d++ {
		var row Tally
		var drawn []string
		for _, key := range targets {
			e := m.mind.entries[key]
			if e == nil || len(e.Successors) == 0 || e.Total <= 0 {
				continue
			}
			for s := 0; s < per; s++ {
				n := m.rng.IntN(e.Total)
				for _, p := range e.Successors {
					n -= p.Count
					if n < 0 {
						row.add(p.Word)
						drawn = append(drawn, p.Word)
						break
					}
				}
			}
		}
		dist = append(dist, row)
		targets = m.targets(drawn)
	}
	return dist
}

// Resonate samples from seed for the given number of layers, feeding each
// result back in, and appends the final layer to the session signature.
func (m *Model) Resonate(seed string, layers int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resonateLocked(lexer.Tokens(seed), layers)
	m.stale = true
}

func (m *Model) resonateLocked(seed []string, layers int) {
	if layers <= 0 {
		layers = m.opts.Layers
	}
	words := seed
	for i := 0; i < layers; i++ {
		dist := m.sample(words, 2, layers)
		words = nil
		if len(dist) > 0 {
			words = dist[len(dist)-1].Words
		}
	}
	m.signature = append(m.signature, words...)
	if over := len(m.signature) - m.opts.SignatureWindow; over > 0 {
		m.signature = m.signature[over:]
	}
}

// Generate walks the mind from the targets of seed, producing lines of
// perLine words. Every stride steps the walk reseeds from the next target,
// cycling through them; a word with no entry also restarts from the
// targets. A stride of 0 means perLine. Exactly lines lines are returned.
func (m *Model) Generate(seed string, perLine, lines, stride int) string {
	if lines <= 0 {
		return ""
	}
	if stride <= 0 {
		stride = perLine
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	initial := m.targets(lexer.Tokens(seed))
	out := make([]string, lines)
	if len(initial) == 0 || perLine <= 0 {
		return strings.Join(out, "\n")
	}
	mind := m.mind

	queue := append([]string(nil), initial...)
	next := func() string {
		if len(queue) == 0 {
			queue = append(queue, initial...)
		}
		w := queue[0]
		queue = queue[1:]
		return w
	}

	step := 0
	for l := 0; l < lines; l++ {
		words := make([]string, 0, perLine)
		word := ""
		for count := 0; count < perLine; count++ {
			switch {
			case step == 0:
				word = next()
				step = 1
			case step == stride:
				step = 0
			default:
				step++
			}
			if !mind.Has(word) {
				word = next()
			}
			words = append(words, word)
			if count+1 == perLine {
				break
			}
			word = m.dart(mind.entries[word])
		}
		out[l] = strings.Join(words, " ")
	}
	return strings.Join(out, "\n")
}

// dart draws n in [0, total) and subtracts successor weights until n is no
// longer positive. A dead end yields "".
func (m *Model) dart(e *Entry) string {
	if e == nil || e.Total <= 0 {
		return ""
	}
	n := m.rng.IntN(e.Total)
	for _, p := range e.Successors {
		n -= p.Count
		if n <= 0 {
			return p.Word
		}
	}
	return ""
}

// Words returns the compiled mind's vocabulary, sorted.
func (m *Model) Words() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mind == nil || m.stale {
		m.bell()
	}
	words := m.mind.Keys()
	sort.Strings(words)
	return words
}
