// Package memory is a per-actor associative store: keyed text records
// indexed by the words they contain, scored against queries, and excerpted
// around the words that matched.
package memory

import (
	"sort"
	"strings"
	"sync"

	"github.com/dotsetgreg/dotlore/pkg/lexer"
	"github.com/dotsetgreg/dotlore/pkg/logger"
)

// Only tokens longer than this are indexed.
const minIndexedTokenLen = 3

type Options struct {
	// Remember gates Remember; loading persisted rows bypasses it.
	Remember       bool
	RecentCapacity int
	ActiveMax      int
	ExcerptLimit   int
	ExcerptMargin  int
}

func DefaultOptions() Options {
	return Options{
		Remember:       true,
		RecentCapacity: 77,
		ActiveMax:      5,
		ExcerptLimit:   6,
		ExcerptMargin:  64,
	}
}

// posting lists the keys holding a token, in insertion order, with the
// token positions inside each key's value.
type posting struct {
	keys      []string
	positions map[string][]int
}

type Store struct {
	mu       sync.RWMutex
	opts     Options
	arena    arena
	handles  map[string]handle
	index    map[string]*posting
	location int

	modified map[string]struct{}
	cut      map[string]struct{}
	deleted  map[string]struct{}

	recent []string
	active []Excerpt
}

func NewStore(opts Options) *Store {
	def := DefaultOptions()
	if opts.RecentCapacity <= 0 {
		opts.RecentCapacity = def.RecentCapacity
	}
	if opts.ActiveMax <= 0 {
		opts.ActiveMax = def.ActiveMax
	}
	if opts.ExcerptLimit <= 0 {
		opts.ExcerptLimit = def.ExcerptLimit
	}
	if opts.ExcerptMargin <= 0 {
		opts.ExcerptMargin = def.ExcerptMargin
	}
	return &Store{
		opts:     opts,
		handles:  make(map[string]handle),
		index:    make(map[string]*posting),
		modified: make(map[string]struct{}),
		cut:      make(map[string]struct{}),
		deleted:  make(map[string]struct{}),
	}
}

// SetRemember toggles whether Remember stores anything.
func (s *Store) SetRemember(on bool) {
	s.mu.Lock()
	s.opts.Remember = on
	s.mu.Unlock()
}

// SetLocation sets the location id stamped on subsequently remembered
// records.
func (s *Store) SetLocation(id int) {
	s.mu.Lock()
	s.location = id
	s.mu.Unlock()
}

// Remember stores text under key. Storing the value a key already holds
// refreshes its author and location without touching the index.
func (s *Store) Remember(key, text, author string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.opts.Remember {
		return
	}
	if s.put(Row{Key: key, Value: text, Author: author, Location: s.location}) {
		s.modified[key] = struct{}{}
	}
	delete(s.cut, key)
	delete(s.deleted, key)
}

// put writes a row and reports whether anything changed.
func (s *Store) put(row Row) bool {
	h, ok := s.handles[row.Key]
	if !ok {
		h = s.arena.alloc()
		s.handles[row.Key] = h
	}
	rec := s.arena.get(h)
	if ok && rec.value == row.Value {
		changed := rec.author != row.Author || rec.location != row.Location
		rec.author = row.Author
		rec.location = row.Location
		return changed
	}
	if ok {
		s.unindex(rec)
	}
	rec.key = row.Key
	rec.value = row.Value
	rec.author = row.Author
	rec.location = row.Location
	rec.lower = strings.ToLower(row.Value)
	rec.tokens = lexer.Tokens(rec.lower)
	s.reindex(rec)
	return true
}

func (s *Store) reindex(rec *record) {
	for pos, tok := range rec.tokens {
		if len(tok) <= minIndexedTokenLen {
			continue
		}
		p := s.index[tok]
		if p == nil {
			p = &posting{positions: make(map[string][]int)}
			s.index[tok] = p
		}
		if _, seen := p.positions[rec.key]; !seen {
			p.keys = append(p.keys, rec.key)
		}
		p.positions[rec.key] = append(p.positions[rec.key], pos)
	}
}

func (s *Store) unindex(rec *record) {
	for _, tok := range rec.tokens {
		p := s.index[tok]
		if p == nil {
			continue
		}
		if _, ok := p.positions[rec.key]; !ok {
			continue
		}
		delete(p.positions, rec.key)
		for i, k := range p.keys {
			if k == rec.key {
				p.keys = append(p.keys[:i], p.keys[i+1:]...)
				break
			}
		}
		if len(p.keys) == 0 {
			delete(s.index, tok)
		}
	}
}

// Delete removes key and every structure derived from it. Deleting an
// already deleted key is a no-op; a key that was never stored is rejected
// with ErrInvalidKey.
func (s *Store) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handles[key]
	if !ok {
		if _, wasDeleted := s.deleted[key]; wasDeleted {
			return nil
		}
		return ErrInvalidKey
	}
	s.unindex(s.arena.get(h))
	s.arena.release(h)
	delete(s.handles, key)
	delete(s.modified, key)
	s.cut[key] = struct{}{}
	s.deleted[key] = struct{}{}

	s.recent = removeString(s.recent, key)
	for i := 0; i < len(s.active); i++ {
		if s.active[i].Key == key {
			s.active = append(s.active[:i], s.active[i+1:]...)
			i--
		}
	}
	logger.DebugCF("memory", "Deleted record", map[string]interface{}{"key": key})
	return nil
}

func removeString(list []string, s string) []string {
	out := list[:0]
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}

// Get returns the stored row for key.
func (s *Store) Get(key string) (Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.handles[key]
	if !ok {
		return Row{}, ErrInvalidKey
	}
	rec := s.arena.get(h)
	return Row{Key: rec.key, Value: rec.value, Author: rec.author, Location: rec.location}, nil
}

// Len is the number of live records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.arena.live
}

// Keys returns the live keys in sorted order.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.handles))
	for k := range s.handles {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// IndexedKeys returns the keys currently posted under token.
func (s *Store) IndexedKeys(token string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p := s.index[strings.ToLower(token)]; p != nil {
		return append([]string(nil), p.keys...)
	}
	return nil
}

// Load indexes persisted rows without marking them modified. Keys in
// deleted are remembered as deleted so that deleting them again succeeds.
func (s *Store) Load(rows []Row, deleted []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range deleted {
		if _, live := s.handles[key]; !live {
			s.deleted[key] = struct{}{}
		}
	}
	for _, row := range rows {
		s.put(row)
		delete(s.cut, row.Key)
		delete(s.deleted, row.Key)
	}
	logger.InfoCF("memory", "Loaded records", map[string]interface{}{"count": len(rows), "live": s.arena.live})
}

// TakeDelta returns and clears the changes made since the last call.
func (s *Store) TakeDelta() Delta {
	s.mu.Lock()
	defer s.mu.Unlock()
	var d Delta
	for key := range s.modified {
		h, ok := s.handles[key]
		if !ok {
			continue
		}
		rec := s.arena.get(h)
		d.Upserts = append(d.Upserts, Row{Key: rec.key, Value: rec.value, Author: rec.author, Location: rec.location})
	}
	for key := range s.cut {
		d.Cuts = append(d.Cuts, key)
	}
	sort.Slice(d.Upserts, func(i, j int) bool { return d.Upserts[i].Key < d.Upserts[j].Key })
	sort.Strings(d.Cuts)
	s.modified = make(map[string]struct{})
	s.cut = make(map[string]struct{})
	return d
}

// RequeueDelta marks a delta as unsaved again after a failed write. Keys
// changed again in the meantime keep their newer state.
func (s *Store) RequeueDelta(d Delta) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range d.Upserts {
		if _, ok := s.handles[row.Key]; ok {
			s.modified[row.Key] = struct{}{}
		}
	}
	for _, key := range d.Cuts {
		if _, ok := s.handles[key]; !ok {
			s.cut[key] = struct{}{}
		}
	}
}
