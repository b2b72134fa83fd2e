package memory

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/dotsetgreg/dotlore/pkg/logger"
)

// Injector feeds recalled excerpts back to the model context.
type Injector interface {
	Inject(ctx context.Context, excerpts []Excerpt) error
}

// NopInjector discards excerpts.
type NopInjector struct{}

func (NopInjector) Inject(context.Context, []Excerpt) error { return nil }

// Excerpt cuts, for each hit, the passages of its record surrounding clue
// occurrences. Occurrences closer than the two margins combined share one
// window. A window grows back to the start of its line and forward through
// the next sentence terminator, each by at most one margin. Records that
// admit rejects are skipped; limit caps the excerpts produced (0 means the
// configured per-call cap). Excerpted keys enter the recently surfaced
// ring and the active memories list.
func (s *Store) Excerpt(hits []Hit, admit func(string) bool, limit int) []Excerpt {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 || limit > s.opts.ExcerptLimit {
		limit = s.opts.ExcerptLimit
	}
	var out []Excerpt
	for _, h := range hits {
		hnd, ok := s.handles[h.Key]
		if !ok {
			continue
		}
		rec := s.arena.get(hnd)
		if admit != nil && !admit(rec.lower) {
			continue
		}
		text := excerptText(rec.value, rec.lower, h.Clues, s.opts.ExcerptMargin)
		if text == "" {
			continue
		}
		ex := Excerpt{Key: rec.key, Author: rec.author, Clues: append([]string(nil), h.Clues...), Text: text}
		out = append(out, ex)
		s.pushRecent(rec.key)
		s.pushActive(ex)
		if len(out) >= limit {
			break
		}
	}
	if len(out) > 0 {
		logger.DebugCF("memory", "Excerpted records", map[string]interface{}{"count": len(out), "candidates": len(hits)})
	}
	return out
}

func excerptText(orig, lower string, clues []string, margin int) string {
	if len(orig) != len(lower) {
		// Case folding changed byte offsets; cut from the folded text.
		orig = lower
	}
	var b strings.Builder
	w, wend := -1, -1
	for {
		next := -1
		for _, c := range clues {
			z := strings.Index(lower[wend+1:], c)
			if z < 0 {
				continue
			}
			z += wend + 1
			if next < 0 || z < next {
				next = z
			}
		}
		if next < 0 {
			break
		}
		switch {
		case w < 0:
			w, wend = next, next
		case next-margin > wend+margin:
			b.WriteString(window(orig, w, wend, margin))
			b.WriteString("\n")
			w, wend = next, next
		default:
			wend = next
		}
	}
	if w >= 0 {
		b.WriteString(window(orig, w, wend, margin))
	}
	return strings.TrimSpace(b.String())
}

// window expands [w, wend] back to just after a line break and forward
// through a sentence terminator, each within margin bytes. Both ends are
// pulled inward onto rune boundaries.
func window(orig string, w, wend, margin int) string {
	floor := max(w-margin, 0)
	start := floor
	for i := w; i >= floor; i-- {
		if orig[i] == '\n' {
			start = i + 1
			break
		}
	}
	ceil := min(wend+margin, len(orig))
	end := ceil
	for i := wend; i < ceil; i++ {
		if c := orig[i]; c == '.' || c == '!' || c == '?' {
			end = i + 1
			break
		}
	}
	for start < end && !utf8.RuneStart(orig[start]) {
		start++
	}
	for end > start && end < len(orig) && !utf8.RuneStart(orig[end]) {
		end--
	}
	if start > end {
		return ""
	}
	return orig[start:end]
}

func (s *Store) pushRecent(key string) {
	s.recent = append(s.recent, key)
	if len(s.recent) > s.opts.RecentCapacity {
		s.recent = s.recent[len(s.recent)-s.opts.RecentCapacity:]
	}
}

func (s *Store) isRecent(key string) bool {
	for _, k := range s.recent {
		if k == key {
			return true
		}
	}
	return false
}

func (s *Store) pushActive(ex Excerpt) {
	s.active = append(s.active, ex)
	capacity := min(s.opts.ActiveMax, s.opts.ExcerptLimit)
	if len(s.active) > capacity {
		s.active = s.active[len(s.active)-capacity:]
	}
}

// Active returns the active memories, oldest first.
func (s *Store) Active() []Excerpt {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Excerpt(nil), s.active...)
}

// Recent returns the recently surfaced keys, oldest first.
func (s *Store) Recent() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.recent...)
}

// Recall runs a search, excerpts the hits and hands the excerpts to inj.
func (s *Store) Recall(ctx context.Context, q Query, admit func(string) bool, inj Injector) ([]Excerpt, error) {
	if q.MaxResults < 0 {
		return nil, nil
	}
	hits := s.Search(Query{
		Text:           q.Text,
		MinRelevance:   q.MinRelevance,
		SenseThreshold: q.SenseThreshold,
		Filter:         q.Filter,
	})
	excerpts := s.Excerpt(hits, admit, q.MaxResults)
	if len(excerpts) == 0 {
		return nil, nil
	}
	if inj == nil {
		inj = NopInjector{}
	}
	if err := inj.Inject(ctx, excerpts); err != nil {
		return excerpts, err
	}
	return excerpts, nil
}
