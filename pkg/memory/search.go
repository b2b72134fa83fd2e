package memory

import (
	"sort"
	"strings"

	"github.com/dotsetgreg/dotlore/pkg/lexer"
)

// clueWeights scores common words when sense filtering is enabled. A zero
// weight removes the clue outright.
var clueWeights = map[string]float64{
	"this":  0,
	"that":  0,
	"here":  0.1,
	"have":  0.1,
	"these": 0.1,
	"love":  3,
	"will":  2,
	"with":  0.5,
	"from":  0.5,
	"some":  0.5,
}

// Scan returns the keys indexed under token with the number of positions
// it occupies in each. Results are ordered by descending count unless
// noSort is set, in which case they keep insertion order.
func (s *Store) Scan(token string, noSort bool) []Hit {
	s.mu.RLock()
	defer s.mu.RUnlock()
	hits := s.scan(strings.ToLower(token))
	if !noSort {
		sort.SliceStable(hits, func(i, j int) bool { return hits[i].Count > hits[j].Count })
	}
	return hits
}

func (s *Store) scan(token string) []Hit {
	p := s.index[token]
	if p == nil {
		return nil
	}
	hits := make([]Hit, 0, len(p.keys))
	for _, key := range p.keys {
		hits = append(hits, Hit{Key: key, Count: len(p.positions[key]), Clues: []string{token}})
	}
	return hits
}

// ScanMultiple unions the scans of the distinct tokens, collecting for each
// key the tokens that matched it. With senseThreshold above 1, clues are
// weighted and keys scoring under the threshold are dropped. Results are
// ordered by descending clue count, ties in discovery order.
func (s *Store) ScanMultiple(tokens []string, senseThreshold float64) []Hit {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.scanMultiple(tokens, senseThreshold)
}

func (s *Store) scanMultiple(tokens []string, senseThreshold float64) []Hit {
	seenTok := make(map[string]bool, len(tokens))
	byKey := make(map[string]int)
	var hits []Hit
	for _, tok := range tokens {
		tok = strings.ToLower(tok)
		if seenTok[tok] {
			continue
		}
		seenTok[tok] = true
		for _, h := range s.scan(tok) {
			if i, ok := byKey[h.Key]; ok {
				hits[i].Clues = append(hits[i].Clues, tok)
				hits[i].Count += h.Count
				continue
			}
			byKey[h.Key] = len(hits)
			hits = append(hits, h)
		}
	}

	if senseThreshold > 1 {
		kept := hits[:0]
		for _, h := range hits {
			score := 0.0
			clues := h.Clues[:0]
			for _, c := range h.Clues {
				w, known := clueWeights[c]
				switch {
				case known && w == 0:
					continue
				case known:
					score += w
				case len(c) > 4:
					score += 2
				default:
					score++
				}
				clues = append(clues, c)
			}
			h.Clues = clues
			if score >= senseThreshold {
				kept = append(kept, h)
			}
		}
		hits = kept
	}

	sort.SliceStable(hits, func(i, j int) bool { return len(hits[i].Clues) > len(hits[j].Clues) })
	return hits
}

// Search scores the records matching q.Text. Relevance is ten times the
// fraction of distinct query tokens present in the record. Records in the
// recently surfaced ring are skipped.
func (s *Store) Search(q Query) []Hit {
	tokens := lexer.Tokens(q.Text)
	distinct := dedup(tokens)
	if len(distinct) == 0 {
		return nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	filter := strings.ToLower(q.Filter)
	var out []Hit
	for _, h := range s.scanMultiple(distinct, q.SenseThreshold) {
		hnd, ok := s.handles[h.Key]
		if !ok {
			continue
		}
		rec := s.arena.get(hnd)
		h.Relevance = 10 * float64(countPresent(distinct, rec.tokens)) / float64(len(distinct))
		if h.Relevance < q.MinRelevance {
			continue
		}
		if filter != "" && !strings.Contains(rec.lower, filter) {
			continue
		}
		if s.isRecent(h.Key) {
			continue
		}
		out = append(out, h)
		if q.MaxResults > 0 && len(out) >= q.MaxResults {
			break
		}
	}
	return out
}

func dedup(tokens []string) []string {
	seen := make(map[string]bool, len(tokens))
	out := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

func countPresent(query, recordTokens []string) int {
	have := make(map[string]bool, len(recordTokens))
	for _, t := range recordTokens {
		have[t] = true
	}
	n := 0
	for _, t := range query {
		if have[t] {
			n++
		}
	}
	return n
}
