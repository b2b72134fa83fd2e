// Package guidance picks the prompt an actor is given when nobody else is
// talking to it.
package guidance

import (
	"math/rand/v2"
	"sort"
	"strings"
	"sync"

	"github.com/dotsetgreg/dotlore/pkg/lexer"
	"github.com/dotsetgreg/dotlore/pkg/logger"
	"github.com/dotsetgreg/dotlore/pkg/themes"
)

const (
	contFloor      = 0.25
	contMax        = 8.0
	contBackoff    = 0.125
	queryFloor     = 0.25
	maxQuestionUse = 3
	questionRatio  = 0.1
)

// Source identifies which rule produced a prompt.
type Source int

const (
	SourceContinuation Source = iota
	SourceInstruction
	SourceEcho
	SourceTheme
	SourceVocabulary
	SourceCorpus
)

func (s Source) String() string {
	switch s {
	case SourceContinuation:
		return "continuation"
	case SourceInstruction:
		return "instruction"
	case SourceEcho:
		return "echo"
	case SourceTheme:
		return "theme"
	case SourceVocabulary:
		return "vocabulary"
	default:
		return "corpus"
	}
}

// Instruction is a scripted prompt queued for an actor. %1 in Text is the
// actor's name and %0 the author's.
type Instruction struct {
	Author string
	Text   string
}

// Subject is the actor being guided.
type Subject interface {
	Name() string
	EchoEnabled() bool
	PopInstruction() (Instruction, bool)
	PopRecentTheme() (string, bool)
	RecentWords() []string
}

// Prompt is a guidance result. Inspiration carries the expanded
// instruction text when the prompt came from one.
type Prompt struct {
	Text        string
	Source      Source
	Inspiration string
}

type question struct {
	text string
	uses int
}

// Selector is shared by every actor. It owns the guidance corpus, the
// continuation backoff and the pool of questions asked so far.
type Selector struct {
	mu            sync.Mutex
	rng           *rand.Rand
	graph         *themes.Graph
	corpus        []string
	sense         map[string][]int
	continuations []string
	contprob      float64
	queryprob     float64
	questions     []question
}

// NewSelector files every guidance line under the themes it mentions and
// indexes its words.
func NewSelector(v *themes.Vocabulary, g *themes.Graph, rng *rand.Rand) *Selector {
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	s := &Selector{
		rng:           rng,
		graph:         g,
		corpus:        v.GuidanceLines(),
		sense:         make(map[string][]int),
		continuations: v.Continuations,
		contprob:      contFloor,
		queryprob:     queryFloor,
	}
	for i, line := range s.corpus {
		toks := lexer.Tokens(line)
		topics := g.NamedThemes(toks)
		if len(topics) == 0 {
			topics = g.ClassifyTokens(toks)
		}
		if len(topics) == 0 {
			topics = []string{themes.GeneralPurpose}
		}
		for _, tok := range toks {
			if idx := s.sense[tok]; len(idx) == 0 || idx[len(idx)-1] != i {
				s.sense[tok] = append(s.sense[tok], i)
			}
		}
		for _, topic := range topics {
			g.AddPrompt(topic, line)
		}
	}
	return s
}

// Corpus returns the guidance lines.
func (s *Selector) Corpus() []string {
	return append([]string(nil), s.corpus...)
}

// Guide returns the next prompt for sub, trying in order: a continuation
// phrase, a queued instruction, a resurfaced question, a prompt from a
// recent theme, a line sharing recent vocabulary, and finally any line.
func (s *Selector) Guide(sub Subject) Prompt {
	name := sub.Name()
	fill := func(text string) string { return strings.ReplaceAll(text, "%1", name) }

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.continuations) > 0 && s.rng.Float64() < s.contprob {
		if s.contprob > contFloor {
			s.contprob /= 2
		} else {
			s.contprob = contFloor
		}
		return Prompt{Text: fill(s.continuations[s.rng.IntN(len(s.continuations))]), Source: SourceContinuation}
	}
	s.contprob = min(s.contprob*2, contMax)

	if inst, ok := sub.PopInstruction(); ok {
		cmd := strings.ReplaceAll(fill(inst.Text), "%0", inst.Author)
		if line, ok := s.senseLine(cmd); ok {
			return Prompt{Text: fill(line), Source: SourceInstruction, Inspiration: cmd}
		}
		logger.DebugCF("guidance", "Instruction shares no corpus vocabulary", map[string]interface{}{"actor": name})
	}

	if sub.EchoEnabled() && s.rng.Float64() < s.queryprob {
		if text, ok := s.resurface(); ok {
			return Prompt{Text: fill(text), Source: SourceEcho}
		}
	}

	if theme, ok := sub.PopRecentTheme(); ok {
		if prompts := s.graph.Prompts(theme); len(prompts) > 0 {
			return Prompt{Text: fill(prompts[s.rng.IntN(len(prompts))]), Source: SourceTheme}
		}
	}

	if line, ok := s.vocabularyLine(sub.RecentWords()); ok {
		return Prompt{Text: fill(line), Source: SourceVocabulary}
	}

	return Prompt{Text: fill(s.corpus[s.rng.IntN(len(s.corpus))]), Source: SourceCorpus}
}

// senseLine tallies the corpus lines sharing words with text and draws one
// weighted by its tally.
func (s *Selector) senseLine(text string) (string, bool) {
	tally := make(map[int]int)
	total := 0
	for _, tok := range lexer.Tokens(text) {
		for _, i := range s.sense[tok] {
			tally[i]++
			total++
		}
	}
	if total == 0 {
		return "", false
	}
	lines := make([]int, 0, len(tally))
	for i := range tally {
		lines = append(lines, i)
	}
	sort.Ints(lines)

	n := s.rng.IntN(total)
	for _, i := range lines {
		n -= tally[i]
		if n < 0 {
			return s.corpus[i], true
		}
	}
	return "", false
}

// resurface returns the least used question asked fewer than three times.
func (s *Selector) resurface() (string, bool) {
	best := -1
	for i, q := range s.questions {
		if q.uses >= maxQuestionUse {
			continue
		}
		if best < 0 || q.uses < s.questions[best].uses {
			best = i
		}
	}
	if best < 0 {
		return "", false
	}
	s.questions[best].uses++
	s.queryprob = queryFloor / float64(s.questions[best].uses+1)
	return s.questions[best].text, true
}

// vocabularyLine picks a seed word from recent vocabulary, weighting each
// distinct word by its frequency times random jitter, then returns a random
// corpus line containing it.
func (s *Selector) vocabularyLine(recent []string) (string, bool) {
	if len(recent) == 0 {
		return "", false
	}
	var order []string
	freq := make(map[string]float64)
	for _, w := range recent {
		if _, ok := freq[w]; !ok {
			order = append(order, w)
		}
		freq[w]++
	}
	total := 0.0
	for _, w := range order {
		freq[w] *= s.rng.Float64()
		total += freq[w]
	}
	seed := order[len(order)-1]
	n := s.rng.Float64() * total
	for _, w := range order {
		n -= freq[w]
		if n <= 0 {
			seed = w
			break
		}
	}

	var candidates []string
	for _, line := range s.corpus {
		if strings.Contains(strings.ToLower(line), seed) {
			candidates = append(candidates, line)
		}
	}
	if len(candidates) == 0 {
		return "", false
	}
	return candidates[s.rng.IntN(len(candidates))], true
}

// AddQuestion records a question for later echo. Near duplicates of a
// recorded question are ignored. Recording resets the echo probability.
func (s *Selector) AddQuestion(text string) bool {
	text = strings.TrimSpace(text)
	if text == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, q := range s.questions {
		mean := float64(len(q.text)+len(text)) / 2
		if float64(lexer.EditDistance(q.text, text)) < mean*questionRatio {
			return false
		}
	}
	s.questions = append(s.questions, question{text: text})
	s.queryprob = queryFloor
	return true
}

// Questions returns the recorded questions.
func (s *Selector) Questions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.questions))
	for i, q := range s.questions {
		out[i] = q.text
	}
	return out
}

// Backoff lowers the continuation probability after a repeated response.
func (s *Selector) Backoff() {
	s.mu.Lock()
	s.contprob = contBackoff
	s.mu.Unlock()
}
