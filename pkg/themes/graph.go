// Package themes classifies free text against a synonym graph of named
// themes and keeps per-actor mood state derived from those themes.
package themes

import (
	"strings"
	"sync"

	"github.com/dotsetgreg/dotlore/pkg/lexer"
)

// GeneralPurpose is the theme guidance lines fall back to when nothing
// classifies them.
const GeneralPurpose = "general purpose"

// Theme is a named cluster of associated words plus the guidance prompts
// filed under it.
type Theme struct {
	Name    string
	Trace   []string
	Prompts []string
}

// Graph is built once from a Vocabulary. Outgoing synonym edges are
// symmetric: a category points at its words and every word points back at
// its categories.
type Graph struct {
	mu       sync.RWMutex
	outsyns  map[string][]string
	themes   []*Theme
	byName   map[string]*Theme
	commands []CommandWords
}

func NewGraph(v *Vocabulary) *Graph {
	g := &Graph{
		outsyns:  make(map[string][]string),
		byName:   make(map[string]*Theme),
		commands: v.Commands,
	}
	for _, set := range v.Synonyms {
		category := strings.ToLower(set.Category)
		if _, ok := g.outsyns[category]; !ok {
			g.outsyns[category] = nil
		}
		for _, w := range set.Words {
			word := strings.ToLower(w)
			g.outsyns[category] = appendUnique(g.outsyns[category], word)
			g.outsyns[word] = appendUnique(g.outsyns[word], category)
		}
	}

	for _, line := range v.Themes {
		line = strings.TrimSpace(line)
		colon := strings.Index(line, ":")
		if colon < 0 {
			continue
		}
		theme := &Theme{Name: strings.ToLower(strings.TrimSpace(line[:colon]))}
		for _, w := range strings.Split(strings.ToLower(line[colon+1:]), ",") {
			w = strings.TrimSpace(w)
			if w == "" {
				continue
			}
			syns, ok := g.outsyns[w]
			if !ok {
				theme.Trace = appendUnique(theme.Trace, w)
				continue
			}
			for _, s := range syns {
				theme.Trace = appendUnique(theme.Trace, s)
			}
		}
		if _, dup := g.byName[theme.Name]; !dup {
			g.themes = append(g.themes, theme)
		}
		g.byName[theme.Name] = theme
	}
	if _, ok := g.byName[GeneralPurpose]; !ok {
		theme := &Theme{Name: GeneralPurpose}
		g.themes = append(g.themes, theme)
		g.byName[GeneralPurpose] = theme
	}
	return g
}

func appendUnique(list []string, s string) []string {
	for _, v := range list {
		if v == s {
			return list
		}
	}
	return append(list, s)
}

// Synonyms returns the outgoing edges of word.
func (g *Graph) Synonyms(word string) []string {
	return g.outsyns[strings.ToLower(word)]
}

// Classify tokenizes text and returns the themes it evokes.
func (g *Graph) Classify(text string) []string {
	return g.ClassifyTokens(lexer.Tokens(text))
}

// ClassifyTokens maps every token through its synonyms and collects the
// themes whose trace contains one of them, in discovery order.
func (g *Graph) ClassifyTokens(tokens []string) []string {
	seen := make(map[string]bool)
	var topics []string
	for _, tok := range tokens {
		for _, syn := range g.outsyns[tok] {
			if seen[syn] {
				continue
			}
			for _, theme := range g.themes {
				if !contains(theme.Trace, syn) {
					continue
				}
				seen[syn] = true
				topics = appendUnique(topics, theme.Name)
			}
		}
	}
	return topics
}

// NamedThemes returns the themes that tokens name directly through a
// synonym edge, e.g. a token whose category is itself a theme name.
func (g *Graph) NamedThemes(tokens []string) []string {
	seen := make(map[string]bool)
	var topics []string
	for _, tok := range tokens {
		for _, syn := range g.outsyns[tok] {
			if seen[syn] {
				continue
			}
			if _, ok := g.byName[syn]; ok {
				seen[syn] = true
				topics = append(topics, syn)
			}
		}
	}
	return topics
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// Theme looks up a theme by name.
func (g *Graph) Theme(name string) (Theme, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	t, ok := g.byName[name]
	if !ok {
		return Theme{}, false
	}
	return Theme{
		Name:    t.Name,
		Trace:   append([]string(nil), t.Trace...),
		Prompts: append([]string(nil), t.Prompts...),
	}, true
}

// Names returns theme names in declaration order.
func (g *Graph) Names() []string {
	names := make([]string, len(g.themes))
	for i, t := range g.themes {
		names[i] = t.Name
	}
	return names
}

// AddPrompt files a guidance prompt under a theme. Unknown themes are
// ignored.
func (g *Graph) AddPrompt(theme, prompt string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if t, ok := g.byName[theme]; ok {
		t.Prompts = append(t.Prompts, prompt)
	}
}

// Prompts returns the prompts filed under theme.
func (g *Graph) Prompts(theme string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if t, ok := g.byName[theme]; ok {
		return append([]string(nil), t.Prompts...)
	}
	return nil
}

// Command returns the system command a word or phrase triggers, if any.
func (g *Graph) Command(phrase string) (string, bool) {
	phrase = strings.ToLower(phrase)
	for _, cmd := range g.commands {
		for _, p := range cmd.Phrases {
			if p == phrase || g.isSynonym(phrase, p) {
				return cmd.Command, true
			}
		}
	}
	return "", false
}

func (g *Graph) isSynonym(word, phrase string) bool {
	return contains(g.outsyns[word], phrase)
}
