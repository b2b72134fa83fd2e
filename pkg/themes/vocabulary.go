package themes

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed vocabulary.yaml
var defaultVocabulary []byte

// SynonymSet links a category to the words that evoke it.
type SynonymSet struct {
	Category string   `yaml:"category"`
	Words    []string `yaml:"words"`
}

// CommandWords lists the phrases that trigger a system command when they
// follow a mention of the system in a response.
type CommandWords struct {
	Command string   `yaml:"command"`
	Phrases []string `yaml:"phrases"`
}

// Vocabulary is the static language data the runtime is built from.
type Vocabulary struct {
	Synonyms      []SynonymSet   `yaml:"synonyms"`
	Themes        []string       `yaml:"themes"`
	Continuations []string       `yaml:"continuations"`
	Guidance      string         `yaml:"guidance"`
	Commands      []CommandWords `yaml:"commands"`
	Sentiment     map[string]int `yaml:"sentiment"`
	Reminder      string         `yaml:"reminder"`
}

// DefaultVocabulary returns the built-in vocabulary.
func DefaultVocabulary() *Vocabulary {
	v, err := ParseVocabulary(defaultVocabulary)
	if err != nil {
		panic(fmt.Sprintf("themes: embedded vocabulary: %v", err))
	}
	return v
}

// DefaultVocabularyYAML returns a copy of the built-in vocabulary file, used
// as an editable template.
func DefaultVocabularyYAML() []byte {
	return append([]byte(nil), defaultVocabulary...)
}

// LoadVocabulary reads a vocabulary file. An empty path yields the
// built-in vocabulary.
func LoadVocabulary(path string) (*Vocabulary, error) {
	if path == "" {
		return DefaultVocabulary(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read vocabulary: %w", err)
	}
	return ParseVocabulary(data)
}

func ParseVocabulary(data []byte) (*Vocabulary, error) {
	var v Vocabulary
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("parse vocabulary: %w", err)
	}
	if len(v.GuidanceLines()) == 0 {
		return nil, fmt.Errorf("parse vocabulary: %w", ErrEmptyGuidance)
	}
	return &v, nil
}

// GuidanceLines returns the non-blank lines of the guidance corpus.
func (v *Vocabulary) GuidanceLines() []string {
	var lines []string
	for _, line := range strings.Split(v.Guidance, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		lines = append(lines, strings.TrimSpace(line))
	}
	return lines
}
