package guidance

import (
	"math/rand/v2"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotsetgreg/dotlore/pkg/themes"
)

type fakeSubject struct {
	name         string
	echo         bool
	instructions []Instruction
	recentThemes []string
	words        []string
}

func (f *fakeSubject) Name() string      { return f.name }
func (f *fakeSubject) EchoEnabled() bool { return f.echo }
func (f *fakeSubject) RecentWords() []string {
	return f.words
}

func (f *fakeSubject) PopInstruction() (Instruction, bool) {
	if len(f.instructions) == 0 {
		return Instruction{}, false
	}
	inst := f.instructions[0]
	f.instructions = f.instructions[1:]
	return inst, true
}

func (f *fakeSubject) PopRecentTheme() (string, bool) {
	if len(f.recentThemes) == 0 {
		return "", false
	}
	last := f.recentThemes[len(f.recentThemes)-1]
	f.recentThemes = f.recentThemes[:len(f.recentThemes)-1]
	return last, true
}

func newTestSelector(t *testing.T, seed uint64) (*Selector, *themes.Graph) {
	t.Helper()
	v := themes.DefaultVocabulary()
	g := themes.NewGraph(v)
	s := NewSelector(v, g, rand.New(rand.NewPCG(seed, seed+1)))
	// Disable the probabilistic branches unless a test turns them on.
	s.contprob = 0
	s.queryprob = 0
	return s, g
}

func TestNewSelector_FilesEveryLineUnderATheme(t *testing.T) {
	s, g := newTestSelector(t, 1)

	filed := make(map[string]bool)
	for _, name := range g.Names() {
		for _, p := range g.Prompts(name) {
			filed[p] = true
		}
	}
	for _, line := range s.Corpus() {
		if !filed[line] {
			t.Fatalf("guidance line %q is not filed under any theme", line)
		}
	}
	assert.NotEmpty(t, g.Prompts("inner calm"))
}

func TestGuide_FallsBackToCorpusWithNameSubstituted(t *testing.T) {
	s, _ := newTestSelector(t, 2)
	sub := &fakeSubject{name: "Lore"}

	corpus := make(map[string]bool)
	for _, line := range s.Corpus() {
		corpus[strings.ReplaceAll(line, "%1", "Lore")] = true
	}
	for i := 0; i < 50; i++ {
		p := s.Guide(sub)
		require.Equal(t, SourceCorpus, p.Source)
		if !corpus[p.Text] {
			t.Fatalf("prompt %q not in corpus", p.Text)
		}
		if strings.Contains(p.Text, "%1") {
			t.Fatalf("placeholder left in %q", p.Text)
		}
	}
}

func TestGuide_InstructionPicksLineSharingWords(t *testing.T) {
	s, _ := newTestSelector(t, 3)
	sub := &fakeSubject{
		name:         "Lore",
		instructions: []Instruction{{Author: "Greg", Text: "%0 asks %1 about breathing"}},
	}

	p := s.Guide(sub)
	require.Equal(t, SourceInstruction, p.Source)
	assert.Equal(t, "Greg asks Lore about breathing", p.Inspiration)
	assert.Empty(t, sub.instructions, "instruction should be consumed")

	shared := false
	for _, tok := range []string{"greg", "asks", "lore", "about", "breathing"} {
		if strings.Contains(strings.ToLower(p.Text), tok) {
			shared = true
		}
	}
	assert.True(t, shared, "prompt %q shares no word with the instruction", p.Text)
}

func TestGuide_InstructionWithoutSharedWordsFallsThrough(t *testing.T) {
	s, _ := newTestSelector(t, 4)
	sub := &fakeSubject{name: "Lore", instructions: []Instruction{{Author: "x", Text: "zzzz qqqq"}}}

	p := s.Guide(sub)
	assert.Equal(t, SourceCorpus, p.Source)
	assert.Empty(t, p.Inspiration)
}

func TestGuide_RecentThemePrompt(t *testing.T) {
	s, g := newTestSelector(t, 5)
	sub := &fakeSubject{name: "Lore", recentThemes: []string{"inner calm"}}

	p := s.Guide(sub)
	require.Equal(t, SourceTheme, p.Source)
	assert.Contains(t, g.Prompts("inner calm"), p.Text)
	assert.Empty(t, sub.recentThemes)
}

func TestGuide_UnknownThemeFallsThrough(t *testing.T) {
	s, _ := newTestSelector(t, 6)
	sub := &fakeSubject{name: "Lore", recentThemes: []string{"no such theme"}}

	assert.Equal(t, SourceCorpus, s.Guide(sub).Source)
}

func TestGuide_RecentVocabulary(t *testing.T) {
	s, _ := newTestSelector(t, 7)
	sub := &fakeSubject{name: "Lore", words: []string{"museum", "museum"}}

	p := s.Guide(sub)
	require.Equal(t, SourceVocabulary, p.Source)
	assert.Contains(t, strings.ToLower(p.Text), "museum")
}

func TestGuide_EchoResurfacesLeastUsedQuestion(t *testing.T) {
	s, _ := newTestSelector(t, 8)
	require.True(t, s.AddQuestion("What is your favorite color?"))
	require.True(t, s.AddQuestion("Where did you grow up?"))

	sub := &fakeSubject{name: "Lore", echo: true}
	seen := make(map[string]int)
	for i := 0; i < 6; i++ {
		s.queryprob = 1
		p := s.Guide(sub)
		require.Equal(t, SourceEcho, p.Source)
		seen[p.Text]++
	}
	assert.Equal(t, 3, seen["What is your favorite color?"])
	assert.Equal(t, 3, seen["Where did you grow up?"])

	// Every question has been echoed three times.
	s.queryprob = 1
	assert.Equal(t, SourceCorpus, s.Guide(sub).Source)
}

func TestGuide_EchoDisabledSkipsQuestions(t *testing.T) {
	s, _ := newTestSelector(t, 9)
	s.AddQuestion("What is your favorite color?")
	s.queryprob = 1

	p := s.Guide(&fakeSubject{name: "Lore"})
	assert.Equal(t, SourceCorpus, p.Source)
}

func TestGuide_ContinuationBacksOff(t *testing.T) {
	s, _ := newTestSelector(t, 10)
	s.contprob = contMax

	p := s.Guide(&fakeSubject{name: "Lore"})
	require.Equal(t, SourceContinuation, p.Source)
	assert.Equal(t, contMax/2, s.contprob)
	assert.NotContains(t, p.Text, "%1")

	// Below the floor, a hit resets the probability to the floor.
	for i := 0; i < 1000; i++ {
		s.contprob = contFloor / 2
		if s.Guide(&fakeSubject{name: "Lore"}).Source == SourceContinuation {
			assert.Equal(t, contFloor, s.contprob)
			return
		}
	}
	t.Fatal("continuation never fired")
}

func TestGuide_ContinuationProbabilityGrowsToCap(t *testing.T) {
	s, _ := newTestSelector(t, 11)
	s.continuations = nil
	s.contprob = 1
	for i := 0; i < 10; i++ {
		s.Guide(&fakeSubject{name: "Lore"})
	}
	assert.Equal(t, contMax, s.contprob)
}

func TestAddQuestion_IgnoresNearDuplicates(t *testing.T) {
	s, _ := newTestSelector(t, 12)
	assert.True(t, s.AddQuestion("How was your day today?"))
	assert.False(t, s.AddQuestion("How was your day today?"))
	assert.False(t, s.AddQuestion("How was your day today!"))
	assert.False(t, s.AddQuestion("   "))
	assert.True(t, s.AddQuestion("Do you like the sea?"))
	assert.Equal(t, []string{"How was your day today?", "Do you like the sea?"}, s.Questions())
}

func TestBackoff(t *testing.T) {
	s, _ := newTestSelector(t, 13)
	s.contprob = contMax
	s.Backoff()
	assert.Equal(t, contBackoff, s.contprob)
}
