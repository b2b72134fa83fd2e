package agent

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dotsetgreg/dotlore/pkg/chain"
	"github.com/dotsetgreg/dotlore/pkg/guidance"
	"github.com/dotsetgreg/dotlore/pkg/lexer"
	"github.com/dotsetgreg/dotlore/pkg/logger"
	"github.com/dotsetgreg/dotlore/pkg/session"
	"github.com/dotsetgreg/dotlore/pkg/themes"
)

const (
	guidanceSection   = "guidance"
	recentWordsCap    = 60
	sentimentFloor    = -0.3
	briefPause        = 5 * time.Minute
	pulseWords        = 22
	instructionWords  = 22
	declarationMarker = "system prompt:"

	echoOnNotice  = "'Echo' assistant on. Questions will be repeated back to you!"
	echoOffNotice = "'Echo' assistant disabled. Questions will be consigned to the void of /dev/null or answered by users."
)

type DirectorOptions struct {
	Vocabulary *themes.Vocabulary
	Chain      *chain.Model
	Emitter    session.Emitter
	Gate       *session.Gate
	// Store persists actor state. Nil keeps everything in memory.
	Store    Persistence
	UserName string
	// LearnSection is the chain section actor replies are learned into.
	// Empty leaves the chain to explicit teaching.
	LearnSection string
	Rand         *rand.Rand
	Now          func() time.Time
}

// Director coordinates the actors of one process. It owns the shared
// guidance, theme graph, chain model and stop/pause state.
type Director struct {
	vocab     *themes.Vocabulary
	graph     *themes.Graph
	selector  *guidance.Selector
	chain     *chain.Model
	sentiment themes.Sentiment
	emitter   session.Emitter
	gate      *session.Gate
	store     Persistence
	userName  string
	learnTo   string
	now       func() time.Time

	mu           sync.Mutex
	rng          *rand.Rand
	actors       []*Actor
	byName       map[string]*Actor
	paused       bool
	pausedUntil  time.Time
	summoned     bool
	instructions map[string][]guidance.Instruction
	words        map[string][]string
}

func NewDirector(opts DirectorOptions) *Director {
	if opts.Vocabulary == nil {
		opts.Vocabulary = themes.DefaultVocabulary()
	}
	if opts.Rand == nil {
		opts.Rand = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	if opts.Chain == nil {
		opts.Chain = chain.New(chain.Options{Rand: rand.New(rand.NewPCG(opts.Rand.Uint64(), opts.Rand.Uint64()))})
	}
	if opts.Emitter == nil {
		opts.Emitter = nopEmitter{}
	}
	if opts.Gate == nil {
		opts.Gate = &session.Gate{}
	}
	if opts.UserName == "" {
		opts.UserName = "User"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	graph := themes.NewGraph(opts.Vocabulary)
	d := &Director{
		vocab:        opts.Vocabulary,
		graph:        graph,
		chain:        opts.Chain,
		sentiment:    themes.Sentiment(opts.Vocabulary.Sentiment),
		emitter:      opts.Emitter,
		gate:         opts.Gate,
		store:        opts.Store,
		userName:     opts.UserName,
		learnTo:      opts.LearnSection,
		now:          opts.Now,
		rng:          opts.Rand,
		byName:       make(map[string]*Actor),
		instructions: make(map[string][]guidance.Instruction),
		words:        make(map[string][]string),
	}
	d.selector = guidance.NewSelector(opts.Vocabulary, graph, d.childRand())
	for _, line := range d.selector.Corpus() {
		d.chain.Absorb(guidanceSection, line)
	}
	return d
}

type nopEmitter struct{}

func (nopEmitter) Chunk(string, string) {}
func (nopEmitter) End(string)           {}

// childRand derives an independent generator for a component that owns
// its own lock.
func (d *Director) childRand() *rand.Rand {
	d.mu.Lock()
	defer d.mu.Unlock()
	return rand.New(rand.NewPCG(d.rng.Uint64(), d.rng.Uint64()))
}

func (d *Director) randIntN(n int) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rng.IntN(n)
}

// dropsRewind rolls whether a summoned actor forgets its pending rewind,
// which happens 5 times in 21.
func (d *Director) dropsRewind() bool {
	return d.randIntN(21) >= 16
}

// NewActor creates and registers an actor. It is not bound to a session
// until Start.
func (d *Director) NewActor(opts ActorOptions) (*Actor, error) {
	opts.Name = strings.TrimSpace(opts.Name)
	if opts.Name == "" {
		return nil, fmt.Errorf("new actor: empty name")
	}
	a := newActor(d, opts, themes.NewLedger(d.graph, d.childRand()))

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, dup := d.byName[strings.ToLower(opts.Name)]; dup {
		return nil, fmt.Errorf("new actor %q: already exists", opts.Name)
	}
	d.actors = append(d.actors, a)
	d.byName[strings.ToLower(opts.Name)] = a
	return a, nil
}

// Actor looks an actor up by name, ignoring case.
func (d *Director) Actor(name string) (*Actor, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	a, ok := d.byName[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownActor, name)
	}
	return a, nil
}

func (d *Director) Actors() []*Actor {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Actor(nil), d.actors...)
}

func (d *Director) coLocated(a *Actor) []*Actor {
	loc := a.Location()
	var out []*Actor
	for _, other := range d.Actors() {
		if other != a && other.Location() == loc {
			out = append(out, other)
		}
	}
	return out
}

func (d *Director) Graph() *themes.Graph         { return d.graph }
func (d *Director) Selector() *guidance.Selector { return d.selector }
func (d *Director) Chain() *chain.Model          { return d.chain }
func (d *Director) Gate() *session.Gate          { return d.gate }
func (d *Director) UserName() string             { return d.userName }

// Reminder is the periodic notice telling actors how to end a conversation.
func (d *Director) Reminder() string {
	return strings.ReplaceAll(d.vocab.Reminder, "%2", d.userName)
}

// Say emits a complete message under speaker.
func (d *Director) Say(speaker, text string) {
	d.emitter.Chunk(speaker, text)
	d.emitter.End(speaker)
}

func (d *Director) Guide(a *Actor) guidance.Prompt { return d.selector.Guide(a) }

// Stop cancels the generation in flight and pauses autonomous turns.
func (d *Director) Stop() {
	d.gate.Stop()
	d.Pause()
}

func (d *Director) Pause() {
	d.mu.Lock()
	d.paused = true
	d.mu.Unlock()
}

// PauseFor pauses autonomous turns until dur has passed.
func (d *Director) PauseFor(dur time.Duration) {
	d.mu.Lock()
	d.pausedUntil = d.now().Add(dur)
	d.mu.Unlock()
}

func (d *Director) Resume() {
	d.mu.Lock()
	d.paused = false
	d.pausedUntil = time.Time{}
	d.mu.Unlock()
	d.gate.Unstop()
}

func (d *Director) Paused() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.paused || d.now().Before(d.pausedUntil)
}

// Summon toggles summoned mode, or sets it when mode is given. While
// summoned, actors tend to drop rewinds and follow guidance instead.
func (d *Director) Summon(mode ...bool) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(mode) > 0 {
		d.summoned = mode[0]
	} else {
		d.summoned = !d.summoned
	}
	return d.summoned
}

func (d *Director) Summoned() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.summoned
}

// QueueInstruction scripts the next guidance prompt for an actor.
func (d *Director) QueueInstruction(actor string, ins guidance.Instruction) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.instructions[actor] = append(d.instructions[actor], ins)
}

func (d *Director) popInstruction(actor string) (guidance.Instruction, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	q := d.instructions[actor]
	if len(q) == 0 {
		return guidance.Instruction{}, false
	}
	d.instructions[actor] = q[1:]
	return q[0], true
}

func (d *Director) recentWords(actor string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.words[actor]...)
}

func (d *Director) pushWords(actor string, words []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	w := append(d.words[actor], words...)
	if len(w) > recentWordsCap {
		w = w[len(w)-recentWordsCap:]
	}
	d.words[actor] = w
}

// ScanResponse reads an actor's reply for side effects: mood, learning
// into the chain, mode declarations, recent words, chain focus, system
// commands addressed to the director and mentions of the chain model. A
// reply scoring below the sentiment floor stops everything and returns
// ErrNegativeSentiment.
func (d *Director) ScanResponse(ctx context.Context, a *Actor, text string) error {
	a.ledger.Adjust(text)
	if d.learnTo != "" {
		if err := d.chain.Learn(ctx, d.learnTo, text); err != nil {
			logger.WarnCF("agent", "Learning reply failed", map[string]interface{}{"actor": a.name, "section": d.learnTo, "error": err.Error()})
		}
	}

	lower := strings.ToLower(text)
	src := text
	if len(src) != len(lower) {
		src = lower
	}
	for off := 0; ; {
		i := strings.Index(lower[off:], declarationMarker)
		if i < 0 {
			break
		}
		start := off + i
		off = start + len(declarationMarker)
		decl := src[off:]
		if nl := strings.IndexByte(decl, '\n'); nl >= 0 {
			decl = decl[:nl]
		}
		if found := a.ledger.Declare(src[start:]); len(found) > 0 {
			d.Say("Shi Info", fmt.Sprintf("Added system prompt: '%s'.", strings.TrimSpace(decl)))
		}
	}

	words := lexer.Tokens(lower)
	d.pushWords(a.name, words)

	var commands []string
	addressed, mentioned := false, false
	for i, w := range words {
		if strings.HasPrefix(w, "shi") || strings.HasPrefix(w, "system") || strings.HasPrefix(w, "command") {
			addressed = true
			continue
		}
		if strings.HasPrefix(w, "marky") {
			mentioned = true
			continue
		}
		d.chain.Focus(w)
		if !addressed {
			continue
		}
		cmd, ok := d.graph.Command(w)
		if !ok && i+1 < len(words) {
			cmd, ok = d.graph.Command(w + " " + words[i+1])
		}
		if ok && !containsString(commands, cmd) {
			commands = append(commands, cmd)
		}
	}
	for _, cmd := range commands {
		d.runCommand(ctx, a, cmd)
	}

	score := d.sentiment.Score(words)
	logger.DebugCF("agent", "Response sentiment", map[string]interface{}{"actor": a.name, "score": score})
	if score < sentimentFloor {
		logger.WarnCF("agent", "Negative sentiment, stopping", map[string]interface{}{"actor": a.name, "score": score})
		d.Stop()
		return fmt.Errorf("%s: %w (%.2f)", a.name, ErrNegativeSentiment, score)
	}

	if mentioned {
		d.QueueInstruction(a.name, guidance.Instruction{
			Author: SenderMarky,
			Text:   d.chain.Generate(lower, instructionWords, 1, 0),
		})
	}
	return nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// runCommand carries out a system command an actor addressed to the
// director.
func (d *Director) runCommand(ctx context.Context, a *Actor, cmd string) {
	logger.InfoCF("agent", "System command from response", map[string]interface{}{"actor": a.name, "command": cmd})
	switch cmd {
	case "stop":
		d.Stop()
		d.Say("Helper", "Stopped activity.")
	case "pause":
		d.PauseFor(briefPause)
		d.Say("Helper", "Paused activity briefly.")
	case "guide":
		if !a.Settings().Transport {
			return
		}
		d.Say("Helper", "Running help text.")
		d.QueueInstruction(a.name, guidance.Instruction{Author: SenderShi, Text: "%1 asked %0 for guidance and help."})
	case "echo":
		on := a.toggleEcho()
		d.Say("Helper", fmt.Sprintf("Toggling echo to '%t'.", on))
		notice := echoOffNotice
		if on {
			notice = echoOnNotice
		}
		if s, err := a.bound(); err == nil {
			if err := s.Inform(ctx, "System", notice, session.InformOptions{Force: true}); err != nil {
				logger.WarnCF("agent", "Echo notice failed", map[string]interface{}{"actor": a.name, "error": err.Error()})
			}
		}
	}
}

// PulseRequest is a parsed pulse message.
type PulseRequest struct {
	Words  int
	Lines  int
	Stride int
	Seed   string
}

// ParsePulse reads up to three leading integers from msg as the words per
// line, the line count and the stride, in that order. The rest is the seed.
func ParsePulse(msg string) PulseRequest {
	req := PulseRequest{Words: pulseWords, Lines: 1}
	args := strings.Fields(msg)
	for _, dst := range []*int{&req.Words, &req.Lines, &req.Stride} {
		if len(args) == 0 {
			break
		}
		n, err := strconv.Atoi(args[0])
		if err != nil {
			break
		}
		*dst = n
		args = args[1:]
	}
	req.Seed = strings.Join(args, " ")
	return req
}

// Pulse generates a line from the chain model and hands it to every actor.
func (d *Director) Pulse(ctx context.Context, msg string) error {
	p := ParsePulse(msg)
	response := d.chain.Generate(p.Seed, p.Words, p.Lines, p.Stride)
	d.Say("Pulse", response)

	for _, a := range d.Actors() {
		s, err := a.bound()
		if err != nil {
			continue
		}
		if err := s.Inform(ctx, d.userName, "Pulse: "+msg, session.InformOptions{}); err != nil {
			return err
		}
		if _, err := a.Query(ctx, SenderMarky, response, true); err != nil {
			return err
		}
	}
	return nil
}

// SaveAll saves every actor concurrently.
func (d *Director) SaveAll(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, a := range d.Actors() {
		g.Go(func() error { return a.Save(ctx) })
	}
	if err := g.Wait(); err != nil {
		return err
	}
	logger.InfoC("agent", "Saved all actors")
	return nil
}
