package agent

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/multierr"

	"github.com/dotsetgreg/dotlore/pkg/guidance"
	"github.com/dotsetgreg/dotlore/pkg/lexer"
	"github.com/dotsetgreg/dotlore/pkg/logger"
	"github.com/dotsetgreg/dotlore/pkg/memory"
	"github.com/dotsetgreg/dotlore/pkg/session"
	"github.com/dotsetgreg/dotlore/pkg/themes"
)

const (
	defaultHistory = 20
	reminderEvery  = 13
	repeatWindow   = 6
	repeatLimit    = 3
	repeatRatio    = 0.1
	homeLocation   = "Home"

	repeatNotice = "You have repeated yourself 3 times, indicating you would like me to hold off for now. I will wait a moment!"
)

// Senders whose prompts never move the actor's mood.
const (
	SenderShi   = "Shi"
	SenderMarky = "Marky"
)

// RecallSettings tune recall for one kind of text.
type RecallSettings struct {
	// Sense enables clue weighting when greater than 1.
	Sense float64 `json:"sense"`
	// Count caps the excerpts recalled.
	Count int `json:"count"`
}

// Settings are an actor's toggles and recall tuning.
type Settings struct {
	Transport bool `json:"transport"`
	Broadcast bool `json:"broadcast"`
	Echo      bool `json:"echo"`
	React     bool `json:"react"`
	Remember  bool `json:"remember"`
	Recall    bool `json:"recall"`

	// User applies to incoming prompts, Actor to the actor's own replies
	// and System to autonomous prompts.
	User   RecallSettings `json:"user"`
	Actor  RecallSettings `json:"actor"`
	System RecallSettings `json:"system"`

	MinRelevance float64 `json:"min_relevance"`
	Temperature  float64 `json:"temperature"`
}

func DefaultSettings() Settings {
	return Settings{
		Broadcast:   true,
		Remember:    true,
		Recall:      true,
		User:        RecallSettings{Sense: 4, Count: 1},
		Actor:       RecallSettings{Sense: 4, Count: 1},
		System:      RecallSettings{Sense: 2, Count: 1},
		Temperature: 1.5,
	}
}

// Turn is one entry of the actor's history.
type Turn struct {
	From     string `json:"from"`
	Prompt   string `json:"prompt"`
	Response string `json:"response"`
}

type ActorOptions struct {
	Name            string
	SystemPrompt    string
	Settings        Settings
	Memory          memory.Options
	HistoryCapacity int
	// Injector receives recalled excerpts. Nil discards them unless
	// InjectExcerpts feeds them into the actor's own session.
	Injector       memory.Injector
	InjectExcerpts bool
}

type pendingQuery struct {
	from      string
	prompt    string
	useMemory bool
}

type rewind struct {
	pending bool
	point   int
	author  string
	buffer  string
}

// Actor is one persona: its memory, mood, history and schedule, bound to a
// single generation session.
type Actor struct {
	name     string
	director *Director
	store    *memory.Store
	ledger   *themes.Ledger
	schedule *Schedule
	injector memory.Injector
	histCap  int

	mu           sync.Mutex
	session      *session.State
	settings     Settings
	systemPrompt string
	summary      string
	history      []Turn
	turns        int
	rewind       rewind
	queued       []pendingQuery
	location     string
	locID        int
	locations    []string
	savedLocs    int
	modalities   map[string][]string
	usingModals  map[string]bool
}

func newActor(d *Director, opts ActorOptions, ledger *themes.Ledger) *Actor {
	if opts.HistoryCapacity <= 0 {
		opts.HistoryCapacity = defaultHistory
	}
	if opts.Injector == nil {
		opts.Injector = memory.NopInjector{}
	}
	opts.Memory.Remember = opts.Settings.Remember
	a := &Actor{
		name:         opts.Name,
		director:     d,
		store:        memory.NewStore(opts.Memory),
		ledger:       ledger,
		schedule:     NewSchedule(),
		injector:     opts.Injector,
		histCap:      opts.HistoryCapacity,
		settings:     opts.Settings,
		systemPrompt: opts.SystemPrompt,
		modalities:   make(map[string][]string),
		usingModals:  make(map[string]bool),
	}
	if opts.InjectExcerpts {
		a.injector = sessionInjector{actor: a}
	}
	return a
}

// sessionInjector feeds recalled excerpts into the actor's session as
// memory frames, without generating.
type sessionInjector struct {
	actor *Actor
}

func (i sessionInjector) Inject(ctx context.Context, excerpts []memory.Excerpt) error {
	s, err := i.actor.bound()
	if err != nil {
		return err
	}
	for _, ex := range excerpts {
		req := session.Request{From: ex.Author, Message: ex.Text, Type: "mem", NPredict: session.Int(0)}
		if _, err := s.Complete(ctx, req); err != nil {
			return fmt.Errorf("inject %s: %w", ex.Key, err)
		}
	}
	return nil
}

// session.Binding

func (a *Actor) Name() string { return a.name }

func (a *Actor) Temperature() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.settings.Temperature
}

func (a *Actor) BaseSystemPrompt() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.systemPrompt
}

func (a *Actor) MoodProjection() string { return a.ledger.Project() }

func (a *Actor) ReactEnabled() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.settings.React
}

// CheckModality rejects text containing a word of any disabled modality.
func (a *Actor) CheckModality(text string) bool {
	lower := strings.ToLower(text)
	a.mu.Lock()
	defer a.mu.Unlock()
	for name, words := range a.modalities {
		if on, set := a.usingModals[name]; !set || on {
			continue
		}
		for _, w := range words {
			if w != "" && strings.Contains(lower, w) {
				return false
			}
		}
	}
	return true
}

func (a *Actor) PopQueued() (func(ctx context.Context), bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.queued) == 0 {
		return nil, false
	}
	q := a.queued[0]
	a.queued = a.queued[1:]
	return func(ctx context.Context) {
		if _, err := a.Query(ctx, q.from, q.prompt, q.useMemory); err != nil {
			logger.WarnCF("agent", "Queued query failed", map[string]interface{}{"actor": a.name, "error": err.Error()})
		}
	}, true
}

func (a *Actor) Attach(s *session.State) *session.State {
	a.mu.Lock()
	defer a.mu.Unlock()
	prev := a.session
	a.session = s
	return prev
}

func (a *Actor) Detach(s *session.State) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.session == s {
		a.session = nil
	}
}

// guidance.Subject

func (a *Actor) EchoEnabled() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.settings.Echo
}

func (a *Actor) PopInstruction() (guidance.Instruction, bool) {
	return a.director.popInstruction(a.name)
}

func (a *Actor) PopRecentTheme() (string, bool) { return a.ledger.PopRecent() }

func (a *Actor) RecentWords() []string { return a.director.recentWords(a.name) }

// Accessors

func (a *Actor) Store() *memory.Store    { return a.store }
func (a *Actor) Ledger() *themes.Ledger  { return a.ledger }
func (a *Actor) Schedule() *Schedule     { return a.schedule }
func (a *Actor) Session() *session.State { s, _ := a.bound(); return s }
func (a *Actor) Director() *Director     { return a.director }

func (a *Actor) Settings() Settings {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.settings
}

func (a *Actor) Location() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.location
}

func (a *Actor) History() []Turn {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Turn(nil), a.history...)
}

func (a *Actor) SetSummary(text string) {
	a.mu.Lock()
	a.summary = strings.TrimSpace(text)
	a.mu.Unlock()
}

func (a *Actor) bound() (*session.State, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.session == nil {
		return nil, fmt.Errorf("%s: %w", a.name, ErrNotBound)
	}
	return a.session, nil
}

// Start binds the actor to s, restores its saved state and sends its
// system prompt.
func (a *Actor) Start(ctx context.Context, s *session.State) error {
	s.Align(a)
	if err := a.Load(ctx); err != nil {
		return err
	}
	if err := s.SystemPrompt(ctx, "", false); err != nil {
		return fmt.Errorf("send system prompt: %w", err)
	}
	if loc := a.Location(); loc != "" {
		if _, err := s.SaveData(ctx, "where", loc); err != nil {
			return err
		}
	}
	a.director.Say("System", "Starting runtime for "+a.name)
	logger.InfoCF("agent", "Actor started", map[string]interface{}{"actor": a.name, "slot": s.Slot()})
	return nil
}

// QueueQuery runs the query now, or queues it for the session's next drain
// when the session is busy.
func (a *Actor) QueueQuery(ctx context.Context, from, prompt string) error {
	s, err := a.bound()
	if err != nil {
		return err
	}
	if s.Busy() {
		a.mu.Lock()
		a.queued = append(a.queued, pendingQuery{from: from, prompt: prompt, useMemory: true})
		a.mu.Unlock()
		logger.DebugCF("agent", "Query queued", map[string]interface{}{"actor": a.name, "from": from})
		return nil
	}
	_, err = a.Query(ctx, from, prompt, true)
	return err
}

// Query runs one turn: prompt from from, the reply streamed under the
// actor's name. The reply is remembered, broadcast to co-located actors,
// checked for repetition and scanned by the director. A turn that finds
// the session busy returns "" and its reply is filed once it runs.
func (a *Actor) Query(ctx context.Context, from, prompt string, useMemory bool) (string, error) {
	s, err := a.bound()
	if err != nil {
		return "", err
	}
	s.Align(a)

	a.mu.Lock()
	settings := a.settings
	rewound := a.rewind.pending && a.rewind.buffer == prompt
	a.mu.Unlock()

	if from != SenderShi && from != SenderMarky {
		a.director.gate.Unstop()
		if !rewound {
			a.ledger.Adjust(prompt)
		}
	}

	if useMemory {
		if settings.Recall {
			a.recall(ctx, prompt, settings.User)
		}
		if settings.Remember {
			a.rememberChat(from, prompt)
		}
	}

	var filed error
	result, err := s.Query(ctx, from, prompt, func(ctx context.Context, result string, deferred bool) {
		err := a.handleResult(ctx, s, from, prompt, settings, result)
		if !deferred {
			filed = err
			return
		}
		if err != nil {
			logger.WarnCF("agent", "Deferred turn failed", map[string]interface{}{"actor": a.name, "error": err.Error()})
		}
	})
	if err != nil {
		return "", fmt.Errorf("%s query: %w", a.name, err)
	}
	return result, filed
}

// handleResult files a reply: it is remembered, broadcast, checked for
// repetition and added to the history before the director scans it.
func (a *Actor) handleResult(ctx context.Context, s *session.State, from, prompt string, settings Settings, result string) error {
	if result == "" {
		return nil
	}
	if settings.Broadcast {
		a.broadcast(ctx, result)
	}

	if settings.Recall {
		a.recall(ctx, result, settings.Actor)
	}
	if settings.Remember {
		a.rememberChat(a.name, result)
	}

	repeats := 0
	if !a.director.Paused() {
		repeats = a.countRepeats(result)
		for i := 0; i < repeats; i++ {
			a.director.selector.Backoff()
		}
		if repeats >= repeatLimit {
			logger.WarnCF("agent", "Repetition limit reached, pausing", map[string]interface{}{"actor": a.name})
			if err := s.Inform(ctx, "System", repeatNotice, session.InformOptions{Force: true}); err != nil {
				return err
			}
			a.director.Pause()
			return nil
		}
	}
	if repeats == 0 {
		for _, q := range lexer.Questions(result) {
			a.director.selector.AddQuestion(q)
		}
	}

	a.mu.Lock()
	a.history = append(a.history, Turn{From: from, Prompt: prompt, Response: result})
	if len(a.history) > a.histCap {
		a.history = a.history[len(a.history)-a.histCap:]
	}
	a.turns++
	remind := a.turns >= reminderEvery
	if remind {
		a.turns = 0
	}
	a.mu.Unlock()

	if remind {
		if err := a.Save(ctx); err != nil {
			logger.WarnCF("agent", "Periodic save failed", map[string]interface{}{"actor": a.name, "error": err.Error()})
		}
		if err := s.Inform(ctx, "System", a.director.Reminder(), session.InformOptions{Force: true}); err != nil {
			return err
		}
	}

	return a.director.ScanResponse(ctx, a, result)
}

// countRepeats counts the recent history responses result nearly repeats.
func (a *Actor) countRepeats(result string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for i := len(a.history) - 1; i >= 0 && i >= len(a.history)-repeatWindow; i-- {
		if lexer.NearDuplicate(a.history[i].Response, result, repeatRatio) {
			n++
		}
	}
	return n
}

func (a *Actor) broadcast(ctx context.Context, result string) {
	for _, other := range a.director.coLocated(a) {
		peer, err := other.bound()
		if err != nil {
			continue
		}
		other.mu.Lock()
		other.rewind = rewind{pending: true, point: peer.Cursor(), author: a.name, buffer: result}
		other.mu.Unlock()
		if err := peer.Inform(ctx, a.name, result, session.InformOptions{Silent: true}); err != nil {
			logger.WarnCF("agent", "Broadcast failed", map[string]interface{}{
				"from":  a.name,
				"to":    other.name,
				"error": err.Error(),
			})
		}
	}
}

// Freedom takes an autonomous turn when nothing else is pending: a rewind
// left by another actor is answered first, otherwise a guidance prompt is
// drawn and put to the actor.
func (a *Actor) Freedom(ctx context.Context) error {
	s, err := a.bound()
	if err != nil {
		return err
	}
	if s.Busy() || s.Paused() || s.Reloading() || a.director.Paused() {
		return nil
	}
	a.mu.Lock()
	queued := len(a.queued) > 0
	a.mu.Unlock()
	if queued {
		return nil
	}

	if a.director.Summoned() && a.director.dropsRewind() {
		a.clearRewind("")
	}

	a.mu.Lock()
	rw := a.rewind
	a.mu.Unlock()
	if rw.pending {
		_, err := a.Query(ctx, rw.author, rw.buffer, true)
		a.clearRewind(rw.buffer)
		return err
	}

	prompt := a.director.Guide(a)
	logger.DebugCF("agent", "Guidance drawn", map[string]interface{}{
		"actor":  a.name,
		"source": prompt.Source.String(),
	})
	a.director.Say(SenderShi, a.name+": "+prompt.Text)
	if a.Settings().Recall {
		a.recall(ctx, prompt.Text, a.Settings().System)
	}
	_, err = a.Query(ctx, SenderShi, prompt.Text, false)
	return err
}

// clearRewind drops the pending rewind. A non-empty buffer only clears a
// rewind still holding that text.
func (a *Actor) clearRewind(buffer string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if buffer != "" && a.rewind.buffer != buffer {
		return
	}
	a.rewind = rewind{}
}

// RunSchedule executes due entries and then one queued query.
func (a *Actor) RunSchedule(ctx context.Context, now time.Time) error {
	var errs error
	for _, e := range a.schedule.Due(now) {
		err := a.Execute(ctx, e.Command)
		result := "ok"
		if err != nil {
			result = err.Error()
			errs = multierr.Append(errs, fmt.Errorf("scheduled %s: %w", e.Command.Kind, err))
		}
		a.director.Say("Event", e.Command.String()+"\n"+result)
	}

	if run, ok := a.PopQueued(); ok {
		run(ctx)
	}
	return errs
}

// AddSchedule queues c to run at at, repeating by repeat when set.
func (a *Actor) AddSchedule(at time.Time, c Command, repeat string, required bool) (Entry, error) {
	return a.schedule.Add(Entry{At: at, Command: c, Repeat: repeat, Required: required})
}

// recall surfaces memories related to text and hands them to the injector.
func (a *Actor) recall(ctx context.Context, text string, rs RecallSettings) []memory.Excerpt {
	q := memory.Query{
		Text:           text,
		MinRelevance:   a.Settings().MinRelevance,
		MaxResults:     rs.Count,
		SenseThreshold: rs.Sense,
	}
	excerpts, err := a.store.Recall(ctx, q, a.CheckModality, a.injector)
	if err != nil {
		logger.WarnCF("agent", "Recall injection failed", map[string]interface{}{"actor": a.name, "error": err.Error()})
	}
	if len(excerpts) > 0 {
		keys := make([]string, 0, len(excerpts))
		for _, ex := range excerpts {
			keys = append(keys, ex.Key)
		}
		logger.DebugCF("agent", "Recalled", map[string]interface{}{"actor": a.name, "keys": keys})
	}
	return excerpts
}

// Recall searches the actor's memory for text with the user recall
// settings, without regard to the recall toggle.
func (a *Actor) Recall(ctx context.Context, text string) []memory.Excerpt {
	return a.recall(ctx, text, a.Settings().User)
}

// Forget deletes a remembered record.
func (a *Actor) Forget(key string) error {
	return a.store.Delete(key)
}

func (a *Actor) rememberChat(from, text string) {
	if !a.CheckModality(text) {
		return
	}
	key := "chat_" + ulid.MustNew(ulid.Timestamp(a.director.now()), ulid.DefaultEntropy()).String()
	a.store.Remember(key, from+": "+text, from)
}

// ChangeLocation moves the actor. An empty name means home. The new
// location is written into the session.
func (a *Actor) ChangeLocation(ctx context.Context, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		name = homeLocation
	}
	a.mu.Lock()
	if name != a.location {
		a.location = name
		a.locID = indexOf(a.locations, name)
		if a.locID < 0 {
			a.locID = len(a.locations)
			a.locations = append(a.locations, name)
		}
	}
	id := a.locID
	a.mu.Unlock()
	a.store.SetLocation(id)

	a.director.Say("Goto", name)
	s, err := a.bound()
	if err != nil {
		return err
	}
	if _, err := s.SaveData(ctx, "where", name); err != nil {
		return err
	}
	a.director.Say("Goto", "...arrived.")
	return nil
}

func indexOf(list []string, s string) int {
	for i, v := range list {
		if v == s {
			return i
		}
	}
	return -1
}

// ToggleMode flips a named toggle and returns a report line. Unknown names
// toggle a modality, which starts out enabled.
func (a *Actor) ToggleMode(mode string) string {
	mode = strings.ToLower(strings.TrimSpace(mode))
	a.mu.Lock()
	defer a.mu.Unlock()
	switch mode {
	case "memory", "mem":
		a.settings.Remember = !a.settings.Remember
		a.store.SetRemember(a.settings.Remember)
		return fmt.Sprintf("Remembering: %t", a.settings.Remember)
	case "recall":
		a.settings.Recall = !a.settings.Recall
		return fmt.Sprintf("Recalling: %t", a.settings.Recall)
	case "react":
		a.settings.React = !a.settings.React
		return fmt.Sprintf("Reacting: %t", a.settings.React)
	case "echo":
		a.settings.Echo = !a.settings.Echo
		return fmt.Sprintf("Echo: %t", a.settings.Echo)
	case "broadcast":
		a.settings.Broadcast = !a.settings.Broadcast
		return fmt.Sprintf("Broadcasting: %t", a.settings.Broadcast)
	case "transport":
		a.settings.Transport = !a.settings.Transport
		return fmt.Sprintf("Transport: %t", a.settings.Transport)
	}
	if on, set := a.usingModals[mode]; set {
		a.usingModals[mode] = !on
	} else {
		a.usingModals[mode] = false
	}
	return fmt.Sprintf("Modality '%s': %t", mode, a.usingModals[mode])
}

// toggleEcho flips echo mode and reports the new value.
func (a *Actor) toggleEcho() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.settings.Echo = !a.settings.Echo
	return a.settings.Echo
}

// PopulateMode adds words to a modality.
func (a *Actor) PopulateMode(mode string, words []string) {
	mode = strings.ToLower(strings.TrimSpace(mode))
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, w := range words {
		w = strings.ToLower(strings.TrimSpace(w))
		if w != "" {
			a.modalities[mode] = append(a.modalities[mode], w)
		}
	}
}

// Modalities returns each modality with whether it is enabled.
func (a *Actor) Modalities() map[string]bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]bool, len(a.modalities))
	for name := range a.modalities {
		on, set := a.usingModals[name]
		out[name] = !set || on
	}
	return out
}

// AddModeType files text as a mode declaration under the themes it evokes.
func (a *Actor) AddModeType(text string) []string {
	return a.ledger.Declare("System Prompt: " + text)
}

// SetSystemPrompt replaces the actor's base prompt and sends it.
func (a *Actor) SetSystemPrompt(ctx context.Context, prompt string) error {
	prompt = strings.TrimSpace(prompt)
	a.mu.Lock()
	if prompt != "" {
		a.systemPrompt = prompt
	}
	a.mu.Unlock()
	s, err := a.bound()
	if err != nil {
		return err
	}
	return s.SystemPrompt(ctx, "", false)
}

// ActorStatus is a snapshot for display.
type ActorStatus struct {
	Name       string
	Location   string
	Memories   int
	History    int
	Scheduled  int
	Queued     int
	Rewind     bool
	Settings   Settings
	Modalities []string
	Session    session.Status
	Bound      bool
}

func (a *Actor) Status() ActorStatus {
	a.mu.Lock()
	st := ActorStatus{
		Name:     a.name,
		Location: a.location,
		History:  len(a.history),
		Queued:   len(a.queued),
		Rewind:   a.rewind.pending,
		Settings: a.settings,
	}
	for name := range a.modalities {
		st.Modalities = append(st.Modalities, name)
	}
	s := a.session
	a.mu.Unlock()

	sort.Strings(st.Modalities)
	st.Memories = a.store.Len()
	st.Scheduled = a.schedule.Len()
	if s != nil {
		st.Bound = true
		st.Session = s.Status()
	}
	return st
}
