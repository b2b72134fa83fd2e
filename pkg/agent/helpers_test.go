package agent

import (
	"context"
	"math/rand/v2"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dotsetgreg/dotlore/pkg/session"
)

// scriptModel answers generating calls from a queue of replies, falling
// back to "ok". Calls with n_predict 0 only ingest.
type scriptModel struct {
	mu      sync.Mutex
	replies []string
	prompts []string
	hold    chan struct{}
	entered chan struct{}
}

func (m *scriptModel) Complete(ctx context.Context, slot int, prompt string, p session.Params, tokens chan<- string) (session.Completion, error) {
	m.mu.Lock()
	m.prompts = append(m.prompts, prompt)
	hold, entered := m.hold, m.entered
	m.hold, m.entered = nil, nil
	reply := "ok"
	if p.NPredict == 0 {
		reply = ""
	} else if len(m.replies) > 0 {
		reply = m.replies[0]
		m.replies = m.replies[1:]
	}
	m.mu.Unlock()

	if entered != nil {
		close(entered)
	}
	if hold != nil {
		<-hold
	}

	cursor := p.NPast + len(strings.Fields(prompt))
	var out strings.Builder
	if reply != "" {
		for i, w := range strings.Split(reply, " ") {
			if i > 0 {
				w = " " + w
			}
			select {
			case tokens <- w:
			case <-ctx.Done():
				return session.Completion{Text: out.String(), NPast: cursor}, ctx.Err()
			}
			out.WriteString(w)
			cursor++
		}
	}
	return session.Completion{Text: out.String(), NPast: cursor, NPredict: p.NPredict}, nil
}

func (m *scriptModel) Close() error { return nil }

func (m *scriptModel) script(replies ...string) {
	m.mu.Lock()
	m.replies = append(m.replies, replies...)
	m.mu.Unlock()
}

func (m *scriptModel) Prompts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.prompts...)
}

func (m *scriptModel) promptContaining(sub string) bool {
	for _, p := range m.Prompts() {
		if strings.Contains(p, sub) {
			return true
		}
	}
	return false
}

// block makes the next call wait until release is called.
func (m *scriptModel) block() (entered <-chan struct{}, release func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hold = make(chan struct{})
	m.entered = make(chan struct{})
	hold := m.hold
	return m.entered, func() { close(hold) }
}

type event struct {
	speaker string
	text    string
	end     bool
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []event
}

func (e *recordingEmitter) Chunk(speaker, text string) {
	e.mu.Lock()
	e.events = append(e.events, event{speaker: speaker, text: text})
	e.mu.Unlock()
}

func (e *recordingEmitter) End(speaker string) {
	e.mu.Lock()
	e.events = append(e.events, event{speaker: speaker, end: true})
	e.mu.Unlock()
}

// said joins every chunk emitted under speaker.
func (e *recordingEmitter) said(speaker string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var b strings.Builder
	for _, ev := range e.events {
		if ev.speaker == speaker && !ev.end {
			b.WriteString(ev.text)
		}
	}
	return b.String()
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	model    *scriptModel
	cache    *session.Cache
	emitter  *recordingEmitter
	director *Director
	clock    *fakeClock
}

func newHarness(t *testing.T, store Persistence) *harness {
	t.Helper()
	h := &harness{
		model:   &scriptModel{},
		emitter: &recordingEmitter{},
		clock:   &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
	}
	h.cache = session.NewCache(session.LoaderFunc(func(context.Context, string) (session.Model, error) {
		return h.model, nil
	}))
	h.director = NewDirector(DirectorOptions{
		Emitter:  h.emitter,
		Store:    store,
		UserName: "Greg",
		Rand:     rand.New(rand.NewPCG(1, 2)),
		Now:      h.clock.Now,
	})
	t.Cleanup(func() { _ = h.cache.Close() })
	return h
}

// actor creates and starts an actor on its own session.
func (h *harness) actor(t *testing.T, name string, mutate func(*ActorOptions)) *Actor {
	t.Helper()
	opts := ActorOptions{
		Name:         name,
		SystemPrompt: "You are " + name + ".",
		Settings:     DefaultSettings(),
	}
	if mutate != nil {
		mutate(&opts)
	}
	a, err := h.director.NewActor(opts)
	if err != nil {
		t.Fatalf("new actor: %v", err)
	}
	sopts := session.DefaultOptions()
	sopts.Emitter = h.emitter
	sopts.Gate = h.director.Gate()
	s, err := session.New(context.Background(), h.cache, "model", sopts)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if err := a.Start(context.Background(), s); err != nil {
		t.Fatalf("start actor: %v", err)
	}
	return a
}

func chatKeys(a *Actor) []string {
	var keys []string
	for _, k := range a.Store().Keys() {
		if strings.HasPrefix(k, "chat_") {
			keys = append(keys, k)
		}
	}
	return keys
}

func chatValues(t *testing.T, a *Actor) []string {
	t.Helper()
	var values []string
	for _, k := range chatKeys(a) {
		row, err := a.Store().Get(k)
		if err != nil {
			t.Fatalf("get %s: %v", k, err)
		}
		values = append(values, row.Value)
	}
	return values
}
