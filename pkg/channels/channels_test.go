package channels

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/dotsetgreg/dotlore/pkg/bus"
	"github.com/dotsetgreg/dotlore/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestBaseChannel_IsAllowed(t *testing.T) {
	c := NewBaseChannel("test", nil, []string{"@greg", "42"})
	assert.True(t, c.IsAllowed("42"))
	assert.True(t, c.IsAllowed("7|greg"))
	assert.True(t, c.IsAllowed("42|someone"))
	assert.False(t, c.IsAllowed("7|other"))

	open := NewBaseChannel("test", nil, nil)
	assert.True(t, open.IsAllowed("anyone"))
}

func TestBaseChannel_HandleMessagePublishesRequest(t *testing.T) {
	mb := bus.NewMessageBus()
	defer mb.Close()

	c := NewBaseChannel("test", mb, []string{"u1"})
	assert.False(t, c.HandleMessage("u2", "Eve", "room", "hi"))
	assert.False(t, c.HandleMessage("u1", "Greg", "room", "   "))
	require.True(t, c.HandleMessage("u1", "Greg", "room", "/pause"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	req, ok := mb.ConsumeRequest(ctx)
	require.True(t, ok)
	assert.Equal(t, "test", req.Channel)
	assert.Equal(t, "room", req.ChatID)
	assert.Equal(t, "Greg", req.Sender)
	assert.Equal(t, "pause", req.Command)
}

type fakeDiscord struct {
	mu    sync.Mutex
	sent  []string
	typed int
}

func (f *fakeDiscord) Send(channelID, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, channelID+"|"+content)
	return nil
}

func (f *fakeDiscord) Typing(channelID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typed++
	return nil
}

func TestDiscordChannel_BuffersUntilEnd(t *testing.T) {
	mb := bus.NewMessageBus()
	defer mb.Close()
	api := &fakeDiscord{}
	c := newDiscordChannel(config.DiscordConfig{}, mb, api)
	c.setRunning(true)
	defer c.Stop(context.Background())

	ctx := context.Background()
	require.NoError(t, c.Send(ctx, bus.Event{ChatID: "9", Speaker: "Lore", Chunk: "Hello "}))
	require.NoError(t, c.Send(ctx, bus.Event{ChatID: "9", Speaker: "Shi", Chunk: "Ask about tea"}))
	require.NoError(t, c.Send(ctx, bus.Event{ChatID: "9", Speaker: "Lore", Chunk: "there."}))
	assert.Empty(t, api.sent)

	require.NoError(t, c.Send(ctx, bus.Event{ChatID: "9", Speaker: "Lore", End: true}))
	require.NoError(t, c.Send(ctx, bus.Event{ChatID: "9", Speaker: "Shi", End: true}))
	require.NoError(t, c.Send(ctx, bus.Event{ChatID: "9", Speaker: "Nobody", End: true}))

	assert.Equal(t, []string{"9|**Lore:** Hello there.", "9|**Shi:** Ask about tea"}, api.sent)
}

func TestDiscordChannel_RejectsWhenStopped(t *testing.T) {
	c := newDiscordChannel(config.DiscordConfig{}, nil, &fakeDiscord{})
	err := c.Send(context.Background(), bus.Event{ChatID: "9", Chunk: "x"})
	assert.Error(t, err)
}

func TestDiscordChannel_ReceiveHonorsAllowList(t *testing.T) {
	mb := bus.NewMessageBus()
	defer mb.Close()
	api := &fakeDiscord{}
	c := newDiscordChannel(config.DiscordConfig{AllowFrom: config.FlexibleStringSlice{"1"}}, mb, api)
	c.setRunning(true)
	defer c.Stop(context.Background())

	c.receive("2", "eve", "9", "ignored")
	c.receive("1", "greg", "9", "hello")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	req, ok := mb.ConsumeRequest(ctx)
	require.True(t, ok)
	assert.Equal(t, "hello", req.Content)
	assert.Equal(t, "discord", req.Channel)

	api.mu.Lock()
	typed := api.typed
	api.mu.Unlock()
	assert.Equal(t, 1, typed)
}

func TestSplitMessage_BreaksAtBlanksAndRunes(t *testing.T) {
	long := strings.TrimSpace(strings.Repeat("word ", 400))
	parts := splitMessage(long, 500)
	require.Greater(t, len(parts), 1)
	for _, p := range parts {
		assert.LessOrEqual(t, len(p), 500)
		assert.True(t, strings.HasSuffix(p, "word"), "piece should end on a whole word: %q", p[len(p)-8:])
	}

	wide := strings.Repeat("ü", 700)
	parts = splitMessage(wide, 501)
	require.Len(t, parts, 3)
	for _, p := range parts {
		assert.True(t, utf8.ValidString(p))
	}
	assert.Equal(t, wide, strings.Join(parts, ""))

	assert.Equal(t, []string{"short"}, splitMessage("short", 500))
}

type scriptedInput struct {
	lines  chan string
	closed chan struct{}
	once   sync.Once
}

func newScriptedInput(lines ...string) *scriptedInput {
	in := &scriptedInput{lines: make(chan string, len(lines)), closed: make(chan struct{})}
	for _, l := range lines {
		in.lines <- l
	}
	return in
}

func (s *scriptedInput) Readline() (string, error) {
	select {
	case l := <-s.lines:
		return l, nil
	case <-s.closed:
		return "", io.EOF
	}
}

func (s *scriptedInput) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

type lockedBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (l *lockedBuffer) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.b.Write(p)
}

func (l *lockedBuffer) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.b.String()
}

func TestConsoleChannel_ReadsAndPrints(t *testing.T) {
	mb := bus.NewMessageBus()
	defer mb.Close()

	in := newScriptedInput("hello", "", "/toggle echo", "quit")
	out := &lockedBuffer{}
	c := newConsoleChannel("Greg", mb, func() (LineReader, io.Writer, error) { return in, out, nil })
	require.NoError(t, c.Start(context.Background()))

	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatalf("console did not finish after quit")
	}
	assert.False(t, c.IsRunning())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	first, ok := mb.ConsumeRequest(ctx)
	require.True(t, ok)
	assert.Equal(t, "hello", first.Content)
	assert.Equal(t, ConsoleChatID, first.ChatID)
	second, ok := mb.ConsumeRequest(ctx)
	require.True(t, ok)
	assert.Equal(t, "toggle", second.Command)

	require.NoError(t, c.Send(ctx, bus.Event{Speaker: "Lore", Chunk: "Hi "}))
	require.NoError(t, c.Send(ctx, bus.Event{Speaker: "Lore", Chunk: "Greg"}))
	require.NoError(t, c.Send(ctx, bus.Event{Speaker: "Shi", Chunk: "Ask"}))
	require.NoError(t, c.Send(ctx, bus.Event{Speaker: "Shi", End: true}))
	require.NoError(t, c.Send(ctx, bus.Event{Speaker: "Lore", End: true}))
	assert.Equal(t, "Lore: Hi Greg\nShi: Ask\n", out.String())

	require.NoError(t, c.Stop(ctx))
}

func TestConsoleChannel_StartError(t *testing.T) {
	c := newConsoleChannel("Greg", nil, func() (LineReader, io.Writer, error) {
		return nil, nil, errors.New("no tty")
	})
	assert.Error(t, c.Start(context.Background()))
	assert.Error(t, c.Send(context.Background(), bus.Event{Chunk: "x"}))
}

func TestManager_DispatchesByChannel(t *testing.T) {
	mb := bus.NewMessageBus()
	defer mb.Close()

	m, err := NewManager(config.DefaultConfig(), mb)
	require.NoError(t, err)
	assert.Empty(t, m.GetEnabledChannels())

	in := newScriptedInput()
	out := &lockedBuffer{}
	console := newConsoleChannel("Greg", mb, func() (LineReader, io.Writer, error) { return in, out, nil })
	m.RegisterChannel("console", console)

	ctx := context.Background()
	require.NoError(t, m.StartAll(ctx))
	mb.PublishEvent(bus.Event{Channel: "nowhere", Speaker: "Lore", Chunk: "lost"})
	mb.PublishEvent(bus.Event{Channel: "console", Speaker: "Lore", Chunk: "found"})
	mb.PublishEvent(bus.Event{Channel: "console", Speaker: "Lore", End: true})

	assert.Eventually(t, func() bool { return out.String() == "Lore: found\n" }, time.Second, 10*time.Millisecond)
	status := m.GetStatus()["console"].(map[string]interface{})
	assert.Equal(t, true, status["running"])

	require.NoError(t, m.SendToChannel(ctx, "console", ConsoleChatID, "Shi", "direct"))
	assert.Equal(t, "Lore: found\nShi: direct\n", out.String())
	assert.Error(t, m.SendToChannel(ctx, "missing", "", "Shi", "x"))

	require.NoError(t, m.StopAll(ctx))
}

func TestManager_DiscordNeedsToken(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Channels.Discord.Enabled = true
	_, err := NewManager(cfg, bus.NewMessageBus())
	assert.Error(t, err)
}
