package agent

import (
	"context"
	"math/rand/v2"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/dotsetgreg/dotlore/pkg/bus"
	"github.com/dotsetgreg/dotlore/pkg/config"
	"github.com/dotsetgreg/dotlore/pkg/session"
)

func testConfig(actors ...string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Agents.Defaults.Model = "test-model"
	cfg.Agents.Defaults.UserName = "Greg"
	cfg.Agents.Defaults.Actors = actors
	cfg.Autonomy.Enabled = false
	cfg.Autonomy.Interval = 1
	return cfg
}

func mustNewAgentLoop(tb testing.TB, cfg *config.Config, msgBus *bus.MessageBus, model *scriptModel) *AgentLoop {
	tb.Helper()
	al, err := NewAgentLoop(cfg, msgBus, Deps{
		Loader: session.LoaderFunc(func(context.Context, string) (session.Model, error) { return model, nil }),
		Rand:   rand.New(rand.NewPCG(3, 4)),
	})
	if err != nil {
		tb.Fatalf("NewAgentLoop failed: %v", err)
	}
	tb.Cleanup(func() { _ = al.Close(context.Background()) })
	return al
}

// waitForSpeaker reads events until speaker's accumulated text contains
// want.
func waitForSpeaker(t *testing.T, mb *bus.MessageBus, speaker, want string) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var b strings.Builder
	for {
		ev, ok := mb.SubscribeEvent(ctx)
		if !ok {
			t.Fatalf("timed out waiting for %s to say %q, got %q", speaker, want, b.String())
		}
		if ev.Speaker != speaker || ev.End {
			continue
		}
		b.WriteString(ev.Chunk)
		if strings.Contains(b.String(), want) {
			return b.String()
		}
	}
}

func TestNewAgentLoop_RequiresLoader(t *testing.T) {
	_, err := NewAgentLoop(testConfig(), bus.NewMessageBus(), Deps{})
	require.Error(t, err)
}

func TestAgentLoop_StartCreatesConfiguredActors(t *testing.T) {
	model := &scriptModel{}
	al := mustNewAgentLoop(t, testConfig("Lore", "Nia"), bus.NewMessageBus(), model)

	require.NoError(t, al.Start(context.Background()))
	actors := al.Director().Actors()
	require.Len(t, actors, 2)
	assert.Equal(t, "Lore", al.Focused().Name())
	assert.True(t, model.promptContaining("*self:Nia\nYou are Nia, a curious companion"))
	assert.Equal(t, 20, actors[0].histCap)
}

func TestAgentLoop_DefaultsToOneActor(t *testing.T) {
	al := mustNewAgentLoop(t, testConfig(), bus.NewMessageBus(), &scriptModel{})
	require.NoError(t, al.Start(context.Background()))

	info := al.GetStartupInfo()
	assert.Equal(t, []string{"Lore"}, info["actors"])
	assert.Equal(t, "test-model", info["model"])
	assert.Equal(t, false, info["autonomy"])
	assert.Equal(t, "5s", info["interval"])
}

func TestAgentLoop_RunServesChatAndCommands(t *testing.T) {
	mb := bus.NewMessageBus()
	model := &scriptModel{}
	al := mustNewAgentLoop(t, testConfig("Lore", "Nia"), mb, model)
	require.NoError(t, al.Start(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- al.Run(ctx) }()

	model.script("Hello Greg, nice to meet you.")
	mb.PublishRequest(bus.NewRequest("console", "console", "u1", "Greg", "Hi there"))
	waitForSpeaker(t, mb, "Lore", "nice to meet you.")

	mb.PublishRequest(bus.NewRequest("console", "console", "u1", "Greg", "/toggle echo"))
	waitForSpeaker(t, mb, "System", "Echo: true")

	mb.PublishRequest(bus.NewRequest("console", "console", "u1", "Greg", "/actor nia"))
	waitForSpeaker(t, mb, "System", "Addressing Nia")
	assert.Equal(t, "Nia", al.Focused().Name())

	mb.PublishRequest(bus.NewRequest("console", "console", "u1", "Greg", "/status"))
	status := waitForSpeaker(t, mb, "System", "Lore @ nowhere")
	assert.Contains(t, status, "Nia @ nowhere")

	mb.PublishRequest(bus.NewRequest("console", "console", "u1", "Greg", "/nonsense"))
	waitForSpeaker(t, mb, "System", "Unknown command. Try /help.")

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	lore, err := al.Director().Actor("Lore")
	require.NoError(t, err)
	assert.True(t, lore.Settings().Echo)
	assert.Equal(t, []string{"Greg: Hi there", "Lore: Hello Greg, nice to meet you."}, chatValues(t, lore))
	goleak.VerifyNone(t)
}

func TestAgentLoop_ScheduleCommand(t *testing.T) {
	al := mustNewAgentLoop(t, testConfig("Lore"), bus.NewMessageBus(), &scriptModel{})
	require.NoError(t, al.Start(context.Background()))
	a := al.Focused()

	reply := al.scheduleCommand(a, strings.Fields("required every 10min toggle echo"))
	require.True(t, strings.HasPrefix(reply, "Scheduled toggle(echo)"), reply)
	reply = al.scheduleCommand(a, strings.Fields("cron 0 9 * * * pulse"))
	require.True(t, strings.HasPrefix(reply, "Scheduled pulse"), reply)
	assert.Contains(t, al.scheduleCommand(a, []string{"in", "soon", "save"}), "invalid interval")
	assert.Contains(t, al.scheduleCommand(a, []string{"in", "5", "dance"}), "unknown command")

	entries := a.Schedule().Entries()
	require.Len(t, entries, 2)
	for _, e := range entries {
		if e.Command.Kind == CommandToggle {
			assert.True(t, e.Required)
			assert.Equal(t, "10min", e.Repeat)
		}
	}
	assert.Len(t, strings.Split(al.scheduleCommand(a, []string{"list"}), "\n"), 2)

	assert.Equal(t, "Removed.", al.scheduleCommand(a, []string{"remove", entries[0].ID}))
	assert.Equal(t, "No such entry.", al.scheduleCommand(a, []string{"remove", entries[0].ID}))
}

func TestAgentLoop_HandleCommandWithoutActors(t *testing.T) {
	al := mustNewAgentLoop(t, testConfig(), bus.NewMessageBus(), &scriptModel{})

	text, handled := al.handleCommand(context.Background(), bus.NewRequest("console", "console", "u", "Greg", "/travel Park"))
	assert.True(t, handled)
	assert.Equal(t, "No actor is running.", text)

	text, _ = al.handleCommand(context.Background(), bus.NewRequest("console", "console", "u", "Greg", "/help"))
	assert.Contains(t, text, "/schedule")
}

func TestAgentLoop_AutonomyRunsSchedule(t *testing.T) {
	mb := bus.NewMessageBus()
	al := mustNewAgentLoop(t, testConfig("Lore"), mb, &scriptModel{})
	require.NoError(t, al.Start(context.Background()))
	a := al.Focused()

	_, err := a.AddSchedule(time.Now().Add(-time.Second), Command{Kind: CommandToggle, Text: "react"}, "", false)
	require.NoError(t, err)
	al.Autonomy(context.Background())
	assert.True(t, a.Settings().React)
	waitForSpeaker(t, mb, "Event", "toggle(react)\nok")
}
