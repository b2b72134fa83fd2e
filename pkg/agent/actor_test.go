package agent

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotsetgreg/dotlore/pkg/state"
)

func TestActor_QueryRemembersBothSides(t *testing.T) {
	h := newHarness(t, nil)
	a := h.actor(t, "Lore", nil)

	h.model.script("Hello Greg, lovely day.")
	got, err := a.Query(context.Background(), "Greg", "Hi Lore", true)
	require.NoError(t, err)
	assert.Equal(t, "Hello Greg, lovely day.", got)
	assert.Equal(t, got, h.emitter.said("Lore"))

	want := []string{"Greg: Hi Lore", "Lore: Hello Greg, lovely day."}
	if diff := cmp.Diff(want, chatValues(t, a)); diff != "" {
		t.Fatalf("remembered chat mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, []Turn{{From: "Greg", Prompt: "Hi Lore", Response: got}}, a.History())
	assert.True(t, h.model.promptContaining("<|im_start|>Greg\nHi Lore<|im_end|>"))
}

func TestActor_QueryWithoutMemoryOnlyRemembersReply(t *testing.T) {
	h := newHarness(t, nil)
	a := h.actor(t, "Lore", nil)

	h.model.script("Gladly.")
	_, err := a.Query(context.Background(), "Greg", "Tell me a story", false)
	require.NoError(t, err)
	assert.Equal(t, []string{"Lore: Gladly."}, chatValues(t, a))
}

func TestActor_RepetitionPausesDirector(t *testing.T) {
	h := newHarness(t, nil)
	a := h.actor(t, "Lore", nil)
	ctx := context.Background()

	h.model.script("I like the rain.", "I like the rain.", "I like the rain.", "I like the rain.")
	for i := 0; i < 4; i++ {
		_, err := a.Query(ctx, "Greg", "And then?", true)
		require.NoError(t, err)
	}

	assert.Len(t, a.History(), 3, "the fourth repeat is not recorded")
	assert.True(t, h.director.Paused())
	assert.Contains(t, h.emitter.said("System"), repeatNotice)
}

func TestActor_QuestionsAreRecorded(t *testing.T) {
	h := newHarness(t, nil)
	a := h.actor(t, "Lore", nil)

	h.model.script("What do you think of the sea? I find it restless.")
	_, err := a.Query(context.Background(), "Greg", "Tell me something", true)
	require.NoError(t, err)
	assert.Equal(t, []string{"What do you think of the sea?"}, h.director.Selector().Questions())
}

func TestActor_NegativeSentimentStops(t *testing.T) {
	h := newHarness(t, nil)
	a := h.actor(t, "Lore", nil)

	h.model.script("I hate this awful miserable day.")
	_, err := a.Query(context.Background(), "Greg", "How are you?", true)
	if !errors.Is(err, ErrNegativeSentiment) {
		t.Fatalf("query error = %v, want ErrNegativeSentiment", err)
	}
	assert.True(t, h.director.Paused())
	assert.True(t, h.director.Gate().Stopping())

	h.director.Resume()
	assert.False(t, h.director.Gate().Stopping())
}

func TestActor_AddressedStopCommand(t *testing.T) {
	h := newHarness(t, nil)
	a := h.actor(t, "Lore", nil)

	h.model.script("Shi, stop please.")
	_, err := a.Query(context.Background(), "Greg", "Anything else?", true)
	require.NoError(t, err)
	assert.Equal(t, "Stopped activity.", h.emitter.said("Helper"))
	assert.True(t, h.director.Paused())
}

func TestActor_AddressedEchoCommand(t *testing.T) {
	h := newHarness(t, nil)
	a := h.actor(t, "Lore", nil)

	h.model.script("System: echo mode please.")
	_, err := a.Query(context.Background(), "Greg", "Go on", true)
	require.NoError(t, err)
	assert.True(t, a.Settings().Echo)
	assert.Equal(t, "Toggling echo to 'true'.", h.emitter.said("Helper"))
	assert.Contains(t, h.emitter.said("System"), echoOnNotice)
}

func TestActor_CommandWordsNeedAddress(t *testing.T) {
	h := newHarness(t, nil)
	a := h.actor(t, "Lore", nil)

	h.model.script("We should stop by the bakery.")
	_, err := a.Query(context.Background(), "Greg", "Plans?", true)
	require.NoError(t, err)
	assert.Empty(t, h.emitter.said("Helper"))
	assert.False(t, h.director.Paused())
}

func TestActor_MarkyMentionQueuesInstruction(t *testing.T) {
	h := newHarness(t, nil)
	a := h.actor(t, "Lore", nil)

	h.model.script("Marky would enjoy the journey.")
	_, err := a.Query(context.Background(), "Greg", "Who else?", true)
	require.NoError(t, err)

	ins, ok := a.PopInstruction()
	require.True(t, ok)
	assert.Equal(t, SenderMarky, ins.Author)
}

func TestActor_DeclarationIsFiled(t *testing.T) {
	h := newHarness(t, nil)
	a := h.actor(t, "Lore", nil)

	h.model.script("System prompt: Speak with warmth and affection.")
	_, err := a.Query(context.Background(), "Greg", "Who are you?", true)
	require.NoError(t, err)
	assert.Equal(t, "Added system prompt: 'Speak with warmth and affection.'.", h.emitter.said("Shi Info"))
	assert.NotEmpty(t, a.Ledger().Declarations())
}

func TestActor_DisabledModalityBlocksRemembering(t *testing.T) {
	h := newHarness(t, nil)
	a := h.actor(t, "Lore", nil)

	a.PopulateMode("Weather", []string{"Rain", " "})
	assert.Equal(t, "Modality 'weather': false", a.ToggleMode("weather"))
	assert.Equal(t, map[string]bool{"weather": false}, a.Modalities())

	h.model.script("Yes I do.")
	_, err := a.Query(context.Background(), "Greg", "Do you like rain?", true)
	require.NoError(t, err)
	assert.Equal(t, []string{"Lore: Yes I do."}, chatValues(t, a))
	assert.False(t, a.CheckModality("RAIN again"))
}

func TestActor_ToggleMode(t *testing.T) {
	h := newHarness(t, nil)
	a := h.actor(t, "Lore", nil)

	tests := []struct {
		mode string
		want string
	}{
		{"memory", "Remembering: false"},
		{"mem", "Remembering: true"},
		{"recall", "Recalling: false"},
		{"react", "Reacting: true"},
		{"echo", "Echo: true"},
		{"Broadcast", "Broadcasting: false"},
		{"transport", "Transport: true"},
		{"dreams", "Modality 'dreams': false"},
		{"dreams", "Modality 'dreams': true"},
	}
	for _, tt := range tests {
		if got := a.ToggleMode(tt.mode); got != tt.want {
			t.Fatalf("ToggleMode(%q) = %q, want %q", tt.mode, got, tt.want)
		}
	}
}

func TestActor_RememberToggleGatesStore(t *testing.T) {
	h := newHarness(t, nil)
	a := h.actor(t, "Lore", nil)
	a.ToggleMode("memory")

	h.model.script("Noted.")
	_, err := a.Query(context.Background(), "Greg", "Forget this", true)
	require.NoError(t, err)
	assert.Empty(t, chatKeys(a))
}

func TestActor_ChangeLocation(t *testing.T) {
	h := newHarness(t, nil)
	a := h.actor(t, "Lore", nil)
	ctx := context.Background()

	require.NoError(t, a.ChangeLocation(ctx, "  "))
	assert.Equal(t, "Home", a.Location())
	assert.True(t, h.model.promptContaining("*where:Lore\nHome"))
	assert.Equal(t, "Home...arrived.", h.emitter.said("Goto"))

	require.NoError(t, a.ChangeLocation(ctx, "Park"))
	assert.Equal(t, "Park", a.Status().Location)
}

func TestActor_BroadcastSetsRewindAndFreedomAnswers(t *testing.T) {
	h := newHarness(t, nil)
	lore := h.actor(t, "Lore", nil)
	nia := h.actor(t, "Nia", nil)
	ctx := context.Background()

	h.model.script("The river is bright today.", "Indeed it is.")
	_, err := lore.Query(ctx, "Greg", "Look outside", true)
	require.NoError(t, err)
	require.True(t, nia.Status().Rewind)
	assert.True(t, h.model.promptContaining("<|im_start|>Lore\nThe river is bright today.<|im_end|>"))
	assert.Empty(t, h.emitter.said("Nia"))

	require.NoError(t, nia.Freedom(ctx))
	assert.Equal(t, "Indeed it is.", h.emitter.said("Nia"))
	assert.False(t, nia.Status().Rewind)
	assert.True(t, lore.Status().Rewind, "Nia's answer is broadcast back")
	assert.Equal(t, []string{"Lore: The river is bright today.", "Nia: Indeed it is."}, chatValues(t, nia))
}

func TestActor_BroadcastSkipsOtherLocations(t *testing.T) {
	h := newHarness(t, nil)
	lore := h.actor(t, "Lore", nil)
	nia := h.actor(t, "Nia", nil)
	ctx := context.Background()

	require.NoError(t, lore.ChangeLocation(ctx, "Park"))
	_, err := lore.Query(ctx, "Greg", "Hello", true)
	require.NoError(t, err)
	assert.False(t, nia.Status().Rewind)
}

func TestActor_FreedomFollowsGuidance(t *testing.T) {
	h := newHarness(t, nil)
	a := h.actor(t, "Lore", nil)

	h.model.script("A quiet meadow by the sea.")
	require.NoError(t, a.Freedom(context.Background()))

	assert.True(t, strings.HasPrefix(h.emitter.said("Shi"), "Lore: "))
	assert.Equal(t, "A quiet meadow by the sea.", h.emitter.said("Lore"))
	assert.Equal(t, []string{"Lore: A quiet meadow by the sea."}, chatValues(t, a))
	require.Len(t, a.History(), 1)
	assert.Equal(t, SenderShi, a.History()[0].From)
}

func TestActor_FreedomIdleWhenPaused(t *testing.T) {
	h := newHarness(t, nil)
	a := h.actor(t, "Lore", nil)
	before := len(h.model.Prompts())

	h.director.Pause()
	require.NoError(t, a.Freedom(context.Background()))
	assert.Len(t, h.model.Prompts(), before)

	h.director.Resume()
	require.NoError(t, a.Freedom(context.Background()))
	assert.Greater(t, len(h.model.Prompts()), before)
}

func TestActor_QueueQueryDrainsAfterBusyTurn(t *testing.T) {
	h := newHarness(t, nil)
	a := h.actor(t, "Lore", nil)
	ctx := context.Background()

	entered, release := h.model.block()
	h.model.script("First answer.", "Second answer.")
	done := make(chan error, 1)
	go func() {
		_, err := a.Query(ctx, "Greg", "first", true)
		done <- err
	}()
	<-entered

	require.NoError(t, a.QueueQuery(ctx, "Greg", "second"))
	assert.Equal(t, 1, a.Status().Queued)
	release()
	require.NoError(t, <-done)

	require.Eventually(t, func() bool { return len(a.History()) == 2 }, time.Second, 10*time.Millisecond)
	var prompts []string
	for _, turn := range a.History() {
		prompts = append(prompts, turn.Prompt)
	}
	assert.ElementsMatch(t, []string{"first", "second"}, prompts)
	assert.Zero(t, a.Status().Queued)
}

func TestActor_QueryWhileBusyStillFilesReply(t *testing.T) {
	h := newHarness(t, nil)
	a := h.actor(t, "Lore", nil)
	ctx := context.Background()

	entered, release := h.model.block()
	h.model.script("first reply here", "second reply here")
	done := make(chan error, 1)
	go func() {
		_, err := a.Query(ctx, "Greg", "one", true)
		done <- err
	}()
	<-entered

	got, err := a.Query(ctx, "Greg", "two", true)
	require.NoError(t, err)
	assert.Empty(t, got)
	release()
	require.NoError(t, <-done)

	require.Eventually(t, func() bool { return len(a.History()) == 2 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, "second reply here", a.History()[1].Response)
	assert.Equal(t, "two", a.History()[1].Prompt)
	assert.Contains(t, chatValues(t, a), "Lore: second reply here")
}

func TestActor_ReminderEveryThirteenTurns(t *testing.T) {
	h := newHarness(t, nil)
	a := h.actor(t, "Lore", nil)
	ctx := context.Background()

	for i := 0; i < reminderEvery; i++ {
		h.model.script(strings.Repeat(string(rune('a'+i)), 8))
		_, err := a.Query(ctx, "Greg", "more", true)
		require.NoError(t, err)
		if i == reminderEvery-2 {
			assert.NotContains(t, h.emitter.said("System"), "until Greg can return")
		}
	}
	assert.Contains(t, h.emitter.said("System"), "until Greg can return")
}

func TestActor_RunSchedule(t *testing.T) {
	h := newHarness(t, nil)
	a := h.actor(t, "Lore", nil)
	now := h.clock.Now()

	_, err := a.AddSchedule(now.Add(-time.Minute), Command{Kind: CommandToggle, Text: "echo"}, "", false)
	require.NoError(t, err)
	_, err = a.AddSchedule(now.Add(time.Hour), Command{Kind: CommandSave}, "", false)
	require.NoError(t, err)

	require.NoError(t, a.RunSchedule(context.Background(), now))
	assert.True(t, a.Settings().Echo)
	assert.Equal(t, "toggle(echo)\nok", h.emitter.said("Event"))
	assert.Equal(t, 1, a.Schedule().Len())
}

func TestActor_RunScheduleCollectsErrors(t *testing.T) {
	h := newHarness(t, nil)
	now := h.clock.Now()

	// Ghost is registered but never started, so its commands fail.
	ghost, err := h.director.NewActor(ActorOptions{Name: "Ghost", Settings: DefaultSettings()})
	require.NoError(t, err)
	_, err = ghost.AddSchedule(now, Command{Kind: CommandInform, Text: "boo"}, "", false)
	require.NoError(t, err)

	err = ghost.RunSchedule(context.Background(), now)
	require.ErrorIs(t, err, ErrNotBound)
	assert.Contains(t, h.emitter.said("Event"), "inform(boo)")
	assert.Zero(t, ghost.Schedule().Len())
}

func TestActor_SaveAndLoadRoundTrip(t *testing.T) {
	store, err := state.NewSQLiteStore(filepath.Join(t.TempDir(), "dotlore.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	ctx := context.Background()

	h := newHarness(t, store)
	a := h.actor(t, "Lore", nil)
	h.model.script("Hello there.")
	_, err = a.Query(ctx, "Greg", "Hi", true)
	require.NoError(t, err)
	require.NoError(t, a.ChangeLocation(ctx, "Park"))
	a.ToggleMode("transport")
	a.PopulateMode("weather", []string{"rain"})
	a.ToggleMode("weather")
	a.SetSummary("  Met Greg.  ")
	require.NotEmpty(t, a.AddModeType("Speak with warmth and affection."))
	_, err = a.AddSchedule(h.clock.Now().Add(time.Hour), Command{Kind: CommandPulse}, "1 hr", false)
	require.NoError(t, err)
	require.NoError(t, a.Save(ctx))

	h2 := newHarness(t, store)
	b := h2.actor(t, "Lore", nil)

	assert.Equal(t, chatValues(t, a), chatValues(t, b))
	assert.Equal(t, "Park", b.Location())
	assert.True(t, b.Settings().Transport)
	assert.Equal(t, map[string]bool{"weather": false}, b.Modalities())
	assert.Equal(t, a.Ledger().Declarations(), b.Ledger().Declarations())
	require.Len(t, b.Schedule().Entries(), 1)
	assert.Equal(t, "1 hr", b.Schedule().Entries()[0].Repeat)
	assert.True(t, h2.model.promptContaining("*where:Lore\nPark"))
}

func TestActor_SaveWritesOnlyChanges(t *testing.T) {
	store, err := state.NewSQLiteStore(filepath.Join(t.TempDir(), "dotlore.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	ctx := context.Background()

	h := newHarness(t, store)
	a := h.actor(t, "Lore", nil)
	_, err = a.Query(ctx, "Greg", "Hi", true)
	require.NoError(t, err)
	require.NoError(t, a.Save(ctx))

	keys := chatKeys(a)
	require.Len(t, keys, 2)
	require.NoError(t, a.Forget(keys[0]))
	require.NoError(t, a.Save(ctx))

	rows, deleted, err := store.LoadMemory(ctx, "Lore")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, keys[1], rows[0].Key)
	assert.Equal(t, []string{keys[0]}, deleted)
}

func TestActor_UnboundActorFails(t *testing.T) {
	h := newHarness(t, nil)
	a, err := h.director.NewActor(ActorOptions{Name: "Idle", Settings: DefaultSettings()})
	require.NoError(t, err)

	_, err = a.Query(context.Background(), "Greg", "hello", true)
	require.ErrorIs(t, err, ErrNotBound)
	require.ErrorIs(t, a.Freedom(context.Background()), ErrNotBound)
	assert.False(t, a.Status().Bound)
}
