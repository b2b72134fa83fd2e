package agent

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommand_UnmarshalJSON(t *testing.T) {
	var c Command
	require.NoError(t, json.Unmarshal([]byte(`{"kind":" Travel ","text":"Park"}`), &c))
	if diff := cmp.Diff(Command{Kind: CommandTravel, Text: "Park"}, c); diff != "" {
		t.Fatalf("command mismatch (-want +got):\n%s", diff)
	}

	err := json.Unmarshal([]byte(`{"kind":"self_destruct"}`), &c)
	if !errors.Is(err, ErrUnknownCommand) {
		t.Fatalf("unmarshal unknown kind error = %v, want ErrUnknownCommand", err)
	}
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		line string
		want Command
	}{
		{"inform Greg: Dinner is ready", Command{Kind: CommandInform, From: "Greg", Text: "Dinner is ready"}},
		{"run_query what is it: a riddle", Command{Kind: CommandRunQuery, Text: "what is it: a riddle"}},
		{"TOGGLE echo", Command{Kind: CommandToggle, Text: "echo"}},
		{"save", Command{Kind: CommandSave}},
		{"travel Lake: north shore", Command{Kind: CommandTravel, Text: "Lake: north shore"}},
	}
	for _, tt := range tests {
		got, err := ParseCommand(tt.line)
		if err != nil {
			t.Fatalf("ParseCommand(%q) error: %v", tt.line, err)
		}
		if diff := cmp.Diff(tt.want, got); diff != "" {
			t.Fatalf("ParseCommand(%q) mismatch (-want +got):\n%s", tt.line, diff)
		}
	}

	if _, err := ParseCommand("dance wildly"); !errors.Is(err, ErrUnknownCommand) {
		t.Fatalf("ParseCommand unknown error = %v", err)
	}
}

func TestCommand_String(t *testing.T) {
	assert.Equal(t, "save", Command{Kind: CommandSave}.String())
	assert.Equal(t, "toggle(echo)", Command{Kind: CommandToggle, Text: "echo"}.String())
	assert.Equal(t, "inform(Greg: hi)", Command{Kind: CommandInform, From: "Greg", Text: "hi"}.String())
}

func TestExecute_ToggleAndSendMessage(t *testing.T) {
	h := newHarness(t, nil)
	a := h.actor(t, "Lore", nil)
	ctx := context.Background()

	require.NoError(t, a.Execute(ctx, Command{Kind: CommandToggle, Text: "echo"}))
	assert.True(t, a.Settings().Echo)
	assert.Equal(t, "Starting runtime for LoreEcho: true", h.emitter.said("System"))

	require.NoError(t, a.Execute(ctx, Command{Kind: CommandSendMessage, Text: "hello there"}))
	assert.Equal(t, "hello there", h.emitter.said("Lore"))
}

func TestExecute_InformUsesUserName(t *testing.T) {
	h := newHarness(t, nil)
	a := h.actor(t, "Lore", nil)

	require.NoError(t, a.Execute(context.Background(), Command{Kind: CommandInform, Text: "Dinner is ready"}))
	assert.Equal(t, "Dinner is ready", h.emitter.said("Greg"))
	assert.True(t, h.model.promptContaining("<|im_start|>Greg\nDinner is ready<|im_end|>"))
}

func TestExecute_RunQueryAndTravel(t *testing.T) {
	h := newHarness(t, nil)
	a := h.actor(t, "Lore", nil)
	ctx := context.Background()

	h.model.script("Sounds lovely.")
	require.NoError(t, a.Execute(ctx, Command{Kind: CommandRunQuery, From: "Ann", Text: "Shall we walk?"}))
	assert.Equal(t, "Sounds lovely.", h.emitter.said("Lore"))

	require.NoError(t, a.Execute(ctx, Command{Kind: CommandTravel, Text: "Park"}))
	assert.Equal(t, "Park", a.Location())
	assert.Equal(t, "Park...arrived.", h.emitter.said("Goto"))
}

func TestExecute_ReloadResendsSystemPrompt(t *testing.T) {
	h := newHarness(t, nil)
	a := h.actor(t, "Lore", nil)

	require.NoError(t, a.Execute(context.Background(), Command{Kind: CommandReload}))
	n := 0
	for _, p := range h.model.Prompts() {
		if p == "*self:Lore\nYou are Lore." {
			n++
		}
	}
	assert.Equal(t, 2, n)
}

func TestExecute_RejectsUnknownKind(t *testing.T) {
	h := newHarness(t, nil)
	a := h.actor(t, "Lore", nil)
	err := a.Execute(context.Background(), Command{Kind: "fly"})
	require.ErrorIs(t, err, ErrUnknownCommand)
}
