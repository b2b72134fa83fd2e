package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dotsetgreg/dotlore/pkg/logger"
	"github.com/dotsetgreg/dotlore/pkg/session"
)

// CommandKind tags a scheduled command. The set is closed: a scheduled
// entry can only name one of these.
type CommandKind string

const (
	CommandSendMessage  CommandKind = "send_message"
	CommandRunQuery     CommandKind = "run_query"
	CommandInform       CommandKind = "inform"
	CommandReload       CommandKind = "reload"
	CommandSave         CommandKind = "save"
	CommandPulse        CommandKind = "pulse"
	CommandTravel       CommandKind = "travel"
	CommandToggle       CommandKind = "toggle"
	CommandSystemPrompt CommandKind = "system_prompt"
)

var commandKinds = []CommandKind{
	CommandSendMessage,
	CommandRunQuery,
	CommandInform,
	CommandReload,
	CommandSave,
	CommandPulse,
	CommandTravel,
	CommandToggle,
	CommandSystemPrompt,
}

// Command is one unit of scheduled work.
type Command struct {
	Kind CommandKind `json:"kind"`
	From string      `json:"from,omitempty"`
	Text string      `json:"text,omitempty"`
}

func (c Command) Validate() error {
	for _, k := range commandKinds {
		if c.Kind == k {
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrUnknownCommand, c.Kind)
}

func (c Command) String() string {
	if c.From != "" {
		return fmt.Sprintf("%s(%s: %s)", c.Kind, c.From, c.Text)
	}
	if c.Text != "" {
		return fmt.Sprintf("%s(%s)", c.Kind, c.Text)
	}
	return string(c.Kind)
}

func (c *Command) UnmarshalJSON(data []byte) error {
	type plain Command
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	p.Kind = CommandKind(strings.ToLower(strings.TrimSpace(string(p.Kind))))
	*c = Command(p)
	return c.Validate()
}

// ParseCommand reads "kind [text]" as typed on the console, e.g.
// "inform Dinner is ready" or "toggle echo".
func ParseCommand(line string) (Command, error) {
	line = strings.TrimSpace(line)
	kind, rest, _ := strings.Cut(line, " ")
	c := Command{Kind: CommandKind(strings.ToLower(kind)), Text: strings.TrimSpace(rest)}
	if c.Kind == CommandRunQuery || c.Kind == CommandInform || c.Kind == CommandSendMessage {
		if from, text, ok := strings.Cut(c.Text, ":"); ok && !strings.Contains(from, " ") {
			c.From = strings.TrimSpace(from)
			c.Text = strings.TrimSpace(text)
		}
	}
	return c, c.Validate()
}

// Execute runs c on behalf of a.
func (a *Actor) Execute(ctx context.Context, c Command) error {
	if err := c.Validate(); err != nil {
		return err
	}
	logger.DebugCF("agent", "Executing command", map[string]interface{}{
		"actor":   a.name,
		"command": c.String(),
	})

	from := c.From
	if from == "" {
		from = a.director.UserName()
	}

	switch c.Kind {
	case CommandSendMessage:
		speaker := c.From
		if speaker == "" {
			speaker = a.name
		}
		a.director.Say(speaker, c.Text)
		return nil
	case CommandRunQuery:
		return a.QueueQuery(ctx, from, c.Text)
	case CommandInform:
		s, err := a.bound()
		if err != nil {
			return err
		}
		return s.Inform(ctx, from, c.Text, session.InformOptions{})
	case CommandReload:
		s, err := a.bound()
		if err != nil {
			return err
		}
		select {
		case err := <-s.Reload(ctx):
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	case CommandSave:
		return a.Save(ctx)
	case CommandPulse:
		return a.director.Pulse(ctx, c.Text)
	case CommandTravel:
		return a.ChangeLocation(ctx, c.Text)
	case CommandToggle:
		a.director.Say("System", a.ToggleMode(c.Text))
		return nil
	case CommandSystemPrompt:
		return a.SetSystemPrompt(ctx, c.Text)
	}
	return fmt.Errorf("%w: %q", ErrUnknownCommand, c.Kind)
}
