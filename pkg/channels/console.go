package channels

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/chzyer/readline"
	"github.com/dotsetgreg/dotlore/pkg/bus"
	"github.com/dotsetgreg/dotlore/pkg/logger"
)

// ConsoleChatID addresses the single local conversation.
const ConsoleChatID = "local"

// LineReader is the input side of a terminal.
type LineReader interface {
	Readline() (string, error)
	Close() error
}

// ConsoleChannel is the interactive terminal: each line typed becomes a
// request, and every speaker's stream is printed as it arrives.
type ConsoleChannel struct {
	*BaseChannel
	user string

	open func() (LineReader, io.Writer, error)

	mu       sync.Mutex
	in       LineReader
	out      io.Writer
	speaking string
	done     chan struct{}
	stopOnce sync.Once
}

// NewConsoleChannel reads from the terminal through readline, keeping
// history under the workspace.
func NewConsoleChannel(user, historyDir string, mb *bus.MessageBus) *ConsoleChannel {
	open := func() (LineReader, io.Writer, error) {
		historyFile := filepath.Join(os.TempDir(), ".dotlore_history")
		if historyDir != "" {
			historyFile = filepath.Join(historyDir, ".dotlore_history")
		}
		rl, err := readline.NewEx(&readline.Config{
			Prompt:          fmt.Sprintf("%s: ", user),
			HistoryFile:     historyFile,
			HistoryLimit:    100,
			InterruptPrompt: "^C",
			EOFPrompt:       "exit",
		})
		if err != nil {
			return nil, nil, err
		}
		return rl, rl.Stdout(), nil
	}
	return newConsoleChannel(user, mb, open)
}

func newConsoleChannel(user string, mb *bus.MessageBus, open func() (LineReader, io.Writer, error)) *ConsoleChannel {
	return &ConsoleChannel{
		BaseChannel: NewBaseChannel("console", mb, nil),
		user:        user,
		open:        open,
		done:        make(chan struct{}),
	}
}

// Done is closed once the user leaves the console.
func (c *ConsoleChannel) Done() <-chan struct{} {
	return c.done
}

func (c *ConsoleChannel) Start(ctx context.Context) error {
	in, out, err := c.open()
	if err != nil {
		return fmt.Errorf("initialize console: %w", err)
	}
	c.mu.Lock()
	c.in, c.out = in, out
	c.mu.Unlock()
	c.setRunning(true)

	go c.readLoop()
	return nil
}

func (c *ConsoleChannel) readLoop() {
	defer c.finish()
	for {
		line, err := c.in.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
				return
			}
			logger.WarnCF("console", "Error reading input", map[string]interface{}{
				"error": err.Error(),
			})
			return
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			return
		}
		c.HandleMessage(c.user, c.user, ConsoleChatID, input)
	}
}

func (c *ConsoleChannel) finish() {
	c.stopOnce.Do(func() {
		c.setRunning(false)
		close(c.done)
	})
}

func (c *ConsoleChannel) Stop(ctx context.Context) error {
	c.mu.Lock()
	in := c.in
	c.mu.Unlock()
	if in == nil {
		return nil
	}
	err := in.Close()
	select {
	case <-c.done:
	case <-ctx.Done():
	}
	return err
}

// Send prints a chunk, starting a fresh "Speaker: " line whenever the
// speaker changes.
func (c *ConsoleChannel) Send(ctx context.Context, ev bus.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.out == nil {
		return fmt.Errorf("console not started")
	}

	if ev.End {
		if c.speaking == ev.Speaker {
			c.speaking = ""
			_, err := io.WriteString(c.out, "\n")
			return err
		}
		return nil
	}
	if ev.Chunk == "" {
		return nil
	}

	var b strings.Builder
	if c.speaking != ev.Speaker {
		if c.speaking != "" {
			b.WriteString("\n")
		}
		b.WriteString(ev.Speaker)
		b.WriteString(": ")
		c.speaking = ev.Speaker
	}
	b.WriteString(ev.Chunk)
	_, err := io.WriteString(c.out, b.String())
	return err
}
