package channels

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"
	"github.com/dotsetgreg/dotlore/pkg/bus"
	"github.com/dotsetgreg/dotlore/pkg/config"
	"github.com/dotsetgreg/dotlore/pkg/logger"
)

const (
	sendTimeout = 10 * time.Second
	// Discord caps messages at 2000 characters.
	discordSplitLimit = 2000
)

// discordAPI is the slice of the Discord REST surface the channel uses.
type discordAPI interface {
	Send(channelID, content string) error
	Typing(channelID string) error
}

type sessionAPI struct {
	s *discordgo.Session
}

func (a sessionAPI) Send(channelID, content string) error {
	_, err := a.s.ChannelMessageSend(channelID, content)
	return err
}

func (a sessionAPI) Typing(channelID string) error {
	return a.s.ChannelTyping(channelID)
}

// DiscordChannel relays chat between Discord text channels and the agent.
// Streamed chunks are held per speaker and posted as one message when the
// speaker's turn ends.
type DiscordChannel struct {
	*BaseChannel
	session *discordgo.Session
	api     discordAPI
	config  config.DiscordConfig

	pendingMu sync.Mutex
	pending   map[turnKey]*strings.Builder
}

type turnKey struct {
	chatID  string
	speaker string
}

func NewDiscordChannel(cfg config.DiscordConfig, mb *bus.MessageBus) (*DiscordChannel, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}

	c := newDiscordChannel(cfg, mb, sessionAPI{s: session})
	c.session = session
	return c, nil
}

func newDiscordChannel(cfg config.DiscordConfig, mb *bus.MessageBus, api discordAPI) *DiscordChannel {
	return &DiscordChannel{
		BaseChannel: NewBaseChannel("discord", mb, cfg.AllowFrom),
		api:         api,
		config:      cfg,
		pending:     make(map[turnKey]*strings.Builder),
	}
}

// Start connects the bot. Only guild and direct messages are subscribed to.
func (c *DiscordChannel) Start(ctx context.Context) error {
	c.session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentMessageContent
	c.session.AddHandler(c.handleMessage)
	c.session.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
		logger.InfoCF("discord", "Connected", map[string]any{
			"bot":    r.User.Username,
			"guilds": len(r.Guilds),
		})
	})

	if err := c.session.Open(); err != nil {
		return fmt.Errorf("open discord gateway: %w", err)
	}
	c.setRunning(true)
	return nil
}

func (c *DiscordChannel) Stop(ctx context.Context) error {
	c.setRunning(false)
	c.pendingMu.Lock()
	dropped := len(c.pending)
	clear(c.pending)
	c.pendingMu.Unlock()
	if dropped > 0 {
		logger.WarnCF("discord", "Unfinished turns dropped", map[string]any{"turns": dropped})
	}
	if c.session == nil {
		return nil
	}
	return c.session.Close()
}

// Send buffers chunks and posts "**Speaker:** text" once the turn ends.
func (c *DiscordChannel) Send(ctx context.Context, ev bus.Event) error {
	if !c.IsRunning() {
		return fmt.Errorf("discord channel not running")
	}
	if ev.ChatID == "" {
		return fmt.Errorf("discord event has no channel id")
	}

	key := turnKey{chatID: ev.ChatID, speaker: ev.Speaker}
	c.pendingMu.Lock()
	if !ev.End {
		b, ok := c.pending[key]
		if !ok {
			b = &strings.Builder{}
			c.pending[key] = b
		}
		b.WriteString(ev.Chunk)
		c.pendingMu.Unlock()
		return nil
	}
	b := c.pending[key]
	delete(c.pending, key)
	c.pendingMu.Unlock()

	if b == nil {
		return nil
	}
	text := strings.TrimSpace(b.String())
	if text == "" {
		return nil
	}

	content := text
	if ev.Speaker != "" {
		content = fmt.Sprintf("**%s:** %s", ev.Speaker, text)
	}
	for _, chunk := range splitMessage(content, discordSplitLimit) {
		if err := c.sendChunk(ctx, ev.ChatID, chunk); err != nil {
			return err
		}
	}
	return nil
}

// splitMessage cuts content into pieces of at most limit bytes, breaking
// at the last newline or blank in the back half of a piece and never
// inside a rune.
func splitMessage(content string, limit int) []string {
	var parts []string
	for len(content) > limit {
		cut := limit
		for cut > 0 && !utf8.RuneStart(content[cut]) {
			cut--
		}
		if i := strings.LastIndexAny(content[:cut], "\n "); i > cut/2 {
			cut = i
		}
		parts = append(parts, strings.TrimRight(content[:cut], " \n"))
		content = strings.TrimLeft(content[cut:], " \n")
	}
	if content != "" {
		parts = append(parts, content)
	}
	return parts
}

// sendChunk posts one message, giving up after sendTimeout. discordgo
// calls take no context, so the call is raced against the deadline.
func (c *DiscordChannel) sendChunk(ctx context.Context, channelID, content string) error {
	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- c.api.Send(channelID, content) }()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("post to %s: %w", channelID, err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("post to %s: %w", channelID, ctx.Err())
	}
}

// sendTyping shows the typing indicator, which Discord clears by itself
// after a few seconds or when the next message lands.
func (c *DiscordChannel) sendTyping(channelID string) {
	if err := c.api.Typing(channelID); err != nil {
		logger.WarnCF("discord", "Typing indicator failed", map[string]any{
			"channel_id": channelID,
			"error":      err.Error(),
		})
	}
}

// handleMessage ignores bots, this one included.
func (c *DiscordChannel) handleMessage(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m == nil || m.Author == nil || m.Author.Bot {
		return
	}
	c.receive(m.Author.ID, m.Author.Username, m.ChannelID, m.Content)
}

func (c *DiscordChannel) receive(senderID, username, channelID, content string) {
	if !c.IsAllowed(senderID) {
		logger.DebugCF("discord", "Sender not allowed", map[string]any{"user_id": senderID})
		return
	}
	if c.HandleMessage(senderID, username, channelID, content) {
		c.sendTyping(channelID)
	}
}
