package bus

import "sync"

// Emitter publishes speaker chunks onto the bus, addressed to the
// conversation that most recently spoke to the agent.
type Emitter struct {
	bus *MessageBus

	mu      sync.RWMutex
	channel string
	chatID  string
}

func NewEmitter(mb *MessageBus, channel, chatID string) *Emitter {
	return &Emitter{bus: mb, channel: channel, chatID: chatID}
}

// Route redirects subsequent events.
func (e *Emitter) Route(channel, chatID string) {
	e.mu.Lock()
	e.channel, e.chatID = channel, chatID
	e.mu.Unlock()
}

func (e *Emitter) route() (string, string) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.channel, e.chatID
}

func (e *Emitter) Chunk(speaker, text string) {
	channel, chatID := e.route()
	e.bus.PublishEvent(Event{Channel: channel, ChatID: chatID, Speaker: speaker, Chunk: text})
}

func (e *Emitter) End(speaker string) {
	channel, chatID := e.route()
	e.bus.PublishEvent(Event{Channel: channel, ChatID: chatID, Speaker: speaker, End: true})
}
