package bus

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestMessageBus_PublishRequestDropsWhenBufferFull(t *testing.T) {
	mb := NewMessageBus()
	defer mb.Close()

	for i := 0; i < cap(mb.requests); i++ {
		mb.PublishRequest(NewRequest("test", "c", "u", "user", "msg"))
	}

	mb.PublishRequest(NewRequest("test", "c", "u", "user", "overflow"))
	if mb.DroppedRequests() != 1 {
		t.Fatalf("expected dropped request count 1, got %d", mb.DroppedRequests())
	}
}

func TestMessageBus_PublishEventDropsWhenBufferFull(t *testing.T) {
	mb := NewMessageBus()
	defer mb.Close()

	for i := 0; i < cap(mb.events); i++ {
		mb.PublishEvent(Event{Channel: "test", Speaker: "Lore", Chunk: "msg"})
	}

	mb.PublishEvent(Event{Channel: "test", Speaker: "Lore", Chunk: "overflow"})
	if mb.DroppedEvents() != 1 {
		t.Fatalf("expected dropped event count 1, got %d", mb.DroppedEvents())
	}
}

func TestMessageBus_ClosedChannelsReturnFalse(t *testing.T) {
	mb := NewMessageBus()
	mb.Close()

	if _, ok := mb.ConsumeRequest(context.Background()); ok {
		t.Fatalf("expected closed request consume to return ok=false")
	}
	if _, ok := mb.SubscribeEvent(context.Background()); ok {
		t.Fatalf("expected closed event subscribe to return ok=false")
	}
}

func TestNewRequest_SplitsCommand(t *testing.T) {
	req := NewRequest("console", "local", "u1", "Greg", "  /Toggle memory now ")
	assert.Equal(t, "toggle", req.Command)
	assert.Equal(t, []string{"memory", "now"}, req.Args)
	assert.Equal(t, "memory now", req.Text())

	chat := NewRequest("console", "local", "u1", "Greg", "hello there")
	assert.Empty(t, chat.Command)
	assert.Equal(t, "hello there", chat.Text())

	bare := NewRequest("console", "local", "u1", "Greg", "/")
	assert.Empty(t, bare.Command)
}

func TestEmitter_FollowsRoute(t *testing.T) {
	mb := NewMessageBus()
	defer mb.Close()

	e := NewEmitter(mb, "console", "local")
	e.Chunk("Lore", "hi")
	e.Route("discord", "42")
	e.End("Lore")

	ctx := context.Background()
	first, ok := mb.SubscribeEvent(ctx)
	assert.True(t, ok)
	assert.Equal(t, Event{Channel: "console", ChatID: "local", Speaker: "Lore", Chunk: "hi"}, first)
	second, ok := mb.SubscribeEvent(ctx)
	assert.True(t, ok)
	assert.Equal(t, Event{Channel: "discord", ChatID: "42", Speaker: "Lore", End: true}, second)
}
