package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

type MessageBus struct {
	requests chan Request
	events   chan Event
	closed   bool
	dropped  droppedCounters
	mu       sync.RWMutex
}

type droppedCounters struct {
	requests atomic.Uint64
	events   atomic.Uint64
}

const publishTimeout = 100 * time.Millisecond

func NewMessageBus() *MessageBus {
	return &MessageBus{
		requests: make(chan Request, 100),
		events:   make(chan Event, 1024),
	}
}

func (mb *MessageBus) PublishRequest(req Request) {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	if mb.closed {
		return
	}

	select {
	case mb.requests <- req:
	default:
		timer := time.NewTimer(publishTimeout)
		defer timer.Stop()
		select {
		case mb.requests <- req:
		case <-timer.C:
			mb.dropped.requests.Add(1)
		}
	}
}

func (mb *MessageBus) ConsumeRequest(ctx context.Context) (Request, bool) {
	select {
	case req, ok := <-mb.requests:
		if !ok {
			return Request{}, false
		}
		return req, true
	case <-ctx.Done():
		return Request{}, false
	}
}

func (mb *MessageBus) PublishEvent(ev Event) {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	if mb.closed {
		return
	}

	select {
	case mb.events <- ev:
	default:
		timer := time.NewTimer(publishTimeout)
		defer timer.Stop()
		select {
		case mb.events <- ev:
		case <-timer.C:
			mb.dropped.events.Add(1)
		}
	}
}

func (mb *MessageBus) SubscribeEvent(ctx context.Context) (Event, bool) {
	select {
	case ev, ok := <-mb.events:
		if !ok {
			return Event{}, false
		}
		return ev, true
	case <-ctx.Done():
		return Event{}, false
	}
}

func (mb *MessageBus) Close() {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if mb.closed {
		return
	}
	mb.closed = true
	close(mb.requests)
	close(mb.events)
}

func (mb *MessageBus) DroppedRequests() uint64 {
	return mb.dropped.requests.Load()
}

func (mb *MessageBus) DroppedEvents() uint64 {
	return mb.dropped.events.Load()
}
