package relay

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zhouzirui/gemish/backend/internal/service/ai"
)

// EventType tags an outgoing stream event.
type EventType string

const (
	EventStart      EventType = "start"
	EventText       EventType = "text"
	EventReasoning  EventType = "reasoning"
	EventSource     EventType = "source"
	EventError      EventType = "error"
	EventFinishStep EventType = "finish-step"
	EventFinish     EventType = "finish"
)

// Usage is the token accounting reported with the finish events.
type Usage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
}

// Event is one item delivered to the client, in provider order.
type Event struct {
	Type         EventType
	MessageID    string
	Text         string
	Source       *ai.Source
	Error        string
	FinishReason string
	Usage        Usage
}

// Exchange is the client's handle on a running turn. The turn itself runs in
// a background task that keeps going after Detach.
type Exchange struct {
	messageID string
	events    chan Event
	detach    chan struct{}
	done      chan struct{}

	detachOnce sync.Once
	closeOnce  sync.Once
	dropped    atomic.Bool
	err        error
}

func newExchange(messageID string) *Exchange {
	return &Exchange{
		messageID: messageID,
		events:    make(chan Event, 16),
		detach:    make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// MessageID is the id the assistant message will be persisted under.
func (x *Exchange) MessageID() string {
	return x.messageID
}

// Events yields the stream for the client. It is closed after the final
// finish or error event.
func (x *Exchange) Events() <-chan Event {
	return x.events
}

// Detach stops delivery to the client. Generation and persistence continue.
func (x *Exchange) Detach() {
	x.detachOnce.Do(func() {
		close(x.detach)
	})
}

// Detached reports whether Detach was called.
func (x *Exchange) Detached() bool {
	select {
	case <-x.detach:
		return true
	default:
		return false
	}
}

// Done is closed once the turn has finished, including the final write.
func (x *Exchange) Done() <-chan struct{} {
	return x.done
}

// Err reports how the turn ended. Valid after Done is closed: nil on
// success, wrapping ErrUpstreamFailure or ErrPersistenceFailure otherwise.
func (x *Exchange) Err() error {
	select {
	case <-x.done:
		return x.err
	default:
		return nil
	}
}

// Wait blocks until the turn finished or ctx is done.
func (x *Exchange) Wait(ctx context.Context) error {
	select {
	case <-x.done:
		return x.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// emit delivers ev unless the client detached. Blocking on a slow client is
// the intended backpressure.
func (x *Exchange) emit(ev Event) bool {
	if x.Detached() {
		x.dropped.Store(true)
		return false
	}
	ev.MessageID = x.messageID
	select {
	case x.events <- ev:
		return true
	case <-x.detach:
		x.dropped.Store(true)
		return false
	}
}

// pause waits d between smoothed chunks while a client is attached.
func (x *Exchange) pause(ctx context.Context, d time.Duration) {
	if d <= 0 || x.Detached() {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-x.detach:
	case <-ctx.Done():
	}
}

func (x *Exchange) closeEvents() {
	x.closeOnce.Do(func() {
		close(x.events)
	})
}
