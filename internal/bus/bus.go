// Package bus carries in-process events between the gateway, pipeline and
// scheduler. User messages ride the inbound queue from the gateway to the
// pipeline consumer; completion events are how a finished mission can wake
// other triggers without the scheduler polling for them.
package bus

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jarbas-ai/jarbas/internal/concurrency"
)

// InboundMessage is a user message on its way into the pipeline. Reply, when
// set, receives the pipeline's answer; the publisher owns the channel and
// must buffer it so a departed waiter never blocks the consumer.
type InboundMessage struct {
	UserID    string    `json:"user_id"`
	Content   string    `json:"content"`
	TraceID   string    `json:"trace_id"`
	Timestamp time.Time `json:"timestamp"`

	Reply chan string `json:"-"`
}

// MessageHandler processes one user message and always returns something
// presentable.
type MessageHandler interface {
	Handle(ctx context.Context, userID, text string) string
}

// CompletionEvent announces a mission reaching a terminal state.
type CompletionEvent struct {
	ProposalID  string    `json:"proposal_id"`
	MissionID   string    `json:"mission_id"`
	TriggerName string    `json:"trigger_name"`
	Skill       string    `json:"skill"`
	Success     bool      `json:"success"`
	Result      string    `json:"result,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Bus is a bounded in-process event bus. Completion publishing never blocks
// the scheduler: if the channel is full the event is dropped with a log
// line, since completion events are hints, not durable state.
type Bus struct {
	inbound     chan *InboundMessage
	completions chan *CompletionEvent

	mu   sync.RWMutex
	subs []func(*CompletionEvent)
}

func New() *Bus {
	return &Bus{
		inbound:     make(chan *InboundMessage, 100),
		completions: make(chan *CompletionEvent, 100),
	}
}

// PublishInbound queues a user message for the pipeline consumer. A full
// queue blocks the caller, so a flood turns into backpressure at the
// gateway; ctx bounds the wait.
func (b *Bus) PublishInbound(ctx context.Context, msg *InboundMessage) error {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	select {
	case b.inbound <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ConsumeInbound blocks until a message arrives or ctx ends.
func (b *Bus) ConsumeInbound(ctx context.Context) (*InboundMessage, error) {
	select {
	case msg := <-b.inbound:
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// RunInbound drains user messages until ctx ends, handing each to h on its
// own goroutine and delivering the reply. Run it as a goroutine next to
// Dispatch. A panicking handler still answers its waiter so the gateway
// request does not hang.
func (b *Bus) RunInbound(ctx context.Context, h MessageHandler) error {
	for {
		msg, err := b.ConsumeInbound(ctx)
		if err != nil {
			return err
		}
		m := msg
		concurrency.SafeGo(func() {
			deliverReply(m, h.Handle(ctx, m.UserID, m.Content))
		}, func(v any) {
			slog.Error("Inbound handler panicked", "user", m.UserID, "trace", m.TraceID, "panic", v)
			deliverReply(m, "Desculpe, algo deu errado ao processar sua mensagem. Tente novamente.")
		})
	}
}

func deliverReply(m *InboundMessage, text string) {
	if m.Reply == nil {
		return
	}
	select {
	case m.Reply <- text:
	default:
	}
}

// PublishCompletion emits a mission completion event.
func (b *Bus) PublishCompletion(ev *CompletionEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	select {
	case b.completions <- ev:
	default:
		slog.Warn("Completion event dropped, bus full", "proposal", ev.ProposalID)
	}
}

// SubscribeCompletions registers a callback invoked by Dispatch for every
// completion event.
func (b *Bus) SubscribeCompletions(fn func(*CompletionEvent)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, fn)
}

// Dispatch fans completion events out to subscribers until ctx ends.
// Run it as a goroutine.
func (b *Bus) Dispatch(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-b.completions:
			b.mu.RLock()
			subs := make([]func(*CompletionEvent), len(b.subs))
			copy(subs, b.subs)
			b.mu.RUnlock()
			for _, fn := range subs {
				fn(ev)
			}
		}
	}
}

// PendingInbound reports queued inbound messages.
func (b *Bus) PendingInbound() int {
	return len(b.inbound)
}

// InboundSaturated reports whether the inbound queue has no room left.
func (b *Bus) InboundSaturated() bool {
	return len(b.inbound) == cap(b.inbound)
}
