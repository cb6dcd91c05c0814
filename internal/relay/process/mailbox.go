// Package process provides the generic actor runtime shared by the
// Central Hub, User Hubs, and Plugin supervision: a topic-tagged inbox,
// a cancel-request channel, and grace-period cancellation. There is no
// separate channel for child termination; the hubs forward child exits
// into their own inbox. Per spec §5, each process suspends exactly at one
// selector multiplexing its inbox, its system events, and any timers it
// owns — so no in-process mutex is needed to protect state only the
// owning goroutine touches.
package process

import (
	"context"
	"errors"
	"time"

	"github.com/wippy/relay/internal/relay/protocol"
)

// ErrMailboxFull is returned by a non-blocking Send when the inbox is at
// capacity. Outbound broadcasts treat this as a droppable, logged event
// (spec §9: "dropped broadcasts are acceptable").
var ErrMailboxFull = errors.New("process: mailbox full")

// Exit is posted to a parent's system-event channel when a monitored
// child terminates. Err is nil for a clean exit (including one triggered
// by the parent's own cancel) and non-nil for a crash.
type Exit struct {
	ID  string
	Err error
}

// Handle is the control surface a parent holds for a spawned, linked and
// monitored child process.
type Handle interface {
	ID() string
	Send(topic string, payload any) error
	Cancel(grace time.Duration)
}

// Mailbox is the inbox + cancel-request channel owned by a single running
// process. The User Hub and Central Hub each hold one as a field.
type Mailbox struct {
	inbox    chan protocol.Envelope
	cancelCh chan time.Duration
}

// NewMailbox creates a mailbox with the given inbox capacity (derived
// from max_connections_per_user * queue_multiplier for a User Hub, or a
// small fixed size for the Central Hub and Plugins).
func NewMailbox(size int) *Mailbox {
	if size <= 0 {
		size = 1
	}
	return &Mailbox{
		inbox:    make(chan protocol.Envelope, size),
		cancelCh: make(chan time.Duration, 1),
	}
}

// Inbox returns the channel a process's main loop selects on for
// application messages.
func (m *Mailbox) Inbox() <-chan protocol.Envelope {
	return m.inbox
}

// CancelRequests returns the channel a process's main loop selects on for
// grace-cancel requests.
func (m *Mailbox) CancelRequests() <-chan time.Duration {
	return m.cancelCh
}

// Send enqueues a topic message without blocking. Used for outbound
// fire-and-forget sends (spec §5): if the inbox is full, the message is
// dropped and ErrMailboxFull is returned for the caller to log.
func (m *Mailbox) Send(topic string, payload any) error {
	select {
	case m.inbox <- protocol.Envelope{Topic: topic, Payload: payload}:
		return nil
	default:
		return ErrMailboxFull
	}
}

// SendBlocking enqueues a topic message, blocking until there is room or
// ctx is done. Used for inbound client traffic, where silently dropping
// a command would violate the "expected errors are always delivered"
// contract of spec §7 (see DESIGN.md's backpressure decision).
func (m *Mailbox) SendBlocking(ctx context.Context, topic string, payload any) error {
	select {
	case m.inbox <- protocol.Envelope{Topic: topic, Payload: payload}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel requests a graceful shutdown with the given grace period. It
// never blocks: a process can only be cancelled once, so a second call
// while one is already pending is a no-op.
func (m *Mailbox) Cancel(grace time.Duration) {
	select {
	case m.cancelCh <- grace:
	default:
	}
}
