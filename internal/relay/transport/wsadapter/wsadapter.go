// Package wsadapter is the reference transport.ClientConn implementation:
// a thin WebSocket endpoint over github.com/coder/websocket that emits
// ws.join to the Central Hub, rebinds to the User Hub named in a
// ws.control frame, and then emits ws.join/ws.message/ws.cancel/ws.leave
// to that User Hub, per spec.md §2 and §6.
// It is deliberately encoding/framing only; it holds no hub logic.
package wsadapter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/wippy/relay/internal/relay/centralhub"
	"github.com/wippy/relay/internal/relay/idgen"
	"github.com/wippy/relay/internal/relay/protocol"
	"github.com/wippy/relay/internal/relay/userhub"
)

// Target is the minimal surface a Conn needs on whatever hub it is
// currently bound to: Central Hub at first, a User Hub after rebind.
type Target interface {
	SendBlocking(ctx context.Context, topic string, payload any) error
}

// Conn is one accepted WebSocket connection, adapted to
// transport.ClientConn. It owns the rebind: it starts bound to the
// Central Hub and, on receiving ws.control, switches its target to the
// named User Hub for all subsequent reads. The payload shape posted to
// Target differs before and after rebind (centralhub.JoinEvent vs.
// userhub.JoinEvent, etc.), so Conn tracks which phase it's in rather
// than treating Target as payload-agnostic.
type Conn struct {
	id     string
	ws     *websocket.Conn
	log    *slog.Logger
	lookup func(targetID string) (Target, bool)

	mu      sync.Mutex
	target  Target
	rebound bool
}

// Accept upgrades an HTTP request to a WebSocket connection and returns
// a Conn bound to central (the Central Hub). lookup resolves a
// ws.control target_pid to the matching Target (User Hub) once the
// rebind happens.
func Accept(w http.ResponseWriter, r *http.Request, central Target, lookup func(string) (Target, bool), log *slog.Logger) (*Conn, error) {
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("wsadapter: accept: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	id := idgen.Generate()
	return &Conn{
		id:     id,
		ws:     ws,
		log:    log.With("client_pid", id),
		lookup: lookup,
		target: central,
	}, nil
}

// ID returns the opaque client_pid transport.ClientConn requires.
func (c *Conn) ID() string { return c.id }

// Send implements transport.ClientConn: encode an envelope as a single
// JSON text frame.
func (c *Conn) Send(topic string, payload any) error {
	frame := struct {
		Topic   string `json:"topic"`
		Payload any    `json:"payload"`
	}{Topic: topic, Payload: payload}

	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("wsadapter: encode %q: %w", topic, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return c.ws.Write(ctx, websocket.MessageText, data)
}

// Serve reads frames until the socket closes or ctx is done, forwarding
// ws.join, ws.message, ws.cancel and ws.leave to whichever hub currently
// owns this connection, and rebinding on ws.control (spec.md §2: "the
// transport is expected to rebind").
func (c *Conn) Serve(ctx context.Context, userID string, userMetadata map[string]any) error {
	defer func() { _ = c.ws.CloseNow() }()

	join := centralhub.JoinEvent{Conn: c, UserID: userID, UserMetadata: userMetadata}
	if err := c.currentTarget().SendBlocking(ctx, protocol.TopicJoin, join); err != nil {
		return fmt.Errorf("wsadapter: post ws.join: %w", err)
	}

	for {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			c.postLeave(ctx, userID)
			return err
		}
		if typ != websocket.MessageText {
			continue
		}

		var envelope struct {
			Topic   string          `json:"topic"`
			Payload json.RawMessage `json:"payload"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			c.log.Warn("malformed client frame", "error", err)
			continue
		}

		switch envelope.Topic {
		case protocol.TopicControl:
			c.rebind(envelope.Payload)
		case protocol.TopicCancel:
			return c.currentTarget().SendBlocking(ctx, protocol.TopicCancel, nil)
		default:
			if err := c.postMessage(ctx, envelope.Payload); err != nil {
				c.log.Warn("dropped client message", "error", err)
			}
		}
	}
}

// postMessage forwards a raw ws.message body. Only meaningful once
// rebound: the Central Hub never receives ws.message directly (spec
// §6: "Inbound from transport to User Hub (post-rebind): ws.message").
func (c *Conn) postMessage(ctx context.Context, body json.RawMessage) error {
	if !c.isRebound() {
		return fmt.Errorf("wsadapter: ws.message received before rebind")
	}
	return c.currentTarget().SendBlocking(ctx, protocol.TopicMessage, userhub.MessageEvent{
		ClientPID: c.id,
		Body:      body,
	})
}

func (c *Conn) postLeave(ctx context.Context, userID string) {
	if c.isRebound() {
		_ = c.currentTarget().SendBlocking(ctx, protocol.TopicLeave, userhub.LeaveEvent{ClientPID: c.id})
		return
	}
	_ = c.currentTarget().SendBlocking(ctx, protocol.TopicLeave, centralhub.LeaveEvent{UserID: userID})
}

func (c *Conn) rebind(raw json.RawMessage) {
	var ctrl protocol.ControlPayload
	if err := json.Unmarshal(raw, &ctrl); err != nil {
		c.log.Warn("malformed ws.control", "error", err)
		return
	}
	target, ok := c.lookup(ctrl.TargetPID)
	if !ok {
		c.log.Warn("rebind target not found", "target_pid", ctrl.TargetPID)
		return
	}

	c.mu.Lock()
	c.target = target
	c.rebound = true
	c.mu.Unlock()

	_ = target.SendBlocking(context.Background(), protocol.TopicJoin, userhub.JoinEvent{Conn: c})
}

func (c *Conn) currentTarget() Target {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.target
}

func (c *Conn) isRebound() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rebound
}
