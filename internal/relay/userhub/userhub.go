// Package userhub implements the per-user process described in spec.md
// §4.2: it owns a user's live connections, routes client commands to
// Plugins by longest-prefix match, supervises those Plugins, and
// broadcasts Plugin output back to every connected client.
package userhub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/wippy/relay/internal/metrics"
	"github.com/wippy/relay/internal/relay/plugin"
	"github.com/wippy/relay/internal/relay/process"
	"github.com/wippy/relay/internal/relay/protocol"
	"github.com/wippy/relay/internal/relay/registry"
	"github.com/wippy/relay/internal/relay/security"
	"github.com/wippy/relay/internal/relay/transport"
)

// sessionPrefix is the hard-coded prefix the session-plugin convention
// (spec §4.3) keys off. Only a plugin registered under exactly this
// prefix receives resume{}/shutdown{} signals.
const sessionPrefix = "session_"

// topicPluginExit is an internal bookkeeping topic: a plugin's exit
// forwarder posts one of these to the hub's own mailbox so the exit is
// observed on the hub's single selector loop, never from the forwarder
// goroutine itself.
const topicPluginExit = "_internal.plugin_exit"

type pluginExitEvent struct {
	prefix string
	err    error
}

// JoinEvent is posted to a User Hub's mailbox under protocol.TopicJoin
// by the transport once it has rebound a connection to this hub.
type JoinEvent struct {
	Conn transport.ClientConn
}

// LeaveEvent is posted under protocol.TopicLeave when a connection is
// torn down (explicit leave or transport death).
type LeaveEvent struct {
	ClientPID string
}

// MessageEvent is posted under protocol.TopicMessage, carrying the raw
// JSON body of one client frame.
type MessageEvent struct {
	ClientPID string
	Body      []byte
}

// Dependencies are the collaborators a Hub needs, all owned by its
// Central Hub and handed down at spawn time (spec §4.1.1 step c).
type Dependencies struct {
	Plugins     *registry.Table
	Spawner     plugin.Spawner
	Central     process.Handle
	Actor       security.Actor
	Scope       security.Scope
	QueueSize   int
	CancelGrace time.Duration
	Logger      *slog.Logger
}

// Hub is one User Hub process (spec §3 "User Hub State").
type Hub struct {
	userID       string
	userMetadata map[string]any
	deps         Dependencies
	log          *slog.Logger

	mailbox *process.Mailbox
	clients map[string]transport.ClientConn
	active  map[string]*plugin.Entry
}

// New constructs a Hub. It does not spawn auto-start plugins or begin
// processing messages; call Run for that.
func New(userID string, userMetadata map[string]any, deps Dependencies) *Hub {
	if deps.QueueSize <= 0 {
		deps.QueueSize = 100
	}
	if deps.CancelGrace <= 0 {
		deps.CancelGrace = process.DefaultCancelTimeout
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Hub{
		userID:       userID,
		userMetadata: userMetadata,
		deps:         deps,
		log:          deps.Logger.With("user_id", userID),
		mailbox:      process.NewMailbox(deps.QueueSize),
		clients:      make(map[string]transport.ClientConn),
		active:       make(map[string]*plugin.Entry),
	}
}

// ID returns the hub's registry name (spec §6: "user.<user_id>").
func (h *Hub) ID() string { return "user." + h.userID }

// Send implements process.Handle: enqueue a message for this hub's main
// loop, used by the Central Hub and by plugin exit/output forwarders.
func (h *Hub) Send(topic string, payload any) error {
	return h.mailbox.Send(topic, payload)
}

// SendBlocking enqueues a message, blocking until there is room. Used
// by the transport for inbound client traffic (spec §5: inbound
// backpressure applies; see process.Mailbox.SendBlocking).
func (h *Hub) SendBlocking(ctx context.Context, topic string, payload any) error {
	return h.mailbox.SendBlocking(ctx, topic, payload)
}

// Cancel implements process.Handle: request graceful shutdown.
func (h *Hub) Cancel(grace time.Duration) {
	h.mailbox.Cancel(grace)
}

// ClientCount returns the number of currently registered connections.
func (h *Hub) ClientCount() int {
	return len(h.clients)
}

// Run drives the hub's single selector loop (spec §5) until a cancel is
// observed or ctx is done. It returns nil after a graceful shutdown.
func (h *Hub) Run(ctx context.Context) error {
	for _, d := range h.deps.Plugins.AutoStart() {
		if err := h.ensureSpawned(ctx, d.Prefix); err != nil {
			h.log.Warn("auto-start plugin failed", "prefix", d.Prefix, "error", err)
		}
	}

	for {
		select {
		case env := <-h.mailbox.Inbox():
			h.handle(ctx, env)
		case grace := <-h.mailbox.CancelRequests():
			h.shutdown(grace)
			return nil
		case <-ctx.Done():
			h.shutdown(h.deps.CancelGrace)
			return ctx.Err()
		}
	}
}

func (h *Hub) handle(ctx context.Context, env protocol.Envelope) {
	switch env.Topic {
	case protocol.TopicJoin:
		ev, ok := env.Payload.(JoinEvent)
		if ok {
			h.onJoin(ev)
		}
	case protocol.TopicLeave:
		ev, ok := env.Payload.(LeaveEvent)
		if ok {
			h.onLeave(ev)
		}
	case protocol.TopicMessage:
		ev, ok := env.Payload.(MessageEvent)
		if ok {
			h.onMessage(ctx, ev)
		}
	case protocol.TopicCancel:
		// Queue a cancel request so Run leaves its loop and shuts down.
		h.Cancel(h.deps.CancelGrace)
	case topicPluginExit:
		if ev, ok := env.Payload.(pluginExitEvent); ok {
			h.onPluginExit(ctx, ev)
		}
	default:
		// "any other" topic received by a User Hub originates from a
		// Plugin's output and is broadcast verbatim (spec §4.2).
		h.broadcast(env)
	}
}

func (h *Hub) onJoin(ev JoinEvent) {
	h.clients[ev.Conn.ID()] = ev.Conn
	count := len(h.clients)
	metrics.ActiveConnections.Inc()

	_ = ev.Conn.Send(protocol.TopicWelcome, protocol.WelcomePayload{
		UserID:      h.userID,
		ClientCount: count,
		Plugins:     h.pluginDescriptions(),
	})

	if count == 1 {
		h.signalSessionPlugin(protocol.TopicResume)
	}
	h.postActivity(count)
}

func (h *Hub) onLeave(ev LeaveEvent) {
	if _, ok := h.clients[ev.ClientPID]; !ok {
		return
	}
	delete(h.clients, ev.ClientPID)
	count := len(h.clients)
	metrics.ActiveConnections.Dec()

	if count == 0 {
		h.signalSessionPlugin(protocol.TopicShutdown)
	}
	h.postActivity(count)
}

func (h *Hub) onMessage(ctx context.Context, ev MessageEvent) {
	var frame protocol.ClientFrame
	if err := json.Unmarshal(ev.Body, &frame); err != nil {
		h.sendError(ev.ClientPID, protocol.ErrInvalidJSON, err.Error(), "")
		return
	}
	if frame.Type == "" {
		h.sendError(ev.ClientPID, protocol.ErrUnknownCommand, "", frame.RequestID)
		return
	}

	desc, ok := h.deps.Plugins.MatchPrefix(frame.Type)
	if !ok {
		h.sendError(ev.ClientPID, protocol.ErrPluginNotFound, "", frame.RequestID)
		return
	}

	entry := h.active[desc.Prefix]
	if entry == nil || !entry.Running() {
		if entry != nil && entry.Status == plugin.StatusFailed {
			h.sendError(ev.ClientPID, protocol.ErrPluginFailed, "", frame.RequestID)
			return
		}
		if err := h.ensureSpawned(ctx, desc.Prefix); err != nil {
			h.sendError(ev.ClientPID, protocol.ErrPluginFailed, err.Error(), frame.RequestID)
			return
		}
		entry = h.active[desc.Prefix]
	}

	req := protocol.PluginRequest{
		ConnPID:    ev.ClientPID,
		RequestID:  frame.RequestID,
		SessionID:  frame.SessionID,
		Type:       frame.Type,
		Data:       frame.Data,
		StartToken: frame.StartToken,
		Context:    frame.Context,
	}
	stripped := frame.Type[len(desc.Prefix):]
	if err := entry.Instance().Send(stripped, req); err != nil {
		h.log.Warn("dropped message to plugin", "prefix", desc.Prefix, "error", err)
	}
}

// ensureSpawned creates a pending entry for prefix if none exists and
// spawns its worker, wiring forwarder goroutines for its Outbound and
// Exited channels into this hub's own mailbox (spec §4.3).
func (h *Hub) ensureSpawned(ctx context.Context, prefix string) error {
	entry := h.active[prefix]
	if entry == nil {
		entry = plugin.NewEntry(prefix)
		h.active[prefix] = entry
	}
	if entry.Running() {
		return nil
	}
	if entry.Status == plugin.StatusFailed {
		return fmt.Errorf("plugin %q has failed permanently", prefix)
	}

	desc, ok := h.deps.Plugins.MatchPrefix(prefix)
	if !ok {
		return fmt.Errorf("plugin %q not in registry", prefix)
	}

	args := plugin.SpawnArgs{
		ProcessID:    desc.ProcessID,
		Host:         desc.Host,
		UserID:       h.userID,
		UserMetadata: h.stringMetadata(),
		UserHubPID:   h.ID(),
	}
	if err := entry.Spawn(ctx, h.deps.Spawner, args); err != nil {
		return err
	}

	inst := entry.Instance()
	go h.forwardOutbound(prefix, inst)
	go h.forwardExit(prefix, inst)
	return nil
}

func (h *Hub) forwardOutbound(prefix string, inst plugin.Instance) {
	for env := range inst.Outbound() {
		if err := h.mailbox.Send(env.Topic, env.Payload); err != nil {
			h.log.Warn("dropped plugin broadcast", "prefix", prefix, "topic", env.Topic, "error", err)
		}
	}
}

func (h *Hub) forwardExit(prefix string, inst plugin.Instance) {
	err := <-inst.Exited()
	_ = h.mailbox.Send(topicPluginExit, pluginExitEvent{prefix: prefix, err: err})
}

func (h *Hub) onPluginExit(ctx context.Context, ev pluginExitEvent) {
	entry := h.active[ev.prefix]
	if entry == nil {
		return
	}
	if ev.err != nil {
		h.log.Warn("plugin crashed", "prefix", ev.prefix, "error", ev.err)
	} else {
		h.log.Info("plugin exited", "prefix", ev.prefix)
	}

	if entry.RecordExit(ev.err) {
		if err := h.ensureSpawned(ctx, ev.prefix); err != nil {
			h.log.Warn("plugin restart failed", "prefix", ev.prefix, "error", err)
		}
	}
}

func (h *Hub) signalSessionPlugin(topic string) {
	entry := h.active[sessionPrefix]
	if entry == nil || !entry.Running() {
		return
	}
	if err := entry.Instance().Send(topic, nil); err != nil {
		h.log.Warn("dropped session signal", "topic", topic, "error", err)
	}
}

func (h *Hub) broadcast(env protocol.Envelope) {
	for _, conn := range h.clients {
		if err := conn.Send(env.Topic, env.Payload); err != nil {
			h.log.Warn("dropped broadcast", "client", conn.ID(), "topic", env.Topic, "error", err)
		}
	}
}

func (h *Hub) sendError(clientPID, kind, message, requestID string) {
	conn, ok := h.clients[clientPID]
	if !ok {
		return
	}
	_ = conn.Send(protocol.TopicError, protocol.ErrorPayload{
		Error:     kind,
		Message:   message,
		RequestID: requestID,
	})
}

func (h *Hub) postActivity(clientCount int) {
	if h.deps.Central == nil {
		return
	}
	_ = h.deps.Central.Send(protocol.TopicActivityUpdate, protocol.ActivityUpdatePayload{
		UserID:       h.userID,
		ClientCount:  clientCount,
		LastActivity: time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *Hub) pluginDescriptions() []protocol.PluginDescription {
	all := h.deps.Plugins.All()
	out := make([]protocol.PluginDescription, 0, len(all))
	for _, d := range all {
		out = append(out, protocol.PluginDescription{Prefix: d.Prefix})
	}
	return out
}

func (h *Hub) stringMetadata() map[string]string {
	out := make(map[string]string, len(h.userMetadata))
	for k, v := range h.userMetadata {
		out[k] = fmt.Sprintf("%v", v)
	}
	return out
}

// shutdown cancels every active plugin with the given grace and lets the
// Run loop return (spec §4.2 "Shutdown").
func (h *Hub) shutdown(grace time.Duration) {
	for _, entry := range h.active {
		entry.Cancel(grace)
	}
}
