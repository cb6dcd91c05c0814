// Package centralhub implements the singleton process described in
// spec.md §4.1: it admits new connections, lazily creates and locates
// User Hubs, rebinds connections to them, evicts idle User Hubs, and
// forwards unrecognized topics to every live User Hub as a broadcast.
package centralhub

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wippy/relay/internal/metrics"
	"github.com/wippy/relay/internal/relay/process"
	"github.com/wippy/relay/internal/relay/protocol"
	"github.com/wippy/relay/internal/relay/registry"
	"github.com/wippy/relay/internal/relay/security"
	"github.com/wippy/relay/internal/relay/transport"
)

// Name is the well-known registry name a Central Hub registers itself
// under (spec §6).
const Name = "wippy.central"

// topicUserHubExit is an internal bookkeeping topic: the goroutine
// watching a User Hub's Exited() channel posts one of these so the exit
// is observed on the Central Hub's single selector loop.
const topicUserHubExit = "_internal.user_hub_exit"

type userHubExitEvent struct {
	userID string
	err    error
}

// JoinEvent is posted under protocol.TopicJoin by the transport for a
// brand new (not yet rebound) connection.
type JoinEvent struct {
	Conn         transport.ClientConn
	UserID       string
	UserMetadata map[string]any
}

// LeaveEvent is posted under protocol.TopicLeave; advisory only (spec
// §4.1: "logs only").
type LeaveEvent struct {
	UserID string
}

// UserHubSpawnArgs are the initial arguments a UserHubFactory receives
// (spec §4.1.1 step c).
type UserHubSpawnArgs struct {
	UserID       string
	UserMetadata map[string]any
	Plugins      *registry.Table
	Actor        security.Actor
	Scope        security.Scope
}

// UserHubHandle is the control surface the Central Hub holds for a
// spawned User Hub.
type UserHubHandle interface {
	process.Handle
	Exited() <-chan error
}

// UserHubFactory spawns and starts one User Hub process.
type UserHubFactory interface {
	Spawn(ctx context.Context, args UserHubSpawnArgs) (UserHubHandle, error)
}

// Config holds the environment-sourced settings from spec.md §6.
type Config struct {
	MaxConnectionsPerUser int
	InactivityTimeout     time.Duration
	QueueMultiplier       int
	Host                  string
	SecurityScopeName     string
	CancelTimeout         time.Duration
	GCCheckInterval       time.Duration
}

// withDefaults fills in the derived durations when the caller leaves
// them zero. The fallback GC interval is InactivityTimeout/2.5 without
// rounding to whole seconds, so sub-second timeouts still give a
// positive ticker period.
func (c Config) withDefaults() Config {
	if c.CancelTimeout <= 0 {
		c.CancelTimeout = process.DefaultCancelTimeout
	}
	if c.GCCheckInterval <= 0 {
		c.GCCheckInterval = time.Duration(float64(c.InactivityTimeout) / 2.5)
	}
	return c
}

// Dependencies are the Central Hub's external collaborators (spec §6).
type Dependencies struct {
	Plugins       *registry.Table
	Factory       UserHubFactory
	ActorFactory  security.ActorFactory
	ScopeResolver security.ScopeResolver
	Logger        *slog.Logger
}

// userHubEntry is the bookkeeping record spec.md §3 calls UserHubEntry.
type userHubEntry struct {
	handle               UserHubHandle
	createdAt            time.Time
	lastActivity         time.Time
	clientCount          int
	terminating          bool
	terminationStartedAt time.Time
}

// Hub is the Central Hub singleton.
type Hub struct {
	cfg   Config
	deps  Dependencies
	scope security.Scope
	log   *slog.Logger

	mailbox  *process.Mailbox
	userHubs map[string]*userHubEntry

	// totalHubs mirrors len(userHubs) so it can be read from TotalHubs()
	// and Snapshot() without touching userHubs itself: those are called
	// from foreign goroutines (the admin /debug/hubs handler, tests
	// racing the hub's own Run loop), while userHubs is mutated only on
	// the hub's own goroutine. Same single-writer/many-reader shape as
	// lookup/stats below, just a scalar instead of a map.
	totalHubs atomic.Int64

	// lookup mirrors userHubs for concurrent, lock-free reads from the
	// transport's connection goroutines (one per client), which resolve
	// a ws.control target_pid without going through the Central Hub's
	// own single selector loop. The hub's goroutine is the only writer;
	// sync.Map is built for exactly that single-writer/many-reader shape.
	lookup sync.Map // string -> Sender

	// stats mirrors userHubs the same way, for the admin snapshot read
	// from an HTTP handler goroutine.
	stats sync.Map // userID -> HubStats
}

// HubStats is a point-in-time, read-only view of one tracked User Hub,
// for the admin /debug/hubs surface (SPEC_FULL.md [ADMIN]).
type HubStats struct {
	UserID       string
	ClientCount  int
	LastActivity time.Time
	Terminating  bool
}

// Snapshot returns a stats row per currently tracked User Hub. Safe to
// call concurrently with the hub's own goroutine: it reads the stats
// sync.Map (single-writer, like lookup), never the raw map.
func (h *Hub) Snapshot() []HubStats {
	out := make([]HubStats, 0, h.totalHubs.Load())
	h.stats.Range(func(_, v any) bool {
		out = append(out, v.(HubStats))
		return true
	})
	return out
}

// Sender is the minimal surface a rebind target needs: whatever this
// Hub hands back to a transport lookup must accept backpressured sends
// the same way the Central Hub itself does.
type Sender interface {
	SendBlocking(ctx context.Context, topic string, payload any) error
}

// Lookup resolves a registry name (Name itself, or "user.<id>") to the
// Sender a transport should rebind a connection to, per spec.md §2/§6.
func (h *Hub) Lookup(id string) (Sender, bool) {
	if id == Name {
		return h, true
	}
	v, ok := h.lookup.Load(id)
	if !ok {
		return nil, false
	}
	s, ok := v.(Sender)
	return s, ok
}

// New validates configuration and resolves the configured security
// scope once (spec §7: a missing named security scope is a fatal
// structural error at Central Hub startup). Callers should treat a
// non-nil error as fatal and abort the process.
func New(cfg Config, deps Dependencies) (*Hub, error) {
	cfg = cfg.withDefaults()
	if cfg.Host == "" {
		return nil, fmt.Errorf("centralhub: host must not be empty")
	}
	if cfg.MaxConnectionsPerUser <= 0 {
		return nil, fmt.Errorf("centralhub: max_connections_per_user must be positive")
	}
	scope, err := deps.ScopeResolver.Resolve(cfg.SecurityScopeName)
	if err != nil {
		return nil, fmt.Errorf("centralhub: resolve security scope: %w", err)
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Hub{
		cfg:      cfg,
		deps:     deps,
		scope:    scope,
		log:      deps.Logger.With("component", "central_hub"),
		mailbox:  process.NewMailbox(256),
		userHubs: make(map[string]*userHubEntry),
	}, nil
}

// ID returns the Central Hub's registry name.
func (h *Hub) ID() string { return Name }

// Send implements process.Handle.
func (h *Hub) Send(topic string, payload any) error {
	return h.mailbox.Send(topic, payload)
}

// Cancel implements process.Handle: requests graceful shutdown.
func (h *Hub) Cancel(grace time.Duration) {
	h.mailbox.Cancel(grace)
}

// SendBlocking enqueues a message, blocking until there is room or ctx
// is done. Used by the transport for inbound ws.join/ws.leave traffic
// (spec §5: inbound backpressure; see process.Mailbox.SendBlocking).
func (h *Hub) SendBlocking(ctx context.Context, topic string, payload any) error {
	return h.mailbox.SendBlocking(ctx, topic, payload)
}

// TotalHubs returns the number of currently tracked User Hubs
// (invariant I1: equals len(user_hubs) at every quiescent point). Safe to
// call from any goroutine: it reads the atomic mirror, never userHubs
// itself.
func (h *Hub) TotalHubs() int {
	return int(h.totalHubs.Load())
}

// Run drives the Central Hub's single selector loop: its inbox, its
// cancel request channel, and the inactivity GC ticker (spec §5's
// system-event stream carries only cancel requests here, since Central
// Hub has no monitored-child event channel of its own; exits are
// observed through per-hub watcher goroutines that feed back into the
// inbox, same as User Hub's plugin-exit forwarding).
func (h *Hub) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.cfg.GCCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case env := <-h.mailbox.Inbox():
			h.handle(ctx, env)
		case grace := <-h.mailbox.CancelRequests():
			return h.shutdown(grace)
		case <-ticker.C:
			h.runGC()
		case <-ctx.Done():
			return h.shutdown(h.cfg.CancelTimeout)
		}
	}
}

func (h *Hub) handle(ctx context.Context, env protocol.Envelope) {
	switch env.Topic {
	case protocol.TopicJoin:
		if ev, ok := env.Payload.(JoinEvent); ok {
			h.onJoin(ctx, ev)
		}
	case protocol.TopicLeave:
		if ev, ok := env.Payload.(LeaveEvent); ok {
			h.log.Info("client left before rebind", "user_id", ev.UserID)
		}
	case protocol.TopicActivityUpdate:
		if ev, ok := env.Payload.(protocol.ActivityUpdatePayload); ok {
			h.onActivity(ev)
		}
	case topicUserHubExit:
		if ev, ok := env.Payload.(userHubExitEvent); ok {
			h.onUserHubExit(ev)
		}
	default:
		h.broadcast(env)
	}
}

func (h *Hub) onJoin(ctx context.Context, ev JoinEvent) {
	if ev.UserID == "" {
		h.sendError(ev.Conn, protocol.ErrMissingUserID, "")
		return
	}

	if e, ok := h.userHubs[ev.UserID]; ok && e.clientCount >= h.cfg.MaxConnectionsPerUser {
		h.sendError(ev.Conn, protocol.ErrMaxConnectionsReached,
			fmt.Sprintf("(%d connections)", e.clientCount))
		return
	}

	handle, err := h.getOrCreateUserHub(ctx, ev.UserID, ev.UserMetadata)
	if err != nil {
		h.log.Warn("user hub creation failed", "user_id", ev.UserID, "error", err)
		h.sendError(ev.Conn, protocol.ErrHubCreationFailed, err.Error())
		return
	}

	_ = ev.Conn.Send(protocol.TopicControl, protocol.ControlPayload{
		TargetPID: handle.ID(),
		Metadata: protocol.JoinMetadata{
			UserID:       ev.UserID,
			UserMetadata: ev.UserMetadata,
		},
		Plugins: h.pluginDescriptions(),
	})

	if e, ok := h.userHubs[ev.UserID]; ok {
		e.lastActivity = time.Now()
	}
}

// getOrCreateUserHub implements spec §4.1.1. It is idempotent: a live
// entry's handle is returned unchanged regardless of its terminating
// flag, since removal only happens in the exit handler.
func (h *Hub) getOrCreateUserHub(ctx context.Context, userID string, meta map[string]any) (UserHubHandle, error) {
	if e, ok := h.userHubs[userID]; ok {
		return e.handle, nil
	}

	stringMeta := make(map[string]string, len(meta))
	for k, v := range meta {
		stringMeta[k] = fmt.Sprintf("%v", v)
	}
	actor, err := h.deps.ActorFactory.NewActor(userID, stringMeta)
	if err != nil {
		return nil, fmt.Errorf("construct security actor: %w", err)
	}

	handle, err := h.deps.Factory.Spawn(ctx, UserHubSpawnArgs{
		UserID:       userID,
		UserMetadata: meta,
		Plugins:      h.deps.Plugins,
		Actor:        actor,
		Scope:        h.scope,
	})
	if err != nil {
		return nil, err
	}

	now := time.Now()
	h.userHubs[userID] = &userHubEntry{handle: handle, createdAt: now, lastActivity: now}
	h.totalHubs.Add(1)
	metrics.ActiveUserHubs.Inc()
	if s, ok := handle.(Sender); ok {
		h.lookup.Store(handle.ID(), s)
	}
	h.stats.Store(userID, HubStats{UserID: userID, LastActivity: now})
	go h.watchExit(userID, handle)
	return handle, nil
}

func (h *Hub) watchExit(userID string, handle UserHubHandle) {
	err := <-handle.Exited()
	_ = h.mailbox.Send(topicUserHubExit, userHubExitEvent{userID: userID, err: err})
}

func (h *Hub) onUserHubExit(ev userHubExitEvent) {
	if _, ok := h.userHubs[ev.userID]; !ok {
		return
	}
	delete(h.userHubs, ev.userID)
	h.lookup.Delete("user." + ev.userID)
	h.stats.Delete(ev.userID)
	h.totalHubs.Add(-1)
	metrics.ActiveUserHubs.Dec()

	if ev.err != nil {
		metrics.UserHubCrashesTotal.Inc()
		h.log.Warn("user hub crashed", "user_id", ev.userID, "error", ev.err)
	} else {
		h.log.Info("user hub exited", "user_id", ev.userID)
	}
}

func (h *Hub) onActivity(ev protocol.ActivityUpdatePayload) {
	e, ok := h.userHubs[ev.UserID]
	if !ok {
		return // unknown users are ignored, spec §4.1
	}
	e.clientCount = ev.ClientCount
	if t, err := time.Parse(time.RFC3339, ev.LastActivity); err == nil {
		e.lastActivity = t
	} else {
		e.lastActivity = time.Now()
	}
	h.stats.Store(ev.UserID, HubStats{
		UserID:       ev.UserID,
		ClientCount:  e.clientCount,
		LastActivity: e.lastActivity,
		Terminating:  e.terminating,
	})
}

// runGC implements the Inactivity GC ticker body (spec §4.1).
func (h *Hub) runGC() {
	now := time.Now()
	for userID, e := range h.userHubs {
		if e.clientCount > 0 || e.terminating {
			continue
		}
		base := e.lastActivity
		if base.IsZero() {
			base = e.createdAt
		}
		if now.Sub(base) <= h.cfg.InactivityTimeout {
			continue
		}
		e.handle.Cancel(h.cfg.CancelTimeout)
		e.terminating = true
		e.terminationStartedAt = now
		metrics.UserHubEvictionsTotal.Inc()
		h.stats.Store(userID, HubStats{
			UserID:       userID,
			ClientCount:  e.clientCount,
			LastActivity: e.lastActivity,
			Terminating:  true,
		})
		h.log.Info("evicting idle user hub", "user_id", userID, "idle", now.Sub(base))
	}
}

// broadcast forwards an unrecognized topic to every live User Hub
// (spec §4.1: "any other topic ... forwarded verbatim").
func (h *Hub) broadcast(env protocol.Envelope) {
	for userID, e := range h.userHubs {
		if err := e.handle.Send(env.Topic, env.Payload); err != nil {
			h.log.Warn("dropped broadcast to user hub", "user_id", userID, "topic", env.Topic, "error", err)
		}
	}
}

func (h *Hub) sendError(conn transport.ClientConn, kind, message string) {
	if conn == nil {
		return
	}
	_ = conn.Send(protocol.TopicError, protocol.ErrorPayload{Error: kind, Message: message})
}

func (h *Hub) pluginDescriptions() []protocol.PluginDescription {
	all := h.deps.Plugins.All()
	out := make([]protocol.PluginDescription, 0, len(all))
	for _, d := range all {
		out = append(out, protocol.PluginDescription{Prefix: d.Prefix})
	}
	return out
}

// shutdown implements spec §4.1 "Shutdown (cancel event)": stop the GC
// ticker (handled by the caller's defer), issue a cancel with grace to
// every live User Hub, and return without waiting for exits.
func (h *Hub) shutdown(grace time.Duration) error {
	for _, e := range h.userHubs {
		e.handle.Cancel(grace)
	}
	h.log.Info("central hub shutdown", "hubs", h.totalHubs.Load())
	return nil
}
