package centralhub_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wippy/relay/internal/relay/centralhub"
	"github.com/wippy/relay/internal/relay/protocol"
	"github.com/wippy/relay/internal/relay/registry"
	"github.com/wippy/relay/internal/relay/security"
)

type fakeConn struct {
	id  string
	out chan protocol.Envelope
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id, out: make(chan protocol.Envelope, 16)}
}

func (c *fakeConn) ID() string { return c.id }
func (c *fakeConn) Send(topic string, payload any) error {
	c.out <- protocol.Envelope{Topic: topic, Payload: payload}
	return nil
}

type fakeUserHub struct {
	id          string
	sent        chan protocol.Envelope
	exited      chan error
	cancelled   chan time.Duration
	clientCount int
}

func newFakeUserHub(id string) *fakeUserHub {
	return &fakeUserHub{
		id:        id,
		sent:      make(chan protocol.Envelope, 16),
		exited:    make(chan error, 1),
		cancelled: make(chan time.Duration, 1),
	}
}

func (h *fakeUserHub) ID() string { return h.id }
func (h *fakeUserHub) Send(topic string, payload any) error {
	h.sent <- protocol.Envelope{Topic: topic, Payload: payload}
	return nil
}

// Cancel records the request on cancelled (the exit watcher consumes
// exited) and then reports a clean exit.
func (h *fakeUserHub) Cancel(grace time.Duration) {
	select {
	case h.cancelled <- grace:
	default:
	}
	h.exited <- nil
}
func (h *fakeUserHub) Exited() <-chan error { return h.exited }
func (h *fakeUserHub) SendBlocking(_ context.Context, topic string, payload any) error {
	h.sent <- protocol.Envelope{Topic: topic, Payload: payload}
	return nil
}

type fakeFactory struct {
	spawned map[string]*fakeUserHub
	failFor map[string]bool
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{spawned: map[string]*fakeUserHub{}, failFor: map[string]bool{}}
}

func (f *fakeFactory) Spawn(_ context.Context, args centralhub.UserHubSpawnArgs) (centralhub.UserHubHandle, error) {
	if f.failFor[args.UserID] {
		return nil, fmt.Errorf("spawn failed")
	}
	hub := newFakeUserHub("user." + args.UserID)
	f.spawned[args.UserID] = hub
	return hub, nil
}

func newTestHub(t *testing.T, factory *fakeFactory, maxConn int) *centralhub.Hub {
	t.Helper()
	tbl, err := registry.Build([]registry.PluginDescriptor{{Prefix: "ops_", ProcessID: "p1"}})
	require.NoError(t, err)

	h, err := centralhub.New(centralhub.Config{
		MaxConnectionsPerUser: maxConn,
		InactivityTimeout:     60 * time.Second,
		Host:                  "localhost",
		SecurityScopeName:     "default",
		GCCheckInterval:       time.Hour, // disabled for most tests; overridden where needed
	}, centralhub.Dependencies{
		Plugins:       tbl,
		Factory:       factory,
		ActorFactory:  mustActorFactory(t),
		ScopeResolver: security.NewStaticScopeResolver("default"),
	})
	require.NoError(t, err)
	return h
}

func mustActorFactory(t *testing.T) security.ActorFactory {
	t.Helper()
	f, err := security.NewBcryptFactory("test-secret")
	require.NoError(t, err)
	return f
}

func TestNew_FatalOnMissingScope(t *testing.T) {
	tbl, err := registry.Build(nil)
	require.NoError(t, err)
	_, err = centralhub.New(centralhub.Config{
		MaxConnectionsPerUser: 1,
		InactivityTimeout:     time.Minute,
		Host:                  "h",
		SecurityScopeName:     "missing",
	}, centralhub.Dependencies{
		Plugins:       tbl,
		Factory:       newFakeFactory(),
		ActorFactory:  mustActorFactory(t),
		ScopeResolver: security.NewStaticScopeResolver("default"),
	})
	assert.Error(t, err)
}

func TestHub_Join_SpawnsAndRebinds(t *testing.T) {
	factory := newFakeFactory()
	h := newTestHub(t, factory, 2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = h.Run(ctx) }()

	conn := newFakeConn("c1")
	require.NoError(t, h.Send(protocol.TopicJoin, centralhub.JoinEvent{Conn: conn, UserID: "u1"}))

	select {
	case env := <-conn.out:
		require.Equal(t, protocol.TopicControl, env.Topic)
		ctrl := env.Payload.(protocol.ControlPayload)
		assert.Equal(t, "user.u1", ctrl.TargetPID)
	case <-time.After(time.Second):
		t.Fatal("expected ws.control rebind")
	}
	assert.Equal(t, 1, h.TotalHubs())
}

func TestHub_Join_MissingUserID(t *testing.T) {
	h := newTestHub(t, newFakeFactory(), 2)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = h.Run(ctx) }()

	conn := newFakeConn("c1")
	require.NoError(t, h.Send(protocol.TopicJoin, centralhub.JoinEvent{Conn: conn}))

	select {
	case env := <-conn.out:
		errPayload := env.Payload.(protocol.ErrorPayload)
		assert.Equal(t, protocol.ErrMissingUserID, errPayload.Error)
	case <-time.After(time.Second):
		t.Fatal("expected missing_user_id error")
	}
}

func TestHub_Join_MaxConnectionsReached(t *testing.T) {
	factory := newFakeFactory()
	h := newTestHub(t, factory, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = h.Run(ctx) }()

	conn1 := newFakeConn("c1")
	require.NoError(t, h.Send(protocol.TopicJoin, centralhub.JoinEvent{Conn: conn1, UserID: "u1"}))
	<-conn1.out

	require.NoError(t, h.Send(protocol.TopicActivityUpdate, protocol.ActivityUpdatePayload{
		UserID: "u1", ClientCount: 1, LastActivity: time.Now().UTC().Format(time.RFC3339),
	}))

	require.Eventually(t, func() bool { return true }, 50*time.Millisecond, 5*time.Millisecond)

	conn2 := newFakeConn("c2")
	require.NoError(t, h.Send(protocol.TopicJoin, centralhub.JoinEvent{Conn: conn2, UserID: "u1"}))

	select {
	case env := <-conn2.out:
		errPayload := env.Payload.(protocol.ErrorPayload)
		assert.Equal(t, protocol.ErrMaxConnectionsReached, errPayload.Error)
	case <-time.After(time.Second):
		t.Fatal("expected max_connections_reached error")
	}
}

func TestHub_Join_HubCreationFailed(t *testing.T) {
	factory := newFakeFactory()
	factory.failFor["u1"] = true
	h := newTestHub(t, factory, 2)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = h.Run(ctx) }()

	conn := newFakeConn("c1")
	require.NoError(t, h.Send(protocol.TopicJoin, centralhub.JoinEvent{Conn: conn, UserID: "u1"}))

	select {
	case env := <-conn.out:
		errPayload := env.Payload.(protocol.ErrorPayload)
		assert.Equal(t, protocol.ErrHubCreationFailed, errPayload.Error)
	case <-time.After(time.Second):
		t.Fatal("expected hub_creation_failed error")
	}
	assert.Equal(t, 0, h.TotalHubs())
}

func TestHub_Join_Idempotent(t *testing.T) {
	factory := newFakeFactory()
	h := newTestHub(t, factory, 5)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = h.Run(ctx) }()

	conn1 := newFakeConn("c1")
	require.NoError(t, h.Send(protocol.TopicJoin, centralhub.JoinEvent{Conn: conn1, UserID: "u1"}))
	<-conn1.out

	conn2 := newFakeConn("c2")
	require.NoError(t, h.Send(protocol.TopicJoin, centralhub.JoinEvent{Conn: conn2, UserID: "u1"}))
	env := <-conn2.out
	ctrl := env.Payload.(protocol.ControlPayload)
	assert.Equal(t, "user.u1", ctrl.TargetPID)
	assert.Equal(t, 1, h.TotalHubs())
}

func TestHub_Lookup_ResolvesCentralAndUserHub(t *testing.T) {
	factory := newFakeFactory()
	h := newTestHub(t, factory, 2)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = h.Run(ctx) }()

	if _, ok := h.Lookup("user.u1"); ok {
		t.Fatal("expected no lookup entry before join")
	}

	conn := newFakeConn("c1")
	require.NoError(t, h.Send(protocol.TopicJoin, centralhub.JoinEvent{Conn: conn, UserID: "u1"}))
	<-conn.out

	central, ok := h.Lookup(centralhub.Name)
	require.True(t, ok)
	assert.Equal(t, h, central)

	require.Eventually(t, func() bool {
		_, ok := h.Lookup("user.u1")
		return ok
	}, time.Second, 5*time.Millisecond)

	factory.spawned["u1"].exited <- nil
	require.Eventually(t, func() bool {
		_, ok := h.Lookup("user.u1")
		return !ok
	}, time.Second, 5*time.Millisecond)
}

func TestHub_Snapshot_ReflectsActivity(t *testing.T) {
	factory := newFakeFactory()
	h := newTestHub(t, factory, 2)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = h.Run(ctx) }()

	conn := newFakeConn("c1")
	require.NoError(t, h.Send(protocol.TopicJoin, centralhub.JoinEvent{Conn: conn, UserID: "u1"}))
	<-conn.out

	require.NoError(t, h.Send(protocol.TopicActivityUpdate, protocol.ActivityUpdatePayload{
		UserID: "u1", ClientCount: 3, LastActivity: time.Now().UTC().Format(time.RFC3339),
	}))

	require.Eventually(t, func() bool {
		for _, s := range h.Snapshot() {
			if s.UserID == "u1" && s.ClientCount == 3 {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func TestHub_RunGC_EvictsIdleUserHub(t *testing.T) {
	factory := newFakeFactory()
	tbl, err := registry.Build([]registry.PluginDescriptor{{Prefix: "ops_", ProcessID: "p1"}})
	require.NoError(t, err)

	h, err := centralhub.New(centralhub.Config{
		MaxConnectionsPerUser: 2,
		InactivityTimeout:     20 * time.Millisecond,
		Host:                  "localhost",
		SecurityScopeName:     "default",
		GCCheckInterval:       5 * time.Millisecond,
	}, centralhub.Dependencies{
		Plugins:       tbl,
		Factory:       factory,
		ActorFactory:  mustActorFactory(t),
		ScopeResolver: security.NewStaticScopeResolver("default"),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = h.Run(ctx) }()

	conn := newFakeConn("c1")
	require.NoError(t, h.Send(protocol.TopicJoin, centralhub.JoinEvent{Conn: conn, UserID: "u1"}))
	<-conn.out

	// Report the connection gone, with activity far enough in the past
	// that the GC ticker's next tick sees the hub as idle.
	require.NoError(t, h.Send(protocol.TopicActivityUpdate, protocol.ActivityUpdatePayload{
		UserID:       "u1",
		ClientCount:  0,
		LastActivity: time.Now().Add(-time.Hour).UTC().Format(time.RFC3339),
	}))

	require.Eventually(t, func() bool {
		_, ok := h.Lookup("user.u1")
		return !ok
	}, time.Second, 5*time.Millisecond, "expected idle user hub to be evicted and removed")

	assert.Equal(t, 0, h.TotalHubs())
	for _, s := range h.Snapshot() {
		assert.NotEqual(t, "u1", s.UserID, "evicted user hub should not appear in snapshot")
	}
}

func TestHub_UserHubExit_RemovesEntry(t *testing.T) {
	factory := newFakeFactory()
	h := newTestHub(t, factory, 2)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = h.Run(ctx) }()

	conn := newFakeConn("c1")
	require.NoError(t, h.Send(protocol.TopicJoin, centralhub.JoinEvent{Conn: conn, UserID: "u1"}))
	<-conn.out
	require.Equal(t, 1, h.TotalHubs())

	factory.spawned["u1"].exited <- fmt.Errorf("boom")

	require.Eventually(t, func() bool {
		return h.TotalHubs() == 0
	}, time.Second, 5*time.Millisecond)
}

func TestHub_Shutdown_CancelsAllUserHubs(t *testing.T) {
	factory := newFakeFactory()
	h := newTestHub(t, factory, 2)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = h.Run(ctx) }()

	conn := newFakeConn("c1")
	require.NoError(t, h.Send(protocol.TopicJoin, centralhub.JoinEvent{Conn: conn, UserID: "u1"}))
	<-conn.out

	h.Cancel(time.Second)

	require.Eventually(t, func() bool {
		select {
		case <-factory.spawned["u1"].cancelled:
			return true
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}
