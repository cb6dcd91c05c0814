// Package plugin implements the per-(user,prefix) worker supervision
// state machine a User Hub drives (spec §4.3): spawn on demand, at
// most one restart on crash, permanent failure thereafter.
package plugin

import (
	"context"
	"fmt"
	"time"

	"github.com/wippy/relay/internal/metrics"
	"github.com/wippy/relay/internal/relay/process"
	"github.com/wippy/relay/internal/relay/protocol"
)

// Status is a PluginEntry's lifecycle state (spec §3, §4.3).
type Status int

const (
	StatusPending Status = iota
	StatusRunning
	StatusStopped
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusRunning:
		return "running"
	case StatusStopped:
		return "stopped"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MaxRestarts is MAX_PLUGIN_RESTARTS from spec §4.3: a plugin may
// crash at most once before being permanently failed.
const MaxRestarts = 1

// SpawnArgs are the init arguments a Spawner receives (spec §4.3:
// "Spawn uses (plugin.process_id, plugin.host) with init args
// {user_id, user_metadata, user_hub_pid=self, config}").
type SpawnArgs struct {
	ProcessID    string
	Host         string
	UserID       string
	UserMetadata map[string]string
	UserHubPID   string
	Config       any
}

// Instance is a live or exited plugin worker handed back by a
// Spawner. It embeds process.Handle for sending and cancelling.
// Outbound carries messages the worker sends to its owning User Hub
// (broadcast candidates, spec §4.2 "Plugin → clients"). Exited fires
// exactly once, with a non-nil error for a crash and a nil error for
// a clean exit (spec §4.3: "exit event whose result carries an error
// field").
type Instance interface {
	process.Handle
	Outbound() <-chan protocol.Envelope
	Exited() <-chan error
}

// Spawner starts one plugin worker process.
type Spawner interface {
	Spawn(ctx context.Context, args SpawnArgs) (Instance, error)
}

// Entry is a User Hub's bookkeeping record for one (user, prefix)
// plugin (spec §3 PluginEntry).
type Entry struct {
	Prefix       string
	Status       Status
	RestartCount int

	instance Instance
}

// NewEntry returns a fresh entry in the pending state.
func NewEntry(prefix string) *Entry {
	return &Entry{Prefix: prefix, Status: StatusPending}
}

// Running reports whether the entry currently owns a live instance.
func (e *Entry) Running() bool {
	return e.Status == StatusRunning && e.instance != nil
}

// Instance returns the entry's current worker handle, or nil.
func (e *Entry) Instance() Instance {
	return e.instance
}

// Spawn attempts to start (or restart) the plugin's worker process.
// On success the entry transitions to running and RestartCount is
// left untouched (RecordExit bumps it on a crash before the caller
// calls Spawn again). On failure the entry transitions to failed, per
// spec §4.3 ("spawn error -> failed"). A failed or stopped entry is
// refused.
func (e *Entry) Spawn(ctx context.Context, spawner Spawner, args SpawnArgs) error {
	if e.Status == StatusFailed {
		return fmt.Errorf("plugin %q: already failed, not respawning", e.Prefix)
	}
	if e.Status == StatusStopped {
		return fmt.Errorf("plugin %q: stopped, not respawning", e.Prefix)
	}
	inst, err := spawner.Spawn(ctx, args)
	if err != nil {
		e.Status = StatusFailed
		e.instance = nil
		metrics.PluginFailuresTotal.Inc()
		return fmt.Errorf("plugin %q: spawn: %w", e.Prefix, err)
	}
	e.instance = inst
	e.Status = StatusRunning
	metrics.ActivePlugins.Inc()
	return nil
}

// RecordExit applies an Exited() observation to the entry, per the
// state diagram in spec §4.3. A nil err is a clean exit (-> stopped,
// terminal but not "failed": Spawn refuses a stopped entry, so it is
// not started again within the same User Hub lifetime).
//
// A non-nil err is a crash. If RestartCount < MaxRestarts the entry
// is reset to pending (ready for its caller to Spawn again) and
// RestartCount is incremented; otherwise it transitions to failed
// (terminal, spec invariant I5).
func (e *Entry) RecordExit(err error) (shouldRestart bool) {
	e.instance = nil
	metrics.ActivePlugins.Dec()
	if err == nil {
		e.Status = StatusStopped
		return false
	}
	if e.RestartCount < MaxRestarts {
		e.RestartCount++
		e.Status = StatusPending
		metrics.PluginRestartsTotal.Inc()
		return true
	}
	e.Status = StatusFailed
	metrics.PluginFailuresTotal.Inc()
	return false
}

// Cancel issues a graceful-shutdown request to a running instance. A
// no-op if the entry has no live instance.
func (e *Entry) Cancel(grace time.Duration) {
	if e.instance != nil {
		e.instance.Cancel(grace)
	}
}
