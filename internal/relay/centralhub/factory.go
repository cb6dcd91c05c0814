package centralhub

import (
	"context"
	"log/slog"
	"time"

	"github.com/wippy/relay/internal/relay/plugin"
	"github.com/wippy/relay/internal/relay/process"
	"github.com/wippy/relay/internal/relay/userhub"
)

// DefaultUserHubFactory is the reference UserHubFactory: it constructs
// a real userhub.Hub and runs it on its own goroutine, bridging its
// blocking Run return value onto an Exited() channel so the Central
// Hub can observe it the same way it observes any other monitored
// child (spec §5's EXIT/LINK_DOWN system event).
//
// Central must be set to the owning Central Hub (which itself
// implements process.Handle) before the first Spawn call, so that
// spawned User Hubs can post hub.activity_update upward.
type DefaultUserHubFactory struct {
	Central     process.Handle
	Spawner     plugin.Spawner
	QueueSize   int
	CancelGrace time.Duration
	Logger      *slog.Logger
}

// Spawn implements UserHubFactory.
func (f *DefaultUserHubFactory) Spawn(ctx context.Context, args UserHubSpawnArgs) (UserHubHandle, error) {
	hub := userhub.New(args.UserID, args.UserMetadata, userhub.Dependencies{
		Plugins:     args.Plugins,
		Spawner:     f.Spawner,
		Central:     f.Central,
		Actor:       args.Actor,
		Scope:       args.Scope,
		QueueSize:   f.QueueSize,
		CancelGrace: f.CancelGrace,
		Logger:      f.Logger,
	})

	handle := &userHubHandle{Hub: hub, exited: make(chan error, 1)}
	go func() {
		handle.exited <- hub.Run(ctx)
	}()
	return handle, nil
}

// userHubHandle adapts a running *userhub.Hub to the UserHubHandle
// interface the Central Hub depends on.
type userHubHandle struct {
	*userhub.Hub
	exited chan error
}

func (h *userHubHandle) Exited() <-chan error { return h.exited }
