// Package security models the "security actor/scope" collaborator the
// spec treats as external (§1, §6): an opaque credential materialized
// once at User Hub spawn and bound to that process's capability
// context for its whole lifetime. The Central Hub never inspects the
// credential; it only constructs it and hands it down.
package security

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// Actor is the opaque per-user credential constructed from
// (user_id, user_metadata) at User Hub spawn (spec §4.1.1 step a).
// Its fields are unexported: callers outside this package can only
// pass it around and present it, never inspect or mutate it, which
// mirrors the spec's "materialized once ... not mutated afterwards"
// (§5, Shared resources).
type Actor struct {
	userID string
	token  string
}

// UserID returns the identity the actor was constructed for.
func (a Actor) UserID() string {
	return a.userID
}

// Token returns the opaque credential derived for the actor.
func (a Actor) Token() string {
	return a.token
}

// ActorFactory constructs a security actor from a user identity and
// its join-time metadata (spec §4.1.1 step a).
type ActorFactory interface {
	NewActor(userID string, metadata map[string]string) (Actor, error)
}

// Scope is a named security scope resolved once at Central Hub start
// (spec §4.1.1 step b; spec §7: "missing named security scope" is a
// fatal structural error).
type Scope struct {
	name string
}

// Name returns the configured scope name.
func (s Scope) Name() string {
	return s.name
}

// ScopeResolver looks up a named security scope at startup.
type ScopeResolver interface {
	Resolve(name string) (Scope, error)
}

// ErrScopeNotFound is returned by a ScopeResolver when the configured
// scope name has no registered entry.
var ErrScopeNotFound = fmt.Errorf("security scope not found")

// bcryptFactory is the reference ActorFactory: it derives a
// non-reversible per-user token by hashing the user_id together with a
// process-wide secret, the same primitive leapmux's auth package uses
// to hash login passwords. bcrypt draws a random salt on every call, so
// two actors for the same user carry different tokens.
type bcryptFactory struct {
	secret []byte
}

// NewBcryptFactory returns an ActorFactory that derives actor tokens
// with bcrypt over a server-held secret. secret must be non-empty.
func NewBcryptFactory(secret string) (ActorFactory, error) {
	if secret == "" {
		return nil, fmt.Errorf("security: factory secret must not be empty")
	}
	return &bcryptFactory{secret: []byte(secret)}, nil
}

func (f *bcryptFactory) NewActor(userID string, metadata map[string]string) (Actor, error) {
	if userID == "" {
		return Actor{}, fmt.Errorf("security: user_id must not be empty")
	}
	hash, err := bcrypt.GenerateFromPassword(append([]byte(userID+"\x00"), f.secret...), bcrypt.DefaultCost)
	if err != nil {
		return Actor{}, fmt.Errorf("security: derive actor token: %w", err)
	}
	return Actor{userID: userID, token: string(hash)}, nil
}

// staticScopeResolver resolves against a fixed set of scope names
// configured at startup, standing in for the external scope service
// the spec names as an out-of-scope collaborator (§1).
type staticScopeResolver struct {
	known map[string]struct{}
}

// NewStaticScopeResolver returns a ScopeResolver that accepts exactly
// the given scope names.
func NewStaticScopeResolver(names ...string) ScopeResolver {
	known := make(map[string]struct{}, len(names))
	for _, n := range names {
		known[n] = struct{}{}
	}
	return &staticScopeResolver{known: known}
}

func (r *staticScopeResolver) Resolve(name string) (Scope, error) {
	if name == "" {
		return Scope{}, fmt.Errorf("security: scope name must not be empty")
	}
	if _, ok := r.known[name]; !ok {
		return Scope{}, fmt.Errorf("security: scope %q: %w", name, ErrScopeNotFound)
	}
	return Scope{name: name}, nil
}
