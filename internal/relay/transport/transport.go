// Package transport defines the narrow seam between the hub hierarchy
// and the external WebSocket-style transport process spec.md §1 and §6
// treat as a pre-existing collaborator. Hubs only ever see a ClientConn;
// how frames actually reach a browser or other client is the concern of
// a concrete adapter such as wsadapter.
package transport

// ClientConn is the handle a Central Hub or User Hub holds for one
// connected client (spec.md's client_pid). The hubs treat Send as
// fire-and-forget: its error is logged or discarded, never retried.
// Send is not required to be non-blocking; wsadapter's Send blocks on
// the socket write for up to five seconds.
type ClientConn interface {
	ID() string
	Send(topic string, payload any) error
}
