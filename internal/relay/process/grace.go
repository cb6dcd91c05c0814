package process

import "time"

// RunWithGrace runs shutdown on its own goroutine and waits for it to
// finish, but for no longer than grace; once grace elapses it returns
// and leaves shutdown to finish in the background. shutdown itself is
// expected to cancel its
// children with the same grace, per spec §5 ("cancel children with the
// same grace, possibly emit a farewell broadcast").
func RunWithGrace(grace time.Duration, shutdown func()) {
	done := make(chan struct{})
	go func() {
		shutdown()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(grace):
	}
}

// DefaultCancelTimeout is CANCEL_TIMEOUT from spec §4.1 (Inactivity GC).
const DefaultCancelTimeout = 10 * time.Second
