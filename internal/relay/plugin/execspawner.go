package plugin

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wippy/relay/internal/relay/process"
	"github.com/wippy/relay/internal/relay/protocol"
)

// ExecSpawner is the reference Spawner: it runs plugin.host as an
// executable, passing plugin.process_id as its one argument and the
// init args (spec §4.3: "{user_id, user_metadata, user_hub_pid=self,
// config}") as a single JSON line on stdin. The subprocess is expected
// to write one JSON {"topic":"...","payload":...} line per outbound
// envelope on stdout; anything on stderr is logged, not parsed.
//
// This stands in for the real plugin host (an external Lua runtime,
// spec §1) the same way wsadapter stands in for the transport and
// FileDiscoverer stands in for the registry: good enough to exercise
// the spawn/monitor contract end-to-end without claiming to be the
// production plugin runtime.
type ExecSpawner struct {
	Logger *slog.Logger
}

// Spawn implements Spawner.
func (s *ExecSpawner) Spawn(ctx context.Context, args SpawnArgs) (Instance, error) {
	log := s.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("process_id", args.ProcessID, "host", args.Host)

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	cmd := exec.CommandContext(runCtx, args.Host, args.ProcessID)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("plugin exec: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("plugin exec: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("plugin exec: stderr pipe: %w", err)
	}

	init := struct {
		UserID       string            `json:"user_id"`
		UserMetadata map[string]string `json:"user_metadata"`
		UserHubPID   string            `json:"user_hub_pid"`
		Config       any               `json:"config"`
	}{
		UserID:       args.UserID,
		UserMetadata: args.UserMetadata,
		UserHubPID:   args.UserHubPID,
		Config:       args.Config,
	}
	initLine, err := json.Marshal(init)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("plugin exec: marshal init args: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("plugin exec: start %q: %w", args.Host, err)
	}

	if _, err := fmt.Fprintln(stdin, string(initLine)); err != nil {
		log.Warn("plugin exec: write init args", "error", err)
	}

	inst := &execInstance{
		cmd:      cmd,
		stdin:    stdin,
		cancel:   cancel,
		outbound: make(chan protocol.Envelope, 32),
		exited:   make(chan error, 1),
		procDone: make(chan struct{}),
		log:      log,
	}
	go inst.drainStdout(stdout)
	go inst.drainStderr(stderr)
	go inst.wait()
	return inst, nil
}

// execInstance adapts a running subprocess to Instance.
type execInstance struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc

	mu    sync.Mutex
	stdin io.WriteCloser

	outbound  chan protocol.Envelope
	exited    chan error
	procDone  chan struct{} // closed once cmd.Wait() returns, for Cancel to wait on
	log       *slog.Logger
	cancelled atomic.Bool
}

func (i *execInstance) ID() string { return i.cmd.Path }

// Send writes one JSON envelope line to the subprocess's stdin.
func (i *execInstance) Send(topic string, payload any) error {
	line, err := json.Marshal(protocol.Envelope{Topic: topic, Payload: payload})
	if err != nil {
		return fmt.Errorf("plugin exec: marshal envelope: %w", err)
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.stdin == nil {
		return fmt.Errorf("plugin exec: stdin closed")
	}
	_, err = fmt.Fprintln(i.stdin, string(line))
	return err
}

func (i *execInstance) Outbound() <-chan protocol.Envelope { return i.outbound }
func (i *execInstance) Exited() <-chan error               { return i.exited }

// Cancel gives the process grace to exit on its own (after its stdin is
// closed) before ExecSpawner forcibly kills it via context cancellation.
// A cancel-initiated exit is always reported as clean (spec §4.3),
// whether the process exits on its own or is killed once grace elapses.
func (i *execInstance) Cancel(grace time.Duration) {
	i.cancelled.Store(true)
	i.mu.Lock()
	if i.stdin != nil {
		_ = i.stdin.Close()
	}
	i.mu.Unlock()

	go func() {
		process.RunWithGrace(grace, func() { <-i.procDone })
		i.cancel()
	}()
}

func (i *execInstance) drainStdout(r io.Reader) {
	defer close(i.outbound)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		var env protocol.Envelope
		if err := json.Unmarshal(scanner.Bytes(), &env); err != nil {
			i.log.Warn("plugin exec: malformed stdout line", "error", err)
			continue
		}
		i.outbound <- env
	}
}

func (i *execInstance) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		i.log.Warn("plugin stderr", "line", scanner.Text())
	}
}

func (i *execInstance) wait() {
	err := i.cmd.Wait()
	close(i.procDone)
	i.cancel()
	if err != nil && !i.cancelled.Load() {
		i.exited <- fmt.Errorf("plugin exec: exited: %w", err)
		return
	}
	if err != nil {
		i.log.Info("plugin exited during cancel", "error", err)
	}
	i.exited <- nil
}
