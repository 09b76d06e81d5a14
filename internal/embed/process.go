package embed

import (
	"context"
	"log/slog"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	coreerrors "github.com/localsem/localsem/internal/errors"
)

// procState mirrors the state machine of spec §4.1:
// Uninitialised → Spawning → Ready → Embedding ↔ Ready → (Error | Draining) → Exited.
// Transitions are monotonic within one process's lifetime; a restart
// creates a fresh lifetime starting again at Spawning.
type procState int32

const (
	stateUninitialised procState = iota
	stateSpawning
	stateReady
	stateEmbedding
	stateDraining
	stateError
	stateExited
)

func (s procState) String() string {
	switch s {
	case stateUninitialised:
		return "uninitialised"
	case stateSpawning:
		return "spawning"
	case stateReady:
		return "ready"
	case stateEmbedding:
		return "embedding"
	case stateDraining:
		return "draining"
	case stateError:
		return "error"
	case stateExited:
		return "exited"
	default:
		return "unknown"
	}
}

const (
	restartBaseDelay = 500 * time.Millisecond
	restartMaxDelay  = 30 * time.Second
)

// process owns the embedding server's child process (when one is
// configured) and its health loop. It never inspects embedding responses
// itself; that's the ESC's job. process only answers "is the server up"
// and "bring it back up if it isn't".
type process struct {
	command []string
	client  *httpClient

	healthInterval time.Duration
	startupTimeout time.Duration

	execCommand func(name string, args ...string) *exec.Cmd

	breaker *coreerrors.CircuitBreaker

	mu    sync.Mutex
	state procState
	cmd   *exec.Cmd

	stopCh chan struct{}
	doneCh chan struct{}
}

func newProcess(command []string, client *httpClient, healthInterval, startupTimeout time.Duration, maxRestarts int, restartWindow time.Duration) *process {
	if healthInterval <= 0 {
		healthInterval = 10 * time.Second
	}
	if startupTimeout <= 0 {
		startupTimeout = 30 * time.Second
	}
	if maxRestarts <= 0 {
		maxRestarts = 5
	}
	if restartWindow <= 0 {
		restartWindow = time.Minute
	}

	return &process{
		command:        command,
		client:         client,
		healthInterval: healthInterval,
		startupTimeout: startupTimeout,
		execCommand:    exec.Command,
		breaker: coreerrors.NewCircuitBreaker("esc_restart",
			coreerrors.WithMaxFailures(maxRestarts),
			coreerrors.WithResetTimeout(restartWindow)),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// managesServer reports whether this ESC spawns and restarts the server
// itself, versus connecting to one the operator already started.
func (p *process) managesServer() bool {
	return len(p.command) > 0
}

func (p *process) State() procState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *process) setState(s procState) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// start brings the server up (spawning it if managesServer) and blocks
// until GET /health reports ready or ctx/startupTimeout elapses, then
// launches the background health loop.
func (p *process) start(ctx context.Context) error {
	p.setState(stateSpawning)

	if p.managesServer() {
		if err := p.spawn(); err != nil {
			p.setState(stateError)
			return err
		}
	}

	waitCtx, cancel := context.WithTimeout(ctx, p.startupTimeout)
	defer cancel()
	if err := p.waitHealthy(waitCtx); err != nil {
		p.setState(stateError)
		return err
	}

	p.setState(stateReady)
	p.breaker.RecordSuccess()
	go p.healthLoop()
	return nil
}

func (p *process) spawn() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	cmd := p.execCommand(p.command[0], p.command[1:]...)
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		return coreerrors.SupervisorError("spawn embedding server", err)
	}
	p.cmd = cmd

	go func() { _ = cmd.Wait() }()
	return nil
}

func (p *process) waitHealthy(ctx context.Context) error {
	interval := 100 * time.Millisecond
	const maxInterval = 2 * time.Second

	for {
		if p.client.health(ctx) {
			return nil
		}
		select {
		case <-ctx.Done():
			return coreerrors.EmbeddingError("embedding server did not become ready", ctx.Err())
		case <-time.After(interval):
		}
		interval *= 2
		if interval > maxInterval {
			interval = maxInterval
		}
	}
}

// healthLoop polls GET /health at healthInterval until stop. Two
// consecutive failures trigger a restart attempt: a respawn when the ESC
// manages the server, otherwise a renewed wait for the external server.
// The loop keeps running in Error, so restarts resume once the breaker's
// cool-down lets one through, and a passing check returns it to Ready.
func (p *process) healthLoop() {
	defer close(p.doneCh)

	var consecutiveFailures int32
	ticker := time.NewTicker(p.healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
		}

		if p.State() == stateExited {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		healthy := p.client.health(ctx)
		cancel()

		if healthy {
			atomic.StoreInt32(&consecutiveFailures, 0)
			if p.State() == stateError {
				p.setState(stateReady)
			}
			continue
		}

		if atomic.AddInt32(&consecutiveFailures, 1) < 2 {
			continue
		}
		atomic.StoreInt32(&consecutiveFailures, 0)

		p.restart()
	}
}

// restart attempts to bring the server back up, gated by the circuit
// breaker's hard cap on restarts within its window and an exponential
// backoff between attempts. Once the breaker opens, process goes to Error
// and stays there until the window's cool-down resets it.
func (p *process) restart() {
	if !p.breaker.Allow() {
		slog.Warn("esc_restart_budget_exhausted")
		p.setState(stateError)
		return
	}

	delay := restartBaseDelay
	if failures := p.breaker.Failures(); failures > 0 {
		for i := 0; i < failures && delay < restartMaxDelay; i++ {
			delay *= 2
		}
		if delay > restartMaxDelay {
			delay = restartMaxDelay
		}
	}
	time.Sleep(delay)

	slog.Warn("esc_restarting_server")
	p.setState(stateSpawning)

	if p.managesServer() {
		p.killLocked()
		if err := p.spawn(); err != nil {
			p.breaker.RecordFailure()
			p.setState(stateError)
			return
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.startupTimeout)
	defer cancel()
	if err := p.waitHealthy(ctx); err != nil {
		p.breaker.RecordFailure()
		p.setState(stateError)
		return
	}

	p.breaker.RecordSuccess()
	p.setState(stateReady)
}

func (p *process) killLocked() {
	p.mu.Lock()
	cmd := p.cmd
	p.mu.Unlock()
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}

// stop halts the health loop and, if the ESC manages the server, kills it.
func (p *process) stop() {
	select {
	case <-p.stopCh:
		return
	default:
		close(p.stopCh)
	}

	if p.State() != stateUninitialised {
		<-p.doneCh
	}

	p.setState(stateExited)
	if p.managesServer() {
		p.killLocked()
	}
}
