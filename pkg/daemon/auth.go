package daemon

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/tmhk/dock/pkg/telemetry"
)

// AuthState is a step in the startup handshake between the hub and the
// daemon.
type AuthState string

const (
	// StateWaitingForClient is the initial state: the daemon is up and
	// no hub has presented the shared code yet.
	StateWaitingForClient AuthState = "waiting-for-client"

	// StatePendingPingPong means the code matched and the daemon is
	// waiting for its challenge to be echoed back.
	StatePendingPingPong AuthState = "pending-pingpong"

	// StateAuthOK means the handshake completed and the wire is open.
	StateAuthOK AuthState = "auth-ok"

	// StatePingPongFailed means the challenge echo did not match.
	StatePingPongFailed AuthState = "pingpong-failed"

	// StateMismatch means the hub presented the wrong shared code,
	// usually a version skew between hub script and daemon.
	StateMismatch AuthState = "client-server-mismatch"

	// StateClosing means the daemon is shutting down.
	StateClosing AuthState = "closing"
)

// Authenticator runs the startup handshake. The hub launches the daemon
// with a one-time shared code, presents it on the auth route, and must
// echo the returned challenge on the pingpong route. Until that
// completes, every other route is refused.
type Authenticator struct {
	mu        sync.Mutex
	state     AuthState
	code      string
	challenge string
	done      chan struct{}

	logger  *telemetry.Logger
	metrics *telemetry.Metrics
}

// NewAuthenticator creates an authenticator expecting the given shared
// code. An empty code accepts whichever code the first client presents.
func NewAuthenticator(code string, logger *telemetry.Logger, metrics *telemetry.Metrics) *Authenticator {
	return &Authenticator{
		state:   StateWaitingForClient,
		code:    code,
		done:    make(chan struct{}),
		logger:  logger.NewComponentLogger("auth"),
		metrics: metrics,
	}
}

// transition moves to a new state under the lock.
func (a *Authenticator) transition(state AuthState) {
	a.state = state
	a.metrics.RecordAuthTransition(string(state))
	a.logger.WithField("state", string(state)).Debug("auth state changed")
}

// Begin handles the code exchange and returns the one-time challenge.
// The exchange happens exactly once; a second auth attempt is refused
// no matter what code it presents.
func (a *Authenticator) Begin(code string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state != StateWaitingForClient {
		return "", fmt.Errorf("auth already set (state %s)", a.state)
	}

	if code == "" {
		a.transition(StateMismatch)
		return "", fmt.Errorf("shared code is required")
	}
	if a.code == "" {
		a.code = code
	} else if a.code != code {
		a.transition(StateMismatch)
		return "", fmt.Errorf("shared code mismatch")
	}

	a.challenge = uuid.NewString()
	a.transition(StatePendingPingPong)
	return a.challenge, nil
}

// CompletePingPong verifies the challenge echo and opens the wire.
func (a *Authenticator) CompletePingPong(challenge string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state != StatePendingPingPong {
		return fmt.Errorf("pingpong not available in state %s", a.state)
	}

	if challenge != a.challenge {
		a.transition(StatePingPongFailed)
		return fmt.Errorf("challenge mismatch")
	}

	a.transition(StateAuthOK)
	close(a.done)
	return nil
}

// Restore puts the authenticator directly into the authorized state, for
// a daemon restarted with a valid handoff from its predecessor.
func (a *Authenticator) Restore(code string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state == StateAuthOK {
		return
	}
	a.code = code
	a.transition(StateAuthOK)
	close(a.done)
}

// Authorized reports whether the handshake has completed.
func (a *Authenticator) Authorized() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state == StateAuthOK
}

// State returns the current handshake state.
func (a *Authenticator) State() AuthState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Close marks the daemon as shutting down.
func (a *Authenticator) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != StateClosing {
		a.transition(StateClosing)
	}
}

// VerifyCode checks a presented copy of the shared code, as carried by
// the Authorization header on protected routes.
func (a *Authenticator) VerifyCode(code string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.code != "" && a.code == code
}

// VerifyKillCode checks the code presented on the kill route.
func (a *Authenticator) VerifyKillCode(code string) bool {
	return a.VerifyCode(code)
}

// Code returns the shared code, for the restart handoff.
func (a *Authenticator) Code() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.code
}

// WaitAuthorized blocks until the handshake completes or the context is
// cancelled. The daemon aborts startup when the hub never finishes the
// handshake; a daemon nothing talks to must not linger.
func (a *Authenticator) WaitAuthorized(ctx context.Context) error {
	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("handshake not completed: %w", ctx.Err())
	}
}
