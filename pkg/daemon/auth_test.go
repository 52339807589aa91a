package daemon

import (
	"context"
	"testing"
	"time"

	"github.com/tmhk/dock/pkg/telemetry"
)

func testAuthenticator(t *testing.T, code string) *Authenticator {
	t.Helper()
	logger, err := telemetry.NewLogger(telemetry.LoggingConfig{
		Level:  "error",
		Format: "json",
		Output: "stderr",
	})
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}
	metrics, err := telemetry.NewMetrics(telemetry.MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}
	return NewAuthenticator(code, logger, metrics)
}

func TestHandshakeHappyPath(t *testing.T) {
	a := testAuthenticator(t, "secret")

	if a.State() != StateWaitingForClient {
		t.Fatalf("initial state = %s, want %s", a.State(), StateWaitingForClient)
	}

	challenge, err := a.Begin("secret")
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	if challenge == "" {
		t.Fatal("Begin() returned empty challenge")
	}
	if a.State() != StatePendingPingPong {
		t.Errorf("state = %s, want %s", a.State(), StatePendingPingPong)
	}

	if err := a.CompletePingPong(challenge); err != nil {
		t.Fatalf("CompletePingPong() error = %v", err)
	}
	if !a.Authorized() {
		t.Error("Authorized() = false after handshake")
	}
}

func TestBeginWrongCode(t *testing.T) {
	a := testAuthenticator(t, "secret")

	if _, err := a.Begin("wrong"); err == nil {
		t.Fatal("Begin() with wrong code succeeded")
	}
	if a.State() != StateMismatch {
		t.Errorf("state = %s, want %s", a.State(), StateMismatch)
	}

	// Mismatch is terminal.
	if _, err := a.Begin("secret"); err == nil {
		t.Error("Begin() succeeded after mismatch")
	}
}

func TestBeginRefusedOnceChallenged(t *testing.T) {
	a := testAuthenticator(t, "secret")

	challenge, err := a.Begin("secret")
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}

	// The code exchange happens exactly once, even with the right code.
	if _, err := a.Begin("secret"); err == nil {
		t.Error("Begin() succeeded a second time")
	}

	// The refusal must not break the pending handshake.
	if err := a.CompletePingPong(challenge); err != nil {
		t.Fatalf("CompletePingPong() after refused retry error = %v", err)
	}
}

func TestVerifyCode(t *testing.T) {
	a := testAuthenticator(t, "secret")

	if a.VerifyCode("wrong") {
		t.Error("wrong code accepted")
	}
	if !a.VerifyCode("secret") {
		t.Error("shared code refused")
	}
	if a.VerifyCode("") {
		t.Error("empty code accepted")
	}
}

func TestPingPongWrongChallenge(t *testing.T) {
	a := testAuthenticator(t, "secret")

	if _, err := a.Begin("secret"); err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	if err := a.CompletePingPong("not-the-challenge"); err == nil {
		t.Fatal("CompletePingPong() with wrong echo succeeded")
	}
	if a.State() != StatePingPongFailed {
		t.Errorf("state = %s, want %s", a.State(), StatePingPongFailed)
	}
	if a.Authorized() {
		t.Error("Authorized() = true after failed pingpong")
	}
}

func TestEmptyExpectedCodeAdoptsFirstPresented(t *testing.T) {
	a := testAuthenticator(t, "")

	challenge, err := a.Begin("whatever-the-hub-chose")
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	if err := a.CompletePingPong(challenge); err != nil {
		t.Fatalf("CompletePingPong() error = %v", err)
	}
	if !a.VerifyKillCode("whatever-the-hub-chose") {
		t.Error("adopted code not accepted as kill code")
	}
}

func TestEmptyPresentedCodeRefused(t *testing.T) {
	a := testAuthenticator(t, "")

	if _, err := a.Begin(""); err == nil {
		t.Fatal("Begin() with empty code succeeded")
	}
}

func TestRestoreSkipsHandshake(t *testing.T) {
	a := testAuthenticator(t, "")

	a.Restore("handoff-code")
	if !a.Authorized() {
		t.Fatal("Authorized() = false after Restore")
	}
	if !a.VerifyKillCode("handoff-code") {
		t.Error("restored code not accepted as kill code")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := a.WaitAuthorized(ctx); err != nil {
		t.Errorf("WaitAuthorized() error = %v", err)
	}
}

func TestWaitAuthorizedTimesOut(t *testing.T) {
	a := testAuthenticator(t, "secret")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := a.WaitAuthorized(ctx); err == nil {
		t.Error("WaitAuthorized() returned nil without a handshake")
	}
}

func TestVerifyKillCode(t *testing.T) {
	a := testAuthenticator(t, "secret")

	if a.VerifyKillCode("wrong") {
		t.Error("wrong kill code accepted")
	}
	if !a.VerifyKillCode("secret") {
		t.Error("correct kill code refused")
	}

	// An authenticator with no code yet must not accept an empty code.
	b := testAuthenticator(t, "")
	if b.VerifyKillCode("") {
		t.Error("empty kill code accepted against empty expected code")
	}
}
