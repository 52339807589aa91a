package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/tmhk/dock/pkg/protocol"
	"github.com/tmhk/dock/pkg/telemetry"
)

func testQueue(t *testing.T, timeout time.Duration) *OutboundQueue {
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
	return NewOutboundQueue(timeout, logger, metrics)
}

func TestCallResolvedByAck(t *testing.T) {
	q := testQueue(t, time.Second)

	type result struct {
		response json.RawMessage
		err      error
	}
	resCh := make(chan result, 1)
	go func() {
		resp, err := q.Call(context.Background(), "GetPoints", "user-1")
		resCh <- result{resp, err}
	}()

	// Wait for the call to land in the queue, then drain and ack it the
	// way the hub would.
	var entries []protocol.OutboundEntry
	deadline := time.After(time.Second)
	for len(entries) == 0 {
		select {
		case <-deadline:
			t.Fatal("call never appeared in the queue")
		default:
			entries = q.Drain()
		}
	}

	if entries[0].Data.Type != "GetPoints" {
		t.Errorf("entry type = %q, want GetPoints", entries[0].Data.Type)
	}
	if entries[0].Nonce == "" {
		t.Fatal("call entry has no nonce")
	}

	q.Ack([]protocol.AckEntry{{Nonce: entries[0].Nonce, Response: json.RawMessage(`1500`)}})

	res := <-resCh
	if res.err != nil {
		t.Fatalf("Call() error = %v", res.err)
	}
	if string(res.response) != "1500" {
		t.Errorf("response = %s, want 1500", res.response)
	}
}

func TestCallTimesOut(t *testing.T) {
	q := testQueue(t, 20*time.Millisecond)

	_, err := q.Call(context.Background(), "IsLive")
	if err == nil {
		t.Fatal("Call() expected timeout error")
	}
	if !strings.Contains(err.Error(), "timed out") {
		t.Errorf("error = %v, want timeout", err)
	}
	if q.PendingCalls() != 0 {
		t.Errorf("pending calls = %d after timeout, want 0", q.PendingCalls())
	}
}

func TestCallCancelled(t *testing.T) {
	q := testQueue(t, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := q.Call(ctx, "IsLive")
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Call() error = %v, want context.Canceled", err)
	}
}

func TestAckErrorSurfacesToCaller(t *testing.T) {
	q := testQueue(t, time.Second)

	errCh := make(chan error, 1)
	go func() {
		_, err := q.Call(context.Background(), "AddPoints", "user-1", 50)
		errCh <- err
	}()

	var entries []protocol.OutboundEntry
	deadline := time.After(time.Second)
	for len(entries) == 0 {
		select {
		case <-deadline:
			t.Fatal("call never appeared in the queue")
		default:
			entries = q.Drain()
		}
	}

	q.Ack([]protocol.AckEntry{{Nonce: entries[0].Nonce, Error: "no such user"}})

	err := <-errCh
	if err == nil || !strings.Contains(err.Error(), "no such user") {
		t.Errorf("Call() error = %v, want host rejection", err)
	}
}

func TestUnknownAckDropped(t *testing.T) {
	q := testQueue(t, time.Second)

	// Must not panic or block.
	q.Ack([]protocol.AckEntry{{Nonce: "never-issued", Response: json.RawMessage(`true`)}})

	if q.PendingCalls() != 0 {
		t.Errorf("pending calls = %d, want 0", q.PendingCalls())
	}
}

func TestNotifyHasNoNonce(t *testing.T) {
	q := testQueue(t, time.Second)

	q.Notify(protocol.OutboundData{
		Type: protocol.OutboundTypeLog,
		Args: []any{"plugin-1", "started"},
	})

	entries := q.Drain()
	if len(entries) != 1 {
		t.Fatalf("drained %d entries, want 1", len(entries))
	}
	if entries[0].Nonce != "" {
		t.Errorf("notice nonce = %q, want empty", entries[0].Nonce)
	}
	if !entries[0].Data.IsNotice() {
		t.Error("IsNotice() = false for @log entry")
	}
}

func TestDrainReturnsEmptySliceNotNil(t *testing.T) {
	q := testQueue(t, time.Second)

	entries := q.Drain()
	if entries == nil {
		t.Fatal("Drain() = nil, want empty slice")
	}

	// The hub decodes the poll body as a JSON array. A nil slice would
	// serialize as null.
	data, err := json.Marshal(entries)
	if err != nil {
		t.Fatalf("marshal error = %v", err)
	}
	if string(data) != "[]" {
		t.Errorf("empty drain serialized as %s, want []", data)
	}
}

func TestDrainStampsLastPoll(t *testing.T) {
	q := testQueue(t, time.Second)

	if !q.LastPoll().IsZero() {
		t.Error("LastPoll() non-zero before first drain")
	}
	q.Drain()
	if q.LastPoll().IsZero() {
		t.Error("LastPoll() zero after drain")
	}
}
