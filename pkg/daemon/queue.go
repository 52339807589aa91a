package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tmhk/dock/pkg/protocol"
	"github.com/tmhk/dock/pkg/telemetry"
)

// OutboundQueue holds host-API calls and notices until the hub's next
// poll. Calls get a nonce and a waiter; the hub acks the nonce with the
// call's result. Notices are fire-and-forget.
//
// The queue implements host.Caller.
type OutboundQueue struct {
	mu       sync.Mutex
	entries  []protocol.OutboundEntry
	pending  map[string]chan callResult
	lastPoll time.Time

	timeout time.Duration
	logger  *telemetry.Logger
	metrics *telemetry.Metrics
}

type callResult struct {
	response json.RawMessage
	err      error
}

// NewOutboundQueue creates an outbound queue. timeout bounds each call's
// round trip from enqueue to ack.
func NewOutboundQueue(timeout time.Duration, logger *telemetry.Logger, metrics *telemetry.Metrics) *OutboundQueue {
	return &OutboundQueue{
		pending: make(map[string]chan callResult),
		timeout: timeout,
		logger:  logger.NewComponentLogger("outbound"),
		metrics: metrics,
	}
}

// Call enqueues a host-API call and blocks until the hub acks it, the
// context is cancelled, or the timeout elapses.
func (q *OutboundQueue) Call(ctx context.Context, callType string, args ...any) (json.RawMessage, error) {
	nonce := uuid.NewString()
	done := make(chan callResult, 1)

	q.mu.Lock()
	q.pending[nonce] = done
	q.entries = append(q.entries, protocol.OutboundEntry{
		Nonce: nonce,
		Data:  protocol.OutboundData{Type: callType, Args: args},
	})
	q.metrics.SetOutboundDepth(float64(len(q.entries)))
	q.mu.Unlock()

	timer := telemetry.NewTimer()

	select {
	case res := <-done:
		if res.err != nil {
			q.metrics.RecordHostCall(callType, "error", timer.Duration())
			return nil, res.err
		}
		q.metrics.RecordHostCall(callType, "ok", timer.Duration())
		return res.response, nil

	case <-ctx.Done():
		q.abandon(nonce)
		q.metrics.RecordHostCall(callType, "cancelled", timer.Duration())
		return nil, ctx.Err()

	case <-time.After(q.timeout):
		q.abandon(nonce)
		q.metrics.RecordHostCall(callType, "timeout", timer.Duration())
		return nil, fmt.Errorf("host call %s timed out after %s", callType, q.timeout)
	}
}

// abandon forgets a pending call. A late ack for its nonce is treated as
// unknown.
func (q *OutboundQueue) abandon(nonce string) {
	q.mu.Lock()
	delete(q.pending, nonce)
	q.mu.Unlock()
}

// Notify enqueues an unsolicited notice for the hub: a log line or error
// report a plugin wants shown inside the legacy host.
func (q *OutboundQueue) Notify(data protocol.OutboundData) {
	q.mu.Lock()
	q.entries = append(q.entries, protocol.OutboundEntry{Data: data})
	q.metrics.SetOutboundDepth(float64(len(q.entries)))
	q.mu.Unlock()
}

// Drain returns and clears all queued entries, stamping the poll time.
func (q *OutboundQueue) Drain() []protocol.OutboundEntry {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	if !q.lastPoll.IsZero() {
		q.metrics.RecordPoll(now.Sub(q.lastPoll))
	} else {
		q.metrics.RecordPoll(0)
	}
	q.lastPoll = now

	entries := q.entries
	q.entries = nil
	q.metrics.SetOutboundDepth(0)

	if entries == nil {
		entries = []protocol.OutboundEntry{}
	}
	return entries
}

// Ack resolves pending calls by nonce. Acks for unknown nonces are
// logged and dropped; the call they answer has already timed out.
func (q *OutboundQueue) Ack(entries []protocol.AckEntry) {
	for _, entry := range entries {
		q.mu.Lock()
		done, ok := q.pending[entry.Nonce]
		if ok {
			delete(q.pending, entry.Nonce)
		}
		q.mu.Unlock()

		if !ok {
			q.metrics.RecordUnknownAck()
			q.logger.WithNonce(entry.Nonce).Warn("ack for unknown nonce dropped")
			continue
		}

		res := callResult{response: entry.Response}
		if entry.Error != "" {
			res.err = fmt.Errorf("host rejected call: %s", entry.Error)
		}
		done <- res
	}
}

// LastPoll returns when the hub last drained the queue. Zero means it
// never has.
func (q *OutboundQueue) LastPoll() time.Time {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lastPoll
}

// Depth returns the number of queued entries.
func (q *OutboundQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// PendingCalls returns the number of calls awaiting an ack.
func (q *OutboundQueue) PendingCalls() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
