package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/tmhk/dock/pkg/config"
	"github.com/tmhk/dock/pkg/telemetry"
)

// handoffTTL bounds how old a restart handoff may be before a new daemon
// refuses to trust it.
const handoffTTL = 60 * time.Second

// Watchdog ties the daemon's life to the desktop client's. The client
// renews a stamp file while it runs; when the stamp goes stale and the
// hub stops polling, the client is gone and the daemon must exit rather
// than linger as an orphan process.
type Watchdog struct {
	cfg      *config.Config
	queue    *OutboundQueue
	logger   *telemetry.Logger
	shutdown func(reason string)
}

// NewWatchdog creates a watchdog. shutdown is invoked at most once, from
// the watchdog goroutine, when the client is judged gone.
func NewWatchdog(cfg *config.Config, queue *OutboundQueue, logger *telemetry.Logger, shutdown func(reason string)) *Watchdog {
	return &Watchdog{
		cfg:      cfg,
		queue:    queue,
		logger:   logger.NewComponentLogger("watchdog"),
		shutdown: shutdown,
	}
}

// AcquireLock claims the daemon lockfile. A fresh lockfile means another
// daemon is already serving this install; a stale one is left over from
// a crash and is replaced. The file holds a Unix timestamp, which is
// what the hub script parses for its own duplicate-daemon check.
func (w *Watchdog) AcquireLock() error {
	path := w.cfg.LockPath()

	if ts, ok := readStampFile(path); ok {
		age := time.Since(ts)
		if age < w.cfg.Liveness.StaleAfter {
			return fmt.Errorf("another daemon holds the lock (refreshed %s ago)", age.Round(time.Second))
		}
		w.logger.WithField("age", age.String()).Warn("replacing stale daemon lock")
	}

	if err := os.MkdirAll(w.cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}
	if err := writeStampFile(path); err != nil {
		return fmt.Errorf("failed to write lockfile: %w", err)
	}
	return nil
}

// ReleaseLock removes the daemon lockfile.
func (w *Watchdog) ReleaseLock() {
	if err := os.Remove(w.cfg.LockPath()); err != nil && !os.IsNotExist(err) {
		w.logger.WithError(err).Warn("failed to remove lockfile")
	}
}

// Run ticks until the context is cancelled, refreshing the lock and
// checking the client stamp.
func (w *Watchdog) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.Liveness.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.refreshLock()
			if reason, gone := w.clientGone(); gone {
				w.logger.WithField("reason", reason).Warn("client judged gone, shutting down")
				w.shutdown(reason)
				return
			}
		}
	}
}

// refreshLock rewrites the lockfile timestamp so the hub and other
// daemons see the lock as held. Content, not mtime: the hub reads the
// number inside.
func (w *Watchdog) refreshLock() {
	if err := writeStampFile(w.cfg.LockPath()); err != nil {
		w.logger.WithError(err).Warn("failed to refresh lockfile")
	}
}

// writeStampFile writes the current Unix timestamp, matching the format
// the hub script writes and parses.
func writeStampFile(path string) error {
	return os.WriteFile(path, []byte(strconv.FormatInt(time.Now().Unix(), 10)), 0644)
}

// readStampFile reads a timestamp file. The hub writes a bare Unix
// timestamp; anything unparsable falls back to the file's mtime.
func readStampFile(path string) (time.Time, bool) {
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}, false
	}
	data, err := os.ReadFile(path)
	if err == nil {
		if ts, perr := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64); perr == nil {
			return time.Unix(ts, 0), true
		}
	}
	return info.ModTime(), true
}

// clientGone applies the liveness rules to the client stamp and the poll
// history.
func (w *Watchdog) clientGone() (string, bool) {
	stampTime, ok := readStampFile(w.cfg.StampPath())
	if !ok {
		// No stamp yet: the client has not finished starting. The
		// startup auth timeout covers this window.
		return "", false
	}

	stampAge := time.Since(stampTime)
	if stampAge > w.cfg.Liveness.DeadAfter {
		return fmt.Sprintf("client stamp %s old", stampAge.Round(time.Second)), true
	}

	if stampAge > w.cfg.Liveness.StaleAfter {
		lastPoll := w.queue.LastPoll()
		if lastPoll.IsZero() {
			return "", false
		}
		pollGap := time.Since(lastPoll)
		if pollGap > w.cfg.Liveness.PollStaleAfter {
			return fmt.Sprintf("client stamp %s old and no poll for %s",
				stampAge.Round(time.Second), pollGap.Round(time.Second)), true
		}
	}

	return "", false
}

// Handoff is what a gracefully restarting daemon leaves for its
// successor: proof that the hub already authenticated, so the handshake
// is not repeated mid-session.
type Handoff struct {
	Timestamp int64  `json:"t"`
	Auth      bool   `json:"auth"`
	KillCode  string `json:"killcode"`
}

// WriteHandoff persists the restart handoff.
func (w *Watchdog) WriteHandoff(auth bool, killCode string) error {
	h := Handoff{
		Timestamp: time.Now().Unix(),
		Auth:      auth,
		KillCode:  killCode,
	}
	data, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("failed to encode handoff: %w", err)
	}
	if err := os.WriteFile(w.cfg.HandoffPath(), data, 0600); err != nil {
		return fmt.Errorf("failed to write handoff: %w", err)
	}
	return nil
}

// DiscardHandoff removes any pending restart handoff.
func (w *Watchdog) DiscardHandoff() {
	if err := os.Remove(w.cfg.HandoffPath()); err != nil && !os.IsNotExist(err) {
		w.logger.WithError(err).Warn("failed to remove handoff")
	}
}

// ConsumeHandoff reads and deletes the restart handoff. It returns nil
// when there is none or it has expired.
func (w *Watchdog) ConsumeHandoff() *Handoff {
	path := w.cfg.HandoffPath()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	_ = os.Remove(path)

	var h Handoff
	if err := json.Unmarshal(data, &h); err != nil {
		w.logger.WithError(err).Warn("discarding malformed handoff")
		return nil
	}

	age := time.Since(time.Unix(h.Timestamp, 0))
	if age > handoffTTL || age < 0 {
		w.logger.WithField("age", age.String()).Warn("discarding expired handoff")
		return nil
	}

	return &h
}
