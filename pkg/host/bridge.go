// Package host exposes the legacy host's Parent API to plugins as typed
// Go methods. Every method serializes into an outbound queue entry; the
// hub script executes the real Parent call and acks the result by nonce.
package host

import (
	"context"
	"encoding/json"
	"fmt"
)

// Caller enqueues one host-API call and blocks until the hub acks it or
// the call times out. The daemon's outbound queue implements it.
type Caller interface {
	Call(ctx context.Context, callType string, args ...any) (json.RawMessage, error)
}

// Bridge wraps a Caller with a typed method per Parent call.
type Bridge struct {
	caller Caller
}

// NewBridge creates a bridge over the given caller.
func NewBridge(caller Caller) *Bridge {
	return &Bridge{caller: caller}
}

// call performs the call and decodes the ack into target. A nil target
// discards the result.
func (b *Bridge) call(ctx context.Context, target any, callType string, args ...any) error {
	raw, err := b.caller.Call(ctx, callType, args...)
	if err != nil {
		return err
	}
	if target == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return fmt.Errorf("failed to decode %s result: %w", callType, err)
	}
	return nil
}

// Raw performs an untyped call and returns the ack payload as raw
// JSON. The WASM host module routes guest calls by name through it.
func (b *Bridge) Raw(ctx context.Context, callType string, args ...any) (json.RawMessage, error) {
	return b.caller.Call(ctx, callType, args...)
}

// Currency

// GetCurrencyName returns the name of the loyalty currency.
func (b *Bridge) GetCurrencyName(ctx context.Context) (string, error) {
	var name string
	err := b.call(ctx, &name, "GetCurrencyName")
	return name, err
}

// AddPoints grants currency to a user. It reports false when the host
// rejected the grant (unknown user, negative balance rules).
func (b *Bridge) AddPoints(ctx context.Context, userID, username string, amount int64) (bool, error) {
	var ok bool
	err := b.call(ctx, &ok, "AddPoints", userID, username, amount)
	return ok, err
}

// RemovePoints deducts currency from a user.
func (b *Bridge) RemovePoints(ctx context.Context, userID, username string, amount int64) (bool, error) {
	var ok bool
	err := b.call(ctx, &ok, "RemovePoints", userID, username, amount)
	return ok, err
}

// AddPointsAll grants currency to many users at once and returns the
// user IDs the host could not credit.
func (b *Bridge) AddPointsAll(ctx context.Context, amounts map[string]int64) ([]string, error) {
	var failed []string
	err := b.call(ctx, &failed, "AddPointsAll", amounts)
	return failed, err
}

// RemovePointsAll deducts currency from many users at once and returns
// the user IDs the host could not debit.
func (b *Bridge) RemovePointsAll(ctx context.Context, amounts map[string]int64) ([]string, error) {
	var failed []string
	err := b.call(ctx, &failed, "RemovePointsAll", amounts)
	return failed, err
}

// GetPoints returns a user's currency balance.
func (b *Bridge) GetPoints(ctx context.Context, userID string) (int64, error) {
	var points int64
	err := b.call(ctx, &points, "GetPoints", userID)
	return points, err
}

// GetRank returns a user's loyalty rank name.
func (b *Bridge) GetRank(ctx context.Context, userID string) (string, error) {
	var rank string
	err := b.call(ctx, &rank, "GetRank", userID)
	return rank, err
}

// GetHours returns a user's accumulated watch hours.
func (b *Bridge) GetHours(ctx context.Context, userID string) (float64, error) {
	var hours float64
	err := b.call(ctx, &hours, "GetHours", userID)
	return hours, err
}

// CurrencyUser is one row of a bulk currency lookup.
type CurrencyUser struct {
	ID     string  `json:"id"`
	Name   string  `json:"name"`
	Points int64   `json:"points"`
	Rank   string  `json:"rank"`
	Hours  float64 `json:"hours"`
}

// GetCurrencyUsers performs a bulk currency lookup.
func (b *Bridge) GetCurrencyUsers(ctx context.Context, userIDs []string) ([]CurrencyUser, error) {
	var users []CurrencyUser
	err := b.call(ctx, &users, "GetCurrencyUsers", userIDs)
	return users, err
}

// Messaging

// SendStreamMessage posts a message to the stream chat.
func (b *Bridge) SendStreamMessage(ctx context.Context, message string) error {
	return b.call(ctx, nil, "SendStreamMessage", message)
}

// SendStreamWhisper sends a whisper to a user on the stream service.
func (b *Bridge) SendStreamWhisper(ctx context.Context, target, message string) error {
	return b.call(ctx, nil, "SendStreamWhisper", target, message)
}

// SendDiscordMessage posts a message to the connected Discord channel.
func (b *Bridge) SendDiscordMessage(ctx context.Context, message string) error {
	return b.call(ctx, nil, "SendDiscordMessage", message)
}

// SendDiscordDM sends a direct message to a Discord user.
func (b *Bridge) SendDiscordDM(ctx context.Context, target, message string) error {
	return b.call(ctx, nil, "SendDiscordDM", target, message)
}

// BroadcastWSEvent broadcasts an event to overlay websocket clients.
func (b *Bridge) BroadcastWSEvent(ctx context.Context, event string, payload any) error {
	return b.call(ctx, nil, "BroadcastWSEvent", event, payload)
}

// Viewers

// HasPermission checks a user against a host permission group.
func (b *Bridge) HasPermission(ctx context.Context, userID, permission, info string) (bool, error) {
	var ok bool
	err := b.call(ctx, &ok, "HasPermission", userID, permission, info)
	return ok, err
}

// GetViewerList returns every viewer the host currently knows about.
func (b *Bridge) GetViewerList(ctx context.Context) ([]string, error) {
	var viewers []string
	err := b.call(ctx, &viewers, "GetViewerList")
	return viewers, err
}

// GetActiveViewers returns viewers active within the host's window.
func (b *Bridge) GetActiveViewers(ctx context.Context) ([]string, error) {
	var viewers []string
	err := b.call(ctx, &viewers, "GetActiveViewers")
	return viewers, err
}

// GetRandomActiveViewer picks a random active viewer.
func (b *Bridge) GetRandomActiveViewer(ctx context.Context) (string, error) {
	var viewer string
	err := b.call(ctx, &viewer, "GetRandomActiveViewer")
	return viewer, err
}

// GetDisplayName returns a user's display name.
func (b *Bridge) GetDisplayName(ctx context.Context, userID string) (string, error) {
	var name string
	err := b.call(ctx, &name, "GetDisplayName", userID)
	return name, err
}

// Stream state

// IsLive reports whether the stream is live.
func (b *Bridge) IsLive(ctx context.Context) (bool, error) {
	var live bool
	err := b.call(ctx, &live, "IsLive")
	return live, err
}

// GetStreamingService returns the connected stream service name.
func (b *Bridge) GetStreamingService(ctx context.Context) (string, error) {
	var service string
	err := b.call(ctx, &service, "GetStreamingService")
	return service, err
}

// GetChannelName returns the connected channel name.
func (b *Bridge) GetChannelName(ctx context.Context) (string, error) {
	var channel string
	err := b.call(ctx, &channel, "GetChannelName")
	return channel, err
}

// Media

// PlaySound plays an audio file through the host. Volume is 0 to 100;
// the host expects 0.0 to 1.0, so the bridge rescales.
func (b *Bridge) PlaySound(ctx context.Context, path string, volume int) (bool, error) {
	var ok bool
	err := b.call(ctx, &ok, "PlaySound", path, float64(volume)/100.0)
	return ok, err
}

// GetQueue returns up to max entries of the host's viewer queue. The
// shape varies by host version, so the raw document is returned.
func (b *Bridge) GetQueue(ctx context.Context, max int) (json.RawMessage, error) {
	var queue json.RawMessage
	err := b.call(ctx, &queue, "GetQueue", max)
	return queue, err
}

// GetSongQueue returns up to max entries of the song request queue.
func (b *Bridge) GetSongQueue(ctx context.Context, max int) (json.RawMessage, error) {
	var queue json.RawMessage
	err := b.call(ctx, &queue, "GetSongQueue", max)
	return queue, err
}

// GetSongPlaylist returns up to max entries of the song playlist.
func (b *Bridge) GetSongPlaylist(ctx context.Context, max int) (json.RawMessage, error) {
	var playlist json.RawMessage
	err := b.call(ctx, &playlist, "GetSongPlaylist", max)
	return playlist, err
}

// GetNowPlaying returns the currently playing song.
func (b *Bridge) GetNowPlaying(ctx context.Context) (json.RawMessage, error) {
	var song json.RawMessage
	err := b.call(ctx, &song, "GetNowPlaying")
	return song, err
}
