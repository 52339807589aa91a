// Package protocol defines the JSON payload model exchanged between the
// dock daemon and the hub script running inside the legacy chatbot host.
//
// The legacy host cannot accept inbound connections, so every exchange is
// client-initiated: the hub POSTs host events to the daemon's inbound
// routes and GETs the outbound queue, answering queued host-API calls by
// nonce on the ack route.
package protocol

import (
	"encoding/json"
	"fmt"
)

// PayloadType identifies the kind of inbound payload the hub is sending.
// The numeric values are part of the wire contract with the hub script.
type PayloadType int

const (
	// PayloadTypeExecute is a host event (chat message or raw data event).
	PayloadTypeExecute PayloadType = 0
	// PayloadTypeParse is a synchronous parse request for command output.
	PayloadTypeParse PayloadType = 1
	// PayloadTypeStateToggle reports the plugin's shim being toggled on/off.
	PayloadTypeStateToggle PayloadType = 2
	// PayloadTypeSettingsReload carries an updated settings document.
	PayloadTypeSettingsReload PayloadType = 3
	// PayloadTypeButton reports a UI button press on the plugin's shim.
	PayloadTypeButton PayloadType = 4
	// PayloadTypeInitialSettings carries the settings document at shim init.
	PayloadTypeInitialSettings PayloadType = 5
	// PayloadTypeInitialState reports the shim's enabled state at init.
	PayloadTypeInitialState PayloadType = 6
)

// Validate checks if the payload type is one the daemon understands.
func (pt PayloadType) Validate() error {
	switch pt {
	case PayloadTypeExecute, PayloadTypeParse, PayloadTypeStateToggle,
		PayloadTypeSettingsReload, PayloadTypeButton,
		PayloadTypeInitialSettings, PayloadTypeInitialState:
		return nil
	default:
		return fmt.Errorf("invalid payload type: %d", pt)
	}
}

// String returns the symbolic name of the payload type.
func (pt PayloadType) String() string {
	switch pt {
	case PayloadTypeExecute:
		return "execute"
	case PayloadTypeParse:
		return "parse"
	case PayloadTypeStateToggle:
		return "state-toggle"
	case PayloadTypeSettingsReload:
		return "settings-reload"
	case PayloadTypeButton:
		return "button"
	case PayloadTypeInitialSettings:
		return "initial-settings"
	case PayloadTypeInitialState:
		return "initial-state"
	default:
		return fmt.Sprintf("unknown(%d)", int(pt))
	}
}

// Source identifies where a host event originated.
// The numeric values are part of the wire contract with the hub script.
type Source int

const (
	// SourceTwitch is a message from Twitch chat.
	SourceTwitch Source = 0
	// SourceDiscord is a message from Discord chat.
	SourceDiscord Source = 1
	// SourceYouTube is a message from YouTube chat.
	SourceYouTube Source = 2
	// SourceTwitchWhisper is a Twitch direct message.
	SourceTwitchWhisper Source = 3
	// SourceDiscordDM is a Discord direct message.
	SourceDiscordDM Source = 4
)

// Validate checks if the source is one the daemon understands.
func (s Source) Validate() error {
	switch s {
	case SourceTwitch, SourceDiscord, SourceYouTube, SourceTwitchWhisper, SourceDiscordDM:
		return nil
	default:
		return fmt.Errorf("invalid source: %d", s)
	}
}

// String returns the symbolic name of the source.
func (s Source) String() string {
	switch s {
	case SourceTwitch:
		return "twitch"
	case SourceDiscord:
		return "discord"
	case SourceYouTube:
		return "youtube"
	case SourceTwitchWhisper:
		return "twitch-whisper"
	case SourceDiscordDM:
		return "discord-dm"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// IsWhisper reports whether the source is a direct message channel.
func (s Source) IsWhisper() bool {
	return s == SourceTwitchWhisper || s == SourceDiscordDM
}

// InboundPayload is the envelope for every payload the hub POSTs to the
// daemon's inbound routes. PluginID is empty for broadcast events
// (execute payloads fan out to every enabled plugin).
type InboundPayload struct {
	PluginID string          `json:"plugin_id,omitempty"`
	Type     PayloadType     `json:"type"`
	Data     json.RawMessage `json:"data"`
}

// Validate checks the envelope for structural problems.
func (p *InboundPayload) Validate() error {
	if err := p.Type.Validate(); err != nil {
		return err
	}
	if p.Type != PayloadTypeExecute && p.PluginID == "" {
		return fmt.Errorf("%s payload requires a plugin id", p.Type)
	}
	if len(p.Data) == 0 {
		return fmt.Errorf("payload data is required")
	}
	return nil
}

// Execute is the data of a PayloadTypeExecute payload: a chat message or
// raw data event from one of the host's connected services.
type Execute struct {
	UserID   string `json:"userid"`
	Username string `json:"username"`
	Message  string `json:"message"`
	RawData  string `json:"raw_data"`
	IsRaw    bool   `json:"is_raw"`
	IsChat   bool   `json:"is_chat"`
	Source   Source `json:"source"`
}

// Parse is the data of a PayloadTypeParse payload. The daemon must answer
// synchronously with the substituted string; the hub blocks the host's
// command pipeline while waiting.
type Parse struct {
	String         string `json:"string"`
	TriggerMessage string `json:"trigger_message,omitempty"`
	AuthorID       string `json:"authorid"`
	AuthorName     string `json:"authorname"`
	TargetID       string `json:"targetid,omitempty"`
	TargetName     string `json:"targetname,omitempty"`
}

// StateToggle is the data of a PayloadTypeStateToggle or
// PayloadTypeInitialState payload.
type StateToggle struct {
	State bool `json:"state"`
}

// ButtonClick is the data of a PayloadTypeButton payload.
type ButtonClick struct {
	Element string `json:"element"`
}

// OutboundData is a single host-API call the daemon wants the hub to
// execute against the legacy host's Parent object. Type names match the
// Parent method names ("GetPoints", "SendStreamMessage", ...). The
// reserved types "@log" and "@error" carry daemon-to-hub notices instead.
type OutboundData struct {
	Type     string `json:"type"`
	Args     []any  `json:"args,omitempty"`
	PluginID string `json:"plugin_id,omitempty"`
	Message  string `json:"message,omitempty"`
}

// Reserved outbound types for unsolicited daemon-to-hub notices.
const (
	OutboundTypeLog   = "@log"
	OutboundTypeError = "@error"
)

// IsNotice reports whether the entry is an unsolicited notice rather than
// a host-API call awaiting a reply.
func (d *OutboundData) IsNotice() bool {
	return d.Type == OutboundTypeLog || d.Type == OutboundTypeError
}

// OutboundEntry is one element of the outbound poll response. Nonce is
// empty for notices; otherwise the hub must ack the nonce with the call's
// return value.
type OutboundEntry struct {
	Nonce string       `json:"nonce,omitempty"`
	Data  OutboundData `json:"data"`
}

// AckEntry is one resolved host-API call in an inbound-ack request.
type AckEntry struct {
	Nonce    string          `json:"nonce"`
	Response json.RawMessage `json:"response"`
	Error    string          `json:"error,omitempty"`
}

// AckRequest is the body of an inbound-ack request.
type AckRequest struct {
	Response []AckEntry `json:"response"`
}

// AuthRequest is the body of the initial auth exchange: the hub generates
// the shared code and the daemon answers with a one-time challenge.
type AuthRequest struct {
	Code string `json:"code"`
}

// AuthResponse carries the challenge the hub must echo on the pingpong
// route to complete the handshake.
type AuthResponse struct {
	Challenge string `json:"challenge"`
}

// PingPongRequest is the body of the pingpong challenge echo.
type PingPongRequest struct {
	Challenge string `json:"challenge"`
}

// VersionResponse is the body of the version route.
type VersionResponse struct {
	Version           string `json:"version"`
	ComparableVersion [3]int `json:"comparable_version"`
}

// LoadPluginRequest asks the daemon to load a plugin bundle. PluginID is
// empty on first load; the daemon mints and persists an id.
type LoadPluginRequest struct {
	PluginID  string `json:"plugin_id,omitempty"`
	Directory string `json:"directory"`
}

// LoadPluginResponse is the answer to a load request. Error is set (with
// HTTP status 203) when the load failed; ID still identifies the bundle
// when one could be resolved.
type LoadPluginResponse struct {
	ID    string `json:"id,omitempty"`
	Error string `json:"error,omitempty"`
}

// UnloadPluginRequest asks the daemon to reload or unload a plugin.
type UnloadPluginRequest struct {
	PluginID string `json:"plugin_id"`
}

// ErrorResponse is the generic error body for failed requests.
type ErrorResponse struct {
	Error string `json:"error"`
}

// ParseResponse is the body of the synchronous parse route.
type ParseResponse struct {
	Text string `json:"text"`
}

// DecodeData parses a payload's data field into a concrete type.
func DecodeData(data json.RawMessage, target any) error {
	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("failed to parse payload data: %w", err)
	}
	return nil
}
