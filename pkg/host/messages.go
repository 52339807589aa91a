package host

import (
	"github.com/tmhk/dock/pkg/protocol"
)

// Message is the chat message model handed to plugin message hooks.
type Message struct {
	UserID    string
	Username  string
	Text      string
	Service   string
	IsWhisper bool
}

// RawEvent is the raw service event model handed to raw_message hooks.
type RawEvent struct {
	Data    string
	Service string
}

// ParseRequest is the model handed to parse hooks. Input is the token
// string the host wants substituted; the rest identify the triggering
// message.
type ParseRequest struct {
	Input          string
	TriggerMessage string
	AuthorID       string
	AuthorName     string
	TargetID       string
	TargetName     string
}

// ButtonPress is the model handed to button hooks.
type ButtonPress struct {
	Element string
}

// serviceName maps a wire source to the service string plugins see.
func serviceName(s protocol.Source) string {
	switch s {
	case protocol.SourceTwitch, protocol.SourceTwitchWhisper:
		return "twitch"
	case protocol.SourceDiscord, protocol.SourceDiscordDM:
		return "discord"
	case protocol.SourceYouTube:
		return "youtube"
	default:
		return "unknown"
	}
}

// MessageFromExecute builds the chat message model from an execute
// payload. Returns false when the payload is a raw event instead.
func MessageFromExecute(e *protocol.Execute) (*Message, bool) {
	if e.IsRaw || !e.IsChat {
		return nil, false
	}
	return &Message{
		UserID:    e.UserID,
		Username:  e.Username,
		Text:      e.Message,
		Service:   serviceName(e.Source),
		IsWhisper: e.Source.IsWhisper(),
	}, true
}

// RawEventFromExecute builds the raw event model from an execute
// payload. Returns false when the payload is a chat message instead.
func RawEventFromExecute(e *protocol.Execute) (*RawEvent, bool) {
	if !e.IsRaw {
		return nil, false
	}
	return &RawEvent{
		Data:    e.RawData,
		Service: serviceName(e.Source),
	}, true
}

// ParseRequestFromPayload builds the parse model from a parse payload.
func ParseRequestFromPayload(p *protocol.Parse) *ParseRequest {
	return &ParseRequest{
		Input:          p.String,
		TriggerMessage: p.TriggerMessage,
		AuthorID:       p.AuthorID,
		AuthorName:     p.AuthorName,
		TargetID:       p.TargetID,
		TargetName:     p.TargetName,
	}
}

// Map returns the message as a generic document for runtimes that hand
// plugins a dictionary rather than a struct.
func (m *Message) Map() map[string]any {
	return map[string]any{
		"user_id":    m.UserID,
		"username":   m.Username,
		"text":       m.Text,
		"service":    m.Service,
		"is_whisper": m.IsWhisper,
	}
}

// Map returns the raw event as a generic document.
func (r *RawEvent) Map() map[string]any {
	return map[string]any{
		"data":    r.Data,
		"service": r.Service,
	}
}

// Map returns the parse request as a generic document.
func (p *ParseRequest) Map() map[string]any {
	return map[string]any{
		"input":           p.Input,
		"trigger_message": p.TriggerMessage,
		"author_id":       p.AuthorID,
		"author_name":     p.AuthorName,
		"target_id":       p.TargetID,
		"target_name":     p.TargetName,
	}
}

// Map returns the button press as a generic document.
func (b *ButtonPress) Map() map[string]any {
	return map[string]any{
		"element": b.Element,
	}
}
