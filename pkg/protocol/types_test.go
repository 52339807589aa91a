package protocol

import (
	"encoding/json"
	"testing"
)

func TestPayloadTypeValidate(t *testing.T) {
	tests := []struct {
		name    string
		pt      PayloadType
		wantErr bool
	}{
		{name: "execute", pt: PayloadTypeExecute, wantErr: false},
		{name: "parse", pt: PayloadTypeParse, wantErr: false},
		{name: "state toggle", pt: PayloadTypeStateToggle, wantErr: false},
		{name: "settings reload", pt: PayloadTypeSettingsReload, wantErr: false},
		{name: "button", pt: PayloadTypeButton, wantErr: false},
		{name: "initial settings", pt: PayloadTypeInitialSettings, wantErr: false},
		{name: "initial state", pt: PayloadTypeInitialState, wantErr: false},
		{name: "negative", pt: PayloadType(-1), wantErr: true},
		{name: "out of range", pt: PayloadType(7), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.pt.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSourceIsWhisper(t *testing.T) {
	tests := []struct {
		name string
		s    Source
		want bool
	}{
		{name: "twitch chat", s: SourceTwitch, want: false},
		{name: "discord chat", s: SourceDiscord, want: false},
		{name: "youtube chat", s: SourceYouTube, want: false},
		{name: "twitch whisper", s: SourceTwitchWhisper, want: true},
		{name: "discord dm", s: SourceDiscordDM, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.s.IsWhisper(); got != tt.want {
				t.Errorf("IsWhisper() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestInboundPayloadValidate(t *testing.T) {
	tests := []struct {
		name    string
		payload InboundPayload
		wantErr bool
	}{
		{
			name: "broadcast execute without plugin id",
			payload: InboundPayload{
				Type: PayloadTypeExecute,
				Data: json.RawMessage(`{"userid":"u","username":"n","message":"hi","source":0}`),
			},
			wantErr: false,
		},
		{
			name: "parse with plugin id",
			payload: InboundPayload{
				PluginID: "6e1b6e46-2b30-4a1c-9df4-2f5f3ddee0bc",
				Type:     PayloadTypeParse,
				Data:     json.RawMessage(`{"string":"$points","authorid":"u","authorname":"n"}`),
			},
			wantErr: false,
		},
		{
			name: "parse without plugin id",
			payload: InboundPayload{
				Type: PayloadTypeParse,
				Data: json.RawMessage(`{"string":"$points"}`),
			},
			wantErr: true,
		},
		{
			name: "missing data",
			payload: InboundPayload{
				PluginID: "6e1b6e46-2b30-4a1c-9df4-2f5f3ddee0bc",
				Type:     PayloadTypeButton,
			},
			wantErr: true,
		},
		{
			name: "unknown type",
			payload: InboundPayload{
				PluginID: "6e1b6e46-2b30-4a1c-9df4-2f5f3ddee0bc",
				Type:     PayloadType(42),
				Data:     json.RawMessage(`{}`),
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.payload.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestOutboundEntryRoundTrip(t *testing.T) {
	entry := OutboundEntry{
		Nonce: "3f8a4c1e-70d2-4b7e-8a3f-111111111111",
		Data: OutboundData{
			Type: "AddPoints",
			Args: []any{"userid", "username", float64(100)},
		},
	}

	raw, err := json.Marshal(entry)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	var decoded OutboundEntry
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}

	if decoded.Nonce != entry.Nonce {
		t.Errorf("Nonce = %q, want %q", decoded.Nonce, entry.Nonce)
	}
	if decoded.Data.Type != "AddPoints" {
		t.Errorf("Data.Type = %q, want %q", decoded.Data.Type, "AddPoints")
	}
	if len(decoded.Data.Args) != 3 {
		t.Errorf("len(Args) = %d, want 3", len(decoded.Data.Args))
	}
}

func TestOutboundDataIsNotice(t *testing.T) {
	tests := []struct {
		name string
		data OutboundData
		want bool
	}{
		{name: "log notice", data: OutboundData{Type: OutboundTypeLog}, want: true},
		{name: "error notice", data: OutboundData{Type: OutboundTypeError}, want: true},
		{name: "host call", data: OutboundData{Type: "GetPoints"}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.data.IsNotice(); got != tt.want {
				t.Errorf("IsNotice() = %v, want %v", got, tt.want)
			}
		})
	}
}
