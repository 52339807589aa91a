package policy

import (
	"time"
)

// GetBuiltinPolicies returns all built-in policies. They encode the
// daemon's default stance: plugins only reach the parts of the host API
// their manifest asked for, and arguments that would misbehave inside
// the legacy host are stopped before they are queued.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		capabilityGatingPolicy(),
		disabledPluginPolicy(),
		chatMessageLimitsPolicy(),
		soundVolumePolicy(),
	}
}

// capabilityGatingPolicy maps host-API call types to the manifest
// capability that unlocks them.
func capabilityGatingPolicy() Policy {
	return Policy{
		Name:        "capability-gating",
		Description: "Host-API calls require the matching manifest capability",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"capabilities"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package dock.policies.capabilities

import rego.v1

# Call types that mutate or read sensitive host state, keyed by the
# manifest capability that unlocks them. Read-only lookups such as
# GetDisplayName or IsLive are unrestricted.
required_capability := {
	"AddPoints": "currency",
	"RemovePoints": "currency",
	"AddPointsAll": "currency",
	"RemovePointsAll": "currency",
	"GetCurrencyUsers": "currency",
	"SendStreamMessage": "messaging",
	"SendStreamWhisper": "messaging",
	"SendDiscordMessage": "messaging",
	"SendDiscordDM": "messaging",
	"BroadcastWSEvent": "events",
	"GetViewerList": "viewers",
	"GetActiveViewers": "viewers",
	"GetRandomActiveViewer": "viewers",
	"PlaySound": "media",
}

deny contains violation if {
	required := required_capability[input.call.type]
	not required in input.plugin.capabilities
	violation := {
		"message": sprintf("call %s requires capability %q which plugin %s does not declare", [input.call.type, required, input.plugin.name]),
		"severity": "error",
	}
}
`,
	}
}

// disabledPluginPolicy blocks calls from plugins whose shim is toggled
// off.
func disabledPluginPolicy() Policy {
	return Policy{
		Name:        "disabled-plugin",
		Description: "Disabled plugins may not call the host API",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"state"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package dock.policies.state

import rego.v1

deny contains violation if {
	not input.plugin.enabled
	violation := {
		"message": sprintf("plugin %s is disabled", [input.plugin.name]),
		"severity": "error",
	}
}
`,
	}
}

// chatMessageLimitsPolicy keeps chat sends inside the host's message
// length limit. Oversized messages are silently truncated by the
// services; failing loudly here is kinder to plugin authors.
func chatMessageLimitsPolicy() Policy {
	return Policy{
		Name:        "chat-message-limits",
		Description: "Chat and whisper sends must fit the service message limit",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"messaging", "arguments"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package dock.policies.messaging

import rego.v1

send_calls := {"SendStreamMessage", "SendStreamWhisper", "SendDiscordMessage", "SendDiscordDM"}

# Message text is the last argument for every send call.
deny contains violation if {
	input.call.type in send_calls
	msg := input.call.args[count(input.call.args) - 1]
	is_string(msg)
	count(msg) > 500
	violation := {
		"message": sprintf("%s message is %d characters, limit is 500", [input.call.type, count(msg)]),
		"severity": "error",
	}
}

deny contains violation if {
	input.call.type in send_calls
	count(input.call.args) == 0
	violation := {
		"message": sprintf("%s requires a message argument", [input.call.type]),
		"severity": "error",
	}
}
`,
	}
}

// soundVolumePolicy checks the PlaySound volume argument. The host
// expects 0.0 to 1.0 but plugins write 0 to 100; the bridge rescales,
// so out-of-range values here mean a genuine plugin bug.
func soundVolumePolicy() Policy {
	return Policy{
		Name:        "sound-volume",
		Description: "PlaySound volume must be between 0 and 100",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"media", "arguments"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package dock.policies.media

import rego.v1

deny contains violation if {
	input.call.type == "PlaySound"
	volume := input.call.args[1]
	is_number(volume)
	volume > 100
	violation := {
		"message": sprintf("PlaySound volume %v exceeds 100", [volume]),
		"severity": "error",
	}
}

deny contains violation if {
	input.call.type == "PlaySound"
	volume := input.call.args[1]
	is_number(volume)
	volume < 0
	violation := {
		"message": sprintf("PlaySound volume %v is negative", [volume]),
		"severity": "error",
	}
}
`,
	}
}
