package policy

import "time"

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for warnings that should be reviewed but do not
	// block the call.
	SeverityWarning Severity = "warning"

	// SeverityError is for violations that block the call.
	SeverityError Severity = "error"

	// SeverityCritical is for violations that block the call and should
	// be surfaced to the user.
	SeverityCritical Severity = "critical"
)

// Policy represents a policy rule with its Rego code.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// CreatedAt is when the policy was created.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the policy was last updated.
	UpdatedAt time.Time `json:"updated_at"`
}

// CallInput is the input document for evaluating an outbound host-API
// call a plugin wants to make.
type CallInput struct {
	// Plugin identifies the calling plugin.
	Plugin *PluginInfo `json:"plugin"`

	// Call is the host-API call being requested.
	Call *CallInfo `json:"call"`

	// Context provides additional evaluation context.
	Context *CallContext `json:"context,omitempty"`
}

// PluginInfo describes the calling plugin to the policy.
type PluginInfo struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Enabled      bool     `json:"enabled"`
	Capabilities []string `json:"capabilities"`
}

// CallInfo describes the requested host-API call.
type CallInfo struct {
	// Type is the Parent method name ("GetPoints", "SendStreamMessage").
	Type string `json:"type"`

	// Args are the call arguments in positional order.
	Args []any `json:"args"`
}

// CallContext provides context information for policy evaluation.
type CallContext struct {
	// Timestamp is when the evaluation is occurring.
	Timestamp time.Time `json:"timestamp"`
}

// Violation represents a single policy violation.
type Violation struct {
	// Policy is the name of the policy that was violated.
	Policy string `json:"policy"`

	// PluginID is the plugin whose call violated the policy.
	PluginID string `json:"plugin_id,omitempty"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is the violation severity level.
	Severity Severity `json:"severity"`

	// DetectedAt is when the violation was detected.
	DetectedAt time.Time `json:"detected_at"`
}

// Result represents the result of evaluating a call against all enabled
// policies.
type Result struct {
	// Allowed indicates if the call may proceed.
	Allowed bool `json:"allowed"`

	// Violations lists all policy violations.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists evaluation problems that did not block the call.
	Warnings []string `json:"warnings,omitempty"`

	// EvaluatedAt is when the evaluation ran.
	EvaluatedAt time.Time `json:"evaluated_at"`
}

// Blocking reports whether a severity blocks the call.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}
