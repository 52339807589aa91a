package plugins

import (
	"errors"
	"fmt"
)

// ErrorClass classifies a plugin failure for reporting and recovery.
type ErrorClass string

const (
	// ErrorClassManifest indicates a bad bundle: missing or malformed
	// plugin.json, no entrypoint, unknown runtime.
	ErrorClassManifest ErrorClass = "manifest"

	// ErrorClassRuntime indicates the runtime itself failed: the script
	// did not execute, the module did not instantiate.
	ErrorClassRuntime ErrorClass = "runtime"

	// ErrorClassHook indicates a hook invocation failed.
	ErrorClassHook ErrorClass = "hook"

	// ErrorClassDenied indicates a host-API call was refused by policy.
	ErrorClassDenied ErrorClass = "denied"

	// ErrorClassNotFound indicates the addressed plugin is not loaded.
	ErrorClassNotFound ErrorClass = "not-found"
)

// PluginError is a classified error carrying the plugin and hook it
// came from. Hook errors are routed back into the plugin's own error
// handler, so the classification decides what the daemon does with a
// failure, not just how it reads.
type PluginError struct {
	// Class is the failure classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// PluginID identifies the plugin, when resolved.
	PluginID string `json:"plugin_id,omitempty"`

	// Hook is the hook being invoked, if any.
	Hook string `json:"hook,omitempty"`

	// Err is the underlying error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *PluginError) Error() string {
	switch {
	case e.PluginID != "" && e.Hook != "":
		return fmt.Sprintf("[%s] %s (plugin=%s, hook=%s): %s",
			e.Class, e.Message, e.PluginID, e.Hook, e.unwrapMessage())
	case e.PluginID != "":
		return fmt.Sprintf("[%s] %s (plugin=%s): %s",
			e.Class, e.Message, e.PluginID, e.unwrapMessage())
	default:
		return fmt.Sprintf("[%s] %s: %s", e.Class, e.Message, e.unwrapMessage())
	}
}

// Unwrap returns the underlying error for error chain inspection.
func (e *PluginError) Unwrap() error {
	return e.Err
}

func (e *PluginError) unwrapMessage() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return ""
}

// Is matches on classification so callers can test for a class without
// caring about the wrapped cause.
func (e *PluginError) Is(target error) bool {
	t, ok := target.(*PluginError)
	if !ok {
		return false
	}
	return e.Class == t.Class
}

// NewManifestError creates a manifest-class error.
func NewManifestError(message string, err error) *PluginError {
	return &PluginError{Class: ErrorClassManifest, Message: message, Err: err}
}

// NewRuntimeError creates a runtime-class error.
func NewRuntimeError(message string, err error) *PluginError {
	return &PluginError{Class: ErrorClassRuntime, Message: message, Err: err}
}

// NewHookError creates a hook-class error.
func NewHookError(message string, err error) *PluginError {
	return &PluginError{Class: ErrorClassHook, Message: message, Err: err}
}

// NewDeniedError creates a policy-denial error.
func NewDeniedError(message string) *PluginError {
	return &PluginError{Class: ErrorClassDenied, Message: message}
}

// NewNotFoundError creates a not-found error for an unknown plugin id.
func NewNotFoundError(pluginID string) *PluginError {
	return &PluginError{Class: ErrorClassNotFound, Message: "plugin not loaded", PluginID: pluginID}
}

// WithPlugin attaches plugin identity to an error.
func (e *PluginError) WithPlugin(id string) *PluginError {
	e.PluginID = id
	return e
}

// WithHook attaches hook context to an error.
func (e *PluginError) WithHook(hook string) *PluginError {
	e.Hook = hook
	return e
}

// IsDenied reports whether the error is a policy denial.
func IsDenied(err error) bool {
	var e *PluginError
	if errors.As(err, &e) {
		return e.Class == ErrorClassDenied
	}
	return false
}

// IsManifestError reports whether the error is a bad-bundle error.
func IsManifestError(err error) bool {
	var e *PluginError
	if errors.As(err, &e) {
		return e.Class == ErrorClassManifest
	}
	return false
}

// IsNotFound reports whether the error is an unknown-plugin error.
func IsNotFound(err error) bool {
	var e *PluginError
	if errors.As(err, &e) {
		return e.Class == ErrorClassNotFound
	}
	return false
}
