package store

import "time"

// PluginRecord is a row in the plugin registry. The registry remembers
// every bundle the daemon has ever loaded, keyed by the UUID persisted in
// the bundle's identity file, so reinstalls and reloads keep their
// settings and shim bindings.
type PluginRecord struct {
	// ID is the plugin's persistent UUID.
	ID string

	// Name, Version, Author, and Description come from the manifest at
	// last load.
	Name        string
	Version     string
	Author      string
	Description string

	// Directory is the bundle directory, relative to the plugins dir.
	Directory string

	// ShimName is the name of the generated shim script inside the
	// host's Scripts directory ("dockmanaged@" plus an id prefix).
	ShimName string

	// Runtime names the runtime that executes the bundle (starlark, wasm).
	Runtime string

	// Enabled mirrors the shim's last reported state toggle.
	Enabled bool

	// Protected marks bundles whose directories the updater must not
	// touch.
	Protected bool

	// Settings is the last settings document the hub delivered, as JSON.
	Settings *string

	// LastError is the most recent load or hook error, if any.
	LastError *string

	// LastLoadedAt is when the bundle last loaded successfully.
	LastLoadedAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// EventLevel classifies journal events.
type EventLevel string

const (
	EventLevelInfo  EventLevel = "info"
	EventLevelWarn  EventLevel = "warn"
	EventLevelError EventLevel = "error"
)

// Event is a row in the event journal: plugin loads and failures, hook
// errors, auth transitions, and watchdog decisions. The journal is what
// the status and dash commands read, since the daemon's logs scroll away
// with the console.
type Event struct {
	ID        int64
	PluginID  *string
	Level     EventLevel
	Source    string
	Message   string
	Details   *string
	Timestamp time.Time
}
