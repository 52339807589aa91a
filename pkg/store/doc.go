// Package store persists the plugin registry and the event journal in an
// embedded SQLite database. Migrations are embedded and applied on open.
package store
