// Package plugins owns the plugin lifecycle: resolving bundles on disk,
// validating manifests, binding runtimes, dispatching inbound payloads
// to hooks, and gating host-API calls through policy.
//
// A bundle is a directory with a plugin.json manifest, a persistent
// identity file, and a Starlark or WASM entrypoint. The manager loads
// bundles into Plugin instances, each wrapping a Runtime from the
// starrun or wasmrun subpackage, and routes the hub's payloads to hook
// listeners by name. Hook failures feed the bundle's own error hook
// before anything is reported upstream, because plugin authors on the
// legacy host are used to handling their own errors in-script.
package plugins
