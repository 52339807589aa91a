// Package policy gates outbound host-API calls with Open Policy Agent.
//
// Every call a plugin makes against the legacy host's Parent object
// passes through the engine before it reaches the outbound queue. The
// built-in policies enforce manifest capabilities (a plugin that never
// declared "currency" cannot move points), block calls from disabled
// plugins, and reject arguments the host would mishandle.
//
// Operators can layer their own rules by dropping .rego files into the
// policy directory; a file watcher recompiles them on save. A policy
// contributes violations through a deny rule:
//
//	package dock.policies.custom
//
//	import rego.v1
//
//	deny contains violation if {
//	    input.call.type == "RemovePointsAll"
//	    violation := {
//	        "message": "bulk point removal is not allowed here",
//	        "severity": "error",
//	    }
//	}
//
// The input document carries the calling plugin (id, name, enabled,
// capabilities) and the call (type, args). Violations with severity
// error or critical block the call; the plugin receives the violation
// message as the call's error.
package policy
