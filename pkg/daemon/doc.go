// Package daemon implements the loopback poll/response side of the
// bridge: the HTTP server the hub script polls, the outbound queue that
// correlates host-API calls with their acks, the startup auth handshake,
// and the watchdog that ties the daemon's life to the desktop client's.
//
// The wire is deliberately primitive. The legacy host cannot keep a
// socket open, so the hub polls GET /outbound on a short interval and
// posts results back on /inbound-ack. Everything else in this package
// exists to make that polling loop safe: the handshake keeps strangers
// off the local port, the watchdog keeps orphaned daemons from
// squatting on it, and the restart handoff keeps a graceful daemon
// restart invisible to a hub mid-session.
package daemon
