package main

import "time"

// Process-wide defaults — named constants for values that would
// otherwise be scattered across main.go/server.go as inline literals.
const (
	// serverVersion and clientVersion are the values this relay
	// advertises in its heartbeat, matching the original's
	// ServerVersion/ClientVersion. The handshake's "VC<version>" check
	// uses protocolVersion in handshake.go instead.
	serverVersion = "1.0"
	clientVersion = "0.21"

	// defaultCertValidity bounds the self-signed certificate the admin
	// API generates when none is supplied.
	defaultCertValidity = 24 * time.Hour

	// defaultPluginDir is where the plugin runtime looks for scripts. It
	// is fixed; the config's "use" key sets only the resource store's
	// directory.
	defaultPluginDir = "Resources/Server"

	// metricsInterval is how often RunMetrics logs a summary line.
	metricsInterval = 5 * time.Second

	// staleSweepInterval drives each session's udpState.sweepStale,
	// independent of the per-datagram retransmit tick.
	staleSweepInterval = 10 * time.Second

	// resourceRescanInterval periodically refreshes the cached resource
	// manifest in case files changed on disk without a restart.
	resourceRescanInterval = time.Minute

	// dbOptimizeInterval runs PRAGMA optimize on the sqlite store.
	dbOptimizeInterval = time.Hour

	// shutdownGrace is a five-second shutdown grace value. No shutdown
	// path reads it: main returns as soon as Server.Run does, without
	// waiting for in-flight sessions.
	shutdownGrace = 5 * time.Second
)
