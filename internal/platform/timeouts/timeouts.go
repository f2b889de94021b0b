// Package timeouts defines shared timeout constants used across the relay.
package timeouts

import "time"

// ReadHeader limits how long an HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long a server waits for in-flight work during
// graceful shutdown.
const Shutdown = 5 * time.Second

// HealthCheck caps a single gRPC health probe.
const HealthCheck = time.Second

// Ack is how long a client waits for a publish acknowledgment before
// resending the same dedup token.
const Ack = 3 * time.Second

// Dial caps establishing a relay connection.
const Dial = 5 * time.Second
