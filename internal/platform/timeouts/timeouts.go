// Package timeouts defines shared timeout constants used across the
// scoreboard service. Centralizing these values prevents drift between
// component boundaries and makes the durations discoverable.
package timeouts

import "time"

// ReadHeader limits how long the HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long the HTTP server waits for in-flight requests
// during graceful shutdown.
const Shutdown = 5 * time.Second

// Validation caps the rate-limit and proof-verification stages of one
// submission. Exceeding it fails closed, never as a silent pass-through.
const Validation = 50 * time.Millisecond

// StoreApply caps a single score-increment transaction attempt.
const StoreApply = 2 * time.Second

// SubscriberSend caps delivery of one broadcast event to one subscriber.
// A subscriber that cannot accept within this bound is dropped.
const SubscriberSend = 5 * time.Second
