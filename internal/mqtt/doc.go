// Package mqtt owns the broker connection for the kaiser server: one
// process-wide client with automatic reconnection, a fixed QoS policy
// (heartbeats at QoS 0, config acks at QoS 2, everything else QoS 1),
// circuit-breaker-guarded publishing with an offline replay buffer,
// and the inbound subscriber/dispatcher.
//
// The client uses Eclipse Paho v2's [autopaho] package for connection
// management. On every (re-)connect it re-subscribes the dispatcher's
// topic filters, publishes a birth message to the server status topic,
// and replays the offline buffer. A will message flips the status
// topic to "offline" on unexpected disconnects.
//
// Inbound messages are routed by the [Dispatcher]: first registered
// pattern wins, handlers run on a semaphore-bounded worker pool, and
// per-handler success/failure counters feed /metrics.
package mqtt
