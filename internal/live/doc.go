// Package live owns the push channel to the analysis backend: a websocket
// subscription per job that reconnects with jittered exponential backoff,
// measures heartbeat quality, and reports failures so the caller can decide
// when to fall back to polling.
package live
