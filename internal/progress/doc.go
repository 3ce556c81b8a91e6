// Package progress defines the wire-level progress events sent by the analysis
// backend, the presentation-ready ViewModel derived from them, and the Reducer
// that folds one into the other. It also hosts a non-blocking Hub that fans
// ViewModel snapshots out to pluggable sinks such as Prometheus metrics or
// persistent storage.
package progress
