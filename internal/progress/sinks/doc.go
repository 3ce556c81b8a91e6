// Package sinks implements concrete view-model consumers such as Prometheus,
// the job-run history repository, and structured logging. Each sink satisfies
// the progress.Sink interface and is safe for repeated Consume/Close cycles.
package sinks
