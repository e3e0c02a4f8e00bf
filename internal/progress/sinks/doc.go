// Package sinks implements concrete task event consumers: Prometheus metrics,
// repository-backed run history, completion notices, and structured logging.
// Each sink satisfies progress.Sink and is safe for repeated Consume/Close cycles.
package sinks
