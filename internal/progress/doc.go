// Package progress tracks asynchronously running tasks (training, inference,
// export). A Handle owns one worker goroutine, exposes a 0..1 progress fraction,
// completion state, and a remaining-time estimate, and reports lifecycle events
// to an Emitter. The Hub batches those events on a background goroutine and
// fans them out to pluggable sinks such as Prometheus or persistent storage.
package progress
