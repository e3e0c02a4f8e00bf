// Package api hosts the HTTP server, middleware, and REST handlers for task
// progress. Notable routes:
//   - GET /healthz for liveness probes.
//   - GET /metrics for Prometheus scraping.
//   - GET/POST /api/tasks for live handles tracked by this process, and
//     POST /api/tasks/{task_id}/finish to force one to finish.
//   - GET /api/runs and /api/runs/{task_id} for persisted run history via the
//     store.TaskRepository interface.
package api
