// Package api hosts the operator HTTP server. Notable routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/items/{item_id}/snapshots?limit=N or ?since=RFC3339 for history.
//   - GET /v1/items/{item_id}/tasks and /v1/items/{item_id}/alerts?from=&to=.
//   - POST /v1/tasks/{task_id}/retrigger to reset a FAILED task.
package api
