// Package api hosts the HTTP server, middleware, and REST handlers. Notable
// routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/nodes/{node}/{view}/{project}/{spider}/{job} for the stats
//     ("stats") and raw log ("utf8") views.
//   - POST on the same route for the job poller, which also evaluates alerts.
//   - POST /v1/nodes/{node}/stop/{project}/{job} to stop or force-stop a job.
package api
