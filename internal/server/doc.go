// Package server implements the cloudship HTTP API.
//
// This package provides:
//   - Deployment endpoints: create, list, inspect, redeploy, hot reload,
//     repository linking and the transition history
//   - Artifact endpoints: upload, list, query and activate model versions
//   - The GitHub webhook endpoint, delegating verification and dispatch to
//     internal/webhook
//   - Health and Prometheus metrics endpoints for monitoring
//
// The server integrates with other packages:
//   - internal/pipeline: the deployment lifecycle
//   - internal/hotreload: artifact swaps on deployed services
//   - internal/artifact: versioned model files
//   - internal/ratelimit: fixed-window admission per client IP
//
// Request limits:
//   - Fixed-window limit on every route except /health and /metrics, with
//     X-RateLimit-Limit, X-RateLimit-Remaining and X-RateLimit-Reset headers
//   - Per-IP token bucket on the webhook route
//   - 1 MB webhook payloads, 64 KB JSON bodies, artifact.MaxSize uploads
package server
