// Package observability provides structured logging, Prometheus metrics,
// health probes, and OpenTelemetry bootstrap for the Warden authorization
// service.
//
// The resolver and mutation paths report through the metrics defined
// here; in particular, warden_authz_store_errors_total is the operator
// availability signal for resolutions that degraded to Deny because the
// backing store failed.
package observability
