/*
Package api serves fleetd's HTTP interface: agent telemetry ingestion,
command delivery and acknowledgement, the dashboard query surface and
cluster introspection.

Agent routes authenticate with a shared API key compared in constant time
and accept either plain JSON or an AES-256-GCM envelope. Dashboard routes
authenticate with a session cookie resolved through the coordination
backend, plus a CSRF header on anything state-changing. The cluster health
endpoint is deliberately unauthenticated so load balancers can probe it.

Every response is JSON; errors carry a machine-readable kind and the
request id so a client report can be matched to a server log line.
*/
package api
