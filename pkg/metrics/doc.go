/*
Package metrics defines fleetd's Prometheus instrumentation.

Counters are incremented at their call sites; gauges that must be sampled
(machine counts by status, cluster membership) are refreshed by a small
collector on a fixed cadence. Everything is registered with the default
registry and served from /metrics.
*/
package metrics
