/*
Package types defines the core data structures shared across fleetd packages.

This includes machines and their metric history, dispatched commands, cluster
membership records, dashboard sessions and users. Statuses (machine online /
stale / offline, node active / inactive) are always derived from timestamps at
read time rather than stored.
*/
package types
