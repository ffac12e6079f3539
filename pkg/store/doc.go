/*
Package store implements the in-process data store for the fleet: the
machine registry, per-machine bounded metric history, and the command queue.

The registry is sharded 32 ways so reads and writes of distinct machines do
not serialize, and readers of the same machine do not block each other.
History is a FIFO ring capped at a configurable size (default 1000 entries).
Machine status (online / stale / offline) is derived from the last-seen time
at read time.

Commands live in a separate structure with its own lock. Lock ordering is
fixed: a shard lock is always released before the command lock is taken.
Callers only ever see deep copies of registry state.

When a snapshot directory is configured the store persists its state to a
bbolt file on a cadence and on shutdown, optionally sealing sensitive fields
with AES-256-GCM under a dedicated at-rest key.
*/
package store
