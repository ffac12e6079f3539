/*
Package coord abstracts the external key/value store that fleetd nodes share.

Three bindings implement the same small Backend interface:

  - memory: in-process map, for tests and throwaway single-node setups
  - file: local bbolt database, durable and single-writer via the OS file lock
  - etcd: a remote etcd cluster, the production choice, with TTLs as leases

Cluster membership, dashboard sessions and user accounts all live here so
that any node behind the load balancer can serve any request. Transient
backend failures are retried through Retry with a fixed 100/200/400 ms
schedule; exhaustion surfaces as ErrUnavailable and becomes a 503.
*/
package coord
