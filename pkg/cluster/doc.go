/*
Package cluster implements fleetd's membership protocol.

Each node writes a signed record into the coordination backend under a
well-known prefix and rewrites it on every heartbeat interval with a TTL of
three intervals, so crashed nodes age out without cleanup. Peer enumeration
verifies every record's HMAC signature and clock skew before trusting it;
a peer is active when its last verified heartbeat is within the node
timeout.

There is no leader election. Writes to shared state always go through the
coordination backend, so any node can serve any request.
*/
package cluster
