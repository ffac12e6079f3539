/*
Package security implements the cryptographic primitives used by fleetd.

Four concerns live here, each with its own key material:

  - Wire payload encryption: AES-256-GCM envelopes exchanged with agents
    (shared payload key, 96-bit random nonce per message).
  - Password hashing: bcrypt for dashboard users, with a one-way migration
    path off legacy SHA-256 hashes.
  - Node identity: HMAC-SHA-256 signatures over cluster membership records,
    bound to a wall-clock window to reject replayed heartbeats.
  - Tokens: high-entropy session and CSRF tokens with constant-time compare.

The wire key, the at-rest storage key and the cluster HMAC secret are
deliberately distinct; compromising one does not unlock the others.
*/
package security
