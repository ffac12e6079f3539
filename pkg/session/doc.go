/*
Package session manages dashboard login sessions.

Sessions live in the coordination backend so that a login on one cluster
node is valid on every other. Each node additionally keeps a small
in-process cache with a five second lifetime, which bounds how long a
revoked session can still be accepted anywhere in the cluster.
*/
package session
