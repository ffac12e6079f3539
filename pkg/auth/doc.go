/*
Package auth manages dashboard user accounts and request rate limiting.

User records live in the coordination backend so credentials created on
one node work cluster-wide. Passwords are bcrypt; records migrated from
older deployments carry a hex SHA-256 hash that is upgraded in place on
the next successful login.
*/
package auth
