// Package client is the Go client for the fleetd HTTP API, used by agents
// and by fleetctl.
package client
