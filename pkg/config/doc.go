// Package config loads and validates the fleetd YAML configuration.
package config
