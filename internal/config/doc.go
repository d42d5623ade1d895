// Package config loads the proofd runtime configuration from a JSON file,
// an optional .env file and a handful of PROOFD_* environment overrides.
package config
