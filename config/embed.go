// Package config holds the embedded default configuration for conduit.
package config

import _ "embed"

// DefaultConfigYAML is written by "conduit config create".
//
//go:embed conduit.default.yaml
var DefaultConfigYAML []byte
