//go:generate go run ../build/gen-config-schema.go schema.json

// Package config embeds the JSON schema that config.json files are validated
// against before a synchronization run starts.
package config

import (
	_ "embed"
)

//go:embed "schema.json"
var schema []byte

// Schema returns the raw JSON schema for the run configuration.
func Schema() []byte {
	return schema
}
