// Package configs embeds the configuration template written by
// `unisearch config init`.
//
// The template documents every option with its default. Edit
// unisearch.example.yaml and rebuild to change it.
package configs

import _ "embed"

// ConfigTemplate is the commented user configuration.
//
//go:embed unisearch.example.yaml
var ConfigTemplate string
