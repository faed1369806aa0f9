// Package config handles configuration loading for coven-chat.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from COVEN_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/coven/chat.yaml (or ~/.config/coven/chat.yaml)
//
// Files ending in .toml are read as TOML; anything else as YAML.
//
// # Environment Variable Expansion
//
// Values can reference environment variables:
//
//	provider:
//	  api_key: "${OPENAI_API_KEY}"
//
// Unset variables expand to the empty string.
//
// # Durations
//
// Duration values use time.ParseDuration syntax:
//
//	media:
//	  url_ttl: "1h"
//	conversation:
//	  idempotency_ttl: "10m"
//
// # Providers
//
// provider.kind selects the completion backend: "openai", "anthropic", or
// "scripted" (an in-process echo provider that needs no API key).
package config
