// Package config loads and persists the boardlink server configuration.
//
// The config lives in a single JSON file (globalConfig.json by default).
// Loading is self-healing: a missing or unparsable file is rewritten with
// the defaults so a misconfigured deployment still comes up listening on
// the default port. Out-of-range fields fall back to their defaults
// individually.
//
// Writes are atomic (temp file plus rename) in case the process dies
// mid-save.
package config
