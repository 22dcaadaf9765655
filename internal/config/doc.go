// Package config provides loading and environment overlay for the command
// feed configuration. It exposes a Default() baseline, file loading switched
// on extension (JSON or TOML), and a CFEED_* environment overlay.
//
// Example:
//
//	cfg, err := config.Load("/etc/cfeed.toml")
//	if err != nil { ... }
//	if err := config.FromEnv(&cfg); err != nil { ... }
package config
