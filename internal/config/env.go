package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// FromEnv overlays CFEED_* environment variables onto cfg. Unset variables
// leave the existing values alone.
func FromEnv(cfg *Config) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: "CFEED_"}); err != nil {
		return fmt.Errorf("environment overlay: %w", err)
	}
	return nil
}
