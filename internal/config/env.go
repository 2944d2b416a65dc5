package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// ApplyEnv overlays CIRCLELINK_* environment variables onto cfg. Unset
// variables leave the file values untouched.
//
//	CIRCLELINK_TOKEN        auth.token
//	CIRCLELINK_SERVER_URL   server.url
//	CIRCLELINK_API_URL      mute.api_url
//	CIRCLELINK_LOG_LEVEL    logging.level
func ApplyEnv(cfg *Config) error {
	if cfg == nil {
		return nil
	}
	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("config env: %w", err)
	}
	return nil
}
