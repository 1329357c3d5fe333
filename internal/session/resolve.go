package session

import (
	"os"

	"github.com/matheus3301/roomsync/internal/config"
)

const DefaultSessionName = "main"

// EnvSession names the session when no --session flag is given.
const EnvSession = "ROOMSYNC_SESSION"

// Resolve picks the active session: the flag, then $ROOMSYNC_SESSION, then
// default_session from config.toml, then "main". A config file that fails
// to decode is ignored here; the daemon reports it when it loads config itself.
func Resolve(flagOverride string) string {
	if flagOverride != "" {
		return flagOverride
	}
	if env := os.Getenv(EnvSession); env != "" {
		return env
	}
	if cfg, err := config.Read(ConfigPath()); err == nil && cfg.DefaultSession != "" {
		return cfg.DefaultSession
	}
	return DefaultSessionName
}
