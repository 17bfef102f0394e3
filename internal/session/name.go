package session

import (
	"fmt"
	"regexp"

	"github.com/matheus3301/chatsync/internal/config"
)

// DefaultSessionName is used when neither a flag nor the config names one.
const DefaultSessionName = "main"

var nameRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

// ValidateName checks that name can be used as a session directory. Names
// start with a letter or digit so they never parse as CLI flags.
func ValidateName(name string) error {
	if !nameRegexp.MatchString(name) {
		return fmt.Errorf("invalid session name %q: must match %s", name, nameRegexp)
	}
	return nil
}

// Resolve picks the session name: the -session flag, then default_session
// from config.toml or CHATSYNC_SESSION, then "main".
func Resolve(flagOverride string) string {
	if flagOverride != "" {
		return flagOverride
	}
	cfg, err := config.Load(ConfigPath())
	if err != nil {
		cfg = &config.Config{}
	}
	if err := config.ApplyEnv(cfg); err == nil && cfg.DefaultSession != "" {
		return cfg.DefaultSession
	}
	return DefaultSessionName
}
