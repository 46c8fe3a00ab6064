package session

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"

	"github.com/lovelink/chatsync/internal/config"
)

// NameEnv selects the session when no --session flag is given.
const NameEnv = "CHATSYNC_SESSION"

// DefaultName is the session used when nothing else names one.
const DefaultName = "main"

// ErrInvalidName is wrapped by every session name rejection.
var ErrInvalidName = errors.New("invalid session name")

var nameRegexp = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)

// ValidateName checks that name can be used as a directory under
// BaseDir()/sessions.
func ValidateName(name string) error {
	if !nameRegexp.MatchString(name) {
		return fmt.Errorf("%w %q: use 1-64 characters from a-z, 0-9, '-' and '_'", ErrInvalidName, name)
	}
	return nil
}

// Resolve picks the active session: the --session flag, then $CHATSYNC_SESSION,
// then default_session in config.toml, then DefaultName. The result is
// validated and a rejection names where the bad value came from.
func Resolve(flag string) (string, error) {
	if flag != "" {
		return checked(flag, "--session")
	}
	if env := os.Getenv(NameEnv); env != "" {
		return checked(env, "$"+NameEnv)
	}
	path := ConfigPath()
	cfg, err := config.Load(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return "", fmt.Errorf("read %s: %w", path, err)
	case cfg.DefaultSession != "":
		return checked(cfg.DefaultSession, "default_session in "+path)
	}
	return DefaultName, nil
}

func checked(name, source string) (string, error) {
	if err := ValidateName(name); err != nil {
		return "", fmt.Errorf("%s: %w", source, err)
	}
	return name, nil
}

// Configured reports an error naming the session.toml path when the
// session has never been set up with `chatsyncctl login`.
func Configured(name string) error {
	path := SessionConfigPath(name)
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("session %q is not configured: %s does not exist", name, path)
		}
		return fmt.Errorf("session %q: %w", name, err)
	}
	return nil
}
