package session

import (
	"errors"
	"fmt"
	"os"

	"github.com/lovelink/chatsync/internal/config"
)

// TokenEnv overrides the token stored in session.toml.
const TokenEnv = "CHATSYNC_TOKEN"

// ErrNoCredential is returned when a session has no user id or token.
var ErrNoCredential = errors.New("session has no credential")

// Credential is the identity and bearer token used at connect time.
type Credential struct {
	UserID string
	Token  string
}

// Valid reports whether both parts are present.
func (c Credential) Valid() bool {
	return c.UserID != "" && c.Token != ""
}

// LoadSettings reads the session config for name, applying defaults and the
// token environment override.
func LoadSettings(name string) (*config.Session, error) {
	s, err := config.LoadSession(SessionConfigPath(name))
	if err != nil {
		return nil, fmt.Errorf("load session config: %w", err)
	}
	if tok := os.Getenv(TokenEnv); tok != "" {
		s.Token = tok
	}
	return s, nil
}

// CredentialFrom extracts the credential from loaded settings.
func CredentialFrom(s *config.Session) (Credential, error) {
	c := Credential{UserID: s.UserID, Token: s.Token}
	if !c.Valid() {
		return Credential{}, ErrNoCredential
	}
	return c, nil
}
