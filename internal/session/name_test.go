package session

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/lovelink/chatsync/internal/config"
)

func TestValidateName(t *testing.T) {
	tests := []struct {
		input   string
		wantErr bool
	}{
		{"main", false},
		{"work-phone_2", false},
		{strings.Repeat("a", 64), false},
		{"", true},
		{"Main", true},
		{"my session", true},
		{"..", true},
		{"alice/bob", true},
		{strings.Repeat("a", 65), true},
	}
	for _, tt := range tests {
		err := ValidateName(tt.input)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateName(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
		}
		if err != nil && !errors.Is(err, ErrInvalidName) {
			t.Errorf("ValidateName(%q) error = %v, want ErrInvalidName", tt.input, err)
		}
	}
}

func TestResolvePrecedence(t *testing.T) {
	t.Setenv("CHATSYNC_HOME", t.TempDir())
	t.Setenv(NameEnv, "")

	if got, err := Resolve(""); err != nil || got != DefaultName {
		t.Fatalf("Resolve() with nothing set = %q, %v", got, err)
	}

	if err := config.Save(ConfigPath(), &config.Config{DefaultSession: "work"}); err != nil {
		t.Fatal(err)
	}
	if got, _ := Resolve(""); got != "work" {
		t.Errorf("Resolve() with config = %q, want work", got)
	}

	t.Setenv(NameEnv, "phone")
	if got, _ := Resolve(""); got != "phone" {
		t.Errorf("Resolve() with env = %q, want phone", got)
	}
	if got, _ := Resolve("laptop"); got != "laptop" {
		t.Errorf("Resolve(laptop) = %q", got)
	}
}

func TestResolveNamesSourceOfBadName(t *testing.T) {
	t.Setenv("CHATSYNC_HOME", t.TempDir())
	t.Setenv(NameEnv, "")
	if err := config.Save(ConfigPath(), &config.Config{DefaultSession: "Work Phone"}); err != nil {
		t.Fatal(err)
	}

	_, err := Resolve("")
	if !errors.Is(err, ErrInvalidName) {
		t.Fatalf("Resolve() error = %v, want ErrInvalidName", err)
	}
	if !strings.Contains(err.Error(), ConfigPath()) {
		t.Errorf("error %q does not name %s", err, ConfigPath())
	}

	t.Setenv(NameEnv, "a/b")
	if _, err := Resolve(""); err == nil || !strings.Contains(err.Error(), "$"+NameEnv) {
		t.Errorf("Resolve() with bad env error = %v", err)
	}
}

func TestResolveUnreadableConfig(t *testing.T) {
	t.Setenv("CHATSYNC_HOME", t.TempDir())
	t.Setenv(NameEnv, "")
	if err := os.MkdirAll(filepath.Dir(ConfigPath()), 0700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(ConfigPath(), []byte("default_session = ["), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Resolve(""); err == nil || !strings.Contains(err.Error(), ConfigPath()) {
		t.Errorf("Resolve() error = %v, want one naming %s", err, ConfigPath())
	}
}

func TestConfigured(t *testing.T) {
	t.Setenv("CHATSYNC_HOME", t.TempDir())

	err := Configured("main")
	if err == nil || !strings.Contains(err.Error(), SessionConfigPath("main")) {
		t.Fatalf("Configured() error = %v, want one naming %s", err, SessionConfigPath("main"))
	}

	if err := config.SaveSession(SessionConfigPath("main"), &config.Session{UserID: "u1", Token: "t"}); err != nil {
		t.Fatal(err)
	}
	if err := Configured("main"); err != nil {
		t.Errorf("Configured() after login error = %v", err)
	}
}
