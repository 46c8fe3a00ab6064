// Package lock guarantees a single daemon, and so a single realtime channel,
// per session. The lock file records which account the holder is connected as.
package lock

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// FileName is the lock file inside a session directory.
const FileName = "LOCK"

// Owner is the account a daemon syncs.
type Owner struct {
	UserID    string
	ServerURL string
}

// Holder is what a lock file records about the daemon holding it.
type Holder struct {
	Owner
	PID   int
	Since time.Time
}

// HeldError is returned when another daemon already owns the session.
type HeldError struct {
	Holder Holder
	Path   string
}

func (e *HeldError) Error() string {
	if e.Holder.UserID == "" {
		return fmt.Sprintf("session already active: lock held by PID %d (%s)", e.Holder.PID, e.Path)
	}
	return fmt.Sprintf("session already syncing user %s with %s: lock held by PID %d (%s)",
		e.Holder.UserID, e.Holder.ServerURL, e.Holder.PID, e.Path)
}

// Lock is an acquired session lock.
type Lock struct {
	file   *os.File
	path   string
	holder Holder
}

// Acquire takes the exclusive lock in sessionDir for owner. Returns
// *HeldError, describing the current holder, if another process has it.
func Acquire(sessionDir string, owner Owner) (*Lock, error) {
	if err := os.MkdirAll(sessionDir, 0700); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	path := filepath.Join(sessionDir, FileName)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		data, _ := os.ReadFile(path)
		_ = f.Close()
		return nil, &HeldError{Holder: parseHolder(string(data)), Path: path}
	}

	h := Holder{Owner: owner, PID: os.Getpid(), Since: time.Now().UTC().Truncate(time.Second)}
	if err := f.Truncate(0); err != nil {
		_ = f.Close()
		return nil, err
	}
	if _, err := f.WriteAt([]byte(formatHolder(h)), 0); err != nil {
		_ = f.Close()
		return nil, err
	}
	return &Lock{file: f, path: path, holder: h}, nil
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

// Holder returns what this lock recorded when it was acquired.
func (l *Lock) Holder() Holder {
	if l == nil {
		return Holder{}
	}
	return l.holder
}

// Release releases the lock. Safe to call on nil receiver.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	_ = os.Remove(l.path)
	err := l.file.Close()
	l.file = nil
	return err
}

func formatHolder(h Holder) string {
	return fmt.Sprintf("pid=%d\nuser=%s\nserver=%s\nsince=%s\n",
		h.PID, h.UserID, h.ServerURL, h.Since.Format(time.RFC3339))
}

func parseHolder(content string) Holder {
	var h Holder
	for _, line := range strings.Split(content, "\n") {
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		switch key {
		case "pid":
			h.PID, _ = strconv.Atoi(value)
		case "user":
			h.UserID = value
		case "server":
			h.ServerURL = value
		case "since":
			h.Since, _ = time.Parse(time.RFC3339, value)
		}
	}
	return h
}
