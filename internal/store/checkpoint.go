package store

import (
	"database/sql"
	"errors"
	"time"
)

// Checkpoint keys written by the engine.
const (
	CheckpointConnected = "last_connected_at"
	CheckpointResync    = "last_resync_at"
	CheckpointSeed      = "last_seed_at"
)

// SetState stores a key/value pair in sync_state.
func (db *DB) SetState(key, value string) error {
	_, err := db.Exec(`
		INSERT INTO sync_state (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UnixMilli())
	return err
}

// State returns the value for key. ok is false when the key was never set.
func (db *DB) State(key string) (value string, ok bool, err error) {
	err = db.QueryRow(`SELECT value FROM sync_state WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// SetCheckpoint records t under key.
func (db *DB) SetCheckpoint(key string, t time.Time) error {
	return db.SetState(key, t.UTC().Format(time.RFC3339Nano))
}

// Checkpoint returns the time stored under key.
func (db *DB) Checkpoint(key string) (time.Time, bool, error) {
	v, ok, err := db.State(key)
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, false, err
	}
	return t, true, nil
}
