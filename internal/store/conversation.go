package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/lovelink/chatsync/internal/protocol"
)

// ReplaceConversations overwrites the conversation snapshot with list in a
// single transaction.
func (db *DB) ReplaceConversations(list []protocol.Conversation) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM conversations`); err != nil {
		return fmt.Errorf("clear conversations: %w", err)
	}

	now := time.Now().UnixMilli()
	for _, c := range list {
		peer, err := json.Marshal(c.Peer)
		if err != nil {
			return fmt.Errorf("encode peer %q: %w", c.MatchID, err)
		}
		var last []byte
		activity := c.CreatedAt
		if c.LastMessage != nil {
			if last, err = json.Marshal(c.LastMessage); err != nil {
				return fmt.Errorf("encode last message %q: %w", c.MatchID, err)
			}
			activity = c.LastMessage.CreatedAt
		}
		if _, err := tx.Exec(`
			INSERT INTO conversations (match_id, peer_json, last_message_json, unread_count, created_at, activity_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			c.MatchID, string(peer), nullString(last), c.UnreadCount,
			c.CreatedAt.UnixMilli(), activity.UnixMilli(), now); err != nil {
			return fmt.Errorf("insert conversation %q: %w", c.MatchID, err)
		}
	}
	return tx.Commit()
}

// ListConversations returns the snapshot ordered by last activity, most
// recent first.
func (db *DB) ListConversations() ([]protocol.Conversation, error) {
	rows, err := db.Query(`
		SELECT match_id, peer_json, last_message_json, unread_count, created_at
		FROM conversations
		ORDER BY activity_at DESC, match_id ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []protocol.Conversation
	for rows.Next() {
		var (
			c       protocol.Conversation
			peer    string
			last    *string
			created int64
		)
		if err := rows.Scan(&c.MatchID, &peer, &last, &c.UnreadCount, &created); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(peer), &c.Peer); err != nil {
			return nil, fmt.Errorf("decode peer %q: %w", c.MatchID, err)
		}
		if last != nil {
			var m protocol.Message
			if err := json.Unmarshal([]byte(*last), &m); err != nil {
				return nil, fmt.Errorf("decode last message %q: %w", c.MatchID, err)
			}
			c.LastMessage = &m
		}
		c.CreatedAt = time.UnixMilli(created).UTC()
		out = append(out, c)
	}
	return out, rows.Err()
}

// ConversationCount returns the number of snapshot rows.
func (db *DB) ConversationCount() (int64, error) {
	var count int64
	err := db.QueryRow(`SELECT COUNT(*) FROM conversations`).Scan(&count)
	return count, err
}

func nullString(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}
