package protocol

import "time"

// Profile is the public summary of a peer.
type Profile struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	PhotoURL string `json:"photoUrl,omitempty"`
}

// Conversation is one entry of the conversation-list endpoint.
type Conversation struct {
	MatchID     string    `json:"matchId"`
	Peer        Profile   `json:"peer"`
	LastMessage *Message  `json:"lastMessage,omitempty"`
	UnreadCount int       `json:"unreadCount"`
	CreatedAt   time.Time `json:"createdAt"`
}

// MessagePage is one page of a conversation's history, newest page first.
// Messages within the page are in creation order.
type MessagePage struct {
	Messages []Message `json:"messages"`
	HasMore  bool      `json:"hasMore"`
}
