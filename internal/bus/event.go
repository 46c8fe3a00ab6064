package bus

import (
	"encoding/json"
	"time"
)

// Event represents a state change published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Namespaces used by the engine. Subscribers match on prefix.
const (
	NamespaceConnection   = "connection."
	NamespaceConversation = "conversation."
	NamespaceMessage      = "message."
	NamespacePresence     = "presence."
	NamespaceTyping       = "typing."
	NamespaceUnread       = "unread."
	NamespaceHistory      = "history."
)

// Fields returns the payload as a flat map for serialization. Map payloads
// are returned as-is; anything else goes through a JSON round trip.
func (e Event) Fields() (map[string]any, error) {
	switch p := e.Payload.(type) {
	case nil:
		return map[string]any{}, nil
	case map[string]any:
		return p, nil
	}
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return map[string]any{"value": e.Payload}, nil
	}
	return out, nil
}
