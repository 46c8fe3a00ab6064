package sync

// Event kinds published on the bus by the engine. Payloads are
// map[string]any with basic values.
const (
	KindListSeeded          = "conversation.list_seeded"
	KindConversationUpdated = "conversation.updated"
	KindCurrentChanged      = "conversation.current_changed"
	KindMessageNew          = "message.new"
	KindMessageEdited       = "message.edited"
	KindMessageDeleted      = "message.deleted"
	KindMessageRead         = "message.read"
	KindPageLoaded          = "message.page_loaded"
	KindUnreadChanged       = "unread.changed"
	KindPresenceChanged     = "presence.changed"
	KindTypingChanged       = "typing.changed"
	KindHistoryFailed       = "history.failed"
	KindResynced            = "sync.resynced"
	KindServerError         = "channel.error"
)
