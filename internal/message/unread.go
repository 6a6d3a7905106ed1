package message

// NextUnread computes a conversation's unread count after appending a
// message. Customer messages stack up until an agent looks or replies;
// any agent or bot message means the thread has been handled, so the
// counter resets. Both the SQL and in-memory stores apply exactly this
// function.
func NextUnread(current int, appended Role) int {
	if appended == RoleUser {
		return current + 1
	}
	return 0
}
