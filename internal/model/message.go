package model

import (
	"strings"
	"time"
)

// Message is an immutable row from the shared messages table populated by the
// upstream collector.
type Message struct {
	ID        int64     `json:"id"`
	Time      time.Time `json:"message_time"`
	ChatName  string    `json:"chat_name"`
	AuthorID  int64     `json:"user_id"`
	Username  string    `json:"username,omitempty"`
	FirstName string    `json:"first_name,omitempty"`
	Bio       string    `json:"bio,omitempty"`
	Text      string    `json:"message"`
	Link      string    `json:"message_link,omitempty"`
}

// RedactedHandle is shown in place of an author handle that the collector
// could not resolve.
const RedactedHandle = "(hidden)"

// Handle returns the author's @handle, or RedactedHandle when absent.
func (m Message) Handle() string {
	u := strings.TrimPrefix(strings.TrimSpace(m.Username), "@")
	if u == "" {
		return RedactedHandle
	}
	return "@" + u
}

// HasHandle reports whether the author has a public username.
func (m Message) HasHandle() bool {
	return strings.TrimSpace(strings.TrimPrefix(m.Username, "@")) != ""
}

// AuthorDisplay returns the best human-readable name for the author.
func (m Message) AuthorDisplay() string {
	if name := strings.TrimSpace(m.FirstName); name != "" {
		return name
	}
	if m.HasHandle() {
		return m.Handle()
	}
	return "Unknown"
}
