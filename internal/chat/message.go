// Package chat defines the room message model shared by the server and the
// client, content validation, and the server-side room history stores that
// assign message ids.
package chat

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Message is a single room message. ID is unique within Room and is the only
// key used to deduplicate redeliveries.
type Message struct {
	ID        int64               `json:"id"`
	Room      string              `json:"room"`
	Author    string              `json:"author"`
	Text      string              `json:"text"`
	CreatedAt int64               `json:"created_at"`           // unix ms
	EditedAt  int64               `json:"edited_at,omitempty"`  // unix ms, 0 if never edited
	Deleted   bool                `json:"deleted,omitempty"`
	Reactions map[string][]string `json:"reactions,omitempty"` // emoji -> identities
	Nonce     string              `json:"nonce,omitempty"`     // sender's correlation token
}

// Clone returns a deep copy of m.
func (m Message) Clone() Message {
	if m.Reactions != nil {
		r := make(map[string][]string, len(m.Reactions))
		for emoji, who := range m.Reactions {
			r[emoji] = append([]string(nil), who...)
		}
		m.Reactions = r
	}
	return m
}

// ToggleReaction adds identity to the emoji's reactor set, or removes it if
// already present. Returns true when the reaction was added.
func (m *Message) ToggleReaction(emoji, identity string) bool {
	if m.Reactions == nil {
		m.Reactions = make(map[string][]string)
	}
	who := m.Reactions[emoji]
	for i, id := range who {
		if id == identity {
			who = append(who[:i], who[i+1:]...)
			if len(who) == 0 {
				delete(m.Reactions, emoji)
			} else {
				m.Reactions[emoji] = who
			}
			return false
		}
	}
	who = append(who, identity)
	sort.Strings(who)
	m.Reactions[emoji] = who
	return true
}

// SetReaction forces identity's reaction state for emoji.
func (m *Message) SetReaction(emoji, identity string, present bool) {
	has := false
	for _, id := range m.Reactions[emoji] {
		if id == identity {
			has = true
			break
		}
	}
	if has != present {
		m.ToggleReaction(emoji, identity)
	}
}

// Edit replaces the text and stamps EditedAt.
func (m *Message) Edit(text string, at int64) {
	m.Text = text
	m.EditedAt = at
}

// MarkDeleted clears the text and reactions but keeps the id so that
// redeliveries still deduplicate against it.
func (m *Message) MarkDeleted() {
	m.Deleted = true
	m.Text = ""
	m.Reactions = nil
}

// ContentID is the moderation content id of a room message.
func ContentID(room string, id int64) string {
	return room + ":" + strconv.FormatInt(id, 10)
}

// ParseContentID splits a content id produced by ContentID.
func ParseContentID(contentID string) (room string, id int64, err error) {
	i := strings.LastIndexByte(contentID, ':')
	if i <= 0 {
		return "", 0, fmt.Errorf("chat: malformed content id %q", contentID)
	}
	id, err = strconv.ParseInt(contentID[i+1:], 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("chat: malformed content id %q: %w", contentID, err)
	}
	return contentID[:i], id, nil
}

// Reason strings surfaced to users when a send is refused.
const (
	ReasonRateLimited = "rate limit exceeded"
	ReasonBanned      = "banned"
	ReasonNotInRoom   = "not in room"
	ReasonNotAuthor   = "not the author"
)

// RejectedError is returned when content is refused, either locally before
// transmission or by the server. Reasons is meant to be shown to the user.
type RejectedError struct {
	Reasons []string
}

func (e *RejectedError) Error() string {
	return "message rejected: " + strings.Join(e.Reasons, ", ")
}

// Reject builds a RejectedError from reasons.
func Reject(reasons ...string) *RejectedError {
	return &RejectedError{Reasons: reasons}
}
