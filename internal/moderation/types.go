package moderation

import "time"

// FlagStatus is the lifecycle state of a Flag.
type FlagStatus string

const (
	StatusPending  FlagStatus = "pending"
	StatusResolved FlagStatus = "resolved"
)

// Resolution actions a moderator may record against a Flag.
const (
	ActionApprove = "approve"
	ActionDelete  = "delete"
	ActionWarn    = "warn"
)

// ValidAction reports whether action is a known resolution action.
func ValidAction(action string) bool {
	switch action {
	case ActionApprove, ActionDelete, ActionWarn:
		return true
	}
	return false
}

// SystemReporter is the reporter recorded on flags raised by the reviewer.
const SystemReporter = "system"

// Flag is one report against a piece of content. Several flags may target
// the same ContentID; the pending ones drive auto-hide.
type Flag struct {
	ID          string      `json:"id"`
	ContentID   string      `json:"content_id"`
	ContentType string      `json:"content_type"`
	Reason      string      `json:"reason"`
	ReportedBy  string      `json:"reported_by"`
	Status      FlagStatus  `json:"status"`
	Resolution  *Resolution `json:"resolution,omitempty"`
	AutoHidden  bool        `json:"auto_hidden"`
	CreatedAt   time.Time   `json:"created_at"`
}

// Resolution records how a moderator closed a Flag.
type Resolution struct {
	Action     string    `json:"action"`
	Notes      string    `json:"notes"`
	Moderator  string    `json:"moderator"`
	ResolvedAt time.Time `json:"resolved_at"`
}

// Ban is an enforcement record. A zero ExpiresAt means permanent.
type Ban struct {
	Identity  string    `json:"identity"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
	Offense   int       `json:"offense,omitempty"`
}

// Permanent reports whether the ban never expires.
func (b Ban) Permanent() bool {
	return b.ExpiresAt.IsZero()
}

// Active reports whether the ban is in force at now.
func (b Ban) Active(now time.Time) bool {
	return b.Permanent() || now.Before(b.ExpiresAt)
}

// Remaining returns the time left on the ban, or 0 for permanent or expired
// bans.
func (b Ban) Remaining(now time.Time) time.Duration {
	if b.Permanent() || !now.Before(b.ExpiresAt) {
		return 0
	}
	return b.ExpiresAt.Sub(now)
}

// Warning is a recorded moderator warning.
type Warning struct {
	ID        string    `json:"id"`
	Identity  string    `json:"identity"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}

// ScoreResult is returned by IncreaseSpamScore.
type ScoreResult struct {
	Score     int  `json:"score"`
	ShouldBan bool `json:"should_ban"`
}

// ModerationRequest is published to moderation.check by a server for every
// accepted message so it can be reviewed asynchronously.
type ModerationRequest struct {
	Room      string `json:"room"`
	MessageID int64  `json:"message_id"`
	Author    string `json:"author"`
	Text      string `json:"text"`
	Ts        int64  `json:"ts"`
}

// Decision is published on moderation.result when content is hidden, either
// by the reviewer or by reports reaching the hide threshold.
type Decision struct {
	ContentID string   `json:"content_id"`
	Room      string   `json:"room"`
	MessageID int64    `json:"message_id"`
	Author    string   `json:"author,omitempty"`
	Hidden    bool     `json:"hidden"`
	Reason    string   `json:"reason"`
	Reasons   []string `json:"reasons,omitempty"`
	Score     int      `json:"score,omitempty"`
	Banned    bool     `json:"banned,omitempty"`
	BanSecs   int64    `json:"ban_secs,omitempty"`
}
