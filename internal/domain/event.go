package domain

import "time"

// JoinEvent is delivered when a member enters a group. SelfID is the bot's
// own id as reported by the connector, empty when unknown.
type JoinEvent struct {
	UserID  string
	GroupID string
	SelfID  string
}

// LeaveEvent is delivered when a member leaves or is removed from a group.
type LeaveEvent struct {
	UserID  string
	GroupID string
}

// MessageEvent is a plain group message, already trimmed by the connector.
type MessageEvent struct {
	UserID  string
	GroupID string
	Text    string
}

// ResendCommand asks for an additional code. Email is optional.
type ResendCommand struct {
	UserID  string
	GroupID string
	Email   string
}

// Outcome kinds published to the audit sink.
const (
	OutcomeJoined   = "joined"
	OutcomeVerified = "verified"
	OutcomeExpired  = "expired"
	OutcomeLeft     = "left"
	OutcomeResent   = "resent"
)

// AuditEvent records a verification state transition.
type AuditEvent struct {
	Kind    string    `json:"kind"`
	UserID  string    `json:"user_id"`
	GroupID string    `json:"group_id"`
	At      time.Time `json:"at"`
}
