package domain

import (
	"sort"
	"time"
)

// Session is one member's pending join verification. A member has at most
// one session at a time, scoped to the group they joined.
type Session struct {
	UserID   string
	GroupID  string
	Codes    map[string]struct{}
	JoinedAt time.Time
}

// NewSession builds a session holding a single code.
func NewSession(userID, groupID, code string, joinedAt time.Time) *Session {
	return &Session{
		UserID:   userID,
		GroupID:  groupID,
		Codes:    map[string]struct{}{code: {}},
		JoinedAt: joinedAt,
	}
}

// HasCode reports whether code is byte-for-byte equal to an issued code.
func (s *Session) HasCode(code string) bool {
	_, ok := s.Codes[code]
	return ok
}

// CodeList returns the issued codes in sorted order.
func (s *Session) CodeList() []string {
	out := make([]string, 0, len(s.Codes))
	for c := range s.Codes {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Clone returns a deep copy safe to hand outside the registry.
func (s *Session) Clone() *Session {
	codes := make(map[string]struct{}, len(s.Codes))
	for c := range s.Codes {
		codes[c] = struct{}{}
	}
	return &Session{UserID: s.UserID, GroupID: s.GroupID, Codes: codes, JoinedAt: s.JoinedAt}
}

// Deadline is the instant the session expires for the given timeout.
func (s *Session) Deadline(timeout time.Duration) time.Time {
	return s.JoinedAt.Add(timeout)
}

// Record projects the session into its persisted form.
func (s *Session) Record() SessionRecord {
	return SessionRecord{
		UserID:   s.UserID,
		GroupID:  s.GroupID,
		Codes:    s.CodeList(),
		JoinedAt: s.JoinedAt.Unix(),
	}
}

// SessionRecord is the persisted projection of a Session.
// In the JSON snapshot the user id is the map key, in DynamoDB it is the PK.
type SessionRecord struct {
	UserID   string   `json:"-" dynamodbav:"user_id"`
	GroupID  string   `json:"group_id" dynamodbav:"group_id"`
	Codes    []string `json:"codes" dynamodbav:"codes"`
	JoinedAt int64    `json:"joined_at" dynamodbav:"joined_at"` // Unix seconds
}

// Session rebuilds an in-memory session. Records without codes are invalid
// and yield nil.
func (r SessionRecord) Session(userID string) *Session {
	if len(r.Codes) == 0 {
		return nil
	}
	codes := make(map[string]struct{}, len(r.Codes))
	for _, c := range r.Codes {
		codes[c] = struct{}{}
	}
	return &Session{UserID: userID, GroupID: r.GroupID, Codes: codes, JoinedAt: time.Unix(r.JoinedAt, 0)}
}

// Snapshot maps user id to the persisted session record.
type Snapshot map[string]SessionRecord

// Pending describes a reloaded session whose expiry must be re-armed.
type Pending struct {
	UserID    string
	GroupID   string
	Remaining time.Duration
}
