package onebot

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/go-join-verify/internal/domain"
)

// Report is the subset of a OneBot v11 event report this service reads.
type Report struct {
	PostType    string          `json:"post_type"`
	NoticeType  string          `json:"notice_type,omitempty"`
	MessageType string          `json:"message_type,omitempty"`
	SelfID      json.Number     `json:"self_id"`
	UserID      json.Number     `json:"user_id"`
	GroupID     json.Number     `json:"group_id"`
	RawMessage  string          `json:"raw_message,omitempty"`
	MessageData json.RawMessage `json:"message,omitempty"` // segment array or CQ string
}

type segment struct {
	Type string `json:"type"`
	Data struct {
		Text string `json:"text"`
	} `json:"data"`
}

var (
	cqCode    = regexp.MustCompile(`\[CQ:[^\]]*\]`)
	cqUnquote = strings.NewReplacer("&#91;", "[", "&#93;", "]", "&#44;", ",", "&amp;", "&")
)

// Kinds of reports the verification flow consumes.
const (
	KindIgnored = iota
	KindJoin
	KindLeave
	KindGroupMessage
)

// DecodeReport parses a report body.
func DecodeReport(b []byte) (Report, error) {
	var r Report
	if err := json.Unmarshal(b, &r); err != nil {
		return Report{}, fmt.Errorf("%w: decode report: %w", domain.ErrBadRequest, err)
	}
	return r, nil
}

// Kind classifies the report.
func (r Report) Kind() int {
	switch {
	case r.PostType == "notice" && r.NoticeType == "group_increase":
		return KindJoin
	case r.PostType == "notice" && r.NoticeType == "group_decrease":
		return KindLeave
	case r.PostType == "message" && r.MessageType == "group":
		return KindGroupMessage
	default:
		return KindIgnored
	}
}

func (r Report) Join() domain.JoinEvent {
	return domain.JoinEvent{UserID: r.UserID.String(), GroupID: r.GroupID.String(), SelfID: r.SelfID.String()}
}

func (r Report) Leave() domain.LeaveEvent {
	return domain.LeaveEvent{UserID: r.UserID.String(), GroupID: r.GroupID.String()}
}

func (r Report) Message() domain.MessageEvent {
	return domain.MessageEvent{
		UserID:  r.UserID.String(),
		GroupID: r.GroupID.String(),
		Text:    strings.TrimSpace(r.PlainText()),
	}
}

// PlainText returns the message with mentions, faces and images removed:
// the text segments of an array message, or the CQ string with its codes
// stripped and entities decoded.
func (r Report) PlainText() string {
	var segs []segment
	if err := json.Unmarshal(r.MessageData, &segs); err == nil && segs != nil {
		var b strings.Builder
		for _, s := range segs {
			if s.Type == "text" {
				b.WriteString(s.Data.Text)
			}
		}
		return b.String()
	}
	src := r.RawMessage
	var str string
	if err := json.Unmarshal(r.MessageData, &str); err == nil {
		src = str
	}
	return cqUnquote.Replace(cqCode.ReplaceAllString(src, ""))
}
