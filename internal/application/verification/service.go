// Package verification runs the join verification lifecycle: pending
// sessions, their expiry timers and the routing of platform events.
package verification

import (
	"context"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/go-join-verify/internal/config"
	"github.com/go-join-verify/internal/domain"
	"github.com/go-join-verify/internal/pkg/clock"
	"github.com/go-join-verify/internal/pkg/code"
	"github.com/go-join-verify/internal/pkg/logger"
	"github.com/go-join-verify/internal/pkg/tmpl"
	"github.com/go-join-verify/internal/pkg/validate"
)

const (
	platformTimeout = 10 * time.Second
	auditTimeout    = 5 * time.Second
	flushTimeout    = 5 * time.Second
)

// Platform is the chat platform the service acts on.
type Platform interface {
	SendGroupMessage(ctx context.Context, groupID, text string) error
	GroupName(ctx context.Context, groupID string) (string, error)
	RemoveMember(ctx context.Context, groupID, userID string) error
	Mention(userID string) string
}

// Mailer sends verification mail in the background.
type Mailer interface {
	Go(to, subject, htmlBody string, done func(ok bool))
}

// NameCache remembers group display names.
type NameCache interface {
	Get(groupID string) (string, bool)
	Set(groupID, name string)
}

// Auditor records outcomes.
type Auditor interface {
	Publish(ctx context.Context, ev domain.AuditEvent) error
}

// Disposition tells the connector what to do with a group message.
type Disposition int

const (
	// Pass leaves the message for other consumers.
	Pass Disposition = iota
	// Block suppresses the message.
	Block
)

// Settings are the service's tunables.
type Settings struct {
	Timeout            time.Duration
	Templates          config.Templates
	Filter             GroupFilter
	BotSelfID          string
	DefaultEmailDomain string
	ResendCommands     []string
}

// SettingsFromConfig derives Settings from the loaded configuration.
func SettingsFromConfig(cfg *config.Config) Settings {
	return Settings{
		Timeout:            time.Duration(cfg.KickDelaySeconds) * time.Second,
		Templates:          cfg.Templates,
		Filter:             NewGroupFilter(cfg.GroupWhitelist, cfg.GroupBlacklist),
		BotSelfID:          cfg.BotSelfID,
		DefaultEmailDomain: cfg.DefaultEmailDomain,
		ResendCommands:     cfg.ResendCommands,
	}
}

// Summary describes a pending session without its codes.
type Summary struct {
	UserID    string        `json:"user_id"`
	GroupID   string        `json:"group_id"`
	CodeCount int           `json:"code_count"`
	JoinedAt  time.Time     `json:"joined_at"`
	Remaining time.Duration `json:"-"`
}

type ServiceDeps struct {
	Store    Store
	Platform Platform
	Mailer   Mailer
	Names    NameCache
	Auditor  Auditor
	Clock    clock.Clock
	Log      logger.Logger
	Settings Settings
}

type Service interface {
	HandleJoin(ctx context.Context, ev domain.JoinEvent)
	HandleLeave(ctx context.Context, ev domain.LeaveEvent)
	HandleMessage(ctx context.Context, ev domain.MessageEvent) Disposition
	HandleResend(ctx context.Context, cmd domain.ResendCommand)
	Pending() []Summary
	Start(ctx context.Context) []domain.Pending
	Shutdown(ctx context.Context) error
}

type service struct {
	registry *Registry
	platform Platform
	mailer   Mailer
	names    NameCache
	auditor  Auditor
	clock    clock.Clock
	log      logger.Logger
	settings Settings

	// base outlives request contexts; expiry actions run on it.
	base   context.Context
	cancel context.CancelFunc
}

func NewService(deps ServiceDeps) Service {
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	if deps.Names == nil {
		deps.Names = noCache{}
	}
	base, cancel := context.WithCancel(context.Background())
	s := &service{
		platform: deps.Platform,
		mailer:   deps.Mailer,
		names:    deps.Names,
		auditor:  deps.Auditor,
		clock:    deps.Clock,
		log:      deps.Log,
		settings: deps.Settings,
		base:     base,
		cancel:   cancel,
	}
	s.registry = NewRegistry(deps.Store, deps.Settings.Timeout, deps.Clock, deps.Log, s.expire)
	return s
}

// Start loads the stored snapshot and re-arms every session with the time it
// has left.
func (s *service) Start(ctx context.Context) []domain.Pending {
	n := s.registry.Load(ctx)
	resumed := s.registry.Resume(s.clock.Now())
	for _, p := range resumed {
		s.log.Info().Str("user_id", p.UserID).Str("group_id", p.GroupID).
			Dur("remaining", p.Remaining).Msg("resumed pending verification")
	}
	s.log.Info().Int("sessions", n).Msg("verification registry started")
	return resumed
}

// Shutdown cancels every timer, lets expirations underway finish until ctx
// is done, then saves the final snapshot. Expirations cut short keep their
// session so they run again after a restart.
func (s *service) Shutdown(ctx context.Context) error {
	defer s.cancel()
	s.registry.Stop()
	if !s.registry.Wait(ctx) {
		s.log.Warn().Msg("shutdown deadline reached, aborting expirations underway")
		s.cancel()
		s.registry.Wait(context.Background())
	}
	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), flushTimeout)
	defer cancel()
	return s.registry.Flush(flushCtx)
}

func (s *service) HandleJoin(ctx context.Context, ev domain.JoinEvent) {
	if !s.settings.Filter.Enabled(ev.GroupID) {
		return
	}
	if ev.UserID == ev.SelfID || (s.settings.BotSelfID != "" && ev.UserID == s.settings.BotSelfID) {
		return
	}
	log := s.log.With().Str("user_id", ev.UserID).Str("group_id", ev.GroupID).Logger()

	c := code.New()
	if _, ok := s.registry.Create(ctx, ev.UserID, ev.GroupID, c); !ok {
		log.Info().Msg("join ignored, verification already pending")
		return
	}
	log.Info().Msg("verification started")

	groupName := s.groupName(ctx, ev.GroupID)
	s.sendCode(ev.UserID, s.defaultEmail(ev.UserID), ev.GroupID, groupName, c)

	welcome := tmpl.Render(s.settings.Templates.Welcome, s.memberValues(ev.UserID))
	s.say(ctx, ev.GroupID, welcome)
	s.audit(domain.OutcomeJoined, ev.UserID, ev.GroupID)
}

func (s *service) HandleLeave(ctx context.Context, ev domain.LeaveEvent) {
	sess, ok := s.registry.Remove(ctx, ev.UserID)
	if !ok {
		return
	}
	s.log.Info().Str("user_id", ev.UserID).Str("group_id", sess.GroupID).
		Str("left_group_id", ev.GroupID).Msg("member left, verification cleared")
	s.audit(domain.OutcomeLeft, ev.UserID, sess.GroupID)
}

func (s *service) HandleMessage(ctx context.Context, ev domain.MessageEvent) Disposition {
	if !s.settings.Filter.Enabled(ev.GroupID) {
		return Pass
	}
	if email, ok := parseResend(ev.Text, s.settings.ResendCommands); ok {
		s.HandleResend(ctx, domain.ResendCommand{UserID: ev.UserID, GroupID: ev.GroupID, Email: email})
		return Block
	}

	sess, ok := s.registry.Get(ev.UserID)
	if !ok || sess.GroupID != ev.GroupID {
		return Pass
	}
	if _, ok := s.registry.Verify(ctx, ev.UserID, ev.GroupID, ev.Text); !ok {
		return Block
	}
	s.log.Info().Str("user_id", ev.UserID).Str("group_id", ev.GroupID).Msg("member verified")
	s.say(ctx, ev.GroupID, tmpl.Render(s.settings.Templates.Success, s.memberValues(ev.UserID)))
	s.audit(domain.OutcomeVerified, ev.UserID, ev.GroupID)
	return Block
}

func (s *service) HandleResend(ctx context.Context, cmd domain.ResendCommand) {
	if !s.settings.Filter.Enabled(cmd.GroupID) {
		return
	}
	t := s.settings.Templates
	sess, ok := s.registry.Get(cmd.UserID)
	if !ok {
		s.say(ctx, cmd.GroupID, t.NotPending)
		return
	}
	if sess.GroupID != cmd.GroupID {
		s.say(ctx, cmd.GroupID, t.WrongGroup)
		return
	}

	email := cmd.Email
	if email == "" {
		email = s.defaultEmail(cmd.UserID)
	} else if !validate.Email(email) {
		s.say(ctx, cmd.GroupID, t.InvalidEmail)
		return
	}

	c := code.New()
	if !s.registry.AddCode(ctx, cmd.UserID, c) {
		s.say(ctx, cmd.GroupID, t.NotPending)
		return
	}
	s.log.Info().Str("user_id", cmd.UserID).Str("group_id", cmd.GroupID).Msg("verification code resent")

	s.sendCode(cmd.UserID, email, cmd.GroupID, s.groupName(ctx, cmd.GroupID), c)
	s.say(ctx, cmd.GroupID, tmpl.Render(t.ResendSent, tmpl.Values{"email": email}))
	s.audit(domain.OutcomeResent, cmd.UserID, cmd.GroupID)
}

func (s *service) Pending() []Summary {
	now := s.clock.Now()
	timeout := s.registry.Timeout()
	sessions := s.registry.List()
	out := make([]Summary, 0, len(sessions))
	for _, sess := range sessions {
		remaining := sess.Deadline(timeout).Sub(now)
		if remaining < 0 {
			remaining = 0
		}
		out = append(out, Summary{
			UserID:    sess.UserID,
			GroupID:   sess.GroupID,
			CodeCount: len(sess.Codes),
			JoinedAt:  sess.JoinedAt,
			Remaining: remaining,
		})
	}
	return out
}

// expire sends the removal notice and removes the member. The registry
// drops the session once it returns true; false means shutdown cut the
// actions short.
func (s *service) expire(sess *domain.Session) bool {
	log := s.log.With().Str("user_id", sess.UserID).Str("group_id", sess.GroupID).Logger()
	log.Info().Msg("verification timed out")

	s.say(s.base, sess.GroupID, tmpl.Render(s.settings.Templates.Kick, s.memberValues(sess.UserID)))

	ctx, cancel := context.WithTimeout(s.base, platformTimeout)
	defer cancel()
	if err := s.platform.RemoveMember(ctx, sess.GroupID, sess.UserID); err != nil {
		log.Error().Err(err).Msg("remove unverified member")
	}
	if s.base.Err() != nil {
		return false
	}
	s.audit(domain.OutcomeExpired, sess.UserID, sess.GroupID)
	return true
}

func (s *service) sendCode(userID, to, groupID, groupName, c string) {
	vals := tmpl.Values{
		"code":       c,
		"group_name": groupName,
		"group_id":   groupID,
		"timeout":    s.timeoutMinutes(),
	}
	subject := tmpl.Render(s.settings.Templates.EmailSubject, vals)
	body := tmpl.Render(s.settings.Templates.EmailBody, vals)
	s.mailer.Go(to, subject, body, func(ok bool) {
		if !ok {
			s.log.Warn().Str("user_id", userID).Str("group_id", groupID).Msg("verification code not delivered")
		}
	})
}

// groupName returns the group's display name, or its id when the platform
// cannot tell.
func (s *service) groupName(ctx context.Context, groupID string) string {
	if name, ok := s.names.Get(groupID); ok {
		return name
	}
	ctx, cancel := context.WithTimeout(ctx, platformTimeout)
	defer cancel()
	name, err := s.platform.GroupName(ctx, groupID)
	if err != nil || name == "" {
		if err != nil {
			s.log.Warn().Err(err).Str("group_id", groupID).Msg("fetch group name")
		}
		return groupID
	}
	s.names.Set(groupID, name)
	return name
}

func (s *service) say(ctx context.Context, groupID, text string) {
	ctx, cancel := context.WithTimeout(ctx, platformTimeout)
	defer cancel()
	if err := s.platform.SendGroupMessage(ctx, groupID, text); err != nil {
		s.log.Error().Err(err).Str("group_id", groupID).Msg("send group message")
	}
}

func (s *service) audit(kind, userID, groupID string) {
	if s.auditor == nil {
		return
	}
	ctx, cancel := context.WithTimeout(s.base, auditTimeout)
	defer cancel()
	ev := domain.AuditEvent{Kind: kind, UserID: userID, GroupID: groupID, At: s.clock.Now().UTC()}
	if err := s.auditor.Publish(ctx, ev); err != nil {
		s.log.Warn().Err(err).Str("kind", kind).Str("user_id", userID).Msg("publish audit event")
	}
}

func (s *service) memberValues(userID string) tmpl.Values {
	return tmpl.Values{"at_user": s.platform.Mention(userID), "timeout": s.timeoutMinutes()}
}

func (s *service) timeoutMinutes() string {
	return strconv.Itoa(int(s.settings.Timeout / time.Minute))
}

func (s *service) defaultEmail(userID string) string {
	return userID + "@" + s.settings.DefaultEmailDomain
}

// parseResend reports whether text invokes one of commands, returning the
// trimmed argument.
func parseResend(text string, commands []string) (string, bool) {
	for _, cmd := range commands {
		rest, ok := strings.CutPrefix(text, cmd)
		if !ok {
			continue
		}
		if rest == "" {
			return "", true
		}
		if r, _ := utf8.DecodeRuneInString(rest); unicode.IsSpace(r) {
			return strings.TrimSpace(rest), true
		}
	}
	return "", false
}

type noCache struct{}

func (noCache) Get(string) (string, bool) { return "", false }
func (noCache) Set(string, string) {}
