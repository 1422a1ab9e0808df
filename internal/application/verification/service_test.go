package verification

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/go-join-verify/internal/config"
	"github.com/go-join-verify/internal/domain"
	"github.com/go-join-verify/internal/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testTemplates = config.Templates{
	EmailSubject: "code for {group_name}",
	EmailBody:    "{code}|{group_name}|{group_id}|{timeout}",
	Welcome:      "welcome {at_user}, {timeout} min",
	Kick:         "bye {at_user}",
	Success:      "ok {at_user}",
	ResendSent:   "sent to {email}",
	NotPending:   "not pending",
	WrongGroup:   "wrong group",
	InvalidEmail: "bad email",
}

type fixture struct {
	svc      Service
	store    *memStore
	clock    *fakeClock
	platform *fakePlatform
	mailer   *fakeMailer
	names    *mapCache
	audit    *recordingAuditor
}

func newFixture(t *testing.T, opts ...func(*ServiceDeps)) *fixture {
	t.Helper()
	f := &fixture{
		store:    &memStore{},
		clock:    newFakeClock(t0),
		platform: &fakePlatform{names: map[string]string{"g1": "Gophers"}},
		mailer:   &fakeMailer{},
		names:    &mapCache{},
		audit:    &recordingAuditor{},
	}
	deps := ServiceDeps{
		Store:    f.store,
		Platform: f.platform,
		Mailer:   f.mailer,
		Names:    f.names,
		Auditor:  f.audit,
		Clock:    f.clock,
		Log:      logger.Nop(),
		Settings: Settings{
			Timeout:            5 * time.Minute,
			Templates:          testTemplates,
			BotSelfID:          "bot",
			DefaultEmailDomain: "qq.com",
			ResendCommands:     []string{"/resend", "/verifycode"},
		},
	}
	for _, o := range opts {
		o(&deps)
	}
	f.svc = NewService(deps)
	return f
}

// mailedCode extracts the code from the i-th mail using the test body layout.
func (f *fixture) mailedCode(t *testing.T, i int) string {
	t.Helper()
	mails := f.mailer.sent()
	require.Greater(t, len(mails), i)
	c, _, _ := strings.Cut(mails[i].Body, "|")
	require.Len(t, c, 6)
	return c
}

func (f *fixture) texts() []string {
	var out []string
	for _, m := range f.platform.sent() {
		out = append(out, m.Text)
	}
	return out
}

func TestJoinVerifyReplay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.svc.HandleJoin(ctx, domain.JoinEvent{UserID: "42", GroupID: "g1", SelfID: "bot"})

	mails := f.mailer.sent()
	require.Len(t, mails, 1)
	assert.Equal(t, "42@qq.com", mails[0].To)
	assert.Equal(t, "code for Gophers", mails[0].Subject)
	c := f.mailedCode(t, 0)
	assert.Equal(t, c+"|Gophers|g1|5", mails[0].Body)
	assert.Equal(t, []string{"welcome @42, 5 min"}, f.texts())

	assert.Equal(t, Block, f.svc.HandleMessage(ctx, domain.MessageEvent{UserID: "42", GroupID: "g1", Text: "hello"}))
	require.Len(t, f.svc.Pending(), 1)

	assert.Equal(t, Block, f.svc.HandleMessage(ctx, domain.MessageEvent{UserID: "42", GroupID: "g1", Text: c}))
	assert.Empty(t, f.svc.Pending())
	assert.Equal(t, "ok @42", f.texts()[1])

	// The verified member is an ordinary member now.
	assert.Equal(t, Pass, f.svc.HandleMessage(ctx, domain.MessageEvent{UserID: "42", GroupID: "g1", Text: c}))

	f.clock.Advance(10 * time.Minute)
	assert.Empty(t, f.platform.kicked())
	assert.Equal(t, []string{domain.OutcomeJoined, domain.OutcomeVerified}, f.audit.kinds())
}

func TestExpiryKicksAndNotifies(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.svc.HandleJoin(ctx, domain.JoinEvent{UserID: "42", GroupID: "g1"})

	f.clock.Advance(5*time.Minute - time.Second)
	assert.Empty(t, f.platform.kicked())

	f.clock.Advance(time.Second)
	assert.Equal(t, []kick{{GroupID: "g1", UserID: "42"}}, f.platform.kicked())
	assert.Contains(t, f.texts(), "bye @42")
	assert.Empty(t, f.svc.Pending())
	snap, _ := f.store.snapshot()
	assert.Empty(t, snap)
	assert.Contains(t, f.audit.kinds(), domain.OutcomeExpired)
}

func TestExpiryCleansUpWhenKickFails(t *testing.T) {
	f := newFixture(t)
	f.platform.kickErr = errors.New("no permission")
	f.svc.HandleJoin(context.Background(), domain.JoinEvent{UserID: "42", GroupID: "g1"})

	f.clock.Advance(5 * time.Minute)
	assert.Len(t, f.platform.kicked(), 1)
	assert.Empty(t, f.svc.Pending())
}

func TestJoinIgnored(t *testing.T) {
	tests := []struct {
		name  string
		opt   func(*ServiceDeps)
		event domain.JoinEvent
	}{
		{"bot itself by self id", nil, domain.JoinEvent{UserID: "99", GroupID: "g1", SelfID: "99"}},
		{"bot itself by config", nil, domain.JoinEvent{UserID: "bot", GroupID: "g1"}},
		{"group not whitelisted", func(d *ServiceDeps) {
			d.Settings.Filter = NewGroupFilter([]string{"g2"}, nil)
		}, domain.JoinEvent{UserID: "42", GroupID: "g1"}},
		{"group blacklisted", func(d *ServiceDeps) {
			d.Settings.Filter = NewGroupFilter(nil, []string{"g1"})
		}, domain.JoinEvent{UserID: "42", GroupID: "g1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var opts []func(*ServiceDeps)
			if tt.opt != nil {
				opts = append(opts, tt.opt)
			}
			f := newFixture(t, opts...)
			f.svc.HandleJoin(context.Background(), tt.event)
			assert.Empty(t, f.mailer.sent())
			assert.Empty(t, f.platform.sent())
			assert.Empty(t, f.svc.Pending())
		})
	}
}

func TestWhitelistScenario(t *testing.T) {
	f := newFixture(t, func(d *ServiceDeps) {
		d.Settings.Filter = NewGroupFilter([]string{"g1"}, nil)
	})
	ctx := context.Background()

	f.svc.HandleJoin(ctx, domain.JoinEvent{UserID: "1", GroupID: "g1"})
	f.svc.HandleJoin(ctx, domain.JoinEvent{UserID: "2", GroupID: "g2"})

	pending := f.svc.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, "1", pending[0].UserID)
	assert.Equal(t, Pass, f.svc.HandleMessage(ctx, domain.MessageEvent{UserID: "2", GroupID: "g2", Text: "hi"}))
}

func TestSecondJoinWhilePendingIsIgnored(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.svc.HandleJoin(ctx, domain.JoinEvent{UserID: "42", GroupID: "g1"})
	f.svc.HandleJoin(ctx, domain.JoinEvent{UserID: "42", GroupID: "g1"})

	assert.Len(t, f.mailer.sent(), 1)
	assert.Equal(t, 1, f.clock.live())
}

func TestLeaveClearsSession(t *testing.T) {
	for _, group := range []string{"g1", "other"} {
		t.Run("leave from "+group, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			f.svc.HandleJoin(ctx, domain.JoinEvent{UserID: "42", GroupID: "g1"})
			before := len(f.platform.sent())

			f.svc.HandleLeave(ctx, domain.LeaveEvent{UserID: "42", GroupID: group})
			assert.Empty(t, f.svc.Pending())
			assert.Len(t, f.platform.sent(), before, "leave sends nothing")

			f.clock.Advance(time.Hour)
			assert.Empty(t, f.platform.kicked())
		})
	}

	t.Run("unknown member", func(t *testing.T) {
		f := newFixture(t)
		f.svc.HandleLeave(context.Background(), domain.LeaveEvent{UserID: "7", GroupID: "g1"})
		assert.Empty(t, f.audit.kinds())
	})
}

// gateKicks makes RemoveMember block until the returned func is called.
func (f *fixture) gateKicks() (release func()) {
	gate := make(chan struct{})
	f.platform.mu.Lock()
	f.platform.kickGate = gate
	f.platform.kickStarted = make(chan struct{}, 1)
	f.platform.mu.Unlock()
	return func() { close(gate) }
}

// expireInBackground advances past the timeout on another goroutine and
// waits until the kick call has started.
func (f *fixture) expireInBackground(t *testing.T) <-chan struct{} {
	t.Helper()
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.clock.Advance(6 * time.Minute)
	}()
	select {
	case <-f.platform.kickStarted:
	case <-time.After(2 * time.Second):
		t.Fatal("kick never started")
	}
	return done
}

func TestShutdownDuringKickKeepsSession(t *testing.T) {
	f := newFixture(t)
	f.gateKicks()
	f.svc.HandleJoin(context.Background(), domain.JoinEvent{UserID: "100", GroupID: "g1"})
	advanced := f.expireInBackground(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.NoError(t, f.svc.Shutdown(ctx))
	<-advanced

	snap, _ := f.store.snapshot()
	assert.Contains(t, snap, "100", "an aborted expiry must resume after restart")
	assert.NotContains(t, f.audit.kinds(), domain.OutcomeExpired)
}

func TestShutdownWaitsForKick(t *testing.T) {
	f := newFixture(t)
	release := f.gateKicks()
	f.svc.HandleJoin(context.Background(), domain.JoinEvent{UserID: "100", GroupID: "g1"})
	advanced := f.expireInBackground(t)

	shut := make(chan error, 1)
	go func() { shut <- f.svc.Shutdown(context.Background()) }()
	release()
	require.NoError(t, <-shut)
	<-advanced

	snap, _ := f.store.snapshot()
	assert.NotContains(t, snap, "100")
	assert.Equal(t, []kick{{GroupID: "g1", UserID: "100"}}, f.platform.kicked())
	assert.Contains(t, f.audit.kinds(), domain.OutcomeExpired)
}

func TestCodeDuringKickDoesNotVerify(t *testing.T) {
	f := newFixture(t)
	release := f.gateKicks()
	ctx := context.Background()
	f.svc.HandleJoin(ctx, domain.JoinEvent{UserID: "100", GroupID: "g1"})
	c := f.mailedCode(t, 0)
	advanced := f.expireInBackground(t)

	assert.Equal(t, Block, f.svc.HandleMessage(ctx, domain.MessageEvent{UserID: "100", GroupID: "g1", Text: c}))
	assert.NotContains(t, f.texts(), "ok @100")
	snap, _ := f.store.snapshot()
	assert.Contains(t, snap, "100", "session is persisted until the kick has run")

	release()
	<-advanced
	assert.Empty(t, f.svc.Pending())
}

func TestMessageFromOtherGroupPasses(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.svc.HandleJoin(ctx, domain.JoinEvent{UserID: "42", GroupID: "g1"})
	c := f.mailedCode(t, 0)

	assert.Equal(t, Pass, f.svc.HandleMessage(ctx, domain.MessageEvent{UserID: "42", GroupID: "g2", Text: c}))
	assert.Len(t, f.svc.Pending(), 1)
}

func TestResend(t *testing.T) {
	ctx := context.Background()

	t.Run("default address adds a code", func(t *testing.T) {
		f := newFixture(t)
		f.svc.HandleJoin(ctx, domain.JoinEvent{UserID: "42", GroupID: "g1"})
		first := f.mailedCode(t, 0)

		assert.Equal(t, Block, f.svc.HandleMessage(ctx, domain.MessageEvent{UserID: "42", GroupID: "g1", Text: "/resend"}))
		mails := f.mailer.sent()
		require.Len(t, mails, 2)
		assert.Equal(t, "42@qq.com", mails[1].To)
		assert.Contains(t, f.texts(), "sent to 42@qq.com")
		assert.Equal(t, 2, f.svc.Pending()[0].CodeCount)

		// Earlier codes keep working.
		assert.Equal(t, Block, f.svc.HandleMessage(ctx, domain.MessageEvent{UserID: "42", GroupID: "g1", Text: first}))
		assert.Empty(t, f.svc.Pending())
	})

	t.Run("explicit address", func(t *testing.T) {
		f := newFixture(t)
		f.svc.HandleJoin(ctx, domain.JoinEvent{UserID: "42", GroupID: "g1"})

		f.svc.HandleMessage(ctx, domain.MessageEvent{UserID: "42", GroupID: "g1", Text: "/verifycode  me@example.com "})
		mails := f.mailer.sent()
		require.Len(t, mails, 2)
		assert.Equal(t, "me@example.com", mails[1].To)
		second := f.mailedCode(t, 1)
		assert.Equal(t, Block, f.svc.HandleMessage(ctx, domain.MessageEvent{UserID: "42", GroupID: "g1", Text: second}))
	})

	t.Run("invalid address changes nothing", func(t *testing.T) {
		f := newFixture(t)
		f.svc.HandleJoin(ctx, domain.JoinEvent{UserID: "42", GroupID: "g1"})
		_, savesBefore := f.store.snapshot()

		f.svc.HandleResend(ctx, domain.ResendCommand{UserID: "42", GroupID: "g1", Email: "not-an-email"})
		assert.Contains(t, f.texts(), "bad email")
		assert.Len(t, f.mailer.sent(), 1)
		assert.Equal(t, 1, f.svc.Pending()[0].CodeCount)
		_, saves := f.store.snapshot()
		assert.Equal(t, savesBefore, saves)
	})

	t.Run("not pending", func(t *testing.T) {
		f := newFixture(t)
		f.svc.HandleMessage(ctx, domain.MessageEvent{UserID: "42", GroupID: "g1", Text: "/resend"})
		assert.Equal(t, []string{"not pending"}, f.texts())
		assert.Empty(t, f.mailer.sent())
	})

	t.Run("wrong group", func(t *testing.T) {
		f := newFixture(t)
		f.svc.HandleJoin(ctx, domain.JoinEvent{UserID: "42", GroupID: "g1"})
		f.svc.HandleMessage(ctx, domain.MessageEvent{UserID: "42", GroupID: "g2", Text: "/resend"})
		assert.Contains(t, f.texts(), "wrong group")
		assert.Len(t, f.mailer.sent(), 1)
	})
}

func TestStartResumesFromSnapshot(t *testing.T) {
	f := newFixture(t)
	f.store.loaded = domain.Snapshot{
		"old":   {GroupID: "g1", Codes: []string{"111111"}, JoinedAt: t0.Add(-time.Hour).Unix()},
		"fresh": {GroupID: "g1", Codes: []string{"222222"}, JoinedAt: t0.Add(-time.Minute).Unix()},
	}

	resumed := f.svc.Start(context.Background())
	require.Len(t, resumed, 2)

	f.clock.Advance(0)
	assert.Equal(t, []kick{{GroupID: "g1", UserID: "old"}}, f.platform.kicked())

	f.clock.Advance(4*time.Minute - time.Second)
	assert.Len(t, f.platform.kicked(), 1)

	// A restored code still verifies.
	assert.Equal(t, Block, f.svc.HandleMessage(context.Background(), domain.MessageEvent{UserID: "fresh", GroupID: "g1", Text: "222222"}))
	f.clock.Advance(time.Hour)
	assert.Len(t, f.platform.kicked(), 1)
}

func TestShutdownKeepsPendingSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.svc.HandleJoin(ctx, domain.JoinEvent{UserID: "42", GroupID: "g1"})

	require.NoError(t, f.svc.Shutdown(ctx))
	f.clock.Advance(time.Hour)
	assert.Empty(t, f.platform.kicked())

	snap, _ := f.store.snapshot()
	require.Contains(t, snap, "42")
	assert.Equal(t, "g1", snap["42"].GroupID)
}

func TestGroupNameLookup(t *testing.T) {
	ctx := context.Background()

	t.Run("cached after first fetch", func(t *testing.T) {
		f := newFixture(t)
		f.svc.HandleJoin(ctx, domain.JoinEvent{UserID: "1", GroupID: "g1"})
		f.svc.HandleJoin(ctx, domain.JoinEvent{UserID: "2", GroupID: "g1"})
		assert.Equal(t, 1, f.platform.nameCalls)
	})

	t.Run("falls back to the id", func(t *testing.T) {
		f := newFixture(t)
		f.platform.nameErr = errors.New("timeout")
		f.svc.HandleJoin(ctx, domain.JoinEvent{UserID: "1", GroupID: "g1"})
		c := f.mailedCode(t, 0)
		assert.Equal(t, c+"|g1|g1|5", f.mailer.sent()[0].Body)
		_, cached := f.names.Get("g1")
		assert.False(t, cached)
	})
}

func TestPendingSummary(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.svc.HandleJoin(ctx, domain.JoinEvent{UserID: "42", GroupID: "g1"})
	f.clock.Advance(time.Minute)

	got := f.svc.Pending()
	require.Len(t, got, 1)
	assert.Equal(t, Summary{UserID: "42", GroupID: "g1", CodeCount: 1, JoinedAt: t0, Remaining: 4 * time.Minute}, got[0])
}

func TestParseResend(t *testing.T) {
	cmds := []string{"/resend", "/verifycode", "/验证码", "/验证码重发", "验证码", "验证码重发"}
	tests := []struct {
		text  string
		arg   string
		match bool
	}{
		{"/resend", "", true},
		{"/resend a@b.com", "a@b.com", true},
		{"/verifycode\ta@b.com ", "a@b.com", true},
		{"/resendx", "", false},
		{"please /resend", "", false},
		{"123456", "", false},
		{"/验证码", "", true},
		{"/验证码 a@qq.com", "a@qq.com", true},
		{"/验证码重发 a@qq.com", "a@qq.com", true},
		{"验证码重发", "", true},
		{"验证码收不到", "", false},
	}
	for _, tt := range tests {
		arg, ok := parseResend(tt.text, cmds)
		assert.Equal(t, tt.match, ok, tt.text)
		assert.Equal(t, tt.arg, arg, tt.text)
	}
}
