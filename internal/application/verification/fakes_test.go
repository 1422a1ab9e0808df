package verification

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/go-join-verify/internal/domain"
	"github.com/go-join-verify/internal/pkg/clock"
)

// --- fake clock ---

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	c       *fakeClock
	when    time.Time
	f       func()
	stopped bool
	fired   bool
}

func newFakeClock(now time.Time) *fakeClock { return &fakeClock{now: now} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// AfterFunc never runs f inline; due timers fire on the next Advance.
func (c *fakeClock) AfterFunc(d time.Duration, f func()) clock.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{c: c, when: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves time forward and runs every due timer in deadline order on
// the calling goroutine.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.when.After(c.now) {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()

	sort.SliceStable(due, func(i, j int) bool { return due[i].when.Before(due[j].when) })
	for _, t := range due {
		t.f()
	}
}

func (c *fakeClock) live() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

func (t *fakeTimer) Stop() bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// --- store ---

type memStore struct {
	mu      sync.Mutex
	loaded  domain.Snapshot
	loadErr error
	saveErr error
	saves   int
	last    domain.Snapshot
}

func (s *memStore) Load(context.Context) (domain.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	return s.loaded, nil
}

func (s *memStore) Save(_ context.Context, snap domain.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++
	s.last = snap
	return s.saveErr
}

func (s *memStore) snapshot() (domain.Snapshot, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.saves
}

// --- platform ---

type sentMessage struct{ GroupID, Text string }

type kick struct{ GroupID, UserID string }

type fakePlatform struct {
	mu        sync.Mutex
	messages  []sentMessage
	kicks     []kick
	names     map[string]string
	nameErr   error
	nameCalls int
	kickErr   error

	// When kickGate is set, RemoveMember signals kickStarted and blocks
	// until the gate closes or ctx is done.
	kickGate    chan struct{}
	kickStarted chan struct{}
}

func (p *fakePlatform) SendGroupMessage(_ context.Context, groupID, text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, sentMessage{groupID, text})
	return nil
}

func (p *fakePlatform) GroupName(_ context.Context, groupID string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nameCalls++
	if p.nameErr != nil {
		return "", p.nameErr
	}
	return p.names[groupID], nil
}

func (p *fakePlatform) RemoveMember(ctx context.Context, groupID, userID string) error {
	p.mu.Lock()
	p.kicks = append(p.kicks, kick{groupID, userID})
	gate, started, err := p.kickGate, p.kickStarted, p.kickErr
	p.mu.Unlock()
	if gate == nil {
		return err
	}
	started <- struct{}{}
	select {
	case <-gate:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *fakePlatform) Mention(userID string) string { return "@" + userID }

func (p *fakePlatform) sent() []sentMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]sentMessage(nil), p.messages...)
}

func (p *fakePlatform) kicked() []kick {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]kick(nil), p.kicks...)
}

// --- mailer ---

type sentMail struct{ To, Subject, Body string }

type fakeMailer struct {
	mu    sync.Mutex
	mails []sentMail
}

func (m *fakeMailer) Go(to, subject, htmlBody string, done func(ok bool)) {
	m.mu.Lock()
	m.mails = append(m.mails, sentMail{to, subject, htmlBody})
	m.mu.Unlock()
	if done != nil {
		done(true)
	}
}

func (m *fakeMailer) sent() []sentMail {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]sentMail(nil), m.mails...)
}

// --- name cache ---

type mapCache struct {
	mu    sync.Mutex
	names map[string]string
}

func (c *mapCache) Get(groupID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.names[groupID]
	return n, ok
}

func (c *mapCache) Set(groupID, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.names == nil {
		c.names = map[string]string{}
	}
	c.names[groupID] = name
}

// --- auditor ---

type recordingAuditor struct {
	mu     sync.Mutex
	events []domain.AuditEvent
}

func (a *recordingAuditor) Publish(_ context.Context, ev domain.AuditEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, ev)
	return nil
}

func (a *recordingAuditor) kinds() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.events))
	for _, ev := range a.events {
		out = append(out, ev.Kind)
	}
	return out
}
