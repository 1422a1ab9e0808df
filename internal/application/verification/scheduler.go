package verification

import (
	"time"

	"github.com/go-join-verify/internal/domain"
	"github.com/go-join-verify/internal/pkg/clock"
)

// Scheduler owns one expiry timer per pending user. It does no locking of
// its own: every call happens with the Registry lock held.
type Scheduler struct {
	clock  clock.Clock
	timers map[string]clock.Timer
	fire   func(sess *domain.Session)
}

// NewScheduler creates a Scheduler. fire runs on the timer's goroutine with
// the session the timer was armed for.
func NewScheduler(c clock.Clock, fire func(sess *domain.Session)) *Scheduler {
	return &Scheduler{clock: c, timers: make(map[string]clock.Timer), fire: fire}
}

// Arm schedules expiry of sess after d, replacing any timer already held for
// the same user. A non-positive d fires as soon as the clock allows.
func (s *Scheduler) Arm(sess *domain.Session, d time.Duration) {
	s.Cancel(sess.UserID)
	if d < 0 {
		d = 0
	}
	s.timers[sess.UserID] = s.clock.AfterFunc(d, func() { s.fire(sess) })
}

// Cancel stops the user's timer. It is a no-op when none is held, and safe
// after the timer has already fired.
func (s *Scheduler) Cancel(userID string) {
	t, ok := s.timers[userID]
	if !ok {
		return
	}
	t.Stop()
	delete(s.timers, userID)
}

// Forget drops the handle of a timer that has fired.
func (s *Scheduler) Forget(userID string) {
	delete(s.timers, userID)
}

// StopAll cancels every timer and leaves sessions untouched.
func (s *Scheduler) StopAll() {
	for userID, t := range s.timers {
		t.Stop()
		delete(s.timers, userID)
	}
}
