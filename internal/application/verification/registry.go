package verification

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/go-join-verify/internal/domain"
	"github.com/go-join-verify/internal/pkg/clock"
	"github.com/go-join-verify/internal/pkg/logger"
)

// Store persists registry snapshots.
type Store interface {
	Load(ctx context.Context) (domain.Snapshot, error)
	Save(ctx context.Context, snap domain.Snapshot) error
}

// ExpireFunc performs the removal actions for a timed-out session. It
// reports false when the actions were aborted, in which case the session is
// kept so it expires again after a restart.
type ExpireFunc func(sess *domain.Session) bool

// Registry holds every pending session and its expiry timer. All
// transitions, including the save that follows them, run under mu.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*domain.Session
	expiring map[string]struct{}
	sched    *Scheduler
	store    Store
	timeout  time.Duration
	clock    clock.Clock
	log      logger.Logger
	closed   bool

	onExpire ExpireFunc
	inflight sync.WaitGroup
}

// NewRegistry creates an empty Registry. onExpire runs for each session
// whose timer fired; the session stays registered, marked as expiring, until
// it returns.
func NewRegistry(store Store, timeout time.Duration, c clock.Clock, log logger.Logger, onExpire ExpireFunc) *Registry {
	r := &Registry{
		sessions: make(map[string]*domain.Session),
		expiring: make(map[string]struct{}),
		store:    store,
		timeout:  timeout,
		clock:    c,
		log:      log,
		onExpire: onExpire,
	}
	r.sched = NewScheduler(c, r.fire)
	return r
}

// Load replaces the registry contents with the stored snapshot. Load errors
// and invalid records leave the registry empty or partial; they are logged
// and never returned.
func (r *Registry) Load(ctx context.Context) int {
	snap, err := r.store.Load(ctx)
	if err != nil {
		r.log.Error().Err(err).Msg("load pending verifications, starting empty")
		snap = domain.Snapshot{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.sched.StopAll()
	r.sessions = make(map[string]*domain.Session, len(snap))
	for userID, rec := range snap {
		sess := rec.Session(userID)
		if sess == nil {
			r.log.Warn().Str("user_id", userID).Msg("dropping stored session without codes")
			continue
		}
		r.sessions[userID] = sess
	}
	return len(r.sessions)
}

// Create starts a session and arms its expiry. It is a no-op returning false
// when the user already has one.
func (r *Registry) Create(ctx context.Context, userID, groupID, code string) (*domain.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[userID]; ok {
		return nil, false
	}
	sess := domain.NewSession(userID, groupID, code, r.clock.Now().Truncate(time.Second))
	r.sessions[userID] = sess
	r.saveLocked(ctx)
	r.sched.Arm(sess, r.timeout)
	return sess.Clone(), true
}

// AddCode adds code to the user's session. Earlier codes stay valid.
func (r *Registry) AddCode(ctx context.Context, userID, code string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[userID]
	if !ok {
		return false
	}
	if sess.HasCode(code) {
		return true
	}
	sess.Codes[code] = struct{}{}
	r.saveLocked(ctx)
	return true
}

// Matches reports whether text is byte-for-byte equal to one of the user's codes.
func (r *Registry) Matches(userID, text string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[userID]
	return ok && sess.HasCode(text)
}

// Verify removes the user's session when it is scoped to groupID and text
// matches one of its codes. Check and removal are one transition. A session
// whose removal is already underway no longer verifies.
func (r *Registry) Verify(ctx context.Context, userID, groupID, text string) (*domain.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[userID]
	if !ok || sess.GroupID != groupID || !sess.HasCode(text) {
		return nil, false
	}
	if _, busy := r.expiring[userID]; busy {
		return nil, false
	}
	r.removeLocked(ctx, userID)
	return sess.Clone(), true
}

// Remove cancels the user's expiry and deletes the session.
func (r *Registry) Remove(ctx context.Context, userID string) (*domain.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[userID]
	if !ok {
		return nil, false
	}
	r.removeLocked(ctx, userID)
	return sess.Clone(), true
}

// Resume arms a timer for every session with the time it has left, zero for
// sessions already past their deadline.
func (r *Registry) Resume(now time.Time) []domain.Pending {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Pending, 0, len(r.sessions))
	for _, sess := range r.sessions {
		remaining := sess.Deadline(r.timeout).Sub(now)
		if remaining < 0 {
			remaining = 0
		}
		r.sched.Arm(sess, remaining)
		out = append(out, domain.Pending{UserID: sess.UserID, GroupID: sess.GroupID, Remaining: remaining})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Get returns a copy of the user's session.
func (r *Registry) Get(userID string) (*domain.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[userID]
	if !ok {
		return nil, false
	}
	return sess.Clone(), true
}

// List returns copies of all sessions, oldest first.
func (r *Registry) List() []*domain.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*domain.Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		out = append(out, sess.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].UserID < out[j].UserID
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out
}

// Timeout is the configured verification window.
func (r *Registry) Timeout() time.Duration { return r.timeout }

// Stop cancels every timer and refuses further expirations. Sessions are
// kept so they resume on the next start.
func (r *Registry) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	r.sched.StopAll()
}

// Wait blocks until expirations already underway have finished, or ctx is
// done. It reports whether they finished.
func (r *Registry) Wait(ctx context.Context) bool {
	done := make(chan struct{})
	go func() {
		r.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

// Flush writes the current snapshot.
func (r *Registry) Flush(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.store.Save(ctx, r.snapshotLocked())
}

// Close stops every timer, waits for expirations underway and writes a
// final snapshot.
func (r *Registry) Close(ctx context.Context) error {
	r.Stop()
	r.Wait(ctx)
	return r.Flush(ctx)
}

func (r *Registry) fire(sess *domain.Session) {
	r.mu.Lock()
	if r.closed || r.sessions[sess.UserID] != sess {
		r.mu.Unlock()
		return
	}
	r.sched.Forget(sess.UserID)
	r.expiring[sess.UserID] = struct{}{}
	r.inflight.Add(1)
	expired := sess.Clone()
	r.mu.Unlock()
	defer r.inflight.Done()

	completed := true
	if r.onExpire != nil {
		completed = r.onExpire(expired)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.expiring, sess.UserID)
	if !completed {
		r.log.Warn().Str("user_id", sess.UserID).Msg("expiry interrupted, session kept")
		return
	}
	if r.sessions[sess.UserID] != sess {
		return
	}
	delete(r.sessions, sess.UserID)
	r.saveLocked(context.Background())
}

func (r *Registry) removeLocked(ctx context.Context, userID string) {
	r.sched.Cancel(userID)
	delete(r.expiring, userID)
	delete(r.sessions, userID)
	r.saveLocked(ctx)
}

func (r *Registry) saveLocked(ctx context.Context) {
	if err := r.store.Save(ctx, r.snapshotLocked()); err != nil {
		r.log.Error().Err(err).Int("sessions", len(r.sessions)).Msg("save pending verifications")
	}
}

func (r *Registry) snapshotLocked() domain.Snapshot {
	snap := make(domain.Snapshot, len(r.sessions))
	for userID, sess := range r.sessions {
		snap[userID] = sess.Record()
	}
	return snap
}
