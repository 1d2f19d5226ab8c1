// Package session owns the authoritative in-memory state of every live
// drill session: the state machine, the roster, and the per-session lock.
// Durable state lives in the store; everything here is rebuilt from it on
// boot. Events are enqueued onto the bus before the session lock is
// released, so subscribers observe mutations of one session in commit
// order; the bus fans out on its own goroutines and never blocks the
// mutator.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/drillhub/internal/domain"
	"github.com/drillhub/internal/errors"
	"github.com/drillhub/internal/event"
	"github.com/drillhub/internal/store"
	"github.com/drillhub/internal/telemetry"
)

const (
	defaultMaxParticipantsCap = 50
	defaultIdleWindow         = 10 * time.Minute
	defaultAbandonGrace       = 2 * time.Minute
	defaultSweepInterval      = 30 * time.Second
)

// End reasons carried on session.ended events.
const (
	ReasonCompleted = "completed"
	ReasonHostEnded = "host_ended"
	ReasonCancelled = "cancelled"
	ReasonIdle      = "idle_timeout"
	ReasonAbandoned = "abandoned"
)

type Config struct {
	Store    store.Store
	EventBus *event.Bus

	// MaxParticipantsCap bounds a session's max_participants from above; 0 means 50.
	MaxParticipantsCap int
	// IdleWindow auto-cancels waiting sessions that never start.
	IdleWindow time.Duration
	// AbandonGrace auto-ends active sessions whose whole roster stays disconnected.
	AbandonGrace time.Duration
	// SweepInterval paces the background sweep loop.
	SweepInterval time.Duration

	// Now is the clock, injectable for tests.
	Now func() time.Time
}

// Registry is the arena of live session records. Mutations on one session
// are serialized by that record's mutex; different sessions never contend.
type Registry struct {
	st    store.Store
	eb    *event.Bus
	cap   int
	idle  time.Duration
	grace time.Duration
	tick  time.Duration
	now   func() time.Time

	mu    sync.RWMutex
	arena map[string]*record
}

type record struct {
	mu       sync.Mutex
	sess     domain.GameSession
	parts    map[string]*domain.Participant
	accepted map[string]map[string]AcceptedScore

	// allDownSince is set while every participant is disconnected.
	allDownSince time.Time
}

// AcceptedScore is the remembered outcome of an accepted submission,
// returned unchanged when the same idempotency key is replayed.
type AcceptedScore struct {
	SubmissionID string
	Score        int64
	Total        int64
	Completed    bool
	AcceptedAt   time.Time
}

func NewRegistry(c Config) *Registry {
	r := &Registry{
		st:    c.Store,
		eb:    c.EventBus,
		cap:   c.MaxParticipantsCap,
		idle:  c.IdleWindow,
		grace: c.AbandonGrace,
		tick:  c.SweepInterval,
		now:   c.Now,
		arena: make(map[string]*record),
	}

	if r.cap <= 0 {
		r.cap = defaultMaxParticipantsCap
	}
	if r.idle <= 0 {
		r.idle = defaultIdleWindow
	}
	if r.grace <= 0 {
		r.grace = defaultAbandonGrace
	}
	if r.tick <= 0 {
		r.tick = defaultSweepInterval
	}
	if r.now == nil {
		r.now = time.Now
	}

	return r
}

type CreateSessionRequest struct {
	Name            string
	GameType        string
	Mode            string
	MaxParticipants int
}

// CreateSession validates the request, creates a waiting session and
// enrolls the host as its first participant.
func (r *Registry) CreateSession(ctx context.Context, host domain.UserRef, req CreateSessionRequest) (*domain.GameSession, error) {
	if req.MaxParticipants < 2 || req.MaxParticipants > r.cap {
		return nil, errors.New(errors.CodeInvalidArgument,
			errors.WithReason(errors.ReasonInvalidSpec),
			errors.WithMessagef("max_participants must be in [2, %d], got %d", r.cap, req.MaxParticipants),
		)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate session ID: %w", err)
	}

	now := r.now()
	sess := domain.GameSession{
		ID:              id.String(),
		Name:            req.Name,
		GameType:        req.GameType,
		Mode:            req.Mode,
		HostID:          host.ID,
		MaxParticipants: req.MaxParticipants,
		Status:          domain.SessionWaiting,
		CreatedAt:       now,
	}
	hostPart := domain.Participant{
		SessionID:  sess.ID,
		User:       host,
		JoinedAt:   now,
		Connection: domain.Connected,
		Status:     domain.ParticipantWaiting,
	}

	if err := r.st.SaveSession(ctx, sess); err != nil {
		return nil, unavailable(err)
	}
	if err := r.st.SaveParticipant(ctx, hostPart); err != nil {
		return nil, unavailable(err)
	}

	rec := &record{
		sess:     sess,
		parts:    map[string]*domain.Participant{host.ID: &hostPart},
		accepted: make(map[string]map[string]AcceptedScore),
	}

	// The record lock is taken before the record becomes reachable, so no
	// roster event can slip in ahead of session.created.
	rec.mu.Lock()
	r.mu.Lock()
	r.arena[sess.ID] = rec
	r.mu.Unlock()

	r.eb.Publish(ctx, domain.EventSessionCreated{
		Session: sess,
		Roster:  rec.roster(),
	})
	rec.mu.Unlock()

	telemetry.SessionsCreated.Inc()

	return &sess, nil
}

// StartSession moves a waiting session to active. Host only, two or more
// participants required.
func (r *Registry) StartSession(ctx context.Context, sessionID, byUserID string) (*domain.GameSession, error) {
	rec, err := r.record(sessionID)
	if err != nil {
		return nil, err
	}

	var started domain.GameSession

	err = rec.update(func() error {
		if rec.sess.HostID != byUserID {
			return notHost(byUserID)
		}
		if rec.sess.Status != domain.SessionWaiting {
			return invalidState(rec.sess.Status, "start")
		}
		if len(rec.parts) < 2 {
			return errors.New(errors.CodeFailedPrecondition,
				errors.WithReason(errors.ReasonInsufficientParticipants),
				errors.WithMessagef("need at least 2 participants, have %d", len(rec.parts)),
			)
		}

		next := rec.sess
		next.Status = domain.SessionActive
		next.StartedAt = r.now()
		if err := r.st.SaveSession(ctx, next); err != nil {
			return unavailable(err)
		}

		rec.sess = next
		for _, p := range rec.parts {
			p.Status = domain.ParticipantPlaying
			if err := r.st.SaveParticipant(ctx, *p); err != nil {
				slog.ErrorContext(ctx, "session: persist participant on start failed",
					"session", sessionID, "user", p.User.ID, "error", err)
			}
		}

		started = next
		r.eb.Publish(ctx, domain.EventSessionStarted{Session: next, Roster: rec.roster()})
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &started, nil
}

// EndSession moves an active session to ended. Repeat calls on a terminal
// session are no-ops. byUserID is empty for system-initiated ends (sweep,
// all participants finished).
func (r *Registry) EndSession(ctx context.Context, sessionID, byUserID, reason string) (*domain.GameSession, error) {
	rec, err := r.record(sessionID)
	if err != nil {
		return nil, err
	}

	err = rec.update(func() error {
		if byUserID != "" && rec.sess.HostID != byUserID {
			return notHost(byUserID)
		}
		if rec.sess.Status.Terminal() {
			return nil
		}
		if rec.sess.Status != domain.SessionActive {
			return invalidState(rec.sess.Status, "end")
		}

		next := rec.sess
		next.Status = domain.SessionEnded
		next.EndedAt = r.now()
		next.EndReason = reason
		if err := r.st.SaveSession(ctx, next); err != nil {
			return unavailable(err)
		}

		rec.sess = next
		r.eb.Publish(ctx, domain.EventSessionEnded{Session: next, Roster: rec.roster(), Reason: reason})
		telemetry.SessionsEnded.WithLabelValues(reason).Inc()
		return nil
	})
	if err != nil {
		return nil, err
	}

	sess := rec.snapshot()
	return &sess, nil
}

// CancelSession abandons a session that never started. Host only.
// byUserID is empty for system-initiated cancels.
func (r *Registry) CancelSession(ctx context.Context, sessionID, byUserID, reason string) (*domain.GameSession, error) {
	rec, err := r.record(sessionID)
	if err != nil {
		return nil, err
	}

	err = rec.update(func() error {
		if byUserID != "" && rec.sess.HostID != byUserID {
			return notHost(byUserID)
		}
		if rec.sess.Status == domain.SessionCancelled {
			return nil
		}
		if rec.sess.Status != domain.SessionWaiting {
			return invalidState(rec.sess.Status, "cancel")
		}

		var ended domain.EventSessionEnded
		if err := r.cancelLocked(ctx, rec, reason, &ended); err != nil {
			return err
		}

		r.eb.Publish(ctx, ended)
		telemetry.SessionsEnded.WithLabelValues(reason).Inc()
		return nil
	})
	if err != nil {
		return nil, err
	}

	sess := rec.snapshot()
	return &sess, nil
}

// cancelLocked transitions a waiting session to cancelled. Caller holds the
// record lock.
func (r *Registry) cancelLocked(ctx context.Context, rec *record, reason string, ended *domain.EventSessionEnded) error {
	next := rec.sess
	next.Status = domain.SessionCancelled
	next.EndedAt = r.now()
	next.EndReason = reason
	if err := r.st.SaveSession(ctx, next); err != nil {
		return unavailable(err)
	}

	rec.sess = next
	*ended = domain.EventSessionEnded{Session: next, Roster: rec.roster(), Reason: reason}
	return nil
}

// GetSession returns a committed snapshot of the session and its roster.
// Reads keep working while the store is unreachable.
func (r *Registry) GetSession(sessionID string) (domain.GameSession, domain.Roster, error) {
	rec, err := r.record(sessionID)
	if err != nil {
		return domain.GameSession{}, nil, err
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	return rec.sess, rec.roster(), nil
}

// Run drives the background sweep until ctx is cancelled.
func (r *Registry) Run(ctx context.Context) {
	t := time.NewTicker(r.tick)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			r.Sweep(ctx, r.now())
		}
	}
}

// Sweep cancels waiting sessions past the idle window and ends active
// sessions whose whole roster has been disconnected past the grace window.
func (r *Registry) Sweep(ctx context.Context, now time.Time) {
	r.mu.RLock()
	ids := make([]string, 0, len(r.arena))
	for id := range r.arena {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for _, id := range ids {
		rec, err := r.record(id)
		if err != nil {
			continue
		}

		rec.mu.Lock()
		var (
			idle      = rec.sess.Status == domain.SessionWaiting && now.Sub(rec.sess.CreatedAt) >= r.idle
			abandoned = rec.sess.Status == domain.SessionActive &&
				!rec.allDownSince.IsZero() && now.Sub(rec.allDownSince) >= r.grace
		)
		rec.mu.Unlock()

		switch {
		case idle:
			if _, err := r.CancelSession(ctx, id, "", ReasonIdle); err != nil {
				slog.ErrorContext(ctx, "session: idle sweep cancel failed", "session", id, "error", err)
			}
		case abandoned:
			if _, err := r.EndSession(ctx, id, "", ReasonAbandoned); err != nil {
				slog.ErrorContext(ctx, "session: abandon sweep end failed", "session", id, "error", err)
			}
		}
	}
}

// Recover rebuilds the arena from the store after a restart. Terminal
// sessions are left to the store's retention policy.
func (r *Registry) Recover(ctx context.Context) error {
	sessions, err := r.st.ListOpenSessions(ctx)
	if err != nil {
		return fmt.Errorf("recover sessions: %w", err)
	}

	for _, sess := range sessions {
		parts, err := r.st.ListParticipants(ctx, sess.ID)
		if err != nil {
			return fmt.Errorf("recover roster: session=%s: %w", sess.ID, err)
		}
		subs, err := r.st.ListSubmissions(ctx, sess.ID)
		if err != nil {
			return fmt.Errorf("recover submissions: session=%s: %w", sess.ID, err)
		}

		rec := &record{
			sess:     sess,
			parts:    make(map[string]*domain.Participant, len(parts)),
			accepted: make(map[string]map[string]AcceptedScore),
		}
		for i := range parts {
			p := parts[i]
			// Connections do not survive a restart.
			p.Connection = domain.Disconnected
			rec.parts[p.User.ID] = &p
		}
		for _, sub := range subs {
			if rec.accepted[sub.UserID] == nil {
				rec.accepted[sub.UserID] = make(map[string]AcceptedScore)
			}
			rec.accepted[sub.UserID][sub.SubmissionID] = AcceptedScore{
				SubmissionID: sub.SubmissionID,
				Score:        sub.Score,
				Total:        sub.Total,
				Completed:    sub.Completed,
				AcceptedAt:   sub.SubmittedAt,
			}
		}
		if sess.Status == domain.SessionActive && len(rec.parts) > 0 {
			rec.allDownSince = r.now()
		}

		r.mu.Lock()
		r.arena[sess.ID] = rec
		r.mu.Unlock()
	}

	slog.InfoContext(ctx, "session: registry recovered", "sessions", len(sessions))
	return nil
}

func (r *Registry) record(sessionID string) (*record, error) {
	r.mu.RLock()
	rec, ok := r.arena[sessionID]
	r.mu.RUnlock()

	if !ok {
		return nil, errors.New(errors.CodeNotFound,
			errors.WithMessagef("session not found: %s", sessionID),
		)
	}

	return rec, nil
}

// update runs fn under the record lock. fn publishes its events before
// returning, while still holding the lock, so delivery order matches
// commit order.
func (rec *record) update(fn func() error) error {
	rec.mu.Lock()
	defer rec.mu.Unlock()

	return fn()
}

func (rec *record) snapshot() domain.GameSession {
	rec.mu.Lock()
	defer rec.mu.Unlock()

	return rec.sess
}

// roster returns the membership ordered by join time. Caller holds the lock.
func (rec *record) roster() domain.Roster {
	out := make(domain.Roster, 0, len(rec.parts))
	for _, p := range rec.parts {
		out = append(out, *p)
	}
	sortRoster(out)
	return out
}

// refreshAllDown recomputes the fully-disconnected marker. Caller holds the lock.
func (rec *record) refreshAllDown(now time.Time) {
	for _, p := range rec.parts {
		if p.Connection == domain.Connected {
			rec.allDownSince = time.Time{}
			return
		}
	}
	if rec.allDownSince.IsZero() && len(rec.parts) > 0 {
		rec.allDownSince = now
	}
}

func sortRoster(r domain.Roster) {
	sort.Slice(r, func(i, j int) bool { return r[i].JoinedAt.Before(r[j].JoinedAt) })
}

func notHost(userID string) error {
	return errors.New(errors.CodePermissionDenied,
		errors.WithReason(errors.ReasonNotHost),
		errors.WithMessagef("user %s is not the host", userID),
	)
}

func invalidState(s domain.SessionStatus, op string) error {
	return errors.New(errors.CodeFailedPrecondition,
		errors.WithReason(errors.ReasonInvalidState),
		errors.WithMessagef("cannot %s a %s session", op, s),
	)
}

func unavailable(err error) error {
	return errors.New(errors.CodeUnavailable,
		errors.WithReason(errors.ReasonStoreUnavailable),
		errors.WithMessagef("session store unreachable"),
		errors.WithCause(err),
	)
}
