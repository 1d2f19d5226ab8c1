package session

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/drillhub/internal/domain"
	"github.com/drillhub/internal/errors"
	"github.com/drillhub/internal/store"
	"github.com/drillhub/internal/telemetry"
)

// Join adds a user to a waiting session. Re-joining with an existing
// membership is an idempotent success, not an error.
func (r *Registry) Join(ctx context.Context, sessionID string, user domain.UserRef) (*domain.Participant, error) {
	rec, err := r.record(sessionID)
	if err != nil {
		return nil, err
	}

	var current domain.Participant

	err = rec.update(func() error {
		if p, ok := rec.parts[user.ID]; ok {
			current = *p
			return nil
		}
		if rec.sess.Status != domain.SessionWaiting {
			return errors.New(errors.CodeFailedPrecondition,
				errors.WithReason(errors.ReasonSessionNotJoinable),
				errors.WithMessagef("session is %s", rec.sess.Status),
			)
		}
		if len(rec.parts) >= rec.sess.MaxParticipants {
			return errors.New(errors.CodeFailedPrecondition,
				errors.WithReason(errors.ReasonSessionFull),
				errors.WithMessagef("session is full: %d/%d", len(rec.parts), rec.sess.MaxParticipants),
			)
		}

		p := domain.Participant{
			SessionID:  sessionID,
			User:       user,
			JoinedAt:   r.now(),
			Connection: domain.Connected,
			Status:     domain.ParticipantWaiting,
		}
		if err := r.st.SaveParticipant(ctx, p); err != nil {
			return unavailable(err)
		}

		rec.parts[user.ID] = &p
		rec.refreshAllDown(p.JoinedAt)
		current = p
		r.eb.Publish(ctx, domain.EventRosterJoined{Session: rec.sess, Participant: p, Roster: rec.roster()})
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &current, nil
}

// Leave removes a membership. If the host leaves, the role moves to the
// earliest-joined remaining participant; an emptied waiting session is
// auto-cancelled and an emptied active session ends as abandoned.
func (r *Registry) Leave(ctx context.Context, sessionID, userID string) error {
	return r.remove(ctx, sessionID, userID, false)
}

// Kick is a host-initiated removal of another participant.
func (r *Registry) Kick(ctx context.Context, sessionID, byUserID, userID string) error {
	rec, err := r.record(sessionID)
	if err != nil {
		return err
	}

	rec.mu.Lock()
	host := rec.sess.HostID
	rec.mu.Unlock()

	if host != byUserID {
		return notHost(byUserID)
	}
	if byUserID == userID {
		return errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("host cannot kick themselves, leave instead"),
		)
	}

	return r.remove(ctx, sessionID, userID, true)
}

func (r *Registry) remove(ctx context.Context, sessionID, userID string, kicked bool) error {
	rec, err := r.record(sessionID)
	if err != nil {
		return err
	}

	return rec.update(func() error {
		if _, ok := rec.parts[userID]; !ok {
			return errors.New(errors.CodeNotFound,
				errors.WithReason(errors.ReasonNotParticipant),
				errors.WithMessagef("user %s is not in session %s", userID, sessionID),
			)
		}

		if err := r.st.DeleteParticipant(ctx, sessionID, userID); err != nil {
			return unavailable(err)
		}
		delete(rec.parts, userID)
		rec.refreshAllDown(r.now())

		if rec.sess.HostID == userID && !rec.sess.Status.Terminal() {
			if next := rec.roster(); len(next) > 0 {
				sess := rec.sess
				sess.HostID = next[0].User.ID
				if err := r.st.SaveSession(ctx, sess); err != nil {
					return unavailable(err)
				}
				rec.sess = sess
			}
		}

		var (
			ended     domain.EventSessionEnded
			terminate bool
		)
		if len(rec.parts) == 0 && !rec.sess.Status.Terminal() {
			terminate = true
			if rec.sess.Status == domain.SessionWaiting {
				if err := r.cancelLocked(ctx, rec, ReasonCancelled, &ended); err != nil {
					return err
				}
			} else {
				sess := rec.sess
				sess.Status = domain.SessionEnded
				sess.EndedAt = r.now()
				sess.EndReason = ReasonAbandoned
				if err := r.st.SaveSession(ctx, sess); err != nil {
					return unavailable(err)
				}
				rec.sess = sess
				ended = domain.EventSessionEnded{Session: sess, Roster: nil, Reason: ReasonAbandoned}
			}
		}

		r.eb.Publish(ctx, domain.EventRosterLeft{Session: rec.sess, UserID: userID, Kicked: kicked, Roster: rec.roster()})
		if terminate {
			r.eb.Publish(ctx, ended)
			telemetry.SessionsEnded.WithLabelValues(ended.Reason).Inc()
		}
		return nil
	})
}

// MarkConnection flips the transport liveness of a participant without
// touching membership: a disconnected participant keeps their seat, their
// score and their rank, and may resume later.
func (r *Registry) MarkConnection(ctx context.Context, sessionID, userID string, state domain.ConnectionState) error {
	rec, err := r.record(sessionID)
	if err != nil {
		return err
	}

	return rec.update(func() error {
		p, ok := rec.parts[userID]
		if !ok {
			return errors.New(errors.CodeNotFound,
				errors.WithReason(errors.ReasonNotParticipant),
				errors.WithMessagef("user %s is not in session %s", userID, sessionID),
			)
		}
		if p.Connection == state {
			return nil
		}

		next := *p
		next.Connection = state
		if err := r.st.SaveParticipant(ctx, next); err != nil {
			return unavailable(err)
		}

		*p = next
		rec.refreshAllDown(r.now())
		return nil
	})
}

// ScoreApplication is one validated submission handed down by the
// score aggregator.
type ScoreApplication struct {
	SessionID    string
	UserID       string
	SubmissionID string
	Score        int64
	Completed    bool
	SubmitTime   time.Time
}

// ScoreOutcome is the committed effect of a submission.
type ScoreOutcome struct {
	// Duplicate is set when the idempotency key was seen before; the rest
	// of the outcome then replays the original acceptance.
	Duplicate   bool
	Total       int64
	Delta       int64
	Completed   bool
	Participant domain.Participant
	// AllFinished is set when this acceptance finished the last
	// unfinished participant.
	AllFinished bool
}

// ApplyScore applies one submission under the session lock: duplicate keys
// replay their original outcome, regressions are rejected, acceptances are
// persisted and published before they become visible.
func (r *Registry) ApplyScore(ctx context.Context, app ScoreApplication) (*ScoreOutcome, error) {
	rec, err := r.record(app.SessionID)
	if err != nil {
		return nil, err
	}

	var out ScoreOutcome

	err = rec.update(func() error {
		if rec.sess.Status != domain.SessionActive {
			return invalidState(rec.sess.Status, "score")
		}

		p, ok := rec.parts[app.UserID]
		if !ok {
			return errors.New(errors.CodeFailedPrecondition,
				errors.WithReason(errors.ReasonNotParticipant),
				errors.WithMessagef("user %s is not in session %s", app.UserID, app.SessionID),
			)
		}

		if prior, ok := rec.accepted[app.UserID][app.SubmissionID]; ok {
			out = ScoreOutcome{
				Duplicate:   true,
				Total:       prior.Total,
				Completed:   prior.Completed,
				Participant: *p,
			}
			return nil
		}

		if p.Status == domain.ParticipantFinished {
			return errors.New(errors.CodeFailedPrecondition,
				errors.WithReason(errors.ReasonInvalidState),
				errors.WithMessagef("participant %s already finished", app.UserID),
			)
		}
		if app.Score < p.Score {
			return errors.New(errors.CodeFailedPrecondition,
				errors.WithReason(errors.ReasonScoreRegression),
				errors.WithMessagef("submitted score %d is below stored score %d", app.Score, p.Score),
			)
		}

		sub := store.SubmissionRecord{
			SessionID:    app.SessionID,
			UserID:       app.UserID,
			SubmissionID: app.SubmissionID,
			Score:        app.Score,
			Total:        app.Score,
			Completed:    app.Completed,
			SubmittedAt:  app.SubmitTime,
		}
		if err := r.st.SaveSubmission(ctx, sub); err != nil {
			// Store remembers a key this replica forgot; treat as replay.
			if stderrors.Is(err, store.ErrDuplicateSubmission) {
				out = ScoreOutcome{Duplicate: true, Total: p.Score, Completed: p.Status == domain.ParticipantFinished, Participant: *p}
				return nil
			}
			return unavailable(err)
		}

		next := *p
		delta := app.Score - next.Score
		next.Score = app.Score
		if app.Completed {
			next.Status = domain.ParticipantFinished
		}
		if err := r.st.SaveParticipant(ctx, next); err != nil {
			return unavailable(err)
		}

		*p = next
		if rec.accepted[app.UserID] == nil {
			rec.accepted[app.UserID] = make(map[string]AcceptedScore)
		}
		rec.accepted[app.UserID][app.SubmissionID] = AcceptedScore{
			SubmissionID: app.SubmissionID,
			Score:        app.Score,
			Total:        next.Score,
			Completed:    app.Completed,
			AcceptedAt:   app.SubmitTime,
		}

		allFinished := true
		for _, other := range rec.parts {
			if other.Status != domain.ParticipantFinished {
				allFinished = false
				break
			}
		}

		r.eb.Publish(ctx, domain.EventScoreUpdated{
			Score: domain.ScoreUpdate{
				SessionID:    app.SessionID,
				User:         next.User,
				SubmissionID: app.SubmissionID,
				Total:        next.Score,
				Delta:        delta,
				Completed:    app.Completed,
				JoinedAt:     next.JoinedAt,
				UpdateTime:   app.SubmitTime,
			},
		})

		out = ScoreOutcome{
			Total:       next.Score,
			Delta:       delta,
			Completed:   app.Completed,
			Participant: next,
			AllFinished: allFinished,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &out, nil
}
