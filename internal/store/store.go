// Package store is the durable side of the session engine. Everything the
// in-memory registry holds must be reconstructable from here after a crash.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/drillhub/internal/domain"
)

// ErrDuplicateSubmission is returned by SaveSubmission when the
// (session, user, submission id) triple was already accepted.
var ErrDuplicateSubmission = errors.New("store: duplicate submission")

// SubmissionRecord is one accepted score submission, kept so idempotent
// replays survive a restart.
type SubmissionRecord struct {
	SessionID    string
	UserID       string
	SubmissionID string
	Score        int64
	Total        int64
	Completed    bool
	SubmittedAt  time.Time
}

// Store persists sessions, rosters and accepted submissions.
type Store interface {
	// SaveSession upserts a session record.
	SaveSession(ctx context.Context, s domain.GameSession) error
	// SaveParticipant upserts a participant record.
	SaveParticipant(ctx context.Context, p domain.Participant) error
	// DeleteParticipant removes a membership on leave or kick.
	DeleteParticipant(ctx context.Context, sessionID, userID string) error
	// SaveSubmission records an accepted submission, failing with
	// ErrDuplicateSubmission if the idempotency key was seen before.
	SaveSubmission(ctx context.Context, r SubmissionRecord) error

	// ListOpenSessions returns every waiting or active session for recovery.
	ListOpenSessions(ctx context.Context) ([]domain.GameSession, error)
	// ListParticipants returns the roster of one session ordered by join time.
	ListParticipants(ctx context.Context, sessionID string) ([]domain.Participant, error)
	// ListSubmissions returns the accepted submissions of one session.
	ListSubmissions(ctx context.Context, sessionID string) ([]SubmissionRecord, error)
}
