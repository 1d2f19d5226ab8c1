package store

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/drillhub/internal/domain"
)

const codeUniqueViolation = "23505"

// Postgres implements Store on a pgx connection pool.
type Postgres struct {
	db *pgxpool.Pool
}

func NewPostgres(db *pgxpool.Pool) *Postgres {
	return &Postgres{db: db}
}

// Migrate creates the schema if it does not exist yet.
func (s *Postgres) Migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			session_id       UUID PRIMARY KEY,
			name             TEXT NOT NULL DEFAULT '',
			game_type        TEXT NOT NULL DEFAULT '',
			mode             TEXT NOT NULL DEFAULT '',
			host_id          TEXT NOT NULL,
			max_participants INT NOT NULL,
			status           TEXT NOT NULL,
			created_at       TIMESTAMPTZ NOT NULL,
			started_at       TIMESTAMPTZ,
			ended_at         TIMESTAMPTZ,
			end_reason       TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS participants (
			session_id   UUID NOT NULL REFERENCES sessions(session_id) ON DELETE CASCADE,
			user_id      TEXT NOT NULL,
			display_name TEXT NOT NULL DEFAULT '',
			role         TEXT NOT NULL DEFAULT '',
			school_id    TEXT NOT NULL DEFAULT '',
			region       TEXT NOT NULL DEFAULT '',
			joined_at    TIMESTAMPTZ NOT NULL,
			connection   TEXT NOT NULL,
			score        BIGINT NOT NULL DEFAULT 0,
			status       TEXT NOT NULL,
			PRIMARY KEY (session_id, user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS submissions (
			session_id    UUID NOT NULL,
			user_id       TEXT NOT NULL,
			submission_id TEXT NOT NULL,
			score         BIGINT NOT NULL,
			total         BIGINT NOT NULL,
			completed     BOOLEAN NOT NULL DEFAULT FALSE,
			submitted_at  TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (session_id, user_id, submission_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status)`,
		`CREATE INDEX IF NOT EXISTS idx_submissions_session ON submissions(session_id)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(ctx, m); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}

	return nil
}

func (s *Postgres) SaveSession(ctx context.Context, ss domain.GameSession) error {
	const stmt = `
INSERT INTO sessions (session_id, name, game_type, mode, host_id, max_participants, status, created_at, started_at, ended_at, end_reason)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (session_id) DO UPDATE SET
	host_id    = EXCLUDED.host_id,
	status     = EXCLUDED.status,
	started_at = EXCLUDED.started_at,
	ended_at   = EXCLUDED.ended_at,
	end_reason = EXCLUDED.end_reason;`

	_, err := s.db.Exec(ctx, stmt,
		ss.ID, ss.Name, ss.GameType, ss.Mode, ss.HostID, ss.MaxParticipants,
		string(ss.Status), ss.CreatedAt, nullable(ss.StartedAt), nullable(ss.EndedAt), ss.EndReason,
	)
	if err != nil {
		return fmt.Errorf("store: save session: %w", err)
	}

	return nil
}

func (s *Postgres) SaveParticipant(ctx context.Context, p domain.Participant) error {
	const stmt = `
INSERT INTO participants (session_id, user_id, display_name, role, school_id, region, joined_at, connection, score, status)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (session_id, user_id) DO UPDATE SET
	connection = EXCLUDED.connection,
	score      = EXCLUDED.score,
	status     = EXCLUDED.status;`

	_, err := s.db.Exec(ctx, stmt,
		p.SessionID, p.User.ID, p.User.DisplayName, p.User.Role, p.User.SchoolID, p.User.Region,
		p.JoinedAt, string(p.Connection), p.Score, string(p.Status),
	)
	if err != nil {
		return fmt.Errorf("store: save participant: %w", err)
	}

	return nil
}

func (s *Postgres) DeleteParticipant(ctx context.Context, sessionID, userID string) error {
	const stmt = `DELETE FROM participants WHERE session_id = $1 AND user_id = $2;`

	if _, err := s.db.Exec(ctx, stmt, sessionID, userID); err != nil {
		return fmt.Errorf("store: delete participant: %w", err)
	}

	return nil
}

func (s *Postgres) SaveSubmission(ctx context.Context, r SubmissionRecord) error {
	const stmt = `
INSERT INTO submissions (session_id, user_id, submission_id, score, total, completed, submitted_at)
VALUES ($1, $2, $3, $4, $5, $6, $7);`

	_, err := s.db.Exec(ctx, stmt,
		r.SessionID, r.UserID, r.SubmissionID, r.Score, r.Total, r.Completed, r.SubmittedAt,
	)

	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation {
		return ErrDuplicateSubmission
	}
	if err != nil {
		return fmt.Errorf("store: save submission: %w", err)
	}

	return nil
}

func (s *Postgres) ListOpenSessions(ctx context.Context) ([]domain.GameSession, error) {
	const stmt = `
SELECT session_id, name, game_type, mode, host_id, max_participants, status, created_at, started_at, ended_at, end_reason
FROM sessions
WHERE status IN ('waiting', 'active')
ORDER BY created_at;`

	rows, err := s.db.Query(ctx, stmt)
	if err != nil {
		return nil, fmt.Errorf("store: list open sessions: %w", err)
	}

	return pgx.CollectRows(rows, func(r pgx.CollectableRow) (domain.GameSession, error) {
		var (
			ss                 domain.GameSession
			status             string
			startedAt, endedAt *time.Time
		)
		if err := r.Scan(&ss.ID, &ss.Name, &ss.GameType, &ss.Mode, &ss.HostID, &ss.MaxParticipants,
			&status, &ss.CreatedAt, &startedAt, &endedAt, &ss.EndReason); err != nil {
			return domain.GameSession{}, err
		}
		ss.Status = domain.SessionStatus(status)
		if startedAt != nil {
			ss.StartedAt = *startedAt
		}
		if endedAt != nil {
			ss.EndedAt = *endedAt
		}
		return ss, nil
	})
}

func (s *Postgres) ListParticipants(ctx context.Context, sessionID string) ([]domain.Participant, error) {
	const stmt = `
SELECT session_id, user_id, display_name, role, school_id, region, joined_at, connection, score, status
FROM participants
WHERE session_id = $1
ORDER BY joined_at;`

	rows, err := s.db.Query(ctx, stmt, sessionID)
	if err != nil {
		return nil, fmt.Errorf("store: list participants: %w", err)
	}

	return pgx.CollectRows(rows, func(r pgx.CollectableRow) (domain.Participant, error) {
		var (
			p          domain.Participant
			connection string
			status     string
		)
		if err := r.Scan(&p.SessionID, &p.User.ID, &p.User.DisplayName, &p.User.Role, &p.User.SchoolID,
			&p.User.Region, &p.JoinedAt, &connection, &p.Score, &status); err != nil {
			return domain.Participant{}, err
		}
		p.Connection = domain.ConnectionState(connection)
		p.Status = domain.ParticipantStatus(status)
		return p, nil
	})
}

func (s *Postgres) ListSubmissions(ctx context.Context, sessionID string) ([]SubmissionRecord, error) {
	const stmt = `
SELECT session_id, user_id, submission_id, score, total, completed, submitted_at
FROM submissions
WHERE session_id = $1
ORDER BY submitted_at;`

	rows, err := s.db.Query(ctx, stmt, sessionID)
	if err != nil {
		return nil, fmt.Errorf("store: list submissions: %w", err)
	}

	return pgx.CollectRows(rows, func(r pgx.CollectableRow) (SubmissionRecord, error) {
		var rec SubmissionRecord
		if err := r.Scan(&rec.SessionID, &rec.UserID, &rec.SubmissionID, &rec.Score, &rec.Total,
			&rec.Completed, &rec.SubmittedAt); err != nil {
			return SubmissionRecord{}, err
		}
		return rec, nil
	})
}

func nullable(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
