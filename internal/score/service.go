// Package score validates and applies score submissions: idempotent by
// client submission id, monotonically non-decreasing per participant.
package score

import (
	"context"
	"log/slog"
	"time"

	"github.com/drillhub/internal/errors"
	"github.com/drillhub/internal/session"
	"github.com/drillhub/internal/telemetry"
)

type Config struct {
	Registry *session.Registry
}

type Service struct {
	reg *session.Registry
}

func NewService(c Config) *Service {
	return &Service{
		reg: c.Registry,
	}
}

type SubmitScoreRequest struct {
	SessionID string
	UserID    string
	// Score is the submitted running total, not a delta.
	Score int64
	// SubmissionID is the client-generated idempotency key.
	SubmissionID string
	// Completed marks the participant as finished with this submission.
	Completed  bool
	SubmitTime time.Time
}

type SubmitScoreResponse struct {
	// Accepted is false only for soft rejections; Reason then says why.
	Accepted bool
	// Duplicate marks an idempotent replay of an earlier acceptance.
	Duplicate bool
	Reason    string
	Total     int64
	Completed bool
}

// SubmitScore applies one submission. Hard failures (unknown session, wrong
// state, store down) return an error; a score regression is a soft
// rejection reported in the response with the stored score untouched.
func (s *Service) SubmitScore(ctx context.Context, req SubmitScoreRequest) (*SubmitScoreResponse, error) {
	if req.Score < 0 {
		return nil, errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("score must be non-negative, got %d", req.Score),
		)
	}
	if req.SubmissionID == "" {
		return nil, errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("submission id is required"),
		)
	}
	if req.SubmitTime.IsZero() {
		req.SubmitTime = time.Now()
	}

	out, err := s.reg.ApplyScore(ctx, session.ScoreApplication{
		SessionID:    req.SessionID,
		UserID:       req.UserID,
		SubmissionID: req.SubmissionID,
		Score:        req.Score,
		Completed:    req.Completed,
		SubmitTime:   req.SubmitTime,
	})
	if errors.Reason(err) == errors.ReasonScoreRegression {
		slog.WarnContext(ctx, "score: regression rejected",
			"session", req.SessionID,
			"user", req.UserID,
			"submission", req.SubmissionID,
			"submitted", req.Score,
		)
		telemetry.ScoresRejected.WithLabelValues(errors.ReasonScoreRegression).Inc()

		return &SubmitScoreResponse{
			Accepted: false,
			Reason:   errors.ReasonScoreRegression,
		}, nil
	}
	if err != nil {
		return nil, err
	}

	if out.Duplicate {
		return &SubmitScoreResponse{
			Accepted:  true,
			Duplicate: true,
			Total:     out.Total,
			Completed: out.Completed,
		}, nil
	}

	telemetry.ScoresAccepted.Inc()

	if out.AllFinished {
		if _, err := s.reg.EndSession(ctx, req.SessionID, "", session.ReasonCompleted); err != nil {
			slog.ErrorContext(ctx, "score: auto-end after last finish failed",
				"session", req.SessionID,
				"error", err,
			)
		}
	}

	return &SubmitScoreResponse{
		Accepted:  true,
		Total:     out.Total,
		Completed: out.Completed,
	}, nil
}
