package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/drillhub/internal/domain"
	"github.com/drillhub/internal/store"
)

func TestMemory_SaveSubmission(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()

	rec := store.SubmissionRecord{
		SessionID:    "s1",
		UserID:       "u1",
		SubmissionID: "sub-1",
		Score:        10,
		Total:        10,
		SubmittedAt:  time.Now(),
	}
	require.NoError(t, m.SaveSubmission(ctx, rec))

	err := m.SaveSubmission(ctx, rec)
	require.ErrorIs(t, err, store.ErrDuplicateSubmission)

	// A different key for the same user is a new submission.
	rec.SubmissionID = "sub-2"
	require.NoError(t, m.SaveSubmission(ctx, rec))
}

func TestMemory_ListOpenSessions(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()

	base := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	save := func(id string, status domain.SessionStatus, createdAt time.Time) {
		require.NoError(t, m.SaveSession(ctx, domain.GameSession{
			ID: id, HostID: "h", MaxParticipants: 4, Status: status, CreatedAt: createdAt,
		}))
	}

	save("s-ended", domain.SessionEnded, base)
	save("s-active", domain.SessionActive, base.Add(2*time.Minute))
	save("s-waiting", domain.SessionWaiting, base.Add(1*time.Minute))
	save("s-cancelled", domain.SessionCancelled, base.Add(3*time.Minute))

	open, err := m.ListOpenSessions(ctx)
	require.NoError(t, err)

	ids := make([]string, 0, len(open))
	for _, s := range open {
		ids = append(ids, s.ID)
	}
	require.Equal(t, []string{"s-waiting", "s-active"}, ids, "terminal sessions stay out, order follows creation")
}
