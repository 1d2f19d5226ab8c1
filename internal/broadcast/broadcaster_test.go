package broadcast_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/drillhub/internal/broadcast"
	"github.com/drillhub/internal/domain"
	"github.com/drillhub/internal/errors"
	"github.com/drillhub/internal/event"
)

func TestBroadcaster_SnapshotThenDeltas(t *testing.T) {
	eb := event.NewBus()
	b := makeBroadcaster(t, withEventBus(eb))

	sub, err := b.Subscribe(context.Background(), broadcast.TopicSession("s1"))
	require.NoError(t, err)
	defer b.Unsubscribe(sub)

	eb.Publish(context.Background(), domain.EventRosterJoined{
		Session:     domain.GameSession{ID: "s1"},
		Participant: domain.Participant{SessionID: "s1", User: domain.UserRef{ID: "u2"}},
	})
	eb.Publish(context.Background(), domain.EventScoreUpdated{
		Score: domain.ScoreUpdate{SessionID: "s1", User: domain.UserRef{ID: "u2"}, Total: 10},
	})
	eb.Stop()

	first := recv(t, sub)
	require.Equal(t, broadcast.EventSnapshot, first.Event)
	state, ok := first.Data.(broadcast.SessionState)
	require.True(t, ok, "snapshot payload should be the session state")
	require.Equal(t, "s1", state.Session.ID)

	second := recv(t, sub)
	require.Equal(t, domain.EventNameRosterJoined, second.Event)
	require.Equal(t, first.Seq+1, second.Seq)

	third := recv(t, sub)
	require.Equal(t, domain.EventNameScoreUpdated, third.Event)
	require.Equal(t, second.Seq+1, third.Seq)
}

func TestBroadcaster_Subscribe(t *testing.T) {
	type (
		inputs struct {
			topic string
		}

		outputs struct {
			sub *broadcast.Subscriber
			err error
		}
	)

	tests := map[string]struct {
		arrange func() inputs
		assert  func(t *testing.T, out outputs)
	}{
		"should reject an unknown session": {
			arrange: func() inputs {
				return inputs{topic: broadcast.TopicSession("missing")}
			},

			assert: func(t *testing.T, out outputs) {
				require.Error(t, out.err)
				require.Equal(t, errors.CodeNotFound, errors.Convert(out.err).Code)
			},
		},

		"should reject a malformed topic": {
			arrange: func() inputs {
				return inputs{topic: "nonsense"}
			},

			assert: func(t *testing.T, out outputs) {
				require.Error(t, out.err)
				require.Equal(t, errors.CodeInvalidArgument, errors.Convert(out.err).Code)
			},
		},

		"should open a not-yet-materialized leaderboard with an empty snapshot": {
			arrange: func() inputs {
				return inputs{topic: broadcast.TopicLeaderboard(domain.ScopeSession, "s9")}
			},

			assert: func(t *testing.T, out outputs) {
				require.NoError(t, out.err)
				env := recv(t, out.sub)
				require.Equal(t, broadcast.EventSnapshot, env.Event)
				l, ok := env.Data.(domain.Leaderboard)
				require.True(t, ok)
				require.Empty(t, l.Entries)
			},
		},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			in, out := tt.arrange(), outputs{}

			b := makeBroadcaster(t)
			out.sub, out.err = b.Subscribe(context.Background(), in.topic)
			if out.sub != nil {
				defer b.Unsubscribe(out.sub)
			}

			tt.assert(t, out)
		})
	}
}

func TestBroadcaster_EvictsSlowSubscriber(t *testing.T) {
	eb := event.NewBus()
	b := makeBroadcaster(t, withEventBus(eb), withBufferSize(1))

	sub, err := b.Subscribe(context.Background(), broadcast.TopicSession("s1"))
	require.NoError(t, err)

	// Snapshot already fills the only slot; the first delta overflows.
	eb.Publish(context.Background(), domain.EventScoreUpdated{
		Score: domain.ScoreUpdate{SessionID: "s1", User: domain.UserRef{ID: "u1"}, Total: 1},
	})
	eb.Stop()

	env := recv(t, sub)
	require.Equal(t, broadcast.EventSnapshot, env.Event)

	_, open := <-sub.C
	require.False(t, open, "channel should be closed after eviction")

	// Unsubscribing an evicted subscriber must not panic.
	b.Unsubscribe(sub)
}

func TestBroadcaster_Unsubscribe(t *testing.T) {
	b := makeBroadcaster(t)

	sub, err := b.Subscribe(context.Background(), broadcast.TopicSession("s1"))
	require.NoError(t, err)

	b.Unsubscribe(sub)
	b.Unsubscribe(sub)

	for {
		if _, open := <-sub.C; !open {
			return
		}
	}
}

func recv(t *testing.T, sub *broadcast.Subscriber) broadcast.Envelope {
	t.Helper()

	select {
	case env, ok := <-sub.C:
		require.True(t, ok, "subscription closed unexpectedly")
		return env
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for envelope")
		return broadcast.Envelope{}
	}
}

func makeBroadcaster(t *testing.T, opts ...options) *broadcast.Broadcaster {
	c := broadcast.Config{
		EventBus: event.NewBus(),

		SessionSnapshot: func(sessionID string) (domain.GameSession, domain.Roster, error) {
			if sessionID == "missing" {
				return domain.GameSession{}, nil, errors.New(errors.CodeNotFound,
					errors.WithMessagef("session not found: %s", sessionID))
			}
			return domain.GameSession{ID: sessionID, Status: domain.SessionActive}, domain.Roster{
				{SessionID: sessionID, User: domain.UserRef{ID: "u1"}},
			}, nil
		},

		// Boards read as empty until the first seat, like the projector.
		LeaderboardSnapshot: func(ctx context.Context, scope domain.Scope, key string) (*domain.Leaderboard, error) {
			return &domain.Leaderboard{Scope: scope, Key: key, Entries: []domain.LeaderboardEntry{}}, nil
		},
	}

	for _, opt := range opts {
		opt(&c)
	}

	return broadcast.NewBroadcaster(c)
}

type options func(c *broadcast.Config)

func withEventBus(eb *event.Bus) options {
	return func(c *broadcast.Config) {
		c.EventBus = eb
	}
}

func withBufferSize(n int) options {
	return func(c *broadcast.Config) {
		c.BufferSize = n
	}
}
