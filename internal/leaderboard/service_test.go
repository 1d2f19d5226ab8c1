package leaderboard_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/drillhub/internal/domain"
	"github.com/drillhub/internal/event"
	"github.com/drillhub/internal/leaderboard"
)

func TestService_ScoreUpdated(t *testing.T) {
	eb := event.NewBus()
	s := makeService(t, withEventBus(eb))

	eb.Publish(context.Background(), scoreEvent("s1", "u1", "Uyen", 10, 10))
	eb.Stop()

	got, err := s.GetLeaderboard(context.Background(), leaderboard.GetLeaderboardRequest{
		Scope: domain.ScopeSession,
		Key:   "s1",
	})
	require.NoError(t, err)

	want := &domain.Leaderboard{
		Scope: domain.ScopeSession,
		Key:   "s1",
		Entries: []domain.LeaderboardEntry{
			{Rank: 1, UserID: "u1", DisplayName: "Uyen", Score: 10},
		},
	}
	require.Equal(t, want, got)
}

func TestService_Ranking(t *testing.T) {
	type (
		inputs struct {
			events []event.Event
			scope  domain.Scope
			key    string
			limit  int
		}

		outputs struct {
			leaderboard *domain.Leaderboard
			err         error
		}
	)

	tests := map[string]struct {
		arrange func() inputs
		assert  func(t *testing.T, out outputs)
	}{
		"should rank by score descending": {
			arrange: func() inputs {
				return inputs{
					events: []event.Event{
						scoreEvent("s1", "u1", "Uyen", 10, 10),
						scoreEvent("s1", "u2", "Binh", 30, 30),
						scoreEvent("s1", "u3", "Chi", 20, 20),
					},
					scope: domain.ScopeSession,
					key:   "s1",
				}
			},

			assert: func(t *testing.T, out outputs) {
				require.NoError(t, out.err)
				require.Equal(t, []domain.LeaderboardEntry{
					{Rank: 1, UserID: "u2", DisplayName: "Binh", Score: 30},
					{Rank: 2, UserID: "u3", DisplayName: "Chi", Score: 20},
					{Rank: 3, UserID: "u1", DisplayName: "Uyen", Score: 10},
				}, out.leaderboard.Entries)
			},
		},

		"should break ties in favor of the earlier joiner": {
			arrange: func() inputs {
				return inputs{
					events: []event.Event{
						joinEvent("s1", "u1", "Uyen"),
						joinEvent("s1", "u2", "Binh"),
						scoreEvent("s1", "u2", "Binh", 10, 10),
						scoreEvent("s1", "u1", "Uyen", 10, 10),
					},
					scope: domain.ScopeSession,
					key:   "s1",
				}
			},

			assert: func(t *testing.T, out outputs) {
				require.NoError(t, out.err)
				require.Equal(t, []domain.LeaderboardEntry{
					{Rank: 1, UserID: "u1", DisplayName: "Uyen", Score: 10},
					{Rank: 2, UserID: "u2", DisplayName: "Binh", Score: 10},
				}, out.leaderboard.Entries)
			},
		},

		"should replace the session total instead of accumulating it": {
			arrange: func() inputs {
				return inputs{
					events: []event.Event{
						scoreEvent("s1", "u1", "Uyen", 10, 10),
						scoreEvent("s1", "u1", "Uyen", 25, 15),
					},
					scope: domain.ScopeSession,
					key:   "s1",
				}
			},

			assert: func(t *testing.T, out outputs) {
				require.NoError(t, out.err)
				require.Equal(t, []domain.LeaderboardEntry{
					{Rank: 1, UserID: "u1", DisplayName: "Uyen", Score: 25},
				}, out.leaderboard.Entries)
			},
		},

		"should seat joined participants at score zero": {
			arrange: func() inputs {
				return inputs{
					events: []event.Event{
						joinEvent("s1", "u1", "Uyen"),
						joinEvent("s1", "u2", "Binh"),
						scoreEvent("s1", "u2", "Binh", 5, 5),
					},
					scope: domain.ScopeSession,
					key:   "s1",
				}
			},

			assert: func(t *testing.T, out outputs) {
				require.NoError(t, out.err)
				require.Equal(t, []domain.LeaderboardEntry{
					{Rank: 1, UserID: "u2", DisplayName: "Binh", Score: 5},
					{Rank: 2, UserID: "u1", DisplayName: "Uyen", Score: 0},
				}, out.leaderboard.Entries)
			},
		},

		"should accumulate deltas across sessions on the school board": {
			arrange: func() inputs {
				e1 := scoreEvent("s1", "u1", "Uyen", 10, 10)
				e1.Score.User.SchoolID = "school-1"
				e2 := scoreEvent("s2", "u1", "Uyen", 5, 5)
				e2.Score.User.SchoolID = "school-1"
				e3 := scoreEvent("s1", "u2", "Binh", 12, 12)
				e3.Score.User.SchoolID = "school-1"

				return inputs{
					events: []event.Event{e1, e2, e3},
					scope:  domain.ScopeSchool,
					key:    "school-1",
				}
			},

			assert: func(t *testing.T, out outputs) {
				require.NoError(t, out.err)
				require.Equal(t, []domain.LeaderboardEntry{
					{Rank: 1, UserID: "u1", DisplayName: "Uyen", Score: 15},
					{Rank: 2, UserID: "u2", DisplayName: "Binh", Score: 12},
				}, out.leaderboard.Entries)
			},
		},

		"should rank every scorer on the global board": {
			arrange: func() inputs {
				return inputs{
					events: []event.Event{
						scoreEvent("s1", "u1", "Uyen", 10, 10),
						scoreEvent("s2", "u2", "Binh", 30, 30),
					},
					scope: domain.ScopeGlobal,
					key:   domain.GlobalKey,
				}
			},

			assert: func(t *testing.T, out outputs) {
				require.NoError(t, out.err)
				require.Equal(t, []domain.LeaderboardEntry{
					{Rank: 1, UserID: "u2", DisplayName: "Binh", Score: 30},
					{Rank: 2, UserID: "u1", DisplayName: "Uyen", Score: 10},
				}, out.leaderboard.Entries)
			},
		},

		"should remove a leaver from the session board only": {
			arrange: func() inputs {
				return inputs{
					events: []event.Event{
						scoreEvent("s1", "u1", "Uyen", 10, 10),
						scoreEvent("s1", "u2", "Binh", 20, 20),
						leftEvent("s1", "u1"),
					},
					scope: domain.ScopeSession,
					key:   "s1",
				}
			},

			assert: func(t *testing.T, out outputs) {
				require.NoError(t, out.err)
				require.Equal(t, []domain.LeaderboardEntry{
					{Rank: 1, UserID: "u2", DisplayName: "Binh", Score: 20},
				}, out.leaderboard.Entries)
			},
		},

		"should truncate to the requested limit": {
			arrange: func() inputs {
				return inputs{
					events: []event.Event{
						scoreEvent("s1", "u1", "Uyen", 10, 10),
						scoreEvent("s1", "u2", "Binh", 30, 30),
						scoreEvent("s1", "u3", "Chi", 20, 20),
					},
					scope: domain.ScopeSession,
					key:   "s1",
					limit: 2,
				}
			},

			assert: func(t *testing.T, out outputs) {
				require.NoError(t, out.err)
				require.Len(t, out.leaderboard.Entries, 2)
				require.Equal(t, "u2", out.leaderboard.Entries[0].UserID)
				require.Equal(t, "u3", out.leaderboard.Entries[1].UserID)
			},
		},

		"should serve an unseen board as empty": {
			arrange: func() inputs {
				return inputs{
					scope: domain.ScopeSession,
					key:   "nope",
				}
			},

			assert: func(t *testing.T, out outputs) {
				require.NoError(t, out.err)
				require.Equal(t, &domain.Leaderboard{
					Scope:   domain.ScopeSession,
					Key:     "nope",
					Entries: []domain.LeaderboardEntry{},
				}, out.leaderboard)
			},
		},

		"should clamp a total beyond the rankable range": {
			arrange: func() inputs {
				return inputs{
					events: []event.Event{
						scoreEvent("s1", "u1", "Uyen", 1<<40, 1<<40),
						scoreEvent("s1", "u2", "Binh", 30, 30),
					},
					scope: domain.ScopeSession,
					key:   "s1",
				}
			},

			assert: func(t *testing.T, out outputs) {
				require.NoError(t, out.err)
				require.Equal(t, "u1", out.leaderboard.Entries[0].UserID, "a clamped total still outranks smaller ones")
				require.Equal(t, int64(1)<<33-1, out.leaderboard.Entries[0].Score)
				require.Equal(t, int64(30), out.leaderboard.Entries[1].Score)
			},
		},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			in := tt.arrange()

			eb := event.NewBus()
			s := makeService(t, withEventBus(eb))

			for _, e := range in.events {
				eb.Publish(context.Background(), e)
			}
			eb.Stop()

			out := outputs{}
			out.leaderboard, out.err = s.GetLeaderboard(context.Background(), leaderboard.GetLeaderboardRequest{
				Scope: in.scope,
				Key:   in.key,
				Limit: in.limit,
			})

			tt.assert(t, out)
		})
	}
}

func TestService_PublishLeaderboardUpdated(t *testing.T) {
	type (
		inputs struct {
			events []event.Event
		}

		outputs struct {
			published []domain.EventLeaderboardUpdated
		}
	)

	sessionOnly := func(events []domain.EventLeaderboardUpdated) []domain.EventLeaderboardUpdated {
		var out []domain.EventLeaderboardUpdated
		for _, e := range events {
			if e.Leaderboard.Scope == domain.ScopeSession {
				out = append(out, e)
			}
		}
		return out
	}

	tests := map[string]struct {
		arrange func() inputs
		assert  func(t *testing.T, out outputs)
	}{
		"should publish leaderboard.updated after score.updated": {
			arrange: func() inputs {
				return inputs{
					events: []event.Event{
						scoreEvent("s1", "u1", "Uyen", 10, 10),
					},
				}
			},

			assert: func(t *testing.T, out outputs) {
				got := sessionOnly(out.published)
				require.Len(t, got, 1, "should receive 1 session leaderboard event")
				require.Equal(t, domain.Leaderboard{
					Scope: domain.ScopeSession,
					Key:   "s1",
					Entries: []domain.LeaderboardEntry{
						{Rank: 1, UserID: "u1", DisplayName: "Uyen", Score: 10},
					},
				}, got[0].Leaderboard)
			},
		},

		"should publish separate events for different sessions": {
			arrange: func() inputs {
				return inputs{
					events: []event.Event{
						scoreEvent("s1", "u1", "Uyen", 10, 10),
						scoreEvent("s2", "u2", "Binh", 20, 20),
					},
				}
			},

			assert: func(t *testing.T, out outputs) {
				require.Len(t, sessionOnly(out.published), 2, "should receive 2 session leaderboard events")
			},
		},

		"should coalesce events for the same session within the publish interval": {
			arrange: func() inputs {
				return inputs{
					events: []event.Event{
						scoreEvent("s1", "u1", "Uyen", 10, 10),
						scoreEvent("s1", "u2", "Binh", 20, 20),
					},
				}
			},

			assert: func(t *testing.T, out outputs) {
				require.Len(t, sessionOnly(out.published), 1, "should receive 1 session leaderboard event")
			},
		},

		"should publish the final snapshot on session end despite the throttle": {
			arrange: func() inputs {
				return inputs{
					events: []event.Event{
						scoreEvent("s1", "u1", "Uyen", 10, 10),
						scoreEvent("s1", "u2", "Binh", 20, 20),
						endedEvent("s1"),
					},
				}
			},

			assert: func(t *testing.T, out outputs) {
				got := sessionOnly(out.published)
				require.Len(t, got, 2, "end of session should force a second snapshot")
				require.Equal(t, []domain.LeaderboardEntry{
					{Rank: 1, UserID: "u2", DisplayName: "Binh", Score: 20},
					{Rank: 2, UserID: "u1", DisplayName: "Uyen", Score: 10},
				}, got[1].Leaderboard.Entries)
			},
		},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			in, out := tt.arrange(), outputs{}

			eb := event.NewBus()

			var mu sync.Mutex
			eb.Subscribe(domain.EventNameLeaderboardUpdated, func(ctx context.Context, e event.Event) error {
				mu.Lock()
				out.published = append(out.published, e.(domain.EventLeaderboardUpdated))
				mu.Unlock()
				return nil
			})

			makeService(t, withEventBus(eb))

			for _, e := range in.events {
				eb.Publish(context.Background(), e)
			}

			eb.Stop()

			tt.assert(t, out)
		})
	}
}

func scoreEvent(sessionID, userID, name string, total, delta int64) domain.EventScoreUpdated {
	return domain.EventScoreUpdated{
		Score: domain.ScoreUpdate{
			SessionID:  sessionID,
			User:       domain.UserRef{ID: userID, DisplayName: name},
			Total:      total,
			Delta:      delta,
			UpdateTime: time.Now(),
		},
	}
}

func joinEvent(sessionID, userID, name string) domain.EventRosterJoined {
	return domain.EventRosterJoined{
		Session: domain.GameSession{ID: sessionID},
		Participant: domain.Participant{
			SessionID: sessionID,
			User:      domain.UserRef{ID: userID, DisplayName: name},
			JoinedAt:  time.Now(),
		},
	}
}

func leftEvent(sessionID, userID string) domain.EventRosterLeft {
	return domain.EventRosterLeft{
		Session: domain.GameSession{ID: sessionID},
		UserID:  userID,
	}
}

func endedEvent(sessionID string) domain.EventSessionEnded {
	return domain.EventSessionEnded{
		Session: domain.GameSession{ID: sessionID, Status: domain.SessionEnded},
	}
}

func makeService(t *testing.T, opts ...options) *leaderboard.Service {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	rs := miniredis.RunT(t)
	rc := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs: []string{rs.Addr()},
	})
	require.NoError(t, rc.Ping(ctx).Err(), "should be able to ping redis")

	c := leaderboard.Config{
		EventBus: event.NewBus(),
		Redis:    rc,
		Prefix:   "lb",
	}

	for _, opt := range opts {
		opt(&c)
	}

	return leaderboard.NewService(c)
}

type options func(c *leaderboard.Config)

func withEventBus(eb *event.Bus) options {
	return func(c *leaderboard.Config) {
		c.EventBus = eb
	}
}
