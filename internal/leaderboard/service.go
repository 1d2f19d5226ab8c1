// Package leaderboard projects accepted scores into ranked views per scope
// (session, school, region, global) on Redis sorted sets.
//
// Ranking is score-descending with ties won by the earliest-joined user. To
// keep tie-breaks inside the sorted set itself, each user gets a
// monotonically increasing join sequence on first sight and the stored
// member score is a composite: score*2^20 + (2^20-1-seq). A score change is
// then a single ZADD, so only entries between the old and the new position
// move, and snapshot reads always see a fully-committed ordering.
package leaderboard

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/drillhub/internal/domain"
	"github.com/drillhub/internal/event"
)

const (
	// tieBase bounds the join sequence; composites stay well inside the
	// 53 mantissa bits of a sorted-set score.
	tieBase = 1 << 20

	// maxTotal is the largest total whose composite survives the float64
	// round-trip through the sorted set: (maxTotal-1)*tieBase + tieBase-1
	// is exactly 2^53 - 1.
	maxTotal = int64(1) << 33

	defaultSnapshotLimit   = 10
	defaultPublishInterval = 200 * time.Millisecond
)

type Config struct {
	EventBus *event.Bus
	Redis    redis.UniversalClient
	Prefix   string

	// SnapshotLimit is the entry count of published snapshots; 0 means 10.
	SnapshotLimit int
	// PublishInterval throttles leaderboard.updated events per scope key.
	PublishInterval time.Duration
}

type Service struct {
	eb       *event.Bus
	redis    redis.UniversalClient
	prefix   string
	limit    int
	interval time.Duration
}

func NewService(c Config) *Service {
	s := &Service{
		eb:       c.EventBus,
		redis:    c.Redis,
		prefix:   c.Prefix,
		limit:    c.SnapshotLimit,
		interval: c.PublishInterval,
	}

	if s.limit <= 0 {
		s.limit = defaultSnapshotLimit
	}
	if s.interval <= 0 {
		s.interval = defaultPublishInterval
	}

	s.eb.Subscribe(domain.EventNameRosterJoined, func(ctx context.Context, e event.Event) error {
		return s.handleJoined(ctx, e.(domain.EventRosterJoined))
	})
	s.eb.Subscribe(domain.EventNameRosterLeft, func(ctx context.Context, e event.Event) error {
		return s.handleLeft(ctx, e.(domain.EventRosterLeft))
	})
	s.eb.Subscribe(domain.EventNameScoreUpdated, func(ctx context.Context, e event.Event) error {
		return s.handleScore(ctx, e.(domain.EventScoreUpdated))
	})
	s.eb.Subscribe(domain.EventNameSessionEnded, func(ctx context.Context, e event.Event) error {
		return s.handleEnded(ctx, e.(domain.EventSessionEnded))
	})

	return s
}

type scopeRef struct {
	scope domain.Scope
	key   string
}

// scopesFor returns every scope a user belongs to: exactly one session
// scope plus the shared scopes derivable from the ref.
func scopesFor(user domain.UserRef, sessionID string) []scopeRef {
	refs := []scopeRef{{domain.ScopeSession, sessionID}}
	if user.SchoolID != "" {
		refs = append(refs, scopeRef{domain.ScopeSchool, user.SchoolID})
	}
	if user.Region != "" {
		refs = append(refs, scopeRef{domain.ScopeRegion, user.Region})
	}
	refs = append(refs, scopeRef{domain.ScopeGlobal, domain.GlobalKey})
	return refs
}

// handleJoined assigns the user's tie sequence in every scope and seats
// them on the session board at score zero.
func (s *Service) handleJoined(ctx context.Context, e domain.EventRosterJoined) error {
	user := e.Participant.User

	if err := s.redis.HSet(ctx, s.namesKey(), user.ID, user.DisplayName).Err(); err != nil {
		return fmt.Errorf("store display name: %w", err)
	}

	for _, ref := range scopesFor(user, e.Session.ID) {
		seq, err := s.ensureSeq(ctx, ref, user.ID)
		if err != nil {
			return err
		}
		if ref.scope != domain.ScopeSession {
			continue
		}
		// NX keeps a recovered score intact when a client re-joins.
		if err := s.redis.ZAddNX(ctx, s.boardKey(ref), redis.Z{
			Score:  composite(0, seq),
			Member: user.ID,
		}).Err(); err != nil {
			return fmt.Errorf("seat participant: %w", err)
		}
	}

	return s.schedulePublish(ctx, scopeRef{domain.ScopeSession, e.Session.ID})
}

// handleLeft clears the user from the session board only; shared scopes
// keep what the user already earned.
func (s *Service) handleLeft(ctx context.Context, e domain.EventRosterLeft) error {
	ref := scopeRef{domain.ScopeSession, e.Session.ID}
	if err := s.redis.ZRem(ctx, s.boardKey(ref), e.UserID).Err(); err != nil {
		return fmt.Errorf("remove participant: %w", err)
	}

	return s.schedulePublish(ctx, ref)
}

// handleScore re-ranks the user in every scope the accepted event touches.
func (s *Service) handleScore(ctx context.Context, e domain.EventScoreUpdated) error {
	sc := e.Score

	if err := s.redis.HSet(ctx, s.namesKey(), sc.User.ID, sc.User.DisplayName).Err(); err != nil {
		return fmt.Errorf("store display name: %w", err)
	}

	for _, ref := range scopesFor(sc.User, sc.SessionID) {
		seq, err := s.ensureSeq(ctx, ref, sc.User.ID)
		if err != nil {
			return err
		}

		total := sc.Total
		if ref.scope != domain.ScopeSession {
			// Shared boards accumulate across sessions.
			total, err = s.redis.HIncrBy(ctx, s.totalsKey(ref), sc.User.ID, sc.Delta).Result()
			if err != nil {
				return fmt.Errorf("accumulate total: %w", err)
			}
		}

		if err := s.redis.ZAdd(ctx, s.boardKey(ref), redis.Z{
			Score:  composite(total, seq),
			Member: sc.User.ID,
		}).Err(); err != nil {
			return fmt.Errorf("update board: %w", err)
		}

		if err := s.schedulePublish(ctx, ref); err != nil {
			return err
		}
	}

	return nil
}

// handleEnded forces a final snapshot for the session board, bypassing the
// publish throttle.
func (s *Service) handleEnded(ctx context.Context, e domain.EventSessionEnded) error {
	return s.publish(ctx, scopeRef{domain.ScopeSession, e.Session.ID})
}

// SeedSession reseats a recovered roster on its session board, in join
// order so tie sequences come out the same as they would have live. Shared
// boards keep their own state in Redis and need no reseeding.
func (s *Service) SeedSession(ctx context.Context, sessionID string, roster domain.Roster) error {
	ref := scopeRef{domain.ScopeSession, sessionID}

	for _, p := range roster {
		if err := s.redis.HSet(ctx, s.namesKey(), p.User.ID, p.User.DisplayName).Err(); err != nil {
			return fmt.Errorf("store display name: %w", err)
		}
		seq, err := s.ensureSeq(ctx, ref, p.User.ID)
		if err != nil {
			return err
		}
		if err := s.redis.ZAdd(ctx, s.boardKey(ref), redis.Z{
			Score:  composite(p.Score, seq),
			Member: p.User.ID,
		}).Err(); err != nil {
			return fmt.Errorf("seed participant: %w", err)
		}
	}

	return nil
}

type GetLeaderboardRequest struct {
	Scope domain.Scope
	Key   string
	Limit int
}

// GetLeaderboard returns the top entries of one scope from the committed
// projection.
func (s *Service) GetLeaderboard(ctx context.Context, req GetLeaderboardRequest) (*domain.Leaderboard, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = s.limit
	}

	ref := scopeRef{req.Scope, req.Key}
	res, err := s.redis.ZRevRangeWithScores(ctx, s.boardKey(ref), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("get leaderboard: %w", err)
	}

	// A board materializes with its first seat; until then it reads as empty.
	if len(res) == 0 {
		return &domain.Leaderboard{
			Scope:   req.Scope,
			Key:     req.Key,
			Entries: []domain.LeaderboardEntry{},
		}, nil
	}

	ids := make([]string, 0, len(res))
	for _, z := range res {
		ids = append(ids, z.Member.(string))
	}
	names, err := s.redis.HMGet(ctx, s.namesKey(), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("get display names: %w", err)
	}

	entries := make([]domain.LeaderboardEntry, 0, len(res))
	for i, z := range res {
		name := ""
		if v, ok := names[i].(string); ok {
			name = v
		}
		entries = append(entries, domain.LeaderboardEntry{
			Rank:        i + 1,
			UserID:      ids[i],
			DisplayName: name,
			Score:       decompose(z.Score),
		})
	}

	return &domain.Leaderboard{
		Scope:   req.Scope,
		Key:     req.Key,
		Entries: entries,
	}, nil
}

// ensureSeq assigns the user a tie sequence in the scope on first sight and
// returns it. Earlier sequences win ties, so earlier joiners rank above
// later ones at equal score.
func (s *Service) ensureSeq(ctx context.Context, ref scopeRef, userID string) (int64, error) {
	tiesKey := s.tiesKey(ref)

	if v, err := s.redis.HGet(ctx, tiesKey, userID).Result(); err == nil {
		return strconv.ParseInt(v, 10, 64)
	} else if err != redis.Nil {
		return 0, fmt.Errorf("get tie seq: %w", err)
	}

	seq, err := s.redis.Incr(ctx, s.seqKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("next tie seq: %w", err)
	}

	// Another writer may have assigned a sequence first; keep theirs.
	ok, err := s.redis.HSetNX(ctx, tiesKey, userID, seq).Result()
	if err != nil {
		return 0, fmt.Errorf("set tie seq: %w", err)
	}
	if !ok {
		v, err := s.redis.HGet(ctx, tiesKey, userID).Result()
		if err != nil {
			return 0, fmt.Errorf("reread tie seq: %w", err)
		}
		return strconv.ParseInt(v, 10, 64)
	}

	return seq, nil
}

// schedulePublish publishes the scope's snapshot at most once per interval.
// Many scores land in a short burst on a busy board; coalescing keeps the
// event volume bounded without hiding the final state.
func (s *Service) schedulePublish(ctx context.Context, ref scopeRef) error {
	ok, err := s.redis.SetNX(ctx, s.publishedKey(ref), time.Now().UnixMilli(), s.interval).Result()
	if err != nil {
		return fmt.Errorf("setnx: %w", err)
	}
	if !ok {
		return nil
	}

	return s.publish(ctx, ref)
}

func (s *Service) publish(ctx context.Context, ref scopeRef) error {
	l, err := s.GetLeaderboard(ctx, GetLeaderboardRequest{Scope: ref.scope, Key: ref.key})
	if err != nil {
		return fmt.Errorf("snapshot for publish: scope=%s key=%s: %w", ref.scope, ref.key, err)
	}

	s.eb.Publish(ctx, domain.EventLeaderboardUpdated{Leaderboard: *l})
	return nil
}

func composite(total, seq int64) float64 {
	if seq >= tieBase {
		// Sequence space exhausted; rank still correct, ties degrade to
		// equal footing.
		slog.Warn("leaderboard: tie sequence overflow", "seq", seq)
		seq = tieBase - 1
	}
	if total >= maxTotal {
		// Beyond the clamp, distinct totals would collide after rounding
		// and ranks would silently drift.
		slog.Warn("leaderboard: total beyond rankable range, clamping", "total", total)
		total = maxTotal - 1
	}
	return float64(total*tieBase + (tieBase - 1 - seq))
}

func decompose(composite float64) int64 {
	return int64(composite) / tieBase
}

func (s *Service) boardKey(ref scopeRef) string {
	return fmt.Sprintf("%s:%s:%s:board", s.prefix, ref.scope, ref.key)
}

func (s *Service) tiesKey(ref scopeRef) string {
	return fmt.Sprintf("%s:%s:%s:ties", s.prefix, ref.scope, ref.key)
}

func (s *Service) totalsKey(ref scopeRef) string {
	return fmt.Sprintf("%s:%s:%s:totals", s.prefix, ref.scope, ref.key)
}

func (s *Service) publishedKey(ref scopeRef) string {
	return fmt.Sprintf("%s:%s:%s:published", s.prefix, ref.scope, ref.key)
}

func (s *Service) seqKey() string {
	return fmt.Sprintf("%s:join_seq", s.prefix)
}

func (s *Service) namesKey() string {
	return fmt.Sprintf("%s:users", s.prefix)
}
