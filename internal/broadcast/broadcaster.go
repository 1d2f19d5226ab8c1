// Package broadcast fans committed events out to live subscribers by topic.
// A new subscriber always receives a snapshot of the topic first and then
// every delta in commit order, so a client can render state without a
// separate fetch racing the stream.
package broadcast

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/drillhub/internal/domain"
	"github.com/drillhub/internal/errors"
	"github.com/drillhub/internal/event"
	"github.com/drillhub/internal/telemetry"
)

const defaultBufferSize = 64

// EventSnapshot names the envelope that opens every subscription.
const EventSnapshot = "snapshot"

func TopicSession(sessionID string) string {
	return "session:" + sessionID
}

func TopicLeaderboard(scope domain.Scope, key string) string {
	return "leaderboard:" + string(scope) + ":" + key
}

// Envelope is one ordered message on a topic. Seq is per topic and gap-free
// for a single subscriber.
type Envelope struct {
	Topic string    `json:"topic"`
	Event string    `json:"event"`
	Seq   uint64    `json:"seq"`
	Time  time.Time `json:"time"`
	Data  any       `json:"data"`
}

// SessionState is the snapshot payload of a session topic.
type SessionState struct {
	Session domain.GameSession `json:"session"`
	Roster  domain.Roster      `json:"roster"`
}

type Config struct {
	EventBus *event.Bus

	// SessionSnapshot resolves the current state of one session.
	SessionSnapshot func(sessionID string) (domain.GameSession, domain.Roster, error)
	// LeaderboardSnapshot resolves the current top entries of one scope.
	LeaderboardSnapshot func(ctx context.Context, scope domain.Scope, key string) (*domain.Leaderboard, error)

	// BufferSize is the per-subscriber queue length; 0 means 64.
	BufferSize int
}

type Broadcaster struct {
	sessionSnapshot     func(sessionID string) (domain.GameSession, domain.Roster, error)
	leaderboardSnapshot func(ctx context.Context, scope domain.Scope, key string) (*domain.Leaderboard, error)
	buffer              int

	mu     chan struct{} // held as a binary semaphore so Subscribe can respect ctx
	topics map[string]*topic
}

type topic struct {
	seq  uint64
	subs map[*Subscriber]struct{}
}

// Subscriber is one registered listener. Receive from C; a closed C means
// the subscription ended, either by Unsubscribe or by eviction.
type Subscriber struct {
	Topic string
	C     <-chan Envelope

	ch chan Envelope
}

func NewBroadcaster(c Config) *Broadcaster {
	b := &Broadcaster{
		sessionSnapshot:     c.SessionSnapshot,
		leaderboardSnapshot: c.LeaderboardSnapshot,
		buffer:              c.BufferSize,
		mu:                  make(chan struct{}, 1),
		topics:              make(map[string]*topic),
	}

	if b.buffer <= 0 {
		b.buffer = defaultBufferSize
	}

	forSession := func(name string, sessionID func(event.Event) string) {
		c.EventBus.Subscribe(name, func(ctx context.Context, e event.Event) error {
			b.publish(TopicSession(sessionID(e)), name, e)
			return nil
		})
	}

	forSession(domain.EventNameSessionCreated, func(e event.Event) string {
		return e.(domain.EventSessionCreated).Session.ID
	})
	forSession(domain.EventNameSessionStarted, func(e event.Event) string {
		return e.(domain.EventSessionStarted).Session.ID
	})
	forSession(domain.EventNameSessionEnded, func(e event.Event) string {
		return e.(domain.EventSessionEnded).Session.ID
	})
	forSession(domain.EventNameRosterJoined, func(e event.Event) string {
		return e.(domain.EventRosterJoined).Session.ID
	})
	forSession(domain.EventNameRosterLeft, func(e event.Event) string {
		return e.(domain.EventRosterLeft).Session.ID
	})
	forSession(domain.EventNameScoreUpdated, func(e event.Event) string {
		return e.(domain.EventScoreUpdated).Score.SessionID
	})

	c.EventBus.Subscribe(domain.EventNameLeaderboardUpdated, func(ctx context.Context, e event.Event) error {
		l := e.(domain.EventLeaderboardUpdated).Leaderboard
		b.publish(TopicLeaderboard(l.Scope, l.Key), domain.EventNameLeaderboardUpdated, e)
		return nil
	})

	return b
}

// Subscribe registers a listener on a topic. The snapshot envelope is
// queued before the subscriber becomes visible to publishers, so the first
// message is always the snapshot and no delta committed afterwards is lost.
func (b *Broadcaster) Subscribe(ctx context.Context, topicName string) (*Subscriber, error) {
	select {
	case b.mu <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-b.mu }()

	snap, err := b.snapshot(ctx, topicName)
	if err != nil {
		return nil, err
	}

	t, ok := b.topics[topicName]
	if !ok {
		t = &topic{subs: make(map[*Subscriber]struct{})}
		b.topics[topicName] = t
	}

	sub := &Subscriber{
		Topic: topicName,
		ch:    make(chan Envelope, b.buffer),
	}
	sub.C = sub.ch

	sub.ch <- Envelope{
		Topic: topicName,
		Event: EventSnapshot,
		Seq:   t.seq,
		Time:  time.Now(),
		Data:  snap,
	}
	t.subs[sub] = struct{}{}

	return sub, nil
}

// Unsubscribe removes the listener and closes its channel. Safe to call on
// an already-evicted subscriber.
func (b *Broadcaster) Unsubscribe(sub *Subscriber) {
	b.mu <- struct{}{}
	defer func() { <-b.mu }()

	t, ok := b.topics[sub.Topic]
	if !ok {
		return
	}
	if _, ok := t.subs[sub]; !ok {
		return
	}

	delete(t.subs, sub)
	close(sub.ch)
	if len(t.subs) == 0 {
		delete(b.topics, sub.Topic)
	}
}

func (b *Broadcaster) publish(topicName, eventName string, data any) {
	b.mu <- struct{}{}
	defer func() { <-b.mu }()

	t, ok := b.topics[topicName]
	if !ok {
		return
	}

	t.seq++
	env := Envelope{
		Topic: topicName,
		Event: eventName,
		Seq:   t.seq,
		Time:  time.Now(),
		Data:  data,
	}

	for sub := range t.subs {
		select {
		case sub.ch <- env:
		default:
			// Blocking here would stall the whole topic behind one slow
			// consumer; the evicted client reconnects and resnapshots.
			delete(t.subs, sub)
			close(sub.ch)
			telemetry.SubscribersEvicted.Inc()
			slog.Warn("broadcast: subscriber evicted", "topic", topicName, "seq", t.seq)
		}
	}
	if len(t.subs) == 0 {
		delete(b.topics, topicName)
	}
}

func (b *Broadcaster) snapshot(ctx context.Context, topicName string) (any, error) {
	kind, rest, _ := strings.Cut(topicName, ":")

	switch kind {
	case "session":
		if rest == "" {
			break
		}
		sess, roster, err := b.sessionSnapshot(rest)
		if err != nil {
			return nil, err
		}
		return SessionState{Session: sess, Roster: roster}, nil

	case "leaderboard":
		scope, key, ok := strings.Cut(rest, ":")
		if !ok || scope == "" || key == "" {
			break
		}
		l, err := b.leaderboardSnapshot(ctx, domain.Scope(scope), key)
		if err != nil {
			return nil, err
		}
		return *l, nil
	}

	return nil, errors.New(errors.CodeInvalidArgument,
		errors.WithMessagef("unknown topic: %s", topicName),
	)
}
