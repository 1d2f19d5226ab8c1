package api

import (
	"context"
	"encoding/json"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/drillhub/internal/domain"
)

const maxConcurrentPublishes = 100

type Notification struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

func (a *API) publishNotification(ctx context.Context, channel, event string, data any) error {
	n := Notification{
		Event: event,
		Data:  data,
	}

	b, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("pubsub: marshal %s: %v", event, err)
	}

	return a.redis.Publish(ctx, fmt.Sprintf("%s:%s", a.prefix, channel), b).Err()
}

// notifyRoster pushes a personal copy of the event to every member's own
// channel, so a client only ever subscribes to its own user id.
func (a *API) notifyRoster(ctx context.Context, roster domain.Roster, event string, data any) error {
	var eg errgroup.Group
	eg.SetLimit(maxConcurrentPublishes)

	for _, p := range roster {
		p := p
		eg.Go(func() error {
			return a.publishNotification(ctx, "user:"+p.User.ID, event, data)
		})
	}

	return eg.Wait()
}
