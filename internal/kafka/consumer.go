// Package kafka ingests score submissions from a Kafka topic, for game
// clients that report through the telemetry pipeline instead of HTTP.
package kafka

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/IBM/sarama"

	"github.com/drillhub/internal/score"
)

// Submitter applies one validated submission; soft rejections come back in
// the response, not as errors.
type Submitter interface {
	SubmitScore(ctx context.Context, req score.SubmitScoreRequest) (*score.SubmitScoreResponse, error)
}

type Config struct {
	Brokers []string
	Topic   string
	GroupID string

	Score Submitter
}

// Message is the wire format on the topic. SubmissionID makes redelivery
// after a rebalance harmless.
type Message struct {
	SessionID    string    `json:"session_id"`
	UserID       string    `json:"user_id"`
	Score        int64     `json:"score"`
	SubmissionID string    `json:"submission_id"`
	Completed    bool      `json:"completed"`
	SubmitTime   time.Time `json:"submit_time"`
}

type Consumer struct {
	topic string
	ss    Submitter

	group  sarama.ConsumerGroup
	cancel context.CancelFunc
	ctx    context.Context
	wg     sync.WaitGroup
}

func NewConsumer(c Config) (*Consumer, error) {
	sc := sarama.NewConfig()
	sc.Version = sarama.V3_0_0_0
	sc.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	sc.Consumer.Offsets.Initial = sarama.OffsetNewest
	sc.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(c.Brokers, c.GroupID, sc)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Consumer{
		topic:  c.Topic,
		ss:     c.Score,
		group:  group,
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Start consumes until Stop. Consume returns on every rebalance and is
// re-entered until the consumer context is cancelled.
func (c *Consumer) Start() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			if err := c.group.Consume(c.ctx, []string{c.topic}, &claimHandler{ss: c.ss}); err != nil {
				if err == sarama.ErrClosedConsumerGroup {
					return
				}
				slog.Error("kafka: consume failed", "topic", c.topic, "error", err)
			}
			if c.ctx.Err() != nil {
				return
			}
		}
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case <-c.ctx.Done():
				return
			case err, ok := <-c.group.Errors():
				if !ok {
					return
				}
				slog.Error("kafka: consumer group error", "error", err)
			}
		}
	}()
}

func (c *Consumer) Stop() error {
	c.cancel()
	c.wg.Wait()
	return c.group.Close()
}

type claimHandler struct {
	ss Submitter
}

func (h *claimHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *claimHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *claimHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for message := range claim.Messages() {
		var msg Message
		if err := json.Unmarshal(message.Value, &msg); err != nil {
			slog.Warn("kafka: drop unparsable message",
				"offset", message.Offset, "partition", message.Partition, "error", err)
			session.MarkMessage(message, "")
			continue
		}

		if msg.SessionID == "" || msg.UserID == "" || msg.SubmissionID == "" {
			slog.Warn("kafka: drop incomplete submission",
				"session", msg.SessionID, "user", msg.UserID, "submission", msg.SubmissionID)
			session.MarkMessage(message, "")
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		resp, err := h.ss.SubmitScore(ctx, score.SubmitScoreRequest{
			SessionID:    msg.SessionID,
			UserID:       msg.UserID,
			Score:        msg.Score,
			SubmissionID: msg.SubmissionID,
			Completed:    msg.Completed,
			SubmitTime:   msg.SubmitTime,
		})
		cancel()

		if err != nil {
			// The session may be gone or the store down; either way a
			// retry will not change the outcome of this message.
			slog.Warn("kafka: submission rejected",
				"session", msg.SessionID, "user", msg.UserID, "error", err)
		} else if !resp.Accepted {
			slog.Warn("kafka: submission not accepted",
				"session", msg.SessionID, "user", msg.UserID, "reason", resp.Reason)
		}

		session.MarkMessage(message, "")
	}

	return nil
}
