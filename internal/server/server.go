package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/drillhub/internal/api"
	"github.com/drillhub/internal/broadcast"
	"github.com/drillhub/internal/domain"
	"github.com/drillhub/internal/event"
	"github.com/drillhub/internal/identity"
	"github.com/drillhub/internal/kafka"
	"github.com/drillhub/internal/leaderboard"
	"github.com/drillhub/internal/score"
	"github.com/drillhub/internal/session"
	"github.com/drillhub/internal/store"
	"github.com/drillhub/internal/telemetry"
)

type Config struct {
	HTTP struct {
		Port int32
	}

	Auth struct {
		Secret string
	}

	Redis struct {
		Leaderboard struct {
			Addrs           []string
			Pass            string
			Prefix          string
			SnapshotLimit   int
			PublishInterval time.Duration
		}

		Pubsub struct {
			Addrs  []string
			Pass   string
			Prefix string
		}
	}

	Postgres struct {
		Addr string
		User string
		Pass string
		Name string
	}

	Session struct {
		MaxParticipantsCap int
		IdleWindow         time.Duration
		AbandonGrace       time.Duration
		SweepInterval      time.Duration
	}

	Kafka struct {
		Enabled bool
		Brokers []string
		Topic   string
		GroupID string
	}
}

type Server struct {
	c Config

	eb *event.Bus

	infra struct {
		redis struct {
			leaderboard redis.UniversalClient
			pubsub      redis.UniversalClient
		}

		postgres *pgxpool.Pool
	}

	store store.Store

	service struct {
		session     *session.Registry
		score       *score.Service
		leaderboard *leaderboard.Service
		broadcast   *broadcast.Broadcaster
	}

	http    *http.Server
	kafka   *kafka.Consumer
	stop    context.CancelFunc
	stopped chan struct{}
}

func Init(c Config) (*Server, error) {
	s := &Server{c: c}

	s.eb = event.NewBus()

	if err := s.initInfra(); err != nil {
		return nil, fmt.Errorf("server: init infra: %w", err)
	}

	s.initService()

	if err := s.initAPI(); err != nil {
		return nil, fmt.Errorf("server: init api: %w", err)
	}

	if err := s.recover(); err != nil {
		return nil, fmt.Errorf("server: recover: %w", err)
	}

	return s, nil
}

func (s *Server) initInfra() error {
	if err := s.initRedis(); err != nil {
		return fmt.Errorf("redis: %w", err)
	}

	if err := s.initPostgres(); err != nil {
		return fmt.Errorf("postgres: %w", err)
	}

	return nil
}

func (s *Server) initRedis() error {
	connect := func(addrs []string, pass string) (redis.UniversalClient, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		r := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    addrs,
			Password: pass,
		})

		if err := telemetry.MonitorRedis(r); err != nil {
			return nil, err
		}

		if err := r.Ping(ctx).Err(); err != nil {
			return nil, err
		}

		return r, nil
	}

	var err error
	s.infra.redis.leaderboard, err = connect(s.c.Redis.Leaderboard.Addrs, s.c.Redis.Leaderboard.Pass)
	if err != nil {
		return fmt.Errorf("leaderboard: %w", err)
	}

	s.infra.redis.pubsub, err = connect(s.c.Redis.Pubsub.Addrs, s.c.Redis.Pubsub.Pass)
	if err != nil {
		return fmt.Errorf("pubsub: %w", err)
	}

	return nil
}

func (s *Server) initPostgres() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cc, err := pgxpool.ParseConfig(fmt.Sprintf("postgres://%s:%s@%s/%s",
		s.c.Postgres.User, s.c.Postgres.Pass, s.c.Postgres.Addr, s.c.Postgres.Name))
	if err != nil {
		return err
	}

	db, err := pgxpool.NewWithConfig(ctx, cc)
	if err != nil {
		return err
	}

	if err := db.Ping(ctx); err != nil {
		return err
	}

	pg := store.NewPostgres(db)
	if err := pg.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	s.infra.postgres = db
	s.store = pg
	return nil
}

func (s *Server) initService() {
	s.service.session = session.NewRegistry(session.Config{
		Store:              s.store,
		EventBus:           s.eb,
		MaxParticipantsCap: s.c.Session.MaxParticipantsCap,
		IdleWindow:         s.c.Session.IdleWindow,
		AbandonGrace:       s.c.Session.AbandonGrace,
		SweepInterval:      s.c.Session.SweepInterval,
	})

	s.service.score = score.NewService(score.Config{
		Registry: s.service.session,
	})

	s.service.leaderboard = leaderboard.NewService(leaderboard.Config{
		EventBus:        s.eb,
		Redis:           s.infra.redis.leaderboard,
		Prefix:          s.c.Redis.Leaderboard.Prefix,
		SnapshotLimit:   s.c.Redis.Leaderboard.SnapshotLimit,
		PublishInterval: s.c.Redis.Leaderboard.PublishInterval,
	})

	s.service.broadcast = broadcast.NewBroadcaster(broadcast.Config{
		EventBus:        s.eb,
		SessionSnapshot: s.service.session.GetSession,
		LeaderboardSnapshot: func(ctx context.Context, scope domain.Scope, key string) (*domain.Leaderboard, error) {
			return s.service.leaderboard.GetLeaderboard(ctx, leaderboard.GetLeaderboardRequest{
				Scope: scope,
				Key:   key,
			})
		},
	})
}

func (s *Server) initAPI() error {
	e := gin.New()
	e.GET("/metrics", gin.WrapH(promhttp.Handler()))
	pprof.Register(e, "/debug/pprof")
	e.Use(gin.Recovery())

	api.New(api.Config{
		Router:       e,
		EventBus:     s.eb,
		Gate:         identity.NewJWTGate(s.c.Auth.Secret),
		Session:      s.service.session,
		Score:        s.service.score,
		Leaderboard:  s.service.leaderboard,
		Broadcast:    s.service.broadcast,
		Redis:        s.infra.redis.pubsub,
		PubsubPrefix: s.c.Redis.Pubsub.Prefix,
	})

	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.c.HTTP.Port),
		Handler:           e,
		ReadHeaderTimeout: 60 * time.Second,
	}

	if s.c.Kafka.Enabled {
		consumer, err := kafka.NewConsumer(kafka.Config{
			Brokers: s.c.Kafka.Brokers,
			Topic:   s.c.Kafka.Topic,
			GroupID: s.c.Kafka.GroupID,
			Score:   s.service.score,
		})
		if err != nil {
			return fmt.Errorf("kafka: %w", err)
		}
		s.kafka = consumer
	}

	return nil
}

// recover rebuilds the in-memory arena and reseats recovered rosters on
// their session boards.
func (s *Server) recover() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.service.session.Recover(ctx); err != nil {
		return err
	}

	sessions, err := s.store.ListOpenSessions(ctx)
	if err != nil {
		return err
	}
	for _, sess := range sessions {
		parts, err := s.store.ListParticipants(ctx, sess.ID)
		if err != nil {
			return err
		}
		if err := s.service.leaderboard.SeedSession(ctx, sess.ID, parts); err != nil {
			return err
		}
	}

	return nil
}

func (s *Server) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.stop = cancel
	s.stopped = make(chan struct{})

	go func() {
		defer close(s.stopped)
		s.service.session.Run(ctx)
	}()

	if s.kafka != nil {
		s.kafka.Start()
	}

	var eg errgroup.Group
	eg.Go(func() error {
		slog.InfoContext(ctx, fmt.Sprintf("server: HTTP listening on port %d", s.c.HTTP.Port))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if err := eg.Wait(); err != nil {
		slog.ErrorContext(ctx, "server: shutdown with error", "error", err)
	}
}

func (s *Server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.http.Shutdown(ctx); err != nil {
		slog.ErrorContext(ctx, "server: shutdown HTTP failed", "error", err)
	}

	if s.kafka != nil {
		if err := s.kafka.Stop(); err != nil {
			slog.ErrorContext(ctx, "server: stop kafka consumer failed", "error", err)
		}
	}

	if s.stop != nil {
		s.stop()
		<-s.stopped
	}

	s.eb.Stop()
	s.infra.postgres.Close()

	slog.InfoContext(ctx, "server: shutdown completed")
}
