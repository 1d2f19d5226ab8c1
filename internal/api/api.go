// Package api exposes the HTTP and WebSocket surface and mirrors committed
// events onto redis pubsub for sibling replicas.
package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/drillhub/internal/broadcast"
	"github.com/drillhub/internal/domain"
	"github.com/drillhub/internal/errors"
	"github.com/drillhub/internal/event"
	"github.com/drillhub/internal/identity"
	"github.com/drillhub/internal/leaderboard"
	"github.com/drillhub/internal/score"
	"github.com/drillhub/internal/session"
)

type Config struct {
	Router   *gin.Engine
	EventBus *event.Bus

	Gate        identity.Gate
	Session     *session.Registry
	Score       *score.Service
	Leaderboard *leaderboard.Service
	Broadcast   *broadcast.Broadcaster

	Redis        Redis
	PubsubPrefix string
}

type Redis interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

type API struct {
	gate identity.Gate
	reg  *session.Registry
	ss   *score.Service
	ls   *leaderboard.Service
	bc   *broadcast.Broadcaster

	redis  Redis
	prefix string
}

func New(c Config) *API {
	a := &API{
		gate:   c.Gate,
		reg:    c.Session,
		ss:     c.Score,
		ls:     c.Leaderboard,
		bc:     c.Broadcast,
		redis:  c.Redis,
		prefix: c.PubsubPrefix,
	}

	v1 := c.Router.Group("/v1", a.authenticate)
	v1.POST("/sessions", a.createSession)
	v1.GET("/sessions/:id", a.getSession)
	v1.POST("/sessions/:id/join", a.joinSession)
	v1.POST("/sessions/:id/start", a.startSession)
	v1.POST("/sessions/:id/end", a.endSession)
	v1.POST("/sessions/:id/cancel", a.cancelSession)
	v1.POST("/sessions/:id/leave", a.leaveSession)
	v1.POST("/sessions/:id/participants/:user/kick", a.kickParticipant)
	v1.POST("/sessions/:id/scores", a.submitScore)
	v1.GET("/leaderboards/:scope/:key", a.getLeaderboard)

	c.Router.GET("/ws", a.authenticate, a.serveWS)

	// Mirror committed events for replicas serving other sockets.
	if a.redis != nil {
		c.EventBus.Subscribe(domain.EventNameLeaderboardUpdated, func(ctx context.Context, e event.Event) error {
			l := e.(domain.EventLeaderboardUpdated).Leaderboard
			return a.publishNotification(ctx, broadcast.TopicLeaderboard(l.Scope, l.Key), e.Name(), l)
		})
		c.EventBus.Subscribe(domain.EventNameScoreUpdated, func(ctx context.Context, e event.Event) error {
			sc := e.(domain.EventScoreUpdated).Score
			return a.publishNotification(ctx, broadcast.TopicSession(sc.SessionID), e.Name(), sc)
		})
		c.EventBus.Subscribe(domain.EventNameSessionEnded, func(ctx context.Context, e event.Event) error {
			ev := e.(domain.EventSessionEnded)
			if err := a.publishNotification(ctx, broadcast.TopicSession(ev.Session.ID), e.Name(), ev); err != nil {
				return err
			}
			return a.notifyRoster(ctx, ev.Roster, e.Name(), ev)
		})
	}

	return a
}

const userKey = "api.user"

func (a *API) authenticate(c *gin.Context) {
	token := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
	if token == "" {
		// Browsers cannot set headers on WebSocket dials.
		token = c.Query("token")
	}

	user, err := a.gate.Authenticate(c.Request.Context(), token)
	if err != nil {
		abort(c, err)
		return
	}

	c.Set(userKey, user)
	c.Next()
}

func currentUser(c *gin.Context) domain.UserRef {
	return c.MustGet(userKey).(domain.UserRef)
}

type createSessionRequest struct {
	Name            string `json:"name"`
	GameType        string `json:"game_type"`
	Mode            string `json:"mode"`
	MaxParticipants int    `json:"max_participants"`
}

func (a *API) createSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("invalid body: %v", err)))
		return
	}

	sess, err := a.reg.CreateSession(c.Request.Context(), currentUser(c), session.CreateSessionRequest{
		Name:            req.Name,
		GameType:        req.GameType,
		Mode:            req.Mode,
		MaxParticipants: req.MaxParticipants,
	})
	if err != nil {
		abort(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"session": sess})
}

func (a *API) getSession(c *gin.Context) {
	sess, roster, err := a.reg.GetSession(c.Param("id"))
	if err != nil {
		abort(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"session": sess, "roster": roster})
}

func (a *API) joinSession(c *gin.Context) {
	p, err := a.reg.Join(c.Request.Context(), c.Param("id"), currentUser(c))
	if err != nil {
		abort(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"participant": p})
}

func (a *API) startSession(c *gin.Context) {
	sess, err := a.reg.StartSession(c.Request.Context(), c.Param("id"), currentUser(c).ID)
	if err != nil {
		abort(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"session": sess})
}

func (a *API) endSession(c *gin.Context) {
	sess, err := a.reg.EndSession(c.Request.Context(), c.Param("id"), currentUser(c).ID, session.ReasonHostEnded)
	if err != nil {
		abort(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"session": sess})
}

func (a *API) cancelSession(c *gin.Context) {
	sess, err := a.reg.CancelSession(c.Request.Context(), c.Param("id"), currentUser(c).ID, session.ReasonCancelled)
	if err != nil {
		abort(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"session": sess})
}

func (a *API) leaveSession(c *gin.Context) {
	if err := a.reg.Leave(c.Request.Context(), c.Param("id"), currentUser(c).ID); err != nil {
		abort(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "left"})
}

func (a *API) kickParticipant(c *gin.Context) {
	if err := a.reg.Kick(c.Request.Context(), c.Param("id"), currentUser(c).ID, c.Param("user")); err != nil {
		abort(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "kicked"})
}

type submitScoreRequest struct {
	Score        int64     `json:"score"`
	SubmissionID string    `json:"submission_id"`
	Completed    bool      `json:"completed"`
	SubmitTime   time.Time `json:"submit_time"`
}

func (a *API) submitScore(c *gin.Context) {
	var req submitScoreRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("invalid body: %v", err)))
		return
	}

	resp, err := a.ss.SubmitScore(c.Request.Context(), score.SubmitScoreRequest{
		SessionID:    c.Param("id"),
		UserID:       currentUser(c).ID,
		Score:        req.Score,
		SubmissionID: req.SubmissionID,
		Completed:    req.Completed,
		SubmitTime:   req.SubmitTime,
	})
	if err != nil {
		abort(c, err)
		return
	}

	status := http.StatusOK
	if !resp.Accepted {
		status = http.StatusUnprocessableEntity
	}
	c.JSON(status, resp)
}

func (a *API) getLeaderboard(c *gin.Context) {
	limit := 0
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			abort(c, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("limit must be a positive integer")))
			return
		}
		limit = n
	}

	l, err := a.ls.GetLeaderboard(c.Request.Context(), leaderboard.GetLeaderboardRequest{
		Scope: domain.Scope(c.Param("scope")),
		Key:   c.Param("key"),
		Limit: limit,
	})
	if err != nil {
		abort(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"leaderboard": l})
}

func abort(c *gin.Context, err error) {
	e := errors.Convert(err)
	c.AbortWithStatusJSON(e.HTTPStatusCode(), gin.H{"error": e})
}
