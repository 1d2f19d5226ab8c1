package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SessionsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "drillhub_sessions_created_total",
		Help: "Number of game sessions created.",
	})

	SessionsEnded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "drillhub_sessions_ended_total",
		Help: "Number of game sessions that reached a terminal state.",
	}, []string{"reason"})

	ScoresAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "drillhub_scores_accepted_total",
		Help: "Number of accepted score submissions.",
	})

	ScoresRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "drillhub_scores_rejected_total",
		Help: "Number of rejected score submissions.",
	}, []string{"reason"})

	SubscribersEvicted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "drillhub_subscribers_evicted_total",
		Help: "Subscribers dropped because their delivery buffer stayed full.",
	})

	WebsocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "drillhub_websocket_connections",
		Help: "Currently open WebSocket connections.",
	})
)
