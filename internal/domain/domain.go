package domain

import "time"

// UserRef is the identity the gate resolves an opaque credential into.
// SchoolID and Region may be empty; the projector skips those scopes then.
type UserRef struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Role        string `json:"role"`
	SchoolID    string `json:"school_id,omitempty"`
	Region      string `json:"region,omitempty"`
}

type SessionStatus string

const (
	SessionWaiting   SessionStatus = "waiting"
	SessionActive    SessionStatus = "active"
	SessionEnded     SessionStatus = "ended"
	SessionCancelled SessionStatus = "cancelled"
)

// Terminal reports whether no further transition is allowed from s.
func (s SessionStatus) Terminal() bool {
	return s == SessionEnded || s == SessionCancelled
}

// GameSession represents one shared drill or game run.
// Status only moves forward: waiting→active→ended, or waiting→cancelled.
type GameSession struct {
	ID              string        `json:"id"`
	Name            string        `json:"name"`
	GameType        string        `json:"game_type"`
	Mode            string        `json:"mode"`
	HostID          string        `json:"host_id"`
	MaxParticipants int           `json:"max_participants"`
	Status          SessionStatus `json:"status"`
	CreatedAt       time.Time     `json:"created_at"`
	StartedAt       time.Time     `json:"started_at,omitempty"`
	EndedAt         time.Time     `json:"ended_at,omitempty"`
	EndReason       string        `json:"end_reason,omitempty"`
}

type ParticipantStatus string

const (
	ParticipantWaiting  ParticipantStatus = "waiting"
	ParticipantPlaying  ParticipantStatus = "playing"
	ParticipantFinished ParticipantStatus = "finished"
)

type ConnectionState string

const (
	Connected    ConnectionState = "connected"
	Disconnected ConnectionState = "disconnected"
)

// Participant is the membership record of one user in one session.
// Score is monotonically non-decreasing for the lifetime of the session.
type Participant struct {
	SessionID  string            `json:"session_id"`
	User       UserRef           `json:"user"`
	JoinedAt   time.Time         `json:"joined_at"`
	Connection ConnectionState   `json:"connection"`
	Score      int64             `json:"score"`
	Status     ParticipantStatus `json:"status"`
}

// ScoreUpdate is the accepted effect of one score submission.
type ScoreUpdate struct {
	SessionID    string    `json:"session_id"`
	User         UserRef   `json:"user"`
	SubmissionID string    `json:"submission_id"`
	Total        int64     `json:"total"`
	Delta        int64     `json:"delta"`
	Completed    bool      `json:"completed"`
	JoinedAt     time.Time `json:"joined_at"`
	UpdateTime   time.Time `json:"update_time"`
}

// Scope is the aggregation boundary a leaderboard ranks over.
type Scope string

const (
	ScopeSession Scope = "session"
	ScopeSchool  Scope = "school"
	ScopeRegion  Scope = "region"
	ScopeGlobal  Scope = "global"
)

// GlobalKey is the single scope key of the global leaderboard.
const GlobalKey = "all"

// Leaderboard is a ranked view over one scope, sorted by score descending
// with ties broken by earliest join.
type Leaderboard struct {
	Scope   Scope              `json:"scope"`
	Key     string             `json:"key"`
	Entries []LeaderboardEntry `json:"entries"`
}

type LeaderboardEntry struct {
	Rank        int    `json:"rank"`
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name,omitempty"`
	Score       int64  `json:"score"`
}

// Roster is the live membership of a session ordered by join time.
type Roster []Participant
