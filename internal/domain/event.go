package domain

const (
	EventNameSessionCreated     = "session.created"
	EventNameSessionStarted     = "session.started"
	EventNameSessionEnded       = "session.ended"
	EventNameRosterJoined       = "roster.joined"
	EventNameRosterLeft         = "roster.left"
	EventNameScoreUpdated       = "score.updated"
	EventNameLeaderboardUpdated = "leaderboard.updated"
)

type EventSessionCreated struct {
	Session GameSession
	Roster  Roster
}

func (EventSessionCreated) Name() string { return EventNameSessionCreated }

type EventSessionStarted struct {
	Session GameSession
	Roster  Roster
}

func (EventSessionStarted) Name() string { return EventNameSessionStarted }

type EventSessionEnded struct {
	Session GameSession
	Roster  Roster
	Reason  string
}

func (EventSessionEnded) Name() string { return EventNameSessionEnded }

type EventRosterJoined struct {
	Session     GameSession
	Participant Participant
	Roster      Roster
}

func (EventRosterJoined) Name() string { return EventNameRosterJoined }

type EventRosterLeft struct {
	Session GameSession
	UserID  string
	Kicked  bool
	Roster  Roster
}

func (EventRosterLeft) Name() string { return EventNameRosterLeft }

type EventScoreUpdated struct {
	Score ScoreUpdate
}

func (EventScoreUpdated) Name() string { return EventNameScoreUpdated }

type EventLeaderboardUpdated struct {
	Leaderboard Leaderboard
}

func (EventLeaderboardUpdated) Name() string { return EventNameLeaderboardUpdated }
