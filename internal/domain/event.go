package domain

import (
	"sync/atomic"
	"time"
)

const (
	EventNameRoomJoined           = "room.joined"
	EventNameRoomLeft             = "room.left"
	EventNameRoomKicked           = "room.kicked"
	EventNameRoomAdminTransferred = "room.admin_transferred"
	EventNameSessionCreated       = "session.created"
	EventNameSessionJoined        = "session.joined"
	EventNameSessionLeft          = "session.left"
	EventNameSessionKicked        = "session.kicked"
	EventNameSessionStarted       = "session.started"
	EventNameSessionEnded         = "session.ended"
	EventNameTaskCreated          = "task.created"
	EventNameTaskCompleted        = "task.completed"
	EventNameLeaderboardUpdated   = "leaderboard.updated"
)

// ActivityEvents lists the names of every EventActivity kind.
var ActivityEvents = []string{
	EventNameRoomJoined,
	EventNameRoomLeft,
	EventNameRoomKicked,
	EventNameRoomAdminTransferred,
	EventNameSessionCreated,
	EventNameSessionJoined,
	EventNameSessionLeft,
	EventNameSessionKicked,
	EventNameSessionStarted,
	EventNameSessionEnded,
	EventNameTaskCreated,
	EventNameTaskCompleted,
}

// EventActivity signals that a membership or lifecycle mutation happened.
// UserID is the subject of the change when it differs from the actor (kicked user, new admin).
type EventActivity struct {
	Kind      string
	ActorID   string
	RoomID    string
	SessionID string
	UserID    string
	TaskID    string
	At        time.Time
}

func (e EventActivity) Name() string { return e.Kind }

// EventLeaderboardUpdated carries a freshly computed leaderboard. Version grows with every
// computation in the process, so a consumer can drop a leaderboard older than the one it holds.
type EventLeaderboardUpdated struct {
	Leaderboard Leaderboard
	Version     int64
}

var lastVersion atomic.Int64

// LeaderboardUpdated wraps lb with the next version. Versions are wall clock microseconds,
// bumped past the previous one when the clock has not moved.
func LeaderboardUpdated(lb Leaderboard) EventLeaderboardUpdated {
	for {
		last := lastVersion.Load()
		v := max(time.Now().UnixMicro(), last+1)
		if lastVersion.CompareAndSwap(last, v) {
			return EventLeaderboardUpdated{Leaderboard: lb, Version: v}
		}
	}
}

func (EventLeaderboardUpdated) Name() string { return EventNameLeaderboardUpdated }
