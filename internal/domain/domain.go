package domain

import (
	"time"
)

// Room is a persistent group of users with exactly one admin.
// The admin is always one of the members.
type Room struct {
	ID          string `gorm:"primaryKey;size:36"`
	Name        string `gorm:"uniqueIndex;size:100;not null"`
	Description string
	AdminID     string `gorm:"size:64;not null"`
	// SecretHash is empty when the room is not protected.
	SecretHash string `json:"-"`
	CreatedAt  time.Time
}

func (Room) TableName() string { return "rooms" }

// Locked reports whether joining the room requires a secret.
func (r *Room) Locked() bool { return r.SecretHash != "" }

type RoomMember struct {
	RoomID   string `gorm:"primaryKey;size:36"`
	UserID   string `gorm:"primaryKey;size:64"`
	JoinedAt time.Time
}

func (RoomMember) TableName() string { return "room_members" }

type SessionState int

const (
	SessionUnstarted SessionState = iota
	SessionActive
	SessionEnded
)

func (s SessionState) String() string {
	switch s {
	case SessionUnstarted:
		return "unstarted"
	case SessionActive:
		return "active"
	case SessionEnded:
		return "ended"
	}
	return "unknown"
}

// Session is a time-boxed unit of work within a room.
type Session struct {
	ID          string `gorm:"primaryKey;size:36"`
	RoomID      string `gorm:"size:36;not null;uniqueIndex:idx_sessions_room_name,priority:1"`
	Name        string `gorm:"size:100;not null;uniqueIndex:idx_sessions_room_name,priority:2"`
	Description string
	StartedAt   *time.Time
	FinishedAt  *time.Time
	CreatedAt   time.Time
}

func (Session) TableName() string { return "sessions" }

// IsActive reports whether the session has no finish time or finishes after now.
// Sessions that were never started are active too: they still occupy the room.
func (s *Session) IsActive(now time.Time) bool {
	return s.FinishedAt == nil || s.FinishedAt.After(now)
}

func (s *Session) State(now time.Time) SessionState {
	switch {
	case !s.IsActive(now):
		return SessionEnded
	case s.StartedAt == nil:
		return SessionUnstarted
	default:
		return SessionActive
	}
}

type SessionMember struct {
	SessionID string `gorm:"primaryKey;size:36"`
	UserID    string `gorm:"primaryKey;size:64"`
	JoinedAt  time.Time
}

func (SessionMember) TableName() string { return "session_members" }

// Task is a unit of work owned by one session member.
type Task struct {
	ID          string `gorm:"primaryKey;size:36"`
	SessionID   string `gorm:"size:36;not null;index"`
	UserID      string `gorm:"size:64;not null;index"`
	Description string `gorm:"not null"`
	Completed   bool   `gorm:"not null;default:false"`
	CompletedOn *time.Time
	CreatedAt   time.Time
}

func (Task) TableName() string { return "tasks" }

// IsDue reports whether the task still needs work. Tasks have no deadlines.
func (t *Task) IsDue() bool { return !t.Completed }

// TimeEntry records hours spent on a task on a given day. Entries are never updated.
type TimeEntry struct {
	ID        string    `gorm:"primaryKey;size:36"`
	TaskID    string    `gorm:"size:36;not null;index"`
	Day       time.Time `gorm:"not null"`
	Hours     float64   `gorm:"not null"`
	CreatedAt time.Time
}

func (TimeEntry) TableName() string { return "time_entries" }

type SessionRanking struct {
	SessionID  string  `gorm:"primaryKey;size:36"`
	UserID     string  `gorm:"primaryKey;size:64"`
	Rank       int     `gorm:"not null"`
	TotalHours float64 `gorm:"not null"`
}

func (SessionRanking) TableName() string { return "session_rankings" }

type RoomRanking struct {
	RoomID     string  `gorm:"primaryKey;size:36"`
	UserID     string  `gorm:"primaryKey;size:64"`
	Rank       int     `gorm:"not null"`
	TotalHours float64 `gorm:"not null"`
}

func (RoomRanking) TableName() string { return "room_rankings" }

// Notice is a room activity entry, either generated from an event or authored by a member.
type Notice struct {
	ID        string `gorm:"primaryKey;size:36"`
	RoomID    string `gorm:"size:36;not null;index"`
	Kind      string `gorm:"size:40;not null"`
	AuthorID  string `gorm:"size:64"`
	ActorID   string `gorm:"size:64"`
	SessionID string `gorm:"size:36"`
	UserID    string `gorm:"size:64"`
	TaskID    string `gorm:"size:36"`
	Title     string `gorm:"size:255;not null"`
	Content   string
	Pinned    bool `gorm:"not null;default:false"`
	CreatedAt time.Time
}

func (Notice) TableName() string { return "notices" }

// Scope names which leaderboard a ranking belongs to.
type Scope string

const (
	ScopeSession Scope = "session"
	ScopeRoom    Scope = "room"
)

// Leaderboard is a ranked list of users and their hours, sorted by rank ascending.
type Leaderboard struct {
	Scope   Scope
	ScopeID string
	Entries []LeaderboardEntry
}

type LeaderboardEntry struct {
	UserID string
	Rank   int
	Hours  float64
}

// Models lists every persisted type, in migration order.
var Models = []any{
	&Room{},
	&RoomMember{},
	&Session{},
	&SessionMember{},
	&Task{},
	&TimeEntry{},
	&SessionRanking{},
	&RoomRanking{},
	&Notice{},
}

// Day truncates t to its calendar date in UTC.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
