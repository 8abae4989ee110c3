package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/victornm/studyroom/internal/domain"
	"github.com/victornm/studyroom/internal/ranking"
	"github.com/victornm/studyroom/internal/room"
	"github.com/victornm/studyroom/internal/secret"
	"github.com/victornm/studyroom/internal/session"
	"github.com/victornm/studyroom/internal/task"
)

// Epoch is the time every Env clock starts at.
var Epoch = time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)

// Env wires the mutating services over an in-memory database, a settable clock and a Recorder.
type Env struct {
	DB       *gorm.DB
	Clock    *Clock
	Events   *Recorder
	Ranking  *ranking.Engine
	Rooms    *room.Service
	Sessions *session.Service
	Tasks    *task.Service
}

func NewEnv(t *testing.T) *Env {
	t.Helper()

	e := &Env{
		DB:     NewDB(t),
		Clock:  NewClock(Epoch),
		Events: &Recorder{},
	}

	e.Ranking = ranking.NewEngine(e.Clock.Now)
	e.Sessions = session.NewService(session.Config{
		DB:       e.DB,
		EventBus: e.Events,
		Ranking:  e.Ranking,
		Now:      e.Clock.Now,
	})
	e.Rooms = room.NewService(room.Config{
		DB:       e.DB,
		EventBus: e.Events,
		Hasher:   secret.NewBcrypt(bcrypt.MinCost),
		Ranking:  e.Ranking,
		Sessions: e.Sessions,
		Now:      e.Clock.Now,
	})
	e.Tasks = task.NewService(task.Config{
		DB:       e.DB,
		EventBus: e.Events,
		Ranking:  e.Ranking,
		Now:      e.Clock.Now,
	})
	return e
}

// Room creates a room administered by admin and joins every member to it.
func (e *Env) Room(t *testing.T, admin string, members ...string) *domain.Room {
	t.Helper()
	ctx := context.Background()

	r, err := e.Rooms.CreateRoom(ctx, room.CreateRoomRequest{AdminID: admin, Name: "room-" + uuid.NewString()})
	require.NoError(t, err)

	for _, u := range members {
		_, err := e.Rooms.JoinRoom(ctx, room.JoinRoomRequest{RoomID: r.ID, UserID: u})
		require.NoError(t, err)
	}
	return r
}

// Session creates and starts a session in r, joining every member to it.
func (e *Env) Session(t *testing.T, r *domain.Room, name string, members ...string) *domain.Session {
	t.Helper()
	ctx := context.Background()

	ss, err := e.Sessions.CreateSession(ctx, session.CreateSessionRequest{RoomID: r.ID, Name: name})
	require.NoError(t, err)

	ss, err = e.Sessions.StartSession(ctx, session.StartSessionRequest{ActorID: r.AdminID, SessionID: ss.ID})
	require.NoError(t, err)

	for _, u := range members {
		_, err := e.Sessions.JoinSession(ctx, session.JoinSessionRequest{SessionID: ss.ID, UserID: u})
		require.NoError(t, err)
	}
	return ss
}

// Task creates a task for user in ss and logs each of hours as a separate entry.
func (e *Env) Task(t *testing.T, ss *domain.Session, user string, hours ...float64) *domain.Task {
	t.Helper()
	ctx := context.Background()

	tk, err := e.Tasks.CreateTask(ctx, task.CreateTaskRequest{SessionID: ss.ID, UserID: user, Description: "study"})
	require.NoError(t, err)

	for _, h := range hours {
		e.Log(t, tk, h)
	}
	return tk
}

func (e *Env) Log(t *testing.T, tk *domain.Task, hours float64) {
	t.Helper()

	_, err := e.Tasks.AddTimeEntry(context.Background(), task.AddTimeEntryRequest{TaskID: tk.ID, Hours: hours})
	require.NoError(t, err)
}

// SessionRanks returns the stored session leaderboard as (user, rank, hours) triples.
func (e *Env) SessionRanks(t *testing.T, sessionID string) []domain.LeaderboardEntry {
	t.Helper()

	rs, err := ranking.SessionStandings(e.DB, sessionID)
	require.NoError(t, err)

	out := make([]domain.LeaderboardEntry, 0, len(rs))
	for _, r := range rs {
		out = append(out, domain.LeaderboardEntry{UserID: r.UserID, Rank: r.Rank, Hours: r.TotalHours})
	}
	return out
}

func (e *Env) RoomRanks(t *testing.T, roomID string) []domain.LeaderboardEntry {
	t.Helper()

	rs, err := ranking.RoomStandings(e.DB, roomID)
	require.NoError(t, err)

	out := make([]domain.LeaderboardEntry, 0, len(rs))
	for _, r := range rs {
		out = append(out, domain.LeaderboardEntry{UserID: r.UserID, Rank: r.Rank, Hours: r.TotalHours})
	}
	return out
}
