package ranking

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/victornm/studyroom/internal/domain"
)

// Engine recomputes and persists leaderboards. Every recompute replaces the full ranking set of
// its scope; rows are never patched one by one.
//
// All methods take the caller's transaction so that aggregation and writes are applied atomically
// with the mutation that triggered them.
type Engine struct {
	now func() time.Time
}

func NewEngine(now func() time.Time) *Engine {
	if now == nil {
		now = time.Now
	}
	return &Engine{now: now}
}

// SessionTotals sums the entry hours of every session member that owns at least one task in the
// session. Members whose tasks have no entries get zero hours.
func SessionTotals(tx *gorm.DB, sessionID string) ([]Total, error) {
	var rows []struct {
		UserID string
		Hours  *float64
	}

	err := tx.Table("tasks").
		Select("tasks.user_id AS user_id, time_entries.hours AS hours").
		Joins("JOIN session_members ON session_members.session_id = tasks.session_id AND session_members.user_id = tasks.user_id").
		Joins("LEFT JOIN time_entries ON time_entries.task_id = tasks.id").
		Where("tasks.session_id = ?", sessionID).
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("ranking: session totals: %w", err)
	}

	m := make(map[string]decimal.Decimal)
	for _, r := range rows {
		h := m[r.UserID]
		if r.Hours != nil {
			h = h.Add(decimal.NewFromFloat(*r.Hours))
		}
		m[r.UserID] = h
	}
	return totalsOf(m), nil
}

// RoomTotals sums, per user, the session totals of every ended session in the room.
func RoomTotals(tx *gorm.DB, roomID string, now time.Time) ([]Total, error) {
	var sessions []domain.Session
	if err := tx.Where("room_id = ?", roomID).Find(&sessions).Error; err != nil {
		return nil, fmt.Errorf("ranking: room sessions: %w", err)
	}

	m := make(map[string]decimal.Decimal)
	for _, s := range sessions {
		if s.State(now) != domain.SessionEnded {
			continue
		}

		totals, err := SessionTotals(tx, s.ID)
		if err != nil {
			return nil, err
		}
		merge(m, totals)
	}
	return totalsOf(m), nil
}

// RecomputeSession rebuilds the session leaderboard. An empty result performs no writes.
func (e *Engine) RecomputeSession(tx *gorm.DB, sessionID string) (*domain.Leaderboard, error) {
	defer observe(domain.ScopeSession, time.Now())

	totals, err := SessionTotals(tx, sessionID)
	if err != nil {
		return nil, err
	}

	lb := &domain.Leaderboard{
		Scope:   domain.ScopeSession,
		ScopeID: sessionID,
		Entries: Rank(totals),
	}
	if len(lb.Entries) == 0 {
		return lb, nil
	}

	rows := make([]domain.SessionRanking, 0, len(lb.Entries))
	users := make([]string, 0, len(lb.Entries))
	for _, en := range lb.Entries {
		rows = append(rows, domain.SessionRanking{
			SessionID:  sessionID,
			UserID:     en.UserID,
			Rank:       en.Rank,
			TotalHours: en.Hours,
		})
		users = append(users, en.UserID)
	}

	if err := upsert(tx, &rows, "session_id"); err != nil {
		return nil, fmt.Errorf("ranking: save session rankings: %w", err)
	}

	if err := tx.Where("session_id = ? AND user_id NOT IN ?", sessionID, users).
		Delete(&domain.SessionRanking{}).Error; err != nil {
		return nil, fmt.Errorf("ranking: prune session rankings: %w", err)
	}

	return lb, nil
}

// RecomputeRoom rebuilds the room leaderboard from its ended sessions. An empty result performs
// no writes.
func (e *Engine) RecomputeRoom(tx *gorm.DB, roomID string) (*domain.Leaderboard, error) {
	defer observe(domain.ScopeRoom, time.Now())

	totals, err := RoomTotals(tx, roomID, e.now())
	if err != nil {
		return nil, err
	}

	lb := &domain.Leaderboard{
		Scope:   domain.ScopeRoom,
		ScopeID: roomID,
		Entries: Rank(totals),
	}
	if len(lb.Entries) == 0 {
		return lb, nil
	}

	rows := make([]domain.RoomRanking, 0, len(lb.Entries))
	users := make([]string, 0, len(lb.Entries))
	for _, en := range lb.Entries {
		rows = append(rows, domain.RoomRanking{
			RoomID:     roomID,
			UserID:     en.UserID,
			Rank:       en.Rank,
			TotalHours: en.Hours,
		})
		users = append(users, en.UserID)
	}

	if err := upsert(tx, &rows, "room_id"); err != nil {
		return nil, fmt.Errorf("ranking: save room rankings: %w", err)
	}

	if err := tx.Where("room_id = ? AND user_id NOT IN ?", roomID, users).
		Delete(&domain.RoomRanking{}).Error; err != nil {
		return nil, fmt.Errorf("ranking: prune room rankings: %w", err)
	}

	return lb, nil
}

func upsert(tx *gorm.DB, rows any, scopeColumn string) error {
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: scopeColumn}, {Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"rank", "total_hours"}),
	}).Create(rows).Error
}

// ForgetSessionUser drops a user's session ranking row. Callers recompute right after.
func ForgetSessionUser(tx *gorm.DB, sessionID, userID string) error {
	return tx.Where("session_id = ? AND user_id = ?", sessionID, userID).
		Delete(&domain.SessionRanking{}).Error
}

// ForgetRoomUser drops a user's room ranking row. Callers recompute right after.
func ForgetRoomUser(tx *gorm.DB, roomID, userID string) error {
	return tx.Where("room_id = ? AND user_id = ?", roomID, userID).
		Delete(&domain.RoomRanking{}).Error
}

// ForgetSession drops every ranking row of the session. Callers use it when a recompute comes
// back empty, since the engine does not write in that case.
func ForgetSession(tx *gorm.DB, sessionID string) error {
	return tx.Where("session_id = ?", sessionID).Delete(&domain.SessionRanking{}).Error
}

// ForgetRoom drops every ranking row of the room.
func ForgetRoom(tx *gorm.DB, roomID string) error {
	return tx.Where("room_id = ?", roomID).Delete(&domain.RoomRanking{}).Error
}

// SessionStandings returns the stored session leaderboard ordered by rank.
func SessionStandings(tx *gorm.DB, sessionID string) ([]domain.SessionRanking, error) {
	var rs []domain.SessionRanking
	err := tx.Where("session_id = ?", sessionID).Order("rank ASC").Find(&rs).Error
	return rs, err
}

// RoomStandings returns the stored room leaderboard ordered by rank.
func RoomStandings(tx *gorm.DB, roomID string) ([]domain.RoomRanking, error) {
	var rs []domain.RoomRanking
	err := tx.Where("room_id = ?", roomID).Order("rank ASC").Find(&rs).Error
	return rs, err
}
