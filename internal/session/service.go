package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/victornm/studyroom/internal/domain"
	"github.com/victornm/studyroom/internal/errors"
	"github.com/victornm/studyroom/internal/event"
	"github.com/victornm/studyroom/internal/ranking"
	"github.com/victornm/studyroom/internal/storage"
)

const maxNameLength = 100

type Config struct {
	DB       *gorm.DB
	EventBus event.Publisher
	Ranking  *ranking.Engine
	// Now defaults to time.Now.
	Now func() time.Time
}

type Service struct {
	db  *gorm.DB
	eb  event.Publisher
	rk  *ranking.Engine
	now func() time.Time
}

func NewService(c Config) *Service {
	now := c.Now
	if now == nil {
		now = time.Now
	}

	return &Service{
		db:  c.DB,
		eb:  c.EventBus,
		rk:  c.Ranking,
		now: func() time.Time { return now().UTC() },
	}
}

// CreateSessionRequest represents a request to create a new session in a room.
type CreateSessionRequest struct {
	// ActorID, when set, must be the room admin.
	ActorID     string
	RoomID      string
	Name        string
	Description string
	StartedAt   *time.Time
	FinishedAt  *time.Time
}

// CreateSession creates a session and joins the room admin to it.
// It fails if the name is taken in the room or another session of the room is still active.
func (s *Service) CreateSession(ctx context.Context, req CreateSessionRequest) (*domain.Session, error) {
	name := strings.TrimSpace(req.Name)
	if err := validateName(name); err != nil {
		return nil, err
	}

	if err := validateDates(req.StartedAt, req.FinishedAt); err != nil {
		return nil, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate session ID: %w", err)
	}

	var (
		batch event.Batch
		ss    = &domain.Session{
			ID:          id.String(),
			RoomID:      req.RoomID,
			Name:        name,
			Description: req.Description,
			StartedAt:   utc(req.StartedAt),
			FinishedAt:  utc(req.FinishedAt),
		}
	)

	err = storage.Tx(ctx, s.db, func(tx *gorm.DB) error {
		batch.Reset()

		var r domain.Room
		if err := storage.Lock(tx, &r, req.RoomID, "room"); err != nil {
			return err
		}

		if req.ActorID != "" && req.ActorID != r.AdminID {
			return errors.PermissionDenied("only the room admin can create sessions")
		}

		if err := s.checkNameFree(tx, ss); err != nil {
			return err
		}

		active, err := s.ActiveTx(tx, r.ID)
		if err != nil {
			return err
		}
		if active != nil {
			return errors.Validation("room already has an active session %q", active.Name)
		}

		if err := tx.Create(ss).Error; err != nil {
			return storage.Translate(err, "session")
		}

		if _, err := s.AddMemberTx(tx, &batch, ss, r.AdminID, r.AdminID); err != nil {
			return err
		}

		batch.Add(s.activity(domain.EventNameSessionCreated, ss, r.AdminID, ""))
		return nil
	})
	if err != nil {
		return nil, err
	}

	batch.PublishTo(ctx, s.eb)
	return ss, nil
}

type StartSessionRequest struct {
	ActorID   string
	SessionID string
}

// StartSession marks the session as started now. Starting a started session is a no-op.
func (s *Service) StartSession(ctx context.Context, req StartSessionRequest) (*domain.Session, error) {
	var (
		batch event.Batch
		ss    *domain.Session
	)

	err := storage.Tx(ctx, s.db, func(tx *gorm.DB) error {
		batch.Reset()

		r, locked, err := s.lock(tx, req.SessionID)
		if err != nil {
			return err
		}
		ss = locked

		if req.ActorID != r.AdminID {
			return errors.PermissionDenied("only the room admin can start a session")
		}

		now := s.now()
		switch ss.State(now) {
		case domain.SessionEnded:
			return errors.InvalidOperation("session %q has already ended", ss.Name)
		case domain.SessionActive:
			return nil
		}

		ss.StartedAt = &now
		if err := tx.Model(ss).Update("started_at", now).Error; err != nil {
			return fmt.Errorf("start session: %w", err)
		}

		if err := s.recompute(tx, &batch, ss); err != nil {
			return err
		}

		batch.Add(s.activity(domain.EventNameSessionStarted, ss, req.ActorID, ""))
		return nil
	})
	if err != nil {
		return nil, err
	}

	batch.PublishTo(ctx, s.eb)
	return ss, nil
}

type EndSessionRequest struct {
	ActorID   string
	SessionID string
}

// EndSession finishes the session now, completes every open task and folds the session hours into
// the room leaderboard. Ending a session that never started or already ended is a no-op.
func (s *Service) EndSession(ctx context.Context, req EndSessionRequest) (*domain.Session, error) {
	var (
		batch event.Batch
		ss    *domain.Session
	)

	err := storage.Tx(ctx, s.db, func(tx *gorm.DB) error {
		batch.Reset()

		r, locked, err := s.lock(tx, req.SessionID)
		if err != nil {
			return err
		}
		ss = locked

		if req.ActorID != r.AdminID {
			return errors.PermissionDenied("only the room admin can end a session")
		}

		now := s.now()
		if ss.State(now) != domain.SessionActive {
			return nil
		}

		ss.FinishedAt = &now
		if err := tx.Model(ss).Update("finished_at", now).Error; err != nil {
			return fmt.Errorf("end session: %w", err)
		}

		res := tx.Model(&domain.Task{}).
			Where("session_id = ? AND completed = ?", ss.ID, false).
			Updates(map[string]any{"completed": true, "completed_on": now})
		if res.Error != nil {
			return fmt.Errorf("complete open tasks: %w", res.Error)
		}
		if res.RowsAffected > 0 {
			slog.DebugContext(ctx, "session: completed open tasks", "session", ss.ID, "count", res.RowsAffected)
		}

		if err := s.recompute(tx, &batch, ss); err != nil {
			return err
		}

		batch.Add(s.activity(domain.EventNameSessionEnded, ss, req.ActorID, ""))
		return nil
	})
	if err != nil {
		return nil, err
	}

	batch.PublishTo(ctx, s.eb)
	return ss, nil
}

// UpdateSessionRequest changes the descriptive fields of a session. Nil fields are left unchanged.
type UpdateSessionRequest struct {
	ActorID     string
	SessionID   string
	Name        *string
	Description *string
}

func (s *Service) UpdateSession(ctx context.Context, req UpdateSessionRequest) (*domain.Session, error) {
	var (
		batch event.Batch
		ss    *domain.Session
	)

	err := storage.Tx(ctx, s.db, func(tx *gorm.DB) error {
		batch.Reset()

		r, locked, err := s.lock(tx, req.SessionID)
		if err != nil {
			return err
		}
		ss = locked

		if req.ActorID != r.AdminID {
			return errors.PermissionDenied("only the room admin can update a session")
		}

		if req.Name != nil {
			ss.Name = strings.TrimSpace(*req.Name)
			if err := validateName(ss.Name); err != nil {
				return err
			}
		}
		if req.Description != nil {
			ss.Description = *req.Description
		}

		if err := s.validate(tx, ss); err != nil {
			return err
		}

		err = tx.Model(ss).Select("name", "description").Updates(ss).Error
		if err != nil {
			return storage.Translate(err, "session")
		}

		return s.recompute(tx, &batch, ss)
	})
	if err != nil {
		return nil, err
	}

	batch.PublishTo(ctx, s.eb)
	return ss, nil
}

type JoinSessionRequest struct {
	SessionID string
	UserID    string
}

// JoinSession adds a room member to the session. Joining twice is a no-op.
func (s *Service) JoinSession(ctx context.Context, req JoinSessionRequest) (*domain.Session, error) {
	var (
		batch event.Batch
		ss    *domain.Session
	)

	err := storage.Tx(ctx, s.db, func(tx *gorm.DB) error {
		batch.Reset()

		_, locked, err := s.lock(tx, req.SessionID)
		if err != nil {
			return err
		}
		ss = locked

		_, err = s.AddMemberTx(tx, &batch, ss, req.UserID, req.UserID)
		return err
	})
	if err != nil {
		return nil, err
	}

	batch.PublishTo(ctx, s.eb)
	return ss, nil
}

// RemoveMemberRequest removes UserID from a session. ActorID must be the room admin or the user.
type RemoveMemberRequest struct {
	ActorID   string
	SessionID string
	UserID    string
}

func (s *Service) RemoveMember(ctx context.Context, req RemoveMemberRequest) error {
	var batch event.Batch

	err := storage.Tx(ctx, s.db, func(tx *gorm.DB) error {
		batch.Reset()

		r, ss, err := s.lock(tx, req.SessionID)
		if err != nil {
			return err
		}

		if req.ActorID != r.AdminID && req.ActorID != req.UserID {
			return errors.PermissionDenied("only the room admin can remove other members")
		}

		if err := s.RemoveMemberTx(tx, &batch, r, ss, req.UserID); err != nil {
			return err
		}

		kind := domain.EventNameSessionKicked
		if req.ActorID == req.UserID {
			kind = domain.EventNameSessionLeft
		}
		batch.Add(s.activity(kind, ss, req.ActorID, req.UserID))
		return nil
	})
	if err != nil {
		return err
	}

	batch.PublishTo(ctx, s.eb)
	return nil
}

type LeaveSessionRequest struct {
	SessionID string
	UserID    string
}

func (s *Service) LeaveSession(ctx context.Context, req LeaveSessionRequest) error {
	return s.RemoveMember(ctx, RemoveMemberRequest{
		ActorID:   req.UserID,
		SessionID: req.SessionID,
		UserID:    req.UserID,
	})
}

type DeleteSessionRequest struct {
	ActorID   string
	SessionID string
}

// DeleteSession removes the session with its tasks, entries and rankings, then re-ranks the room.
func (s *Service) DeleteSession(ctx context.Context, req DeleteSessionRequest) error {
	var batch event.Batch

	err := storage.Tx(ctx, s.db, func(tx *gorm.DB) error {
		batch.Reset()

		r, ss, err := s.lock(tx, req.SessionID)
		if err != nil {
			return err
		}

		if req.ActorID != r.AdminID {
			return errors.PermissionDenied("only the room admin can delete a session")
		}

		if err := s.DeleteTx(tx, &batch, ss); err != nil {
			return err
		}

		lb, err := s.rk.RecomputeRoom(tx, r.ID)
		if err != nil {
			return err
		}
		if len(lb.Entries) == 0 {
			if err := ranking.ForgetRoom(tx, r.ID); err != nil {
				return fmt.Errorf("delete room rankings: %w", err)
			}
		}
		batch.Add(domain.LeaderboardUpdated(*lb))
		return nil
	})
	if err != nil {
		return err
	}

	batch.PublishTo(ctx, s.eb)
	return nil
}

// ActiveTx returns the active session of the room, or nil when there is none.
func (s *Service) ActiveTx(tx *gorm.DB, roomID string) (*domain.Session, error) {
	var sessions []domain.Session
	if err := tx.Where("room_id = ?", roomID).Order("created_at DESC").Find(&sessions).Error; err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	now := s.now()
	for i := range sessions {
		if sessions[i].IsActive(now) {
			return &sessions[i], nil
		}
	}
	return nil, nil
}

// AddMemberTx joins userID to ss. The user must already be a member of the room.
// It reports whether the membership changed; a join event is added to batch only then.
func (s *Service) AddMemberTx(tx *gorm.DB, batch *event.Batch, ss *domain.Session, userID, actorID string) (bool, error) {
	inRoom, err := storage.Exists(tx, &domain.RoomMember{}, "room_id = ? AND user_id = ?", ss.RoomID, userID)
	if err != nil {
		return false, fmt.Errorf("check room membership: %w", err)
	}
	if !inRoom {
		return false, errors.Validation("user %q is not a member of the room", userID)
	}

	joined, err := storage.Exists(tx, &domain.SessionMember{}, "session_id = ? AND user_id = ?", ss.ID, userID)
	if err != nil {
		return false, fmt.Errorf("check session membership: %w", err)
	}
	if joined {
		return false, nil
	}

	err = tx.Create(&domain.SessionMember{SessionID: ss.ID, UserID: userID, JoinedAt: s.now()}).Error
	if err != nil {
		return false, storage.Translate(err, "session member")
	}

	batch.Add(s.activity(domain.EventNameSessionJoined, ss, actorID, userID))
	return true, nil
}

// RemoveMemberTx drops userID from ss together with their tasks, entries and ranking row, then
// recomputes the session leaderboard, and the room one when the session has ended.
// The room admin can never be removed.
func (s *Service) RemoveMemberTx(tx *gorm.DB, batch *event.Batch, r *domain.Room, ss *domain.Session, userID string) error {
	if userID == r.AdminID {
		return errors.InvalidOperation("the room admin cannot be removed from a session")
	}

	joined, err := storage.Exists(tx, &domain.SessionMember{}, "session_id = ? AND user_id = ?", ss.ID, userID)
	if err != nil {
		return fmt.Errorf("check session membership: %w", err)
	}
	if !joined {
		return errors.InvalidOperation("user %q is not a member of session %q", userID, ss.Name)
	}

	tasks := tx.Model(&domain.Task{}).Select("id").Where("session_id = ? AND user_id = ?", ss.ID, userID)
	if err := tx.Where("task_id IN (?)", tasks).Delete(&domain.TimeEntry{}).Error; err != nil {
		return fmt.Errorf("delete time entries: %w", err)
	}
	if err := tx.Where("session_id = ? AND user_id = ?", ss.ID, userID).Delete(&domain.Task{}).Error; err != nil {
		return fmt.Errorf("delete tasks: %w", err)
	}
	if err := tx.Where("session_id = ? AND user_id = ?", ss.ID, userID).Delete(&domain.SessionMember{}).Error; err != nil {
		return fmt.Errorf("delete session member: %w", err)
	}
	if err := ranking.ForgetSessionUser(tx, ss.ID, userID); err != nil {
		return fmt.Errorf("delete session ranking: %w", err)
	}

	return s.recompute(tx, batch, ss)
}

// DeleteTx removes ss and everything it owns. The room leaderboard is left to the caller.
func (s *Service) DeleteTx(tx *gorm.DB, batch *event.Batch, ss *domain.Session) error {
	tasks := tx.Model(&domain.Task{}).Select("id").Where("session_id = ?", ss.ID)
	if err := tx.Where("task_id IN (?)", tasks).Delete(&domain.TimeEntry{}).Error; err != nil {
		return fmt.Errorf("delete time entries: %w", err)
	}

	for _, m := range []any{&domain.Task{}, &domain.SessionMember{}, &domain.SessionRanking{}} {
		if err := tx.Where("session_id = ?", ss.ID).Delete(m).Error; err != nil {
			return fmt.Errorf("delete %T: %w", m, err)
		}
	}

	if err := tx.Delete(ss).Error; err != nil {
		return fmt.Errorf("delete session: %w", err)
	}

	batch.Add(domain.LeaderboardUpdated(domain.Leaderboard{
		Scope:   domain.ScopeSession,
		ScopeID: ss.ID,
	}))
	return nil
}

func (s *Service) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	var ss domain.Session
	if err := storage.Get(s.db.WithContext(ctx), &ss, id, "session"); err != nil {
		return nil, err
	}
	return &ss, nil
}

// IsActive reports whether the session has not finished yet.
func (s *Service) IsActive(ctx context.Context, id string) (bool, error) {
	ss, err := s.GetSession(ctx, id)
	if err != nil {
		return false, err
	}
	return ss.IsActive(s.now()), nil
}

// ActiveSession returns the active session of the room, or nil when there is none.
func (s *Service) ActiveSession(ctx context.Context, roomID string) (*domain.Session, error) {
	return s.ActiveTx(s.db.WithContext(ctx), roomID)
}

// Members returns the user IDs of the session members in join order.
func (s *Service) Members(ctx context.Context, id string) ([]string, error) {
	if _, err := s.GetSession(ctx, id); err != nil {
		return nil, err
	}

	var users []string
	err := s.db.WithContext(ctx).Model(&domain.SessionMember{}).
		Where("session_id = ?", id).
		Order("joined_at ASC, user_id ASC").
		Pluck("user_id", &users).Error
	if err != nil {
		return nil, fmt.Errorf("list session members: %w", err)
	}
	return users, nil
}

// ListSessions returns the sessions of a room, newest first.
func (s *Service) ListSessions(ctx context.Context, roomID string) ([]domain.Session, error) {
	var sessions []domain.Session
	err := s.db.WithContext(ctx).Where("room_id = ?", roomID).Order("created_at DESC").Find(&sessions).Error
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return sessions, nil
}

// CurrentRankings returns the stored session leaderboard ordered by rank.
func (s *Service) CurrentRankings(ctx context.Context, id string) ([]domain.SessionRanking, error) {
	if _, err := s.GetSession(ctx, id); err != nil {
		return nil, err
	}

	rs, err := ranking.SessionStandings(s.db.WithContext(ctx), id)
	if err != nil {
		return nil, fmt.Errorf("session rankings: %w", err)
	}
	return rs, nil
}

// lock loads the session and locks its room, so lifecycle transitions of a room are serialized.
// The session is read again once the lock is held.
func (s *Service) lock(tx *gorm.DB, sessionID string) (*domain.Room, *domain.Session, error) {
	var ss domain.Session
	if err := storage.Get(tx, &ss, sessionID, "session"); err != nil {
		return nil, nil, err
	}

	var r domain.Room
	if err := storage.Lock(tx, &r, ss.RoomID, "room"); err != nil {
		return nil, nil, err
	}

	if err := storage.Get(tx, &ss, sessionID, "session"); err != nil {
		return nil, nil, err
	}
	return &r, &ss, nil
}

func (s *Service) recompute(tx *gorm.DB, batch *event.Batch, ss *domain.Session) error {
	lb, err := s.rk.RecomputeSession(tx, ss.ID)
	if err != nil {
		return err
	}
	if len(lb.Entries) == 0 {
		if err := ranking.ForgetSession(tx, ss.ID); err != nil {
			return fmt.Errorf("delete session rankings: %w", err)
		}
	}
	batch.Add(domain.LeaderboardUpdated(*lb))

	if ss.State(s.now()) != domain.SessionEnded {
		return nil
	}

	lb, err = s.rk.RecomputeRoom(tx, ss.RoomID)
	if err != nil {
		return err
	}
	if len(lb.Entries) == 0 {
		if err := ranking.ForgetRoom(tx, ss.RoomID); err != nil {
			return fmt.Errorf("delete room rankings: %w", err)
		}
	}
	batch.Add(domain.LeaderboardUpdated(*lb))
	return nil
}

// validate enforces the invariants checked on every save.
func (s *Service) validate(tx *gorm.DB, ss *domain.Session) error {
	if err := s.checkNameFree(tx, ss); err != nil {
		return err
	}

	if err := validateDates(ss.StartedAt, ss.FinishedAt); err != nil {
		return err
	}

	outsiders, err := storage.Exists(tx, &domain.SessionMember{},
		"session_id = ? AND user_id NOT IN (?)", ss.ID,
		tx.Model(&domain.RoomMember{}).Select("user_id").Where("room_id = ?", ss.RoomID))
	if err != nil {
		return fmt.Errorf("check session members: %w", err)
	}
	if outsiders {
		return errors.Validation("every session member must be a member of the room")
	}

	return nil
}

func (s *Service) checkNameFree(tx *gorm.DB, ss *domain.Session) error {
	taken, err := storage.Exists(tx, &domain.Session{}, "room_id = ? AND name = ? AND id <> ?", ss.RoomID, ss.Name, ss.ID)
	if err != nil {
		return fmt.Errorf("check session name: %w", err)
	}
	if taken {
		return errors.Validation("session name %q is already used in this room", ss.Name)
	}
	return nil
}

func (s *Service) activity(kind string, ss *domain.Session, actorID, userID string) domain.EventActivity {
	return domain.EventActivity{
		Kind:      kind,
		ActorID:   actorID,
		RoomID:    ss.RoomID,
		SessionID: ss.ID,
		UserID:    userID,
		At:        s.now(),
	}
}

func validateName(name string) error {
	if name == "" {
		return errors.Validation("session name is required")
	}
	if len(name) > maxNameLength {
		return errors.Validation("session name must be at most %d characters", maxNameLength)
	}
	return nil
}

func validateDates(startedAt, finishedAt *time.Time) error {
	if startedAt != nil && finishedAt != nil && finishedAt.Before(*startedAt) {
		return errors.Validation("session cannot finish before it starts")
	}
	return nil
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
