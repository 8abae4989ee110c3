package room

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/victornm/studyroom/internal/domain"
	"github.com/victornm/studyroom/internal/errors"
	"github.com/victornm/studyroom/internal/event"
	"github.com/victornm/studyroom/internal/ranking"
	"github.com/victornm/studyroom/internal/session"
	"github.com/victornm/studyroom/internal/storage"
)

const maxNameLength = 100

// Hasher turns room secrets into one-way hashes and checks candidates against them.
type Hasher interface {
	Hash(plain string) (string, error)
	Verify(hash, plain string) bool
}

type Config struct {
	DB       *gorm.DB
	EventBus event.Publisher
	Hasher   Hasher
	Ranking  *ranking.Engine
	Sessions *session.Service
	// Now defaults to time.Now.
	Now func() time.Time
}

type Service struct {
	db       *gorm.DB
	eb       event.Publisher
	hasher   Hasher
	rk       *ranking.Engine
	sessions *session.Service
	now      func() time.Time
}

func NewService(c Config) *Service {
	now := c.Now
	if now == nil {
		now = time.Now
	}

	return &Service{
		db:       c.DB,
		eb:       c.EventBus,
		hasher:   c.Hasher,
		rk:       c.Ranking,
		sessions: c.Sessions,
		now:      func() time.Time { return now().UTC() },
	}
}

// CreateRoomRequest represents a request to create a room.
type CreateRoomRequest struct {
	// AdminID is the creator; it becomes the admin and first member.
	AdminID     string
	Name        string
	Description string
	// Secret is the plaintext secret. Nil or empty leaves the room open.
	Secret *string
}

func (s *Service) CreateRoom(ctx context.Context, req CreateRoomRequest) (*domain.Room, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, errors.Validation("room name is required")
	}
	if len(name) > maxNameLength {
		return nil, errors.Validation("room name must be at most %d characters", maxNameLength)
	}
	if req.AdminID == "" {
		return nil, errors.Validation("room admin is required")
	}

	hash, err := s.hash(req.Secret)
	if err != nil {
		return nil, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate room ID: %w", err)
	}

	r := &domain.Room{
		ID:          id.String(),
		Name:        name,
		Description: req.Description,
		AdminID:     req.AdminID,
		SecretHash:  hash,
	}

	err = storage.Tx(ctx, s.db, func(tx *gorm.DB) error {
		taken, err := storage.Exists(tx, &domain.Room{}, "name = ?", name)
		if err != nil {
			return fmt.Errorf("check room name: %w", err)
		}
		if taken {
			return errors.Validation("room name %q is already taken", name)
		}

		if err := tx.Create(r).Error; err != nil {
			return storage.Translate(err, "room")
		}

		return tx.Create(&domain.RoomMember{RoomID: r.ID, UserID: r.AdminID, JoinedAt: s.now()}).Error
	})
	if err != nil {
		return nil, err
	}

	return r, nil
}

// CheckSecret reports whether candidate opens the room. Rooms without a secret accept anything.
func (s *Service) CheckSecret(ctx context.Context, roomID, candidate string) (bool, error) {
	r, err := s.GetRoom(ctx, roomID)
	if err != nil {
		return false, err
	}
	return s.checkSecret(r, candidate), nil
}

type JoinRoomRequest struct {
	RoomID string
	UserID string
	Secret string
}

// JoinRoom adds the user to the room. Joining twice is a no-op and emits no event.
func (s *Service) JoinRoom(ctx context.Context, req JoinRoomRequest) (*domain.Room, error) {
	if req.UserID == "" {
		return nil, errors.Validation("user is required")
	}

	var (
		batch event.Batch
		r     domain.Room
	)

	err := storage.Tx(ctx, s.db, func(tx *gorm.DB) error {
		batch.Reset()

		if err := storage.Lock(tx, &r, req.RoomID, "room"); err != nil {
			return err
		}

		member, err := s.isMember(tx, r.ID, req.UserID)
		if err != nil {
			return err
		}
		if member {
			return nil
		}

		if !s.checkSecret(&r, req.Secret) {
			return errors.PermissionDenied("wrong room secret")
		}

		if err := tx.Create(&domain.RoomMember{RoomID: r.ID, UserID: req.UserID, JoinedAt: s.now()}).Error; err != nil {
			return storage.Translate(err, "room member")
		}

		batch.Add(s.activity(domain.EventNameRoomJoined, r.ID, req.UserID, ""))
		return nil
	})
	if err != nil {
		return nil, err
	}

	batch.PublishTo(ctx, s.eb)
	return &r, nil
}

// RemoveMemberRequest asks the admin ActorID to remove UserID from the room.
type RemoveMemberRequest struct {
	ActorID string
	RoomID  string
	UserID  string
}

// RemoveMember kicks a member out of the room and every session of the room they joined.
// The admin can never be removed; transfer the admin role first.
func (s *Service) RemoveMember(ctx context.Context, req RemoveMemberRequest) error {
	var batch event.Batch

	err := storage.Tx(ctx, s.db, func(tx *gorm.DB) error {
		batch.Reset()

		var r domain.Room
		if err := storage.Lock(tx, &r, req.RoomID, "room"); err != nil {
			return err
		}

		if req.ActorID != r.AdminID {
			return errors.PermissionDenied("only the room admin can remove members")
		}

		if err := s.removeMember(tx, &batch, &r, req.UserID); err != nil {
			return err
		}

		batch.Add(s.activity(domain.EventNameRoomKicked, r.ID, req.ActorID, req.UserID))
		return nil
	})
	if err != nil {
		return err
	}

	batch.PublishTo(ctx, s.eb)
	return nil
}

type LeaveRoomRequest struct {
	RoomID string
	UserID string
}

// LeaveRoom removes the user from the room with the same cascade as RemoveMember.
func (s *Service) LeaveRoom(ctx context.Context, req LeaveRoomRequest) error {
	var batch event.Batch

	err := storage.Tx(ctx, s.db, func(tx *gorm.DB) error {
		batch.Reset()

		var r domain.Room
		if err := storage.Lock(tx, &r, req.RoomID, "room"); err != nil {
			return err
		}

		if err := s.removeMember(tx, &batch, &r, req.UserID); err != nil {
			return err
		}

		batch.Add(s.activity(domain.EventNameRoomLeft, r.ID, req.UserID, ""))
		return nil
	})
	if err != nil {
		return err
	}

	batch.PublishTo(ctx, s.eb)
	return nil
}

type TransferAdminRequest struct {
	ActorID    string
	RoomID     string
	NewAdminID string
}

// TransferAdmin hands the admin role to another member, who also joins the active session if any.
func (s *Service) TransferAdmin(ctx context.Context, req TransferAdminRequest) (*domain.Room, error) {
	var (
		batch event.Batch
		r     domain.Room
	)

	err := storage.Tx(ctx, s.db, func(tx *gorm.DB) error {
		batch.Reset()

		if err := storage.Lock(tx, &r, req.RoomID, "room"); err != nil {
			return err
		}

		if req.ActorID != r.AdminID {
			return errors.PermissionDenied("only the room admin can transfer the admin role")
		}

		member, err := s.isMember(tx, r.ID, req.NewAdminID)
		if err != nil {
			return err
		}
		if !member {
			return errors.InvalidOperation("user %q is not a member of the room", req.NewAdminID)
		}

		if req.NewAdminID == r.AdminID {
			return nil
		}

		if err := tx.Model(&r).Update("admin_id", req.NewAdminID).Error; err != nil {
			return fmt.Errorf("update room admin: %w", err)
		}
		r.AdminID = req.NewAdminID

		active, err := s.sessions.ActiveTx(tx, r.ID)
		if err != nil {
			return err
		}
		if active != nil {
			if _, err := s.sessions.AddMemberTx(tx, &batch, active, req.NewAdminID, req.ActorID); err != nil {
				return err
			}
		}

		batch.Add(s.activity(domain.EventNameRoomAdminTransferred, r.ID, req.ActorID, req.NewAdminID))
		return nil
	})
	if err != nil {
		return nil, err
	}

	batch.PublishTo(ctx, s.eb)
	return &r, nil
}

// SetSecretRequest replaces the room secret. Secret is always plaintext; nil or empty clears it.
type SetSecretRequest struct {
	ActorID string
	RoomID  string
	Secret  *string
}

func (s *Service) SetSecret(ctx context.Context, req SetSecretRequest) error {
	hash, err := s.hash(req.Secret)
	if err != nil {
		return err
	}

	return storage.Tx(ctx, s.db, func(tx *gorm.DB) error {
		var r domain.Room
		if err := storage.Lock(tx, &r, req.RoomID, "room"); err != nil {
			return err
		}

		if req.ActorID != r.AdminID {
			return errors.PermissionDenied("only the room admin can change the secret")
		}

		return tx.Model(&r).Update("secret_hash", hash).Error
	})
}

type DeleteRoomRequest struct {
	ActorID string
	RoomID  string
}

// DeleteRoom removes the room and everything it owns.
func (s *Service) DeleteRoom(ctx context.Context, req DeleteRoomRequest) error {
	var batch event.Batch

	err := storage.Tx(ctx, s.db, func(tx *gorm.DB) error {
		batch.Reset()

		var r domain.Room
		if err := storage.Lock(tx, &r, req.RoomID, "room"); err != nil {
			return err
		}

		if req.ActorID != r.AdminID {
			return errors.PermissionDenied("only the room admin can delete the room")
		}

		var sessions []domain.Session
		if err := tx.Where("room_id = ?", r.ID).Find(&sessions).Error; err != nil {
			return fmt.Errorf("list sessions: %w", err)
		}
		for i := range sessions {
			if err := s.sessions.DeleteTx(tx, &batch, &sessions[i]); err != nil {
				return err
			}
		}

		for _, m := range []any{&domain.RoomRanking{}, &domain.Notice{}, &domain.RoomMember{}} {
			if err := tx.Where("room_id = ?", r.ID).Delete(m).Error; err != nil {
				return fmt.Errorf("delete %T: %w", m, err)
			}
		}

		if err := tx.Delete(&r).Error; err != nil {
			return fmt.Errorf("delete room: %w", err)
		}

		batch.Add(domain.LeaderboardUpdated(domain.Leaderboard{
			Scope:   domain.ScopeRoom,
			ScopeID: r.ID,
		}))
		return nil
	})
	if err != nil {
		return err
	}

	batch.PublishTo(ctx, s.eb)
	return nil
}

func (s *Service) GetRoom(ctx context.Context, id string) (*domain.Room, error) {
	var r domain.Room
	if err := storage.Get(s.db.WithContext(ctx), &r, id, "room"); err != nil {
		return nil, err
	}
	return &r, nil
}

// ListRooms returns every room ordered by name.
func (s *Service) ListRooms(ctx context.Context) ([]domain.Room, error) {
	var rooms []domain.Room
	if err := s.db.WithContext(ctx).Order("name ASC").Find(&rooms).Error; err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	return rooms, nil
}

// Members returns the user IDs of the room members in join order.
func (s *Service) Members(ctx context.Context, id string) ([]string, error) {
	if _, err := s.GetRoom(ctx, id); err != nil {
		return nil, err
	}

	var users []string
	err := s.db.WithContext(ctx).Model(&domain.RoomMember{}).
		Where("room_id = ?", id).
		Order("joined_at ASC, user_id ASC").
		Pluck("user_id", &users).Error
	if err != nil {
		return nil, fmt.Errorf("list room members: %w", err)
	}
	return users, nil
}

func (s *Service) IsMember(ctx context.Context, roomID, userID string) (bool, error) {
	return s.isMember(s.db.WithContext(ctx), roomID, userID)
}

// CurrentRankings returns the stored room leaderboard ordered by rank.
func (s *Service) CurrentRankings(ctx context.Context, id string) ([]domain.RoomRanking, error) {
	if _, err := s.GetRoom(ctx, id); err != nil {
		return nil, err
	}

	rs, err := ranking.RoomStandings(s.db.WithContext(ctx), id)
	if err != nil {
		return nil, fmt.Errorf("room rankings: %w", err)
	}
	return rs, nil
}

// removeMember drops the user from every session of the room they joined, then from the room,
// and re-ranks the room so no gap is left behind.
func (s *Service) removeMember(tx *gorm.DB, batch *event.Batch, r *domain.Room, userID string) error {
	if userID == r.AdminID {
		return errors.InvalidOperation("the room admin cannot be removed; transfer the admin role first")
	}

	member, err := s.isMember(tx, r.ID, userID)
	if err != nil {
		return err
	}
	if !member {
		return errors.InvalidOperation("user %q is not a member of the room", userID)
	}

	var sessions []domain.Session
	err = tx.Where("room_id = ? AND id IN (?)", r.ID,
		tx.Model(&domain.SessionMember{}).Select("session_id").Where("user_id = ?", userID)).
		Find(&sessions).Error
	if err != nil {
		return fmt.Errorf("list user sessions: %w", err)
	}

	for i := range sessions {
		if err := s.sessions.RemoveMemberTx(tx, batch, r, &sessions[i], userID); err != nil {
			return err
		}
	}

	if err := tx.Where("room_id = ? AND user_id = ?", r.ID, userID).Delete(&domain.RoomMember{}).Error; err != nil {
		return fmt.Errorf("delete room member: %w", err)
	}

	if err := ranking.ForgetRoomUser(tx, r.ID, userID); err != nil {
		return fmt.Errorf("delete room ranking: %w", err)
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
}

func (s *Service) isMember(tx *gorm.DB, roomID, userID string) (bool, error) {
	ok, err := storage.Exists(tx, &domain.RoomMember{}, "room_id = ? AND user_id = ?", roomID, userID)
	if err != nil {
		return false, fmt.Errorf("check room membership: %w", err)
	}
	return ok, nil
}

func (s *Service) checkSecret(r *domain.Room, candidate string) bool {
	if !r.Locked() {
		return true
	}
	return s.hasher.Verify(r.SecretHash, candidate)
}

func (s *Service) hash(secret *string) (string, error) {
	if secret == nil || *secret == "" {
		return "", nil
	}

	h, err := s.hasher.Hash(*secret)
	if err != nil {
		return "", fmt.Errorf("hash room secret: %w", err)
	}
	return h, nil
}

func (s *Service) activity(kind, roomID, actorID, userID string) domain.EventActivity {
	return domain.EventActivity{
		Kind:    kind,
		ActorID: actorID,
		RoomID:  roomID,
		UserID:  userID,
		At:      s.now(),
	}
}
