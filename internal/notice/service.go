package notice

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"gorm.io/gorm"

	"github.com/victornm/studyroom/internal/domain"
	"github.com/victornm/studyroom/internal/errors"
	"github.com/victornm/studyroom/internal/event"
	"github.com/victornm/studyroom/internal/storage"
)

const (
	subscriberName = "notice"

	// KindPost marks notices written by members rather than raised by activity.
	KindPost = "post"

	maxTitleLength = 255
)

var recordedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "studyroom",
	Subsystem: "notice",
	Name:      "recorded_total",
	Help:      "number of notices stored, by kind",
}, []string{"kind"})

type Config struct {
	DB       *gorm.DB
	EventBus *event.Bus
	// Now defaults to time.Now.
	Now func() time.Time
}

// Service stores the activity feed of rooms.
type Service struct {
	db  *gorm.DB
	now func() time.Time
}

func NewService(c Config) *Service {
	now := c.Now
	if now == nil {
		now = time.Now
	}

	s := &Service{
		db:  c.DB,
		now: func() time.Time { return now().UTC() },
	}

	for _, name := range domain.ActivityEvents {
		c.EventBus.Subscribe(name, subscriberName, func(ctx context.Context, e event.Event) error {
			return s.Record(ctx, e.(domain.EventActivity))
		})
	}

	return s
}

// Record stores one notice for an activity event. Events of rooms deleted in the meantime are dropped.
func (s *Service) Record(ctx context.Context, e domain.EventActivity) error {
	db := s.db.WithContext(ctx)

	ok, err := storage.Exists(db, &domain.Room{}, "id = ?", e.RoomID)
	if err != nil {
		return fmt.Errorf("check room: %w", err)
	}
	if !ok {
		slog.DebugContext(ctx, "notice: room is gone, dropping event", "event", e.Kind, "room", e.RoomID)
		return nil
	}

	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generate notice ID: %w", err)
	}

	at := e.At
	if at.IsZero() {
		at = s.now()
	}

	n := &domain.Notice{
		ID:        id.String(),
		RoomID:    e.RoomID,
		Kind:      e.Kind,
		ActorID:   e.ActorID,
		SessionID: e.SessionID,
		UserID:    e.UserID,
		TaskID:    e.TaskID,
		Title:     Title(e),
		CreatedAt: at,
	}
	if err := db.Create(n).Error; err != nil {
		return fmt.Errorf("insert notice: %w", err)
	}

	recordedTotal.WithLabelValues(e.Kind).Inc()
	return nil
}

// Title returns a short human readable line for an activity event.
func Title(e domain.EventActivity) string {
	subject := e.UserID
	if subject == "" {
		subject = e.ActorID
	}

	switch e.Kind {
	case domain.EventNameRoomJoined:
		return subject + " joined the room"
	case domain.EventNameRoomLeft:
		return subject + " left the room"
	case domain.EventNameRoomKicked:
		return subject + " was removed from the room"
	case domain.EventNameRoomAdminTransferred:
		return subject + " is the new admin"
	case domain.EventNameSessionCreated:
		return "a new session was created"
	case domain.EventNameSessionJoined:
		return subject + " joined the session"
	case domain.EventNameSessionLeft:
		return subject + " left the session"
	case domain.EventNameSessionKicked:
		return subject + " was removed from the session"
	case domain.EventNameSessionStarted:
		return "the session started"
	case domain.EventNameSessionEnded:
		return "the session ended"
	case domain.EventNameTaskCreated:
		return subject + " added a task"
	case domain.EventNameTaskCompleted:
		return subject + " completed a task"
	}
	return e.Kind
}

type PostRequest struct {
	ActorID string
	RoomID  string
	Title   string
	Content string
}

// Post publishes a notice written by a room member.
func (s *Service) Post(ctx context.Context, req PostRequest) (*domain.Notice, error) {
	title := strings.TrimSpace(req.Title)
	if title == "" {
		return nil, errors.Validation("notice title is required")
	}
	if len(title) > maxTitleLength {
		return nil, errors.Validation("notice title must be at most %d characters", maxTitleLength)
	}

	db := s.db.WithContext(ctx)

	var r domain.Room
	if err := storage.Get(db, &r, req.RoomID, "room"); err != nil {
		return nil, err
	}

	member, err := storage.Exists(db, &domain.RoomMember{}, "room_id = ? AND user_id = ?", r.ID, req.ActorID)
	if err != nil {
		return nil, fmt.Errorf("check room membership: %w", err)
	}
	if !member {
		return nil, errors.PermissionDenied("only room members can post notices")
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate notice ID: %w", err)
	}

	n := &domain.Notice{
		ID:        id.String(),
		RoomID:    r.ID,
		Kind:      KindPost,
		AuthorID:  req.ActorID,
		ActorID:   req.ActorID,
		Title:     title,
		Content:   req.Content,
		CreatedAt: s.now(),
	}
	if err := db.Create(n).Error; err != nil {
		return nil, fmt.Errorf("insert notice: %w", err)
	}

	recordedTotal.WithLabelValues(KindPost).Inc()
	return n, nil
}

type TogglePinRequest struct {
	ActorID  string
	NoticeID string
}

// TogglePin pins or unpins a notice. Only the room admin may do it.
func (s *Service) TogglePin(ctx context.Context, req TogglePinRequest) (*domain.Notice, error) {
	var n domain.Notice

	err := storage.Tx(ctx, s.db, func(tx *gorm.DB) error {
		if err := storage.Lock(tx, &n, req.NoticeID, "notice"); err != nil {
			return err
		}

		var r domain.Room
		if err := storage.Get(tx, &r, n.RoomID, "room"); err != nil {
			return err
		}

		if req.ActorID != r.AdminID {
			return errors.PermissionDenied("only the room admin can pin notices")
		}

		n.Pinned = !n.Pinned
		return tx.Model(&n).Update("pinned", n.Pinned).Error
	})
	if err != nil {
		return nil, err
	}

	return &n, nil
}

type DeleteRequest struct {
	ActorID  string
	NoticeID string
}

// Delete removes a notice. Only its author may do it; activity notices have no author.
func (s *Service) Delete(ctx context.Context, req DeleteRequest) error {
	db := s.db.WithContext(ctx)

	var n domain.Notice
	if err := storage.Get(db, &n, req.NoticeID, "notice"); err != nil {
		return err
	}

	if n.AuthorID == "" || n.AuthorID != req.ActorID {
		return errors.PermissionDenied("only the author can delete a notice")
	}

	return db.Delete(&n).Error
}

// List returns the notices of a room, pinned ones first, then newest first.
func (s *Service) List(ctx context.Context, roomID string) ([]domain.Notice, error) {
	var notices []domain.Notice
	err := s.db.WithContext(ctx).
		Where("room_id = ?", roomID).
		Order("pinned DESC, created_at DESC, id DESC").
		Find(&notices).Error
	if err != nil {
		return nil, fmt.Errorf("list notices: %w", err)
	}
	return notices, nil
}
