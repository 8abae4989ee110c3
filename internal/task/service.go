package task

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/victornm/studyroom/internal/domain"
	"github.com/victornm/studyroom/internal/errors"
	"github.com/victornm/studyroom/internal/event"
	"github.com/victornm/studyroom/internal/ranking"
	"github.com/victornm/studyroom/internal/storage"
)

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

type CreateTaskRequest struct {
	SessionID   string
	UserID      string
	Description string
}

// CreateTask adds a task owned by a session member.
func (s *Service) CreateTask(ctx context.Context, req CreateTaskRequest) (*domain.Task, error) {
	desc := strings.TrimSpace(req.Description)
	if desc == "" {
		return nil, errors.Validation("task description is required")
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate task ID: %w", err)
	}

	var (
		batch event.Batch
		t     = &domain.Task{
			ID:          id.String(),
			SessionID:   req.SessionID,
			UserID:      req.UserID,
			Description: desc,
		}
	)

	err = storage.Tx(ctx, s.db, func(tx *gorm.DB) error {
		batch.Reset()

		ss, err := s.lockSession(tx, req.SessionID)
		if err != nil {
			return err
		}

		joined, err := storage.Exists(tx, &domain.SessionMember{}, "session_id = ? AND user_id = ?", ss.ID, req.UserID)
		if err != nil {
			return fmt.Errorf("check session membership: %w", err)
		}
		if !joined {
			return errors.Validation("user %q is not a member of the session", req.UserID)
		}

		if !ss.IsActive(s.now()) {
			return errors.InvalidOperation("session %q has ended", ss.Name)
		}

		if err := tx.Create(t).Error; err != nil {
			return storage.Translate(err, "task")
		}

		if err := s.recompute(tx, &batch, ss); err != nil {
			return err
		}

		batch.Add(s.activity(domain.EventNameTaskCreated, ss, t))
		return nil
	})
	if err != nil {
		return nil, err
	}

	batch.PublishTo(ctx, s.eb)
	return t, nil
}

// AddTimeEntryRequest logs hours against a task.
type AddTimeEntryRequest struct {
	// ActorID, when set, must own the task.
	ActorID string
	TaskID  string
	// Day defaults to today.
	Day   time.Time
	Hours float64
}

// AddTimeEntry appends an entry to the ledger and re-ranks the session.
// Completed tasks accept no more entries.
func (s *Service) AddTimeEntry(ctx context.Context, req AddTimeEntryRequest) (*domain.TimeEntry, error) {
	if math.IsNaN(req.Hours) || math.IsInf(req.Hours, 0) {
		return nil, errors.Validation("hours must be a finite number")
	}
	if req.Hours < 0 {
		return nil, errors.Validation("hours must not be negative")
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate time entry ID: %w", err)
	}

	day := req.Day
	if day.IsZero() {
		day = s.now()
	}

	var (
		batch event.Batch
		te    = &domain.TimeEntry{
			ID:     id.String(),
			TaskID: req.TaskID,
			Day:    domain.Day(day),
			Hours:  req.Hours,
		}
	)

	err = storage.Tx(ctx, s.db, func(tx *gorm.DB) error {
		batch.Reset()

		ss, t, err := s.lockTask(tx, req.TaskID)
		if err != nil {
			return err
		}

		if req.ActorID != "" && req.ActorID != t.UserID {
			return errors.PermissionDenied("only the task owner can log time")
		}

		if t.Completed {
			return errors.InvalidOperation("cannot log time on a completed task")
		}

		if err := tx.Create(te).Error; err != nil {
			return storage.Translate(err, "time entry")
		}

		return s.recompute(tx, &batch, ss)
	})
	if err != nil {
		return nil, err
	}

	batch.PublishTo(ctx, s.eb)
	return te, nil
}

type ToggleCompletionRequest struct {
	ActorID string
	TaskID  string
}

// ToggleCompletion flips the completion flag of a task. Once the session is no longer active the
// task is returned unchanged.
func (s *Service) ToggleCompletion(ctx context.Context, req ToggleCompletionRequest) (*domain.Task, error) {
	var (
		batch event.Batch
		t     *domain.Task
	)

	err := storage.Tx(ctx, s.db, func(tx *gorm.DB) error {
		batch.Reset()

		ss, locked, err := s.lockTask(tx, req.TaskID)
		if err != nil {
			return err
		}
		t = locked

		if req.ActorID != t.UserID {
			return errors.PermissionDenied("only the task owner can complete it")
		}

		now := s.now()
		if !ss.IsActive(now) {
			return nil
		}

		t.Completed = !t.Completed
		t.CompletedOn = nil
		if t.Completed {
			t.CompletedOn = &now
		}

		if err := tx.Model(t).Select("completed", "completed_on").Updates(t).Error; err != nil {
			return fmt.Errorf("toggle task: %w", err)
		}

		if t.Completed {
			batch.Add(s.activity(domain.EventNameTaskCompleted, ss, t))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	batch.PublishTo(ctx, s.eb)
	return t, nil
}

type DeleteTaskRequest struct {
	ActorID string
	TaskID  string
}

// DeleteTask removes a task and its entries while the session is active.
func (s *Service) DeleteTask(ctx context.Context, req DeleteTaskRequest) error {
	var batch event.Batch

	err := storage.Tx(ctx, s.db, func(tx *gorm.DB) error {
		batch.Reset()

		ss, t, err := s.lockTask(tx, req.TaskID)
		if err != nil {
			return err
		}

		if req.ActorID != t.UserID {
			return errors.PermissionDenied("only the task owner can delete it")
		}

		if !ss.IsActive(s.now()) {
			return errors.InvalidOperation("tasks of an ended session cannot be deleted")
		}

		if err := tx.Where("task_id = ?", t.ID).Delete(&domain.TimeEntry{}).Error; err != nil {
			return fmt.Errorf("delete time entries: %w", err)
		}
		if err := tx.Delete(t).Error; err != nil {
			return fmt.Errorf("delete task: %w", err)
		}

		// The owner may have no task left in the session.
		if err := ranking.ForgetSessionUser(tx, ss.ID, t.UserID); err != nil {
			return fmt.Errorf("delete session ranking: %w", err)
		}

		return s.recompute(tx, &batch, ss)
	})
	if err != nil {
		return err
	}

	batch.PublishTo(ctx, s.eb)
	return nil
}

func (s *Service) GetTask(ctx context.Context, id string) (*domain.Task, error) {
	var t domain.Task
	if err := storage.Get(s.db.WithContext(ctx), &t, id, "task"); err != nil {
		return nil, err
	}
	return &t, nil
}

// TotalHours returns the sum of every entry logged on the task.
func (s *Service) TotalHours(ctx context.Context, id string) (float64, error) {
	entries, err := s.Entries(ctx, id)
	if err != nil {
		return 0, err
	}
	return sum(entries, func(domain.TimeEntry) bool { return true }), nil
}

// FilledToday returns the hours logged on the task for the current day.
func (s *Service) FilledToday(ctx context.Context, id string) (float64, error) {
	entries, err := s.Entries(ctx, id)
	if err != nil {
		return 0, err
	}

	today := domain.Day(s.now())
	return sum(entries, func(e domain.TimeEntry) bool { return e.Day.Equal(today) }), nil
}

func (s *Service) IsDue(ctx context.Context, id string) (bool, error) {
	t, err := s.GetTask(ctx, id)
	if err != nil {
		return false, err
	}
	return t.IsDue(), nil
}

// Entries returns the ledger of a task, oldest day first.
func (s *Service) Entries(ctx context.Context, id string) ([]domain.TimeEntry, error) {
	if _, err := s.GetTask(ctx, id); err != nil {
		return nil, err
	}

	var entries []domain.TimeEntry
	err := s.db.WithContext(ctx).Where("task_id = ?", id).Order("day ASC, created_at ASC").Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("list time entries: %w", err)
	}
	return entries, nil
}

// ListTasksRequest filters the tasks of a session. An empty UserID lists every member's tasks.
type ListTasksRequest struct {
	SessionID string
	UserID    string
}

func (s *Service) ListTasks(ctx context.Context, req ListTasksRequest) ([]domain.Task, error) {
	q := s.db.WithContext(ctx).Where("session_id = ?", req.SessionID)
	if req.UserID != "" {
		q = q.Where("user_id = ?", req.UserID)
	}

	var tasks []domain.Task
	if err := q.Order("created_at ASC").Find(&tasks).Error; err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return tasks, nil
}

// lockSession loads the session after locking its room.
func (s *Service) lockSession(tx *gorm.DB, sessionID string) (*domain.Session, error) {
	var ss domain.Session
	if err := storage.Get(tx, &ss, sessionID, "session"); err != nil {
		return nil, err
	}

	var r domain.Room
	if err := storage.Lock(tx, &r, ss.RoomID, "room"); err != nil {
		return nil, err
	}

	if err := storage.Get(tx, &ss, sessionID, "session"); err != nil {
		return nil, err
	}
	return &ss, nil
}

func (s *Service) lockTask(tx *gorm.DB, taskID string) (*domain.Session, *domain.Task, error) {
	var t domain.Task
	if err := storage.Get(tx, &t, taskID, "task"); err != nil {
		return nil, nil, err
	}

	ss, err := s.lockSession(tx, t.SessionID)
	if err != nil {
		return nil, nil, err
	}

	if err := storage.Get(tx, &t, taskID, "task"); err != nil {
		return nil, nil, err
	}
	return ss, &t, nil
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

func (s *Service) activity(kind string, ss *domain.Session, t *domain.Task) domain.EventActivity {
	return domain.EventActivity{
		Kind:      kind,
		ActorID:   t.UserID,
		RoomID:    ss.RoomID,
		SessionID: ss.ID,
		TaskID:    t.ID,
		At:        s.now(),
	}
}

func sum(entries []domain.TimeEntry, keep func(domain.TimeEntry) bool) float64 {
	total := decimal.Zero
	for _, e := range entries {
		if keep(e) {
			total = total.Add(decimal.NewFromFloat(e.Hours))
		}
	}
	return total.InexactFloat64()
}
