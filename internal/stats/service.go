// Package stats computes the charts and summary figures shown for a session.
package stats

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/victornm/studyroom/internal/domain"
	"github.com/victornm/studyroom/internal/ranking"
	"github.com/victornm/studyroom/internal/storage"
)

const (
	topTasks        = 10
	topPerformers   = 8
	taskLabelLength = 30
	maxRangeDays    = 366
	day             = 24 * time.Hour
)

type Config struct {
	DB *gorm.DB
	// Now defaults to time.Now.
	Now func() time.Time
}

type Service struct {
	db  *gorm.DB
	now func() time.Time
}

func NewService(c Config) *Service {
	now := c.Now
	if now == nil {
		now = time.Now
	}

	return &Service{
		db:  c.DB,
		now: func() time.Time { return now().UTC() },
	}
}

type Basic struct {
	Name        string
	Description string
	State       domain.SessionState
	StartedAt   *time.Time
	FinishedAt  *time.Time
	Members     int
	TotalHours  float64
	OpenTasks   int
	TotalTasks  int
}

// TaskHours is a task with its logged hours. Label is the description shortened for charts.
type TaskHours struct {
	TaskID string
	Label  string
	UserID string
	Hours  float64
}

// Timeline holds one user's hours per day of the session range.
type Timeline struct {
	UserID     string
	Daily      []float64
	Cumulative []float64
}

type Summary struct {
	// AvgDailyHours is the hours per member per active day.
	AvgDailyHours float64
	// BestDay is the weekday of the busiest day, empty when nothing was logged.
	BestDay        string
	CompletionRate int
	LongestStreak  int
	TotalTasks     int
	CompletedTasks int
}

// SessionStats is everything shown on a session statistics page.
// Days, Daily and Cumulative are aligned: Daily[i] is the hours logged on Days[i].
type SessionStats struct {
	Basic      Basic
	Days       []time.Time
	Daily      []float64
	Cumulative []float64
	TopTasks   []TaskHours
	Performers []domain.SessionRanking
	// OthersHours sums the hours of everyone ranked below the top performers.
	OthersHours float64
	Timelines   []Timeline
	Summary     Summary
}

type entryRow struct {
	TaskID string
	UserID string
	Day    time.Time
	Hours  float64
}

func (s *Service) SessionStats(ctx context.Context, sessionID string) (*SessionStats, error) {
	db := s.db.WithContext(ctx)

	var ss domain.Session
	if err := storage.Get(db, &ss, sessionID, "session"); err != nil {
		return nil, err
	}

	var members int64
	if err := db.Model(&domain.SessionMember{}).Where("session_id = ?", ss.ID).Count(&members).Error; err != nil {
		return nil, fmt.Errorf("count members: %w", err)
	}

	var tasks []domain.Task
	if err := db.Where("session_id = ?", ss.ID).Order("created_at ASC, id ASC").Find(&tasks).Error; err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}

	var entries []entryRow
	err := db.Table("time_entries").
		Select("time_entries.task_id, tasks.user_id, time_entries.day, time_entries.hours").
		Joins("JOIN tasks ON tasks.id = time_entries.task_id").
		Where("tasks.session_id = ?", ss.ID).
		Scan(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("list time entries: %w", err)
	}
	for i := range entries {
		entries[i].Day = domain.Day(entries[i].Day)
	}

	totals, err := ranking.SessionTotals(db, ss.ID)
	if err != nil {
		return nil, err
	}

	performers, err := ranking.SessionStandings(db, ss.ID)
	if err != nil {
		return nil, fmt.Errorf("session rankings: %w", err)
	}

	now := s.now()
	days := dateRange(&ss, entries, now)

	st := &SessionStats{
		Basic:      basic(&ss, now, int(members), totals, tasks),
		Days:       days,
		TopTasks:   topTasksOf(tasks, entries),
		Performers: performers,
	}
	if len(performers) > topPerformers {
		others := decimal.Zero
		for _, p := range performers[topPerformers:] {
			others = others.Add(decimal.NewFromFloat(p.TotalHours))
		}
		st.Performers = performers[:topPerformers]
		st.OthersHours = others.InexactFloat64()
	}
	st.Daily, st.Cumulative = series(days, entries)
	st.Timelines = timelines(days, entries)
	st.Summary = summary(st, tasks)

	return st, nil
}

func basic(ss *domain.Session, now time.Time, members int, totals []ranking.Total, tasks []domain.Task) Basic {
	total := decimal.Zero
	for _, t := range totals {
		total = total.Add(t.Hours)
	}

	open := 0
	for _, t := range tasks {
		if !t.Completed {
			open++
		}
	}

	return Basic{
		Name:        ss.Name,
		Description: ss.Description,
		State:       ss.State(now),
		StartedAt:   ss.StartedAt,
		FinishedAt:  ss.FinishedAt,
		Members:     members,
		TotalHours:  total.Round(1).InexactFloat64(),
		OpenTasks:   open,
		TotalTasks:  len(tasks),
	}
}

// dateRange spans every logged day, widened to the session bounds. Without entries it runs from
// the session start to its finish, using today for a missing bound.
func dateRange(ss *domain.Session, entries []entryRow, now time.Time) []time.Time {
	var from, to time.Time

	if len(entries) == 0 {
		from, to = domain.Day(now), domain.Day(now)
		if ss.StartedAt != nil {
			from = domain.Day(*ss.StartedAt)
		}
		if ss.FinishedAt != nil {
			to = domain.Day(*ss.FinishedAt)
		}
	} else {
		from, to = entries[0].Day, entries[0].Day
		for _, e := range entries[1:] {
			if e.Day.Before(from) {
				from = e.Day
			}
			if e.Day.After(to) {
				to = e.Day
			}
		}

		if ss.StartedAt != nil && domain.Day(*ss.StartedAt).Before(from) {
			from = domain.Day(*ss.StartedAt)
		}
		if ss.FinishedAt != nil && domain.Day(*ss.FinishedAt).After(to) {
			to = domain.Day(*ss.FinishedAt)
		}
	}

	var days []time.Time
	for d := from; !d.After(to) && len(days) < maxRangeDays; d = d.Add(day) {
		days = append(days, d)
	}
	return days
}

func series(days []time.Time, entries []entryRow) (daily, cumulative []float64) {
	// time.Time map keys also compare the Location, so days are keyed by their Unix start.
	byDay := make(map[int64]decimal.Decimal)
	for _, e := range entries {
		k := domain.Day(e.Day).Unix()
		byDay[k] = byDay[k].Add(decimal.NewFromFloat(e.Hours))
	}

	daily = make([]float64, len(days))
	cumulative = make([]float64, len(days))

	run := decimal.Zero
	for i, d := range days {
		h := byDay[domain.Day(d).Unix()]
		run = run.Add(h)
		daily[i] = h.InexactFloat64()
		cumulative[i] = run.InexactFloat64()
	}
	return daily, cumulative
}

func timelines(days []time.Time, entries []entryRow) []Timeline {
	byUser := make(map[string][]entryRow)
	for _, e := range entries {
		byUser[e.UserID] = append(byUser[e.UserID], e)
	}

	users := make([]string, 0, len(byUser))
	for u := range byUser {
		users = append(users, u)
	}
	slices.Sort(users)

	out := make([]Timeline, 0, len(users))
	for _, u := range users {
		daily, cumulative := series(days, byUser[u])
		out = append(out, Timeline{UserID: u, Daily: daily, Cumulative: cumulative})
	}
	return out
}

func topTasksOf(tasks []domain.Task, entries []entryRow) []TaskHours {
	byTask := make(map[string]decimal.Decimal)
	for _, e := range entries {
		byTask[e.TaskID] = byTask[e.TaskID].Add(decimal.NewFromFloat(e.Hours))
	}

	var out []TaskHours
	for _, t := range tasks {
		h := byTask[t.ID]
		if !h.IsPositive() {
			continue
		}
		out = append(out, TaskHours{
			TaskID: t.ID,
			Label:  label(t.Description),
			UserID: t.UserID,
			Hours:  h.InexactFloat64(),
		})
	}

	slices.SortStableFunc(out, func(a, b TaskHours) int {
		switch {
		case a.Hours > b.Hours:
			return -1
		case a.Hours < b.Hours:
			return 1
		}
		return 0
	})

	if len(out) > topTasks {
		out = out[:topTasks]
	}
	return out
}

func label(desc string) string {
	r := []rune(desc)
	if len(r) <= taskLabelLength {
		return desc
	}
	return strings.TrimSpace(string(r[:taskLabelLength])) + "..."
}

func summary(st *SessionStats, tasks []domain.Task) Summary {
	sum := Summary{TotalTasks: len(tasks)}

	for _, t := range tasks {
		if t.Completed {
			sum.CompletedTasks++
		}
	}
	if sum.TotalTasks > 0 {
		rate := decimal.NewFromInt(int64(sum.CompletedTasks)).
			Mul(decimal.NewFromInt(100)).
			Div(decimal.NewFromInt(int64(sum.TotalTasks)))
		sum.CompletionRate = int(rate.RoundBank(0).IntPart())
	}

	activeDays, best, bestHours, streak := 0, -1, 0.0, 0
	for i, h := range st.Daily {
		if h <= 0 {
			streak = 0
			continue
		}

		activeDays++
		streak++
		sum.LongestStreak = max(sum.LongestStreak, streak)

		if h > bestHours {
			best, bestHours = i, h
		}
	}

	if best >= 0 {
		sum.BestDay = st.Days[best].Weekday().String()
	}

	if st.Basic.Members > 0 {
		avg := decimal.NewFromFloat(st.Basic.TotalHours).
			Div(decimal.NewFromInt(int64(st.Basic.Members))).
			Div(decimal.NewFromInt(int64(max(activeDays, 1))))
		sum.AvgDailyHours = avg.RoundBank(1).InexactFloat64()
	}

	return sum
}
