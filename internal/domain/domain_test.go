package domain_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/victornm/studyroom/internal/domain"
)

func TestSession_State(t *testing.T) {
	now := time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)
	ptr := func(t time.Time) *time.Time { return &t }

	tests := map[string]struct {
		session    domain.Session
		wantState  domain.SessionState
		wantActive bool
	}{
		"never started session is unstarted but still active": {
			session:    domain.Session{},
			wantState:  domain.SessionUnstarted,
			wantActive: true,
		},
		"started session without finish time is active": {
			session:    domain.Session{StartedAt: ptr(now.Add(-time.Hour))},
			wantState:  domain.SessionActive,
			wantActive: true,
		},
		"session finishing in the future is active": {
			session:    domain.Session{StartedAt: ptr(now.Add(-time.Hour)), FinishedAt: ptr(now.Add(time.Hour))},
			wantState:  domain.SessionActive,
			wantActive: true,
		},
		"session finished now is ended": {
			session:    domain.Session{StartedAt: ptr(now.Add(-time.Hour)), FinishedAt: ptr(now)},
			wantState:  domain.SessionEnded,
			wantActive: false,
		},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tt.wantState, tt.session.State(now))
			assert.Equal(t, tt.wantActive, tt.session.IsActive(now))
		})
	}
}

func TestDay(t *testing.T) {
	loc := time.FixedZone("UTC+7", 7*60*60)
	got := domain.Day(time.Date(2024, 5, 10, 3, 30, 0, 0, loc))
	assert.Equal(t, time.Date(2024, 5, 9, 0, 0, 0, 0, time.UTC), got)
}

func TestTask_IsDue(t *testing.T) {
	assert.True(t, (&domain.Task{}).IsDue())
	assert.False(t, (&domain.Task{Completed: true}).IsDue())
}

func TestLeaderboardUpdated_VersionsIncrease(t *testing.T) {
	prev := domain.LeaderboardUpdated(domain.Leaderboard{}).Version
	for range 100 {
		v := domain.LeaderboardUpdated(domain.Leaderboard{}).Version
		assert.Greater(t, v, prev)
		prev = v
	}
}
