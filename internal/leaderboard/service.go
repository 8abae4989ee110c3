package leaderboard

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/victornm/studyroom/internal/domain"
	"github.com/victornm/studyroom/internal/errors"
	"github.com/victornm/studyroom/internal/event"
	"github.com/victornm/studyroom/internal/ranking"
)

const subscriberName = "leaderboard"

// replaceScript swaps the cached leaderboard unless a newer version is already stored.
// KEYS: leaderboard zset, version. ARGV: version, then score/member pairs.
var replaceScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[2]) or '-1')
if current > tonumber(ARGV[1]) then
	return 0
end
redis.call('DEL', KEYS[1])
for i = 2, #ARGV, 2 do
	redis.call('ZADD', KEYS[1], ARGV[i], ARGV[i + 1])
end
redis.call('SET', KEYS[2], ARGV[1])
return 1
`)

type Config struct {
	EventBus *event.Bus
	Redis    redis.UniversalClient
	Prefix   string
}

// Service keeps a redis copy of every persisted leaderboard for cheap reads.
// The ranking tables stay the source of truth; a cache miss means callers read them instead.
type Service struct {
	redis  redis.UniversalClient
	prefix string
}

func NewService(c Config) *Service {
	s := &Service{
		redis:  c.Redis,
		prefix: c.Prefix,
	}

	c.EventBus.Subscribe(domain.EventNameLeaderboardUpdated, subscriberName, func(ctx context.Context, e event.Event) error {
		return s.UpdateLeaderboard(ctx, e.(domain.EventLeaderboardUpdated))
	}, event.Sequential())

	return s
}

type GetLeaderboardRequest struct {
	Scope   domain.Scope
	ScopeID string
}

// GetLeaderboard returns the cached leaderboard of a session or room.
func (s *Service) GetLeaderboard(ctx context.Context, req GetLeaderboardRequest) (*domain.Leaderboard, error) {
	res, err := s.redis.ZRevRangeWithScores(ctx, s.getLeaderboardKey(req.Scope, req.ScopeID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("get leaderboard: %w", err)
	}

	if len(res) == 0 {
		return nil, errors.NotFound("leaderboard not found: %s=%s", req.Scope, req.ScopeID)
	}

	// Redis orders equal scores by member descending; ranks are rebuilt with the engine's tie-break.
	totals := make([]ranking.Total, 0, len(res))
	for _, z := range res {
		totals = append(totals, ranking.Total{
			UserID: z.Member.(string),
			Hours:  decimal.NewFromFloat(z.Score),
		})
	}

	return &domain.Leaderboard{
		Scope:   req.Scope,
		ScopeID: req.ScopeID,
		Entries: ranking.Rank(totals),
	}, nil
}

// UpdateLeaderboard replaces the cached leaderboard atomically. An empty leaderboard only
// clears the cache. An update older than the cached version is ignored.
func (s *Service) UpdateLeaderboard(ctx context.Context, e domain.EventLeaderboardUpdated) error {
	lb := e.Leaderboard
	keys := []string{s.getLeaderboardKey(lb.Scope, lb.ScopeID), s.getVersionKey(lb.Scope, lb.ScopeID)}

	args := make([]any, 0, 1+2*len(lb.Entries))
	args = append(args, e.Version)
	for _, en := range lb.Entries {
		args = append(args, en.Hours, en.UserID)
	}

	// TODO: retry on error
	if err := replaceScript.Run(ctx, s.redis, keys, args...).Err(); err != nil {
		return fmt.Errorf("update leaderboard: %w", err)
	}

	return nil
}

// Both keys of a leaderboard share a hash tag so the script can touch them on a cluster.
func (s *Service) getLeaderboardKey(scope domain.Scope, id string) string {
	return fmt.Sprintf("%s:{%s:%s}:leaderboard", s.prefix, scope, id)
}

func (s *Service) getVersionKey(scope domain.Scope, id string) string {
	return fmt.Sprintf("%s:{%s:%s}:version", s.prefix, scope, id)
}
