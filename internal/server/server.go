package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"gorm.io/gorm"

	"github.com/victornm/studyroom/internal/api"
	"github.com/victornm/studyroom/internal/event"
	"github.com/victornm/studyroom/internal/leaderboard"
	"github.com/victornm/studyroom/internal/notice"
	"github.com/victornm/studyroom/internal/ranking"
	"github.com/victornm/studyroom/internal/room"
	"github.com/victornm/studyroom/internal/secret"
	"github.com/victornm/studyroom/internal/session"
	"github.com/victornm/studyroom/internal/stats"
	"github.com/victornm/studyroom/internal/storage"
	"github.com/victornm/studyroom/internal/task"
	"github.com/victornm/studyroom/internal/telemetry"
)

type Config struct {
	HTTP struct {
		Port int32
	}

	GRPC struct {
		Port int32
	}

	Log telemetry.LogConfig

	Database storage.Config

	// Migrate creates missing tables on start.
	Migrate bool

	Redis struct {
		// Leaderboard is the read cache of leaderboards. It is disabled when Addrs is empty.
		Leaderboard struct {
			Addrs  []string
			Pass   string
			Prefix string
		}
	}

	Events struct {
		PoolSize int
		Timeout  time.Duration
	}

	Secret struct {
		Cost int
	}
}

// DefaultConfig returns the configuration used for keys missing from the config file.
func DefaultConfig() Config {
	var c Config
	c.HTTP.Port = 8080
	c.GRPC.Port = 8081
	c.Log.Level = "info"
	c.Log.Format = telemetry.LogFormatJSON
	c.Database.Driver = storage.DriverSQLite
	c.Database.DSN = "file:studyroom.db"
	c.Migrate = true
	c.Redis.Leaderboard.Prefix = "studyroom"
	c.Events.PoolSize = 100
	c.Events.Timeout = 30 * time.Second
	c.Secret.Cost = 12
	return c
}

type Server struct {
	c Config

	eb *event.Bus

	infra struct {
		db    *gorm.DB
		redis redis.UniversalClient
	}

	service struct {
		ranking     *ranking.Engine
		room        *room.Service
		session     *session.Service
		task        *task.Service
		notice      *notice.Service
		stats       *stats.Service
		leaderboard *leaderboard.Service
	}

	http   *http.Server
	grpc   *grpc.Server
	health *health.Server
}

func Init(ctx context.Context, c Config) (*Server, error) {
	s := &Server{c: c}

	s.eb = event.NewBus(
		event.WithPoolSize(c.Events.PoolSize),
		event.WithTimeout(c.Events.Timeout),
	)

	if err := s.initInfra(ctx); err != nil {
		s.eb.Stop()
		return nil, fmt.Errorf("server: init infra: %w", err)
	}

	s.initService()
	s.initAPI()
	return s, nil
}

func (s *Server) initInfra(ctx context.Context) error {
	if err := s.initDatabase(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if err := s.initRedis(ctx); err != nil {
		return fmt.Errorf("redis: %w", err)
	}

	return nil
}

func (s *Server) initDatabase(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	db, err := storage.Open(ctx, s.c.Database)
	if err != nil {
		return err
	}

	if s.c.Migrate {
		if err := storage.Migrate(ctx, db); err != nil {
			return err
		}
	}

	s.infra.db = db
	return nil
}

func (s *Server) initRedis(ctx context.Context) error {
	lc := s.c.Redis.Leaderboard
	if len(lc.Addrs) == 0 {
		slog.InfoContext(ctx, "server: leaderboard cache disabled")
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	r := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    lc.Addrs,
		Password: lc.Pass,
	})

	if err := telemetry.MonitorRedis(r); err != nil {
		return err
	}

	if err := r.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("leaderboard: %w", err)
	}

	s.infra.redis = r
	return nil
}

func (s *Server) initService() {
	db := s.infra.db

	s.service.ranking = ranking.NewEngine(nil)

	s.service.session = session.NewService(session.Config{
		DB:       db,
		EventBus: s.eb,
		Ranking:  s.service.ranking,
	})

	s.service.room = room.NewService(room.Config{
		DB:       db,
		EventBus: s.eb,
		Hasher:   secret.NewBcrypt(s.c.Secret.Cost),
		Ranking:  s.service.ranking,
		Sessions: s.service.session,
	})

	s.service.task = task.NewService(task.Config{
		DB:       db,
		EventBus: s.eb,
		Ranking:  s.service.ranking,
	})

	s.service.notice = notice.NewService(notice.Config{
		DB:       db,
		EventBus: s.eb,
	})

	s.service.stats = stats.NewService(stats.Config{
		DB: db,
	})

	if s.infra.redis != nil {
		s.service.leaderboard = leaderboard.NewService(leaderboard.Config{
			EventBus: s.eb,
			Redis:    s.infra.redis,
			Prefix:   s.c.Redis.Leaderboard.Prefix,
		})
	}
}

func (s *Server) initAPI() {
	e := gin.New()
	e.GET("/metrics", gin.WrapH(promhttp.Handler()))
	pprof.Register(e, "/debug/pprof")
	e.Use(gin.Recovery())

	e.GET("/healthz", func(c *gin.Context) {
		if err := s.ping(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api.New(api.Config{
		Router:      e,
		Room:        s.service.room,
		Session:     s.service.session,
		Notice:      s.service.notice,
		Stats:       s.service.stats,
		Leaderboard: s.service.leaderboard,
	})

	s.grpc = grpc.NewServer(telemetry.GRPCServerInterceptor())
	s.health = health.NewServer()
	healthpb.RegisterHealthServer(s.grpc, s.health)

	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.c.HTTP.Port),
		Handler:           e,
		ReadHeaderTimeout: 60 * time.Second,
	}
}

func (s *Server) ping(ctx context.Context) error {
	sqlDB, err := s.infra.db.DB()
	if err != nil {
		return err
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if s.infra.redis != nil {
		if err := s.infra.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}

// RebuildRankings recomputes every stored leaderboard and refreshes the cache.
func (s *Server) RebuildRankings(ctx context.Context) error {
	return s.service.ranking.Rebuild(ctx, s.infra.db, s.eb)
}

func (s *Server) Start() error {
	ctx := context.TODO()

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", s.c.GRPC.Port))
	if err != nil {
		return fmt.Errorf("grpc server: listen: %w", err)
	}

	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	var eg errgroup.Group
	eg.Go(func() error {
		slog.InfoContext(ctx, fmt.Sprintf("server: gRPC listening on port %d", s.c.GRPC.Port))
		return s.grpc.Serve(lis)
	})

	eg.Go(func() error {
		slog.InfoContext(ctx, fmt.Sprintf("server: HTTP listening on port %d", s.c.HTTP.Port))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if err := eg.Wait(); err != nil {
		slog.ErrorContext(ctx, "server: shutdown with error", "error", err)
		return err
	}
	return nil
}

func (s *Server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if s.health != nil {
		s.health.Shutdown()
	}
	if s.grpc != nil {
		s.grpc.GracefulStop()
	}
	if s.http != nil {
		if err := s.http.Shutdown(ctx); err != nil {
			slog.ErrorContext(ctx, "server: shutdown HTTP failed", "error", err)
		}
	}

	s.eb.Stop()

	if s.infra.redis != nil {
		if err := s.infra.redis.Close(); err != nil {
			slog.ErrorContext(ctx, "server: close redis failed", "error", err)
		}
	}
	if err := storage.Close(s.infra.db); err != nil {
		slog.ErrorContext(ctx, "server: close database failed", "error", err)
	}

	slog.InfoContext(ctx, "server: shutdown completed")
}
