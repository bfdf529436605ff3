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
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/streadway/amqp"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/victornm/livequiz/internal/api"
	"github.com/victornm/livequiz/internal/audit"
	"github.com/victornm/livequiz/internal/engine"
	"github.com/victornm/livequiz/internal/event"
	"github.com/victornm/livequiz/internal/janitor"
	"github.com/victornm/livequiz/internal/leaderboard"
	"github.com/victornm/livequiz/internal/live"
	"github.com/victornm/livequiz/internal/quiz"
	"github.com/victornm/livequiz/internal/realtime"
	"github.com/victornm/livequiz/internal/score"
	"github.com/victornm/livequiz/internal/scoring"
	"github.com/victornm/livequiz/internal/session"
	"github.com/victornm/livequiz/internal/telemetry"
)

type Config struct {
	HTTP struct {
		Port int32
	}

	GRPC struct {
		Port int32
	}

	Log struct {
		// Format is json or text.
		Format string
		Level  string
	}

	Redis struct {
		Leaderboard struct {
			Addrs  []string
			Pass   string
			Prefix string
			TTL    time.Duration
		}

		Pubsub struct {
			Addrs  []string
			Pass   string
			Prefix string
		}
	}

	Postgres struct {
		Addr     string
		User     string
		Pass     string
		Name     string
		MaxConns int32
	}

	Engine struct {
		WriteTimeout time.Duration
		// RecoverOnMiss rebuilds a session unknown to this process from Postgres.
		RecoverOnMiss bool
		Scoring       struct {
			Base  int
			Bonus int
		}
	}

	Janitor struct {
		Interval         time.Duration
		CompletedTTL     time.Duration
		IdleTTL          time.Duration
		AutoEndQuestions bool
		Grace            time.Duration
	}

	Realtime struct {
		ReadTimeout    time.Duration
		WriteTimeout   time.Duration
		RequestTimeout time.Duration
		MaxMessageSize int64
		SendBuffer     int
	}

	AMQP struct {
		// URL is optional; no audit trail is published without it.
		URL      string
		Exchange string
	}
}

type Server struct {
	c Config

	eb *event.Bus

	// cancels the background workers
	ctx    context.Context
	cancel context.CancelFunc

	infra struct {
		redis struct {
			leaderboard redis.UniversalClient
			pubsub      redis.UniversalClient
		}

		postgres *pgxpool.Pool

		amqp *amqp.Connection
	}

	service struct {
		session     *session.Service
		score       *score.Service
		quiz        *quiz.Service
		engine      *engine.Engine
		live        *live.Service
		leaderboard *leaderboard.Service
		audit       *audit.Publisher
		janitor     *janitor.Janitor
	}

	hub  *realtime.Hub
	http *http.Server
	grpc *grpc.Server
}

func Init(c Config) (*Server, error) {
	s := &Server{c: c}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.eb = event.NewBus()

	if err := s.initInfra(); err != nil {
		return nil, fmt.Errorf("server: init infra: %w", err)
	}

	s.initService()
	s.initAPI()
	return s, nil
}

func (s *Server) initInfra() error {
	if err := s.initRedis(); err != nil {
		return fmt.Errorf("redis: %w", err)
	}

	if err := s.initPostgres(); err != nil {
		return fmt.Errorf("postgres: %w", err)
	}

	if err := s.initAMQP(); err != nil {
		return fmt.Errorf("amqp: %w", err)
	}

	return nil
}

func (s *Server) initRedis() error {
	connect := func(name string, addrs []string, pass string) (redis.UniversalClient, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		r := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    addrs,
			Password: pass,
		})

		if err := telemetry.MonitorRedis(r, name); err != nil {
			return nil, err
		}

		if err := r.Ping(ctx).Err(); err != nil {
			return nil, err
		}

		return r, nil
	}

	var err error
	s.infra.redis.leaderboard, err = connect("leaderboard", s.c.Redis.Leaderboard.Addrs, s.c.Redis.Leaderboard.Pass)
	if err != nil {
		return fmt.Errorf("leaderboard: %w", err)
	}

	s.infra.redis.pubsub, err = connect("pubsub", s.c.Redis.Pubsub.Addrs, s.c.Redis.Pubsub.Pass)
	if err != nil {
		return fmt.Errorf("pubsub: %w", err)
	}

	return nil
}

func (s *Server) initPostgres() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pg := s.c.Postgres
	cc, err := pgxpool.ParseConfig(fmt.Sprintf("postgres://%s:%s@%s/%s", pg.User, pg.Pass, pg.Addr, pg.Name))
	if err != nil {
		return err
	}
	if pg.MaxConns > 0 {
		cc.MaxConns = pg.MaxConns
	}

	db, err := pgxpool.NewWithConfig(ctx, cc)
	if err != nil {
		return err
	}

	if err := db.Ping(ctx); err != nil {
		db.Close()
		return err
	}

	s.infra.postgres = db
	return nil
}

func (s *Server) initAMQP() error {
	if s.c.AMQP.URL == "" {
		slog.Info("server: amqp url not set, audit trail disabled")
		return nil
	}

	conn, ch, err := audit.Dial(s.c.AMQP.URL, s.c.AMQP.Exchange)
	if err != nil {
		return err
	}

	s.infra.amqp = conn
	s.service.audit = audit.NewPublisher(audit.Config{
		EventBus: s.eb,
		Channel:  ch,
		Exchange: s.c.AMQP.Exchange,
	})
	return nil
}

func (s *Server) initService() {
	s.service.session = session.NewService(session.Config{
		DB: s.infra.postgres,
	})

	s.service.score = score.NewService(score.Config{
		DB: s.infra.postgres,
	})

	s.service.quiz = quiz.NewService(quiz.Config{
		DB: s.infra.postgres,
	})

	var recoverer engine.Recoverer
	if s.c.Engine.RecoverOnMiss {
		recoverer = live.NewRecoverer(s.service.session, s.service.score)
	}

	s.service.engine = engine.New(engine.Config{
		Answers:   s.service.score,
		Options:   s.service.quiz,
		Recoverer: recoverer,
		Scoring: scoring.Policy{
			Base:  s.c.Engine.Scoring.Base,
			Bonus: s.c.Engine.Scoring.Bonus,
		},
		WriteTimeout: s.c.Engine.WriteTimeout,
	})

	s.service.live = live.NewService(live.Config{
		EventBus: s.eb,
		Engine:   s.service.engine,
		Sessions: s.service.session,
		Quizzes:  s.service.quiz,
	})

	s.service.leaderboard = leaderboard.NewService(leaderboard.Config{
		EventBus: s.eb,
		Redis:    s.infra.redis.leaderboard,
		Prefix:   s.c.Redis.Leaderboard.Prefix,
		TTL:      s.c.Redis.Leaderboard.TTL,
	})

	s.service.janitor = janitor.New(janitor.Config{
		Sessions:         s.service.engine,
		Closer:           s.service.live,
		Interval:         s.c.Janitor.Interval,
		CompletedTTL:     s.c.Janitor.CompletedTTL,
		IdleTTL:          s.c.Janitor.IdleTTL,
		AutoEndQuestions: s.c.Janitor.AutoEndQuestions,
		Grace:            s.c.Janitor.Grace,
	})
}

func (s *Server) initAPI() {
	e := gin.New()
	e.GET("/metrics", gin.WrapH(promhttp.Handler()))
	pprof.Register(e, "/debug/pprof")
	e.GET("/healthz", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	e.Use(gin.Recovery())

	s.grpc = grpc.NewServer(telemetry.GRPCServerOptions()...)

	api.New(api.Config{
		GRPC:         s.grpc,
		HTTP:         e,
		EventBus:     s.eb,
		Live:         s.service.live,
		Leaderboard:  s.service.leaderboard,
		Redis:        s.infra.redis.pubsub,
		PubsubPrefix: s.c.Redis.Pubsub.Prefix,
	})

	s.hub = realtime.NewHub(realtime.HubConfig{
		Redis:      s.infra.redis.pubsub,
		Prefix:     s.c.Redis.Pubsub.Prefix,
		SendBuffer: s.c.Realtime.SendBuffer,
	})
	e.GET("/ws", gin.WrapH(realtime.NewHandler(realtime.HandlerConfig{
		Hub:            s.hub,
		Controller:     s.service.live,
		ReadTimeout:    s.c.Realtime.ReadTimeout,
		WriteTimeout:   s.c.Realtime.WriteTimeout,
		RequestTimeout: s.c.Realtime.RequestTimeout,
		MaxMessageSize: s.c.Realtime.MaxMessageSize,
	})))

	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.c.HTTP.Port),
		Handler:           e,
		ReadHeaderTimeout: 60 * time.Second,
	}
}

func (s *Server) Start() {
	ctx := s.ctx

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", s.c.GRPC.Port))
	if err != nil {
		slog.ErrorContext(ctx, "grpc server: listen failed", "error", err)
		panic(err)
	}

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

	eg.Go(func() error {
		return s.hub.Listen(ctx)
	})

	eg.Go(func() error {
		s.service.janitor.Run(ctx)
		return nil
	})

	err = eg.Wait()
	if err != nil {
		slog.ErrorContext(ctx, "server: shutdown with error", "error", err)
	}
}

func (s *Server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.grpc.GracefulStop()
	if err := s.http.Shutdown(ctx); err != nil {
		slog.ErrorContext(ctx, "server: shutdown HTTP failed", "error", err)
	}

	// Pending events still reach Redis and AMQP before their clients close.
	s.eb.Stop()
	s.cancel()

	if s.infra.amqp != nil {
		if err := s.infra.amqp.Close(); err != nil {
			slog.ErrorContext(ctx, "server: close amqp failed", "error", err)
		}
	}
	_ = s.infra.redis.pubsub.Close()
	_ = s.infra.redis.leaderboard.Close()
	s.infra.postgres.Close()

	slog.InfoContext(ctx, "server: shutdown completed")
}
