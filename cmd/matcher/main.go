package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/whisper/matchmaker/internal/admin"
	"github.com/whisper/matchmaker/internal/config"
	"github.com/whisper/matchmaker/internal/lock"
	"github.com/whisper/matchmaker/internal/logging"
	"github.com/whisper/matchmaker/internal/matching"
	"github.com/whisper/matchmaker/internal/messaging"
	"github.com/whisper/matchmaker/internal/queue"
	"github.com/whisper/matchmaker/internal/ratelimit"
	"github.com/whisper/matchmaker/internal/record"
	"github.com/whisper/matchmaker/internal/room"
)

var logger = logging.For("main")

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("invalid configuration")
	}
	logging.Configure(cfg.LogFormat, cfg.LogLevel)
	logger.Info("starting matching service")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Redis setup.
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		cancel()
		logger.WithError(err).Fatal("failed to connect to Redis")
	}
	cancel()
	defer rdb.Close()

	// NATS setup.
	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.URL = cfg.NATSURL
	natsConfig.Name = "matchmaker-matcher"
	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		logger.WithError(err).Fatal("failed to connect to NATS")
	}
	defer natsClient.Close()

	events, err := messaging.NewEventLog(natsClient.Conn(), cfg.EventStream)
	if err != nil {
		logger.WithError(err).Fatal("failed to open match event stream")
	}

	records, closeRecords := openRecordStore(ctx, cfg, rdb)
	defer closeRecords()
	rooms := newRoomAllocator(cfg)

	q := queue.New(rdb)
	publisher := matching.NewPublisher(records, rooms, events, natsClient)
	matcher := matching.NewMatcher(q, publisher, natsClient, cfg.RelaxationInterval, cfg.MatchTimeout)

	svcConfig := matching.ServiceConfig{
		Interval: cfg.MatchingInterval,
		Intake:   matching.NewIntake(q, ratelimit.NewLimiter(rdb), ratelimit.EnqueueRule(cfg.EnqueueRateLimit)),
		Source:   natsClient,
	}
	if cfg.SweepLockEnabled {
		svcConfig.Lock = lock.NewSweepLock(rdb, 5*cfg.MatchingInterval)
	}

	svc := matching.NewService(matcher, svcConfig)
	if err := svc.Start(ctx); err != nil {
		logger.WithError(err).Fatal("failed to start matching service")
	}

	adminErr := make(chan error, 1)
	go func() {
		router := admin.NewRouter(q, records, map[string]admin.Check{
			"redis": func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
			"nats":  natsClient.Healthy,
		})
		adminErr <- admin.Serve(ctx, cfg.AdminAddr, router)
	}()

	logger.WithFields(logrus.Fields{
		"redis_addr":          cfg.RedisAddr,
		"nats_url":            cfg.NATSURL,
		"matching_interval":   cfg.MatchingInterval.String(),
		"relaxation_interval": cfg.RelaxationInterval.String(),
		"match_timeout":       cfg.MatchTimeout.String(),
		"admin_addr":          cfg.AdminAddr,
	}).Info("matching service running")

	// Graceful shutdown.
	select {
	case <-ctx.Done():
		logger.Info("received signal, shutting down")
	case err := <-adminErr:
		logger.WithError(err).Error("admin server stopped")
	}
	stop()
	svc.Stop()
}

// openRecordStore picks PostgreSQL when DATABASE_URL is set, Redis otherwise.
// The returned func closes the store.
func openRecordStore(ctx context.Context, cfg *config.Config, rdb redis.UniversalClient) (record.Repository, func()) {
	if cfg.DatabaseURL == "" {
		logger.Info("DATABASE_URL not set, keeping match records in Redis")
		return record.NewRedisStore(rdb), func() {}
	}
	openCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	store, err := record.Open(openCtx, cfg.DatabaseURL)
	if err != nil {
		logger.WithError(err).Fatal("failed to open PostgreSQL record store")
	}
	return store, func() { store.Close() }
}

func newRoomAllocator(cfg *config.Config) matching.RoomAllocator {
	if cfg.RoomAllocatorURL == "" {
		logger.Info("ROOM_ALLOCATOR_URL not set, allocating rooms locally")
		return room.LocalAllocator{}
	}
	return room.NewHTTPAllocator(room.DefaultHTTPConfig(cfg.RoomAllocatorURL))
}
