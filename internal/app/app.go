// Package app wires the service together. Every component is built here from
// the configuration and torn down in reverse by Shutdown.
package app

import (
	"context"
	"fmt"
	"time"

	"livechat-presence/internal/assignment"
	"livechat-presence/internal/changefeed"
	"livechat-presence/internal/config"
	"livechat-presence/internal/delivery"
	"livechat-presence/internal/inactivity"
	"livechat-presence/internal/infrastructure/database"
	"livechat-presence/internal/infrastructure/kafka"
	"livechat-presence/internal/infrastructure/redis"
	"livechat-presence/internal/job"
	"livechat-presence/internal/presence"
	"livechat-presence/internal/ratelimit"
	"livechat-presence/internal/repository"
	"livechat-presence/internal/rpc"
	"livechat-presence/internal/service"
	"livechat-presence/internal/typing"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type App struct {
	Config *config.Config
	Logger *zap.Logger
	NodeID string

	DB        *gorm.DB
	Redis     *redis.RedisClient
	Feed      *changefeed.Client
	Producer  *kafka.KafkaProducer
	Consumers []*kafka.KafkaConsumer

	Chats     *service.ChatService
	Agents    *service.AgentService
	Resolver  *assignment.Resolver
	Functions *rpc.Registry
	WS        *delivery.WSManager
	Server    *delivery.Server
	Scheduler *job.Scheduler

	memoryBroker *changefeed.MemoryBroker
	cancel       context.CancelFunc
}

// New connects to Postgres and Redis and builds the rest on top of them.
func New(cfg *config.Config, logger *zap.Logger) (*App, error) {
	db, err := database.NewPostgres(cfg.DatabaseURL, cfg.IsDevelopment(), logger)
	if err != nil {
		return nil, err
	}

	redisClient := redis.NewRedisClient(cfg.RedisHost, cfg.RedisPort, cfg.RedisPassword, logger.Named("redis"))
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := redisClient.Ping(pingCtx); err != nil {
		logger.Warn("Redis connection failed", zap.Error(err))
	} else {
		logger.Info("Redis connection successful")
	}

	a, err := Build(cfg, db, redisClient, logger)
	if err != nil {
		redisClient.Close()
		if sqlDB, dbErr := db.DB(); dbErr == nil {
			sqlDB.Close()
		}
		return nil, err
	}
	return a, nil
}

// Build assembles the service over an open database and Redis client. Kafka
// is left out when no brokers are configured.
func Build(cfg *config.Config, db *gorm.DB, redisClient *redis.RedisClient, logger *zap.Logger) (*App, error) {
	nodeID := cfg.NodeID
	if nodeID == "" {
		nodeID = uuid.NewString()
	}
	a := &App{
		Config: cfg,
		Logger: logger,
		NodeID: nodeID,
		DB:     db,
		Redis:  redisClient,
	}

	var broker changefeed.Broker
	if cfg.SharedFeed() {
		broker = redisClient.FeedBroker()
	} else {
		a.memoryBroker = changefeed.NewMemoryBroker()
		broker = a.memoryBroker
	}
	a.Feed = changefeed.NewClient(broker, logger.Named("changefeed"), changefeed.Options{
		Origin:       changefeed.OriginPrefix + nodeID,
		SharedBroker: cfg.SharedFeed(),
	})

	// repositories publish locally and, with Kafka, to every other node
	var publisher changefeed.Publisher = a.Feed
	var events kafka.Sender
	if len(cfg.KafkaBrokers) > 0 {
		a.Producer = kafka.NewKafkaProducer(cfg.KafkaBrokers, logger.Named("kafka"))
		events = a.Producer
		publisher = kafka.NewChangeMirror(a.Feed, a.Producer, logger.Named("kafka"))
	}

	repoLog := logger.Named("repository")
	sessions := repository.NewSessionRepository(db, publisher, repoLog)
	messages := repository.NewMessageRepository(db, publisher, repoLog)
	presenceRecords := repository.NewPresenceRepository(db, publisher, repoLog)
	viewing := repository.NewViewingRepository(db, publisher, repoLog)
	logs := repository.NewReassignmentLogRepository(db, publisher, repoLog)
	pseudonyms := repository.NewPseudonymRepository(db, publisher, repoLog)
	profiles := repository.NewAgentProfileRepository(db, repoLog)

	a.Functions = rpc.NewRegistry(logger.Named("rpc"))
	rpc.Builtins{
		Sessions: sessions,
		Profiles: profiles,
		Limiter:  ratelimit.NewLimiter(redisClient, cfg.RateLimit.LoginAttempts, cfg.RateLimit.LoginWindow, logger.Named("ratelimit")),
		Locker:   redisClient,
		Logger:   logger.Named("rpc"),
	}.Register(a.Functions)

	a.Chats = service.NewChatService(sessions, messages, logs, logger.Named("chat"))
	a.Agents = service.NewAgentService(presenceRecords, viewing, sessions, logs, cfg.Presence.RecencyWindow, logger.Named("agent"))
	a.Resolver = assignment.NewResolver(sessions, presenceRecords, pseudonyms, a.Functions, cfg.Presence.RecencyWindow, logger.Named("assignment"))

	channel := presence.NewChannel(redisClient.PresenceBackend(cfg.Presence.ChannelTTL), logger.Named("presence"),
		presence.Options{Heartbeat: cfg.Presence.ChannelTTL / 3})

	a.WS = delivery.NewWSManager(delivery.WSDeps{
		Presence: channel,
		Feed:     a.Feed,
		Looker:   a.Resolver,
		Agents:   a.Agents,
		Chats:    a.Chats,
		Sessions: redisClient,
		Events:   events,
	}, delivery.WSOptions{
		Typing: typing.Options{
			Timeout:  cfg.Presence.TypingIndicatorTimeout,
			Throttle: cfg.Presence.TypingThrottle,
		},
		Inactivity: inactivity.Options{
			Timeout: cfg.Presence.AgentInactivityTimeout,
			Grace:   cfg.Presence.AwayGracePeriod,
		},
		PollInterval: cfg.Presence.ResolverPollInterval,
	}, logger.Named("ws"))

	a.Server = delivery.NewServer(cfg, delivery.Dependencies{
		Chats:       a.Chats,
		Agents:      a.Agents,
		Assignments: a.Resolver,
		Functions:   a.Functions,
		Connections: redisClient,
	}, a.WS, logger.Named("http"))

	scheduler, err := job.NewScheduler(cfg.Presence.SweepSchedule, a.Agents, logger.Named("job"))
	if err != nil {
		a.Feed.Close()
		return nil, fmt.Errorf("sweep schedule: %w", err)
	}
	a.Scheduler = scheduler

	if len(cfg.KafkaBrokers) > 0 {
		a.Consumers = consumers(cfg, nodeID, a.WS, logger.Named("kafka"))
	}
	return a, nil
}

// consumers splits the topics by how they must be shared. Connection status
// reaches every node. Record changes go to one node of the group when the
// feed broker is shared, since that node's publish reaches the others.
func consumers(cfg *config.Config, nodeID string, handler kafka.MessageHandler, logger *zap.Logger) []*kafka.KafkaConsumer {
	nodeGroup := cfg.KafkaGroupID + "-" + nodeID
	if !cfg.SharedFeed() {
		return []*kafka.KafkaConsumer{
			kafka.NewKafkaConsumer(cfg.KafkaBrokers, nodeGroup,
				[]string{kafka.TopicRecordChanges, kafka.TopicChatMessages, kafka.TopicConnectionStatus}, handler, logger),
		}
	}
	return []*kafka.KafkaConsumer{
		kafka.NewKafkaConsumer(cfg.KafkaBrokers, cfg.KafkaGroupID,
			[]string{kafka.TopicRecordChanges, kafka.TopicChatMessages}, handler, logger),
		kafka.NewKafkaConsumer(cfg.KafkaBrokers, nodeGroup,
			[]string{kafka.TopicConnectionStatus}, handler, logger),
	}
}

// StartBackground starts the Kafka consumers and the sweep schedule.
func (a *App) StartBackground(ctx context.Context) {
	ctx, a.cancel = context.WithCancel(ctx)
	for _, consumer := range a.Consumers {
		go func(c *kafka.KafkaConsumer) {
			defer func() {
				if r := recover(); r != nil {
					a.Logger.Error("Kafka consumer goroutine recovered from panic", zap.Any("panic", r))
				}
			}()
			if err := c.Start(ctx); err != nil {
				a.Logger.Error("Kafka consumer error", zap.Error(err))
			}
		}(consumer)
	}
	a.Scheduler.Start()
}

// Run serves HTTP until Shutdown is called.
func (a *App) Run() error {
	return a.Server.Start()
}

// Shutdown stops accepting requests, takes connected agents offline and
// releases every connection. It keeps going past errors and returns the first.
func (a *App) Shutdown(ctx context.Context) error {
	var first error
	keep := func(what string, err error) {
		if err == nil {
			return
		}
		a.Logger.Warn("shutdown step failed", zap.String("step", what), zap.Error(err))
		if first == nil {
			first = err
		}
	}

	keep("http server", a.Server.Shutdown(ctx))
	a.WS.CloseAll(ctx)
	a.Scheduler.Stop()
	if a.cancel != nil {
		a.cancel()
	}
	for _, consumer := range a.Consumers {
		keep("kafka consumer", consumer.Close())
	}
	if a.Producer != nil {
		keep("kafka producer", a.Producer.Close())
	}
	keep("change feed", a.Feed.Close())
	if a.memoryBroker != nil {
		keep("memory broker", a.memoryBroker.Close())
	}
	keep("redis", a.Redis.Close())
	if sqlDB, err := a.DB.DB(); err == nil {
		keep("database", sqlDB.Close())
	}
	return first
}
