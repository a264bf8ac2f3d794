package delivery

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"livechat-presence/internal/config"
	"livechat-presence/internal/domain"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// ChatUseCase is the session write path.
type ChatUseCase interface {
	SendCustomerMessage(ctx context.Context, customerID uuid.UUID, req domain.SendMessageRequest) (*domain.SendMessageResponse, error)
	SendAgentMessage(ctx context.Context, sessionID, agentID uuid.UUID, req domain.SendMessageRequest) (*domain.ChatMessage, error)
	ClaimSession(ctx context.Context, sessionID, agentID uuid.UUID) (*domain.ChatSession, error)
	ReassignSession(ctx context.Context, sessionID, agentID, newAgentID uuid.UUID) (*domain.ChatSession, error)
	CloseSession(ctx context.Context, sessionID, agentID uuid.UUID) (*domain.ChatSession, error)
	LeaveSession(ctx context.Context, sessionID, customerID uuid.UUID, reason domain.ReassignReason) (*domain.ChatSession, error)
}

// AgentUseCase is the agent presence write path.
type AgentUseCase interface {
	GoOnline(ctx context.Context, agentID uuid.UUID) error
	Heartbeat(ctx context.Context, agentID uuid.UUID) error
	GoOffline(ctx context.Context, agentID uuid.UUID, reason domain.ReassignReason) error
	SetViewing(ctx context.Context, agentID, customerID uuid.UUID) error
	ClearViewing(ctx context.Context, agentID uuid.UUID) error
}

type AssignmentReader interface {
	Resolve(ctx context.Context, customerID uuid.UUID) (*domain.AssignedAgent, error)
}

type FunctionInvoker interface {
	Invoke(ctx context.Context, name string, payload json.RawMessage) (json.RawMessage, error)
}

type ConnectionStatusReader interface {
	GetSessionUsers(ctx context.Context, sessionID string) (*domain.ConnectionStatusResponse, error)
}

// Dependencies are the use cases the REST handlers call.
type Dependencies struct {
	Chats       ChatUseCase
	Agents      AgentUseCase
	Assignments AssignmentReader
	Functions   FunctionInvoker
	Connections ConnectionStatusReader
}

type Server struct {
	config    *config.Config
	deps      Dependencies
	wsManager *WSManager
	logger    *zap.Logger
	app       *fiber.App

	// beacons run after their request has returned
	beaconTimeout time.Duration
	background    sync.WaitGroup
}

// socketAgents sends online/offline through the agent's inactivity monitor
// while they have a socket open.
type socketAgents struct {
	AgentUseCase
	ws *WSManager
}

func (a socketAgents) GoOnline(ctx context.Context, agentID uuid.UUID) error {
	return a.ws.AgentOnline(ctx, agentID)
}

func (a socketAgents) GoOffline(ctx context.Context, agentID uuid.UUID, reason domain.ReassignReason) error {
	return a.ws.AgentOffline(ctx, agentID, reason)
}

func NewServer(cfg *config.Config, deps Dependencies, wsManager *WSManager, logger *zap.Logger) *Server {
	if wsManager != nil && deps.Agents != nil {
		deps.Agents = socketAgents{AgentUseCase: deps.Agents, ws: wsManager}
	}
	s := &Server{
		config:        cfg,
		deps:          deps,
		wsManager:     wsManager,
		logger:        logger,
		beaconTimeout: 10 * time.Second,
	}
	s.app = s.setupApp()
	return s
}

// App exposes the fiber app, mainly for app.Test.
func (s *Server) App() *fiber.App { return s.app }

func (s *Server) setupApp() *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:               "LiveChat Presence Server",
		DisableStartupMessage: true,
	})

	// Global middleware
	app.Use(recover.New())
	app.Use(requestLogger(s.logger))

	corsConfig := cors.Config{
		AllowMethods:     "GET,POST,HEAD,PUT,DELETE,PATCH,OPTIONS",
		AllowHeaders:     "Origin,Content-Type,Accept,Authorization,X-Requested-With,Access-Control-Request-Method,Access-Control-Request-Headers",
		ExposeHeaders:    "Content-Length,Access-Control-Allow-Origin,Access-Control-Allow-Headers,Content-Type",
		AllowCredentials: s.config.AllowCredentials,
		MaxAge:           86400,
	}
	if s.config.IsProduction() {
		corsConfig.AllowOrigins = s.config.GetCORSOrigins()
		s.logger.Info("CORS configured for production", zap.String("origins", corsConfig.AllowOrigins))
	} else {
		corsConfig.AllowOrigins = "*"
		corsConfig.AllowCredentials = false // Never allow credentials with wildcard origin
		s.logger.Info("CORS configured with wildcard origin", zap.String("environment", s.config.Environment))
	}
	app.Use(cors.New(corsConfig))

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":       "ok",
			"message":      "LiveChat presence server is running",
			"port":         s.config.Port,
			"environment":  s.config.Environment,
			"cors_origins": s.config.GetCORSOrigins(),
		})
	})
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	api := app.Group("/api")
	api.Get("/session/:session_id/connection-status", s.handleGetSessionConnectionStatus)

	api.Get("/customers/:id/assigned-agent", s.handleGetAssignedAgent)
	api.Post("/customers/:id/messages", s.handleSendCustomerMessage)

	sessions := api.Group("/sessions/:id")
	sessions.Post("/claim", s.handleClaimSession)
	sessions.Post("/reassign", s.handleReassignSession)
	sessions.Post("/close", s.handleCloseSession)
	sessions.Post("/leave", s.handleLeaveSession)

	agents := api.Group("/agents/:id")
	agents.Post("/online", s.handleAgentOnline)
	agents.Post("/offline", s.handleAgentOffline)
	agents.Post("/heartbeat", s.handleAgentHeartbeat)
	agents.Put("/viewing", s.handleSetViewing)
	agents.Delete("/viewing", s.handleClearViewing)

	api.Post("/beacon", s.handleBeacon)
	api.Post("/functions/:name", s.handleInvokeFunction)

	if s.wsManager != nil {
		app.Use("/ws", func(c *fiber.Ctx) error {
			if websocket.IsWebSocketUpgrade(c) {
				return c.Next()
			}
			return fiber.ErrUpgradeRequired
		})

		app.Get("/ws/:session_id/:user_id/:user_type", websocket.New(func(c *websocket.Conn) {
			s.wsManager.HandleConnection(c, c.Params("session_id"), c.Params("user_id"), c.Params("user_type"), c.Query("name"))
		}))
	}

	return app
}

func (s *Server) Start() error {
	s.logger.Info("LiveChat presence server (WebSocket + REST) starting", zap.String("port", s.config.Port))
	return s.app.Listen(":" + s.config.Port)
}

// Shutdown stops accepting requests and waits for in-flight beacons.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.app.ShutdownWithContext(ctx)

	done := make(chan struct{})
	go func() {
		s.background.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("shutdown before pending beacons finished")
	}
	return err
}
