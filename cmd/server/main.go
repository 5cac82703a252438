package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bhandras/relay/internal/api/handlers"
	"github.com/bhandras/relay/internal/api/middleware"
	"github.com/bhandras/relay/internal/approval"
	"github.com/bhandras/relay/internal/config"
	"github.com/bhandras/relay/internal/crypto"
	"github.com/bhandras/relay/internal/database"
	"github.com/bhandras/relay/internal/response"
	"github.com/bhandras/relay/internal/session"
	"github.com/bhandras/relay/internal/store"
	"github.com/bhandras/relay/pkg/logger"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// defaultSystemPrompt is used when RELAY_SYSTEM_PROMPT points at no file.
const defaultSystemPrompt = `You are a support assistant working on behalf of a human operator.
Answer concisely, use the available tools when they help, and ask for
approval before taking any action that changes external systems.`

func main() {
	// Load configuration
	cfg, err := config.Load(config.Overrides{})
	if err != nil {
		logger.Errorf("Failed to load config: %v", err)
		os.Exit(1)
	}

	if cfg.Debug {
		logger.SetLevel(logger.LevelDebug)
	}

	// Set Gin mode
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	// Open database
	logger.Infof("Opening database: %s", cfg.DatabasePath)
	db, err := database.Open(cfg.DatabasePath)
	if err != nil {
		logger.Errorf("Failed to open database: %v", err)
		os.Exit(1)
	}
	defer db.Close()

	// Initialize JWT manager
	jwtManager, err := crypto.NewJWTManager(cfg.MasterSecret)
	if err != nil {
		logger.Errorf("Failed to create JWT manager: %v", err)
		os.Exit(1)
	}

	// Load the static instruction preamble
	systemPrompt := defaultSystemPrompt
	if cfg.Agent.SystemPromptPath != "" {
		data, err := os.ReadFile(cfg.Agent.SystemPromptPath)
		if err != nil {
			logger.Errorf("Failed to read system prompt %s: %v", cfg.Agent.SystemPromptPath, err)
			os.Exit(1)
		}
		systemPrompt = string(data)
	}

	// Pick the approval request channel backend
	var channel approval.RequestChannel
	switch cfg.ApprovalBackend {
	case "file":
		channel, err = approval.NewFileChannel(cfg.ApprovalSpoolDir)
		if err != nil {
			logger.Errorf("Failed to create approval spool: %v", err)
			os.Exit(1)
		}
	case "memory":
		channel = approval.NewMemChannel()
	default:
		channel = approval.NewSQLChannel(db.DB, 0)
	}
	var approvalSweepStop, approvalSweepDone chan struct{}
	if sc, ok := channel.(*approval.SQLChannel); ok {
		approvalSweepStop = make(chan struct{})
		approvalSweepDone = make(chan struct{})
		go func() {
			defer close(approvalSweepDone)
			ticker := time.NewTicker(cfg.SweepInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					if err := sc.Sweep(context.Background()); err != nil {
						logger.Warnf("Approval sweep failed: %v", err)
					}
				case <-approvalSweepStop:
					return
				}
			}
		}()
	}
	approvals := approval.NewCoordinator(channel, cfg.ApprovalTimeout)

	// Core engine: store, response channels, session registry
	sessionStore := store.NewSQLStore(db.DB)
	responses := response.NewRegistry()
	manager := session.NewManager(sessionStore, cfg.Agent, systemPrompt, cfg.SessionMaxIdle)
	manager.StartSweeper(cfg.SweepInterval)

	// Create Gin router
	router := gin.Default()

	// CORS middleware
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"*"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
	}))

	// Logging middleware
	router.Use(middleware.LoggingMiddleware())

	// Root endpoint - returns plain text for client validation
	router.GET("/", func(c *gin.Context) {
		c.String(200, "Welcome to Relay Server!")
	})

	// Prometheus metrics
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Initialize handlers
	authHandler := handlers.NewAuthHandler(cfg.MasterSecret, jwtManager)
	chatHandler := handlers.NewChatHandler(manager, responses, approvals)
	sessionHandler := handlers.NewSessionHandler(manager, sessionStore)
	approvalHandler := handlers.NewApprovalHandler(approvals)

	// Public routes (no auth required)
	v1 := router.Group("/v1")
	{
		v1.POST("/auth/token", authHandler.CreateToken)

		// The approval surface is called by tools running inside agent
		// invocations on the same host; they authenticate with the shared
		// secret indirectly through their spawning session.
		v1.POST("/approvals", approvalHandler.CreateApproval)
		v1.GET("/approvals/:id", approvalHandler.GetApproval)
		v1.DELETE("/approvals/:id", approvalHandler.DeleteApproval)
	}

	// Protected routes (auth required)
	protected := v1.Group("")
	protected.Use(middleware.AuthMiddleware(jwtManager))
	{
		// Chat
		protected.POST("/chat", chatHandler.SendMessage)
		protected.GET("/chat/responses/:id", chatHandler.PollResponse)
		protected.POST("/chat/responses/:id/stop", chatHandler.StopResponse)

		// Sessions
		protected.GET("/sessions", sessionHandler.ListSessions)
		protected.GET("/sessions/:id", sessionHandler.GetSession)
		protected.GET("/sessions/:id/messages", sessionHandler.GetSessionMessages)
		protected.DELETE("/sessions/:id", sessionHandler.DeleteSession)
		protected.POST("/sessions/:id/title", sessionHandler.SetTitle)

		// Approvals (operator side)
		protected.GET("/approvals", approvalHandler.ListApprovals)
		protected.POST("/approvals/:id/respond", approvalHandler.RespondApproval)
	}

	// Start HTTP server
	srv := &http.Server{
		Addr:    cfg.Addr,
		Handler: router,
	}

	go func() {
		logger.Infof("Relay Server starting on http://localhost%s", cfg.Addr)
		logger.Infof("Database: %s", cfg.DatabasePath)
		logger.Infof("Agent binary: %s (model %s)", cfg.Agent.Binary, cfg.Agent.Model)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorf("Failed to start server: %v", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal, then stop taking requests and release every
	// live session.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Infof("Shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warnf("HTTP shutdown: %v", err)
	}
	if approvalSweepStop != nil {
		close(approvalSweepStop)
		<-approvalSweepDone
	}
	manager.Shutdown()
}
