package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sentrydesk-backend/internal/config"
	"sentrydesk-backend/internal/database"
	"sentrydesk-backend/internal/handlers"
	"sentrydesk-backend/internal/middleware"
	"sentrydesk-backend/internal/repository"
	"sentrydesk-backend/internal/router"
	"sentrydesk-backend/internal/services"
	"sentrydesk-backend/internal/session"
	"sentrydesk-backend/internal/websocket"
	"sentrydesk-backend/internal/worker"
)

func main() {
	log.Println("🚀 Starting SentryDesk Backend...")

	// ──── Step 1: Load Environment Variables ────
	cfg := config.Load()
	log.Println("✓ Environment variables loaded")

	// ──── Step 2: Initialize PostgreSQL Connection Pool ────
	pool, err := database.NewPostgresPool(cfg.DatabaseURL, int32(cfg.DBMaxConns), int32(cfg.DBMinConns))
	if err != nil {
		log.Fatalf("✗ PostgreSQL connection failed: %v", err)
	}
	defer pool.Close()
	log.Println("✓ PostgreSQL connected")

	// ──── Step 3: Initialize Redis Clients ────
	redisClients, err := database.NewRedisClients(cfg.RedisURL)
	if err != nil {
		log.Fatalf("✗ Redis connection failed: %v", err)
	}
	defer redisClients.Close()
	log.Println("✓ Redis connected")

	// ──── Step 4: Run Database Migrations ────
	if err := database.RunMigrations(pool, "migrations"); err != nil {
		log.Fatalf("✗ Database migration failed: %v", err)
	}
	log.Println("✓ Database migrations applied")

	// ──── Initialize Repositories ────
	userRepo := repository.NewUserRepo(pool)
	planRepo := repository.NewPlanRepo(pool)
	sessionRepo := repository.NewSessionRepo(pool)
	messageRepo := repository.NewMessageRepo(pool)

	// ──── Initialize Services ────
	jwtAuth := middleware.NewJWTAuth(cfg.JWTSecret)
	emailService := services.NewEmailService(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUser, cfg.SMTPPass, cfg.SMTPFrom, cfg.FrontendURL)
	authService := services.NewAuthService(userRepo, redisClients.Queue, jwtAuth)
	sessionService := services.NewSessionService(sessionRepo, messageRepo, planRepo, userRepo, redisClients.Queue)

	// ──── Step 5: Wire the Session Engine ────
	wsHub := websocket.NewHub(redisClients.PubSub, jwtAuth)
	manager := session.NewManager(sessionService, wsHub)
	wsHub.BindManager(manager)
	log.Println("✓ Session engine and WebSocket hub wired")

	// ──── Step 6: Start Background Services ────
	workerPool := worker.NewPool(redisClients.Queue, emailService, userRepo, sessionRepo, cfg.WorkerCount)
	workerPool.Start()
	log.Printf("✓ Worker pool started (%d goroutines)", cfg.WorkerCount)

	sweeper := services.NewExpirationSweeper(sessionRepo, wsHub, redisClients.Queue)
	sweeper.Start()
	log.Println("✓ Expiration sweeper started")

	// ──── Initialize Handlers ────
	authHandler := handlers.NewAuthHandler(authService)
	planHandler := handlers.NewPlanHandler(planRepo)
	sessionHandler := handlers.NewSessionHandler(sessionService, manager)
	chatHandler := handlers.NewChatHandler(sessionService, manager)
	adminHandler := handlers.NewAdminHandler(sessionService, manager)

	// ──── Step 7: Start HTTP Server ────
	r := router.New(
		jwtAuth,
		authHandler,
		planHandler,
		sessionHandler,
		chatHandler,
		adminHandler,
		wsHub,
		cfg.FrontendURL,
	)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Println("Shutting down...")
		workerPool.Stop()
		sweeper.Stop()
		manager.Shutdown()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		server.Shutdown(ctx)
	}()

	log.Printf("✓ SentryDesk Backend ready on http://localhost:%s", cfg.Port)
	log.Printf("  API: http://localhost:%s/api/v1", cfg.Port)
	log.Printf("  WS:  ws://localhost:%s/api/v1/ws", cfg.Port)

	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatalf("Server error: %v", err)
	}
}
