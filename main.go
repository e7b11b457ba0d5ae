package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"periskope/chatsync/internal/backend"
	"periskope/chatsync/internal/cache"
	"periskope/chatsync/internal/config"
	"periskope/chatsync/internal/database"
	"periskope/chatsync/internal/handlers"
	"periskope/chatsync/internal/logging"
	"periskope/chatsync/internal/models"
	"periskope/chatsync/internal/routes"
	"periskope/chatsync/internal/session"
	"periskope/chatsync/internal/utils"
	ws "periskope/chatsync/internal/websocket"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logr, err := logging.New(cfg.LogLevel, cfg.LogDevelopment)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logr.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	verifier := utils.NewTokenVerifier(cfg.JWTSecret)

	store, err := openBackend(ctx, cfg, verifier, logr)
	if err != nil {
		logr.Fatal("failed to open backend", zap.Error(err))
	}
	defer database.Close()
	if pg, ok := store.(*backend.Postgres); ok {
		defer pg.Close()
	}

	opts := session.Options{
		Backend:      store,
		HistoryLimit: cfg.HistoryLimit,
		IdleTimeout:  cfg.IdleTimeout,
		Log:          logr,
	}
	if cfg.RedisAddr != "" {
		client, err := cache.Connect(ctx, cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			logr.Fatal("failed to connect to redis", zap.Error(err))
		}
		defer client.Close()
		opts.Cache = cache.NewMessages(client, "chatsync", cfg.LookupCacheTTL)
		logr.Info("message cache enabled", zap.String("addr", cfg.RedisAddr))
	}

	hub := ws.NewHub(logr)
	go hub.Run(ctx)
	opts.Publisher = hub

	sessions := session.NewManager(ctx, opts)
	defer sessions.CloseAll()
	handlers.Init(sessions, hub)

	// Initialize Fiber app
	app := fiber.New(fiber.Config{
		AppName: "chatsync v1.0",
	})

	// Middleware
	app.Use(logger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.CORSOrigins,
		AllowCredentials: true,
	}))

	// Setup routes
	routes.SetupRoutes(app, verifier)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := app.ShutdownWithContext(shutdownCtx); err != nil {
			logr.Warn("shutdown", zap.Error(err))
		}
	}()

	logr.Info("server starting", zap.String("port", cfg.Port), zap.String("backend", cfg.Backend))
	if err := app.Listen(":" + cfg.Port); err != nil {
		logr.Error("server stopped", zap.Error(err))
	}
}

func openBackend(ctx context.Context, cfg *config.Config, verifier *utils.TokenVerifier, logr *zap.Logger) (backend.Backend, error) {
	if cfg.Backend == config.BackendMemory {
		m := backend.NewMemory()
		seedDemo(m, verifier, logr)
		return m, nil
	}

	if err := database.Connect(ctx, cfg.DatabaseURL, logr); err != nil {
		return nil, err
	}
	if cfg.Migrate {
		if err := database.Migrate(ctx); err != nil {
			return nil, err
		}
	}
	return backend.NewPostgres(database.Pool, logr), nil
}

// seedDemo fills the memory backend with two users sharing a chat and logs a
// token for each
func seedDemo(m *backend.Memory, verifier *utils.TokenVerifier, logr *zap.Logger) {
	alice := m.AddUser(models.User{Phone: "+10000000001", Name: "Alice"})
	bob := m.AddUser(models.User{Phone: "+10000000002", Name: "Bob"})
	chat := m.AddChat(models.Chat{CreatedBy: alice.ID}, alice.ID, bob.ID)
	m.AddTag(chat.ID, "demo")
	m.AddMessage(models.Message{ChatID: chat.ID, SenderID: bob.ID, Content: "Welcome to chatsync"})

	for _, u := range []models.User{alice, bob} {
		token, err := verifier.GenerateToken(u.ID, u.Phone, 24*time.Hour)
		if err != nil {
			logr.Warn("failed to sign demo token", zap.Error(err))
			continue
		}
		logr.Info("demo user", zap.String("name", u.Name), zap.String("user_id", u.ID), zap.String("token", token))
	}
}
