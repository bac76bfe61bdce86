package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/taskhub/internal/auth"
	"github.com/taskhub/internal/config"
	"github.com/taskhub/internal/handler"
	"github.com/taskhub/internal/logger"
	"github.com/taskhub/internal/middleware"
	"github.com/taskhub/internal/push"
	"github.com/taskhub/internal/repository"
	"github.com/taskhub/internal/service"
	"github.com/taskhub/internal/startup"
	"github.com/taskhub/internal/ws"
)

func main() {
	logger.SetPrefix("api")
	migrate := flag.Bool("migrate", false, "run database migrations and exit")
	dev := flag.Bool("dev", false, "start with embedded PostgreSQL (no external DB required)")
	token := flag.String("token", "", "print a development JWT for id:username[:role] and exit")
	flag.Parse()

	cfg := config.Load()
	logger.Init(cfg.LogLevel, cfg.LogPretty)
	if *dev && cfg.JWTSecret == "" {
		cfg.JWTSecret = randomSecret()
		logger.Info("JWT_SECRET not set, using a random secret for this dev run")
	}
	if err := cfg.Validate(); err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
	tokens := auth.New(cfg.JWTSecret)

	if *token != "" {
		id, err := auth.ParseDevIdentity(*token)
		if err != nil {
			logger.Errorf("token: %v", err)
			os.Exit(1)
		}
		signed, err := tokens.GenerateToken(id)
		if err != nil {
			logger.Errorf("token: %v", err)
			os.Exit(1)
		}
		fmt.Println(signed)
		return
	}

	logger.Info("starting API service")
	if *dev {
		e := startup.EmbeddedDB{
			Port:     5432,
			User:     "taskhub",
			Password: "taskhub_secret",
			Database: "taskhub",
			DataDir:  filepath.Join(".", ".pgdata"),
		}
		embeddedDB, err := startup.StartEmbeddedPostgres(e)
		if err != nil {
			logger.Errorf("embedded postgres: %v", err)
			os.Exit(1)
		}
		defer func() {
			logger.Info("stopping embedded postgres...")
			if err := embeddedDB.Stop(); err != nil {
				logger.Errorf("embedded postgres stop: %v", err)
			}
		}()
		cfg.Database.URL = e.URL()
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.Database.URL)
	if err != nil {
		logger.Errorf("parse db config: %v", err)
		os.Exit(1)
	}
	poolCfg.MaxConns = int32(cfg.DBMaxConnections())
	poolCfg.MinConns = 2

	pool := startup.ConnectDBWithRetry(poolCfg, 60*time.Second)
	defer pool.Close()

	migrateCtx, migrateCancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = startup.Migrate(migrateCtx, pool)
	migrateCancel()
	if err != nil {
		logger.Errorf("migrations: %v", err)
		os.Exit(1)
	}
	logger.Info("database connected, migrations applied")
	if *migrate {
		return
	}

	store := startup.OpenStore(cfg.RedisURL, 60*time.Second)
	defer store.Close()

	var keys *push.VAPIDKeys
	if cfg.Push.Enabled {
		keys, err = push.EnsureVAPIDKeys(cfg.Push.VAPIDKeysFile)
		if err != nil {
			logger.Errorf("vapid keys: %v (push disabled)", err)
		}
	}
	pushSender := push.NewSender(store, keys, cfg.Push.Subscriber)

	userRepo := repository.NewUserRepository(pool)
	chat := service.NewChatService(
		repository.NewChannelRepository(pool),
		repository.NewMessageRepository(pool),
		repository.NewHuddleRepository(pool),
		userRepo,
		service.Options{HistoryLimit: cfg.HistoryLimit, SystemUserID: cfg.SystemUserID},
	)

	hubCtx, hubCancel := context.WithCancel(context.Background())
	hub := ws.NewHub(chat, store, pushSender, ws.Options{
		MaxConns:   cfg.MaxWSConnections,
		EventRate:  cfg.WSEventRate,
		EventBurst: cfg.WSEventBurst,
	})
	var hubWg sync.WaitGroup
	hubWg.Add(1)
	go func() {
		defer hubWg.Done()
		hub.Run(hubCtx)
	}()

	chatH := handler.NewChatHandler(chat, hub)
	msgH := handler.NewMessageHandler(chat, hub)
	sysH := handler.NewSystemHandler(chat, hub)
	wsH := handler.NewWSHandler(hub, cfg.CORSAllowedOrigins)
	configH := handler.NewConfigHandler(cfg, pushSender)
	pushH := handler.NewPushHandler(store)

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RecoverJSON)
	// Не сжимать WebSocket — иначе ResponseWriter не реализует http.Hijacker и upgrade даёт 500.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if strings.EqualFold(req.Header.Get("Upgrade"), "websocket") {
				next.ServeHTTP(w, req)
				return
			}
			chimw.Compress(5)(next).ServeHTTP(w, req)
		})
	})
	r.Use(middleware.RequestLog)
	r.Use(middleware.SecureHeaders)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins(),
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Internal-Secret"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(middleware.MaxBodySize(cfg.MaxBodyBytes))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK); w.Write([]byte("ok")) })
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/api/config/push", configH.GetPushConfig)
	r.Get("/api/config/huddle", configH.GetHuddleConfig)

	r.Group(func(r chi.Router) {
		r.Use(middleware.InternalOnly(cfg.InternalSecret))
		r.Post("/internal/chat/system", sysH.Post)
	})

	r.Group(func(r chi.Router) {
		r.Use(middleware.BearerAuth(tokens, chat))
		r.Use(middleware.RateLimit(cfg.RateLimitPerIP, cfg.RateLimitPerUser))
		r.Get("/ws", wsH.ServeWS)

		r.Post("/chat", msgH.Post)
		r.Get("/chat/for-channel/{channelId}", msgH.History)
		r.Get("/chat/channels", chatH.ListChannels)
		r.Post("/chat/channels", chatH.CreateChannel)
		r.Delete("/chat/channels/{id}", chatH.DeleteChannel)
		r.Put("/chat/channels/{id}/privacy", chatH.SetPrivacy)
		r.Get("/chat/channels/{id}/members", chatH.Members)
		r.Post("/chat/channels/{id}/members", chatH.AddMember)
		r.Delete("/chat/channels/{id}/members", chatH.RemoveMember)
		r.Get("/chat/channels/{id}/admins", chatH.Admins)
		r.Post("/chat/channels/{id}/admins", chatH.AddAdmin)
		r.Delete("/chat/channels/{id}/admins", chatH.RemoveAdmin)
		r.Post("/chat/channels/{id}/leave", chatH.Leave)
		r.Get("/chat/channels/{id}/huddle", chatH.ActiveHuddle)
		r.Post("/chat/dm/{userId}", chatH.OpenDM)
		r.Get("/chat/presence", chatH.Presence)

		r.Post("/api/push/subscribe", pushH.Subscribe)
		r.Delete("/api/push/subscribe", pushH.Unsubscribe)
	})

	srv := &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	var srvWg sync.WaitGroup
	errCh := make(chan error, 1)
	srvWg.Add(1)
	go func() {
		defer srvWg.Done()
		logger.Infof("server listening on %s", cfg.ServerAddr)
		errCh <- srv.ListenAndServe()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Errorf("server error: %v", err)
			os.Exit(1)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("server shutdown: %v", err)
	}
	logger.Info("server stopped accepting connections")
	hubCancel()
	hubWg.Wait()
	logger.Info("hub stopped")
	srvWg.Wait()
	logger.Info("server goroutine exited")
}

func randomSecret() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b)
}
