package main

import (
	"context"
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

	embeddedpostgres "github.com/fergusstrange/embedded-postgres"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dialog/internal/config"
	"github.com/dialog/internal/digest"
	"github.com/dialog/internal/email"
	"github.com/dialog/internal/handler"
	"github.com/dialog/internal/logger"
	"github.com/dialog/internal/middleware"
	"github.com/dialog/internal/presence"
	"github.com/dialog/internal/push"
	"github.com/dialog/internal/repository"
	"github.com/dialog/internal/service"
	"github.com/dialog/internal/startup"
	"github.com/dialog/internal/ws"
)

func main() {
	logger.SetPrefix("api")
	migrate := flag.Bool("migrate", false, "run database migrations and exit")
	dev := flag.Bool("dev", false, "start with embedded PostgreSQL and in-memory presence (no external services required)")
	flag.Parse()

	logger.Info("starting API service")
	cfg := config.Load()

	var embeddedDB *embeddedpostgres.EmbeddedPostgres
	if *dev {
		var err error
		embeddedDB, err = startEmbeddedPostgres(cfg)
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
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL())
	if err != nil {
		logger.Errorf("parse db config: %v", err)
		os.Exit(1)
	}
	poolCfg.MaxConns = int32(cfg.DBMaxConnections())
	poolCfg.MinConns = 4

	pool := startup.ConnectDBWithRetry(poolCfg, 60*time.Second, "")
	defer pool.Close()

	migrateCtx, migrateCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := startup.Migrate(migrateCtx, pool); err != nil {
		migrateCancel()
		logger.Errorf("migrations: %v", err)
		os.Exit(1)
	}
	migrateCancel()
	if *migrate && !*dev {
		return
	}

	// После рестарта никто не подключён; presence-ключи в Redis истекут по TTL.
	resetCtx, resetCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if _, err := pool.Exec(resetCtx, "UPDATE users SET is_online = false"); err != nil {
		logger.Errorf("reset online status: %v", err)
	}
	if _, err := pool.Exec(resetCtx, "UPDATE chat_members SET online = false"); err != nil {
		logger.Errorf("reset member online status: %v", err)
	}
	resetCancel()
	logger.Info("database connected, migrations applied")

	userRepo := repository.NewUserRepository(pool)
	chatRepo := repository.NewChatRepository(pool)
	msgRepo := repository.NewMessageRepository(pool)
	unreadRepo := repository.NewUnreadRepository(pool)
	batchRepo := repository.NewBatchRepository(pool)
	svc := service.NewMessagingService(chatRepo, msgRepo, unreadRepo, batchRepo)

	presenceTTL := presence.DefaultTTL
	if cfg.PresenceTTLSeconds > 0 {
		presenceTTL = time.Duration(cfg.PresenceTTLSeconds) * time.Second
	}

	var presenceStore presence.Store
	var notifier *push.Notifier
	var vapidPublicKey string
	if *dev {
		presenceStore = presence.NewMemoryStore(presenceTTL)
		logger.Info("dev mode: in-memory presence, web push disabled")
	} else {
		rdb := startup.ConnectRedisWithRetry(cfg.Redis.URL, 60*time.Second, "")
		// presenceStore.Close() закрывает rdb, отдельного rdb.Close() не нужно.
		presenceStore = presence.NewRedisStore(rdb, presenceTTL)

		pubKey, privKey := cfg.PushVAPIDPublicKey, cfg.PushVAPIDPrivateKey
		if pubKey == "" || privKey == "" {
			if keys, err := push.EnsureVAPIDKeys(""); err == nil {
				pubKey, privKey = keys.PublicKey, keys.PrivateKey
			} else {
				logger.Infof("VAPID: не удалось загрузить/сгенерировать ключи: %v — push отключены", err)
			}
		}
		notifier = push.NewNotifier(rdb, pubKey, privKey)
		vapidPublicKey = pubKey
	}
	defer presenceStore.Close()

	var hubPush ws.PushNotifier
	if notifier != nil && notifier.Enabled() {
		hubPush = hubNotifier{notifier}
	}
	hubCtx, hubCancel := context.WithCancel(context.Background())
	hub := ws.NewHub(svc, chatRepo, userRepo, presenceStore, cfg.MaxWSConnections, hubPush)

	var hubWg sync.WaitGroup
	hubWg.Add(1)
	go func() {
		defer hubWg.Done()
		hub.Run(hubCtx)
	}()

	sender := email.NewDigestSender(&cfg.SMTP)
	promoter := digest.NewPromoter(batchRepo, unreadRepo, userRepo, sender, cfg.DigestAgeThreshold())

	chatH := handler.NewChatHandler(chatRepo, userRepo, svc, hub)
	msgH := handler.NewMessageHandler(msgRepo, chatRepo, svc, hub)
	userH := handler.NewUserHandler(userRepo)
	wsH := handler.NewWSHandler(hub, cfg.CORSAllowedOrigins)
	digestH := handler.NewDigestHandler(promoter)

	var pushH *handler.PushHandler
	if notifier != nil {
		pushH = handler.NewPushHandler(notifier, vapidPublicKey)
	}

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
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
	r.Use(middleware.RateLimitAPI)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{cfg.CORSAllowedOrigins},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Session-Id", "X-Timestamp", "X-Signature"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK); w.Write([]byte("ok")) })
	if pushH != nil {
		r.Get("/api/vapid-public", pushH.VAPIDPublic)
	}

	// Служебный запуск promotion job; cron дергает его каждые ~15 минут.
	r.Group(func(r chi.Router) {
		r.Use(middleware.CronAuth(cfg.Digest.CronSecret))
		r.Post("/api/jobs/digest", digestH.Run)
	})

	// Провиженинг пользователей сервисом авторизации.
	r.Group(func(r chi.Router) {
		r.Use(middleware.InternalOnly)
		r.Post("/internal/users", userH.Provision)
	})

	r.Group(func(r chi.Router) {
		r.Use(middleware.AuthServiceValidate(cfg.AuthServiceURL, nil))
		r.Get("/api/users", userH.ListUsers)
		r.Get("/api/users/{id}", userH.GetUser)
		r.Get("/api/chats", chatH.GetUserChats)
		r.Post("/api/chats/direct", chatH.CreateDirectChat)
		r.Get("/api/chats/{ref}", chatH.GetChat)
		r.Get("/api/chats/{ref}/messages", msgH.GetMessages)
		r.Post("/api/chats/{ref}/messages", msgH.PostMessage)
		r.Post("/api/chats/{ref}/read", msgH.MarkAsRead)
		r.Delete("/api/messages/{id}", msgH.DeleteMessage)
		r.Get("/api/unread", chatH.UnreadTotal)
		if pushH != nil {
			r.Post("/api/push/subscribe", pushH.Subscribe)
			r.Delete("/api/push/subscribe", pushH.Unsubscribe)
		}
		r.Get("/ws", wsH.ServeWS)
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

// hubNotifier адаптирует push.Notifier к интерфейсу хаба.
type hubNotifier struct {
	n *push.Notifier
}

func (h hubNotifier) Notify(ctx context.Context, userID, title, body string, data map[string]string) {
	h.n.Notify(ctx, userID, push.Notification{Title: title, Body: body, Data: data})
}

func startEmbeddedPostgres(cfg *config.Config) (*embeddedpostgres.EmbeddedPostgres, error) {
	const (
		port     = 5432
		user     = "dialog"
		password = "dialog_secret"
		database = "dialog"
	)

	dataDir := filepath.Join(".", ".pgdata")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create pgdata dir: %w", err)
	}

	db := embeddedpostgres.NewDatabase(
		embeddedpostgres.DefaultConfig().
			Port(port).
			Username(user).
			Password(password).
			Database(database).
			DataPath(dataDir).
			RuntimePath(filepath.Join(os.TempDir(), "embedded-pg-runtime")),
	)

	logger.Info("starting embedded PostgreSQL...")
	if err := db.Start(); err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}

	cfg.Database.URL = fmt.Sprintf(
		"postgres://%s:%s@localhost:%d/%s?sslmode=disable",
		user, password, port, database,
	)
	logger.Infof("embedded PostgreSQL running on port %d", port)
	return db, nil
}
