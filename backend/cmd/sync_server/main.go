package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"boardsync/backend/config"
	"boardsync/backend/internal/auth"
	"boardsync/backend/internal/cache"
	"boardsync/backend/internal/httpapi/handlers"
	"boardsync/backend/internal/httpapi/middleware"
	"boardsync/backend/internal/logging"
	"boardsync/backend/internal/store"
	"boardsync/backend/internal/ws"
)

var (
	buildVersion = "dev"
	buildCommit  = "local"
)

func main() {
	config.RegisterFlags(pflag.CommandLine)
	pflag.Parse()

	cfg, err := config.Load(pflag.CommandLine)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Dev)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger failed: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("sync server exited", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("starting sync server",
		zap.String("version", buildVersion),
		zap.String("commit", buildCommit),
		zap.Int("port", cfg.Running.Port),
		zap.String("storage", cfg.Storage.Driver),
	)

	// 单地址用普通 client，多地址用 cluster
	rdb := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    cfg.Redis.Addrs,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}

	db, dialect, err := store.Open(ctx, cfg.Storage.Driver, cfg.Storage.DSN)
	if err != nil {
		return fmt.Errorf("open snapshot storage: %w", err)
	}
	defer db.Close()
	sqlStore := store.NewSQLSnapshotStore(db, dialect)
	if err := sqlStore.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensure snapshot schema: %w", err)
	}
	var snapshots store.SnapshotStore = sqlStore
	if cfg.Storage.Cache {
		snapshots = store.NewCachedSnapshotStore(sqlStore, rdb, logger.Named("snapshot-cache"))
	}

	signer := auth.NewSigner(cfg.Auth.Secret)
	hub := ws.NewHub(cache.NewRedisPresence(rdb), cfg.Sync.PresenceTTL, ws.WithHubLogger(logger.Named("relay")))
	manager := ws.NewManager(hub, cfg.Sync.AllowedOrigins)

	gin.SetMode(cfg.Running.Mode)
	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())
	r.Use(cors.New(cors.Config{
		AllowOriginFunc:  func(origin string) bool { return true },
		AllowMethods:     []string{"GET", "POST", "PATCH", "DELETE", "HEAD", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	sync := r.Group("/sync")
	sync.Use(middleware.AuthMiddleware(signer))
	sync.GET("/ws", manager.WebSocketConnect)
	sync.GET("/presence/:topic", manager.PresenceSnapshot)
	sync.GET("/topics", manager.ActiveTopics)

	if cfg.Mysql.DSN != "" {
		gdb, err := store.InitMySQL(cfg.Mysql.DSN)
		if err != nil {
			return fmt.Errorf("connect mysql: %w", err)
		}
		projects := store.NewProjectStore(gdb)
		if err := projects.AutoMigrate(ctx); err != nil {
			return fmt.Errorf("migrate projects: %w", err)
		}
		v1 := r.Group("/v1")
		v1.Use(middleware.AuthMiddleware(signer))
		handlers.NewProjectHandler(projects, snapshots, logger.Named("projects")).Register(v1)
	} else {
		logger.Warn("mysql.dsn not set, project api disabled")
	}

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true, "rooms": hub.Rooms()})
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Running.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down sync server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
