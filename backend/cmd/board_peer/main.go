package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"boardsync/backend/config"
	"boardsync/backend/internal/auth"
	"boardsync/backend/internal/channel"
	"boardsync/backend/internal/channel/redisbus"
	"boardsync/backend/internal/channel/wschannel"
	"boardsync/backend/internal/collab"
	"boardsync/backend/internal/document"
	"boardsync/backend/internal/logging"
	"boardsync/backend/internal/store"
)

// board_peer 无界面的白板 peer：加入一个文档，保持本地副本与其他 peer 同步，
// 并把文档防抖写回存储。适合做存档节点或联调。
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
		logger.Fatal("board peer exited", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	if cfg.Peer.DocID == "" {
		return fmt.Errorf("no document id, pass --doc or set peer.docid")
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	self := collab.Identity{PeerID: cfg.Peer.PeerID, DisplayName: cfg.Peer.DisplayName}
	if self.PeerID == "" {
		self.PeerID = uuid.NewString()
	}
	if self.DisplayName == "" {
		self.DisplayName = "peer-" + self.PeerID[:8]
	}
	logger = logger.With(zap.String("doc", cfg.Peer.DocID), zap.String("peer", self.PeerID))

	var rdb redis.UniversalClient
	if cfg.Sync.Transport == "redis" || cfg.Storage.Cache {
		rdb = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    cfg.Redis.Addrs,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
	}

	transport, err := newTransport(cfg, rdb, self, logger.Named("transport"))
	if err != nil {
		return err
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

	bridge := collab.NewPersistenceBridge(cfg.Peer.DocID, snapshots,
		collab.WithQuietWindow(cfg.Sync.FlushDelay),
		collab.WithWriteSemaphore(collab.NewSemaphoreControl(collab.DefaultSemaphore)),
		collab.WithBridgeLogger(logger.Named("persistence")),
	)

	opts := []collab.SessionOption{
		collab.WithPersistence(bridge),
		collab.WithSnapshotLoader(snapshots),
		collab.WithLogger(logger.Named("session")),
		collab.WithStatusHook(func(st collab.State, err error) {
			if err != nil {
				logger.Warn("sync status changed", zap.Stringer("state", st), zap.Error(err))
				return
			}
			logger.Info("sync status changed", zap.Stringer("state", st))
		}),
	}

	if len(cfg.Kafka.Brokers) > 0 {
		kafkaCfg := sarama.NewConfig()
		// SyncProducer 必须开启 Return.Successes
		kafkaCfg.Producer.Return.Successes = true
		kafkaCfg.Producer.RequiredAcks = sarama.WaitForLocal
		producer, err := sarama.NewSyncProducer(cfg.Kafka.Brokers, kafkaCfg)
		if err != nil {
			return fmt.Errorf("connect kafka: %w", err)
		}
		defer producer.Close()

		dispatcher := collab.NewKafkaDispatcher(producer, cfg.Kafka.Topic,
			collab.NewSemaphoreControl(collab.DefaultSemaphore),
			collab.KafkaDispatcherOptions{
				QueueSize:   cfg.Kafka.QueueSize,
				Workers:     cfg.Kafka.Workers,
				MaxRetry:    3,
				BaseBackoff: 50 * time.Millisecond,
				MaxBackoff:  time.Second,
				Logger:      logger.Named("kafka"),
			})
		defer dispatcher.Close()
		// 这个 peer 自己不编辑，审计的是它收到并应用的远端变更
		opts = append(opts, collab.WithEventSink(dispatcher), collab.WithRemoteEvents())
	}

	docStore := document.NewStore()
	unlisten := docStore.Listen(func(ch document.Change) {
		logger.Debug("document changed",
			zap.Stringer("origin", ch.Origin),
			zap.Int("added", len(ch.Added)),
			zap.Int("updated", len(ch.Updated)),
			zap.Int("removed", len(ch.Removed)),
			zap.Int("records", docStore.Len()),
		)
	})
	defer unlisten()

	sess := collab.NewSession(transport, cfg.Peer.DocID, self, docStore, opts...)
	sess.Presence().OnChange(func(joined, left []channel.Presence) {
		for _, p := range joined {
			logger.Info("peer joined", zap.String("peerId", p.PeerID), zap.String("name", p.DisplayName))
		}
		for _, p := range left {
			logger.Info("peer left", zap.String("peerId", p.PeerID), zap.String("name", p.DisplayName))
		}
	})

	if err := sess.Start(ctx); err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	logger.Info("joined document", zap.Int("records", docStore.Len()))

	<-ctx.Done()

	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if bridge.Pending() {
		logger.Warn("closing with unsaved changes")
	}
	return sess.Close(closeCtx)
}

func newTransport(cfg *config.Config, rdb redis.UniversalClient, self collab.Identity, logger *zap.Logger) (channel.Transport, error) {
	switch cfg.Sync.Transport {
	case "redis":
		return redisbus.New(rdb, redisbus.WithPresenceTTL(cfg.Sync.PresenceTTL), redisbus.WithLogger(logger)), nil
	case "ws":
		token := cfg.Sync.Token
		if token == "" {
			// 与中继共享密钥时自己签一个 peer token
			var err error
			token, _, err = auth.NewSigner(cfg.Auth.Secret).Sign(self.PeerID, self.DisplayName, auth.TypePeer, cfg.Auth.TokenTTL)
			if err != nil {
				return nil, fmt.Errorf("sign peer token: %w", err)
			}
		}
		return wschannel.New(cfg.Sync.RelayURL, wschannel.WithToken(token), wschannel.WithLogger(logger)), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Sync.Transport)
	}
}
