package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	Running struct {
		Port int    `mapstructure:"port"`
		Mode string `mapstructure:"mode"`
	} `mapstructure:"running"`
	Redis struct {
		Addrs    []string `mapstructure:"addrs"`
		Password string   `mapstructure:"password"`
		DB       int      `mapstructure:"db"`
	} `mapstructure:"redis"`
	// Storage 白板快照；driver 取 mysql / postgres / sqlite
	Storage struct {
		Driver string `mapstructure:"driver"`
		DSN    string `mapstructure:"dsn"`
		Cache  bool   `mapstructure:"cache"`
	} `mapstructure:"storage"`
	// Mysql 项目元数据（gorm）；为空则不开放 /v1 项目接口
	Mysql struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"mysql"`
	Kafka struct {
		Brokers   []string `mapstructure:"brokers"`
		Topic     string   `mapstructure:"topic"`
		Workers   int      `mapstructure:"workers"`
		QueueSize int      `mapstructure:"queuesize"`
	} `mapstructure:"kafka"`
	Auth struct {
		Secret   string        `mapstructure:"secret"`
		TokenTTL time.Duration `mapstructure:"tokenttl"`
	} `mapstructure:"auth"`
	Sync struct {
		// Transport 取 ws（连中继）或 redis（直接走 pub/sub）
		Transport      string        `mapstructure:"transport"`
		RelayURL       string        `mapstructure:"relayurl"`
		Token          string        `mapstructure:"token"`
		FlushDelay     time.Duration `mapstructure:"flushdelay"`
		PresenceTTL    time.Duration `mapstructure:"presencettl"`
		AllowedOrigins []string      `mapstructure:"allowedorigins"`
	} `mapstructure:"sync"`
	Peer struct {
		DocID       string `mapstructure:"docid"`
		PeerID      string `mapstructure:"peerid"`
		DisplayName string `mapstructure:"displayname"`
	} `mapstructure:"peer"`
	Log struct {
		Level string `mapstructure:"level"`
		Dev   bool   `mapstructure:"dev"`
	} `mapstructure:"log"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("running.port", 8080)
	v.SetDefault("running.mode", "release")
	v.SetDefault("redis.addrs", []string{"127.0.0.1:6379"})
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.dsn", "boardsync.db")
	v.SetDefault("storage.cache", false)
	v.SetDefault("mysql.dsn", "")
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "board.mutations")
	v.SetDefault("kafka.workers", 4)
	v.SetDefault("kafka.queuesize", 10_000)
	v.SetDefault("auth.secret", "")
	v.SetDefault("auth.tokenttl", 24*time.Hour)
	v.SetDefault("sync.transport", "ws")
	v.SetDefault("sync.relayurl", "ws://127.0.0.1:8080/sync/ws")
	v.SetDefault("sync.token", "")
	v.SetDefault("sync.flushdelay", 2*time.Second)
	v.SetDefault("sync.presencettl", 30*time.Second)
	v.SetDefault("sync.allowedorigins", []string{})
	v.SetDefault("peer.docid", "")
	v.SetDefault("peer.peerid", "")
	v.SetDefault("peer.displayname", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.dev", false)
}

// RegisterFlags 注册命令行参数，命令行优先级高于环境变量和配置文件
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "path to config file (default: search boardsync.yaml)")
	fs.String("doc", "", "document id to join")
	fs.String("name", "", "display name shown to other peers")
	fs.String("transport", "", "sync transport: ws or redis")
	fs.Int("port", 0, "http listen port")
}

var flagKeys = map[string]string{
	"doc":       "peer.docid",
	"name":      "peer.displayname",
	"transport": "sync.transport",
	"port":      "running.port",
}

// Load 读取配置。fs 可以为 nil；指定了 --config 时文件必须存在。
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("BOARDSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	explicit := ""
	if fs != nil {
		if f := fs.Lookup("config"); f != nil {
			explicit = f.Value.String()
		}
		for name, key := range flagKeys {
			if f := fs.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	if explicit != "" {
		v.SetConfigFile(explicit)
	} else {
		v.SetConfigName("boardsync")
		v.SetConfigType("yaml")
		// 兼容从项目根目录或 backend 目录启动
		v.AddConfigPath("./backend/config")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if explicit != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.Sync.Transport {
	case "ws", "redis":
	default:
		return fmt.Errorf("sync.transport must be ws or redis, got %q", c.Sync.Transport)
	}
	if c.Sync.FlushDelay <= 0 {
		return fmt.Errorf("sync.flushdelay must be positive")
	}
	if c.Sync.PresenceTTL <= 0 {
		return fmt.Errorf("sync.presencettl must be positive")
	}
	return nil
}
