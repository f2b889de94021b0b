// Package relay parses relay worker flags and composes the worker process.
package relay

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	entrypoint "github.com/frorz1/wss/internal/platform/cmd"
	"github.com/frorz1/wss/internal/platform/logging"
	server "github.com/frorz1/wss/internal/services/relay/app"
	"github.com/frorz1/wss/internal/services/relay/bus"
	"github.com/frorz1/wss/internal/services/relay/bus/redisbus"
	"github.com/frorz1/wss/internal/services/relay/recovery"
	"github.com/frorz1/wss/internal/services/relay/storage"
	"github.com/frorz1/wss/internal/services/relay/storage/postgres"
	"github.com/frorz1/wss/internal/services/relay/storage/sqlite"
	"github.com/rs/zerolog"
)

// Store and bus drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
	DriverRedis    = "redis"
)

// Config holds relay worker configuration. Environment variables carry the
// RELAY_ prefix.
type Config struct {
	HTTPAddr       string        `env:"HTTP_ADDR"               envDefault:":3000"`
	HealthAddr     string        `env:"HEALTH_ADDR"             envDefault:":3001"`
	WorkerID       string        `env:"WORKER_ID"`
	StoreDriver    string        `env:"STORE_DRIVER"            envDefault:"sqlite"`
	DBPath         string        `env:"DB_PATH"                 envDefault:"data/relay.db"`
	PostgresDSN    string        `env:"POSTGRES_DSN"`
	BusDriver      string        `env:"BUS_DRIVER"              envDefault:"memory"`
	RedisAddr      string        `env:"REDIS_ADDR"              envDefault:"localhost:6379"`
	RedisChannel   string        `env:"REDIS_CHANNEL"           envDefault:"relay:events"`
	RecoveryWindow time.Duration `env:"RECOVERY_WINDOW"         envDefault:"2m"`
	RecoveryPolicy string        `env:"RECOVERY_FAILURE_POLICY" envDefault:"admit"`
	OutboxSize     int           `env:"OUTBOX_SIZE"             envDefault:"1024"`
	LogLevel       string        `env:"LOG_LEVEL"               envDefault:"info"`
	LogConsole     bool          `env:"LOG_CONSOLE"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}

	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "relay HTTP/WebSocket listen address")
	fs.StringVar(&cfg.HealthAddr, "health-addr", cfg.HealthAddr, "gRPC health listen address (empty disables)")
	fs.StringVar(&cfg.WorkerID, "worker-id", cfg.WorkerID, "worker id (defaults to host-pid)")
	fs.StringVar(&cfg.StoreDriver, "store", cfg.StoreDriver, "message store driver: sqlite or postgres")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "SQLite message store path")
	fs.StringVar(&cfg.PostgresDSN, "postgres-dsn", cfg.PostgresDSN, "Postgres message store DSN")
	fs.StringVar(&cfg.BusDriver, "bus", cfg.BusDriver, "fan-out bus driver: memory or redis")
	fs.StringVar(&cfg.RedisAddr, "redis-addr", cfg.RedisAddr, "Redis address for the redis bus")
	fs.StringVar(&cfg.RedisChannel, "redis-channel", cfg.RedisChannel, "Redis pub/sub channel shared by workers")
	fs.DurationVar(&cfg.RecoveryWindow, "recovery-window", cfg.RecoveryWindow, "how long dropped sessions stay resumable (0 disables)")
	fs.StringVar(&cfg.RecoveryPolicy, "recovery-failure-policy", cfg.RecoveryPolicy, "admit or reject sessions whose history read fails")
	fs.IntVar(&cfg.OutboxSize, "outbox-size", cfg.OutboxSize, "events a session may have waiting before it is dropped")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level")
	fs.BoolVar(&cfg.LogConsole, "log-console", cfg.LogConsole, "human-readable logs")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	if strings.TrimSpace(cfg.WorkerID) == "" {
		cfg.WorkerID = defaultWorkerID()
	}
	return cfg, nil
}

func defaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "relay"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

// Run opens the store and bus and serves one relay worker until ctx ends.
func Run(ctx context.Context, cfg Config) error {
	logger, err := logging.New(logging.Config{
		Level:   cfg.LogLevel,
		Console: cfg.LogConsole,
		Service: entrypoint.ServiceRelay,
		Worker:  cfg.WorkerID,
	})
	if err != nil {
		return err
	}
	policy, err := recovery.ParsePolicy(cfg.RecoveryPolicy)
	if err != nil {
		return err
	}

	return entrypoint.RunWithTelemetryAndOptions(ctx, entrypoint.ServiceRelay, entrypoint.RunOptions{Logger: logger}, func(ctx context.Context) error {
		store, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer func() {
			if err := store.Close(); err != nil {
				logger.Warn().Err(err).Msg("close message store")
			}
		}()

		fanout, err := openBus(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer func() {
			if err := fanout.Close(); err != nil {
				logger.Warn().Err(err).Msg("close bus")
			}
		}()

		defer notifySystemd(logger, daemon.SdNotifyStopping)
		if err := server.Run(ctx, server.Config{
			HTTPAddr:       cfg.HTTPAddr,
			HealthAddr:     cfg.HealthAddr,
			WorkerID:       cfg.WorkerID,
			Store:          store,
			Bus:            fanout,
			RecoveryWindow: cfg.RecoveryWindow,
			RecoveryPolicy: policy,
			OutboxSize:     cfg.OutboxSize,
			OnReady: func() {
				notifySystemd(logger, daemon.SdNotifyReady)
			},
			Logger: logger,
		}); err != nil {
			return fmt.Errorf("serve relay: %w", err)
		}
		return nil
	})
}

func openStore(ctx context.Context, cfg Config) (storage.Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.StoreDriver)) {
	case DriverSQLite:
		path := strings.TrimSpace(cfg.DBPath)
		if path == "" {
			return nil, errors.New("db path is required for the sqlite store")
		}
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create storage dir: %w", err)
			}
		}
		store, err := sqlite.Open(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return store, nil
	case DriverPostgres:
		store, err := postgres.Open(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

func openBus(ctx context.Context, cfg Config, logger zerolog.Logger) (bus.Bus, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.BusDriver)) {
	case DriverMemory:
		logger.Warn().Msg("memory bus only fans out within this process; use the redis bus for multiple workers")
		return bus.NewMemory(0), nil
	case DriverRedis:
		fanout, err := redisbus.Open(ctx, cfg.RedisAddr, redisbus.Config{
			Channel: cfg.RedisChannel,
			Logger:  logger,
		})
		if err != nil {
			return nil, fmt.Errorf("open redis bus: %w", err)
		}
		return fanout, nil
	default:
		return nil, fmt.Errorf("unknown bus driver %q", cfg.BusDriver)
	}
}

// notifySystemd reports state to the service manager when the worker runs as
// a notify unit. Outside systemd it does nothing.
func notifySystemd(logger zerolog.Logger, state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		logger.Warn().Err(err).Str("state", state).Msg("systemd notify failed")
		return
	}
	if sent {
		logger.Debug().Str("state", state).Msg("notified systemd")
	}
}
