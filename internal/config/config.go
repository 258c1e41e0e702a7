package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"swingalgo/internal/market"
)

const EnvProduction = "production"

type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Server   ServerConfig   `mapstructure:"server"`
	Log      LogConfig      `mapstructure:"log"`
	DB       DBConfig       `mapstructure:"db"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Broker   BrokerConfig   `mapstructure:"broker"`
	Stream   StreamConfig   `mapstructure:"stream"`
	Market   MarketConfig   `mapstructure:"market"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Dispatch DispatchConfig `mapstructure:"dispatch"`
	Archive  ArchiveConfig  `mapstructure:"archive"`
}

type AppConfig struct {
	Env string `mapstructure:"env"`
}

type ServerConfig struct {
	HTTPAddr string `mapstructure:"http_addr"`
}

type LogConfig struct {
	Level             string `mapstructure:"level"`
	Encoding          string `mapstructure:"encoding"`
	Development       bool   `mapstructure:"development"`
	Sampling          bool   `mapstructure:"sampling"`
	DisableCaller     bool   `mapstructure:"disable_caller"`
	DisableStacktrace bool   `mapstructure:"disable_stacktrace"`
}

type DBConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
}

// RedisConfig selects the shared store. An empty Addr falls back to an
// in-process store, which gives no cross-worker locking.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type BrokerConfig struct {
	PaperURL   string        `mapstructure:"paper_url"`
	LiveURL    string        `mapstructure:"live_url"`
	DataURL    string        `mapstructure:"data_url"`
	Feed       string        `mapstructure:"feed"`
	RatePerSec float64       `mapstructure:"rate_per_sec"`
	RateBurst  int           `mapstructure:"rate_burst"`
	SessionTTL time.Duration `mapstructure:"session_ttl"`
	APIKey     string        `mapstructure:"api_key"`
	APISecret  string        `mapstructure:"api_secret"`
}

type StreamConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Feed     string        `mapstructure:"feed"`
	Symbols  []string      `mapstructure:"symbols"`
	PriceTTL time.Duration `mapstructure:"price_ttl"`
	// RefreshInterval is how often new script symbols are subscribed.
	RefreshInterval     time.Duration `mapstructure:"refresh_interval"`
	ReconnectBackoff    time.Duration `mapstructure:"reconnect_backoff"`
	MaxReconnectBackoff time.Duration `mapstructure:"max_reconnect_backoff"`
}

type MarketConfig struct {
	Open     string `mapstructure:"open"`
	Close    string `mapstructure:"close"`
	Timezone string `mapstructure:"timezone"`
}

func (m MarketConfig) Hours() (market.Hours, error) {
	return market.NewHours(m.Open, m.Close, m.Timezone)
}

type EngineConfig struct {
	Schedule          string        `mapstructure:"schedule"`
	OrderCooldown     time.Duration `mapstructure:"order_cooldown"`
	FailureCooldown   time.Duration `mapstructure:"failure_cooldown"`
	EnableReentry     bool          `mapstructure:"enable_reentry"`
	IgnoreMarketHours bool          `mapstructure:"ignore_market_hours"`
	KillSwitch        bool          `mapstructure:"kill_switch"`
	MaxOrderNotional  float64       `mapstructure:"max_order_notional"`
	OrderType         string        `mapstructure:"order_type"`
	TimeInForce       string        `mapstructure:"time_in_force"`
	ExtendedHours     bool          `mapstructure:"extended_hours"`
	JournalPath       string        `mapstructure:"journal_path"`
	ShardID           int           `mapstructure:"shard_id"`
	TotalShards       int           `mapstructure:"total_shards"`
}

type DispatchConfig struct {
	Workers           int           `mapstructure:"workers"`
	QueueSize         int           `mapstructure:"queue_size"`
	MaxRetries        int           `mapstructure:"max_retries"`
	RetryBackoff      time.Duration `mapstructure:"retry_backoff"`
	FillPollInterval  time.Duration `mapstructure:"fill_poll_interval"`
	FillPollAttempts  int           `mapstructure:"fill_poll_attempts"`
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval"`
}

type ArchiveConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	Schedule      string `mapstructure:"schedule"`
	RetentionDays int    `mapstructure:"retention_days"`
}

func (a ArchiveConfig) Retention() time.Duration {
	return time.Duration(a.RetentionDays) * 24 * time.Hour
}

// Load reads path (if non-empty) and SWING_-prefixed environment overrides.
// Variables from a .env file in the working directory are applied first
// without overriding the process environment.
func Load(path string) (Config, error) {
	loadDotEnvIfPresent(".env")

	v := viper.New()
	v.SetEnvPrefix("SWING")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	_ = v.BindEnv("broker.api_key", "SWING_BROKER_API_KEY", "APCA_API_KEY_ID")
	_ = v.BindEnv("broker.api_secret", "SWING_BROKER_API_SECRET", "APCA_API_SECRET_KEY")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.env", "development")
	v.SetDefault("server.http_addr", ":8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.encoding", "console")
	v.SetDefault("log.development", true)
	v.SetDefault("log.sampling", false)
	v.SetDefault("log.disable_caller", false)
	v.SetDefault("log.disable_stacktrace", false)
	v.SetDefault("db.driver", "sqlite")
	v.SetDefault("db.dsn", "swingalgo.db")
	v.SetDefault("db.max_open_conns", 20)
	v.SetDefault("db.max_idle_conns", 5)
	v.SetDefault("db.conn_max_lifetime", "30m")
	v.SetDefault("db.conn_max_idle_time", "5m")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("broker.paper_url", "https://paper-api.alpaca.markets")
	v.SetDefault("broker.live_url", "https://api.alpaca.markets")
	v.SetDefault("broker.data_url", "")
	v.SetDefault("broker.feed", "iex")
	v.SetDefault("broker.rate_per_sec", 3)
	v.SetDefault("broker.rate_burst", 5)
	v.SetDefault("broker.session_ttl", "5m")
	v.SetDefault("stream.enabled", true)
	v.SetDefault("stream.feed", "iex")
	v.SetDefault("stream.symbols", []string{})
	v.SetDefault("stream.price_ttl", "15m")
	v.SetDefault("stream.refresh_interval", "1m")
	v.SetDefault("stream.reconnect_backoff", "5s")
	v.SetDefault("stream.max_reconnect_backoff", "2m")
	v.SetDefault("market.open", "09:30")
	v.SetDefault("market.close", "16:00")
	v.SetDefault("market.timezone", "America/New_York")
	v.SetDefault("engine.schedule", "@every 30s")
	v.SetDefault("engine.order_cooldown", "600s")
	v.SetDefault("engine.failure_cooldown", "60s")
	v.SetDefault("engine.enable_reentry", true)
	v.SetDefault("engine.ignore_market_hours", false)
	v.SetDefault("engine.kill_switch", false)
	v.SetDefault("engine.max_order_notional", 0)
	v.SetDefault("engine.order_type", "market")
	v.SetDefault("engine.time_in_force", "day")
	v.SetDefault("engine.extended_hours", false)
	v.SetDefault("engine.journal_path", "decisions.ndjson")
	v.SetDefault("engine.shard_id", 0)
	v.SetDefault("engine.total_shards", 1)
	v.SetDefault("dispatch.workers", 4)
	v.SetDefault("dispatch.queue_size", 256)
	v.SetDefault("dispatch.max_retries", 3)
	v.SetDefault("dispatch.retry_backoff", "15s")
	v.SetDefault("dispatch.fill_poll_interval", "2s")
	v.SetDefault("dispatch.fill_poll_attempts", 5)
	v.SetDefault("dispatch.reconcile_interval", "30s")
	v.SetDefault("archive.enabled", true)
	v.SetDefault("archive.schedule", "0 0 2 * * *")
	v.SetDefault("archive.retention_days", 30)
}

func validate(cfg Config) error {
	var errs []error
	if cfg.App.Env == EnvProduction {
		if cfg.DB.DSN == "" {
			errs = append(errs, errors.New("db.dsn is required in production"))
		}
		if cfg.Redis.Addr == "" {
			errs = append(errs, errors.New("redis.addr is required in production"))
		}
	}
	if _, err := cfg.Market.Hours(); err != nil {
		errs = append(errs, fmt.Errorf("market: %w", err))
	}
	if cfg.Engine.OrderCooldown < 0 {
		errs = append(errs, errors.New("engine.order_cooldown must be >= 0"))
	}
	if cfg.Engine.FailureCooldown < 0 {
		errs = append(errs, errors.New("engine.failure_cooldown must be >= 0"))
	}
	if cfg.Engine.MaxOrderNotional < 0 {
		errs = append(errs, errors.New("engine.max_order_notional must be >= 0"))
	}
	if cfg.Engine.OrderType != "market" && cfg.Engine.OrderType != "limit" {
		errs = append(errs, fmt.Errorf("unsupported order type: %s", cfg.Engine.OrderType))
	}
	if cfg.Engine.TimeInForce != "day" {
		errs = append(errs, fmt.Errorf("unsupported time in force: %s", cfg.Engine.TimeInForce))
	}
	if cfg.Engine.ExtendedHours && cfg.Engine.OrderType != "limit" {
		errs = append(errs, errors.New("extended hours requires limit orders"))
	}
	if cfg.Engine.TotalShards < 1 {
		errs = append(errs, errors.New("engine.total_shards must be >= 1"))
	} else if cfg.Engine.ShardID < 0 || cfg.Engine.ShardID >= cfg.Engine.TotalShards {
		errs = append(errs, fmt.Errorf("engine.shard_id must be in [0, %d)", cfg.Engine.TotalShards))
	}
	if cfg.Dispatch.Workers <= 0 {
		errs = append(errs, errors.New("dispatch.workers must be > 0"))
	}
	if cfg.Dispatch.QueueSize <= 0 {
		errs = append(errs, errors.New("dispatch.queue_size must be > 0"))
	}
	if cfg.Dispatch.MaxRetries < 0 {
		errs = append(errs, errors.New("dispatch.max_retries must be >= 0"))
	}
	if cfg.Dispatch.ReconcileInterval <= 0 {
		errs = append(errs, errors.New("dispatch.reconcile_interval must be > 0"))
	}
	if cfg.Stream.Enabled && cfg.Stream.RefreshInterval <= 0 {
		errs = append(errs, errors.New("stream.refresh_interval must be > 0"))
	}
	if cfg.Archive.RetentionDays <= 0 {
		errs = append(errs, errors.New("archive.retention_days must be > 0"))
	}
	return errors.Join(errs...)
}

func loadDotEnvIfPresent(path string) {
	if _, err := os.Stat(path); err != nil {
		return
	}
	_ = loadDotEnv(path)
}

// loadDotEnv sets variables from a dotenv file unless they are already set.
func loadDotEnv(path string) error {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("env")
	if err := v.ReadInConfig(); err != nil {
		return err
	}
	for _, key := range v.AllKeys() {
		name := strings.ToUpper(key)
		if _, exists := os.LookupEnv(name); exists {
			continue
		}
		if err := os.Setenv(name, v.GetString(key)); err != nil {
			return err
		}
	}
	return nil
}
