package params

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Server struct {
	Addr string `yaml:"addr"`
}

type Market struct {
	Symbol       string `yaml:"symbol"`
	TickSize     int64  `yaml:"tickSize"`
	LotSize      int64  `yaml:"lotSize"`
	MinOrderSize int64  `yaml:"minOrderSize"`
	MaxOrderSize int64  `yaml:"maxOrderSize"`
}

type Notify struct {
	ThresholdPrice int64    `yaml:"thresholdPrice"` // <= 0 disables alerts
	MulticastGroup string   `yaml:"multicastGroup"` // empty disables multicast
	MulticastTTL   int      `yaml:"multicastTTL"`
	KafkaBrokers   []string `yaml:"kafkaBrokers"` // empty disables the trade stream
	KafkaTopic     string   `yaml:"kafkaTopic"`
}

type Storage struct {
	HistoryBackend  string `yaml:"historyBackend"` // "pebble" or "sqlite"
	DataDir         string `yaml:"dataDir"`
	SeedHistoryFile string `yaml:"seedHistoryFile"`
}

type Pool struct {
	CoreSize      int `yaml:"coreSize"`
	MaxSize       int `yaml:"maxSize"`
	QueueCapacity int `yaml:"queueCapacity"`
	KeepAliveMS   int `yaml:"keepAliveMs"`
}

type Session struct {
	IdleTimeoutS   int `yaml:"idleTimeout"`
	SweepIntervalS int `yaml:"sweepInterval"`
}

type Events struct {
	Buffer int `yaml:"buffer"` // undelivered fills before a backlog warning; the backlog itself is unbounded
}

type Log struct {
	File       string `yaml:"file"`
	Journal    string `yaml:"journal"`
	MaxSizeMB  int    `yaml:"maxSizeMb"`
	MaxBackups int    `yaml:"maxBackups"`
	MaxAgeDays int    `yaml:"maxAgeDays"`
}

type Feeder struct {
	Enabled  bool  `yaml:"enabled"`
	Rate     int   `yaml:"rate"` // orders per second
	MidPrice int64 `yaml:"midPrice"`
}

type Config struct {
	Server  Server  `yaml:"server"`
	Market  Market  `yaml:"market"`
	Notify  Notify  `yaml:"notify"`
	Storage Storage `yaml:"storage"`
	Pool    Pool    `yaml:"pool"`
	Session Session `yaml:"session"`
	Events  Events  `yaml:"events"`
	Log     Log     `yaml:"log"`
	Feeder  Feeder  `yaml:"feeder"`
}

func Default() Config {
	return Config{
		Server: Server{Addr: ":8080"},
		Market: Market{
			Symbol:       "BTC-USD",
			TickSize:     1,
			LotSize:      1,
			MinOrderSize: 1,
			MaxOrderSize: 1_000_000_000,
		},
		Notify: Notify{
			ThresholdPrice: 40000,
			MulticastGroup: "224.0.0.1:6789",
			MulticastTTL:   1,
			KafkaTopic:     "clob.trades",
		},
		Storage: Storage{
			HistoryBackend: "pebble",
			DataDir:        "data",
		},
		Pool: Pool{
			CoreSize:      4,
			MaxSize:       16,
			QueueCapacity: 64,
			KeepAliveMS:   60000,
		},
		Session: Session{
			IdleTimeoutS:   1800,
			SweepIntervalS: 60,
		},
		Events: Events{Buffer: 1024},
		Log: Log{
			File:       "data/node.log",
			Journal:    "data/requests.log",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 28,
		},
		Feeder: Feeder{
			Rate:     20,
			MidPrice: 50000,
		},
	}
}

// Load builds the configuration.
// Priority: ENV > .env file > YAML file named by CONFIG_FILE > defaults
func Load(envPath string) (Config, error) {
	cfg := Default()

	// .env is optional and never overrides variables already set
	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := loadYAML(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func loadYAML(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	var errs []error
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	num64 := func(key string, dst *int64) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}

	str("API_ADDR", &cfg.Server.Addr)

	str("SYMBOL", &cfg.Market.Symbol)
	num64("MARKET_MAX_ORDER_SIZE", &cfg.Market.MaxOrderSize)

	num64("THRESHOLD_PRICE", &cfg.Notify.ThresholdPrice)
	str("MULTICAST_GROUP", &cfg.Notify.MulticastGroup)
	num("MULTICAST_TTL", &cfg.Notify.MulticastTTL)
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		cfg.Notify.KafkaBrokers = splitList(v)
	}
	str("KAFKA_TOPIC", &cfg.Notify.KafkaTopic)

	str("HISTORY_BACKEND", &cfg.Storage.HistoryBackend)
	str("DATA_DIR", &cfg.Storage.DataDir)
	str("SEED_HISTORY_FILE", &cfg.Storage.SeedHistoryFile)

	num("POOL_CORE_SIZE", &cfg.Pool.CoreSize)
	num("POOL_MAX_SIZE", &cfg.Pool.MaxSize)
	num("POOL_QUEUE_CAPACITY", &cfg.Pool.QueueCapacity)
	num("POOL_KEEP_ALIVE_MS", &cfg.Pool.KeepAliveMS)

	num("SESSION_IDLE_TIMEOUT_S", &cfg.Session.IdleTimeoutS)
	num("SESSION_SWEEP_INTERVAL_S", &cfg.Session.SweepIntervalS)

	num("DISPATCH_BUFFER", &cfg.Events.Buffer)

	str("LOG_FILE", &cfg.Log.File)
	str("JOURNAL_FILE", &cfg.Log.Journal)
	num("LOG_MAX_SIZE_MB", &cfg.Log.MaxSizeMB)
	num("LOG_MAX_BACKUPS", &cfg.Log.MaxBackups)
	num("LOG_MAX_AGE_DAYS", &cfg.Log.MaxAgeDays)

	if v := os.Getenv("ENABLE_TXGEN"); v != "" {
		cfg.Feeder.Enabled = v == "true"
	}
	num("TXGEN_RATE", &cfg.Feeder.Rate)
	num64("TXGEN_MID_PRICE", &cfg.Feeder.MidPrice)

	return errors.Join(errs...)
}

// Validate rejects values the node cannot run with.
func (c Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server address cannot be empty")
	}
	if !strings.Contains(c.Market.Symbol, "-") {
		return fmt.Errorf("market symbol %q must be BASE-QUOTE", c.Market.Symbol)
	}
	switch c.Storage.HistoryBackend {
	case "pebble", "sqlite":
	default:
		return fmt.Errorf("unknown history backend %q", c.Storage.HistoryBackend)
	}
	if c.Storage.DataDir == "" {
		return fmt.Errorf("data dir cannot be empty")
	}
	if c.Pool.CoreSize < 1 || c.Pool.MaxSize < c.Pool.CoreSize {
		return fmt.Errorf("pool sizes must satisfy 1 <= core (%d) <= max (%d)", c.Pool.CoreSize, c.Pool.MaxSize)
	}
	if c.Pool.QueueCapacity < 0 || c.Pool.KeepAliveMS <= 0 {
		return fmt.Errorf("pool queue capacity must be >= 0 and keep-alive positive")
	}
	if c.Session.IdleTimeoutS <= 0 || c.Session.SweepIntervalS <= 0 {
		return fmt.Errorf("session idle timeout and sweep interval must be positive")
	}
	if c.Events.Buffer <= 0 {
		return fmt.Errorf("dispatch buffer must be positive")
	}
	if c.Notify.MulticastGroup != "" && (c.Notify.MulticastTTL < 0 || c.Notify.MulticastTTL > 255) {
		return fmt.Errorf("multicast ttl %d out of range", c.Notify.MulticastTTL)
	}
	if len(c.Notify.KafkaBrokers) > 0 && c.Notify.KafkaTopic == "" {
		return fmt.Errorf("kafka topic required when brokers are set")
	}
	if c.Feeder.Enabled && (c.Feeder.Rate <= 0 || c.Feeder.MidPrice <= 0) {
		return fmt.Errorf("feeder rate and mid price must be positive")
	}
	return nil
}

func (p Pool) KeepAlive() time.Duration { return time.Duration(p.KeepAliveMS) * time.Millisecond }

func (s Session) IdleTimeout() time.Duration { return time.Duration(s.IdleTimeoutS) * time.Second }

func (s Session) SweepInterval() time.Duration { return time.Duration(s.SweepIntervalS) * time.Second }

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
