package params

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

type API struct {
	Addr            string
	CORSOrigins     []string
	RateLimitPerMin int
}

type Log struct {
	File      string
	MaxSizeMB int
	Verbose   bool
}

type Store struct {
	Driver      string // "pebble" or "postgres"
	PebblePath  string
	PostgresDSN string
}

type Broker struct {
	Driver     string // "memory", "libp2p" or "redis"
	Listen     string
	Bootstrap  []string
	RedisAddr  string
	RedisGroup string
}

type Engine struct {
	// MatchInterval is the period of scheduled matching passes; zero disables the scheduler.
	MatchInterval time.Duration
	// CleanupInterval is the period of the housekeeping sweep; zero disables it.
	CleanupInterval time.Duration
	RetentionDays   int
	SettlementDedup bool
}

type Market struct {
	// Symbols seeds the instrument registry, e.g. "AAPL:189.50,MSFT:410.00".
	Symbols  string
	CacheTTL time.Duration
}

type Accounts struct {
	StartingBalance decimal.Decimal
}

type Config struct {
	API      API
	Log      Log
	Store    Store
	Broker   Broker
	Engine   Engine
	Market   Market
	Accounts Accounts
}

func Default() Config {
	return Config{
		API: API{
			Addr:            ":8080",
			CORSOrigins:     []string{"*"},
			RateLimitPerMin: 100,
		},
		Log: Log{
			File:      "data/brokerd.log",
			MaxSizeMB: 100,
		},
		Store: Store{
			Driver:     "pebble",
			PebblePath: "data/brokerd.db",
		},
		Broker: Broker{
			Driver:     "memory",
			Listen:     "/ip4/0.0.0.0/tcp/0",
			RedisAddr:  "localhost:6379",
			RedisGroup: "stockmatch",
		},
		Engine: Engine{
			MatchInterval: time.Hour,
			RetentionDays: 5,
		},
		Market: Market{
			Symbols:  "AAPL:189.50,MSFT:410.00,GOOGL:142.30,AMZN:178.20,TSLA:245.10",
			CacheTTL: 30 * time.Second,
		},
		Accounts: Accounts{
			StartingBalance: decimal.NewFromInt(1_000_000),
		},
	}
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	cfg.API.Addr = getEnv("API_ADDR", cfg.API.Addr)
	if origins := os.Getenv("CORS_ORIGINS"); origins != "" {
		cfg.API.CORSOrigins = splitList(origins)
	}
	cfg.API.RateLimitPerMin = getEnvInt("RATE_LIMIT_PER_MIN", cfg.API.RateLimitPerMin)

	cfg.Log.File = getEnv("LOG_FILE", cfg.Log.File)
	cfg.Log.MaxSizeMB = getEnvInt("LOG_MAX_SIZE_MB", cfg.Log.MaxSizeMB)
	cfg.Log.Verbose = getEnvBool("VERBOSE", cfg.Log.Verbose)

	cfg.Store.Driver = getEnv("STORE_DRIVER", cfg.Store.Driver)
	cfg.Store.PebblePath = getEnv("PEBBLE_PATH", cfg.Store.PebblePath)
	cfg.Store.PostgresDSN = getEnv("POSTGRES_DSN", cfg.Store.PostgresDSN)

	cfg.Broker.Driver = getEnv("BROKER_DRIVER", cfg.Broker.Driver)
	cfg.Broker.Listen = getEnv("LISTEN", cfg.Broker.Listen)
	if peers := os.Getenv("BOOTSTRAP_PEERS"); peers != "" {
		cfg.Broker.Bootstrap = splitList(peers)
	}
	cfg.Broker.RedisAddr = getEnv("REDIS_ADDR", cfg.Broker.RedisAddr)
	cfg.Broker.RedisGroup = getEnv("REDIS_GROUP", cfg.Broker.RedisGroup)

	cfg.Engine.MatchInterval = getEnvSeconds("MATCH_INTERVAL_SEC", cfg.Engine.MatchInterval)
	cfg.Engine.CleanupInterval = getEnvSeconds("CLEANUP_INTERVAL_SEC", cfg.Engine.CleanupInterval)
	cfg.Engine.RetentionDays = getEnvInt("RETENTION_DAYS", cfg.Engine.RetentionDays)
	cfg.Engine.SettlementDedup = getEnvBool("SETTLEMENT_DEDUP", cfg.Engine.SettlementDedup)

	cfg.Market.Symbols = getEnv("MARKET_SYMBOLS", cfg.Market.Symbols)
	cfg.Market.CacheTTL = getEnvSeconds("MARKET_CACHE_TTL_SEC", cfg.Market.CacheTTL)

	if bal := os.Getenv("STARTING_BALANCE"); bal != "" {
		if d, err := decimal.NewFromString(bal); err == nil {
			cfg.Accounts.StartingBalance = d
		}
	}

	return cfg
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1"
	}
	return defaultValue
}

func getEnvSeconds(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if sec, err := strconv.Atoi(value); err == nil {
			return time.Duration(sec) * time.Second
		}
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
