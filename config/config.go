package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/mattn/go-sqlite3"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Config holds all runtime settings, read from the environment
type Config struct {
	Port        string `envconfig:"PORT" default:"8080"`
	Environment string `envconfig:"ENVIRONMENT" default:"development"`

	// DBDriver selects the snapshot store: sqlite, postgres, mongo or memory
	DBDriver   string `envconfig:"DB_DRIVER" default:"sqlite"`
	SQLitePath string `envconfig:"SQLITE_PATH" default:"data/polymarket.sqlite"`
	DBHost     string `envconfig:"DB_HOST" default:"localhost"`
	DBPort     string `envconfig:"DB_PORT" default:"5432"`
	DBUser     string `envconfig:"DB_USER" default:"postgres"`
	DBPassword string `envconfig:"DB_PASSWORD"`
	DBName     string `envconfig:"DB_NAME" default:"narrative_db"`
	DBSSLMode  string `envconfig:"DB_SSLMODE" default:"disable"`

	MongoURI      string `envconfig:"MONGODB_URI"`
	MongoDatabase string `envconfig:"MONGODB_DATABASE" default:"polymarket"`

	// Redis latest-quote cache is disabled when RedisHost is empty
	RedisHost     string        `envconfig:"REDIS_HOST"`
	RedisPort     string        `envconfig:"REDIS_PORT" default:"6379"`
	RedisPassword string        `envconfig:"REDIS_PASSWORD"`
	RedisTTL      time.Duration `envconfig:"REDIS_TTL" default:"10m"`

	ProviderBaseURL  string        `envconfig:"PROVIDER_BASE_URL" default:"https://gamma-api.polymarket.com"`
	ProviderTimeout  time.Duration `envconfig:"PROVIDER_TIMEOUT" default:"15s"`
	FetchMaxRetries  int           `envconfig:"FETCH_MAX_RETRIES" default:"8"`
	FetchBaseDelayMs int           `envconfig:"FETCH_BASE_DELAY_MS" default:"1500"`

	CollectEverySec         int           `envconfig:"COLLECT_EVERY_SEC" default:"30"`
	CollectorMinEverySec    int           `envconfig:"COLLECTOR_MIN_EVERY_SEC" default:"5"`
	CollectorConcurrency    int           `envconfig:"COLLECTOR_CONCURRENCY" default:"1"`
	CollectorAutostart      bool          `envconfig:"COLLECTOR_AUTOSTART" default:"true"`
	CollectorAutostartDelay time.Duration `envconfig:"COLLECTOR_AUTOSTART_DELAY" default:"3s"`
	WatchlistFile           string        `envconfig:"WATCHLIST_FILE"`

	CollectOneRateLimit  int           `envconfig:"COLLECT_ONE_RATE_LIMIT" default:"30"`
	CollectOneRateWindow time.Duration `envconfig:"COLLECT_ONE_RATE_WINDOW" default:"1m"`
}

// LoadConfig loads environment variables
func LoadConfig() (*Config, error) {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment: %w", err)
	}

	return &cfg, nil
}

// RedisAddr returns host:port for the Redis cache, or "" when disabled
func (c *Config) RedisAddr() string {
	if c.RedisHost == "" {
		return ""
	}
	return c.RedisHost + ":" + c.RedisPort
}

// FetchBaseDelay returns the exponential backoff base as a duration
func (c *Config) FetchBaseDelay() time.Duration {
	return time.Duration(c.FetchBaseDelayMs) * time.Millisecond
}

// InitDB opens the relational snapshot database selected by DBDriver
func InitDB(cfg *Config) (*gorm.DB, error) {
	var dialector gorm.Dialector

	switch cfg.DBDriver {
	case "postgres":
		// Log connection info (masked for security)
		log.Printf("Connecting to database: host=%s port=%s user=%s dbname=%s",
			maskHost(cfg.DBHost),
			cfg.DBPort,
			cfg.DBUser,
			cfg.DBName,
		)

		dsn := fmt.Sprintf(
			"host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC",
			cfg.DBHost,
			cfg.DBUser,
			cfg.DBPassword,
			cfg.DBName,
			cfg.DBPort,
			cfg.DBSSLMode,
		)
		dialector = postgres.Open(dsn)
	case "sqlite", "":
		if dir := filepath.Dir(cfg.SQLitePath); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create sqlite directory: %w", err)
			}
		}
		libVersion, _, _ := sqlite3.Version()
		log.Printf("Opening sqlite database: %s (sqlite %s)", cfg.SQLitePath, libVersion)
		dialector = sqlite.Open(cfg.SQLitePath + "?_journal_mode=WAL&_foreign_keys=on")
	default:
		return nil, fmt.Errorf("unsupported relational driver %q", cfg.DBDriver)
	}

	var logLevel logger.LogLevel
	if cfg.Environment == "production" {
		logLevel = logger.Error
	} else {
		logLevel = logger.Warn
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logLevel),
	})
	if err != nil {
		log.Printf("Database connection error: %v", err)
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Verify connection with ping
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database: %w", err)
	}

	if err := sqlDB.Ping(); err != nil {
		log.Printf("Database ping failed: %v", err)
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	if cfg.DBDriver != "postgres" {
		// sqlite serializes writers; one connection avoids SQLITE_BUSY under the collector
		sqlDB.SetMaxOpenConns(1)
	}

	log.Printf("Database connection verified successfully")
	return db, nil
}

// maskHost masks host for logging, preserving domain structure
func maskHost(host string) string {
	if len(host) <= 3 {
		return "***"
	}
	if len(host) <= 15 {
		return host[:3] + "***"
	}
	return host[:8] + "***" + host[len(host)-10:]
}
