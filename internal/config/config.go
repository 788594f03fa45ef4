package config

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Cache holds capacity and time-to-live per entity kind.
type Cache struct {
	StudentSize     int           `validate:"min=1"`
	StudentTTL      time.Duration `validate:"gt=0"`
	TeamSize        int           `validate:"min=1"`
	TeamTTL         time.Duration `validate:"gt=0"`
	ClubSize        int           `validate:"min=1"`
	ClubTTL         time.Duration `validate:"gt=0"`
	EventSize       int           `validate:"min=1"`
	EventTTL        time.Duration `validate:"gt=0"`
	RefreshInterval time.Duration `validate:"gt=0"`
}

// App holds the runtime configuration loaded from environment variables.
type App struct {
	Env      string
	HTTPPort string `validate:"required,numeric"`
	LogFile  string

	StoreBackend  string `validate:"oneof=mongo memory"`
	MongoURI      string `validate:"required_if=StoreBackend mongo"`
	MongoDatabase string `validate:"required_if=StoreBackend mongo"`
	MongoTimeout  time.Duration

	// DatabaseURL points at the Postgres journal. Empty keeps the journal in memory.
	DatabaseURL  string
	RedisAddr    string
	QueueBackend string `validate:"oneof=redis memory"`
	QueueKey     string `validate:"required"`

	JWTIssuer          string        `validate:"required"`
	JWTPrivateKeyFile  string
	JWTPublicKeyFile   string
	JWTPublicKeyURL    string        `validate:"omitempty,url"`
	TeamTokenTTL       time.Duration `validate:"gt=0"`
	AutomationTokenTTL time.Duration `validate:"gt=0"`

	SortYear        int `validate:"min=2000,max=2100"`
	EventWindowDays int `validate:"min=1"`
	Cache           Cache
	// WarmCache loads clubs and events once before serving.
	WarmCache bool

	RateLimitPerMin int `validate:"min=1"`
}

var validate = validator.New()

// Load returns application config populated from environment variables with sensible defaults.
func Load() App {
	return App{
		Env:      getEnv("APP_ENV", "dev"),
		HTTPPort: getEnv("HTTP_PORT", "8081"),
		LogFile:  getEnv("LOG_FILE", ""),

		StoreBackend:  getEnv("STORE_BACKEND", "mongo"),
		MongoURI:      getEnv("MONGO_URI", "mongodb://localhost:27017"),
		MongoDatabase: getEnv("MONGO_DATABASE", "clubs"),
		MongoTimeout:  durationEnv("MONGO_TIMEOUT", 5*time.Second),

		DatabaseURL:  getEnv("DATABASE_URL", ""),
		RedisAddr:    getEnv("REDIS_ADDR", "localhost:6379"),
		QueueBackend: getEnv("QUEUE_BACKEND", "memory"),
		QueueKey:     getEnv("QUEUE_KEY", "clubapi:repairs"),

		JWTIssuer:          getEnv("JWT_ISSUER", defaultIssuer()),
		JWTPrivateKeyFile:  getEnv("JWT_PRIVATE_KEY_FILE", ""),
		JWTPublicKeyFile:   getEnv("JWT_PUBLIC_KEY_FILE", ""),
		JWTPublicKeyURL:    getEnv("JWT_PUBLIC_KEY_URL", ""),
		TeamTokenTTL:       durationEnv("TEAM_TOKEN_TTL", 90*time.Minute),
		AutomationTokenTTL: durationEnv("AUTOMATION_TOKEN_TTL", 24*time.Hour),

		SortYear:        intEnv("SORT_YEAR", time.Now().Year()),
		EventWindowDays: intEnv("EVENT_WINDOW_DAYS", 7),
		Cache: Cache{
			StudentSize:     intEnv("CACHE_STUDENT_SIZE", 200),
			StudentTTL:      durationEnv("CACHE_STUDENT_TTL", time.Hour),
			TeamSize:        intEnv("CACHE_TEAM_SIZE", 100),
			TeamTTL:         durationEnv("CACHE_TEAM_TTL", 150*time.Minute),
			ClubSize:        intEnv("CACHE_CLUB_SIZE", 100),
			ClubTTL:         durationEnv("CACHE_CLUB_TTL", 210*time.Minute),
			EventSize:       intEnv("CACHE_EVENT_SIZE", 25),
			EventTTL:        durationEnv("CACHE_EVENT_TTL", 210*time.Minute),
			RefreshInterval: durationEnv("CACHE_REFRESH_INTERVAL", 3*time.Hour),
		},
		WarmCache: boolEnv("CACHE_WARM_ON_START", true),

		RateLimitPerMin: intEnv("RATE_LIMIT_PER_MIN", 120),
	}
}

// Validate checks field constraints and cross-field rules.
func Validate(cfg *App) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	if cfg.QueueBackend == "redis" && cfg.RedisAddr == "" {
		return fmt.Errorf("config validation failed: REDIS_ADDR required for redis queue")
	}
	if !cfg.IsDev() && cfg.JWTPrivateKeyFile == "" {
		return fmt.Errorf("config validation failed: JWT_PRIVATE_KEY_FILE required outside dev")
	}
	return nil
}

// IsDev reports whether the service runs in a development environment.
func (a App) IsDev() bool {
	switch strings.ToLower(a.Env) {
	case "", "dev", "development", "local":
		return true
	}
	return false
}

// IsProduction reports whether gin should run in release mode.
func (a App) IsProduction() bool {
	return a.Env == "production" || a.Env == "prod"
}

func defaultIssuer() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	return "MITBLR_CLUB_API_" + host
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func durationEnv(key string, fallback time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			log.Printf("invalid duration for %s: %v, using fallback %s", key, err, fallback)
			return fallback
		}
		return d
	}
	return fallback
}

func boolEnv(key string, fallback bool) bool {
	if val := os.Getenv(key); val != "" {
		if val == "1" || val == "true" || val == "TRUE" {
			return true
		}
		if val == "0" || val == "false" || val == "FALSE" {
			return false
		}
		log.Printf("invalid bool for %s, using fallback %v", key, fallback)
	}
	return fallback
}

func intEnv(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		var parsed int
		if _, err := fmt.Sscanf(val, "%d", &parsed); err == nil {
			return parsed
		}
		log.Printf("invalid int for %s, using fallback %d", key, fallback)
	}
	return fallback
}
