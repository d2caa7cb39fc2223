package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Settings is the typed view of the process environment.
type Settings struct {
	Port string
	Env  string

	DBUser            string
	DBPassword        string
	DBHost            string
	DBPort            string
	DBName            string
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration
	DBConnMaxIdleTime time.Duration
	SkipMigrations    bool

	RedisAddress string

	PubSubProjectID       string
	PubSubCredentialsJSON string
	EventsTopic           string
	VendorSyncTopic       string
	CreateTopics          bool

	CORSAllowedOrigins []string
	RateLimitEnabled   bool
	RateLimitMax       int64
	RateLimitWindow    time.Duration

	// BulkWorkers bounds per-unit parallelism in AdvanceAll and AutoPick.
	BulkWorkers int
	// CASMaxRetries bounds compare-and-adjust retries on a single bin or unit row.
	CASMaxRetries       int
	AutoCompleteBatches bool
	MaxCycleCountSample int

	ROPWindowDays       int
	DefaultLeadTimeDays int
	ROPInterval         time.Duration

	VendorMasterURL     string
	VendorMasterAPIKey  string
	OrderServiceURL     string
	OrderServiceAPIKey  string
	IntegrationRateMin  int64
	PhoneRegion         string
	SyncQueueMaxRetries int
	SyncQueueInterval   time.Duration
}

func init() {
	// Load env from .env
	godotenv.Load()
}

// LoadSettings reads Settings from the environment, applying defaults.
func LoadSettings() Settings {
	port := os.Getenv("API_PORT")
	if port == "" {
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = "8080"
	}
	return Settings{
		Port: port,
		Env:  strings.TrimSpace(os.Getenv("GO_ENV")),

		DBUser:            os.Getenv("DB_USER"),
		DBPassword:        os.Getenv("DB_PASSWORD"),
		DBHost:            os.Getenv("DB_HOST"),
		DBPort:            os.Getenv("DB_PORT"),
		DBName:            os.Getenv("DB_NAME"),
		DBMaxOpenConns:    intFromEnv("DB_MAX_OPEN_CONNS", 50),
		DBMaxIdleConns:    intFromEnv("DB_MAX_IDLE_CONNS", 25),
		DBConnMaxLifetime: time.Duration(intFromEnv("DB_CONN_MAX_LIFETIME_SECONDS", 300)) * time.Second,
		DBConnMaxIdleTime: time.Duration(intFromEnv("DB_CONN_MAX_IDLE_TIME_SECONDS", 60)) * time.Second,
		SkipMigrations:    boolFromEnv("SKIP_MIGRATIONS", false),

		RedisAddress: os.Getenv("REDIS_ADDRESS"),

		PubSubProjectID:       firstNonEmpty(os.Getenv("PUBSUB_PROJECT_ID"), os.Getenv("GOOGLE_CLOUD_PROJECT"), os.Getenv("GCP_PROJECT")),
		PubSubCredentialsJSON: os.Getenv("PUBSUB_CREDENTIALS_JSON"),
		EventsTopic:           firstNonEmpty(os.Getenv("EVENTS_TOPIC"), "fulfillment-events"),
		VendorSyncTopic:       firstNonEmpty(os.Getenv("VENDOR_SYNC_TOPIC"), "vendor-sync"),
		CreateTopics:          boolFromEnv("PUBSUB_CREATE_TOPICS", false),

		CORSAllowedOrigins: splitAndTrim(os.Getenv("CORS_ALLOWED_ORIGINS")),
		RateLimitEnabled:   boolFromEnv("RATE_LIMIT_ENABLED", false),
		RateLimitMax:       int64(intFromEnv("RATE_LIMIT_MAX_REQUESTS", 600)),
		RateLimitWindow:    time.Duration(intFromEnv("RATE_LIMIT_WINDOW_SECONDS", 60)) * time.Second,

		BulkWorkers:         intFromEnv("BULK_WORKERS", 8),
		CASMaxRetries:       intFromEnv("CAS_MAX_RETRIES", 5),
		AutoCompleteBatches: boolFromEnv("AUTO_COMPLETE_BATCHES", false),
		MaxCycleCountSample: intFromEnv("MAX_CYCLE_COUNT_SAMPLE", 500),

		ROPWindowDays:       intFromEnv("ROP_WINDOW_DAYS", 30),
		DefaultLeadTimeDays: intFromEnv("ROP_DEFAULT_LEAD_TIME_DAYS", 7),
		ROPInterval:         time.Duration(intFromEnv("ROP_INTERVAL_MINUTES", 0)) * time.Minute,

		VendorMasterURL:     strings.TrimRight(strings.TrimSpace(os.Getenv("VENDOR_MASTER_URL")), "/"),
		VendorMasterAPIKey:  os.Getenv("VENDOR_MASTER_API_KEY"),
		OrderServiceURL:     strings.TrimRight(strings.TrimSpace(os.Getenv("ORDER_SERVICE_URL")), "/"),
		OrderServiceAPIKey:  os.Getenv("ORDER_SERVICE_API_KEY"),
		IntegrationRateMin:  int64(intFromEnv("INTEGRATION_RATE_LIMIT_PER_MIN", 60)),
		PhoneRegion:         firstNonEmpty(os.Getenv("PHONE_DEFAULT_REGION"), "MM"),
		SyncQueueMaxRetries: intFromEnv("SYNC_QUEUE_MAX_RETRIES", 10),
		SyncQueueInterval:   time.Duration(intFromEnv("SYNC_QUEUE_INTERVAL_SECONDS", 30)) * time.Second,
	}
}

// IsProduction reports GO_ENV=production.
func (s Settings) IsProduction() bool {
	return strings.EqualFold(s.Env, "production")
}

func intFromEnv(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func boolFromEnv(key string, def bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch v {
	case "1", "true", "yes", "y":
		return true
	case "0", "false", "no", "n":
		return false
	}
	return def
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func splitAndTrim(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
