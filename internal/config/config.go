package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration loaded from environment.
type Config struct {
	Kafka struct {
		Broker  string
		Topic   string
		GroupID string
	}
	DB struct {
		DSN string
	}
	Redis struct {
		Addr     string
		Password string
	}
	Cache struct {
		TTL   time.Duration
		MaxMB int
	}
	API struct {
		Port     string
		BasePath string
	}
	Logging struct {
		Dir   string
		Level string
	}
	SMS struct {
		AccountSID        string
		AuthToken         string
		FromNumber        string
		StatusCallbackURL string
	}
	Telegram struct {
		BotToken string
		ChatID   int64
	}
	Commerce struct {
		BaseURL  string
		Token    string
		StoreURL string
	}
	Window struct {
		StartHour int
		EndHour   int
		Timezone  string
	}
	Scheduler struct {
		Interval          time.Duration
		BatchSize         int
		RunCap            int
		MinSendInterval   time.Duration
		SendTimeout       time.Duration
		ClaimTTL          time.Duration
		RecoveryDelay     time.Duration
		ShipmentDelay     time.Duration
		RetentionDays     int
		AttributionWindow time.Duration
		ScanOutsideWindow bool
	}
}

// Load reads environment variables, applies defaults, and returns a Config.
func Load() (Config, error) {
	// Load .env if present
	if err := godotenv.Load("../.env"); err != nil && !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("failed to load .env file: %w", err)
	}

	var cfg Config

	cfg.Kafka.Broker = os.Getenv("KAFKA_BROKER")
	cfg.Kafka.Topic = os.Getenv("KAFKA_TOPIC")
	cfg.Kafka.GroupID = os.Getenv("KAFKA_GROUP_ID")

	cfg.DB.DSN = os.Getenv("DB_DSN")

	cfg.Redis.Addr = os.Getenv("REDIS_ADDR")
	cfg.Redis.Password = os.Getenv("REDIS_PASSWORD")
	cfg.Cache.TTL = getDuration("CACHE_TTL", 5*time.Minute)
	cfg.Cache.MaxMB = getInt("CACHE_MAX_MB", 64)

	cfg.API.Port = os.Getenv("API_PORT")
	cfg.API.BasePath = os.Getenv("API_BASE_PATH")

	cfg.Logging.Dir = os.Getenv("LOG_DIR")
	cfg.Logging.Level = os.Getenv("LOG_LEVEL")

	// Twilio
	cfg.SMS.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	cfg.SMS.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	cfg.SMS.FromNumber = os.Getenv("TWILIO_FROM_NUMBER")
	cfg.SMS.StatusCallbackURL = os.Getenv("TWILIO_STATUS_CALLBACK_URL")

	cfg.Telegram.BotToken = os.Getenv("TELEGRAM_BOT_TOKEN")
	if id, err := strconv.ParseInt(os.Getenv("TELEGRAM_CHAT_ID"), 10, 64); err == nil {
		cfg.Telegram.ChatID = id
	}

	cfg.Commerce.BaseURL = os.Getenv("COMMERCE_API_URL")
	cfg.Commerce.Token = os.Getenv("COMMERCE_API_TOKEN")
	cfg.Commerce.StoreURL = os.Getenv("STORE_URL")

	// Sending window
	cfg.Window.StartHour = getInt("SEND_WINDOW_START_HOUR", 9)
	cfg.Window.EndHour = getInt("SEND_WINDOW_END_HOUR", 21)
	cfg.Window.Timezone = os.Getenv("BUSINESS_TIMEZONE")

	// Scheduler
	cfg.Scheduler.Interval = getDuration("SCHEDULER_INTERVAL", 5*time.Minute)
	cfg.Scheduler.BatchSize = getInt("BATCH_SIZE", 50)
	cfg.Scheduler.RunCap = getInt("RUN_CAP", 500)
	cfg.Scheduler.MinSendInterval = getDuration("MIN_SEND_INTERVAL", time.Second)
	cfg.Scheduler.SendTimeout = getDuration("SEND_TIMEOUT", 10*time.Second)
	cfg.Scheduler.ClaimTTL = getDuration("CLAIM_TTL", 15*time.Minute)
	cfg.Scheduler.RecoveryDelay = getDuration("RECOVERY_DELAY", 6*time.Hour)
	cfg.Scheduler.ShipmentDelay = getDuration("SHIPMENT_DELAY", 72*time.Hour)
	cfg.Scheduler.RetentionDays = getInt("RETENTION_DAYS", 30)
	cfg.Scheduler.AttributionWindow = getDuration("ATTRIBUTION_WINDOW", 7*24*time.Hour)
	cfg.Scheduler.ScanOutsideWindow = getBool("SCAN_OUTSIDE_WINDOW", true)

	// Validate required settings
	missing := []string{}
	if cfg.DB.DSN == "" {
		missing = append(missing, "DB_DSN")
	}
	if cfg.Kafka.Broker == "" {
		missing = append(missing, "KAFKA_BROKER")
	}
	if len(missing) > 0 {
		return Config{}, fmt.Errorf("missing required configurations: %v", missing)
	}
	if cfg.Window.StartHour < 0 || cfg.Window.EndHour > 24 || cfg.Window.StartHour >= cfg.Window.EndHour {
		return Config{}, fmt.Errorf("invalid sending window %d-%d", cfg.Window.StartHour, cfg.Window.EndHour)
	}

	// A claim must outlive the slowest batch or another instance re-sends it
	worstBatch := time.Duration(cfg.Scheduler.BatchSize) * (cfg.Scheduler.MinSendInterval + cfg.Scheduler.SendTimeout)
	if cfg.Scheduler.ClaimTTL <= worstBatch {
		return Config{}, fmt.Errorf("CLAIM_TTL %s must exceed BATCH_SIZE x (MIN_SEND_INTERVAL + SEND_TIMEOUT) = %s",
			cfg.Scheduler.ClaimTTL, worstBatch)
	}

	// Apply defaults
	if cfg.Kafka.Topic == "" {
		cfg.Kafka.Topic = "commerce-events"
	}
	if cfg.Kafka.GroupID == "" {
		cfg.Kafka.GroupID = "sms-notification-service"
	}
	if cfg.API.Port == "" {
		cfg.API.Port = ":8080"
	}
	if cfg.API.BasePath == "" {
		cfg.API.BasePath = "/api/v0"
	}
	if cfg.Logging.Dir == "" {
		cfg.Logging.Dir = "logs"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Window.Timezone == "" {
		cfg.Window.Timezone = "America/New_York"
	}

	return cfg, nil
}

func getInt(key string, def int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return v
	}
	return def
}

func getDuration(key string, def time.Duration) time.Duration {
	if v, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return v
	}
	return def
}

func getBool(key string, def bool) bool {
	if v, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return v
	}
	return def
}
