package config

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"leadflow/models"
)

var (
	DB        *gorm.DB
	AppConfig Config
)

type RedisConfig struct {
	Address  string `json:"address"`
	Password string `json:"-"`
	DB       int    `json:"db"`
}

type Config struct {
	Environment string `json:"environment"`
	ServerPort  string `json:"server_port"`

	DBHost         string `json:"db_host"`
	DBPort         string `json:"db_port"`
	DBUser         string `json:"db_user"`
	DBPassword     string `json:"-"`
	DBName         string `json:"db_name"`
	DBSSLMode      string `json:"db_ssl_mode"`
	DBMaxIdleConns int    `json:"db_max_idle_conns"`
	DBMaxOpenConns int    `json:"db_max_open_conns"`

	Redis RedisConfig `json:"redis"`

	SentryDSN string `json:"-"`

	SMTPHost     string `json:"smtp_host"`
	SMTPPort     string `json:"smtp_port"`
	SMTPUsername string `json:"smtp_username"`
	SMTPPassword string `json:"-"`
	FromEmail    string `json:"from_email"`
	FromName     string `json:"from_name"`

	SMSGatewayURL     string `json:"sms_gateway_url"`
	SMSGatewayToken   string `json:"-"`
	VoiceGatewayURL   string `json:"voice_gateway_url"`
	VoiceGatewayToken string `json:"-"`

	DecisionAPIURL string `json:"decision_api_url"`
	DecisionAPIKey string `json:"-"`

	AdminJWTSecret string `json:"-"`

	SequenceTTLDays         int     `json:"sequence_ttl_days"`
	MaxRetries              int     `json:"max_retries"`
	RetryBackoffBaseMinutes int     `json:"retry_backoff_base_minutes"`
	QualifyThreshold        float64 `json:"qualify_threshold"`
	StartDelayMinutes       int     `json:"start_delay_minutes"`
}

func init() {
	// Try to load .env file, but don't fail if it doesn't exist
	_ = godotenv.Load()
}

func LoadConfig() error {
	AppConfig = Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		ServerPort:  getEnv("SERVER_PORT", "5000"),

		DBHost:         getEnv("DB_HOST", "localhost"),
		DBPort:         getEnv("DB_PORT", "5432"),
		DBUser:         getEnv("DB_USER", "postgres"),
		DBPassword:     getEnv("DB_PASSWORD", ""),
		DBName:         getEnv("DB_NAME", "leadflow"),
		DBSSLMode:      getEnv("DB_SSL_MODE", "disable"),
		DBMaxIdleConns: getEnvAsInt("DB_MAX_IDLE_CONNS", 10),
		DBMaxOpenConns: getEnvAsInt("DB_MAX_OPEN_CONNS", 100),

		Redis: RedisConfig{
			Address:  getEnv("REDIS_ADDRESS", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},

		SentryDSN: getEnv("SENTRY_DSN", ""),

		SMTPHost:     getEnv("SMTP_HOST", "localhost"),
		SMTPPort:     getEnv("SMTP_PORT", "587"),
		SMTPUsername: getEnv("SMTP_USERNAME", ""),
		SMTPPassword: getEnv("SMTP_PASSWORD", ""),
		FromEmail:    getEnv("FROM_EMAIL", "team@leadflow.local"),
		FromName:     getEnv("FROM_NAME", "LeadFlow"),

		SMSGatewayURL:     getEnv("SMS_GATEWAY_URL", ""),
		SMSGatewayToken:   getEnv("SMS_GATEWAY_TOKEN", ""),
		VoiceGatewayURL:   getEnv("VOICE_GATEWAY_URL", ""),
		VoiceGatewayToken: getEnv("VOICE_GATEWAY_TOKEN", ""),

		DecisionAPIURL: getEnv("DECISION_API_URL", ""),
		DecisionAPIKey: getEnv("DECISION_API_KEY", ""),

		AdminJWTSecret: getEnv("ADMIN_JWT_SECRET", ""),

		SequenceTTLDays:         getEnvAsInt("SEQUENCE_TTL_DAYS", 90),
		MaxRetries:              getEnvAsInt("MAX_RETRIES", 3),
		RetryBackoffBaseMinutes: getEnvAsInt("RETRY_BACKOFF_BASE_MINUTES", 5),
		QualifyThreshold:        getEnvAsFloat("QUALIFY_THRESHOLD", 0.8),
		StartDelayMinutes:       getEnvAsInt("START_DELAY_MINUTES", 5),
	}

	// Validate required configurations
	if AppConfig.DBPassword == "" {
		return fmt.Errorf("DB_PASSWORD is required")
	}
	if AppConfig.AdminJWTSecret == "" {
		return fmt.Errorf("ADMIN_JWT_SECRET is required")
	}
	if AppConfig.Environment == "production" {
		if AppConfig.DecisionAPIURL == "" {
			return fmt.Errorf("DECISION_API_URL is required in production")
		}
		if AppConfig.SMSGatewayURL == "" || AppConfig.VoiceGatewayURL == "" {
			return fmt.Errorf("SMS_GATEWAY_URL and VOICE_GATEWAY_URL are required in production")
		}
	}

	logConfig()
	return nil
}

// SequenceTTL returns the retention window for sequence records.
func (c Config) SequenceTTL() time.Duration {
	return time.Duration(c.SequenceTTLDays) * 24 * time.Hour
}

// RetryBackoffBase returns the base of the retry backoff curve.
func (c Config) RetryBackoffBase() time.Duration {
	return time.Duration(c.RetryBackoffBaseMinutes) * time.Minute
}

// StartDelay returns the default delay before a new sequence's first action.
func (c Config) StartDelay() time.Duration {
	return time.Duration(c.StartDelayMinutes) * time.Minute
}

func ConnectDB() error {
	log.Println("Attempting to connect to database...")

	dsn := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		AppConfig.DBHost,
		AppConfig.DBPort,
		AppConfig.DBUser,
		AppConfig.DBPassword,
		AppConfig.DBName,
		AppConfig.DBSSLMode,
	)
	log.Println("Using connection string:", maskPassword(dsn))

	var err error
	DB, err = gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := DB.DB()
	if err != nil {
		return fmt.Errorf("failed to get DB instance: %w", err)
	}

	sqlDB.SetMaxIdleConns(AppConfig.DBMaxIdleConns)
	sqlDB.SetMaxOpenConns(AppConfig.DBMaxOpenConns)
	sqlDB.SetConnMaxLifetime(time.Hour)
	sqlDB.SetConnMaxIdleTime(30 * time.Minute)

	if err := sqlDB.Ping(); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	log.Println("✅ Successfully connected to the database")
	log.Println("🔄 Starting database migration...")
	if err := migrateDB(DB); err != nil {
		return fmt.Errorf("database migration failed: %w", err)
	}
	log.Println("✅ Database migration completed")
	return nil
}

// Helper functions
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	var value int
	_, err := fmt.Sscanf(valueStr, "%d", &value)
	if err != nil {
		return fallback
	}
	return value
}

func getEnvAsFloat(key string, fallback float64) float64 {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	var value float64
	_, err := fmt.Sscanf(valueStr, "%f", &value)
	if err != nil {
		return fallback
	}
	return value
}

func maskPassword(dsn string) string {
	const passwordMarker = "password="
	startIdx := strings.Index(dsn, passwordMarker)
	if startIdx == -1 {
		return dsn
	}

	startIdx += len(passwordMarker)
	endIdx := strings.IndexAny(dsn[startIdx:], " ")
	if endIdx == -1 {
		return dsn[:startIdx] + "*****"
	}
	return dsn[:startIdx] + "*****" + dsn[startIdx+endIdx:]
}

func logConfig() {
	log.Println("🔧 Loaded configuration:")
	log.Printf("Environment: %s", AppConfig.Environment)
	log.Printf("Server Port: %s", AppConfig.ServerPort)
	log.Printf("Database: %s@%s:%s/%s",
		AppConfig.DBUser,
		AppConfig.DBHost,
		AppConfig.DBPort,
		AppConfig.DBName)
	log.Printf("Redis: %s/%d", AppConfig.Redis.Address, AppConfig.Redis.DB)
	log.Printf("Gateways: sms(%t), voice(%t), smtp(%t), decision(%t)",
		AppConfig.SMSGatewayURL != "",
		AppConfig.VoiceGatewayURL != "",
		AppConfig.SMTPHost != "",
		AppConfig.DecisionAPIURL != "")
}

func migrateDB(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.Lead{},
		&models.SequenceEvent{},
	)
}
