package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	HTTPAddr             string
	DatabaseURL          string
	CORSAllowedOrigins   []string
	CORSAllowCredentials bool

	JWTSecret     string
	WebhookSecret string

	TelegramToken string
	AdminIDs      []int64

	// ContactKey seals user contact info at rest. Empty disables sealing.
	ContactKey []byte

	ConversationTTL time.Duration
	ReminderHour    int
	Location        *time.Location

	LogLevel  string
	LogFormat string

	PaymentProviderToken string
	PaymentCurrency      string
}

// Load reads the environment (and .env when present). DATABASE_URL and
// JWT_SECRET are required.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		HTTPAddr:             getenv("HTTP_ADDR", ":8080"),
		DatabaseURL:          mustGetenv("DATABASE_URL"),
		CORSAllowCredentials: getenv("CORS_ALLOW_CREDENTIALS", "false") == "true",
		WebhookSecret:        getenv("WEBHOOK_SECRET", ""),
		TelegramToken:        getenv("TELEGRAM_TOKEN", ""),
		LogLevel:             getenv("LOG_LEVEL", "info"),
		LogFormat:            getenv("LOG_FORMAT", "json"),
		PaymentProviderToken: getenv("PAYMENT_PROVIDER_TOKEN", ""),
		PaymentCurrency:      strings.ToUpper(getenv("PAYMENT_CURRENCY", "RUB")),
	}

	origins := strings.Split(getenv("CORS_ALLOWED_ORIGINS", ""), ",")
	for _, o := range origins {
		o = strings.TrimSpace(o)
		if o != "" {
			cfg.CORSAllowedOrigins = append(cfg.CORSAllowedOrigins, o)
		}
	}

	ids, err := parseIDs(getenv("ADMIN_IDS", ""))
	if err != nil {
		return cfg, err
	}
	cfg.AdminIDs = ids

	if k := getenv("CONTACT_KEY", ""); k != "" {
		key, err := hex.DecodeString(k)
		if err != nil {
			return cfg, fmt.Errorf("invalid CONTACT_KEY: %w", err)
		}
		cfg.ContactKey = key
	}

	ttl, err := time.ParseDuration(getenv("CONVERSATION_TTL", "24h"))
	if err != nil {
		return cfg, fmt.Errorf("invalid CONVERSATION_TTL: %w", err)
	}
	cfg.ConversationTTL = ttl

	hour, err := strconv.Atoi(getenv("REMINDER_HOUR", "9"))
	if err != nil {
		return cfg, fmt.Errorf("invalid REMINDER_HOUR: %w", err)
	}
	cfg.ReminderHour = hour

	loc, err := time.LoadLocation(getenv("TIMEZONE", "UTC"))
	if err != nil {
		return cfg, fmt.Errorf("invalid TIMEZONE: %w", err)
	}
	cfg.Location = loc

	cfg.JWTSecret = mustGetenv("JWT_SECRET")
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	if c.ConversationTTL <= 0 {
		return fmt.Errorf("CONVERSATION_TTL must be positive, got %s", c.ConversationTTL)
	}
	if c.ReminderHour < 0 || c.ReminderHour > 23 {
		return fmt.Errorf("REMINDER_HOUR must be within 0..23, got %d", c.ReminderHour)
	}
	if len(c.ContactKey) != 0 && len(c.ContactKey) != 32 {
		return fmt.Errorf("CONTACT_KEY must be 32 bytes (64 hex chars), got %d bytes", len(c.ContactKey))
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("LOG_FORMAT must be json or console, got %q", c.LogFormat)
	}
	return nil
}

func parseIDs(s string) ([]int64, error) {
	var out []int64
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid ADMIN_IDS entry %q: %w", part, err)
		}
		out = append(out, id)
	}
	return out, nil
}

func getenv(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func mustGetenv(key string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		panic("missing env: " + key)
	}
	return v
}
