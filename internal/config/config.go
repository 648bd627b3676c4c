package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port string

	// Database. Driver is "postgres" or "sqlite"; DSN is driver-specific.
	DBDriver string
	DBDSN    string

	// Event bus. Empty BusURL selects the in-process bus.
	BusURL string

	// Messaging channel credentials (WhatsApp Cloud style).
	VerifyToken   string
	ChannelToken  string
	PhoneNumberID string

	// Action retry policy. Tuning knobs, not correctness invariants.
	ActionRetryMax     int
	ActionRetryBase    time.Duration
	ActionRetryMaxWait time.Duration

	// Fan-out caps per event.
	MaxAutomationsPerWorkspace int
	MaxActionsPerAutomation    int

	// Sales session phase deadlines.
	CollectDeadline time.Duration
	OfferDeadline   time.Duration

	// Fields the collecting phase must gather before offering a pack,
	// and the pack chosen when the offer times out.
	RequiredFields []string
	DefaultPack    string
}

func LoadConfig() *Config {
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: Error loading .env file")
	}

	return &Config{
		Port:          getEnv("PORT", "8080"),
		DBDriver:      getEnv("DB_DRIVER", "sqlite"),
		DBDSN:         getEnv("DB_DSN", "./crm.db"),
		BusURL:        getEnv("BUS_URL", ""),
		VerifyToken:   getEnv("VERIFY_TOKEN", ""),
		ChannelToken:  getEnv("CHANNEL_TOKEN", ""),
		PhoneNumberID: getEnv("PHONE_NUMBER_ID", ""),

		ActionRetryMax:     getEnvInt("ACTION_RETRY_MAX", 3),
		ActionRetryBase:    getEnvMillis("ACTION_RETRY_BASE_MS", 200*time.Millisecond),
		ActionRetryMaxWait: getEnvMillis("ACTION_RETRY_MAX_DELAY_MS", 5*time.Second),

		MaxAutomationsPerWorkspace: getEnvInt("MAX_AUTOMATIONS_PER_WORKSPACE", 100),
		MaxActionsPerAutomation:    getEnvInt("MAX_ACTIONS_PER_AUTOMATION", 20),

		CollectDeadline: getEnvMillis("COLLECT_DEADLINE_MS", 6*time.Minute),
		OfferDeadline:   getEnvMillis("OFFER_DEADLINE_MS", 10*time.Minute),

		RequiredFields: getEnvList("REQUIRED_FIELDS", []string{"name", "email", "city"}),
		DefaultPack:    getEnv("DEFAULT_PACK", "standard"),
	}
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, exists := os.LookupEnv(key); exists {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
		log.Printf("Warning: invalid integer for %s, using default", key)
	}
	return fallback
}

func getEnvMillis(key string, fallback time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if n, err := strconv.Atoi(value); err == nil {
			return time.Duration(n) * time.Millisecond
		}
		log.Printf("Warning: invalid duration for %s, using default", key)
	}
	return fallback
}

func getEnvList(key string, fallback []string) []string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return fallback
}
