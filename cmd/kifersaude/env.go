package main

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/hexamarkco/kifersaude-sub001/internal/util"
)

// Default configuration constants
const (
	// DefaultStateDir holds the lock file, the SQLite databases and debug logs.
	DefaultStateDir = "/var/lib/kifersaude"
	// DefaultAppDBFileName is the SQLite file for leads, runs and the message log.
	DefaultAppDBFileName = "kifersaude.db"
	// DefaultWhatsAppDBFileName is the SQLite file for the whatsmeow device store.
	DefaultWhatsAppDBFileName = "whatsapp.db"
	// DefaultConfigFileName is looked up in the state directory when KIFER_CONFIG is unset.
	DefaultConfigFileName = "automation.yaml"
	// DefaultSendRate is the outbound rate limit in messages per second.
	DefaultSendRate = 1.0
	// DefaultSendBurst is the number of messages allowed above the rate.
	DefaultSendBurst = 3
	// DefaultShutdownTimeout bounds how long serve waits for runs to unwind.
	DefaultShutdownTimeout = 30 * time.Second
)

// Gateway kinds accepted in GATEWAY.
const (
	GatewayWhatsApp = "whatsapp"
	GatewayTwilio   = "twilio"
	GatewayMock     = "mock"
)

// Config holds environment configuration
type Config struct {
	StateDir      string
	DatabaseDSN   string
	WhatsAppDSN   string
	ConfigPath    string
	APIAddr       string
	Gateway       string
	TwilioSID     string
	TwilioToken   string
	TwilioFrom    string
	OpenAIKey     string
	OpenAIModel   string
	GenAIDebug    bool
	SendRate      float64
	SendBurst     int
	SweepSchedule string
	Shutdown      time.Duration
	Debug         bool
}

// loadEnvironmentConfig loads configuration from environment variables and the
// optional .env file in the working directory.
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("loadEnvironmentConfig: no .env file loaded", "error", err)
	}

	cfg := Config{
		StateDir:      os.Getenv("KIFER_STATE_DIR"),
		DatabaseDSN:   os.Getenv("DATABASE_DSN"),
		WhatsAppDSN:   os.Getenv("WHATSAPP_DB_DSN"),
		ConfigPath:    os.Getenv("KIFER_CONFIG"),
		APIAddr:       os.Getenv("API_ADDR"),
		Gateway:       strings.ToLower(strings.TrimSpace(os.Getenv("GATEWAY"))),
		TwilioSID:     os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioToken:   os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFrom:    os.Getenv("TWILIO_FROM_NUMBER"),
		OpenAIKey:     os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:   os.Getenv("OPENAI_MODEL"),
		GenAIDebug:    util.ParseBoolEnv("GENAI_DEBUG", false),
		SendRate:      util.ParseFloatEnv("SEND_RATE_PER_SECOND", DefaultSendRate),
		SendBurst:     util.ParseIntEnv("SEND_BURST", DefaultSendBurst),
		SweepSchedule: os.Getenv("SWEEP_SCHEDULE"),
		Shutdown:      util.ParseDurationEnv("SHUTDOWN_TIMEOUT", DefaultShutdownTimeout),
		Debug:         util.ParseBoolEnv("LOG_DEBUG", false),
	}

	if cfg.StateDir == "" {
		cfg.StateDir = DefaultStateDir
	}
	// DATABASE_URL is the name most hosting platforms export.
	if cfg.DatabaseDSN == "" {
		cfg.DatabaseDSN = os.Getenv("DATABASE_URL")
	}
	if cfg.DatabaseDSN == "" {
		cfg.DatabaseDSN = filepath.Join(cfg.StateDir, DefaultAppDBFileName)
	}
	if cfg.WhatsAppDSN == "" {
		cfg.WhatsAppDSN = "file:" + filepath.Join(cfg.StateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
	}
	if cfg.ConfigPath == "" {
		cfg.ConfigPath = filepath.Join(cfg.StateDir, DefaultConfigFileName)
	}
	if cfg.Gateway == "" {
		cfg.Gateway = GatewayWhatsApp
	}

	slog.Debug("loadEnvironmentConfig: environment loaded",
		"state_dir", cfg.StateDir,
		"database_dsn_set", cfg.DatabaseDSN != "",
		"config_path", cfg.ConfigPath,
		"api_addr", cfg.APIAddr,
		"gateway", cfg.Gateway,
		"openai_key_set", cfg.OpenAIKey != "",
		"send_rate", cfg.SendRate,
		"sweep_schedule", cfg.SweepSchedule)
	return cfg
}
