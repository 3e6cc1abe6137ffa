package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Telegram caps a single sendMediaGroup call at 10 items.
const MaxMediaBatchSize = 10

// Config holds all configuration for the service, loaded from the
// environment (optionally via a .env file).
type Config struct {
	BitrixWebhookURL string // base URL of the Bitrix inbound webhook, including the auth path segment
	BitrixAppToken   string // application_token expected on outbound Bitrix events

	TelegramBotToken string
	TelegramChatID   int64

	OpenAIAPIKey string
	OpenAIModel  string

	// Bitrix custom field codes. These are opaque UF_CRM_* identifiers that
	// differ between portals, so they are never hardcoded.
	FileFieldCode    string
	FolderFieldCode  string
	AddressFieldCode string

	TargetStageName string

	MaxFileSizeMB  int
	DedupWindow    time.Duration
	BatchSize      int
	UploadRetries  int
	CaptionTimeout time.Duration

	DatabaseURL  string
	PollSchedule string // cron expression; empty disables the deal watcher

	Port string
}

// LoadConfig reads configuration from environment variables. A .env file is
// loaded first if present; real environment variables take precedence.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Debug().Err(err).Msg("No .env file found, relying on environment variables")
	}

	cfg := &Config{
		BitrixWebhookURL: strings.TrimRight(os.Getenv("BITRIX_WEBHOOK"), "/"),
		BitrixAppToken:   os.Getenv("BITRIX_APP_TOKEN"),
		TelegramBotToken: os.Getenv("TG_BOT_TOKEN"),
		OpenAIAPIKey:     os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:      getEnv("OPENAI_MODEL", "gpt-3.5-turbo"),
		FileFieldCode:    os.Getenv("FILE_FIELD_ID"),
		FolderFieldCode:  os.Getenv("FOLDER_FIELD_ID"),
		AddressFieldCode: os.Getenv("ADDRESS_FIELD_ID"),
		TargetStageName:  getEnv("TARGET_STAGE_NAME", "Уборка завершена"),
		MaxFileSizeMB:    getEnvInt("MAX_FILE_SIZE_MB", 15),
		DedupWindow:      time.Duration(getEnvInt("DEDUP_WINDOW_SECONDS", 30)) * time.Second,
		BatchSize:        getEnvInt("BATCH_SIZE", MaxMediaBatchSize),
		UploadRetries:    getEnvInt("UPLOAD_RETRIES", 1),
		CaptionTimeout:   time.Duration(getEnvInt("CAPTION_TIMEOUT_SECONDS", 30)) * time.Second,
		DatabaseURL:      getEnv("DATABASE_URL", "cleanreport.db"),
		PollSchedule:     os.Getenv("POLL_SCHEDULE"),
		Port:             getEnv("PORT", "8080"),
	}

	if chatID := os.Getenv("TG_CHAT_ID"); chatID != "" {
		id, err := strconv.ParseInt(chatID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid TG_CHAT_ID %q: %w", chatID, err)
		}
		cfg.TelegramChatID = id
	}

	if cfg.BitrixWebhookURL == "" {
		return nil, fmt.Errorf("BITRIX_WEBHOOK is required")
	}
	if cfg.BatchSize < 1 || cfg.BatchSize > MaxMediaBatchSize {
		log.Warn().Int("batchSize", cfg.BatchSize).Int("max", MaxMediaBatchSize).Msg("BATCH_SIZE out of range, clamping")
		cfg.BatchSize = MaxMediaBatchSize
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("Invalid integer in environment, using default")
		return fallback
	}
	return n
}
