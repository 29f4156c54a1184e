// Package config loads the service's runtime configuration from the
// environment, mirroring the flat-struct, os.Getenv-driven style used
// throughout this codebase's other entry points.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every environment-driven setting the API and worker
// binaries need. It is intentionally flat.
type Config struct {
	Port          string
	Env           string
	LogLevel      string
	PublicBaseURL string

	CarrierAPIKey       string
	CarrierAPISecret    string
	CarrierWebhookToken string
	CarrierFromNumber   string
	CarrierBaseURL      string

	TransferOperatorNumber string

	RecordsAPIBaseURL string
	RecordsAPIKey     string

	AWSRegion           string
	AWSEndpointOverride string
	DynamoJobTable      string

	SQSQueueSMSWaves        string
	SQSQueueOutboundCalls   string
	SQSQueueConfirmationSMS string

	RedisAddr string
	RedisDB   int

	DatabaseURL string

	S3Bucket string

	DefaultWaveIntervalMinutes int
	DefaultMaxAttempts         int
	SessionTTL                 time.Duration
	EventStreamTTL             time.Duration
	JobLedgerRetention         time.Duration
}

// Load reads Config from the environment, applying the same sane
// defaults pattern used elsewhere in this repo.
func Load() (*Config, error) {
	cfg := &Config{
		Port:          getenv("PORT", "8080"),
		Env:           getenv("ENV", "development"),
		LogLevel:      getenv("LOG_LEVEL", "info"),
		PublicBaseURL: strings.TrimRight(getenv("PUBLIC_BASE_URL", "http://localhost:8080"), "/"),

		CarrierAPIKey:       os.Getenv("CARRIER_API_KEY"),
		CarrierAPISecret:    os.Getenv("CARRIER_API_SECRET"),
		CarrierWebhookToken: os.Getenv("CARRIER_WEBHOOK_TOKEN"),
		CarrierFromNumber:   os.Getenv("CARRIER_FROM_NUMBER"),
		CarrierBaseURL:      getenv("CARRIER_BASE_URL", "https://api.twilio.com"),

		TransferOperatorNumber: os.Getenv("TRANSFER_OPERATOR_NUMBER"),

		RecordsAPIBaseURL: os.Getenv("RECORDS_API_BASE_URL"),
		RecordsAPIKey:     os.Getenv("RECORDS_API_KEY"),

		AWSRegion:           getenv("AWS_REGION", "us-east-1"),
		AWSEndpointOverride: os.Getenv("AWS_ENDPOINT_OVERRIDE"),
		DynamoJobTable:      getenv("DYNAMO_JOB_TABLE", "shiftcascade-jobs"),

		SQSQueueSMSWaves:        os.Getenv("SQS_QUEUE_SMS_WAVES"),
		SQSQueueOutboundCalls:   os.Getenv("SQS_QUEUE_OUTBOUND_CALLS"),
		SQSQueueConfirmationSMS: os.Getenv("SQS_QUEUE_CONFIRMATION_SMS"),

		RedisAddr: getenv("REDIS_ADDR", "localhost:6379"),

		DatabaseURL: os.Getenv("DATABASE_URL"),

		S3Bucket: getenv("S3_RECORDINGS_BUCKET", "shiftcascade-recordings"),
	}

	var err error
	if cfg.RedisDB, err = getenvInt("REDIS_DB", 0); err != nil {
		return nil, err
	}
	if cfg.DefaultWaveIntervalMinutes, err = getenvInt("DEFAULT_WAVE_INTERVAL_MINUTES", 10); err != nil {
		return nil, err
	}
	if cfg.DefaultMaxAttempts, err = getenvInt("DEFAULT_MAX_ATTEMPTS", 5); err != nil {
		return nil, err
	}
	if cfg.SessionTTL, err = getenvDuration("SESSION_TTL", 2*time.Hour); err != nil {
		return nil, err
	}
	if cfg.EventStreamTTL, err = getenvDuration("EVENT_STREAM_TTL", 25*time.Hour); err != nil {
		return nil, err
	}
	if cfg.JobLedgerRetention, err = getenvDuration("JOB_LEDGER_RETENTION", 48*time.Hour); err != nil {
		return nil, err
	}

	return cfg, nil
}

func getenv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("config: invalid %s: %w", key, err)
	}
	return v, nil
}

func getenvDuration(key string, fallback time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("config: invalid %s: %w", key, err)
	}
	return v, nil
}
