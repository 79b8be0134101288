package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	StorageMemory   = "memory"
	StoragePostgres = "postgres"
	StorageBolt     = "bbolt"
)

// Config is centralized process configuration.
// Keep infra values here and pass typed config into builders.
type Config struct {
	ServiceName  string
	HTTPPort     string
	PostgresDSN  string
	KafkaBrokers []string

	PartyID            string
	StorageBackend     string
	BoltPath           string
	PartyDirectoryFile string
	SecureNodeURL      string
	OutboxBatchSize    int
	PollInterval       time.Duration

	EnableInboxConsumer bool
	EnableHTTPPeers     bool
}

// Load reads an optional .env from the working directory, then the process
// environment. Values already set in the environment win over the file.
func Load() (Config, error) {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(".env"); err != nil {
			return Config{}, fmt.Errorf("load .env: %w", err)
		}
	}

	service := os.Getenv("SERVICE_NAME")
	if service == "" {
		service = "approval-engine"
	}

	port := os.Getenv("HTTP_PORT")
	if port == "" {
		port = "8080"
	}

	var brokers []string
	for _, value := range strings.Split(os.Getenv("KAFKA_BROKERS"), ",") {
		value = strings.TrimSpace(value)
		if value != "" {
			brokers = append(brokers, value)
		}
	}
	if len(brokers) == 0 {
		brokers = []string{"localhost:9092"}
	}

	partyID := strings.TrimSpace(os.Getenv("PARTY_ID"))
	if partyID == "" {
		return Config{}, errors.New("PARTY_ID is required")
	}

	backend := strings.ToLower(strings.TrimSpace(os.Getenv("STORAGE_BACKEND")))
	switch backend {
	case "":
		backend = StoragePostgres
	case StorageMemory, StoragePostgres, StorageBolt:
	default:
		return Config{}, fmt.Errorf("unsupported STORAGE_BACKEND %q", backend)
	}

	boltPath := os.Getenv("BOLT_PATH")
	if boltPath == "" {
		boltPath = "approval-" + partyID + ".db"
	}

	batchSize, err := envInt("OUTBOX_BATCH_SIZE", 100)
	if err != nil {
		return Config{}, err
	}
	pollInterval := 2 * time.Second
	if raw := strings.TrimSpace(os.Getenv("WORKER_POLL_INTERVAL")); raw != "" {
		pollInterval, err = time.ParseDuration(raw)
		if err != nil || pollInterval <= 0 {
			return Config{}, fmt.Errorf("invalid WORKER_POLL_INTERVAL %q", raw)
		}
	}

	return Config{
		ServiceName:  service,
		HTTPPort:     port,
		PostgresDSN:  os.Getenv("POSTGRES_DSN"),
		KafkaBrokers: brokers,

		PartyID:            partyID,
		StorageBackend:     backend,
		BoltPath:           boltPath,
		PartyDirectoryFile: os.Getenv("PARTY_DIRECTORY_FILE"),
		SecureNodeURL:      os.Getenv("SECURE_NODE_URL"),
		OutboxBatchSize:    batchSize,
		PollInterval:       pollInterval,

		EnableInboxConsumer: envBool("ENABLE_INBOX_CONSUMER", true),
		EnableHTTPPeers:     envBool("ENABLE_HTTP_PEERS", false),
	}, nil
}

// DebugString renders the configuration for the startup log with the
// database password masked.
func (c Config) DebugString() string {
	return fmt.Sprintf(
		"party=%s storage=%s dsn=%s bolt=%s directory=%s http_peers=%t inbox=%t",
		c.PartyID,
		c.StorageBackend,
		maskDSN(c.PostgresDSN),
		c.BoltPath,
		c.PartyDirectoryFile,
		c.EnableHTTPPeers,
		c.EnableInboxConsumer,
	)
}

func maskDSN(dsn string) string {
	if u, err := url.Parse(dsn); err == nil && u.Scheme != "" {
		if u.User != nil {
			u.User = url.User(u.User.Username())
		}
		return u.String()
	}
	parts := strings.Fields(dsn)
	for i, part := range parts {
		if strings.HasPrefix(strings.ToLower(part), "password=") {
			parts[i] = "password=***"
		}
	}
	return strings.Join(parts, " ")
}

func envInt(name string, fallback int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		return 0, fmt.Errorf("invalid %s %q", name, raw)
	}
	return value, nil
}

func envBool(name string, fallback bool) bool {
	raw := strings.TrimSpace(strings.ToLower(os.Getenv(name)))
	if raw == "" {
		return fallback
	}
	switch raw {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return fallback
	}
}
