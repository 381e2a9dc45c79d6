package config

import (
	"errors"
	"fmt"
	"time"
)

const (
	StoreFile     = "file"
	StorePostgres = "postgres"

	EventsNone  = "none"
	EventsKafka = "kafka"
	EventsNATS  = "nats"
)

type Config struct {
	AppEnv   string
	LogLevel string
	LogFile  string
	HTTPAddr string

	LMTP     LMTPServer
	Delivery Delivery

	StoreBackend string
	DataDir      string
	DatabaseURL  string

	AcceptFrom string
	BaseURL    string

	EventsBackend string
	KafkaBrokers  []string
	KafkaTopic    string
	NATSURL       string
}

// LMTPServer configures the listener that receives mail.
type LMTPServer struct {
	ListenAddr      string
	Domain          string
	MaxMessageBytes int
	HandlerTimeout  time.Duration
}

// Delivery configures where outgoing activities are sent.
type Delivery struct {
	Socket        string
	Host          string
	Port          int
	HeloName      string
	ReadTimeout   time.Duration
	BannerTimeout time.Duration
	Timeout       time.Duration
}

// Load reads .env (if present) and the environment. Malformed numbers and
// durations fall back to their defaults.
func Load() (Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	cfg := Config{
		AppEnv:   envString("APP_ENV", "dev"),
		LogLevel: envString("LOG_LEVEL", "info"),
		LogFile:  envString("LOG_FILE", ""),
		HTTPAddr: envString("HTTP_ADDR", ":8080"),

		LMTP: LMTPServer{
			ListenAddr:      envString("LMTP_LISTEN_ADDR", "127.0.0.1:2626"),
			Domain:          envString("LMTP_DOMAIN", "activitypub"),
			MaxMessageBytes: envInt("LMTP_MAX_MESSAGE_BYTES", 10<<20),
			HandlerTimeout:  envDuration("LMTP_HANDLER_TIMEOUT", 60*time.Second),
		},
		Delivery: Delivery{
			Socket:        envString("LMTP_SOCKET", "/var/run/dovecot/lmtp"),
			Host:          envString("LMTP_HOST", "127.0.0.1"),
			Port:          envInt("LMTP_PORT", 2626),
			HeloName:      envString("LMTP_HELO_NAME", "localhost"),
			ReadTimeout:   envDuration("LMTP_READ_TIMEOUT", 3*time.Second),
			BannerTimeout: envDuration("LMTP_BANNER_TIMEOUT", 3*time.Second),
			Timeout:       envDuration("DELIVERY_TIMEOUT", 30*time.Second),
		},

		StoreBackend: envString("STORE_BACKEND", StoreFile),
		DataDir:      envString("DATA_DIR", "/var/www/activitypub"),
		DatabaseURL:  envString("DATABASE_URL", ""),

		AcceptFrom: envString("ACCEPT_FROM", "follow@ipcnode.local"),
		BaseURL:    envString("NODE_BASE_URL", "https://ipcnode.local"),

		EventsBackend: envString("EVENTS_BACKEND", EventsNone),
		KafkaBrokers:  envCSV("KAFKA_BROKERS", []string{"localhost:9092"}),
		KafkaTopic:    envString("KAFKA_TOPIC", "activitypub.events"),
		NATSURL:       envString("NATS_URL", "nats://127.0.0.1:4222"),
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	var errs []error
	switch c.StoreBackend {
	case StoreFile:
		if c.DataDir == "" {
			errs = append(errs, errors.New("DATA_DIR is required for the file store"))
		}
	case StorePostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend))
	}

	switch c.EventsBackend {
	case EventsNone, EventsNATS:
	case EventsKafka:
		if len(c.KafkaBrokers) == 0 || c.KafkaTopic == "" {
			errs = append(errs, errors.New("KAFKA_BROKERS and KAFKA_TOPIC are required for kafka events"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown EVENTS_BACKEND %q", c.EventsBackend))
	}

	if c.Delivery.Port <= 0 || c.Delivery.Port > 65535 {
		errs = append(errs, fmt.Errorf("LMTP_PORT out of range: %d", c.Delivery.Port))
	}
	return errors.Join(errs...)
}
