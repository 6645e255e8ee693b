package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ErrMissingEnv is wrapped by every error reporting absent required variables.
var ErrMissingEnv = errors.New("missing required environment variables")

// Dead-letter policies.
const (
	DeadLetterLog   = "log"
	DeadLetterKafka = "kafka"
)

// Common contains Elasticsearch parameters shared by every service.
type Common struct {
	ElasticsearchAddr     string
	ElasticsearchIndex    string
	ElasticsearchUsername string
	ElasticsearchPassword string
}

// Ingest holds configuration for the Socrata -> Elasticsearch batch job.
type Ingest struct {
	Common
	DatasetID         string
	AppToken          string
	SocrataDomain     string
	PageSize          int
	NumPages          int
	HTTPTimeout       time.Duration
	DeadLetterPolicy  string
	DeadLetterBrokers []string
	DeadLetterTopic   string
	DedupeCapacity    int
}

// API describes HTTP-layer configuration.
type API struct {
	Common
	BindAddr    string
	DefaultPage int
	MaxPage     int
}

// Retention configures the cleanup loop.
type Retention struct {
	Common
	Interval  time.Duration
	MaxAge    time.Duration
	BatchSize int
}

// LoadIngest builds an Ingest config from environment variables and the
// paging flags. Every connection variable is required.
func LoadIngest(pageSize, numPages int) (*Ingest, error) {
	if pageSize <= 0 {
		return nil, fmt.Errorf("page_size must be positive")
	}
	if numPages <= 0 {
		return nil, fmt.Errorf("num_pages must be positive")
	}

	req := requireEnv("DATASET_ID", "APP_TOKEN", "ES_HOST", "INDEX_NAME", "ES_USERNAME", "ES_PASSWORD")
	if err := req.err(); err != nil {
		return nil, err
	}

	c := &Ingest{
		Common: Common{
			ElasticsearchAddr:     req.values["ES_HOST"],
			ElasticsearchIndex:    req.values["INDEX_NAME"],
			ElasticsearchUsername: req.values["ES_USERNAME"],
			ElasticsearchPassword: req.values["ES_PASSWORD"],
		},
		DatasetID:         req.values["DATASET_ID"],
		AppToken:          req.values["APP_TOKEN"],
		SocrataDomain:     getEnv("SOCRATA_DOMAIN", "data.cityofnewyork.us"),
		PageSize:          pageSize,
		NumPages:          numPages,
		HTTPTimeout:       getDuration("HTTP_TIMEOUT", "30s"),
		DeadLetterPolicy:  strings.ToLower(getEnv("DEADLETTER_POLICY", DeadLetterLog)),
		DeadLetterBrokers: splitAndTrim(getEnv("DEADLETTER_KAFKA_BROKERS", "")),
		DeadLetterTopic:   getEnv("DEADLETTER_TOPIC", req.values["INDEX_NAME"]+"_dlq"),
		DedupeCapacity:    getInt("INGEST_DEDUPE_CAPACITY", 0),
	}

	switch c.DeadLetterPolicy {
	case DeadLetterLog:
	case DeadLetterKafka:
		if len(c.DeadLetterBrokers) == 0 {
			return nil, fmt.Errorf("DEADLETTER_KAFKA_BROKERS must contain at least one broker when DEADLETTER_POLICY=kafka")
		}
	default:
		return nil, fmt.Errorf("DEADLETTER_POLICY must be %q or %q, got %q", DeadLetterLog, DeadLetterKafka, c.DeadLetterPolicy)
	}

	if c.HTTPTimeout <= 0 {
		return nil, fmt.Errorf("HTTP_TIMEOUT must be positive")
	}
	if c.DedupeCapacity < 0 {
		return nil, fmt.Errorf("INGEST_DEDUPE_CAPACITY cannot be negative")
	}

	return c, nil
}

// LoadAPI builds an API config from environment variables.
func LoadAPI() (*API, error) {
	c := &API{
		Common:      loadCommon(),
		BindAddr:    getEnv("API_BIND_ADDR", "0.0.0.0:8080"),
		DefaultPage: getInt("API_PAGE_SIZE", 20),
		MaxPage:     getInt("API_MAX_PAGE_SIZE", 100),
	}

	if c.DefaultPage <= 0 {
		return nil, fmt.Errorf("API_PAGE_SIZE must be positive")
	}
	if c.MaxPage <= 0 {
		return nil, fmt.Errorf("API_MAX_PAGE_SIZE must be positive")
	}
	if c.DefaultPage > c.MaxPage {
		return nil, fmt.Errorf("API_PAGE_SIZE cannot exceed API_MAX_PAGE_SIZE")
	}

	return c, nil
}

// LoadRetention builds a Retention config from environment variables.
func LoadRetention() (*Retention, error) {
	c := &Retention{
		Common:    loadCommon(),
		Interval:  getDuration("RETENTION_CRON", "24h"),
		MaxAge:    getDuration("RETENTION_MAX_AGE", "43800h"),
		BatchSize: getInt("RETENTION_BATCH_SIZE", 500),
	}

	if c.MaxAge <= 0 {
		return nil, fmt.Errorf("RETENTION_MAX_AGE must be positive")
	}

	if c.Interval <= 0 {
		return nil, fmt.Errorf("RETENTION_CRON must be positive")
	}

	if c.BatchSize <= 0 {
		return nil, fmt.Errorf("RETENTION_BATCH_SIZE must be positive")
	}

	return c, nil
}

// LoadDotEnv reads key=value pairs from the given files (".env" when none are
// named) into the process environment. Variables already set are kept.
// It reports whether any file was loaded.
func LoadDotEnv(files ...string) bool {
	return godotenv.Load(files...) == nil
}

func loadCommon() Common {
	return Common{
		ElasticsearchAddr:     getEnv("ES_HOST", "http://elasticsearch:9200"),
		ElasticsearchIndex:    getEnv("INDEX_NAME", "violations"),
		ElasticsearchUsername: getEnv("ES_USERNAME", ""),
		ElasticsearchPassword: getEnv("ES_PASSWORD", ""),
	}
}

type required struct {
	values  map[string]string
	missing []string
}

func requireEnv(keys ...string) required {
	r := required{values: make(map[string]string, len(keys))}
	for _, key := range keys {
		v, ok := os.LookupEnv(key)
		if !ok || v == "" {
			r.missing = append(r.missing, key)
			continue
		}
		r.values[key] = v
	}
	return r
}

func (r required) err() error {
	if len(r.missing) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrMissingEnv, strings.Join(r.missing, ", "))
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return fallback
}

func getDuration(key, fallback string) time.Duration {
	raw := getEnv(key, fallback)
	d, err := time.ParseDuration(raw)
	if err != nil {
		fd, ferr := time.ParseDuration(fallback)
		if ferr != nil {
			panic(fmt.Sprintf("invalid fallback duration %q: %v", fallback, ferr))
		}
		return fd
	}
	return d
}

func splitAndTrim(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
