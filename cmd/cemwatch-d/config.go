package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	defaultAddr         = "127.0.0.1:8093"
	defaultPollInterval = 30 * time.Minute

	minPollInterval = time.Minute
	maxPollInterval = 24 * time.Hour
)

type Config struct {
	Username     string
	Password     string
	BaseURL      string
	Addr         string
	PollInterval time.Duration
	CachePath    string
	RedisAddr    string
	TLSCertFile  string
	TLSKeyFile   string

	// InsecureSkipVerify disables TLS certificate verification toward the
	// CEM backend. Some deployments sit behind interception proxies.
	InsecureSkipVerify bool

	// VarIDs restricts tracking to an explicit counter list when non-empty.
	VarIDs []int
}

func LoadConfig(args []string) (Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return Config{}, fmt.Errorf("failed to get cwd: %w", err)
	}

	defaultCachePath := filepath.Join(cwd, "cemwatch.db")

	username := os.Getenv("CEMWATCH_USERNAME")
	password := os.Getenv("CEMWATCH_PASSWORD")
	baseURL := os.Getenv("CEMWATCH_BASE_URL")
	addr := addrFromEnv(defaultAddr)
	cachePath := envOrDefault("CEMWATCH_CACHE_PATH", defaultCachePath)
	redisAddr := os.Getenv("CEMWATCH_REDIS_ADDR")
	varIDsRaw := os.Getenv("CEMWATCH_VAR_IDS")
	pollInterval := defaultPollInterval
	if pollIntervalEnv := os.Getenv("CEMWATCH_POLL_INTERVAL"); pollIntervalEnv != "" {
		parsed, err := time.ParseDuration(pollIntervalEnv)
		if err != nil {
			return Config{}, fmt.Errorf("invalid CEMWATCH_POLL_INTERVAL: %w", err)
		}
		pollInterval = parsed
	}

	flagSet := flag.NewFlagSet("cemwatch-d", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)
	flagUsername := flagSet.String("username", username, "CEM account username")
	flagPassword := flagSet.String("password", password, "CEM account password")
	flagBaseURL := flagSet.String("base-url", baseURL, "CEM API base URL (default production)")
	flagAddr := flagSet.String("addr", addr, "HTTP listen address")
	flagPollInterval := flagSet.String("poll-interval", pollInterval.String(), "reading refresh interval")
	flagCachePath := flagSet.String("cache", cachePath, "path to SQLite types cache")
	flagRedisAddr := flagSet.String("redis", redisAddr, "Redis address for the reading mirror (empty disables)")
	flagVarIDs := flagSet.String("var-ids", varIDsRaw, "comma-separated var_ids to track (empty = auto-select)")
	flagTLSCert := flagSet.String("tls-cert", os.Getenv("CEMWATCH_TLS_CERT"), "TLS certificate file for the API server")
	flagTLSKey := flagSet.String("tls-key", os.Getenv("CEMWATCH_TLS_KEY"), "TLS key file for the API server")
	flagInsecure := flagSet.Bool("insecure", boolFromEnv("CEMWATCH_INSECURE"), "skip TLS verification toward the CEM backend")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			flagSet.SetOutput(os.Stdout)
			flagSet.PrintDefaults()
			return Config{}, err
		}
		return Config{}, err
	}

	pollIntervalParsed, err := time.ParseDuration(*flagPollInterval)
	if err != nil {
		return Config{}, fmt.Errorf("invalid poll interval: %w", err)
	}
	if pollIntervalParsed < minPollInterval {
		pollIntervalParsed = minPollInterval
	}
	if pollIntervalParsed > maxPollInterval {
		pollIntervalParsed = maxPollInterval
	}

	varIDs, err := parseVarIDs(*flagVarIDs)
	if err != nil {
		return Config{}, err
	}

	config := Config{
		Username:     strings.TrimSpace(*flagUsername),
		Password:     *flagPassword,
		BaseURL:      strings.TrimSpace(*flagBaseURL),
		Addr:         strings.TrimSpace(*flagAddr),
		PollInterval: pollIntervalParsed,
		CachePath:    resolvePath(*flagCachePath, cwd),
		RedisAddr:    strings.TrimSpace(*flagRedisAddr),
		TLSCertFile:  strings.TrimSpace(*flagTLSCert),
		TLSKeyFile:   strings.TrimSpace(*flagTLSKey),

		InsecureSkipVerify: *flagInsecure,

		VarIDs: varIDs,
	}

	if config.Username == "" || config.Password == "" {
		return Config{}, errors.New("CEMWATCH_USERNAME and CEMWATCH_PASSWORD are required")
	}

	if config.Addr == "" {
		return Config{}, errors.New("addr cannot be empty")
	}

	if (config.TLSCertFile == "") != (config.TLSKeyFile == "") {
		return Config{}, errors.New("tls-cert and tls-key must be set together")
	}

	return config, nil
}

func parseVarIDs(raw string) ([]int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var ids []int
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("invalid var_id %q: %w", part, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func boolFromEnv(key string) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes":
		return true
	}
	return false
}

func addrFromEnv(fallback string) string {
	if value := os.Getenv("CEMWATCH_ADDR"); value != "" {
		return value
	}
	if port := os.Getenv("CEMWATCH_PORT"); port != "" {
		return fmt.Sprintf("127.0.0.1:%s", port)
	}
	return fallback
}

func resolvePath(path string, cwd string) string {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return trimmed
	}
	if filepath.IsAbs(trimmed) {
		return trimmed
	}
	return filepath.Join(cwd, trimmed)
}
