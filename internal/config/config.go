package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	settingsFile     = "config/setting.ini"
	defaultEnv       = "dev"
	envConfigPattern = "config/%s/emberchat.ini"
)

// Settings contains global toggles such as the active environment.
type Settings struct {
	Environment string
	Defaults    map[string]string
}

// ServerConfig describes runtime options for the emberchat daemon.
type ServerConfig struct {
	Environment string
	ListenAddr  string

	LogFile  string
	LogLevel string

	// Upstream provider
	Provider            string // openai|loopback
	OpenAIAPIKey        string
	OpenAIBaseURL       string
	OpenAIOrg           string
	ProviderTimeout     time.Duration
	DefaultModel        string
	ModelCatalogPath    string
	ModelCatalogRefresh time.Duration

	// Persistence
	StoreBackend    string // sqlite|postgres
	SQLitePath      string
	PostgresDSN     string
	PostgresMaxOpen int
	PostgresMaxIdle int
	PersistTimeout  time.Duration

	// Streaming core
	ConnBufferSize  int
	SSEPingInterval time.Duration
	IdleTimeout     time.Duration
	SweepInterval   time.Duration

	// Message send throttling (both must be set to enable)
	RateBurst     int
	RatePerMinute int
}

// LoadServerConfig reads the current environment and loads the matching
// config file, then applies EMBERCHAT_* environment overrides.
func LoadServerConfig(root string) (ServerConfig, error) {
	if root == "" {
		root = "."
	}
	s, err := loadSettings(root)
	if err != nil {
		return ServerConfig{}, err
	}

	values, err := parseINI(filepath.Join(root, fmt.Sprintf(envConfigPattern, s.Environment)))
	if errors.Is(err, os.ErrNotExist) {
		values = map[string]string{}
	} else if err != nil {
		return ServerConfig{}, err
	}
	for k, v := range s.Defaults {
		if _, ok := values[k]; !ok {
			values[k] = v
		}
	}

	cfg := ServerConfig{
		Environment:         s.Environment,
		ListenAddr:          firstNonEmpty(os.Getenv("EMBERCHAT_LISTEN_ADDR"), values["listen_addr"], ":8085"),
		LogFile:             firstNonEmpty(os.Getenv("EMBERCHAT_LOG_FILE"), values["log_file"]),
		LogLevel:            strings.ToLower(firstNonEmpty(os.Getenv("EMBERCHAT_LOG_LEVEL"), values["log_level"], "info")),
		Provider:            strings.ToLower(firstNonEmpty(os.Getenv("EMBERCHAT_PROVIDER"), values["provider"], "loopback")),
		OpenAIAPIKey:        firstNonEmpty(os.Getenv("OPENAI_API_KEY"), values["openai_api_key"]),
		OpenAIBaseURL:       firstNonEmpty(os.Getenv("OPENAI_BASE_URL"), values["openai_base_url"]),
		OpenAIOrg:           firstNonEmpty(os.Getenv("OPENAI_ORG"), values["openai_org"]),
		ProviderTimeout:     secondsOr(values["provider_timeout_seconds"], 300),
		DefaultModel:        firstNonEmpty(os.Getenv("EMBERCHAT_DEFAULT_MODEL"), values["default_model"], "gpt-4o-mini"),
		ModelCatalogPath:    firstNonEmpty(os.Getenv("EMBERCHAT_MODEL_CATALOG"), values["model_catalog_path"]),
		ModelCatalogRefresh: time.Duration(parseOptionalInt(values["model_catalog_refresh_hours"], 24)) * time.Hour,
		StoreBackend:        strings.ToLower(firstNonEmpty(os.Getenv("EMBERCHAT_STORE"), values["store_backend"], "sqlite")),
		SQLitePath:          firstNonEmpty(os.Getenv("EMBERCHAT_SQLITE_PATH"), values["sqlite_path"], DefaultSQLitePath()),
		PostgresDSN:         firstNonEmpty(os.Getenv("EMBERCHAT_POSTGRES_DSN"), values["postgres_dsn"]),
		PostgresMaxOpen:     parseOptionalInt(values["postgres_max_open"], 10),
		PostgresMaxIdle:     parseOptionalInt(values["postgres_max_idle"], 5),
		PersistTimeout:      secondsOr(values["persist_timeout_seconds"], 10),
		ConnBufferSize:      parseOptionalInt(values["conn_buffer_size"], 64),
		SSEPingInterval:     secondsOr(values["sse_ping_interval_seconds"], 15),
		IdleTimeout:         secondsOr(values["idle_timeout_seconds"], 300),
		SweepInterval:       secondsOr(values["sweep_interval_seconds"], 30),
		RateBurst:           parseOptionalInt(values["message_rate_burst"], 0),
		RatePerMinute:       parseOptionalInt(values["message_rate_per_minute"], 0),
	}

	switch cfg.StoreBackend {
	case "sqlite", "postgres":
	default:
		return ServerConfig{}, fmt.Errorf("unknown store_backend %q", cfg.StoreBackend)
	}
	switch cfg.Provider {
	case "openai", "loopback":
	default:
		return ServerConfig{}, fmt.Errorf("unknown provider %q", cfg.Provider)
	}
	if cfg.StoreBackend == "postgres" && strings.TrimSpace(cfg.PostgresDSN) == "" {
		return ServerConfig{}, errors.New("store_backend=postgres requires postgres_dsn")
	}

	return cfg, nil
}

// DefaultSQLitePath returns the default location for the SQLite database.
func DefaultSQLitePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "data/emberchat.db"
	}
	return filepath.Join(home, ".emberchat", "emberchat.db")
}

func loadSettings(root string) (Settings, error) {
	values, err := parseINI(filepath.Join(root, settingsFile))
	if errors.Is(err, os.ErrNotExist) {
		return Settings{Environment: defaultEnv, Defaults: map[string]string{}}, nil
	}
	if err != nil {
		return Settings{}, err
	}
	env := values["environment"]
	if env == "" {
		env = defaultEnv
	}
	defaults := make(map[string]string)
	for k, v := range values {
		if k == "environment" {
			continue
		}
		defaults[k] = v
	}
	return Settings{Environment: env, Defaults: defaults}, nil
}

func parseINI(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		if strings.HasPrefix(line, "[") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.TrimSpace(parts[1])
		if key == "" {
			continue
		}
		values[strings.ToLower(key)] = val
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return values, nil
}

func parseOptionalInt(v string, fallback int) int {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
		return parsed
	}
	return fallback
}

func secondsOr(v string, fallback int) time.Duration {
	return time.Duration(parseOptionalInt(v, fallback)) * time.Second
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
