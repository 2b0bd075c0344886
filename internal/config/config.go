package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/toolhunt/enrich-scheduler/internal/platform/logging"
)

const (
	EnvDev   = "dev"
	EnvStage = "stage"
	EnvProd  = "prod"
)

// placeholderTokens are the copy-paste markers from the setup docs. A value
// still carrying one was never configured.
var placeholderTokens = []string{
	"your_supabase_project_id",
	"your_supabase_anon_key",
	"your_supabase_service_role_key",
	"changeme",
}

// Config stores runtime configuration for one scheduler run. It is built
// once at startup and never mutated afterwards.
type Config struct {
	AppEnv         string
	ServiceName    string
	ServiceVersion string
	LogLevel       logging.Level

	FunctionURL string
	AuthToken   string

	TickInterval   time.Duration
	RunDuration    time.Duration
	RequestTimeout time.Duration

	BatchEnabled bool
	BatchSize    int
	DBURL        string

	EdgeFnCircuitEnabled        bool
	EdgeFnCircuitFailureCount   int
	EdgeFnCircuitOpenTimeout    time.Duration
	EdgeFnCircuitHalfOpenMaxReq int

	PprofEnabled bool
	PprofAddr    string

	UptraceEnabled bool
	UptraceDSN     string

	PyroscopeEnabled       bool
	PyroscopeServerAddress string
	PyroscopeAppName       string
	PyroscopeAuthToken     string
	PyroscopeUploadRate    time.Duration
}

func Load() (Config, error) {
	appEnv, err := parseAppEnv(getEnv("APP_ENV", EnvDev))
	if err != nil {
		return Config{}, err
	}

	functionURL := strings.TrimSpace(getEnv("FUNCTION_URL", ""))
	if functionURL == "" {
		return Config{}, fmt.Errorf("FUNCTION_URL is required")
	}
	if token, found := findPlaceholder(functionURL); found {
		return Config{}, fmt.Errorf("FUNCTION_URL still contains placeholder %q; replace it with the real function URL", token)
	}
	if err := validateHTTPURL(functionURL); err != nil {
		return Config{}, fmt.Errorf("invalid FUNCTION_URL: %w", err)
	}

	authToken := strings.TrimSpace(getEnv("SUPABASE_SERVICE_ROLE_KEY", ""))
	if authToken == "" {
		authToken = strings.TrimSpace(getEnv("SUPABASE_ANON_KEY", ""))
	}
	if authToken == "" {
		return Config{}, fmt.Errorf("SUPABASE_SERVICE_ROLE_KEY or SUPABASE_ANON_KEY is required")
	}
	if token, found := findPlaceholder(authToken); found {
		return Config{}, fmt.Errorf("supabase key still contains placeholder %q; replace it with the real key", token)
	}

	tickInterval, err := time.ParseDuration(getEnv("TICK_INTERVAL", "5m"))
	if err != nil {
		return Config{}, fmt.Errorf("parse TICK_INTERVAL: %w", err)
	}
	if tickInterval <= 0 {
		return Config{}, fmt.Errorf("TICK_INTERVAL must be > 0")
	}

	runDuration, err := parseRunDuration()
	if err != nil {
		return Config{}, err
	}

	requestTimeout, err := time.ParseDuration(getEnv("REQUEST_TIMEOUT", "45s"))
	if err != nil {
		return Config{}, fmt.Errorf("parse REQUEST_TIMEOUT: %w", err)
	}
	if requestTimeout <= 0 {
		return Config{}, fmt.Errorf("REQUEST_TIMEOUT must be > 0")
	}

	batchEnabled, err := strconv.ParseBool(getEnv("BATCH_ENABLED", "false"))
	if err != nil {
		return Config{}, fmt.Errorf("parse BATCH_ENABLED: %w", err)
	}
	batchSize, err := getEnvAsInt("BATCH_SIZE", 10)
	if err != nil {
		return Config{}, fmt.Errorf("parse BATCH_SIZE: %w", err)
	}
	dbURL := strings.TrimSpace(getEnv("DB_URL", ""))
	if batchEnabled {
		if batchSize <= 0 {
			return Config{}, fmt.Errorf("BATCH_SIZE must be > 0 when BATCH_ENABLED=true")
		}
		if dbURL == "" {
			return Config{}, fmt.Errorf("DB_URL is required when BATCH_ENABLED=true")
		}
	}

	circuitEnabled, err := strconv.ParseBool(getEnv("EDGEFN_CIRCUIT_ENABLED", "true"))
	if err != nil {
		return Config{}, fmt.Errorf("parse EDGEFN_CIRCUIT_ENABLED: %w", err)
	}
	circuitFailureCount, err := getEnvAsInt("EDGEFN_CIRCUIT_FAILURE_COUNT", 5)
	if err != nil {
		return Config{}, fmt.Errorf("parse EDGEFN_CIRCUIT_FAILURE_COUNT: %w", err)
	}
	if circuitFailureCount < 1 {
		return Config{}, fmt.Errorf("EDGEFN_CIRCUIT_FAILURE_COUNT must be >= 1")
	}
	circuitOpenTimeout, err := time.ParseDuration(getEnv("EDGEFN_CIRCUIT_OPEN_TIMEOUT", "15s"))
	if err != nil {
		return Config{}, fmt.Errorf("parse EDGEFN_CIRCUIT_OPEN_TIMEOUT: %w", err)
	}
	if circuitOpenTimeout <= 0 {
		return Config{}, fmt.Errorf("EDGEFN_CIRCUIT_OPEN_TIMEOUT must be > 0")
	}
	circuitHalfOpenMaxReq, err := getEnvAsInt("EDGEFN_CIRCUIT_HALF_OPEN_MAX_REQ", 2)
	if err != nil {
		return Config{}, fmt.Errorf("parse EDGEFN_CIRCUIT_HALF_OPEN_MAX_REQ: %w", err)
	}
	if circuitHalfOpenMaxReq < 1 {
		return Config{}, fmt.Errorf("EDGEFN_CIRCUIT_HALF_OPEN_MAX_REQ must be >= 1")
	}

	pprofEnabled, err := strconv.ParseBool(getEnv("PPROF_ENABLED", "false"))
	if err != nil {
		return Config{}, fmt.Errorf("parse PPROF_ENABLED: %w", err)
	}
	pprofAddr := strings.TrimSpace(getEnv("PPROF_ADDR", ":6060"))
	if pprofEnabled && pprofAddr == "" {
		return Config{}, fmt.Errorf("PPROF_ADDR is required when PPROF_ENABLED=true")
	}

	uptraceEnabled, err := strconv.ParseBool(getEnv("UPTRACE_ENABLED", "false"))
	if err != nil {
		return Config{}, fmt.Errorf("parse UPTRACE_ENABLED: %w", err)
	}
	uptraceDSN := strings.TrimSpace(getEnv("UPTRACE_DSN", ""))
	if uptraceEnabled && uptraceDSN == "" {
		return Config{}, fmt.Errorf("UPTRACE_DSN is required when UPTRACE_ENABLED=true")
	}

	pyroscopeEnabled, err := strconv.ParseBool(getEnv("PYROSCOPE_ENABLED", "false"))
	if err != nil {
		return Config{}, fmt.Errorf("parse PYROSCOPE_ENABLED: %w", err)
	}
	pyroscopeServerAddress := strings.TrimSpace(getEnv("PYROSCOPE_SERVER_ADDRESS", ""))
	if pyroscopeEnabled && pyroscopeServerAddress == "" {
		return Config{}, fmt.Errorf("PYROSCOPE_SERVER_ADDRESS is required when PYROSCOPE_ENABLED=true")
	}
	pyroscopeUploadRate, err := time.ParseDuration(getEnv("PYROSCOPE_UPLOAD_RATE", "15s"))
	if err != nil {
		return Config{}, fmt.Errorf("parse PYROSCOPE_UPLOAD_RATE: %w", err)
	}
	if pyroscopeUploadRate <= 0 {
		return Config{}, fmt.Errorf("PYROSCOPE_UPLOAD_RATE must be > 0")
	}

	cfg := Config{
		AppEnv:                      appEnv,
		ServiceName:                 getEnv("APP_SERVICE_NAME", "enrich-scheduler"),
		ServiceVersion:              getEnv("APP_SERVICE_VERSION", "dev"),
		LogLevel:                    parseLogLevel(getEnv("APP_LOG_LEVEL", "info")),
		FunctionURL:                 functionURL,
		AuthToken:                   authToken,
		TickInterval:                tickInterval,
		RunDuration:                 runDuration,
		RequestTimeout:              requestTimeout,
		BatchEnabled:                batchEnabled,
		BatchSize:                   batchSize,
		DBURL:                       dbURL,
		EdgeFnCircuitEnabled:        circuitEnabled,
		EdgeFnCircuitFailureCount:   circuitFailureCount,
		EdgeFnCircuitOpenTimeout:    circuitOpenTimeout,
		EdgeFnCircuitHalfOpenMaxReq: circuitHalfOpenMaxReq,
		PprofEnabled:                pprofEnabled,
		PprofAddr:                   pprofAddr,
		UptraceEnabled:              uptraceEnabled,
		UptraceDSN:                  uptraceDSN,
		PyroscopeEnabled:            pyroscopeEnabled,
		PyroscopeServerAddress:      pyroscopeServerAddress,
		PyroscopeAuthToken:          strings.TrimSpace(getEnv("PYROSCOPE_AUTH_TOKEN", "")),
		PyroscopeUploadRate:         pyroscopeUploadRate,
	}
	cfg.PyroscopeAppName = strings.TrimSpace(getEnv("PYROSCOPE_APP_NAME", cfg.ServiceName))
	if cfg.PyroscopeEnabled && cfg.PyroscopeAppName == "" {
		return Config{}, fmt.Errorf("PYROSCOPE_APP_NAME cannot be empty when PYROSCOPE_ENABLED=true")
	}

	return cfg, nil
}

// parseRunDuration accepts RUN_DURATION as a Go duration, or the legacy
// RUN_DURATION_HOURS integer the cron wrappers export. Zero means unbounded.
func parseRunDuration() (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv("RUN_DURATION"))
	if raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil {
			return 0, fmt.Errorf("parse RUN_DURATION: %w", err)
		}
		if duration < 0 {
			return 0, fmt.Errorf("RUN_DURATION must be >= 0")
		}
		return duration, nil
	}

	hours, err := getEnvAsInt("RUN_DURATION_HOURS", 0)
	if err != nil {
		return 0, fmt.Errorf("parse RUN_DURATION_HOURS: %w", err)
	}
	if hours < 0 {
		return 0, fmt.Errorf("RUN_DURATION_HOURS must be >= 0")
	}

	return time.Duration(hours) * time.Hour, nil
}

func findPlaceholder(value string) (string, bool) {
	lowered := strings.ToLower(value)
	for _, token := range placeholderTokens {
		if strings.Contains(lowered, token) {
			return token, true
		}
	}
	return "", false
}

func validateHTTPURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("parse %q: %w", raw, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("%q uses unsupported scheme=%q; expected http or https", raw, parsed.Scheme)
	}
	if strings.TrimSpace(parsed.Host) == "" {
		return fmt.Errorf("%q has empty host", raw)
	}
	return nil
}

func parseAppEnv(v string) (string, error) {
	value := strings.ToLower(strings.TrimSpace(v))
	switch value {
	case EnvDev, EnvStage, EnvProd:
		return value, nil
	default:
		return "", fmt.Errorf("invalid APP_ENV %q: valid values are %s, %s, %s", v, EnvDev, EnvStage, EnvProd)
	}
}

func parseLogLevel(v string) logging.Level {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "debug":
		return logging.LevelDebug
	case "warn", "warning":
		return logging.LevelWarn
	case "error":
		return logging.LevelError
	default:
		return logging.LevelInfo
	}
}

func getEnv(key, fallback string) string {
	value := os.Getenv(key)
	if strings.TrimSpace(value) == "" {
		return fallback
	}

	return value
}

func getEnvAsInt(key string, fallback int) (int, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback, nil
	}

	out, err := strconv.Atoi(value)
	if err != nil {
		return 0, err
	}

	return out, nil
}
