// Package config loads the Provider Layer's configuration surface:
// per-backend credentials and timeouts, the shared retry/breaker policy,
// and ambient logging setup (§6.3). Configuration loading, CLI wiring,
// and secret management for the rest of Atlas are out of scope here —
// this package only recognizes the env vars the Provider Layer itself
// consumes.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/inherent-design/atlas-sub002/circuitbreaker"
	"github.com/inherent-design/atlas-sub002/retry"
)

// ProviderConfig is the common credential/timeout shape shared by every
// backend's section of the configuration surface.
type ProviderConfig struct {
	APIKey         string
	BaseURL        string
	DefaultModel   string
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
}

// Config is the Provider Layer's full configuration surface.
type Config struct {
	Anthropic ProviderConfig
	OpenAI    ProviderConfig
	// OpenAIOrganization is OpenAI's optional Organization header value;
	// kept separate from ProviderConfig since no other backend has it.
	OpenAIOrganization string
	Ollama             ProviderConfig

	Retry          retry.Policy
	CircuitBreaker circuitbreaker.Config

	// SkipAPIKeyCheck disables the startup validate_api_key probe (§6.3),
	// useful in CI/offline environments with no reachable backend.
	SkipAPIKeyCheck bool

	LogLevel string
}

// DefaultConfig returns the Provider Layer's defaults: the §4.C/§4.D
// retry and breaker defaults, and the §5 2s/60s connect/request split
// applied uniformly across all three adapters.
func DefaultConfig() Config {
	return Config{
		Anthropic: ProviderConfig{ConnectTimeout: 2 * time.Second, RequestTimeout: 60 * time.Second},
		OpenAI:    ProviderConfig{ConnectTimeout: 2 * time.Second, RequestTimeout: 60 * time.Second},
		Ollama: ProviderConfig{
			BaseURL:        "http://localhost:11434",
			ConnectTimeout: 2 * time.Second,
			RequestTimeout: 60 * time.Second,
		},
		Retry:          retry.DefaultPolicy(),
		CircuitBreaker: circuitbreaker.DefaultConfig(),
		LogLevel:       "info",
	}
}

// Load builds a Config from DefaultConfig overlaid with the §6.3
// environment-variable contract: ANTHROPIC_API_KEY, OPENAI_API_KEY,
// OPENAI_ORGANIZATION, OLLAMA_API_ENDPOINT, OLLAMA_CONNECT_TIMEOUT,
// OLLAMA_REQUEST_TIMEOUT, SKIP_API_KEY_CHECK.
func Load() Config {
	cfg := DefaultConfig()

	cfg.Anthropic.APIKey = os.Getenv("ANTHROPIC_API_KEY")
	cfg.OpenAI.APIKey = os.Getenv("OPENAI_API_KEY")
	cfg.OpenAIOrganization = os.Getenv("OPENAI_ORGANIZATION")

	if endpoint := os.Getenv("OLLAMA_API_ENDPOINT"); endpoint != "" {
		cfg.Ollama.BaseURL = endpoint
	}
	if d, ok := parseDuration(os.Getenv("OLLAMA_CONNECT_TIMEOUT")); ok {
		cfg.Ollama.ConnectTimeout = d
	}
	if d, ok := parseDuration(os.Getenv("OLLAMA_REQUEST_TIMEOUT")); ok {
		cfg.Ollama.RequestTimeout = d
	}
	if skip, ok := parseBool(os.Getenv("SKIP_API_KEY_CHECK")); ok {
		cfg.SkipAPIKeyCheck = skip
	}

	return cfg
}

// parseDuration accepts a bare integer as seconds (the form every env var
// in the §6.3 contract uses) or a Go duration string like "2s".
func parseDuration(raw string) (time.Duration, bool) {
	if raw == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second, true
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d, true
	}
	return 0, false
}

func parseBool(raw string) (bool, bool) {
	if raw == "" {
		return false, false
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return b, true
}

// Overlay is the non-secret subset of Config that may be supplied as a
// YAML file layered over DefaultConfig/Load (§6.3, §2.1 ambient
// configuration). Credentials never appear here — those stay on the
// env-var contract in Load.
type Overlay struct {
	LogLevel string `yaml:"log_level"`

	Ollama struct {
		BaseURL        string `yaml:"base_url"`
		DefaultModel   string `yaml:"default_model"`
		ConnectTimeout string `yaml:"connect_timeout"`
		RequestTimeout string `yaml:"request_timeout"`
	} `yaml:"ollama"`

	Anthropic struct {
		DefaultModel   string `yaml:"default_model"`
		ConnectTimeout string `yaml:"connect_timeout"`
		RequestTimeout string `yaml:"request_timeout"`
	} `yaml:"anthropic"`

	OpenAI struct {
		DefaultModel   string `yaml:"default_model"`
		ConnectTimeout string `yaml:"connect_timeout"`
		RequestTimeout string `yaml:"request_timeout"`
	} `yaml:"openai"`

	Retry struct {
		MaxRetries     int     `yaml:"max_retries"`
		MinDelay       string  `yaml:"min_delay"`
		MaxDelay       string  `yaml:"max_delay"`
		BackoffFactor  float64 `yaml:"backoff_factor"`
		JitterFraction float64 `yaml:"jitter_fraction"`
	} `yaml:"retry"`

	CircuitBreaker struct {
		FailureThreshold int    `yaml:"failure_threshold"`
		RecoveryTimeout  string `yaml:"recovery_timeout"`
	} `yaml:"circuit_breaker"`
}

// ParseOverlay decodes a YAML document into an Overlay. A malformed
// document is a caller error (surfaced, not swallowed) since an
// operator-supplied config file silently ignored is worse than one that
// fails loudly at startup.
func ParseOverlay(data []byte) (Overlay, error) {
	var overlay Overlay
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return Overlay{}, fmt.Errorf("parsing config overlay: %w", err)
	}
	return overlay, nil
}

// ApplyOverlay layers overlay's non-zero fields onto cfg, returning the
// merged Config. Unset overlay fields (empty string, zero int/float)
// leave cfg's existing value untouched.
func ApplyOverlay(cfg Config, overlay Overlay) Config {
	if overlay.LogLevel != "" {
		cfg.LogLevel = overlay.LogLevel
	}

	if overlay.Ollama.BaseURL != "" {
		cfg.Ollama.BaseURL = overlay.Ollama.BaseURL
	}
	if overlay.Ollama.DefaultModel != "" {
		cfg.Ollama.DefaultModel = overlay.Ollama.DefaultModel
	}
	if d, ok := parseDuration(overlay.Ollama.ConnectTimeout); ok {
		cfg.Ollama.ConnectTimeout = d
	}
	if d, ok := parseDuration(overlay.Ollama.RequestTimeout); ok {
		cfg.Ollama.RequestTimeout = d
	}

	if overlay.Anthropic.DefaultModel != "" {
		cfg.Anthropic.DefaultModel = overlay.Anthropic.DefaultModel
	}
	if d, ok := parseDuration(overlay.Anthropic.ConnectTimeout); ok {
		cfg.Anthropic.ConnectTimeout = d
	}
	if d, ok := parseDuration(overlay.Anthropic.RequestTimeout); ok {
		cfg.Anthropic.RequestTimeout = d
	}

	if overlay.OpenAI.DefaultModel != "" {
		cfg.OpenAI.DefaultModel = overlay.OpenAI.DefaultModel
	}
	if d, ok := parseDuration(overlay.OpenAI.ConnectTimeout); ok {
		cfg.OpenAI.ConnectTimeout = d
	}
	if d, ok := parseDuration(overlay.OpenAI.RequestTimeout); ok {
		cfg.OpenAI.RequestTimeout = d
	}

	if overlay.Retry.MaxRetries > 0 {
		cfg.Retry.MaxRetries = overlay.Retry.MaxRetries
	}
	if d, ok := parseDuration(overlay.Retry.MinDelay); ok {
		cfg.Retry.MinDelay = d
	}
	if d, ok := parseDuration(overlay.Retry.MaxDelay); ok {
		cfg.Retry.MaxDelay = d
	}
	if overlay.Retry.BackoffFactor > 0 {
		cfg.Retry.BackoffFactor = overlay.Retry.BackoffFactor
	}
	if overlay.Retry.JitterFraction > 0 {
		cfg.Retry.JitterFraction = overlay.Retry.JitterFraction
	}

	if overlay.CircuitBreaker.FailureThreshold > 0 {
		cfg.CircuitBreaker.FailureThreshold = overlay.CircuitBreaker.FailureThreshold
	}
	if d, ok := parseDuration(overlay.CircuitBreaker.RecoveryTimeout); ok {
		cfg.CircuitBreaker.RecoveryTimeout = d
	}

	return cfg
}

// LoadWithOverlay builds a Config the same way Load does, then applies
// the YAML overlay read from overlayPath on top. A missing overlayPath is
// not an error: the overlay is optional, and Load's env-var-only result
// is a complete Config on its own.
func LoadWithOverlay(overlayPath string) (Config, error) {
	cfg := Load()
	if overlayPath == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(overlayPath)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config overlay %s: %w", overlayPath, err)
	}
	overlay, err := ParseOverlay(data)
	if err != nil {
		return cfg, err
	}
	return ApplyOverlay(cfg, overlay), nil
}

// NewLogger builds the zap logger every component in this module logs
// through, honoring LogLevel.
func NewLogger(level string) (*zap.Logger, error) {
	zapLevel, err := zap.ParseAtomicLevel(level)
	if err != nil {
		zapLevel = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zapLevel
	return cfg.Build()
}
