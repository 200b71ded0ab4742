// Package config loads every runtime setting from the environment and
// assembles the pieces main wires together: the HTTP server address, the
// checkpoint store, the stream engine options, and the provider registry.
package config

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
	"gopkg.in/yaml.v3"

	"github.com/midstream-ai/midstream/internal/checkpoint"
	"github.com/midstream-ai/midstream/internal/model/chat"
	"github.com/midstream-ai/midstream/internal/provider"
	chatservice "github.com/midstream-ai/midstream/internal/service/chat"
)

//go:embed providers.yaml
var defaultProviders []byte

// Config aggregates all service configuration.
type Config struct {
	Server    ServerConfig
	Store     StoreConfig
	Stream    chatservice.Options
	Providers ProvidersConfig
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	store, err := loadStoreConfig()
	if err != nil {
		return nil, err
	}

	stream, err := loadStreamOptions()
	if err != nil {
		return nil, err
	}

	providers, err := loadProvidersConfig()
	if err != nil {
		return nil, err
	}

	return &Config{Server: server, Store: store, Stream: stream, Providers: providers}, nil
}

// ServerConfig describes the HTTP listener.
type ServerConfig struct {
	Addr     string
	SSERetry time.Duration // reconnect hint sent on every stream attach
}

func loadServerConfig() (ServerConfig, error) {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8080"
	}

	addr := port
	switch {
	case strings.Contains(port, ":"):
		// Accept ":8080" or "127.0.0.1:8080" as-is.
	case strings.Contains(port, " "):
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	default:
		addr = ":" + port
	}

	retry, err := parseMillisEnv("SSE_RETRY_MS", 30*time.Second)
	if err != nil {
		return ServerConfig{}, err
	}

	return ServerConfig{Addr: addr, SSERetry: retry}, nil
}

// StoreConfig selects and locates the checkpoint store.
type StoreConfig struct {
	Driver string // "sqlite" or "memory"
	Path   string
}

func loadStoreConfig() (StoreConfig, error) {
	driver := strings.ToLower(getEnvOrDefault("DB_DRIVER", "sqlite"))
	if driver != "sqlite" && driver != "memory" {
		return StoreConfig{}, fmt.Errorf("unknown DB_DRIVER %q (want sqlite or memory)", driver)
	}
	return StoreConfig{
		Driver: driver,
		Path:   getEnvOrDefault("DB_PATH", "data/midstream.db"),
	}, nil
}

// NewStore opens the configured checkpoint store.
func (c StoreConfig) NewStore() (checkpoint.Store, error) {
	if c.Driver == "memory" {
		log.Printf("[config] using in-memory checkpoint store; sessions will not survive a restart")
		return checkpoint.NewMemoryStore(), nil
	}
	return checkpoint.NewSQLiteStore(c.Path)
}

func loadStreamOptions() (chatservice.Options, error) {
	opts := chatservice.DefaultOptions()
	var err error

	if opts.FlushInterval, err = parseMillisEnv("FLUSH_INTERVAL_MS", opts.FlushInterval); err != nil {
		return opts, err
	}
	if opts.FlushBatch, err = parseIntEnv("FLUSH_BATCH", opts.FlushBatch); err != nil {
		return opts, err
	}
	if opts.IdleTimeout, err = parseSecondsEnv("IDLE_TIMEOUT_S", opts.IdleTimeout); err != nil {
		return opts, err
	}
	if opts.MaxFragments, err = parseIntEnv("MAX_FRAGMENTS", opts.MaxFragments); err != nil {
		return opts, err
	}
	if opts.MaxDuration, err = parseSecondsEnv("MAX_RESPONSE_S", opts.MaxDuration); err != nil {
		return opts, err
	}
	if opts.InterruptWait, err = parseSecondsEnv("INTERRUPT_WAIT_S", opts.InterruptWait); err != nil {
		return opts, err
	}
	if opts.FlushRetries, err = parseIntEnv("FLUSH_RETRIES", opts.FlushRetries); err != nil {
		return opts, err
	}
	if opts.FlushBackoff, err = parseMillisEnv("FLUSH_BACKOFF_MS", opts.FlushBackoff); err != nil {
		return opts, err
	}
	if opts.HistoryLimit, err = parseIntEnv("HISTORY_LIMIT", opts.HistoryLimit); err != nil {
		return opts, err
	}

	return opts, nil
}

// ProvidersConfig is the explicit provider registration table plus the
// request-time default. Entries come from the embedded table or from the
// file named by PROVIDERS_FILE.
type ProvidersConfig struct {
	Default string
	Mock    bool
	Entries []ProviderEntry
}

// ProviderEntry declares one registerable token source. Credential fields
// name environment variables, not secrets; an entry activates only when
// they resolve.
type ProviderEntry struct {
	Name         string `yaml:"name"`
	Kind         string `yaml:"kind"` // openai | anthropic | ark
	Model        string `yaml:"model"`
	ModelEnv     string `yaml:"model_env"`
	BaseURL      string `yaml:"base_url"`
	Region       string `yaml:"region"`
	APIKeyEnv    string `yaml:"api_key_env"`
	AccessKeyEnv string `yaml:"access_key_env"`
	SecretKeyEnv string `yaml:"secret_key_env"`
}

type providersDoc struct {
	Providers []ProviderEntry `yaml:"providers"`
}

func loadProvidersConfig() (ProvidersConfig, error) {
	data := defaultProviders
	if path := strings.TrimSpace(os.Getenv("PROVIDERS_FILE")); path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return ProvidersConfig{}, fmt.Errorf("read PROVIDERS_FILE: %w", err)
		}
		data = b
	}

	var doc providersDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return ProvidersConfig{}, fmt.Errorf("parse provider table: %w", err)
	}

	mock, err := parseBoolEnv("MOCK_PROVIDER", false)
	if err != nil {
		return ProvidersConfig{}, err
	}

	return ProvidersConfig{
		Default: strings.TrimSpace(os.Getenv("DEFAULT_PROVIDER")),
		Mock:    mock,
		Entries: doc.Providers,
	}, nil
}

const mockScript = "Midstream keeps every fragment durable. Drop the connection whenever " +
	"you like, attach again from any offset, and the text is still waiting."

// BuildRegistry activates every table entry whose credentials resolve and
// returns the assembled registry. At least one source must activate.
func (c ProvidersConfig) BuildRegistry(ctx context.Context) (*provider.Registry, error) {
	reg := provider.NewRegistry()

	for _, e := range c.Entries {
		src, err := e.newSource(ctx)
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", e.Name, err)
		}
		if src == nil {
			log.Printf("[config] provider %s skipped: credentials not set", e.Name)
			continue
		}
		reg.Register(src)
		log.Printf("[config] provider %s registered (model=%s)", src.Name(), src.Model())
	}

	if c.Mock {
		mock := provider.NewMockSource("mock", mockScript, 40*time.Millisecond)
		n := len(mock.Fragments)
		mock.FinalUsage = &chat.Usage{OutputTokens: n, TotalTokens: n}
		reg.Register(mock)
		log.Printf("[config] mock provider registered")
	}

	if reg.Len() == 0 {
		return nil, errors.New("no provider activated: set a provider API key or MOCK_PROVIDER=true")
	}
	if c.Default != "" {
		if err := reg.SetDefault(c.Default); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func (e ProviderEntry) newSource(ctx context.Context) (provider.TokenSource, error) {
	modelID := e.Model
	if e.ModelEnv != "" {
		if v := strings.TrimSpace(os.Getenv(e.ModelEnv)); v != "" {
			modelID = v
		}
	}

	switch strings.ToLower(strings.TrimSpace(e.Kind)) {
	case "openai":
		key := credential(e.APIKeyEnv)
		if key == "" {
			return nil, nil
		}
		return provider.NewOpenAISource(e.Name, key, e.BaseURL, modelID), nil

	case "anthropic":
		key := credential(e.APIKeyEnv)
		if key == "" {
			return nil, nil
		}
		return provider.NewAnthropicSource(e.Name, key, modelID), nil

	case "ark":
		arkCfg, err := loadArkConfig(e, modelID)
		if err != nil {
			return nil, err
		}
		if !arkCfg.Enabled() {
			return nil, nil
		}
		chatModel, err := arkCfg.NewChatModel(ctx)
		if err != nil {
			return nil, err
		}
		return provider.NewArkSource(e.Name, chatModel, arkCfg.Model), nil

	default:
		return nil, fmt.Errorf("unknown provider kind %q", e.Kind)
	}
}

func credential(envName string) string {
	if envName == "" {
		return ""
	}
	return strings.TrimSpace(os.Getenv(envName))
}

// ArkConfig carries the Ark (Volcengine) model settings.
type ArkConfig struct {
	APIKey      string
	AccessKey   string
	SecretKey   string
	Model       string
	BaseURL     string
	Region      string
	Temperature *float64
	TopP        *float64
	MaxTokens   *int
}

// Enabled reports whether the required credentials were provided.
func (c ArkConfig) Enabled() bool {
	return c.Model != "" && (c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != ""))
}

// NewChatModel builds an eino chat model from the configuration.
func (c ArkConfig) NewChatModel(ctx context.Context) (model.ChatModel, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("ark credentials or model missing: provide ARK_API_KEY or AK/SK plus a model")
	}

	var temperature *float32
	if c.Temperature != nil {
		val := float32(*c.Temperature)
		temperature = &val
	}

	var topP *float32
	if c.TopP != nil {
		val := float32(*c.TopP)
		topP = &val
	}

	cfg := &ark.ChatModelConfig{
		BaseURL:     c.BaseURL,
		Region:      c.Region,
		APIKey:      c.APIKey,
		AccessKey:   c.AccessKey,
		SecretKey:   c.SecretKey,
		Model:       c.Model,
		MaxTokens:   c.MaxTokens,
		Temperature: temperature,
		TopP:        topP,
	}

	return ark.NewChatModel(ctx, cfg)
}

func loadArkConfig(e ProviderEntry, modelID string) (ArkConfig, error) {
	temperature, err := parseOptionalFloatEnv("ARK_TEMPERATURE")
	if err != nil {
		return ArkConfig{}, err
	}

	topP, err := parseOptionalFloatEnv("ARK_TOP_P")
	if err != nil {
		return ArkConfig{}, err
	}

	maxTokens, err := parseOptionalIntEnv("ARK_MAX_TOKENS")
	if err != nil {
		return ArkConfig{}, err
	}

	return ArkConfig{
		APIKey:      credential(e.APIKeyEnv),
		AccessKey:   credential(e.AccessKeyEnv),
		SecretKey:   credential(e.SecretKeyEnv),
		Model:       modelID,
		BaseURL:     e.BaseURL,
		Region:      e.Region,
		Temperature: temperature,
		TopP:        topP,
		MaxTokens:   maxTokens,
	}, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseBoolEnv(key string, defaultValue bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func parseIntEnv(key string, defaultValue int) (int, error) {
	val, err := parseOptionalIntEnv(key)
	if err != nil {
		return 0, err
	}
	if val == nil {
		return defaultValue, nil
	}
	return *val, nil
}

func parseMillisEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	val, err := parseOptionalIntEnv(key)
	if err != nil {
		return 0, err
	}
	if val == nil {
		return defaultValue, nil
	}
	return time.Duration(*val) * time.Millisecond, nil
}

func parseSecondsEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	val, err := parseOptionalIntEnv(key)
	if err != nil {
		return 0, err
	}
	if val == nil {
		return defaultValue, nil
	}
	return time.Duration(*val) * time.Second, nil
}

func parseOptionalFloatEnv(key string) (*float64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}
