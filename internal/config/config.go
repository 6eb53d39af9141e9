package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"

	"github.com/zhouzirui/gemish/backend/internal/cache"
	"github.com/zhouzirui/gemish/backend/internal/provider/gemini"
	"github.com/zhouzirui/gemish/backend/internal/provider/openai"
	"github.com/zhouzirui/gemish/backend/internal/service/ai"
	"github.com/zhouzirui/gemish/backend/internal/service/relay"
	"github.com/zhouzirui/gemish/backend/internal/store"
	badgerstore "github.com/zhouzirui/gemish/backend/internal/store/badger"
	"github.com/zhouzirui/gemish/backend/internal/store/memory"
	"github.com/zhouzirui/gemish/backend/internal/store/sqlite"
)

// Config aggregates every setting of the service.
type Config struct {
	Server ServerConfig
	AI     AIConfig
	Store  StoreConfig
	Cache  cache.Config
	Auth   AuthConfig
	Relay  relay.Config
}

// Load reads the configuration from environment variables.
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	aiCfg, err := loadAIConfig()
	if err != nil {
		return nil, err
	}

	storeCfg, err := loadStoreConfig()
	if err != nil {
		return nil, err
	}

	cacheCfg, err := loadCacheConfig()
	if err != nil {
		return nil, err
	}

	authCfg, err := loadAuthConfig()
	if err != nil {
		return nil, err
	}

	relayCfg, err := loadRelayConfig()
	if err != nil {
		return nil, err
	}

	return &Config{
		Server: server,
		AI:     aiCfg,
		Store:  storeCfg,
		Cache:  cacheCfg,
		Auth:   authCfg,
		Relay:  relayCfg,
	}, nil
}

// ServerConfig describes the HTTP listener.
type ServerConfig struct {
	Addr            string
	ShutdownTimeout time.Duration
}

func loadServerConfig() (ServerConfig, error) {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8080"
	}

	shutdown, err := parseDurationEnv("SHUTDOWN_TIMEOUT", 15*time.Second)
	if err != nil {
		return ServerConfig{}, err
	}

	if strings.Contains(port, ":") {
		// accepts ":8080" or "127.0.0.1:8080"
		return ServerConfig{Addr: port, ShutdownTimeout: shutdown}, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	return ServerConfig{Addr: ":" + port, ShutdownTimeout: shutdown}, nil
}

// Provider names the upstream model API.
type Provider string

const (
	ProviderArk    Provider = "ark"
	ProviderGemini Provider = "gemini"
	ProviderOpenAI Provider = "openai"
)

// AIConfig describes the model provider and the variant table.
type AIConfig struct {
	Provider Provider
	// Models maps each variant to a provider model name.
	Models         map[ai.Variant]string
	DefaultVariant ai.Variant

	APIKey    string
	AccessKey string
	SecretKey string
	BaseURL   string
	Region    string

	Temperature *float64
	TopP        *float64
	MaxTokens   *int
}

// Enabled reports whether credentials and at least one model are present.
func (c AIConfig) Enabled() bool {
	if len(c.Models) == 0 {
		return false
	}
	if c.Provider == ProviderArk {
		return c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != "")
	}
	return c.APIKey != ""
}

// NewChatModel creates a model for one provider model name.
func (c AIConfig) NewChatModel(ctx context.Context, modelName string) (model.BaseChatModel, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("%s credentials or model names are missing", c.Provider)
	}

	temperature := toFloat32(c.Temperature)
	topP := toFloat32(c.TopP)

	switch c.Provider {
	case ProviderArk:
		return ark.NewChatModel(ctx, &ark.ChatModelConfig{
			BaseURL:     c.BaseURL,
			Region:      c.Region,
			APIKey:      c.APIKey,
			AccessKey:   c.AccessKey,
			SecretKey:   c.SecretKey,
			Model:       modelName,
			MaxTokens:   c.MaxTokens,
			Temperature: temperature,
			TopP:        topP,
		})
	case ProviderGemini:
		return gemini.NewChatModel(ctx, gemini.Config{
			APIKey:      c.APIKey,
			Model:       modelName,
			Temperature: temperature,
			MaxTokens:   c.MaxTokens,
		})
	case ProviderOpenAI:
		return openai.NewChatModel(openai.Config{
			APIKey:      c.APIKey,
			BaseURL:     c.BaseURL,
			Model:       modelName,
			Temperature: temperature,
			TopP:        topP,
			MaxTokens:   c.MaxTokens,
		})
	default:
		return nil, fmt.Errorf("unknown AI_PROVIDER %q", c.Provider)
	}
}

// NewChatModels builds one model per configured variant.
func (c AIConfig) NewChatModels(ctx context.Context) (map[ai.Variant]model.BaseChatModel, error) {
	models := make(map[ai.Variant]model.BaseChatModel, len(c.Models))
	for variant, name := range c.Models {
		m, err := c.NewChatModel(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("model for variant %s: %w", variant, err)
		}
		models[variant] = m
	}
	return models, nil
}

func loadAIConfig() (AIConfig, error) {
	provider := Provider(strings.ToLower(getEnvOrDefault("AI_PROVIDER", string(ProviderArk))))

	var apiKey, baseURL string
	switch provider {
	case ProviderArk:
		apiKey = strings.TrimSpace(os.Getenv("ARK_API_KEY"))
		baseURL = getEnvOrDefault("ARK_BASE_URL", "https://ark.cn-beijing.volces.com/api/v3")
	case ProviderGemini:
		apiKey = strings.TrimSpace(os.Getenv("GEMINI_API_KEY"))
	case ProviderOpenAI:
		apiKey = strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
		baseURL = strings.TrimSpace(os.Getenv("OPENAI_BASE_URL"))
	default:
		return AIConfig{}, fmt.Errorf("invalid AI_PROVIDER value %q", provider)
	}

	models := make(map[ai.Variant]string)
	if name := strings.TrimSpace(os.Getenv("MODEL_FAST")); name != "" {
		models[ai.VariantFast] = name
	}
	if name := strings.TrimSpace(os.Getenv("MODEL_NORMAL")); name != "" {
		models[ai.VariantNormal] = name
	}

	defaultVariant, err := ai.ParseVariant(getEnvOrDefault("DEFAULT_MODEL", string(ai.VariantFast)))
	if err != nil {
		return AIConfig{}, fmt.Errorf("invalid DEFAULT_MODEL: %w", err)
	}

	temperature, err := parseOptionalFloatEnv("AI_TEMPERATURE")
	if err != nil {
		return AIConfig{}, err
	}

	topP, err := parseOptionalFloatEnv("AI_TOP_P")
	if err != nil {
		return AIConfig{}, err
	}

	maxTokens, err := parseOptionalIntEnv("AI_MAX_TOKENS")
	if err != nil {
		return AIConfig{}, err
	}

	return AIConfig{
		Provider:       provider,
		Models:         models,
		DefaultVariant: defaultVariant,
		APIKey:         apiKey,
		AccessKey:      strings.TrimSpace(os.Getenv("ARK_ACCESS_KEY")),
		SecretKey:      strings.TrimSpace(os.Getenv("ARK_SECRET_KEY")),
		BaseURL:        baseURL,
		Region:         getEnvOrDefault("ARK_REGION", "cn-beijing"),
		Temperature:    temperature,
		TopP:           topP,
		MaxTokens:      maxTokens,
	}, nil
}

// StoreDriver selects the persistence backend.
type StoreDriver string

const (
	DriverSQLite StoreDriver = "sqlite"
	DriverBadger StoreDriver = "badger"
	DriverMemory StoreDriver = "memory"
)

// StoreConfig describes the chat store.
type StoreConfig struct {
	Driver     StoreDriver
	Path       string
	SyncWrites bool
	GCInterval time.Duration
}

// Open returns the configured repository.
func (c StoreConfig) Open(logger *slog.Logger) (store.Repository, error) {
	switch c.Driver {
	case DriverSQLite:
		return sqlite.Open(c.Path)
	case DriverBadger:
		return badgerstore.Open(badgerstore.Config{
			Path:       c.Path,
			SyncWrites: c.SyncWrites,
			GCInterval: c.GCInterval,
			Logger:     logger,
		})
	case DriverMemory:
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown STORE_DRIVER %q", c.Driver)
	}
}

func loadStoreConfig() (StoreConfig, error) {
	driver := StoreDriver(strings.ToLower(getEnvOrDefault("STORE_DRIVER", string(DriverSQLite))))

	defaultPath := ""
	switch driver {
	case DriverSQLite:
		defaultPath = "data/gemish.db"
	case DriverBadger:
		defaultPath = "data/badger"
	case DriverMemory:
	default:
		return StoreConfig{}, fmt.Errorf("invalid STORE_DRIVER value %q", driver)
	}

	syncWrites, err := parseBoolEnv("STORE_SYNC_WRITES", false)
	if err != nil {
		return StoreConfig{}, err
	}

	gcInterval, err := parseDurationEnv("STORE_GC_INTERVAL", 10*time.Minute)
	if err != nil {
		return StoreConfig{}, err
	}

	return StoreConfig{
		Driver:     driver,
		Path:       getEnvOrDefault("STORE_PATH", defaultPath),
		SyncWrites: syncWrites,
		GCInterval: gcInterval,
	}, nil
}

func loadCacheConfig() (cache.Config, error) {
	cfg := cache.DefaultConfig()

	ttl, err := parseDurationEnv("CACHE_TTL", cfg.TTL)
	if err != nil {
		return cache.Config{}, err
	}
	cfg.TTL = ttl

	if entries, err := parseOptionalIntEnv("CACHE_MAX_ENTRIES"); err != nil {
		return cache.Config{}, err
	} else if entries != nil {
		if *entries < 1 {
			return cache.Config{}, fmt.Errorf("invalid CACHE_MAX_ENTRIES value %d", *entries)
		}
		cfg.MaxEntries = int64(*entries)
	}
	return cfg, nil
}

// AuthConfig describes session credential verification.
type AuthConfig struct {
	Secret     string
	CookieName string
}

func loadAuthConfig() (AuthConfig, error) {
	secret := strings.TrimSpace(os.Getenv("AUTH_SECRET"))
	if secret == "" {
		return AuthConfig{}, fmt.Errorf("AUTH_SECRET is required")
	}
	return AuthConfig{
		Secret:     secret,
		CookieName: getEnvOrDefault("SESSION_COOKIE", "gemish.session_token"),
	}, nil
}

func loadRelayConfig() (relay.Config, error) {
	cfg := relay.DefaultConfig()

	delay, err := parseDurationEnv("RELAY_SMOOTH_DELAY", cfg.SmoothDelay)
	if err != nil {
		return relay.Config{}, err
	}
	maxDuration, err := parseDurationEnv("RELAY_MAX_DURATION", cfg.MaxDuration)
	if err != nil {
		return relay.Config{}, err
	}
	persist, err := parseDurationEnv("RELAY_PERSIST_TIMEOUT", cfg.PersistTimeout)
	if err != nil {
		return relay.Config{}, err
	}

	cfg.SystemPrompt = getEnvOrDefault("RELAY_SYSTEM_PROMPT", cfg.SystemPrompt)
	cfg.SmoothDelay = delay
	cfg.MaxDuration = maxDuration
	cfg.PersistTimeout = persist
	return cfg, nil
}

func toFloat32(v *float64) *float32 {
	if v == nil {
		return nil
	}
	val := float32(*v)
	return &val
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

func parseDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	if val < 0 {
		return 0, fmt.Errorf("invalid %s value %q: negative duration", key, raw)
	}
	return val, nil
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
