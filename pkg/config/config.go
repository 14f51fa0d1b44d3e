package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/jguan/gametrans/pkg/backend"
	"github.com/jguan/gametrans/pkg/infra/cache"
	"github.com/jguan/gametrans/pkg/offline"
	"github.com/jguan/gametrans/pkg/optimizer"
	"github.com/jguan/gametrans/pkg/pipeline"
	"github.com/jguan/gametrans/pkg/translation"
)

type Config struct {
	General        GeneralConfig            `toml:"general"`
	Pipeline       PipelineConfig           `toml:"pipeline"`
	Optimizer      OptimizerConfig          `toml:"optimizer"`
	Backends       map[string]BackendConfig `toml:"backends"`
	Offline        OfflineConfig            `toml:"offline"`
	Cache          CacheConfig              `toml:"cache"`
	Logging        LoggingConfig            `toml:"logging"`
	TranslationLog TranslationLogConfig     `toml:"translation_log"`
	Gateway        GatewayConfig            `toml:"gateway"`
	OCR            OCRConfig                `toml:"ocr"`
}

type GeneralConfig struct {
	DataDir string `toml:"data_dir"`
}

type PipelineConfig struct {
	Enabled             bool    `toml:"enabled"`
	UseOCR              bool    `toml:"use_ocr"`
	UseOnlineBackends   bool    `toml:"use_online_backends"`
	UseOfflineFallback  bool    `toml:"use_offline_fallback"`
	UseLogging          bool    `toml:"use_logging"`
	UseOptimization     bool    `toml:"use_optimization"`
	TargetLatency       string  `toml:"target_latency"`
	QualityThreshold    float64 `toml:"quality_threshold"`
	AutoFallback        bool    `toml:"auto_fallback"`
	ParallelProcessing  bool    `toml:"parallel_processing"`
	// ParallelTranslation queries every routable backend at once and keeps
	// the most confident answer.
	ParallelTranslation bool    `toml:"parallel_translation"`
	ExtractTimeout      string  `toml:"extract_timeout"`
	TranslateTimeout    string  `toml:"translate_timeout"`
	OfflineTimeout      string  `toml:"offline_timeout"`
	LogTimeout          string  `toml:"log_timeout"`
	MaintenanceInterval string  `toml:"maintenance_interval"`

	TargetLatencyD       time.Duration `toml:"-"`
	ExtractTimeoutD      time.Duration `toml:"-"`
	TranslateTimeoutD    time.Duration `toml:"-"`
	OfflineTimeoutD      time.Duration `toml:"-"`
	LogTimeoutD          time.Duration `toml:"-"`
	MaintenanceIntervalD time.Duration `toml:"-"`
}

type OptimizerConfig struct {
	TargetLatency     string `toml:"target_latency"`
	MaxConcurrent     int    `toml:"max_concurrent"`
	HotCacheSize      int    `toml:"hot_cache_size"`
	WarmCacheSize     int    `toml:"warm_cache_size"`
	HotTTL            string `toml:"hot_ttl"`
	WarmTTL           string `toml:"warm_ttl"`
	MemoryPoolSize    int    `toml:"memory_pool_size"`
	BufferSize        int    `toml:"buffer_size"`
	ThreadPoolSize    int    `toml:"thread_pool_size"`
	PredictiveCaching bool   `toml:"predictive_caching"`
	AsyncProcessing   bool   `toml:"async_processing"`
	BatchProcessing   bool   `toml:"batch_processing"`

	TargetLatencyD time.Duration `toml:"-"`
	HotTTLD        time.Duration `toml:"-"`
	WarmTTLD       time.Duration `toml:"-"`
}

// BackendConfig configures one remote provider. Type selects the adapter
// and defaults to the table name.
type BackendConfig struct {
	Type               string  `toml:"type"`
	Enabled            bool    `toml:"enabled"`
	URL                string  `toml:"url"`
	Model              string  `toml:"model"`
	APIKey             string  `toml:"api_key"`
	Priority           int     `toml:"priority"`
	CostPerCharacter   float64 `toml:"cost_per_character"`
	RateLimitPerMinute int     `toml:"rate_limit_per_minute"`
	MaxCharacters      int     `toml:"max_characters_per_request"`
	Timeout            string  `toml:"timeout"`
	Confidence         float64 `toml:"confidence"`

	TimeoutD time.Duration `toml:"-"`
}

// Adapter types understood by the CLI wiring.
const (
	TypeDeepL  = "deepl"
	TypeGoogle = "google"
	TypeOpenAI = "openai"
	TypeOllama = "ollama"
)

// RequiresKey reports whether the adapter type needs a credential.
func (b BackendConfig) RequiresKey() bool {
	return b.Type != TypeOllama
}

type OfflineConfig struct {
	ModelsDir       string   `toml:"models_dir"`
	SupportedPairs  []string `toml:"supported_pairs"`
	Quality         string   `toml:"quality"`
	DownloadBaseURL string   `toml:"download_base_url"`
	CleanupAfter    string   `toml:"cleanup_after"`
	MinUsage        int64    `toml:"min_usage"`
	PreloadPopular  bool     `toml:"preload_popular"`

	CleanupAfterD time.Duration `toml:"-"`
}

// CacheConfig sizes the game context cache.
type CacheConfig struct {
	MaxMemoryMB int    `toml:"max_memory_mb"`
	Strategy    string `toml:"strategy"`
	TTL         string `toml:"ttl"`
	MaxTTL      string `toml:"max_ttl"`

	TTLD    time.Duration `toml:"-"`
	MaxTTLD time.Duration `toml:"-"`
}

type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
	File   string `toml:"file"`
}

type TranslationLogConfig struct {
	Enabled         bool    `toml:"enabled"`
	DBPath          string  `toml:"db_path"`
	ReviewThreshold float64 `toml:"quality_threshold_for_review"`
}

type GatewayConfig struct {
	ListenAddr     string   `toml:"listen_addr"`
	APIKeys        []string `toml:"api_keys"`
	RequestTimeout string   `toml:"request_timeout"`
	MaxRequestSize int64    `toml:"max_request_size"`

	RequestTimeoutD time.Duration `toml:"-"`
}

type OCRConfig struct {
	TesseractPath string `toml:"tesseract_path"`
	Timeout       string `toml:"timeout"`

	TimeoutD time.Duration `toml:"-"`
}

func defaultBackends() map[string]BackendConfig {
	return map[string]BackendConfig{
		"deepl": {
			Type:               TypeDeepL,
			Enabled:            true,
			URL:                "https://api-free.deepl.com/v2/translate",
			Priority:           0,
			CostPerCharacter:   0.00002,
			RateLimitPerMinute: 60,
			MaxCharacters:      5000,
			Timeout:            "3s",
			Confidence:         0.95,
		},
		"google": {
			Type:               TypeGoogle,
			Enabled:            true,
			URL:                "https://translation.googleapis.com/language/translate/v2",
			Priority:           1,
			CostPerCharacter:   0.00002,
			RateLimitPerMinute: 100,
			MaxCharacters:      5000,
			Timeout:            "3s",
			Confidence:         0.9,
		},
		"openai": {
			Type:               TypeOpenAI,
			Enabled:            true,
			URL:                "https://api.openai.com/v1",
			Model:              "gpt-4o-mini",
			Priority:           2,
			CostPerCharacter:   0.000005,
			RateLimitPerMinute: 60,
			MaxCharacters:      4000,
			Timeout:            "5s",
			Confidence:         0.9,
		},
		"ollama": {
			Type:          TypeOllama,
			Enabled:       false,
			URL:           "http://localhost:11434",
			Model:         "llama3.2",
			Priority:      3,
			MaxCharacters: 2000,
			Timeout:       "10s",
			Confidence:    0.8,
		},
	}
}

func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".gametrans")

	return &Config{
		General: GeneralConfig{DataDir: dataDir},
		Pipeline: PipelineConfig{
			Enabled:             true,
			UseOCR:              true,
			UseOnlineBackends:   true,
			UseOfflineFallback:  true,
			UseLogging:          true,
			UseOptimization:     true,
			TargetLatency:       "100ms",
			QualityThreshold:    0.8,
			AutoFallback:        true,
			ParallelProcessing:  true,
			ParallelTranslation: false,
			ExtractTimeout:      "2s",
			TranslateTimeout:    "5s",
			OfflineTimeout:      "1s",
			LogTimeout:          "500ms",
			MaintenanceInterval: "1m",
		},
		Optimizer: OptimizerConfig{
			TargetLatency:     "50ms",
			MaxConcurrent:     8,
			HotCacheSize:      1000,
			WarmCacheSize:     4000,
			HotTTL:            "5m",
			WarmTTL:           "10m",
			MemoryPoolSize:    100,
			BufferSize:        1024,
			ThreadPoolSize:    4,
			PredictiveCaching: true,
			AsyncProcessing:   true,
			BatchProcessing:   true,
		},
		Backends: defaultBackends(),
		Offline: OfflineConfig{
			ModelsDir:      filepath.Join(dataDir, "models"),
			SupportedPairs: slices.Clone(offline.DefaultSupportedPairs),
			Quality:        string(offline.QualityBalanced),
			CleanupAfter:   "24h",
			MinUsage:       5,
		},
		Cache: CacheConfig{
			MaxMemoryMB: 8,
			Strategy:    "adaptive",
			TTL:         "10m",
			MaxTTL:      "2h",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			File:   "",
		},
		TranslationLog: TranslationLogConfig{
			Enabled:         true,
			DBPath:          filepath.Join(dataDir, "gametrans.db"),
			ReviewThreshold: 0.7,
		},
		Gateway: GatewayConfig{
			ListenAddr:     "127.0.0.1:8088",
			RequestTimeout: "30s",
			MaxRequestSize: 10 << 20,
		},
		OCR: OCRConfig{
			TesseractPath: "tesseract",
			Timeout:       "10s",
		},
	}
}

func LoadFromFile(path string) (*Config, error) {
	expandedPath, err := expandPath(path)
	if err != nil {
		return nil, fmt.Errorf("expand path: %w", err)
	}

	data, err := os.ReadFile(expandedPath)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := Default()
	// Backend tables replace the defaults rather than merging into them.
	cfg.Backends = nil
	if _, err := toml.Decode(string(data), cfg); err != nil {
		return nil, fmt.Errorf("decode TOML: %w", err)
	}
	if cfg.Backends == nil {
		cfg.Backends = defaultBackends()
	}

	if err := cfg.postProcess(); err != nil {
		return nil, fmt.Errorf("post process config: %w", err)
	}
	return cfg, nil
}

func parseDuration(field, v string) (time.Duration, error) {
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, translation.ErrConfig.WithMessage(fmt.Sprintf("parse %s: %v", field, err))
	}
	return d, nil
}

func (c *Config) postProcess() error {
	durations := []struct {
		field string
		src   string
		dst   *time.Duration
	}{
		{"pipeline.target_latency", c.Pipeline.TargetLatency, &c.Pipeline.TargetLatencyD},
		{"pipeline.extract_timeout", c.Pipeline.ExtractTimeout, &c.Pipeline.ExtractTimeoutD},
		{"pipeline.translate_timeout", c.Pipeline.TranslateTimeout, &c.Pipeline.TranslateTimeoutD},
		{"pipeline.offline_timeout", c.Pipeline.OfflineTimeout, &c.Pipeline.OfflineTimeoutD},
		{"pipeline.log_timeout", c.Pipeline.LogTimeout, &c.Pipeline.LogTimeoutD},
		{"pipeline.maintenance_interval", c.Pipeline.MaintenanceInterval, &c.Pipeline.MaintenanceIntervalD},
		{"optimizer.target_latency", c.Optimizer.TargetLatency, &c.Optimizer.TargetLatencyD},
		{"optimizer.hot_ttl", c.Optimizer.HotTTL, &c.Optimizer.HotTTLD},
		{"optimizer.warm_ttl", c.Optimizer.WarmTTL, &c.Optimizer.WarmTTLD},
		{"offline.cleanup_after", c.Offline.CleanupAfter, &c.Offline.CleanupAfterD},
		{"cache.ttl", c.Cache.TTL, &c.Cache.TTLD},
		{"cache.max_ttl", c.Cache.MaxTTL, &c.Cache.MaxTTLD},
		{"gateway.request_timeout", c.Gateway.RequestTimeout, &c.Gateway.RequestTimeoutD},
		{"ocr.timeout", c.OCR.Timeout, &c.OCR.TimeoutD},
	}
	for _, d := range durations {
		v, err := parseDuration(d.field, d.src)
		if err != nil {
			return err
		}
		*d.dst = v
	}

	for name, b := range c.Backends {
		if b.Type == "" {
			b.Type = name
		}
		v, err := parseDuration("backends."+name+".timeout", b.Timeout)
		if err != nil {
			return err
		}
		b.TimeoutD = v
		c.Backends[name] = b
	}

	var err error
	for _, p := range []*string{&c.General.DataDir, &c.Offline.ModelsDir, &c.Logging.File, &c.TranslationLog.DBPath} {
		if *p, err = expandPath(*p); err != nil {
			return fmt.Errorf("expand path: %w", err)
		}
	}
	return nil
}

func invalid(format string, args ...any) error {
	return translation.ErrConfig.WithMessage(fmt.Sprintf(format, args...))
}

// Validate checks every section. Sections that map onto component configs
// are validated by those components.
func (c *Config) Validate() error {
	if err := c.PipelineConfig().Validate(); err != nil {
		return err
	}
	if c.Pipeline.UseOptimization {
		if err := c.OptimizerConfig().Validate(); err != nil {
			return err
		}
	}

	for _, name := range c.BackendNames() {
		b := c.Backends[name]
		switch b.Type {
		case TypeDeepL, TypeGoogle, TypeOpenAI, TypeOllama:
		default:
			return invalid("backends.%s: unknown type %q (valid: deepl, google, openai, ollama)", name, b.Type)
		}
		if b.Confidence < 0 || b.Confidence > 1 {
			return invalid("backends.%s: confidence must be between 0 and 1, got %.2f", name, b.Confidence)
		}
		if err := c.descriptor(name, b, "").Validate(); err != nil {
			return err
		}
	}

	if c.Pipeline.UseOfflineFallback && c.Offline.ModelsDir == "" {
		return invalid("offline.models_dir is required when offline fallback is enabled")
	}
	switch offline.Quality(c.Offline.Quality) {
	case offline.QualityFast, offline.QualityBalanced, offline.QualityHigh:
	default:
		return invalid("offline.quality: unknown quality %q (valid: fast, balanced, high)", c.Offline.Quality)
	}
	if c.Offline.MinUsage < 0 {
		return invalid("offline.min_usage cannot be negative, got %d", c.Offline.MinUsage)
	}

	if c.Cache.MaxMemoryMB < 1 {
		return invalid("cache.max_memory_mb must be at least 1, got %d", c.Cache.MaxMemoryMB)
	}
	if _, err := c.CacheStrategy(); err != nil {
		return err
	}

	if c.TranslationLog.ReviewThreshold < 0 || c.TranslationLog.ReviewThreshold > 1 {
		return invalid("translation_log.quality_threshold_for_review must be between 0 and 1, got %.2f", c.TranslationLog.ReviewThreshold)
	}
	if c.TranslationLog.Enabled && c.TranslationLog.DBPath == "" {
		return invalid("translation_log.db_path is required when the translation log is enabled")
	}
	if c.Gateway.MaxRequestSize < 0 {
		return invalid("gateway.max_request_size cannot be negative")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		return invalid("invalid logging level: %s (valid: debug, info, warn, error)", c.Logging.Level)
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(c.Logging.Format)] {
		return invalid("invalid logging format: %s (valid: json, text)", c.Logging.Format)
	}
	return nil
}

func envBool(v string) bool {
	b, err := strconv.ParseBool(v)
	return err == nil && b
}

func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("GAMETRANS_DATA_DIR"); v != "" {
		cfg.General.DataDir = v
	}
	if v := os.Getenv("GAMETRANS_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("GAMETRANS_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("GAMETRANS_LISTEN"); v != "" {
		cfg.Gateway.ListenAddr = v
	}
	if v := os.Getenv("GAMETRANS_GATEWAY_API_KEY"); v != "" {
		cfg.Gateway.APIKeys = append(cfg.Gateway.APIKeys, v)
	}
	if v := os.Getenv("GAMETRANS_MODELS_DIR"); v != "" {
		cfg.Offline.ModelsDir = v
	}
	if v := os.Getenv("GAMETRANS_MODELS_URL"); v != "" {
		cfg.Offline.DownloadBaseURL = v
	}
	if v := os.Getenv("GAMETRANS_TESSERACT"); v != "" {
		cfg.OCR.TesseractPath = v
	}
	if v := os.Getenv("GAMETRANS_TARGET_LATENCY"); v != "" {
		cfg.Pipeline.TargetLatency = v
	}
	if v := os.Getenv("GAMETRANS_OFFLINE_ENABLED"); v != "" {
		cfg.Pipeline.UseOfflineFallback = envBool(v)
	}
	if v := os.Getenv("GAMETRANS_ONLINE_ENABLED"); v != "" {
		cfg.Pipeline.UseOnlineBackends = envBool(v)
	}
	if v := os.Getenv("GAMETRANS_TRANSLATION_LOG"); v != "" {
		cfg.TranslationLog.Enabled = envBool(v)
	}
	if v := os.Getenv("GAMETRANS_PARALLEL_TRANSLATION"); v != "" {
		cfg.Pipeline.ParallelTranslation = envBool(v)
	}
}

func expandPath(path string) (string, error) {
	if path == "" {
		return "", nil
	}

	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("get user home directory: %w", err)
		}
		return filepath.Join(homeDir, path[2:]), nil
	}

	return path, nil
}

// Load reads configPath (defaults when empty), applies environment
// overrides and validates the result.
func Load(configPath string) (*Config, error) {
	var cfg *Config
	var err error

	if configPath != "" {
		cfg, err = LoadFromFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("load config from %s: %w", configPath, err)
		}
	} else {
		cfg = Default()
	}

	ApplyEnvOverrides(cfg)

	if err := cfg.postProcess(); err != nil {
		return nil, fmt.Errorf("post process config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

func (c *Config) PipelineConfig() pipeline.Config {
	p := c.Pipeline
	return pipeline.Config{
		Enabled:             p.Enabled,
		UseOCR:              p.UseOCR,
		UseOnlineBackends:   p.UseOnlineBackends,
		UseOfflineFallback:  p.UseOfflineFallback,
		UseLogging:          p.UseLogging && c.TranslationLog.Enabled,
		UseOptimization:     p.UseOptimization,
		TargetLatency:       p.TargetLatencyD,
		QualityThreshold:    p.QualityThreshold,
		AutoFallback:        p.AutoFallback,
		ParallelProcessing:  p.ParallelProcessing,
		ExtractTimeout:      p.ExtractTimeoutD,
		TranslateTimeout:    p.TranslateTimeoutD,
		OfflineTimeout:      p.OfflineTimeoutD,
		LogTimeout:          p.LogTimeoutD,
		MaintenanceInterval: p.MaintenanceIntervalD,
	}
}

func (c *Config) OptimizerConfig() optimizer.Config {
	o := c.Optimizer
	return optimizer.Config{
		TargetLatency:     o.TargetLatencyD,
		MaxConcurrent:     o.MaxConcurrent,
		HotCacheSize:      o.HotCacheSize,
		WarmCacheSize:     o.WarmCacheSize,
		HotTTL:            o.HotTTLD,
		WarmTTL:           o.WarmTTLD,
		MemoryPoolSize:    o.MemoryPoolSize,
		BufferSize:        o.BufferSize,
		ThreadPoolSize:    o.ThreadPoolSize,
		PredictiveCaching: o.PredictiveCaching,
		AsyncProcessing:   o.AsyncProcessing,
		BatchProcessing:   o.BatchProcessing,
	}
}

func (c *Config) OfflineConfig() offline.Config {
	o := c.Offline
	return offline.Config{
		ModelsDir:       o.ModelsDir,
		SupportedPairs:  o.SupportedPairs,
		Quality:         offline.Quality(o.Quality),
		DownloadBaseURL: o.DownloadBaseURL,
		CleanupAfter:    o.CleanupAfterD,
		MinUsage:        o.MinUsage,
	}
}

// CacheStrategy builds the game context cache strategy.
func (c *Config) CacheStrategy() (cache.Strategy, error) {
	switch strings.ToLower(c.Cache.Strategy) {
	case "", "adaptive":
		return cache.Adaptive(c.Cache.TTLD, c.Cache.MaxTTLD), nil
	case "aggressive":
		return cache.Strategy{Kind: cache.KindAggressive, TTL: c.Cache.TTLD}, nil
	case "moderate":
		return cache.Strategy{Kind: cache.KindModerate, TTL: c.Cache.TTLD}, nil
	case "conservative":
		return cache.Strategy{Kind: cache.KindConservative, TTL: c.Cache.TTLD}, nil
	case "no_cache":
		return cache.NoCache(), nil
	default:
		return cache.Strategy{}, invalid("cache.strategy: unknown strategy %q", c.Cache.Strategy)
	}
}

// BackendNames returns the configured backend names sorted by priority,
// then name.
func (c *Config) BackendNames() []string {
	names := make([]string, 0, len(c.Backends))
	for name := range c.Backends {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		pi, pj := c.Backends[names[i]].Priority, c.Backends[names[j]].Priority
		if pi != pj {
			return pi < pj
		}
		return names[i] < names[j]
	})
	return names
}

// APIKeyEnv is the environment variable holding a backend's key.
func APIKeyEnv(name string) string {
	return "GAMETRANS_" + strings.ToUpper(strings.ReplaceAll(name, "-", "_")) + "_API_KEY"
}

// ResolveAPIKey looks up a backend key in the environment, then the TOML
// file, then the credential store.
func (c *Config) ResolveAPIKey(name string, creds *CredentialStore) string {
	if v := strings.TrimSpace(os.Getenv(APIKeyEnv(name))); v != "" {
		return v
	}
	if b, ok := c.Backends[name]; ok && strings.TrimSpace(b.APIKey) != "" {
		return b.APIKey
	}
	if creds != nil {
		return creds.APIKey(name)
	}
	return ""
}

func (c *Config) descriptor(name string, b BackendConfig, key string) backend.Descriptor {
	return backend.Descriptor{
		Name:               name,
		Enabled:            b.Enabled,
		APIKey:             key,
		RequiresKey:        b.RequiresKey(),
		Priority:           b.Priority,
		CostPerCharacter:   b.CostPerCharacter,
		RateLimitPerMinute: b.RateLimitPerMinute,
		MaxCharacters:      b.MaxCharacters,
		Timeout:            b.TimeoutD,
	}
}

// BackendDescriptor returns the routing descriptor of backend name with
// its resolved API key.
func (c *Config) BackendDescriptor(name string, creds *CredentialStore) (backend.Descriptor, bool) {
	b, ok := c.Backends[name]
	if !ok {
		return backend.Descriptor{}, false
	}
	return c.descriptor(name, b, c.ResolveAPIKey(name, creds)), true
}
