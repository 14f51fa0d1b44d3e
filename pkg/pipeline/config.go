package pipeline

import (
	"fmt"
	"time"

	"github.com/jguan/gametrans/pkg/translation"
)

// Config switches pipeline stages on and off and sets their budgets.
type Config struct {
	Enabled            bool          `json:"enabled" yaml:"enabled"`
	UseOCR             bool          `json:"use_ocr" yaml:"use_ocr"`
	UseOnlineBackends  bool          `json:"use_online_backends" yaml:"use_online_backends"`
	UseOfflineFallback bool          `json:"use_offline_fallback" yaml:"use_offline_fallback"`
	UseLogging         bool          `json:"use_logging" yaml:"use_logging"`
	UseOptimization    bool          `json:"use_optimization" yaml:"use_optimization"`
	TargetLatency      time.Duration `json:"target_latency" yaml:"target_latency"`
	QualityThreshold   float64       `json:"quality_threshold" yaml:"quality_threshold"`
	// AutoFallback escalates to the offline model when online backends
	// fail. Without it offline is used only when no backend is routable.
	AutoFallback       bool          `json:"auto_fallback" yaml:"auto_fallback"`
	ParallelProcessing bool          `json:"parallel_processing" yaml:"parallel_processing"`

	ExtractTimeout   time.Duration `json:"extract_timeout" yaml:"extract_timeout"`
	TranslateTimeout time.Duration `json:"translate_timeout" yaml:"translate_timeout"`
	OfflineTimeout   time.Duration `json:"offline_timeout" yaml:"offline_timeout"`
	LogTimeout       time.Duration `json:"log_timeout" yaml:"log_timeout"`

	// MaintenanceInterval paces background cache cleanup and prewarming
	// while the optimizer has async processing on. Zero disables it.
	MaintenanceInterval time.Duration `json:"maintenance_interval" yaml:"maintenance_interval"`
}

func DefaultConfig() Config {
	return Config{
		Enabled:            true,
		UseOCR:             true,
		UseOnlineBackends:  true,
		UseOfflineFallback: true,
		UseLogging:         true,
		UseOptimization:    true,
		TargetLatency:      100 * time.Millisecond,
		QualityThreshold:   0.8,
		AutoFallback:       true,
		ParallelProcessing: true,
		ExtractTimeout:     2 * time.Second,
		TranslateTimeout:   5 * time.Second,
		OfflineTimeout:     time.Second,
		LogTimeout:         500 * time.Millisecond,

		MaintenanceInterval: time.Minute,
	}
}

// Validate rejects configurations that cannot run. Zero timeouts disable
// the corresponding deadline.
func (c Config) Validate() error {
	var msg string
	switch {
	case c.TargetLatency <= 0:
		msg = "target_latency must be positive"
	case c.QualityThreshold < 0 || c.QualityThreshold > 1:
		msg = fmt.Sprintf("quality_threshold %.2f out of range [0,1]", c.QualityThreshold)
	case c.ExtractTimeout < 0 || c.TranslateTimeout < 0 || c.OfflineTimeout < 0 || c.LogTimeout < 0 || c.MaintenanceInterval < 0:
		msg = "stage timeouts must not be negative"
	case c.Enabled && !c.UseOnlineBackends && !c.UseOfflineFallback:
		msg = "at least one of use_online_backends and use_offline_fallback is required"
	default:
		return nil
	}
	return translation.ErrConfig.WithMessage("pipeline: " + msg)
}
