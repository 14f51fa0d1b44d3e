package optimizer

import (
	"fmt"
	"time"

	"github.com/jguan/gametrans/pkg/translation"
)

// Config tunes the optimizer. AutoOptimizeConfig rewrites some of these
// fields at runtime.
type Config struct {
	TargetLatency     time.Duration `json:"target_latency" yaml:"target_latency"`
	MaxConcurrent     int           `json:"max_concurrent" yaml:"max_concurrent"`
	HotCacheSize      int           `json:"hot_cache_size" yaml:"hot_cache_size"`
	WarmCacheSize     int           `json:"warm_cache_size" yaml:"warm_cache_size"`
	HotTTL            time.Duration `json:"hot_ttl" yaml:"hot_ttl"`
	WarmTTL           time.Duration `json:"warm_ttl" yaml:"warm_ttl"`
	MemoryPoolSize    int           `json:"memory_pool_size" yaml:"memory_pool_size"`
	BufferSize        int           `json:"buffer_size" yaml:"buffer_size"`
	ThreadPoolSize    int           `json:"thread_pool_size" yaml:"thread_pool_size"`
	PredictiveCaching bool          `json:"predictive_caching" yaml:"predictive_caching"`
	AsyncProcessing   bool          `json:"async_processing" yaml:"async_processing"`
	BatchProcessing   bool          `json:"batch_processing" yaml:"batch_processing"`
}

func DefaultConfig() Config {
	return Config{
		TargetLatency:     50 * time.Millisecond,
		MaxConcurrent:     8,
		HotCacheSize:      1000,
		WarmCacheSize:     4000,
		HotTTL:            5 * time.Minute,
		WarmTTL:           10 * time.Minute,
		MemoryPoolSize:    100,
		BufferSize:        1024,
		ThreadPoolSize:    4,
		PredictiveCaching: true,
		AsyncProcessing:   true,
		BatchProcessing:   true,
	}
}

func (c Config) Validate() error {
	var msg string
	switch {
	case c.TargetLatency <= 0:
		msg = "target_latency must be positive"
	case c.MaxConcurrent < 1:
		msg = "max_concurrent must be at least 1"
	case c.HotCacheSize < 1 || c.WarmCacheSize < 1:
		msg = "cache sizes must be at least 1"
	case c.HotTTL <= 0 || c.WarmTTL <= 0:
		msg = "cache ttls must be positive"
	case c.MemoryPoolSize < 0 || c.BufferSize < 0:
		msg = "memory pool settings must not be negative"
	case c.ThreadPoolSize < 1:
		msg = "thread_pool_size must be at least 1"
	default:
		return nil
	}
	return translation.ErrConfig.WithMessage(fmt.Sprintf("optimizer: %s", msg))
}
