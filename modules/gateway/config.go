package gateway

import (
	"flag"
	"time"
)

type Config struct {
	ListenAddress string `yaml:"listen_address"`

	AuthEnabled bool     `yaml:"auth_enabled"`
	APIKeys     []string `yaml:"api_keys"`

	RateLimitRPM    int `yaml:"rate_limit_rpm"`
	MaxBatchBytes   int `yaml:"max_batch_bytes"`
	MaxBatchSamples int `yaml:"max_batch_samples"`

	PreaggEnabled bool          `yaml:"preagg_enabled"`
	PreaggWindow  time.Duration `yaml:"preagg_window"`
	PreaggMaxKeys int           `yaml:"preagg_max_keys"`

	RequestTimeout time.Duration `yaml:"request_timeout"`
	DefaultEnv     string        `yaml:"default_environment"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.ListenAddress, prefix+".listen-address", ":8080", "HTTP listen address of the ingest API.")
	f.BoolVar(&cfg.AuthEnabled, prefix+".auth-enabled", false, "Require a valid X-API-Key header.")
	f.IntVar(&cfg.RateLimitRPM, prefix+".rate-limit-rpm", 1000, "Requests per minute allowed per identity.")
	f.IntVar(&cfg.MaxBatchBytes, prefix+".max-batch-bytes", 1<<20, "Max accepted request body size.")
	f.IntVar(&cfg.MaxBatchSamples, prefix+".max-batch-samples", 1000, "Max samples per batch.")
	f.BoolVar(&cfg.PreaggEnabled, prefix+".preagg-enabled", true, "Pre-aggregate endpoint samples into one-minute buckets before publishing.")
	f.DurationVar(&cfg.PreaggWindow, prefix+".preagg-window", time.Minute, "Pre-aggregation flush interval.")
	f.IntVar(&cfg.PreaggMaxKeys, prefix+".preagg-max-keys", 10_000, "Flush early when this many aggregation keys are buffered.")
	f.DurationVar(&cfg.RequestTimeout, prefix+".request-timeout", 30*time.Second, "Per-request deadline.")
	f.StringVar(&cfg.DefaultEnv, prefix+".default-environment", "production", "Environment recorded when a batch does not carry one.")
}
