package querier

import (
	"flag"
	"time"
)

type Config struct {
	ListenAddress string `yaml:"listen_address"`

	DefaultRangeSeconds int64         `yaml:"default_range_seconds"`
	RequestTimeout      time.Duration `yaml:"request_timeout"`

	HealthWindow     time.Duration `yaml:"health_window"`
	ErrorRateRef     float64       `yaml:"error_rate_ref"`
	LatencyRefLowMs  float64       `yaml:"latency_ref_low_ms"`
	LatencyRefHighMs float64       `yaml:"latency_ref_high_ms"`
	TrafficRef       float64       `yaml:"traffic_ref"`

	AlertsEnabled     bool          `yaml:"alerts_enabled"`
	AlertEvalInterval time.Duration `yaml:"alert_eval_interval"`
	BaselineWindow    time.Duration `yaml:"baseline_window"`
	SigmaK            float64       `yaml:"sigma_k"`

	LivePollInterval time.Duration `yaml:"live_poll_interval"`
	LiveBufferSize   int           `yaml:"live_buffer_size"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.ListenAddress, prefix+".listen-address", ":8081", "HTTP listen address of the query API.")
	f.Int64Var(&cfg.DefaultRangeSeconds, prefix+".default-range-seconds", 3600, "Query window when the request does not set one.")
	f.DurationVar(&cfg.RequestTimeout, prefix+".request-timeout", 30*time.Second, "Per-request deadline.")
	f.DurationVar(&cfg.HealthWindow, prefix+".health-window", 5*time.Minute, "Window of the health score computation.")
	f.Float64Var(&cfg.ErrorRateRef, prefix+".error-rate-ref", 0.05, "Error rate scoring 0.")
	f.Float64Var(&cfg.LatencyRefLowMs, prefix+".latency-ref-low-ms", 100, "p95 latency scoring 100.")
	f.Float64Var(&cfg.LatencyRefHighMs, prefix+".latency-ref-high-ms", 1000, "p95 latency scoring 0.")
	f.Float64Var(&cfg.TrafficRef, prefix+".traffic-ref", 10_000, "Request count scoring full traffic marks.")
	f.BoolVar(&cfg.AlertsEnabled, prefix+".alerts-enabled", true, "Run the adaptive alert evaluation loop.")
	f.DurationVar(&cfg.AlertEvalInterval, prefix+".alert-eval-interval", time.Minute, "Alert evaluation cadence.")
	f.DurationVar(&cfg.BaselineWindow, prefix+".baseline-window", 7*24*time.Hour, "Baseline window of the adaptive thresholds.")
	f.Float64Var(&cfg.SigmaK, prefix+".sigma-k", 3, "Width of the adaptive threshold band in standard deviations.")
	f.DurationVar(&cfg.LivePollInterval, prefix+".live-poll-interval", time.Second, "Storage poll cadence of live connections.")
	f.IntVar(&cfg.LiveBufferSize, prefix+".live-buffer-size", 256, "Per-connection send buffer.")
}
