package worker

import (
	"flag"
	"time"
)

type Config struct {
	BaseBatchSize    int           `yaml:"base_batch_size"`
	MinBatchSize     int           `yaml:"min_batch_size"`
	MaxBatchSize     int           `yaml:"max_batch_size"`
	MaxFlushInterval time.Duration `yaml:"max_flush_interval"`

	BreakerThreshold uint          `yaml:"breaker_threshold"`
	BreakerCooldown  time.Duration `yaml:"breaker_cooldown"`

	LagPollInterval time.Duration `yaml:"lag_poll_interval"`
	RollupInterval  time.Duration `yaml:"rollup_interval"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.IntVar(&cfg.BaseBatchSize, prefix+".base-batch-size", 100, "Batch size at zero lag.")
	f.IntVar(&cfg.MinBatchSize, prefix+".min-batch-size", 10, "Lower bound of the adaptive batch size.")
	f.IntVar(&cfg.MaxBatchSize, prefix+".max-batch-size", 1000, "Upper bound of the adaptive batch size.")
	f.DurationVar(&cfg.MaxFlushInterval, prefix+".max-flush-interval", time.Second, "Max age of an unflushed batch.")
	f.UintVar(&cfg.BreakerThreshold, prefix+".breaker-threshold", 5, "Consecutive retryable failures that open the breaker.")
	f.DurationVar(&cfg.BreakerCooldown, prefix+".breaker-cooldown", time.Minute, "Time the breaker stays open before a probe.")
	f.DurationVar(&cfg.LagPollInterval, prefix+".lag-poll-interval", 15*time.Second, "How often consumer lag is sampled.")
	f.DurationVar(&cfg.RollupInterval, prefix+".rollup-interval", time.Hour, "Cadence of rollup materialization.")
	f.DurationVar(&cfg.ShutdownTimeout, prefix+".shutdown-timeout", 30*time.Second, "Hard deadline of the graceful drain.")
}
