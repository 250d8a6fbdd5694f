// Package store is the columnar storage adapter, backed by ClickHouse over
// the native protocol. It owns the schema, batched inserts, the safe query
// surface used by the querier, and the rollup statements driven by the
// worker.
package store

import (
	"flag"
	"time"
)

type Config struct {
	Address  string `yaml:"address"`
	Database string `yaml:"database"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	DialTimeout     time.Duration `yaml:"dial_timeout"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`

	RetentionRawDays    int `yaml:"retention_raw_days"`
	RetentionHourlyDays int `yaml:"retention_hourly_days"`
	RetentionDailyDays  int `yaml:"retention_daily_days"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.Address, prefix+".address", "localhost:9000", "ClickHouse native protocol address.")
	f.StringVar(&cfg.Database, prefix+".database", "vantage", "Database holding the metric tables.")
	f.StringVar(&cfg.Username, prefix+".username", "default", "ClickHouse user.")
	f.StringVar(&cfg.Password, prefix+".password", "", "ClickHouse password.")
	f.DurationVar(&cfg.DialTimeout, prefix+".dial-timeout", 5*time.Second, "Connection dial timeout.")
	f.IntVar(&cfg.MaxOpenConns, prefix+".max-open-conns", 10, "Connection pool size.")
	f.IntVar(&cfg.MaxIdleConns, prefix+".max-idle-conns", 5, "Idle connections kept in the pool.")
	f.DurationVar(&cfg.ConnMaxLifetime, prefix+".conn-max-lifetime", time.Hour, "Max lifetime of a pooled connection.")
	f.IntVar(&cfg.RetentionRawDays, prefix+".retention-raw-days", 90, "TTL of raw rows.")
	f.IntVar(&cfg.RetentionHourlyDays, prefix+".retention-hourly-days", 365, "TTL of hourly rollups.")
	f.IntVar(&cfg.RetentionDailyDays, prefix+".retention-daily-days", 1095, "TTL of daily rollups.")
}
