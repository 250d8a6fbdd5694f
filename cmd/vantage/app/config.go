package app

import (
	"flag"
	"fmt"

	dslog "github.com/grafana/dskit/log"

	"github.com/vantage-obs/vantage/modules/gateway"
	"github.com/vantage-obs/vantage/modules/querier"
	"github.com/vantage-obs/vantage/modules/worker"
	"github.com/vantage-obs/vantage/pkg/bus"
	"github.com/vantage-obs/vantage/pkg/store"
)

// Deployment targets. All runs every component in one process; the split
// targets back the scaled-out deployment where gateways, workers, and
// queriers scale independently.
const (
	All     = "all"
	Gateway = "gateway"
	Worker  = "worker"
	Querier = "querier"
)

// Config is the root config.
type Config struct {
	Target    string      `yaml:"target,omitempty"`
	LogLevel  dslog.Level `yaml:"log_level,omitempty"`
	LogFormat string      `yaml:"log_format,omitempty"`

	Bus     bus.Config     `yaml:"bus,omitempty"`
	Storage store.Config   `yaml:"storage,omitempty"`
	Gateway gateway.Config `yaml:"gateway,omitempty"`
	Worker  worker.Config  `yaml:"worker,omitempty"`
	Querier querier.Config `yaml:"querier,omitempty"`
}

func (c *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	c.Target = All
	f.StringVar(&c.Target, "target", All, "target component: all, gateway, worker, or querier")

	_ = c.LogLevel.Set("info")
	f.Var(&c.LogLevel, "log.level", "Only log messages with the given severity or above. Valid levels: [debug, info, warn, error]")
	f.StringVar(&c.LogFormat, "log.format", "logfmt", "Output log messages in the given format. Valid formats: [logfmt, json]")

	c.Bus.RegisterFlagsAndApplyDefaults(prefixed(prefix, "bus"), f)
	c.Storage.RegisterFlagsAndApplyDefaults(prefixed(prefix, "storage"), f)
	c.Gateway.RegisterFlagsAndApplyDefaults(prefixed(prefix, "gateway"), f)
	c.Worker.RegisterFlagsAndApplyDefaults(prefixed(prefix, "worker"), f)
	c.Querier.RegisterFlagsAndApplyDefaults(prefixed(prefix, "querier"), f)
}

// Validate catches config mistakes that would otherwise surface as runtime
// failures deep in a component.
func (c *Config) Validate() error {
	switch c.Target {
	case All, Gateway, Worker, Querier:
	default:
		return fmt.Errorf("unknown target %q", c.Target)
	}
	if c.Bus.Address == "" {
		return fmt.Errorf("bus.address is required")
	}
	if c.Target != Gateway && c.Storage.Address == "" {
		return fmt.Errorf("storage.address is required for target %q", c.Target)
	}
	if c.Worker.MinBatchSize > c.Worker.MaxBatchSize {
		return fmt.Errorf("worker.min-batch-size may not exceed worker.max-batch-size")
	}
	return nil
}

func prefixed(prefix, option string) string {
	if prefix == "" {
		return option
	}
	return prefix + "." + option
}
