// Package bus is the message-bus adapter between the ingest gateway and the
// stream worker, built on franz-go. Records are keyed by service name so
// per-service ordering survives the trip through Kafka.
package bus

import (
	"flag"
	"time"
)

type Config struct {
	Address         string        `yaml:"address"`
	Topic           string        `yaml:"topic"`
	DeadLetterTopic string        `yaml:"dead_letter_topic"`
	ConsumerGroup   string        `yaml:"consumer_group"`
	ClientID        string        `yaml:"client_id"`
	AutoCreateTopic bool          `yaml:"auto_create_topic"`
	FetchMaxWait    time.Duration `yaml:"fetch_max_wait"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.Address, prefix+".address", "localhost:9092", "Kafka seed broker addresses, comma separated.")
	f.StringVar(&cfg.Topic, prefix+".topic", "vantage-metrics", "Topic carrying metric rows.")
	f.StringVar(&cfg.DeadLetterTopic, prefix+".dead-letter-topic", "vantage-metrics-dlq", "Topic receiving undecodable or unstorable records.")
	f.StringVar(&cfg.ConsumerGroup, prefix+".consumer-group", "vantage-worker", "Consumer group of the stream worker.")
	f.StringVar(&cfg.ClientID, prefix+".client-id", "vantage", "Client ID reported to the brokers.")
	f.BoolVar(&cfg.AutoCreateTopic, prefix+".auto-create-topic", true, "Allow automatic topic creation.")
	f.DurationVar(&cfg.FetchMaxWait, prefix+".fetch-max-wait", 5*time.Second, "Max time a fetch waits for data.")
	f.DurationVar(&cfg.WriteTimeout, prefix+".write-timeout", 10*time.Second, "Produce timeout.")
}
