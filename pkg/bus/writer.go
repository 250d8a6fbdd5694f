package bus

import (
	"context"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kprom"
)

// Writer publishes metric rows. It is safe for concurrent use.
type Writer struct {
	client *kgo.Client
	topic  string
	logger log.Logger
}

func NewWriter(cfg Config, logger log.Logger, reg prometheus.Registerer) (*Writer, error) {
	metrics := kprom.NewMetrics("vantage_bus_writer",
		kprom.Registerer(reg),
		kprom.FetchAndProduceDetail(kprom.Batches, kprom.Records, kprom.CompressedBytes, kprom.UncompressedBytes))

	opts := []kgo.Opt{
		kgo.SeedBrokers(strings.Split(cfg.Address, ",")...),
		kgo.ClientID(cfg.ClientID),
		kgo.WithHooks(metrics),
		kgo.ProduceRequestTimeout(cfg.WriteTimeout),
		kgo.RecordRetries(3),
	}
	if cfg.AutoCreateTopic {
		opts = append(opts, kgo.AllowAutoTopicCreation())
	}
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, errors.Wrap(err, "creating kafka producer")
	}
	return &Writer{client: client, topic: cfg.Topic, logger: logger}, nil
}

// Publish synchronously produces one record per payload to topic, all keyed
// by key. The default partitioner hashes the key, so records sharing a key
// land on one partition in order.
func (w *Writer) Publish(ctx context.Context, topic, key string, payloads ...[]byte) error {
	if topic == "" {
		topic = w.topic
	}
	records := make([]*kgo.Record, 0, len(payloads))
	now := time.Now()
	for _, p := range payloads {
		records = append(records, &kgo.Record{
			Topic:     topic,
			Key:       []byte(key),
			Value:     p,
			Timestamp: now,
		})
	}
	res := w.client.ProduceSync(ctx, records...)
	return classify(res.FirstErr())
}

// Ping verifies broker connectivity, for readiness probes.
func (w *Writer) Ping(ctx context.Context) error {
	return w.client.Ping(ctx)
}

func (w *Writer) Close() {
	w.client.Close()
}
