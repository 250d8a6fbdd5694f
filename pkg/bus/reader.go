package bus

import (
	"context"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/multierror"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kprom"
)

// Record is one consumed bus entry.
type Record struct {
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Timestamp time.Time

	raw *kgo.Record
}

// Reader is a consumer-group reader with explicit commits. Offsets advance
// only when the caller acknowledges storage, so redelivery after a crash
// covers everything not yet persisted.
type Reader struct {
	client *kgo.Client
	adm    *kadm.Client
	topic  string
	group  string
	logger log.Logger
}

func NewReader(cfg Config, logger log.Logger, reg prometheus.Registerer) (*Reader, error) {
	metrics := kprom.NewMetrics("vantage_bus_reader",
		kprom.Registerer(reg),
		kprom.FetchAndProduceDetail(kprom.Batches, kprom.Records, kprom.CompressedBytes, kprom.UncompressedBytes))

	opts := []kgo.Opt{
		kgo.SeedBrokers(strings.Split(cfg.Address, ",")...),
		kgo.ClientID(cfg.ClientID),
		kgo.WithHooks(metrics),
		kgo.ConsumerGroup(cfg.ConsumerGroup),
		kgo.ConsumeTopics(cfg.Topic),
		kgo.DisableAutoCommit(),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
		kgo.FetchMinBytes(1),
		kgo.FetchMaxWait(cfg.FetchMaxWait),
	}
	if cfg.AutoCreateTopic {
		opts = append(opts, kgo.AllowAutoTopicCreation())
	}
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, errors.Wrap(err, "creating kafka consumer")
	}
	return &Reader{
		client: client,
		adm:    kadm.NewClient(client),
		topic:  cfg.Topic,
		group:  cfg.ConsumerGroup,
		logger: logger,
	}, nil
}

// Poll blocks until records arrive or ctx is done. Fetch-level errors are
// logged and the healthy partitions' records still returned; a canceled
// context returns ctx.Err.
func (r *Reader) Poll(ctx context.Context, maxRecords int) ([]Record, error) {
	fetches := r.client.PollRecords(ctx, maxRecords)
	if fetches.IsClientClosed() {
		return nil, context.Canceled
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := collectFetchErrs(fetches); err != nil {
		level.Error(r.logger).Log("msg", "fetch errors while polling", "err", err)
	}

	records := make([]Record, 0, len(fetches.Records()))
	fetches.EachRecord(func(rec *kgo.Record) {
		records = append(records, Record{
			Partition: rec.Partition,
			Offset:    rec.Offset,
			Key:       rec.Key,
			Value:     rec.Value,
			Timestamp: rec.Timestamp,
			raw:       rec,
		})
	})
	return records, nil
}

func collectFetchErrs(fetches kgo.Fetches) error {
	mErr := multierror.New()
	fetches.EachError(func(_ string, _ int32, err error) {
		if errors.Is(err, context.Canceled) {
			return
		}
		mErr.Add(err)
	})
	return mErr.Err()
}

// Commit acknowledges the given records. Call only after the records'
// contents are durable downstream.
func (r *Reader) Commit(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	raws := make([]*kgo.Record, 0, len(records))
	for _, rec := range records {
		if rec.raw != nil {
			raws = append(raws, rec.raw)
		}
	}
	return classify(r.client.CommitRecords(ctx, raws...))
}

// Lag returns the total record lag of the consumer group across the topic's
// partitions. Works before the group has committed anything.
func (r *Reader) Lag(ctx context.Context) (int64, error) {
	offsets, err := r.adm.FetchOffsets(ctx, r.group)
	if err != nil {
		if !errors.Is(err, kerr.GroupIDNotFound) {
			return 0, errors.Wrap(err, "fetch offsets")
		}
	}
	if err := offsets.Error(); err != nil {
		return 0, errors.Wrap(err, "fetch offsets response")
	}

	startOffsets, err := r.adm.ListStartOffsets(ctx, r.topic)
	if err != nil {
		return 0, err
	}
	endOffsets, err := r.adm.ListEndOffsets(ctx, r.topic)
	if err != nil {
		return 0, err
	}

	// "Empty" state: lag is computable even with no live group members.
	group := kadm.DescribedGroup{State: "Empty"}
	lag := kadm.CalculateGroupLagWithStartOffsets(group, offsets, startOffsets, endOffsets)

	var total int64
	for _, l := range lag[r.topic] {
		if l.Err == nil {
			total += l.Lag
		}
	}
	return total, nil
}

// Ping verifies broker connectivity, for readiness probes.
func (r *Reader) Ping(ctx context.Context) error {
	return r.client.Ping(ctx)
}

func (r *Reader) Close() {
	r.client.Close()
}
