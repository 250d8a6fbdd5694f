package bus

import (
	"context"
	"flag"
	"fmt"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kfake"
)

func flagSet() *flag.FlagSet {
	return flag.NewFlagSet("test", flag.PanicOnError)
}

func testConfig(t *testing.T, topic string) Config {
	t.Helper()
	fake, err := kfake.NewCluster(kfake.NumBrokers(1), kfake.SeedTopics(1, topic, topic+"-dlq"))
	require.NoError(t, err)
	t.Cleanup(fake.Close)

	cfg := Config{}
	cfg.RegisterFlagsAndApplyDefaults("bus", flagSet())
	cfg.Address = fake.ListenAddrs()[0]
	cfg.Topic = topic
	cfg.DeadLetterTopic = topic + "-dlq"
	cfg.ConsumerGroup = topic + "-group"
	cfg.FetchMaxWait = 250 * time.Millisecond
	return cfg
}

func TestPublishConsumeCommit(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cfg := testConfig(t, "roundtrip")
	logger := log.NewNopLogger()

	w, err := NewWriter(cfg, logger, prometheus.NewRegistry())
	require.NoError(t, err)
	defer w.Close()

	r, err := NewReader(cfg, logger, prometheus.NewRegistry())
	require.NoError(t, err)
	defer r.Close()

	payloads := make([][]byte, 0, 5)
	for i := 0; i < 5; i++ {
		payloads = append(payloads, []byte(fmt.Sprintf(`{"seq":%d}`, i)))
	}
	require.NoError(t, w.Publish(ctx, "", "api", payloads...))

	var got []Record
	for len(got) < 5 {
		recs, err := r.Poll(ctx, 100)
		require.NoError(t, err)
		got = append(got, recs...)
	}
	require.Len(t, got, 5)
	assert.Equal(t, []byte("api"), got[0].Key)
	assert.Equal(t, []byte(`{"seq":0}`), got[0].Value)

	// same key, same partition, offsets in order
	for i := 1; i < len(got); i++ {
		assert.Equal(t, got[0].Partition, got[i].Partition)
		assert.Equal(t, got[i-1].Offset+1, got[i].Offset)
	}

	require.NoError(t, r.Commit(ctx, got))

	lag, err := r.Lag(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, lag)
}

func TestLagBeforeAnyCommit(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cfg := testConfig(t, "lag")
	logger := log.NewNopLogger()

	w, err := NewWriter(cfg, logger, prometheus.NewRegistry())
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.Publish(ctx, "", "api", []byte("a"), []byte("b"), []byte("c")))

	r, err := NewReader(cfg, logger, prometheus.NewRegistry())
	require.NoError(t, err)
	defer r.Close()

	lag, err := r.Lag(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, lag, "uncommitted records all count as lag")
}

func TestPublishToDeadLetterTopic(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cfg := testConfig(t, "main")
	logger := log.NewNopLogger()

	w, err := NewWriter(cfg, logger, prometheus.NewRegistry())
	require.NoError(t, err)
	defer w.Close()

	// explicit topic overrides the configured default
	require.NoError(t, w.Publish(ctx, cfg.DeadLetterTopic, "api", []byte("poison")))

	dlq := cfg
	dlq.Topic = cfg.DeadLetterTopic
	dlq.ConsumerGroup = "dlq-reader"
	r, err := NewReader(dlq, logger, prometheus.NewRegistry())
	require.NoError(t, err)
	defer r.Close()

	recs, err := r.Poll(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, []byte("poison"), recs[0].Value)
}
