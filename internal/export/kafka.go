// Package export produces accepted positions to a Kafka topic for
// downstream consumers (analytics, archival). The feed is optional and
// fire-and-forget: ingest never blocks or fails on it.
package export

import (
	"context"
	"strconv"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"

	"github.com/beacon-track/trackserver/internal/metrics"
)

type Feed struct {
	client *kgo.Client
	topic  string
	logger *zap.Logger
}

func NewFeed(brokers []string, topic, clientID string, logger *zap.Logger) (*Feed, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ClientID(clientID),
		kgo.DefaultProduceTopic(topic),
		kgo.ProducerBatchCompression(kgo.ZstdCompression()),
	)
	if err != nil {
		return nil, err
	}
	return &Feed{client: client, topic: topic, logger: logger}, nil
}

// Produce sends one position envelope, keyed by device id so a device's
// positions stay ordered within a partition. Errors are logged and counted;
// there is no retry beyond the client's own.
func (f *Feed) Produce(deviceID int64, payload []byte) {
	rec := &kgo.Record{
		Topic: f.topic,
		Key:   []byte(strconv.FormatInt(deviceID, 10)),
		Value: payload,
	}
	f.client.Produce(context.Background(), rec, func(r *kgo.Record, err error) {
		if err != nil {
			metrics.ExportProducedTotal.WithLabelValues("error").Inc()
			f.logger.Error("export produce failed",
				zap.String("topic", r.Topic),
				zap.Error(err),
			)
			return
		}
		metrics.ExportProducedTotal.WithLabelValues("ok").Inc()
	})
}

// Close flushes pending records and releases the client.
func (f *Feed) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := f.client.Flush(ctx); err != nil {
		f.logger.Warn("export flush on close", zap.Error(err))
	}
	f.client.Close()
}
