package usage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ManuelReschke/dlgate/app/models"
	"github.com/ManuelReschke/dlgate/internal/pkg/metrics"
)

// PendingKey is the Redis list holding usage records whose write failed.
const PendingKey = "usage:pending"

const defaultDrainBatch = 100

type pendingRecord struct {
	SubscriberID string   `json:"subscriberId"`
	RequestID    string   `json:"requestId"`
	Metadata     Metadata `json:"metadata"`
}

// Deferred writes usage records synchronously and parks failed writes in
// Redis for a later Drain. It never reports a failure to the caller: the
// grant has already been issued.
type Deferred struct {
	recorder *Recorder
	client   *redis.Client
	logger   zerolog.Logger
	metrics  *metrics.Collector
}

// NewDeferred wraps recorder. Without a Redis client failed writes are dropped.
func NewDeferred(recorder *Recorder, client *redis.Client, logger zerolog.Logger, collector *metrics.Collector) *Deferred {
	return &Deferred{
		recorder: recorder,
		client:   client,
		logger:   logger.With().Str("component", "usage_recorder").Logger(),
		metrics:  collector,
	}
}

// RecordOrDefer records the usage and returns the result observed for it.
func (d *Deferred) RecordOrDefer(ctx context.Context, subscriberID, requestID string, md Metadata) string {
	if md.RecordedAt.IsZero() {
		md.RecordedAt = d.recorder.now()
	}

	err := d.recorder.Record(ctx, subscriberID, requestID, md)
	switch {
	case err == nil:
		d.metrics.ObserveUsage(metrics.UsageWritten)
		return metrics.UsageWritten
	case errors.Is(err, ErrDuplicateRequestID):
		d.metrics.ObserveUsage(metrics.UsageDuplicate)
		return metrics.UsageDuplicate
	}

	log := d.logger.With().Str("subscriber_id", subscriberID).Str("request_id", requestID).Logger()
	log.Warn().Err(err).Msg("usage write failed, deferring")

	if perr := d.push(context.WithoutCancel(ctx), pendingRecord{SubscriberID: subscriberID, RequestID: requestID, Metadata: md}); perr != nil {
		d.metrics.ObserveUsage(metrics.UsageDropped)
		log.Error().Err(perr).Msg("usage record dropped")
		return metrics.UsageDropped
	}
	d.metrics.ObserveUsage(metrics.UsageDeferred)
	return metrics.UsageDeferred
}

// FindByRequestID looks up an already written record. Records still parked in
// Redis are not visible.
func (d *Deferred) FindByRequestID(ctx context.Context, requestID string) (*models.UsageRecord, error) {
	return d.recorder.FindByRequestID(ctx, requestID)
}

func (d *Deferred) push(ctx context.Context, p pendingRecord) error {
	if d.client == nil {
		return errors.New("no retry queue configured")
	}
	payload, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return d.client.RPush(ctx, PendingKey, payload).Err()
}

// Pending returns the number of parked records.
func (d *Deferred) Pending(ctx context.Context) (int64, error) {
	if d.client == nil {
		return 0, nil
	}
	return d.client.LLen(ctx, PendingKey).Result()
}

// Drain replays up to batch parked records. A record that still fails is put
// back at the tail and draining stops.
func (d *Deferred) Drain(ctx context.Context, batch int) (int, error) {
	if d.client == nil {
		return 0, nil
	}
	if batch <= 0 {
		batch = defaultDrainBatch
	}

	written := 0
	for i := 0; i < batch; i++ {
		raw, err := d.client.LPop(ctx, PendingKey).Bytes()
		if errors.Is(err, redis.Nil) {
			return written, nil
		}
		if err != nil {
			return written, fmt.Errorf("pop pending usage: %w", err)
		}

		var p pendingRecord
		if err := json.Unmarshal(raw, &p); err != nil {
			d.logger.Error().Err(err).Str("payload", string(raw)).Msg("discarding undecodable pending usage record")
			d.metrics.ObserveUsage(metrics.UsageDropped)
			continue
		}

		err = d.recorder.Record(ctx, p.SubscriberID, p.RequestID, p.Metadata)
		switch {
		case err == nil:
			written++
			d.metrics.ObserveUsage(metrics.UsageWritten)
		case errors.Is(err, ErrDuplicateRequestID):
			d.metrics.ObserveUsage(metrics.UsageDuplicate)
		default:
			if perr := d.client.RPush(context.WithoutCancel(ctx), PendingKey, raw).Err(); perr != nil {
				d.metrics.ObserveUsage(metrics.UsageDropped)
				d.logger.Error().Err(perr).Str("request_id", p.RequestID).Msg("usage record dropped")
			}
			return written, fmt.Errorf("replay usage %s: %w", p.RequestID, err)
		}
	}

	if written > 0 {
		d.logger.Info().Int("written", written).Msg("replayed deferred usage records")
	}
	return written, nil
}
