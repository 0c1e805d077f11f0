package participation

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/twzrd/go-oracle-keeper/entities"
	"github.com/twzrd/go-oracle-keeper/metrics"
	"go.uber.org/zap"
)

// LatePolicy decides what happens to events arriving after their epoch was
// sealed. Sealing froze the snapshot, so a late event can never join it.
type LatePolicy string

const (
	// PolicyDrop discards late events. The default.
	PolicyDrop LatePolicy = "drop"
	// PolicyDefer re-keys late events to the currently open epoch.
	PolicyDefer LatePolicy = "defer"
)

type KafkaClient interface {
	PollEvents(ctx context.Context) ([]entities.ParticipationRecord, error)
	Commit(ctx context.Context) error
	AllowRebalance()
}

type ParticipationStore interface {
	PutParticipation(rec entities.ParticipationRecord) error
	GetSealedEpoch(epoch uint64, channel string) (entities.SealedEpoch, error)
}

type Consumer struct {
	kafkaClient    KafkaClient
	store          ParticipationStore
	policy         LatePolicy
	epochDuration  time.Duration
	consumeMetrics *metrics.ConsumeMetrics
	logger         *zap.SugaredLogger
	now            func() time.Time
}

func NewConsumer(kafkaClient KafkaClient, store ParticipationStore, policy LatePolicy,
	epochDuration time.Duration, consumeMetrics *metrics.ConsumeMetrics, logger *zap.SugaredLogger) *Consumer {
	return &Consumer{
		kafkaClient:    kafkaClient,
		store:          store,
		policy:         policy,
		epochDuration:  epochDuration,
		consumeMetrics: consumeMetrics,
		logger:         logger,
		now:            time.Now,
	}
}

func (c *Consumer) Consume(ctx context.Context) error {
	for {
		count, err := c.consumeBatch(ctx)
		if err != nil {
			// if there is an error consuming we abort. We need to fix the error before trying again.
			return errors.Wrap(err, "consuming batch")
		}
		if count > 0 {
			c.logger.Infof("Processed [%d] participation events.", count)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func (c *Consumer) consumeBatch(ctx context.Context) (int, error) {
	defer c.kafkaClient.AllowRebalance()
	records, err := c.kafkaClient.PollEvents(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "polling events")
	}

	stored := 0
	for _, record := range records {
		ok, err := c.storeRecord(record)
		if err != nil {
			return 0, err
		}
		if ok {
			stored++
		}
	}

	if err := c.kafkaClient.Commit(ctx); err != nil {
		return 0, errors.Wrap(err, "committing batch")
	}
	return stored, nil
}

func (c *Consumer) storeRecord(record entities.ParticipationRecord) (bool, error) {
	late, err := c.isLate(record)
	if err != nil {
		return false, err
	}
	if late {
		c.consumeMetrics.IncLateEvents()
		switch c.policy {
		case PolicyDefer:
			record.Epoch = c.currentEpoch()
			c.consumeMetrics.IncDeferredEvents()
		default:
			c.logger.Warnw("Dropping late participation event.",
				"channel", record.Channel, "epoch", record.Epoch, "participant", record.ParticipantID)
			return false, nil
		}
	}

	if err := c.store.PutParticipation(record); err != nil {
		return false, errors.Wrap(err, "storing participation record")
	}
	return true, nil
}

// isLate reports whether the record's epoch can no longer accept it: the
// epoch was already sealed, or its window closed before an earlier tick
// could have sealed it.
func (c *Consumer) isLate(record entities.ParticipationRecord) (bool, error) {
	_, err := c.store.GetSealedEpoch(record.Epoch, record.Channel)
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, entities.ErrStoreEntityNotFound) {
		return false, errors.Wrap(err, "getting sealed epoch")
	}
	return false, nil
}

func (c *Consumer) currentEpoch() uint64 {
	return uint64(c.now().Unix() / int64(c.epochDuration/time.Second))
}
