// Package participation ingests viewer participation events from Kafka and
// mirrors them into the keeper store. External events are loose JSON and are
// validated into strict records at this boundary; no other component ever
// sees the raw shape.
package participation

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twzrd/go-oracle-keeper/entities"
	"github.com/twzrd/go-oracle-keeper/metrics"
)

// participationEvent is the raw shape produced by the stream-platform
// integration. Timestamps are unix milliseconds.
type participationEvent struct {
	Channel    string `json:"channel"`
	ViewerID   string `json:"viewer_id"`
	ObservedAt int64  `json:"observed_at"`
}

type Client struct {
	kcl            *kgo.Client
	epochSeconds   int64
	consumeMetrics *metrics.ConsumeMetrics
	latestEpoch    uint64
}

func NewClient(kafkaClient *kgo.Client, epochSeconds int64, consumeMetrics *metrics.ConsumeMetrics) *Client {
	return &Client{
		kcl:            kafkaClient,
		epochSeconds:   epochSeconds,
		consumeMetrics: consumeMetrics,
	}
}

func (c *Client) PollEvents(ctx context.Context) ([]entities.ParticipationRecord, error) {
	fetches := c.kcl.PollRecords(ctx, 1000) // batch process max x messages in one run
	if errs := fetches.Errors(); len(errs) > 0 {
		// only non-retryable errors are returned, typically per partition
		return nil, errors.Errorf("fetching records: %v", errs)
	}

	var records []entities.ParticipationRecord
	iter := fetches.RecordIter()
	for !iter.Done() {
		record := iter.Next()
		participation, err := c.convertEvent(record.Value)
		if err != nil {
			return nil, errors.Wrapf(err, "converting record %s", string(record.Value))
		}
		records = append(records, participation)
		c.consumeMetrics.IncConsumedEvents()
		if participation.Epoch > c.latestEpoch {
			c.latestEpoch = participation.Epoch
		}
	}
	return records, nil
}

// AllowRebalance needs to be called after polling in case option BlockRebalanceOnPoll is set
func (c *Client) AllowRebalance() {
	c.kcl.AllowRebalance()
}

func (c *Client) Commit(ctx context.Context) error {
	err := c.kcl.CommitUncommittedOffsets(ctx)
	if err != nil {
		return errors.Wrap(err, "committing offsets")
	}
	c.consumeMetrics.SetLatestEventEpoch(c.latestEpoch)
	return nil
}

// convertEvent validates the loose external shape into a strict record.
// The epoch is the event timestamp's window index.
func (c *Client) convertEvent(payload []byte) (entities.ParticipationRecord, error) {
	var event participationEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return entities.ParticipationRecord{}, errors.Wrap(err, "unmarshalling event")
	}
	if event.Channel == "" || event.ViewerID == "" || event.ObservedAt <= 0 {
		return entities.ParticipationRecord{}, errors.Errorf("event with missing information: %+v", event)
	}
	return entities.ParticipationRecord{
		Epoch:         uint64(event.ObservedAt / 1000 / c.epochSeconds),
		Channel:       event.Channel,
		ParticipantID: event.ViewerID,
		FirstSeen:     event.ObservedAt,
	}, nil
}
