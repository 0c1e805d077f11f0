// Package sealer freezes participation snapshots into immutable sealed
// epochs. Sealing assigns permanent leaf indices, computes the merkle root
// and commits everything atomically. The keeper loop is the only caller.
package sealer

import (
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/twzrd/go-oracle-keeper/business/domain/merkle"
	"github.com/twzrd/go-oracle-keeper/entities"
	"go.uber.org/zap"
)

var (
	// ErrEpochNotClosed rejects sealing an epoch whose time window is still open.
	ErrEpochNotClosed = errors.New("epoch window not closed")
	// ErrEpochOverCapacity rejects epochs with more participants than one ring
	// slot can track. Decided here, never discovered at claim time.
	ErrEpochOverCapacity = errors.New("participant count exceeds slot capacity")
)

type ParticipationStore interface {
	GetParticipants(epoch uint64, channel string) ([]entities.ParticipationRecord, error)
}

type SealedStore interface {
	GetSealedEpoch(epoch uint64, channel string) (entities.SealedEpoch, error)
	CommitSealedEpoch(se entities.SealedEpoch, participants []entities.SealedParticipant) error
}

type Config struct {
	// EpochDuration is the length of one epoch window. Epoch numbers are
	// consecutive window indices: epoch e covers [e*d, (e+1)*d).
	EpochDuration time.Duration
	// SlotCapacity is the ring slot bitmap capacity C.
	SlotCapacity int
	// RewardAmount is the uniform per-participant reward, fixed at seal time.
	RewardAmount uint64
}

type Sealer struct {
	participation ParticipationStore
	store         SealedStore
	cfg           Config
	now           func() time.Time
	logger        *zap.SugaredLogger
}

func NewSealer(participation ParticipationStore, store SealedStore, cfg Config, logger *zap.SugaredLogger) *Sealer {
	return &Sealer{
		participation: participation,
		store:         store,
		cfg:           cfg,
		now:           time.Now,
		logger:        logger,
	}
}

// CurrentEpoch returns the epoch window containing now.
func (s *Sealer) CurrentEpoch() uint64 {
	return uint64(s.now().Unix()) / uint64(s.cfg.EpochDuration.Seconds())
}

// WindowClosed reports whether the epoch's time window has ended.
func (s *Sealer) WindowClosed(epoch uint64) bool {
	return epoch < s.CurrentEpoch()
}

// SealEpoch freezes the participant set of (epoch, channel). Idempotent: an
// already sealed pair returns the existing snapshot unchanged, so keeper
// retries after partial failures are safe.
func (s *Sealer) SealEpoch(epoch uint64, channel string) (entities.SealedEpoch, error) {
	existing, err := s.store.GetSealedEpoch(epoch, channel)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, entities.ErrStoreEntityNotFound) {
		return entities.SealedEpoch{}, errors.Wrap(err, "getting sealed epoch")
	}

	if !s.WindowClosed(epoch) {
		return entities.SealedEpoch{}, errors.Wrapf(ErrEpochNotClosed, "epoch [%d]", epoch)
	}

	records, err := s.participation.GetParticipants(epoch, channel)
	if err != nil {
		return entities.SealedEpoch{}, errors.Wrap(err, "getting participants")
	}
	if len(records) > s.cfg.SlotCapacity {
		return entities.SealedEpoch{}, errors.Wrapf(ErrEpochOverCapacity,
			"epoch [%d] channel [%s]: [%d] participants, capacity [%d]",
			epoch, channel, len(records), s.cfg.SlotCapacity)
	}

	// deterministic ordering regardless of which process seals:
	// ascending first_seen, ties broken by participant id
	sort.Slice(records, func(i, j int) bool {
		if records[i].FirstSeen != records[j].FirstSeen {
			return records[i].FirstSeen < records[j].FirstSeen
		}
		return records[i].ParticipantID < records[j].ParticipantID
	})

	participants := make([]entities.SealedParticipant, 0, len(records))
	leaves := make([][]byte, 0, len(records))
	for i, rec := range records {
		participant := entities.SealedParticipant{
			Epoch:         epoch,
			Channel:       channel,
			Index:         uint32(i),
			ParticipantID: rec.ParticipantID,
			Amount:        s.cfg.RewardAmount,
		}
		participants = append(participants, participant)
		leaves = append(leaves, merkle.Leaf(channel, epoch, participant.Index, participant.ParticipantID, participant.Amount))
	}

	// zero participants is a valid epoch and seals to the fixed empty root
	root := merkle.Root(leaves)

	se := entities.SealedEpoch{
		Epoch:      epoch,
		Channel:    channel,
		Root:       root,
		ClaimCount: uint32(len(participants)),
		Amount:     s.cfg.RewardAmount,
		SealedAt:   s.now().Unix(),
		Published:  false,
	}

	if err := s.store.CommitSealedEpoch(se, participants); err != nil {
		return entities.SealedEpoch{}, errors.Wrap(err, "committing sealed epoch")
	}

	s.logger.Infow("Sealed epoch.", "epoch", epoch, "channel", channel, "participants", len(participants))
	return se, nil
}
