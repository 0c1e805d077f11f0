// Package pebbledb persists the keeper's local state: the participation
// mirror written by the ingestion consumer, sealed epochs with their frozen
// participant sets, and claim records. The sealer is the only writer of
// sealed state; sealed rows are immutable once committed.
package pebbledb

import (
	"encoding/binary"
	"fmt"
	"path/filepath"

	"github.com/cockroachdb/pebble"
	"github.com/pkg/errors"
	"github.com/twzrd/go-oracle-keeper/entities"
)

const (
	participationKeyPrefix     = 0x00
	channelKeyPrefix           = 0x01
	channelEpochKeyPrefix      = 0x02
	sealedEpochKeyPrefix       = 0x03
	sealedParticipantKeyPrefix = 0x04
	claimRecordKeyPrefix       = 0x05
)

const rootLength = 32

type Store struct {
	db *pebble.DB
}

func NewKeeperStore(storeDir string) (*Store, error) {
	db, err := pebble.Open(filepath.Join(storeDir, "keeper-store"), &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("opening pebble db: %v", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// channelKey builds prefix | len(channel) | channel | rest...
func channelKey(prefix byte, channel string, rest ...[]byte) []byte {
	key := []byte{prefix, byte(len(channel))}
	key = append(key, channel...)
	for _, r := range rest {
		key = append(key, r...)
	}
	return key
}

func epochBytes(epoch uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], epoch)
	return b[:]
}

func indexBytes(index uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], index)
	return b[:]
}

// keyUpperBound returns the smallest key greater than every key with the
// given prefix (pebble iterator bounds are exclusive).
func keyUpperBound(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil // prefix is all 0xff, no upper bound
}

func (s *Store) prefixIterator(prefix []byte) (*pebble.Iterator, error) {
	return s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
}

// PutParticipation stores one validated participation record and indexes its
// channel and epoch. Keeps the earliest sighting on duplicates.
func (s *Store) PutParticipation(rec entities.ParticipationRecord) error {
	key := channelKey(participationKeyPrefix, rec.Channel, epochBytes(rec.Epoch), []byte(rec.ParticipantID))

	existing, closer, err := s.db.Get(key)
	if err == nil {
		firstSeen := int64(binary.BigEndian.Uint64(existing))
		_ = closer.Close()
		if firstSeen <= rec.FirstSeen {
			return nil
		}
	} else if !errors.Is(err, pebble.ErrNotFound) {
		return errors.Wrap(err, "reading existing participation")
	}

	var value [8]byte
	binary.BigEndian.PutUint64(value[:], uint64(rec.FirstSeen))

	batch := s.db.NewBatch()
	defer batch.Close()

	if err := batch.Set(key, value[:], nil); err != nil {
		return errors.Wrap(err, "setting participation record")
	}
	if err := batch.Set(channelKey(channelKeyPrefix, rec.Channel), nil, nil); err != nil {
		return errors.Wrap(err, "setting channel index")
	}
	if err := batch.Set(channelKey(channelEpochKeyPrefix, rec.Channel, epochBytes(rec.Epoch)), nil, nil); err != nil {
		return errors.Wrap(err, "setting channel epoch index")
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return errors.Wrap(err, "committing participation batch")
	}
	return nil
}

// GetParticipants returns all recorded participants of (epoch, channel) in
// participant id order (key order). The sealer applies its own ordering.
func (s *Store) GetParticipants(epoch uint64, channel string) ([]entities.ParticipationRecord, error) {
	prefix := channelKey(participationKeyPrefix, channel, epochBytes(epoch))
	iter, err := s.prefixIterator(prefix)
	if err != nil {
		return nil, errors.Wrap(err, "creating iterator")
	}
	defer iter.Close()

	var records []entities.ParticipationRecord
	for iter.First(); iter.Valid(); iter.Next() {
		value, err := iter.ValueAndErr()
		if err != nil {
			return nil, errors.Wrap(err, "getting value from iter")
		}
		records = append(records, entities.ParticipationRecord{
			Epoch:         epoch,
			Channel:       channel,
			ParticipantID: string(iter.Key()[len(prefix):]),
			FirstSeen:     int64(binary.BigEndian.Uint64(value)),
		})
	}
	return records, nil
}

func (s *Store) ListChannels() ([]string, error) {
	prefix := []byte{channelKeyPrefix}
	iter, err := s.prefixIterator(prefix)
	if err != nil {
		return nil, errors.Wrap(err, "creating iterator")
	}
	defer iter.Close()

	var channels []string
	for iter.First(); iter.Valid(); iter.Next() {
		// key layout is prefix | len(channel) | channel
		channels = append(channels, string(iter.Key()[2:]))
	}
	return channels, nil
}

// ListEpochs returns every epoch with recorded participation for the channel,
// ascending.
func (s *Store) ListEpochs(channel string) ([]uint64, error) {
	prefix := channelKey(channelEpochKeyPrefix, channel)
	iter, err := s.prefixIterator(prefix)
	if err != nil {
		return nil, errors.Wrap(err, "creating iterator")
	}
	defer iter.Close()

	var epochs []uint64
	for iter.First(); iter.Valid(); iter.Next() {
		epochs = append(epochs, binary.BigEndian.Uint64(iter.Key()[len(prefix):]))
	}
	return epochs, nil
}

func encodeSealedEpoch(se entities.SealedEpoch) []byte {
	value := make([]byte, 0, rootLength+4+8+8+1)
	value = append(value, se.Root...)
	value = binary.BigEndian.AppendUint32(value, se.ClaimCount)
	value = binary.BigEndian.AppendUint64(value, se.Amount)
	value = binary.BigEndian.AppendUint64(value, uint64(se.SealedAt))
	if se.Published {
		value = append(value, 1)
	} else {
		value = append(value, 0)
	}
	return value
}

func decodeSealedEpoch(epoch uint64, channel string, value []byte) (entities.SealedEpoch, error) {
	if len(value) != rootLength+4+8+8+1 {
		return entities.SealedEpoch{}, errors.Errorf("malformed sealed epoch value of length [%d]", len(value))
	}
	return entities.SealedEpoch{
		Epoch:      epoch,
		Channel:    channel,
		Root:       append([]byte(nil), value[:rootLength]...),
		ClaimCount: binary.BigEndian.Uint32(value[rootLength:]),
		Amount:     binary.BigEndian.Uint64(value[rootLength+4:]),
		SealedAt:   int64(binary.BigEndian.Uint64(value[rootLength+12:])),
		Published:  value[rootLength+20] == 1,
	}, nil
}

func (s *Store) GetSealedEpoch(epoch uint64, channel string) (entities.SealedEpoch, error) {
	key := channelKey(sealedEpochKeyPrefix, channel, epochBytes(epoch))
	value, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return entities.SealedEpoch{}, entities.ErrStoreEntityNotFound
	}
	if err != nil {
		return entities.SealedEpoch{}, errors.Wrap(err, "getting sealed epoch")
	}
	defer closer.Close()
	return decodeSealedEpoch(epoch, channel, value)
}

// CommitSealedEpoch writes the epoch header and all participant rows as one
// atomic unit. No partial sealed state is ever observable.
func (s *Store) CommitSealedEpoch(se entities.SealedEpoch, participants []entities.SealedParticipant) error {
	batch := s.db.NewBatch()
	defer batch.Close()

	epochKey := channelKey(sealedEpochKeyPrefix, se.Channel, epochBytes(se.Epoch))
	if err := batch.Set(epochKey, encodeSealedEpoch(se), nil); err != nil {
		return errors.Wrap(err, "setting sealed epoch")
	}

	for _, p := range participants {
		key := channelKey(sealedParticipantKeyPrefix, p.Channel, epochBytes(p.Epoch), indexBytes(p.Index))
		value := binary.BigEndian.AppendUint64(nil, p.Amount)
		value = append(value, p.ParticipantID...)
		if err := batch.Set(key, value, nil); err != nil {
			return errors.Wrapf(err, "setting sealed participant [%d]", p.Index)
		}
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		return errors.Wrap(err, "committing sealed epoch batch")
	}
	return nil
}

// GetSealedParticipants returns the frozen participant set in index order.
func (s *Store) GetSealedParticipants(epoch uint64, channel string) ([]entities.SealedParticipant, error) {
	prefix := channelKey(sealedParticipantKeyPrefix, channel, epochBytes(epoch))
	iter, err := s.prefixIterator(prefix)
	if err != nil {
		return nil, errors.Wrap(err, "creating iterator")
	}
	defer iter.Close()

	var participants []entities.SealedParticipant
	for iter.First(); iter.Valid(); iter.Next() {
		value, err := iter.ValueAndErr()
		if err != nil {
			return nil, errors.Wrap(err, "getting value from iter")
		}
		if len(value) < 8 {
			return nil, errors.Errorf("malformed sealed participant value of length [%d]", len(value))
		}
		participants = append(participants, entities.SealedParticipant{
			Epoch:         epoch,
			Channel:       channel,
			Index:         binary.BigEndian.Uint32(iter.Key()[len(prefix):]),
			ParticipantID: string(value[8:]),
			Amount:        binary.BigEndian.Uint64(value),
		})
	}
	return participants, nil
}

// GetUnpublishedEpochs returns sealed but not yet published epochs for the
// channel, ascending.
func (s *Store) GetUnpublishedEpochs(channel string) ([]uint64, error) {
	prefix := channelKey(sealedEpochKeyPrefix, channel)
	iter, err := s.prefixIterator(prefix)
	if err != nil {
		return nil, errors.Wrap(err, "creating iterator")
	}
	defer iter.Close()

	var epochs []uint64
	for iter.First(); iter.Valid(); iter.Next() {
		value, err := iter.ValueAndErr()
		if err != nil {
			return nil, errors.Wrap(err, "getting value from iter")
		}
		epoch := binary.BigEndian.Uint64(iter.Key()[len(prefix):])
		se, err := decodeSealedEpoch(epoch, channel, value)
		if err != nil {
			return nil, err
		}
		if !se.Published {
			epochs = append(epochs, epoch)
		}
	}
	return epochs, nil
}

// MarkPublished flips the published flag. Idempotent: marking an already
// published epoch again is a no-op.
func (s *Store) MarkPublished(epoch uint64, channel string) error {
	se, err := s.GetSealedEpoch(epoch, channel)
	if err != nil {
		return err
	}
	if se.Published {
		return nil
	}
	se.Published = true
	key := channelKey(sealedEpochKeyPrefix, channel, epochBytes(epoch))
	if err := s.db.Set(key, encodeSealedEpoch(se), pebble.Sync); err != nil {
		return errors.Wrap(err, "marking sealed epoch published")
	}
	return nil
}

func (s *Store) GetClaimRecord(identity string, epoch uint64, channel string) (entities.ClaimRecord, error) {
	key := channelKey(claimRecordKeyPrefix, channel, epochBytes(epoch), []byte(identity))
	value, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return entities.ClaimRecord{}, entities.ErrStoreEntityNotFound
	}
	if err != nil {
		return entities.ClaimRecord{}, errors.Wrap(err, "getting claim record")
	}
	defer closer.Close()

	if len(value) < 9 {
		return entities.ClaimRecord{}, errors.Errorf("malformed claim record value of length [%d]", len(value))
	}
	return entities.ClaimRecord{
		Identity:  identity,
		Epoch:     epoch,
		Channel:   channel,
		Status:    entities.ClaimStatus(value[0]),
		UpdatedAt: int64(binary.BigEndian.Uint64(value[1:9])),
		TxRef:     string(value[9:]),
	}, nil
}

func (s *Store) PutClaimRecord(rec entities.ClaimRecord) error {
	key := channelKey(claimRecordKeyPrefix, rec.Channel, epochBytes(rec.Epoch), []byte(rec.Identity))

	value := []byte{byte(rec.Status)}
	value = binary.BigEndian.AppendUint64(value, uint64(rec.UpdatedAt))
	value = append(value, rec.TxRef...)

	if err := s.db.Set(key, value, pebble.Sync); err != nil {
		return errors.Wrap(err, "setting claim record")
	}
	return nil
}
