package sealer

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twzrd/go-oracle-keeper/business/domain/merkle"
	"github.com/twzrd/go-oracle-keeper/entities"
	"go.uber.org/zap"
)

type FakeParticipationStore struct {
	records []entities.ParticipationRecord
}

func (f *FakeParticipationStore) GetParticipants(epoch uint64, channel string) ([]entities.ParticipationRecord, error) {
	var matching []entities.ParticipationRecord
	for _, rec := range f.records {
		if rec.Epoch == epoch && rec.Channel == channel {
			matching = append(matching, rec)
		}
	}
	return matching, nil
}

type FakeSealedStore struct {
	sealed       map[string]entities.SealedEpoch
	participants map[string][]entities.SealedParticipant
	commits      int
}

func newFakeSealedStore() *FakeSealedStore {
	return &FakeSealedStore{
		sealed:       make(map[string]entities.SealedEpoch),
		participants: make(map[string][]entities.SealedParticipant),
	}
}

func sealedKey(epoch uint64, channel string) string {
	return fmt.Sprintf("%s/%d", channel, epoch)
}

func (f *FakeSealedStore) GetSealedEpoch(epoch uint64, channel string) (entities.SealedEpoch, error) {
	se, ok := f.sealed[sealedKey(epoch, channel)]
	if !ok {
		return entities.SealedEpoch{}, entities.ErrStoreEntityNotFound
	}
	return se, nil
}

func (f *FakeSealedStore) CommitSealedEpoch(se entities.SealedEpoch, participants []entities.SealedParticipant) error {
	f.sealed[sealedKey(se.Epoch, se.Channel)] = se
	f.participants[sealedKey(se.Epoch, se.Channel)] = participants
	f.commits++
	return nil
}

func createSealer(participation *FakeParticipationStore, store *FakeSealedStore, capacity int) *Sealer {
	s := NewSealer(participation, store, Config{
		EpochDuration: time.Hour,
		SlotCapacity:  capacity,
		RewardAmount:  1000,
	}, zap.NewNop().Sugar())
	// fix the clock so that epoch 100 is closed and epoch 500000 is not
	s.now = func() time.Time { return time.Unix(200*3600, 0) }
	return s
}

func TestSealer_OrderingByFirstSeenThenID(t *testing.T) {
	participation := &FakeParticipationStore{records: []entities.ParticipationRecord{
		{Epoch: 100, Channel: "alpha", ParticipantID: "C", FirstSeen: 30},
		{Epoch: 100, Channel: "alpha", ParticipantID: "A", FirstSeen: 10},
		{Epoch: 100, Channel: "alpha", ParticipantID: "B", FirstSeen: 20},
	}}
	store := newFakeSealedStore()
	sealer := createSealer(participation, store, 1024)

	se, err := sealer.SealEpoch(100, "alpha")
	require.NoError(t, err)
	assert.Equal(t, uint32(3), se.ClaimCount)

	participants := store.participants[sealedKey(100, "alpha")]
	require.Len(t, participants, 3)
	assert.Equal(t, "A", participants[0].ParticipantID)
	assert.Equal(t, uint32(0), participants[0].Index)
	assert.Equal(t, "B", participants[1].ParticipantID)
	assert.Equal(t, uint32(1), participants[1].Index)
	assert.Equal(t, "C", participants[2].ParticipantID)
	assert.Equal(t, uint32(2), participants[2].Index)
}

func TestSealer_FirstSeenTiesBreakByParticipantID(t *testing.T) {
	participation := &FakeParticipationStore{records: []entities.ParticipationRecord{
		{Epoch: 100, Channel: "alpha", ParticipantID: "zeta", FirstSeen: 10},
		{Epoch: 100, Channel: "alpha", ParticipantID: "apex", FirstSeen: 10},
	}}
	store := newFakeSealedStore()
	sealer := createSealer(participation, store, 1024)

	_, err := sealer.SealEpoch(100, "alpha")
	require.NoError(t, err)

	participants := store.participants[sealedKey(100, "alpha")]
	require.Len(t, participants, 2)
	assert.Equal(t, "apex", participants[0].ParticipantID)
	assert.Equal(t, "zeta", participants[1].ParticipantID)
}

func TestSealer_SealTwice_IsIdempotent(t *testing.T) {
	participation := &FakeParticipationStore{records: []entities.ParticipationRecord{
		{Epoch: 100, Channel: "alpha", ParticipantID: "A", FirstSeen: 10},
	}}
	store := newFakeSealedStore()
	sealer := createSealer(participation, store, 1024)

	first, err := sealer.SealEpoch(100, "alpha")
	require.NoError(t, err)

	// new participation arriving after sealing must not change the snapshot
	participation.records = append(participation.records, entities.ParticipationRecord{
		Epoch: 100, Channel: "alpha", ParticipantID: "B", FirstSeen: 5,
	})

	second, err := sealer.SealEpoch(100, "alpha")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, store.commits)
}

func TestSealer_EmptyEpoch_SealsToEmptyRoot(t *testing.T) {
	store := newFakeSealedStore()
	sealer := createSealer(&FakeParticipationStore{}, store, 1024)

	se, err := sealer.SealEpoch(100, "alpha")
	require.NoError(t, err)
	assert.Equal(t, uint32(0), se.ClaimCount)
	assert.Equal(t, merkle.EmptyRoot(), se.Root)
}

func TestSealer_OpenWindow_Rejected(t *testing.T) {
	store := newFakeSealedStore()
	sealer := createSealer(&FakeParticipationStore{}, store, 1024)

	_, err := sealer.SealEpoch(200, "alpha") // current epoch, still open
	assert.ErrorIs(t, err, ErrEpochNotClosed)

	_, err = sealer.SealEpoch(500, "alpha") // future epoch
	assert.ErrorIs(t, err, ErrEpochNotClosed)
	assert.Equal(t, 0, store.commits)
}

func TestSealer_OverCapacity_RejectedAtSealTime(t *testing.T) {
	participation := &FakeParticipationStore{records: []entities.ParticipationRecord{
		{Epoch: 100, Channel: "alpha", ParticipantID: "A", FirstSeen: 1},
		{Epoch: 100, Channel: "alpha", ParticipantID: "B", FirstSeen: 2},
		{Epoch: 100, Channel: "alpha", ParticipantID: "C", FirstSeen: 3},
	}}
	store := newFakeSealedStore()
	sealer := createSealer(participation, store, 2)

	_, err := sealer.SealEpoch(100, "alpha")
	assert.ErrorIs(t, err, ErrEpochOverCapacity)
	assert.Equal(t, 0, store.commits)
}

func TestSealer_RootMatchesRebuiltTree(t *testing.T) {
	participation := &FakeParticipationStore{records: []entities.ParticipationRecord{
		{Epoch: 100, Channel: "alpha", ParticipantID: "C", FirstSeen: 30},
		{Epoch: 100, Channel: "alpha", ParticipantID: "A", FirstSeen: 10},
		{Epoch: 100, Channel: "alpha", ParticipantID: "B", FirstSeen: 20},
	}}
	store := newFakeSealedStore()
	sealer := createSealer(participation, store, 1024)

	se, err := sealer.SealEpoch(100, "alpha")
	require.NoError(t, err)

	// rebuilding the tree from the frozen rows reproduces the root bit for bit
	var leaves [][]byte
	for _, p := range store.participants[sealedKey(100, "alpha")] {
		leaves = append(leaves, merkle.Leaf(p.Channel, p.Epoch, p.Index, p.ParticipantID, p.Amount))
	}
	assert.Equal(t, se.Root, merkle.Root(leaves))
}
