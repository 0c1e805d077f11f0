package pebbledb

import (
	"bytes"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twzrd/go-oracle-keeper/entities"
)

func createStore(t *testing.T) *Store {
	t.Helper()
	dbDir, err := os.MkdirTemp("", "pebble_test")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dbDir) })

	store, err := NewKeeperStore(dbDir)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestKeeperStore_Participation(t *testing.T) {
	store := createStore(t)

	records := []entities.ParticipationRecord{
		{Epoch: 100, Channel: "alpha", ParticipantID: "C", FirstSeen: 30},
		{Epoch: 100, Channel: "alpha", ParticipantID: "A", FirstSeen: 10},
		{Epoch: 100, Channel: "alpha", ParticipantID: "B", FirstSeen: 20},
		{Epoch: 101, Channel: "alpha", ParticipantID: "A", FirstSeen: 40},
		{Epoch: 100, Channel: "beta", ParticipantID: "X", FirstSeen: 15},
	}
	for _, rec := range records {
		require.NoError(t, store.PutParticipation(rec))
	}

	got, err := store.GetParticipants(100, "alpha")
	require.NoError(t, err)
	require.Len(t, got, 3)
	// key order is participant id order
	assert.Equal(t, "A", got[0].ParticipantID)
	assert.Equal(t, int64(10), got[0].FirstSeen)
	assert.Equal(t, "C", got[2].ParticipantID)

	channels, err := store.ListChannels()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"alpha", "beta"}, channels)

	epochs, err := store.ListEpochs("alpha")
	require.NoError(t, err)
	assert.Equal(t, []uint64{100, 101}, epochs)
}

func TestKeeperStore_Participation_KeepsEarliestSighting(t *testing.T) {
	store := createStore(t)

	require.NoError(t, store.PutParticipation(entities.ParticipationRecord{
		Epoch: 100, Channel: "alpha", ParticipantID: "A", FirstSeen: 50,
	}))
	require.NoError(t, store.PutParticipation(entities.ParticipationRecord{
		Epoch: 100, Channel: "alpha", ParticipantID: "A", FirstSeen: 10,
	}))
	require.NoError(t, store.PutParticipation(entities.ParticipationRecord{
		Epoch: 100, Channel: "alpha", ParticipantID: "A", FirstSeen: 99,
	}))

	got, err := store.GetParticipants(100, "alpha")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int64(10), got[0].FirstSeen)
}

func TestKeeperStore_SealedEpochRoundTrip(t *testing.T) {
	store := createStore(t)

	_, err := store.GetSealedEpoch(100, "alpha")
	assert.ErrorIs(t, err, entities.ErrStoreEntityNotFound)

	se := entities.SealedEpoch{
		Epoch:      100,
		Channel:    "alpha",
		Root:       bytes.Repeat([]byte{0xab}, 32),
		ClaimCount: 2,
		Amount:     1000,
		SealedAt:   1762556400,
	}
	participants := []entities.SealedParticipant{
		{Epoch: 100, Channel: "alpha", Index: 0, ParticipantID: "A", Amount: 1000},
		{Epoch: 100, Channel: "alpha", Index: 1, ParticipantID: "B", Amount: 1000},
	}
	require.NoError(t, store.CommitSealedEpoch(se, participants))

	got, err := store.GetSealedEpoch(100, "alpha")
	require.NoError(t, err)
	assert.Equal(t, se, got)

	gotParticipants, err := store.GetSealedParticipants(100, "alpha")
	require.NoError(t, err)
	assert.Equal(t, participants, gotParticipants)
}

func TestKeeperStore_MarkPublished_IsIdempotent(t *testing.T) {
	store := createStore(t)

	se := entities.SealedEpoch{
		Epoch:   100,
		Channel: "alpha",
		Root:    bytes.Repeat([]byte{0x01}, 32),
	}
	require.NoError(t, store.CommitSealedEpoch(se, nil))

	unpublished, err := store.GetUnpublishedEpochs("alpha")
	require.NoError(t, err)
	require.Len(t, unpublished, 1)

	require.NoError(t, store.MarkPublished(100, "alpha"))
	require.NoError(t, store.MarkPublished(100, "alpha"))

	got, err := store.GetSealedEpoch(100, "alpha")
	require.NoError(t, err)
	assert.True(t, got.Published)

	unpublished, err = store.GetUnpublishedEpochs("alpha")
	require.NoError(t, err)
	assert.Empty(t, unpublished)
}

func TestKeeperStore_MarkPublished_UnknownEpoch(t *testing.T) {
	store := createStore(t)
	assert.ErrorIs(t, store.MarkPublished(42, "alpha"), entities.ErrStoreEntityNotFound)
}

func TestKeeperStore_ClaimRecords(t *testing.T) {
	store := createStore(t)

	_, err := store.GetClaimRecord("viewer-1", 100, "alpha")
	assert.ErrorIs(t, err, entities.ErrStoreEntityNotFound)

	rec := entities.ClaimRecord{
		Identity:  "viewer-1",
		Epoch:     100,
		Channel:   "alpha",
		Status:    entities.ClaimPending,
		UpdatedAt: 1762556400,
	}
	require.NoError(t, store.PutClaimRecord(rec))

	got, err := store.GetClaimRecord("viewer-1", 100, "alpha")
	require.NoError(t, err)
	assert.Equal(t, rec, got)

	rec.Status = entities.ClaimConfirmed
	rec.TxRef = "tx-abc"
	require.NoError(t, store.PutClaimRecord(rec))

	got, err = store.GetClaimRecord("viewer-1", 100, "alpha")
	require.NoError(t, err)
	assert.Equal(t, entities.ClaimConfirmed, got.Status)
	assert.Equal(t, "tx-abc", got.TxRef)
}

func TestKeeperStore_GetUnpublishedEpochs_Ascending(t *testing.T) {
	store := createStore(t)

	for _, epoch := range []uint64{103, 101, 102} {
		require.NoError(t, store.CommitSealedEpoch(entities.SealedEpoch{
			Epoch:   epoch,
			Channel: "alpha",
			Root:    bytes.Repeat([]byte{byte(epoch)}, 32),
		}, nil))
	}
	require.NoError(t, store.MarkPublished(102, "alpha"))

	unpublished, err := store.GetUnpublishedEpochs("alpha")
	require.NoError(t, err)
	require.Len(t, unpublished, 2)
	assert.Equal(t, uint64(101), unpublished[0])
	assert.Equal(t, uint64(103), unpublished[1])
}
