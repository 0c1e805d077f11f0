package entities

import "errors"

// ErrStoreEntityNotFound is returned by stores when the requested row does not exist.
var ErrStoreEntityNotFound = errors.New("store resource not found")

// ParticipationRecord is one participant sighting within an epoch window.
// It is produced by the ingestion collaborator and validated at the boundary;
// internal components never see the raw event shape.
type ParticipationRecord struct {
	Epoch         uint64 `json:"epoch"`
	Channel       string `json:"channel"`
	ParticipantID string `json:"participantId"`
	FirstSeen     int64  `json:"firstSeen"` // unix milliseconds
}

// SealedEpoch is the immutable snapshot header for one (epoch, channel) pair.
// Created exactly once by the sealer; Published flips false to true exactly once.
type SealedEpoch struct {
	Epoch      uint64 `json:"epoch"`
	Channel    string `json:"channel"`
	Root       []byte `json:"root"`
	ClaimCount uint32 `json:"claimCount"`
	Amount     uint64 `json:"amount"` // per-participant reward, fixed at seal time
	SealedAt   int64  `json:"sealedAt"`
	Published  bool   `json:"published"`
}

// SealedParticipant is one frozen leaf of a sealed epoch. Index is permanent.
type SealedParticipant struct {
	Epoch         uint64 `json:"epoch"`
	Channel       string `json:"channel"`
	Index         uint32 `json:"index"`
	ParticipantID string `json:"participantId"`
	Amount        uint64 `json:"amount"`
}

type ClaimStatus byte

const (
	ClaimPending   ClaimStatus = 0
	ClaimConfirmed ClaimStatus = 1
	ClaimFailed    ClaimStatus = 2
)

func (s ClaimStatus) String() string {
	switch s {
	case ClaimPending:
		return "pending"
	case ClaimConfirmed:
		return "confirmed"
	case ClaimFailed:
		return "failed"
	}
	return "unknown"
}

// ClaimRecord tracks one identity's claim attempt. Unique on (identity, epoch, channel).
// Status transitions only pending -> confirmed or pending -> failed.
type ClaimRecord struct {
	Identity  string      `json:"identity"`
	Epoch     uint64      `json:"epoch"`
	Channel   string      `json:"channel"`
	Status    ClaimStatus `json:"status"`
	TxRef     string      `json:"txRef"`
	UpdatedAt int64       `json:"updatedAt"`
}

// ClaimOffer is one still-claimable leaf, returned to the claim-serving layer.
type ClaimOffer struct {
	Epoch   uint64 `json:"epoch"`
	Channel string `json:"channel"`
	Index   uint32 `json:"index"`
	Amount  uint64 `json:"amount"`
}
