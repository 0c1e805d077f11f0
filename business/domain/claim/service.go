// Package claim reconciles redemption requests against sealed state and the
// ring ledger mirror, producing merkle proofs and unsigned transaction
// descriptors for the claim-serving layer. Reads only; runs with unrestricted
// parallelism against immutable sealed data.
package claim

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/pkg/errors"
	"github.com/twzrd/go-oracle-keeper/business/domain/merkle"
	"github.com/twzrd/go-oracle-keeper/business/domain/ring"
	"github.com/twzrd/go-oracle-keeper/entities"
	"go.uber.org/zap"
)

// ClaimMethod is the on-ledger instruction invoked by the signed transaction.
const ClaimMethod = "claim_with_ring"

type SealedReader interface {
	GetSealedEpoch(epoch uint64, channel string) (entities.SealedEpoch, error)
	GetSealedParticipants(epoch uint64, channel string) ([]entities.SealedParticipant, error)
}

type ClaimStore interface {
	GetClaimRecord(identity string, epoch uint64, channel string) (entities.ClaimRecord, error)
	PutClaimRecord(rec entities.ClaimRecord) error
}

// ProofBundle is everything the claim-serving layer needs to let a client
// redeem one leaf.
type ProofBundle struct {
	Epoch   uint64   `json:"epoch"`
	Channel string   `json:"channel"`
	Index   uint32   `json:"index"`
	Amount  uint64   `json:"amount"`
	Root    string   `json:"root"`  // hex
	Proof   []string `json:"proof"` // hex, one hash-width each
}

// TransactionDescriptor is an unsigned claim transaction for the caller to
// sign and broadcast. The keeper never holds client keys.
type TransactionDescriptor struct {
	Program string   `json:"program"`
	Method  string   `json:"method"`
	Channel string   `json:"channel"`
	Epoch   uint64   `json:"epoch"`
	Index   uint32   `json:"index"`
	Amount  uint64   `json:"amount"`
	Root    string   `json:"root"`
	Proof   []string `json:"proof"`
}

type Service struct {
	sealed  SealedReader
	claims  ClaimStore
	rings   *ring.Registry
	trees   *ttlcache.Cache[string, *merkle.Tree]
	program string
	now     func() time.Time
	logger  *zap.SugaredLogger
}

func NewService(sealed SealedReader, claims ClaimStore, rings *ring.Registry, program string, logger *zap.SugaredLogger) *Service {
	trees := ttlcache.New[string, *merkle.Tree](
		ttlcache.WithTTL[string, *merkle.Tree](30 * time.Minute),
	)
	go trees.Start()

	return &Service{
		sealed:  sealed,
		claims:  claims,
		rings:   rings,
		trees:   trees,
		program: program,
		now:     time.Now,
		logger:  logger,
	}
}

// Close stops the tree cache's expiration loop. Call on shutdown.
func (s *Service) Close() {
	s.trees.Stop()
}

func treeCacheKey(epoch uint64, channel string) string {
	return fmt.Sprintf("%s/%d", channel, epoch)
}

// tree returns the cached tree for the sealed epoch, rebuilding it from the
// frozen participant rows if needed. The rebuilt root must reproduce the
// sealed root bit for bit; a mismatch means corrupted state and is fatal for
// the operation.
func (s *Service) tree(se entities.SealedEpoch) (*merkle.Tree, []entities.SealedParticipant, error) {
	participants, err := s.sealed.GetSealedParticipants(se.Epoch, se.Channel)
	if err != nil {
		return nil, nil, errors.Wrap(err, "getting sealed participants")
	}

	key := treeCacheKey(se.Epoch, se.Channel)
	if item := s.trees.Get(key); item != nil {
		return item.Value(), participants, nil
	}

	leaves := make([][]byte, 0, len(participants))
	for _, p := range participants {
		leaves = append(leaves, merkle.Leaf(p.Channel, p.Epoch, p.Index, p.ParticipantID, p.Amount))
	}
	tree := merkle.NewTree(leaves)

	if !equalRoots(tree.Root(), se.Root) {
		s.logger.Errorw("ALERT: rebuilt tree root does not match sealed root",
			"epoch", se.Epoch, "channel", se.Channel,
			"sealedRoot", hex.EncodeToString(se.Root), "rebuiltRoot", hex.EncodeToString(tree.Root()))
		return nil, nil, errors.Wrapf(ErrProofMismatch, "epoch [%d] channel [%s]", se.Epoch, se.Channel)
	}

	s.trees.Set(key, tree, ttlcache.DefaultTTL)
	return tree, participants, nil
}

func equalRoots(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Proof validates a redemption request and extracts the merkle proof.
// Check order: sealed and occupying a live ring slot, identity resolves to a
// leaf, not already claimed. An existing pending claim record is a reissue:
// the identical proof is returned, so client retries are idempotent.
func (s *Service) Proof(epoch uint64, channel, identity string) (*ProofBundle, error) {
	se, err := s.sealed.GetSealedEpoch(epoch, channel)
	if errors.Is(err, entities.ErrStoreEntityNotFound) {
		return nil, errors.Wrapf(ErrNotSealed, "epoch [%d] channel [%s]", epoch, channel)
	}
	if err != nil {
		return nil, errors.Wrap(err, "getting sealed epoch")
	}

	mirror := s.rings.Mirror(channel)
	switch mirror.Status(epoch) {
	case ring.StatusOccupied:
		// proof can only be served while the epoch occupies its slot
	case ring.StatusEvicted:
		return nil, errors.Wrapf(ErrSlotEvicted, "epoch [%d] channel [%s]", epoch, channel)
	default:
		return nil, errors.Wrapf(ErrNotSealed, "epoch [%d] channel [%s] not published", epoch, channel)
	}

	if slotRoot, ok := mirror.Root(epoch); ok && !equalRoots(slotRoot, se.Root) {
		s.logger.Errorw("ALERT: ring slot root differs from sealed root",
			"epoch", epoch, "channel", channel)
		return nil, errors.Wrapf(ErrProofMismatch, "slot root mismatch for epoch [%d]", epoch)
	}

	tree, participants, err := s.tree(se)
	if err != nil {
		return nil, err
	}

	var participant *entities.SealedParticipant
	for i := range participants {
		if participants[i].ParticipantID == identity {
			participant = &participants[i]
			break
		}
	}
	if participant == nil {
		return nil, errors.Wrapf(ErrNotParticipant, "identity [%s] in epoch [%d]", identity, epoch)
	}

	record, err := s.claims.GetClaimRecord(identity, epoch, channel)
	if err != nil && !errors.Is(err, entities.ErrStoreEntityNotFound) {
		return nil, errors.Wrap(err, "getting claim record")
	}
	if err == nil && record.Status == entities.ClaimConfirmed {
		return nil, errors.Wrapf(ErrAlreadyClaimed, "identity [%s] epoch [%d]", identity, epoch)
	}
	claimed, err := mirror.IsClaimed(epoch, participant.Index)
	if err != nil {
		return nil, errors.Wrap(err, "checking claim bit")
	}
	if claimed {
		return nil, errors.Wrapf(ErrAlreadyClaimed, "claim bit set for index [%d] epoch [%d]", participant.Index, epoch)
	}
	// a pending record is a reissue: fall through and return the same proof

	proof, err := tree.Proof(int(participant.Index))
	if err != nil {
		return nil, errors.Wrap(err, "extracting proof")
	}

	leaf := merkle.Leaf(channel, epoch, participant.Index, participant.ParticipantID, participant.Amount)
	if !merkle.Verify(proof, leaf, se.Root) {
		s.logger.Errorw("ALERT: extracted proof failed self-verification",
			"epoch", epoch, "channel", channel, "index", participant.Index)
		return nil, errors.Wrapf(ErrProofMismatch, "self-verification for index [%d]", participant.Index)
	}

	// every element must be exactly one hash-width before it reaches
	// transaction construction
	proofHex := make([]string, 0, len(proof))
	for i, element := range proof {
		if len(element) != merkle.HashSize {
			return nil, errors.Wrapf(ErrProofMismatch, "proof element [%d] has width [%d]", i, len(element))
		}
		proofHex = append(proofHex, hex.EncodeToString(element))
	}

	return &ProofBundle{
		Epoch:   epoch,
		Channel: channel,
		Index:   participant.Index,
		Amount:  participant.Amount,
		Root:    hex.EncodeToString(se.Root),
		Proof:   proofHex,
	}, nil
}

// AvailableClaims lists the still-claimable leaves of an identity across all
// channels whose epochs still occupy a ring slot.
func (s *Service) AvailableClaims(identity string) ([]entities.ClaimOffer, error) {
	var offers []entities.ClaimOffer
	for _, channel := range s.rings.Channels() {
		mirror := s.rings.Mirror(channel)
		for _, epoch := range mirror.OccupiedEpochs() {
			participants, err := s.sealed.GetSealedParticipants(epoch, channel)
			if err != nil {
				return nil, errors.Wrapf(err, "getting sealed participants for epoch [%d]", epoch)
			}
			for _, p := range participants {
				if p.ParticipantID != identity {
					continue
				}
				claimed, err := mirror.IsClaimed(epoch, p.Index)
				if err != nil {
					return nil, errors.Wrap(err, "checking claim bit")
				}
				if claimed {
					continue
				}
				record, err := s.claims.GetClaimRecord(identity, epoch, channel)
				if err == nil && record.Status == entities.ClaimConfirmed {
					continue
				}
				if err != nil && !errors.Is(err, entities.ErrStoreEntityNotFound) {
					return nil, errors.Wrap(err, "getting claim record")
				}
				offers = append(offers, entities.ClaimOffer{
					Epoch:   epoch,
					Channel: channel,
					Index:   p.Index,
					Amount:  p.Amount,
				})
			}
		}
	}
	return offers, nil
}

// BuildClaimTransaction validates the claim, records it as pending and
// returns the unsigned transaction descriptor. Calling again while pending
// returns the identical descriptor.
func (s *Service) BuildClaimTransaction(epoch uint64, channel, identity string) (*TransactionDescriptor, error) {
	bundle, err := s.Proof(epoch, channel, identity)
	if err != nil {
		return nil, err
	}

	record, err := s.claims.GetClaimRecord(identity, epoch, channel)
	if errors.Is(err, entities.ErrStoreEntityNotFound) {
		record = entities.ClaimRecord{
			Identity: identity,
			Epoch:    epoch,
			Channel:  channel,
			Status:   entities.ClaimPending,
		}
	} else if err != nil {
		return nil, errors.Wrap(err, "getting claim record")
	}
	// at most one pending row per (identity, epoch, channel): re-put keeps the key
	record.UpdatedAt = s.now().Unix()
	if err := s.claims.PutClaimRecord(record); err != nil {
		return nil, errors.Wrap(err, "recording pending claim")
	}

	return &TransactionDescriptor{
		Program: s.program,
		Method:  ClaimMethod,
		Channel: channel,
		Epoch:   epoch,
		Index:   bundle.Index,
		Amount:  bundle.Amount,
		Root:    bundle.Root,
		Proof:   bundle.Proof,
	}, nil
}

// ConfirmClaim transitions a pending claim to confirmed and flips the mirror
// claim bit. Transitions are one-way.
func (s *Service) ConfirmClaim(identity string, epoch uint64, channel, txRef string) error {
	return s.resolveClaim(identity, epoch, channel, txRef, entities.ClaimConfirmed)
}

// FailClaim transitions a pending claim to failed.
func (s *Service) FailClaim(identity string, epoch uint64, channel, txRef string) error {
	return s.resolveClaim(identity, epoch, channel, txRef, entities.ClaimFailed)
}

func (s *Service) resolveClaim(identity string, epoch uint64, channel, txRef string, status entities.ClaimStatus) error {
	record, err := s.claims.GetClaimRecord(identity, epoch, channel)
	if err != nil {
		return errors.Wrap(err, "getting claim record")
	}
	if record.Status != entities.ClaimPending {
		return errors.Errorf("claim record is [%s], only pending claims can be resolved", record.Status)
	}
	record.Status = status
	record.TxRef = txRef
	record.UpdatedAt = s.now().Unix()
	if err := s.claims.PutClaimRecord(record); err != nil {
		return errors.Wrap(err, "updating claim record")
	}

	if status == entities.ClaimConfirmed {
		participants, err := s.sealed.GetSealedParticipants(epoch, channel)
		if err != nil {
			return errors.Wrap(err, "getting sealed participants")
		}
		for _, p := range participants {
			if p.ParticipantID == identity {
				if err := s.rings.Mirror(channel).SetClaimed(epoch, p.Index); err != nil {
					return errors.Wrap(err, "setting claim bit")
				}
				break
			}
		}
	}
	return nil
}
