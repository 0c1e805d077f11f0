// Package keeper runs the scheduled publishing loop. It is the single writer
// of sealed state and the only component mutating the ledger: per tick it
// refreshes the ring mirrors, seals closed epochs, publishes unpublished
// roots and compounds matured vault positions. Every tick is independent;
// a failed tick leaves no state the next tick cannot recover from.
package keeper

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/twzrd/go-oracle-keeper/business/domain/merkle"
	"github.com/twzrd/go-oracle-keeper/business/domain/ring"
	"github.com/twzrd/go-oracle-keeper/entities"
	"github.com/twzrd/go-oracle-keeper/external/ledger"
	"github.com/twzrd/go-oracle-keeper/metrics"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type Ledger interface {
	GetChannelState(ctx context.Context, channel string) (*ledger.ChannelState, error)
	PublishRoot(ctx context.Context, req ledger.PublishRequest) error
	SimulatePublishRoot(ctx context.Context, req ledger.PublishRequest) (*ledger.Simulation, error)
	MaturedPositions(ctx context.Context, channel string) ([]ledger.Position, error)
	CompoundPosition(ctx context.Context, channel, positionID string) error
}

type EpochSealer interface {
	SealEpoch(epoch uint64, channel string) (entities.SealedEpoch, error)
	CurrentEpoch() uint64
}

type KeeperStore interface {
	ListChannels() ([]string, error)
	ListEpochs(channel string) ([]uint64, error)
	GetSealedEpoch(epoch uint64, channel string) (entities.SealedEpoch, error)
	GetSealedParticipants(epoch uint64, channel string) ([]entities.SealedParticipant, error)
	GetUnpublishedEpochs(channel string) ([]uint64, error)
	MarkPublished(epoch uint64, channel string) error
}

type Config struct {
	TickInterval        time.Duration
	DryRun              bool
	RetryBaseDelay      time.Duration
	RetryMaxDelay       time.Duration
	MaxRetries          int
	MaxParallelChannels int
	EvictionRiskWindow  uint64
}

type Keeper struct {
	ledger        Ledger
	sealer        EpochSealer
	store         KeeperStore
	rings         *ring.Registry
	cfg           Config
	keeperMetrics *metrics.KeeperMetrics
	logger        *zap.SugaredLogger
	state         State

	mu                 sync.Mutex
	lastSuccessfulTick time.Time
	evictionRiskSlots  int
}

func NewKeeper(ledgerClient Ledger, sealer EpochSealer, store KeeperStore, rings *ring.Registry,
	cfg Config, keeperMetrics *metrics.KeeperMetrics, logger *zap.SugaredLogger) *Keeper {
	return &Keeper{
		ledger:        ledgerClient,
		sealer:        sealer,
		store:         store,
		rings:         rings,
		cfg:           cfg,
		keeperMetrics: keeperMetrics,
		logger:        logger,
		state:         StateIdle,
	}
}

// LastSuccessfulTick reports when a tick last completed without errors.
func (k *Keeper) LastSuccessfulTick() time.Time {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.lastSuccessfulTick
}

// EvictionRiskSlots reports the slot count of the latest eviction-risk scan.
func (k *Keeper) EvictionRiskSlots() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.evictionRiskSlots
}

// Run ticks until the context is cancelled. The first tick runs immediately
// so a restarted keeper does not wait a full interval to catch up.
func (k *Keeper) Run(ctx context.Context) error {
	k.tick(ctx)

	ticker := time.NewTicker(k.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			k.tick(ctx)
		}
	}
}

func (k *Keeper) tick(ctx context.Context) {
	if err := k.Tick(ctx); err != nil {
		k.keeperMetrics.IncTickErrors()
		k.logger.Errorw("Tick ended with error.", "state", k.state.String(), "error", err)
	}
}

// Tick runs one full keeper pass over every known channel. A failure in one
// channel never aborts the others; the first error is returned after all
// channels finished.
func (k *Keeper) Tick(ctx context.Context) error {
	channels, err := k.store.ListChannels()
	if err != nil {
		k.state = StateBackoff
		return errors.Wrap(err, "listing channels")
	}

	k.state = Transition(StateIdle, false)

	var g errgroup.Group
	if k.cfg.MaxParallelChannels > 0 {
		g.SetLimit(k.cfg.MaxParallelChannels)
	}
	for _, channel := range channels {
		g.Go(func() error {
			if err := k.processChannel(ctx, channel); err != nil {
				k.logger.Errorw("Processing channel failed.", "channel", channel, "error", err)
				return errors.Wrapf(err, "processing channel [%s]", channel)
			}
			return nil
		})
	}
	err = g.Wait()

	k.updateEvictionRisk(channels)

	k.state = Transition(StateSealing, err != nil)
	if err != nil {
		return err
	}
	k.state = Transition(StatePublishing, false)

	now := time.Now()
	k.mu.Lock()
	k.lastSuccessfulTick = now
	k.mu.Unlock()
	k.keeperMetrics.SetLastSuccessfulTick(now)
	return nil
}

func (k *Keeper) processChannel(ctx context.Context, channel string) error {
	if err := k.refreshMirror(ctx, channel); err != nil {
		return errors.Wrap(err, "refreshing ring mirror")
	}
	if err := k.sealClosedEpochs(channel); err != nil {
		return errors.Wrap(err, "sealing closed epochs")
	}
	if err := k.publishUnpublished(ctx, channel); err != nil {
		return errors.Wrap(err, "publishing roots")
	}
	if err := k.compoundMatured(ctx, channel); err != nil {
		return errors.Wrap(err, "compounding matured positions")
	}
	return nil
}

// refreshMirror replaces the channel's mirror with the ledger's view. The
// mirror is derived state; the ledger is always the source of truth.
func (k *Keeper) refreshMirror(ctx context.Context, channel string) error {
	var state *ledger.ChannelState
	err := k.withRetry(ctx, func(ctx context.Context) error {
		var err error
		state, err = k.ledger.GetChannelState(ctx, channel)
		return err
	})
	if err != nil {
		return errors.Wrapf(err, "getting channel state for [%s]", channel)
	}
	k.rings.Mirror(channel).Load(state.LatestEpoch, state.Slots)
	return nil
}

func (k *Keeper) sealClosedEpochs(channel string) error {
	epochs, err := k.store.ListEpochs(channel)
	if err != nil {
		return errors.Wrap(err, "listing epochs")
	}

	current := k.sealer.CurrentEpoch()
	for _, epoch := range epochs {
		if epoch >= current {
			continue // window still open
		}
		_, err := k.store.GetSealedEpoch(epoch, channel)
		if err == nil {
			continue // already sealed
		}
		if !errors.Is(err, entities.ErrStoreEntityNotFound) {
			return errors.Wrapf(err, "getting sealed epoch [%d]", epoch)
		}

		se, err := k.sealer.SealEpoch(epoch, channel)
		if err != nil {
			return errors.Wrapf(err, "sealing epoch [%d]", epoch)
		}
		k.keeperMetrics.IncSealedEpochs()
		k.keeperMetrics.SetLatestSealedEpoch(se.Epoch)
	}
	return nil
}

func (k *Keeper) publishUnpublished(ctx context.Context, channel string) error {
	unpublished, err := k.store.GetUnpublishedEpochs(channel)
	if err != nil {
		return errors.Wrap(err, "getting unpublished epochs")
	}
	k.keeperMetrics.SetUnpublishedBacklog(len(unpublished))

	mirror := k.rings.Mirror(channel)
	for _, epoch := range unpublished {
		se, err := k.store.GetSealedEpoch(epoch, channel)
		if err != nil {
			return errors.Wrapf(err, "getting sealed epoch [%d]", epoch)
		}

		// rebuilding the tree must reproduce the stored root before anything
		// reaches the ledger
		if err := k.verifySealedRoot(se); err != nil {
			return err
		}

		if slotRoot, ok := mirror.Root(epoch); ok {
			if !bytes.Equal(slotRoot, se.Root) {
				k.logger.Errorw("ALERT: ledger slot holds a different root than sealed state",
					"channel", channel, "epoch", epoch)
				return errors.Errorf("slot root mismatch for epoch [%d]", epoch)
			}
			// already on the ledger, reconcile local state without a call
			k.logger.Infow("Root already published.", "channel", channel, "epoch", epoch)
			if err := k.store.MarkPublished(epoch, channel); err != nil {
				return errors.Wrapf(err, "marking epoch [%d] published", epoch)
			}
			continue
		}

		if mirror.Status(epoch) == ring.StatusEvicted {
			// the slot already moved past this epoch, publishing would roll
			// the ring backwards
			k.logger.Warnw("Skipping stale epoch, slot already reused.", "channel", channel, "epoch", epoch)
			if err := k.store.MarkPublished(epoch, channel); err != nil {
				return errors.Wrapf(err, "marking epoch [%d] published", epoch)
			}
			continue
		}

		if err := k.publishRoot(ctx, mirror, se); err != nil {
			return errors.Wrapf(err, "publishing epoch [%d]", epoch)
		}
	}
	return nil
}

func (k *Keeper) publishRoot(ctx context.Context, mirror *ring.Mirror, se entities.SealedEpoch) error {
	req := ledger.PublishRequest{
		Channel:    se.Channel,
		Epoch:      se.Epoch,
		Root:       se.Root,
		ClaimCount: uint16(se.ClaimCount),
	}

	if k.cfg.DryRun {
		var sim *ledger.Simulation
		err := k.withRetry(ctx, func(ctx context.Context) error {
			var err error
			sim, err = k.ledger.SimulatePublishRoot(ctx, req)
			return err
		})
		if err != nil {
			return err
		}
		if !sim.Valid {
			return errors.Errorf("simulation rejected root publication: %s", sim.Reason)
		}
		k.logger.Infow("Published root.", "channel", se.Channel, "epoch", se.Epoch,
			"claimCount", se.ClaimCount, "dryRun", true, "estimatedCost", sim.EstimatedCost)
		return nil
	}

	err := k.withRetry(ctx, func(ctx context.Context) error {
		return k.ledger.PublishRoot(ctx, req)
	})
	if err != nil {
		return err
	}

	mirror.Publish(se.Epoch, se.Root, uint16(se.ClaimCount))
	if err := k.store.MarkPublished(se.Epoch, se.Channel); err != nil {
		return errors.Wrap(err, "marking published")
	}
	k.keeperMetrics.IncPublishedRoots()
	k.logger.Infow("Published root.", "channel", se.Channel, "epoch", se.Epoch,
		"claimCount", se.ClaimCount, "dryRun", false)
	return nil
}

func (k *Keeper) verifySealedRoot(se entities.SealedEpoch) error {
	participants, err := k.store.GetSealedParticipants(se.Epoch, se.Channel)
	if err != nil {
		return errors.Wrap(err, "getting sealed participants")
	}
	leaves := make([][]byte, 0, len(participants))
	for _, p := range participants {
		leaves = append(leaves, merkle.Leaf(p.Channel, p.Epoch, p.Index, p.ParticipantID, p.Amount))
	}
	if !bytes.Equal(merkle.Root(leaves), se.Root) {
		k.logger.Errorw("ALERT: rebuilt tree root does not match sealed root",
			"channel", se.Channel, "epoch", se.Epoch)
		return errors.Errorf("rebuilt root mismatch for epoch [%d] channel [%s]", se.Epoch, se.Channel)
	}
	return nil
}

func (k *Keeper) compoundMatured(ctx context.Context, channel string) error {
	var positions []ledger.Position
	err := k.withRetry(ctx, func(ctx context.Context) error {
		var err error
		positions, err = k.ledger.MaturedPositions(ctx, channel)
		return err
	})
	if err != nil {
		return errors.Wrap(err, "getting matured positions")
	}

	for _, position := range positions {
		if !position.Matured {
			continue
		}
		if k.cfg.DryRun {
			k.logger.Infow("Compounded position.", "channel", channel,
				"position", position.ID, "dryRun", true)
			continue
		}
		err := k.withRetry(ctx, func(ctx context.Context) error {
			return k.ledger.CompoundPosition(ctx, channel, position.ID)
		})
		if err != nil {
			return errors.Wrapf(err, "compounding position [%s]", position.ID)
		}
		k.keeperMetrics.IncCompoundedPositions()
		k.logger.Infow("Compounded position.", "channel", channel,
			"position", position.ID, "dryRun", false)
	}
	return nil
}

func (k *Keeper) updateEvictionRisk(channels []string) {
	total := 0
	for _, channel := range channels {
		risks := k.rings.Mirror(channel).EvictionRisk(k.cfg.EvictionRiskWindow)
		for _, risk := range risks {
			k.logger.Warnw("Ring slot nearing eviction with unclaimed leaves.",
				"channel", risk.Channel, "epoch", risk.Epoch,
				"epochsUntilGone", risk.EpochsUntilGone, "unclaimed", risk.Unclaimed)
		}
		total += len(risks)
	}
	k.mu.Lock()
	k.evictionRiskSlots = total
	k.mu.Unlock()
	k.keeperMetrics.SetEvictionRiskSlots(total)
}

// withRetry retries transient ledger failures with capped exponential
// backoff. Non-transient errors and retry exhaustion surface immediately;
// the tick then ends and the full interval is awaited.
func (k *Keeper) withRetry(ctx context.Context, fn func(context.Context) error) error {
	for attempt := 0; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !ledger.IsTransient(err) {
			return err
		}
		if attempt >= k.cfg.MaxRetries {
			return errors.Wrapf(err, "giving up after [%d] retries", attempt)
		}
		k.keeperMetrics.IncRetries()

		delay := BackoffDelay(attempt, k.cfg.RetryBaseDelay, k.cfg.RetryMaxDelay)
		k.logger.Warnw("Retrying ledger call.", "attempt", attempt+1, "delay", delay, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}
