// Package ring mirrors the per-channel on-ledger ring buffer of recent merkle
// roots and claim bitmaps. The mirror is derived state: it is reloaded from
// the ledger at the start of every keeper tick and must stay byte compatible
// with the deployed contract layout.
package ring

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// Contract defaults. Both are deployment parameters confirmed against the
// live program before going to production.
const (
	DefaultSlots    = 10
	DefaultCapacity = 1024
)

var ErrIndexOutOfRange = errors.New("claim index exceeds slot capacity")

type SlotStatus int

const (
	StatusEmpty SlotStatus = iota
	StatusOccupied
	StatusEvicted
)

func (s SlotStatus) String() string {
	switch s {
	case StatusEmpty:
		return "empty"
	case StatusOccupied:
		return "occupied"
	case StatusEvicted:
		return "evicted"
	}
	return "unknown"
}

// Slot is one ring entry: the sealed root of one epoch plus the claim bitmap.
type Slot struct {
	Epoch      uint64
	Root       []byte
	ClaimCount uint16
	Bitmap     []byte
}

// RiskSlot reports an occupied slot nearing eviction with unclaimed leaves.
type RiskSlot struct {
	Channel         string
	Epoch           uint64
	EpochsUntilGone uint64
	Unclaimed       int
}

// Mirror holds one channel's ring state. Safe for concurrent readers; the
// keeper is the only writer.
type Mirror struct {
	mu          sync.RWMutex
	channel     string
	slots       []Slot
	latestEpoch uint64
	capacity    int
}

func NewMirror(channel string, slotCount, capacity int) *Mirror {
	return &Mirror{
		channel:  channel,
		slots:    make([]Slot, slotCount),
		capacity: capacity,
	}
}

func (m *Mirror) Channel() string { return m.channel }

// Capacity returns the per-slot claim bitmap capacity C.
func (m *Mirror) Capacity() int { return m.capacity }

func (m *Mirror) slotIndex(epoch uint64) int {
	return int(epoch % uint64(len(m.slots)))
}

// Publish occupies the ring slot for epoch, evicting whatever occupied it.
// Bits are reset; eviction is irreversible and forfeits unclaimed leaves.
func (m *Mirror) Publish(epoch uint64, root []byte, claimCount uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()

	slot := &m.slots[m.slotIndex(epoch)]
	slot.Epoch = epoch
	slot.Root = append([]byte(nil), root...)
	slot.ClaimCount = claimCount
	slot.Bitmap = make([]byte, (m.capacity+7)/8)

	if epoch > m.latestEpoch {
		m.latestEpoch = epoch
	}
}

// Load replaces the full mirror state with the ledger's view of the channel.
func (m *Mirror) Load(latestEpoch uint64, slots []Slot) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.latestEpoch = latestEpoch
	for i := range m.slots {
		m.slots[i] = Slot{}
	}
	for _, s := range slots {
		if len(s.Root) == 0 {
			continue
		}
		target := &m.slots[m.slotIndex(s.Epoch)]
		target.Epoch = s.Epoch
		target.Root = append([]byte(nil), s.Root...)
		target.ClaimCount = s.ClaimCount
		target.Bitmap = append([]byte(nil), s.Bitmap...)
		if len(target.Bitmap) == 0 {
			target.Bitmap = make([]byte, (m.capacity+7)/8)
		}
	}
}

// Status reports how the epoch relates to its ring slot. Evicted means the
// slot moved on to a newer epoch; a slot that is empty or still holds an
// older occupant (the one this epoch will evict when published) means the
// epoch is simply not published yet.
func (m *Mirror) Status(epoch uint64) SlotStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	slot := m.slots[m.slotIndex(epoch)]
	if len(slot.Root) == 0 || slot.Epoch < epoch {
		return StatusEmpty
	}
	if slot.Epoch == epoch {
		return StatusOccupied
	}
	return StatusEvicted
}

// Root returns the occupying root for epoch, or false if not occupied.
func (m *Mirror) Root(epoch uint64) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	slot := m.slots[m.slotIndex(epoch)]
	if len(slot.Root) == 0 || slot.Epoch != epoch {
		return nil, false
	}
	return append([]byte(nil), slot.Root...), true
}

// OccupiedEpochs lists the epochs currently holding a ring slot, ascending.
func (m *Mirror) OccupiedEpochs() []uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var epochs []uint64
	for _, slot := range m.slots {
		if len(slot.Root) > 0 {
			epochs = append(epochs, slot.Epoch)
		}
	}
	sort.Slice(epochs, func(i, j int) bool { return epochs[i] < epochs[j] })
	return epochs
}

// IsClaimed tests the claim bit for a leaf index within the epoch's slot.
func (m *Mirror) IsClaimed(epoch uint64, index uint32) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if int(index) >= m.capacity {
		return false, errors.Wrapf(ErrIndexOutOfRange, "index [%d], capacity [%d]", index, m.capacity)
	}
	slot := m.slots[m.slotIndex(epoch)]
	if len(slot.Root) == 0 || slot.Epoch != epoch {
		return false, nil
	}
	return slot.Bitmap[index/8]&(1<<(index%8)) != 0, nil
}

// SetClaimed flips the claim bit for a leaf index. No-op if the epoch no
// longer occupies its slot.
func (m *Mirror) SetClaimed(epoch uint64, index uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if int(index) >= m.capacity {
		return errors.Wrapf(ErrIndexOutOfRange, "index [%d], capacity [%d]", index, m.capacity)
	}
	slot := &m.slots[m.slotIndex(epoch)]
	if len(slot.Root) == 0 || slot.Epoch != epoch {
		return nil
	}
	slot.Bitmap[index/8] |= 1 << (index % 8)
	return nil
}

// Unclaimed counts leaves of the epoch's slot with unset claim bits.
func (m *Mirror) Unclaimed(epoch uint64) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	slot := m.slots[m.slotIndex(epoch)]
	if len(slot.Root) == 0 || slot.Epoch != epoch {
		return 0
	}
	unclaimed := 0
	for i := uint32(0); i < uint32(slot.ClaimCount); i++ {
		if slot.Bitmap[i/8]&(1<<(i%8)) == 0 {
			unclaimed++
		}
	}
	return unclaimed
}

// EvictionRisk lists occupied slots that will be evicted within the next
// `within` published epochs and still hold unclaimed leaves. Operators watch
// this: eviction permanently forfeits the remaining claims.
func (m *Mirror) EvictionRisk(within uint64) []RiskSlot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ringSize := uint64(len(m.slots))
	var risks []RiskSlot
	for _, slot := range m.slots {
		if len(slot.Root) == 0 {
			continue
		}
		// slot for epoch e is overwritten when epoch e+ringSize is published
		evictionEpoch := slot.Epoch + ringSize
		if evictionEpoch <= m.latestEpoch {
			continue // already stale
		}
		remaining := evictionEpoch - m.latestEpoch - 1
		if remaining > within {
			continue
		}
		unclaimed := 0
		for i := uint32(0); i < uint32(slot.ClaimCount); i++ {
			if slot.Bitmap[i/8]&(1<<(i%8)) == 0 {
				unclaimed++
			}
		}
		if unclaimed == 0 {
			continue
		}
		risks = append(risks, RiskSlot{
			Channel:         m.channel,
			Epoch:           slot.Epoch,
			EpochsUntilGone: remaining,
			Unclaimed:       unclaimed,
		})
	}
	return risks
}

// Registry hands out one mirror per channel.
type Registry struct {
	mu        sync.Mutex
	mirrors   map[string]*Mirror
	slotCount int
	capacity  int
}

func NewRegistry(slotCount, capacity int) *Registry {
	return &Registry{
		mirrors:   make(map[string]*Mirror),
		slotCount: slotCount,
		capacity:  capacity,
	}
}

func (r *Registry) Mirror(channel string) *Mirror {
	r.mu.Lock()
	defer r.mu.Unlock()

	mirror, ok := r.mirrors[channel]
	if !ok {
		mirror = NewMirror(channel, r.slotCount, r.capacity)
		r.mirrors[channel] = mirror
	}
	return mirror
}

func (r *Registry) Channels() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	channels := make([]string, 0, len(r.mirrors))
	for channel := range r.mirrors {
		channels = append(channels, channel)
	}
	return channels
}
