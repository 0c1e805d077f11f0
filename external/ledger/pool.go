package ledger

import (
	"sync"
	"time"

	"github.com/pkg/errors"
)

// endpointPool rotates ledger RPC endpoints round-robin and takes failing
// endpoints out of rotation for a cool-down period. When every endpoint is
// cooling down the least recently failed one is handed out anyway, so a
// full outage degrades to retries instead of a stall.
type endpointPool struct {
	mu        sync.Mutex
	endpoints []string
	failedAt  []time.Time
	next      int
	coolDown  time.Duration
	now       func() time.Time
}

func newEndpointPool(endpoints []string, coolDown time.Duration) (*endpointPool, error) {
	if len(endpoints) == 0 {
		return nil, errors.New("no ledger endpoints configured")
	}
	return &endpointPool{
		endpoints: endpoints,
		failedAt:  make([]time.Time, len(endpoints)),
		coolDown:  coolDown,
		now:       time.Now,
	}, nil
}

// Next returns the next healthy endpoint in rotation.
func (p *endpointPool) Next() string {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	for i := 0; i < len(p.endpoints); i++ {
		candidate := (p.next + i) % len(p.endpoints)
		if now.Sub(p.failedAt[candidate]) >= p.coolDown {
			p.next = (candidate + 1) % len(p.endpoints)
			return p.endpoints[candidate]
		}
	}

	// all endpoints cooling down, pick the one that failed longest ago
	oldest := 0
	for i := 1; i < len(p.endpoints); i++ {
		if p.failedAt[i].Before(p.failedAt[oldest]) {
			oldest = i
		}
	}
	p.next = (oldest + 1) % len(p.endpoints)
	return p.endpoints[oldest]
}

// MarkFailed starts the endpoint's cool-down.
func (p *endpointPool) MarkFailed(endpoint string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, e := range p.endpoints {
		if e == endpoint {
			p.failedAt[i] = p.now()
			return
		}
	}
}
