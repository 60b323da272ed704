package mediation

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// AllowlistOwner approves transactions whose buyer is on its customer list.
type AllowlistOwner struct {
	mu     sync.RWMutex
	buyers map[common.Address]struct{}
}

// NewAllowlistOwner returns an owner approving the given buyers.
func NewAllowlistOwner(buyers ...common.Address) *AllowlistOwner {
	o := &AllowlistOwner{buyers: make(map[common.Address]struct{})}
	for _, buyer := range buyers {
		o.Allow(buyer)
	}
	return o
}

func (o *AllowlistOwner) Allow(buyer common.Address) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.buyers[buyer] = struct{}{}
}

func (o *AllowlistOwner) Remove(buyer common.Address) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.buyers, buyer)
}

func (o *AllowlistOwner) AuthorizeTransaction(_ context.Context, _ uint64, buyer common.Address) (bool, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	_, ok := o.buyers[buyer]
	return ok, nil
}
