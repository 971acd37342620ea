// Package publisher submits encoded DAG nodes to the ledger as remark
// transactions: account pooling with serialized nonce assignment,
// batched submission, delayed bounded retries and dead-lettering.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/autonomys/auto-drive-sub003/internal/ledger"
)

var ErrNoAccounts = errors.New("publisher: no usable signing accounts")

type PoolConfig struct {
	// Accounts are the signing addresses available for submission.
	Accounts []string
	// FailureThreshold parks an account after this many consecutive
	// failed submissions and reinitializes the pool. 0 disables parking.
	FailureThreshold int
	Logger           *logrus.Logger
}

// AccountPool owns all mutable nonce/account state. Nonce assignment is
// a single serialized critical section: the mutex covers slot selection,
// the on-chain nonce fetch for a fresh slot, and the assignment itself,
// so two concurrent submissions can never collide on a nonce.
type AccountPool struct {
	mu     sync.Mutex
	client ledger.Client
	slots  []*accountSlot
	cfg    PoolConfig
	log    *logrus.Logger
}

type accountSlot struct {
	address string
	// chainNext is the next usable nonce according to the chain;
	// assignedNext is the next nonce after our own assignments. The
	// assigned nonce is always max of the two, so nonces only increase.
	chainNext    uint64
	chainKnown   bool
	assignedNext uint64
	inFlight     int
	fails        int
	parked       bool
}

func NewAccountPool(client ledger.Client, cfg PoolConfig) *AccountPool {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	p := &AccountPool{client: client, cfg: cfg, log: cfg.Logger}
	for _, addr := range cfg.Accounts {
		p.slots = append(p.slots, &accountSlot{address: addr})
	}
	return p
}

// Lease is one assigned (account, nonce) pair. Release must be called
// exactly once with the submission outcome.
type Lease struct {
	Account string
	Nonce   uint64

	pool *AccountPool
	slot *accountSlot
	done bool
}

// Acquire picks the account with the fewest in-flight transactions and
// assigns it the next nonce.
func (p *AccountPool) Acquire(ctx context.Context) (*Lease, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var slot *accountSlot
	for _, s := range p.slots {
		if s.parked {
			continue
		}
		if slot == nil || s.inFlight < slot.inFlight {
			slot = s
		}
	}
	if slot == nil {
		return nil, ErrNoAccounts
	}

	if !slot.chainKnown {
		nonce, err := p.client.AccountNonce(ctx, slot.address)
		if err != nil {
			return nil, fmt.Errorf("fetching nonce for %s: %w", slot.address, err)
		}
		slot.chainNext = nonce
		slot.chainKnown = true
	}

	nonce := slot.chainNext
	if slot.assignedNext > nonce {
		nonce = slot.assignedNext
	}
	slot.assignedNext = nonce + 1
	slot.inFlight++

	return &Lease{Account: slot.address, Nonce: nonce, pool: p, slot: slot}, nil
}

// Release reports the submission outcome for the leased nonce.
func (l *Lease) Release(ok bool) {
	if l.done {
		return
	}
	l.done = true

	p := l.pool
	p.mu.Lock()
	defer p.mu.Unlock()

	l.slot.inFlight--
	if ok {
		if l.Nonce+1 > l.slot.chainNext {
			l.slot.chainNext = l.Nonce + 1
		}
		l.slot.fails = 0
		return
	}

	l.slot.fails++
	if p.cfg.FailureThreshold > 0 && l.slot.fails >= p.cfg.FailureThreshold {
		l.slot.parked = true
		p.log.WithField("account", l.slot.address).
			Warn("account parked after repeated submission failures")
		p.resetLocked()
	}
}

// Reinitialize discards all pending nonce bookkeeping and reloads
// on-chain nonces for the remaining accounts on next use. Called when
// an account's nonce state went permanently stale.
func (p *AccountPool) Reinitialize() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resetLocked()
}

func (p *AccountPool) resetLocked() {
	for _, s := range p.slots {
		if s.parked {
			continue
		}
		s.chainKnown = false
		s.assignedNext = 0
	}
}

// usable reports how many accounts remain unparked.
func (p *AccountPool) usable() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, s := range p.slots {
		if !s.parked {
			n++
		}
	}
	return n
}
