package funds

import (
	"context"
	"sync"

	"ms-ledger/internal/ledgererr"
)

// Mover moves value between principal accounts. Every money leg of a ledger
// operation goes through a Mover and is checked: a failed transfer aborts
// the whole operation.
type Mover interface {
	Transfer(ctx context.Context, from, to string, amount int64) error
}

// Bank is the in-memory Mover used by the default wiring and the tests.
// Accounts are created on first credit; debits below zero are rejected.
type Bank struct {
	mu       sync.Mutex
	balances map[string]int64
}

func NewBank() *Bank {
	return &Bank{balances: make(map[string]int64)}
}

// Deposit seeds an account. Test and bootstrap helper, not a ledger leg.
func (b *Bank) Deposit(account string, amount int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.balances[account] += amount
}

func (b *Bank) Balance(account string) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.balances[account]
}

func (b *Bank) Transfer(ctx context.Context, from, to string, amount int64) error {
	if amount < 0 {
		return ledgererr.New(ledgererr.TransferFailed, "negative transfer of %d from %s", amount, from)
	}
	if amount == 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.balances[from] < amount {
		return ledgererr.New(ledgererr.TransferFailed, "account %s has insufficient funds for %d", from, amount)
	}
	b.balances[from] -= amount
	b.balances[to] += amount
	return nil
}
