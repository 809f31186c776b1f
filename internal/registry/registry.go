package registry

import (
	"sync"

	"ms-ledger/internal/ledgererr"
)

// AssetRegistry is the external ownership registry for ticket tokens. The
// ledger treats the returned token id as identical to its MintedTicket id.
type AssetRegistry interface {
	Mint(owner string) (uint64, error)
	Transfer(from, to string, tokenID uint64) error
	Burn(tokenID uint64) error
	OwnerOf(tokenID uint64) (string, error)
}

// Memory is the in-process registry implementation. Token ids are assigned
// sequentially starting at 1 and never reused.
type Memory struct {
	mu     sync.Mutex
	nextID uint64
	owners map[uint64]string
}

func NewMemory() *Memory {
	return &Memory{nextID: 1, owners: make(map[uint64]string)}
}

func (m *Memory) Mint(owner string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.owners[id] = owner
	return id, nil
}

func (m *Memory) Transfer(from, to string, tokenID uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	owner, ok := m.owners[tokenID]
	if !ok {
		return ledgererr.New(ledgererr.NotFound, "token %d not registered", tokenID)
	}
	if owner != from {
		return ledgererr.New(ledgererr.NotAuthorized, "token %d is not owned by %s", tokenID, from)
	}
	m.owners[tokenID] = to
	return nil
}

func (m *Memory) Burn(tokenID uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.owners[tokenID]; !ok {
		return ledgererr.New(ledgererr.NotFound, "token %d not registered", tokenID)
	}
	delete(m.owners, tokenID)
	return nil
}

func (m *Memory) OwnerOf(tokenID uint64) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	owner, ok := m.owners[tokenID]
	if !ok {
		return "", ledgererr.New(ledgererr.NotFound, "token %d not registered", tokenID)
	}
	return owner, nil
}
