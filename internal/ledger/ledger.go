package ledger

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"ms-ledger/internal/funds"
	"ms-ledger/internal/journal"
	"ms-ledger/internal/ledgererr"
	"ms-ledger/internal/logger"
	"ms-ledger/internal/models"
	"ms-ledger/internal/monitoring"
	"ms-ledger/internal/occasion"
	"ms-ledger/internal/registry"
)

// OccasionStore is the slice of the occasion store the ledger consults.
type OccasionStore interface {
	GetOccasion(id uint64) (*models.Occasion, error)
	ReserveUnit(occasionID uint64, modelID int) (occasion.ModelSnapshot, error)
	ReleaseUnit(occasionID uint64, modelID int) error
}

// AuthOracle answers the check-in creator predicate.
type AuthOracle interface {
	IsCreatorOf(occasionID uint64, principal string) bool
}

// EscrowBook tracks creator-bound sale proceeds per occasion.
type EscrowBook interface {
	Credit(occasionID uint64, amount int64)
	Debit(occasionID uint64, amount int64) error
	Balance(occasionID uint64) int64
}

// Publisher receives the ledger's domain events.
type Publisher interface {
	PublishTicketMinted(event models.TicketMinted) error
	PublishTicketOfferedForSale(event models.TicketOfferedForSale) error
	PublishTicketResold(event models.TicketResold) error
	PublishTicketRefunded(event models.TicketRefunded) error
	PublishCheckedIn(event models.CheckedIn) error
}

// Recorder appends committed operations to the audit journal.
type Recorder interface {
	Record(ctx context.Context, entry journal.Entry) error
}

type heldKey struct {
	occasionID uint64
	principal  string
}

// Ledger owns the minted-ticket records and performs every value-bearing
// ticket operation. Each public operation is one atomic transaction: a
// failed money leg aborts the whole call with no state mutation, and the
// reentrancy guard rejects a funds mover that calls back in mid-transfer.
type Ledger struct {
	mu      sync.RWMutex
	tickets map[uint64]*models.MintedTicket

	// held tickets per (occasion, principal), enforcing the per-occasion
	// purchase limit and kept current through transfers and refunds.
	held map[heldKey]int

	Store    OccasionStore
	Registry registry.AssetRegistry
	Funds    funds.Mover
	Escrow   EscrowBook
	Authz    AuthOracle
	Kafka    Publisher
	Journal  Recorder
	Logger   *logger.Logger

	// FeePercent is the platform's cut of each sale; the fee is rounded up.
	FeePercent int64
	// PlatformAccount receives fees; LedgerAccount holds escrowed funds.
	PlatformAccount string
	LedgerAccount   string

	// Now is the expiry clock; tests override it.
	Now func() time.Time

	entered int32
}

func New(store OccasionStore, reg registry.AssetRegistry, mover funds.Mover, book EscrowBook, oracle AuthOracle) *Ledger {
	return &Ledger{
		tickets:         make(map[uint64]*models.MintedTicket),
		held:            make(map[heldKey]int),
		Store:           store,
		Registry:        reg,
		Funds:           mover,
		Escrow:          book,
		Authz:           oracle,
		FeePercent:      2,
		PlatformAccount: "platform",
		LedgerAccount:   "ledger",
		Now:             time.Now,
	}
}

// PlatformFee is the rounded-up percentage cut of a price.
func (l *Ledger) PlatformFee(price int64) int64 {
	return (price*l.FeePercent + 99) / 100
}

// enter takes the mutual-exclusion guard wrapping every money-moving
// operation. A second entry while the guard is held means a transfer
// recipient called back into the ledger; the call is rejected outright.
func (l *Ledger) enter(op string) error {
	if !atomic.CompareAndSwapInt32(&l.entered, 0, 1) {
		return ledgererr.New(ledgererr.InvalidState, "reentrant %s call rejected", op)
	}
	return nil
}

func (l *Ledger) exit() {
	atomic.StoreInt32(&l.entered, 0)
}

// ---------------- TRANSFER / OFFER / CHECK-IN ----------------

// TransferTicket moves ownership to the recipient, in the registry and in
// the minted-ticket record together.
func (l *Ledger) TransferTicket(ctx context.Context, caller string, ticketID uint64, recipient string) error {
	if err := l.enter("transfer"); err != nil {
		return err
	}
	defer l.exit()

	ticket, err := l.getForUpdate(ticketID)
	if err != nil {
		return err
	}
	if ticket.Owner != caller {
		return ledgererr.New(ledgererr.NotAuthorized, "%s does not own ticket %d", caller, ticketID)
	}
	occ, model, err := l.saleTerms(ticket)
	if err != nil {
		return err
	}
	if !model.Transferrable {
		return ledgererr.New(ledgererr.InvalidState, "ticket %d is not transferrable", ticketID)
	}
	if ticket.CheckedIn {
		return ledgererr.New(ledgererr.InvalidState, "ticket %d is already checked in", ticketID)
	}
	if occ.Expired(l.Now()) {
		return ledgererr.New(ledgererr.InvalidState, "occasion %d has already taken place", occ.ID)
	}
	if err := l.checkHeldLimit(occ, recipient); err != nil {
		return err
	}

	if err := l.Registry.Transfer(caller, recipient, ticketID); err != nil {
		return ledgererr.Wrap(ledgererr.TransferFailed, err, "registry transfer of ticket %d", ticketID)
	}

	l.mu.Lock()
	ticket.Owner = recipient
	ticket.ForSale = false
	l.moveHeld(ticket.OccasionID, caller, recipient)
	l.mu.Unlock()

	if l.Logger != nil {
		l.Logger.LogLedger("TRANSFER", ticketID, fmt.Sprintf("%s -> %s", caller, recipient))
	}
	l.record(ctx, journal.Entry{
		Op:         journal.OpTransfer,
		OccasionID: ticket.OccasionID,
		TicketID:   ticketID,
		Principal:  recipient,
	})
	return nil
}

// OfferTicketForSale flags the caller's ticket for resale at its captured
// price.
func (l *Ledger) OfferTicketForSale(ctx context.Context, caller string, ticketID uint64) error {
	if err := l.enter("offer"); err != nil {
		return err
	}
	defer l.exit()

	ticket, err := l.getForUpdate(ticketID)
	if err != nil {
		return err
	}
	if ticket.Owner != caller {
		return ledgererr.New(ledgererr.NotAuthorized, "%s does not own ticket %d", caller, ticketID)
	}
	if ticket.CheckedIn {
		return ledgererr.New(ledgererr.InvalidState, "ticket %d is already checked in", ticketID)
	}
	_, model, err := l.saleTerms(ticket)
	if err != nil {
		return err
	}
	if !model.Resellable {
		return ledgererr.New(ledgererr.InvalidState, "ticket %d is not resellable", ticketID)
	}

	l.mu.Lock()
	ticket.ForSale = true
	l.mu.Unlock()

	if l.Logger != nil {
		l.Logger.LogLedger("OFFER", ticketID, fmt.Sprintf("offered by %s", caller))
	}
	l.publish(func() error {
		return l.Kafka.PublishTicketOfferedForSale(models.TicketOfferedForSale{TicketID: ticketID, Owner: caller})
	})
	l.record(ctx, journal.Entry{
		Op:         journal.OpOffer,
		OccasionID: ticket.OccasionID,
		TicketID:   ticketID,
		Principal:  caller,
	})
	return nil
}

// CheckInTicket marks a ticket used. Creator-only and one-way; a checked-in
// ticket can no longer be refunded, transferred or resold.
func (l *Ledger) CheckInTicket(ctx context.Context, caller string, occasionID, ticketID uint64) error {
	if err := l.enter("checkin"); err != nil {
		return err
	}
	defer l.exit()

	if l.Authz == nil || !l.Authz.IsCreatorOf(occasionID, caller) {
		return ledgererr.New(ledgererr.NotAuthorized, "%s is not the creator of occasion %d", caller, occasionID)
	}
	ticket, err := l.getForUpdate(ticketID)
	if err != nil {
		return err
	}
	if ticket.OccasionID != occasionID {
		return ledgererr.New(ledgererr.InvalidState, "ticket %d does not belong to occasion %d", ticketID, occasionID)
	}
	if ticket.CheckedIn {
		return ledgererr.New(ledgererr.AlreadyDone, "ticket %d is already checked in", ticketID)
	}

	l.mu.Lock()
	ticket.CheckedIn = true
	ticket.CheckedInTime = l.Now()
	ticket.ForSale = false
	l.mu.Unlock()

	if l.Logger != nil {
		l.Logger.LogLedger("CHECKIN", ticketID, fmt.Sprintf("occasion %d", occasionID))
	}
	monitoring.TicketCheckedIn(occasionLabel(occasionID))
	l.publish(func() error {
		return l.Kafka.PublishCheckedIn(models.CheckedIn{TicketID: ticketID, OccasionID: occasionID})
	})
	l.record(ctx, journal.Entry{
		Op:         journal.OpCheckIn,
		OccasionID: occasionID,
		TicketID:   ticketID,
		Principal:  ticket.Owner,
	})
	return nil
}

// ---------------- READS ----------------

// GetTicket returns a copy of the minted-ticket record.
func (l *Ledger) GetTicket(ticketID uint64) (*models.MintedTicket, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ticket, ok := l.tickets[ticketID]
	if !ok {
		return nil, ledgererr.New(ledgererr.NotFound, "ticket %d does not exist", ticketID)
	}
	cp := *ticket
	return &cp, nil
}

// ListTicketsForSale returns every non-burnt ticket flagged for resale.
func (l *Ledger) ListTicketsForSale() []*models.MintedTicket {
	return l.listWhere(func(t *models.MintedTicket) bool {
		return t.ForSale && !t.Burnt
	})
}

// ListTicketsByOwner returns every live ticket held by a principal.
func (l *Ledger) ListTicketsByOwner(owner string) []*models.MintedTicket {
	return l.listWhere(func(t *models.MintedTicket) bool {
		return t.Owner == owner && !t.Burnt
	})
}

// ListTicketsByOccasion returns every ticket ever minted for an occasion,
// burnt ones included.
func (l *Ledger) ListTicketsByOccasion(occasionID uint64) []*models.MintedTicket {
	return l.listWhere(func(t *models.MintedTicket) bool {
		return t.OccasionID == occasionID
	})
}

// HeldBy reports how many live tickets a principal holds for an occasion.
func (l *Ledger) HeldBy(occasionID uint64, principal string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.held[heldKey{occasionID, principal}]
}

func (l *Ledger) listWhere(keep func(*models.MintedTicket) bool) []*models.MintedTicket {
	l.mu.RLock()
	var out []*models.MintedTicket
	for _, t := range l.tickets {
		if keep(t) {
			cp := *t
			out = append(out, &cp)
		}
	}
	l.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ---------------- INTERNAL ----------------

// getForUpdate resolves a live (non-burnt) ticket for mutation.
func (l *Ledger) getForUpdate(ticketID uint64) (*models.MintedTicket, error) {
	l.mu.RLock()
	ticket, ok := l.tickets[ticketID]
	l.mu.RUnlock()
	if !ok {
		return nil, ledgererr.New(ledgererr.NotFound, "ticket %d does not exist", ticketID)
	}
	if ticket.Burnt {
		return nil, ledgererr.New(ledgererr.InvalidState, "ticket %d is burnt", ticketID)
	}
	return ticket, nil
}

// saleTerms reads the live occasion and the ticket's model. The model may
// be tombstoned; its policy flags still apply to the outstanding tickets.
func (l *Ledger) saleTerms(ticket *models.MintedTicket) (*models.Occasion, *models.TicketModel, error) {
	occ, err := l.Store.GetOccasion(ticket.OccasionID)
	if err != nil {
		return nil, nil, err
	}
	if ticket.ModelID < 0 || ticket.ModelID >= len(occ.Models) {
		return nil, nil, ledgererr.New(ledgererr.NotFound, "occasion %d has no model %d", ticket.OccasionID, ticket.ModelID)
	}
	return occ, &occ.Models[ticket.ModelID], nil
}

// checkHeldLimit rejects an acquisition that would push a principal past the
// occasion's per-holder cap. Applies to purchase, resale and transfer alike,
// so the cap cannot be dodged through the secondary market.
func (l *Ledger) checkHeldLimit(occ *models.Occasion, principal string) error {
	if occ.MaxTicketsPerUser <= 0 {
		return nil
	}
	l.mu.RLock()
	held := l.held[heldKey{occ.ID, principal}]
	l.mu.RUnlock()
	if held >= occ.MaxTicketsPerUser {
		return ledgererr.New(ledgererr.CapacityExceeded, "%s already holds %d tickets for occasion %d", principal, held, occ.ID)
	}
	return nil
}

// moveHeld shifts one held-ticket count between principals; callers hold l.mu.
func (l *Ledger) moveHeld(occasionID uint64, from, to string) {
	fromKey := heldKey{occasionID, from}
	if l.held[fromKey] > 0 {
		l.held[fromKey]--
	}
	l.held[heldKey{occasionID, to}]++
}

func (l *Ledger) publish(fn func() error) {
	if l.Kafka == nil {
		return
	}
	if err := fn(); err != nil && l.Logger != nil {
		l.Logger.Warn("KAFKA", fmt.Sprintf("publish error: %v", err))
	}
}

func (l *Ledger) record(ctx context.Context, entry journal.Entry) {
	if l.Journal == nil {
		return
	}
	if err := l.Journal.Record(ctx, entry); err != nil && l.Logger != nil {
		l.Logger.Warn("JOURNAL", fmt.Sprintf("record error: %v", err))
	}
}

func occasionLabel(id uint64) string {
	return strconv.FormatUint(id, 10)
}
