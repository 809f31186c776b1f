package escrow

import (
	"context"
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
)

// DefaultPayoutCooldown is how long after the scheduled time creator funds
// stay locked, so attendees can still claim refunds for a no-show event.
const DefaultPayoutCooldown = 24 * time.Hour

// OccasionStore is the slice of the occasion store the escrow consults.
type OccasionStore interface {
	GetOccasion(id uint64) (*models.Occasion, error)
	MarkPaidOut(occasionID uint64) error
	UnmarkPaidOut(occasionID uint64) error
}

// Publisher receives the escrow's domain events.
type Publisher interface {
	PublishEventFundsPaidOut(event models.EventFundsPaidOut) error
}

// Recorder appends committed payouts to the audit journal.
type Recorder interface {
	Record(ctx context.Context, entry journal.Entry) error
}

// Escrow holds creator-bound sale proceeds per occasion until payout.
// Balances are mutated only through purchase, refund and payout; callers
// never write them directly.
type Escrow struct {
	mu       sync.Mutex
	balances map[uint64]int64

	Store         OccasionStore
	Funds         funds.Mover
	Kafka         Publisher
	Journal       Recorder
	Logger        *logger.Logger
	LedgerAccount string
	Cooldown      time.Duration

	// Now is the payout clock; tests override it.
	Now func() time.Time

	inPayout int32
}

func New(store OccasionStore, mover funds.Mover, ledgerAccount string) *Escrow {
	return &Escrow{
		balances:      make(map[uint64]int64),
		Store:         store,
		Funds:         mover,
		LedgerAccount: ledgerAccount,
		Cooldown:      DefaultPayoutCooldown,
		Now:           time.Now,
	}
}

// Credit adds net-of-fee purchase proceeds for an occasion.
func (e *Escrow) Credit(occasionID uint64, amount int64) {
	e.mu.Lock()
	e.balances[occasionID] += amount
	e.mu.Unlock()
	if e.Logger != nil {
		e.Logger.LogEscrow("CREDIT", occasionID, amount)
	}
}

// Debit removes refunded proceeds. The balance can never go negative while
// the conservation invariant holds; a negative result is reported, not stored.
func (e *Escrow) Debit(occasionID uint64, amount int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.balances[occasionID] < amount {
		return ledgererr.New(ledgererr.InvalidState, "escrow for occasion %d holds less than %d", occasionID, amount)
	}
	e.balances[occasionID] -= amount
	return nil
}

func (e *Escrow) Balance(occasionID uint64) int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.balances[occasionID]
}

// PayoutToEventCreator releases the accumulated balance to the occasion's
// creator. Anyone may trigger it; funds only ever move to the creator. The
// balance is zeroed and the paid-out flag committed before the external
// transfer, and both are rolled back if the transfer fails.
func (e *Escrow) PayoutToEventCreator(ctx context.Context, occasionID uint64) error {
	if !atomic.CompareAndSwapInt32(&e.inPayout, 0, 1) {
		return ledgererr.New(ledgererr.InvalidState, "reentrant payout for occasion %d rejected", occasionID)
	}
	defer atomic.StoreInt32(&e.inPayout, 0)

	occ, err := e.Store.GetOccasion(occasionID)
	if err != nil {
		return err
	}
	if occ.PaidOut {
		return ledgererr.New(ledgererr.AlreadyDone, "occasion %d already paid out", occasionID)
	}
	releaseAt := occ.ScheduledTime.Add(e.Cooldown)
	if e.Now().Before(releaseAt) {
		return ledgererr.New(ledgererr.InvalidState, "occasion %d funds locked until %s", occasionID, releaseAt)
	}

	if err := e.Store.MarkPaidOut(occasionID); err != nil {
		return err
	}

	e.mu.Lock()
	amount := e.balances[occasionID]
	e.balances[occasionID] = 0
	e.mu.Unlock()

	if amount > 0 {
		if err := e.Funds.Transfer(ctx, e.LedgerAccount, occ.Creator, amount); err != nil {
			e.mu.Lock()
			e.balances[occasionID] = amount
			e.mu.Unlock()
			_ = e.Store.UnmarkPaidOut(occasionID)
			return ledgererr.Wrap(ledgererr.TransferFailed, err, "payout of %d to %s", amount, occ.Creator)
		}
	}

	monitoring.PayoutCompleted(amount)
	monitoring.SetEscrowBalance(strconv.FormatUint(occasionID, 10), 0)
	if e.Logger != nil {
		e.Logger.LogEscrow("PAYOUT", occasionID, amount)
	}
	if e.Journal != nil {
		if err := e.Journal.Record(ctx, journal.Entry{
			Op:         journal.OpPayout,
			OccasionID: occasionID,
			Principal:  occ.Creator,
			Amount:     amount,
		}); err != nil && e.Logger != nil {
			e.Logger.Warn("JOURNAL", "record error (payout): "+err.Error())
		}
	}
	if e.Kafka != nil {
		if err := e.Kafka.PublishEventFundsPaidOut(models.EventFundsPaidOut{Creator: occ.Creator, Amount: amount}); err != nil && e.Logger != nil {
			e.Logger.Warn("KAFKA", "publish error (funds paid out): "+err.Error())
		}
	}
	return nil
}
