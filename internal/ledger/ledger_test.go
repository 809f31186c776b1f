package ledger_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ms-ledger/internal/authz"
	"ms-ledger/internal/escrow"
	"ms-ledger/internal/funds"
	"ms-ledger/internal/ledger"
	"ms-ledger/internal/ledgererr"
	"ms-ledger/internal/occasion"
	"ms-ledger/internal/registry"
)

type fixture struct {
	store *occasion.Store
	bank  *funds.Bank
	reg   *registry.Memory
	book  *escrow.Escrow
	led   *ledger.Ledger
	now   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	store := occasion.NewStore()
	store.Now = clock
	oracle := authz.NewStoreOracle(store)
	store.Authz = oracle

	bank := funds.NewBank()
	reg := registry.NewMemory()

	book := escrow.New(store, bank, "ledger")
	book.Now = clock

	led := ledger.New(store, reg, bank, book, oracle)
	led.Now = clock
	store.Refunder = led

	return &fixture{store: store, bank: bank, reg: reg, book: book, led: led, now: now}
}

// occasionWithModel creates alice's occasion (max 5 tickets per buyer) with
// one model: price 100, 2% fee, capacity 100, all policy flags on.
func (f *fixture) occasionWithModel(t *testing.T) (uint64, int) {
	t.Helper()
	occID, err := f.store.CreateOccasion("alice", "ipfs://meta", f.now.Add(1000*time.Second), 5)
	require.NoError(t, err)
	modelID, err := f.store.AddTicketModel("alice", occID, "VIP", 100, true, true, true, 100)
	require.NoError(t, err)
	return occID, modelID
}

// ---------------- BUY ----------------

func TestBuyTicketExactPayment(t *testing.T) {
	f := newFixture(t)
	occID, modelID := f.occasionWithModel(t)
	f.bank.Deposit("bob", 102)

	ticket, err := f.led.BuyTicket(context.Background(), "bob", occID, modelID, 102)
	require.NoError(t, err)

	assert.Equal(t, "bob", ticket.Owner)
	assert.Equal(t, int64(100), ticket.PriceAtPurchase)
	assert.Equal(t, int64(2), ticket.FeeAtPurchase)
	assert.Equal(t, "VIP", ticket.TicketType)

	// Fee to the platform, net price into escrow.
	assert.Equal(t, int64(0), f.bank.Balance("bob"))
	assert.Equal(t, int64(2), f.bank.Balance("platform"))
	assert.Equal(t, int64(100), f.bank.Balance("ledger"))
	assert.Equal(t, int64(100), f.book.Balance(occID))

	owner, err := f.reg.OwnerOf(ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, "bob", owner)

	occ, err := f.store.GetOccasion(occID)
	require.NoError(t, err)
	assert.Equal(t, 1, occ.SoldTickets)
	assert.Equal(t, 1, occ.Models[modelID].SoldTickets)
}

func TestBuyTicketReturnsOverpayment(t *testing.T) {
	f := newFixture(t)
	occID, modelID := f.occasionWithModel(t)
	f.bank.Deposit("bob", 110)

	_, err := f.led.BuyTicket(context.Background(), "bob", occID, modelID, 110)
	require.NoError(t, err)

	// 8 above price+fee comes straight back.
	assert.Equal(t, int64(8), f.bank.Balance("bob"))
	assert.Equal(t, int64(2), f.bank.Balance("platform"))
	assert.Equal(t, int64(100), f.book.Balance(occID))
}

func TestBuyTicketInsufficientPayment(t *testing.T) {
	f := newFixture(t)
	occID, modelID := f.occasionWithModel(t)
	f.bank.Deposit("bob", 101)

	_, err := f.led.BuyTicket(context.Background(), "bob", occID, modelID, 101)
	assert.True(t, ledgererr.IsKind(err, ledgererr.PaymentInsufficient))

	// Nothing moved, nothing sold.
	assert.Equal(t, int64(101), f.bank.Balance("bob"))
	occ, err := f.store.GetOccasion(occID)
	require.NoError(t, err)
	assert.Equal(t, 0, occ.SoldTickets)
}

func TestBuyTicketFeeRoundsUp(t *testing.T) {
	f := newFixture(t)
	occID, err := f.store.CreateOccasion("alice", "a", f.now.Add(time.Hour), 5)
	require.NoError(t, err)
	modelID, err := f.store.AddTicketModel("alice", occID, "GA", 99, true, true, true, 10)
	require.NoError(t, err)

	// ceil(99 * 2 / 100) = 2
	assert.Equal(t, int64(2), f.led.PlatformFee(99))

	f.bank.Deposit("bob", 101)
	ticket, err := f.led.BuyTicket(context.Background(), "bob", occID, modelID, 101)
	require.NoError(t, err)
	assert.Equal(t, int64(2), ticket.FeeAtPurchase)
}

func TestBuyTicketPerUserLimit(t *testing.T) {
	f := newFixture(t)
	occID, err := f.store.CreateOccasion("alice", "a", f.now.Add(time.Hour), 2)
	require.NoError(t, err)
	modelID, err := f.store.AddTicketModel("alice", occID, "GA", 100, true, true, true, 10)
	require.NoError(t, err)
	f.bank.Deposit("bob", 1000)
	f.bank.Deposit("carol", 1000)

	_, err = f.led.BuyTicket(context.Background(), "bob", occID, modelID, 102)
	require.NoError(t, err)
	_, err = f.led.BuyTicket(context.Background(), "bob", occID, modelID, 102)
	require.NoError(t, err)

	_, err = f.led.BuyTicket(context.Background(), "bob", occID, modelID, 102)
	assert.True(t, ledgererr.IsKind(err, ledgererr.CapacityExceeded))

	// The limit is per (occasion, buyer), not global per buyer.
	_, err = f.led.BuyTicket(context.Background(), "carol", occID, modelID, 102)
	require.NoError(t, err)

	occID2, modelID2 := f.occasionWithModel(t)
	_, err = f.led.BuyTicket(context.Background(), "bob", occID2, modelID2, 102)
	require.NoError(t, err)
}

func TestBuyTicketSoldOut(t *testing.T) {
	f := newFixture(t)
	occID, err := f.store.CreateOccasion("alice", "a", f.now.Add(time.Hour), 5)
	require.NoError(t, err)
	modelID, err := f.store.AddTicketModel("alice", occID, "GA", 100, true, true, true, 1)
	require.NoError(t, err)
	f.bank.Deposit("bob", 1000)

	// Last available unit succeeds.
	_, err = f.led.BuyTicket(context.Background(), "bob", occID, modelID, 102)
	require.NoError(t, err)

	_, err = f.led.BuyTicket(context.Background(), "bob", occID, modelID, 102)
	assert.True(t, ledgererr.IsKind(err, ledgererr.CapacityExceeded))
}

// failingMover fails transfers to one account and delegates the rest.
type failingMover struct {
	inner  funds.Mover
	failTo string
}

func (m *failingMover) Transfer(ctx context.Context, from, to string, amount int64) error {
	if to == m.failTo {
		return ledgererr.New(ledgererr.TransferFailed, "simulated failure to %s", to)
	}
	return m.inner.Transfer(ctx, from, to, amount)
}

func TestBuyTicketAbortsWhenFeeTransferFails(t *testing.T) {
	f := newFixture(t)
	occID, modelID := f.occasionWithModel(t)
	f.bank.Deposit("bob", 102)
	f.led.Funds = &failingMover{inner: f.bank, failTo: "platform"}

	_, err := f.led.BuyTicket(context.Background(), "bob", occID, modelID, 102)
	assert.True(t, ledgererr.IsKind(err, ledgererr.TransferFailed))

	// The inbound leg was unwound and no state was touched.
	assert.Equal(t, int64(102), f.bank.Balance("bob"))
	assert.Equal(t, int64(0), f.bank.Balance("ledger"))
	assert.Equal(t, int64(0), f.book.Balance(occID))
	occ, err := f.store.GetOccasion(occID)
	require.NoError(t, err)
	assert.Equal(t, 0, occ.SoldTickets)
	assert.Empty(t, f.led.ListTicketsByOccasion(occID))
}

// ---------------- TRANSFER / OFFER / RESALE ----------------

func TestTransferTicket(t *testing.T) {
	f := newFixture(t)
	occID, modelID := f.occasionWithModel(t)
	f.bank.Deposit("bob", 102)
	ticket, err := f.led.BuyTicket(context.Background(), "bob", occID, modelID, 102)
	require.NoError(t, err)

	err = f.led.TransferTicket(context.Background(), "mallory", ticket.ID, "mallory")
	assert.True(t, ledgererr.IsKind(err, ledgererr.NotAuthorized))

	require.NoError(t, f.led.TransferTicket(context.Background(), "bob", ticket.ID, "carol"))

	got, err := f.led.GetTicket(ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, "carol", got.Owner)
	owner, err := f.reg.OwnerOf(ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, "carol", owner)

	// Held counts follow the ticket.
	assert.Equal(t, 0, f.led.HeldBy(occID, "bob"))
	assert.Equal(t, 1, f.led.HeldBy(occID, "carol"))
}

func TestTransferTicketBlockedByModelPolicy(t *testing.T) {
	f := newFixture(t)
	occID, err := f.store.CreateOccasion("alice", "a", f.now.Add(time.Hour), 5)
	require.NoError(t, err)
	modelID, err := f.store.AddTicketModel("alice", occID, "GA", 100, false, false, true, 10)
	require.NoError(t, err)
	f.bank.Deposit("bob", 102)
	ticket, err := f.led.BuyTicket(context.Background(), "bob", occID, modelID, 102)
	require.NoError(t, err)

	err = f.led.TransferTicket(context.Background(), "bob", ticket.ID, "carol")
	assert.True(t, ledgererr.IsKind(err, ledgererr.InvalidState))

	err = f.led.OfferTicketForSale(context.Background(), "bob", ticket.ID)
	assert.True(t, ledgererr.IsKind(err, ledgererr.InvalidState))
}

func TestTransferTicketAfterOccasionExpiry(t *testing.T) {
	f := newFixture(t)
	occID, modelID := f.occasionWithModel(t)
	f.bank.Deposit("bob", 102)
	ticket, err := f.led.BuyTicket(context.Background(), "bob", occID, modelID, 102)
	require.NoError(t, err)

	f.led.Now = func() time.Time { return f.now.Add(2000 * time.Second) }
	err = f.led.TransferTicket(context.Background(), "bob", ticket.ID, "carol")
	assert.True(t, ledgererr.IsKind(err, ledgererr.InvalidState))
}

func TestResellTicketAtCapturedPrice(t *testing.T) {
	f := newFixture(t)
	occID, modelID := f.occasionWithModel(t)
	f.bank.Deposit("bob", 102)
	f.bank.Deposit("carol", 110)
	ticket, err := f.led.BuyTicket(context.Background(), "bob", occID, modelID, 102)
	require.NoError(t, err)

	// Not offered yet.
	err = f.led.ResellTicket(context.Background(), "carol", ticket.ID, 102)
	assert.True(t, ledgererr.IsKind(err, ledgererr.InvalidState))

	require.NoError(t, f.led.OfferTicketForSale(context.Background(), "bob", ticket.ID))
	forSale := f.led.ListTicketsForSale()
	require.Len(t, forSale, 1)
	assert.Equal(t, ticket.ID, forSale[0].ID)

	// Raising the live model price does not change the resale price: the
	// captured snapshot rules.
	require.NoError(t, f.store.UpdateTicketModel("alice", occID, modelID, "VIP", 500, true, true, true, 100))

	require.NoError(t, f.led.ResellTicket(context.Background(), "carol", ticket.ID, 110))

	// Seller is paid the captured price immediately, fee to platform,
	// overpayment returned; escrow untouched by the resale.
	assert.Equal(t, int64(100), f.bank.Balance("bob"))
	assert.Equal(t, int64(8), f.bank.Balance("carol"))
	assert.Equal(t, int64(4), f.bank.Balance("platform")) // 2 primary + 2 resale
	assert.Equal(t, int64(100), f.book.Balance(occID))

	got, err := f.led.GetTicket(ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, "carol", got.Owner)
	assert.False(t, got.ForSale)
	assert.Empty(t, f.led.ListTicketsForSale())
}

// ---------------- CHECK-IN ----------------

func TestCheckInTicket(t *testing.T) {
	f := newFixture(t)
	occID, modelID := f.occasionWithModel(t)
	f.bank.Deposit("bob", 102)
	ticket, err := f.led.BuyTicket(context.Background(), "bob", occID, modelID, 102)
	require.NoError(t, err)

	// Creator only.
	err = f.led.CheckInTicket(context.Background(), "bob", occID, ticket.ID)
	assert.True(t, ledgererr.IsKind(err, ledgererr.NotAuthorized))

	require.NoError(t, f.led.CheckInTicket(context.Background(), "alice", occID, ticket.ID))

	err = f.led.CheckInTicket(context.Background(), "alice", occID, ticket.ID)
	assert.True(t, ledgererr.IsKind(err, ledgererr.AlreadyDone))

	// A checked-in ticket can no longer move or come back.
	err = f.led.RefundTicket(context.Background(), "bob", ticket.ID)
	assert.True(t, ledgererr.IsKind(err, ledgererr.InvalidState))
	err = f.led.TransferTicket(context.Background(), "bob", ticket.ID, "carol")
	assert.True(t, ledgererr.IsKind(err, ledgererr.InvalidState))
	err = f.led.OfferTicketForSale(context.Background(), "bob", ticket.ID)
	assert.True(t, ledgererr.IsKind(err, ledgererr.InvalidState))
}

func TestCheckInWrongOccasion(t *testing.T) {
	f := newFixture(t)
	occID, modelID := f.occasionWithModel(t)
	otherID, _ := f.occasionWithModel(t)
	f.bank.Deposit("bob", 102)
	ticket, err := f.led.BuyTicket(context.Background(), "bob", occID, modelID, 102)
	require.NoError(t, err)

	err = f.led.CheckInTicket(context.Background(), "alice", otherID, ticket.ID)
	assert.True(t, ledgererr.IsKind(err, ledgererr.InvalidState))
}

// ---------------- REENTRANCY ----------------

// reentrantMover calls back into the ledger from inside a transfer, the way
// a hostile payment recipient would.
type reentrantMover struct {
	inner    funds.Mover
	attacked bool
	attackFn func() error
	got      error
}

func (m *reentrantMover) Transfer(ctx context.Context, from, to string, amount int64) error {
	if !m.attacked {
		m.attacked = true
		m.got = m.attackFn()
	}
	return m.inner.Transfer(ctx, from, to, amount)
}

func TestReentrantCallRejected(t *testing.T) {
	f := newFixture(t)
	occID, modelID := f.occasionWithModel(t)
	f.bank.Deposit("bob", 204)

	mover := &reentrantMover{inner: f.bank}
	mover.attackFn = func() error {
		_, err := f.led.BuyTicket(context.Background(), "bob", occID, modelID, 102)
		return err
	}
	f.led.Funds = mover

	// The outer purchase completes; the nested one is rejected.
	_, err := f.led.BuyTicket(context.Background(), "bob", occID, modelID, 102)
	require.NoError(t, err)
	require.True(t, mover.attacked)
	assert.True(t, ledgererr.IsKind(mover.got, ledgererr.InvalidState))

	occ, err := f.store.GetOccasion(occID)
	require.NoError(t, err)
	assert.Equal(t, 1, occ.SoldTickets)
}

func TestReentrantRefundRejected(t *testing.T) {
	f := newFixture(t)
	occID, modelID := f.occasionWithModel(t)
	f.bank.Deposit("bob", 102)
	ticket, err := f.led.BuyTicket(context.Background(), "bob", occID, modelID, 102)
	require.NoError(t, err)

	mover := &reentrantMover{inner: f.bank}
	mover.attackFn = func() error {
		return f.led.RefundTicket(context.Background(), "bob", ticket.ID)
	}
	f.led.Funds = mover

	require.NoError(t, f.led.RefundTicket(context.Background(), "bob", ticket.ID))
	require.True(t, mover.attacked)
	assert.True(t, ledgererr.IsKind(mover.got, ledgererr.InvalidState))

	// Exactly one refund happened.
	assert.Equal(t, int64(100), f.bank.Balance("bob"))
	assert.Equal(t, int64(0), f.book.Balance(occID))
}

// ---------------- CASCADE REFUND ----------------

func TestDeleteOccasionCascadeRefunds(t *testing.T) {
	f := newFixture(t)
	occID, err := f.store.CreateOccasion("alice", "a", f.now.Add(time.Hour), 5)
	require.NoError(t, err)
	// Refundable flag off: deletion force-refunds regardless.
	modelID, err := f.store.AddTicketModel("alice", occID, "GA", 100, true, true, false, 10)
	require.NoError(t, err)

	buyers := []string{"bob", "carol", "dave"}
	tickets := make([]uint64, 0, len(buyers))
	for _, b := range buyers {
		f.bank.Deposit(b, 102)
		ticket, err := f.led.BuyTicket(context.Background(), b, occID, modelID, 102)
		require.NoError(t, err)
		tickets = append(tickets, ticket.ID)
	}
	require.Equal(t, int64(300), f.book.Balance(occID))

	// Voluntary refund is still blocked by the model policy.
	err = f.led.RefundTicket(context.Background(), "bob", tickets[0])
	assert.True(t, ledgererr.IsKind(err, ledgererr.InvalidState))

	require.NoError(t, f.store.DeleteOccasion(context.Background(), "alice", occID))

	// Every holder got the captured price back; fees stay with the platform.
	for _, b := range buyers {
		assert.Equal(t, int64(100), f.bank.Balance(b))
	}
	assert.Equal(t, int64(6), f.bank.Balance("platform"))
	assert.Equal(t, int64(0), f.book.Balance(occID))

	for _, id := range tickets {
		got, err := f.led.GetTicket(id)
		require.NoError(t, err)
		assert.True(t, got.Burnt)
	}
	assert.Empty(t, f.led.ListTicketsByOwner("bob"))
	assert.Equal(t, 0, f.led.HeldBy(occID, "bob"))

	occ, err := f.store.GetOccasion(occID)
	require.NoError(t, err)
	assert.True(t, occ.Deleted)
	assert.False(t, occ.Active)
}

func TestRefundTicketRoundTrip(t *testing.T) {
	f := newFixture(t)
	occID, modelID := f.occasionWithModel(t)
	f.bank.Deposit("bob", 102)
	ticket, err := f.led.BuyTicket(context.Background(), "bob", occID, modelID, 102)
	require.NoError(t, err)

	err = f.led.RefundTicket(context.Background(), "mallory", ticket.ID)
	assert.True(t, ledgererr.IsKind(err, ledgererr.NotAuthorized))

	require.NoError(t, f.led.RefundTicket(context.Background(), "bob", ticket.ID))

	// Price back, fee kept, slot released.
	assert.Equal(t, int64(100), f.bank.Balance("bob"))
	assert.Equal(t, int64(2), f.bank.Balance("platform"))
	assert.Equal(t, int64(0), f.book.Balance(occID))
	occ, err := f.store.GetOccasion(occID)
	require.NoError(t, err)
	assert.Equal(t, 0, occ.SoldTickets)
	assert.Equal(t, 0, f.led.HeldBy(occID, "bob"))

	// A burnt ticket cannot be refunded again.
	err = f.led.RefundTicket(context.Background(), "bob", ticket.ID)
	assert.True(t, ledgererr.IsKind(err, ledgererr.InvalidState))

	// The slot can be sold again.
	f.bank.Deposit("carol", 102)
	_, err = f.led.BuyTicket(context.Background(), "carol", occID, modelID, 102)
	require.NoError(t, err)
}

func TestDeleteOccasionSkipsCheckedInTickets(t *testing.T) {
	f := newFixture(t)
	occID, modelID := f.occasionWithModel(t)

	buyers := []string{"bob", "carol", "dave"}
	tickets := make([]uint64, 0, len(buyers))
	for _, b := range buyers {
		f.bank.Deposit(b, 102)
		ticket, err := f.led.BuyTicket(context.Background(), b, occID, modelID, 102)
		require.NoError(t, err)
		tickets = append(tickets, ticket.ID)
	}
	require.NoError(t, f.led.CheckInTicket(context.Background(), "alice", occID, tickets[0]))

	// Deletion refunds everyone still refundable and steps over the
	// checked-in ticket instead of aborting the cascade.
	require.NoError(t, f.store.DeleteOccasion(context.Background(), "alice", occID))

	assert.Equal(t, int64(0), f.bank.Balance("bob"))
	assert.Equal(t, int64(100), f.bank.Balance("carol"))
	assert.Equal(t, int64(100), f.bank.Balance("dave"))

	// The attended ticket's price stays escrowed for the creator.
	assert.Equal(t, int64(100), f.book.Balance(occID))

	used, err := f.led.GetTicket(tickets[0])
	require.NoError(t, err)
	assert.False(t, used.Burnt)
	assert.True(t, used.CheckedIn)
	for _, id := range tickets[1:] {
		got, err := f.led.GetTicket(id)
		require.NoError(t, err)
		assert.True(t, got.Burnt)
	}

	// Re-running the cascade stays clean: nothing left to refund.
	require.NoError(t, f.store.DeleteOccasion(context.Background(), "alice", occID))
	assert.Equal(t, int64(100), f.book.Balance(occID))
	assert.Equal(t, int64(100), f.bank.Balance("carol"))
}

func TestResaleRespectsHoldingCap(t *testing.T) {
	f := newFixture(t)
	occID, err := f.store.CreateOccasion("alice", "a", f.now.Add(time.Hour), 1)
	require.NoError(t, err)
	modelID, err := f.store.AddTicketModel("alice", occID, "GA", 100, true, true, true, 10)
	require.NoError(t, err)
	f.bank.Deposit("bob", 102)
	f.bank.Deposit("carol", 204)

	ticket, err := f.led.BuyTicket(context.Background(), "bob", occID, modelID, 102)
	require.NoError(t, err)
	_, err = f.led.BuyTicket(context.Background(), "carol", occID, modelID, 102)
	require.NoError(t, err)
	require.NoError(t, f.led.OfferTicketForSale(context.Background(), "bob", ticket.ID))

	// Carol is at the cap; the secondary market is no way around it.
	err = f.led.ResellTicket(context.Background(), "carol", ticket.ID, 102)
	assert.True(t, ledgererr.IsKind(err, ledgererr.CapacityExceeded))
	assert.Equal(t, int64(102), f.bank.Balance("carol"))

	// A holder below the cap may still buy it.
	f.bank.Deposit("dave", 102)
	require.NoError(t, f.led.ResellTicket(context.Background(), "dave", ticket.ID, 102))
	assert.Equal(t, 1, f.led.HeldBy(occID, "dave"))
	assert.Equal(t, 0, f.led.HeldBy(occID, "bob"))
}

func TestTransferRespectsHoldingCap(t *testing.T) {
	f := newFixture(t)
	occID, err := f.store.CreateOccasion("alice", "a", f.now.Add(time.Hour), 1)
	require.NoError(t, err)
	modelID, err := f.store.AddTicketModel("alice", occID, "GA", 100, true, true, true, 10)
	require.NoError(t, err)
	f.bank.Deposit("bob", 102)
	f.bank.Deposit("carol", 102)

	ticket, err := f.led.BuyTicket(context.Background(), "bob", occID, modelID, 102)
	require.NoError(t, err)
	_, err = f.led.BuyTicket(context.Background(), "carol", occID, modelID, 102)
	require.NoError(t, err)

	err = f.led.TransferTicket(context.Background(), "bob", ticket.ID, "carol")
	assert.True(t, ledgererr.IsKind(err, ledgererr.CapacityExceeded))
	assert.Equal(t, 1, f.led.HeldBy(occID, "carol"))

	require.NoError(t, f.led.TransferTicket(context.Background(), "bob", ticket.ID, "dave"))
	assert.Equal(t, 1, f.led.HeldBy(occID, "dave"))
}
