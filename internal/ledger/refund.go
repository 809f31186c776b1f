package ledger

import (
	"context"
	"fmt"

	"ms-ledger/internal/journal"
	"ms-ledger/internal/ledgererr"
	"ms-ledger/internal/models"
	"ms-ledger/internal/monitoring"
)

// RefundTicket pays the captured purchase price back to the owner, burns
// the ticket and releases its inventory slot. Voluntary refunds require the
// model's refundable flag and a not-yet-expired occasion.
func (l *Ledger) RefundTicket(ctx context.Context, caller string, ticketID uint64) error {
	if err := l.enter("refund"); err != nil {
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
	if !model.Refundable {
		return ledgererr.New(ledgererr.InvalidState, "ticket %d is not refundable", ticketID)
	}
	if occ.Expired(l.Now()) {
		return ledgererr.New(ledgererr.InvalidState, "occasion %d has already taken place", occ.ID)
	}

	return l.refundLocked(ctx, ticket)
}

// CascadeRefundOccasion force-refunds every live ticket of an occasion,
// ignoring the per-model refundable flag. The occasion store calls this
// when an occasion is deleted. Checked-in tickets are past refunding and
// are skipped; their escrowed price stays for the creator's payout.
func (l *Ledger) CascadeRefundOccasion(ctx context.Context, occasionID uint64) error {
	if err := l.enter("cascade-refund"); err != nil {
		return err
	}
	defer l.exit()

	for _, ticket := range l.ListTicketsByOccasion(occasionID) {
		if ticket.Burnt || ticket.CheckedIn {
			continue
		}
		l.mu.RLock()
		live := l.tickets[ticket.ID]
		l.mu.RUnlock()
		if err := l.refundLocked(ctx, live); err != nil {
			return fmt.Errorf("forced refund of ticket %d: %w", ticket.ID, err)
		}
	}
	return nil
}

// refundLocked performs the shared refund path; callers hold the guard and
// have verified eligibility. The escrow debit is committed before the
// external transfer and credited back if the transfer fails.
func (l *Ledger) refundLocked(ctx context.Context, ticket *models.MintedTicket) error {
	if ticket.CheckedIn {
		return ledgererr.New(ledgererr.InvalidState, "cannot refund ticket %d after check-in", ticket.ID)
	}

	owner := ticket.Owner
	amount := ticket.PriceAtPurchase

	if err := l.Escrow.Debit(ticket.OccasionID, amount); err != nil {
		return err
	}
	if err := l.Funds.Transfer(ctx, l.LedgerAccount, owner, amount); err != nil {
		l.Escrow.Credit(ticket.OccasionID, amount)
		return ledgererr.Wrap(ledgererr.TransferFailed, err, "refund of %d to %s", amount, owner)
	}
	if err := l.Registry.Burn(ticket.ID); err != nil {
		l.unwind(ctx, []moneyLeg{{l.LedgerAccount, owner, amount}})
		l.Escrow.Credit(ticket.OccasionID, amount)
		return ledgererr.Wrap(ledgererr.TransferFailed, err, "registry burn of ticket %d", ticket.ID)
	}

	l.mu.Lock()
	ticket.Burnt = true
	ticket.ForSale = false
	key := heldKey{ticket.OccasionID, owner}
	if l.held[key] > 0 {
		l.held[key]--
	}
	l.mu.Unlock()

	if err := l.Store.ReleaseUnit(ticket.OccasionID, ticket.ModelID); err != nil && l.Logger != nil {
		l.Logger.Error("LEDGER", fmt.Sprintf("release unit for ticket %d: %v", ticket.ID, err))
	}

	monitoring.TicketRefunded(occasionLabel(ticket.OccasionID))
	monitoring.SetEscrowBalance(occasionLabel(ticket.OccasionID), l.Escrow.Balance(ticket.OccasionID))

	if l.Logger != nil {
		l.Logger.LogLedger("REFUND", ticket.ID, fmt.Sprintf("%d returned to %s", amount, owner))
	}
	l.publish(func() error {
		return l.Kafka.PublishTicketRefunded(models.TicketRefunded{Owner: owner, TicketID: ticket.ID, Amount: amount})
	})
	l.record(ctx, journal.Entry{
		Op:         journal.OpRefund,
		OccasionID: ticket.OccasionID,
		TicketID:   ticket.ID,
		Principal:  owner,
		Amount:     amount,
	})
	return nil
}
