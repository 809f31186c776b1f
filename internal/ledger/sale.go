package ledger

import (
	"context"
	"fmt"

	"ms-ledger/internal/journal"
	"ms-ledger/internal/ledgererr"
	"ms-ledger/internal/models"
	"ms-ledger/internal/monitoring"
)

// moneyLeg is one completed external transfer, kept so a later failure in
// the same operation can unwind everything already moved.
type moneyLeg struct {
	from, to string
	amount   int64
}

// unwind reverses completed legs in reverse order. State has not been
// mutated at this point; a failing reversal is logged and surfaced through
// the operation's own error.
func (l *Ledger) unwind(ctx context.Context, legs []moneyLeg) {
	for i := len(legs) - 1; i >= 0; i-- {
		leg := legs[i]
		if err := l.Funds.Transfer(ctx, leg.to, leg.from, leg.amount); err != nil && l.Logger != nil {
			l.Logger.Error("FUNDS", fmt.Sprintf("failed to unwind %d from %s to %s: %v", leg.amount, leg.to, leg.from, err))
		}
	}
}

// BuyTicket sells one unit of a model to the buyer. The paid amount must
// cover price plus platform fee; any overpayment is returned. All money
// legs are settled before the token is minted and the sale recorded, so a
// failed transfer leaves no trace of the purchase.
func (l *Ledger) BuyTicket(ctx context.Context, buyer string, occasionID uint64, modelID int, paid int64) (*models.MintedTicket, error) {
	if err := l.enter("buy"); err != nil {
		return nil, err
	}
	defer l.exit()

	occ, err := l.Store.GetOccasion(occasionID)
	if err != nil {
		return nil, err
	}
	if err := l.checkHeldLimit(occ, buyer); err != nil {
		return nil, err
	}

	snap, err := l.Store.ReserveUnit(occasionID, modelID)
	if err != nil {
		return nil, err
	}

	fee := l.PlatformFee(snap.Price)
	due := snap.Price + fee
	if paid < due {
		_ = l.Store.ReleaseUnit(occasionID, modelID)
		return nil, ledgererr.New(ledgererr.PaymentInsufficient, "occasion %d model %d costs %d, got %d", occasionID, modelID, due, paid)
	}

	var legs []moneyLeg
	abort := func(cause error) (*models.MintedTicket, error) {
		l.unwind(ctx, legs)
		_ = l.Store.ReleaseUnit(occasionID, modelID)
		return nil, cause
	}

	if err := l.Funds.Transfer(ctx, buyer, l.LedgerAccount, paid); err != nil {
		return abort(ledgererr.Wrap(ledgererr.TransferFailed, err, "payment of %d from %s", paid, buyer))
	}
	legs = append(legs, moneyLeg{buyer, l.LedgerAccount, paid})

	if err := l.Funds.Transfer(ctx, l.LedgerAccount, l.PlatformAccount, fee); err != nil {
		return abort(ledgererr.Wrap(ledgererr.TransferFailed, err, "platform fee of %d", fee))
	}
	legs = append(legs, moneyLeg{l.LedgerAccount, l.PlatformAccount, fee})

	if overpaid := paid - due; overpaid > 0 {
		if err := l.Funds.Transfer(ctx, l.LedgerAccount, buyer, overpaid); err != nil {
			return abort(ledgererr.Wrap(ledgererr.TransferFailed, err, "overpayment return of %d to %s", overpaid, buyer))
		}
		legs = append(legs, moneyLeg{l.LedgerAccount, buyer, overpaid})
	}

	tokenID, err := l.Registry.Mint(buyer)
	if err != nil {
		return abort(ledgererr.Wrap(ledgererr.TransferFailed, err, "registry mint for %s", buyer))
	}

	ticket := &models.MintedTicket{
		ID:              tokenID,
		Owner:           buyer,
		OccasionID:      occasionID,
		ModelID:         modelID,
		PriceAtPurchase: snap.Price,
		FeeAtPurchase:   fee,
		TicketType:      snap.Type,
		IssuedAt:        l.Now(),
	}

	l.mu.Lock()
	l.tickets[tokenID] = ticket
	l.held[heldKey{occasionID, buyer}]++
	l.mu.Unlock()

	l.Escrow.Credit(occasionID, snap.Price)
	monitoring.TicketSold(occasionLabel(occasionID))
	monitoring.SetEscrowBalance(occasionLabel(occasionID), l.Escrow.Balance(occasionID))

	if l.Logger != nil {
		l.Logger.LogLedger("MINT", tokenID, fmt.Sprintf("sold to %s for %d (+%d fee)", buyer, snap.Price, fee))
	}
	l.publish(func() error {
		return l.Kafka.PublishTicketMinted(models.TicketMinted{
			Owner:      buyer,
			OccasionID: occasionID,
			ModelID:    modelID,
			Price:      snap.Price,
		})
	})
	l.record(ctx, journal.Entry{
		Op:         journal.OpMint,
		OccasionID: occasionID,
		TicketID:   tokenID,
		Principal:  buyer,
		Amount:     snap.Price,
	})

	cp := *ticket
	return &cp, nil
}

// ResellTicket sells a for-sale ticket to the caller at its originally
// captured price plus the captured platform fee. The seller is paid out
// immediately; resale proceeds never touch escrow.
func (l *Ledger) ResellTicket(ctx context.Context, buyer string, ticketID uint64, paid int64) error {
	if err := l.enter("resell"); err != nil {
		return err
	}
	defer l.exit()

	ticket, err := l.getForUpdate(ticketID)
	if err != nil {
		return err
	}
	if !ticket.ForSale {
		return ledgererr.New(ledgererr.InvalidState, "ticket %d is not offered for sale", ticketID)
	}
	occ, model, err := l.saleTerms(ticket)
	if err != nil {
		return err
	}
	if !model.Resellable {
		return ledgererr.New(ledgererr.InvalidState, "ticket %d is not resellable", ticketID)
	}
	if occ.Expired(l.Now()) {
		return ledgererr.New(ledgererr.InvalidState, "occasion %d has already taken place", occ.ID)
	}
	if err := l.checkHeldLimit(occ, buyer); err != nil {
		return err
	}

	seller := ticket.Owner
	price := ticket.PriceAtPurchase
	fee := ticket.FeeAtPurchase
	due := price + fee
	if paid < due {
		return ledgererr.New(ledgererr.PaymentInsufficient, "ticket %d costs %d, got %d", ticketID, due, paid)
	}

	var legs []moneyLeg
	abort := func(cause error) error {
		l.unwind(ctx, legs)
		return cause
	}

	if err := l.Funds.Transfer(ctx, buyer, l.LedgerAccount, paid); err != nil {
		return abort(ledgererr.Wrap(ledgererr.TransferFailed, err, "payment of %d from %s", paid, buyer))
	}
	legs = append(legs, moneyLeg{buyer, l.LedgerAccount, paid})

	if err := l.Funds.Transfer(ctx, l.LedgerAccount, l.PlatformAccount, fee); err != nil {
		return abort(ledgererr.Wrap(ledgererr.TransferFailed, err, "platform fee of %d", fee))
	}
	legs = append(legs, moneyLeg{l.LedgerAccount, l.PlatformAccount, fee})

	if err := l.Funds.Transfer(ctx, l.LedgerAccount, seller, price); err != nil {
		return abort(ledgererr.Wrap(ledgererr.TransferFailed, err, "seller payout of %d to %s", price, seller))
	}
	legs = append(legs, moneyLeg{l.LedgerAccount, seller, price})

	if overpaid := paid - due; overpaid > 0 {
		if err := l.Funds.Transfer(ctx, l.LedgerAccount, buyer, overpaid); err != nil {
			return abort(ledgererr.Wrap(ledgererr.TransferFailed, err, "overpayment return of %d to %s", overpaid, buyer))
		}
		legs = append(legs, moneyLeg{l.LedgerAccount, buyer, overpaid})
	}

	if err := l.Registry.Transfer(seller, buyer, ticketID); err != nil {
		return abort(ledgererr.Wrap(ledgererr.TransferFailed, err, "registry transfer of ticket %d", ticketID))
	}

	l.mu.Lock()
	ticket.Owner = buyer
	ticket.ForSale = false
	l.moveHeld(ticket.OccasionID, seller, buyer)
	l.mu.Unlock()

	monitoring.TicketResold(occasionLabel(ticket.OccasionID))
	if l.Logger != nil {
		l.Logger.LogLedger("RESALE", ticketID, fmt.Sprintf("%s -> %s for %d", seller, buyer, price))
	}
	l.publish(func() error {
		return l.Kafka.PublishTicketResold(models.TicketResold{TicketID: ticketID, Seller: seller, NewOwner: buyer})
	})
	l.record(ctx, journal.Entry{
		Op:         journal.OpResale,
		OccasionID: ticket.OccasionID,
		TicketID:   ticketID,
		Principal:  buyer,
		Amount:     price,
	})
	return nil
}
