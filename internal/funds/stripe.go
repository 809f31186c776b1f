package funds

import (
	"context"
	"os"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/paymentintent"
	"github.com/stripe/stripe-go/v82/transfer"

	"ms-ledger/internal/ledgererr"
	"ms-ledger/internal/logger"
)

// InitStripe initializes the Stripe API with the secret key.
func InitStripe() {
	stripe.Key = os.Getenv("STRIPE_SECRET_KEY")
}

// StripeMover settles ledger legs through Stripe. Principals map to Stripe
// ids: inbound legs (buyer -> ledger account) confirm a payment intent on
// the buyer's saved payment method, outbound legs (ledger account -> payee)
// run as transfers to the payee's connected account.
type StripeMover struct {
	LedgerAccount string
	Currency      string
	Logger        *logger.Logger
}

func NewStripeMover(ledgerAccount string, log *logger.Logger) *StripeMover {
	return &StripeMover{
		LedgerAccount: ledgerAccount,
		Currency:      string(stripe.CurrencyUSD),
		Logger:        log,
	}
}

func (s *StripeMover) Transfer(ctx context.Context, from, to string, amount int64) error {
	if amount == 0 {
		return nil
	}
	if to == s.LedgerAccount {
		return s.collect(ctx, from, amount)
	}
	return s.payOut(ctx, to, amount)
}

func (s *StripeMover) collect(ctx context.Context, customer string, amount int64) error {
	params := &stripe.PaymentIntentParams{
		Amount:     stripe.Int64(amount),
		Currency:   stripe.String(s.Currency),
		Customer:   stripe.String(customer),
		Confirm:    stripe.Bool(true),
		OffSession: stripe.Bool(true),
	}
	params.Context = ctx

	intent, err := paymentintent.New(params)
	if err != nil {
		return ledgererr.Wrap(ledgererr.TransferFailed, err, "stripe collection of %d from %s", amount, customer)
	}
	if intent.Status != stripe.PaymentIntentStatusSucceeded {
		return ledgererr.New(ledgererr.TransferFailed, "stripe payment intent %s ended in status %s", intent.ID, intent.Status)
	}
	if s.Logger != nil {
		s.Logger.LogPayment("COLLECT", intent.ID, customer)
	}
	return nil
}

func (s *StripeMover) payOut(ctx context.Context, destination string, amount int64) error {
	params := &stripe.TransferParams{
		Amount:      stripe.Int64(amount),
		Currency:    stripe.String(s.Currency),
		Destination: stripe.String(destination),
	}
	params.Context = ctx

	tr, err := transfer.New(params)
	if err != nil {
		return ledgererr.Wrap(ledgererr.TransferFailed, err, "stripe transfer of %d to %s", amount, destination)
	}
	if s.Logger != nil {
		s.Logger.LogPayment("PAYOUT", tr.ID, destination)
	}
	return nil
}
