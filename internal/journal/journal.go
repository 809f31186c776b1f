package journal

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// Operation labels for journal entries.
const (
	OpMint     = "mint"
	OpTransfer = "transfer"
	OpOffer    = "offer"
	OpResale   = "resale"
	OpRefund   = "refund"
	OpCheckIn  = "checkin"
	OpPayout   = "payout"
)

// Entry is one committed ledger operation. The journal is append-only and
// written after the operation's state is final; it is an audit trail, not
// the source of truth.
type Entry struct {
	bun.BaseModel `bun:"table:ledger_journal"`

	ID         string    `bun:"id,pk"`
	Op         string    `bun:"op,notnull"`
	OccasionID uint64    `bun:"occasion_id"`
	TicketID   uint64    `bun:"ticket_id"`
	Principal  string    `bun:"principal"`
	Amount     int64     `bun:"amount"`
	CreatedAt  time.Time `bun:"created_at,notnull"`
}

type Journal struct {
	Bun *bun.DB
}

func New(bunDB *bun.DB) *Journal {
	return &Journal{Bun: bunDB}
}

// Migrate creates the journal table if it does not exist.
func (j *Journal) Migrate(ctx context.Context) error {
	_, err := j.Bun.NewCreateTable().
		Model((*Entry)(nil)).
		IfNotExists().
		Exec(ctx)
	return err
}

// Record appends one entry, filling in id and timestamp when unset.
func (j *Journal) Record(ctx context.Context, entry Entry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	_, err := j.Bun.NewInsert().Model(&entry).Exec(ctx)
	return err
}

// ByOccasion returns every entry for an occasion, oldest first.
func (j *Journal) ByOccasion(ctx context.Context, occasionID uint64) ([]Entry, error) {
	var entries []Entry
	err := j.Bun.NewSelect().
		Model(&entries).
		Where("occasion_id = ?", occasionID).
		Order("created_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// ByTicket returns the full history of one ticket, oldest first.
func (j *Journal) ByTicket(ctx context.Context, ticketID uint64) ([]Entry, error) {
	var entries []Entry
	err := j.Bun.NewSelect().
		Model(&entries).
		Where("ticket_id = ?", ticketID).
		Order("created_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return entries, nil
}
