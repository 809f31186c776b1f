package models

import (
	"time"
)

// Occasion is a scheduled event selling tickets. Records are never removed:
// deletion and deactivation are flags so historical tickets keep resolving.
type Occasion struct {
	ID                uint64        `json:"id"`
	Creator           string        `json:"creator"`
	MetadataRef       string        `json:"metadata_ref"`
	ScheduledTime     time.Time     `json:"scheduled_time"`
	MaxTicketsPerUser int           `json:"max_tickets_per_user"`
	TotalTickets      int           `json:"total_tickets"`
	SoldTickets       int           `json:"sold_tickets"`
	Active            bool          `json:"active"`
	Deleted           bool          `json:"deleted"`
	PaidOut           bool          `json:"paid_out"`
	Models            []TicketModel `json:"models"`
	CreatedAt         time.Time     `json:"created_at"`
}

// Expired reports whether the occasion's scheduled time has passed.
func (o *Occasion) Expired(now time.Time) bool {
	return !now.Before(o.ScheduledTime)
}

// TicketModel is a priced tier within an Occasion. Deleted models are
// tombstoned in place so minted tickets keep a valid model index.
type TicketModel struct {
	ID            int    `json:"id"`
	Type          string `json:"type"`
	Price         int64  `json:"price"`
	TotalTickets  int    `json:"total_tickets"`
	SoldTickets   int    `json:"sold_tickets"`
	Transferrable bool   `json:"transferrable"`
	Resellable    bool   `json:"resellable"`
	Refundable    bool   `json:"refundable"`
	Active        bool   `json:"active"`
	Deleted       bool   `json:"deleted"`
}
