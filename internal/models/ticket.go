package models

import (
	"time"
)

// MintedTicket is one issued ticket. Price, fee and type are captured at the
// moment of sale; refunds and resales never read live model state.
type MintedTicket struct {
	ID              uint64    `json:"id"`
	Owner           string    `json:"owner"`
	OccasionID      uint64    `json:"occasion_id"`
	ModelID         int       `json:"model_id"`
	PriceAtPurchase int64     `json:"price_at_purchase"`
	FeeAtPurchase   int64     `json:"fee_at_purchase"`
	TicketType      string    `json:"ticket_type"`
	Burnt           bool      `json:"burnt"`
	ForSale         bool      `json:"for_sale"`
	CheckedIn       bool      `json:"checked_in"`
	IssuedAt        time.Time `json:"issued_at"`
	CheckedInTime   time.Time `json:"checked_in_time,omitempty"`
}
