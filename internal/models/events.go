package models

// Domain event payloads streamed to Kafka for external indexing. Field sets
// follow the emitted-event contract; the ledger never consumes these itself.

type OccasionCreated struct {
	OccasionID  uint64 `json:"occasion_id"`
	Creator     string `json:"creator"`
	MetadataRef string `json:"metadata_ref"`
}

type OccasionDeactivated struct {
	OccasionID uint64 `json:"occasion_id"`
}

type OccasionDeleted struct {
	OccasionID uint64 `json:"occasion_id"`
}

type TicketModelUpdated struct {
	OccasionID uint64 `json:"occasion_id"`
	ModelID    int    `json:"model_id"`
}

type TicketModelDeactivated struct {
	OccasionID uint64 `json:"occasion_id"`
	ModelID    int    `json:"model_id"`
}

type TicketModelDeleted struct {
	OccasionID uint64 `json:"occasion_id"`
	ModelID    int    `json:"model_id"`
}

type TicketMinted struct {
	Owner      string `json:"owner"`
	OccasionID uint64 `json:"occasion_id"`
	ModelID    int    `json:"model_id"`
	Price      int64  `json:"price"`
}

type TicketOfferedForSale struct {
	TicketID uint64 `json:"ticket_id"`
	Owner    string `json:"owner"`
}

type TicketResold struct {
	TicketID uint64 `json:"ticket_id"`
	Seller   string `json:"seller"`
	NewOwner string `json:"new_owner"`
}

type TicketRefunded struct {
	Owner    string `json:"owner"`
	TicketID uint64 `json:"ticket_id"`
	Amount   int64  `json:"amount"`
}

type CheckedIn struct {
	TicketID   uint64 `json:"ticket_id"`
	OccasionID uint64 `json:"occasion_id"`
}

type EventFundsPaidOut struct {
	Creator string `json:"creator"`
	Amount  int64  `json:"amount"`
}
