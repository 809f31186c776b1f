package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ticketsSold = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_tickets_sold_total",
			Help: "Total primary ticket sales per occasion",
		},
		[]string{"occasion_id"},
	)

	ticketsResold = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_tickets_resold_total",
			Help: "Total secondary market sales per occasion",
		},
		[]string{"occasion_id"},
	)

	ticketsRefunded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_tickets_refunded_total",
			Help: "Total refunds per occasion, forced and voluntary",
		},
		[]string{"occasion_id"},
	)

	ticketsCheckedIn = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_tickets_checked_in_total",
			Help: "Total check-ins per occasion",
		},
		[]string{"occasion_id"},
	)

	escrowBalance = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ledger_escrow_balance",
			Help: "Current escrowed creator funds per occasion",
		},
		[]string{"occasion_id"},
	)

	payoutAmounts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ledger_payout_amount_total",
			Help: "Total value released to creators",
		},
	)

	operationFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_operation_failures_total",
			Help: "Failed ledger operations by operation and error kind",
		},
		[]string{"operation", "kind"},
	)
)

func TicketSold(occasionID string)      { ticketsSold.WithLabelValues(occasionID).Inc() }
func TicketResold(occasionID string)    { ticketsResold.WithLabelValues(occasionID).Inc() }
func TicketRefunded(occasionID string)  { ticketsRefunded.WithLabelValues(occasionID).Inc() }
func TicketCheckedIn(occasionID string) { ticketsCheckedIn.WithLabelValues(occasionID).Inc() }

func SetEscrowBalance(occasionID string, balance int64) {
	escrowBalance.WithLabelValues(occasionID).Set(float64(balance))
}

func PayoutCompleted(amount int64) { payoutAmounts.Add(float64(amount)) }

func OperationFailed(operation, kind string) {
	operationFailures.WithLabelValues(operation, kind).Inc()
}
