package events

import (
	"context"
	"encoding/json"

	"github.com/segmentio/kafka-go"

	"ms-ledger/internal/logger"
	"ms-ledger/internal/models"
)

// Event type keys on the ledger-events stream.
const (
	TypeOccasionCreated        = "occasion-created"
	TypeOccasionDeactivated    = "occasion-deactivated"
	TypeOccasionDeleted        = "occasion-deleted"
	TypeTicketModelUpdated     = "ticket-model-updated"
	TypeTicketModelDeactivated = "ticket-model-deactivated"
	TypeTicketModelDeleted     = "ticket-model-deleted"
	TypeTicketMinted           = "ticket-minted"
	TypeTicketOfferedForSale   = "ticket-offered-for-sale"
	TypeTicketResold           = "ticket-resold"
	TypeTicketRefunded         = "ticket-refunded"
	TypeCheckedIn              = "checked-in"
	TypeEventFundsPaidOut      = "event-funds-paid-out"
)

// Producer streams the ledger's domain events to Kafka, one topic with the
// event type as the message key. In mock mode nothing leaves the process;
// events are only logged, which is how the tests and local runs operate.
type Producer struct {
	Writer   *kafka.Writer
	Logger   *logger.Logger
	MockMode bool
}

func NewProducer(brokers []string, topic string, log *logger.Logger) *Producer {
	writer := kafka.NewWriter(kafka.WriterConfig{
		Brokers: brokers,
		Topic:   topic,
	})
	return &Producer{Writer: writer, Logger: log}
}

// NewMockProducer returns a producer that logs instead of publishing.
func NewMockProducer(log *logger.Logger) *Producer {
	return &Producer{Logger: log, MockMode: true}
}

func (p *Producer) emit(eventType string, payload interface{}) error {
	msgBytes, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if p.MockMode || p.Writer == nil {
		if p.Logger != nil {
			p.Logger.LogKafka("MOCK", eventType, string(msgBytes))
		}
		return nil
	}
	err = p.Writer.WriteMessages(context.Background(),
		kafka.Message{
			Key:   []byte(eventType),
			Value: msgBytes,
		},
	)
	if err == nil && p.Logger != nil {
		p.Logger.LogKafka("PUBLISH", eventType, string(msgBytes))
	}
	return err
}

func (p *Producer) Close() error {
	if p.Writer != nil {
		return p.Writer.Close()
	}
	return nil
}

func (p *Producer) PublishOccasionCreated(event models.OccasionCreated) error {
	return p.emit(TypeOccasionCreated, event)
}

func (p *Producer) PublishOccasionDeactivated(event models.OccasionDeactivated) error {
	return p.emit(TypeOccasionDeactivated, event)
}

func (p *Producer) PublishOccasionDeleted(event models.OccasionDeleted) error {
	return p.emit(TypeOccasionDeleted, event)
}

func (p *Producer) PublishTicketModelUpdated(event models.TicketModelUpdated) error {
	return p.emit(TypeTicketModelUpdated, event)
}

func (p *Producer) PublishTicketModelDeactivated(event models.TicketModelDeactivated) error {
	return p.emit(TypeTicketModelDeactivated, event)
}

func (p *Producer) PublishTicketModelDeleted(event models.TicketModelDeleted) error {
	return p.emit(TypeTicketModelDeleted, event)
}

func (p *Producer) PublishTicketMinted(event models.TicketMinted) error {
	return p.emit(TypeTicketMinted, event)
}

func (p *Producer) PublishTicketOfferedForSale(event models.TicketOfferedForSale) error {
	return p.emit(TypeTicketOfferedForSale, event)
}

func (p *Producer) PublishTicketResold(event models.TicketResold) error {
	return p.emit(TypeTicketResold, event)
}

func (p *Producer) PublishTicketRefunded(event models.TicketRefunded) error {
	return p.emit(TypeTicketRefunded, event)
}

func (p *Producer) PublishCheckedIn(event models.CheckedIn) error {
	return p.emit(TypeCheckedIn, event)
}

func (p *Producer) PublishEventFundsPaidOut(event models.EventFundsPaidOut) error {
	return p.emit(TypeEventFundsPaidOut, event)
}
