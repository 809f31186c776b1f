package occasion

import (
	"context"
	"fmt"
	"sync"
	"time"

	"ms-ledger/internal/ledgererr"
	"ms-ledger/internal/logger"
	"ms-ledger/internal/models"
)

// AuthOracle is the slice of the authorization oracle the store consults.
type AuthOracle interface {
	IsCreatorOf(occasionID uint64, principal string) bool
}

// CascadeRefunder force-refunds every live ticket of an occasion. The ticket
// ledger implements this; the store calls it when an occasion is deleted.
type CascadeRefunder interface {
	CascadeRefundOccasion(ctx context.Context, occasionID uint64) error
}

// Publisher receives the store's domain events.
type Publisher interface {
	PublishOccasionCreated(event models.OccasionCreated) error
	PublishOccasionDeactivated(event models.OccasionDeactivated) error
	PublishOccasionDeleted(event models.OccasionDeleted) error
	PublishTicketModelUpdated(event models.TicketModelUpdated) error
	PublishTicketModelDeactivated(event models.TicketModelDeactivated) error
	PublishTicketModelDeleted(event models.TicketModelDeleted) error
}

// Store owns the occasion and ticket-model records. Ids are sequential
// handles into a grow-only arena; records are tombstoned, never removed.
type Store struct {
	mu        sync.RWMutex
	occasions []*models.Occasion

	Authz    AuthOracle
	Refunder CascadeRefunder
	Kafka    Publisher
	Logger   *logger.Logger

	// Now is the clock used for schedule validation; tests override it.
	Now func() time.Time
}

func NewStore() *Store {
	return &Store{Now: time.Now}
}

// Snapshot of a ticket model at sale time, handed to the ledger so minted
// tickets never read live model state afterwards.
type ModelSnapshot struct {
	OccasionID uint64
	ModelID    int
	Type       string
	Price      int64
}

// ---------------- OCCASIONS ----------------

func (s *Store) CreateOccasion(creator, metadataRef string, scheduledTime time.Time, maxTicketsPerUser int) (uint64, error) {
	if !scheduledTime.After(s.Now()) {
		return 0, ledgererr.New(ledgererr.InvalidState, "scheduled time %s is not in the future", scheduledTime)
	}

	s.mu.Lock()
	occ := &models.Occasion{
		ID:                uint64(len(s.occasions)) + 1,
		Creator:           creator,
		MetadataRef:       metadataRef,
		ScheduledTime:     scheduledTime,
		MaxTicketsPerUser: maxTicketsPerUser,
		Active:            true,
		CreatedAt:         s.Now(),
	}
	s.occasions = append(s.occasions, occ)
	id := occ.ID
	s.mu.Unlock()

	if s.Logger != nil {
		s.Logger.LogOccasion("CREATE", id, fmt.Sprintf("created by %s", creator))
	}
	s.publish(func() error {
		return s.Kafka.PublishOccasionCreated(models.OccasionCreated{
			OccasionID:  id,
			Creator:     creator,
			MetadataRef: metadataRef,
		})
	})

	return id, nil
}

func (s *Store) UpdateOccasion(caller string, id uint64, metadataRef string, scheduledTime time.Time, maxTicketsPerUser int) error {
	if err := s.requireCreator(id, caller); err != nil {
		return err
	}
	if !scheduledTime.After(s.Now()) {
		return ledgererr.New(ledgererr.InvalidState, "scheduled time %s is not in the future", scheduledTime)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	occ, err := s.lookup(id)
	if err != nil {
		return err
	}
	if occ.Deleted {
		return ledgererr.New(ledgererr.InvalidState, "occasion %d is deleted", id)
	}

	occ.MetadataRef = metadataRef
	occ.ScheduledTime = scheduledTime
	occ.MaxTicketsPerUser = maxTicketsPerUser
	return nil
}

func (s *Store) DeactivateOccasion(caller string, id uint64) error {
	if err := s.requireCreator(id, caller); err != nil {
		return err
	}

	s.mu.Lock()
	occ, err := s.lookup(id)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	occ.Active = false
	s.mu.Unlock()

	if s.Logger != nil {
		s.Logger.LogOccasion("DEACTIVATE", id, "sales stopped")
	}
	s.publish(func() error {
		return s.Kafka.PublishOccasionDeactivated(models.OccasionDeactivated{OccasionID: id})
	})
	return nil
}

// DeleteOccasion hard-stops the occasion and force-refunds every live
// ticket. Calling it again on an already-deleted occasion re-runs the
// cascade over whatever tickets are still outstanding, so a cascade
// interrupted by a failed transfer can be completed.
func (s *Store) DeleteOccasion(ctx context.Context, caller string, id uint64) error {
	if err := s.requireCreator(id, caller); err != nil {
		return err
	}

	s.mu.Lock()
	occ, err := s.lookup(id)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	alreadyDeleted := occ.Deleted
	occ.Deleted = true
	occ.Active = false
	s.mu.Unlock()

	// Announce on the call that marks the record, not after the cascade:
	// the deletion itself is committed here, and a cascade interrupted by
	// a failed transfer gets retried without re-announcing.
	if !alreadyDeleted {
		if s.Logger != nil {
			s.Logger.LogOccasion("DELETE", id, "deleted with cascade refund")
		}
		s.publish(func() error {
			return s.Kafka.PublishOccasionDeleted(models.OccasionDeleted{OccasionID: id})
		})
	}

	if s.Refunder != nil {
		if err := s.Refunder.CascadeRefundOccasion(ctx, id); err != nil {
			return fmt.Errorf("cascade refund for occasion %d: %w", id, err)
		}
	}
	return nil
}

// GetOccasion returns a deep copy of the record.
func (s *Store) GetOccasion(id uint64) (*models.Occasion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	occ, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	if occ.Deleted && occ.Active {
		return nil, ledgererr.New(ledgererr.InvalidState, "occasion %d is in an incoherent deleted-and-active state", id)
	}
	return copyOccasion(occ), nil
}

// ListActiveOccasions returns copies of every active, non-deleted occasion.
func (s *Store) ListActiveOccasions() []*models.Occasion {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Occasion
	for _, occ := range s.occasions {
		if occ.Active && !occ.Deleted {
			out = append(out, copyOccasion(occ))
		}
	}
	return out
}

// CreatorOf satisfies the authorization oracle's creator lookup.
func (s *Store) CreatorOf(occasionID uint64) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	occ, err := s.lookup(occasionID)
	if err != nil {
		return "", false
	}
	return occ.Creator, true
}

// MarkPaidOut flips the payout flag exactly once.
func (s *Store) MarkPaidOut(occasionID uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	occ, err := s.lookup(occasionID)
	if err != nil {
		return err
	}
	if occ.PaidOut {
		return ledgererr.New(ledgererr.AlreadyDone, "occasion %d already paid out", occasionID)
	}
	occ.PaidOut = true
	return nil
}

// UnmarkPaidOut rolls the payout flag back when the creator transfer fails.
func (s *Store) UnmarkPaidOut(occasionID uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	occ, err := s.lookup(occasionID)
	if err != nil {
		return err
	}
	occ.PaidOut = false
	return nil
}

// ---------------- TICKET MODELS ----------------

func (s *Store) AddTicketModel(caller string, occasionID uint64, ticketType string, price int64, transferrable, resellable, refundable bool, capacity int) (int, error) {
	if err := s.requireCreator(occasionID, caller); err != nil {
		return 0, err
	}
	if price < 0 || capacity < 0 {
		return 0, ledgererr.New(ledgererr.InvalidState, "occasion %d: negative price or capacity", occasionID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	occ, err := s.lookup(occasionID)
	if err != nil {
		return 0, err
	}
	if occ.Deleted {
		return 0, ledgererr.New(ledgererr.InvalidState, "occasion %d is deleted", occasionID)
	}

	model := models.TicketModel{
		ID:            len(occ.Models),
		Type:          ticketType,
		Price:         price,
		TotalTickets:  capacity,
		Transferrable: transferrable,
		Resellable:    resellable,
		Refundable:    refundable,
		Active:        true,
	}
	occ.Models = append(occ.Models, model)
	occ.TotalTickets += capacity
	return model.ID, nil
}

func (s *Store) UpdateTicketModel(caller string, occasionID uint64, modelID int, ticketType string, price int64, transferrable, resellable, refundable bool, capacity int) error {
	if err := s.requireCreator(occasionID, caller); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	occ, model, err := s.lookupModel(occasionID, modelID)
	if err != nil {
		return err
	}
	if capacity < model.SoldTickets {
		return ledgererr.New(ledgererr.InvalidState, "occasion %d model %d: capacity %d below %d sold", occasionID, modelID, capacity, model.SoldTickets)
	}

	occ.TotalTickets += capacity - model.TotalTickets
	model.Type = ticketType
	model.Price = price
	model.Transferrable = transferrable
	model.Resellable = resellable
	model.Refundable = refundable
	model.TotalTickets = capacity

	s.publish(func() error {
		return s.Kafka.PublishTicketModelUpdated(models.TicketModelUpdated{OccasionID: occasionID, ModelID: modelID})
	})
	return nil
}

func (s *Store) DeactivateTicketModel(caller string, occasionID uint64, modelID int) error {
	if err := s.requireCreator(occasionID, caller); err != nil {
		return err
	}

	s.mu.Lock()
	_, model, err := s.lookupModel(occasionID, modelID)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	model.Active = false
	s.mu.Unlock()

	s.publish(func() error {
		return s.Kafka.PublishTicketModelDeactivated(models.TicketModelDeactivated{OccasionID: occasionID, ModelID: modelID})
	})
	return nil
}

// DeleteTicketModel tombstones the slot in place. Minted tickets keep their
// captured price/fee/type, so existing references stay valid.
func (s *Store) DeleteTicketModel(caller string, occasionID uint64, modelID int) error {
	if err := s.requireCreator(occasionID, caller); err != nil {
		return err
	}

	s.mu.Lock()
	_, model, err := s.lookupModel(occasionID, modelID)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	model.Deleted = true
	model.Active = false
	s.mu.Unlock()

	s.publish(func() error {
		return s.Kafka.PublishTicketModelDeleted(models.TicketModelDeleted{OccasionID: occasionID, ModelID: modelID})
	})
	return nil
}

// ---------------- SALE ACCOUNTING ----------------

// ReserveUnit validates sale preconditions and increments the sold counters
// under the store lock, returning the captured sale terms. The ledger calls
// ReleaseUnit to undo the reservation if a later step of the purchase fails.
func (s *Store) ReserveUnit(occasionID uint64, modelID int) (ModelSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	occ, model, err := s.lookupModelAny(occasionID, modelID)
	if err != nil {
		return ModelSnapshot{}, err
	}
	if occ.Deleted {
		return ModelSnapshot{}, ledgererr.New(ledgererr.InvalidState, "occasion %d is deleted", occasionID)
	}
	if !occ.Active {
		return ModelSnapshot{}, ledgererr.New(ledgererr.InvalidState, "occasion %d is not active", occasionID)
	}
	if !model.Active || model.Deleted {
		return ModelSnapshot{}, ledgererr.New(ledgererr.InvalidState, "occasion %d model %d is not active", occasionID, modelID)
	}
	if model.SoldTickets >= model.TotalTickets {
		return ModelSnapshot{}, ledgererr.New(ledgererr.CapacityExceeded, "occasion %d model %d is sold out", occasionID, modelID)
	}

	model.SoldTickets++
	occ.SoldTickets++
	return ModelSnapshot{
		OccasionID: occasionID,
		ModelID:    modelID,
		Type:       model.Type,
		Price:      model.Price,
	}, nil
}

// ReleaseUnit decrements the sold counters, used on purchase rollback and
// on refunds.
func (s *Store) ReleaseUnit(occasionID uint64, modelID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	occ, model, err := s.lookupModelAny(occasionID, modelID)
	if err != nil {
		return err
	}
	if model.SoldTickets <= 0 || occ.SoldTickets <= 0 {
		return ledgererr.New(ledgererr.InvalidState, "occasion %d model %d has no sold tickets to release", occasionID, modelID)
	}
	model.SoldTickets--
	occ.SoldTickets--
	return nil
}

// ---------------- INTERNAL ----------------

func (s *Store) requireCreator(occasionID uint64, caller string) error {
	s.mu.RLock()
	_, err := s.lookup(occasionID)
	s.mu.RUnlock()
	if err != nil {
		return err
	}
	if s.Authz == nil || !s.Authz.IsCreatorOf(occasionID, caller) {
		return ledgererr.New(ledgererr.NotAuthorized, "%s is not the creator of occasion %d", caller, occasionID)
	}
	return nil
}

// lookup resolves an id to the live record; callers hold s.mu.
func (s *Store) lookup(id uint64) (*models.Occasion, error) {
	if id == 0 || id > uint64(len(s.occasions)) {
		return nil, ledgererr.New(ledgererr.NotFound, "occasion %d does not exist", id)
	}
	return s.occasions[id-1], nil
}

// lookupModel resolves an active model slot; callers hold s.mu.
func (s *Store) lookupModel(occasionID uint64, modelID int) (*models.Occasion, *models.TicketModel, error) {
	occ, model, err := s.lookupModelAny(occasionID, modelID)
	if err != nil {
		return nil, nil, err
	}
	if !model.Active || model.Deleted {
		return nil, nil, ledgererr.New(ledgererr.InvalidState, "occasion %d model %d is not active", occasionID, modelID)
	}
	return occ, model, nil
}

func (s *Store) lookupModelAny(occasionID uint64, modelID int) (*models.Occasion, *models.TicketModel, error) {
	occ, err := s.lookup(occasionID)
	if err != nil {
		return nil, nil, err
	}
	if modelID < 0 || modelID >= len(occ.Models) {
		return nil, nil, ledgererr.New(ledgererr.NotFound, "occasion %d has no model %d", occasionID, modelID)
	}
	return occ, &occ.Models[modelID], nil
}

func (s *Store) publish(fn func() error) {
	if s.Kafka == nil {
		return
	}
	if err := fn(); err != nil && s.Logger != nil {
		s.Logger.Warn("KAFKA", fmt.Sprintf("publish error: %v", err))
	}
}

func copyOccasion(occ *models.Occasion) *models.Occasion {
	cp := *occ
	cp.Models = make([]models.TicketModel, len(occ.Models))
	copy(cp.Models, occ.Models)
	return &cp
}
