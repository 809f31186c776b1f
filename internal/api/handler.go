package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"ms-ledger/internal/authz"
	"ms-ledger/internal/escrow"
	"ms-ledger/internal/journal"
	"ms-ledger/internal/ledger"
	"ms-ledger/internal/ledgererr"
	"ms-ledger/internal/ledger/pass"
	"ms-ledger/internal/ledger/redislock"
	"ms-ledger/internal/logger"
	"ms-ledger/internal/monitoring"
	"ms-ledger/internal/occasion"
	"ms-ledger/internal/utils"
)

// Handler exposes the occasion store, ticket ledger and escrow over HTTP.
// Transport glue only: every rule lives in the services.
type Handler struct {
	Store   *occasion.Store
	Ledger  *ledger.Ledger
	Escrow  *escrow.Escrow
	Journal *journal.Journal
	Pass    *pass.Generator
	Lock    *redislock.Redis
	Logger  *logger.Logger
}

// Routes mounts every ledger operation under /api/v1.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Route("/occasions", func(r chi.Router) {
		r.Post("/", h.CreateOccasion)
		r.Get("/", h.ListActiveOccasions)
		r.Route("/{occasionID}", func(r chi.Router) {
			r.Get("/", h.GetOccasion)
			r.Put("/", h.UpdateOccasion)
			r.Delete("/", h.DeleteOccasion)
			r.Post("/deactivate", h.DeactivateOccasion)
			r.Post("/payout", h.Payout)
			r.Get("/journal", h.OccasionJournal)
			r.Post("/models", h.AddTicketModel)
			r.Route("/models/{modelID}", func(r chi.Router) {
				r.Put("/", h.UpdateTicketModel)
				r.Delete("/", h.DeleteTicketModel)
				r.Post("/deactivate", h.DeactivateTicketModel)
			})
			r.Post("/tickets/{ticketID}/checkin", h.CheckInTicket)
		})
	})

	r.Route("/tickets", func(r chi.Router) {
		r.Post("/buy", h.BuyTicket)
		r.Get("/for-sale", h.ListTicketsForSale)
		r.Route("/{ticketID}", func(r chi.Router) {
			r.Get("/", h.GetTicket)
			r.Get("/pass", h.EntryPass)
			r.Post("/transfer", h.TransferTicket)
			r.Post("/offer", h.OfferTicketForSale)
			r.Post("/resell", h.ResellTicket)
			r.Post("/refund", h.RefundTicket)
		})
	})

	r.Get("/my/tickets", h.MyTickets)

	return r
}

// ---------------- OCCASIONS ----------------

func (h *Handler) CreateOccasion(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.principal(w, r)
	if !ok {
		return
	}
	var req struct {
		MetadataRef       string `json:"metadata_ref"`
		ScheduledTime     int64  `json:"scheduled_time"`
		MaxTicketsPerUser int    `json:"max_tickets_per_user"`
	}
	if !h.decode(w, r, &req) {
		return
	}

	id, err := h.Store.CreateOccasion(caller, req.MetadataRef, utils.UnixTimeToTime(req.ScheduledTime), req.MaxTicketsPerUser)
	if err != nil {
		h.fail(w, "failed to create occasion", err)
		return
	}
	utils.WriteJSON(w, http.StatusCreated, utils.SuccessResponse("occasion created", map[string]uint64{"occasion_id": id}))
}

func (h *Handler) UpdateOccasion(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.principal(w, r)
	if !ok {
		return
	}
	id, ok := h.occasionID(w, r)
	if !ok {
		return
	}
	var req struct {
		MetadataRef       string `json:"metadata_ref"`
		ScheduledTime     int64  `json:"scheduled_time"`
		MaxTicketsPerUser int    `json:"max_tickets_per_user"`
	}
	if !h.decode(w, r, &req) {
		return
	}

	err := h.Store.UpdateOccasion(caller, id, req.MetadataRef, utils.UnixTimeToTime(req.ScheduledTime), req.MaxTicketsPerUser)
	if err != nil {
		h.fail(w, "failed to update occasion", err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("occasion updated", nil))
}

func (h *Handler) DeactivateOccasion(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.principal(w, r)
	if !ok {
		return
	}
	id, ok := h.occasionID(w, r)
	if !ok {
		return
	}
	if err := h.Store.DeactivateOccasion(caller, id); err != nil {
		h.fail(w, "failed to deactivate occasion", err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("occasion deactivated", nil))
}

func (h *Handler) DeleteOccasion(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.principal(w, r)
	if !ok {
		return
	}
	id, ok := h.occasionID(w, r)
	if !ok {
		return
	}
	err := h.withOccasionLock(r.Context(), id, func() error {
		return h.Store.DeleteOccasion(r.Context(), caller, id)
	})
	if err != nil {
		h.fail(w, "failed to delete occasion", err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("occasion deleted, tickets refunded", nil))
}

func (h *Handler) GetOccasion(w http.ResponseWriter, r *http.Request) {
	id, ok := h.occasionID(w, r)
	if !ok {
		return
	}
	occ, err := h.Store.GetOccasion(id)
	if err != nil {
		h.fail(w, "failed to fetch occasion", err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("occasion", occ))
}

func (h *Handler) ListActiveOccasions(w http.ResponseWriter, r *http.Request) {
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("active occasions", h.Store.ListActiveOccasions()))
}

// ---------------- TICKET MODELS ----------------

type modelRequest struct {
	Type          string `json:"type"`
	Price         int64  `json:"price"`
	Transferrable bool   `json:"transferrable"`
	Resellable    bool   `json:"resellable"`
	Refundable    bool   `json:"refundable"`
	Capacity      int    `json:"capacity"`
}

func (h *Handler) AddTicketModel(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.principal(w, r)
	if !ok {
		return
	}
	id, ok := h.occasionID(w, r)
	if !ok {
		return
	}
	var req modelRequest
	if !h.decode(w, r, &req) {
		return
	}

	modelID, err := h.Store.AddTicketModel(caller, id, req.Type, req.Price, req.Transferrable, req.Resellable, req.Refundable, req.Capacity)
	if err != nil {
		h.fail(w, "failed to add ticket model", err)
		return
	}
	utils.WriteJSON(w, http.StatusCreated, utils.SuccessResponse("ticket model added", map[string]int{"model_id": modelID}))
}

func (h *Handler) UpdateTicketModel(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.principal(w, r)
	if !ok {
		return
	}
	id, modelID, ok := h.modelRef(w, r)
	if !ok {
		return
	}
	var req modelRequest
	if !h.decode(w, r, &req) {
		return
	}

	err := h.Store.UpdateTicketModel(caller, id, modelID, req.Type, req.Price, req.Transferrable, req.Resellable, req.Refundable, req.Capacity)
	if err != nil {
		h.fail(w, "failed to update ticket model", err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("ticket model updated", nil))
}

func (h *Handler) DeactivateTicketModel(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.principal(w, r)
	if !ok {
		return
	}
	id, modelID, ok := h.modelRef(w, r)
	if !ok {
		return
	}
	if err := h.Store.DeactivateTicketModel(caller, id, modelID); err != nil {
		h.fail(w, "failed to deactivate ticket model", err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("ticket model deactivated", nil))
}

func (h *Handler) DeleteTicketModel(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.principal(w, r)
	if !ok {
		return
	}
	id, modelID, ok := h.modelRef(w, r)
	if !ok {
		return
	}
	if err := h.Store.DeleteTicketModel(caller, id, modelID); err != nil {
		h.fail(w, "failed to delete ticket model", err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("ticket model deleted", nil))
}

// ---------------- TICKETS ----------------

func (h *Handler) BuyTicket(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.principal(w, r)
	if !ok {
		return
	}
	var req struct {
		OccasionID uint64 `json:"occasion_id"`
		ModelID    int    `json:"model_id"`
		Paid       int64  `json:"paid"`
	}
	if !h.decode(w, r, &req) {
		return
	}

	var ticketID uint64
	err := h.withOccasionLock(r.Context(), req.OccasionID, func() error {
		ticket, err := h.Ledger.BuyTicket(r.Context(), caller, req.OccasionID, req.ModelID, req.Paid)
		if err != nil {
			return err
		}
		ticketID = ticket.ID
		return nil
	})
	if err != nil {
		h.fail(w, "failed to buy ticket", err)
		return
	}
	utils.WriteJSON(w, http.StatusCreated, utils.SuccessResponse("ticket minted", map[string]uint64{"ticket_id": ticketID}))
}

func (h *Handler) TransferTicket(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.principal(w, r)
	if !ok {
		return
	}
	ticketID, ok := h.ticketID(w, r)
	if !ok {
		return
	}
	var req struct {
		Recipient string `json:"recipient"`
	}
	if !h.decode(w, r, &req) {
		return
	}

	if err := h.Ledger.TransferTicket(r.Context(), caller, ticketID, req.Recipient); err != nil {
		h.fail(w, "failed to transfer ticket", err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("ticket transferred", nil))
}

func (h *Handler) OfferTicketForSale(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.principal(w, r)
	if !ok {
		return
	}
	ticketID, ok := h.ticketID(w, r)
	if !ok {
		return
	}
	if err := h.Ledger.OfferTicketForSale(r.Context(), caller, ticketID); err != nil {
		h.fail(w, "failed to offer ticket for sale", err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("ticket offered for sale", nil))
}

func (h *Handler) ResellTicket(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.principal(w, r)
	if !ok {
		return
	}
	ticketID, ok := h.ticketID(w, r)
	if !ok {
		return
	}
	var req struct {
		Paid int64 `json:"paid"`
	}
	if !h.decode(w, r, &req) {
		return
	}

	ticket, err := h.Ledger.GetTicket(ticketID)
	if err != nil {
		h.fail(w, "failed to resell ticket", err)
		return
	}
	err = h.withOccasionLock(r.Context(), ticket.OccasionID, func() error {
		return h.Ledger.ResellTicket(r.Context(), caller, ticketID, req.Paid)
	})
	if err != nil {
		h.fail(w, "failed to resell ticket", err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("ticket resold", nil))
}

func (h *Handler) RefundTicket(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.principal(w, r)
	if !ok {
		return
	}
	ticketID, ok := h.ticketID(w, r)
	if !ok {
		return
	}

	ticket, err := h.Ledger.GetTicket(ticketID)
	if err != nil {
		h.fail(w, "failed to refund ticket", err)
		return
	}
	err = h.withOccasionLock(r.Context(), ticket.OccasionID, func() error {
		return h.Ledger.RefundTicket(r.Context(), caller, ticketID)
	})
	if err != nil {
		h.fail(w, "failed to refund ticket", err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("ticket refunded", nil))
}

func (h *Handler) CheckInTicket(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.principal(w, r)
	if !ok {
		return
	}
	occasionID, ok := h.occasionID(w, r)
	if !ok {
		return
	}
	ticketID, ok := h.ticketID(w, r)
	if !ok {
		return
	}
	if err := h.Ledger.CheckInTicket(r.Context(), caller, occasionID, ticketID); err != nil {
		h.fail(w, "failed to check in ticket", err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("ticket checked in", nil))
}

func (h *Handler) GetTicket(w http.ResponseWriter, r *http.Request) {
	ticketID, ok := h.ticketID(w, r)
	if !ok {
		return
	}
	ticket, err := h.Ledger.GetTicket(ticketID)
	if err != nil {
		h.fail(w, "failed to fetch ticket", err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("ticket", ticket))
}

func (h *Handler) ListTicketsForSale(w http.ResponseWriter, r *http.Request) {
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("tickets for sale", h.Ledger.ListTicketsForSale()))
}

func (h *Handler) MyTickets(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.principal(w, r)
	if !ok {
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("tickets", h.Ledger.ListTicketsByOwner(caller)))
}

// EntryPass renders the caller's ticket as an encrypted QR entry pass.
func (h *Handler) EntryPass(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.principal(w, r)
	if !ok {
		return
	}
	ticketID, ok := h.ticketID(w, r)
	if !ok {
		return
	}
	ticket, err := h.Ledger.GetTicket(ticketID)
	if err != nil {
		h.fail(w, "failed to fetch ticket", err)
		return
	}
	if ticket.Owner != caller {
		h.fail(w, "failed to issue pass", ledgererr.New(ledgererr.NotAuthorized, "%s does not own ticket %d", caller, ticketID))
		return
	}
	png, err := h.Pass.EntryPass(*ticket)
	if err != nil {
		h.fail(w, "failed to render pass", err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(png)
}

// ---------------- ESCROW / JOURNAL ----------------

func (h *Handler) Payout(w http.ResponseWriter, r *http.Request) {
	// Anyone may trigger a payout; funds only move to the creator.
	id, ok := h.occasionID(w, r)
	if !ok {
		return
	}
	err := h.withOccasionLock(r.Context(), id, func() error {
		return h.Escrow.PayoutToEventCreator(r.Context(), id)
	})
	if err != nil {
		h.fail(w, "failed to pay out occasion", err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("funds paid out", nil))
}

func (h *Handler) OccasionJournal(w http.ResponseWriter, r *http.Request) {
	if h.Journal == nil {
		utils.WriteJSON(w, http.StatusNotFound, utils.ErrorResponse("journal not configured", ""))
		return
	}
	id, ok := h.occasionID(w, r)
	if !ok {
		return
	}
	entries, err := h.Journal.ByOccasion(r.Context(), id)
	if err != nil {
		h.fail(w, "failed to read journal", err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("journal", entries))
}

// ---------------- HELPERS ----------------

func (h *Handler) principal(w http.ResponseWriter, r *http.Request) (string, bool) {
	caller, err := authz.PrincipalFromRequest(r)
	if err != nil {
		utils.WriteJSON(w, http.StatusUnauthorized, utils.ErrorResponse("authorization required", err.Error()))
		return "", false
	}
	return caller, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		utils.WriteJSON(w, http.StatusBadRequest, utils.ErrorResponse("invalid request body", err.Error()))
		return false
	}
	return true
}

func (h *Handler) occasionID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "occasionID"), 10, 64)
	if err != nil {
		utils.WriteJSON(w, http.StatusBadRequest, utils.ErrorResponse("invalid occasion id", err.Error()))
		return 0, false
	}
	return id, true
}

func (h *Handler) modelRef(w http.ResponseWriter, r *http.Request) (uint64, int, bool) {
	id, ok := h.occasionID(w, r)
	if !ok {
		return 0, 0, false
	}
	modelID, err := strconv.Atoi(chi.URLParam(r, "modelID"))
	if err != nil {
		utils.WriteJSON(w, http.StatusBadRequest, utils.ErrorResponse("invalid model id", err.Error()))
		return 0, 0, false
	}
	return id, modelID, true
}

func (h *Handler) ticketID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "ticketID"), 10, 64)
	if err != nil {
		utils.WriteJSON(w, http.StatusBadRequest, utils.ErrorResponse("invalid ticket id", err.Error()))
		return 0, false
	}
	return id, true
}

// withOccasionLock serializes money-moving operations across instances when
// a redis lock is configured; otherwise the in-process guard is enough.
func (h *Handler) withOccasionLock(ctx context.Context, occasionID uint64, fn func() error) error {
	if h.Lock == nil {
		return fn()
	}
	return h.Lock.WithOccasionLock(ctx, occasionID, uuid.New().String(), fn)
}

// fail maps ledger error kinds to HTTP status codes.
func (h *Handler) fail(w http.ResponseWriter, message string, err error) {
	status := http.StatusInternalServerError
	if kind, ok := ledgererr.KindOf(err); ok {
		switch kind {
		case ledgererr.NotFound:
			status = http.StatusNotFound
		case ledgererr.NotAuthorized:
			status = http.StatusForbidden
		case ledgererr.InvalidState, ledgererr.AlreadyDone:
			status = http.StatusConflict
		case ledgererr.CapacityExceeded:
			status = http.StatusUnprocessableEntity
		case ledgererr.PaymentInsufficient:
			status = http.StatusPaymentRequired
		case ledgererr.TransferFailed:
			status = http.StatusBadGateway
		}
		monitoring.OperationFailed(message, kind.String())
	}
	if h.Logger != nil {
		h.Logger.Error("API", message+": "+err.Error())
	}
	utils.WriteJSON(w, status, utils.ErrorResponse(message, err.Error()))
}
