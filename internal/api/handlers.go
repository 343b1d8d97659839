package api

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"

	"github.com/netzer/settleops/internal/domain"
	"github.com/netzer/settleops/internal/settlement"
	"github.com/netzer/settleops/internal/store"
)

var (
	webhookEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settleops_webhook_events_total",
		Help: "Webhook events processed, labeled by source and outcome",
	}, []string{"source", "outcome"})

	applyDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "settleops_event_apply_duration_seconds",
		Help:    "Latency distribution of settlement event application",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"source"})
)

type Handler struct {
	store   store.Store
	service *settlement.Service
	secrets Secrets
	logger  *log.Logger
}

func NewHandler(st store.Store, svc *settlement.Service, secrets Secrets, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Handler{store: st, service: svc, secrets: secrets, logger: logger}
}

// Register mounts the webhook and operator routes.
func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/webhooks/stitch", h.StitchWebhook).Methods("POST")
	r.HandleFunc("/webhooks/valr/order", h.VALROrderWebhook).Methods("POST")
	r.HandleFunc("/webhooks/valr/withdrawal", h.VALRWithdrawalWebhook).Methods("POST")
	r.HandleFunc("/webhooks/bybit", h.BybitWebhook).Methods("POST")

	apiV1 := r.PathPrefix("/api/v1").Subrouter()
	apiV1.HandleFunc("/settlements", h.ListSettlements).Methods("GET")
	apiV1.HandleFunc("/settlements/flagged", h.ListFlagged).Methods("GET")
	apiV1.HandleFunc("/settlements/{id}", h.GetSettlement).Methods("GET")
	apiV1.HandleFunc("/settlements/{id}/audit", h.AuditHistory).Methods("GET")
	apiV1.HandleFunc("/settlements/{id}/resolve", h.ResolveSettlement).Methods("POST")
}

// --- Webhook payloads ---

type stitchDepositRequest struct {
	ClientID       string          `json:"client_id"`
	AmountZAR      decimal.Decimal `json:"amount_zar"`
	AmountCredited decimal.Decimal `json:"amount_credited"`
	StitchTxID     string          `json:"stitch_txid"`
	Timestamp      time.Time       `json:"timestamp"`
}

type valrOrderRequest struct {
	OrderID    string          `json:"order_id"`
	ClientID   string          `json:"client_id"`
	AmountUSDT decimal.Decimal `json:"usdt_amount"`
	Rate       decimal.Decimal `json:"rate"`
}

type valrWithdrawalRequest struct {
	WithdrawalID string          `json:"withdrawal_id"`
	ClientID     string          `json:"client_id"`
	ChainTxRef   string          `json:"chain_tx_ref"`
	Status       string          `json:"status"`
	AmountUSDT   decimal.Decimal `json:"usdt_amount"`
}

type bybitDepositRequest struct {
	DepositID string          `json:"deposit_id"`
	ClientID  string          `json:"client_id"`
	Asset     string          `json:"asset"`
	Amount    decimal.Decimal `json:"amount"`
	Timestamp time.Time       `json:"timestamp"`
}

func (h *Handler) StitchWebhook(w http.ResponseWriter, r *http.Request) {
	body, ok := h.verifiedBody(w, r, domain.SourceStitch)
	if !ok {
		return
	}
	var req stitchDepositRequest
	if err := json.Unmarshal(body, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Malformed JSON body")
		return
	}
	occurred := req.Timestamp
	if occurred.IsZero() {
		occurred = time.Now().UTC()
	}
	h.apply(w, r, domain.Event{
		Type:       domain.EventFiatDepositConfirmed,
		Source:     domain.SourceStitch,
		ExternalID: req.StitchTxID,
		ClientID:   req.ClientID,
		OccurredAt: occurred,
		Fiat: &domain.FiatDepositPayload{
			DepositID:      req.StitchTxID,
			AmountZAR:      req.AmountZAR,
			AmountCredited: req.AmountCredited,
		},
	})
}

func (h *Handler) VALROrderWebhook(w http.ResponseWriter, r *http.Request) {
	body, ok := h.verifiedBody(w, r, domain.SourceVALRDeposit)
	if !ok {
		return
	}
	var req valrOrderRequest
	if err := json.Unmarshal(body, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Malformed JSON body")
		return
	}
	h.apply(w, r, domain.Event{
		Type:       domain.EventConversionOrderRecorded,
		Source:     domain.SourceVALRDeposit,
		ExternalID: req.OrderID,
		ClientID:   req.ClientID,
		OccurredAt: time.Now().UTC(),
		Conversion: &domain.ConversionOrderPayload{
			OrderID:    req.OrderID,
			AmountUSDT: req.AmountUSDT,
			Rate:       req.Rate,
		},
	})
}

func (h *Handler) VALRWithdrawalWebhook(w http.ResponseWriter, r *http.Request) {
	body, ok := h.verifiedBody(w, r, domain.SourceVALRWithdrawal)
	if !ok {
		return
	}
	var req valrWithdrawalRequest
	if err := json.Unmarshal(body, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Malformed JSON body")
		return
	}
	// Each status of one withdrawal is a distinct external event.
	h.apply(w, r, domain.Event{
		Type:       domain.EventWithdrawalStatusUpdate,
		Source:     domain.SourceVALRWithdrawal,
		ExternalID: req.WithdrawalID + ":" + req.Status,
		ClientID:   req.ClientID,
		OccurredAt: time.Now().UTC(),
		Withdrawal: &domain.WithdrawalStatusPayload{
			WithdrawalID: req.WithdrawalID,
			ChainTxRef:   req.ChainTxRef,
			Status:       domain.WithdrawalStatus(req.Status),
			AmountUSDT:   req.AmountUSDT,
		},
	})
}

func (h *Handler) BybitWebhook(w http.ResponseWriter, r *http.Request) {
	body, ok := h.verifiedBody(w, r, domain.SourceBybit)
	if !ok {
		return
	}
	var req bybitDepositRequest
	if err := json.Unmarshal(body, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Malformed JSON body")
		return
	}
	if req.Asset != "USDT" {
		respondWithError(w, http.StatusBadRequest, "Unsupported asset")
		return
	}
	occurred := req.Timestamp
	if occurred.IsZero() {
		occurred = time.Now().UTC()
	}
	h.apply(w, r, domain.Event{
		Type:       domain.EventDestinationDepositConfirmed,
		Source:     domain.SourceBybit,
		ExternalID: req.DepositID,
		ClientID:   req.ClientID,
		OccurredAt: occurred,
		Destination: &domain.DestinationDepositPayload{
			DepositID:  req.DepositID,
			Asset:      req.Asset,
			AmountUSDT: req.Amount,
		},
	})
}

func (h *Handler) verifiedBody(w http.ResponseWriter, r *http.Request, source domain.Source) ([]byte, bool) {
	body, err := h.readVerified(r, source)
	if err != nil {
		if errors.Is(err, errBadSignature) {
			webhookEventsTotal.WithLabelValues(string(source), "bad-signature").Inc()
			respondWithError(w, http.StatusUnauthorized, "Invalid webhook signature")
			return nil, false
		}
		respondWithError(w, http.StatusInternalServerError, "Stream read error")
		return nil, false
	}
	return body, true
}

func (h *Handler) apply(w http.ResponseWriter, r *http.Request, ev domain.Event) {
	timer := prometheus.NewTimer(applyDuration.WithLabelValues(string(ev.Source)))
	defer timer.ObserveDuration()

	res, err := h.service.ApplyEvent(r.Context(), ev)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrInvalidEvent):
			webhookEventsTotal.WithLabelValues(string(ev.Source), "invalid").Inc()
			respondWithError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, domain.ErrLookupNotFound):
			webhookEventsTotal.WithLabelValues(string(ev.Source), "lookup-not-found").Inc()
			respondWithError(w, http.StatusNotFound, "No settlement matches this event")
		case errors.Is(err, domain.ErrLookupAmbiguous):
			webhookEventsTotal.WithLabelValues(string(ev.Source), "lookup-ambiguous").Inc()
			respondWithError(w, http.StatusConflict, "Multiple settlements match this event")
		default:
			webhookEventsTotal.WithLabelValues(string(ev.Source), "storage-error").Inc()
			h.logger.Printf("apply %s/%s: %v", ev.Source, ev.ExternalID, err)
			respondWithError(w, http.StatusServiceUnavailable, "Storage unavailable, retry later")
		}
		return
	}

	webhookEventsTotal.WithLabelValues(string(ev.Source), string(res.Outcome)).Inc()
	switch res.Outcome {
	case domain.OutcomeRejectedInvalidTransition:
		respondWithJSON(w, http.StatusUnprocessableEntity, res)
	default:
		respondWithJSON(w, http.StatusOK, res)
	}
}

// --- Operator endpoints ---

func (h *Handler) ListSettlements(w http.ResponseWriter, r *http.Request) {
	state := domain.State(r.URL.Query().Get("state"))
	if state != "" && !state.Valid() {
		respondWithError(w, http.StatusBadRequest, "Unknown state filter")
		return
	}
	out, err := h.store.ListSettlements(r.Context(), state, r.URL.Query().Get("client_id"))
	if err != nil {
		h.logger.Printf("list settlements: %v", err)
		respondWithError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	if out == nil {
		out = []domain.Transaction{}
	}
	respondWithJSON(w, http.StatusOK, out)
}

func (h *Handler) ListFlagged(w http.ResponseWriter, r *http.Request) {
	out, err := h.store.ListSettlements(r.Context(), domain.StateFlagged, "")
	if err != nil {
		h.logger.Printf("list flagged: %v", err)
		respondWithError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	if out == nil {
		out = []domain.Transaction{}
	}
	respondWithJSON(w, http.StatusOK, out)
}

func (h *Handler) GetSettlement(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	t, err := h.store.GetSettlement(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondWithError(w, http.StatusNotFound, "Settlement not found")
			return
		}
		h.logger.Printf("get settlement %s: %v", id, err)
		respondWithError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	respondWithJSON(w, http.StatusOK, t)
}

func (h *Handler) AuditHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	if _, err := h.store.GetSettlement(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondWithError(w, http.StatusNotFound, "Settlement not found")
			return
		}
		h.logger.Printf("get settlement %s: %v", id, err)
		respondWithError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	entries, err := h.store.AuditHistory(r.Context(), id)
	if err != nil {
		h.logger.Printf("audit history %s: %v", id, err)
		respondWithError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	if entries == nil {
		entries = []domain.AuditEntry{}
	}
	respondWithJSON(w, http.StatusOK, entries)
}

type resolveRequest struct {
	Operator string `json:"operator"`
	Note     string `json:"note"`
}

func (h *Handler) ResolveSettlement(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Malformed JSON body")
		return
	}
	res, err := h.service.Resolve(r.Context(), id, req.Operator, req.Note)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrInvalidEvent):
			respondWithError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, domain.ErrNotFlagged):
			respondWithError(w, http.StatusConflict, "Settlement is not flagged")
		case errors.Is(err, store.ErrNotFound):
			respondWithError(w, http.StatusNotFound, "Settlement not found")
		default:
			h.logger.Printf("resolve %s: %v", id, err)
			respondWithError(w, http.StatusInternalServerError, "Internal Server Error")
		}
		return
	}
	respondWithJSON(w, http.StatusOK, res)
}

func parseID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid settlement id")
		return uuid.Nil, false
	}
	return id, true
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}
