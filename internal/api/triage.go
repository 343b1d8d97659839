package api

import (
	"io"
	"log"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/netzer/settleops/internal/gateway"
)

// Triage serves read-only counterparty views for events that could not be
// associated with a settlement. The data comes straight from the exchange;
// nothing here mutates ledger state.
type Triage struct {
	valr   *gateway.VALRClient
	logger *log.Logger
}

func NewTriage(valr *gateway.VALRClient, logger *log.Logger) *Triage {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Triage{valr: valr, logger: logger}
}

func (t *Triage) Register(r *mux.Router) {
	r.HandleFunc("/api/v1/triage/valr-deposits", t.VALRDeposits).Methods("GET")
}

func (t *Triage) VALRDeposits(w http.ResponseWriter, r *http.Request) {
	records, err := t.valr.DepositHistory(r.Context())
	if err != nil {
		t.logger.Printf("valr deposit history: %v", err)
		respondWithError(w, http.StatusBadGateway, "VALR is unreachable")
		return
	}
	if records == nil {
		records = []gateway.DepositRecord{}
	}
	respondWithJSON(w, http.StatusOK, records)
}
