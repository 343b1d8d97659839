package main

import (
	"context"
	"log"
	"net/http"
	"os"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/netzer/settleops/internal/api"
	"github.com/netzer/settleops/internal/config"
	"github.com/netzer/settleops/internal/gateway"
	"github.com/netzer/settleops/internal/recon"
	"github.com/netzer/settleops/internal/settlement"
	"github.com/netzer/settleops/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()
	settlementStore, err := store.Connect(ctx, cfg.DBSource)
	if err != nil {
		log.Fatalf("Unable to connect to database: %v", err)
	}
	defer settlementStore.Close()

	logger := log.New(os.Stdout, "settleops ", log.LstdFlags)

	// Initialize Layers
	policy := recon.Policy{
		ZARCreditBps:   cfg.ZARToleranceBps,
		USDTReceiptBps: cfg.USDTToleranceBps,
	}
	service := settlement.New(settlementStore, policy, logger)

	valr := gateway.NewVALRClient(cfg.VALRAPIKey, cfg.VALRAPISecret, cfg.WithdrawalAddress)
	dispatcher := gateway.NewDispatcher(settlementStore, valr, cfg.DispatchInterval, logger)
	go dispatcher.Run(ctx)

	secrets := api.Secrets{
		Stitch: cfg.StitchWebhookSecret,
		VALR:   cfg.VALRWebhookSecret,
		Bybit:  cfg.BybitWebhookSecret,
	}
	handler := api.NewHandler(settlementStore, service, secrets, logger)
	triage := api.NewTriage(valr, logger)

	// Router
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})
	handler.Register(r)
	triage.Register(r)

	log.Printf("Server starting on :%s", cfg.Port)
	if err := http.ListenAndServe(":"+cfg.Port, r); err != nil {
		log.Fatal(err)
	}
}
