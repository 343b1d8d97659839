package gateway

import (
	"context"
	"io"
	"log"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/netzer/settleops/internal/store"
)

var actionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "settleops_outbound_actions_total",
	Help: "Outbound action dispatch attempts, labeled by kind and result",
}, []string{"kind", "result"})

const dispatchBatchSize = 50

// Dispatcher drains the durable outbound action queue. Actions are enqueued
// inside the same storage transaction as the state transition that requires
// them and dispatched here, outside any lock, so a gateway failure never
// corrupts ledger state. Delivery is at-least-once; the deterministic action
// key makes redelivery safe at the counterparty.
type Dispatcher struct {
	store    store.Store
	gateway  Gateway
	interval time.Duration
	logger   *log.Logger
}

func NewDispatcher(st store.Store, gw Gateway, interval time.Duration, logger *log.Logger) *Dispatcher {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Dispatcher{store: st, gateway: gw, interval: interval, logger: logger}
}

// Run drains the queue on every tick until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Drain(ctx)
		}
	}
}

// Drain attempts every pending action once. Failed actions stay queued and
// are retried on the next pass.
func (d *Dispatcher) Drain(ctx context.Context) {
	actions, err := d.store.PendingActions(ctx, dispatchBatchSize)
	if err != nil {
		d.logger.Printf("pending actions: %v", err)
		return
	}
	for _, a := range actions {
		ref, err := d.gateway.Initiate(ctx, a)
		if err != nil {
			actionsTotal.WithLabelValues(string(a.Kind), "error").Inc()
			d.logger.Printf("action %s attempt %d failed: %v", a.Key, a.Attempts+1, err)
			if err := d.store.MarkActionFailed(ctx, a.Key); err != nil {
				d.logger.Printf("mark action %s failed: %v", a.Key, err)
			}
			continue
		}
		actionsTotal.WithLabelValues(string(a.Kind), "ok").Inc()
		d.logger.Printf("action %s dispatched: %s %s", a.Key, ref.Provider, ref.ID)
		if err := d.store.MarkActionDone(ctx, a.Key); err != nil {
			d.logger.Printf("mark action %s done: %v", a.Key, err)
		}
	}
}
