// Package gateway invokes the external actions that drive a settlement
// forward: the USDTZAR market conversion on VALR and the USDT withdrawal to
// the whitelisted destination address. The core never calls a counterparty
// directly; it enqueues actions durably and this package drains them.
package gateway

import (
	"context"

	"github.com/netzer/settleops/internal/domain"
)

// ActionRef identifies the counterparty-side record created for an action.
type ActionRef struct {
	Provider string `json:"provider"`
	ID       string `json:"id"`
}

// Gateway places outbound actions. Implementations must be idempotent with
// respect to the action key: initiating the same key twice creates at most
// one counterparty-side effect.
type Gateway interface {
	Initiate(ctx context.Context, action domain.OutboundAction) (ActionRef, error)
}
