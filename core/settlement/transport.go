package settlement

import (
	"context"
	"time"
)

// Dispatch is the outbound cross-chain transfer handed to a Transport.
type Dispatch struct {
	DispatchID    string    `json:"dispatch_id"`
	RewardID      uint64    `json:"reward_id"`
	Asset         string    `json:"asset"`
	Amount        uint64    `json:"amount"`
	TargetChainID uint64    `json:"target_chain_id"`
	TargetAddress string    `json:"target_address"`
	CreatedAt     time.Time `json:"created_at"`
}

// DeliveryResult is the inbound callback for a dispatch. Success carries the
// destination transaction hash; failure carries the revert reference and reason.
type DeliveryResult struct {
	DispatchID string `json:"dispatch_id"`
	RewardID   uint64 `json:"reward_id"`
	Success    bool   `json:"success"`
	TxHash     string `json:"tx_hash"`
	Reason     string `json:"reason,omitempty"`
}

// DeliveryHandler consumes inbound delivery callbacks.
type DeliveryHandler func(ctx context.Context, res DeliveryResult) error

// Transport delivers claim dispatches and reports their outcome asynchronously.
// Dispatch returns once the message is accepted, never once it is delivered.
type Transport interface {
	Dispatch(ctx context.Context, d Dispatch) error
	OnDelivery(h DeliveryHandler) error
}

// DispatchReceipt acknowledges an accepted claim dispatch.
type DispatchReceipt struct {
	RewardID      uint64    `json:"reward_id"`
	DispatchID    string    `json:"dispatch_id"`
	TargetAddress string    `json:"target_address"`
	AcceptedAt    time.Time `json:"accepted_at"`
}
