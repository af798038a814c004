package settlement

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// EventType names an emitted ledger record.
type EventType string

const (
	EventTaskCreated        EventType = "task_created"
	EventTaskAccepted       EventType = "task_accepted"
	EventWorkSubmitted      EventType = "work_submitted"
	EventTaskCompleted      EventType = "task_completed"
	EventTaskCancelled      EventType = "task_cancelled"
	EventTerminateRequested EventType = "terminate_requested"
	EventFixRequested       EventType = "fix_requested"
	EventRewardPrepared     EventType = "reward_prepared"
	EventRewardDeposited    EventType = "reward_deposited"
	EventRewardLocked       EventType = "reward_locked"
	EventClaimDispatched    EventType = "claim_dispatched"
	EventClaimAborted       EventType = "claim_aborted"
	EventRewardClaimed      EventType = "reward_claimed"
	EventRewardReverted     EventType = "reward_reverted"
	EventRewardRefunded     EventType = "reward_refunded"
	EventManualIntervention EventType = "manual_intervention"
)

// Event is an append-only record of a committed transition.
type Event struct {
	Seq       uint64            `json:"seq"`
	Type      EventType         `json:"type"`
	TaskID    uint64            `json:"task_id,omitempty"`
	RewardID  uint64            `json:"reward_id,omitempty"`
	Actor     string            `json:"actor"`
	Amounts   map[string]uint64 `json:"amounts,omitempty"`
	TxHash    string            `json:"tx_hash,omitempty"`
	Message   string            `json:"message"`
	CreatedAt time.Time         `json:"created_at"`
}

// Notifier fans committed events out to registered sinks.
type Notifier struct {
	mu    sync.Mutex
	sinks []func(Event)
}

// NewNotifier returns an empty Notifier.
func NewNotifier() *Notifier { return &Notifier{} }

// RegisterSink adds a callback to receive events.
func (n *Notifier) RegisterSink(sink func(Event)) {
	if n == nil || sink == nil {
		return
	}
	n.mu.Lock()
	n.sinks = append(n.sinks, sink)
	n.mu.Unlock()
}

// Publish forwards events to registered sinks in order.
func (n *Notifier) Publish(events ...Event) {
	if n == nil {
		return
	}
	n.mu.Lock()
	sinks := append([]func(Event){}, n.sinks...)
	n.mu.Unlock()
	for _, evt := range events {
		for _, sink := range sinks {
			sink(evt)
		}
	}
}

// emit appends e inside tx and queues the stored copy for publication after commit.
func emit(ctx context.Context, tx Tx, out *[]Event, e Event) error {
	stored, err := tx.AppendEvent(ctx, e)
	if err != nil {
		return fmt.Errorf("append %s event: %w", e.Type, err)
	}
	*out = append(*out, stored)
	return nil
}
