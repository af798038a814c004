package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"settlement-backend/core/settlement"
)

// ErrClosed is returned once a transport has been shut down.
var ErrClosed = errors.New("transport closed")

// Loopback keeps dispatches in memory until Resolve delivers their outcome.
// It backs local development and tests.
type Loopback struct {
	mu       sync.Mutex
	pending  map[string]settlement.Dispatch
	order    []string
	handlers []settlement.DeliveryHandler
	refuse   error
	closed   bool
}

// NewLoopback returns an empty loopback transport.
func NewLoopback() *Loopback {
	return &Loopback{pending: make(map[string]settlement.Dispatch)}
}

// Dispatch queues d.
func (l *Loopback) Dispatch(ctx context.Context, d settlement.Dispatch) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	if l.refuse != nil {
		return l.refuse
	}
	if _, ok := l.pending[d.DispatchID]; ok {
		return fmt.Errorf("dispatch %s already queued", d.DispatchID)
	}
	l.pending[d.DispatchID] = d
	l.order = append(l.order, d.DispatchID)
	return nil
}

// OnDelivery registers h for delivery callbacks.
func (l *Loopback) OnDelivery(h settlement.DeliveryHandler) error {
	if h == nil {
		return errors.New("nil delivery handler")
	}
	l.mu.Lock()
	l.handlers = append(l.handlers, h)
	l.mu.Unlock()
	return nil
}

// Refuse makes subsequent dispatches fail with err; nil accepts again.
func (l *Loopback) Refuse(err error) {
	l.mu.Lock()
	l.refuse = err
	l.mu.Unlock()
}

// Pending lists queued dispatches in arrival order.
func (l *Loopback) Pending() []settlement.Dispatch {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]settlement.Dispatch, 0, len(l.order))
	for _, id := range l.order {
		out = append(out, l.pending[id])
	}
	return out
}

// Resolve delivers the outcome of a queued dispatch to every handler.
func (l *Loopback) Resolve(ctx context.Context, dispatchID string, success bool, txHash, reason string) error {
	l.mu.Lock()
	d, ok := l.pending[dispatchID]
	if ok {
		delete(l.pending, dispatchID)
		for i, id := range l.order {
			if id == dispatchID {
				l.order = append(l.order[:i], l.order[i+1:]...)
				break
			}
		}
	}
	handlers := append([]settlement.DeliveryHandler(nil), l.handlers...)
	l.mu.Unlock()
	if !ok {
		return fmt.Errorf("dispatch %s not pending", dispatchID)
	}
	res := settlement.DeliveryResult{
		DispatchID: d.DispatchID,
		RewardID:   d.RewardID,
		Success:    success,
		TxHash:     txHash,
		Reason:     reason,
	}
	var errs []error
	for _, h := range handlers {
		if err := h(ctx, res); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close stops accepting dispatches.
func (l *Loopback) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	return nil
}
