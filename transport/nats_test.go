package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"settlement-backend/core/settlement"
)

func TestNATSConfigSubjects(t *testing.T) {
	cfg := DefaultNATSConfig()
	cfg.SubjectPrefix = "bridge.eu"
	if cfg.DispatchSubject() != "bridge.eu.dispatch" || cfg.DeliverySubject() != "bridge.eu.delivery" {
		t.Fatalf("subjects = %s, %s", cfg.DispatchSubject(), cfg.DeliverySubject())
	}
}

func TestRejectedDeliveriesAreNotRedelivered(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{fmt.Errorf("wrap: %w", settlement.ErrOrphanInconsistency), true},
		{settlement.ErrNotFound, true},
		{settlement.ErrInvalidState, true},
		{settlement.ErrValidation, true},
		{context.DeadlineExceeded, false},
		{errors.New("connection reset"), false},
	}
	for _, tt := range tests {
		if got := rejected(tt.err); got != tt.want {
			t.Errorf("rejected(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

// newTestNATS connects to a JetStream-enabled server on its own stream, or
// skips the test.
func newTestNATS(t *testing.T) (*NATS, NATSConfig) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping NATS test in short mode")
	}
	url := os.Getenv("NATS_URL")
	if url == "" {
		url = "nats://localhost:4222"
	}
	stamp := time.Now().UnixNano()
	cfg := DefaultNATSConfig()
	cfg.URL = url
	cfg.ConnectTimeout = 2 * time.Second
	cfg.MaxReconnects = 0
	cfg.SubjectPrefix = fmt.Sprintf("settlement-test-%d", stamp)
	cfg.Stream = fmt.Sprintf("SETTLEMENT_TEST_%d", stamp)
	cfg.NakDelay = 50 * time.Millisecond
	n, err := NewNATS(cfg)
	if err != nil {
		t.Skipf("skipping: NATS JetStream not available at %s: %v", url, err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = n.js.DeleteStream(ctx, cfg.Stream)
		_ = n.Close()
	})
	return n, n.config
}

func TestNATSDispatchAndDelivery(t *testing.T) {
	n, cfg := newTestNATS(t)

	dispatched := make(chan settlement.Dispatch, 1)
	relay, err := n.Conn().Subscribe(cfg.DispatchSubject(), func(m *nats.Msg) {
		var d settlement.Dispatch
		if err := json.Unmarshal(m.Data, &d); err == nil {
			dispatched <- d
		}
	})
	if err != nil {
		t.Fatalf("subscribe dispatch: %v", err)
	}
	defer relay.Unsubscribe()

	delivered := make(chan settlement.DeliveryResult, 1)
	if err := n.OnDelivery(func(ctx context.Context, res settlement.DeliveryResult) error {
		delivered <- res
		return nil
	}); err != nil {
		t.Fatalf("on delivery: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	want := settlement.Dispatch{DispatchID: "d-1", RewardID: 4, Asset: "BTC", Amount: 7, TargetChainID: 8332}
	if err := n.Dispatch(ctx, want); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	select {
	case got := <-dispatched:
		if got.DispatchID != want.DispatchID || got.Amount != want.Amount {
			t.Fatalf("dispatch = %+v", got)
		}
	case <-ctx.Done():
		t.Fatalf("dispatch not received")
	}

	data, _ := json.Marshal(settlement.DeliveryResult{DispatchID: "d-1", RewardID: 4, Success: true, TxHash: "tx"})
	if err := n.Conn().Publish(cfg.DeliverySubject(), data); err != nil {
		t.Fatalf("publish delivery: %v", err)
	}
	select {
	case res := <-delivered:
		if !res.Success || res.TxHash != "tx" || res.RewardID != 4 {
			t.Fatalf("delivery = %+v", res)
		}
	case <-ctx.Done():
		t.Fatalf("delivery not received")
	}
}

func TestNATSRedeliversAfterTransientFailure(t *testing.T) {
	n, cfg := newTestNATS(t)

	var calls atomic.Int32
	applied := make(chan settlement.DeliveryResult, 1)
	if err := n.OnDelivery(func(ctx context.Context, res settlement.DeliveryResult) error {
		if calls.Add(1) == 1 {
			return errors.New("ledger unavailable")
		}
		applied <- res
		return nil
	}); err != nil {
		t.Fatalf("on delivery: %v", err)
	}

	data, _ := json.Marshal(settlement.DeliveryResult{DispatchID: "d-2", RewardID: 5, Success: true, TxHash: "tx2"})
	if err := n.Conn().Publish(cfg.DeliverySubject(), data); err != nil {
		t.Fatalf("publish delivery: %v", err)
	}
	select {
	case res := <-applied:
		if res.DispatchID != "d-2" || calls.Load() != 2 {
			t.Fatalf("delivery = %+v after %d calls", res, calls.Load())
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("failed delivery was not redelivered (%d calls)", calls.Load())
	}
}
