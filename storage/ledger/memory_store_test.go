package ledger

import (
	"context"
	"errors"
	"testing"

	"settlement-backend/core/settlement"
)

func TestMemoryStoreRollsBackFailedUpdate(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	if err := s.Update(ctx, func(tx settlement.Tx) error {
		return tx.Mint(ctx, "alice", "SETTLE", 50)
	}); err != nil {
		t.Fatalf("mint: %v", err)
	}

	boom := errors.New("boom")
	err := s.Update(ctx, func(tx settlement.Tx) error {
		if err := tx.Transfer(ctx, "alice", "bob", "SETTLE", 20); err != nil {
			return err
		}
		if _, err := tx.AllocateTaskID(ctx); err != nil {
			return err
		}
		if _, err := tx.AppendEvent(ctx, settlement.Event{Type: settlement.EventTaskCreated}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	_ = s.View(ctx, func(tx settlement.Tx) error {
		a, _ := tx.Balance(ctx, "alice", "SETTLE")
		b, _ := tx.Balance(ctx, "bob", "SETTLE")
		if a != 50 || b != 0 {
			t.Fatalf("balances changed after rollback: alice=%d bob=%d", a, b)
		}
		return nil
	})
	c, _ := s.Counters(ctx)
	if c.NextTaskID != 1 {
		t.Fatalf("task counter advanced on rollback: %d", c.NextTaskID)
	}
	evts, _ := s.Events(ctx, 0, 10)
	if len(evts) != 0 {
		t.Fatalf("events leaked from rolled back update: %d", len(evts))
	}
}

func TestMemoryStorePullChecksAllowanceFirst(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	tests := []struct {
		name      string
		balance   uint64
		allowance uint64
		want      error
	}{
		{name: "no allowance", balance: 100, allowance: 0, want: settlement.ErrInsufficientAllowance},
		{name: "no allowance and no funds", balance: 0, allowance: 0, want: settlement.ErrInsufficientAllowance},
		{name: "allowance without funds", balance: 5, allowance: 100, want: settlement.ErrInsufficientFunds},
		{name: "ok", balance: 100, allowance: 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			owner := "owner-" + tt.name
			_ = s.Update(ctx, func(tx settlement.Tx) error {
				if err := tx.Mint(ctx, owner, "SETTLE", tt.balance); err != nil {
					return err
				}
				return tx.Approve(ctx, owner, "SETTLE", tt.allowance)
			})
			err := s.Update(ctx, func(tx settlement.Tx) error {
				return tx.Pull(ctx, owner, settlement.AccountEscrow, "SETTLE", 60)
			})
			if tt.want == nil {
				if err != nil {
					t.Fatalf("pull: %v", err)
				}
				_ = s.View(ctx, func(tx settlement.Tx) error {
					left, _ := tx.Allowance(ctx, owner, "SETTLE")
					if left != 40 {
						t.Fatalf("allowance left = %d, want 40", left)
					}
					return nil
				})
				return
			}
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestMemoryStoreReverseIndex(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if err := s.Update(ctx, func(tx settlement.Tx) error { return tx.IndexReward(ctx, 7, 1) }); err != nil {
		t.Fatalf("index: %v", err)
	}
	err := s.Update(ctx, func(tx settlement.Tx) error { return tx.IndexReward(ctx, 7, 2) })
	if !errors.Is(err, settlement.ErrAssociationRace) {
		t.Fatalf("expected association race, got %v", err)
	}

	// Unindex then reindex inside one update sees its own writes.
	if err := s.Update(ctx, func(tx settlement.Tx) error {
		if err := tx.UnindexReward(ctx, 7); err != nil {
			return err
		}
		if _, ok, _ := tx.RewardByTask(ctx, 7); ok {
			t.Fatalf("index still visible after unindex")
		}
		return tx.IndexReward(ctx, 7, 3)
	}); err != nil {
		t.Fatalf("reindex: %v", err)
	}
	_ = s.View(ctx, func(tx settlement.Tx) error {
		id, ok, _ := tx.RewardByTask(ctx, 7)
		if !ok || id != 3 {
			t.Fatalf("RewardByTask = %d,%v, want 3,true", id, ok)
		}
		return nil
	})
}

func TestMemoryStoreViewIsReadOnly(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	err := s.View(ctx, func(tx settlement.Tx) error {
		return tx.Mint(ctx, "alice", "SETTLE", 1)
	})
	if !errors.Is(err, ErrReadOnly) {
		t.Fatalf("expected read-only error, got %v", err)
	}
}

func TestMemoryStoreEventsPaging(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	for i := 0; i < 5; i++ {
		_ = s.Update(ctx, func(tx settlement.Tx) error {
			_, err := tx.AppendEvent(ctx, settlement.Event{Type: settlement.EventTaskCreated})
			return err
		})
	}
	page, err := s.Events(ctx, 2, 2)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(page) != 2 || page[0].Seq != 3 || page[1].Seq != 4 {
		t.Fatalf("unexpected page: %+v", page)
	}
	if rest, _ := s.Events(ctx, 5, 10); len(rest) != 0 {
		t.Fatalf("expected empty tail, got %d", len(rest))
	}
}
