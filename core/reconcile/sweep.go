package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"settlement-backend/core/settlement"
)

// Report is the result of one sweep over every reward plan id ever assigned.
type Report struct {
	GeneratedAt time.Time                   `json:"generated_at"`
	Scanned     int                         `json:"scanned"`
	Counts      map[Class]int               `json:"counts"`
	ByCreator   map[string][]Classification `json:"by_creator"`
	Entries     []Classification            `json:"entries"`
}

// Refunder returns a plan's escrow to its creator if the plan still matches
// what the sweep saw.
type Refunder interface {
	RefundOrphan(ctx context.Context, rewardID uint64, wantStatus settlement.RewardStatus, wantTaskID uint64) (settlement.RewardPlan, error)
}

// SweepObserver receives the class counts of each sweep.
type SweepObserver interface {
	ObserveSweep(counts map[Class]int)
}

// Sweeper enumerates and remediates reward plans.
type Sweeper struct {
	ledger   settlement.Ledger
	refunder Refunder
	observer SweepObserver
	now      func() time.Time
}

// NewSweeper builds a sweeper. observer may be nil.
func NewSweeper(ledger settlement.Ledger, refunder Refunder, observer SweepObserver) *Sweeper {
	return &Sweeper{
		ledger:   ledger,
		refunder: refunder,
		observer: observer,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Sweep classifies plans [1, nextRewardID) from one read-only snapshot.
func (s *Sweeper) Sweep(ctx context.Context) (Report, error) {
	counters, err := s.ledger.Counters(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("read counters: %w", err)
	}
	rep := Report{
		GeneratedAt: s.now(),
		Counts:      map[Class]int{ValidAssociated: 0, OrphanUnassociated: 0, OrphanInconsistent: 0, Settled: 0},
		ByCreator:   map[string][]Classification{},
		Entries:     []Classification{},
	}
	err = s.ledger.View(ctx, func(tx settlement.Tx) error {
		for id := uint64(1); id < counters.NextRewardID; id++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			snap, err := snapshot(ctx, tx, id)
			if err != nil {
				return err
			}
			c := Classify(snap)
			rep.Entries = append(rep.Entries, c)
			rep.Counts[c.Class]++
			rep.ByCreator[c.Creator] = append(rep.ByCreator[c.Creator], c)
		}
		return nil
	})
	if err != nil {
		return Report{}, fmt.Errorf("sweep reward plans: %w", err)
	}
	rep.Scanned = len(rep.Entries)
	if s.observer != nil {
		s.observer.ObserveSweep(rep.Counts)
	}
	return rep, nil
}

func snapshot(ctx context.Context, tx settlement.Tx, id uint64) (PlanSnapshot, error) {
	p, err := tx.GetPlan(ctx, id)
	if err != nil {
		return PlanSnapshot{}, fmt.Errorf("reward plan %d: %w", id, err)
	}
	snap := PlanSnapshot{Plan: p}
	if p.TaskID == 0 {
		return snap, nil
	}
	t, err := tx.GetTask(ctx, p.TaskID)
	switch {
	case err == nil:
		snap.Task = &t
	case !errors.Is(err, settlement.ErrNotFound):
		return PlanSnapshot{}, err
	}
	snap.IndexedReward, snap.Indexed, err = tx.RewardByTask(ctx, p.TaskID)
	if err != nil {
		return PlanSnapshot{}, err
	}
	return snap, nil
}

// Orphans returns the entries that are not healthy or settled.
func (r Report) Orphans() []Classification {
	var out []Classification
	for _, c := range r.Entries {
		if c.Class == OrphanUnassociated || c.Class == OrphanInconsistent {
			out = append(out, c)
		}
	}
	return out
}

// Creators lists creators in the report in sorted order.
func (r Report) Creators() []string {
	out := make([]string, 0, len(r.ByCreator))
	for c := range r.ByCreator {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Remediation records what Remediate did.
type Remediation struct {
	Refunded     []uint64          `json:"refunded"`
	ManualReview []uint64          `json:"manual_review"`
	Skipped      []uint64          `json:"skipped"`
	Failed       map[uint64]string `json:"failed"`
}

// Remediate refunds plans whose action is refund on their creator's behalf.
// Plans flagged for manual review are reported and left untouched. Each refund
// re-checks the status and task link recorded in rep in the same atomic
// operation, so a plan that moved since the sweep is skipped and replaying a
// stale report is safe.
func (s *Sweeper) Remediate(ctx context.Context, rep Report) (Remediation, error) {
	out := Remediation{Refunded: []uint64{}, ManualReview: []uint64{}, Skipped: []uint64{}, Failed: map[uint64]string{}}
	if s.refunder == nil {
		return out, errors.New("remediate: no refunder configured")
	}
	for _, c := range rep.Entries {
		switch c.Action {
		case ActionManualReview:
			out.ManualReview = append(out.ManualReview, c.RewardID)
		case ActionRefund:
			_, err := s.refunder.RefundOrphan(ctx, c.RewardID, c.Status, c.TaskID)
			switch {
			case err == nil:
				out.Refunded = append(out.Refunded, c.RewardID)
				log.Printf("reconcile: refunded reward plan %d to %s (%s)", c.RewardID, c.Creator, c.Reason)
			case errors.Is(err, settlement.ErrInvalidState):
				out.Skipped = append(out.Skipped, c.RewardID)
			default:
				out.Failed[c.RewardID] = err.Error()
				log.Printf("reconcile: refund reward plan %d failed: %v", c.RewardID, err)
			}
		}
	}
	if len(out.Failed) > 0 {
		return out, fmt.Errorf("remediate: %d refunds failed", len(out.Failed))
	}
	return out, nil
}
