package settlement

import (
	"context"
	"log"
	"time"
)

// Observer receives the outcome of every ledger operation.
type Observer interface {
	ObserveTransition(op string, err error, elapsed time.Duration)
}

type nopObserver struct{}

func (nopObserver) ObserveTransition(string, error, time.Duration) {}

// Option configures a TaskManager or RewardCoordinator.
type Option func(*deps)

// WithNotifier publishes committed events to n.
func WithNotifier(n *Notifier) Option {
	return func(d *deps) { d.notifier = n }
}

// WithObserver reports operation outcomes to o.
func WithObserver(o Observer) Option {
	return func(d *deps) {
		if o != nil {
			d.observer = o
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(d *deps) {
		if now != nil {
			d.now = now
		}
	}
}

type deps struct {
	ledger   Ledger
	notifier *Notifier
	observer Observer
	now      func() time.Time
}

func newDeps(ledger Ledger, opts []Option) deps {
	d := deps{
		ledger:   ledger,
		observer: nopObserver{},
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(&d)
	}
	return d
}

// update runs fn as one atomic ledger operation and publishes its events on commit.
func (d *deps) update(ctx context.Context, op string, fn func(tx Tx, events *[]Event) error) error {
	start := time.Now()
	var events []Event
	err := d.ledger.Update(ctx, func(tx Tx) error {
		events = events[:0]
		return fn(tx, &events)
	})
	d.observer.ObserveTransition(op, err, time.Since(start))
	if err != nil {
		if !Permanent(err) {
			log.Printf("settlement: %s failed: %v", op, err)
		}
		return err
	}
	d.notifier.Publish(events...)
	return nil
}

func (d *deps) view(ctx context.Context, fn func(tx Tx) error) error {
	return d.ledger.View(ctx, fn)
}
