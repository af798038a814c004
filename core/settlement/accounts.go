package settlement

import (
	"context"
	"fmt"
	"strings"
)

// Accounts exposes the operator-only balance operations used to seed test
// networks and by the admin CLI.
type Accounts struct {
	deps
}

// NewAccounts wraps ledger for operator access.
func NewAccounts(ledger Ledger, opts ...Option) *Accounts {
	return &Accounts{deps: newDeps(ledger, opts)}
}

// checkAccount guards writes. Reserved accounts only move through task and
// reward transitions, so they cannot be minted to or grant allowances.
func checkAccount(account, asset string) error {
	if strings.TrimSpace(account) == "" || strings.TrimSpace(asset) == "" {
		return fmt.Errorf("%w: account and asset required", ErrValidation)
	}
	if Reserved(account) {
		return fmt.Errorf("%w: %q is a reserved account", ErrUnauthorized, account)
	}
	return nil
}

// Mint credits amount of asset to account.
func (a *Accounts) Mint(ctx context.Context, account, asset string, amount uint64) error {
	if err := checkAccount(account, asset); err != nil {
		return err
	}
	return a.update(ctx, "mint", func(tx Tx, _ *[]Event) error {
		return tx.Mint(ctx, account, asset, amount)
	})
}

// Approve sets the amount of asset the escrow may pull from owner.
func (a *Accounts) Approve(ctx context.Context, owner, asset string, amount uint64) error {
	if err := checkAccount(owner, asset); err != nil {
		return err
	}
	return a.update(ctx, "approve", func(tx Tx, _ *[]Event) error {
		return tx.Approve(ctx, owner, asset, amount)
	})
}

// Balance reads the balance of account in asset.
func (a *Accounts) Balance(ctx context.Context, account, asset string) (uint64, error) {
	var b uint64
	err := a.view(ctx, func(tx Tx) error {
		var err error
		b, err = tx.Balance(ctx, account, asset)
		return err
	})
	return b, err
}

// Allowance reads the escrow allowance granted by owner in asset.
func (a *Accounts) Allowance(ctx context.Context, owner, asset string) (uint64, error) {
	var v uint64
	err := a.view(ctx, func(tx Tx) error {
		var err error
		v, err = tx.Allowance(ctx, owner, asset)
		return err
	})
	return v, err
}
