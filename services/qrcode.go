package services

import (
	"bytes"
	"fmt"
	"image/png"
	"math"
	"strconv"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/skip2/go-qrcode"

	"settlement-backend/core/settlement"
)

// ClaimURI renders the payment URI of a claimed plan's delivery: BIP-21 for
// bitcoin chains (amount in satoshis) and EIP-681 for EVM chains (amount in
// the asset's base unit).
func ClaimURI(p settlement.RewardPlan, chain settlement.Chain) (string, error) {
	if p.TargetAddress == "" {
		return "", fmt.Errorf("%w: reward plan %d has no claim target yet", settlement.ErrInvalidState, p.ID)
	}
	switch chain.Kind {
	case settlement.ChainBitcoin:
		if p.Amount > math.MaxInt64 {
			return "", fmt.Errorf("%w: %d satoshis does not fit a bitcoin amount", settlement.ErrInvalidAmount, p.Amount)
		}
		btc := btcutil.Amount(int64(p.Amount)).ToBTC()
		return fmt.Sprintf("bitcoin:%s?amount=%s&label=reward-%d", p.TargetAddress, strconv.FormatFloat(btc, 'f', -1, 64), p.ID), nil
	case settlement.ChainEVM:
		return fmt.Sprintf("ethereum:%s@%d?value=%d", p.TargetAddress, chain.ID, p.Amount), nil
	}
	return "", fmt.Errorf("%w: chain %d has unknown kind %q", settlement.ErrValidation, chain.ID, chain.Kind)
}

// ClaimQRCode encodes ClaimURI as a size x size PNG.
func ClaimQRCode(p settlement.RewardPlan, chain settlement.Chain, size int) ([]byte, error) {
	uri, err := ClaimURI(p, chain)
	if err != nil {
		return nil, err
	}
	if size <= 0 {
		size = 256
	}
	qr, err := qrcode.New(uri, qrcode.Medium)
	if err != nil {
		return nil, fmt.Errorf("failed to generate QR code: %w", err)
	}
	buf := new(bytes.Buffer)
	if err := png.Encode(buf, qr.Image(size)); err != nil {
		return nil, fmt.Errorf("failed to encode QR code to PNG: %w", err)
	}
	return buf.Bytes(), nil
}
