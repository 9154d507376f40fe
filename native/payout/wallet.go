package payout

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

var errWalletUnconfigured = errors.New("payout: wallet callback not configured")

// Wallet captures what the dispatcher requires from the wallet/chain
// collaborator. The reference is the instruction id and must be treated as an
// idempotency key; the returned string is the wallet's transaction reference.
type Wallet interface {
	Release(ctx context.Context, to common.Address, amount *big.Int, reference string) (string, error)
	Refund(ctx context.Context, to common.Address, amount *big.Int, reference string) (string, error)
}

// FuncWallet adapts callback functions to the Wallet interface.
type FuncWallet struct {
	ReleaseFunc func(ctx context.Context, to common.Address, amount *big.Int, reference string) (string, error)
	RefundFunc  func(ctx context.Context, to common.Address, amount *big.Int, reference string) (string, error)
}

// Release delegates to the configured callback.
func (w FuncWallet) Release(ctx context.Context, to common.Address, amount *big.Int, reference string) (string, error) {
	if w.ReleaseFunc == nil {
		return "", errWalletUnconfigured
	}
	return w.ReleaseFunc(ctx, to, amount, reference)
}

// Refund delegates to the configured callback.
func (w FuncWallet) Refund(ctx context.Context, to common.Address, amount *big.Int, reference string) (string, error) {
	if w.RefundFunc == nil {
		return "", errWalletUnconfigured
	}
	return w.RefundFunc(ctx, to, amount, reference)
}
