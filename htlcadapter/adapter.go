// Package htlcadapter implements per-chain-kind HTLC operations, behind
// an explicit capability-set interface rather than duck-typing "any
// client with the right methods".
package htlcadapter

import (
	"context"
	"time"

	"github.com/evmrelay/relayer/chainmodel"
	"github.com/evmrelay/relayer/errs"
)

// HTLCStatus is the on-chain lifecycle of a single HTLC, as reported by
// getHTLC.
type HTLCStatus string

const (
	HTLCStatusOpen      HTLCStatus = "open"
	HTLCStatusWithdrawn HTLCStatus = "withdrawn"
	HTLCStatusRefunded  HTLCStatus = "refunded"
	HTLCStatusUnknown   HTLCStatus = "unknown"
)

// HTLCInfo is the getHTLC result.
type HTLCInfo struct {
	ID        string
	Status    HTLCStatus
	Height    uint64
	Preimage  *[32]byte
}

// TxResult is the outcome of a submitted HTLC operation, ready to be
// folded into a chainmodel.Receipt.
type TxResult struct {
	TxHash      string
	BlockHeight uint64
	Confirmed   bool
}

// ChainAdapter is the capability set a chain-kind implementation (EVM,
// Cosmos) must satisfy. Callers depend on this interface, never on a
// concrete client type, so registry/coordinator code never has to
// duck-type "does this client happen to have a Withdraw method".
type ChainAdapter interface {
	// CurrentHeight returns the adapter's chain's latest observed height.
	CurrentHeight(ctx context.Context) (uint64, error)

	// CreateHTLC locks funds under hashlock/timelock at the adapter's
	// chain. Blocks until requiredConfirmations deep.
	CreateHTLC(ctx context.Context, swap chainmodel.Swap, hop *chainmodel.Hop, requiredConfirmations int) (TxResult, error)

	// Withdraw redeems an HTLC given its preimage. Blocks until
	// requiredConfirmations deep.
	Withdraw(ctx context.Context, htlcID string, preimage [32]byte, requiredConfirmations int) (TxResult, error)

	// Refund reclaims funds from an expired HTLC. Blocks until
	// requiredConfirmations deep.
	Refund(ctx context.Context, htlcID string, requiredConfirmations int) (TxResult, error)

	// GetHTLC queries current on-chain HTLC state.
	GetHTLC(ctx context.Context, htlcID string) (HTLCInfo, error)
}

// CheckWithdrawPreconditions enforces the withdraw precondition:
// local state must not already be Withdrawn or Refunded, and the
// current height must not exceed the timelock.
func CheckWithdrawPreconditions(info HTLCInfo, currentHeight uint64, timelockHeight uint64) error {
	switch info.Status {
	case HTLCStatusWithdrawn:
		return errs.New(errs.CategoryHTLC, errs.CodeHTLCAlreadyExists, "htlc already withdrawn", nil)
	case HTLCStatusRefunded:
		return errs.New(errs.CategoryHTLC, errs.CodeHTLCAlreadyExists, "htlc already refunded", nil)
	}
	if timelockHeight != 0 && currentHeight > timelockHeight {
		return errs.New(errs.CategoryHTLC, errs.CodeHTLCExpired, "timelock has passed, withdraw no longer permitted", nil)
	}
	return nil
}

// CheckCreatePreconditions guards CreateHTLC the same way
// CheckWithdrawPreconditions/CheckRefundPreconditions guard their calls:
// an HTLC already Open, Withdrawn, or Refunded for this id must not be
// created again.
func CheckCreatePreconditions(info HTLCInfo) error {
	switch info.Status {
	case HTLCStatusOpen:
		return errs.New(errs.CategoryHTLC, errs.CodeHTLCAlreadyExists, "htlc already created", nil)
	case HTLCStatusWithdrawn:
		return errs.New(errs.CategoryHTLC, errs.CodeHTLCAlreadyExists, "htlc already withdrawn", nil)
	case HTLCStatusRefunded:
		return errs.New(errs.CategoryHTLC, errs.CodeHTLCAlreadyExists, "htlc already refunded", nil)
	}
	return nil
}

// CheckRefundPreconditions enforces the precondition for refund: the
// HTLC must exist and still be open, and the current height must exceed
// the timelock.
func CheckRefundPreconditions(info HTLCInfo, currentHeight uint64, timelockHeight uint64) error {
	switch info.Status {
	case HTLCStatusWithdrawn:
		return errs.New(errs.CategoryHTLC, errs.CodeHTLCAlreadyExists, "htlc already withdrawn, cannot refund", nil)
	case HTLCStatusRefunded:
		return errs.New(errs.CategoryHTLC, errs.CodeHTLCAlreadyExists, "htlc already refunded", nil)
	case HTLCStatusUnknown:
		return errs.New(errs.CategoryHTLC, errs.CodeHTLCNotFound, "htlc not found, nothing to refund", nil)
	}
	if currentHeight <= timelockHeight {
		return errs.New(errs.CategoryHTLC, errs.CodeHTLCExpired, "timelock has not yet passed, refund not permitted", nil)
	}
	return nil
}

// ToReceipt folds a TxResult into a chainmodel.Receipt for a given hop
// and direction.
func ToReceipt(hopIndex int, direction string, result TxResult, observedAt time.Time) chainmodel.Receipt {
	return chainmodel.Receipt{
		HopIndex:    hopIndex,
		Direction:   direction,
		TxHash:      result.TxHash,
		BlockHeight: result.BlockHeight,
		ObservedAt:  observedAt,
	}
}
