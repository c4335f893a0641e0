package htlcadapter

import (
	"context"

	"github.com/evmrelay/relayer/chainmodel"
)

// base holds the TxSubmitter/Querier pair and the shared
// submit-then-wait-for-confirmation helper common to every chain-kind
// adapter.
type base struct {
	Submitter TxSubmitter
	Querier   Querier
}

func (a *base) submitAndConfirm(ctx context.Context, method string, args map[string]any, requiredConfirmations int) (TxResult, error) {
	txHash, err := a.Submitter.SubmitTx(ctx, method, args)
	if err != nil {
		return TxResult{}, err
	}
	height, err := a.Submitter.WaitConfirmed(ctx, txHash, requiredConfirmations)
	if err != nil {
		return TxResult{TxHash: txHash}, err
	}
	return TxResult{TxHash: txHash, BlockHeight: height, Confirmed: true}, nil
}

// EVMAdapter implements ChainAdapter for EVM-kind chains against a
// TxSubmitter/Querier pair, with no concrete chain SDK dependency.
type EVMAdapter struct {
	base
}

// NewEVMAdapter constructs an EVMAdapter.
func NewEVMAdapter(submitter TxSubmitter, querier Querier) *EVMAdapter {
	return &EVMAdapter{base{Submitter: submitter, Querier: querier}}
}

func (a *EVMAdapter) CurrentHeight(ctx context.Context) (uint64, error) {
	return a.Querier.CurrentHeight(ctx)
}

func (a *EVMAdapter) CreateHTLC(ctx context.Context, swap chainmodel.Swap, hop *chainmodel.Hop, requiredConfirmations int) (TxResult, error) {
	info, err := a.Querier.GetHTLC(ctx, swap.ID)
	if err != nil {
		return TxResult{}, err
	}
	if err := CheckCreatePreconditions(info); err != nil {
		return TxResult{}, err
	}
	args := map[string]any{
		"hashlock": swap.Secret.Hash,
		"amount":   swap.Amount.Value,
	}
	if hop != nil {
		args["channel"] = hop.ChannelID
	}
	return a.submitAndConfirm(ctx, "createHTLC", args, requiredConfirmations)
}

func (a *EVMAdapter) Withdraw(ctx context.Context, htlcID string, preimage [32]byte, requiredConfirmations int) (TxResult, error) {
	info, err := a.Querier.GetHTLC(ctx, htlcID)
	if err != nil {
		return TxResult{}, err
	}
	height, err := a.Querier.CurrentHeight(ctx)
	if err != nil {
		return TxResult{}, err
	}
	if err := CheckWithdrawPreconditions(info, height, info.Height); err != nil {
		return TxResult{}, err
	}
	return a.submitAndConfirm(ctx, "withdraw", map[string]any{"id": htlcID, "preimage": preimage}, requiredConfirmations)
}

func (a *EVMAdapter) Refund(ctx context.Context, htlcID string, requiredConfirmations int) (TxResult, error) {
	info, err := a.Querier.GetHTLC(ctx, htlcID)
	if err != nil {
		return TxResult{}, err
	}
	height, err := a.Querier.CurrentHeight(ctx)
	if err != nil {
		return TxResult{}, err
	}
	if err := CheckRefundPreconditions(info, height, info.Height); err != nil {
		return TxResult{}, err
	}
	return a.submitAndConfirm(ctx, "refund", map[string]any{"id": htlcID}, requiredConfirmations)
}

func (a *EVMAdapter) GetHTLC(ctx context.Context, htlcID string) (HTLCInfo, error) {
	return a.Querier.GetHTLC(ctx, htlcID)
}
