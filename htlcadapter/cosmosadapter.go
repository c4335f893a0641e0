package htlcadapter

import (
	"context"

	"github.com/evmrelay/relayer/chainmodel"
)

// CosmosAdapter implements ChainAdapter for Cosmos/IBC-kind chains. The
// submission shape differs from EVMAdapter only in the memo/packet
// fields it attaches; preconditions and confirmation waiting are
// identical, so both embed the same submitAndConfirm helper via a
// shared base.
type CosmosAdapter struct {
	base
}

// NewCosmosAdapter constructs a CosmosAdapter.
func NewCosmosAdapter(submitter TxSubmitter, querier Querier) *CosmosAdapter {
	return &CosmosAdapter{base{Submitter: submitter, Querier: querier}}
}

func (a *CosmosAdapter) CurrentHeight(ctx context.Context) (uint64, error) {
	return a.Querier.CurrentHeight(ctx)
}

func (a *CosmosAdapter) CreateHTLC(ctx context.Context, swap chainmodel.Swap, hop *chainmodel.Hop, requiredConfirmations int) (TxResult, error) {
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
		args["port_id"] = hop.ChannelID
		args["timeout_height"] = hop.TimeoutHeight
		args["timeout_timestamp"] = hop.TimeoutTimestamp
	}
	return a.submitAndConfirm(ctx, "ibc_createHTLC", args, requiredConfirmations)
}

func (a *CosmosAdapter) Withdraw(ctx context.Context, htlcID string, preimage [32]byte, requiredConfirmations int) (TxResult, error) {
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
	return a.submitAndConfirm(ctx, "ibc_withdraw", map[string]any{"id": htlcID, "preimage": preimage}, requiredConfirmations)
}

func (a *CosmosAdapter) Refund(ctx context.Context, htlcID string, requiredConfirmations int) (TxResult, error) {
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
	return a.submitAndConfirm(ctx, "ibc_refund", map[string]any{"id": htlcID}, requiredConfirmations)
}

func (a *CosmosAdapter) GetHTLC(ctx context.Context, htlcID string) (HTLCInfo, error) {
	return a.Querier.GetHTLC(ctx, htlcID)
}
