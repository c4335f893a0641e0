package htlcadapter

import "context"

// TxSubmitter is the narrow surface an adapter needs to broadcast a
// transaction. Concrete chain SDK wiring (go-ethereum, cosmos-sdk client)
// is explicitly out of scope; callers inject whatever satisfies this.
type TxSubmitter interface {
	SubmitTx(ctx context.Context, method string, args map[string]any) (txHash string, err error)
	WaitConfirmed(ctx context.Context, txHash string, requiredConfirmations int) (blockHeight uint64, err error)
}

// Querier is the narrow read surface an adapter needs to inspect chain
// state.
type Querier interface {
	CurrentHeight(ctx context.Context) (uint64, error)
	GetHTLC(ctx context.Context, htlcID string) (HTLCInfo, error)
}
