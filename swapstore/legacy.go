package swapstore

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/evmrelay/relayer/chainmodel"
)

// LegacySwapRecord is the flat row shape an earlier relayer generation
// persisted: epoch-second timelocks, bare lowercase hex for the hashlock
// and preimage, and a decimal string amount. Deployments migrating off
// that generation still carry these rows, so both directions of the
// conversion are kept: FromLegacyRecord loads an old row into the
// current model, ToLegacyRecord writes a current swap back down for
// tooling that still reads the old layout.
type LegacySwapRecord struct {
	ID            string `json:"id"`
	OrderID       string `json:"order_id,omitempty"`
	Status        string `json:"status"`
	SourceChain   string `json:"source_chain"`
	SourceAddress string `json:"source_address"`
	SourceToken   string `json:"source_token"`
	DestChain     string `json:"dest_chain"`
	DestAddress   string `json:"dest_address"`
	DestToken     string `json:"dest_token"`
	Amount        string `json:"amount"`
	Decimals      uint32 `json:"decimals"`
	Symbol        string `json:"symbol"`
	HashAlgo      string `json:"hash_algo"`
	Hashlock      string `json:"hashlock"`
	Preimage      string `json:"preimage,omitempty"`
	LockTime      int64  `json:"lock_time"`
	ExpiryTime    int64  `json:"expiry_time"`
	Version       int    `json:"version"`
}

// FromLegacyRecord converts a legacy row into the current Swap model.
// The legacy generation never did multi-hop routing, so Route and
// Receipts start empty; the recovery sweeper picks the swap up from its
// status like any other.
func FromLegacyRecord(rec LegacySwapRecord) (chainmodel.Swap, error) {
	if rec.ID == "" {
		return chainmodel.Swap{}, fmt.Errorf("swapstore: legacy record missing id")
	}
	if rec.ExpiryTime <= rec.LockTime {
		return chainmodel.Swap{}, fmt.Errorf("swapstore: legacy record %q expiry %d not after lock time %d", rec.ID, rec.ExpiryTime, rec.LockTime)
	}

	amount, err := chainmodel.ParseAmountValue(rec.Amount)
	if err != nil {
		return chainmodel.Swap{}, fmt.Errorf("swapstore: legacy record %q: %w", rec.ID, err)
	}

	secret := chainmodel.Secret{Algo: chainmodel.HashAlgo(rec.HashAlgo)}
	if rec.Hashlock != "" {
		hash, err := chainmodel.ParseHashHex(rec.Hashlock)
		if err != nil {
			return chainmodel.Swap{}, fmt.Errorf("swapstore: legacy record %q: %w", rec.ID, err)
		}
		secret.Hash = hash
	}
	if rec.Preimage != "" {
		preimage, err := chainmodel.ParseHashHex(rec.Preimage)
		if err != nil {
			return chainmodel.Swap{}, fmt.Errorf("swapstore: legacy record %q: %w", rec.ID, err)
		}
		secret.Preimage = &preimage
	}

	return chainmodel.Swap{
		ID:      rec.ID,
		OrderID: rec.OrderID,
		Status:  chainmodel.Status(rec.Status),
		Source: chainmodel.Endpoint{
			ChainID: rec.SourceChain,
			Address: rec.SourceAddress,
			Token:   rec.SourceToken,
		},
		Destination: chainmodel.Endpoint{
			ChainID: rec.DestChain,
			Address: rec.DestAddress,
			Token:   rec.DestToken,
		},
		Amount: chainmodel.Amount{
			Value:    amount,
			Decimals: rec.Decimals,
			Symbol:   rec.Symbol,
		},
		Timelock: chainmodel.Timelock{
			StartTime: time.Unix(rec.LockTime, 0).UTC(),
			Duration:  time.Duration(rec.ExpiryTime-rec.LockTime) * time.Second,
		},
		Secret:  secret,
		Version: rec.Version,
	}, nil
}

// ToLegacyRecord writes a current swap back down to the legacy row
// layout. Route and receipts have no legacy representation and are
// dropped; everything the legacy generation modeled survives, so
// converting a loaded legacy row back reproduces it field for field.
func ToLegacyRecord(swap chainmodel.Swap) LegacySwapRecord {
	rec := LegacySwapRecord{
		ID:            swap.ID,
		OrderID:       swap.OrderID,
		Status:        string(swap.Status),
		SourceChain:   swap.Source.ChainID,
		SourceAddress: swap.Source.Address,
		SourceToken:   swap.Source.Token,
		DestChain:     swap.Destination.ChainID,
		DestAddress:   swap.Destination.Address,
		DestToken:     swap.Destination.Token,
		Decimals:      swap.Amount.Decimals,
		Symbol:        swap.Amount.Symbol,
		HashAlgo:      string(swap.Secret.Algo),
		LockTime:      swap.Timelock.StartTime.Unix(),
		ExpiryTime:    swap.Timelock.ExpiryTime().Unix(),
		Version:       swap.Version,
	}
	if swap.Amount.Value != nil {
		rec.Amount = swap.Amount.Value.String()
	}
	var zero [32]byte
	if swap.Secret.Hash != zero {
		rec.Hashlock = hex.EncodeToString(swap.Secret.Hash[:])
	}
	if swap.Secret.Preimage != nil {
		rec.Preimage = hex.EncodeToString(swap.Secret.Preimage[:])
	}
	return rec
}
