package htlcadapter

import (
	"context"
	"errors"
	"testing"

	"github.com/evmrelay/relayer/chainmodel"
)

type fakeSubmitter struct {
	submitErr error
	waitErr   error
	height    uint64
}

func (f *fakeSubmitter) SubmitTx(ctx context.Context, method string, args map[string]any) (string, error) {
	if f.submitErr != nil {
		return "", f.submitErr
	}
	return "0xtx", nil
}

func (f *fakeSubmitter) WaitConfirmed(ctx context.Context, txHash string, requiredConfirmations int) (uint64, error) {
	if f.waitErr != nil {
		return 0, f.waitErr
	}
	return f.height, nil
}

type fakeQuerier struct {
	info   HTLCInfo
	height uint64
}

func (f *fakeQuerier) CurrentHeight(ctx context.Context) (uint64, error) { return f.height, nil }
func (f *fakeQuerier) GetHTLC(ctx context.Context, htlcID string) (HTLCInfo, error) {
	return f.info, nil
}

func TestEVMAdapterCreateHTLC(t *testing.T) {
	a := NewEVMAdapter(&fakeSubmitter{height: 100}, &fakeQuerier{height: 100})
	result, err := a.CreateHTLC(context.Background(), chainmodel.Swap{}, nil, 3)
	if err != nil {
		t.Fatalf("CreateHTLC: %v", err)
	}
	if !result.Confirmed || result.TxHash != "0xtx" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestEVMAdapterCreateHTLCRejectsAlreadyOpen(t *testing.T) {
	a := NewEVMAdapter(&fakeSubmitter{}, &fakeQuerier{info: HTLCInfo{Status: HTLCStatusOpen}})
	_, err := a.CreateHTLC(context.Background(), chainmodel.Swap{}, nil, 3)
	if err == nil {
		t.Fatal("expected precondition violation error")
	}
}

func TestEVMAdapterWithdrawRejectsAlreadyWithdrawn(t *testing.T) {
	a := NewEVMAdapter(&fakeSubmitter{}, &fakeQuerier{
		info:   HTLCInfo{Status: HTLCStatusWithdrawn, Height: 50},
		height: 60,
	})
	_, err := a.Withdraw(context.Background(), "htlc-1", [32]byte{1}, 3)
	if err == nil {
		t.Fatal("expected precondition violation error")
	}
}

func TestEVMAdapterWithdrawRejectsExpired(t *testing.T) {
	a := NewEVMAdapter(&fakeSubmitter{}, &fakeQuerier{
		info:   HTLCInfo{Status: HTLCStatusOpen, Height: 50},
		height: 100,
	})
	_, err := a.Withdraw(context.Background(), "htlc-1", [32]byte{1}, 3)
	if err == nil {
		t.Fatal("expected expired-timelock error")
	}
}

func TestEVMAdapterRefundRejectsBeforeExpiry(t *testing.T) {
	a := NewEVMAdapter(&fakeSubmitter{}, &fakeQuerier{
		info:   HTLCInfo{Status: HTLCStatusOpen, Height: 100},
		height: 50,
	})
	_, err := a.Refund(context.Background(), "htlc-1", 3)
	if err == nil {
		t.Fatal("expected refund-before-expiry error")
	}
}

func TestEVMAdapterSubmitErrorPropagates(t *testing.T) {
	wantErr := errors.New("rpc down")
	a := NewEVMAdapter(&fakeSubmitter{submitErr: wantErr}, &fakeQuerier{height: 10})
	_, err := a.CreateHTLC(context.Background(), chainmodel.Swap{}, nil, 3)
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected submit error to propagate, got %v", err)
	}
}

func TestWithdrawPermittedAtTimelockBoundary(t *testing.T) {
	info := HTLCInfo{Status: HTLCStatusOpen}
	// height exactly equal to the timelock: withdraw is still permitted,
	// refund is not.
	if err := CheckWithdrawPreconditions(info, 100, 100); err != nil {
		t.Fatalf("withdraw at boundary: %v", err)
	}
	if err := CheckRefundPreconditions(info, 100, 100); err == nil {
		t.Fatalf("refund at boundary must be rejected")
	}
	if err := CheckWithdrawPreconditions(info, 101, 100); err == nil {
		t.Fatalf("withdraw past timelock must be rejected")
	}
	if err := CheckRefundPreconditions(info, 101, 100); err != nil {
		t.Fatalf("refund past timelock: %v", err)
	}
}
