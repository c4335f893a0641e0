package swapstore

import (
	"testing"
)

func TestLegacyRecordRoundTrip(t *testing.T) {
	rec := LegacySwapRecord{
		ID:            "swap-legacy-1",
		OrderID:       "order-9",
		Status:        "source_locked",
		SourceChain:   "1",
		SourceAddress: "0x00112233445566778899aabbccddeeff00112233",
		SourceToken:   "0xdeadbeefdeadbeefdeadbeefdeadbeefdeadbeef",
		DestChain:     "osmosis-1",
		DestAddress:   "osmo1qqqsyqcyq5rqwzqfpg9scrgwpugpzysnzv23v9",
		DestToken:     "uosmo",
		Amount:        "1000000",
		Decimals:      6,
		Symbol:        "uosmo",
		HashAlgo:      "sha256",
		Hashlock:      "1111111111111111111111111111111111111111111111111111111111111111",
		Preimage:      "2222222222222222222222222222222222222222222222222222222222222222",
		LockTime:      1_760_000_000,
		ExpiryTime:    1_760_003_600,
		Version:       4,
	}

	swap, err := FromLegacyRecord(rec)
	if err != nil {
		t.Fatalf("FromLegacyRecord: %v", err)
	}
	if got := ToLegacyRecord(swap); got != rec {
		t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", got, rec)
	}
}

func TestLegacyRecordRoundTripWithoutPreimage(t *testing.T) {
	rec := LegacySwapRecord{
		ID:          "swap-legacy-2",
		Status:      "pending",
		SourceChain: "1",
		DestChain:   "cosmoshub-4",
		Amount:      "42",
		Symbol:      "uatom",
		HashAlgo:    "keccak256",
		Hashlock:    "00000000000000000000000000000000000000000000000000000000000000ff",
		LockTime:    1_760_000_000,
		ExpiryTime:  1_760_007_200,
		Version:     1,
	}

	swap, err := FromLegacyRecord(rec)
	if err != nil {
		t.Fatalf("FromLegacyRecord: %v", err)
	}
	if swap.Secret.Preimage != nil {
		t.Fatalf("expected nil preimage")
	}
	if got := ToLegacyRecord(swap); got != rec {
		t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", got, rec)
	}
}

func TestFromLegacyRecordRejectsInvertedTimelock(t *testing.T) {
	rec := LegacySwapRecord{
		ID:         "swap-legacy-3",
		Amount:     "1",
		LockTime:   1_760_003_600,
		ExpiryTime: 1_760_000_000,
	}
	if _, err := FromLegacyRecord(rec); err == nil {
		t.Fatalf("expected error for expiry before lock time")
	}
}
