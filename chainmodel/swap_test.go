package chainmodel

import (
	"math/big"
	"testing"
	"time"
)

func TestSecretCheckPreimage(t *testing.T) {
	preimage := [32]byte{1, 2, 3}
	hash, err := Digest(AlgoSHA256, preimage)
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	s := Secret{Hash: hash, Algo: AlgoSHA256}

	if err := s.CheckPreimage(preimage); err != nil {
		t.Fatalf("expected valid preimage, got %v", err)
	}

	wrong := [32]byte{9, 9, 9}
	if err := s.CheckPreimage(wrong); err == nil {
		t.Fatal("expected mismatched preimage to be rejected")
	}
}

func TestSecretCheckPreimageKeccak256(t *testing.T) {
	preimage := [32]byte{0xde, 0xad, 0xbe, 0xef}
	hash, err := Digest(AlgoKeccak256, preimage)
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	s := Secret{Hash: hash, Algo: AlgoKeccak256}
	if err := s.CheckPreimage(preimage); err != nil {
		t.Fatalf("expected valid preimage, got %v", err)
	}
}

func TestTimelockValidate(t *testing.T) {
	cases := []struct {
		name    string
		tl      Timelock
		wantErr bool
	}{
		{"ok", Timelock{Duration: time.Hour, Buffer: 5 * time.Minute}, false},
		{"zero duration", Timelock{Duration: 0, Buffer: 0}, true},
		{"buffer equals duration", Timelock{Duration: time.Hour, Buffer: time.Hour}, true},
		{"negative buffer", Timelock{Duration: time.Hour, Buffer: -time.Minute}, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := c.tl.Validate()
			if (err != nil) != c.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, c.wantErr)
			}
		})
	}
}

func TestCheckRouteCascade(t *testing.T) {
	now := time.Now()
	ok := []Hop{
		{ExpectedTimelock: now.Add(3 * time.Hour)},
		{ExpectedTimelock: now.Add(2 * time.Hour)},
		{ExpectedTimelock: now.Add(time.Hour)},
	}
	if err := CheckRouteCascade(ok, 30*time.Minute); err != nil {
		t.Fatalf("expected valid cascade, got %v", err)
	}

	nonDecreasing := []Hop{
		{ExpectedTimelock: now.Add(time.Hour)},
		{ExpectedTimelock: now.Add(2 * time.Hour)},
	}
	if err := CheckRouteCascade(nonDecreasing, 0); err == nil {
		t.Fatal("expected non-decreasing cascade to be rejected")
	}

	belowBuffer := []Hop{
		{ExpectedTimelock: now.Add(2 * time.Hour)},
		{ExpectedTimelock: now.Add(time.Hour + 50*time.Minute)},
	}
	if err := CheckRouteCascade(belowBuffer, time.Hour); err == nil {
		t.Fatal("expected gap below minHopBuffer to be rejected")
	}
}

func TestSwapValidateNew(t *testing.T) {
	base := Swap{
		Source:      Endpoint{ChainID: "eth-1", Address: "0xabc"},
		Destination: Endpoint{ChainID: "cosmoshub-4", Address: "cosmos1abc"},
		Amount:      Amount{Value: big.NewInt(100), Decimals: 6, Symbol: "usdc"},
		Timelock:    Timelock{Duration: time.Hour, Buffer: 5 * time.Minute},
	}
	if err := base.ValidateNew(); err != nil {
		t.Fatalf("expected valid swap, got %v", err)
	}

	sameChain := base
	sameChain.Destination.ChainID = sameChain.Source.ChainID
	if err := sameChain.ValidateNew(); err == nil {
		t.Fatal("expected same-chain swap to be rejected")
	}
}

func TestStatusTerminal(t *testing.T) {
	if !StatusCompleted.Terminal() {
		t.Fatal("expected Completed to be terminal")
	}
	if StatusPending.Terminal() {
		t.Fatal("expected Pending to be non-terminal")
	}
}
