package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/evmrelay/relayer/shield"
	"github.com/evmrelay/relayer/swapstore"
)

type sequentialIDs struct{ n int }

func (s *sequentialIDs) NewID() string {
	s.n++
	return "swap-" + string(rune('0'+s.n))
}

func newTestServer() (*Server, *httptest.Server) {
	store := swapstore.NewMemStore()
	s := &Server{
		Store:  store,
		IDs:    &sequentialIDs{},
		Shield: shield.New(shield.Config{}, nil),
	}
	mux := NewServer(s)
	return s, httptest.NewServer(mux)
}

func TestCreateAndGetSwap(t *testing.T) {
	_, srv := newTestServer()
	defer srv.Close()

	body, _ := json.Marshal(createSwapRequest{
		SourceChainID: "eth-1",
		DestChainID:   "cosmoshub-4",
		SourceAddress: "0x" + "11112222333344445555666677778888999900aa",
		DestAddress:   "cosmos1xyz",
		Token:         "usdc",
		Amount:        "1000000",
		Decimals:      6,
		Symbol:        "usdc",
		TimelockSecs:  3600,
	})

	resp, err := http.Post(srv.URL+"/swaps", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}

	var created struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.ID == "" {
		t.Fatalf("expected a non-empty id")
	}

	getResp, err := http.Get(srv.URL + "/swaps/" + created.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer getResp.Body.Close()
	if getResp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", getResp.StatusCode)
	}
}

func TestGetSwapNotFound(t *testing.T) {
	_, srv := newTestServer()
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/swaps/does-not-exist")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestCreateSwapRejectsSameChain(t *testing.T) {
	_, srv := newTestServer()
	defer srv.Close()

	body, _ := json.Marshal(createSwapRequest{
		SourceChainID: "eth-1",
		DestChainID:   "eth-1",
		Amount:        "1",
		Symbol:        "usdc",
		TimelockSecs:  60,
	})
	resp, err := http.Post(srv.URL+"/swaps", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestHealthOKWithNoCheckers(t *testing.T) {
	_, srv := newTestServer()
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestBlacklistEndpointBlocksSubsequentRequests(t *testing.T) {
	s, srv := newTestServer()
	defer srv.Close()

	body, _ := json.Marshal(blacklistRequest{Reason: "abuse", DurationSec: 60})
	resp, err := http.Post(srv.URL+"/admin/blacklist/203.0.113.5", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	d := s.Shield.Evaluate(shield.Fingerprint{IP: "203.0.113.5", Path: "/swaps"})
	if d.Bucket != shield.BucketCritical {
		t.Fatalf("expected blacklisted ip to score critical, got %+v", d)
	}
}
