package chainmodel

import (
	"reflect"
	"testing"
	"time"
)

func TestMemoRoundTrip(t *testing.T) {
	m := HTLCMemo{
		Type:          "htlc_create",
		HTLCID:        "htlc-1",
		Hashlock:      "0xabc",
		Timelock:      1700000000,
		TargetChain:   "osmosis-1",
		TargetAddress: "osmo1xyz",
		SourceChain:   "1",
		SourceHTLCID:  "htlc-1",
	}
	body, err := MarshalMemo(m)
	if err != nil {
		t.Fatalf("MarshalMemo: %v", err)
	}
	got, err := ParseMemo(body)
	if err != nil {
		t.Fatalf("ParseMemo: %v", err)
	}
	if got != m {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, m)
	}
}

func TestParseMemoIgnoresUnknownKeys(t *testing.T) {
	raw := []byte(`{
		"type":"htlc_create","htlcId":"h1","hashlock":"0x1","timelock":5,
		"targetChain":"c2","targetAddress":"a2","sourceChain":"c1","sourceHTLCId":"h1",
		"unexpected":"ignored"
	}`)
	if _, err := ParseMemo(raw); err != nil {
		t.Fatalf("ParseMemo with unknown key: %v", err)
	}
}

func TestParseMemoRejectsMissingField(t *testing.T) {
	raw := []byte(`{"type":"htlc_create","htlcId":"h1"}`)
	if _, err := ParseMemo(raw); err == nil {
		t.Fatalf("expected error for memo missing required fields")
	}
}

func TestEventRoundTripAllKinds(t *testing.T) {
	kinds := []EventKind{
		EventHTLCCreated, EventHTLCWithdrawn, EventHTLCRefunded,
		EventIBCPacketSent, EventIBCPacketRecv, EventIBCAck, EventIBCTimeout,
		EventRewind,
	}
	observed := time.Date(2026, 3, 14, 9, 15, 0, 0, time.UTC)
	for _, kind := range kinds {
		ev := Event{
			ChainID:     "osmosis-1",
			Kind:        kind,
			BlockHeight: 42,
			BlockHash:   "0xblock",
			TxHash:      "0xtx",
			TxIndex:     3,
			LogIndex:    7,
			Payload:     map[string]any{"htlcId": "h1"},
			ObservedAt:  observed,
		}
		body, err := MarshalEvent(ev)
		if err != nil {
			t.Fatalf("MarshalEvent(%s): %v", kind, err)
		}
		got, err := ParseEvent(body)
		if err != nil {
			t.Fatalf("ParseEvent(%s): %v", kind, err)
		}
		if !reflect.DeepEqual(got, ev) {
			t.Fatalf("round trip mismatch for %s: got %+v, want %+v", kind, got, ev)
		}
	}
}

func TestMarshalEventRejectsUnknownKind(t *testing.T) {
	if _, err := MarshalEvent(Event{ChainID: "c1", Kind: "bogus"}); err == nil {
		t.Fatalf("expected error for unknown kind")
	}
}

func TestParseEventRejectsMissingChainID(t *testing.T) {
	if _, err := ParseEvent([]byte(`{"kind":"htlc_created","blockHeight":1}`)); err == nil {
		t.Fatalf("expected error for missing chainId")
	}
}

func TestEventLess(t *testing.T) {
	a := Event{BlockHeight: 1, TxIndex: 0, LogIndex: 0}
	b := Event{BlockHeight: 1, TxIndex: 0, LogIndex: 1}
	c := Event{BlockHeight: 2, TxIndex: 0, LogIndex: 0}
	if !a.Less(b) {
		t.Fatalf("expected a < b by log index")
	}
	if !b.Less(c) {
		t.Fatalf("expected b < c by block height")
	}
	if c.Less(a) {
		t.Fatalf("expected c not less than a")
	}
}
