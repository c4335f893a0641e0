package chainmodel

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventKind enumerates the on-chain occurrences the event monitors
// observe.
type EventKind string

const (
	EventHTLCCreated   EventKind = "htlc_created"
	EventHTLCWithdrawn EventKind = "htlc_withdrawn"
	EventHTLCRefunded  EventKind = "htlc_refunded"
	EventIBCPacketSent EventKind = "ibc_packet_sent"
	EventIBCPacketRecv EventKind = "ibc_packet_recv"
	EventIBCAck        EventKind = "ibc_ack"
	EventIBCTimeout    EventKind = "ibc_timeout"
	// EventRewind is synthesized by the event monitor, never observed
	// on-chain: it precedes the re-emitted canonical events after a
	// reorg, with BlockHeight carrying the height consumers must rewind
	// to before applying what follows.
	EventRewind EventKind = "rewind"
)

// Valid reports whether k is one of the supported event kinds.
func (k EventKind) Valid() bool {
	switch k {
	case EventHTLCCreated, EventHTLCWithdrawn, EventHTLCRefunded,
		EventIBCPacketSent, EventIBCPacketRecv, EventIBCAck, EventIBCTimeout,
		EventRewind:
		return true
	default:
		return false
	}
}

// Event is one observed chain occurrence, ordered within a chain by
// (BlockHeight, TxIndex, LogIndex).
type Event struct {
	ChainID     string
	Kind        EventKind
	BlockHeight uint64
	BlockHash   string
	TxHash      string
	TxIndex     uint32
	LogIndex    uint32
	Payload     map[string]any
	ObservedAt  time.Time
}

// Less orders two events from the same chain by (BlockHeight, TxIndex,
// LogIndex), the per-chain total order.
func (e Event) Less(o Event) bool {
	if e.BlockHeight != o.BlockHeight {
		return e.BlockHeight < o.BlockHeight
	}
	if e.TxIndex != o.TxIndex {
		return e.TxIndex < o.TxIndex
	}
	return e.LogIndex < o.LogIndex
}

// wireEvent is Event's persisted/transported JSON shape. Kept separate
// from Event itself so the in-memory struct can evolve without silently
// changing the wire format.
type wireEvent struct {
	ChainID     string         `json:"chainId"`
	Kind        EventKind      `json:"kind"`
	BlockHeight uint64         `json:"blockHeight"`
	BlockHash   string         `json:"blockHash,omitempty"`
	TxHash      string         `json:"txHash,omitempty"`
	TxIndex     uint32         `json:"txIndex"`
	LogIndex    uint32         `json:"logIndex"`
	Payload     map[string]any `json:"payload,omitempty"`
	ObservedAt  time.Time      `json:"observedAt"`
}

// MarshalEvent encodes e as JSON for cursor journals and cross-process
// transport.
func MarshalEvent(e Event) ([]byte, error) {
	if !e.Kind.Valid() {
		return nil, fmt.Errorf("chainmodel: cannot marshal event of unknown kind %q", e.Kind)
	}
	return json.Marshal(wireEvent(e))
}

// ParseEvent decodes a JSON event, rejecting unknown kinds and events
// missing their chain ID. ParseEvent(MarshalEvent(e)) reproduces e for
// every supported kind.
func ParseEvent(data []byte) (Event, error) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return Event{}, fmt.Errorf("chainmodel: invalid event json: %w", err)
	}
	if !w.Kind.Valid() {
		return Event{}, fmt.Errorf("chainmodel: unknown event kind %q", w.Kind)
	}
	if w.ChainID == "" {
		return Event{}, fmt.Errorf("chainmodel: event missing chainId")
	}
	return Event(w), nil
}

// HTLCMemo is the wire-visible IBC packet memo format: a JSON object
// carrying the fields the destination chain's HTLC module needs to
// mirror the hashlock and timelock forward. Unknown extra keys are
// ignored on parse; any missing required field rejects the memo.
type HTLCMemo struct {
	Type           string `json:"type"`
	HTLCID         string `json:"htlcId"`
	Hashlock       string `json:"hashlock"`
	Timelock       int64  `json:"timelock"`
	TargetChain    string `json:"targetChain"`
	TargetAddress  string `json:"targetAddress"`
	SourceChain    string `json:"sourceChain"`
	SourceHTLCID   string `json:"sourceHTLCId"`
}

const htlcMemoType = "htlc_create"

// MarshalMemo encodes m as the wire memo. Type is forced to the
// required constant regardless of m.Type.
func MarshalMemo(m HTLCMemo) ([]byte, error) {
	m.Type = htlcMemoType
	return json.Marshal(m)
}

// ParseMemo decodes and validates a wire memo, rejecting one missing any
// required field. Extra unknown keys are tolerated
// because json.Unmarshal into a concrete struct already ignores them.
func ParseMemo(data []byte) (HTLCMemo, error) {
	var m HTLCMemo
	if err := json.Unmarshal(data, &m); err != nil {
		return HTLCMemo{}, fmt.Errorf("chainmodel: invalid memo json: %w", err)
	}
	if m.Type != htlcMemoType {
		return HTLCMemo{}, fmt.Errorf("chainmodel: memo type %q, want %q", m.Type, htlcMemoType)
	}
	missing := func(cond bool, field string) error {
		if cond {
			return fmt.Errorf("chainmodel: memo missing required field %q", field)
		}
		return nil
	}
	for _, err := range []error{
		missing(m.HTLCID == "", "htlcId"),
		missing(m.Hashlock == "", "hashlock"),
		missing(m.Timelock == 0, "timelock"),
		missing(m.TargetChain == "", "targetChain"),
		missing(m.TargetAddress == "", "targetAddress"),
		missing(m.SourceChain == "", "sourceChain"),
		missing(m.SourceHTLCID == "", "sourceHTLCId"),
	} {
		if err != nil {
			return HTLCMemo{}, err
		}
	}
	return m, nil
}
