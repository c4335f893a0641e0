package chainmodel

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/sha3"

	"github.com/evmrelay/relayer/errs"
)

// Status is the swap lifecycle state. HopsInFlight and SecretPropagating
// are conceptually parameterized by a hop index; that index is carried
// alongside the status on Swap (HopIndex) rather than baked into the
// enum, so the state machine in package coordinator can switch on Status
// alone.
type Status string

const (
	StatusPending            Status = "pending"
	StatusSourceLocked       Status = "source_locked"
	StatusRouteComputed      Status = "route_computed"
	StatusHopsInFlight       Status = "hops_in_flight"
	StatusDestLocked         Status = "dest_locked"
	StatusDestWithdrawn      Status = "dest_withdrawn"
	StatusSecretPropagating  Status = "secret_propagating"
	StatusSourceWithdrawn    Status = "source_withdrawn"
	StatusCompleted          Status = "completed"
	StatusRefunding          Status = "refunding"
	StatusRefunded           Status = "refunded"
	StatusFailed             Status = "failed"
	StatusExpired            Status = "expired"
)

// Terminal reports whether a status has no further outbound transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusRefunded, StatusFailed, StatusExpired:
		return true
	default:
		return false
	}
}

// HashAlgo is the supported preimage-hashing algorithms for a Secret.
type HashAlgo string

const (
	AlgoSHA256    HashAlgo = "sha256"
	AlgoKeccak256 HashAlgo = "keccak256"
)

// Secret holds the hashlock and (once observed on-chain) the preimage.
type Secret struct {
	Hash     [32]byte
	Preimage *[32]byte
	Algo     HashAlgo
}

// Digest hashes preimage using algo. Keccak256 uses the legacy (pre-NIST
// padding) Keccak construction, matching EVM HTLC contracts' keccak256.
func Digest(algo HashAlgo, preimage [32]byte) ([32]byte, error) {
	switch algo {
	case AlgoSHA256:
		return sha256.Sum256(preimage[:]), nil
	case AlgoKeccak256:
		h := sha3.NewLegacyKeccak256()
		h.Write(preimage[:])
		var out [32]byte
		copy(out[:], h.Sum(nil))
		return out, nil
	default:
		return [32]byte{}, fmt.Errorf("chainmodel: unknown hash algo %q", algo)
	}
}

// CheckPreimage guards withdraws: a preimage that does not hash to
// Secret.Hash must be rejected with InvalidSecret, without mutating
// state. It returns nil if preimage is valid for this secret.
func (s Secret) CheckPreimage(preimage [32]byte) error {
	digest, err := Digest(s.Algo, preimage)
	if err != nil {
		return err
	}
	if digest != s.Hash {
		return errs.New(errs.CategoryHTLC, errs.CodeHTLCInvalidSecret, "chainmodel: preimage does not match hashlock", nil)
	}
	return nil
}

// ParseHashHex decodes an optionally "0x"-prefixed 32-byte hex string
// into a hashlock, for the POST /swaps request body.
func ParseHashHex(s string) ([32]byte, error) {
	s = strings.TrimPrefix(s, "0x")
	raw, err := hex.DecodeString(s)
	if err != nil {
		return [32]byte{}, fmt.Errorf("chainmodel: invalid hex hashlock: %w", err)
	}
	if len(raw) != 32 {
		return [32]byte{}, fmt.Errorf("chainmodel: hashlock must be 32 bytes, got %d", len(raw))
	}
	var out [32]byte
	copy(out[:], raw)
	return out, nil
}

// Timelock captures the start/duration/expiry/buffer quadruple.
type Timelock struct {
	StartTime time.Time
	Duration  time.Duration
	Buffer    time.Duration
}

// ExpiryTime is StartTime + Duration. This is the one canonical meaning
// of the timelock: a start instant plus a duration, with expiry as their
// sum, never re-derived from a second interpretation.
func (t Timelock) ExpiryTime() time.Time { return t.StartTime.Add(t.Duration) }

// Validate enforces 0 <= Buffer < Duration.
func (t Timelock) Validate() error {
	if t.Duration <= 0 {
		return fmt.Errorf("chainmodel: timelock duration must be positive")
	}
	if t.Buffer < 0 || t.Buffer >= t.Duration {
		return fmt.Errorf("chainmodel: timelock buffer must be in [0, duration)")
	}
	return nil
}

// Hop is one segment of a multi-chain route.
type Hop struct {
	FromChain        string
	ToChain          string
	ChannelID        string
	TimeoutHeight    uint64
	TimeoutTimestamp time.Time
	ExpectedTimelock time.Time
}

// Receipt records on-chain confirmation of one hop's action.
type Receipt struct {
	HopIndex   int
	Direction  string // "create", "withdraw", "refund"
	TxHash     string
	BlockHeight uint64
	ObservedAt time.Time
}

// Swap is the central aggregate from the data model.
type Swap struct {
	ID      string
	OrderID string

	Status   Status
	HopIndex int // meaningful only while Status is HopsInFlight/SecretPropagating

	Source      Endpoint
	Destination Endpoint
	Amount      Amount
	Timelock    Timelock
	Secret      Secret
	Route       []Hop
	Receipts    []Receipt

	Version int // optimistic-concurrency version, bumped by swapstore.Update

	// RetryCount counts consecutive retryable-error attempts at the
	// current step. Reset to 0 on any successful transition; once it
	// reaches the coordinator's configured MaxRetries the swap is moved
	// to Refunding or Failed instead of retrying again.
	RetryCount int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ExpiresAt is the swap's deadline, equal to Timelock.ExpiryTime().
func (s Swap) ExpiresAt() time.Time { return s.Timelock.ExpiryTime() }

// Refundable reports whether this swap already has funds locked
// somewhere on-chain, so a retry-exhausted failure should move it to
// Refunding rather than Failed: nothing has been locked yet while still
// Pending, but every later non-terminal status implies at least the
// source HTLC exists.
func (s Swap) Refundable() bool {
	return s.Status != StatusPending
}

// ValidateNew enforces the invariants that must hold before a Swap is
// created: different chains, a well-formed amount/timelock, and (if
// already known) a consistent hashlock.
func (s Swap) ValidateNew() error {
	if s.Source.ChainID == "" || s.Destination.ChainID == "" {
		return fmt.Errorf("chainmodel: swap requires both source and destination chains")
	}
	if s.Source.ChainID == s.Destination.ChainID {
		return fmt.Errorf("chainmodel: source and destination chains must differ")
	}
	if err := s.Amount.Validate(); err != nil {
		return err
	}
	if err := s.Timelock.Validate(); err != nil {
		return err
	}
	return nil
}

// CheckRouteCascade enforces the timelock cascade: strictly decreasing
// hop over hop, each gap at least minHopBuffer.
func CheckRouteCascade(route []Hop, minHopBuffer time.Duration) error {
	for i := 1; i < len(route); i++ {
		gap := route[i-1].ExpectedTimelock.Sub(route[i].ExpectedTimelock)
		if gap <= 0 {
			return fmt.Errorf("chainmodel: hop %d timelock does not strictly decrease", i)
		}
		if gap < minHopBuffer {
			return fmt.Errorf("chainmodel: hop %d gap %s below minHopBuffer %s", i, gap, minHopBuffer)
		}
	}
	return nil
}
