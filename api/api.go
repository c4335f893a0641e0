// Package api implements the thin control surface: swap creation and
// inspection plus the admin endpoints, gated ahead of /swaps and
// /admin/* by the DDoS shield. Plain net/http and http.ServeMux carry
// the whole surface; a router dependency would buy nothing at this
// handler count.
package api

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/evmrelay/relayer/chainmodel"
	"github.com/evmrelay/relayer/coordinator"
	"github.com/evmrelay/relayer/errs"
	"github.com/evmrelay/relayer/registry"
	"github.com/evmrelay/relayer/shield"
	"github.com/evmrelay/relayer/swapstore"
)

// IDGenerator mints a locally-unique swap ID. Kept as a narrow
// dependency so tests can supply a deterministic sequence.
type IDGenerator interface {
	NewID() string
}

// HealthChecker reports whether a dependency is currently in a state
// that should fail GET /health: a stalled monitor, or an Open circuit
// on a primary endpoint.
type HealthChecker interface {
	Healthy() (bool, string)
}

// Server wires the control API handlers to their backing components.
type Server struct {
	Store       swapstore.Store
	Registry    *registry.Registry
	Coordinator *coordinator.Coordinator
	Shield      *shield.Shield
	IDs         IDGenerator
	Health      []HealthChecker

	PlanParams func(source, dest string) registry.PlanParams

	mux *http.ServeMux
}

// NewServer constructs a Server and registers its routes.
func NewServer(s *Server) *http.ServeMux {
	mux := http.NewServeMux()
	s.mux = mux

	mux.HandleFunc("/swaps", s.withShield(s.handleSwaps))
	mux.HandleFunc("/swaps/", s.withShield(s.handleSwapByID))
	mux.HandleFunc("/admin/emergency-stop", s.withShield(s.handleEmergencyStop))
	mux.HandleFunc("/admin/blacklist/", s.withShield(s.handleBlacklist))
	mux.HandleFunc("/health", s.handleHealth) // bypasses the shield
	mux.Handle("/metrics", promhttp.Handler()) // bypasses the shield

	return mux
}

// withShield gates every non-bypassed endpoint through the DDoS
// shield's scoring pipeline, applying its Decision before the handler
// ever runs.
func (s *Server) withShield(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.Shield == nil {
			next(w, r)
			return
		}
		fp := fingerprintFor(r)
		decision := s.Shield.Evaluate(fp)
		switch decision.Action {
		case shield.ActionAllow, shield.ActionRateLimit:
			next(w, r)
		case shield.ActionDelay:
			time.Sleep(decision.Delay)
			next(w, r)
		case shield.ActionBlock, shield.ActionEmergencyBlock:
			writeError(w, http.StatusTooManyRequests, errs.New(errs.CategorySecurity, errs.CodeSecurityRateLimited, "request blocked by ddos shield", map[string]any{
				"bucket": string(decision.Bucket),
			}))
		default:
			next(w, r)
		}
	}
}

func fingerprintFor(r *http.Request) shield.Fingerprint {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return shield.Fingerprint{
		IP:        host,
		Path:      r.URL.Path,
		Method:    r.Method,
		UserAgent: r.UserAgent(),
		BodySize:  int(r.ContentLength),
		Timestamp: time.Now(),
	}
}

// createSwapRequest is the POST /swaps request body.
type createSwapRequest struct {
	SourceChainID string `json:"sourceChainId"`
	DestChainID   string `json:"destChainId"`
	SourceAddress string `json:"sourceAddress"`
	DestAddress   string `json:"destAddress"`
	Token         string `json:"token"`
	Amount        string `json:"amount"` // base-unit integer, as a string to avoid float precision loss
	Decimals      int    `json:"decimals"`
	Symbol        string `json:"symbol"`
	HashAlgo      string `json:"hashAlgo"`
	HashHex       string `json:"hashHex"`
	TimelockSecs  int64  `json:"timelockSecs"`
	DeadlineUnix  int64  `json:"deadline"`
}

func (s *Server) handleSwaps(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.createSwap(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) createSwap(w http.ResponseWriter, r *http.Request) {
	var req createSwapRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errs.New(errs.CategoryValidation, errs.CodeValidationBadAmount, "invalid request body", nil))
		return
	}

	swap, err := s.buildSwap(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if err := s.Store.Create(r.Context(), swap); err != nil {
		writeError(w, http.StatusConflict, errs.Wrap(errs.CategoryHTLC, errs.CodeHTLCAlreadyExists, "swap already exists", err, nil))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]string{"id": swap.ID})
}

func (s *Server) buildSwap(req createSwapRequest) (chainmodel.Swap, error) {
	if req.SourceChainID == req.DestChainID {
		return chainmodel.Swap{}, errs.New(errs.CategoryValidation, errs.CodeValidationSameChain, "source and destination chains must differ", nil)
	}

	amount, err := chainmodel.ParseAmountValue(req.Amount)
	if err != nil {
		return chainmodel.Swap{}, errs.Wrap(errs.CategoryValidation, errs.CodeValidationBadAmount, "invalid amount", err, nil)
	}

	id := "swap-0"
	if s.IDs != nil {
		id = s.IDs.NewID()
	}

	swap := chainmodel.Swap{
		ID:     id,
		Status: chainmodel.StatusPending,
		Source: chainmodel.Endpoint{ChainID: req.SourceChainID, Address: req.SourceAddress, Token: req.Token},
		Destination: chainmodel.Endpoint{ChainID: req.DestChainID, Address: req.DestAddress, Token: req.Token},
		Amount: chainmodel.Amount{
			Value:    amount,
			Decimals: uint32(req.Decimals),
			Symbol:   req.Symbol,
		},
		Timelock: chainmodel.Timelock{
			StartTime: time.Now(),
			Duration:  time.Duration(req.TimelockSecs) * time.Second,
		},
		CreatedAt: time.Now(),
	}

	if req.HashHex != "" {
		hash, err := chainmodel.ParseHashHex(req.HashHex)
		if err != nil {
			return chainmodel.Swap{}, errs.Wrap(errs.CategoryValidation, errs.CodeValidationBadAddress, "invalid hashlock", err, nil)
		}
		algo := chainmodel.HashAlgo(req.HashAlgo)
		if algo == "" {
			algo = chainmodel.AlgoSHA256
		}
		swap.Secret = chainmodel.Secret{Hash: hash, Algo: algo}
	}

	if err := swap.ValidateNew(); err != nil {
		return chainmodel.Swap{}, errs.Wrap(errs.CategoryValidation, errs.CodeValidationBadAmount, "invalid swap", err, nil)
	}

	if s.Registry != nil && s.PlanParams != nil {
		params := s.PlanParams(req.SourceChainID, req.DestChainID)
		params.StartTime = swap.Timelock.StartTime
		params.SourceTimelock = swap.Timelock.Duration
		params.HashAlgo = swap.Secret.Algo
		routes, err := s.Registry.PlanRoutes(params)
		if err != nil && !errors.Is(err, registry.ErrNoFeasibleRoute) {
			return chainmodel.Swap{}, errs.Wrap(errs.CategoryChain, errs.CodeChainUnreachable, "route planning failed", err, nil)
		}
		if len(routes) > 0 {
			swap.Route = routes[0].Hops
			swap.Status = chainmodel.StatusPending
		}
	}

	return swap, nil
}

func (s *Server) handleSwapByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := r.URL.Path[len("/swaps/"):]
	swap, err := s.Store.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, swapstore.ErrNotFound) {
			writeError(w, http.StatusNotFound, errs.New(errs.CategoryHTLC, errs.CodeHTLCNotFound, "swap not found", nil))
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(swap)
}

type emergencyStopRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleEmergencyStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req emergencyStopRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errs.New(errs.CategoryValidation, errs.CodeValidationBadAmount, "invalid request body", nil))
		return
	}
	if s.Coordinator != nil {
		s.Coordinator.EmergencyStop(req.Reason)
	}
	w.WriteHeader(http.StatusOK)
}

type blacklistRequest struct {
	Reason      string `json:"reason"`
	DurationSec int64  `json:"durationSec"`
}

func (s *Server) handleBlacklist(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ip := r.URL.Path[len("/admin/blacklist/"):]
	if ip == "" {
		writeError(w, http.StatusBadRequest, errs.New(errs.CategoryValidation, errs.CodeValidationBadAddress, "missing ip path segment", nil))
		return
	}
	var req blacklistRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errs.New(errs.CategoryValidation, errs.CodeValidationBadAmount, "invalid request body", nil))
		return
	}
	if s.Shield != nil {
		s.Shield.Blacklist(ip, time.Duration(req.DurationSec)*time.Second)
	}
	w.WriteHeader(http.StatusOK)
}

// handleHealth implements GET /health: 200 iff every registered
// HealthChecker reports healthy.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	for _, h := range s.Health {
		if ok, reason := h.Healthy(); !ok {
			writeError(w, http.StatusServiceUnavailable, errs.New(errs.CategoryResource, errs.CodeResourceNoHealthyEndpoint, reason, nil))
			return
		}
	}
	w.WriteHeader(http.StatusOK)
}

// errorResponse is the stable wire shape for every error the API
// returns: a stable category/code pair and a message, never a stack
// trace.
type errorResponse struct {
	Category string `json:"category"`
	Code     int    `json:"code"`
	Message  string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, err error) {
	resp := errorResponse{Message: err.Error()}
	var se *errs.SwapError
	if errors.As(err, &se) {
		resp = errorResponse{Category: string(se.Category), Code: se.Code, Message: se.Message}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
