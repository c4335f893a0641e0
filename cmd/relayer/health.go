package main

import "github.com/evmrelay/relayer/pool"

// poolHealthChecker reports whether pool has at least one healthy member
// for (chainID, capability), backing GET /health's "no Open circuit on
// any primary endpoint" requirement.
type poolHealthChecker struct {
	pool       *pool.Pool
	chainID    string
	capability pool.Capability
}

func (h poolHealthChecker) Healthy() (bool, string) {
	lease, err := h.pool.Acquire(h.chainID, h.capability)
	if err != nil {
		return false, "no healthy endpoint for " + h.chainID + ": " + err.Error()
	}
	lease.Release(nil)
	return true, ""
}
