// Package config implements the thin TOML loader cmd/relayer uses to
// bootstrap a File into the concrete types the rest of the relayer's
// packages expect. Full config management (hot reload, secret
// injection, schema migration) is deliberately absent; this
// stays a single small loader, not a subsystem.
package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/evmrelay/relayer/chainmodel"
)

// ChainConfig is the TOML shape of one registry.RegisterChain call.
type ChainConfig struct {
	ID                    string   `toml:"id"`
	Kind                  string   `toml:"kind"` // "evm" or "cosmos"
	NativeDenom           string   `toml:"native_denom"`
	AddrPrefix            string   `toml:"addr_prefix"`
	BlockTimeMillis       int64    `toml:"block_time_ms"`
	RequiredConfirmations int      `toml:"required_confirmations"`
	Endpoints             []string `toml:"endpoints"`
}

// Chain converts the TOML row into a chainmodel.Chain.
func (c ChainConfig) Chain() chainmodel.Chain {
	return chainmodel.Chain{
		ID:                    c.ID,
		Kind:                  chainmodel.ChainKind(c.Kind),
		NativeDenom:           c.NativeDenom,
		AddrPrefix:            c.AddrPrefix,
		BlockTime:             time.Duration(c.BlockTimeMillis) * time.Millisecond,
		RequiredConfirmations: c.RequiredConfirmations,
		Endpoints:             c.Endpoints,
	}
}

// ChannelConfig is the TOML shape of one registry.RegisterChannel call.
type ChannelConfig struct {
	SourceChain string `toml:"source_chain"`
	DestChain   string `toml:"dest_chain"`
	PortID      string `toml:"port_id"`
	ChannelID   string `toml:"channel_id"`
	Ordering    string `toml:"ordering"`
	Version     string `toml:"version"`
}

// Channel converts the TOML row into a chainmodel.Channel, always
// registered open: a channel configured at startup is assumed live.
func (c ChannelConfig) Channel() chainmodel.Channel {
	return chainmodel.Channel{
		SourceChain: c.SourceChain,
		DestChain:   c.DestChain,
		PortID:      c.PortID,
		ChannelID:   c.ChannelID,
		State:       chainmodel.ChannelOpen,
		Ordering:    c.Ordering,
		Version:     c.Version,
	}
}

// StoreConfig selects and configures the swap store backend.
type StoreConfig struct {
	Driver string `toml:"driver"` // "memory" (default) or "sql"
	DSN    string `toml:"dsn"`
}

// CoordinatorConfig mirrors coordinator.Config's durations in a
// TOML-friendly shape (whole seconds instead of time.Duration strings).
type CoordinatorConfig struct {
	MaxRetries        int   `toml:"max_retries"`
	LeaseTTLSeconds   int64 `toml:"lease_ttl_seconds"`
	HopConcurrency    int   `toml:"hop_concurrency"`
	RequiredConfirm   int   `toml:"required_confirmations"`
}

// RecoveryConfig mirrors recovery.Config.
type RecoveryConfig struct {
	IntervalSeconds       int64 `toml:"interval_seconds"`
	ImminentWindowSeconds int64 `toml:"imminent_window_seconds"`
	BatchSize             int   `toml:"batch_size"`
	Concurrency           int   `toml:"concurrency"`
}

// ShieldConfig mirrors shield.Config's volume rates as a TOML table of
// window (a Go duration string such as "1m") to request-count.
type ShieldConfig struct {
	VolumeRates map[string]int `toml:"volume_rates"` // e.g. {"60s" = 60, "1h" = 1000}
}

// MonitorConfig configures one eventmonitor.Monitor per chain.
type MonitorConfig struct {
	ChainID             string `toml:"chain_id"`
	Window              int    `toml:"window"`
	PollIntervalMillis  int64  `toml:"poll_interval_ms"`
	MinPollIntervalMillis int64 `toml:"min_poll_interval_ms"`
}

// ObservabilityConfig chooses the logging backend.
type ObservabilityConfig struct {
	LogBackend string `toml:"log_backend"` // "stumpy" (default, text) or "zerolog" (JSON)
	LogLevel   string `toml:"log_level"`
}

// File is the root TOML document cmd/relayer loads at startup.
type File struct {
	ListenAddr    string              `toml:"listen_addr"`
	Chains        []ChainConfig       `toml:"chains"`
	Channels      []ChannelConfig     `toml:"channels"`
	Store         StoreConfig         `toml:"store"`
	Coordinator   CoordinatorConfig   `toml:"coordinator"`
	Recovery      RecoveryConfig      `toml:"recovery"`
	Shield        ShieldConfig        `toml:"shield"`
	Monitors      []MonitorConfig     `toml:"monitors"`
	Observability ObservabilityConfig `toml:"observability"`
}

// Load decodes the TOML document at path into a File, applying the
// defaults a zero-value File would otherwise lack.
func Load(path string) (File, error) {
	var f File
	if _, err := toml.DecodeFile(path, &f); err != nil {
		return File{}, fmt.Errorf("config: decode %s: %w", path, err)
	}
	if f.ListenAddr == "" {
		f.ListenAddr = ":8080"
	}
	if f.Store.Driver == "" {
		f.Store.Driver = "memory"
	}
	if f.Observability.LogBackend == "" {
		f.Observability.LogBackend = "stumpy"
	}
	return f, nil
}

// VolumeRatesDurations converts the TOML string-keyed table into the
// map[time.Duration]int shield.Config expects.
func (c ShieldConfig) VolumeRatesDurations() (map[time.Duration]int, error) {
	if len(c.VolumeRates) == 0 {
		return nil, nil
	}
	out := make(map[time.Duration]int, len(c.VolumeRates))
	for raw, n := range c.VolumeRates {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("config: invalid shield volume_rates key %q: %w", raw, err)
		}
		out[d] = n
	}
	return out, nil
}
