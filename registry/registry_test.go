package registry

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/evmrelay/relayer/chainmodel"
)

func buildLinearRegistry(t *testing.T) *Registry {
	t.Helper()
	r := New()
	r.RegisterChain(chainmodel.Chain{ID: "eth-1", Kind: chainmodel.ChainKindEVM, BlockTime: 12 * time.Second, RequiredConfirmations: 2})
	r.RegisterChain(chainmodel.Chain{ID: "osmosis-1", Kind: chainmodel.ChainKindCosmos, BlockTime: 6 * time.Second, RequiredConfirmations: 1})
	r.RegisterChain(chainmodel.Chain{ID: "cosmoshub-4", Kind: chainmodel.ChainKindCosmos, BlockTime: 6 * time.Second, RequiredConfirmations: 1})

	if err := r.RegisterChannel(chainmodel.Channel{SourceChain: "eth-1", DestChain: "osmosis-1", ChannelID: "channel-0"}); err != nil {
		t.Fatalf("register channel: %v", err)
	}
	if err := r.RegisterChannel(chainmodel.Channel{SourceChain: "osmosis-1", DestChain: "cosmoshub-4", ChannelID: "channel-1"}); err != nil {
		t.Fatalf("register channel: %v", err)
	}
	return r
}

func TestPlanRoutesFindsMultiHopRoute(t *testing.T) {
	r := buildLinearRegistry(t)

	routes, err := r.PlanRoutes(PlanParams{
		Source:          "eth-1",
		Dest:            "cosmoshub-4",
		MaxHops:         4,
		MinHopBuffer:    time.Minute,
		MinDestTimelock: time.Hour,
		StartTime:       time.Now(),
		SourceTimelock:  6 * time.Hour,
		K:               1,
	})
	if err != nil {
		t.Fatalf("PlanRoutes: %v", err)
	}
	if len(routes) != 1 || len(routes[0].Hops) != 2 {
		t.Fatalf("expected a single 2-hop route, got %+v", routes)
	}
}

func TestPlanRoutesTimelocksStrictlyDecreasing(t *testing.T) {
	r := buildLinearRegistry(t)

	routes, err := r.PlanRoutes(PlanParams{
		Source:          "eth-1",
		Dest:            "cosmoshub-4",
		MinHopBuffer:    time.Minute,
		MinDestTimelock: time.Hour,
		StartTime:       time.Now(),
		SourceTimelock:  6 * time.Hour,
	})
	if err != nil {
		t.Fatalf("PlanRoutes: %v", err)
	}
	if err := chainmodel.CheckRouteCascade(routes[0].Hops, time.Minute); err != nil {
		t.Fatalf("expected valid cascade, got %v", err)
	}
}

func TestPlanRoutesDeterministic(t *testing.T) {
	r := buildLinearRegistry(t)
	params := PlanParams{
		Source:          "eth-1",
		Dest:            "cosmoshub-4",
		MinHopBuffer:    time.Minute,
		MinDestTimelock: time.Hour,
		StartTime:       time.Now(),
		SourceTimelock:  6 * time.Hour,
	}

	first, err := r.PlanRoutes(params)
	if err != nil {
		t.Fatalf("PlanRoutes: %v", err)
	}
	second, err := r.PlanRoutes(params)
	if err != nil {
		t.Fatalf("PlanRoutes: %v", err)
	}
	if len(first) != len(second) || first[0].Hops[0].ChannelID != second[0].Hops[0].ChannelID {
		t.Fatalf("expected deterministic route given identical topology")
	}
}

func TestPlanRoutesRejectsBeyondMaxHops(t *testing.T) {
	r := buildLinearRegistry(t)

	_, err := r.PlanRoutes(PlanParams{
		Source:          "eth-1",
		Dest:            "cosmoshub-4",
		MaxHops:         1,
		MinHopBuffer:    time.Minute,
		MinDestTimelock: time.Hour,
		StartTime:       time.Now(),
		SourceTimelock:  6 * time.Hour,
	})
	if !errors.Is(err, ErrNoFeasibleRoute) {
		t.Fatalf("expected ErrNoFeasibleRoute, got %v", err)
	}
}

func TestRegisterChannelRejectsCycle(t *testing.T) {
	r := buildLinearRegistry(t)
	err := r.RegisterChannel(chainmodel.Channel{SourceChain: "cosmoshub-4", DestChain: "eth-1", ChannelID: "channel-2"})
	if !errors.Is(err, ErrCycleDetected) {
		t.Fatalf("expected ErrCycleDetected, got %v", err)
	}
}

func TestPlanRoutesExcludesClosedChannels(t *testing.T) {
	r := New()
	r.RegisterChain(chainmodel.Chain{ID: "eth-1", Kind: chainmodel.ChainKindEVM, BlockTime: 12 * time.Second, RequiredConfirmations: 2})
	r.RegisterChain(chainmodel.Chain{ID: "osmosis-1", Kind: chainmodel.ChainKindCosmos, BlockTime: 6 * time.Second, RequiredConfirmations: 1})
	if err := r.RegisterChannel(chainmodel.Channel{SourceChain: "eth-1", DestChain: "osmosis-1", ChannelID: "channel-0", State: chainmodel.ChannelClosed}); err != nil {
		t.Fatalf("register channel: %v", err)
	}

	_, err := r.PlanRoutes(PlanParams{
		Source:          "eth-1",
		Dest:            "osmosis-1",
		MinHopBuffer:    time.Minute,
		MinDestTimelock: time.Hour,
		StartTime:       time.Now(),
		SourceTimelock:  6 * time.Hour,
	})
	if !errors.Is(err, ErrNoFeasibleRoute) {
		t.Fatalf("expected ErrNoFeasibleRoute over a Closed-only channel, got %v", err)
	}
}

func TestPlanRoutesExcludesChainsLackingAlgo(t *testing.T) {
	r := New()
	r.RegisterChain(chainmodel.Chain{ID: "eth-1", Kind: chainmodel.ChainKindEVM, BlockTime: 12 * time.Second, RequiredConfirmations: 2})
	r.RegisterChain(chainmodel.Chain{
		ID: "osmosis-1", Kind: chainmodel.ChainKindCosmos, BlockTime: 6 * time.Second, RequiredConfirmations: 1,
		SupportedAlgos: []chainmodel.HashAlgo{chainmodel.AlgoSHA256},
	})
	if err := r.RegisterChannel(chainmodel.Channel{SourceChain: "eth-1", DestChain: "osmosis-1", ChannelID: "channel-0"}); err != nil {
		t.Fatalf("register channel: %v", err)
	}

	_, err := r.PlanRoutes(PlanParams{
		Source:          "eth-1",
		Dest:            "osmosis-1",
		MinHopBuffer:    time.Minute,
		MinDestTimelock: time.Hour,
		StartTime:       time.Now(),
		SourceTimelock:  6 * time.Hour,
		HashAlgo:        chainmodel.AlgoKeccak256,
	})
	if !errors.Is(err, ErrNoFeasibleRoute) {
		t.Fatalf("expected ErrNoFeasibleRoute when the dest chain can't host keccak256, got %v", err)
	}

	routes, err := r.PlanRoutes(PlanParams{
		Source:          "eth-1",
		Dest:            "osmosis-1",
		MinHopBuffer:    time.Minute,
		MinDestTimelock: time.Hour,
		StartTime:       time.Now(),
		SourceTimelock:  6 * time.Hour,
		HashAlgo:        chainmodel.AlgoSHA256,
	})
	if err != nil || len(routes) != 1 {
		t.Fatalf("expected a route when the dest chain supports sha256: routes=%+v err=%v", routes, err)
	}
}

func TestRegistryListChainsFiltersByKind(t *testing.T) {
	r := buildLinearRegistry(t)
	cosmos := r.ListChains(ChainFilter{Kind: chainmodel.ChainKindCosmos})
	if len(cosmos) != 2 {
		t.Fatalf("expected 2 cosmos chains, got %d", len(cosmos))
	}
	for _, c := range cosmos {
		if c.Kind != chainmodel.ChainKindCosmos {
			t.Fatalf("ListChains leaked a non-matching kind: %+v", c)
		}
	}
	all := r.ListChains(ChainFilter{})
	if len(all) != 3 {
		t.Fatalf("expected 3 chains with no filter, got %d", len(all))
	}
}

func TestRegistryChannelsReturnsAllStates(t *testing.T) {
	r := buildLinearRegistry(t)
	chs := r.Channels("eth-1")
	if len(chs) != 1 || chs[0].ChannelID != "channel-0" {
		t.Fatalf("expected channel-0 from eth-1, got %+v", chs)
	}
}

func TestRegistrySubscribeTopologyNotifiesOnRegister(t *testing.T) {
	r := New()
	ch, cancel := r.SubscribeTopology()
	defer cancel()

	r.RegisterChain(chainmodel.Chain{ID: "eth-1", Kind: chainmodel.ChainKindEVM})

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("expected a topology-change notification after RegisterChain")
	}
}

func TestPlanRoutesThreeHopCascadeValues(t *testing.T) {
	r := New()
	for _, id := range []string{"chain-a", "chain-b", "chain-c", "chain-d"} {
		r.RegisterChain(chainmodel.Chain{ID: id, Kind: chainmodel.ChainKindCosmos, BlockTime: 6 * time.Second, RequiredConfirmations: 1})
	}
	for i, edge := range [][2]string{{"chain-a", "chain-b"}, {"chain-b", "chain-c"}, {"chain-c", "chain-d"}} {
		if err := r.RegisterChannel(chainmodel.Channel{SourceChain: edge[0], DestChain: edge[1], ChannelID: fmt.Sprintf("channel-%d", i)}); err != nil {
			t.Fatalf("register channel: %v", err)
		}
	}

	start := time.Unix(1_760_000_000, 0)
	routes, err := r.PlanRoutes(PlanParams{
		Source:          "chain-a",
		Dest:            "chain-d",
		MinHopBuffer:    30 * time.Minute,
		MinDestTimelock: 2 * time.Hour,
		StartTime:       start,
		SourceTimelock:  4 * time.Hour,
	})
	if err != nil {
		t.Fatalf("PlanRoutes: %v", err)
	}
	if len(routes) != 1 || len(routes[0].Hops) != 3 {
		t.Fatalf("expected one 3-hop route, got %+v", routes)
	}

	// source timelock 14400s with a 1800s gap per hop: 12600, 10800, 9000.
	want := []int64{12600, 10800, 9000}
	for i, hop := range routes[0].Hops {
		if got := int64(hop.ExpectedTimelock.Sub(start) / time.Second); got != want[i] {
			t.Fatalf("hop %d timelock offset = %ds, want %ds", i, got, want[i])
		}
	}
}
