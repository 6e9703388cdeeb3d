package gossip

import (
	"context"
	"math/rand"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/danmuck/meshctl/internal/atlas"
	"github.com/danmuck/meshctl/internal/mesh"
	"github.com/danmuck/meshctl/internal/router"
	"github.com/danmuck/meshctl/internal/testutil/testlog"
	"github.com/danmuck/meshctl/internal/transport"
)

type gossipNode struct {
	id         string
	atlas      *atlas.Atlas
	propagator *Propagator
	addr       string
}

func startGossipNode(t *testing.T, id string, caps ...string) *gossipNode {
	t.Helper()
	atl, err := atlas.New(id, time.Minute)
	if err != nil {
		t.Fatalf("atlas: %v", err)
	}
	srv := transport.Appear(id, "", router.New(id), atl, nil)
	srv.RegisterRoutes()
	ts := httptest.NewServer(srv.HTTPRouter())
	t.Cleanup(ts.Close)

	infos := make([]mesh.CapabilityInfo, 0, len(caps))
	for _, c := range caps {
		infos = append(infos, mesh.CapabilityInfo{Name: c, Mode: mesh.ModeQuery})
	}
	atl.SetSelf(mesh.PeerRecord{Address: ts.URL, Capabilities: infos})

	cfg := DefaultConfig()
	cfg.ExchangeTimeout = time.Second
	p := NewPropagator(cfg, atl, transport.NewClient(time.Second))
	return &gossipNode{id: id, atlas: atl, propagator: p, addr: ts.URL}
}

func seed(a, b *gossipNode) {
	rec, _ := b.atlas.Get(b.id)
	a.atlas.Merge(rec)
}

// A only knows B, and B only knows C. Bounded rounds must carry C's
// capabilities all the way back to A with no central coordinator.
func TestRoundsConvergeAcrossTransitivePeers(t *testing.T) {
	testlog.Start(t)
	a := startGossipNode(t, "cell.a")
	b := startGossipNode(t, "cell.b")
	c := startGossipNode(t, "cell.c", "weather/today")

	seed(a, b)
	seed(b, c)

	ctx := context.Background()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		b.propagator.Round(ctx)
		a.propagator.Round(ctx)
		if len(a.atlas.Candidates("weather/today")) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	candidates := a.atlas.Candidates("weather/today")
	if len(candidates) != 1 || candidates[0].CellID != "cell.c" {
		t.Fatalf("capability did not propagate: %+v", candidates)
	}
}

func TestRoundSkipsPeerInBackoffWindow(t *testing.T) {
	testlog.Start(t)
	a := startGossipNode(t, "cell.a")
	a.atlas.Merge(mesh.PeerRecord{
		CellID:   "cell.dead",
		Address:  "127.0.0.1:1",
		LastSeen: time.Now(),
	})

	ctx := context.Background()
	a.propagator.Round(ctx)
	if a.propagator.failures["cell.dead"] != 1 {
		t.Fatalf("first failure not recorded: %v", a.propagator.failures)
	}

	// Immediately retrying must be deferred, not hammered.
	a.propagator.Round(ctx)
	if a.propagator.failures["cell.dead"] != 1 {
		t.Fatalf("peer contacted inside backoff window: %v", a.propagator.failures)
	}
}

func TestBackoffClearsAfterSuccess(t *testing.T) {
	testlog.Start(t)
	a := startGossipNode(t, "cell.a")
	b := startGossipNode(t, "cell.b")

	// A first learns a dead address for B, then the live one wins by timestamp.
	a.atlas.Merge(mesh.PeerRecord{
		CellID:   b.id,
		Address:  "127.0.0.1:1",
		LastSeen: time.Now().Add(-time.Second),
	})
	ctx := context.Background()
	a.propagator.Round(ctx)
	if len(a.propagator.deferUntil) != 1 {
		t.Fatalf("failure window missing")
	}

	seed(a, b)
	a.propagator.deferUntil[b.id] = time.Now().Add(-time.Second)
	a.propagator.Round(ctx)
	if len(a.propagator.deferUntil) != 0 || len(a.propagator.failures) != 0 {
		t.Fatalf("successful exchange must clear the backoff window")
	}
}

func TestNextBackoffDelayGrowsAndCaps(t *testing.T) {
	cfg := BackoffConfig{
		InitialDelay: time.Second,
		MaxDelay:     8 * time.Second,
		Multiplier:   2.0,
	}
	if got := NextBackoffDelay(cfg, 1, nil); got != time.Second {
		t.Fatalf("attempt 1: got %v", got)
	}
	if got := NextBackoffDelay(cfg, 3, nil); got != 4*time.Second {
		t.Fatalf("attempt 3: got %v", got)
	}
	if got := NextBackoffDelay(cfg, 10, nil); got != 8*time.Second {
		t.Fatalf("cap not honored: got %v", got)
	}
}

func TestNextBackoffDelayJitterStaysBounded(t *testing.T) {
	cfg := DefaultBackoffConfig()
	rng := rand.New(rand.NewSource(1))
	for attempt := 2; attempt < 8; attempt++ {
		d := NextBackoffDelay(cfg, attempt, rng)
		if d <= 0 || d > cfg.MaxDelay+cfg.MaxDelay/2 {
			t.Fatalf("attempt %d out of bounds: %v", attempt, d)
		}
	}
}
