package dispatch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/danmuck/meshctl/internal/atlas"
	"github.com/danmuck/meshctl/internal/mesh"
	"github.com/danmuck/meshctl/internal/router"
	"github.com/danmuck/meshctl/internal/schema"
	"github.com/danmuck/meshctl/internal/testutil/testlog"
	"github.com/danmuck/meshctl/internal/transport"
)

// testNode is a cell reduced to the pieces dispatch exercises: an atlas, a
// capability table, and an HTTP listener on an ephemeral port.
type testNode struct {
	id         string
	atlas      *atlas.Atlas
	router     *router.Router
	dispatcher *Dispatcher
	addr       string
}

func startNode(t *testing.T, id string, bootstrap BootstrapFunc) *testNode {
	t.Helper()
	atl, err := atlas.New(id, time.Minute)
	if err != nil {
		t.Fatalf("atlas: %v", err)
	}
	rtr := router.New(id)
	srv := transport.Appear(id, "", rtr, atl, nil)
	srv.RegisterRoutes()
	ts := httptest.NewServer(srv.HTTPRouter())
	t.Cleanup(ts.Close)

	d := New(
		Config{CellID: id, CallTimeout: 2 * time.Second},
		atl, rtr, transport.NewClient(2*time.Second), bootstrap,
	)
	srv.SetDispatcher(d)
	atl.SetSelf(mesh.PeerRecord{Address: ts.URL})

	return &testNode{id: id, atlas: atl, router: rtr, dispatcher: d, addr: ts.URL}
}

// record is how n would appear in another cell's atlas.
func (n *testNode) record() mesh.PeerRecord {
	return mesh.PeerRecord{
		CellID:       n.id,
		Address:      n.addr,
		Capabilities: n.router.Capabilities(),
		LastSeen:     time.Now(),
	}
}

func registerAdd(t *testing.T, n *testNode) {
	t.Helper()
	contract := mesh.Contract{
		Namespace: "math",
		Method:    "add",
		Input:     schema.Object(schema.Req("a", schema.TypeNumber), schema.Req("b", schema.TypeNumber)),
		Output:    schema.Scalar(schema.TypeNumber),
		Mode:      mesh.ModeQuery,
	}
	err := n.router.Register(contract, func(_ context.Context, args map[string]any) (any, error) {
		return args["a"].(float64) + args["b"].(float64), nil
	})
	if err != nil {
		t.Fatalf("register math/add: %v", err)
	}
}

func TestDispatchRemoteRoundTrip(t *testing.T) {
	testlog.Start(t)
	provider := startNode(t, "cell.provider", nil)
	registerAdd(t, provider)

	caller := startNode(t, "cell.caller", nil)
	caller.atlas.Merge(provider.record())

	resp := caller.dispatcher.Call(context.Background(), "math/add", map[string]any{"a": float64(2), "b": float64(3)})
	if !resp.OK {
		t.Fatalf("remote call failed: %+v", resp.Error)
	}
	if resp.Value != float64(5) {
		t.Fatalf("expected 5, got %v", resp.Value)
	}
}

func TestDispatchLocalShortCircuit(t *testing.T) {
	testlog.Start(t)
	n := startNode(t, "cell.solo", nil)
	registerAdd(t, n)
	n.atlas.SetSelf(mesh.PeerRecord{Address: n.addr, Capabilities: n.router.Capabilities()})

	resp := n.dispatcher.Call(context.Background(), "math/add", map[string]any{"a": float64(4), "b": float64(4)})
	if !resp.OK || resp.Value != float64(8) {
		t.Fatalf("local short circuit failed: %+v", resp)
	}
}

func TestDispatchBootstrapRetryFindsLateProvider(t *testing.T) {
	testlog.Start(t)
	provider := startNode(t, "cell.provider", nil)
	registerAdd(t, provider)

	var caller *testNode
	bootstraps := 0
	bootstrap := func(force bool) error {
		bootstraps++
		if !force {
			t.Fatalf("retry must force past the bootstrap memo")
		}
		caller.atlas.Merge(provider.record())
		return nil
	}
	caller = startNode(t, "cell.caller", bootstrap)

	resp := caller.dispatcher.Call(context.Background(), "math/add", map[string]any{"a": float64(1), "b": float64(1)})
	if !resp.OK || resp.Value != float64(2) {
		t.Fatalf("call after bootstrap retry failed: %+v", resp)
	}
	if bootstraps != 1 {
		t.Fatalf("expected exactly one bootstrap retry, got %d", bootstraps)
	}
}

func TestDispatchNotFoundAfterSingleRetry(t *testing.T) {
	testlog.Start(t)
	bootstraps := 0
	caller := startNode(t, "cell.caller", func(bool) error {
		bootstraps++
		return nil
	})

	resp := caller.dispatcher.Call(context.Background(), "math/add", map[string]any{"a": float64(1), "b": float64(1)})
	if resp.OK || resp.Error.Code != mesh.CodeNotFound {
		t.Fatalf("expected NOT_FOUND, got %+v", resp)
	}
	if bootstraps != 1 {
		t.Fatalf("retry must happen exactly once, got %d", bootstraps)
	}
	if len(resp.Error.History) == 0 {
		t.Fatalf("failure must carry a narrative")
	}
}

func TestDispatchUnreachableProvider(t *testing.T) {
	testlog.Start(t)
	caller := startNode(t, "cell.caller", nil)
	caller.atlas.Merge(mesh.PeerRecord{
		CellID:       "cell.gone",
		Address:      "127.0.0.1:1",
		Capabilities: []mesh.CapabilityInfo{{Name: "math/add", Mode: mesh.ModeQuery}},
		LastSeen:     time.Now(),
	})

	resp := caller.dispatcher.Call(context.Background(), "math/add", map[string]any{"a": float64(1), "b": float64(1)})
	if resp.OK || resp.Error.Code != mesh.CodeUnreachable {
		t.Fatalf("expected UNREACHABLE, got %+v", resp)
	}
}

func TestDispatchTimeoutIsDistinctFromUnreachable(t *testing.T) {
	testlog.Start(t)
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer slow.Close()

	atl, err := atlas.New("cell.caller", time.Minute)
	if err != nil {
		t.Fatalf("atlas: %v", err)
	}
	atl.SetSelf(mesh.PeerRecord{Address: ":0"})
	atl.Merge(mesh.PeerRecord{
		CellID:       "cell.slow",
		Address:      slow.URL,
		Capabilities: []mesh.CapabilityInfo{{Name: "math/add", Mode: mesh.ModeQuery}},
		LastSeen:     time.Now(),
	})

	d := New(
		Config{CellID: "cell.caller", CallTimeout: 50 * time.Millisecond},
		atl, router.New("cell.caller"), transport.NewClient(2*time.Second), nil,
	)

	resp := d.Call(context.Background(), "math/add", map[string]any{"a": float64(1), "b": float64(1)})
	if resp.OK || resp.Error.Code != mesh.CodeTimeout {
		t.Fatalf("expected TIMEOUT, got %+v", resp)
	}
}

func TestNewRequestInheritsParentTraceAsHop(t *testing.T) {
	testlog.Start(t)
	caller := startNode(t, "cell.relay", nil)

	parent := []mesh.TraceEntry{mesh.NewTraceEntry("cell.root", "sent math/add")}
	ctx := mesh.ContextWithTrace(context.Background(), parent)

	req := caller.dispatcher.NewRequest(ctx, "math/add", nil)
	if len(req.Trace) != 2 {
		t.Fatalf("expected parent hop plus relay hop, got %d", len(req.Trace))
	}
	if req.Trace[0].Cell != "cell.root" || req.Trace[1].Cell != "cell.relay" {
		t.Fatalf("trace not hop-ordered: %+v", req.Trace)
	}
	if len(parent) != 1 {
		t.Fatalf("parent trace mutated")
	}

	fresh := caller.dispatcher.NewRequest(context.Background(), "math/add", nil)
	if len(fresh.Trace) != 0 {
		t.Fatalf("request without a parent must start a fresh trace: %+v", fresh.Trace)
	}
}

func TestNewRequestPiggybacksSnapshotPaced(t *testing.T) {
	testlog.Start(t)
	atl, err := atlas.New("cell.caller", time.Minute)
	if err != nil {
		t.Fatalf("atlas: %v", err)
	}
	atl.SetSelf(mesh.PeerRecord{Address: ":0"})
	atl.Merge(mesh.PeerRecord{CellID: "cell.b", Address: "localhost:9401", LastSeen: time.Now()})

	d := New(
		Config{CellID: "cell.caller", PiggybackInterval: 50 * time.Millisecond},
		atl, router.New("cell.caller"), transport.NewClient(time.Second), nil,
	)

	ctx := context.Background()
	first := d.NewRequest(ctx, "math/add", nil)
	if len(first.Atlas) != 2 {
		t.Fatalf("first request must carry the snapshot, got %d entries", len(first.Atlas))
	}

	second := d.NewRequest(ctx, "math/add", nil)
	if len(second.Atlas) != 0 {
		t.Fatalf("snapshot must be paced, not attached per request")
	}

	time.Sleep(80 * time.Millisecond)
	third := d.NewRequest(ctx, "math/add", nil)
	if len(third.Atlas) != 2 {
		t.Fatalf("snapshot must ride again after the interval, got %d entries", len(third.Atlas))
	}
}

// A fails through B to an origin error on C. The final response must keep the
// origin's code and message, with every relay appended to the same history.
func TestRelayFailurePreservesNarrativeChain(t *testing.T) {
	testlog.Start(t)

	origin := startNode(t, "cell.origin", nil)
	originContract := mesh.Contract{
		Namespace: "risky",
		Method:    "op",
		Input:     schema.Object(),
		Output:    schema.Scalar(schema.TypeAny),
		Mode:      mesh.ModeMutation,
	}
	if err := origin.router.Register(originContract, func(context.Context, map[string]any) (any, error) {
		return nil, errors.New("disk full")
	}); err != nil {
		t.Fatalf("register risky/op: %v", err)
	}

	relay := startNode(t, "cell.relay", nil)
	relay.atlas.Merge(origin.record())
	relayContract := mesh.Contract{
		Namespace: "risky",
		Method:    "relay",
		Input:     schema.Object(),
		Output:    schema.Scalar(schema.TypeAny),
		Mode:      mesh.ModeMutation,
	}
	if err := relay.router.Register(relayContract, func(ctx context.Context, _ map[string]any) (any, error) {
		nested := relay.dispatcher.Call(ctx, "risky/op", map[string]any{})
		if !nested.OK {
			return nil, nested.Error
		}
		return nested.Value, nil
	}); err != nil {
		t.Fatalf("register risky/relay: %v", err)
	}

	caller := startNode(t, "cell.caller", nil)
	caller.atlas.Merge(relay.record())

	resp := caller.dispatcher.Call(context.Background(), "risky/relay", map[string]any{})
	if resp.OK {
		t.Fatalf("expected relayed failure")
	}
	if resp.Error.Code != mesh.CodeHandlerError {
		t.Fatalf("origin code lost in relay: %s", resp.Error.Code)
	}
	if resp.Error.Msg != "disk full" {
		t.Fatalf("origin message lost: %q", resp.Error.Msg)
	}
	if resp.Error.From != "cell.origin" {
		t.Fatalf("origin cell lost: %q", resp.Error.From)
	}
	if len(resp.Error.History) < 3 {
		t.Fatalf("relay hops missing from history: %+v", resp.Error.History)
	}
	if resp.Error.History[0].Cell != "cell.origin" {
		t.Fatalf("history no longer starts at origin: %+v", resp.Error.History[0])
	}
}
