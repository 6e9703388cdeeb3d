package dispatch

import (
	"context"
	"errors"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/danmuck/meshctl/internal/atlas"
	"github.com/danmuck/meshctl/internal/mesh"
	"github.com/danmuck/meshctl/internal/observability"
	"github.com/danmuck/meshctl/internal/router"
	"github.com/danmuck/meshctl/internal/transport"
	"github.com/rs/zerolog/log"
)

// BootstrapFunc re-seeds the atlas from the registry medium. force bypasses
// any already-bootstrapped memo.
type BootstrapFunc func(force bool) error

// PickFunc chooses one provider among same-capability candidates. The
// default takes the first candidate in cellId order; load-aware policies plug
// in here.
type PickFunc func(candidates []mesh.PeerRecord) mesh.PeerRecord

func firstFound(candidates []mesh.PeerRecord) mesh.PeerRecord {
	return candidates[0]
}

// DefaultPiggybackInterval paces hot-path anti-entropy: at most one atlas
// snapshot rides outgoing requests per interval.
const DefaultPiggybackInterval = 15 * time.Second

type Config struct {
	CellID            string
	CallTimeout       time.Duration
	PiggybackInterval time.Duration
	Pick              PickFunc
}

func (c Config) WithDefaults() Config {
	if c.CallTimeout <= 0 {
		c.CallTimeout = transport.DefaultCallTimeout
	}
	if c.PiggybackInterval <= 0 {
		c.PiggybackInterval = DefaultPiggybackInterval
	}
	if c.Pick == nil {
		c.Pick = firstFound
	}
	return c
}

// Dispatcher resolves capability names to providers through the atlas and
// interprets responses, threading the causal narrative through every hop.
type Dispatcher struct {
	cfg       Config
	atlas     *atlas.Atlas
	local     *router.Router
	client    *transport.Client
	bootstrap BootstrapFunc

	lastPiggyback atomic.Int64
}

var _ transport.Dispatcher = (*Dispatcher)(nil)

func New(cfg Config, atl *atlas.Atlas, local *router.Router, client *transport.Client, bootstrap BootstrapFunc) *Dispatcher {
	return &Dispatcher{
		cfg:       cfg.WithDefaults(),
		atlas:     atl,
		local:     local,
		client:    client,
		bootstrap: bootstrap,
	}
}

// Call builds a fresh request envelope for a capability and dispatches it.
// Inside a handler the parent request's trace is inherited from ctx, so a
// relayed failure surfaces as one continuous chain.
func (d *Dispatcher) Call(ctx context.Context, capability string, args map[string]any) mesh.Response {
	return d.Dispatch(ctx, d.NewRequest(ctx, capability, args))
}

// Dispatch routes one request envelope. No automatic cross-cell retry beyond
// the single bootstrap-and-retry when no provider is known; resilience above
// that is composed by the caller.
func (d *Dispatcher) Dispatch(ctx context.Context, req mesh.Request) mesh.Response {
	start := time.Now()
	resp := d.dispatch(ctx, req)
	code := "OK"
	if resp.Error != nil {
		code = resp.Error.Code
	}
	observability.RecordDispatch(d.cfg.CellID, req.Payload.Capability, code, time.Since(start))
	return resp
}

func (d *Dispatcher) dispatch(ctx context.Context, req mesh.Request) mesh.Response {
	if err := req.Validate(); err != nil {
		return mesh.FailResponse(mesh.CodeValidationFailed, err.Error(), d.cfg.CellID, req.ID)
	}
	capability := req.Payload.Capability

	candidates := d.atlas.Candidates(capability)
	if len(candidates) == 0 && d.bootstrap != nil {
		// Self-healing discovery for a just-joined provider, not a failure.
		if err := d.bootstrap(true); err != nil {
			log.Warn().Str("cell", d.cfg.CellID).Err(err).Msg("dispatch bootstrap retry failed")
		}
		candidates = d.atlas.Candidates(capability)
	}
	if len(candidates) == 0 {
		return d.fail(req, mesh.CodeNotFound, "no provider advertises "+capability)
	}

	provider := d.cfg.Pick(candidates)
	return d.DispatchTo(ctx, provider, req)
}

// DispatchTo sends a request to one pinned provider, bypassing candidate
// selection. The negotiation ladder uses this once it has settled on a
// schema-compatible provider.
func (d *Dispatcher) DispatchTo(ctx context.Context, provider mesh.PeerRecord, req mesh.Request) mesh.Response {
	capability := req.Payload.Capability

	if provider.CellID == d.cfg.CellID && d.local != nil {
		return d.appendHopOnFailure(d.local.Dispatch(ctx, req), capability, provider.CellID)
	}

	callCtx, cancel := context.WithTimeout(ctx, d.cfg.CallTimeout)
	defer cancel()

	resp, err := d.client.Call(callCtx, provider.Address, req)
	if err != nil {
		code := mesh.CodeUnreachable
		if isTimeout(err) {
			code = mesh.CodeTimeout
		}
		log.Warn().
			Str("cell", d.cfg.CellID).
			Str("capability", capability).
			Str("provider", provider.CellID).
			Str("code", code).
			Err(err).
			Msg("dispatch transport failure")
		return d.fail(req, code, "provider "+provider.CellID+": "+err.Error())
	}

	return d.appendHopOnFailure(resp, capability, provider.CellID)
}

// NewRequest builds a fresh envelope for a capability, inheriting any parent
// trace from ctx. A paced atlas snapshot rides along so the receiver gets
// cheap anti-entropy on the hot path.
func (d *Dispatcher) NewRequest(ctx context.Context, capability string, args map[string]any) mesh.Request {
	req := mesh.Request{
		ID:     mesh.NewRequestID(),
		From:   d.cfg.CellID,
		Intent: "call/" + capability,
		Payload: mesh.Payload{
			Capability: capability,
			Args:       args,
		},
	}
	if parent := mesh.TraceFromContext(ctx); len(parent) > 0 {
		req.Trace = parent
		req = req.WithHop(d.cfg.CellID, "relay "+capability)
	}
	if d.shouldPiggyback(time.Now()) {
		req.Atlas = d.atlas.Snapshot()
	}
	return req
}

// shouldPiggyback admits at most one snapshot per PiggybackInterval across
// concurrent callers; the first request after startup always carries one.
func (d *Dispatcher) shouldPiggyback(now time.Time) bool {
	last := d.lastPiggyback.Load()
	if now.UnixMilli()-last < d.cfg.PiggybackInterval.Milliseconds() {
		return false
	}
	return d.lastPiggyback.CompareAndSwap(last, now.UnixMilli())
}

// fail builds a failing response whose history carries the request's hop
// chain so far, then this cell's own entry.
func (d *Dispatcher) fail(req mesh.Request, code, msg string) mesh.Response {
	history := append([]mesh.TraceEntry{}, req.Trace...)
	history = append(history, mesh.NewTraceEntry(d.cfg.CellID, msg))
	return mesh.Response{
		OK: false,
		Error: &mesh.WireError{
			Code:    code,
			Msg:     msg,
			From:    d.cfg.CellID,
			History: history,
		},
		CID: req.ID,
	}
}

// appendHopOnFailure adds this hop's context to a failing response's history.
// Prior entries are never replaced; nested failures stay visible as a
// sub-chain.
func (d *Dispatcher) appendHopOnFailure(resp mesh.Response, capability, provider string) mesh.Response {
	if resp.OK || resp.Error == nil {
		return resp
	}
	resp.Error.Append(d.cfg.CellID, "dispatch "+capability+" via "+provider)
	return resp
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr) && urlErr.Timeout()
}
