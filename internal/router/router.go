package router

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/danmuck/meshctl/internal/mesh"
	"github.com/rs/zerolog/log"
)

var (
	ErrNilHandler        = errors.New("router: nil handler")
	ErrDuplicateContract = errors.New("router: capability already registered")
)

// Handler executes one capability invocation. Args have passed input schema
// validation before a handler runs; the return value is validated against the
// output schema before it is wrapped.
type Handler func(ctx context.Context, args map[string]any) (any, error)

type entry struct {
	contract mesh.Contract
	handler  Handler
}

// Router is the per-cell table mapping capability names to validated
// handlers. Handlers may issue nested capability calls, so the table lock is
// never held across a handler invocation.
type Router struct {
	mu      sync.RWMutex
	cellID  string
	entries map[string]entry
}

func New(cellID string) *Router {
	return &Router{
		cellID:  cellID,
		entries: make(map[string]entry),
	}
}

// Register binds a contract to a handler. Contracts are immutable once
// registered; re-registering a name in the same cell is an error.
func (r *Router) Register(contract mesh.Contract, h Handler) error {
	if err := contract.Validate(); err != nil {
		return err
	}
	if h == nil {
		return fmt.Errorf("%w: %s", ErrNilHandler, contract.Name())
	}
	name := contract.Name()
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateContract, name)
	}
	r.entries[name] = entry{contract: contract, handler: h}
	log.Debug().Str("cell", r.cellID).Str("capability", name).Msg("capability registered")
	return nil
}

func (r *Router) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[name]
	return ok
}

func (r *Router) Contract(name string) (mesh.Contract, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return mesh.Contract{}, false
	}
	return e.contract, true
}

// Contracts returns registered contracts sorted by name.
func (r *Router) Contracts() []mesh.Contract {
	r.mu.RLock()
	out := make([]mesh.Contract, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.contract)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Capabilities returns the advertised form of every registered contract.
func (r *Router) Capabilities() []mesh.CapabilityInfo {
	contracts := r.Contracts()
	out := make([]mesh.CapabilityInfo, 0, len(contracts))
	for _, c := range contracts {
		out = append(out, c.Info())
	}
	return out
}

// Dispatch validates and executes one inbound request against the local
// table. Lookup and validation failures resolve here as typed responses, and
// a failing handler is trapped at this boundary as HANDLER_ERROR.
func (r *Router) Dispatch(ctx context.Context, req mesh.Request) mesh.Response {
	if err := req.Validate(); err != nil {
		return mesh.FailResponse(mesh.CodeValidationFailed, err.Error(), r.cellID, req.ID)
	}

	name := req.Payload.Capability
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return mesh.FailResponse(mesh.CodeNotFound, "no local handler for "+name, r.cellID, req.ID)
	}

	if err := e.contract.Input.Validate(req.Payload.Args); err != nil {
		log.Warn().
			Str("cell", r.cellID).
			Str("capability", name).
			Err(err).
			Msg("input rejected")
		return mesh.FailResponse(mesh.CodeValidationFailed, err.Error(), r.cellID, req.ID)
	}

	value, err := r.invoke(mesh.ContextWithTrace(ctx, req.Trace), e.handler, req.Payload.Args)
	if err != nil {
		var wireErr *mesh.WireError
		if errors.As(err, &wireErr) {
			// A nested dispatch already built a narrative; keep its sub-chain
			// visible instead of flattening it into a fresh error.
			history := append([]mesh.TraceEntry{}, wireErr.History...)
			history = append(history, mesh.NewTraceEntry(r.cellID, name+" relay failed: "+wireErr.Msg))
			return mesh.Response{
				OK: false,
				Error: &mesh.WireError{
					Code:    wireErr.Code,
					Msg:     wireErr.Msg,
					From:    wireErr.From,
					History: history,
				},
				CID: req.ID,
			}
		}
		log.Error().
			Str("cell", r.cellID).
			Str("capability", name).
			Err(err).
			Msg("handler failed")
		return mesh.FailResponse(mesh.CodeHandlerError, err.Error(), r.cellID, req.ID)
	}

	// A misbehaving handler must not leak the wrong shape.
	if err := e.contract.Output.ValidateValue(value); err != nil {
		log.Error().
			Str("cell", r.cellID).
			Str("capability", name).
			Err(err).
			Msg("handler output rejected")
		return mesh.FailResponse(
			mesh.CodeValidationFailed,
			"handler output: "+err.Error(),
			r.cellID,
			req.ID,
		)
	}

	return mesh.OkResponse(value, req.ID)
}

func (r *Router) invoke(ctx context.Context, h Handler, args map[string]any) (value any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()
	return h(ctx, args)
}
