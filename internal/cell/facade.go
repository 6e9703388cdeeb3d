package cell

import (
	"context"

	"github.com/danmuck/meshctl/internal/mesh"
	"github.com/danmuck/meshctl/internal/negotiate"
)

// Mesh is the ergonomic call surface over the dispatcher: a two-level
// namespace/method accessor instead of string capability names. This is the
// native in-process variant with direct atlas access; remote clients use the
// bridge package against a single cell's bridge endpoints instead.
type Mesh struct {
	svc *Service
}

func (s *Service) Mesh() *Mesh {
	return &Mesh{svc: s}
}

// Call dispatches a fully qualified capability name "namespace/method".
func (m *Mesh) Call(ctx context.Context, capability string, args map[string]any) mesh.Response {
	m.svc.markActivity()
	return m.svc.dispatcher.Call(ctx, capability, args)
}

// Negotiate dispatches through the schema-degradation ladder instead of
// requiring an exact match.
func (m *Mesh) Negotiate(ctx context.Context, capability string, args map[string]any, opts negotiate.CallOptions) mesh.Response {
	m.svc.markActivity()
	return m.svc.negotiator.Call(ctx, capability, args, opts)
}

// Namespace scopes calls to one capability namespace.
func (m *Mesh) Namespace(ns string) Namespace {
	return Namespace{m: m, ns: ns}
}

type Namespace struct {
	m  *Mesh
	ns string
}

func (n Namespace) Call(ctx context.Context, method string, args map[string]any) mesh.Response {
	return n.m.Call(ctx, n.ns+"/"+method, args)
}

// Query is Call under the advisory query mode convention: side-effect-free
// and cacheable by the caller. The router does not enforce it.
func (n Namespace) Query(ctx context.Context, method string, args map[string]any) mesh.Response {
	return n.m.Call(ctx, n.ns+"/"+method, args)
}
