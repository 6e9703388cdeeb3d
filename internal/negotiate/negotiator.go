package negotiate

import (
	"context"
	"errors"
	"fmt"

	"github.com/danmuck/meshctl/internal/atlas"
	"github.com/danmuck/meshctl/internal/dispatch"
	"github.com/danmuck/meshctl/internal/mesh"
	"github.com/danmuck/meshctl/internal/schema"
	"github.com/danmuck/meshctl/internal/transport"
	"github.com/rs/zerolog/log"
)

var ErrNoEscalator = errors.New("negotiate: no escalator configured")

// DefaultSimilarityThreshold gates assisted translation: below it two schemas
// are considered unrelated and assistance is not even attempted.
const DefaultSimilarityThreshold = 0.5

// AssistFunc proposes a cross-schema translation of args. Its output is never
// forwarded without explicit confirmation.
type AssistFunc func(ctx context.Context, capability string, args map[string]any, target schema.Schema) (map[string]any, error)

// ConfirmFunc approves or rejects an assisted translation before it is sent.
type ConfirmFunc func(ctx context.Context, capability string, original, translated map[string]any) (bool, error)

type Config struct {
	CellID              string
	SimilarityThreshold float64
}

func (c Config) WithDefaults() Config {
	if c.SimilarityThreshold <= 0 {
		c.SimilarityThreshold = DefaultSimilarityThreshold
	}
	return c
}

// CallOptions mark per-call negotiation behavior. Critical calls that exhaust
// the ladder are escalated out-of-band instead of silently failing.
type CallOptions struct {
	Critical bool
}

// Negotiator is the escalation ladder for calls with no exact schema match.
// Each rung is attempted only if the prior rung found no match.
type Negotiator struct {
	cfg        Config
	atlas      *atlas.Atlas
	dispatcher *dispatch.Dispatcher
	client     *transport.Client
	assist     AssistFunc
	confirm    ConfirmFunc
	escalator  Escalator
}

func New(cfg Config, atl *atlas.Atlas, d *dispatch.Dispatcher, client *transport.Client) *Negotiator {
	return &Negotiator{
		cfg:        cfg.WithDefaults(),
		atlas:      atl,
		dispatcher: d,
		client:     client,
	}
}

// WithAssist wires the assisted-translation hook pair. Both are required for
// rung 3; with either missing the rung is skipped entirely.
func (n *Negotiator) WithAssist(assist AssistFunc, confirm ConfirmFunc) *Negotiator {
	n.assist = assist
	n.confirm = confirm
	return n
}

func (n *Negotiator) WithEscalator(esc Escalator) *Negotiator {
	n.escalator = esc
	return n
}

// Call runs the ladder for one capability invocation.
func (n *Negotiator) Call(ctx context.Context, capability string, args map[string]any, opts CallOptions) mesh.Response {
	candidates := n.atlas.Candidates(capability)
	if len(candidates) == 0 {
		// No provider at all: plain dispatch owns the bootstrap-and-retry
		// and the NOT_FOUND outcome.
		return n.dispatcher.Call(ctx, capability, args)
	}

	// Rung 1: a provider whose declared input accepts the args as-is.
	for _, candidate := range candidates {
		info, ok := candidate.Capability(capability)
		if !ok {
			continue
		}
		if info.Input.Validate(args) == nil {
			return n.dispatcher.DispatchTo(ctx, candidate, n.dispatcher.NewRequest(ctx, capability, args))
		}
	}

	// Rung 2: probe declared schemas and translate deterministically through
	// the canonical field form.
	for _, candidate := range candidates {
		target, ok := n.declaredInput(ctx, candidate, capability)
		if !ok {
			continue
		}
		translated, ok := schema.Translate(args, target)
		if !ok || target.Validate(translated) != nil {
			continue
		}
		log.Info().
			Str("cell", n.cfg.CellID).
			Str("capability", capability).
			Str("provider", candidate.CellID).
			Msg("negotiated deterministic translation")
		return n.dispatcher.DispatchTo(ctx, candidate, n.dispatcher.NewRequest(ctx, capability, translated))
	}

	// Rung 3: assisted translation, gated on similarity and explicit
	// confirmation. Never auto-applied.
	if resp, ok := n.assisted(ctx, capability, args, candidates); ok {
		return resp
	}

	// Rung 4: critical calls leave the mesh for an out-of-band operator
	// channel as a last resort.
	if opts.Critical {
		return n.escalate(ctx, capability, args)
	}

	// Rung 5.
	return n.fail(capability, "no provider speaks a compatible schema for "+capability)
}

func (n *Negotiator) assisted(ctx context.Context, capability string, args map[string]any, candidates []mesh.PeerRecord) (mesh.Response, bool) {
	if n.assist == nil || n.confirm == nil {
		return mesh.Response{}, false
	}
	callerShape := schema.Infer(args)

	for _, candidate := range candidates {
		target, ok := n.declaredInput(ctx, candidate, capability)
		if !ok {
			continue
		}
		score := schema.Similarity(callerShape, target)
		if score < n.cfg.SimilarityThreshold {
			continue
		}

		translated, err := n.assist(ctx, capability, args, target)
		if err != nil {
			log.Warn().
				Str("cell", n.cfg.CellID).
				Str("capability", capability).
				Err(err).
				Msg("assisted translation failed")
			continue
		}
		if target.Validate(translated) != nil {
			continue
		}

		confirmed, err := n.confirm(ctx, capability, args, translated)
		if err != nil || !confirmed {
			log.Warn().
				Str("cell", n.cfg.CellID).
				Str("capability", capability).
				Str("provider", candidate.CellID).
				Bool("confirmed", confirmed).
				Msg("assisted translation not confirmed, dropped")
			continue
		}

		return n.dispatcher.DispatchTo(ctx, candidate, n.dispatcher.NewRequest(ctx, capability, translated)), true
	}
	return mesh.Response{}, false
}

func (n *Negotiator) escalate(ctx context.Context, capability string, args map[string]any) mesh.Response {
	if n.escalator == nil {
		return n.fail(capability, "critical call unmatched and no escalation channel configured")
	}
	ticket := NewTicket(n.cfg.CellID, capability, args, "no compatible schema on the mesh")
	if err := n.escalator.Escalate(ctx, ticket); err != nil {
		log.Error().
			Str("cell", n.cfg.CellID).
			Str("capability", capability).
			Err(err).
			Msg("escalation failed")
		return n.fail(capability, "escalation failed: "+err.Error())
	}
	log.Warn().
		Str("cell", n.cfg.CellID).
		Str("capability", capability).
		Str("ticket", ticket.ID).
		Msg("critical call escalated out-of-band")
	return n.fail(capability, fmt.Sprintf("no compatible schema; escalated as ticket %s", ticket.ID))
}

// declaredInput prefers the atlas-advertised schema and falls back to a live
// probe of the provider.
func (n *Negotiator) declaredInput(ctx context.Context, candidate mesh.PeerRecord, capability string) (schema.Schema, bool) {
	if info, ok := candidate.Capability(capability); ok && info.Input.IsObject() && len(info.Input.Fields) > 0 {
		return info.Input, true
	}
	infos, err := n.client.Probe(ctx, candidate.Address)
	if err != nil {
		log.Debug().
			Str("cell", n.cfg.CellID).
			Str("peer", candidate.CellID).
			Err(err).
			Msg("schema probe failed")
		return schema.Schema{}, false
	}
	for _, info := range infos {
		if info.Name == capability {
			return info.Input, true
		}
	}
	return schema.Schema{}, false
}

func (n *Negotiator) fail(capability, msg string) mesh.Response {
	return mesh.FailResponse(mesh.CodeNoProtocolMatch, msg, n.cfg.CellID, "")
}
