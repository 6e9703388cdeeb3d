package gossip

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/danmuck/meshctl/internal/atlas"
	"github.com/danmuck/meshctl/internal/observability"
	"github.com/danmuck/meshctl/internal/transport"
	"github.com/rs/zerolog/log"
)

var ErrInvalidInterval = errors.New("gossip: invalid interval")

const (
	DefaultInterval = 5 * time.Second
	DefaultFanout   = 3
)

type Config struct {
	Interval        time.Duration
	Fanout          int
	ExchangeTimeout time.Duration
	Backoff         BackoffConfig
}

func DefaultConfig() Config {
	return Config{
		Interval:        DefaultInterval,
		Fanout:          DefaultFanout,
		ExchangeTimeout: 3 * time.Second,
		Backoff:         DefaultBackoffConfig(),
	}
}

func (c Config) WithDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.Fanout <= 0 {
		c.Fanout = DefaultFanout
	}
	if c.ExchangeTimeout <= 0 {
		c.ExchangeTimeout = 3 * time.Second
	}
	if c.Backoff.InitialDelay <= 0 {
		c.Backoff = DefaultBackoffConfig()
	}
	return c
}

// Propagator keeps the atlas converging after bootstrap by periodically
// exchanging snapshots with known peers. Merge is last-writer-wins by the
// entry's own timestamp, so eventual consistency holds under delay with no
// election or consensus round.
type Propagator struct {
	cfg    Config
	atlas  *atlas.Atlas
	client *transport.Client

	mu         sync.Mutex
	failures   map[string]int
	deferUntil map[string]time.Time
}

func NewPropagator(cfg Config, atl *atlas.Atlas, client *transport.Client) *Propagator {
	return &Propagator{
		cfg:        cfg.WithDefaults(),
		atlas:      atl,
		client:     client,
		failures:   make(map[string]int),
		deferUntil: make(map[string]time.Time),
	}
}

// Run drives gossip rounds on a fixed interval until ctx is done.
func (p *Propagator) Run(ctx context.Context) error {
	if p.cfg.Interval <= 0 {
		return ErrInvalidInterval
	}
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("cell", p.atlas.SelfID()).Msg("gossip stopped")
			return nil
		case <-ticker.C:
			p.Round(ctx)
		}
	}
}

// Round performs one gossip pass: offer the local snapshot to up to Fanout
// fresh peers and merge whatever each returns.
func (p *Propagator) Round(ctx context.Context) {
	p.atlas.TouchSelf()
	peers := p.atlas.Peers()
	if len(peers) == 0 {
		return
	}

	now := time.Now()
	contacted := 0
	for _, peer := range peers {
		if contacted >= p.cfg.Fanout {
			break
		}
		if p.deferred(peer.CellID, now) {
			continue
		}
		contacted++
		p.exchange(ctx, peer.CellID, peer.Address)
	}
}

func (p *Propagator) exchange(ctx context.Context, peerID, addr string) {
	exCtx, cancel := context.WithTimeout(ctx, p.cfg.ExchangeTimeout)
	defer cancel()

	remote, err := p.client.Exchange(exCtx, addr, p.atlas.SelfID(), p.atlas.Snapshot())
	if err != nil {
		p.recordFailure(peerID)
		observability.RecordGossipRound(p.atlas.SelfID(), false)
		log.Warn().
			Str("cell", p.atlas.SelfID()).
			Str("peer", peerID).
			Err(err).
			Msg("gossip exchange failed")
		return
	}

	p.clearFailure(peerID)
	merged := p.atlas.Merge(remote...)
	observability.RecordGossipRound(p.atlas.SelfID(), true)
	log.Debug().
		Str("cell", p.atlas.SelfID()).
		Str("peer", peerID).
		Int("received", len(remote)).
		Int("merged", merged).
		Msg("gossip exchange ok")
}

// deferred reports whether a peer is inside its failure backoff window.
func (p *Propagator) deferred(peerID string, now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	until, ok := p.deferUntil[peerID]
	return ok && now.Before(until)
}

func (p *Propagator) recordFailure(peerID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures[peerID]++
	delay := NextBackoffDelay(p.cfg.Backoff, p.failures[peerID], nil)
	p.deferUntil[peerID] = time.Now().Add(delay)
}

func (p *Propagator) clearFailure(peerID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.failures, peerID)
	delete(p.deferUntil, peerID)
}
