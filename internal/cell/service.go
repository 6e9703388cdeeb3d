package cell

import (
	"context"
	"errors"
	"os/signal"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/danmuck/meshctl/internal/atlas"
	"github.com/danmuck/meshctl/internal/dispatch"
	"github.com/danmuck/meshctl/internal/gossip"
	"github.com/danmuck/meshctl/internal/mesh"
	"github.com/danmuck/meshctl/internal/negotiate"
	"github.com/danmuck/meshctl/internal/registry"
	"github.com/danmuck/meshctl/internal/router"
	"github.com/danmuck/meshctl/internal/transport"
	"github.com/rs/zerolog/log"
)

var (
	ErrInvalidCellID            = errors.New("cell: invalid cell id")
	ErrInvalidHeartbeatInterval = errors.New("cell: invalid heartbeat interval")
)

// Config configures one cell's standalone runtime.
type Config struct {
	CellID        string
	ListenAddr    string
	AdvertiseAddr string
	RegistryDir   string
	CorsOrigins   []string

	FreshFor          time.Duration
	HeartbeatInterval time.Duration
	AnnounceInterval  time.Duration
	IdleAfter         time.Duration

	CallTimeout         time.Duration
	SimilarityThreshold float64
	SpoolDir            string

	Gossip gossip.Config
}

func DefaultConfig() Config {
	return Config{
		CellID:            "cell.local",
		ListenAddr:        ":9400",
		RegistryDir:       filepath.Join("local", "registry"),
		FreshFor:          atlas.DefaultFreshFor,
		HeartbeatInterval: 5 * time.Second,
		Gossip:            gossip.DefaultConfig(),
	}
}

// Service runs the cell lifecycle as a standalone process: identity, atlas,
// registry bootstrap, gossip supervision, and the HTTP listener.
type Service struct {
	cfg        Config
	atlas      *atlas.Atlas
	registry   registry.Registry
	router     *router.Router
	client     *transport.Client
	dispatcher *dispatch.Dispatcher
	negotiator *negotiate.Negotiator
	server     *transport.Server
	propagator *gossip.Propagator

	boot         time.Time
	bootstrapped atomic.Bool
	lastActivity atomic.Int64
}

func NewService(cfg Config) (*Service, error) {
	if strings.TrimSpace(cfg.CellID) == "" {
		return nil, ErrInvalidCellID
	}
	if cfg.HeartbeatInterval <= 0 {
		return nil, ErrInvalidHeartbeatInterval
	}
	if strings.TrimSpace(cfg.AdvertiseAddr) == "" {
		cfg.AdvertiseAddr = cfg.ListenAddr
	}
	if cfg.AnnounceInterval <= 0 {
		cfg.AnnounceInterval = cfg.FreshFor / 2
		if cfg.AnnounceInterval <= 0 {
			cfg.AnnounceInterval = atlas.DefaultFreshFor / 2
		}
	}

	atl, err := atlas.New(cfg.CellID, cfg.FreshFor)
	if err != nil {
		return nil, err
	}
	reg, err := registry.NewFS(cfg.RegistryDir)
	if err != nil {
		return nil, err
	}

	capRouter := router.New(cfg.CellID)
	client := transport.NewClient(cfg.CallTimeout)

	svc := &Service{
		cfg:      cfg,
		atlas:    atl,
		registry: reg,
		router:   capRouter,
		client:   client,
		boot:     time.Now(),
	}
	svc.lastActivity.Store(time.Now().UnixMilli())

	svc.dispatcher = dispatch.New(
		dispatch.Config{CellID: cfg.CellID, CallTimeout: cfg.CallTimeout},
		atl,
		capRouter,
		client,
		svc.Bootstrap,
	)
	svc.negotiator = negotiate.New(
		negotiate.Config{CellID: cfg.CellID, SimilarityThreshold: cfg.SimilarityThreshold},
		atl,
		svc.dispatcher,
		client,
	)
	if strings.TrimSpace(cfg.SpoolDir) != "" {
		spool, err := negotiate.NewSpool(cfg.SpoolDir)
		if err != nil {
			return nil, err
		}
		svc.negotiator.WithEscalator(spool)
	}

	svc.server = transport.Appear(cfg.CellID, cfg.ListenAddr, servedRouter{svc}, atl, cfg.CorsOrigins)
	svc.server.SetDispatcher(servedDispatcher{svc})
	svc.propagator = gossip.NewPropagator(cfg.Gossip, atl, client)

	atl.SetSelf(svc.selfRecord())
	return svc, nil
}

// Register binds a capability contract and refreshes this cell's
// advertisement so peers learn the new capability on the next announce or
// gossip round.
func (s *Service) Register(contract mesh.Contract, h router.Handler) error {
	if err := s.router.Register(contract, h); err != nil {
		return err
	}
	s.atlas.SetSelf(s.selfRecord())
	if s.bootstrapped.Load() {
		if err := s.announce(); err != nil {
			log.Warn().Str("cell", s.cfg.CellID).Err(err).Msg("re-announce after register failed")
		}
	}
	return nil
}

// Bootstrap seeds the atlas from the registry medium and (re)writes this
// cell's own announcement. force bypasses the already-bootstrapped memo,
// which dependent cells need when they start before their dependencies
// finish initializing. An empty medium is success with a partial atlas.
func (s *Service) Bootstrap(force bool) error {
	if !force && s.bootstrapped.Load() {
		return nil
	}

	records, err := s.registry.List()
	if err != nil {
		return err
	}
	peers := make([]mesh.PeerRecord, 0, len(records))
	for _, rec := range records {
		peers = append(peers, rec.PeerRecord())
	}
	merged := s.atlas.Merge(peers...)

	if err := s.announce(); err != nil {
		return err
	}
	s.bootstrapped.Store(true)
	log.Info().
		Str("cell", s.cfg.CellID).
		Int("records", len(records)).
		Int("merged", merged).
		Int("atlas_size", s.atlas.Size()).
		Msg("bootstrap complete")
	return nil
}

func (s *Service) announce() error {
	s.atlas.TouchSelf()
	rec, _ := s.atlas.Get(s.cfg.CellID)
	return s.registry.Announce(registry.FromPeerRecord(rec))
}

func (s *Service) selfRecord() mesh.PeerRecord {
	return mesh.PeerRecord{
		CellID:       s.cfg.CellID,
		Address:      s.cfg.AdvertiseAddr,
		Capabilities: s.router.Capabilities(),
		BootTime:     s.boot,
	}
}

// Run blocks until process signal shutdown or idle self-stop.
func (s *Service) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return s.RunContext(ctx)
}

// RunContext is Run with caller-owned lifetime, used by tests and embedders.
func (s *Service) RunContext(ctx context.Context) error {
	if err := s.Bootstrap(false); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer s.shutdownCleanup()

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- s.server.Serve(ctx)
	}()
	go func() {
		_ = s.propagator.Run(ctx)
	}()

	log.Info().
		Str("cell", s.cfg.CellID).
		Str("addr", s.cfg.ListenAddr).
		Int("capabilities", len(s.router.Capabilities())).
		Msg("cell ready")

	return s.serve(ctx, cancel, serverErr)
}

func (s *Service) serve(ctx context.Context, cancel context.CancelFunc, serverErr <-chan error) error {
	heartbeat := time.NewTicker(s.cfg.HeartbeatInterval)
	defer heartbeat.Stop()
	announce := time.NewTicker(s.cfg.AnnounceInterval)
	defer announce.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("cell", s.cfg.CellID).Msg("cell shutdown")
			return nil
		case err := <-serverErr:
			if err != nil {
				return err
			}
			return nil
		case <-announce.C:
			if err := s.announce(); err != nil {
				log.Warn().Str("cell", s.cfg.CellID).Err(err).Msg("periodic announce failed")
			}
		case <-heartbeat.C:
			if s.idleExpired() {
				log.Info().
					Str("cell", s.cfg.CellID).
					Dur("idle_after", s.cfg.IdleAfter).
					Msg("idle period elapsed, self-stopping")
				cancel()
				continue
			}
			log.Info().
				Str("cell", s.cfg.CellID).
				Int("atlas_size", s.atlas.Size()).
				Int("peers", len(s.atlas.Peers())).
				Int("capabilities", len(s.router.Capabilities())).
				Msg("cell heartbeat")
		}
	}
}

// shutdownCleanup removes the registry record best-effort; the TTL staleness
// check covers a missed removal.
func (s *Service) shutdownCleanup() {
	if err := s.registry.Remove(s.cfg.CellID); err != nil {
		log.Warn().Str("cell", s.cfg.CellID).Err(err).Msg("registry cleanup failed")
	}
}

// servedRouter and servedDispatcher mark activity on every inbound call
// before delegating. A provider busy serving peer traffic is not idle, so the
// self-stop clock resets on served requests as well as issued ones.
type servedRouter struct{ svc *Service }

func (r servedRouter) Has(name string) bool {
	return r.svc.router.Has(name)
}

func (r servedRouter) Capabilities() []mesh.CapabilityInfo {
	return r.svc.router.Capabilities()
}

func (r servedRouter) Dispatch(ctx context.Context, req mesh.Request) mesh.Response {
	r.svc.markActivity()
	return r.svc.router.Dispatch(ctx, req)
}

type servedDispatcher struct{ svc *Service }

func (d servedDispatcher) Dispatch(ctx context.Context, req mesh.Request) mesh.Response {
	d.svc.markActivity()
	return d.svc.dispatcher.Dispatch(ctx, req)
}

func (s *Service) idleExpired() bool {
	if s.cfg.IdleAfter <= 0 {
		return false
	}
	last := time.UnixMilli(s.lastActivity.Load())
	return time.Since(last) > s.cfg.IdleAfter
}

func (s *Service) markActivity() {
	s.lastActivity.Store(time.Now().UnixMilli())
}

// Router exposes the local capability table.
func (s *Service) Router() *router.Router {
	return s.router
}

// Atlas exposes the topology cache.
func (s *Service) Atlas() *atlas.Atlas {
	return s.atlas
}

// Dispatcher exposes caller-side routing for embedders that compose their
// own resilience above it.
func (s *Service) Dispatcher() *dispatch.Dispatcher {
	return s.dispatcher
}

// Negotiator exposes the schema-degradation ladder.
func (s *Service) Negotiator() *negotiate.Negotiator {
	return s.negotiator
}
