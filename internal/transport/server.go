package transport

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/danmuck/meshctl/internal/atlas"
	"github.com/danmuck/meshctl/internal/mesh"
	"github.com/danmuck/meshctl/internal/node"
	"github.com/danmuck/meshctl/internal/observability"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Dispatcher is the caller-side routing boundary the bridge forwards to when
// a posted capability is not served locally.
type Dispatcher interface {
	Dispatch(ctx context.Context, req mesh.Request) mesh.Response
}

// CapabilityRouter is the local capability table the server dispatches into.
// Embedders may wrap it to observe inbound traffic.
type CapabilityRouter interface {
	Has(name string) bool
	Dispatch(ctx context.Context, req mesh.Request) mesh.Response
	Capabilities() []mesh.CapabilityInfo
}

// Server is a cell's HTTP listener: the peer wire (call/gossip) and the
// bridge surface for non-native clients that can never reach the atlas
// directly.
type Server struct {
	ID       string    `json:"id"`
	Addr     string    `json:"addr"`
	Appeared time.Time `json:"appeared"`

	engine     *gin.Engine
	capRouter  CapabilityRouter
	atlas      *atlas.Atlas
	dispatcher Dispatcher
	httpServer *http.Server
}

var _ node.Node = (*Server)(nil)

func Appear(id, addr string, capRouter CapabilityRouter, atl *atlas.Atlas, corsOrigins []string) *Server {
	observability.RegisterMetrics()
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetricsMiddleware(id))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(corsOrigins),
		AllowMethods: []string{"GET", "POST"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	return &Server{
		ID:        id,
		Addr:      addr,
		engine:    r,
		capRouter: capRouter,
		atlas:     atl,
		Appeared:  time.Now(),
	}
}

func (s *Server) NodeID() string {
	return s.ID
}

func (s *Server) Kind() string {
	return "cell"
}

func (s *Server) HTTPRouter() *gin.Engine {
	return s.engine
}

// SetDispatcher wires the bridge fallback. Without it, /mesh/call serves only
// local capabilities.
func (s *Server) SetDispatcher(d Dispatcher) {
	s.dispatcher = d
}

type callBody struct {
	mesh.Request
	Capability string         `json:"capability"`
	Args       map[string]any `json:"args"`
}

type gossipBody struct {
	From  string            `json:"from"`
	Atlas []mesh.PeerRecord `json:"atlas"`
}

func (s *Server) RegisterRoutes() {
	s.engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.Appeared).String(),
			"cell":    s.ID,
			"version": "0.0.1",
		})
	})

	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.engine.GET("/ready", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"ready":   true,
			"uptime":  time.Since(s.Appeared).String(),
			"cell":    s.ID,
			"version": "0.0.1",
		})
	})

	s.engine.POST("/mesh/call", func(c *gin.Context) {
		var body callBody
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, mesh.FailResponse(
				mesh.CodeValidationFailed, "malformed call body: "+err.Error(), s.ID, ""))
			return
		}
		req := s.normalizeCall(body)

		// Piggybacked snapshots are cheap anti-entropy on the hot path.
		if len(req.Atlas) > 0 {
			s.atlas.Merge(req.Atlas...)
		}

		c.JSON(http.StatusOK, s.serveCall(c.Request.Context(), req))
	})

	s.engine.POST("/mesh/gossip", func(c *gin.Context) {
		var body gossipBody
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "malformed gossip body"})
			return
		}
		merged := s.atlas.Merge(body.Atlas...)
		log.Debug().
			Str("cell", s.ID).
			Str("peer", body.From).
			Int("offered", len(body.Atlas)).
			Int("merged", merged).
			Msg("gossip_exchange")
		c.JSON(http.StatusOK, gossipBody{From: s.ID, Atlas: s.atlas.Snapshot()})
	})

	s.engine.POST("/mesh/atlas", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"atlas": s.atlas.Snapshot()})
	})

	s.engine.GET("/mesh/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"cellId":    s.ID,
			"address":   s.Addr,
			"atlasSize": s.atlas.Size(),
			"peers":     len(s.atlas.Peers()),
		})
	})

	s.engine.GET("/mesh/contracts", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"capabilities": s.capRouter.Capabilities()})
	})
}

// normalizeCall accepts both a full request envelope (peer wire) and the
// bare bridge form {capability, args}.
func (s *Server) normalizeCall(body callBody) mesh.Request {
	req := body.Request
	if req.Payload.Capability == "" && body.Capability != "" {
		req.Payload = mesh.Payload{Capability: body.Capability, Args: body.Args}
	}
	if req.ID == "" {
		req.ID = mesh.NewRequestID()
	}
	if req.From == "" {
		req.From = "bridge@" + s.ID
	}
	return req
}

func (s *Server) serveCall(ctx context.Context, req mesh.Request) mesh.Response {
	if s.capRouter.Has(req.Payload.Capability) {
		return s.capRouter.Dispatch(ctx, req)
	}
	if s.dispatcher != nil {
		return s.dispatcher.Dispatch(ctx, req)
	}
	return mesh.FailResponse(
		mesh.CodeNotFound,
		"no local handler for "+req.Payload.Capability,
		s.ID,
		req.ID,
	)
}

// Serve blocks until ctx is done, then shuts the listener down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	s.RegisterRoutes()
	s.httpServer = &http.Server{Addr: s.Addr, Handler: s.engine}

	errCh := make(chan error, 1)
	go func() {
		err := s.httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
