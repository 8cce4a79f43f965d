// Package server bridges a desk session onto HTTP and a websocket feed, for
// home automation systems and browser dashboards.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/mlsorensen/godesk"
)

// State is the desk as reported to HTTP and websocket clients.
type State struct {
	Name        string          `json:"name"`
	DisplayName string          `json:"display_name"`
	Available   bool            `json:"available"`
	Position    *int            `json:"position"`
	Snapshot    godesk.Snapshot `json:"snapshot"`
}

// NewState derives the client view of snap. Position is only reported once a
// height is known.
func NewState(desk godesk.Desk, cfg godesk.Config, snap godesk.Snapshot) State {
	st := State{
		Name:        desk.DeviceName(),
		DisplayName: desk.DisplayName(),
		Available:   snap.Phase == godesk.PhaseReady,
		Snapshot:    snap,
	}
	if snap.Height != nil {
		pos := cfg.Position(*snap.Height)
		st.Position = &pos
	}
	return st
}

// Server serves one desk.
type Server struct {
	desk   godesk.Desk
	cfg    godesk.Config
	hub    *Hub
	router *gin.Engine
	ctx    context.Context
	cancel context.CancelFunc
}

// New builds the router and starts the websocket hub. Call Shutdown to stop it.
func New(desk godesk.Desk, cfg godesk.Config) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		desk:   desk,
		cfg:    cfg,
		hub:    NewHub(desk, cfg),
		ctx:    ctx,
		cancel: cancel,
	}

	go s.hub.Run(ctx)

	s.router = gin.New()
	s.router.Use(gin.Recovery())

	// CORS middleware
	s.router.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type")
		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	})

	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "clients": s.hub.ClientCount()})
	})

	api := s.router.Group("/api")
	api.GET("/desk", s.getDesk)
	api.POST("/desk/commands", s.sendCommand)

	s.router.GET("/ws", s.hub.Handle(ctx))

	return s
}

func (s *Server) getDesk(c *gin.Context) {
	c.JSON(http.StatusOK, NewState(s.desk, s.cfg, s.desk.Snapshot()))
}

func (s *Server) sendCommand(c *gin.Context) {
	var cmd Command
	if err := c.ShouldBindJSON(&cmd); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := Execute(c.Request.Context(), s.desk, cmd); err != nil {
		log.WithField("action", cmd.Action).Debugf("command rejected: %v", err)
		c.JSON(StatusFor(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "sent", "action": cmd.Action})
}

// Handler returns the router, mostly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Hub returns the websocket hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Run serves HTTP on addr until ctx ends, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("[Server] HTTP server listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		s.Shutdown()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.Shutdown()
	return err
}

// Shutdown stops the websocket hub and closes every client.
func (s *Server) Shutdown() {
	s.cancel()
	log.Println("[Server] WebSocket hub stopped")
}
