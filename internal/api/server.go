package api

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/PhantasyServer/pso2-protocol-lib/internal/config"
	"github.com/PhantasyServer/pso2-protocol-lib/internal/db"
	intnet "github.com/PhantasyServer/pso2-protocol-lib/internal/network"
	"github.com/PhantasyServer/pso2-protocol-lib/internal/proxy"
	"github.com/PhantasyServer/pso2-protocol-lib/internal/util"
)

// LiveSessions is the part of the proxy the API reads and controls.
type LiveSessions interface {
	Sessions() []proxy.Info
	Kill(id string) error
}

// Server is the inspection API.
type Server struct {
	cfg   *config.Config
	index *db.CaptureIndex
	live  LiveSessions

	httpServer *http.Server
	router     *gin.Engine
}

// NewServer creates a new API server. index and live may be nil, in which
// case the routes that need them answer 503.
func NewServer(cfg *config.Config, index *db.CaptureIndex, live LiveSessions) *Server {
	if cfg.GetLogging().Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	return &Server{
		cfg:   cfg,
		index: index,
		live:  live,
	}
}

// Handler returns the router, building it on first use.
func (s *Server) Handler() http.Handler {
	if s.router == nil {
		s.router = s.buildRouter()
	}
	return s.router
}

// Start serves the API until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	apiCfg := s.cfg.GetAPI()
	addr := fmt.Sprintf(":%d", apiCfg.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	if apiCfg.TLSEnabled {
		certFile, keyFile := apiCfg.TLSCertFile, apiCfg.TLSKeyFile
		if certFile == "" || keyFile == "" {
			dir := filepath.Join(config.DefaultConfigDir, "tls")
			certFile, keyFile = filepath.Join(dir, "api.crt"), filepath.Join(dir, "api.key")
		}
		created, err := util.EnsureSelfSignedCert(certFile, keyFile)
		if err != nil {
			return fmt.Errorf("failed to prepare TLS certificate: %w", err)
		}
		if created {
			log.Warn().Str("cert", certFile).Msg("generated self-signed API certificate")
		}
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return fmt.Errorf("failed to load TLS certificate: %w", err)
		}
		s.httpServer.TLSConfig = &tls.Config{
			MinVersion:   tls.VersionTLS12,
			Certificates: []tls.Certificate{cert},
		}
	}

	lc := intnet.ReuseAddrListenConfig()
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("API server error: %w", err)
	}

	log.Info().Str("addr", addr).Bool("tls", apiCfg.TLSEnabled).Msg("REST API server starting")

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if s.httpServer.TLSConfig != nil {
		err = s.httpServer.Serve(tls.NewListener(ln, s.httpServer.TLSConfig))
	} else {
		err = s.httpServer.Serve(ln)
	}
	if err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("API server error: %w", err)
	}
	return nil
}

func (s *Server) buildRouter() *gin.Engine {
	apiCfg := s.cfg.GetAPI()
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(RequestLogger())
	router.Use(SecurityHeaders())

	allowedOrigins := apiCfg.AllowedOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length", "Content-Disposition"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	router.Use(NewRateLimiter(apiCfg.RateLimitRPS).Middleware())

	public := router.Group("/api/public")
	{
		public.GET("/ping", s.handlePing)
		public.GET("/status", s.handleStatus)
	}

	protected := router.Group("/api")
	protected.Use(RequireToken(apiCfg.AuthToken))

	packets := protected.Group("/packets")
	{
		packets.POST("/parse", s.handleParsePackets)
		packets.POST("/create", s.handleCreatePacket)
		packets.GET("/catalog", s.handleCatalog)
	}

	sessions := protected.Group("/sessions")
	{
		sessions.GET("", s.handleListSessions)
		sessions.GET("/live", s.handleLiveSessions)
		sessions.DELETE("/live/:id", s.handleKillSession)
		sessions.GET("/:id", s.handleGetSession)
		sessions.GET("/:id/packets", s.handleSessionPackets)
		sessions.GET("/:id/capture", s.handleDownloadCapture)
	}

	protected.GET("/logs", s.handleGetLogEntries)
	protected.GET("/config", s.handleGetConfig)
	protected.PATCH("/config/proxy", s.handlePatchProxyConfig)

	router.NoRoute(func(c *gin.Context) {
		if strings.HasPrefix(c.Request.URL.Path, "/api/") {
			c.JSON(http.StatusNotFound, gin.H{"error": "endpoint not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "pso2proxy API is running"})
	})

	return router
}

// Stop gracefully stops the API server.
func (s *Server) Stop() error {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
