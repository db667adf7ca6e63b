package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/PhantasyServer/pso2-protocol-lib/internal/proxy"
)

func (s *Server) requireLive(c *gin.Context) bool {
	if s.live == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "proxy is not running"})
		return false
	}
	return true
}

// handleLiveSessions lists the sessions the proxy is relaying right now.
func (s *Server) handleLiveSessions(c *gin.Context) {
	if !s.requireLive(c) {
		return
	}
	sessions := s.live.Sessions()
	c.JSON(http.StatusOK, gin.H{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

// handleKillSession disconnects both ends of a live session.
func (s *Server) handleKillSession(c *gin.Context) {
	if !s.requireLive(c) {
		return
	}
	id := c.Param("id")
	if err := s.live.Kill(id); err != nil {
		if errors.Is(err, proxy.ErrUnknownSession) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not live"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	log.Info().Str("session", id).Str("client_ip", c.ClientIP()).Msg("API: session killed")
	c.JSON(http.StatusAccepted, gin.H{
		"status":  "killing",
		"session": id,
	})
}
