package api

import (
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/PhantasyServer/pso2-protocol-lib/internal/config"
)

// handleGetConfig returns the current configuration with the API token
// redacted.
func (s *Server) handleGetConfig(c *gin.Context) {
	apiCfg := s.cfg.GetAPI()
	if apiCfg.AuthToken != "" {
		apiCfg.AuthToken = "********"
	}
	c.JSON(http.StatusOK, gin.H{
		"proxy":             s.cfg.GetProxy(),
		"api":               apiCfg,
		"mqtt":              s.cfg.GetMQTT(),
		"database":          s.cfg.GetDatabase(),
		"capture_retention": s.cfg.GetRetention(),
		"logging":           s.cfg.GetLogging(),
	})
}

// handlePatchProxyConfig updates proxy fields by JSON key. The whole patch is
// rolled back when any key is unknown or the result does not validate. The
// running proxy picks the change up on restart.
func (s *Server) handlePatchProxyConfig(c *gin.Context) {
	var body map[string]interface{}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(body) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no fields to update"})
		return
	}

	keys := make([]string, 0, len(body))
	for k := range body {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	previous := s.cfg.GetProxy()
	for _, k := range keys {
		if err := s.cfg.UpdateProxyField(k, body[k]); err != nil {
			s.cfg.SetProxy(previous)
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	result := config.Validate(s.cfg)
	if !result.IsValid() {
		s.cfg.SetProxy(previous)
		c.JSON(http.StatusBadRequest, gin.H{
			"error":  "invalid configuration",
			"errors": result.Errors,
		})
		return
	}

	if err := s.cfg.Save(); err != nil {
		s.cfg.SetProxy(previous)
		log.Error().Err(err).Msg("failed to save config")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save config"})
		return
	}

	log.Info().Strs("fields", keys).Str("client_ip", c.ClientIP()).Msg("API: proxy config updated")
	c.JSON(http.StatusOK, gin.H{
		"status":           "updated",
		"fields":           keys,
		"proxy":            s.cfg.GetProxy(),
		"warnings":         result.Warnings,
		"restart_required": true,
	})
}
