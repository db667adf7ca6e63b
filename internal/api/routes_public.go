package api

import (
	"net/http"

	"github.com/dustin/go-humanize"
	"github.com/gin-gonic/gin"

	"github.com/PhantasyServer/pso2-protocol-lib/internal/scheduler"
	"github.com/PhantasyServer/pso2-protocol-lib/internal/util"
	"github.com/PhantasyServer/pso2-protocol-lib/internal/worker"
)

func (s *Server) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":           "ok",
		"service":          "pso2proxy",
		"api_version":      worker.APIVersion,
		"protocol_version": worker.ProtocolVersion,
	})
}

// handleStatus reports host load, live sessions and capture usage.
func (s *Server) handleStatus(c *gin.Context) {
	proxyCfg := s.cfg.GetProxy()
	captures, size := scheduler.CaptureStats(proxyCfg.CaptureDir)

	live := 0
	if s.live != nil {
		live = len(s.live.Sessions())
	}

	c.JSON(http.StatusOK, gin.H{
		"system":        util.GetSystemInfo(),
		"host":          util.GetHostStats(proxyCfg.CaptureDir),
		"packet_type":   proxyCfg.PacketType,
		"upstream":      proxyCfg.UpstreamAddr,
		"live_sessions": live,
		"max_sessions":  proxyCfg.MaxSessions,
		"captures": gin.H{
			"count":      captures,
			"bytes":      size,
			"human_size": humanize.Bytes(uint64(size)),
		},
	})
}
