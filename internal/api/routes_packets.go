package api

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/PhantasyServer/pso2-protocol-lib/internal/protocol"
	"github.com/PhantasyServer/pso2-protocol-lib/internal/serde"
	"github.com/PhantasyServer/pso2-protocol-lib/internal/worker"
)

type codecRequest struct {
	PacketType string `json:"packet_type" binding:"required"`
	Format     string `json:"format"`
}

func (r codecRequest) worker() (*worker.Worker, error) {
	pt, err := protocol.ParsePacketType(r.PacketType)
	if err != nil {
		return nil, err
	}
	f := serde.JSON
	if r.Format != "" {
		if f, err = serde.ParseFormat(r.Format); err != nil {
			return nil, err
		}
	}
	return worker.New(pt, f), nil
}

type parseRequest struct {
	codecRequest
	// Data is the hex encoded wire bytes, possibly several frames.
	Data string `json:"data" binding:"required"`
}

// handleParsePackets decodes every frame in the request. JSON output is
// embedded as is, binary formats are base64 encoded.
func (s *Server) handleParsePackets(c *gin.Context) {
	var req parseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	w, err := req.worker()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	raw, err := hex.DecodeString(strings.Join(strings.Fields(req.Data), ""))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "data is not valid hex"})
		return
	}

	out := make([]interface{}, 0, 1)
	for next := raw; ; next = nil {
		ser, err := w.ParsePacket(next)
		if err != nil {
			c.JSON(http.StatusUnprocessableEntity, gin.H{
				"error":  err.Error(),
				"parsed": len(out),
			})
			return
		}
		if w.Format() == serde.JSON {
			out = append(out, json.RawMessage(ser))
		} else {
			out = append(out, base64.StdEncoding.EncodeToString(ser))
		}
		if w.Pending() == 0 {
			break
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"packet_type": w.PacketType(),
		"format":      w.Format(),
		"packets":     out,
		"count":       len(out),
	})
}

type createRequest struct {
	codecRequest
	// Packet carries a JSON serialized packet.
	Packet json.RawMessage `json:"packet"`
	// Data carries a base64 serialized packet for the binary formats.
	Data string `json:"data"`
}

func (s *Server) handleCreatePacket(c *gin.Context) {
	var req createRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	w, err := req.worker()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var ser []byte
	switch {
	case w.Format() == serde.JSON && len(req.Packet) > 0:
		ser = req.Packet
	case req.Data != "":
		if ser, err = base64.StdEncoding.DecodeString(req.Data); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "data is not valid base64"})
			return
		}
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "packet or data is required"})
		return
	}

	raw, err := w.CreatePacket(ser)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"data":   hex.EncodeToString(raw),
		"length": len(raw),
	})
}

// handleCatalog lists known packets, optionally only those available for one
// packet type or in one category.
func (s *Server) handleCatalog(c *gin.Context) {
	var only string
	if q := c.Query("packet_type"); q != "" {
		pt, err := protocol.ParsePacketType(q)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		text, _ := pt.MarshalText()
		only = string(text)
	}
	category := c.Query("category")

	variants := make([]protocol.Variant, 0)
	for _, v := range protocol.Variants() {
		if category != "" && !strings.EqualFold(v.Category.String(), category) {
			continue
		}
		if only != "" && !contains(v.Types, only) {
			continue
		}
		variants = append(variants, v)
	}

	c.JSON(http.StatusOK, gin.H{
		"packets": variants,
		"count":   len(variants),
	})
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
