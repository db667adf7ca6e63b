package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/PhantasyServer/pso2-protocol-lib/internal/db"
)

func queryInt(c *gin.Context, key string, def, max int) int {
	n, err := strconv.Atoi(c.DefaultQuery(key, strconv.Itoa(def)))
	if err != nil || n < 0 {
		return def
	}
	if max > 0 && n > max {
		return max
	}
	return n
}

func (s *Server) requireIndex(c *gin.Context) bool {
	if s.index == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "capture index is not available"})
		return false
	}
	return true
}

// handleListSessions returns indexed sessions, newest first.
func (s *Server) handleListSessions(c *gin.Context) {
	if !s.requireIndex(c) {
		return
	}
	sessions, err := s.index.Sessions(c.Request.Context(), queryInt(c, "limit", 100, 1000))
	if err != nil {
		log.Error().Err(err).Msg("failed to list sessions")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list sessions"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

func (s *Server) handleGetSession(c *gin.Context) {
	if !s.requireIndex(c) {
		return
	}
	session, err := s.index.Session(c.Request.Context(), c.Param("id"))
	if errors.Is(err, db.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, session)
}

func (s *Server) handleSessionPackets(c *gin.Context) {
	if !s.requireIndex(c) {
		return
	}
	id := c.Param("id")
	if _, err := s.index.Session(c.Request.Context(), id); errors.Is(err, db.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}

	limit := queryInt(c, "limit", 500, 5000)
	offset := queryInt(c, "offset", 0, 0)
	rows, err := s.index.Packets(c.Request.Context(), id, c.Query("name"), limit, offset)
	if err != nil {
		log.Error().Err(err).Str("session", id).Msg("failed to list packets")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list packets"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"packets": rows,
		"count":   len(rows),
		"offset":  offset,
	})
}

// handleDownloadCapture serves a session's PPAC file. Only files under the
// configured capture directory are served.
func (s *Server) handleDownloadCapture(c *gin.Context) {
	if !s.requireIndex(c) {
		return
	}
	session, err := s.index.Session(c.Request.Context(), c.Param("id"))
	if errors.Is(err, db.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if session.CapturePath == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "session has no capture"})
		return
	}

	path, ok := withinDir(s.cfg.GetProxy().CaptureDir, session.CapturePath)
	if !ok {
		c.JSON(http.StatusForbidden, gin.H{"error": "capture is outside the capture directory"})
		return
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		c.JSON(http.StatusNotFound, gin.H{"error": "capture file no longer exists"})
		return
	}

	c.Header("Content-Disposition", "attachment; filename="+filepath.Base(path))
	c.File(path)
}

// withinDir resolves path and reports whether it lies inside dir.
func withinDir(dir, path string) (string, bool) {
	if dir == "" {
		return "", false
	}
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return "", false
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", false
	}
	rel, err := filepath.Rel(absDir, absPath)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return absPath, true
}

func (s *Server) handleGetLogEntries(c *gin.Context) {
	count := queryInt(c, "count", 100, 1000)
	if count < 1 {
		count = 100
	}

	entries, err := readRecentLogEntries(s.cfg.GetLogging().Directory, count)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"entries": entries,
		"count":   len(entries),
	})
}

type logEntry struct {
	Timestamp string                 `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// readRecentLogEntries parses the last count JSON lines of the newest .log
// file in logDir.
func readRecentLogEntries(logDir string, count int) ([]logEntry, error) {
	dirEntries, err := os.ReadDir(logDir)
	if err != nil {
		return nil, err
	}

	var latestFile string
	var latestMod int64
	for _, e := range dirEntries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".log" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if mod := info.ModTime().UnixNano(); latestFile == "" || mod > latestMod {
			latestFile, latestMod = filepath.Join(logDir, e.Name()), mod
		}
	}
	if latestFile == "" {
		return []logEntry{}, nil
	}

	data, err := os.ReadFile(latestFile)
	if err != nil {
		return nil, err
	}
	lines := strings.Split(string(data), "\n")

	start := len(lines) - count - 1
	if start < 0 {
		start = 0
	}

	knownKeys := map[string]bool{
		"level": true, "time": true, "message": true,
		"caller": true, "app": true,
	}

	result := make([]logEntry, 0, count)
	for _, line := range lines[start:] {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		var raw map[string]interface{}
		if err := json.Unmarshal([]byte(line), &raw); err != nil {
			result = append(result, logEntry{Message: line})
			continue
		}

		entry := logEntry{
			Level:   stringFromMap(raw, "level"),
			Message: stringFromMap(raw, "message"),
		}
		if t, ok := raw["time"]; ok {
			entry.Timestamp = fmt.Sprintf("%v", t)
		}

		extra := make(map[string]interface{})
		for k, v := range raw {
			if !knownKeys[k] {
				extra[k] = v
			}
		}
		if len(extra) > 0 {
			entry.Fields = extra
		}
		result = append(result, entry)
	}
	if len(result) > count {
		result = result[len(result)-count:]
	}
	return result, nil
}

func stringFromMap(m map[string]interface{}, key string) string {
	if v, ok := m[key]; ok {
		return fmt.Sprintf("%v", v)
	}
	return ""
}
