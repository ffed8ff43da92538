package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/wagnerlima/mapeo-server/internal/models"
)

func (s *Server) syncAnnounce(c *gin.Context) {
	if err := s.Sync.Announce(c.Request.Context()); err != nil {
		s.abortWithError(c, err)
		return
	}
	c.Status(http.StatusOK)
}

func (s *Server) syncUnannounce(c *gin.Context) {
	if err := s.Sync.Unannounce(c.Request.Context()); err != nil {
		s.abortWithError(c, err)
		return
	}
	c.Status(http.StatusOK)
}

// syncStatus reports the announcing state and the sessions in flight.
func (s *Server) syncStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"announcing": s.Sync.Announcing(),
		"sessions":   s.Sync.Sessions(),
	})
}

func (s *Server) syncTargets(c *gin.Context) {
	c.JSON(http.StatusOK, s.Sync.Targets())
}

// syncStart streams the notifications of one replication session as
// newline-delimited JSON. A bad target is answered with a plain error body.
func (s *Server) syncStart(c *gin.Context) {
	port, _ := strconv.Atoi(c.Query("port"))
	target := models.SyncTarget{
		Filename: c.Query("filename"),
		Host:     c.Query("host"),
		Port:     port,
	}

	ctx := c.Request.Context()
	enc := json.NewEncoder(c.Writer)
	headerSent := false
	send := func(n models.Notification) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !headerSent {
			c.Header("Content-Type", "application/x-ndjson")
			c.Status(http.StatusOK)
			headerSent = true
		}
		if err := enc.Encode(n); err != nil {
			return err
		}
		c.Writer.Flush()
		return nil
	}

	if err := s.Sync.Replicate(ctx, target, send); err != nil {
		s.abortWithError(c, err)
	}
}
