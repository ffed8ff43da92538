package api

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/wagnerlima/mapeo-server/internal/apierr"
	"github.com/wagnerlima/mapeo-server/internal/storage"
)

func (s *Server) mediaGet(c *gin.Context) {
	id := c.Param("id")
	key := c.Param("type") + "/" + id

	ok, err := s.Media.Exists(c.Request.Context(), key)
	if err != nil {
		s.abortWithError(c, apierr.StoreFailure(err))
		return
	}
	if !ok {
		s.abortWithError(c, apierr.NotFound("media "+key))
		return
	}

	r, err := s.Media.Open(c.Request.Context(), key)
	if errors.Is(err, storage.ErrNotFound) {
		s.abortWithError(c, apierr.NotFound("media "+key))
		return
	}
	if err != nil {
		s.abortWithError(c, apierr.StoreFailure(err))
		return
	}

	contentType := "application/octet-stream"
	switch {
	case strings.HasSuffix(id, ".jpg"):
		contentType = "image/jpeg"
	case strings.HasSuffix(id, ".png"):
		contentType = "image/png"
	}
	c.DataFromReader(http.StatusOK, -1, contentType, r, nil)
}

// mediaPut copies a local file, and optionally its thumbnail, into the
// media store under a fresh id that keeps the file's extension.
func (s *Server) mediaPut(c *gin.Context) {
	file := c.Query("file")
	thumbnail := c.Query("thumbnail")
	if file == "" || !exists(file) || (thumbnail != "" && !exists(thumbnail)) {
		c.Status(http.StatusBadRequest)
		return
	}

	u := uuid.New()
	id := hex.EncodeToString(u[:]) + filepath.Ext(file)

	if err := s.copyIntoMedia(c, file, "original/"+id); err != nil {
		s.abortWithError(c, apierr.StoreFailure(err))
		return
	}
	if thumbnail != "" {
		if err := s.copyIntoMedia(c, thumbnail, "thumbnail/"+id); err != nil {
			s.abortWithError(c, apierr.StoreFailure(err))
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"id": id})
}

func (s *Server) copyIntoMedia(c *gin.Context, path, key string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	return s.Media.Put(c.Request.Context(), key, f)
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
