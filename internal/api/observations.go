package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/wagnerlima/mapeo-server/internal/apierr"
)

func (s *Server) listObservations(c *gin.Context) {
	out, err := s.Observations.List(c.Request.Context(), c.Query("filter"))
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) getObservation(c *gin.Context) {
	out, err := s.Observations.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) createObservation(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		s.abortWithError(c, apierr.JSONParseError(err))
		return
	}
	obs, err := s.Observations.Create(c.Request.Context(), body)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, obs)
}

func (s *Server) updateObservation(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		s.abortWithError(c, apierr.JSONParseError(err))
		return
	}
	obs, err := s.Observations.Update(c.Request.Context(), c.Param("id"), body)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, obs)
}

func (s *Server) deleteObservation(c *gin.Context) {
	if err := s.Observations.Delete(c.Request.Context(), c.Param("id")); err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

func (s *Server) convertObservation(c *gin.Context) {
	id, err := s.Observations.Convert(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id})
}
