package server

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/aristath/taskforge/internal/orchestrator"
)

func (s *Server) executeBatch(c *gin.Context) {
	var req orchestrator.BatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, fmt.Errorf("%w: %v", errValidation, err))
		return
	}
	batch, err := s.batches.Execute(c.Request.Context(), req)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, batch)
}

func (s *Server) getBatch(c *gin.Context) {
	batch, err := s.batches.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, batch)
}

func (s *Server) cancelBatch(c *gin.Context) {
	batch, err := s.batches.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, batch)
}
