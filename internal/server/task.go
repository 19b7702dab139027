package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

type promoteTaskRequest struct {
	BillingPercentage *float64 `json:"billing_percentage"`
}

type completeTaskRequest struct {
	CompletedBy string `json:"completed_by"`
}

func (s *Server) PromoteTask(c *gin.Context) {
	var req promoteTaskRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, ErrInvalidRequest)
			return
		}
	}

	milestone, err := s.milestoneSvc.PromoteTask(c.Request.Context(), c.Param("id"), req.BillingPercentage)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, milestone)
}

func (s *Server) CompleteTask(c *gin.Context) {
	var req completeTaskRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, ErrInvalidRequest)
			return
		}
	}

	task, err := s.milestoneSvc.CompleteTask(c.Request.Context(), c.Param("id"), strings.TrimSpace(req.CompletedBy))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}
