package server

import (
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
)

type completeMilestoneRequest struct {
	CompletedBy string `json:"completed_by"`
}

func (s *Server) ListMilestones(c *gin.Context) {
	raw := strings.TrimSpace(c.Query("project_id"))
	if raw == "" {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	projectID, err := snowflake.ParseString(raw)
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	milestones, err := s.milestoneSvc.List(c.Request.Context(), projectID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"milestones": milestones})
}

func (s *Server) GetMilestoneByID(c *gin.Context) {
	milestone, err := s.milestoneSvc.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, milestone)
}

func (s *Server) CompleteMilestone(c *gin.Context) {
	var req completeMilestoneRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, ErrInvalidRequest)
			return
		}
	}

	milestone, err := s.milestoneSvc.Complete(c.Request.Context(), c.Param("id"), strings.TrimSpace(req.CompletedBy))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, milestone)
}

func (s *Server) BillMilestone(c *gin.Context) {
	milestone, err := s.milestoneSvc.Bill(c.Request.Context(), c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, milestone)
}

func (s *Server) DeleteMilestone(c *gin.Context) {
	if err := s.milestoneSvc.Delete(c.Request.Context(), c.Param("id")); err != nil {
		AbortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
