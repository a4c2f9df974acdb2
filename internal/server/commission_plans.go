package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	commissiondomain "github.com/clinichq/attrio/internal/commission/domain"
)

type createCommissionPlanRequest struct {
	Name            string `json:"name" binding:"required"`
	Kind            string `json:"kind" binding:"required"`
	FlatAmountCents int64  `json:"flat_amount_cents"`
	PercentBps      int    `json:"percent_bps"`
	HoldDays        int    `json:"hold_days"`
	ClawbackEnabled bool   `json:"clawback_enabled"`
}

func (s *Server) CreateCommissionPlan(c *gin.Context) {
	var req createCommissionPlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	plan, err := s.commissionSvc.CreatePlan(c.Request.Context(), commissiondomain.CreatePlanRequest{
		ClinicID:        clinicID(c),
		Name:            req.Name,
		Kind:            commissiondomain.PlanKind(strings.ToUpper(strings.TrimSpace(req.Kind))),
		FlatAmountCents: req.FlatAmountCents,
		PercentBps:      req.PercentBps,
		HoldDays:        req.HoldDays,
		ClawbackEnabled: req.ClawbackEnabled,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"plan": plan})
}

func (s *Server) GetCommissionPlan(c *gin.Context) {
	planID, err := parseSnowflakeParam(c.Param("id"))
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_plan_id", "invalid plan id"))
		return
	}

	plan, err := s.commissionSvc.GetPlan(c.Request.Context(), clinicID(c), planID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"plan": plan})
}
