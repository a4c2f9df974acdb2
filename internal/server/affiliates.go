package server

import (
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	affiliatedomain "github.com/clinichq/attrio/internal/affiliate/domain"
)

type createAffiliateRequest struct {
	DisplayName      string `json:"display_name" binding:"required"`
	Email            string `json:"email" binding:"required"`
	CommissionPlanID string `json:"commission_plan_id"`
}

func (s *Server) CreateAffiliate(c *gin.Context) {
	var req createAffiliateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	var planID *snowflake.ID
	if strings.TrimSpace(req.CommissionPlanID) != "" {
		parsed, err := parseSnowflakeParam(req.CommissionPlanID)
		if err != nil {
			AbortWithError(c, newValidationError("commission_plan_id", "invalid_commission_plan_id", "invalid commission_plan_id"))
			return
		}
		planID = &parsed
	}

	affiliate, err := s.affiliateSvc.Create(c.Request.Context(), affiliatedomain.CreateAffiliateRequest{
		ClinicID:         clinicID(c),
		DisplayName:      req.DisplayName,
		Email:            req.Email,
		CommissionPlanID: planID,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"affiliate": affiliate})
}

func (s *Server) GetAffiliate(c *gin.Context) {
	affiliateID, err := parseSnowflakeParam(c.Param("id"))
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_affiliate_id", "invalid affiliate id"))
		return
	}

	affiliate, err := s.affiliateSvc.Get(c.Request.Context(), clinicID(c), affiliateID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"affiliate": affiliate})
}

type setAffiliateStatusRequest struct {
	Status string `json:"status" binding:"required"`
}

func (s *Server) SetAffiliateStatus(c *gin.Context) {
	affiliateID, err := parseSnowflakeParam(c.Param("id"))
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_affiliate_id", "invalid affiliate id"))
		return
	}

	var req setAffiliateStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	err = s.affiliateSvc.SetStatus(c.Request.Context(), clinicID(c), affiliateID, affiliatedomain.AffiliateStatus(strings.ToUpper(strings.TrimSpace(req.Status))))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

type createRefCodeRequest struct {
	Code string `json:"code" binding:"required"`
}

func (s *Server) CreateRefCode(c *gin.Context) {
	affiliateID, err := parseSnowflakeParam(c.Param("id"))
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_affiliate_id", "invalid affiliate id"))
		return
	}

	var req createRefCodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	code, err := s.affiliateSvc.CreateRefCode(c.Request.Context(), affiliatedomain.CreateRefCodeRequest{
		ClinicID:    clinicID(c),
		AffiliateID: affiliateID,
		Code:        req.Code,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"ref_code": code})
}

type setRefCodeActiveRequest struct {
	Active *bool `json:"active" binding:"required"`
}

func (s *Server) SetRefCodeActive(c *gin.Context) {
	var req setRefCodeActiveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	err := s.affiliateSvc.SetRefCodeActive(c.Request.Context(), clinicID(c), c.Param("code"), *req.Active)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

type addPayoutMethodRequest struct {
	MethodType string         `json:"method_type" binding:"required"`
	Details    map[string]any `json:"details"`
	IsDefault  bool           `json:"is_default"`
}

func (s *Server) AddPayoutMethod(c *gin.Context) {
	affiliateID, err := parseSnowflakeParam(c.Param("id"))
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_affiliate_id", "invalid affiliate id"))
		return
	}

	var req addPayoutMethodRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	method, err := s.affiliateSvc.AddPayoutMethod(c.Request.Context(), affiliatedomain.AddPayoutMethodRequest{
		ClinicID:    clinicID(c),
		AffiliateID: affiliateID,
		MethodType:  req.MethodType,
		Details:     req.Details,
		IsDefault:   req.IsDefault,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"payout_method": method})
}

func (s *Server) VerifyPayoutMethod(c *gin.Context) {
	methodID, err := parseSnowflakeParam(c.Param("methodId"))
	if err != nil {
		AbortWithError(c, newValidationError("methodId", "invalid_method_id", "invalid payout method id"))
		return
	}

	if err := s.affiliateSvc.VerifyPayoutMethod(c.Request.Context(), clinicID(c), methodID); err != nil {
		AbortWithError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

func (s *Server) SetDefaultPayoutMethod(c *gin.Context) {
	affiliateID, err := parseSnowflakeParam(c.Param("id"))
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_affiliate_id", "invalid affiliate id"))
		return
	}
	methodID, err := parseSnowflakeParam(c.Param("methodId"))
	if err != nil {
		AbortWithError(c, newValidationError("methodId", "invalid_method_id", "invalid payout method id"))
		return
	}

	if err := s.affiliateSvc.SetDefaultPayoutMethod(c.Request.Context(), clinicID(c), affiliateID, methodID); err != nil {
		AbortWithError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}
