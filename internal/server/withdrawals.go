package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	payoutdomain "github.com/clinichq/attrio/internal/payout/domain"
)

type withdrawalRequest struct {
	AmountCents int64 `json:"amount_cents" binding:"required"`
}

func (s *Server) RequestWithdrawal(c *gin.Context) {
	affiliateID, err := parseSnowflakeParam(c.Param("id"))
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_affiliate_id", "invalid affiliate id"))
		return
	}

	var req withdrawalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	payout, err := s.payoutSvc.RequestWithdrawal(c.Request.Context(), payoutdomain.WithdrawalRequest{
		ClinicID:    clinicID(c),
		AffiliateID: affiliateID,
		AmountCents: req.AmountCents,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"payout": payout})
}

func (s *Server) CompletePayout(c *gin.Context) {
	payoutID, err := parseSnowflakeParam(c.Param("id"))
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_payout_id", "invalid payout id"))
		return
	}

	if err := s.payoutSvc.MarkCompleted(c.Request.Context(), clinicID(c), payoutID); err != nil {
		AbortWithError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

type failPayoutRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) FailPayout(c *gin.Context) {
	payoutID, err := parseSnowflakeParam(c.Param("id"))
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_payout_id", "invalid payout id"))
		return
	}

	var req failPayoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	if err := s.payoutSvc.MarkFailed(c.Request.Context(), clinicID(c), payoutID, req.Reason); err != nil {
		AbortWithError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}
