package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	commissiondomain "github.com/clinichq/attrio/internal/commission/domain"
	payoutdomain "github.com/clinichq/attrio/internal/payout/domain"
)

func (s *Server) GetEarnings(c *gin.Context) {
	affiliateID, err := parseSnowflakeParam(c.Param("id"))
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_affiliate_id", "invalid affiliate id"))
		return
	}

	earnings, err := s.payoutSvc.Earnings(c.Request.Context(), clinicID(c), affiliateID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"earnings": earnings})
}

func (s *Server) ListCommissions(c *gin.Context) {
	affiliateID, err := parseSnowflakeParam(c.Param("id"))
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_affiliate_id", "invalid affiliate id"))
		return
	}

	limit, err := parseOptionalInt(c.Query("limit"))
	if err != nil {
		AbortWithError(c, newValidationError("limit", "invalid_limit", "invalid limit"))
		return
	}

	events, err := s.commissionSvc.ListEvents(c.Request.Context(), commissiondomain.ListEventsRequest{
		ClinicID:    clinicID(c),
		AffiliateID: affiliateID,
		Status:      commissiondomain.EventStatus(strings.ToUpper(strings.TrimSpace(c.Query("status")))),
		Limit:       limit,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"commissions": events})
}

func (s *Server) ListPayouts(c *gin.Context) {
	affiliateID, err := parseSnowflakeParam(c.Param("id"))
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_affiliate_id", "invalid affiliate id"))
		return
	}

	limit, err := parseOptionalInt(c.Query("limit"))
	if err != nil {
		AbortWithError(c, newValidationError("limit", "invalid_limit", "invalid limit"))
		return
	}

	payouts, err := s.payoutSvc.ListPayouts(c.Request.Context(), payoutdomain.ListPayoutsRequest{
		ClinicID:    clinicID(c),
		AffiliateID: affiliateID,
		Limit:       limit,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"payouts": payouts})
}

func (s *Server) GetLeaderboard(c *gin.Context) {
	limit, err := parseOptionalInt(c.Query("limit"))
	if err != nil {
		AbortWithError(c, newValidationError("limit", "invalid_limit", "invalid limit"))
		return
	}

	entries, err := s.payoutSvc.Leaderboard(c.Request.Context(), clinicID(c), limit)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"leaderboard": entries})
}
