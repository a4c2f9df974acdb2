package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	commissiondomain "github.com/clinichq/attrio/internal/commission/domain"
	"go.uber.org/zap"
)

const (
	eventPaymentSucceeded = "payment_succeeded"
	eventPaymentRefunded  = "payment_refunded"
	eventPaymentDisputed  = "payment_disputed"
)

type paymentEventRequest struct {
	EventID        string `json:"event_id" binding:"required"`
	EventType      string `json:"event_type" binding:"required"`
	ObjectID       string `json:"object_id" binding:"required"`
	PatientID      string `json:"patient_id"`
	AmountCents    int64  `json:"amount_cents"`
	OccurredAt     string `json:"occurred_at"`
	IsFirstPayment bool   `json:"is_first_payment"`
}

// HandlePaymentEvent ingests normalized payment lifecycle events.
// Commission bookkeeping failures are logged and never propagate: the
// upstream payment flow must not retry or fail because crediting did.
func (s *Server) HandlePaymentEvent(c *gin.Context) {
	var req paymentEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	occurredAt := time.Now().UTC()
	if strings.TrimSpace(req.OccurredAt) != "" {
		parsed, err := time.Parse(time.RFC3339, req.OccurredAt)
		if err != nil {
			AbortWithError(c, newValidationError("occurred_at", "invalid_time", "occurred_at must be RFC3339"))
			return
		}
		occurredAt = parsed
	}

	ctx := c.Request.Context()
	clinic := clinicID(c)

	var (
		event *commissiondomain.AffiliateCommissionEvent
		err   error
	)
	switch strings.TrimSpace(req.EventType) {
	case eventPaymentSucceeded:
		var patientID snowflake.ID
		if patientID, err = parseSnowflakeParam(req.PatientID); err != nil {
			AbortWithError(c, newValidationError("patient_id", "invalid_patient_id", "invalid patient_id"))
			return
		}
		event, err = s.commissionSvc.RecordPaymentCommission(ctx, commissiondomain.RecordPaymentRequest{
			ClinicID:        clinic,
			PatientID:       patientID,
			StripeEventID:   req.EventID,
			StripeObjectID:  req.ObjectID,
			StripeEventType: req.EventType,
			AmountCents:     req.AmountCents,
			OccurredAt:      occurredAt,
			IsFirstPayment:  req.IsFirstPayment,
		})
	case eventPaymentRefunded, eventPaymentDisputed:
		reason := commissiondomain.ReasonRefund
		if req.EventType == eventPaymentDisputed {
			reason = commissiondomain.ReasonChargeback
		}
		event, err = s.commissionSvc.ReverseCommissionForRefund(ctx, commissiondomain.ReverseRequest{
			ClinicID:        clinic,
			StripeEventID:   req.EventID,
			StripeObjectID:  req.ObjectID,
			StripeEventType: req.EventType,
			AmountCents:     req.AmountCents,
			OccurredAt:      occurredAt,
			Reason:          reason,
		})
	default:
		AbortWithError(c, newValidationError("event_type", "invalid_event_type", "unsupported event_type"))
		return
	}

	if err != nil {
		s.log.Error("commission bookkeeping failed",
			zap.String("event_id", req.EventID),
			zap.String("event_type", req.EventType),
			zap.Error(err),
		)
		c.JSON(http.StatusOK, gin.H{"received": true, "commission_recorded": false})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"received":            true,
		"commission_recorded": event != nil,
		"commission_event":    event,
	})
}
