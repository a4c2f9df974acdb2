package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	attributiondomain "github.com/clinichq/attrio/internal/attribution/domain"
)

type recordTouchRequest struct {
	Code        string         `json:"code" binding:"required"`
	Fingerprint string         `json:"fingerprint"`
	CookieID    string         `json:"cookie_id"`
	Source      string         `json:"source"`
	Metadata    map[string]any `json:"metadata"`
	OccurredAt  string         `json:"occurred_at"`
}

func (s *Server) RecordTouch(c *gin.Context) {
	var req recordTouchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	var occurredAt *time.Time
	if strings.TrimSpace(req.OccurredAt) != "" {
		parsed, err := time.Parse(time.RFC3339, req.OccurredAt)
		if err != nil {
			AbortWithError(c, newValidationError("occurred_at", "invalid_time", "occurred_at must be RFC3339"))
			return
		}
		occurredAt = &parsed
	}

	touch, err := s.attributionSvc.RecordTouch(c.Request.Context(), attributiondomain.RecordTouchRequest{
		ClinicID:    clinicID(c),
		Code:        req.Code,
		Fingerprint: req.Fingerprint,
		CookieID:    req.CookieID,
		Source:      req.Source,
		Metadata:    req.Metadata,
		OccurredAt:  occurredAt,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"touch": touch})
}

type resolveRequest struct {
	Fingerprint  string `json:"fingerprint"`
	CookieID     string `json:"cookie_id"`
	IsNewPatient bool   `json:"is_new_patient"`
}

// ResolveAttribution is a read-only diagnostic: it reports what the
// resolver would decide without writing anything.
func (s *Server) ResolveAttribution(c *gin.Context) {
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	result, err := s.attributionSvc.Resolve(c.Request.Context(), attributiondomain.ResolveRequest{
		ClinicID:     clinicID(c),
		Fingerprint:  req.Fingerprint,
		CookieID:     req.CookieID,
		IsNewPatient: req.IsNewPatient,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"attributed": result != nil, "result": result})
}

func (s *Server) GetAttributionConfig(c *gin.Context) {
	config, err := s.attributionSvc.GetConfig(c.Request.Context(), clinicID(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"config": config})
}

type upsertConfigRequest struct {
	WindowDays            int    `json:"window_days"`
	NewPatientModel       string `json:"new_patient_model"`
	ReturningPatientModel string `json:"returning_patient_model"`
	FingerprintEnabled    bool   `json:"fingerprint_enabled"`
}

func (s *Server) UpsertAttributionConfig(c *gin.Context) {
	var req upsertConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	config, err := s.attributionSvc.UpsertConfig(c.Request.Context(), attributiondomain.UpsertConfigRequest{
		ClinicID:              clinicID(c),
		WindowDays:            req.WindowDays,
		NewPatientModel:       attributiondomain.Model(req.NewPatientModel),
		ReturningPatientModel: attributiondomain.Model(req.ReturningPatientModel),
		FingerprintEnabled:    req.FingerprintEnabled,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"config": config})
}

type intakeAttributionRequest struct {
	PatientID string `json:"patient_id" binding:"required"`
	PromoCode string `json:"promo_code" binding:"required"`
	Source    string `json:"source"`
}

func (s *Server) AttributeFromIntake(c *gin.Context) {
	var req intakeAttributionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	patientID, err := parseSnowflakeParam(req.PatientID)
	if err != nil {
		AbortWithError(c, newValidationError("patient_id", "invalid_patient_id", "invalid patient_id"))
		return
	}

	result, err := s.attributionSvc.AttributeFromIntake(c.Request.Context(), attributiondomain.IntakeAttributionRequest{
		ClinicID:  clinicID(c),
		PatientID: patientID,
		PromoCode: req.PromoCode,
		Source:    req.Source,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

type tagRefCodeRequest struct {
	PatientID string `json:"patient_id" binding:"required"`
	PromoCode string `json:"promo_code" binding:"required"`
}

// TagRefCodeOnly is the degraded path: the code is stored as a
// referral tag without attribution, to be reconciled later.
func (s *Server) TagRefCodeOnly(c *gin.Context) {
	var req tagRefCodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	patientID, err := parseSnowflakeParam(req.PatientID)
	if err != nil {
		AbortWithError(c, newValidationError("patient_id", "invalid_patient_id", "invalid patient_id"))
		return
	}

	tagged, err := s.attributionSvc.TagPatientWithReferralCodeOnly(c.Request.Context(), clinicID(c), patientID, req.PromoCode)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"tagged": tagged})
}

type registerPatientRequest struct {
	PatientKey string `json:"patient_key" binding:"required"`
}

func (s *Server) RegisterPatient(c *gin.Context) {
	var req registerPatientRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	patient, err := s.attributionSvc.RegisterPatient(c.Request.Context(), clinicID(c), req.PatientKey)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"patient": patient})
}
