package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/clinichq/attrio/internal/audit/domain"
	"github.com/clinichq/attrio/internal/clinicctx"
	obscontext "github.com/clinichq/attrio/internal/observability/obscontext"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	HeaderClinic    = "X-Clinic-ID"
	HeaderRequestID = "X-Request-ID"
	HeaderActorID   = "X-Actor-ID"
	HeaderActorType = "X-Actor-Type"
)

// ClinicContext resolves the tenant and request identity headers and
// stamps them onto the request context. Every /v1 route is
// clinic-scoped.
func (s *Server) ClinicContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := strings.TrimSpace(c.GetHeader(HeaderClinic))
		if raw == "" {
			AbortWithError(c, newValidationError("clinic_id", "missing_clinic_id", "X-Clinic-ID header is required"))
			return
		}
		clinicID, err := snowflake.ParseString(raw)
		if err != nil || clinicID == 0 {
			AbortWithError(c, newValidationError("clinic_id", "invalid_clinic_id", "invalid X-Clinic-ID header"))
			return
		}

		requestID := strings.TrimSpace(c.GetHeader(HeaderRequestID))
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Header(HeaderRequestID, requestID)

		actorType := strings.TrimSpace(c.GetHeader(HeaderActorType))
		if actorType == "" {
			actorType = string(auditdomain.ActorTypeStaff)
		}

		ctx := c.Request.Context()
		ctx = clinicctx.WithClinicID(ctx, clinicID)
		ctx = obscontext.WithRequestID(ctx, requestID)
		ctx = obscontext.WithIPAddress(ctx, c.ClientIP())
		ctx = obscontext.WithUserAgent(ctx, c.Request.UserAgent())
		ctx = obscontext.WithActor(ctx, actorType, strings.TrimSpace(c.GetHeader(HeaderActorID)))
		c.Request = c.Request.WithContext(ctx)

		c.Next()
	}
}

func clinicID(c *gin.Context) snowflake.ID {
	id, _ := clinicctx.ClinicIDFromContext(c.Request.Context())
	return id
}

// RateLimitTouches throttles per clinic. Redis being down fails open;
// throttling is load protection, not a correctness gate.
func (s *Server) RateLimitTouches() gin.HandlerFunc {
	return func(c *gin.Context) {
		result, err := s.limiter.Allow(c.Request.Context(), clinicID(c))
		if err != nil {
			s.log.Warn("touch rate limit unavailable", zap.Error(err))
			c.Next()
			return
		}
		if !result.Allowed {
			retryAfter := int(result.RetryAfter.Seconds() + 0.5)
			if retryAfter < 1 {
				retryAfter = 1
			}
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, errorResponse{
				Error: errorPayload{
					Type:    "rate_limited",
					Message: "too many touches, slow down",
				},
			})
			return
		}
		c.Next()
	}
}
