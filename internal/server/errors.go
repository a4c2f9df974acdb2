package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	affiliatedomain "github.com/clinichq/attrio/internal/affiliate/domain"
	attributiondomain "github.com/clinichq/attrio/internal/attribution/domain"
	auditdomain "github.com/clinichq/attrio/internal/audit/domain"
	commissiondomain "github.com/clinichq/attrio/internal/commission/domain"
	payoutdomain "github.com/clinichq/attrio/internal/payout/domain"
	"gorm.io/gorm"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Type    string            `json:"type"`
	Message string            `json:"message"`
	Errors  []ValidationError `json:"errors,omitempty"`
	Details map[string]any    `json:"details,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrConflict       = errors.New("conflict")
	ErrInternal       = errors.New("internal_error")
	ErrNotFound       = errors.New("not_found")
	ErrInvalidRequest = errors.New("invalid_request")
)

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidRequestError() error {
	return newValidationError("request", "invalid_request", "invalid request")
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{
			{
				Field:   field,
				Code:    code,
				Message: message,
			},
		},
	}
}

func mapError(err error) (int, errorPayload) {
	if err == nil {
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}

	if vErr := asValidationErrors(err); vErr != nil {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  vErr.Errors,
		}
	}

	if isValidationError(err) {
		code := err.Error()
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors: []ValidationError{
				{
					Field:   validationErrorField(code),
					Code:    code,
					Message: "invalid value",
				},
			},
		}
	}

	// The available balance is part of the rejection message so the
	// caller can surface an actionable amount.
	var balanceErr *payoutdomain.BalanceError
	if errors.As(err, &balanceErr) {
		return http.StatusUnprocessableEntity, errorPayload{
			Type:    "amount_exceeds_balance",
			Message: balanceErr.Error(),
			Details: map[string]any{
				"requested_cents": balanceErr.RequestedCents,
				"available_cents": balanceErr.AvailableCents,
			},
		}
	}

	var mismatchErr *attributiondomain.ClinicMismatchError
	if errors.As(err, &mismatchErr) {
		return http.StatusUnprocessableEntity, errorPayload{
			Type:    "clinic_mismatch",
			Message: mismatchErr.Error(),
			Details: map[string]any{
				"code":          mismatchErr.Code,
				"owning_clinic": mismatchErr.OwningClinic.String(),
			},
		}
	}

	switch {
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case isConflictError(err):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: err.Error(),
		}
	case isRejectionError(err):
		return http.StatusUnprocessableEntity, errorPayload{
			Type:    err.Error(),
			Message: err.Error(),
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}
	return nil
}

func isValidationError(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, affiliatedomain.ErrInvalidAffiliate),
		errors.Is(err, affiliatedomain.ErrInvalidStatus),
		errors.Is(err, affiliatedomain.ErrInvalidRefCode),
		errors.Is(err, affiliatedomain.ErrInvalidPayoutMethod),
		errors.Is(err, attributiondomain.ErrIdentifierMissing),
		errors.Is(err, attributiondomain.ErrInvalidConfig),
		errors.Is(err, commissiondomain.ErrInvalidEvent),
		errors.Is(err, commissiondomain.ErrInvalidPlan),
		errors.Is(err, commissiondomain.ErrInvalidReason),
		errors.Is(err, payoutdomain.ErrInvalidWithdrawal),
		errors.Is(err, auditdomain.ErrInvalidAction),
		errors.Is(err, auditdomain.ErrInvalidTimeRange),
		errors.Is(err, auditdomain.ErrInvalidPageToken):
		return true
	default:
		return false
	}
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, affiliatedomain.ErrAffiliateNotFound),
		errors.Is(err, affiliatedomain.ErrRefCodeNotFound),
		errors.Is(err, affiliatedomain.ErrPayoutMethodNotFound),
		errors.Is(err, attributiondomain.ErrCodeNotFound),
		errors.Is(err, attributiondomain.ErrPatientNotFound),
		errors.Is(err, commissiondomain.ErrPlanNotFound),
		errors.Is(err, payoutdomain.ErrPayoutNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return true
	default:
		return false
	}
}

func isConflictError(err error) bool {
	switch {
	case errors.Is(err, ErrConflict),
		errors.Is(err, affiliatedomain.ErrRefCodeTaken),
		errors.Is(err, attributiondomain.ErrTouchConverted),
		errors.Is(err, payoutdomain.ErrPayoutAlreadyPending),
		errors.Is(err, payoutdomain.ErrWithdrawalConflict):
		return true
	default:
		return false
	}
}

// Business rejections: the request is well-formed but the domain
// refuses it.
func isRejectionError(err error) bool {
	switch {
	case errors.Is(err, attributiondomain.ErrCodeInactive),
		errors.Is(err, attributiondomain.ErrAffiliateInactive),
		errors.Is(err, affiliatedomain.ErrAffiliateInactive),
		errors.Is(err, affiliatedomain.ErrPayoutMethodUnverified),
		errors.Is(err, payoutdomain.ErrAmountBelowMinimum),
		errors.Is(err, payoutdomain.ErrAmountExceedsBalance),
		errors.Is(err, payoutdomain.ErrNoVerifiedMethod):
		return true
	default:
		return false
	}
}

func classifyErrorForLog(err error) (string, string) {
	if err == nil {
		return "", ""
	}
	switch {
	case asValidationErrors(err) != nil, isValidationError(err):
		return "validation_error", err.Error()
	case isNotFoundError(err):
		return "not_found", err.Error()
	case isConflictError(err):
		return "conflict", err.Error()
	case isRejectionError(err):
		return "rejected", err.Error()
	default:
		return "internal_error", err.Error()
	}
}

func validationErrorField(code string) string {
	if strings.HasPrefix(code, "invalid_") {
		return strings.TrimPrefix(code, "invalid_")
	}
	if code == "identifier_missing" {
		return "identifiers"
	}
	return ""
}
