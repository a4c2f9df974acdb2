package server

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	affiliatedomain "github.com/clinichq/attrio/internal/affiliate/domain"
	attributiondomain "github.com/clinichq/attrio/internal/attribution/domain"
	commissiondomain "github.com/clinichq/attrio/internal/commission/domain"
	payoutdomain "github.com/clinichq/attrio/internal/payout/domain"
	"github.com/stretchr/testify/assert"
	"gorm.io/gorm"
)

func TestMapErrorStatusCodes(t *testing.T) {
	cases := []struct {
		err      error
		status   int
		wantType string
	}{
		{attributiondomain.ErrIdentifierMissing, http.StatusBadRequest, "validation_error"},
		{affiliatedomain.ErrInvalidAffiliate, http.StatusBadRequest, "validation_error"},
		{commissiondomain.ErrInvalidPlan, http.StatusBadRequest, "validation_error"},
		{payoutdomain.ErrInvalidWithdrawal, http.StatusBadRequest, "validation_error"},

		{affiliatedomain.ErrAffiliateNotFound, http.StatusNotFound, "not_found"},
		{attributiondomain.ErrPatientNotFound, http.StatusNotFound, "not_found"},
		{payoutdomain.ErrPayoutNotFound, http.StatusNotFound, "not_found"},
		{gorm.ErrRecordNotFound, http.StatusNotFound, "not_found"},

		{affiliatedomain.ErrRefCodeTaken, http.StatusConflict, "conflict"},
		{payoutdomain.ErrPayoutAlreadyPending, http.StatusConflict, "conflict"},

		{attributiondomain.ErrCodeInactive, http.StatusUnprocessableEntity, "code_inactive"},
		{payoutdomain.ErrAmountBelowMinimum, http.StatusUnprocessableEntity, "amount_below_minimum"},
		{payoutdomain.ErrNoVerifiedMethod, http.StatusUnprocessableEntity, "no_verified_method"},

		{errors.New("disk on fire"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tc := range cases {
		t.Run(tc.err.Error(), func(t *testing.T) {
			status, payload := mapError(tc.err)
			assert.Equal(t, tc.status, status)
			assert.Equal(t, tc.wantType, payload.Type)
		})
	}
}

func TestMapErrorBalanceDetails(t *testing.T) {
	err := fmt.Errorf("withdraw: %w", &payoutdomain.BalanceError{
		RequestedCents: 9000,
		AvailableCents: 4500,
	})

	status, payload := mapError(err)
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Equal(t, "amount_exceeds_balance", payload.Type)
	assert.Equal(t, int64(9000), payload.Details["requested_cents"])
	assert.Equal(t, int64(4500), payload.Details["available_cents"])
}

func TestMapErrorClinicMismatchDetails(t *testing.T) {
	status, payload := mapError(&attributiondomain.ClinicMismatchError{
		Code:          "SARAH10",
		OwningClinic:  2,
		RequestClinic: 1,
	})
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Equal(t, "clinic_mismatch", payload.Type)
	assert.Equal(t, "SARAH10", payload.Details["code"])
	assert.Equal(t, "2", payload.Details["owning_clinic"])
}

func TestMapErrorValidationList(t *testing.T) {
	status, payload := mapError(&ValidationErrors{Errors: []ValidationError{
		{Field: "window_days", Code: "out_of_range", Message: "must be positive"},
	}})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Len(t, payload.Errors, 1)
	assert.Equal(t, "window_days", payload.Errors[0].Field)
}
