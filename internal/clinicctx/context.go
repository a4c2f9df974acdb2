package clinicctx

import (
	"context"

	"github.com/bwmarrin/snowflake"
)

type contextKey string

const clinicIDKey contextKey = "clinic_id"

// WithClinicID stamps the tenant onto the request context.
func WithClinicID(ctx context.Context, clinicID snowflake.ID) context.Context {
	if clinicID == 0 {
		return ctx
	}
	return context.WithValue(ctx, clinicIDKey, clinicID)
}

// ClinicIDFromContext returns the tenant for the current request.
func ClinicIDFromContext(ctx context.Context) (snowflake.ID, bool) {
	if ctx == nil {
		return 0, false
	}
	clinicID, ok := ctx.Value(clinicIDKey).(snowflake.ID)
	return clinicID, ok && clinicID != 0
}
