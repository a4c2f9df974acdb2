package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type ActorType string

const (
	ActorTypeSystem    ActorType = "system"
	ActorTypeStaff     ActorType = "staff"
	ActorTypeAffiliate ActorType = "affiliate"
	ActorTypeWebhook   ActorType = "webhook"
)

type AuditLog struct {
	ID           snowflake.ID      `gorm:"column:id;primaryKey" json:"id"`
	ClinicID     snowflake.ID      `gorm:"column:clinic_id" json:"clinic_id"`
	ActorType    string            `gorm:"column:actor_type" json:"actor_type"`
	ActorID      string            `gorm:"column:actor_id" json:"actor_id"`
	Action       string            `gorm:"column:action" json:"action"`
	ResourceType string            `gorm:"column:resource_type" json:"resource_type"`
	ResourceID   string            `gorm:"column:resource_id" json:"resource_id"`
	Metadata     datatypes.JSONMap `gorm:"column:metadata" json:"metadata,omitempty"`
	RequestID    string            `gorm:"column:request_id" json:"request_id"`
	IPAddress    string            `gorm:"column:ip_address" json:"ip_address,omitempty"`
	UserAgent    string            `gorm:"column:user_agent" json:"user_agent,omitempty"`
	CreatedAt    time.Time         `gorm:"column:created_at" json:"created_at"`
}

func (AuditLog) TableName() string {
	return "audit_logs"
}

type AuditCursor struct {
	ID        snowflake.ID
	CreatedAt time.Time
}

type ListFilter struct {
	ClinicID     snowflake.ID
	Action       string
	ResourceType string
	ResourceID   string
	ActorType    string
	StartAt      *time.Time
	EndAt        *time.Time
	Cursor       *AuditCursor
	Limit        int
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, entry *AuditLog) error
	List(ctx context.Context, db *gorm.DB, filter ListFilter) ([]*AuditLog, error)
}
