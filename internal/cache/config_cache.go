package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	attributiondomain "github.com/clinichq/attrio/internal/attribution/domain"
	redis "github.com/redis/go-redis/v9"
)

const (
	configKeyFormat  = "attrio:attribution:config:%d"
	defaultConfigTTL = 5 * time.Minute
)

// AttributionConfigCache keeps per-clinic attribution policy hot.
// All methods are nil-safe: without redis every call is a miss.
type AttributionConfigCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewAttributionConfigCache(client *redis.Client) *AttributionConfigCache {
	if client == nil {
		return nil
	}
	return &AttributionConfigCache{
		client: client,
		ttl:    defaultConfigTTL,
	}
}

func (c *AttributionConfigCache) Get(ctx context.Context, clinicID snowflake.ID) (*attributiondomain.AttributionConfig, bool) {
	if c == nil || c.client == nil {
		return nil, false
	}

	payload, err := c.client.Get(ctx, configKey(clinicID)).Bytes()
	if err != nil {
		return nil, false
	}

	var cfg attributiondomain.AttributionConfig
	if err := json.Unmarshal(payload, &cfg); err != nil {
		return nil, false
	}
	return &cfg, true
}

func (c *AttributionConfigCache) Set(ctx context.Context, cfg *attributiondomain.AttributionConfig) {
	if c == nil || c.client == nil || cfg == nil || cfg.ClinicID == 0 {
		return
	}

	payload, err := json.Marshal(cfg)
	if err != nil {
		return
	}
	_ = c.client.Set(ctx, configKey(cfg.ClinicID), payload, c.ttl).Err()
}

func (c *AttributionConfigCache) Invalidate(ctx context.Context, clinicID snowflake.ID) {
	if c == nil || c.client == nil {
		return
	}
	_ = c.client.Del(ctx, configKey(clinicID)).Err()
}

func configKey(clinicID snowflake.ID) string {
	return fmt.Sprintf(configKeyFormat, clinicID)
}
