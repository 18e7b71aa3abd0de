package models

import "time"

// UsageRecord is an append-only ledger entry written for every granted
// download. Rows are never updated or deleted by the service.
type UsageRecord struct {
	ID                     uint      `gorm:"primaryKey" json:"id"`
	SubscriberID           string    `gorm:"type:varchar(191);not null;index:idx_usage_records_subscriber_time,priority:1" json:"subscriber_id"`
	RequestID              string    `gorm:"type:varchar(191);not null;uniqueIndex:ux_usage_records_request_id" json:"request_id"`
	RecordedAt             time.Time `gorm:"not null;index:idx_usage_records_subscriber_time,priority:2" json:"recorded_at"`
	WasFreeTierConsumption bool      `gorm:"not null;default:false" json:"was_free_tier_consumption"`
	SizeOrWeight           int64     `gorm:"not null;default:0" json:"size_or_weight"`
	ResourceKey            string    `gorm:"type:varchar(512);not null;default:''" json:"resource_key"`
	CreatedAt              time.Time `gorm:"autoCreateTime" json:"created_at"`
}
