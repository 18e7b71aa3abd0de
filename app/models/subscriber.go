package models

import (
	"strings"
	"time"
)

// Subscription status values of a Subscriber record.
const (
	SubscriptionStatusFree      = "free"
	SubscriptionStatusActive    = "active"
	SubscriptionStatusCanceling = "canceling"
	SubscriptionStatusCanceled  = "canceled"
)

// Subscriber is the canonical per-user entitlement record. It is a local read
// cache of the billing provider's subscription state plus the free-tier quota
// counter. Exactly one row exists per subscriber.
type Subscriber struct {
	ID                       uint       `gorm:"primaryKey" json:"-"`
	SubscriberID             string     `gorm:"type:varchar(191);not null;uniqueIndex:ux_subscribers_subscriber_id" json:"subscriber_id"`
	BillingReferenceID       *string    `gorm:"type:varchar(191);uniqueIndex:ux_subscribers_billing_reference_id" json:"billing_reference_id,omitempty"`
	SubscriptionStatus       string     `gorm:"type:varchar(16);not null;default:'free';index" json:"subscription_status"`
	ActiveBillingAgreementID string     `gorm:"type:varchar(191);not null;default:''" json:"active_billing_agreement_id,omitempty"`
	CancelAt                 *time.Time `gorm:"default:null" json:"cancel_at,omitempty"`
	QuotaCounter             int        `gorm:"not null;default:0" json:"quota_counter"`
	LastEventSequence        int64      `gorm:"not null;default:0" json:"last_event_sequence"`
	CreatedAt                time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt                time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// MeteredStatuses lists the statuses under which downloads consume the free allowance.
var MeteredStatuses = []string{SubscriptionStatusFree, SubscriptionStatusCanceled}

// IsMeteredStatus reports whether quota enforcement applies to the status.
func IsMeteredStatus(status string) bool {
	switch normalizeStatus(status) {
	case SubscriptionStatusActive, SubscriptionStatusCanceling:
		return false
	default:
		return true
	}
}

// IsMetered reports whether quota enforcement applies to the subscriber.
func (s *Subscriber) IsMetered() bool {
	return IsMeteredStatus(s.SubscriptionStatus)
}

// BillingReference returns the billing reference id or "" when unset.
func (s *Subscriber) BillingReference() string {
	if s == nil || s.BillingReferenceID == nil {
		return ""
	}
	return *s.BillingReferenceID
}

func normalizeStatus(status string) string {
	s := strings.ToLower(strings.TrimSpace(status))
	if s == "" {
		return SubscriptionStatusFree
	}
	return s
}
