package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsMeteredStatus(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{in: SubscriptionStatusFree, want: true},
		{in: SubscriptionStatusCanceled, want: true},
		{in: SubscriptionStatusActive, want: false},
		{in: SubscriptionStatusCanceling, want: false},
		{in: " ACTIVE ", want: false},
		{in: "", want: true},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, IsMeteredStatus(tt.in), "IsMeteredStatus(%q)", tt.in)
	}
}

func TestSubscriberBillingReference(t *testing.T) {
	var nilSub *Subscriber
	assert.Equal(t, "", nilSub.BillingReference())

	s := &Subscriber{SubscriberID: "u1"}
	assert.Equal(t, "", s.BillingReference())

	ref := "cus_123"
	s.BillingReferenceID = &ref
	assert.Equal(t, "cus_123", s.BillingReference())
}
