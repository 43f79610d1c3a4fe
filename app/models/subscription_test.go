package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEntitlingStatuses(t *testing.T) {
	got := EntitlingStatuses()
	assert.ElementsMatch(t, []string{
		SubscriptionStatusTrialing,
		SubscriptionStatusActive,
		SubscriptionStatusPastDue,
	}, got)
	assert.NotContains(t, got, SubscriptionStatusCanceled)
	assert.NotContains(t, got, SubscriptionStatusChanging)
}

func TestIsTerminal(t *testing.T) {
	cases := []struct {
		status string
		want   bool
	}{
		{SubscriptionStatusTrialing, false},
		{SubscriptionStatusActive, false},
		{SubscriptionStatusChanging, false},
		{SubscriptionStatusPastDue, false},
		{SubscriptionStatusCanceled, true},
		{SubscriptionStatusEnded, true},
	}
	for _, tc := range cases {
		sub := &Subscription{Status: tc.status}
		assert.Equal(t, tc.want, sub.IsTerminal(), "status=%s", tc.status)
	}
}
