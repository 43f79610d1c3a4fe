package models

import "time"

const (
	SubscriptionStatusTrialing = "trialing"
	SubscriptionStatusActive   = "active"
	SubscriptionStatusChanging = "changing"
	SubscriptionStatusPastDue  = "past_due"
	SubscriptionStatusCanceled = "canceled"
	SubscriptionStatusEnded    = "ended"
)

// Subscription binds a customer to an ordered sequence of phases and carries
// the billing cycle anchors. It is mutated only by the state machine and the
// billing tasks, never by direct CRUD.
type Subscription struct {
	ID                  string     `gorm:"type:varchar(36);primaryKey" json:"id"`
	CustomerID          string     `gorm:"type:varchar(36);not null;index" json:"customer_id"`
	ProjectID           string     `gorm:"type:varchar(36);not null;index" json:"project_id"`
	CurrentPhaseID      string     `gorm:"type:varchar(36);not null" json:"current_phase_id"`
	Status              string     `gorm:"type:varchar(16);not null;default:'active';index" json:"status"`
	Currency            string     `gorm:"type:varchar(3);not null;default:'USD'" json:"currency"`
	WhenToBill          string     `gorm:"type:varchar(16);not null;default:'pay_in_advance'" json:"when_to_bill"`
	StartCycle          int        `gorm:"not null;default:0" json:"start_cycle"`
	GracePeriodDays     int        `gorm:"not null;default:3" json:"grace_period_days"`
	BillingCycleStartAt time.Time  `gorm:"not null" json:"billing_cycle_start_at"`
	BillingCycleEndAt   time.Time  `gorm:"not null" json:"billing_cycle_end_at"`
	NextInvoiceAt       *time.Time `gorm:"index" json:"next_invoice_at,omitempty"`
	TrialEndsAt         *time.Time `gorm:"default:null" json:"trial_ends_at,omitempty"`
	PastDueAt           *time.Time `gorm:"default:null" json:"past_due_at,omitempty"`
	CancelAt            *time.Time `gorm:"index" json:"cancel_at,omitempty"`
	CanceledAt          *time.Time `gorm:"default:null" json:"canceled_at,omitempty"`
	ChangeAt            *time.Time `gorm:"default:null" json:"change_at,omitempty"`
	Prorated            bool       `gorm:"default:false" json:"prorated"`
	CreatedAt           time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt           time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsTerminal reports whether the status admits no further transitions.
func (s *Subscription) IsTerminal() bool {
	return s.Status == SubscriptionStatusCanceled || s.Status == SubscriptionStatusEnded
}

// EntitlingStatuses lists the statuses that still grant feature access.
// past_due keeps access during the grace period.
func EntitlingStatuses() []string {
	return []string{
		SubscriptionStatusTrialing,
		SubscriptionStatusActive,
		SubscriptionStatusPastDue,
	}
}
