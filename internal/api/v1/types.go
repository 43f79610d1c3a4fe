package apiv1

import "time"

// VerifyFeatureRequest asks whether a customer may use a feature right now.
type VerifyFeatureRequest struct {
	CustomerID  string `json:"customer_id" validate:"required,max=36"`
	ProjectID   string `json:"project_id" validate:"required"`
	FeatureSlug string `json:"feature_slug" validate:"required,max=191"`
	Strict      bool   `json:"strict"`
}

// ReportUsageRequest records consumed units against a metered feature. The
// idempotence key scopes retries: the same key with the same payload is
// applied at most once per minute window.
type ReportUsageRequest struct {
	CustomerID     string `json:"customer_id" validate:"required"`
	ProjectID      string `json:"project_id" validate:"required"`
	FeatureSlug    string `json:"feature_slug" validate:"required,max=191"`
	Usage          int64  `json:"usage" validate:"required"`
	IdempotenceKey string `json:"idempotence_key" validate:"omitempty,max=191"`
}

// CancelSubscriptionRequest cancels a subscription, at the end of the cycle
// by default or immediately when requested.
type CancelSubscriptionRequest struct {
	CustomerID string `json:"customer_id" validate:"required"`
	Immediate  bool   `json:"immediate"`
}

// InvoiceSubscriptionRequest triggers the invoice task for one subscription
// outside the regular sweep.
type InvoiceSubscriptionRequest struct {
	CustomerID string `json:"customer_id" validate:"required"`
}

// ChangePlanItem selects one plan-version feature for the new phase.
type ChangePlanItem struct {
	PlanVersionFeatureID string `json:"plan_version_feature_id" validate:"required"`
	Units                int64  `json:"units" validate:"omitempty,min=1"`
}

// ChangePlanRequest moves a subscription to another plan version. Omitted
// items default to every feature of the version with one unit; an omitted
// change time means now.
type ChangePlanRequest struct {
	PlanVersionID string           `json:"plan_version_id" validate:"required"`
	Items         []ChangePlanItem `json:"items" validate:"omitempty,dive"`
	ChangeAt      *time.Time       `json:"change_at"`
}

// ErrorResponse is the uniform error envelope. Code carries the stable
// machine-readable error code.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
