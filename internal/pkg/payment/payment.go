package payment

import "context"

// Method is one stored payment method at the provider.
type Method struct {
	ID      string
	Type    string
	Default bool
}

// SessionInput describes a checkout/update session to create at the provider.
type SessionInput struct {
	CustomerID string
	ProjectID  string
	PlanSlug   string
	SuccessURL string
	CancelURL  string
}

// Provider is the narrow port to the external payment integration. The
// billing core only ever needs a session and a "has payment method" signal.
type Provider interface {
	CreateSession(ctx context.Context, in SessionInput) (sessionURL string, err error)
	ListPaymentMethods(ctx context.Context, customerID string) ([]Method, error)
	GetDefaultPaymentMethodID(ctx context.Context, customerID string) (string, error)
}

// HasPaymentMethod reports whether the customer has any usable payment
// method. Provider errors count as "no method": the billing task then takes
// the past_due path, which is recoverable, instead of silently invoicing.
func HasPaymentMethod(ctx context.Context, p Provider, customerID string) bool {
	if p == nil {
		return false
	}
	methods, err := p.ListPaymentMethods(ctx, customerID)
	if err != nil {
		return false
	}
	return len(methods) > 0
}

// NoopProvider is the dev/test provider: no sessions, no payment methods.
type NoopProvider struct{}

func (NoopProvider) CreateSession(context.Context, SessionInput) (string, error) {
	return "", nil
}

func (NoopProvider) ListPaymentMethods(context.Context, string) ([]Method, error) {
	return nil, nil
}

func (NoopProvider) GetDefaultPaymentMethodID(context.Context, string) (string, error) {
	return "", nil
}

// StaticProvider reports a fixed set of payment methods; tests use it to
// steer the past_due path.
type StaticProvider struct {
	Methods []Method
}

func (p StaticProvider) CreateSession(context.Context, SessionInput) (string, error) {
	return "", nil
}

func (p StaticProvider) ListPaymentMethods(context.Context, string) ([]Method, error) {
	return p.Methods, nil
}

func (p StaticProvider) GetDefaultPaymentMethodID(context.Context, string) (string, error) {
	for _, m := range p.Methods {
		if m.Default {
			return m.ID, nil
		}
	}
	if len(p.Methods) > 0 {
		return p.Methods[0].ID, nil
	}
	return "", nil
}
