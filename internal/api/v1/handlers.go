package apiv1

import (
	"errors"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/jhonsfran1165/unprice-sub000/internal/pkg/billing"
	"github.com/jhonsfran1165/unprice-sub000/internal/pkg/entitlements"
	"github.com/jhonsfran1165/unprice-sub000/internal/pkg/errs"
	"github.com/jhonsfran1165/unprice-sub000/internal/pkg/guard"
	"github.com/jhonsfran1165/unprice-sub000/internal/pkg/usage"
)

var validate = validator.New()

// APIServer exposes the entitlement, usage and subscription endpoints.
type APIServer struct {
	guard    *guard.Guard
	meter    *usage.Meter
	ents     *entitlements.Service
	invoices *billing.InvoiceTask
	cancels  *billing.CancellationTask
	sm       *billing.StateMachine
}

func NewAPIServer(g *guard.Guard, m *usage.Meter, e *entitlements.Service, inv *billing.InvoiceTask, can *billing.CancellationTask, sm *billing.StateMachine) *APIServer {
	return &APIServer{guard: g, meter: m, ents: e, invoices: inv, cancels: can, sm: sm}
}

// RegisterHandlers mounts all v1 routes on the given group.
func RegisterHandlers(v1 fiber.Router, s *APIServer) {
	v1.Get("/ping", s.GetPing)
	v1.Post("/features/verify", s.PostVerifyFeature)
	v1.Post("/usage/report", s.PostReportUsage)
	v1.Get("/customers/:customerID/entitlements", s.GetEntitlements)
	v1.Get("/customers/:customerID/usage/:featureSlug", s.GetCurrentUsage)
	v1.Post("/subscriptions/:subscriptionID/cancel", s.PostCancelSubscription)
	v1.Post("/subscriptions/:subscriptionID/invoice", s.PostInvoiceSubscription)
	v1.Post("/subscriptions/:subscriptionID/change-plan", s.PostChangePlan)
}

// GetPing handles the health probe.
func (s *APIServer) GetPing(c *fiber.Ctx) error {
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"ping": "pong"})
}

// PostVerifyFeature answers the hot-path access check. Denials are part of
// the decision payload; strict mode turns them into error responses.
func (s *APIServer) PostVerifyFeature(c *fiber.Ctx) error {
	var req VerifyFeatureRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}

	now := time.Now().UTC()
	var decision guard.AccessDecision
	var err error
	if req.Strict {
		decision, err = s.guard.VerifyFeatureStrict(c.UserContext(), req.CustomerID, req.FeatureSlug, req.ProjectID, now)
	} else {
		decision, err = s.guard.VerifyFeature(c.UserContext(), req.CustomerID, req.FeatureSlug, req.ProjectID, now)
	}
	if err != nil {
		return writeError(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(decision)
}

// PostReportUsage records consumed units. Over-limit and negative amounts are
// accepted and flagged in the response, not rejected.
func (s *APIServer) PostReportUsage(c *fiber.Ctx) error {
	var req ReportUsageRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}

	result, err := s.meter.ReportUsage(c.UserContext(), usage.ReportUsageInput{
		CustomerID:     req.CustomerID,
		ProjectID:      req.ProjectID,
		FeatureSlug:    req.FeatureSlug,
		Usage:          req.Usage,
		At:             time.Now().UTC(),
		IdempotenceKey: req.IdempotenceKey,
	})
	if err != nil {
		return writeError(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(result)
}

// GetEntitlements returns the customer's active feature entitlements.
func (s *APIServer) GetEntitlements(c *fiber.Ctx) error {
	customerID := c.Params("customerID")
	projectID := c.Query("project_id")
	if projectID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "BAD_REQUEST", Message: "project_id is required"})
	}

	ents, err := s.ents.GetEntitlements(c.UserContext(), customerID, projectID, time.Now().UTC())
	if err != nil {
		return writeError(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"entitlements": ents})
}

// GetCurrentUsage returns the customer's consumption for one feature in the
// requested period, defaulting to the current month.
func (s *APIServer) GetCurrentUsage(c *fiber.Ctx) error {
	customerID := c.Params("customerID")
	featureSlug := c.Params("featureSlug")
	projectID := c.Query("project_id")
	if projectID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "BAD_REQUEST", Message: "project_id is required"})
	}

	now := time.Now().UTC()
	year := queryInt(c, "year", now.Year())
	month := queryInt(c, "month", int(now.Month()))
	if month < 1 || month > 12 {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "BAD_REQUEST", Message: "month must be 1-12"})
	}

	current, err := s.meter.GetCurrentUsage(c.UserContext(), customerID, projectID, featureSlug, year, month)
	if err != nil {
		return writeError(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(current)
}

// PostCancelSubscription schedules a cancellation at the cycle end, or runs
// it immediately with the final settlement invoice.
func (s *APIServer) PostCancelSubscription(c *fiber.Ctx) error {
	var req CancelSubscriptionRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}

	in := billing.TaskInput{
		SubscriptionID: c.Params("subscriptionID"),
		CustomerID:     req.CustomerID,
		Now:            time.Now().UTC(),
	}
	res, err := s.cancels.Run(c.UserContext(), in, req.Immediate)
	if err != nil {
		return writeError(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"applied": res.Applied, "reason": res.Reason})
}

// PostInvoiceSubscription triggers the invoice task for one subscription.
func (s *APIServer) PostInvoiceSubscription(c *fiber.Ctx) error {
	var req InvoiceSubscriptionRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}

	in := billing.TaskInput{
		SubscriptionID: c.Params("subscriptionID"),
		CustomerID:     req.CustomerID,
		Now:            time.Now().UTC(),
	}
	res, err := s.invoices.Run(c.UserContext(), in)
	if err != nil {
		return writeError(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(res)
}

// PostChangePlan moves the subscription to another plan version.
func (s *APIServer) PostChangePlan(c *fiber.Ctx) error {
	var req ChangePlanRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}

	spec := billing.PhaseSpec{PlanVersionID: req.PlanVersionID}
	for _, item := range req.Items {
		spec.Items = append(spec.Items, billing.ItemSpec{
			PlanVersionFeatureID: item.PlanVersionFeatureID,
			Units:                item.Units,
		})
	}
	changeAt := time.Now().UTC()
	if req.ChangeAt != nil {
		changeAt = req.ChangeAt.UTC()
	}

	res, err := s.sm.ChangePlan(c.UserContext(), c.Params("subscriptionID"), spec, changeAt)
	if err != nil {
		return writeError(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"new_phase_id": res.NewPhaseID, "status": res.Status})
}

func parseBody(c *fiber.Ctx, out interface{}) error {
	if err := c.BodyParser(out); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "BAD_REQUEST", Message: "invalid request body"})
	}
	if err := validate.Struct(out); err != nil {
		return c.Status(fiber.StatusUnprocessableEntity).JSON(ErrorResponse{Error: "VALIDATION_FAILED", Message: err.Error()})
	}
	return nil
}

func queryInt(c *fiber.Ctx, name string, fallback int) int {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	if v, err := strconv.Atoi(raw); err == nil {
		return v
	}
	return fallback
}

// writeError maps the error taxonomy onto HTTP statuses. Customer errors
// keep their stable code in the envelope; fetch errors surface as 503 so
// callers retry.
func writeError(c *fiber.Ctx, err error) error {
	var ce *errs.CustomerError
	if errors.As(err, &ce) {
		status := fiber.StatusInternalServerError
		switch ce.Code {
		case errs.CodeNotFound, errs.CodeFeatureNotFoundInSubscription, errs.CodeFeatureHasNoUsageRecord:
			status = fiber.StatusNotFound
		case errs.CodeUsageExceeded:
			status = fiber.StatusForbidden
		case errs.CodeUnhandledError:
			status = fiber.StatusConflict
		}
		return c.Status(status).JSON(ErrorResponse{Error: string(ce.Code), Message: ce.Message})
	}
	if errs.IsFetchError(err) {
		return c.Status(fiber.StatusServiceUnavailable).JSON(ErrorResponse{
			Error:   string(errs.CodeUnhandledError),
			Message: "temporarily unavailable, retry later",
		})
	}
	return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{
		Error:   string(errs.CodeUnhandledError),
		Message: err.Error(),
	})
}
