package billing

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/zllovesuki/schoolplan/auth"
	"github.com/zllovesuki/schoolplan/gate"
	"github.com/zllovesuki/schoolplan/plan"
	resp "github.com/zllovesuki/schoolplan/response"
	"github.com/zllovesuki/schoolplan/subscription"

	"github.com/go-chi/chi"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

var validate *validator.Validate = validator.New()

// ServiceOptions contains the configuration for Service router
type ServiceOptions struct {
	Billing *Billing
	Auth    *auth.Auth
	Logger  *zap.Logger
}

// Service is the billing API router
type Service struct {
	ServiceOptions
}

// TrialRequest is the model of user request to start a trial
type TrialRequest struct {
	PlanID string `json:"planId" validate:"required"`
}

// PortalRequest is the model of user request for the billing portal
type PortalRequest struct {
	ReturnURL string `json:"returnUrl" validate:"required,url"`
}

// CancelRequest is the model of user request to cancel
type CancelRequest struct {
	AtPeriodEnd bool `json:"atPeriodEnd"`
}

// URLResponse carries a redirect target to the processor's hosted pages
type URLResponse struct {
	URL string `json:"url"`
}

// NewService will create an instance of the billing API router
func NewService(option ServiceOptions) (*Service, error) {
	if option.Billing == nil {
		return nil, fmt.Errorf("nil Billing is invalid")
	}
	if option.Auth == nil {
		return nil, fmt.Errorf("nil Auth is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	return &Service{
		ServiceOptions: option,
	}, nil
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		resp.WriteError(w, r, resp.ErrInvalidJson())
		return false
	}
	if err := validate.Struct(v); err != nil {
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages(err.Error()))
		return false
	}
	return true
}

// writeEngineError maps engine errors to HTTP errors
func (s *Service) writeEngineError(w http.ResponseWriter, r *http.Request, logger *zap.Logger, err error) {
	var validation *plan.ValidationError
	var trialUsed *subscription.TrialAlreadyUsedError
	var notCancellable *subscription.NotCancellableError
	var invalidTransition *subscription.InvalidTransitionError
	switch {
	case errors.As(err, &validation):
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages(validation.Error()))
	case errors.Is(err, subscription.ErrNotFound), errors.Is(err, plan.ErrPlanNotFound):
		resp.WriteError(w, r, resp.ErrNotFound().AddMessages(err.Error()))
	case errors.Is(err, ErrNoCustomer):
		resp.WriteError(w, r, resp.ErrConflict().AddMessages(err.Error()))
	case errors.As(err, &trialUsed), errors.As(err, &notCancellable), errors.As(err, &invalidTransition):
		resp.WriteError(w, r, resp.ErrConflict().AddMessages(err.Error()))
	default:
		logger.Error("Billing operation failed",
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected())
	}
}

func (s *Service) schoolLogger(r *http.Request) (string, *zap.Logger) {
	schoolID := chi.URLParam(r, "id")
	return schoolID, s.Logger.With(zap.String("SchoolID", schoolID))
}

func (s *Service) listPlans(w http.ResponseWriter, r *http.Request) {
	interval := plan.Interval(r.URL.Query().Get("interval"))
	resp.WriteResponse(w, r, s.Billing.Catalog.ListPlans(interval))
}

func (s *Service) summary(w http.ResponseWriter, r *http.Request) {
	schoolID, logger := s.schoolLogger(r)
	summary, err := s.Billing.Summary(r.Context(), schoolID)
	if err != nil {
		s.writeEngineError(w, r, logger, err)
		return
	}
	resp.WriteResponse(w, r, summary)
}

func (s *Service) startTrial(w http.ResponseWriter, r *http.Request) {
	schoolID, logger := s.schoolLogger(r)
	var req TrialRequest
	if !decode(w, r, &req) {
		return
	}
	sub, err := s.Billing.StartTrial(r.Context(), schoolID, req.PlanID)
	if err != nil {
		s.writeEngineError(w, r, logger, err)
		return
	}
	resp.WriteResponse(w, r, sub)
}

func (s *Service) checkout(w http.ResponseWriter, r *http.Request) {
	schoolID, logger := s.schoolLogger(r)
	var req CheckoutRequest
	if !decode(w, r, &req) {
		return
	}
	url, err := s.Billing.StartCheckout(r.Context(), schoolID, req)
	if err != nil {
		s.writeEngineError(w, r, logger, err)
		return
	}
	resp.WriteResponse(w, r, URLResponse{URL: url})
}

func (s *Service) portal(w http.ResponseWriter, r *http.Request) {
	schoolID, logger := s.schoolLogger(r)
	var req PortalRequest
	if !decode(w, r, &req) {
		return
	}
	url, err := s.Billing.PortalURL(r.Context(), schoolID, req.ReturnURL)
	if err != nil {
		s.writeEngineError(w, r, logger, err)
		return
	}
	resp.WriteResponse(w, r, URLResponse{URL: url})
}

func (s *Service) cancel(w http.ResponseWriter, r *http.Request) {
	schoolID, logger := s.schoolLogger(r)
	var req CancelRequest
	if !decode(w, r, &req) {
		return
	}
	sub, err := s.Billing.Cancel(r.Context(), schoolID, req.AtPeriodEnd)
	if err != nil {
		s.writeEngineError(w, r, logger, err)
		return
	}
	resp.WriteResponse(w, r, sub)
}

func (s *Service) reactivate(w http.ResponseWriter, r *http.Request) {
	schoolID, logger := s.schoolLogger(r)
	sub, err := s.Billing.Reactivate(r.Context(), schoolID)
	if err != nil {
		s.writeEngineError(w, r, logger, err)
		return
	}
	resp.WriteResponse(w, r, sub)
}

func (s *Service) capability(w http.ResponseWriter, r *http.Request) {
	schoolID, logger := s.schoolLogger(r)
	decision, err := s.Billing.Gate.Check(r.Context(), schoolID, gate.Capability(chi.URLParam(r, "capability")))
	if err != nil {
		s.writeEngineError(w, r, logger, err)
		return
	}
	resp.WriteResponse(w, r, decision)
}

func (s *Service) reconcileUsage(w http.ResponseWriter, r *http.Request) {
	schoolID, logger := s.schoolLogger(r)
	corrected, err := s.Billing.Meter.Reconcile(r.Context(), schoolID)
	if err != nil {
		s.writeEngineError(w, r, logger, err)
		return
	}
	resp.WriteResponse(w, r, corrected)
}

func (s *Service) upsertPlan(w http.ResponseWriter, r *http.Request) {
	logger := s.Logger.With(zap.String("PlanID", chi.URLParam(r, "planID")))
	var p plan.Plan
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		resp.WriteError(w, r, resp.ErrInvalidJson())
		return
	}
	p.ID = chi.URLParam(r, "planID")
	saved, err := s.Billing.SavePlan(r.Context(), p)
	if errors.Is(err, ErrPlanNotSynced) {
		resp.WriteError(w, r, resp.ErrUnavailable().AddMessages(err.Error()).WithResult(saved))
		return
	}
	if err != nil {
		s.writeEngineError(w, r, logger, err)
		return
	}
	resp.WriteResponse(w, r, saved)
}

func (s *Service) retirePlan(w http.ResponseWriter, r *http.Request) {
	logger := s.Logger.With(zap.String("PlanID", chi.URLParam(r, "planID")))
	retired, err := s.Billing.Catalog.Retire(r.Context(), chi.URLParam(r, "planID"))
	if err != nil {
		s.writeEngineError(w, r, logger, err)
		return
	}
	resp.WriteResponse(w, r, retired)
}

func (s *Service) syncPlans(w http.ResponseWriter, r *http.Request) {
	plans := s.Billing.Catalog.ListPlans("")
	if err := s.Billing.Processor.SyncPlans(r.Context(), plans); err != nil {
		s.Logger.Error("Unable to sync plans with processor",
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Unable to sync plans"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Router will return the routes under billing API
func (s *Service) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/plans", s.listPlans)

	r.Group(func(r chi.Router) {
		r.Use(s.Auth.Middleware())
		r.Use(s.Auth.ClaimCheck())

		r.Route("/schools/{id}", func(r chi.Router) {
			r.Use(s.Auth.SchoolAccess("id"))

			r.Get("/", s.summary)
			r.Post("/trial", s.startTrial)
			r.Post("/checkout", s.checkout)
			r.Post("/portal", s.portal)
			r.Post("/cancel", s.cancel)
			r.Post("/reactivate", s.reactivate)
			r.Get("/capabilities/{capability}", s.capability)
			r.With(s.Auth.AdminOnly()).Post("/reconcile", s.reconcileUsage)
		})

		r.Route("/plans/{planID}", func(r chi.Router) {
			r.Use(s.Auth.AdminOnly())

			r.Put("/", s.upsertPlan)
			r.Delete("/", s.retirePlan)
		})
		r.With(s.Auth.AdminOnly()).Post("/plans/sync", s.syncPlans)
	})

	return r
}
