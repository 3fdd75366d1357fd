package gate

import (
	"net/http"

	resp "github.com/zllovesuki/schoolplan/response"

	"go.uber.org/zap"
)

// SchoolIDFunc extracts the school of an incoming request
type SchoolIDFunc func(r *http.Request) string

// Require rejects requests from schools that may not use capability. It is meant for
// feature capabilities; a resource capability reserves one unit per request.
func (g *Gate) Require(capability Capability, schoolID SchoolIDFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := schoolID(r)
			if id == "" {
				resp.WriteError(w, r, resp.ErrUnauthorized())
				return
			}
			decision, err := g.CanUse(r.Context(), id, capability)
			if err != nil {
				g.Logger.Error("Unable to check capability",
					zap.String("SchoolID", id),
					zap.String("Capability", string(capability)),
					zap.Error(err),
				)
				resp.WriteError(w, r, resp.ErrUnexpected())
				return
			}
			if !decision.Allowed {
				resp.WriteError(w, r, DenialError(decision))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// DenialError maps a denied decision to its HTTP error
func DenialError(d Decision) *resp.Error {
	var e *resp.Error
	switch d.Reason {
	case ReasonPlanRestriction:
		e = resp.ErrPlanRestriction()
	case ReasonLimitExceeded:
		e = resp.ErrUsageLimit()
	default:
		e = resp.ErrNoSubscription()
	}
	return e.AddMessages(d.Detail).WithResult(d)
}
