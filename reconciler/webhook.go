package reconciler

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/zllovesuki/schoolplan/external"
	resp "github.com/zllovesuki/schoolplan/response"
	"github.com/zllovesuki/schoolplan/subscription"

	"go.uber.org/zap"
)

const maxWebhookBody = 65536

// EventParser verifies and decodes a processor webhook delivery
type EventParser interface {
	ParseWebhook(payload []byte, signature string) (subscription.Event, error)
}

// WebhookResponse is the body returned to the processor
type WebhookResponse struct {
	EventID string `json:"eventId"`
	Status  string `json:"status"`
	Reason  Reason `json:"reason,omitempty"`
}

// WebhookHandler returns the processor webhook endpoint. Final outcomes answer 200,
// bad signatures 400, timeouts 503 and other failures 500 so the processor redelivers.
func (r *Reconciler) WebhookHandler(parser EventParser, timeout time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		payload, err := io.ReadAll(http.MaxBytesReader(w, req.Body, maxWebhookBody))
		if err != nil {
			resp.WriteError(w, req, resp.ErrBadRequest().AddMessages("Unable to read body"))
			return
		}

		event, err := parser.ParseWebhook(payload, req.Header.Get("Stripe-Signature"))
		switch {
		case errors.Is(err, external.ErrInvalidSignature):
			r.Logger.Warn("Webhook signature verification failed",
				zap.Error(err),
			)
			resp.WriteError(w, req, resp.ErrInvalidSignature())
			return
		case errors.Is(err, external.ErrUnsupportedEvent):
			resp.WriteResponse(w, req, WebhookResponse{EventID: event.ID, Status: "ignored"})
			return
		case errors.Is(err, external.ErrMalformedEvent):
			r.Metrics.RecordEvent(string(event.Type), string(ReasonInvalidEvent))
			r.Logger.Warn("Billing event rejected",
				zap.String("EventID", event.ID),
				zap.String("Reason", string(ReasonInvalidEvent)),
				zap.Error(err),
			)
			resp.WriteResponse(w, req, WebhookResponse{EventID: event.ID, Status: "rejected", Reason: ReasonInvalidEvent})
			return
		case err != nil:
			r.Logger.Error("Unable to parse webhook",
				zap.Error(err),
			)
			resp.WriteError(w, req, resp.ErrUnexpected())
			return
		}

		ctx := req.Context()
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		result, err := r.Handle(ctx, event)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
				resp.WriteError(w, req, resp.ErrUnavailable().AddMessages("Processing timed out"))
				return
			}
			resp.WriteError(w, req, resp.ErrUnexpected())
			return
		}

		body := WebhookResponse{EventID: event.ID, Status: "processed"}
		if !result.Ack {
			body.Status = "rejected"
			body.Reason = result.Reason
		}
		resp.WriteResponse(w, req, body)
	}
}
