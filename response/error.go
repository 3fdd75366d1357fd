package response

import "fmt"

// Error is the error half of the response envelope
type Error struct {
	StatusCode int         `json:"-"`
	Message    string      `json:"message"`
	Messages   []string    `json:"messages"`
	Result     interface{} `json:"result"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *Error) WithMessage(msg string) *Error {
	e.Message = msg
	return e
}

func (e *Error) AddMessages(msgs ...string) *Error {
	e.Messages = append(e.Messages, msgs...)
	return e
}

func (e *Error) WithResult(result interface{}) *Error {
	e.Result = result
	return e
}

func makeError(status int) *Error {
	return &Error{
		StatusCode: status,
		Messages:   make([]string, 0),
		Result:     []string{},
	}
}

// -----------------------------------------------

func ErrUnexpected() *Error {
	return makeError(500).
		WithMessage("An unexpected error has occured")
}

func ErrBadRequest() *Error {
	return makeError(400).
		WithMessage("Bad request")
}

func ErrUnauthorized() *Error {
	return makeError(401).
		WithMessage("Unauthorized")
}

func ErrPaymentRequired() *Error {
	return makeError(402).
		WithMessage("Payment required")
}

func ErrForbidden() *Error {
	return makeError(403).
		WithMessage("Forbidden")
}

func ErrNotFound() *Error {
	return makeError(404).
		WithMessage("Requested resources not found")
}

func ErrConflict() *Error {
	return makeError(409).
		WithMessage("Conflict")
}

func ErrUnavailable() *Error {
	return makeError(503).
		WithMessage("Service temporarily unavailable")
}

func ErrInvalidJson() *Error {
	return ErrBadRequest().AddMessages("Invalid JSON body")
}

func ErrNoBearer() *Error {
	return ErrUnauthorized().AddMessages("No valid Bearer token found in header")
}

func ErrInvalidSignature() *Error {
	return ErrBadRequest().AddMessages("Invalid webhook signature")
}

func ErrSchoolAccess() *Error {
	return ErrForbidden().AddMessages("Token does not grant access to this school")
}

func ErrAdminOnly() *Error {
	return ErrForbidden().AddMessages("Administrator token required")
}

// ErrNoSubscription is returned when the school has no usable subscription
func ErrNoSubscription() *Error {
	return ErrPaymentRequired().WithMessage("Subscription required")
}

// ErrUsageLimit is returned when a reservation would exceed the plan limit
func ErrUsageLimit() *Error {
	return ErrPaymentRequired().WithMessage("Usage limit reached")
}

// ErrPlanRestriction is returned when the current plan does not include a feature
func ErrPlanRestriction() *Error {
	return ErrForbidden().WithMessage("Not included in the current plan")
}
