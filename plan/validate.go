package plan

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate *validator.Validate = validator.New()

// Validate checks the plan definition before it is accepted by the Catalog
func (p *Plan) Validate() error {
	if err := validate.Struct(p); err != nil {
		var fieldErrors validator.ValidationErrors
		if errors.As(err, &fieldErrors) && len(fieldErrors) > 0 {
			fe := fieldErrors[0]
			return &ValidationError{
				Field:   fe.Namespace(),
				Message: fmt.Sprintf("failed on '%s' (param: %s, value: %v)", fe.Tag(), fe.Param(), fe.Value()),
			}
		}
		return &ValidationError{Field: "Plan", Message: err.Error()}
	}
	for _, f := range p.Features {
		if !f.IsKnown() {
			return &ValidationError{
				Field:   "Plan.Features",
				Message: fmt.Sprintf("unknown feature %q", f),
			}
		}
	}
	return nil
}
