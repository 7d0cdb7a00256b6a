package validation

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// validate is a singleton validator instance
var validate = validator.New()

// structErrors runs the `validate` struct tags of v and returns one
// readable error per failing field.
func structErrors(v any) []error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}

	var validationErrs validator.ValidationErrors
	if !errors.As(err, &validationErrs) {
		return []error{err}
	}

	out := make([]error, 0, len(validationErrs))
	for _, e := range validationErrs {
		out = append(out, formatFieldError(e))
	}
	return out
}

func formatFieldError(e validator.FieldError) error {
	field := e.Field()
	param := e.Param()

	switch e.Tag() {
	case "required":
		return fmt.Errorf("%s: field is required", field)
	case "min", "gte":
		return fmt.Errorf("%s: must be at least %s", field, param)
	case "max", "lte":
		return fmt.Errorf("%s: must not exceed %s", field, param)
	case "oneof":
		return fmt.Errorf("%s: must be one of [%s]", field, param)
	default:
		return fmt.Errorf("%s: validation failed (%s)", field, e.Tag())
	}
}
