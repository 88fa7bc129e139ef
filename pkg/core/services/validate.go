package services

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/jakechorley/blood-match/pkg/core/apperr"
)

var validate = validator.New()

// validateInput runs struct tag validation and reports the first failure as
// an apperr.ValidationError
func validateInput(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		return apperr.Validation(fe.Field(), "failed %s", describeTag(fe))
	}
	return apperr.Validation("", "%v", err)
}

func describeTag(fe validator.FieldError) string {
	if fe.Param() == "" {
		return fe.Tag()
	}
	return fmt.Sprintf("%s=%s", fe.Tag(), fe.Param())
}
