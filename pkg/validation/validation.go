package validation

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	dErrors "clinicore/pkg/domain-errors"
)

var defaultValidator = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report fields by their wire name so messages match the request body.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		switch name {
		case "-":
			return ""
		case "":
			return f.Name
		}
		return name
	})
	_ = v.RegisterValidation("notblank", func(fl validator.FieldLevel) bool {
		return strings.TrimSpace(fl.Field().String()) != ""
	})
	return v
}

var tagMessages = map[string]string{
	"required": "is required",
	"uuid":     "must be a valid uuid",
	"email":    "must be a valid email",
	"notblank": "must not be blank",
	"json":     "must be valid json",
}

// Validate checks struct tags on req and reports the first failure as a
// validation_failed domain error.
func Validate(req any) error {
	if err := defaultValidator.Struct(req); err != nil {
		return dErrors.New(dErrors.CodeValidation, ErrorMessage(err))
	}
	return nil
}

func ErrorMessage(err error) string {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return "invalid request body"
	}
	fe := fieldErrs[0]
	if fe.ActualTag() == "oneof" {
		return fmt.Sprintf("%s must be one of [%s]", fe.Field(), fe.Param())
	}
	msg, ok := tagMessages[fe.ActualTag()]
	if !ok {
		msg = "is invalid"
	}
	return fe.Field() + " " + msg
}
