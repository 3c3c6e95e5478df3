package app

import (
	"errors"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// validateInput turns struct tag violations into a 422 listing each field
// with the rule it broke.
func (s *Service) validateInput(input any) error {
	fields, err := s.fieldErrors(s.validate.Struct(input))
	if err != nil {
		return err
	}
	if len(fields) > 0 {
		return invalidFields(fields)
	}
	return nil
}

// fieldErrors maps validation failures to field name and tag. Errors that
// are not validation failures are returned as is.
func (s *Service) fieldErrors(err error) (map[string]string, error) {
	fields := map[string]string{}
	if err == nil {
		return fields, nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return nil, err
	}
	for _, fe := range verrs {
		fields[fe.Field()] = fe.Tag()
	}
	return fields, nil
}

func invalidFields(fields map[string]string) error {
	return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Invalid input", map[string]any{"fields": fields})
}
