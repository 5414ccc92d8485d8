package engine

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// report JSON names so details match the request body
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// BindBody parses the JSON body into dst and validates its struct tags.
func BindBody(c *fiber.Ctx, dst any) error {
	if err := c.BodyParser(dst); err != nil {
		return InvalidPayloadError("Invalid JSON body")
	}
	return ValidateStruct(dst)
}

// ValidateStruct runs validator tags on v. Failures become a
// VALIDATION_FAILED error.
func ValidateStruct(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return InvalidPayloadError(err.Error())
	}
	details := make([]ErrorDetail, 0, len(verrs))
	for _, fe := range verrs {
		details = append(details, ErrorDetail{
			Field:   fe.Field(),
			Rule:    fe.Tag(),
			Message: fmt.Sprintf("%s failed %s validation", fe.Field(), fe.Tag()),
		})
	}
	return ValidationError(details)
}
