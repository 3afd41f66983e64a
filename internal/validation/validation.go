package validation

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/go-playground/validator/v10"

	"flight-booking-api/internal/models"
)

var (
	uuidRegex  = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-4[0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}$`)
	routeRegex = regexp.MustCompile(`^[A-Za-z]{3}-[A-Za-z]{3}$`)

	validate = newValidator()
)

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
}

// IsValidationError reports whether err wraps a *ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})
	return v
}

// Struct validates s using its `validate` tags and returns the first failure
// as a *ValidationError.
func Struct(s interface{}) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return &ValidationError{Field: "body", Message: err.Error()}
	}

	fe := fieldErrs[0]
	return &ValidationError{
		Field:   fe.Field(),
		Message: messageFor(fe),
	}
}

func messageFor(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "uuid4":
		return "must be a valid UUID v4"
	case "email":
		return "must be a valid email address"
	case "oneof":
		return "must be one of: " + fe.Param()
	case "len":
		return "must be exactly " + fe.Param() + " characters"
	case "gt":
		return "must be greater than " + fe.Param()
	case "gte":
		return "must be at least " + fe.Param()
	case "lte", "max":
		return "must be at most " + fe.Param()
	case "min":
		return "must be at least " + fe.Param()
	case "gtfield":
		return "must be after " + fe.Param()
	case "nefield":
		return "must differ from " + fe.Param()
	case "alpha":
		return "must contain only letters"
	default:
		return "failed '" + fe.Tag() + "' check"
	}
}

func ValidateOffer(offer models.Offer) error {
	if err := Struct(offer); err != nil {
		return err
	}

	seen := make(map[string]bool)
	for i, route := range offer.Routes {
		if !routeRegex.MatchString(route) {
			return &ValidationError{
				Field:   fmt.Sprintf("routes[%d]", i),
				Message: "must look like ORIGIN-DESTINATION, e.g. JFK-LAX",
			}
		}
		key := strings.ToUpper(route)
		if seen[key] {
			return &ValidationError{
				Field:   "routes",
				Message: fmt.Sprintf("duplicate route: %s", route),
			}
		}
		seen[key] = true
	}

	maxDuration := 2 * 365 * 24 * time.Hour
	if offer.EndsAt.Sub(offer.StartsAt) > maxDuration {
		return &ValidationError{
			Field:   "endsAt",
			Message: "offer duration cannot exceed 2 years",
		}
	}

	return nil
}

func ValidateFlight(flight models.Flight) error {
	if err := Struct(flight); err != nil {
		return err
	}

	if flight.EconomySeats+flight.BusinessSeats+flight.FirstSeats == 0 {
		return &ValidationError{
			Field:   "economySeats",
			Message: "flight must have at least one seat",
		}
	}

	return nil
}

func SanitizeString(s string) string {
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && r != '\n' && r != '\r' && r != '\t' {
			return -1
		}
		return r
	}, s)

	return strings.TrimSpace(s)
}

func ValidateUUID(id, fieldName string) error {
	if id == "" {
		return &ValidationError{
			Field:   fieldName,
			Message: "is required",
		}
	}

	id = SanitizeString(id)

	if !uuidRegex.MatchString(strings.ToLower(id)) {
		return &ValidationError{
			Field:   fieldName,
			Message: "must be a valid UUID v4",
		}
	}

	return nil
}

func ValidateTimeString(timeStr string) (time.Time, error) {
	if timeStr == "" {
		return time.Time{}, &ValidationError{
			Field:   "time",
			Message: "is required",
		}
	}

	t, err := time.Parse(time.RFC3339, timeStr)
	if err != nil {
		return time.Time{}, &ValidationError{
			Field:   "time",
			Message: "must be a valid RFC3339 timestamp",
		}
	}

	return t, nil
}
