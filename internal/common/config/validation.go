package config

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// LogValidationErrors logs one line per field that failed validation. Other errors are logged as they are.
func LogValidationErrors(err error) {
	var fieldErrors validator.ValidationErrors
	if !errors.As(err, &fieldErrors) {
		log.Errorf("ConfigError: %s", err)
		return
	}
	for _, fieldError := range fieldErrors {
		log.Errorf("ConfigError: %s", describe(fieldError))
	}
}

func describe(fieldError validator.FieldError) string {
	field := fieldPath(fieldError.Namespace())
	switch fieldError.Tag() {
	case "required":
		return fmt.Sprintf("%s is required but was not set", field)
	case "gt", "gte", "lt", "lte":
		return fmt.Sprintf("%s is %v; it must be %s %s", field, fieldError.Value(), comparisons[fieldError.Tag()], fieldError.Param())
	case "gtefield":
		return fmt.Sprintf("%s is %v; it must be at least %s", field, fieldError.Value(), fieldError.Param())
	default:
		return fmt.Sprintf("%s has invalid value %v (%s)", field, fieldError.Value(), fieldError.Tag())
	}
}

var comparisons = map[string]string{
	"gt":  "greater than",
	"gte": "at least",
	"lt":  "less than",
	"lte": "at most",
}

// fieldPath drops the root struct name, so Configuration.Inbox.Interval becomes Inbox.Interval.
func fieldPath(namespace string) string {
	if idx := strings.Index(namespace, "."); idx != -1 {
		return namespace[idx+1:]
	}
	return namespace
}
