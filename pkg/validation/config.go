package validation

import (
	"fmt"
	"time"
)

// ConfigValidator provides a fluent interface for validating configuration values.
// It collects all validation errors rather than failing on the first one.
type ConfigValidator struct {
	errors []error
	name   string // config struct name for error messages
}

// NewConfigValidator creates a new config validator with the given config name.
func NewConfigValidator(configName string) *ConfigValidator {
	return &ConfigValidator{
		name:   configName,
		errors: make([]error, 0),
	}
}

func (cv *ConfigValidator) add(field, format string, args ...any) {
	cv.errors = append(cv.errors, fmt.Errorf("%s.%s: %s", cv.name, field, fmt.Sprintf(format, args...)))
}

// Required validates that a string field is not empty.
func (cv *ConfigValidator) Required(field, value string) *ConfigValidator {
	if value == "" {
		cv.add(field, "required field is empty")
	}
	return cv
}

// MinInt validates that an int field is at least the minimum value.
func (cv *ConfigValidator) MinInt(field string, value, min int) *ConfigValidator {
	if value < min {
		cv.add(field, "value %d is below minimum %d", value, min)
	}
	return cv
}

// RangeInt64 validates that an int64 field (typically a byte size) is within range.
func (cv *ConfigValidator) RangeInt64(field string, value, min, max int64) *ConfigValidator {
	if value < min || value > max {
		cv.add(field, "value %d is outside range [%d, %d]", value, min, max)
	}
	return cv
}

// MinDuration validates that a duration is at least the minimum.
func (cv *ConfigValidator) MinDuration(field string, value, min time.Duration) *ConfigValidator {
	if value < min {
		cv.add(field, "duration %v is below minimum %v", value, min)
	}
	return cv
}

// NonNegativeDuration validates that a duration is not negative.
func (cv *ConfigValidator) NonNegativeDuration(field string, value time.Duration) *ConfigValidator {
	if value < 0 {
		cv.add(field, "duration %v must be non-negative", value)
	}
	return cv
}

// NonNegative validates that an int field is non-negative (>= 0).
func (cv *ConfigValidator) NonNegative(field string, value int) *ConfigValidator {
	if value < 0 {
		cv.add(field, "value %d must be non-negative", value)
	}
	return cv
}

// OneOf validates that a string field is one of the allowed values.
func (cv *ConfigValidator) OneOf(field, value string, allowed []string) *ConfigValidator {
	for _, a := range allowed {
		if value == a {
			return cv
		}
	}
	cv.add(field, "value %q must be one of %v", value, allowed)
	return cv
}

// Custom applies a custom validation function.
func (cv *ConfigValidator) Custom(field string, fn func() error) *ConfigValidator {
	if err := fn(); err != nil {
		cv.errors = append(cv.errors, fmt.Errorf("%s.%s: %w", cv.name, field, err))
	}
	return cv
}

// When conditionally applies validations if the condition is true.
func (cv *ConfigValidator) When(condition bool, validations func(*ConfigValidator)) *ConfigValidator {
	if condition {
		validations(cv)
	}
	return cv
}

// Struct runs the struct-tag rules on v and records every violation.
func (cv *ConfigValidator) Struct(v any) *ConfigValidator {
	for _, err := range structErrors(v) {
		cv.errors = append(cv.errors, fmt.Errorf("%s.%w", cv.name, err))
	}
	return cv
}

// HasErrors returns true if any validation errors occurred.
func (cv *ConfigValidator) HasErrors() bool {
	return len(cv.errors) > 0
}

// Errors returns all validation errors.
func (cv *ConfigValidator) Errors() []error {
	return cv.errors
}

// Validate returns a combined error if any validations failed.
// The first violation stays reachable through errors.Unwrap.
func (cv *ConfigValidator) Validate() error {
	if len(cv.errors) == 0 {
		return nil
	}
	if len(cv.errors) == 1 {
		return cv.errors[0]
	}
	return fmt.Errorf("%s validation failed with %d errors: %w", cv.name, len(cv.errors), cv.errors[0])
}

// DefaultOrInt returns the value if it's positive, otherwise returns the default.
func DefaultOrInt(value, defaultValue int) int {
	if value <= 0 {
		return defaultValue
	}
	return value
}

// DefaultOrInt64 returns the value if it's positive, otherwise returns the default.
func DefaultOrInt64(value, defaultValue int64) int64 {
	if value <= 0 {
		return defaultValue
	}
	return value
}

// DefaultOrDuration returns the value if it's positive, otherwise returns the default.
func DefaultOrDuration(value, defaultValue time.Duration) time.Duration {
	if value <= 0 {
		return defaultValue
	}
	return value
}

// DefaultOrString returns the value if it's non-empty, otherwise returns the default.
func DefaultOrString(value, defaultValue string) string {
	if value == "" {
		return defaultValue
	}
	return value
}
