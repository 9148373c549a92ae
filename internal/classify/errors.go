package classify

import (
	"errors"
	"fmt"
)

// ConfigurationError reports an invalid classifier rule. It is raised by New,
// never by Classify.
type ConfigurationError struct {
	Field  string
	Value  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("invalid classifier config %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid classifier config %s %q: %s", e.Field, e.Value, e.Reason)
}

// IsConfigurationError reports whether err contains a ConfigurationError.
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

func configErr(field, value, reason string) error {
	return &ConfigurationError{Field: field, Value: value, Reason: reason}
}
