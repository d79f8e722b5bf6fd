package agent

import "fmt"

// ConfigError marks a failure caused by an invalid or incomplete assistant
// definition rather than a runtime fault.
type ConfigError struct {
	Message string
}

func (e *ConfigError) Error() string {
	return e.Message
}

// NewConfigError builds a ConfigError with a formatted message.
func NewConfigError(format string, args ...interface{}) *ConfigError {
	return &ConfigError{Message: fmt.Sprintf(format, args...)}
}

// LimitError marks a run terminated by an execution limit.
type LimitError struct {
	Message string
}

func (e *LimitError) Error() string {
	return e.Message
}
