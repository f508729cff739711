package common

import (
	"errors"
	"fmt"
)

var (
	ErrOrderNotFound = errors.New("order not found")
	ErrInvalidOrder  = errors.New("invalid order")
)

// ConfigError reports invalid or missing configuration.
type ConfigError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ConfigError) Error() string {
	msg := fmt.Sprintf("config %s: %s", e.Field, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConfigError) Unwrap() error { return e.Err }

// MissingDependencyError reports that a broker's runtime dependency is absent.
type MissingDependencyError struct {
	Broker  string
	Package string
	Err     error
}

func (e *MissingDependencyError) Error() string {
	return fmt.Sprintf("broker %s requires %s; install it to enable this broker", e.Broker, e.Package)
}

func (e *MissingDependencyError) Unwrap() error { return e.Err }

// DuplicateRegistrationError reports a second registration of a kind or name.
type DuplicateRegistrationError struct {
	Key string
}

func (e *DuplicateRegistrationError) Error() string {
	return fmt.Sprintf("broker %q already registered", e.Key)
}

// RouteAuthError explains why a request could not be bound to an instance.
// It is only logged; clients see a plain not-found.
type RouteAuthError struct {
	InstanceID string
	Reason     string
}

func (e *RouteAuthError) Error() string {
	return fmt.Sprintf("instance %q: %s", e.InstanceID, e.Reason)
}

// BrokerOperationError wraps any failure raised while talking to a partner.
type BrokerOperationError struct {
	InstanceID string
	Broker     string
	Display    string
	Err        error
}

func (e *BrokerOperationError) Error() string {
	return fmt.Sprintf("[%s]%s(%s) error: %v", e.InstanceID, e.Broker, e.Display, e.Err)
}

func (e *BrokerOperationError) Unwrap() error { return e.Err }

// UnsupportedOperationError reports a capability a broker does not offer.
type UnsupportedOperationError struct {
	Broker    string
	Operation string
	Detail    string
}

func (e *UnsupportedOperationError) Error() string {
	msg := fmt.Sprintf("broker %s does not support %s", e.Broker, e.Operation)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}
