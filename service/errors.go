package service

import "fmt"

// RegistrationInvalidError is returned when a workflow registration
// violates a structural invariant of the binding layer — currently, only
// the at-most-one-messaging-backend rule.
type RegistrationInvalidError struct {
	Reason string
}

func (e *RegistrationInvalidError) Error() string {
	return fmt.Sprintf("service: invalid workflow registration: %s", e.Reason)
}
