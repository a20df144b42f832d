package mpesa

import "fmt"

// ValidationError is returned before any network call when input fails the
// provider's format rules. Never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// AuthError means the provider rejected the consumer key/secret exchange.
// Surfaced as a configuration problem, not retried.
type AuthError struct {
	StatusCode int
	Body       string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("token exchange rejected with status %d: %s", e.StatusCode, e.Body)
}

// GatewayError is a non-success response from the provider to an initiation
// or query call.
type GatewayError struct {
	StatusCode int
	Reason     string
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("gateway error (status %d): %s", e.StatusCode, e.Reason)
}

// RefundError carries the provider's description of a failed reversal.
type RefundError struct {
	Reason string
}

func (e *RefundError) Error() string {
	return fmt.Sprintf("refund failed: %s", e.Reason)
}
