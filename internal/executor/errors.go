// Package executor submits order intents to the broker under per-symbol
// serialization, with retry, response validation, and fill recording.
package executor

import "fmt"

// BrokerRejectionError is a definitive rejection from the gateway. It is
// permanent: retrying the same order would be rejected again.
type BrokerRejectionError struct {
	OrderID string
	Reason  string
}

func (e *BrokerRejectionError) Error() string {
	if e.OrderID == "" {
		return fmt.Sprintf("broker rejected order: %s", e.Reason)
	}
	return fmt.Sprintf("broker rejected order %s: %s", e.OrderID, e.Reason)
}

// ValidationError marks an intent that fails local checks before submission.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid order intent: %s %s", e.Field, e.Reason)
}
