// Package delivery classifies outbound message failures so callers can tell
// a permanently unreachable recipient from a transient error.
package delivery

import (
	"errors"
	"fmt"
)

// Reason is why a send or delete failed.
type Reason string

const (
	// ReasonBlocked means the recipient blocked the bot.
	ReasonBlocked Reason = "blocked"
	// ReasonDeleted means the recipient account or chat no longer exists.
	ReasonDeleted Reason = "deleted"
	// ReasonOther covers everything else, including network failures.
	ReasonOther Reason = "other"
)

// Permanent reports whether retrying can never succeed.
func (r Reason) Permanent() bool {
	return r == ReasonBlocked || r == ReasonDeleted
}

// Error is a failed delivery.
type Error struct {
	Reason Reason
	Err    error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("delivery failed (%s)", e.Reason)
	}
	return fmt.Sprintf("delivery failed (%s): %v", e.Reason, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ReasonOf extracts the Reason from err. Errors that are not delivery errors
// report ReasonOther; nil reports "".
func ReasonOf(err error) Reason {
	if err == nil {
		return ""
	}
	var de *Error
	if errors.As(err, &de) {
		return de.Reason
	}
	return ReasonOther
}
