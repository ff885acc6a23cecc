package domain

import (
	"errors"
	"fmt"
)

// Error codes surfaced by the core. Store-raised invariant violations use the
// HX family; everything else maps onto the transition/auth/conflict families.
const (
	// Invariant violations raised at the store boundary.
	CodeHXXPRequiresReleased = "HX101" // XP row without a released-like escrow
	CodeHXReleaseNeedsTask   = "HX201" // escrow RELEASED while task not COMPLETED
	CodeHXCompleteNeedsProof = "HX301" // task COMPLETED without an accepted proof
	CodeHXAmountImmutable    = "HX401" // escrow amount changed after funding
	CodeHXXPDuplicate        = "HX501" // second XP row for the same (user, escrow)
	CodeHXProgressAdjacency  = "HX601" // progress skip or reversal
	CodeHXAppendOnly         = "HX701" // mutation of an append-only ledger row
	CodeHXExpertiseLimit     = "HX801" // third active expertise row
	CodeHXOutboxKeyDuplicate = "HX901" // idempotency key reuse

	// State machine precondition failures.
	CodeInvalidState      = "INVALID_STATE"
	CodeInvalidTransition = "INVALID_TRANSITION"
	CodeTaskTerminal      = "TASK_TERMINAL"
	CodeEscrowTerminal    = "ESCROW_TERMINAL"

	// Ownership and authority.
	CodeForbidden    = "FORBIDDEN"
	CodeUnauthorized = "UNAUTHORIZED"

	// Malformed or self-contradictory input.
	CodeValidation = "VALIDATION"

	// Optimistic locking.
	CodeConflict = "CONFLICT"

	// Supply gate rejections.
	CodeSupplyLocked    = "LOCKED"    // 30-day change lock still running
	CodeSupplyDuplicate = "DUPLICATE" // active row for the same expertise
	CodeSupplyCooldown  = "COOLDOWN"  // re-join inside the 7-day cooldown

	// Correction engine.
	CodeBudgetExhausted = "BUDGET_EXHAUSTED"

	// External verification and vendors.
	CodeVerificationFailed = "VERIFICATION_FAILED"
	CodeAIUnavailable      = "AI_UNAVAILABLE"

	CodeNotFound = "NOT_FOUND"
	CodeInternal = "INTERNAL"
)

// Error is the tagged error carried across every service boundary. Details is
// optional structured context preserved in logs; Message is safe to show users.
type Error struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// E builds a typed error.
func E(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Ef builds a typed error with a formatted message.
func Ef(code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// With attaches one detail field and returns the same error for chaining.
func (e *Error) With(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// CodeOf extracts the typed code, or INTERNAL for foreign errors.
func CodeOf(err error) string {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	if err != nil {
		return CodeInternal
	}
	return ""
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code string) bool {
	return CodeOf(err) == code
}

// Retryable classifies an error for outbox workers: version conflicts and
// vendor outages are worth another attempt, invariant and transition failures
// are poison and will fail the same way every time.
func Retryable(err error) bool {
	switch CodeOf(err) {
	case CodeConflict, CodeAIUnavailable, CodeInternal:
		return true
	}
	return false
}

// IsInvariant reports whether the code belongs to the HX family.
func IsInvariant(code string) bool {
	return len(code) == 5 && code[0] == 'H' && code[1] == 'X'
}
