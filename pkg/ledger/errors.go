package ledger

import (
	"errors"
	"fmt"
)

// Kind is the stable discriminator carried by every domain error. Callers
// branch on kinds, not on message text; messages are free to change.
type Kind string

const (
	// KindUnauthenticated means no caller identity was established
	KindUnauthenticated Kind = "Unauthenticated"

	// KindNotAMember means the caller has no membership in the project
	KindNotAMember Kind = "NotAMember"

	// KindInsufficientPermissions means the caller's role does not allow the operation
	KindInsufficientPermissions Kind = "InsufficientPermissions"

	// KindNotFound means the referenced row does not exist in the caller's scope
	KindNotFound Kind = "NotFound"

	// KindInvalidTransition means the card state machine rejected an edge
	KindInvalidTransition Kind = "InvalidTransition"

	// KindInvalidOptions means a decision was requested with a malformed option set
	KindInvalidOptions Kind = "InvalidOptions"

	// KindInvalidFallback means the fallback option does not appear in the option set
	KindInvalidFallback Kind = "InvalidFallback"

	// KindInvalidOption means a render referenced an option key that does not exist
	KindInvalidOption Kind = "InvalidOption"

	// KindNotClaimable means the decision is not in a claimable state
	KindNotClaimable Kind = "NotClaimable"

	// KindNotYourClaim means the caller tried to renew a claim held by someone else
	KindNotYourClaim Kind = "NotYourClaim"

	// KindSecretInPayload means an append was rejected because the payload
	// matched a known credential pattern
	KindSecretInPayload Kind = "SecretInPayload"

	// KindProjectExists means a project init collided with an existing project
	KindProjectExists Kind = "ProjectExists"

	// KindDuplicateMember means the user already holds a role in the project
	KindDuplicateMember Kind = "DuplicateMember"

	// KindCannotRemoveLastOwner means the removal would leave the project ownerless
	KindCannotRemoveLastOwner Kind = "CannotRemoveLastOwner"

	// KindInvalidArgument means an input failed validation before any write
	KindInvalidArgument Kind = "InvalidArgument"

	// KindInvalidEncoding means artifact content could not be decoded as declared
	KindInvalidEncoding Kind = "InvalidEncoding"

	// KindConflict means an optimistic transaction could not commit after
	// exhausting its retry budget
	KindConflict Kind = "Conflict"

	// KindInternal covers storage and infrastructure failures
	KindInternal Kind = "Internal"
)

// Error is a domain error with a stable kind. All errors surfaced by ledger
// operations either are *Error or wrap one.
type Error struct {
	Kind    Kind   // Stable discriminator
	Message string // Human-readable detail
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// E builds a domain error with the given kind and formatted message.
func E(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// NotFoundErr builds the standard row-lookup failure. Cross-project lookups
// surface through this same kind so callers cannot distinguish "does not
// exist" from "exists in a project you cannot see".
func NotFoundErr(model, id string) *Error {
	return E(KindNotFound, "%s %q not found", model, id)
}

// KindOf extracts the kind from an error chain, or KindInternal when the
// error is not a domain error.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindInternal
}

// IsKind reports whether the error chain carries the given kind.
func IsKind(err error, kind Kind) bool {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind == kind
	}
	return false
}

// IsNotFound reports whether the error marks a missing or out-of-scope row.
func IsNotFound(err error) bool {
	return IsKind(err, KindNotFound)
}
