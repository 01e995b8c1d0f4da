package authz

import "errors"

// Sentinel errors for the authorization core. Handlers map all of them to
// a generic "not permitted" or "request failed" response; nothing in the
// taxonomy may leak tenant or resource existence to the caller.
var (
	// ErrNotPermitted is the only user-visible authorization failure.
	ErrNotPermitted = errors.New("not permitted")

	// ErrNotFound marks an absent organization, membership, role, or
	// resource instance. The resolver normalizes it to Deny; it is never
	// surfaced distinctly to callers.
	ErrNotFound = errors.New("not found")

	// ErrInvalidOverride rejects an override write scoped to both a role
	// and a principal, or to neither, before anything is persisted.
	ErrInvalidOverride = errors.New("override must be scoped to exactly one role or one principal")

	// ErrMutationFailed wraps any failure inside a mutation transaction,
	// including an audit write failure that rolled the mutation back.
	ErrMutationFailed = errors.New("mutation failed")

	// ErrStoreUnavailable marks a backing-store failure. Resolution
	// degrades to Deny and the error is reported to operators; it must
	// never fail open.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrImmutableRole rejects updates or deletes against system roles.
	ErrImmutableRole = errors.New("system roles are immutable")
)

// IsNotFound reports whether err is the normalized not-found sentinel.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
