package auth

import (
	"context"
	"time"
)

type contextKey string

const identityKey contextKey = "identity"

// Identity is the decoded bearer credential attached to the request context
// by the token middleware. It is read-only after creation and lives for the
// duration of one request.
type Identity struct {
	// Subject is the identity provider's user id for the caller.
	Subject string
	// Roles holds the realm role claims. Nil when the token carried no
	// realm-access section, which the rule builder treats as deny-all.
	Roles []string
	// HasRealmAccess reports whether the token carried a realm-access
	// section at all, even an empty one.
	HasRealmAccess bool
	// AllowedPatients and AllowedImagingStudies are the structured
	// equivalents of the patient_<id> / imaging_study_<id> role strings.
	// Tokens may carry either form; both feed the same read rules.
	AllowedPatients       []string
	AllowedImagingStudies []string
	Issuer                string
	ExpiresAt             time.Time
	// Raw is the compact serialized token as received.
	Raw string
}

// WithIdentity returns a context carrying the identity.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// IdentityFromContext returns the identity attached by the token middleware,
// or nil for anonymous requests.
func IdentityFromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityKey).(*Identity)
	return id
}

// HasRole reports whether the identity carries the given realm role.
func (id *Identity) HasRole(role string) bool {
	if id == nil {
		return false
	}
	for _, r := range id.Roles {
		if r == role {
			return true
		}
	}
	return false
}
