package domain

import (
	"context"
	"errors"
)

// Role classifies engine callers. Identity always arrives as an explicit
// parameter on engine operations, never from ambient session state.
type Role string

const (
	RoleAdmin            Role = "admin"
	RoleInternalDesigner Role = "internal_designer"
	RoleVendorDesigner   Role = "vendor_designer"
	RoleClient           Role = "client"
)

// Actor is the caller-supplied identity for an engine operation.
type Actor struct {
	UserID string
	Role   Role
	// VendorID is set for vendor designers and names their organization.
	VendorID string
}

func (a Actor) IsAdmin() bool { return a.Role == RoleAdmin }

var (
	ErrInvalidActor  = errors.New("invalid_actor")
	ErrNotAuthorized = errors.New("not_authorized")
)

type Service interface {
	// IsEligibleAssignee reports whether the user may be assigned work under
	// the seeded role policy. The default policy does not partition by request
	// kind; implementations may consult it for kind-scoped policies.
	IsEligibleAssignee(ctx context.Context, userID string, role Role, requestKind string) (bool, error)
	// RequireAdmin rejects non-admin actors with ErrNotAuthorized.
	RequireAdmin(ctx context.Context, actor Actor) error
	// Authorize checks a role policy tuple.
	Authorize(ctx context.Context, actor Actor, object, action string) error
}
