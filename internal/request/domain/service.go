package domain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	identitydomain "github.com/smallbiznis/atelier/internal/identity/domain"
)

type CreateRequest struct {
	Kind      RequestKind
	ClientID  snowflake.ID
	ServiceID string
	DueAt     *time.Time
	Lines     []CreateBundleLine
	Metadata  map[string]any
}

type CreateBundleLine struct {
	ServiceID string
	Quantity  int64
}

type AssignRequest struct {
	RequestID snowflake.ID
	// AssigneeID selects an explicit designer; empty lets the balancer pick.
	AssigneeID string
	VendorID   snowflake.ID
	// AssigneeRole is the role of the explicit assignee, checked against the
	// eligibility policy.
	AssigneeRole identitydomain.Role
}

type DeliverRequest struct {
	RequestID snowflake.ID
	// VendorCostCents records the payable vendor cost; only honored when the
	// request was fulfilled by a vendor.
	VendorCostCents *int64
}

type ListRequest struct {
	Status    RequestStatus
	ClientID  snowflake.ID
	PageToken string
	PageSize  int32
}

type ListResponse struct {
	Requests      []Request `json:"requests"`
	NextPageToken string    `json:"next_page_token"`
	HasMore       bool      `json:"has_more"`
}

var (
	ErrRequestNotFound   = errors.New("request_not_found")
	ErrInvalidTransition = errors.New("invalid_transition")
	ErrVersionConflict   = errors.New("version_conflict")
	ErrContended         = errors.New("contended")
	ErrAlreadyAssigned   = errors.New("already_assigned")
	ErrNotAssignee       = errors.New("not_assignee")
	ErrInvalidKind       = errors.New("invalid_kind")
	ErrInvalidClient     = errors.New("invalid_client")
	ErrInvalidService    = errors.New("invalid_service")
	ErrInvalidBundleLine = errors.New("invalid_bundle_line")
)

// TransitionError carries the authoritative state back with a rejection so
// callers can re-render without assuming the transition applied.
type TransitionError struct {
	Current RequestStatus
	Attempt RequestStatus
	Reason  error
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("transition to %s rejected from %s: %v", e.Attempt, e.Current, e.Reason)
}

func (e *TransitionError) Unwrap() error { return e.Reason }

// NewTransitionError wraps reason with the state observed at rejection time.
func NewTransitionError(current, attempt RequestStatus, reason error) error {
	return &TransitionError{Current: current, Attempt: attempt, Reason: reason}
}

// IsRetryable reports whether the operation may be safely re-run: version
// conflicts and bounded-lock expiry leave no partial state behind.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrVersionConflict) || errors.Is(err, ErrContended)
}

type Service interface {
	Create(ctx context.Context, actor identitydomain.Actor, req CreateRequest) (*Request, error)
	// Take self-assigns a pending request to an eligible designer.
	Take(ctx context.Context, actor identitydomain.Actor, requestID snowflake.ID) (*Request, error)
	// Assign is the administrator path; with no explicit assignee the
	// balancer selects one.
	Assign(ctx context.Context, actor identitydomain.Actor, req AssignRequest) (*Request, error)
	// Deliver completes the request: quota consumption, SLA classification
	// and the ledger entry commit atomically with the status change.
	Deliver(ctx context.Context, actor identitydomain.Actor, req DeliverRequest) (*Request, error)
	RequestChange(ctx context.Context, actor identitydomain.Actor, requestID snowflake.ID) (*Request, error)
	Resume(ctx context.Context, actor identitydomain.Actor, requestID snowflake.ID) (*Request, error)
	Cancel(ctx context.Context, actor identitydomain.Actor, requestID snowflake.ID) (*Request, error)
	Get(ctx context.Context, requestID snowflake.ID) (*Request, error)
	List(ctx context.Context, req ListRequest) (ListResponse, error)
	GetLines(ctx context.Context, requestID snowflake.ID) ([]BundleLine, error)
}
