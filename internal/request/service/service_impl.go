package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	assignmentdomain "github.com/smallbiznis/atelier/internal/assignment/domain"
	ledgerdomain "github.com/smallbiznis/atelier/internal/billingledger/domain"
	"github.com/smallbiznis/atelier/internal/clock"
	"github.com/smallbiznis/atelier/internal/config"
	"github.com/smallbiznis/atelier/internal/events"
	identitydomain "github.com/smallbiznis/atelier/internal/identity/domain"
	"github.com/smallbiznis/atelier/internal/observability/metrics"
	quotadomain "github.com/smallbiznis/atelier/internal/quota/domain"
	requestdomain "github.com/smallbiznis/atelier/internal/request/domain"
	sladomain "github.com/smallbiznis/atelier/internal/sla/domain"
	"github.com/smallbiznis/atelier/pkg/db"
	"github.com/smallbiznis/atelier/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Cfg   config.Config
	Repo  requestdomain.Repository

	IdentitySvc   identitydomain.Service
	AssignmentSvc assignmentdomain.Service
	QuotaSvc      quotadomain.Service
	SLASvc        sladomain.Service
	LedgerSvc     ledgerdomain.Service
	Outbox        *events.Outbox
	Metrics       *metrics.Metrics `optional:"true"`
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
	cfg   config.EngineConfig
	repo  requestdomain.Repository

	identitySvc   identitydomain.Service
	assignmentSvc assignmentdomain.Service
	quotaSvc      quotadomain.Service
	slaSvc        sladomain.Service
	ledgerSvc     ledgerdomain.Service
	outbox        *events.Outbox
	metrics       *metrics.Metrics
}

func NewService(p ServiceParam) requestdomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("request.service"),
		genID: p.GenID,
		clock: p.Clock,
		cfg:   p.Cfg.Engine,
		repo:  p.Repo,

		identitySvc:   p.IdentitySvc,
		assignmentSvc: p.AssignmentSvc,
		quotaSvc:      p.QuotaSvc,
		slaSvc:        p.SLASvc,
		ledgerSvc:     p.LedgerSvc,
		outbox:        p.Outbox,
		metrics:       p.Metrics,
	}
}

func (s *Service) Create(ctx context.Context, actor identitydomain.Actor, req requestdomain.CreateRequest) (*requestdomain.Request, error) {
	if req.ClientID == 0 {
		return nil, requestdomain.ErrInvalidClient
	}
	if strings.TrimSpace(req.ServiceID) == "" {
		return nil, requestdomain.ErrInvalidService
	}

	var lines []requestdomain.BundleLine
	switch req.Kind {
	case requestdomain.KindAdHoc:
		if len(req.Lines) > 0 {
			return nil, requestdomain.ErrInvalidBundleLine
		}
	case requestdomain.KindBundle:
		if len(req.Lines) == 0 {
			return nil, requestdomain.ErrInvalidBundleLine
		}
		for _, line := range req.Lines {
			if strings.TrimSpace(line.ServiceID) == "" || line.Quantity <= 0 {
				return nil, requestdomain.ErrInvalidBundleLine
			}
		}
	default:
		return nil, requestdomain.ErrInvalidKind
	}

	now := s.clock.Now()
	request := requestdomain.Request{
		ID:        s.genID.Generate(),
		Kind:      req.Kind,
		ClientID:  req.ClientID,
		ServiceID: strings.TrimSpace(req.ServiceID),
		Status:    requestdomain.StatusPending,
		DueAt:     req.DueAt,
		Version:   1,
		Metadata:  datatypes.JSONMap{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if req.Metadata != nil {
		request.Metadata = datatypes.JSONMap(req.Metadata)
	}

	for _, line := range req.Lines {
		lines = append(lines, requestdomain.BundleLine{
			ID:        s.genID.Generate(),
			RequestID: request.ID,
			ServiceID: strings.TrimSpace(line.ServiceID),
			Quantity:  line.Quantity,
			CreatedAt: now,
		})
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.Insert(ctx, tx, &request); err != nil {
			return err
		}
		return s.repo.InsertLines(ctx, tx, lines)
	})
	if err != nil {
		return nil, err
	}
	return &request, nil
}

func (s *Service) Take(ctx context.Context, actor identitydomain.Actor, requestID snowflake.ID) (*requestdomain.Request, error) {
	var (
		current  *requestdomain.Request
		snapshot requestdomain.Request
	)

	err := s.withBoundedLock(ctx, "request", func(ctx context.Context, tx *gorm.DB) error {
		request, err := s.repo.FindByIDForUpdate(ctx, tx, requestID)
		if err != nil {
			return err
		}
		if request == nil {
			return requestdomain.ErrRequestNotFound
		}
		current = request
		snapshot = *request

		eligible, err := s.identitySvc.IsEligibleAssignee(ctx, actor.UserID, actor.Role, string(request.Kind))
		if err != nil {
			return err
		}
		if !eligible {
			return identitydomain.ErrNotAuthorized
		}

		if request.Status != requestdomain.StatusPending || request.AssigneeID != nil {
			if request.AssigneeID != nil {
				return requestdomain.NewTransitionError(request.Status, requestdomain.StatusInProgress, requestdomain.ErrAlreadyAssigned)
			}
			return requestdomain.NewTransitionError(request.Status, requestdomain.StatusInProgress, requestdomain.ErrInvalidTransition)
		}

		var vendorID *snowflake.ID
		if actor.Role == identitydomain.RoleVendorDesigner {
			parsed, err := snowflake.ParseString(strings.TrimSpace(actor.VendorID))
			if err != nil || parsed == 0 {
				return assignmentdomain.ErrVendorNotFound
			}
			if err := s.assignmentSvc.ConfirmCapacity(ctx, parsed); err != nil {
				return err
			}
			vendorID = &parsed
		}

		return s.applyAssignment(ctx, tx, request, actor.UserID, vendorID)
	})
	if err != nil {
		// The transaction rolled back; the caller sees the state as read,
		// never the discarded in-memory mutation.
		if current == nil {
			return nil, err
		}
		return &snapshot, err
	}
	return current, nil
}

func (s *Service) Assign(ctx context.Context, actor identitydomain.Actor, req requestdomain.AssignRequest) (*requestdomain.Request, error) {
	if err := s.identitySvc.RequireAdmin(ctx, actor); err != nil {
		return nil, err
	}

	var (
		current  *requestdomain.Request
		snapshot requestdomain.Request
	)

	err := s.withBoundedLock(ctx, "request", func(ctx context.Context, tx *gorm.DB) error {
		request, err := s.repo.FindByIDForUpdate(ctx, tx, req.RequestID)
		if err != nil {
			return err
		}
		if request == nil {
			return requestdomain.ErrRequestNotFound
		}
		current = request
		snapshot = *request

		if request.Status != requestdomain.StatusPending || request.AssigneeID != nil {
			if request.AssigneeID != nil {
				return requestdomain.NewTransitionError(request.Status, requestdomain.StatusInProgress, requestdomain.ErrAlreadyAssigned)
			}
			return requestdomain.NewTransitionError(request.Status, requestdomain.StatusInProgress, requestdomain.ErrInvalidTransition)
		}

		assigneeID := strings.TrimSpace(req.AssigneeID)
		var vendorID *snowflake.ID

		if assigneeID == "" {
			selection, err := s.assignmentSvc.SelectAssignee(ctx, assignmentdomain.SelectRequest{
				RequestKind: string(request.Kind),
			})
			if err != nil {
				return err
			}
			assigneeID = selection.AssigneeID
			vendorID = &selection.VendorID
		} else {
			eligible, err := s.identitySvc.IsEligibleAssignee(ctx, assigneeID, req.AssigneeRole, string(request.Kind))
			if err != nil {
				return err
			}
			if !eligible {
				return assignmentdomain.ErrNoEligibleAssignee
			}
			// A vendor designer always carries a vendor reference.
			if req.AssigneeRole == identitydomain.RoleVendorDesigner && req.VendorID == 0 {
				return assignmentdomain.ErrVendorNotFound
			}
			if req.VendorID != 0 {
				if err := s.assignmentSvc.ConfirmCapacity(ctx, req.VendorID); err != nil {
					return err
				}
				vendorID = &req.VendorID
			}
		}

		return s.applyAssignment(ctx, tx, request, assigneeID, vendorID)
	})
	if err != nil {
		if current == nil {
			return nil, err
		}
		return &snapshot, err
	}
	return current, nil
}

// applyAssignment writes the pending -> in_progress edge under the row lock
// already held by the caller.
func (s *Service) applyAssignment(ctx context.Context, tx *gorm.DB, request *requestdomain.Request, assigneeID string, vendorID *snowflake.ID) error {
	now := s.clock.Now()
	from := request.Status

	request.Status = requestdomain.StatusInProgress
	request.AssigneeID = &assigneeID
	request.VendorID = vendorID
	request.AssignedAt = &now
	request.UpdatedAt = now

	if err := s.repo.Save(ctx, tx, request, request.Version); err != nil {
		return err
	}

	payload := map[string]any{
		"request_id":  request.ID.String(),
		"client_id":   request.ClientID.String(),
		"assignee_id": assigneeID,
	}
	if vendorID != nil {
		payload["vendor_id"] = vendorID.String()
	}
	if err := s.outbox.Publish(ctx, tx, events.Event{
		Type:      events.EventRequestAssigned,
		Payload:   payload,
		DedupeKey: "assigned:" + request.ID.String(),
	}); err != nil {
		return err
	}

	s.metrics.IncTransition(string(from), string(requestdomain.StatusInProgress))
	return nil
}

func (s *Service) Deliver(ctx context.Context, actor identitydomain.Actor, req requestdomain.DeliverRequest) (*requestdomain.Request, error) {
	var (
		current  *requestdomain.Request
		snapshot requestdomain.Request
	)

	err := s.withBoundedLock(ctx, "request", func(ctx context.Context, tx *gorm.DB) error {
		request, err := s.repo.FindByIDForUpdate(ctx, tx, req.RequestID)
		if err != nil {
			return err
		}
		if request == nil {
			return requestdomain.ErrRequestNotFound
		}
		current = request
		snapshot = *request

		if request.Status != requestdomain.StatusInProgress {
			return requestdomain.NewTransitionError(request.Status, requestdomain.StatusDelivered, requestdomain.ErrInvalidTransition)
		}
		if !actor.IsAdmin() {
			if request.AssigneeID == nil || *request.AssigneeID != actor.UserID {
				return requestdomain.ErrNotAssignee
			}
		}

		now := s.clock.Now()

		// 1. Quota consumption: the period resolves by delivery month. All
		// covered units are paid through the pack-period fact; overage (or
		// standalone) units price into this delivery's entry.
		lines, err := s.consumableLines(ctx, tx, request)
		if err != nil {
			return err
		}
		var amountCents int64
		for _, line := range lines {
			result, err := s.quotaSvc.Consume(ctx, tx, quotadomain.ConsumeRequest{
				ClientID:  request.ClientID,
				ServiceID: line.ServiceID,
				Quantity:  line.Quantity,
				PeriodKey: now,
			})
			if err != nil {
				return err
			}
			amountCents += result.OverageAmountCents()
		}

		// 2. SLA classification.
		evaluation, err := s.slaSvc.Evaluate(ctx, request.ServiceID, request.AssignedAt, now)
		if err != nil {
			return err
		}

		// 3. Ledger fact for the delivery.
		if _, err := s.ledgerSvc.RecordDelivery(ctx, tx, ledgerdomain.RecordRequest{
			SourceID:    request.ID,
			ClientID:    request.ClientID,
			AmountCents: amountCents,
		}); err != nil {
			return err
		}

		request.Status = requestdomain.StatusDelivered
		request.DeliveredAt = &now
		request.DeliveredBy = &actor.UserID
		request.SLAActualHours = evaluation.ActualHours
		request.SLAOnTime = evaluation.OnTime
		if request.VendorID != nil && req.VendorCostCents != nil {
			request.VendorCostCents = req.VendorCostCents
		}
		request.UpdatedAt = now

		if err := s.repo.Save(ctx, tx, request, request.Version); err != nil {
			return err
		}

		if err := s.outbox.Publish(ctx, tx, events.Event{
			Type: events.EventRequestDelivered,
			Payload: map[string]any{
				"request_id":   request.ID.String(),
				"client_id":    request.ClientID.String(),
				"delivered_by": actor.UserID,
				"delivered_at": now.Format(time.RFC3339),
			},
			DedupeKey: "delivered:" + request.ID.String(),
		}); err != nil {
			return err
		}

		s.metrics.IncTransition(string(requestdomain.StatusInProgress), string(requestdomain.StatusDelivered))
		return nil
	})
	if err != nil {
		if current == nil {
			return nil, err
		}
		return &snapshot, err
	}
	return current, nil
}

// consumableLines expands the request into (service, quantity) units for
// quota consumption.
func (s *Service) consumableLines(ctx context.Context, tx *gorm.DB, request *requestdomain.Request) ([]requestdomain.BundleLine, error) {
	if request.Kind == requestdomain.KindBundle {
		lines, err := s.repo.FindLines(ctx, tx, request.ID)
		if err != nil {
			return nil, err
		}
		if len(lines) > 0 {
			return lines, nil
		}
	}
	return []requestdomain.BundleLine{{
		RequestID: request.ID,
		ServiceID: request.ServiceID,
		Quantity:  1,
	}}, nil
}

func (s *Service) RequestChange(ctx context.Context, actor identitydomain.Actor, requestID snowflake.ID) (*requestdomain.Request, error) {
	if !actor.IsAdmin() && actor.Role != identitydomain.RoleClient {
		return nil, identitydomain.ErrNotAuthorized
	}
	return s.transition(ctx, requestID, requestdomain.StatusChangeRequest, func(request *requestdomain.Request, now time.Time) error {
		// Only the owning client may send work back.
		if actor.Role == identitydomain.RoleClient && request.ClientID.String() != actor.UserID {
			return identitydomain.ErrNotAuthorized
		}
		// Change requests return work to the current assignee; they never
		// reset the assignment.
		request.ChangeRequestCount++
		return nil
	}, nil)
}

func (s *Service) Resume(ctx context.Context, actor identitydomain.Actor, requestID snowflake.ID) (*requestdomain.Request, error) {
	return s.transition(ctx, requestID, requestdomain.StatusInProgress, func(request *requestdomain.Request, now time.Time) error {
		if !actor.IsAdmin() {
			if request.AssigneeID == nil || *request.AssigneeID != actor.UserID {
				return requestdomain.ErrNotAssignee
			}
		}
		return nil
	}, nil)
}

func (s *Service) Cancel(ctx context.Context, actor identitydomain.Actor, requestID snowflake.ID) (*requestdomain.Request, error) {
	if err := s.identitySvc.RequireAdmin(ctx, actor); err != nil {
		return nil, err
	}
	return s.transition(ctx, requestID, requestdomain.StatusCanceled, nil, func(request *requestdomain.Request) events.Event {
		return events.Event{
			Type: events.EventRequestCanceled,
			Payload: map[string]any{
				"request_id":  request.ID.String(),
				"client_id":   request.ClientID.String(),
				"canceled_by": actor.UserID,
			},
			DedupeKey: "canceled:" + request.ID.String(),
		}
	})
}

// transition applies one lifecycle edge under the row lock with the shared
// validation: edge must exist in the transition table, save bumps the
// version, optional event commits with the change.
func (s *Service) transition(
	ctx context.Context,
	requestID snowflake.ID,
	target requestdomain.RequestStatus,
	mutate func(request *requestdomain.Request, now time.Time) error,
	event func(request *requestdomain.Request) events.Event,
) (*requestdomain.Request, error) {
	var (
		current  *requestdomain.Request
		snapshot requestdomain.Request
	)

	err := s.withBoundedLock(ctx, "request", func(ctx context.Context, tx *gorm.DB) error {
		request, err := s.repo.FindByIDForUpdate(ctx, tx, requestID)
		if err != nil {
			return err
		}
		if request == nil {
			return requestdomain.ErrRequestNotFound
		}
		current = request
		snapshot = *request

		if !requestdomain.IsTransitionAllowed(request.Status, target) {
			s.metrics.IncRejection("invalid_transition")
			return requestdomain.NewTransitionError(request.Status, target, requestdomain.ErrInvalidTransition)
		}

		now := s.clock.Now()
		from := request.Status
		if mutate != nil {
			if err := mutate(request, now); err != nil {
				return err
			}
		}
		request.Status = target
		request.UpdatedAt = now

		if err := s.repo.Save(ctx, tx, request, request.Version); err != nil {
			return err
		}

		if event != nil {
			if err := s.outbox.Publish(ctx, tx, event(request)); err != nil {
				return err
			}
		}

		s.metrics.IncTransition(string(from), string(target))
		return nil
	})
	if err != nil {
		if current == nil {
			return nil, err
		}
		return &snapshot, err
	}
	return current, nil
}

func (s *Service) Get(ctx context.Context, requestID snowflake.ID) (*requestdomain.Request, error) {
	request, err := s.repo.FindByID(ctx, s.db, requestID)
	if err != nil {
		return nil, err
	}
	if request == nil {
		return nil, requestdomain.ErrRequestNotFound
	}
	return request, nil
}

func (s *Service) List(ctx context.Context, req requestdomain.ListRequest) (requestdomain.ListResponse, error) {
	limit := int(req.PageSize)
	if limit <= 0 {
		limit = 50
	}

	var afterID snowflake.ID
	if req.PageToken != "" {
		cursor, err := pagination.DecodeCursor(req.PageToken)
		if err == nil && cursor != nil && cursor.ID != "" {
			if parsed, err := snowflake.ParseString(cursor.ID); err == nil {
				afterID = parsed
			}
		}
	}

	var (
		requests []requestdomain.Request
		err      error
	)
	// One extra row detects whether more pages exist.
	switch {
	case req.ClientID != 0:
		requests, err = s.repo.ListByClient(ctx, s.db, req.ClientID, afterID, limit+1)
	case req.Status != "":
		requests, err = s.repo.ListByStatus(ctx, s.db, req.Status, afterID, limit+1)
	default:
		requests, err = s.repo.ListByStatus(ctx, s.db, requestdomain.StatusPending, afterID, limit+1)
	}
	if err != nil {
		return requestdomain.ListResponse{}, err
	}

	resp := requestdomain.ListResponse{Requests: requests}
	if len(requests) > limit {
		resp.Requests = requests[:limit]
		resp.HasMore = true
		token, err := pagination.EncodeCursor(pagination.Cursor{
			ID: resp.Requests[limit-1].ID.String(),
		})
		if err != nil {
			return requestdomain.ListResponse{}, err
		}
		resp.NextPageToken = token
	}
	return resp, nil
}

func (s *Service) GetLines(ctx context.Context, requestID snowflake.ID) ([]requestdomain.BundleLine, error) {
	return s.repo.FindLines(ctx, s.db, requestID)
}

// withBoundedLock runs fn in one transaction with a bounded lock wait. A
// deadline expiry or dialect lock timeout surfaces as ErrContended so callers
// can retry with backoff instead of deadlocking.
func (s *Service) withBoundedLock(ctx context.Context, resource string, fn func(ctx context.Context, tx *gorm.DB) error) error {
	wait := s.cfg.LockWaitTimeout
	if wait <= 0 {
		wait = 2 * time.Second
	}
	lockCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	start := s.clock.Now()
	err := s.db.WithContext(lockCtx).Transaction(func(tx *gorm.DB) error {
		return fn(lockCtx, tx)
	})
	s.metrics.ObserveLockWait(resource, s.clock.Now().Sub(start).Seconds())

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || db.IsLockContention(err) {
			s.metrics.IncLockContention(resource)
			return requestdomain.ErrContended
		}
		return err
	}
	return nil
}
