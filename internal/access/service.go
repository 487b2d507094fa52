// Package access is the entry point for every clinical read, write and
// lifecycle transition. It loads the record, asks the authorization engine,
// performs the mutation and writes the audit entry inside one transaction.
package access

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"clinicore/internal/audit"
	"clinicore/internal/audit/outbox"
	"clinicore/internal/authz"
	"clinicore/internal/identity"
	"clinicore/internal/lifecycle"
	"clinicore/internal/platform/metrics"
	"clinicore/internal/platform/tracer"
	"clinicore/internal/policy"
	"clinicore/internal/records"
	id "clinicore/pkg/domain"
	dErrors "clinicore/pkg/domain-errors"
)

// AuditLogResource is the resource guarding audit queries.
const AuditLogResource policy.Resource = "audit_log"

// Operation is a side-effecting job started through Execute.
type Operation func(ctx context.Context, actor identity.Actor) error

type Service struct {
	engine     *authz.Engine
	tx         TxRunner
	records    records.Store
	recorder   *audit.Recorder
	logger     *slog.Logger
	metrics    *metrics.Metrics
	tracer     tracer.Tracer
	now        func() time.Time
	operations map[policy.Resource]Operation
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithTracer(t tracer.Tracer) Option {
	return func(s *Service) { s.tracer = t }
}

// WithClock overrides the time source used for record timestamps and
// ownership windows.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithOperation registers the job Execute runs for resource.
func WithOperation(resource policy.Resource, op Operation) Option {
	return func(s *Service) { s.operations[resource] = op }
}

// New wires the service. store serves reads outside transactions; writes
// always go through the stores tx hands to each transaction.
func New(engine *authz.Engine, tx TxRunner, store records.Store, recorder *audit.Recorder, opts ...Option) *Service {
	s := &Service{
		engine:     engine,
		tx:         tx,
		records:    store,
		recorder:   recorder,
		now:        time.Now,
		operations: make(map[policy.Resource]Operation),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.tracer == nil {
		s.tracer = tracer.NewNoop()
	}
	return s
}

// Authorize evaluates a request and records the decision without performing
// the operation. Denials are returned in the Decision; the error is reserved
// for infrastructure failures.
func (s *Service) Authorize(ctx context.Context, actor identity.Actor, req AuthorizeRequest) (d authz.Decision, err error) {
	ctx, span := s.startSpan(ctx, tracer.SpanAuthorize, actor, req.Resource)
	defer func() { span.End(err) }()

	areq := authz.Request{
		Actor:      actor,
		Resource:   req.Resource,
		Action:     req.Action,
		Transition: req.Transition,
		Target:     req.Target,
	}
	if req.RecordID != nil {
		rec, err := s.records.FindByID(ctx, *req.RecordID)
		if d, ok := s.denyMissing(ctx, span, areq, err); ok {
			s.recordDenied(ctx, s.entry(ctx, actor, req.Resource, req.RecordID.String(), d.Action, "authorize:"+operationName(areq, d)), d)
			return d, nil
		}
		if err != nil {
			return authz.Decision{}, s.fail(ctx, err, "authorize")
		}
		areq.Record = rec
	}

	d = s.evaluate(ctx, span, areq)
	e := s.entry(ctx, actor, req.Resource, recordKey(areq.Record), d.Action, "authorize:"+operationName(areq, d))
	if !d.Allowed {
		s.recordDenied(ctx, e, d)
		return d, nil
	}
	if err := s.recordAllowed(ctx, &e); err != nil {
		return d, err
	}
	return d, nil
}

// Get reads a record. Successful reads are audited with action select.
func (s *Service) Get(ctx context.Context, actor identity.Actor, resource policy.Resource, recordID id.RecordID) (rec *records.Record, err error) {
	ctx, span := s.startSpan(ctx, tracer.SpanGet, actor, resource, tracer.String(tracer.AttrRecordID, recordID.String()))
	defer func() { span.End(err) }()

	rec, err = s.records.FindByID(ctx, recordID)
	if d, ok := s.denyMissing(ctx, span, authz.Request{Actor: actor, Resource: resource, Action: policy.ActionRead}, err); ok {
		s.recordDenied(ctx, s.entry(ctx, actor, resource, recordID.String(), policy.ActionRead, "read"), d)
		return nil, d.Err
	}
	if err != nil {
		return nil, s.fail(ctx, err, "read")
	}
	d := s.evaluate(ctx, span, authz.Request{Actor: actor, Resource: resource, Action: policy.ActionRead, Record: rec})
	e := s.entry(ctx, actor, resource, rec.ID.String(), policy.ActionRead, "read")
	if !d.Allowed {
		s.recordDenied(ctx, e, d)
		return nil, d.Err
	}
	if err := s.recordAllowed(ctx, &e); err != nil {
		return nil, err
	}
	return rec, nil
}

// Create stores a new record in its lifecycle's initial state.
func (s *Service) Create(ctx context.Context, actor identity.Actor, req CreateRequest) (rec *records.Record, err error) {
	ctx, span := s.startSpan(ctx, tracer.SpanCreate, actor, req.Resource)
	defer func() { span.End(err) }()

	if err := validatePayload(req.Payload); err != nil {
		return nil, err
	}
	now := s.now().UTC()
	owner := actor.ID
	if req.OwnerID != nil && !req.OwnerID.IsNil() {
		owner = *req.OwnerID
	}
	proposed := &records.Record{
		ID:        id.NewRecordID(),
		Resource:  req.Resource,
		OwnerID:   owner,
		Payload:   req.Payload,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if spec, ok := s.engine.Table().Resource(req.Resource); ok && spec.Kind != "" {
		proposed.Kind = lifecycle.Kind(spec.Kind)
		if m, ok := s.engine.Machines().ForKind(proposed.Kind); ok {
			proposed.Status = m.Initial()
		}
	}

	return s.mutate(ctx, span, mutation{
		operation: "create",
		now:       now,
		request:   authz.Request{Actor: actor, Resource: req.Resource, Action: policy.ActionCreate, Record: proposed},
		apply: func(*records.Record, authz.Decision) *records.Record {
			return proposed
		},
	})
}

// Update replaces the payload of an existing record.
func (s *Service) Update(ctx context.Context, actor identity.Actor, req UpdateRequest) (rec *records.Record, err error) {
	ctx, span := s.startSpan(ctx, tracer.SpanUpdate, actor, req.Resource, tracer.String(tracer.AttrRecordID, req.RecordID.String()))
	defer func() { span.End(err) }()

	if err := validatePayload(req.Payload); err != nil {
		return nil, err
	}
	now := s.now().UTC()
	return s.mutate(ctx, span, mutation{
		operation: "update",
		now:       now,
		recordID:  &req.RecordID,
		request:   authz.Request{Actor: actor, Resource: req.Resource, Action: policy.ActionUpdate},
		apply: func(current *records.Record, _ authz.Decision) *records.Record {
			next := current.Clone()
			next.Payload = req.Payload
			next.UpdatedAt = now
			return next
		},
	})
}

// Delete removes a record of an administrative resource. The pre-delete
// snapshot is kept in the audit entry's old values.
func (s *Service) Delete(ctx context.Context, actor identity.Actor, req DeleteRequest) (err error) {
	ctx, span := s.startSpan(ctx, tracer.SpanDelete, actor, req.Resource, tracer.String(tracer.AttrRecordID, req.RecordID.String()))
	defer func() { span.End(err) }()

	_, err = s.mutate(ctx, span, mutation{
		operation: "delete",
		now:       s.now().UTC(),
		recordID:  &req.RecordID,
		request:   authz.Request{Actor: actor, Resource: req.Resource, Action: policy.ActionDelete},
		apply:     func(*records.Record, authz.Decision) *records.Record { return nil },
	})
	return err
}

// Transition moves a record along its lifecycle.
func (s *Service) Transition(ctx context.Context, actor identity.Actor, req TransitionRequest) (rec *records.Record, err error) {
	ctx, span := s.startSpan(ctx, tracer.SpanTransition, actor, req.Resource,
		tracer.String(tracer.AttrRecordID, req.RecordID.String()),
		tracer.String(tracer.AttrTransition, string(req.Transition)),
	)
	defer func() { span.End(err) }()

	now := s.now().UTC()
	rec, err = s.mutate(ctx, span, mutation{
		operation: "transition:" + string(req.Transition),
		now:       now,
		recordID:  &req.RecordID,
		request: authz.Request{
			Actor:      actor,
			Resource:   req.Resource,
			Transition: req.Transition,
			Target:     req.Target,
		},
		apply: func(current *records.Record, d authz.Decision) *records.Record {
			next := current.Clone()
			next.Status = d.NextState
			if d.SetsCoSigner {
				signer := actor.ID
				next.CoSignerID = &signer
			}
			next.UpdatedAt = now
			return next
		},
	})
	if err != nil {
		return nil, err
	}
	s.metrics.IncTransition(string(rec.Kind), string(req.Transition))
	return rec, nil
}

// Execute runs a side-effecting operation gated by the execute level. The
// audit entry is written before the operation starts.
func (s *Service) Execute(ctx context.Context, actor identity.Actor, resource policy.Resource) (err error) {
	ctx, span := s.startSpan(ctx, tracer.SpanExecute, actor, resource)
	defer func() { span.End(err) }()

	d := s.evaluate(ctx, span, authz.Request{Actor: actor, Resource: resource, Action: policy.ActionExecute})
	e := s.entry(ctx, actor, resource, "", policy.ActionExecute, "execute")
	if !d.Allowed {
		s.recordDenied(ctx, e, d)
		return d.Err
	}
	if err := s.recordAllowed(ctx, &e); err != nil {
		return err
	}
	op, ok := s.operations[resource]
	if !ok {
		return nil
	}
	if err := op(ctx, actor); err != nil {
		s.logger.ErrorContext(ctx, "operation failed", "resource", string(resource), "actor_id", actor.ID.String(), "error", err)
		return dErrors.Wrap(err, dErrors.CodeInternal, "operation failed")
	}
	return nil
}

// QueryAudit returns audit entries matching f. It requires read access to
// the audit log, and the query is itself audited.
func (s *Service) QueryAudit(ctx context.Context, actor identity.Actor, f audit.Filter) (entries []audit.Entry, err error) {
	ctx, span := s.startSpan(ctx, tracer.SpanQueryAudit, actor, AuditLogResource)
	defer func() { span.End(err) }()

	d := s.evaluate(ctx, span, authz.Request{Actor: actor, Resource: AuditLogResource, Action: policy.ActionRead})
	e := s.entry(ctx, actor, AuditLogResource, f.RecordID, policy.ActionRead, "query")
	if !d.Allowed {
		s.recordDenied(ctx, e, d)
		return nil, d.Err
	}
	entries, err = s.recorder.Query(ctx, f)
	if err != nil {
		return nil, s.fail(ctx, err, "query")
	}
	if err := s.recordAllowed(ctx, &e); err != nil {
		return nil, err
	}
	return entries, nil
}

type mutation struct {
	operation string
	now       time.Time
	// recordID is set for mutations of an existing record, which is loaded
	// and locked inside the transaction.
	recordID *id.RecordID
	request  authz.Request
	// apply returns the record to persist; nil for delete.
	apply func(current *records.Record, d authz.Decision) *records.Record
}

func (s *Service) mutate(ctx context.Context, span tracer.Span, m mutation) (*records.Record, error) {
	m.request.Now = m.now
	key := ""
	switch {
	case m.recordID != nil:
		key = m.recordID.String()
	case m.request.Record != nil:
		key = m.request.Record.ID.String()
	}

	var (
		denial    error
		denied    audit.Entry
		committed *audit.Entry
		result    *records.Record
	)
	err := s.tx.RunInTx(withLockKey(ctx, key), func(ctx context.Context, tx Stores) error {
		req := m.request
		if m.recordID != nil {
			current, err := tx.Records.FindForUpdate(ctx, *m.recordID)
			if d, ok := s.denyMissing(ctx, span, req, err); ok {
				denial, denied = d.Err, withDenial(s.entry(ctx, req.Actor, req.Resource, m.recordID.String(), d.Action, m.operation), d)
				return d.Err
			}
			if err != nil {
				return storeFailure(err)
			}
			req.Record = current
		}

		d := s.evaluate(ctx, span, req)
		recordID := ""
		if m.recordID != nil {
			recordID = m.recordID.String()
		}
		e := s.entry(ctx, req.Actor, req.Resource, recordID, d.Action, m.operation)
		if !d.Allowed {
			denial, denied = d.Err, withDenial(e, d)
			return d.Err
		}

		next := m.apply(req.Record, d)
		var err error
		switch d.Action {
		case policy.ActionCreate:
			err = tx.Records.Create(ctx, next)
		case policy.ActionDelete:
			err = tx.Records.Delete(ctx, req.Record.ID)
		default:
			err = tx.Records.Save(ctx, next)
		}
		if err != nil {
			return storeFailure(err)
		}

		if d.Action == policy.ActionCreate {
			e.RecordID = next.ID.String()
		} else if e.OldValues, err = req.Record.Snapshot(); err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "snapshot record")
		}
		if e.NewValues, err = next.Snapshot(); err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "snapshot record")
		}
		e.Decision = audit.DecisionAllowed
		s.recorder.Stamp(&e)
		if err := tx.Audit.Append(ctx, &e); err != nil {
			return auditFailure(err)
		}
		if tx.Outbox != nil {
			msg, err := outbox.FromAudit(e)
			if err != nil {
				return auditFailure(err)
			}
			if err := tx.Outbox.Append(ctx, msg); err != nil {
				return auditFailure(err)
			}
		}
		committed, result = &e, next
		return nil
	})

	if denial != nil {
		s.recorder.RecordDenied(ctx, denied)
		return nil, denial
	}
	if err != nil {
		return nil, s.fail(ctx, err, m.operation)
	}
	s.recorder.Mirror(ctx, *committed)
	return result, nil
}

func (s *Service) startSpan(ctx context.Context, name string, actor identity.Actor, resource policy.Resource, attrs ...tracer.Attribute) (context.Context, tracer.Span) {
	attrs = append(attrs,
		tracer.String(tracer.AttrActorRole, string(actor.Role)),
		tracer.String(tracer.AttrResource, string(resource)),
	)
	return s.tracer.Start(ctx, name, attrs...)
}

// denyMissing turns a not-found lookup into the denial a role without
// access would get for an existing record, so such actors cannot tell the
// two apart. Roles with access still see the not-found error.
func (s *Service) denyMissing(ctx context.Context, span tracer.Span, req authz.Request, err error) (authz.Decision, bool) {
	if !isNotFound(err) {
		return authz.Decision{}, false
	}
	d := s.engine.Screen(req)
	if d.Allowed {
		return d, false
	}
	s.metrics.ObserveDecision(string(req.Resource), string(d.Action), false, string(d.Reason), 0)
	return s.observe(ctx, span, req, d), true
}

func (s *Service) evaluate(ctx context.Context, span tracer.Span, req authz.Request) authz.Decision {
	return s.observe(ctx, span, req, s.engine.Evaluate(req))
}

func (s *Service) observe(ctx context.Context, span tracer.Span, req authz.Request, d authz.Decision) authz.Decision {
	span.AddEvent(tracer.EventDecision,
		tracer.Bool(tracer.AttrAllowed, d.Allowed),
		tracer.String(tracer.AttrAction, string(d.Action)),
		tracer.String(tracer.AttrReason, string(d.Reason)),
	)

	attrs := []any{
		"actor_id", req.Actor.ID.String(),
		"role", string(req.Actor.Role),
		"resource", string(req.Resource),
		"action", string(d.Action),
		"level", d.Level.String(),
		"record_id", recordKey(req.Record),
		"request_id", MetaFromContext(ctx).RequestID,
	}
	if req.Transition != "" {
		attrs = append(attrs, "transition", string(req.Transition))
	}
	if d.Allowed {
		s.logger.InfoContext(ctx, "authz_allowed", attrs...)
	} else {
		attrs = append(attrs, "reason", string(d.Reason), "error", d.Err)
		s.logger.WarnContext(ctx, "authz_denied", attrs...)
	}
	return d
}

func (s *Service) entry(ctx context.Context, actor identity.Actor, resource policy.Resource, recordID string, action policy.Action, operation string) audit.Entry {
	table := string(resource)
	if spec, ok := s.engine.Table().Resource(resource); ok {
		table = spec.Table
	}
	meta := MetaFromContext(ctx)
	return audit.Entry{
		Table:     table,
		RecordID:  recordID,
		Action:    auditAction(action),
		ActorID:   actor.ID,
		SourceIP:  meta.SourceIP,
		UserAgent: meta.UserAgent,
		Operation: operation,
	}
}

func (s *Service) recordAllowed(ctx context.Context, e *audit.Entry) error {
	e.Decision = audit.DecisionAllowed
	if err := s.recorder.Record(ctx, e); err != nil {
		return auditFailure(err)
	}
	s.recorder.Mirror(ctx, *e)
	return nil
}

func (s *Service) recordDenied(ctx context.Context, e audit.Entry, d authz.Decision) {
	s.recorder.RecordDenied(ctx, withDenial(e, d))
}

// fail translates err and reports infrastructure failures.
func (s *Service) fail(ctx context.Context, err error, operation string) error {
	err = storeFailure(err)
	switch dErrors.CodeOf(err) {
	case dErrors.CodeStoreUnavailable:
		s.metrics.IncStoreUnavailable()
		s.logger.ErrorContext(ctx, "record store unavailable", "operation", operation, "error", err)
	case dErrors.CodeAuditWriteFailed:
		s.metrics.IncAuditWriteFailure(string(audit.DecisionAllowed))
		s.logger.ErrorContext(ctx, "audit write failed", "operation", operation, "error", err)
	}
	return err
}

func withDenial(e audit.Entry, d authz.Decision) audit.Entry {
	e.Decision = audit.DecisionDenied
	e.Reason = string(d.Reason)
	return e
}

func auditAction(a policy.Action) audit.Action {
	switch a {
	case policy.ActionRead:
		return audit.ActionSelect
	case policy.ActionCreate:
		return audit.ActionInsert
	case policy.ActionDelete:
		return audit.ActionDelete
	default:
		return audit.ActionUpdate
	}
}

func operationName(req authz.Request, d authz.Decision) string {
	if req.Transition != "" {
		return "transition:" + string(req.Transition)
	}
	return string(d.Action)
}

func recordKey(rec *records.Record) string {
	if rec == nil {
		return ""
	}
	return rec.ID.String()
}

func validatePayload(p json.RawMessage) error {
	if len(p) > 0 && !json.Valid(p) {
		return dErrors.New(dErrors.CodeValidation, "payload must be valid JSON")
	}
	return nil
}
