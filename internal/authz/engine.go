// Package authz evaluates access requests against the permission table, the
// ownership rules and the lifecycle machines. Evaluation is pure: it reads
// immutable configuration and the request, and never touches storage.
package authz

import (
	"fmt"
	"time"

	"clinicore/internal/identity"
	"clinicore/internal/lifecycle"
	"clinicore/internal/ownership"
	"clinicore/internal/platform/metrics"
	"clinicore/internal/policy"
	"clinicore/internal/records"
	dErrors "clinicore/pkg/domain-errors"
)

// Request is one access attempt.
type Request struct {
	Actor    identity.Actor
	Resource policy.Resource
	// Action may be left empty for transitions; it is derived from the edge.
	Action     policy.Action
	Transition lifecycle.TransitionName
	// Target selects the successor for transitions with several outcomes.
	Target lifecycle.State
	// Record is the stored record, or for create the proposed one.
	Record *records.Record
	// Now defaults to the engine clock.
	Now time.Time
}

// Decision is the outcome of an evaluation. Denials are values, not errors.
type Decision struct {
	Allowed bool
	Level   policy.Level
	Action  policy.Action
	// Reason is the denial code, empty when allowed.
	Reason dErrors.Code
	// Err is the taxonomy error explaining a denial.
	Err error
	// NextState is set for allowed transitions.
	NextState    lifecycle.State
	SetsCoSigner bool
}

// Engine is stateless and safe for concurrent use.
type Engine struct {
	table    *policy.Table
	machines *lifecycle.Registry
	owners   *ownership.Resolver
	metrics  *metrics.Metrics
	now      func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New wires the engine and checks that every lifecycle kind the policy
// references has a machine.
func New(table *policy.Table, machines *lifecycle.Registry, owners *ownership.Resolver, opts ...Option) (*Engine, error) {
	if table == nil || machines == nil || owners == nil {
		return nil, fmt.Errorf("authz: table, machines and ownership resolver are required")
	}
	for _, kind := range table.Kinds() {
		if _, ok := machines.ForKind(lifecycle.Kind(kind)); !ok {
			return nil, fmt.Errorf("authz: policy references kind %q with no lifecycle machine", kind)
		}
	}
	e := &Engine{table: table, machines: machines, owners: owners, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Table exposes the permission table the engine evaluates against.
func (e *Engine) Table() *policy.Table { return e.table }

// Machines exposes the lifecycle registry.
func (e *Engine) Machines() *lifecycle.Registry { return e.machines }

// Evaluate runs the decision procedure.
func (e *Engine) Evaluate(req Request) Decision {
	start := time.Now()
	d := e.evaluate(req)
	e.metrics.ObserveDecision(string(req.Resource), string(d.Action), d.Allowed, string(d.Reason), time.Since(start))
	return d
}

type evaluation struct {
	req     Request
	spec    policy.ResourceSpec
	machine *lifecycle.Machine
	edge    lifecycle.Edge
	now     time.Time
	d       Decision
}

func (ev *evaluation) deny(err error) Decision {
	ev.d.Allowed = false
	ev.d.Err = err
	ev.d.Reason = dErrors.CodeOf(err)
	ev.d.NextState = ""
	ev.d.SetsCoSigner = false
	return ev.d
}

func (ev *evaluation) isTransition() bool { return ev.req.Transition != "" }

func (e *Engine) evaluate(req Request) Decision {
	ev := &evaluation{req: req, now: req.Now, d: Decision{Action: req.Action}}
	if ev.now.IsZero() {
		ev.now = e.now()
	}

	if err := e.validate(ev); err != nil {
		return ev.deny(err)
	}
	actor, rec := req.Actor, req.Record

	// Separation of duties holds for every role, so it precedes the lookup.
	if ev.isTransition() && ev.edge.Authority.Ownership == lifecycle.NotOwner && e.owners.IsOwner(actor.ID, rec) {
		return ev.deny(denial(dErrors.CodeSameActorCosign,
			fmt.Sprintf("%s of %s requires a different actor than the author", req.Transition, rec.ID)))
	}

	level := e.table.Lookup(actor.Role, req.Resource, ev.d.Action)
	ev.d.Level = level
	if level == policy.LevelNone {
		return ev.deny(denial(dErrors.CodePermissionDenied,
			fmt.Sprintf("%s has no %s access to %s", actor.Role, ev.d.Action, req.Resource)))
	}

	if ev.isTransition() {
		if err := e.gateTransition(ev); err != nil {
			return ev.deny(err)
		}
	} else if ev.d.Action == policy.ActionUpdate && ev.machine != nil {
		if err := e.gateEdit(ev); err != nil {
			return ev.deny(err)
		}
	}

	if err := e.applyLevel(ev); err != nil {
		return ev.deny(err)
	}

	ev.d.Allowed = true
	return ev.d
}

// Screen answers from the table alone, without the record. A denied screen
// matches what Evaluate returns for a role without access to the resource;
// an allowed screen says nothing until Evaluate runs with the record.
func (e *Engine) Screen(req Request) Decision {
	ev := &evaluation{req: req, d: Decision{Action: req.Action}}
	if err := e.resolve(ev); err != nil {
		return ev.deny(err)
	}
	ev.d.Level = e.table.Lookup(req.Actor.Role, req.Resource, ev.d.Action)
	if ev.d.Level == policy.LevelNone {
		return ev.deny(denial(dErrors.CodePermissionDenied,
			fmt.Sprintf("%s has no %s access to %s", req.Actor.Role, ev.d.Action, req.Resource)))
	}
	ev.d.Allowed = true
	return ev.d
}

// validate rejects malformed requests and resolves the transition edge.
func (e *Engine) validate(ev *evaluation) error {
	if err := e.resolve(ev); err != nil {
		return err
	}
	req := ev.req
	if ev.isTransition() && req.Record == nil {
		return denial(dErrors.CodeInvalidTransition, "transition requires an existing record")
	}
	switch ev.d.Action {
	case policy.ActionUpdate, policy.ActionDelete, policy.ActionAcknowledge:
		if req.Record == nil {
			return denial(dErrors.CodePermissionDenied, fmt.Sprintf("%s requires an existing record", ev.d.Action))
		}
	}

	if rec := req.Record; rec != nil {
		if rec.Resource != "" && rec.Resource != req.Resource {
			return denial(dErrors.CodePermissionDenied,
				fmt.Sprintf("record belongs to %s, not %s", rec.Resource, req.Resource))
		}
		if ev.machine != nil && rec.Kind != ev.machine.Kind() {
			return denial(dErrors.CodePermissionDenied,
				fmt.Sprintf("record kind %q does not match %s", rec.Kind, ev.machine.Kind()))
		}
	}
	return nil
}

// resolve checks the parts of a request that do not depend on the record:
// actor, resource, transition edge and action.
func (e *Engine) resolve(ev *evaluation) error {
	req := ev.req
	if !req.Actor.Valid() {
		return denial(dErrors.CodePermissionDenied, "actor is not authenticated")
	}
	spec, ok := e.table.Resource(req.Resource)
	if !ok {
		return denial(dErrors.CodePermissionDenied, fmt.Sprintf("unknown resource %q", req.Resource))
	}
	ev.spec = spec
	if spec.Kind != "" {
		ev.machine, _ = e.machines.ForKind(lifecycle.Kind(spec.Kind))
	}

	if ev.isTransition() {
		if ev.machine == nil {
			return denial(dErrors.CodeInvalidTransition, fmt.Sprintf("%s has no lifecycle", req.Resource))
		}
		edge, ok := ev.machine.Transition(req.Transition)
		if !ok {
			return denial(dErrors.CodeInvalidTransition,
				fmt.Sprintf("transition %q does not belong to %s", req.Transition, ev.machine.Kind()))
		}
		ev.edge = edge
		switch ev.d.Action {
		case "":
			ev.d.Action = edge.Action
		case edge.Action:
		default:
			return denial(dErrors.CodePermissionDenied,
				fmt.Sprintf("transition %s is performed with %s, not %s", req.Transition, edge.Action, ev.d.Action))
		}
	}

	action := ev.d.Action
	if !action.IsValid() {
		return denial(dErrors.CodePermissionDenied, fmt.Sprintf("unknown action %q", action))
	}
	if !spec.Supports(action) {
		return denial(dErrors.CodePermissionDenied, fmt.Sprintf("%s does not support %s", req.Resource, action))
	}
	return nil
}

func (e *Engine) gateTransition(ev *evaluation) error {
	req, edge, rec := ev.req, ev.edge, ev.req.Record

	next, err := ev.machine.Apply(rec.Facts(), req.Transition, req.Target)
	if err != nil {
		return err
	}
	if !edge.Authority.Permits(req.Actor.Role) {
		return denial(dErrors.CodeInvalidTransition,
			fmt.Sprintf("%s may not %s a %s", req.Actor.Role, req.Transition, ev.machine.Kind()))
	}
	if edge.Authority.Ownership == lifecycle.OwnerOnly && !e.owners.IsOwner(req.Actor.ID, rec) {
		return denial(dErrors.CodeInvalidTransition,
			fmt.Sprintf("only the author may %s %s", req.Transition, rec.ID))
	}
	if !ev.d.Level.Satisfies(edge.Authority.MinLevel) {
		return denial(dErrors.CodePermissionDenied,
			fmt.Sprintf("%s requires %s access, %s holds %s", req.Transition, edge.Authority.MinLevel, req.Actor.Role, ev.d.Level))
	}
	ev.d.NextState = next
	ev.d.SetsCoSigner = edge.SetsCoSigner
	return nil
}

func (e *Engine) gateEdit(ev *evaluation) error {
	rec := ev.req.Record
	if !ev.machine.Editable(rec.Status) {
		return denial(dErrors.CodeInvalidTransition,
			fmt.Sprintf("%s cannot be edited in state %q", ev.machine.Kind(), rec.Status))
	}
	if ev.machine.EditOwnership() == lifecycle.OwnerOnly && !e.owners.IsOwner(ev.req.Actor.ID, rec) {
		return denial(dErrors.CodeOwnershipRequired,
			fmt.Sprintf("only the author may edit %s", rec.ID))
	}
	return nil
}

func (e *Engine) applyLevel(ev *evaluation) error {
	actor, rec, action := ev.req.Actor, ev.req.Record, ev.d.Action

	switch ev.d.Level {
	case policy.LevelFull:
		return nil
	case policy.LevelOwn:
		switch {
		case action == policy.ActionCreate:
			if rec != nil && !rec.OwnerID.IsNil() && rec.OwnerID != actor.ID {
				return denial(dErrors.CodeOwnershipRequired, "records created at own level must be owned by the creator")
			}
			return nil
		case rec == nil:
			return denial(dErrors.CodeOwnershipRequired, fmt.Sprintf("%s at own level requires a record", action))
		case action == policy.ActionRead:
			if !e.owners.IsOwner(actor.ID, rec) {
				return denial(dErrors.CodeOwnershipRequired, "actor does not own the record")
			}
			return nil
		default:
			return e.owners.Check(actor.ID, rec, ev.now)
		}
	case policy.LevelRead:
		if action != policy.ActionRead {
			return denial(dErrors.CodePermissionDenied, fmt.Sprintf("%s holds read-only access to %s", actor.Role, ev.req.Resource))
		}
	case policy.LevelAcknowledge:
		if action != policy.ActionAcknowledge {
			return denial(dErrors.CodePermissionDenied, fmt.Sprintf("%s may only acknowledge %s", actor.Role, ev.req.Resource))
		}
	case policy.LevelExecute:
		if action != policy.ActionExecute {
			return denial(dErrors.CodePermissionDenied, fmt.Sprintf("%s may only execute %s", actor.Role, ev.req.Resource))
		}
	default:
		return denial(dErrors.CodePermissionDenied, fmt.Sprintf("unrecognised level %q", ev.d.Level))
	}
	return nil
}
