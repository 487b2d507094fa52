package authz

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"clinicore/internal/identity"
	"clinicore/internal/lifecycle"
	"clinicore/internal/ownership"
	"clinicore/internal/platform/metrics"
	"clinicore/internal/policy"
	"clinicore/internal/records"
	id "clinicore/pkg/domain"
	dErrors "clinicore/pkg/domain-errors"
)

type EngineSuite struct {
	suite.Suite
	engine     *Engine
	metrics    *metrics.Metrics
	now        time.Time
	physicianA identity.Actor
	physicianB identity.Actor
	nurse      identity.Actor
	nurse2     identity.Actor
	admin      identity.Actor
}

func TestEngineSuite(t *testing.T) {
	suite.Run(t, new(EngineSuite))
}

func newActor(role policy.Role) identity.Actor {
	return identity.Actor{ID: id.UserID(uuid.New()), Role: role}
}

func (s *EngineSuite) SetupTest() {
	table, err := policy.Default()
	s.Require().NoError(err)
	s.now = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	s.metrics = metrics.New(prometheus.NewRegistry())
	s.engine, err = New(table, lifecycle.Default(), ownership.New(),
		WithMetrics(s.metrics),
		WithClock(func() time.Time { return s.now }),
	)
	s.Require().NoError(err)

	s.physicianA = newActor(policy.RolePhysician)
	s.physicianB = newActor(policy.RolePhysician)
	s.nurse = newActor(policy.RoleNurse)
	s.nurse2 = newActor(policy.RoleNurse)
	s.admin = newActor(policy.RoleAdmin)
}

func (s *EngineSuite) record(resource policy.Resource, kind lifecycle.Kind, owner identity.Actor, status lifecycle.State) *records.Record {
	return &records.Record{
		ID:        id.NewRecordID(),
		Resource:  resource,
		Kind:      kind,
		OwnerID:   owner.ID,
		Status:    status,
		CreatedAt: s.now.Add(-time.Hour),
		UpdatedAt: s.now.Add(-time.Hour),
	}
}

func (s *EngineSuite) note(owner identity.Actor, status lifecycle.State) *records.Record {
	return s.record("clinical_note", lifecycle.KindClinicalNote, owner, status)
}

func (s *EngineSuite) assertDenied(d Decision, target error) {
	s.T().Helper()
	s.False(d.Allowed)
	s.Require().Error(d.Err)
	s.ErrorIs(d.Err, target)
	s.Equal(dErrors.CodeOf(d.Err), d.Reason)
	s.Empty(d.NextState)
}

// Scenario 1
func (s *EngineSuite) TestNurseCannotCreateClinicalNote() {
	d := s.engine.Evaluate(Request{
		Actor: s.nurse, Resource: "clinical_note", Action: policy.ActionCreate,
		Record: s.note(s.nurse, lifecycle.StateDraft),
	})
	s.assertDenied(d, ErrPermissionDenied)
	s.Equal(policy.LevelNone, d.Level)
}

func (s *EngineSuite) TestScreenDecidesWithoutRecord() {
	s.T().Run("role without access", func(t *testing.T) {
		d := s.engine.Screen(Request{Actor: s.admin, Resource: "clinical_note", Action: policy.ActionRead})
		s.assertDenied(d, ErrPermissionDenied)
	})

	s.T().Run("transition maps to its action", func(t *testing.T) {
		d := s.engine.Screen(Request{Actor: s.nurse, Resource: "alarm", Transition: lifecycle.TransitionClose})
		s.assertDenied(d, ErrPermissionDenied)
		s.Equal(policy.ActionUpdate, d.Action)

		d = s.engine.Screen(Request{Actor: s.nurse, Resource: "alarm", Transition: lifecycle.TransitionAcknowledge})
		s.True(d.Allowed)
		s.Equal(policy.LevelAcknowledge, d.Level)
	})

	s.T().Run("record-dependent gates are left to Evaluate", func(t *testing.T) {
		d := s.engine.Screen(Request{Actor: s.physicianA, Resource: "clinical_note", Transition: lifecycle.TransitionCosign})
		s.True(d.Allowed)
	})

	s.T().Run("unknown resource", func(t *testing.T) {
		d := s.engine.Screen(Request{Actor: s.physicianA, Resource: "ghost", Action: policy.ActionRead})
		s.assertDenied(d, ErrPermissionDenied)
	})
}

// Scenarios 2-4
func (s *EngineSuite) TestClinicalNoteReleaseAndCosign() {
	n := s.note(s.physicianA, lifecycle.StateDraft)

	s.T().Run("author creates", func(t *testing.T) {
		d := s.engine.Evaluate(Request{Actor: s.physicianA, Resource: "clinical_note", Action: policy.ActionCreate, Record: n})
		assert.True(t, d.Allowed)
	})

	s.T().Run("author releases", func(t *testing.T) {
		d := s.engine.Evaluate(Request{Actor: s.physicianA, Resource: "clinical_note", Transition: lifecycle.TransitionRelease, Record: n})
		require.True(t, d.Allowed, "%v", d.Err)
		assert.Equal(t, lifecycle.StateReleased, d.NextState)
		assert.Equal(t, policy.ActionUpdate, d.Action)
	})
	n.Status = lifecycle.StateReleased

	s.T().Run("other physician may not release", func(t *testing.T) {
		draft := s.note(s.physicianA, lifecycle.StateDraft)
		d := s.engine.Evaluate(Request{Actor: s.physicianB, Resource: "clinical_note", Transition: lifecycle.TransitionRelease, Record: draft})
		assert.False(t, d.Allowed)
		assert.ErrorIs(t, d.Err, ErrInvalidTransition)
	})

	s.T().Run("author cannot cosign", func(t *testing.T) {
		d := s.engine.Evaluate(Request{Actor: s.physicianA, Resource: "clinical_note", Transition: lifecycle.TransitionCosign, Record: n})
		assert.False(t, d.Allowed)
		assert.ErrorIs(t, d.Err, ErrSameActorCosign)
		assert.ErrorIs(t, d.Err, ErrInvalidTransition, "same-actor cosign is a specialization")
		assert.Equal(t, dErrors.CodeSameActorCosign, d.Reason)
	})

	s.T().Run("second physician cosigns", func(t *testing.T) {
		d := s.engine.Evaluate(Request{Actor: s.physicianB, Resource: "clinical_note", Transition: lifecycle.TransitionCosign, Record: n})
		require.True(t, d.Allowed, "%v", d.Err)
		assert.True(t, d.SetsCoSigner)
		assert.Equal(t, lifecycle.StateReleased, d.NextState)
	})

	s.T().Run("cannot cosign twice", func(t *testing.T) {
		signer := s.physicianB.ID
		n.CoSignerID = &signer
		third := newActor(policy.RolePhysician)
		d := s.engine.Evaluate(Request{Actor: third, Resource: "clinical_note", Transition: lifecycle.TransitionCosign, Record: n})
		assert.False(t, d.Allowed)
		assert.ErrorIs(t, d.Err, ErrInvalidTransition)
	})
}

// TestFourEyesForEveryRole checks that owning the record blocks a not-owner
// transition regardless of the role's table verdict.
func (s *EngineSuite) TestFourEyesForEveryRole() {
	for _, actor := range []identity.Actor{s.physicianA, s.nurse, s.admin} {
		n := s.note(actor, lifecycle.StateReleased)
		d := s.engine.Evaluate(Request{Actor: actor, Resource: "clinical_note", Transition: lifecycle.TransitionCosign, Record: n})
		s.assertDenied(d, ErrSameActorCosign)
	}
}

// Scenario 5
func (s *EngineSuite) TestMedicationAdministration() {
	e := s.record("medication_administration", lifecycle.KindMedicationAdministration, s.nurse, lifecycle.StatePlanned)

	d := s.engine.Evaluate(Request{Actor: s.nurse, Resource: "medication_administration", Transition: lifecycle.TransitionAdminister, Target: lifecycle.StateGiven, Record: e})
	s.Require().True(d.Allowed, "%v", d.Err)
	s.Equal(lifecycle.StateGiven, d.NextState)

	d = s.engine.Evaluate(Request{Actor: s.physicianA, Resource: "medication_administration", Transition: lifecycle.TransitionAdminister, Target: lifecycle.StateGiven, Record: e})
	s.assertDenied(d, ErrInvalidTransition)

	d = s.engine.Evaluate(Request{Actor: s.nurse, Resource: "medication_administration", Transition: lifecycle.TransitionAdminister, Record: e})
	s.assertDenied(d, ErrInvalidTransition)

	e.Status = lifecycle.StateGiven
	d = s.engine.Evaluate(Request{Actor: s.nurse, Resource: "medication_administration", Transition: lifecycle.TransitionAdminister, Target: lifecycle.StateRefused, Record: e})
	s.assertDenied(d, ErrInvalidTransition)
}

// Scenario 6
func (s *EngineSuite) TestAlarmLifecycle() {
	a := s.record("alarm", lifecycle.KindAlarm, s.physicianA, lifecycle.StateOpen)

	d := s.engine.Evaluate(Request{Actor: s.nurse, Resource: "alarm", Transition: lifecycle.TransitionAcknowledge, Record: a})
	s.Require().True(d.Allowed, "%v", d.Err)
	s.Equal(lifecycle.StateAcknowledged, d.NextState)
	s.Equal(policy.ActionAcknowledge, d.Action)
	s.Equal(policy.LevelAcknowledge, d.Level)
	a.Status = lifecycle.StateAcknowledged

	d = s.engine.Evaluate(Request{Actor: s.nurse, Resource: "alarm", Transition: lifecycle.TransitionClose, Record: a})
	s.assertDenied(d, ErrPermissionDenied)

	d = s.engine.Evaluate(Request{Actor: s.physicianB, Resource: "alarm", Transition: lifecycle.TransitionClose, Record: a})
	s.Require().True(d.Allowed, "%v", d.Err)
	s.Equal(lifecycle.StateClosed, d.NextState)

	a.Status = lifecycle.StateClosed
	d = s.engine.Evaluate(Request{Actor: s.physicianB, Resource: "alarm", Transition: lifecycle.TransitionClose, Record: a})
	s.assertDenied(d, ErrInvalidTransition)
}

func (s *EngineSuite) TestAlarmEditsAreBlocked() {
	a := s.record("alarm", lifecycle.KindAlarm, s.physicianA, lifecycle.StateOpen)
	d := s.engine.Evaluate(Request{Actor: s.physicianA, Resource: "alarm", Action: policy.ActionUpdate, Record: a})
	s.assertDenied(d, ErrInvalidTransition)
}

func (s *EngineSuite) TestConsentRevocation() {
	c := s.record("consent", lifecycle.KindConsent, s.physicianA, lifecycle.StateGranted)

	d := s.engine.Evaluate(Request{Actor: s.nurse, Resource: "consent", Transition: lifecycle.TransitionRevoke, Record: c})
	s.assertDenied(d, ErrPermissionDenied)

	for _, actor := range []identity.Actor{s.admin, s.physicianB} {
		d = s.engine.Evaluate(Request{Actor: actor, Resource: "consent", Transition: lifecycle.TransitionRevoke, Record: c})
		s.True(d.Allowed, "%s: %v", actor.Role, d.Err)
		s.Equal(lifecycle.StateRevoked, d.NextState)
	}

	c.Status = lifecycle.StateRevoked
	d = s.engine.Evaluate(Request{Actor: s.admin, Resource: "consent", Transition: lifecycle.TransitionRevoke, Record: c})
	s.assertDenied(d, ErrInvalidTransition)
}

func (s *EngineSuite) TestNoteEditsOnlyInDraftByAuthor() {
	draft := s.note(s.physicianA, lifecycle.StateDraft)

	d := s.engine.Evaluate(Request{Actor: s.physicianA, Resource: "clinical_note", Action: policy.ActionUpdate, Record: draft})
	s.True(d.Allowed, "%v", d.Err)

	d = s.engine.Evaluate(Request{Actor: s.physicianB, Resource: "clinical_note", Action: policy.ActionUpdate, Record: draft})
	s.assertDenied(d, ErrOwnershipRequired)

	released := s.note(s.physicianA, lifecycle.StateReleased)
	d = s.engine.Evaluate(Request{Actor: s.physicianA, Resource: "clinical_note", Action: policy.ActionUpdate, Record: released})
	s.assertDenied(d, ErrInvalidTransition)
}

// TestOwnershipGate covers the own level with its 24h window.
func (s *EngineSuite) TestOwnershipGate() {
	entry := s.record("nursing_entry", lifecycle.KindNursingEntry, s.nurse, lifecycle.StateRecorded)

	s.T().Run("author within window", func(t *testing.T) {
		d := s.engine.Evaluate(Request{Actor: s.nurse, Resource: "nursing_entry", Action: policy.ActionUpdate, Record: entry})
		assert.True(t, d.Allowed, "%v", d.Err)
		assert.Equal(t, policy.LevelOwn, d.Level)
	})

	s.T().Run("other nurse", func(t *testing.T) {
		d := s.engine.Evaluate(Request{Actor: s.nurse2, Resource: "nursing_entry", Action: policy.ActionUpdate, Record: entry})
		assert.False(t, d.Allowed)
		assert.ErrorIs(t, d.Err, ErrOwnershipRequired)
	})

	s.T().Run("author after 25h", func(t *testing.T) {
		d := s.engine.Evaluate(Request{
			Actor: s.nurse, Resource: "nursing_entry", Action: policy.ActionUpdate, Record: entry,
			Now: entry.CreatedAt.Add(25 * time.Hour),
		})
		assert.False(t, d.Allowed)
		assert.ErrorIs(t, d.Err, ErrOwnershipRequired)
	})

	s.T().Run("vitals edited by a non-author", func(t *testing.T) {
		proposed := s.record("patient_vitals", "", s.nurse2, "")
		d := s.engine.Evaluate(Request{Actor: s.nurse, Resource: "patient_vitals", Action: policy.ActionUpdate, Record: proposed})
		assert.ErrorIs(t, d.Err, ErrOwnershipRequired)
	})
}

func (s *EngineSuite) TestReadLevelAllowsOnlyRead() {
	order := s.record("medication_order", lifecycle.KindMedicationOrder, s.physicianA, lifecycle.StateActive)

	d := s.engine.Evaluate(Request{Actor: s.nurse, Resource: "medication_order", Action: policy.ActionRead, Record: order})
	s.True(d.Allowed)

	// read is independent of lifecycle state
	order.Status = lifecycle.StateStopped
	d = s.engine.Evaluate(Request{Actor: s.nurse, Resource: "medication_order", Action: policy.ActionRead, Record: order})
	s.True(d.Allowed)

	admin := s.record("medication_administration", lifecycle.KindMedicationAdministration, s.nurse, lifecycle.StatePlanned)
	d = s.engine.Evaluate(Request{Actor: s.physicianA, Resource: "medication_administration", Action: policy.ActionUpdate, Record: admin})
	s.assertDenied(d, ErrPermissionDenied)
}

func (s *EngineSuite) TestExecuteAndAdministrativeDelete() {
	d := s.engine.Evaluate(Request{Actor: s.admin, Resource: "identity_sync", Action: policy.ActionExecute})
	s.True(d.Allowed, "%v", d.Err)
	s.Equal(policy.LevelExecute, d.Level)

	d = s.engine.Evaluate(Request{Actor: s.physicianA, Resource: "identity_sync", Action: policy.ActionExecute})
	s.assertDenied(d, ErrPermissionDenied)

	ins := s.record("insurance_record", "", s.admin, "")
	d = s.engine.Evaluate(Request{Actor: s.admin, Resource: "insurance_record", Action: policy.ActionDelete, Record: ins})
	s.True(d.Allowed, "%v", d.Err)

	note := s.note(s.physicianA, lifecycle.StateDraft)
	d = s.engine.Evaluate(Request{Actor: s.physicianA, Resource: "clinical_note", Action: policy.ActionDelete, Record: note})
	s.assertDenied(d, ErrPermissionDenied)
}

func (s *EngineSuite) TestMalformedRequests() {
	n := s.note(s.physicianA, lifecycle.StateDraft)
	cases := map[string]Request{
		"unauthenticated":           {Resource: "clinical_note", Action: policy.ActionRead},
		"unknown role":              {Actor: identity.Actor{ID: s.nurse.ID, Role: "surgeon"}, Resource: "clinical_note", Action: policy.ActionRead},
		"unknown resource":          {Actor: s.physicianA, Resource: "invoice", Action: policy.ActionRead},
		"unknown action":            {Actor: s.physicianA, Resource: "clinical_note", Action: "approve"},
		"update without record":     {Actor: s.physicianA, Resource: "clinical_note", Action: policy.ActionUpdate},
		"record of another kind":    {Actor: s.physicianA, Resource: "alarm", Action: policy.ActionRead, Record: n},
		"action mismatch on edge":   {Actor: s.physicianA, Resource: "clinical_note", Action: policy.ActionCreate, Transition: lifecycle.TransitionRelease, Record: n},
		"unsupported action on res": {Actor: s.admin, Resource: "audit_log", Action: policy.ActionUpdate},
	}
	for name, req := range cases {
		s.T().Run(name, func(t *testing.T) {
			d := s.engine.Evaluate(req)
			assert.False(t, d.Allowed)
			assert.ErrorIs(t, d.Err, ErrPermissionDenied)
		})
	}

	d := s.engine.Evaluate(Request{Actor: s.physicianA, Resource: "clinical_note", Transition: lifecycle.TransitionAcknowledge, Record: n})
	s.assertDenied(d, ErrInvalidTransition)

	d = s.engine.Evaluate(Request{Actor: s.physicianA, Resource: "patient_vitals", Transition: lifecycle.TransitionRelease, Record: n})
	s.assertDenied(d, ErrInvalidTransition)
}

// TestDenialByDefault sweeps every role, resource and action and checks that
// an allow only ever happens where the table holds a level other than none.
func (s *EngineSuite) TestDenialByDefault() {
	table := s.engine.Table()
	for _, actor := range []identity.Actor{s.physicianA, s.nurse, s.admin} {
		for _, spec := range table.Resources() {
			for action := range policy.KnownActions {
				rec := s.record(spec.Name, lifecycle.Kind(spec.Kind), actor, "")
				if m, ok := s.engine.Machines().ForKind(lifecycle.Kind(spec.Kind)); ok {
					rec.Status = m.Initial()
				}
				d := s.engine.Evaluate(Request{Actor: actor, Resource: spec.Name, Action: action, Record: rec})
				if table.Lookup(actor.Role, spec.Name, action) == policy.LevelNone {
					s.False(d.Allowed, "%s %s %s", actor.Role, spec.Name, action)
				}
				if !d.Allowed {
					s.True(errors.Is(d.Err, ErrPermissionDenied) || errors.Is(d.Err, ErrOwnershipRequired) || errors.Is(d.Err, ErrInvalidTransition),
						"denial outside taxonomy: %v", d.Err)
				}
			}
		}
	}
}

func (s *EngineSuite) TestMetricsObserved() {
	s.engine.Evaluate(Request{Actor: s.admin, Resource: "audit_log", Action: policy.ActionRead})
	s.engine.Evaluate(Request{Actor: s.nurse, Resource: "audit_log", Action: policy.ActionRead})

	s.Equal(1.0, testutil.ToFloat64(s.metrics.Decisions.WithLabelValues("audit_log", "read", "allowed")))
	s.Equal(1.0, testutil.ToFloat64(s.metrics.Decisions.WithLabelValues("audit_log", "read", "denied")))
	s.Equal(1.0, testutil.ToFloat64(s.metrics.Denials.WithLabelValues("permission_denied")))
}

func TestNewRejectsKindsWithoutMachine(t *testing.T) {
	table, err := policy.Default()
	require.NoError(t, err)
	empty, err := lifecycle.NewRegistry()
	require.NoError(t, err)
	_, err = New(table, empty, ownership.New())
	require.Error(t, err)

	_, err = New(nil, lifecycle.Default(), ownership.New())
	require.Error(t, err)
}

func TestOwnLevelReadIgnoresEditWindow(t *testing.T) {
	doc, err := policy.Parse([]byte(`
version: "own-read"
roles: [nurse]
resources:
  - {name: nursing_entry, kind: nursing_entry, table: nursing_entries, actions: [create, read, update]}
grants:
  nursing_entry:
    nurse: {create: full, read: own, update: own}
`))
	require.NoError(t, err)
	table, err := policy.Build(doc)
	require.NoError(t, err)
	engine, err := New(table, lifecycle.Default(), ownership.New())
	require.NoError(t, err)

	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	author, other := newActor(policy.RoleNurse), newActor(policy.RoleNurse)
	entry := &records.Record{
		ID:        id.NewRecordID(),
		Resource:  "nursing_entry",
		Kind:      lifecycle.KindNursingEntry,
		OwnerID:   author.ID,
		Status:    lifecycle.StateRecorded,
		CreatedAt: now.Add(-48 * time.Hour),
	}

	read := engine.Evaluate(Request{Actor: author, Resource: "nursing_entry", Action: policy.ActionRead, Record: entry, Now: now})
	assert.True(t, read.Allowed, "%v", read.Err)

	edit := engine.Evaluate(Request{Actor: author, Resource: "nursing_entry", Action: policy.ActionUpdate, Record: entry, Now: now})
	assert.ErrorIs(t, edit.Err, ErrOwnershipRequired)

	foreign := engine.Evaluate(Request{Actor: other, Resource: "nursing_entry", Action: policy.ActionRead, Record: entry, Now: now})
	assert.ErrorIs(t, foreign.Err, ErrOwnershipRequired)
}
