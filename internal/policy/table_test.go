package policy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalArtifact = `
version: "test.1"
roles: [physician, nurse]
resources:
  - name: clinical_note
    kind: clinical_note
    table: clinical_notes
    actions: [create, read]
grants:
  clinical_note:
    physician: {create: full, read: full}
    nurse:     {create: none, read: read}
`

func mustParse(t *testing.T, artifact string) *Document {
	t.Helper()
	doc, err := Parse([]byte(artifact))
	require.NoError(t, err)
	return doc
}

func TestDefaultArtifactBuilds(t *testing.T) {
	table, err := Default()
	require.NoError(t, err)
	assert.NotEmpty(t, table.Version())
	assert.ElementsMatch(t, []Role{RolePhysician, RoleNurse, RoleAdmin}, table.Roles())
}

// TestLookup_Totality checks that every combination in the enumerated domain
// resolves to a defined level, including combinations the table never declared.
func TestLookup_Totality(t *testing.T) {
	table, err := Default()
	require.NoError(t, err)

	known := map[Level]struct{}{}
	for _, l := range levelNames {
		known[l] = struct{}{}
	}

	resources := append(table.Resources(), ResourceSpec{Name: "unknown_resource"})
	for _, role := range []Role{RolePhysician, RoleNurse, RoleAdmin, "intruder"} {
		for _, spec := range resources {
			for action := range KnownActions {
				level := table.Lookup(role, spec.Name, action)
				_, ok := known[level]
				assert.True(t, ok, "undefined level for %s/%s/%s", role, spec.Name, action)
			}
		}
	}
}

func TestLookup_DenialByDefault(t *testing.T) {
	table, err := Build(mustParse(t, minimalArtifact))
	require.NoError(t, err)

	assert.Equal(t, LevelNone, table.Lookup(RoleAdmin, "clinical_note", ActionRead), "undeclared role")
	assert.Equal(t, LevelNone, table.Lookup(RolePhysician, "clinical_note", ActionDelete), "undeclared action")
	assert.Equal(t, LevelNone, table.Lookup(RolePhysician, "insurance_record", ActionRead), "undeclared resource")
	assert.Equal(t, LevelFull, table.Lookup(RolePhysician, "clinical_note", ActionCreate))
	assert.Equal(t, LevelRead, table.Lookup(RoleNurse, "clinical_note", ActionRead))

	var nilTable *Table
	assert.Equal(t, LevelNone, nilTable.Lookup(RolePhysician, "clinical_note", ActionRead))
}

func TestReferencePolicy(t *testing.T) {
	table, err := Default()
	require.NoError(t, err)

	cases := []struct {
		role     Role
		resource Resource
		action   Action
		want     Level
	}{
		{RoleNurse, "clinical_note", ActionCreate, LevelNone},
		{RolePhysician, "clinical_note", ActionCreate, LevelFull},
		{RoleNurse, "nursing_entry", ActionUpdate, LevelOwn},
		{RoleNurse, "alarm", ActionAcknowledge, LevelAcknowledge},
		{RolePhysician, "alarm", ActionAcknowledge, LevelAcknowledge},
		{RoleNurse, "alarm", ActionUpdate, LevelNone},
		{RolePhysician, "alarm", ActionUpdate, LevelFull},
		{RoleAdmin, "consent", ActionUpdate, LevelFull},
		{RoleAdmin, "identity_sync", ActionExecute, LevelExecute},
		{RoleAdmin, "audit_log", ActionRead, LevelFull},
		{RolePhysician, "audit_log", ActionRead, LevelNone},
		{RoleAdmin, "insurance_record", ActionDelete, LevelFull},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, table.Lookup(tc.role, tc.resource, tc.action), "%s/%s/%s", tc.role, tc.resource, tc.action)
	}
}

func TestBuild_FailsFast(t *testing.T) {
	cases := map[string]string{
		"missing grant for a declared role": `
version: "x"
roles: [physician, nurse]
resources:
  - {name: clinical_note, table: clinical_notes, actions: [read]}
grants:
  clinical_note:
    physician: {read: full}
`,
		"hard delete on clinical resource": `
version: "x"
roles: [physician]
resources:
  - {name: clinical_note, table: clinical_notes, actions: [read, delete]}
grants:
  clinical_note:
    physician: {read: full, delete: none}
`,
		"grant for undeclared action": `
version: "x"
roles: [physician]
resources:
  - {name: clinical_note, table: clinical_notes, actions: [read]}
grants:
  clinical_note:
    physician: {read: full, update: full}
`,
		"execute level on non-execute action": `
version: "x"
roles: [admin]
resources:
  - {name: insurance_record, table: insurance_records, administrative: true, actions: [read]}
grants:
  insurance_record:
    admin: {read: execute}
`,
		"acknowledge level on non-acknowledge action": `
version: "x"
roles: [nurse]
resources:
  - {name: alarm, kind: alarm, table: alarms, actions: [read, update, acknowledge]}
grants:
  alarm:
    nurse: {read: acknowledge, update: acknowledge, acknowledge: acknowledge}
`,
		"unknown role": `
version: "x"
roles: [surgeon]
resources: []
`,
		"missing version": `
roles: [physician]
resources: []
`,
		"undeclared resource in grants": `
version: "x"
roles: [physician]
resources: []
grants:
  ghost:
    physician: {read: full}
`,
	}

	for name, artifact := range cases {
		t.Run(name, func(t *testing.T) {
			doc, err := Parse([]byte(artifact))
			require.NoError(t, err)
			_, err = Build(doc)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidPolicy)
		})
	}
}

func TestParse_RejectsUnknownLevelsAndFields(t *testing.T) {
	_, err := Parse([]byte(`
version: "x"
roles: [physician]
resources:
  - {name: clinical_note, table: clinical_notes, actions: [read]}
grants:
  clinical_note:
    physician: {read: superuser}
`))
	require.Error(t, err)

	_, err = Parse([]byte("version: x\nunexpected: true\n"))
	require.Error(t, err)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(minimalArtifact), 0o600))

	table, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "test.1", table.Version())

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestSummaryAndGrants(t *testing.T) {
	table, err := Build(mustParse(t, minimalArtifact))
	require.NoError(t, err)

	grants := table.Grants()
	require.Len(t, grants, 4)
	assert.Equal(t, Grant{Role: RolePhysician, Resource: "clinical_note", Action: ActionCreate, Level: LevelFull}, grants[0])

	summary := table.Summary()
	assert.Equal(t, 2, summary[RolePhysician][LevelFull])
	assert.Equal(t, 1, summary[RoleNurse][LevelNone])
	assert.Equal(t, 1, summary[RoleNurse][LevelRead])
	assert.Equal(t, []string{"clinical_note"}, table.Kinds())
}
