package policy

import (
	"errors"
	"fmt"
	"sort"
)

// ErrInvalidPolicy wraps every construction failure so startup code can
// distinguish a bad artifact from an I/O problem.
var ErrInvalidPolicy = errors.New("invalid policy")

type key struct {
	role     Role
	resource Resource
	action   Action
}

// Grant is one resolved (role, resource, action) -> level entry.
type Grant struct {
	Role     Role
	Resource Resource
	Action   Action
	Level    Level
}

// Table is the immutable permission table. It is built once at startup and
// exposes only read accessors, so it is safe for unsynchronized concurrent use.
type Table struct {
	version   string
	roles     []Role
	resources map[Resource]ResourceSpec
	order     []Resource
	levels    map[key]Level
}

// Build validates a document and produces the table. It fails when any
// declared (resource, action) lacks an explicit entry for a declared role.
func Build(doc *Document) (*Table, error) {
	if doc == nil {
		return nil, fmt.Errorf("%w: document is nil", ErrInvalidPolicy)
	}
	if doc.Version == "" {
		return nil, fmt.Errorf("%w: version is required", ErrInvalidPolicy)
	}
	if len(doc.Roles) == 0 {
		return nil, fmt.Errorf("%w: at least one role is required", ErrInvalidPolicy)
	}

	t := &Table{
		version:   doc.Version,
		resources: make(map[Resource]ResourceSpec, len(doc.Resources)),
		levels:    make(map[key]Level),
	}

	seenRoles := make(map[Role]struct{}, len(doc.Roles))
	for _, r := range doc.Roles {
		if !r.IsValid() {
			return nil, fmt.Errorf("%w: unknown role %q", ErrInvalidPolicy, r)
		}
		if _, dup := seenRoles[r]; dup {
			return nil, fmt.Errorf("%w: role %q declared twice", ErrInvalidPolicy, r)
		}
		seenRoles[r] = struct{}{}
		t.roles = append(t.roles, r)
	}

	for _, spec := range doc.Resources {
		if err := validateResource(spec); err != nil {
			return nil, err
		}
		if _, dup := t.resources[spec.Name]; dup {
			return nil, fmt.Errorf("%w: resource %q declared twice", ErrInvalidPolicy, spec.Name)
		}
		spec.Actions = append([]Action(nil), spec.Actions...)
		t.resources[spec.Name] = spec
		t.order = append(t.order, spec.Name)
	}

	for resource, byRole := range doc.Grants {
		spec, ok := t.resources[resource]
		if !ok {
			return nil, fmt.Errorf("%w: grants reference undeclared resource %q", ErrInvalidPolicy, resource)
		}
		for role, byAction := range byRole {
			if _, ok := seenRoles[role]; !ok {
				return nil, fmt.Errorf("%w: grants for %s reference undeclared role %q", ErrInvalidPolicy, resource, role)
			}
			for action, level := range byAction {
				if !spec.Supports(action) {
					return nil, fmt.Errorf("%w: %s does not declare action %q", ErrInvalidPolicy, resource, action)
				}
				if err := validateLevel(action, level); err != nil {
					return nil, fmt.Errorf("%w: %s/%s/%s: %v", ErrInvalidPolicy, role, resource, action, err)
				}
				t.levels[key{role, resource, action}] = level
			}
		}
	}

	// Totality: every declared combination carries an explicit entry.
	for _, resource := range t.order {
		spec := t.resources[resource]
		for _, role := range t.roles {
			for _, action := range spec.Actions {
				if _, ok := doc.Grants[resource][role][action]; !ok {
					return nil, fmt.Errorf("%w: missing grant for role %s on %s/%s", ErrInvalidPolicy, role, resource, action)
				}
			}
		}
	}

	return t, nil
}

func validateResource(spec ResourceSpec) error {
	if spec.Name == "" {
		return fmt.Errorf("%w: resource name is required", ErrInvalidPolicy)
	}
	if spec.Table == "" {
		return fmt.Errorf("%w: resource %s has no audit table", ErrInvalidPolicy, spec.Name)
	}
	if len(spec.Actions) == 0 {
		return fmt.Errorf("%w: resource %s declares no actions", ErrInvalidPolicy, spec.Name)
	}
	seen := make(map[Action]struct{}, len(spec.Actions))
	for _, a := range spec.Actions {
		if !a.IsValid() {
			return fmt.Errorf("%w: resource %s declares unknown action %q", ErrInvalidPolicy, spec.Name, a)
		}
		if _, dup := seen[a]; dup {
			return fmt.Errorf("%w: resource %s declares action %q twice", ErrInvalidPolicy, spec.Name, a)
		}
		seen[a] = struct{}{}
	}
	if spec.Supports(ActionDelete) && !spec.Administrative {
		return fmt.Errorf("%w: hard delete is only permitted on administrative resources, not %s", ErrInvalidPolicy, spec.Name)
	}
	return nil
}

func validateLevel(action Action, level Level) error {
	switch level {
	case LevelAcknowledge:
		if action != ActionAcknowledge {
			return errors.New("acknowledge level is only valid for the acknowledge action")
		}
	case LevelExecute:
		if action != ActionExecute {
			return errors.New("execute level is only valid for the execute action")
		}
	}
	return nil
}

// Lookup resolves the permission level for a tuple. It is total: anything the
// table does not know resolves to LevelNone.
func (t *Table) Lookup(role Role, resource Resource, action Action) Level {
	if t == nil {
		return LevelNone
	}
	return t.levels[key{role, resource, action}]
}

// Version returns the artifact version the table was built from.
func (t *Table) Version() string { return t.version }

// Resource returns the declaration for name.
func (t *Table) Resource(name Resource) (ResourceSpec, bool) {
	spec, ok := t.resources[name]
	return spec, ok
}

// Roles returns the declared roles in artifact order.
func (t *Table) Roles() []Role { return append([]Role(nil), t.roles...) }

// Resources returns the declared resources in artifact order.
func (t *Table) Resources() []ResourceSpec {
	out := make([]ResourceSpec, 0, len(t.order))
	for _, name := range t.order {
		out = append(out, t.resources[name])
	}
	return out
}

// Grants lists every declared entry, ordered by resource, role, action.
func (t *Table) Grants() []Grant {
	var out []Grant
	for _, resource := range t.order {
		spec := t.resources[resource]
		for _, role := range t.roles {
			for _, action := range spec.Actions {
				out = append(out, Grant{Role: role, Resource: resource, Action: action, Level: t.Lookup(role, resource, action)})
			}
		}
	}
	return out
}

// Summary counts declared entries per role and level.
func (t *Table) Summary() map[Role]map[Level]int {
	out := make(map[Role]map[Level]int, len(t.roles))
	for _, g := range t.Grants() {
		if out[g.Role] == nil {
			out[g.Role] = make(map[Level]int)
		}
		out[g.Role][g.Level]++
	}
	return out
}

// Kinds returns the distinct lifecycle kinds referenced by resources, sorted.
func (t *Table) Kinds() []string {
	set := make(map[string]struct{})
	for _, spec := range t.resources {
		if spec.Kind != "" {
			set[spec.Kind] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
