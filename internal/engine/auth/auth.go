// Package auth holds the access policy: which identities may perform which
// actions on which entity kinds, and how list queries must be narrowed.
package auth

import (
	"errors"
	"fmt"

	"worktrack/internal/domain"
)

// ErrInvalidKindOrAction signals a programming error: the kind or action is
// outside the closed enumeration.
var ErrInvalidKindOrAction = errors.New("invalid entity kind or action")

// ForbiddenError indicates a denied decision.
type ForbiddenError struct {
	Kind   domain.EntityKind
	Action domain.Action
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s on %s denied", e.Action, e.Kind)
}

// Decision is the result of an authorization check. Scope only matters for
// view-list.
type Decision struct {
	Allowed bool  `json:"allowed"`
	Scope   Scope `json:"scope,omitempty"`
}

// Target is the record an action applies to.
type Target interface {
	IsAssigned(userID string) bool
}

// Policy evaluates the capability table. It is immutable after construction
// and safe for concurrent use.
type Policy struct {
	rules       []rule
	departments map[domain.EntityKind]KindAccess
}

// NewPolicy builds a policy with the given head department table. Kinds
// missing from departments are disabled for heads.
func NewPolicy(departments map[domain.EntityKind]KindAccess) Policy {
	copied := make(map[domain.EntityKind]KindAccess, len(departments))
	for k, v := range departments {
		copied[k] = KindAccess{AllDepartments: v.AllDepartments, Departments: append([]domain.Department(nil), v.Departments...)}
	}
	return Policy{rules: capabilities, departments: copied}
}

// DefaultPolicy uses DefaultDepartments.
func DefaultPolicy() Policy {
	return NewPolicy(DefaultDepartments())
}

// Authorize decides whether id may perform action on kind. target may be nil;
// rules that require assignment deny without one.
func (p Policy) Authorize(id domain.Identity, kind domain.EntityKind, action domain.Action, target Target) (Decision, error) {
	if !kind.Valid() || !action.Valid() {
		return Decision{}, fmt.Errorf("%w: %q/%q", ErrInvalidKindOrAction, kind, action)
	}
	if id == nil || id.ID() == "" {
		return Decision{}, nil
	}
	role := id.Role()
	for _, r := range p.rules {
		if !r.matches(role, kind, action) {
			continue
		}
		if r.Effect == deny {
			return Decision{}, nil
		}
		if r.Department && !p.departments[kind].enabledFor(domain.DepartmentOf(id)) {
			return Decision{}, nil
		}
		if r.Assigned && (target == nil || !target.IsAssigned(id.ID())) {
			return Decision{}, nil
		}
		return Decision{Allowed: true, Scope: r.Scope}, nil
	}
	return Decision{}, nil
}

// Require is Authorize folded into a single error: ForbiddenError when denied.
func (p Policy) Require(id domain.Identity, kind domain.EntityKind, action domain.Action, target Target) (Decision, error) {
	d, err := p.Authorize(id, kind, action, target)
	if err != nil {
		return d, err
	}
	if !d.Allowed {
		return d, ForbiddenError{Kind: kind, Action: action}
	}
	return d, nil
}

// Visible returns the list scope for every work-item kind id may list. It
// drives navigation and dashboards.
func (p Policy) Visible(id domain.Identity) map[domain.EntityKind]Scope {
	out := map[domain.EntityKind]Scope{}
	for _, k := range domain.WorkItemKinds() {
		if d, err := p.Authorize(id, k, domain.ActionViewList, nil); err == nil && d.Allowed {
			out[k] = d.Scope
		}
	}
	return out
}
