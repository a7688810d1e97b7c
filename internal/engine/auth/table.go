package auth

import "worktrack/internal/domain"

// Scope narrows a list query.
type Scope string

const (
	ScopeAll          Scope = "all"
	ScopeAssignedOnly Scope = "assigned-only"
)

type effect int

const (
	deny effect = iota
	allow
)

// rule is one row of the capability table. Empty Kinds or Actions match
// everything. When a rule matches, its conditions decide the outcome; later
// rules are not consulted.
type rule struct {
	Roles   []domain.Role
	Kinds   []domain.EntityKind
	Actions []domain.Action
	Effect  effect
	Scope   Scope
	// Department requires the kind to be enabled for the caller's department.
	Department bool
	// Assigned requires the target to list the caller among its assignees.
	Assigned bool
}

var userVisibleKinds = []domain.EntityKind{domain.KindProject, domain.KindComplaint, domain.KindMaintenance}

var capabilities = []rule{
	{
		Roles:   []domain.Role{domain.RoleAdmin},
		Kinds:   []domain.EntityKind{domain.KindUser},
		Actions: []domain.Action{domain.ActionDelete, domain.ActionAssignUsers},
		Effect:  deny,
	},
	{
		Roles:  []domain.Role{domain.RoleDirector, domain.RoleAdmin},
		Effect: allow,
		Scope:  ScopeAll,
	},
	{
		Roles:      []domain.Role{domain.RoleHead},
		Kinds:      domain.WorkItemKinds(),
		Actions:    []domain.Action{domain.ActionViewList, domain.ActionViewOne, domain.ActionCreate, domain.ActionUpdate},
		Effect:     allow,
		Scope:      ScopeAll,
		Department: true,
	},
	{
		Roles:   []domain.Role{domain.RoleUser},
		Kinds:   userVisibleKinds,
		Actions: []domain.Action{domain.ActionViewList},
		Effect:  allow,
		Scope:   ScopeAssignedOnly,
	},
	{
		Roles:    []domain.Role{domain.RoleUser},
		Kinds:    userVisibleKinds,
		Actions:  []domain.Action{domain.ActionViewOne, domain.ActionUpdate},
		Effect:   allow,
		Scope:    ScopeAssignedOnly,
		Assigned: true,
	},
}

// KindAccess lists the departments whose heads may work with a kind.
type KindAccess struct {
	AllDepartments bool
	Departments    []domain.Department
}

func (k KindAccess) enabledFor(d domain.Department) bool {
	if k.AllDepartments {
		return true
	}
	if d == "" {
		return false
	}
	for _, dep := range k.Departments {
		if dep == d {
			return true
		}
	}
	return false
}

// DefaultDepartments is the stock department table for heads.
func DefaultDepartments() map[domain.EntityKind]KindAccess {
	return map[domain.EntityKind]KindAccess{
		domain.KindProject:     {AllDepartments: true},
		domain.KindComplaint:   {AllDepartments: true},
		domain.KindInvoice:     {Departments: []domain.Department{domain.DeptAccounts, domain.DeptSales}},
		domain.KindMaintenance: {Departments: []domain.Department{domain.DeptTechnical, domain.DeptIT}},
	}
}

func (r rule) matches(role domain.Role, kind domain.EntityKind, action domain.Action) bool {
	return containsRole(r.Roles, role) &&
		(len(r.Kinds) == 0 || containsKind(r.Kinds, kind)) &&
		(len(r.Actions) == 0 || containsAction(r.Actions, action))
}

func containsRole(in []domain.Role, v domain.Role) bool {
	for _, x := range in {
		if x == v {
			return true
		}
	}
	return false
}

func containsKind(in []domain.EntityKind, v domain.EntityKind) bool {
	for _, x := range in {
		if x == v {
			return true
		}
	}
	return false
}

func containsAction(in []domain.Action, v domain.Action) bool {
	for _, x := range in {
		if x == v {
			return true
		}
	}
	return false
}
