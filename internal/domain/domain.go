package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Role is a staff rank. Ranks are totally ordered: director > admin > head > user.
type Role string

const (
	RoleDirector Role = "director"
	RoleAdmin    Role = "admin"
	RoleHead     Role = "head"
	RoleUser     Role = "user"
)

// Rank returns the position of r in the role order; unknown roles rank 0.
func (r Role) Rank() int {
	switch r {
	case RoleDirector:
		return 4
	case RoleAdmin:
		return 3
	case RoleHead:
		return 2
	case RoleUser:
		return 1
	}
	return 0
}

// AtLeast reports whether r ranks at or above min.
func (r Role) AtLeast(min Role) bool {
	return r.Rank() > 0 && r.Rank() >= min.Rank()
}

func (r Role) Valid() bool { return r.Rank() > 0 }

// Roles returns every role from highest to lowest rank.
func Roles() []Role {
	return []Role{RoleDirector, RoleAdmin, RoleHead, RoleUser}
}

func ParseRole(raw string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(raw)))
	if !r.Valid() {
		return "", fmt.Errorf("unknown role %q", raw)
	}
	return r, nil
}

// Department is an organizational unit.
type Department string

const (
	DeptAccounts  Department = "accounts"
	DeptTechnical Department = "technical"
	DeptIT        Department = "it"
	DeptSales     Department = "sales"
	DeptStore     Department = "store"
)

func Departments() []Department {
	return []Department{DeptAccounts, DeptTechnical, DeptIT, DeptSales, DeptStore}
}

func (d Department) Valid() bool {
	switch d {
	case DeptAccounts, DeptTechnical, DeptIT, DeptSales, DeptStore:
		return true
	}
	return false
}

// ParseDepartment accepts an empty string as "no department".
func ParseDepartment(raw string) (Department, error) {
	d := Department(strings.ToLower(strings.TrimSpace(raw)))
	if d == "" || d.Valid() {
		return d, nil
	}
	return "", fmt.Errorf("unknown department %q", raw)
}

// EntityKind names a record type subject to access control.
type EntityKind string

const (
	KindProject     EntityKind = "project"
	KindComplaint   EntityKind = "complaint"
	KindInvoice     EntityKind = "invoice"
	KindMaintenance EntityKind = "maintenance"
	// KindUser covers staff accounts (listing, approval, rejection).
	KindUser EntityKind = "user"
)

// WorkItemKinds returns the kinds that share the WorkItem shape.
func WorkItemKinds() []EntityKind {
	return []EntityKind{KindProject, KindComplaint, KindInvoice, KindMaintenance}
}

// EntityKinds returns every access-controlled kind.
func EntityKinds() []EntityKind {
	return append(WorkItemKinds(), KindUser)
}

func (k EntityKind) Valid() bool {
	switch k {
	case KindProject, KindComplaint, KindInvoice, KindMaintenance, KindUser:
		return true
	}
	return false
}

// IsWorkItem reports whether k is one of the four work-item kinds.
func (k EntityKind) IsWorkItem() bool {
	return k.Valid() && k != KindUser
}

// ParseKind accepts singular and plural spellings ("invoice", "invoices").
func ParseKind(raw string) (EntityKind, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	k := EntityKind(s)
	if !k.Valid() {
		k = EntityKind(strings.TrimSuffix(s, "s"))
	}
	if !k.Valid() {
		return "", fmt.Errorf("unknown entity kind %q", raw)
	}
	return k, nil
}

// Action is an operation checked by the access policy.
type Action string

const (
	ActionViewList    Action = "view-list"
	ActionViewOne     Action = "view-one"
	ActionCreate      Action = "create"
	ActionUpdate      Action = "update"
	ActionDelete      Action = "delete"
	ActionAssignUsers Action = "assign-users"
)

func Actions() []Action {
	return []Action{ActionViewList, ActionViewOne, ActionCreate, ActionUpdate, ActionDelete, ActionAssignUsers}
}

func (a Action) Valid() bool {
	switch a {
	case ActionViewList, ActionViewOne, ActionCreate, ActionUpdate, ActionDelete, ActionAssignUsers:
		return true
	}
	return false
}

// Account is a staff login record.
type Account struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Email      string     `json:"email,omitempty"`
	Role       Role       `json:"role" enum:"director,admin,head,user"`
	Department Department `json:"department,omitempty" enum:"accounts,technical,it,sales,store"`
	Approved   bool       `json:"approved"`
	CreatedAt  string     `json:"created_at" format:"date-time"`
}

// ErrNotApproved is returned when an account that is still pending tries to act.
var ErrNotApproved = errors.New("account not approved")

// Identity returns the typed identity for an approved account.
func (u Account) Identity() (Identity, error) {
	if !u.Approved {
		return nil, fmt.Errorf("user %s: %w", u.ID, ErrNotApproved)
	}
	return NewIdentity(u.ID, string(u.Role), string(u.Department))
}

type APIKey struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"-"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
