package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Identity is the authenticated caller. It is a closed set of variants; only
// Head carries a department for capability purposes.
type Identity interface {
	ID() string
	Role() Role
	isIdentity()
}

type Director struct{ UserID string }

type Admin struct{ UserID string }

// Head is a department head. An empty Department is allowed and fails closed.
type Head struct {
	UserID     string
	Department Department
}

// User is regular staff. Department is informational and never grants access.
type User struct {
	UserID     string
	Department Department
}

func (d Director) ID() string { return d.UserID }
func (a Admin) ID() string    { return a.UserID }
func (h Head) ID() string     { return h.UserID }
func (u User) ID() string     { return u.UserID }

func (Director) Role() Role { return RoleDirector }
func (Admin) Role() Role    { return RoleAdmin }
func (Head) Role() Role     { return RoleHead }
func (User) Role() Role     { return RoleUser }

func (Director) isIdentity() {}
func (Admin) isIdentity()    {}
func (Head) isIdentity()     {}
func (User) isIdentity()     {}

// NewIdentity builds the variant for role. Directors and admins ignore any
// department; an invalid department is an error.
func NewIdentity(id, role, department string) (Identity, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, errors.New("identity id required")
	}
	r, err := ParseRole(role)
	if err != nil {
		return nil, err
	}
	dept, err := ParseDepartment(department)
	if err != nil {
		return nil, err
	}
	switch r {
	case RoleDirector:
		return Director{UserID: id}, nil
	case RoleAdmin:
		return Admin{UserID: id}, nil
	case RoleHead:
		return Head{UserID: id, Department: dept}, nil
	case RoleUser:
		return User{UserID: id, Department: dept}, nil
	}
	return nil, fmt.Errorf("unknown role %q", role)
}

// DepartmentOf returns the department carried by id, if any.
func DepartmentOf(id Identity) Department {
	switch v := id.(type) {
	case Head:
		return v.Department
	case User:
		return v.Department
	}
	return ""
}
