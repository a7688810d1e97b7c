package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net/mail"
	"strings"

	"github.com/google/uuid"

	"worktrack/internal/domain"
	"worktrack/internal/repo"
)

// RegisterInput is a self-service signup.
type RegisterInput struct {
	Name       string
	Email      string
	Department domain.Department
}

func (in RegisterInput) validate() error {
	if strings.TrimSpace(in.Name) == "" {
		return invalid("name", "is required")
	}
	if in.Email != "" {
		if _, err := mail.ParseAddress(in.Email); err != nil {
			return invalid("email", "invalid address")
		}
	}
	if in.Department != "" && !in.Department.Valid() {
		return invalid("department", "unknown department %q", in.Department)
	}
	return nil
}

func (e Engine) insertAccount(ctx context.Context, a domain.Account) (domain.Account, error) {
	if a.Email != "" {
		if _, err := e.Repo.GetUserByEmail(ctx, a.Email); err == nil {
			return domain.Account{}, invalid("email", "already registered")
		} else if !IsNotFound(err) {
			return domain.Account{}, err
		}
	}
	a.Email = strings.ToLower(strings.TrimSpace(a.Email))
	if err := e.Repo.InsertUser(ctx, nil, a); err != nil {
		return domain.Account{}, err
	}
	return a, nil
}

// RegisterUser creates an unapproved account with role user. It needs no
// identity; the account cannot act until a director approves it.
func (e Engine) RegisterUser(ctx context.Context, in RegisterInput) (domain.Account, error) {
	if err := in.validate(); err != nil {
		return domain.Account{}, err
	}
	return e.insertAccount(ctx, domain.Account{
		ID:         uuid.NewString(),
		Name:       strings.TrimSpace(in.Name),
		Email:      in.Email,
		Role:       domain.RoleUser,
		Department: in.Department,
		CreatedAt:  repo.FormatTime(e.now()),
	})
}

// CreateUserInput provisions an approved account directly.
type CreateUserInput struct {
	ID         string
	Name       string
	Email      string
	Role       domain.Role
	Department domain.Department
}

func (e Engine) CreateUser(ctx context.Context, id domain.Identity, in CreateUserInput) (domain.Account, error) {
	if _, err := e.authorize(id, domain.KindUser, domain.ActionCreate, nil); err != nil {
		return domain.Account{}, err
	}
	if err := (RegisterInput{Name: in.Name, Email: in.Email, Department: in.Department}).validate(); err != nil {
		return domain.Account{}, err
	}
	if !in.Role.Valid() {
		return domain.Account{}, invalid("role", "unknown role %q", in.Role)
	}
	if !id.Role().AtLeast(in.Role) {
		return domain.Account{}, invalid("role", "a %s cannot create a %s", id.Role(), in.Role)
	}
	userID := strings.TrimSpace(in.ID)
	if userID == "" {
		userID = uuid.NewString()
	} else if _, err := e.Repo.GetUser(ctx, userID); err == nil {
		return domain.Account{}, invalid("id", "account %s already exists", userID)
	} else if !IsNotFound(err) {
		return domain.Account{}, err
	}
	return e.insertAccount(ctx, domain.Account{
		ID:         userID,
		Name:       strings.TrimSpace(in.Name),
		Email:      in.Email,
		Role:       in.Role,
		Department: in.Department,
		Approved:   true,
		CreatedAt:  repo.FormatTime(e.now()),
	})
}

// Bootstrap creates the first director when the user table is empty. It is the
// only path that creates an account without an acting identity.
func (e Engine) Bootstrap(ctx context.Context, userID, name string) (domain.Account, bool, error) {
	n, err := e.Repo.CountUsers(ctx)
	if err != nil {
		return domain.Account{}, false, err
	}
	if n > 0 {
		return domain.Account{}, false, nil
	}
	if strings.TrimSpace(userID) == "" {
		userID = uuid.NewString()
	}
	if strings.TrimSpace(name) == "" {
		name = userID
	}
	a, err := e.insertAccount(ctx, domain.Account{
		ID:        userID,
		Name:      name,
		Role:      domain.RoleDirector,
		Approved:  true,
		CreatedAt: repo.FormatTime(e.now()),
	})
	return a, err == nil, err
}

func (e Engine) ListUsers(ctx context.Context, id domain.Identity, f repo.UserFilter) ([]domain.Account, error) {
	if _, err := e.authorize(id, domain.KindUser, domain.ActionViewList, nil); err != nil {
		return nil, err
	}
	return e.Repo.ListUsers(ctx, f)
}

func (e Engine) GetUser(ctx context.Context, id domain.Identity, userID string) (domain.Account, error) {
	if id != nil && id.ID() == userID {
		return e.Repo.GetUser(ctx, userID)
	}
	if _, err := e.authorize(id, domain.KindUser, domain.ActionViewOne, nil); err != nil {
		return domain.Account{}, err
	}
	return e.Repo.GetUser(ctx, userID)
}

// ApproveInput optionally changes role and department at approval time.
type ApproveInput struct {
	Role       domain.Role
	Department *domain.Department
}

// ApproveUser activates a pending account. Director only.
func (e Engine) ApproveUser(ctx context.Context, id domain.Identity, userID string, in ApproveInput) (domain.Account, error) {
	if _, err := e.authorize(id, domain.KindUser, domain.ActionAssignUsers, nil); err != nil {
		return domain.Account{}, err
	}
	u, err := e.Repo.GetUser(ctx, userID)
	if err != nil {
		return domain.Account{}, err
	}
	if in.Role != "" {
		if !in.Role.Valid() {
			return domain.Account{}, invalid("role", "unknown role %q", in.Role)
		}
		u.Role = in.Role
	}
	if in.Department != nil {
		if *in.Department != "" && !in.Department.Valid() {
			return domain.Account{}, invalid("department", "unknown department %q", *in.Department)
		}
		u.Department = *in.Department
	}
	if err := e.Repo.ApproveUser(ctx, nil, u.ID, u.Role, u.Department); err != nil {
		return domain.Account{}, err
	}
	u.Approved = true
	return u, nil
}

// RejectUser removes a pending account. Director only; approved accounts are
// refused.
func (e Engine) RejectUser(ctx context.Context, id domain.Identity, userID string) error {
	if _, err := e.authorize(id, domain.KindUser, domain.ActionDelete, nil); err != nil {
		return err
	}
	u, err := e.Repo.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	if u.Approved {
		return invalid("user", "account %s is already approved", userID)
	}
	return e.Repo.DeleteUser(ctx, nil, userID)
}

// IssuedKey carries the plaintext key, which is never stored.
type IssuedKey struct {
	domain.APIKey
	Key string `json:"key"`
}

// IssueAPIKey mints a key for userID. Callers may issue for themselves;
// admins and directors may issue for anyone.
func (e Engine) IssueAPIKey(ctx context.Context, id domain.Identity, userID, name string) (IssuedKey, error) {
	if id == nil || id.ID() != userID {
		if _, err := e.authorize(id, domain.KindUser, domain.ActionUpdate, nil); err != nil {
			return IssuedKey{}, err
		}
	}
	u, err := e.Repo.GetUser(ctx, userID)
	if err != nil {
		return IssuedKey{}, err
	}
	if !u.Approved {
		return IssuedKey{}, invalid("user", "account %s is not approved", userID)
	}
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return IssuedKey{}, err
	}
	key := "wt_" + hex.EncodeToString(raw)
	rec := domain.APIKey{
		ID:        uuid.NewString(),
		UserID:    userID,
		Name:      strings.TrimSpace(name),
		KeyHash:   repo.HashAPIKey(key),
		CreatedAt: repo.FormatTime(e.now()),
	}
	if err := e.Repo.InsertAPIKey(ctx, nil, rec); err != nil {
		return IssuedKey{}, err
	}
	return IssuedKey{APIKey: rec, Key: key}, nil
}

// ListAPIKeys returns the keys of userID, newest first. Hashes stay server side.
func (e Engine) ListAPIKeys(ctx context.Context, id domain.Identity, userID string) ([]domain.APIKey, error) {
	if id == nil || id.ID() != userID {
		if _, err := e.authorize(id, domain.KindUser, domain.ActionUpdate, nil); err != nil {
			return nil, err
		}
	}
	if _, err := e.Repo.GetUser(ctx, userID); err != nil {
		return nil, err
	}
	return e.Repo.ListAPIKeys(ctx, userID)
}

// RevokeAPIKey deletes a key. Owners may revoke their own keys.
func (e Engine) RevokeAPIKey(ctx context.Context, id domain.Identity, keyID string) error {
	rec, err := e.Repo.GetAPIKey(ctx, keyID)
	if err != nil && !IsNotFound(err) {
		return err
	}
	if id == nil || err != nil || id.ID() != rec.UserID {
		if _, aerr := e.authorize(id, domain.KindUser, domain.ActionUpdate, nil); aerr != nil {
			return aerr
		}
	}
	if err != nil {
		return err
	}
	return e.Repo.DeleteAPIKey(ctx, keyID)
}

// IdentityForAPIKey resolves a presented key to the owning approved account.
func (e Engine) IdentityForAPIKey(ctx context.Context, key string) (domain.Identity, error) {
	rec, err := e.Repo.GetAPIKeyByHash(ctx, repo.HashAPIKey(key))
	if err != nil {
		return nil, err
	}
	return e.IdentityFor(ctx, rec.UserID)
}

// IdentityFor loads an approved account as an Identity.
func (e Engine) IdentityFor(ctx context.Context, userID string) (domain.Identity, error) {
	u, err := e.Repo.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	return u.Identity()
}
