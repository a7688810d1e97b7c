package server

import (
	"context"
	"net/http"
	"strconv"

	"github.com/danielgtaylor/huma/v2"

	"worktrack/internal/domain"
	"worktrack/internal/engine"
	"worktrack/internal/repo"
)

type accountBody struct {
	Body domain.Account `json:"body"`
}

func registerUsers(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID: "list-users",
		Method:      http.MethodGet,
		Path:        "/users",
		Summary:     "List staff accounts",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Approved   string `query:"approved"`
		Role       string `query:"role"`
		Department string `query:"department"`
	}) (*struct {
		Body []domain.Account `json:"body"`
	}, error) {
		id, authErr := identityFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		var f repo.UserFilter
		if input.Approved != "" {
			b, err := strconv.ParseBool(input.Approved)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "approved must be true or false", nil)
			}
			f.Approved = &b
		}
		if input.Role != "" {
			r, err := domain.ParseRole(input.Role)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
			}
			f.Role = r
		}
		dept, err := domain.ParseDepartment(input.Department)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		f.Department = dept
		users, err := h.e.ListUsers(ctx, id, f)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Account `json:"body"`
		}{Body: users}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-user",
		Method:        http.MethodPost,
		Path:          "/users",
		Summary:       "Create an approved staff account",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body CreateUserRequest `json:"body"`
	}) (*accountBody, error) {
		id, authErr := identityFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		acct, err := h.e.CreateUser(ctx, id, engine.CreateUserInput{
			ID:         input.Body.ID,
			Name:       input.Body.Name,
			Email:      input.Body.Email,
			Role:       domain.Role(input.Body.Role),
			Department: domain.Department(input.Body.Department),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &accountBody{Body: acct}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-user",
		Method:      http.MethodPost,
		Path:        "/users/{id}/approve",
		Summary:     "Approve a pending account (director only)",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string         `path:"id"`
		Body ApproveRequest `json:"body" required:"false"`
	}) (*accountBody, error) {
		id, authErr := identityFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		in := engine.ApproveInput{Role: domain.Role(input.Body.Role)}
		if input.Body.Department != nil {
			d := domain.Department(*input.Body.Department)
			in.Department = &d
		}
		acct, err := h.e.ApproveUser(ctx, id, input.ID, in)
		if err != nil {
			return nil, handleError(err)
		}
		h.log.Info("account approved", "user_id", acct.ID, "role", acct.Role, "by", id.ID())
		return &accountBody{Body: acct}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "reject-user",
		Method:        http.MethodDelete,
		Path:          "/users/{id}",
		Summary:       "Reject and remove a pending account (director only)",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		id, authErr := identityFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := h.e.RejectUser(ctx, id, input.ID); err != nil {
			return nil, handleError(err)
		}
		h.log.Info("account rejected", "user_id", input.ID, "by", id.ID())
		return nil, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "issue-api-key",
		Method:        http.MethodPost,
		Path:          "/users/{id}/api-keys",
		Summary:       "Issue an API key; the plaintext key is only returned once",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string        `path:"id"`
		Body APIKeyRequest `json:"body" required:"false"`
	}) (*struct {
		Body engine.IssuedKey `json:"body"`
	}, error) {
		id, authErr := identityFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		key, err := h.e.IssueAPIKey(ctx, id, input.ID, input.Body.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.IssuedKey `json:"body"`
		}{Body: key}, nil
	})
	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/users/{id}/api-keys",
		Summary:     "List a user's API keys, newest first",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body apiKeyList `json:"body"`
	}, error) {
		id, authErr := identityFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		keys, err := h.e.ListAPIKeys(ctx, id, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body apiKeyList `json:"body"`
		}{Body: apiKeyList{Keys: keys}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "revoke-api-key",
		Method:        http.MethodDelete,
		Path:          "/api-keys/{id}",
		Summary:       "Revoke an API key",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		id, authErr := identityFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := h.e.RevokeAPIKey(ctx, id, input.ID); err != nil {
			return nil, handleError(err)
		}
		return nil, nil
	})
}
