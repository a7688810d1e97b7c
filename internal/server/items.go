package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"worktrack/internal/cache"
	"worktrack/internal/domain"
	"worktrack/internal/engine"
	"worktrack/internal/engine/auth"
	"worktrack/internal/lifecycle"
)

func parseItemKind(raw string) (domain.EntityKind, huma.StatusError) {
	k, err := domain.ParseKind(raw)
	if err != nil || !k.IsWorkItem() {
		return "", newAPIError(http.StatusBadRequest, "invalid_kind", "unknown work item kind", map[string]any{"kind": raw})
	}
	return k, nil
}

func parseStatuses(raw string) ([]lifecycle.Status, huma.StatusError) {
	var out []lifecycle.Status
	for _, part := range strings.Split(raw, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		s, err := lifecycle.Parse(part)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "validation_failed", err.Error(), map[string]any{"field": "status"})
		}
		out = append(out, s)
	}
	return out, nil
}

type itemBody struct {
	Body itemView `json:"body"`
}

func registerItems(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID: "list-items",
		Method:      http.MethodGet,
		Path:        "/items/{kind}",
		Summary:     "List work items visible to the caller",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Kind   string `path:"kind"`
		Status string `query:"status" doc:"Comma-separated statuses"`
		Active bool   `query:"active"`
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body paginatedItems `json:"body"`
	}, error) {
		id, authErr := identityFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		kind, kerr := parseItemKind(input.Kind)
		if kerr != nil {
			return nil, kerr
		}
		statuses, serr := parseStatuses(input.Status)
		if serr != nil {
			return nil, serr
		}
		page, err := h.e.ListItems(ctx, id, kind, engine.ListFilter{
			Status:     statuses,
			ActiveOnly: input.Active,
			Limit:      input.Limit,
			Cursor:     input.Cursor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body paginatedItems `json:"body"`
		}{Body: paginatedItems{Items: viewsOf(page.Items), NextCursor: page.NextCursor}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-item",
		Method:        http.MethodPost,
		Path:          "/items/{kind}",
		Summary:       "Create a work item",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Kind string            `path:"kind"`
		Body CreateItemRequest `json:"body"`
	}) (*itemBody, error) {
		id, authErr := identityFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		kind, kerr := parseItemKind(input.Kind)
		if kerr != nil {
			return nil, kerr
		}
		it, err := h.e.CreateItem(ctx, id, engine.CreateItemInput{
			Kind:          kind,
			Title:         input.Body.Title,
			Description:   input.Body.Description,
			DueDate:       input.Body.DueDate,
			AssignedUsers: input.Body.AssignedUsers,
			Fields:        input.Body.Fields,
			Lists:         input.Body.Lists,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &itemBody{Body: viewOf(it)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-item",
		Method:      http.MethodGet,
		Path:        "/items/{kind}/{id}",
		Summary:     "Get a work item",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Kind string `path:"kind"`
		ID   string `path:"id"`
	}) (*itemBody, error) {
		id, authErr := identityFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		kind, kerr := parseItemKind(input.Kind)
		if kerr != nil {
			return nil, kerr
		}
		it, err := h.e.GetItem(ctx, id, kind, input.ID)
		if err != nil {
			// Plain users must not learn that an unassigned item exists.
			var fe auth.ForbiddenError
			if errors.As(err, &fe) && id.Role() == domain.RoleUser {
				return nil, newAPIError(http.StatusNotFound, "not_found", "not found", nil)
			}
			return nil, handleError(err)
		}
		return &itemBody{Body: viewOf(it)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-item",
		Method:      http.MethodPatch,
		Path:        "/items/{kind}/{id}",
		Summary:     "Update a work item",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Kind string            `path:"kind"`
		ID   string            `path:"id"`
		Body UpdateItemRequest `json:"body"`
	}) (*itemBody, error) {
		id, authErr := identityFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		kind, kerr := parseItemKind(input.Kind)
		if kerr != nil {
			return nil, kerr
		}
		in := engine.UpdateItemInput{
			Kind:            kind,
			ID:              input.ID,
			Title:           input.Body.Title,
			Description:     input.Body.Description,
			DueDate:         input.Body.DueDate,
			ClearDueDate:    input.Body.ClearDueDate,
			Fields:          input.Body.Fields,
			RemoveFromLists: input.Body.RemoveFromLists,
			AppendToLists:   input.Body.AppendToLists,
		}
		if input.Body.Status != nil {
			s, err := lifecycle.Parse(*input.Body.Status)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "invalid_transition", err.Error(), map[string]any{"field": "status"})
			}
			in.Status = &s
		}
		it, err := h.e.UpdateItem(ctx, id, in)
		if err != nil {
			return nil, handleError(err)
		}
		return &itemBody{Body: viewOf(it)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "assign-item",
		Method:      http.MethodPut,
		Path:        "/items/{kind}/{id}/assignees",
		Summary:     "Replace the assignees of a work item",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Kind string        `path:"kind"`
		ID   string        `path:"id"`
		Body AssignRequest `json:"body"`
	}) (*itemBody, error) {
		id, authErr := identityFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		kind, kerr := parseItemKind(input.Kind)
		if kerr != nil {
			return nil, kerr
		}
		it, err := h.e.AssignUsers(ctx, id, kind, input.ID, input.Body.UserIDs)
		if err != nil {
			return nil, handleError(err)
		}
		return &itemBody{Body: viewOf(it)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-item",
		Method:        http.MethodDelete,
		Path:          "/items/{kind}/{id}",
		Summary:       "Delete a work item",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Kind string `path:"kind"`
		ID   string `path:"id"`
	}) (*struct{}, error) {
		id, authErr := identityFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		kind, kerr := parseItemKind(input.Kind)
		if kerr != nil {
			return nil, kerr
		}
		if err := h.e.DeleteItem(ctx, id, kind, input.ID); err != nil {
			return nil, handleError(err)
		}
		return nil, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "count-active",
		Method:      http.MethodGet,
		Path:        "/counts/{kind}",
		Summary:     "Count active work items visible to the caller",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Kind string `path:"kind"`
	}) (*struct {
		Body countResponse `json:"body"`
	}, error) {
		id, authErr := identityFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		kind, kerr := parseItemKind(input.Kind)
		if kerr != nil {
			return nil, kerr
		}
		n, err := h.e.CountActive(ctx, id, kind)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body countResponse `json:"body"`
		}{Body: countResponse{Kind: kind, Active: n}}, nil
	})
}

func registerDashboard(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID: "dashboard",
		Method:      http.MethodGet,
		Path:        "/dashboard",
		Summary:     "Counts, recent items and monthly activity for the caller",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Months int `query:"months" doc:"Months of history; defaults to config"`
		Recent int `query:"recent" doc:"Recent items to include; defaults to config"`
	}) (*struct {
		Body dashboardResponse `json:"body"`
	}, error) {
		id, authErr := identityFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := h.e.DashboardDefaults(engine.DashboardOptions{MonthsBack: input.Months, RecentLimit: input.Recent})
		key := cache.Key(id, opts.MonthsBack, opts.RecentLimit)

		var cached engine.Dashboard
		slot, found, err := h.cache.Get(ctx, key, &cached)
		switch {
		case err != nil:
			h.metrics.ObserveCache("error")
			h.log.Warn("dashboard cache read failed", "err", err)
		case found:
			h.metrics.ObserveCache("hit")
			return &struct {
				Body dashboardResponse `json:"body"`
			}{Body: dashboardResponse{Dashboard: cached, Cached: true}}, nil
		default:
			h.metrics.ObserveCache("miss")
		}

		dash, err := h.e.Dashboard(ctx, id, opts)
		if err != nil {
			return nil, handleError(err)
		}
		if slot != "" {
			if err := h.cache.Set(ctx, slot, dash); err != nil {
				h.log.Warn("dashboard cache write failed", "err", err)
			}
		}
		return &struct {
			Body dashboardResponse `json:"body"`
		}{Body: dashboardResponse{Dashboard: dash}}, nil
	})
}
