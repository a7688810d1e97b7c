package server

import (
	"time"

	"worktrack/internal/domain"
	"worktrack/internal/engine"
)

// Request payloads

type RegisterRequest struct {
	Name       string `json:"name" minLength:"1"`
	Email      string `json:"email,omitempty" format:"email"`
	Department string `json:"department,omitempty" enum:"accounts,technical,it,sales,store"`
}

type DevTokenRequest struct {
	UserID string `json:"user_id"`
}

type CreateItemRequest struct {
	Title         string              `json:"title" minLength:"1"`
	Description   string              `json:"description,omitempty"`
	DueDate       *time.Time          `json:"due_date,omitempty"`
	AssignedUsers []string            `json:"assigned_users,omitempty"`
	Fields        map[string]string   `json:"fields,omitempty"`
	Lists         map[string][]string `json:"lists,omitempty"`
}

type UpdateItemRequest struct {
	Title           *string             `json:"title,omitempty"`
	Description     *string             `json:"description,omitempty"`
	DueDate         *time.Time          `json:"due_date,omitempty"`
	ClearDueDate    bool                `json:"clear_due_date,omitempty"`
	Status          *string             `json:"status,omitempty" enum:"pending,in_progress,completed,cancelled"`
	Fields          map[string]string   `json:"fields,omitempty"`
	RemoveFromLists map[string][]int    `json:"remove_from_lists,omitempty"`
	AppendToLists   map[string][]string `json:"append_to_lists,omitempty"`
}

type AssignRequest struct {
	UserIDs []string `json:"user_ids"`
}

type CreateUserRequest struct {
	ID         string `json:"id,omitempty"`
	Name       string `json:"name" minLength:"1"`
	Email      string `json:"email,omitempty" format:"email"`
	Role       string `json:"role" enum:"director,admin,head,user"`
	Department string `json:"department,omitempty" enum:"accounts,technical,it,sales,store"`
}

type ApproveRequest struct {
	Role       string  `json:"role,omitempty" enum:"director,admin,head,user"`
	Department *string `json:"department,omitempty"`
}

type APIKeyRequest struct {
	Name string `json:"name,omitempty"`
}

// Responses

type MeResponse struct {
	ID         string            `json:"id"`
	Role       domain.Role       `json:"role"`
	Department domain.Department `json:"department,omitempty"`
	Source     string            `json:"source"`
}

type DevTokenResponse struct {
	Token string `json:"token"`
}

// itemView adds derived reference state to a work item.
type itemView struct {
	domain.WorkItem
	Filled map[string]bool   `json:"filled" doc:"Whether each reference field holds a value"`
	Latest map[string]string `json:"latest" doc:"Newest value of each non-empty reference list"`
}

func viewOf(it domain.WorkItem) itemView {
	return itemView{WorkItem: it, Filled: it.Filled(), Latest: it.LatestReferences()}
}

func viewsOf(items []domain.WorkItem) []itemView {
	out := make([]itemView, 0, len(items))
	for _, it := range items {
		out = append(out, viewOf(it))
	}
	return out
}

type paginatedItems struct {
	Items      []itemView `json:"items"`
	NextCursor string     `json:"next_cursor,omitempty"`
}

type apiKeyList struct {
	Keys []domain.APIKey `json:"keys"`
}

type countResponse struct {
	Kind   domain.EntityKind `json:"kind"`
	Active int               `json:"active"`
}

type dashboardResponse struct {
	engine.Dashboard
	Cached bool `json:"cached"`
}
