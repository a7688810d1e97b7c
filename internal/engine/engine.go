package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"worktrack/internal/cache"
	"worktrack/internal/config"
	"worktrack/internal/domain"
	"worktrack/internal/engine/auth"
	"worktrack/internal/lifecycle"
	"worktrack/internal/metrics"
	"worktrack/internal/provenance"
	"worktrack/internal/repo"
)

type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Policy  auth.Policy
	Config  *config.Config
	Metrics *metrics.Metrics
	// Cache holds computed dashboards; item writes invalidate it.
	Cache cache.Dashboard
	Log   *log.Logger
	Now   func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Policy: cfg.Policy(),
		Config: cfg,
		Cache:  cache.Noop{},
		Now:    time.Now,
	}
}

func (e Engine) logger() *log.Logger {
	if e.Log != nil {
		return e.Log
	}
	return log.Default()
}

// dashboardsChanged drops cached dashboards after a committed item write. A
// cache failure does not undo the write; entries still expire on their TTL.
func (e Engine) dashboardsChanged(ctx context.Context) {
	if e.Cache == nil {
		return
	}
	if err := e.Cache.Invalidate(ctx); err != nil {
		e.Metrics.ObserveCache("error")
		e.logger().Warn("dashboard cache invalidation failed", "err", err)
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

// ValidationError reports caller input the engine refuses to store.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

func invalid(field, format string, args ...any) error {
	return ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// authorize runs the access policy, records the outcome and folds a denial
// into auth.ForbiddenError.
func (e Engine) authorize(id domain.Identity, kind domain.EntityKind, action domain.Action, target auth.Target) (auth.Decision, error) {
	d, err := e.Policy.Require(id, kind, action, target)
	if errors.Is(err, auth.ErrInvalidKindOrAction) {
		return d, err
	}
	e.Metrics.ObserveDecision(string(kind), string(action), d.Allowed)
	return d, err
}

func workItemKind(kind domain.EntityKind) error {
	if !kind.IsWorkItem() {
		return fmt.Errorf("%w: %q is not a work item kind", auth.ErrInvalidKindOrAction, kind)
	}
	return nil
}

// CreateItemInput are parameters for creating a work item. Fields and Lists
// are keyed by the reference names declared for the kind.
type CreateItemInput struct {
	Kind          domain.EntityKind
	Title         string
	Description   string
	DueDate       *time.Time
	AssignedUsers []string
	Fields        map[string]string
	Lists         map[string][]string
}

func (e Engine) CreateItem(ctx context.Context, id domain.Identity, in CreateItemInput) (domain.WorkItem, error) {
	if err := workItemKind(in.Kind); err != nil {
		return domain.WorkItem{}, err
	}
	if _, err := e.authorize(id, in.Kind, domain.ActionCreate, nil); err != nil {
		return domain.WorkItem{}, err
	}
	assignees := dedupe(in.AssignedUsers)
	if len(assignees) > 0 {
		if _, err := e.authorize(id, in.Kind, domain.ActionAssignUsers, nil); err != nil {
			return domain.WorkItem{}, err
		}
	}
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return domain.WorkItem{}, invalid("title", "is required")
	}
	schema := domain.SchemaFor(in.Kind)
	now := e.now()
	it := domain.WorkItem{
		ID:            uuid.NewString(),
		Kind:          in.Kind,
		Title:         title,
		Description:   strings.TrimSpace(in.Description),
		Status:        lifecycle.Initial,
		DueDate:       utcPtr(in.DueDate),
		CreatedBy:     id.ID(),
		AssignedUsers: assignees,
		CreatedAt:     now,
		UpdatedAt:     now,
		Fields:        map[string]provenance.Value{},
		Lists:         map[string]provenance.List{},
	}
	for _, name := range sortedKeys(in.Fields) {
		if !schema.HasField(name) {
			return domain.WorkItem{}, invalid("fields."+name, "not defined for %s", in.Kind)
		}
		it.Fields[name] = provenance.New(now, in.Fields[name])
	}
	for _, name := range sortedKeys(in.Lists) {
		if !schema.HasList(name) {
			return domain.WorkItem{}, invalid("lists."+name, "not defined for %s", in.Kind)
		}
		var l provenance.List
		for _, v := range in.Lists[name] {
			l = l.Append(now, v)
		}
		it.Lists[name] = l
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkItem{}, err
	}
	defer tx.Rollback()
	if err := e.requireApprovedUsers(ctx, tx, assignees); err != nil {
		return domain.WorkItem{}, err
	}
	if err := e.Repo.InsertItem(ctx, tx, it); err != nil {
		return domain.WorkItem{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkItem{}, err
	}
	e.dashboardsChanged(ctx)
	return it, nil
}

// loadItem returns the stored item of kind; a kind mismatch reads as not found.
func (e Engine) loadItem(ctx context.Context, tx *sql.Tx, kind domain.EntityKind, itemID string) (domain.WorkItem, error) {
	it, err := e.Repo.GetItemTx(ctx, tx, itemID)
	if err != nil {
		return it, err
	}
	if it.Kind != kind {
		return domain.WorkItem{}, repo.ErrNotFound
	}
	return it, nil
}

// GetItem loads the item and then runs the view-one check with it as target.
func (e Engine) GetItem(ctx context.Context, id domain.Identity, kind domain.EntityKind, itemID string) (domain.WorkItem, error) {
	if err := workItemKind(kind); err != nil {
		return domain.WorkItem{}, err
	}
	it, err := e.loadItem(ctx, nil, kind, itemID)
	if err != nil {
		return domain.WorkItem{}, err
	}
	if _, err := e.authorize(id, kind, domain.ActionViewOne, it); err != nil {
		return domain.WorkItem{}, err
	}
	return it, nil
}

// ListFilter narrows ListItems. Status wins over ActiveOnly.
type ListFilter struct {
	Status     []lifecycle.Status
	ActiveOnly bool
	Limit      int
	Cursor     string
}

type ItemPage struct {
	Items      []domain.WorkItem
	NextCursor string
}

const (
	defaultLimit = 50
	maxLimit     = 200
)

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return defaultLimit
	}
	if limit > maxLimit {
		return maxLimit
	}
	return limit
}

// ComposeCursor encodes the position after it.
func ComposeCursor(it domain.WorkItem) string {
	return repo.FormatTime(it.CreatedAt) + "|" + it.ID
}

func parseCursor(cursor string) (string, string, error) {
	if cursor == "" {
		return "", "", nil
	}
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", invalid("cursor", "malformed")
	}
	if _, err := repo.ParseTime(parts[0]); err != nil {
		return "", "", invalid("cursor", "malformed")
	}
	return parts[0], parts[1], nil
}

// ListItems returns a page of items of kind, narrowed by the caller's scope.
func (e Engine) ListItems(ctx context.Context, id domain.Identity, kind domain.EntityKind, f ListFilter) (ItemPage, error) {
	if err := workItemKind(kind); err != nil {
		return ItemPage{}, err
	}
	d, err := e.authorize(id, kind, domain.ActionViewList, nil)
	if err != nil {
		return ItemPage{}, err
	}
	for _, s := range f.Status {
		if !s.Valid() {
			return ItemPage{}, invalid("status", "unknown status %q", s)
		}
	}
	cursorAt, cursorID, err := parseCursor(f.Cursor)
	if err != nil {
		return ItemPage{}, err
	}
	statuses := f.Status
	if len(statuses) == 0 && f.ActiveOnly {
		statuses = lifecycle.Active()
	}
	limit := normalizeLimit(f.Limit)
	items, err := e.Repo.FindByScope(ctx, kind, d.Scope, id, repo.ItemFilter{
		Statuses:        statuses,
		Limit:           limit + 1,
		CursorCreatedAt: cursorAt,
		CursorID:        cursorID,
	})
	if err != nil {
		return ItemPage{}, err
	}
	page := ItemPage{Items: items}
	if len(items) > limit {
		page.Items = items[:limit]
		page.NextCursor = ComposeCursor(page.Items[limit-1])
	}
	return page, nil
}

// CountActive counts active items of kind within the caller's scope.
func (e Engine) CountActive(ctx context.Context, id domain.Identity, kind domain.EntityKind) (int, error) {
	if err := workItemKind(kind); err != nil {
		return 0, err
	}
	d, err := e.authorize(id, kind, domain.ActionViewList, nil)
	if err != nil {
		return 0, err
	}
	return e.Repo.CountByScope(ctx, kind, d.Scope, id, lifecycle.Active())
}

// UpdateItemInput carries a partial update. Nil pointers and empty maps leave
// the item untouched.
type UpdateItemInput struct {
	Kind         domain.EntityKind
	ID           string
	Title        *string
	Description  *string
	DueDate      *time.Time
	ClearDueDate bool
	Status       *lifecycle.Status
	Fields       map[string]string
	// RemoveFromLists drops entries by index before AppendToLists runs.
	RemoveFromLists map[string][]int
	AppendToLists   map[string][]string
}

func (in UpdateItemInput) touchesCoreFields() bool {
	return in.Title != nil || in.Description != nil || in.DueDate != nil || in.ClearDueDate
}

func (e Engine) UpdateItem(ctx context.Context, id domain.Identity, in UpdateItemInput) (domain.WorkItem, error) {
	if err := workItemKind(in.Kind); err != nil {
		return domain.WorkItem{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkItem{}, err
	}
	defer tx.Rollback()
	it, err := e.loadItem(ctx, tx, in.Kind, in.ID)
	if err != nil {
		return domain.WorkItem{}, err
	}
	if _, err := e.authorize(id, in.Kind, domain.ActionUpdate, it); err != nil {
		return domain.WorkItem{}, err
	}
	// Plain users may only move status and fill references.
	if id.Role() == domain.RoleUser && in.touchesCoreFields() {
		return domain.WorkItem{}, auth.ForbiddenError{Kind: in.Kind, Action: domain.ActionUpdate}
	}
	updated, err := e.applyUpdate(it.Clone(), id, in)
	if err != nil {
		return domain.WorkItem{}, err
	}
	if err := e.Repo.UpdateItem(ctx, tx, updated); err != nil {
		return domain.WorkItem{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkItem{}, err
	}
	e.dashboardsChanged(ctx)
	return updated, nil
}

func (e Engine) applyUpdate(it domain.WorkItem, id domain.Identity, in UpdateItemInput) (domain.WorkItem, error) {
	now := e.now()
	if in.Title != nil {
		title := strings.TrimSpace(*in.Title)
		if title == "" {
			return it, invalid("title", "must not be empty")
		}
		it.Title = title
	}
	if in.Description != nil {
		it.Description = strings.TrimSpace(*in.Description)
	}
	if in.ClearDueDate {
		it.DueDate = nil
	} else if in.DueDate != nil {
		it.DueDate = utcPtr(in.DueDate)
	}
	if in.Status != nil {
		next, err := lifecycle.Transition(it.Status, *in.Status)
		if err != nil {
			return it, err
		}
		it.Status = next
	}
	schema := domain.SchemaFor(it.Kind)
	byOther := id.ID() != it.CreatedBy
	for _, name := range sortedKeys(in.Fields) {
		if !schema.HasField(name) {
			return it, invalid("fields."+name, "not defined for %s", it.Kind)
		}
		val := in.Fields[name]
		cur, ok := it.Fields[name]
		switch {
		case !ok:
			it.Fields[name] = provenance.New(now, val)
		case cur.Value != val:
			it.Fields[name] = cur.Edit(now, val, byOther)
		}
	}
	for _, name := range sortedKeys(in.RemoveFromLists) {
		if !schema.HasList(name) {
			return it, invalid("lists."+name, "not defined for %s", it.Kind)
		}
		idx := slices.Clone(in.RemoveFromLists[name])
		sort.Sort(sort.Reverse(sort.IntSlice(idx)))
		l := it.Lists[name]
		for i, n := range idx {
			if i > 0 && idx[i-1] == n {
				continue
			}
			var err error
			if l, err = l.RemoveAt(n); err != nil {
				return it, invalid("lists."+name, "%v", err)
			}
		}
		it.Lists[name] = l
	}
	for _, name := range sortedKeys(in.AppendToLists) {
		if !schema.HasList(name) {
			return it, invalid("lists."+name, "not defined for %s", it.Kind)
		}
		l := it.Lists[name]
		for _, v := range in.AppendToLists[name] {
			l = l.Append(now, v)
		}
		it.Lists[name] = l
	}
	it.UpdatedAt = now
	return it, nil
}

// AssignUsers replaces the assignee set. Every id must name an approved account.
func (e Engine) AssignUsers(ctx context.Context, id domain.Identity, kind domain.EntityKind, itemID string, userIDs []string) (domain.WorkItem, error) {
	if err := workItemKind(kind); err != nil {
		return domain.WorkItem{}, err
	}
	if _, err := e.authorize(id, kind, domain.ActionAssignUsers, nil); err != nil {
		return domain.WorkItem{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkItem{}, err
	}
	defer tx.Rollback()
	it, err := e.loadItem(ctx, tx, kind, itemID)
	if err != nil {
		return domain.WorkItem{}, err
	}
	users := dedupe(userIDs)
	if err := e.requireApprovedUsers(ctx, tx, users); err != nil {
		return domain.WorkItem{}, err
	}
	it.AssignedUsers = users
	it.UpdatedAt = e.now()
	if err := e.Repo.UpdateItem(ctx, tx, it); err != nil {
		return domain.WorkItem{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkItem{}, err
	}
	e.dashboardsChanged(ctx)
	return it, nil
}

// DeleteItem is the administrative hard delete.
func (e Engine) DeleteItem(ctx context.Context, id domain.Identity, kind domain.EntityKind, itemID string) error {
	if err := workItemKind(kind); err != nil {
		return err
	}
	if _, err := e.authorize(id, kind, domain.ActionDelete, nil); err != nil {
		return err
	}
	if _, err := e.loadItem(ctx, nil, kind, itemID); err != nil {
		return err
	}
	if err := e.Repo.DeleteItem(ctx, itemID); err != nil {
		return err
	}
	e.dashboardsChanged(ctx)
	return nil
}

func (e Engine) requireApprovedUsers(ctx context.Context, tx *sql.Tx, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	missing, err := e.Repo.MissingUsers(ctx, tx, ids)
	if err != nil {
		return err
	}
	if len(missing) > 0 {
		return invalid("assigned_users", "unknown or unapproved users: %s", strings.Join(missing, ", "))
	}
	return nil
}

func dedupe(ids []string) []string {
	out := []string{}
	seen := map[string]bool{}
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// IsNotFound reports whether err means the record does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, repo.ErrNotFound)
}
