package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"worktrack/internal/cache"
	"worktrack/internal/config"
	"worktrack/internal/db"
	"worktrack/internal/domain"
	"worktrack/internal/engine"
	"worktrack/internal/engine/auth"
	"worktrack/internal/lifecycle"
	"worktrack/internal/metrics"
	"worktrack/internal/migrate"
	"worktrack/internal/repo"
	"worktrack/internal/stats"
)

type testEnv struct {
	Engine *engine.Engine
	Ctx    context.Context
	clock  time.Time

	Director domain.Identity
	Admin    domain.Identity
	Sales    domain.Identity
	Tech     domain.Identity
	U1       domain.Identity
	U2       domain.Identity
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	require.NoError(t, migrate.Migrate(ctx, conn))

	env := &testEnv{Ctx: ctx, clock: time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC)}
	eng := engine.New(conn, config.Default())
	eng.Metrics = metrics.New()
	eng.Now = func() time.Time { return env.clock }
	env.Engine = &eng

	dir, created, err := eng.Bootstrap(ctx, "dir", "Director")
	require.NoError(t, err)
	require.True(t, created)
	env.Director, err = dir.Identity()
	require.NoError(t, err)

	mk := func(id string, role domain.Role, dept domain.Department) domain.Identity {
		a, err := eng.CreateUser(ctx, env.Director, engine.CreateUserInput{ID: id, Name: id, Role: role, Department: dept})
		require.NoError(t, err)
		ident, err := a.Identity()
		require.NoError(t, err)
		return ident
	}
	env.Admin = mk("adm", domain.RoleAdmin, "")
	env.Sales = mk("head-sales", domain.RoleHead, domain.DeptSales)
	env.Tech = mk("head-tech", domain.RoleHead, domain.DeptTechnical)
	env.U1 = mk("u1", domain.RoleUser, domain.DeptTechnical)
	env.U2 = mk("u2", domain.RoleUser, domain.DeptTechnical)
	return env
}

func (env *testEnv) advance(d time.Duration) { env.clock = env.clock.Add(d) }

func (env *testEnv) create(t *testing.T, as domain.Identity, kind domain.EntityKind, title string, assignees ...string) domain.WorkItem {
	t.Helper()
	it, err := env.Engine.CreateItem(env.Ctx, as, engine.CreateItemInput{Kind: kind, Title: title, AssignedUsers: assignees})
	require.NoError(t, err)
	env.advance(time.Minute)
	return it
}

func isForbidden(err error) bool {
	var fe auth.ForbiddenError
	return errors.As(err, &fe)
}

func TestCreateItemStartsPending(t *testing.T) {
	env := newTestEnv(t)
	it, err := env.Engine.CreateItem(env.Ctx, env.Director, engine.CreateItemInput{
		Kind:   domain.KindInvoice,
		Title:  "  March invoice ",
		Fields: map[string]string{domain.FieldPurchaseOrder: "PO-100"},
		Lists:  map[string][]string{domain.ListDeliveryChallans: {"DC-1", "DC-2"}},
	})
	require.NoError(t, err)
	assert.Equal(t, lifecycle.Pending, it.Status)
	assert.Equal(t, "March invoice", it.Title)
	assert.Equal(t, "dir", it.CreatedBy)
	po := it.Field(domain.FieldPurchaseOrder)
	require.NotNil(t, po)
	assert.False(t, po.IsEdited)
	assert.Equal(t, env.clock, po.CreatedAt)
	latest, ok := it.LatestReference(domain.ListDeliveryChallans)
	require.True(t, ok)
	assert.Equal(t, "DC-2", latest.Value)

	stored, err := env.Engine.GetItem(env.Ctx, env.Director, domain.KindInvoice, it.ID)
	require.NoError(t, err)
	assert.Equal(t, it.Fields, stored.Fields)
}

func TestCreateItemValidation(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateItem(env.Ctx, env.Director, engine.CreateItemInput{Kind: domain.KindProject, Title: " "})
	var ve engine.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "title", ve.Field)

	_, err = env.Engine.CreateItem(env.Ctx, env.Director, engine.CreateItemInput{
		Kind: domain.KindComplaint, Title: "x", Fields: map[string]string{domain.FieldPurchaseOrder: "PO"},
	})
	require.ErrorAs(t, err, &ve)

	_, err = env.Engine.CreateItem(env.Ctx, env.Director, engine.CreateItemInput{Kind: domain.KindProject, Title: "x", AssignedUsers: []string{"ghost"}})
	require.ErrorAs(t, err, &ve)

	_, err = env.Engine.CreateItem(env.Ctx, env.Director, engine.CreateItemInput{Kind: domain.KindUser, Title: "x"})
	assert.ErrorIs(t, err, auth.ErrInvalidKindOrAction)
}

func TestCreateItemRespectsHeadDepartments(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateItem(env.Ctx, env.Sales, engine.CreateItemInput{Kind: domain.KindInvoice, Title: "inv"})
	require.NoError(t, err)
	_, err = env.Engine.CreateItem(env.Ctx, env.Sales, engine.CreateItemInput{Kind: domain.KindMaintenance, Title: "m"})
	assert.True(t, isForbidden(err))
	_, err = env.Engine.CreateItem(env.Ctx, env.Tech, engine.CreateItemInput{Kind: domain.KindMaintenance, Title: "m"})
	require.NoError(t, err)

	// Heads cannot assign, so they cannot create pre-assigned items either.
	_, err = env.Engine.CreateItem(env.Ctx, env.Tech, engine.CreateItemInput{Kind: domain.KindProject, Title: "p", AssignedUsers: []string{"u1"}})
	assert.True(t, isForbidden(err))

	_, err = env.Engine.CreateItem(env.Ctx, env.U1, engine.CreateItemInput{Kind: domain.KindProject, Title: "p"})
	assert.True(t, isForbidden(err))
}

func TestUserSeesOnlyAssignedItems(t *testing.T) {
	env := newTestEnv(t)
	mine := env.create(t, env.Director, domain.KindProject, "mine", "u1")
	theirs := env.create(t, env.Director, domain.KindProject, "theirs", "u2")
	env.create(t, env.Director, domain.KindProject, "shared", "u1", "u2")

	page, err := env.Engine.ListItems(env.Ctx, env.U1, domain.KindProject, engine.ListFilter{})
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	assert.Equal(t, "shared", page.Items[0].Title)

	_, err = env.Engine.GetItem(env.Ctx, env.U1, domain.KindProject, mine.ID)
	require.NoError(t, err)
	_, err = env.Engine.GetItem(env.Ctx, env.U1, domain.KindProject, theirs.ID)
	assert.True(t, isForbidden(err))

	_, err = env.Engine.ListItems(env.Ctx, env.U1, domain.KindInvoice, engine.ListFilter{})
	assert.True(t, isForbidden(err))

	all, err := env.Engine.ListItems(env.Ctx, env.Tech, domain.KindProject, engine.ListFilter{})
	require.NoError(t, err)
	assert.Len(t, all.Items, 3)
}

func TestGetItemKindMismatchIsNotFound(t *testing.T) {
	env := newTestEnv(t)
	it := env.create(t, env.Director, domain.KindProject, "p")
	_, err := env.Engine.GetItem(env.Ctx, env.Director, domain.KindComplaint, it.ID)
	assert.ErrorIs(t, err, repo.ErrNotFound)
	_, err = env.Engine.GetItem(env.Ctx, env.Director, domain.KindProject, "missing")
	assert.True(t, engine.IsNotFound(err))
}

func TestListItemsFiltersAndPages(t *testing.T) {
	env := newTestEnv(t)
	var ids []string
	for _, title := range []string{"a", "b", "c", "d", "e"} {
		ids = append(ids, env.create(t, env.Director, domain.KindComplaint, title).ID)
	}
	done := lifecycle.Completed
	_, err := env.Engine.UpdateItem(env.Ctx, env.Director, engine.UpdateItemInput{Kind: domain.KindComplaint, ID: ids[0], Status: &done})
	require.NoError(t, err)

	active, err := env.Engine.ListItems(env.Ctx, env.Director, domain.KindComplaint, engine.ListFilter{ActiveOnly: true})
	require.NoError(t, err)
	assert.Len(t, active.Items, 4)

	completed, err := env.Engine.ListItems(env.Ctx, env.Director, domain.KindComplaint, engine.ListFilter{Status: []lifecycle.Status{lifecycle.Completed}, ActiveOnly: true})
	require.NoError(t, err)
	require.Len(t, completed.Items, 1)
	assert.Equal(t, "a", completed.Items[0].Title)

	var titles []string
	f := engine.ListFilter{Limit: 2}
	for {
		page, err := env.Engine.ListItems(env.Ctx, env.Director, domain.KindComplaint, f)
		require.NoError(t, err)
		for _, it := range page.Items {
			titles = append(titles, it.Title)
		}
		if page.NextCursor == "" {
			break
		}
		f.Cursor = page.NextCursor
	}
	assert.Equal(t, []string{"e", "d", "c", "b", "a"}, titles)

	_, err = env.Engine.ListItems(env.Ctx, env.Director, domain.KindComplaint, engine.ListFilter{Cursor: "garbage"})
	var ve engine.ValidationError
	assert.ErrorAs(t, err, &ve)
}

func TestUpdateProvenanceTracksEditsByOthers(t *testing.T) {
	env := newTestEnv(t)
	it, err := env.Engine.CreateItem(env.Ctx, env.Director, engine.CreateItemInput{
		Kind: domain.KindProject, Title: "site", AssignedUsers: []string{"u1"},
		Fields: map[string]string{domain.FieldJobCompletion: "JC-1"},
	})
	require.NoError(t, err)
	created := env.clock

	env.advance(time.Hour)
	it, err = env.Engine.UpdateItem(env.Ctx, env.Director, engine.UpdateItemInput{
		Kind: domain.KindProject, ID: it.ID, Fields: map[string]string{domain.FieldJobCompletion: "JC-2"},
	})
	require.NoError(t, err)
	jc := it.Fields[domain.FieldJobCompletion]
	assert.False(t, jc.IsEdited, "creator edits do not flag")
	assert.Equal(t, created, jc.CreatedAt)
	assert.Equal(t, env.clock, jc.UpdatedAt)

	env.advance(time.Hour)
	it, err = env.Engine.UpdateItem(env.Ctx, env.U1, engine.UpdateItemInput{
		Kind: domain.KindProject, ID: it.ID, Fields: map[string]string{domain.FieldJobCompletion: "JC-3"},
		AppendToLists: map[string][]string{domain.ListPurchaseOrders: {"PO-7"}},
	})
	require.NoError(t, err)
	assert.True(t, it.Fields[domain.FieldJobCompletion].IsEdited)

	env.advance(time.Hour)
	it, err = env.Engine.UpdateItem(env.Ctx, env.Director, engine.UpdateItemInput{
		Kind: domain.KindProject, ID: it.ID, Fields: map[string]string{domain.FieldJobCompletion: "JC-4"},
	})
	require.NoError(t, err)
	assert.True(t, it.Fields[domain.FieldJobCompletion].IsEdited, "edited flag never clears")

	stored, err := env.Engine.GetItem(env.Ctx, env.Director, domain.KindProject, it.ID)
	require.NoError(t, err)
	assert.Equal(t, "JC-4", stored.Fields[domain.FieldJobCompletion].Value)
	assert.Len(t, stored.Lists[domain.ListPurchaseOrders], 1)
}

func TestUpdateListRemoveKeepsSurvivors(t *testing.T) {
	env := newTestEnv(t)
	it, err := env.Engine.CreateItem(env.Ctx, env.Director, engine.CreateItemInput{
		Kind: domain.KindInvoice, Title: "inv", Lists: map[string][]string{domain.ListDeliveryChallans: {"DC-1", "DC-2", "DC-3"}},
	})
	require.NoError(t, err)
	before := it.Lists[domain.ListDeliveryChallans]

	env.advance(time.Hour)
	it, err = env.Engine.UpdateItem(env.Ctx, env.Director, engine.UpdateItemInput{
		Kind: domain.KindInvoice, ID: it.ID, RemoveFromLists: map[string][]int{domain.ListDeliveryChallans: {0, 2}},
	})
	require.NoError(t, err)
	after := it.Lists[domain.ListDeliveryChallans]
	require.Len(t, after, 1)
	assert.Equal(t, before[1], after[0])

	_, err = env.Engine.UpdateItem(env.Ctx, env.Director, engine.UpdateItemInput{
		Kind: domain.KindInvoice, ID: it.ID, RemoveFromLists: map[string][]int{domain.ListDeliveryChallans: {5}},
	})
	var ve engine.ValidationError
	assert.ErrorAs(t, err, &ve)
}

func TestUserUpdateSubset(t *testing.T) {
	env := newTestEnv(t)
	it := env.create(t, env.Director, domain.KindMaintenance, "pump", "u1")

	title := "renamed"
	_, err := env.Engine.UpdateItem(env.Ctx, env.U1, engine.UpdateItemInput{Kind: domain.KindMaintenance, ID: it.ID, Title: &title})
	assert.True(t, isForbidden(err))

	next := lifecycle.InProgress
	got, err := env.Engine.UpdateItem(env.Ctx, env.U1, engine.UpdateItemInput{Kind: domain.KindMaintenance, ID: it.ID, Status: &next})
	require.NoError(t, err)
	assert.Equal(t, lifecycle.InProgress, got.Status)

	_, err = env.Engine.UpdateItem(env.Ctx, env.U2, engine.UpdateItemInput{Kind: domain.KindMaintenance, ID: it.ID, Status: &next})
	assert.True(t, isForbidden(err))

	bogus := lifecycle.Status("archived")
	_, err = env.Engine.UpdateItem(env.Ctx, env.Director, engine.UpdateItemInput{Kind: domain.KindMaintenance, ID: it.ID, Status: &bogus})
	assert.ErrorIs(t, err, lifecycle.ErrInvalidTransition)

	// Completed back to pending is allowed.
	done, pending := lifecycle.Completed, lifecycle.Pending
	_, err = env.Engine.UpdateItem(env.Ctx, env.Director, engine.UpdateItemInput{Kind: domain.KindMaintenance, ID: it.ID, Status: &done})
	require.NoError(t, err)
	got, err = env.Engine.UpdateItem(env.Ctx, env.Director, engine.UpdateItemInput{Kind: domain.KindMaintenance, ID: it.ID, Status: &pending})
	require.NoError(t, err)
	assert.Equal(t, lifecycle.Pending, got.Status)
}

func TestAssignAndDelete(t *testing.T) {
	env := newTestEnv(t)
	it := env.create(t, env.Director, domain.KindComplaint, "leak")

	_, err := env.Engine.AssignUsers(env.Ctx, env.Tech, domain.KindComplaint, it.ID, []string{"u1"})
	assert.True(t, isForbidden(err))

	got, err := env.Engine.AssignUsers(env.Ctx, env.Admin, domain.KindComplaint, it.ID, []string{"u2", "u1", "u2"})
	require.NoError(t, err)
	assert.Equal(t, []string{"u2", "u1"}, got.AssignedUsers)

	pending, err := env.Engine.RegisterUser(env.Ctx, engine.RegisterInput{Name: "new"})
	require.NoError(t, err)
	_, err = env.Engine.AssignUsers(env.Ctx, env.Admin, domain.KindComplaint, it.ID, []string{pending.ID})
	var ve engine.ValidationError
	assert.ErrorAs(t, err, &ve)

	assert.True(t, isForbidden(env.Engine.DeleteItem(env.Ctx, env.Tech, domain.KindComplaint, it.ID)))
	require.NoError(t, env.Engine.DeleteItem(env.Ctx, env.Admin, domain.KindComplaint, it.ID))
	assert.ErrorIs(t, env.Engine.DeleteItem(env.Ctx, env.Admin, domain.KindComplaint, it.ID), repo.ErrNotFound)
}

func TestCountActiveIsScoped(t *testing.T) {
	env := newTestEnv(t)
	env.create(t, env.Director, domain.KindProject, "a", "u1")
	env.create(t, env.Director, domain.KindProject, "b", "u2")
	c := env.create(t, env.Director, domain.KindProject, "c", "u1")
	cancelled := lifecycle.Cancelled
	_, err := env.Engine.UpdateItem(env.Ctx, env.Director, engine.UpdateItemInput{Kind: domain.KindProject, ID: c.ID, Status: &cancelled})
	require.NoError(t, err)

	n, err := env.Engine.CountActive(env.Ctx, env.U1, domain.KindProject)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = env.Engine.CountActive(env.Ctx, env.Director, domain.KindProject)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestDashboardPerViewer(t *testing.T) {
	env := newTestEnv(t)
	env.create(t, env.Director, domain.KindProject, "p1", "u1")
	env.advance(40 * 24 * time.Hour)
	env.create(t, env.Director, domain.KindInvoice, "i1")
	env.create(t, env.Director, domain.KindMaintenance, "m1", "u1")
	env.create(t, env.Director, domain.KindComplaint, "c1", "u2")

	dash, err := env.Engine.Dashboard(env.Ctx, env.Director, engine.DashboardOptions{MonthsBack: 12, RecentLimit: 2})
	require.NoError(t, err)
	assert.Equal(t, 4, dash.TotalActive)
	require.Len(t, dash.Recent, 2)
	assert.Equal(t, "c1", dash.Recent[0].Title)
	assert.Equal(t, []string{"Jan 2024", "Feb 2024"}, dash.Monthly.Categories)
	assert.Len(t, dash.Monthly.Series, 4)

	userDash, err := env.Engine.Dashboard(env.Ctx, env.U1, engine.DashboardOptions{MonthsBack: 12, RecentLimit: 10})
	require.NoError(t, err)
	assert.Equal(t, 2, userDash.TotalActive)
	_, seesInvoices := userDash.ActiveByKind[domain.KindInvoice]
	assert.False(t, seesInvoices)
	assert.Equal(t, auth.ScopeAssignedOnly, userDash.Scopes[domain.KindProject])

	salesDash, err := env.Engine.Dashboard(env.Ctx, env.Sales, engine.DashboardOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, salesDash.ActiveByKind[domain.KindInvoice])
	_, seesMaint := salesDash.ActiveByKind[domain.KindMaintenance]
	assert.False(t, seesMaint)

	_, err = env.Engine.Dashboard(env.Ctx, env.Director, engine.DashboardOptions{MonthsBack: -1})
	assert.ErrorIs(t, err, stats.ErrInvalidWindow)
}

func TestUserAccountLifecycle(t *testing.T) {
	env := newTestEnv(t)
	acct, err := env.Engine.RegisterUser(env.Ctx, engine.RegisterInput{Name: "Sam", Email: "Sam@Example.com", Department: domain.DeptStore})
	require.NoError(t, err)
	assert.False(t, acct.Approved)
	assert.Equal(t, domain.RoleUser, acct.Role)

	_, err = env.Engine.RegisterUser(env.Ctx, engine.RegisterInput{Name: "dup", Email: "sam@example.com"})
	var ve engine.ValidationError
	assert.ErrorAs(t, err, &ve)

	_, err = env.Engine.IdentityFor(env.Ctx, acct.ID)
	assert.ErrorIs(t, err, domain.ErrNotApproved)

	_, err = env.Engine.ApproveUser(env.Ctx, env.Admin, acct.ID, engine.ApproveInput{})
	assert.True(t, isForbidden(err))

	dept := domain.DeptAccounts
	approved, err := env.Engine.ApproveUser(env.Ctx, env.Director, acct.ID, engine.ApproveInput{Role: domain.RoleHead, Department: &dept})
	require.NoError(t, err)
	assert.True(t, approved.Approved)
	ident, err := env.Engine.IdentityFor(env.Ctx, acct.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.Head{UserID: acct.ID, Department: domain.DeptAccounts}, ident)

	assert.Error(t, env.Engine.RejectUser(env.Ctx, env.Director, acct.ID), "approved accounts cannot be rejected")

	other, err := env.Engine.RegisterUser(env.Ctx, engine.RegisterInput{Name: "Pat"})
	require.NoError(t, err)
	assert.True(t, isForbidden(env.Engine.RejectUser(env.Ctx, env.Admin, other.ID)))
	require.NoError(t, env.Engine.RejectUser(env.Ctx, env.Director, other.ID))
	_, err = env.Engine.GetUser(env.Ctx, env.Director, other.ID)
	assert.ErrorIs(t, err, repo.ErrNotFound)

	_, err = env.Engine.ListUsers(env.Ctx, env.Tech, repo.UserFilter{})
	assert.True(t, isForbidden(err))
	users, err := env.Engine.ListUsers(env.Ctx, env.Admin, repo.UserFilter{})
	require.NoError(t, err)
	assert.Len(t, users, 7)
}

func TestCreateUserRules(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateUser(env.Ctx, env.Admin, engine.CreateUserInput{Name: "boss", Role: domain.RoleDirector})
	var ve engine.ValidationError
	assert.ErrorAs(t, err, &ve)
	_, err = env.Engine.CreateUser(env.Ctx, env.Sales, engine.CreateUserInput{Name: "x", Role: domain.RoleUser})
	assert.True(t, isForbidden(err))
	_, err = env.Engine.CreateUser(env.Ctx, env.Admin, engine.CreateUserInput{Name: "x", Role: "owner"})
	assert.ErrorAs(t, err, &ve)
	_, err = env.Engine.CreateUser(env.Ctx, env.Admin, engine.CreateUserInput{Name: "ops", Role: domain.RoleAdmin})
	require.NoError(t, err)

	_, created, err := env.Engine.Bootstrap(env.Ctx, "second", "")
	require.NoError(t, err)
	assert.False(t, created)
}

func TestCreateUserDuplicateID(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateUser(env.Ctx, env.Director, engine.CreateUserInput{ID: "u1", Name: "again", Role: domain.RoleUser, Department: domain.DeptSales})
	var ve engine.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "id", ve.Field)

	u, err := env.Engine.GetUser(env.Ctx, env.Director, "u1")
	require.NoError(t, err)
	assert.Equal(t, domain.DeptTechnical, u.Department)
}

func TestAPIKeys(t *testing.T) {
	env := newTestEnv(t)
	key, err := env.Engine.IssueAPIKey(env.Ctx, env.U1, "u1", "phone")
	require.NoError(t, err)
	assert.NotEmpty(t, key.Key)
	assert.Equal(t, repo.HashAPIKey(key.Key), key.KeyHash)

	ident, err := env.Engine.IdentityForAPIKey(env.Ctx, key.Key)
	require.NoError(t, err)
	assert.Equal(t, env.U1, ident)

	_, err = env.Engine.IssueAPIKey(env.Ctx, env.U1, "u2", "")
	assert.True(t, isForbidden(err))
	_, err = env.Engine.IssueAPIKey(env.Ctx, env.Admin, "u2", "")
	require.NoError(t, err)

	_, err = env.Engine.IdentityForAPIKey(env.Ctx, "wt_nope")
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestListAndRevokeAPIKeys(t *testing.T) {
	env := newTestEnv(t)
	first, err := env.Engine.IssueAPIKey(env.Ctx, env.U1, "u1", "phone")
	require.NoError(t, err)
	env.advance(time.Minute)
	second, err := env.Engine.IssueAPIKey(env.Ctx, env.U1, "u1", "laptop")
	require.NoError(t, err)
	other, err := env.Engine.IssueAPIKey(env.Ctx, env.U2, "u2", "")
	require.NoError(t, err)

	keys, err := env.Engine.ListAPIKeys(env.Ctx, env.U1, "u1")
	require.NoError(t, err)
	require.Len(t, keys, 2)
	assert.Equal(t, second.ID, keys[0].ID)
	assert.Equal(t, first.ID, keys[1].ID)

	_, err = env.Engine.ListAPIKeys(env.Ctx, env.U1, "u2")
	assert.True(t, isForbidden(err))
	keys, err = env.Engine.ListAPIKeys(env.Ctx, env.Admin, "u2")
	require.NoError(t, err)
	assert.Len(t, keys, 1)
	_, err = env.Engine.ListAPIKeys(env.Ctx, env.Admin, "ghost")
	assert.ErrorIs(t, err, repo.ErrNotFound)

	assert.True(t, isForbidden(env.Engine.RevokeAPIKey(env.Ctx, env.U1, other.ID)))
	assert.True(t, isForbidden(env.Engine.RevokeAPIKey(env.Ctx, env.U1, "missing")))
	assert.ErrorIs(t, env.Engine.RevokeAPIKey(env.Ctx, env.Admin, "missing"), repo.ErrNotFound)

	require.NoError(t, env.Engine.RevokeAPIKey(env.Ctx, env.U1, first.ID))
	_, err = env.Engine.IdentityForAPIKey(env.Ctx, first.Key)
	assert.ErrorIs(t, err, repo.ErrNotFound)
	require.NoError(t, env.Engine.RevokeAPIKey(env.Ctx, env.Admin, other.ID))

	keys, err = env.Engine.ListAPIKeys(env.Ctx, env.U1, "u1")
	require.NoError(t, err)
	assert.Len(t, keys, 1)
}

func TestDecisionsAreCounted(t *testing.T) {
	env := newTestEnv(t)
	it := env.create(t, env.Director, domain.KindProject, "p", "u2")
	_, _ = env.Engine.GetItem(env.Ctx, env.U1, domain.KindProject, it.ID)
	deny := env.Engine.Metrics.AuthorizationDecisions.WithLabelValues("project", "view-one", "deny")
	assert.Equal(t, 1.0, testutil.ToFloat64(deny))
}

type countingCache struct {
	cache.Noop
	invalidations int
	err           error
}

func (c *countingCache) Invalidate(context.Context) error {
	c.invalidations++
	return c.err
}

func TestItemWritesInvalidateDashboards(t *testing.T) {
	env := newTestEnv(t)
	cc := &countingCache{}
	env.Engine.Cache = cc

	it := env.create(t, env.Director, domain.KindComplaint, "Leak")
	assert.Equal(t, 1, cc.invalidations)

	title := "Leak in hall"
	_, err := env.Engine.UpdateItem(env.Ctx, env.Director, engine.UpdateItemInput{Kind: domain.KindComplaint, ID: it.ID, Title: &title})
	require.NoError(t, err)
	assert.Equal(t, 2, cc.invalidations)

	_, err = env.Engine.AssignUsers(env.Ctx, env.Director, domain.KindComplaint, it.ID, []string{"u1"})
	require.NoError(t, err)
	assert.Equal(t, 3, cc.invalidations)

	require.NoError(t, env.Engine.DeleteItem(env.Ctx, env.Director, domain.KindComplaint, it.ID))
	assert.Equal(t, 4, cc.invalidations)

	_, err = env.Engine.CreateItem(env.Ctx, env.U1, engine.CreateItemInput{Kind: domain.KindInvoice, Title: "denied"})
	require.Error(t, err)
	assert.Equal(t, 4, cc.invalidations)
}

func TestInvalidationFailureKeepsWrite(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Cache = &countingCache{err: errors.New("redis down")}

	it := env.create(t, env.Director, domain.KindComplaint, "Leak")
	got, err := env.Engine.GetItem(env.Ctx, env.Director, domain.KindComplaint, it.ID)
	require.NoError(t, err)
	assert.Equal(t, "Leak", got.Title)
	assert.Equal(t, 1.0, testutil.ToFloat64(env.Engine.Metrics.DashboardCache.WithLabelValues("error")))
}
