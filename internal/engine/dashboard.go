package engine

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"worktrack/internal/domain"
	"worktrack/internal/engine/auth"
	"worktrack/internal/repo"
	"worktrack/internal/stats"
)

type DashboardOptions struct {
	MonthsBack  int
	RecentLimit int
}

// Dashboard is what the home screen shows: counts, recent activity and the
// monthly creation series, all within the viewer's scopes.
type Dashboard struct {
	ActiveByKind map[domain.EntityKind]int        `json:"active_by_kind"`
	TotalActive  int                              `json:"total_active"`
	Recent       []domain.WorkItem                `json:"recent"`
	Monthly      stats.Series                     `json:"monthly"`
	Scopes       map[domain.EntityKind]auth.Scope `json:"scopes"`
}

// DashboardDefaults fills zero options from config.
func (e Engine) DashboardDefaults(opts DashboardOptions) DashboardOptions {
	if opts.MonthsBack == 0 && e.Config != nil {
		opts.MonthsBack = e.Config.Dashboard.MonthsBack
	}
	if opts.RecentLimit == 0 && e.Config != nil {
		opts.RecentLimit = e.Config.Dashboard.RecentLimit
	}
	return opts
}

// Dashboard fetches every kind the viewer may list concurrently and reduces
// the results. Kinds the viewer cannot list are left out, not errors.
func (e Engine) Dashboard(ctx context.Context, id domain.Identity, opts DashboardOptions) (Dashboard, error) {
	opts = e.DashboardDefaults(opts)
	if opts.MonthsBack <= 0 {
		return Dashboard{}, stats.ErrInvalidWindow
	}
	visible := e.Policy.Visible(id)
	for _, kind := range domain.WorkItemKinds() {
		_, ok := visible[kind]
		e.Metrics.ObserveDecision(string(kind), string(domain.ActionViewList), ok)
	}

	var mu sync.Mutex
	byKind := map[domain.EntityKind][]domain.WorkItem{}
	g, gctx := errgroup.WithContext(ctx)
	for kind, scope := range visible {
		g.Go(func() error {
			items, err := e.Repo.FindByScope(gctx, kind, scope, id, repo.ItemFilter{})
			if err != nil {
				return err
			}
			mu.Lock()
			byKind[kind] = items
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Dashboard{}, err
	}

	out := Dashboard{ActiveByKind: map[domain.EntityKind]int{}, Scopes: visible}
	var all []domain.WorkItem
	var cols []stats.Collection
	for _, kind := range domain.WorkItemKinds() {
		items, ok := byKind[kind]
		if !ok {
			continue
		}
		n := stats.CountActive(items)
		out.ActiveByKind[kind] = n
		out.TotalActive += n
		all = append(all, items...)
		cols = append(cols, stats.CollectionOf(string(kind), items))
	}
	out.Recent = stats.Recent(all, opts.RecentLimit)
	series, err := stats.MonthlySeries(cols, opts.MonthsBack)
	if err != nil {
		return Dashboard{}, err
	}
	out.Monthly = series
	return out, nil
}
