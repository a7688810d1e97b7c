// Package app opens a worktrack workspace for the CLI and the server.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"worktrack/internal/cache"
	"worktrack/internal/config"
	"worktrack/internal/db"
	"worktrack/internal/domain"
	"worktrack/internal/engine"
	"worktrack/internal/migrate"
)

// Workspace bundles a migrated database, the loaded worktrack.yml and an
// engine built from both.
type Workspace struct {
	Dir    string
	DB     *sql.DB
	Config *config.Config
	Engine engine.Engine

	closeCache func() error
}

// Open prepares dir for use. A missing worktrack.yml means defaults.
func Open(ctx context.Context, dir string) (*Workspace, error) {
	cfg, err := config.LoadOptional(dir)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate %s: %w", db.Path(dir), err)
	}
	return &Workspace{Dir: dir, DB: conn, Config: cfg, Engine: engine.New(conn, cfg)}, nil
}

func (w *Workspace) Close() error {
	var cerr error
	if w.closeCache != nil {
		cerr = w.closeCache()
		w.closeCache = nil
	}
	return errors.Join(w.DB.Close(), cerr)
}

// AttachCache connects the configured dashboard cache to the engine so item
// writes made through this workspace invalidate dashboards a server cached.
// On error the engine keeps its no-op cache.
func (w *Workspace) AttachCache(ctx context.Context) (cache.Dashboard, error) {
	dash, closeFn, err := DashboardCache(ctx, w.Config)
	if err != nil {
		return nil, err
	}
	if w.closeCache != nil {
		w.closeCache()
	}
	w.closeCache = closeFn
	w.Engine.Cache = dash
	return dash, nil
}

// EnsureDirector seeds the first director account on an empty workspace.
// created is false when accounts already exist.
func (w *Workspace) EnsureDirector(ctx context.Context, userID, name string) (acct domain.Account, created bool, err error) {
	return w.Engine.Bootstrap(ctx, userID, name)
}

// Acting resolves the account a command runs as.
func (w *Workspace) Acting(ctx context.Context, userID string) (domain.Identity, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, errors.New("no acting user; pass --as or set WORKTRACK_AS")
	}
	id, err := w.Engine.IdentityFor(ctx, userID)
	if engine.IsNotFound(err) {
		return nil, fmt.Errorf("user %q not found", userID)
	}
	return id, err
}

// DashboardCache returns a Redis-backed cache when cache.redis_addr is set and
// a no-op cache otherwise. The returned close func is never nil.
func DashboardCache(ctx context.Context, cfg *config.Config) (cache.Dashboard, func() error, error) {
	if cfg == nil || strings.TrimSpace(cfg.Cache.RedisAddr) == "" {
		return cache.Noop{}, func() error { return nil }, nil
	}
	rc, err := cache.NewRedis(ctx, cfg.Cache.RedisAddr, cfg.Cache.DashboardTTL)
	if err != nil {
		return nil, nil, fmt.Errorf("dashboard cache: %w", err)
	}
	return rc, rc.Close, nil
}
