package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"worktrack/internal/app"
	"worktrack/internal/config"
	"worktrack/internal/db"
	"worktrack/internal/domain"
	"worktrack/internal/engine"
	"worktrack/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "wt",
	Short: "Worktrack CLI",
	Long: `Worktrack tracks projects, complaints, invoices and maintenance schedules
for a small organisation.
- Accounts: staff sign up, a director approves them and picks their role.
- Roles: director > admin > head > user. Heads only see the kinds enabled
  for their department; users only see items they are assigned to.
- Work items: pending -> in_progress -> completed (cancelled is the exit).
- References: job completion, purchase order and challan numbers remember who
  set them and are flagged as edited once someone else changes them.
- Dashboard: active counts, recent items and a monthly creation series.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level, err := log.ParseLevel(viper.GetString("log-level"))
		if err != nil {
			return err
		}
		logger.SetLevel(level)
		_, err = db.EnsureWorkspace(viper.GetString("workspace"))
		return err
	},
}

var logger = log.NewWithOptions(os.Stderr, log.Options{ReportTimestamp: true, Prefix: "wt"})

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		logger.Error(err.Error())
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("WORKTRACK")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("as", "", "user id to act as")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	for _, name := range []string{"workspace", "json", "as", "log-level"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(itemCmd())
	rootCmd.AddCommand(dashboardCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var directorID, name string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create worktrack.yml and the first director account",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
				if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
					return err
				}
				logger.Info("wrote config", "path", path)
			}
			return withWorkspace(cmd.Context(), func(ctx context.Context, w *app.Workspace) error {
				acct, created, err := w.EnsureDirector(ctx, directorID, name)
				if err != nil {
					return err
				}
				if !created {
					logger.Info("accounts already exist; no director seeded")
					return nil
				}
				logger.Info("seeded director", "id", acct.ID)
				return printJSONOrTable(acct)
			})
		},
	}
	cmd.Flags().StringVar(&directorID, "director", "", "id of the first director (generated when empty)")
	cmd.Flags().StringVar(&name, "name", "", "display name of the first director")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect worktrack.yml",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret != "" {
				cfg.Auth.JWTSecret = "********"
			}
			return printJSONOrTable(cfg)
		},
	}
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default worktrack.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate worktrack.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

func dashboardCmd() *cobra.Command {
	var opts engine.DashboardOptions
	cmd := &cobra.Command{
		Use:   "dashboard",
		Short: "Show counts, recent items and monthly activity",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withIdentity(cmd.Context(), func(ctx context.Context, w *app.Workspace, id domain.Identity) error {
				dash, err := w.Engine.Dashboard(ctx, id, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(dash)
				}
				counts := table.NewWriter()
				counts.SetOutputMirror(os.Stdout)
				counts.AppendHeader(table.Row{"Kind", "Active"})
				for _, k := range domain.WorkItemKinds() {
					if n, ok := dash.ActiveByKind[k]; ok {
						counts.AppendRow(table.Row{k, n})
					}
				}
				counts.AppendFooter(table.Row{"Total", dash.TotalActive})
				counts.Render()

				printItems(dash.Recent)

				monthly := table.NewWriter()
				monthly.SetOutputMirror(os.Stdout)
				header := table.Row{"Month"}
				for _, line := range dash.Monthly.Series {
					header = append(header, line.Name)
				}
				monthly.AppendHeader(header)
				for i, cat := range dash.Monthly.Categories {
					row := table.Row{cat}
					for _, line := range dash.Monthly.Series {
						row = append(row, line.Data[i])
					}
					monthly.AppendRow(row)
				}
				monthly.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&opts.MonthsBack, "months", 0, "months of history (config default when 0)")
	cmd.Flags().IntVar(&opts.RecentLimit, "recent", 0, "recent items to show (config default when 0)")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, w *app.Workspace) error {
				cfg := w.Config
				if addr == "" {
					addr = cfg.Server.Addr
				}
				if basePath == "" {
					basePath = cfg.Server.BasePath
				}
				secret := viper.GetString("jwt-secret")
				if secret == "" {
					secret = cfg.Auth.JWTSecret
				}
				if secret == "" {
					return errors.New("auth.jwt_secret or WORKTRACK_JWT_SECRET is required for bearer auth")
				}
				dash, err := w.AttachCache(ctx)
				if err != nil {
					return err
				}

				handler, err := server.New(server.Config{
					Engine:   w.Engine,
					BasePath: basePath,
					Auth: server.AuthConfig{
						JWTSecret:      secret,
						TokenTTL:       cfg.Auth.TokenTTL,
						AllowDevTokens: cfg.Server.AllowDevTokens,
					},
					Cache:  dash,
					Logger: logger,
				})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				logger.Info("serving worktrack API", "addr", "http://"+addr+basePath, "docs", "/docs", "dev_tokens", cfg.Server.AllowDevTokens, "redis", cfg.Cache.RedisAddr != "")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (server.addr when empty)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (server.base_path when empty)")
	cmd.Flags().String("jwt-secret", "", "HS256 secret for bearer tokens")
	_ = viper.BindPFlag("jwt-secret", cmd.Flags().Lookup("jwt-secret"))
	return cmd
}

// --- helpers ---

func withWorkspace(ctx context.Context, fn func(context.Context, *app.Workspace) error) error {
	w, err := app.Open(ctx, viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer w.Close()
	return fn(ctx, w)
}

func withIdentity(ctx context.Context, fn func(context.Context, *app.Workspace, domain.Identity) error) error {
	return withWorkspace(ctx, func(ctx context.Context, w *app.Workspace) error {
		id, err := w.Acting(ctx, viper.GetString("as"))
		if err != nil {
			return err
		}
		logger.Debug("acting", "user", id.ID(), "role", id.Role())
		if _, err := w.AttachCache(ctx); err != nil {
			logger.Warn("dashboard cache unavailable; cached dashboards may be stale until they expire", "err", err)
		}
		return fn(ctx, w, id)
	})
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
