package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"worktrack/internal/app"
	"worktrack/internal/domain"
	"worktrack/internal/engine"
	"worktrack/internal/repo"
	"worktrack/internal/server"
)

func userCmd() *cobra.Command {
	user := &cobra.Command{
		Use:   "user",
		Short: "Manage staff accounts",
	}
	user.AddCommand(userRegisterCmd())
	user.AddCommand(userCreateCmd())
	user.AddCommand(userListCmd())
	user.AddCommand(userApproveCmd())
	user.AddCommand(userRejectCmd())
	user.AddCommand(userKeyCmd())
	user.AddCommand(userTokenCmd())
	return user
}

func userRegisterCmd() *cobra.Command {
	var in engine.RegisterInput
	var dept string
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Sign up; the account waits for director approval",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := domain.ParseDepartment(dept)
			if err != nil {
				return err
			}
			in.Department = d
			return withWorkspace(cmd.Context(), func(ctx context.Context, w *app.Workspace) error {
				acct, err := w.Engine.RegisterUser(ctx, in)
				if err != nil {
					return err
				}
				logger.Info("registered; awaiting approval", "id", acct.ID)
				return printJSONOrTable(acct)
			})
		},
	}
	cmd.Flags().StringVar(&in.Name, "name", "", "display name")
	cmd.Flags().StringVar(&in.Email, "email", "", "email address")
	cmd.Flags().StringVar(&dept, "department", "", "accounts, technical, it, sales or store")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func userCreateCmd() *cobra.Command {
	var in engine.CreateUserInput
	var role, dept string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an approved account",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := domain.ParseRole(role)
			if err != nil {
				return err
			}
			d, err := domain.ParseDepartment(dept)
			if err != nil {
				return err
			}
			in.Role, in.Department = r, d
			return withIdentity(cmd.Context(), func(ctx context.Context, w *app.Workspace, id domain.Identity) error {
				acct, err := w.Engine.CreateUser(ctx, id, in)
				if err != nil {
					return err
				}
				return printJSONOrTable(acct)
			})
		},
	}
	cmd.Flags().StringVar(&in.ID, "id", "", "account id (generated when empty)")
	cmd.Flags().StringVar(&in.Name, "name", "", "display name")
	cmd.Flags().StringVar(&in.Email, "email", "", "email address")
	cmd.Flags().StringVar(&role, "role", "user", "director, admin, head or user")
	cmd.Flags().StringVar(&dept, "department", "", "department")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func userListCmd() *cobra.Command {
	var pending bool
	var role, dept string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			var f repo.UserFilter
			if cmd.Flags().Changed("pending") {
				approved := !pending
				f.Approved = &approved
			}
			if role != "" {
				r, err := domain.ParseRole(role)
				if err != nil {
					return err
				}
				f.Role = r
			}
			d, err := domain.ParseDepartment(dept)
			if err != nil {
				return err
			}
			f.Department = d
			return withIdentity(cmd.Context(), func(ctx context.Context, w *app.Workspace, id domain.Identity) error {
				users, err := w.Engine.ListUsers(ctx, id, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(users)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Email", "Role", "Department", "Approved", "Joined"})
				for _, u := range users {
					joined := u.CreatedAt
					if t, err := repo.ParseTime(u.CreatedAt); err == nil {
						joined = humanize.Time(t)
					}
					tw.AppendRow(table.Row{u.ID, u.Name, u.Email, u.Role, u.Department, u.Approved, joined})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&pending, "pending", false, "only accounts awaiting approval (--pending=false for approved)")
	cmd.Flags().StringVar(&role, "role", "", "role filter")
	cmd.Flags().StringVar(&dept, "department", "", "department filter")
	return cmd
}

func userApproveCmd() *cobra.Command {
	var role, dept string
	cmd := &cobra.Command{
		Use:   "approve <id>",
		Short: "Approve a pending account (director only)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var in engine.ApproveInput
			if role != "" {
				r, err := domain.ParseRole(role)
				if err != nil {
					return err
				}
				in.Role = r
			}
			if cmd.Flags().Changed("department") {
				d, err := domain.ParseDepartment(dept)
				if err != nil {
					return err
				}
				in.Department = &d
			}
			return withIdentity(cmd.Context(), func(ctx context.Context, w *app.Workspace, id domain.Identity) error {
				acct, err := w.Engine.ApproveUser(ctx, id, args[0], in)
				if err != nil {
					return err
				}
				return printJSONOrTable(acct)
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "role to grant (user when empty)")
	cmd.Flags().StringVar(&dept, "department", "", "override the registered department")
	return cmd
}

func userRejectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reject <id>",
		Short: "Reject and remove a pending account (director only)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withIdentity(cmd.Context(), func(ctx context.Context, w *app.Workspace, id domain.Identity) error {
				if err := w.Engine.RejectUser(ctx, id, args[0]); err != nil {
					return err
				}
				logger.Info("rejected", "id", args[0])
				return nil
			})
		},
	}
}

func userKeyCmd() *cobra.Command {
	key := &cobra.Command{
		Use:   "key",
		Short: "Manage API keys",
	}
	key.AddCommand(userKeyIssueCmd())
	key.AddCommand(userKeyListCmd())
	key.AddCommand(userKeyRevokeCmd())
	return key
}

func userKeyIssueCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "issue <user-id>",
		Short: "Issue an API key; it is printed once",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withIdentity(cmd.Context(), func(ctx context.Context, w *app.Workspace, id domain.Identity) error {
				key, err := w.Engine.IssueAPIKey(ctx, id, args[0], name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(key)
				}
				fmt.Println(key.Key)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "label for the key")
	return cmd
}

func userKeyListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <user-id>",
		Short: "List a user's API keys",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withIdentity(cmd.Context(), func(ctx context.Context, w *app.Workspace, id domain.Identity) error {
				keys, err := w.Engine.ListAPIKeys(ctx, id, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Created"})
				for _, k := range keys {
					created := k.CreatedAt
					if t, err := repo.ParseTime(k.CreatedAt); err == nil {
						created = humanize.Time(t)
					}
					tw.AppendRow(table.Row{k.ID, k.Name, created})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func userKeyRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withIdentity(cmd.Context(), func(ctx context.Context, w *app.Workspace, id domain.Identity) error {
				if err := w.Engine.RevokeAPIKey(ctx, id, args[0]); err != nil {
					return err
				}
				logger.Info("revoked API key", "id", args[0])
				return nil
			})
		},
	}
}

func userTokenCmd() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for the acting user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withIdentity(cmd.Context(), func(ctx context.Context, w *app.Workspace, id domain.Identity) error {
				secret := viper.GetString("jwt-secret")
				if secret == "" {
					secret = w.Config.Auth.JWTSecret
				}
				if secret == "" {
					return errors.New("auth.jwt_secret or WORKTRACK_JWT_SECRET is required")
				}
				if ttl == 0 {
					ttl = w.Config.Auth.TokenTTL
				}
				tok, err := server.SignToken(secret, id, ttl, time.Now())
				if err != nil {
					return err
				}
				fmt.Println(tok)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (auth.token_ttl when 0)")
	return cmd
}
