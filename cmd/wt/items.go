package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"worktrack/internal/app"
	"worktrack/internal/domain"
	"worktrack/internal/engine"
	"worktrack/internal/lifecycle"
	"worktrack/internal/provenance"
)

func itemCmd() *cobra.Command {
	item := &cobra.Command{
		Use:   "item",
		Short: "Manage work items (project, complaint, invoice, maintenance)",
	}
	item.AddCommand(itemCreateCmd())
	item.AddCommand(itemListCmd())
	item.AddCommand(itemShowCmd())
	item.AddCommand(itemUpdateCmd())
	item.AddCommand(itemAssignCmd())
	item.AddCommand(itemDeleteCmd())
	item.AddCommand(itemCountCmd())
	return item
}

func kindArg(raw string) (domain.EntityKind, error) {
	k, err := domain.ParseKind(raw)
	if err != nil || !k.IsWorkItem() {
		return "", fmt.Errorf("unknown work item kind %q", raw)
	}
	return k, nil
}

func itemCreateCmd() *cobra.Command {
	var title, description, due string
	var assign, fields, lists []string
	cmd := &cobra.Command{
		Use:   "create <kind>",
		Short: "Create a work item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := kindArg(args[0])
			if err != nil {
				return err
			}
			in := engine.CreateItemInput{
				Kind:          kind,
				Title:         title,
				Description:   description,
				AssignedUsers: splitIDs(assign),
			}
			if due != "" {
				t, err := parseDue(due, time.Now())
				if err != nil {
					return err
				}
				in.DueDate = &t
			}
			if in.Fields, err = parseAssignments(fields); err != nil {
				return err
			}
			if in.Lists, err = parseListAppends(lists); err != nil {
				return err
			}
			return withIdentity(cmd.Context(), func(ctx context.Context, w *app.Workspace, id domain.Identity) error {
				it, err := w.Engine.CreateItem(ctx, id, in)
				if err != nil {
					return err
				}
				return printItem(it)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&description, "description", "", "description")
	cmd.Flags().StringVar(&due, "due", "", `due date ("2024-05-01", "next friday")`)
	cmd.Flags().StringSliceVar(&assign, "assign", nil, "assignee user ids")
	cmd.Flags().StringArrayVar(&fields, "field", nil, "reference field name=value (repeatable)")
	cmd.Flags().StringArrayVar(&lists, "list", nil, "reference list entry list=value (repeatable)")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func itemListCmd() *cobra.Command {
	var status string
	var active bool
	var limit int
	var cursor string
	cmd := &cobra.Command{
		Use:   "list <kind>",
		Short: "List work items visible to the acting user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := kindArg(args[0])
			if err != nil {
				return err
			}
			f := engine.ListFilter{ActiveOnly: active, Limit: limit, Cursor: cursor}
			for _, raw := range splitIDs([]string{status}) {
				s, err := lifecycle.Parse(raw)
				if err != nil {
					return err
				}
				f.Status = append(f.Status, s)
			}
			return withIdentity(cmd.Context(), func(ctx context.Context, w *app.Workspace, id domain.Identity) error {
				page, err := w.Engine.ListItems(ctx, id, kind, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(page)
				}
				printItems(page.Items)
				if page.NextCursor != "" {
					fmt.Println("next cursor:", page.NextCursor)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "comma-separated status filter: "+statusNames())
	cmd.Flags().BoolVar(&active, "active", false, "only pending and in-progress items")
	cmd.Flags().IntVar(&limit, "limit", 50, "page size")
	cmd.Flags().StringVar(&cursor, "cursor", "", "cursor from a previous page")
	return cmd
}

func itemShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <kind> <id>",
		Short: "Show a work item with its references",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := kindArg(args[0])
			if err != nil {
				return err
			}
			return withIdentity(cmd.Context(), func(ctx context.Context, w *app.Workspace, id domain.Identity) error {
				it, err := w.Engine.GetItem(ctx, id, kind, args[1])
				if err != nil {
					return err
				}
				return printItem(it)
			})
		},
	}
}

func itemUpdateCmd() *cobra.Command {
	var title, description, due, status string
	var clearDue bool
	var fields, appends, removals []string
	cmd := &cobra.Command{
		Use:   "update <kind> <id>",
		Short: "Update a work item",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := kindArg(args[0])
			if err != nil {
				return err
			}
			in := engine.UpdateItemInput{Kind: kind, ID: args[1], ClearDueDate: clearDue}
			if cmd.Flags().Changed("title") {
				in.Title = &title
			}
			if cmd.Flags().Changed("description") {
				in.Description = &description
			}
			if due != "" {
				t, err := parseDue(due, time.Now())
				if err != nil {
					return err
				}
				in.DueDate = &t
			}
			if status != "" {
				s, err := lifecycle.Parse(status)
				if err != nil {
					return err
				}
				in.Status = &s
			}
			if in.Fields, err = parseAssignments(fields); err != nil {
				return err
			}
			if in.AppendToLists, err = parseListAppends(appends); err != nil {
				return err
			}
			if in.RemoveFromLists, err = parseListRemovals(removals); err != nil {
				return err
			}
			return withIdentity(cmd.Context(), func(ctx context.Context, w *app.Workspace, id domain.Identity) error {
				it, err := w.Engine.UpdateItem(ctx, id, in)
				if err != nil {
					return err
				}
				return printItem(it)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&description, "description", "", "description")
	cmd.Flags().StringVar(&due, "due", "", "due date")
	cmd.Flags().BoolVar(&clearDue, "clear-due", false, "remove the due date")
	cmd.Flags().StringVar(&status, "status", "", "new status: "+statusNames())
	cmd.Flags().StringArrayVar(&fields, "field", nil, "set reference field name=value (repeatable)")
	cmd.Flags().StringArrayVar(&appends, "append", nil, "append list=value (repeatable)")
	cmd.Flags().StringArrayVar(&removals, "remove", nil, "remove list=index (repeatable)")
	return cmd
}

func itemAssignCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "assign <kind> <id> [user...]",
		Short: "Replace the assignees of a work item",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := kindArg(args[0])
			if err != nil {
				return err
			}
			return withIdentity(cmd.Context(), func(ctx context.Context, w *app.Workspace, id domain.Identity) error {
				it, err := w.Engine.AssignUsers(ctx, id, kind, args[1], splitIDs(args[2:]))
				if err != nil {
					return err
				}
				return printItem(it)
			})
		},
	}
}

func itemDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <kind> <id>",
		Short: "Delete a work item",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := kindArg(args[0])
			if err != nil {
				return err
			}
			return withIdentity(cmd.Context(), func(ctx context.Context, w *app.Workspace, id domain.Identity) error {
				if err := w.Engine.DeleteItem(ctx, id, kind, args[1]); err != nil {
					return err
				}
				logger.Info("deleted", "kind", kind, "id", args[1])
				return nil
			})
		},
	}
}

func itemCountCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "count <kind>",
		Short: "Count active items visible to the acting user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := kindArg(args[0])
			if err != nil {
				return err
			}
			return withIdentity(cmd.Context(), func(ctx context.Context, w *app.Workspace, id domain.Identity) error {
				n, err := w.Engine.CountActive(ctx, id, kind)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"kind": kind, "active": n})
				}
				fmt.Printf("%d active %s\n", n, kind)
				return nil
			})
		},
	}
}

func statusNames() string {
	var names []string
	for _, st := range lifecycle.All() {
		names = append(names, string(st))
	}
	return strings.Join(names, ", ")
}

// filledSummary renders how many declared reference fields hold a value.
func filledSummary(it domain.WorkItem) string {
	filled := it.Filled()
	n := 0
	for _, ok := range filled {
		if ok {
			n++
		}
	}
	return fmt.Sprintf("%d/%d", n, len(filled))
}

func latestRefs(it domain.WorkItem) string {
	latest := it.LatestReferences()
	var parts []string
	for _, name := range domain.SchemaFor(it.Kind).Lists {
		if v, ok := latest[name]; ok {
			parts = append(parts, name+"="+v)
		}
	}
	return strings.Join(parts, " ")
}

func printItems(items []domain.WorkItem) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Kind", "Title", "Status", "Assignees", "Due", "Filled", "Latest ref", "Created"})
	for _, it := range items {
		due := ""
		if it.DueDate != nil {
			due = humanize.Time(*it.DueDate)
		}
		tw.AppendRow(table.Row{it.ID, it.Kind, it.Title, it.Status.Label(), strings.Join(it.AssignedUsers, ","), due, filledSummary(it), latestRefs(it), humanize.Time(it.CreatedAt)})
	}
	tw.Render()
}

func printItem(it domain.WorkItem) error {
	if viper.GetBool("json") {
		return printJSON(it)
	}
	printItems([]domain.WorkItem{it})
	schema := domain.SchemaFor(it.Kind)
	if len(schema.Fields) == 0 && len(schema.Lists) == 0 {
		return nil
	}
	filled := it.Filled()
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Reference", "Value", "Filled", "Edited", "Updated"})
	for _, name := range schema.Fields {
		v := it.Field(name)
		if v == nil {
			tw.AppendRow(table.Row{name, "", false, false, ""})
			continue
		}
		tw.AppendRow(table.Row{name, v.Value, filled[name], v.IsEdited, humanize.Time(v.UpdatedAt)})
	}
	for _, name := range schema.Lists {
		for i, v := range it.Lists[name] {
			tw.AppendRow(table.Row{fmt.Sprintf("%s[%d]", name, i), v.Value, provenance.IsFilled(&v), v.IsEdited, humanize.Time(v.UpdatedAt)})
		}
	}
	tw.Render()
	return nil
}
