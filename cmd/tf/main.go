package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"taskflow/internal/app"
	"taskflow/internal/config"
	"taskflow/internal/dashboard"
	"taskflow/internal/domain"
	"taskflow/internal/engine"
	"taskflow/internal/logutils"
	"taskflow/internal/migrate"
	"taskflow/internal/repo"
	"taskflow/internal/server"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "tf",
		Short: "Taskflow CLI",
		Long: `Taskflow tracks projects and their tasks for project managers and members.
- Projects: owned by a PM, with members, a date range and an active/completed/archived status.
- Tasks: assigned to one member; statuses go todo -> in_progress -> in_review -> done.
  Members move their own tasks one step forward, PMs may move any task anywhere.
- Attachments: up to five files per task, stored under uploads.dir.
- Activity log: append-only audit of every change, view with 'tf activity tail'.`,
		SilenceUsage: true,
	}
	initConfig()
	addPersistentFlags(root)
	root.AddCommand(serveCmd())
	root.AddCommand(migrateCmd())
	root.AddCommand(userCmd())
	root.AddCommand(projectCmd())
	root.AddCommand(taskCmd())
	root.AddCommand(dashboardCmd())
	root.AddCommand(activityCmd())
	root.AddCommand(configCmd())
	return root
}

func initConfig() {
	viper.SetEnvPrefix("TASKFLOW")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags(root *cobra.Command) {
	flags := root.PersistentFlags()
	flags.StringP("config", "c", "taskflow.yml", "config file")
	flags.String("db", "", "database path (overrides config)")
	flags.String("jwt-secret", "", "token signing secret (overrides config)")
	flags.String("uploads-dir", "", "attachment directory (overrides config)")
	flags.String("log-level", "", "log level")
	flags.String("log-format", "", "log format: text or json")
	flags.String("as", "", "act as the user with this email")
	flags.Bool("json", false, "output JSON")
	for _, name := range []string{"config", "db", "jwt-secret", "uploads-dir", "log-level", "log-format", "as", "json"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

// loadConfig reads the config file and applies flag and TASKFLOW_* overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadOptional(viper.GetString("config"))
	if err != nil {
		return nil, err
	}
	if v := viper.GetString("db"); v != "" {
		cfg.Database.Path = v
	}
	if v := viper.GetString("jwt-secret"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := viper.GetString("uploads-dir"); v != "" {
		cfg.Uploads.Dir = v
	}
	if v := viper.GetString("log-level"); v != "" {
		cfg.Log.Level = v
	}
	if v := viper.GetString("log-format"); v != "" {
		cfg.Log.Format = v
	}
	if err := logutils.Configure(cfg.Log.Level, cfg.Log.Format); err != nil {
		return nil, err
	}
	return cfg, nil
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := app.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

// actingAs resolves the --as user. An empty flag yields ok=false.
func actingAs(ctx context.Context, r repo.Repo) (domain.Actor, bool, error) {
	email := strings.TrimSpace(viper.GetString("as"))
	if email == "" {
		return domain.Actor{}, false, nil
	}
	u, err := r.GetUserByEmail(ctx, strings.ToLower(email))
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Actor{}, false, fmt.Errorf("no user with email %q", email)
		}
		return domain.Actor{}, false, err
	}
	return u.Actor(), true, nil
}

func requireActor(ctx context.Context, r repo.Repo) (domain.Actor, error) {
	actor, ok, err := actingAs(ctx, r)
	if err != nil {
		return domain.Actor{}, err
	}
	if !ok {
		return domain.Actor{}, fmt.Errorf("--as <email> is required")
	}
	return actor, nil
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Config.RequireSecret(); err != nil {
					return err
				}
				if addr == "" {
					addr = a.Config.Server.Addr
				}
				if basePath == "" {
					basePath = a.Config.Server.BasePath
				}
				handler, err := server.New(server.Config{
					Engine:         a.Engine,
					BasePath:       basePath,
					MaxUploadBytes: a.Config.Uploads.MaxBytes,
				})
				if err != nil {
					return err
				}
				server.StartWebhooks(ctx, a.Engine)
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				logutils.Log.WithFields(logutils.Fields{"addr": addr, "base_path": basePath}).Info("serving taskflow API")
				fmt.Fprintf(cmd.OutOrStdout(), "Serving Taskflow API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (overrides config)")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				v, err := migrate.Version(ctx, a.DB)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "schema version %d\n", v)
				return nil
			})
		},
	}
}

func userCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "user", Short: "Manage users"}
	cmd.AddCommand(userCreateCmd())
	cmd.AddCommand(userListCmd())
	return cmd
}

func userCreateCmd() *cobra.Command {
	var in engine.RegisterInput
	var role string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			in.Role = domain.Role(role)
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				u, err := a.Engine.Register(ctx, in)
				if err != nil {
					return err
				}
				return printJSONOrTable(cmd.OutOrStdout(), u)
			})
		},
	}
	cmd.Flags().StringVar(&in.Name, "name", "", "display name")
	cmd.Flags().StringVar(&in.Email, "email", "", "email address")
	cmd.Flags().StringVar(&in.Password, "password", "", "password")
	cmd.Flags().StringVar(&role, "role", string(domain.RoleMember), "pm or member")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

func userListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List users",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				users, err := a.Engine.Repo.ListUsers(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cmd.OutOrStdout(), users)
				}
				tw := newTable(cmd.OutOrStdout())
				tw.AppendHeader(table.Row{"ID", "Name", "Email", "Role"})
				for _, u := range users {
					tw.AppendRow(table.Row{u.ID, u.Name, u.Email, u.Role})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func projectCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "project", Short: "Inspect projects"}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List projects (all, or those of --as)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				actor, ok, err := actingAs(ctx, a.Engine.Repo)
				if err != nil {
					return err
				}
				var items []domain.Project
				if ok {
					items, err = a.Engine.ListProjects(ctx, actor)
				} else {
					items, err = a.Engine.Repo.ListAllProjects(ctx)
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cmd.OutOrStdout(), items)
				}
				tw := newTable(cmd.OutOrStdout())
				tw.AppendHeader(table.Row{"ID", "Name", "Status", "Start", "End"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Name, p.Status, p.StartDate.Format(time.DateOnly), p.EndDate.Format(time.DateOnly)})
				}
				tw.Render()
				return nil
			})
		},
	})
	return cmd
}

func taskCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "task", Short: "Inspect and move tasks"}
	cmd.AddCommand(taskListCmd())
	cmd.AddCommand(taskStatusCmd())
	return cmd
}

func taskListCmd() *cobra.Command {
	var projectID string
	var in engine.ListTasksInput
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List a project's tasks as --as",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				actor, err := requireActor(ctx, a.Engine.Repo)
				if err != nil {
					return err
				}
				list, err := a.Engine.ListTasks(ctx, actor, projectID, in)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cmd.OutOrStdout(), list)
				}
				tw := newTable(cmd.OutOrStdout())
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Priority", "Assignee", "Due"})
				for _, t := range list.Tasks {
					tw.AppendRow(table.Row{t.ID, t.Title, t.Status, t.Priority, t.AssignedTo, t.DueDate.Format(time.DateOnly)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "project id")
	cmd.Flags().StringVar(&in.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&in.Priority, "priority", "", "priority filter")
	cmd.Flags().StringVar(&in.AssignedTo, "assignee", "", "assignee filter (PM only)")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func taskStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <task-id> <status>",
		Short: "Move a task as --as",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				actor, err := requireActor(ctx, a.Engine.Repo)
				if err != nil {
					return err
				}
				t, err := a.Engine.UpdateTaskStatus(ctx, actor, args[0], domain.TaskStatus(args[1]))
				if err != nil {
					return err
				}
				return printJSONOrTable(cmd.OutOrStdout(), t)
			})
		},
	}
}

func dashboardCmd() *cobra.Command {
	var f dashboard.Filter
	cmd := &cobra.Command{
		Use:   "dashboard",
		Short: "Show task statistics as --as",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				actor, err := requireActor(ctx, a.Engine.Repo)
				if err != nil {
					return err
				}
				view, err := a.Engine.Dashboard(ctx, actor, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cmd.OutOrStdout(), view)
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "total %d  completed %d  pending %d  overdue %d\n",
					view.Stats.TotalTasks, view.Stats.CompletedTasks, view.Stats.PendingTasks, view.Stats.OverdueTasks)
				tw := newTable(out)
				tw.AppendHeader(table.Row{"Project", "Task", "Status", "Priority", "Due", "Overdue"})
				for _, row := range dashboardRows(view) {
					tw.AppendRow(row)
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.ProjectID, "project", "", "project id filter")
	cmd.Flags().StringVar(&f.MemberID, "member", "", "member id filter (PM only)")
	cmd.Flags().StringVar(&f.TaskID, "task", "", "task id filter")
	return cmd
}

func dashboardRows(view dashboard.View) []table.Row {
	var rows []table.Row
	for _, g := range view.Projects {
		for _, t := range g.Tasks {
			rows = append(rows, table.Row{g.ProjectName, t.Title, t.Status, t.Priority, t.DueDate.Format(time.DateOnly), t.Overdue})
		}
	}
	for _, t := range view.Tasks {
		project := ""
		if t.Project != nil {
			project = t.Project.Name
		}
		rows = append(rows, table.Row{project, t.Title, t.Status, t.Priority, t.DueDate.Format(time.DateOnly), t.Overdue})
	}
	return rows
}

func activityCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "activity", Short: "Read the activity log"}
	var f repo.ActivityFilters
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show the newest activity entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.Repo.ListActivity(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cmd.OutOrStdout(), items)
				}
				tw := newTable(cmd.OutOrStdout())
				tw.AppendHeader(table.Row{"ID", "At", "Entity", "Action", "Old", "New", "By"})
				for _, l := range items {
					tw.AppendRow(table.Row{l.ID, l.PerformedAt.Format(time.RFC3339), string(l.EntityType) + ":" + l.EntityID, l.Action, l.OldValue, l.NewValue, l.PerformedBy})
				}
				tw.Render()
				return nil
			})
		},
	}
	tail.Flags().IntVarP(&f.Limit, "n", "n", 20, "number of entries")
	tail.Flags().StringVar(&f.ProjectID, "project", "", "project id filter")
	tail.Flags().StringVar(&f.EntityType, "entity-type", "", "project or task")
	tail.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id filter")
	tail.Flags().StringVar(&f.Action, "action", "", "action filter")
	cmd.AddCommand(tail)
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Inspect configuration"}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			shown := *cfg
			if shown.Auth.JWTSecret != "" {
				shown.Auth.JWTSecret = "********"
			}
			data, err := shown.ToYAML()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	})
	return cmd
}

// --- helpers ---

func newTable(w io.Writer) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.SetStyle(table.StyleLight)
	return tw
}

func printJSONOrTable(w io.Writer, v any) error {
	if viper.GetBool("json") {
		return printJSON(w, v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Fprintln(w, string(b))
	return nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
