package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"foundry/internal/agent"
	"foundry/internal/app"
	"foundry/internal/budget"
	"foundry/internal/config"
	"foundry/internal/db"
	"foundry/internal/dispatch"
	"foundry/internal/domain"
	"foundry/internal/engine"
	"foundry/internal/logging"
	"foundry/internal/notify"
	"foundry/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "foundry",
	Short: "Foundry CLI",
	Long: `Foundry runs a local idea-to-ticket pipeline driven by agents.
How the pieces fit:
- Workspace: a directory with foundry.yml and a .foundry/ SQLite database; everything lives there.
- Ideas: raw proposals. A clarifier agent refines them and may raise questions you answer (or skip) before approval.
- Tickets: approved work. A developer agent develops, a builder builds, a tester tests; failures loop back to the developer until the cycle budget runs out.
- Subtasks: a checklist the developer leaves on the ticket; a ticket reaches review only when its build+tests pass and the checklist is closed.
- Jobs: the queue rows that drive all of the above. 'foundry worker' claims and runs them; retries back off, cancels are cooperative.
- Agents: external commands configured in foundry.yml, invoked with the job payload on stdin.
- Budget: USD ceilings per run, per project-day, and global day/month; jobs that would bust a ceiling are denied, not run.
- Event log: every transition is recorded, view with 'foundry log tail'.`,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("FOUNDRY")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor", "cli", "actor recorded on events")
	rootCmd.PersistentFlags().String("project", "", "project id (overrides config default)")
	rootCmd.PersistentFlags().Bool("debug", false, "debug logging")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor", rootCmd.PersistentFlags().Lookup("actor"))
	_ = viper.BindPFlag("project", rootCmd.PersistentFlags().Lookup("project"))
	_ = viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(ideaCmd())
	rootCmd.AddCommand(questionCmd())
	rootCmd.AddCommand(ticketCmd())
	rootCmd.AddCommand(subtaskCmd())
	rootCmd.AddCommand(jobCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(agentCmd())
	rootCmd.AddCommand(budgetCmd())
	rootCmd.AddCommand(logCmd())
}

func initCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a workspace",
		Long:  "Creates .foundry/ with the database and writes foundry.yml with defaults when missing. Safe to rerun.",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			a, err := app.Init(cmd.Context(), workspace, cliLogger())
			if err != nil {
				return err
			}
			defer a.Close()
			if viper.GetBool("json") {
				return printJSON(map[string]any{
					"workspace": workspace,
					"project":   a.Config.Project.ID,
					"config":    config.Path(workspace),
					"db":        db.Path(workspace),
				})
			}
			fmt.Printf("Workspace ready: %s\n", workspace)
			fmt.Printf("Project: %s\n", a.Config.Project.ID)
			fmt.Printf("Config:  %s\n", config.Path(workspace))
			fmt.Printf("DB:      %s\n", db.Path(workspace))
			return nil
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			log := cliLogger()
			a, err := app.Open(ctx, viper.GetString("workspace"), log)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.Engine.SyncAgents(ctx); err != nil {
				return err
			}
			handler, err := server.New(server.Config{Engine: a.Engine, Guard: a.Guard, BasePath: basePath})
			if err != nil {
				return err
			}
			if len(a.Config.Webhooks) > 0 {
				n := notify.New(a.Engine.Repo, a.Config.Webhooks, log)
				go n.Run(ctx)
				log.Info().Int("hooks", len(a.Config.Webhooks)).Msg("webhook notifier started")
			}
			if addr == "" {
				addr = a.Config.Server.Addr
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			fmt.Printf("Serving Foundry API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from foundry.yml)")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

func workerCmd() *cobra.Command {
	var concurrency int
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the job dispatcher",
		Long:  "Claims pending jobs and fans them out to the configured agent commands. Runs until interrupted; claimed-but-unstarted jobs are released on shutdown.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			log := cliLogger()
			a, err := app.Open(ctx, viper.GetString("workspace"), log)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.Engine.SyncAgents(ctx); err != nil {
				return err
			}
			if cmd.Flags().Changed("concurrency") {
				if concurrency < 1 {
					return fmt.Errorf("--concurrency must be >= 1")
				}
				a.Config.Dispatcher.Concurrency = concurrency
			}
			reg, err := buildRegistry(a.Config)
			if err != nil {
				return err
			}
			rt := agent.NewRuntime(a.DB, a.Guard, log)
			d := dispatch.New(a.DB, a.Config, reg, rt, log)
			log.Info().
				Int("concurrency", a.Config.Dispatcher.Concurrency).
				Strs("job_types", reg.Types()).
				Msg("worker started")
			return d.Run(ctx)
		},
	}
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "override dispatcher concurrency")
	return cmd
}

// buildRegistry binds each job type to the first roster agent of the matching
// role. Missing agents and unresolvable commands fail here, before the first
// claim.
func buildRegistry(cfg *config.Config) (*agent.Registry, error) {
	bindings := []struct {
		jobType   string
		agentType string
	}{
		{domain.JobIdeaRefine, domain.AgentClarifier},
		{domain.JobTicketDevelop, domain.AgentDeveloper},
		{domain.JobTicketBuild, domain.AgentBuilder},
		{domain.JobTicketTest, domain.AgentTester},
	}
	reg := agent.NewRegistry()
	for _, b := range bindings {
		a, ok := cfg.AgentByType(b.agentType)
		if !ok {
			return nil, fmt.Errorf("no %s agent in config; %s jobs need one", b.agentType, b.jobType)
		}
		if a.Command == "" {
			return nil, fmt.Errorf("agent %s has no command configured", a.ID)
		}
		exec := agent.CommandExecutor{Command: a.Command, Args: a.Args}
		if !exec.Available() {
			return nil, fmt.Errorf("agent %s command %q not found in PATH", a.ID, a.Command)
		}
		if err := reg.Register(b.jobType, a.ID, exec); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show pipeline status",
		Long:  "The scoreboard: idea, ticket, and job counts plus anything waiting on a human.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				ideas, err := a.Engine.Repo.IdeaStatusCounts(ctx)
				if err != nil {
					return err
				}
				tickets, err := a.Engine.Repo.TicketStatusCounts(ctx)
				if err != nil {
					return err
				}
				jobs, err := a.Engine.Queue.Counts(ctx)
				if err != nil {
					return err
				}
				att, err := a.Engine.NeedsAttention(ctx, projectID(a))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{
						"project":   projectID(a),
						"ideas":     ideas,
						"tickets":   tickets,
						"jobs":      jobs,
						"attention": att,
					})
				}
				fmt.Printf("Project: %s\n", projectID(a))
				printCounts("Ideas", ideas)
				printCounts("Tickets", tickets)
				printCounts("Jobs", jobs)
				if att.Empty() {
					fmt.Println("Nothing needs attention.")
					return nil
				}
				fmt.Println("Needs attention:")
				if n := len(att.PendingQuestions); n > 0 {
					fmt.Printf("  %d question(s) to answer (foundry question list)\n", n)
				}
				if n := len(att.ReviewTickets); n > 0 {
					fmt.Printf("  %d ticket(s) awaiting review (foundry ticket list --status review)\n", n)
				}
				if n := len(att.BlockedTickets); n > 0 {
					fmt.Printf("  %d blocked ticket(s) (foundry ticket list --status blocked)\n", n)
				}
				if n := len(att.FailedJobs); n > 0 {
					fmt.Printf("  %d failed job(s) (foundry job list --status failed)\n", n)
				}
				return nil
			})
		},
	}
	return cmd
}

func printCounts(label string, counts map[string]int) {
	if len(counts) == 0 {
		fmt.Printf("%s: none\n", label)
		return
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, counts[k]))
	}
	fmt.Printf("%s: %s\n", label, strings.Join(parts, " "))
}

func ideaCmd() *cobra.Command {
	idea := &cobra.Command{
		Use:   "idea",
		Short: "Manage ideas",
		Long:  "Ideas are raw proposals. Submit one and the clarifier refines it, possibly raising questions; once the questions are settled you approve it into a ticket or reject it.",
	}
	idea.AddCommand(ideaSubmitCmd())
	idea.AddCommand(ideaListCmd())
	idea.AddCommand(ideaShowCmd())
	idea.AddCommand(ideaApproveCmd())
	idea.AddCommand(ideaRejectCmd())
	return idea
}

func ideaSubmitCmd() *cobra.Command {
	var title, description string
	var priority int
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit an idea",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				i, err := a.Engine.SubmitIdea(ctx, engine.IdeaSubmitOptions{
					ProjectID:   projectID(a),
					Title:       title,
					Description: description,
					Priority:    priority,
					Actor:       viper.GetString("actor"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(i)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "idea title")
	cmd.Flags().StringVar(&description, "description", "", "idea description")
	cmd.Flags().IntVar(&priority, "priority", 0, "priority (higher wins)")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func ideaListCmd() *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List ideas",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				items, err := a.Engine.Repo.ListIdeas(ctx, projectID(a), status, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Priority", "Updated"})
				for _, i := range items {
					tw.AppendRow(table.Row{i.ID, i.Title, i.Status, i.Priority, i.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func ideaShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show an idea with its questions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				i, err := a.Engine.Repo.GetIdea(ctx, args[0])
				if err != nil {
					return err
				}
				qs, err := a.Engine.Repo.ListQuestions(ctx, i.ID, "", 0)
				if err != nil {
					return err
				}
				out := struct {
					domain.Idea
					Questions []domain.Question `json:"questions"`
				}{i, qs}
				return printJSONOrTable(out)
			})
		},
	}
	return cmd
}

func ideaApproveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approve <id>",
		Short: "Approve an idea into a ticket",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				t, err := a.Engine.ApproveIdea(ctx, args[0], viper.GetString("actor"))
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
		Args: cobra.ExactArgs(1),
	}
	return cmd
}

func ideaRejectCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "reject <id>",
		Short: "Reject an idea",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				i, err := a.Engine.RejectIdea(ctx, args[0], reason, viper.GetString("actor"))
				if err != nil {
					return err
				}
				return printJSONOrTable(i)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "rejection reason")
	return cmd
}

func questionCmd() *cobra.Command {
	q := &cobra.Command{
		Use:   "question",
		Short: "Answer or skip clarifier questions",
	}
	q.AddCommand(questionListCmd())
	q.AddCommand(questionAnswerCmd())
	q.AddCommand(questionSkipCmd())
	return q
}

func questionListCmd() *cobra.Command {
	var ideaID, status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List questions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				items, err := a.Engine.Repo.ListQuestions(ctx, ideaID, status, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Idea", "Question", "Status"})
				for _, q := range items {
					tw.AppendRow(table.Row{q.ID, q.IdeaID, q.Text, q.Status})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&ideaID, "idea", "", "idea id filter")
	cmd.Flags().StringVar(&status, "status", "pending", "status filter (empty for all)")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func questionAnswerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "answer <id> <answer...>",
		Short: "Answer a question",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			answer := strings.Join(args[1:], " ")
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				q, err := a.Engine.AnswerQuestion(ctx, args[0], answer, viper.GetString("actor"))
				if err != nil {
					return err
				}
				return printJSONOrTable(q)
			})
		},
	}
	return cmd
}

func questionSkipCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "skip <id>",
		Short: "Skip a question",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				q, err := a.Engine.SkipQuestion(ctx, args[0], viper.GetString("actor"))
				if err != nil {
					return err
				}
				return printJSONOrTable(q)
			})
		},
	}
	return cmd
}

func ticketCmd() *cobra.Command {
	t := &cobra.Command{
		Use:   "ticket",
		Short: "Manage tickets",
		Long:  "Tickets flow queued -> in_progress -> review -> done. The develop/build/test jobs run automatically; you review the result, request changes, or approve.",
	}
	t.AddCommand(ticketCreateCmd())
	t.AddCommand(ticketListCmd())
	t.AddCommand(ticketShowCmd())
	t.AddCommand(ticketStartCmd())
	t.AddCommand(ticketApproveCmd())
	t.AddCommand(ticketRequestChangesCmd())
	t.AddCommand(ticketCancelCmd())
	t.AddCommand(ticketRequeueCmd())
	return t
}

func ticketCreateCmd() *cobra.Command {
	var title, ticketType, spec string
	var priority int
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a ticket directly, without an idea",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				t, err := a.Engine.CreateTicket(ctx, engine.TicketCreateOptions{
					ProjectID: projectID(a),
					Type:      ticketType,
					Title:     title,
					Priority:  priority,
					SpecJSON:  spec,
					Actor:     viper.GetString("actor"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "ticket title")
	cmd.Flags().StringVar(&ticketType, "type", "feature", "ticket type (feature|bugfix|refactor|chore)")
	cmd.Flags().IntVar(&priority, "priority", 0, "priority (higher wins)")
	cmd.Flags().StringVar(&spec, "spec", "", "spec JSON")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func ticketListCmd() *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tickets",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				items, err := a.Engine.Repo.ListTickets(ctx, projectID(a), status, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Type", "Status", "Priority", "Cycles", "Tests"})
				for _, t := range items {
					tests := "-"
					if t.TestsPassed {
						tests = "pass"
					}
					tw.AppendRow(table.Row{t.ID, t.Title, t.Type, t.Status, t.Priority, t.DevCycles, tests})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func ticketShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a ticket with its subtasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				t, err := a.Engine.Repo.GetTicket(ctx, args[0])
				if err != nil {
					return err
				}
				subs, err := a.Engine.Repo.ListSubtasks(ctx, t.ID)
				if err != nil {
					return err
				}
				out := struct {
					domain.Ticket
					Subtasks []domain.Subtask `json:"subtasks"`
				}{t, subs}
				return printJSONOrTable(out)
			})
		},
	}
	return cmd
}

func ticketStartCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start <id>",
		Short: "Start a queued ticket",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				t, err := a.Engine.StartTicket(ctx, args[0], viper.GetString("actor"))
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func ticketApproveCmd() *cobra.Command {
	var note string
	cmd := &cobra.Command{
		Use:   "approve <id>",
		Short: "Approve a reviewed ticket as done",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				t, err := a.Engine.ApproveTicket(ctx, args[0], note, viper.GetString("actor"))
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&note, "note", "", "approval note")
	return cmd
}

func ticketRequestChangesCmd() *cobra.Command {
	var feedback string
	cmd := &cobra.Command{
		Use:   "request-changes <id>",
		Short: "Send a reviewed ticket back for another dev cycle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				t, err := a.Engine.RequestChanges(ctx, args[0], feedback, viper.GetString("actor"))
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&feedback, "feedback", "", "what to change")
	_ = cmd.MarkFlagRequired("feedback")
	return cmd
}

func ticketCancelCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a ticket and its queued jobs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				t, err := a.Engine.CancelTicket(ctx, args[0], reason, viper.GetString("actor"))
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "cancellation reason")
	return cmd
}

func ticketRequeueCmd() *cobra.Command {
	var guidance string
	cmd := &cobra.Command{
		Use:   "requeue <id>",
		Short: "Put a blocked ticket back through development",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				t, err := a.Engine.RequeueTicket(ctx, args[0], guidance, viper.GetString("actor"))
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&guidance, "guidance", "", "guidance for the next attempt")
	return cmd
}

func subtaskCmd() *cobra.Command {
	s := &cobra.Command{
		Use:   "subtask",
		Short: "Manage ticket subtasks",
	}
	s.AddCommand(subtaskAddCmd())
	s.AddCommand(subtaskListCmd())
	s.AddCommand(subtaskStartCmd())
	s.AddCommand(subtaskDoneCmd())
	s.AddCommand(subtaskSkipCmd())
	return s
}

func subtaskAddCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add <ticket-id> <title...>",
		Short: "Add a subtask to a ticket",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			title := strings.Join(args[1:], " ")
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				s, err := a.Engine.AddSubtask(ctx, args[0], title, viper.GetString("actor"))
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	return cmd
}

func subtaskListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list <ticket-id>",
		Short: "List a ticket's subtasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				items, err := a.Engine.Repo.ListSubtasks(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"#", "ID", "Title", "Status"})
				for _, s := range items {
					tw.AppendRow(table.Row{s.OrderIndex, s.ID, s.Title, s.Status})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func subtaskStartCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start <id>",
		Short: "Start a subtask",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				s, err := a.Engine.StartSubtask(ctx, args[0], viper.GetString("actor"))
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	return cmd
}

func subtaskDoneCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "done <id>",
		Short: "Mark a subtask done",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				s, err := a.Engine.CompleteSubtask(ctx, args[0], viper.GetString("actor"))
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	return cmd
}

func subtaskSkipCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "skip <id>",
		Short: "Skip a subtask",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				s, err := a.Engine.SkipSubtask(ctx, args[0], viper.GetString("actor"))
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	return cmd
}

func jobCmd() *cobra.Command {
	j := &cobra.Command{
		Use:   "job",
		Short: "Inspect and manage queue jobs",
	}
	j.AddCommand(jobListCmd())
	j.AddCommand(jobShowCmd())
	j.AddCommand(jobCancelCmd())
	j.AddCommand(jobRetryCmd())
	j.AddCommand(jobPruneCmd())
	return j
}

func jobListCmd() *cobra.Command {
	var status, jobType string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				items, err := a.Engine.Queue.List(ctx, status, jobType, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Type", "Status", "Attempts", "Priority", "Scheduled", "Error"})
				for _, j := range items {
					errMsg := ""
					if j.Error != nil {
						errMsg = *j.Error
					}
					tw.AppendRow(table.Row{j.ID, j.Type, j.Status, fmt.Sprintf("%d/%d", j.Attempts, j.MaxAttempts), j.Priority, j.ScheduledAt, errMsg})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().StringVar(&jobType, "type", "", "job type filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func jobShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				j, err := a.Engine.Queue.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(j)
			})
		},
	}
	return cmd
}

func jobCancelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a pending or running job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				if err := a.Engine.CancelJob(ctx, args[0]); err != nil {
					return err
				}
				j, err := a.Engine.Queue.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(j)
			})
		},
	}
	return cmd
}

func jobRetryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "retry <id>",
		Short: "Requeue a failed job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				if err := a.Engine.RetryJob(ctx, args[0]); err != nil {
					return err
				}
				j, err := a.Engine.Queue.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(j)
			})
		},
	}
	return cmd
}

func jobPruneCmd() *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete old terminal jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				n, err := a.Engine.PruneJobs(ctx, olderThan)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"pruned": n})
				}
				fmt.Printf("Pruned %d job(s)\n", n)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 168*time.Hour, "age threshold for done/failed/cancelled jobs")
	return cmd
}

func runCmd() *cobra.Command {
	r := &cobra.Command{
		Use:   "run",
		Short: "Inspect agent runs",
	}
	r.AddCommand(runListCmd())
	r.AddCommand(runShowCmd())
	return r
}

func runListCmd() *cobra.Command {
	var agentID, jobID string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List agent runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				items, err := a.Engine.Repo.ListAgentRuns(ctx, agentID, jobID, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Agent", "Status", "Tokens", "Cost", "Started"})
				for _, r := range items {
					tw.AppendRow(table.Row{r.ID, r.AgentID, r.Status, r.TokensUsed, fmt.Sprintf("$%.4f", r.CostUSD), r.StartedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "", "agent id filter")
	cmd.Flags().StringVar(&jobID, "job", "", "job id filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func runShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show an agent run with its logs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				r, err := a.Engine.Repo.GetAgentRun(ctx, args[0])
				if err != nil {
					return err
				}
				logs, err := a.Engine.Repo.ListRunLogs(ctx, r.ID)
				if err != nil {
					return err
				}
				out := struct {
					domain.AgentRun
					Logs []domain.RunLog `json:"logs"`
				}{r, logs}
				return printJSONOrTable(out)
			})
		},
	}
	return cmd
}

func agentCmd() *cobra.Command {
	a := &cobra.Command{
		Use:   "agent",
		Short: "Inspect the agent roster",
	}
	a.AddCommand(agentListCmd())
	return a
}

func agentListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				if err := a.Engine.SyncAgents(ctx); err != nil {
					return err
				}
				items, err := a.Engine.Repo.ListAgents(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Type", "Model", "Timeout", "MaxConc", "EstCost"})
				for _, ag := range items {
					tw.AppendRow(table.Row{ag.ID, ag.Name, ag.Type, ag.Model, fmt.Sprintf("%ds", ag.TimeoutSeconds), ag.MaxConcurrency, fmt.Sprintf("$%.2f", ag.EstimatedCostUSD)})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func budgetCmd() *cobra.Command {
	b := &cobra.Command{
		Use:   "budget",
		Short: "Inspect spend against ceilings",
	}
	b.AddCommand(budgetStatusCmd())
	return b
}

func budgetStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show spend per budget window",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				u, err := a.Guard.Usage(ctx, budget.Scope{ProjectID: projectID(a)})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(u)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Window", "Limit", "Spent", "Remaining"})
				for _, w := range u.Windows {
					limit, remaining := "unlimited", ""
					if w.LimitUSD > 0 {
						limit = fmt.Sprintf("$%.2f", w.LimitUSD)
						remaining = fmt.Sprintf("$%.2f", w.RemainingUSD)
					}
					tw.AppendRow(table.Row{w.Scope, limit, fmt.Sprintf("$%.2f", w.SpentUSD), remaining})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	l := &cobra.Command{
		Use:   "log",
		Short: "Event log",
	}
	l.AddCommand(logTailCmd())
	return l
}

func logTailCmd() *cobra.Command {
	var n int
	var entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				events, err := a.Engine.Repo.ListEvents(ctx, entityKind, entityID, n)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind filter")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id filter")
	return cmd
}

// --- helpers ---

func withApp(ctx context.Context, fn func(context.Context, *app.Context) error) error {
	a, err := app.Open(ctx, viper.GetString("workspace"), cliLogger())
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func cliLogger() logging.Logger {
	return logging.New(viper.GetBool("debug"), viper.GetBool("json"))
}

func projectID(a *app.Context) string {
	if p := viper.GetString("project"); p != "" {
		return p
	}
	return a.Config.Project.ID
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
