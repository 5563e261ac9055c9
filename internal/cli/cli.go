// Package cli implements the interactive REPL of spec.md §6: a single
// command loop where any non-blank line not starting with "/" becomes one
// run(intent=user) call, plus a small set of "/"-prefixed admin commands.
// Grounded on basegraphhq-basegraph/codegraph/assistant/runner.go's
// bufio.Scanner prompt loop, wrapped in a github.com/spf13/cobra root
// command so --verbose is an ordinary flag instead of hand-rolled argument
// parsing, and rendered with
// github.com/charmbracelet/lipgloss the way
// emergent-company-emergent/tools/emergent-cli colors its output.
package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/loopworks/conductor/internal/orchestrator"
	"github.com/loopworks/conductor/internal/store"
)

var (
	errorStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	reminderStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	dimStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	promptStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true)
)

const helpText = `Commands:
  /exit, /quit, /q          exit
  /help                     this text
  /tools                    list registered tool names
  /history                  last 10 conversations
  /objective [show|set <text>|clear]   read/write the active project's objective
  /schedule list|upcoming|cancel <id>|pause <id>|resume <id>
  /improvements [N]         last N improvement attempts (default 5)
  /logout                   invalidate stored provider credentials
Anything else is sent to the agent.`

// REPL is the interactive command loop over an orchestrator.
type REPL struct {
	Orchestrator *orchestrator.Orchestrator
	ToolNames    func() []string
	ToolsPrompt  func() string
	Verbose      bool

	in  io.Reader
	out io.Writer
}

// New returns a REPL reading from in and writing to out.
func New(orch *orchestrator.Orchestrator, toolNames func() []string, toolsPrompt func() string, in io.Reader, out io.Writer) *REPL {
	return &REPL{Orchestrator: orch, ToolNames: toolNames, ToolsPrompt: toolsPrompt, in: in, out: out}
}

// Run executes the REPL loop until the user exits or stdin is closed. ctx is
// passed to every command and prompt it runs; the loop itself does not watch
// it while waiting for input. It returns a non-nil error only for unhandled
// failures reading input; a clean /exit returns nil.
func (r *REPL) Run(ctx context.Context) error {
	scanner := bufio.NewScanner(r.in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	fmt.Fprintln(r.out, "conductor is ready. Type /help for commands, /exit to quit.")

	for {
		r.drainReminders()

		fmt.Fprint(r.out, promptStyle.Render("» "))
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "/") {
			done, err := r.dispatch(ctx, line)
			if err != nil {
				fmt.Fprintln(r.out, errorStyle.Render("Error: "+err.Error()))
			}
			if done {
				return nil
			}
			continue
		}

		response := r.Orchestrator.Run(ctx, line, orchestrator.IntentUser)
		fmt.Fprintln(r.out, response)
	}
}

func (r *REPL) drainReminders() {
	for _, rem := range r.Orchestrator.DrainReminders() {
		fmt.Fprintln(r.out, reminderStyle.Render(fmt.Sprintf("[reminder] %s: %s", rem.Title, rem.Description)))
	}
}

// dispatch handles one "/"-prefixed line. done reports whether the REPL
// should exit.
func (r *REPL) dispatch(ctx context.Context, line string) (done bool, err error) {
	fields := strings.Fields(line)
	cmd := fields[0]
	args := fields[1:]

	switch cmd {
	case "/exit", "/quit", "/q":
		return true, nil
	case "/help":
		fmt.Fprintln(r.out, helpText)
	case "/tools":
		if r.ToolNames != nil {
			fmt.Fprintln(r.out, strings.Join(r.ToolNames(), ", "))
		}
	case "/history":
		r.printHistory(ctx)
	case "/objective":
		return false, r.objective(ctx, args)
	case "/schedule":
		return false, r.schedule(ctx, args)
	case "/improvements":
		return false, r.improvements(ctx, args)
	case "/logout":
		fmt.Fprintln(r.out, "stored provider credentials invalidated (no-op for API-key providers)")
	default:
		return false, fmt.Errorf("unknown command %q, try /help", cmd)
	}
	return false, nil
}

func (r *REPL) printHistory(ctx context.Context) {
	recent, err := r.Orchestrator.Store().RecentConversations(ctx, 10)
	if err != nil {
		fmt.Fprintln(r.out, errorStyle.Render("Error: "+err.Error()))
		return
	}
	for _, c := range recent {
		fmt.Fprintln(r.out, dimStyle.Render(c.Timestamp.Format("2006-01-02 15:04"))+" "+c.UserMsg)
		if c.AgentMsg != "" {
			fmt.Fprintln(r.out, "  "+c.AgentMsg)
		}
	}
}

func (r *REPL) objective(ctx context.Context, args []string) error {
	projectID := r.Orchestrator.ActiveProjectID()
	if projectID == "" {
		return fmt.Errorf("no active project — mention one with #slug first")
	}
	proj, err := r.Orchestrator.Store().GetProject(ctx, projectID)
	if err != nil {
		return err
	}

	sub := "show"
	if len(args) > 0 {
		sub = args[0]
	}
	switch sub {
	case "show":
		if proj.Objective == "" {
			fmt.Fprintln(r.out, "(no objective set)")
		} else {
			fmt.Fprintln(r.out, proj.Objective)
		}
		return nil
	case "set":
		text := strings.TrimSpace(strings.TrimPrefix(strings.TrimPrefix(strings.Join(args, " "), "set"), " "))
		if text == "" {
			return fmt.Errorf("usage: /objective set <text>")
		}
		proj.Objective = text
	case "clear":
		proj.Objective = ""
	default:
		return fmt.Errorf("usage: /objective [show|set <text>|clear]")
	}
	return r.Orchestrator.Store().UpsertProject(ctx, *proj)
}

func (r *REPL) schedule(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: /schedule list|upcoming|cancel <id>|pause <id>|resume <id>")
	}
	st := r.Orchestrator.Store()

	switch args[0] {
	case "list":
		items, err := st.ListScheduledItems(ctx)
		if err != nil {
			return err
		}
		r.printScheduledItems(items)
	case "upcoming":
		items, err := st.ListScheduledItems(ctx)
		if err != nil {
			return err
		}
		var upcoming []store.ScheduledItem
		for _, it := range items {
			if it.Status == "active" {
				upcoming = append(upcoming, it)
			}
		}
		r.printScheduledItems(upcoming)
	case "cancel", "pause", "resume":
		if len(args) < 2 {
			return fmt.Errorf("usage: /schedule %s <id>", args[0])
		}
		id := args[1]
		status := map[string]string{"cancel": "done", "pause": "paused", "resume": "active"}[args[0]]
		return st.SetScheduledItemStatus(ctx, id, status)
	default:
		return fmt.Errorf("usage: /schedule list|upcoming|cancel <id>|pause <id>|resume <id>")
	}
	return nil
}

func (r *REPL) printScheduledItems(items []store.ScheduledItem) {
	if len(items) == 0 {
		fmt.Fprintln(r.out, "(nothing scheduled)")
		return
	}
	for _, it := range items {
		next := ""
		if it.NextRunAt != nil {
			next = it.NextRunAt.Format("2006-01-02 15:04")
		}
		fmt.Fprintf(r.out, "[%s] %s (%s) status=%s next=%s\n", it.ID, it.Title, it.ItemType, it.Status, next)
	}
}

func (r *REPL) improvements(ctx context.Context, args []string) error {
	n := 5
	if len(args) > 0 {
		parsed, err := strconv.Atoi(args[0])
		if err != nil || parsed <= 0 {
			return fmt.Errorf("usage: /improvements [N]")
		}
		n = parsed
	}
	attempts, err := r.Orchestrator.Store().RecentImprovementAttempts(ctx, n)
	if err != nil {
		return err
	}
	if len(attempts) == 0 {
		fmt.Fprintln(r.out, "(no improvement attempts yet)")
		return nil
	}
	for _, a := range attempts {
		status := "no-op"
		if a.Merged {
			status = "merged"
		}
		if a.Error != "" {
			status = "error: " + a.Error
		}
		fmt.Fprintf(r.out, "cycle %d on %s: %s (%d tokens)\n", a.Cycle, a.Branch, status, a.TokensUsed)
	}
	return nil
}

// RootCommand returns the cobra root command that starts the REPL when run
// with no subcommand. run is invoked once Cobra has parsed flags, so
// --verbose can influence construction; it is responsible for building and
// running the REPL itself.
func RootCommand(run func(ctx context.Context, verbose bool) error) *cobra.Command {
	var verbose bool
	root := &cobra.Command{
		Use:           "conductor",
		Short:         "Interactive agent orchestration runtime",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), verbose)
		},
	}
	root.Flags().BoolVar(&verbose, "verbose", false, "show stack traces on unhandled errors")
	return root
}
