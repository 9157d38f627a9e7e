// Package main implements the orbit CLI for talking to an orbitd server.
package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type options struct {
	server  string
	user    string
	timeout time.Duration
	noColor bool
}

func (o *options) client() *client {
	return newClient(o.server, o.timeout)
}

func defaultUser() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "cli"
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:   "orbit",
		Short: "CLI for the orbit task agent",
		Long: `orbit sends requests to an orbitd server, answers its confirmation
prompts and shows task progress.`,
		Version:      version,
		SilenceUsage: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			if opts.noColor {
				color.NoColor = true
			}
		},
	}
	root.PersistentFlags().StringVar(&opts.server, "server", "http://127.0.0.1:9191", "orbitd server URL")
	root.PersistentFlags().StringVar(&opts.user, "user", defaultUser(), "user id tasks are run as")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 5*time.Minute, "request timeout")
	root.PersistentFlags().BoolVar(&opts.noColor, "no-color", false, "disable colored output")

	root.AddCommand(
		newAskCmd(opts),
		newConfirmCmd(opts),
		newStatusCmd(opts),
		newTasksCmd(opts),
		newCapabilitiesCmd(opts),
		newHealthCmd(opts),
		newVersionCmd(),
	)
	return root
}

func newAskCmd(opts *options) *cobra.Command {
	var taskID string
	cmd := &cobra.Command{
		Use:   "ask <message>",
		Short: "Send a request to the agent",
		Long: `Send a request to the agent and print its reply.

Examples:
  # Start a new task
  orbit ask "show the last three commits"

  # Continue an existing task
  orbit ask --task 7c0e... "and push them"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reply, err := opts.client().ask(cmd.Context(), taskID, opts.user, strings.Join(args, " "))
			if err != nil {
				return err
			}
			printReply(cmd.OutOrStdout(), reply)
			return nil
		},
	}
	cmd.Flags().StringVar(&taskID, "task", "", "continue this task instead of starting a new one")
	return cmd
}

func newConfirmCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "confirm <task-id> <yes|no>",
		Short: "Answer a pending confirmation",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			reply, err := opts.client().confirm(cmd.Context(), args[0], opts.user, strings.Join(args[1:], " "))
			if err != nil {
				return err
			}
			printReply(cmd.OutOrStdout(), reply)
			return nil
		},
	}
}

func newStatusCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status <task-id>",
		Short: "Show the state of a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := opts.client().status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printStatus(cmd.OutOrStdout(), st)
			return nil
		},
	}
}

func newTasksCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "tasks",
		Short: "List the tasks of the current user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			list, err := opts.client().tasks(cmd.Context(), opts.user)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if len(list.Tasks) == 0 {
				fmt.Fprintf(w, "No tasks for %s\n", list.UserID)
				return nil
			}
			tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TASK\tGEN\tPHASE\tUPDATED\tGOAL")
			for _, t := range list.Tasks {
				fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\n",
					t.TaskID, t.Generation, phaseColor(t.Phase, t.AwaitingConfirmation),
					t.UpdatedAt.Local().Format(time.DateTime), t.Goal)
			}
			return tw.Flush()
		},
	}
}

func newCapabilitiesCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "capabilities",
		Short: "List the actions the agent can take",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			caps, err := opts.client().capabilities(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tRISK\tDESCRIPTION")
			for _, c := range caps {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", c.Name, tierColor(c.RiskTier), c.Description)
			}
			return tw.Flush()
		},
	}
}

func newHealthCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check orbitd server health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			h, err := opts.client().health(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Server status: %s\n", color.GreenString(h.Status))
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "orbit %s (%s)\n", version, gitCommit)
		},
	}
}

func printReply(w io.Writer, r *Reply) {
	fmt.Fprintln(w, r.Text)
	switch {
	case r.AwaitingConfirmation:
		fmt.Fprintln(w)
		fmt.Fprintf(w, "%s orbit confirm %s yes|no\n", color.YellowString("Waiting for confirmation:"), r.TaskID)
	case r.Failure != "":
		fmt.Fprintf(w, "%s %s (task %s)\n", color.RedString("Failed:"), r.Failure, r.TaskID)
	default:
		fmt.Fprintf(w, "%s\n", color.HiBlackString("task %s", r.TaskID))
	}
}

func printStatus(w io.Writer, st *Status) {
	fmt.Fprintf(w, "Task:       %s (generation %d)\n", st.TaskID, st.Generation)
	fmt.Fprintf(w, "Phase:      %s\n", phaseColor(st.Phase, st.AwaitingConfirmation))
	if st.Goal != "" {
		fmt.Fprintf(w, "Goal:       %s\n", st.Goal)
	}
	fmt.Fprintf(w, "Iterations: %d\n", st.Iterations)
	if st.Failure != "" {
		fmt.Fprintf(w, "Failure:    %s\n", color.RedString(st.Failure))
	}
	if len(st.Steps) > 0 {
		fmt.Fprintln(w)
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "STEP\tACTION\tSTATUS\tATTEMPTS\tERROR")
		for _, s := range st.Steps {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", s.ID, s.Action, stepColor(s.Status), s.Attempts, s.LastError)
		}
		_ = tw.Flush()
	}
	if st.AwaitingConfirmation {
		fmt.Fprintln(w)
		fmt.Fprintln(w, color.YellowString(st.ConfirmationPrompt))
	}
}

func phaseColor(phase string, awaiting bool) string {
	switch {
	case awaiting:
		return color.YellowString(phase)
	case phase == "done":
		return color.GreenString(phase)
	default:
		return color.CyanString(phase)
	}
}

func stepColor(status string) string {
	switch status {
	case "completed":
		return color.GreenString(status)
	case "failed":
		return color.RedString(status)
	case "awaiting_confirmation":
		return color.YellowString(status)
	default:
		return status
	}
}

func tierColor(tier string) string {
	switch tier {
	case "high", "critical":
		return color.RedString(tier)
	case "medium":
		return color.YellowString(tier)
	default:
		return tier
	}
}
