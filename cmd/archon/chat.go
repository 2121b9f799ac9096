package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dshills/archon-go/agent"
	"github.com/dshills/archon-go/graph/model"
)

const chatBanner = `Describe what you want to build. Each message continues the conversation.
Say "finish" to end it, or ask to "create tool" for a new plugin.`

func chatCmd(configPath *string) *cobra.Command {
	var (
		sessionID string
		logLevel  string
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Hold a conversation in the terminal",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			cfg.Log.Level = logLevel
			cfg.Log.Format = "console"

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			return runChat(ctx, a.sessions.Get(sessionID), cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "Session ID (defaults to sessions.default_id)")
	cmd.Flags().StringVar(&logLevel, "log-level", "warn", "Log level while chatting")
	return cmd
}

// runChat starts a flow with the first message and resumes it with each
// following one until the run completes or in is exhausted.
func runChat(ctx context.Context, o *agent.Orchestrator, in io.Reader, out io.Writer) error {
	fmt.Fprintln(out, chatBanner)

	scanner := bufio.NewScanner(in)
	started := false
	shown := 0
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		msg := strings.TrimSpace(scanner.Text())
		if msg == "" {
			continue
		}

		var (
			res agent.RunResult
			err error
		)
		if started {
			res, err = o.ResumeFlow(ctx, msg)
		} else {
			res, err = o.StartFlow(ctx, msg)
			if err == nil && res.State.Scope != "" {
				fmt.Fprintf(out, "\nScope:\n%s\n", res.State.Scope)
			}
		}
		if err != nil {
			return err
		}
		started = true

		shown = printReplies(out, res.State.Messages, shown)
		if res.Status == agent.StatusCompleted {
			printOutcome(out, res.State)
			return nil
		}
	}
}

// printReplies writes assistant messages after index from and returns the
// new message count.
func printReplies(out io.Writer, messages []model.Message, from int) int {
	for _, m := range messages[min(from, len(messages)):] {
		if m.Role == model.RoleAssistant {
			fmt.Fprintf(out, "\n%s\n", m.Content)
		}
	}
	return len(messages)
}

func printOutcome(out io.Writer, s agent.State) {
	if s.ToolCreationStatus != "" {
		fmt.Fprintf(out, "\nTool: %s\n", s.ToolCreationStatus)
	}
	if s.DiagnosticFeedback != "" {
		fmt.Fprintf(out, "\nDiagnostics:\n%s\n", s.DiagnosticFeedback)
	}
	fmt.Fprintln(out, "\nConversation complete.")
}
