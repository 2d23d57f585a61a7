package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/songzhibin97/chatflow-engine/config"
	"github.com/songzhibin97/chatflow-engine/gateway"
	"github.com/songzhibin97/chatflow-engine/logger"
	"github.com/songzhibin97/chatflow-engine/workflow"
	"github.com/spf13/cobra"
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Talk to the active flow in the terminal",
	Long: `Starts the bot's active flow for one user and reads answers from stdin.
Type the number of a button to press it, any other text is sent as a
message. "/start" restarts the flow, "exit" quits.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		envFile, _ := cmd.Flags().GetString("env")
		cfg, err := config.Load(envFile)
		if err != nil {
			return err
		}
		userID, _ := cmd.Flags().GetString("user")
		return runChat(cmd.Context(), cfg, userID, cmd.InOrStdin(), cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.AddCommand(chatCmd)
	chatCmd.Flags().String("user", "local", "User ID the conversation runs as")
}

func runChat(ctx context.Context, cfg *config.Config, userID string, in io.Reader, out io.Writer) error {
	// Keep log lines out of the conversation.
	logCfg := cfg.Logger()
	if logCfg.Output == "" || logCfg.Output == "stdout" {
		logCfg.Output = "stderr"
	}
	log, err := logger.Init(logCfg)
	if err != nil {
		return err
	}

	console := gateway.NewConsole(out)
	a, err := newApp(ctx, cfg, console, log)
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	outcome, err := a.engine.OnStart(ctx, userID)
	report(out, outcome, err)

	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "you> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "exit", "quit":
			fmt.Fprintln(out, "Bye!")
			return nil
		}

		if n, err := strconv.Atoi(line); err == nil {
			if token, ok := console.Choice(n); ok {
				outcome, err := a.engine.OnCallback(ctx, userID, token)
				report(out, outcome, err)
				continue
			}
		}
		outcome, err := a.engine.OnText(ctx, userID, line)
		report(out, outcome, err)
	}
}

func report(out io.Writer, outcome *workflow.Outcome, err error) {
	for _, n := range outcome.Notices {
		fmt.Fprintf(out, "  (%s)\n", n)
	}
	if err != nil && !errors.Is(err, workflow.ErrInvalidCallback) {
		fmt.Fprintf(out, "  error: %v\n", err)
	}
	if outcome.State == workflow.StateTerminal && len(outcome.Notices) == 0 {
		fmt.Fprintln(out, "  (flow ended, send /start to run it again)")
	}
}
