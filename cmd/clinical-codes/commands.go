package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/clinical-codes-finder/internal/config"
	"github.com/clinical-codes-finder/internal/domain"
	"github.com/clinical-codes-finder/internal/setup"
	"github.com/clinical-codes-finder/internal/workflow"
)

const cliSessionID = "cli"

type globalOptions struct {
	configFile string
	provider   string
	logLevel   string
}

// loadRuntime reads configuration, applies flag overrides and builds the
// shared services.
func loadRuntime(ctx context.Context, opts *globalOptions) (*workflow.Runtime, error) {
	var managerOpts []config.ManagerOption
	if opts.configFile != "" {
		managerOpts = append(managerOpts, config.WithConfigFile(opts.configFile))
	}
	configManager, err := config.NewManager(managerOpts...)
	if err != nil {
		return nil, err
	}

	cfg := configManager.GetConfig()
	if opts.provider != "" {
		cfg.LLM.Provider = opts.provider
	}
	if opts.logLevel != "" {
		cfg.Logging.Level = opts.logLevel
	}
	if err := configManager.Validate(); err != nil {
		return nil, err
	}

	return workflow.NewRuntime(ctx, cfg, config.NewLogger(cfg.Logging))
}

func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
}

func chatCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive session",
		Long: `Start an interactive session. Follow-up questions refer to earlier turns,
for example "diabetes type 2" followed by "what is the lab test for it?".

Type "reset" to forget the conversation, "history" to list turns and "exit" to quit.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd)
			defer cancel()

			runtime, err := loadRuntime(ctx, opts)
			if err != nil {
				return err
			}
			defer runtime.Close()

			return runChat(ctx, runtime.NewOrchestrator(cliSessionID), cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
}

func runChat(ctx context.Context, session *workflow.Orchestrator, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	fmt.Fprintln(out, `Clinical code finder. Type "exit" to quit.`)

	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}

		line := strings.TrimSpace(scanner.Text())
		switch strings.ToLower(line) {
		case "":
			continue
		case "exit", "quit":
			return nil
		case "reset":
			session.ResetConversation()
			fmt.Fprintln(out, "Conversation reset.")
			continue
		case "history":
			renderHistory(out, session.History())
			continue
		}

		result, err := session.SubmitQuery(ctx, line)
		if err != nil {
			renderError(out, err)
			if ctx.Err() != nil {
				return nil
			}
			continue
		}
		renderTurn(out, result)
	}
}

func queryCmd(opts *globalOptions) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "query <utterance>...",
		Short: "Run one or more utterances as consecutive turns",
		Example: `  clinical-codes query "diabetes type 2"
  clinical-codes query "diabetes type 2" "what is the lab test for it?"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd)
			defer cancel()

			runtime, err := loadRuntime(ctx, opts)
			if err != nil {
				return err
			}
			defer runtime.Close()

			return runQueries(ctx, runtime.NewOrchestrator(cliSessionID), args, asJSON, cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print each turn as JSON")

	return cmd
}

func runQueries(ctx context.Context, session *workflow.Orchestrator, utterances []string, asJSON bool, out io.Writer) error {
	failed := 0
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")

	for _, utterance := range utterances {
		result, err := session.SubmitQuery(ctx, utterance)
		if err != nil {
			failed++
			if asJSON {
				_ = enc.Encode(map[string]string{
					"utterance": utterance,
					"error":     string(domain.KindOf(err)),
					"message":   err.Error(),
				})
			} else {
				renderError(out, err)
			}
			continue
		}

		if asJSON {
			if err := enc.Encode(result); err != nil {
				return err
			}
		} else {
			renderTurn(out, result)
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d queries failed", failed, len(utterances))
	}
	return nil
}

func systemsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "systems",
		Short: "List supported coding systems",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			renderSystems(cmd.OutOrStdout())
		},
	}
}

func setupCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Register the MCP server with Claude Desktop",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if configPath != "" {
				return nil
			}
			path, err := setup.GetClaudeDesktopConfigPath()
			if err != nil {
				return err
			}
			configPath = path
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&configPath, "client-config", "", "path to claude_desktop_config.json")

	var binary string
	var env []string
	install := &cobra.Command{
		Use:   "install",
		Short: "Add or update the server entry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			vars, err := parseEnv(env)
			if err != nil {
				return err
			}
			entry, err := setup.Register(configPath, setup.Options{BinaryPath: binary, Env: vars})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Registered %s -> %s in %s\nRestart Claude Desktop to pick it up.\n", setup.ServerName, entry.Command, configPath)
			return nil
		},
	}
	install.Flags().StringVarP(&binary, "binary", "b", "", "path to the mcp-server binary (default: search PATH)")
	install.Flags().StringArrayVarP(&env, "env", "e", nil, "environment passed to the server, KEY=VALUE (repeatable)")

	status := &cobra.Command{
		Use:   "status",
		Short: "Show the registration status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := setup.GetStatus(configPath)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Config file: %s\n", st.ConfigPath)
			fmt.Fprintf(out, "Registered:  %t\n", st.Registered)
			if st.Registered {
				fmt.Fprintf(out, "Command:     %s\n", st.Server.Command)
			}
			for _, issue := range st.Issues {
				fmt.Fprintf(out, "  ! %s\n", issue)
			}
			return nil
		},
	}

	remove := &cobra.Command{
		Use:   "remove",
		Short: "Remove the server entry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			removed, err := setup.Unregister(configPath)
			if err != nil {
				return err
			}
			if !removed {
				fmt.Fprintln(cmd.OutOrStdout(), "Nothing to remove.")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %s from %s\n", setup.ServerName, configPath)
			return nil
		},
	}

	cmd.AddCommand(install, status, remove)
	return cmd
}

func parseEnv(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	vars := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --env %q, expected KEY=VALUE", pair)
		}
		vars[key] = value
	}
	return vars, nil
}
