package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/yagent/agent-bridge/internal/bridge"
	"github.com/yagent/agent-bridge/internal/config"
	"github.com/yagent/agent-bridge/internal/git"
	"github.com/yagent/agent-bridge/internal/llm"
	"github.com/yagent/agent-bridge/internal/message"
	"github.com/yagent/agent-bridge/internal/output"
	"github.com/yagent/agent-bridge/internal/provider"
	"github.com/yagent/agent-bridge/internal/store"
	"github.com/yagent/agent-bridge/internal/target"
	"github.com/yagent/agent-bridge/internal/worker"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "agent-bridge",
	Short: "Run Claude Code rounds and stream them into chats",
	Long: "Runs the claude CLI locally, over SSH or in a remote sandbox, translates its\n" +
		"stream-json output into chat messages and stores them per chat.",
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run <prompt>",
	Short: "Run one round and print the messages",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, st, err := open()
		if err != nil {
			return err
		}
		defer st.Close()

		ctx, cancel := signalContext()
		defer cancel()

		chatID, _ := cmd.Flags().GetString("chat")
		prompt := strings.Join(args, " ")
		chatID, err = appendPrompt(ctx, st, chatID, prompt, cfg.Defaults.WorkDir)
		if err != nil {
			return err
		}

		backend, err := newBackend(cfg)
		if err != nil {
			return err
		}
		term := provider.NewTerminal(bridge.TerminalChannel)
		out := output.NewHandler(cfg.Defaults.OutputThreshold)
		runner := worker.New(st, backend,
			worker.WithDefaults(workerDefaults(cfg)),
			worker.WithObserver(func(_ string, msg message.Message) {
				post, ok := out.Render(msg)
				if !ok {
					return
				}
				if post.Text != "" {
					_ = term.Send(bridge.TerminalChannel, post.Text)
				}
				if post.File != nil {
					_ = term.SendFile(bridge.TerminalChannel, post.File.Name, post.File.Data)
				}
			}),
		)

		res, err := runner.RunChat(ctx, chatID)
		if err != nil {
			return err
		}
		fmt.Printf("%s\nchat: %s\n", bridge.Summary(res), chatID)
		if res.Status == llm.StatusError {
			return errors.New("round failed")
		}
		return nil
	},
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Serve the terminal and configured chat providers",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, st, err := open()
		if err != nil {
			return err
		}
		defer st.Close()

		backend, err := newBackend(cfg)
		if err != nil {
			return err
		}
		exec, err := target.New(cfg.VM.Target())
		if err != nil {
			return fmt.Errorf("create target: %w", err)
		}

		ctx, cancel := signalContext()
		defer cancel()

		b := bridge.New(cfg, cfgFile, st, backend,
			bridge.WithBranchFunc(git.NewInspector(exec).Branch),
		)
		slog.Info("starting bridge", "config", cfgFile, "target", cfg.VM.Target().Kind())
		return b.Start(ctx)
	},
}

var importCmd = &cobra.Command{
	Use:   "import [dir]",
	Short: "Import Claude Code transcripts into the store",
	Long:  "Imports <dir>/<project>/<session>.jsonl transcripts. dir defaults to ~/.claude/projects.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, st, err := open()
		if err != nil {
			return err
		}
		defer st.Close()

		dir := "~/.claude/projects"
		if len(args) == 1 {
			dir = args[0]
		}
		project, _ := cmd.Flags().GetString("project")

		stats, err := importTranscripts(cmd.Context(), st, target.ExpandHome(dir), project)
		if err != nil {
			return err
		}
		fmt.Printf("imported %d, updated %d, skipped %d\n", stats.Created, stats.Updated, stats.Skipped)
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history [chat-id]",
	Short: "Print the messages of a chat, or list chats",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, st, err := open()
		if err != nil {
			return err
		}
		defer st.Close()

		asJSON, _ := cmd.Flags().GetBool("json")
		if len(args) == 0 {
			return listChats(cmd.Context(), st, cmd.OutOrStdout())
		}
		return printHistory(cmd.Context(), st, args[0], asJSON, cmd.OutOrStdout())
	},
}

var execCmd = &cobra.Command{
	Use:   "exec -- <command> [args...]",
	Short: "Run a command on the configured target",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		exec, err := target.New(cfg.VM.Target())
		if err != nil {
			return fmt.Errorf("create target: %w", err)
		}

		dir, _ := cmd.Flags().GetString("dir")
		if dir == "" {
			dir = cfg.VM.WorkDir
		}
		timeout, _ := cmd.Flags().GetDuration("timeout")
		var stdin *string
		if cmd.Flags().Changed("stdin") {
			s, _ := cmd.Flags().GetString("stdin")
			stdin = &s
		}

		ctx, cancel := signalContext()
		defer cancel()
		out, err := exec.Execute(ctx, args, stdin, dir, timeout)
		fmt.Fprint(cmd.OutOrStdout(), out)
		return err
	},
}

var addChannelCmd = &cobra.Command{
	Use:   "add-channel <name>",
	Short: "Bind a chat channel in the configuration",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		providerFlag, _ := cmd.Flags().GetString("provider")
		channelFlag, _ := cmd.Flags().GetString("channel-id")
		dirFlag, _ := cmd.Flags().GetString("work-dir")
		chatFlag, _ := cmd.Flags().GetString("chat")

		ch := config.ChannelConfig{
			Provider:  providerFlag,
			ChannelID: channelFlag,
			ChatID:    chatFlag,
			WorkDir:   dirFlag,
		}
		if err := config.AddChannel(cfgFile, args[0], ch); err != nil {
			return err
		}
		fmt.Printf("Added channel %q to %s\n", args[0], cfgFile)
		return nil
	},
}

var removeChannelCmd = &cobra.Command{
	Use:   "remove-channel <name>",
	Short: "Remove a channel binding from the configuration",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.RemoveChannel(cfgFile, args[0]); err != nil {
			return err
		}
		fmt.Printf("Removed channel %q from %s\n", args[0], cfgFile)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", config.DefaultPath(), "config file path")

	rootCmd.AddCommand(runCmd, chatCmd, importCmd, historyCmd, execCmd, addChannelCmd, removeChannelCmd)

	runCmd.Flags().String("chat", "", "Chat id to continue (default: a new chat)")
	importCmd.Flags().String("project", "", "Only import this project directory")
	historyCmd.Flags().Bool("json", false, "Print messages as JSON lines")

	execCmd.Flags().String("dir", "", "Working directory (default: vm.work_dir)")
	execCmd.Flags().String("stdin", "", "Text passed on standard input")
	execCmd.Flags().Duration("timeout", 2*time.Minute, "Command timeout")

	addChannelCmd.Flags().String("provider", "discord", "Chat provider (discord, terminal)")
	addChannelCmd.Flags().String("channel-id", "", "Provider channel id")
	addChannelCmd.Flags().String("work-dir", "", "Working directory for rounds in this channel")
	addChannelCmd.Flags().String("chat", "", "Existing chat id to bind")
	_ = addChannelCmd.MarkFlagRequired("channel-id")
}

// open loads the config, sets the log level and opens the store.
func open() (*config.Config, *store.SQLiteStore, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	setLogLevel(cfg.Defaults.GetLogLevel())

	st, err := store.NewSQLiteStore(cfg.Defaults.GetDBPath())
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	return cfg, st, nil
}

func newBackend(cfg *config.Config) (llm.LLM, error) {
	backend, err := llm.New(cfg.Defaults.LLM,
		llm.WithClaudePath(cfg.Defaults.GetClaudePath()),
		llm.WithVM(cfg.VM.Target()),
		llm.WithRemoteTimeout(cfg.Defaults.GetRemoteTimeoutDuration()),
		llm.WithPollInterval(cfg.Defaults.GetPollIntervalDuration()),
	)
	if err != nil {
		return nil, fmt.Errorf("create backend: %w", err)
	}
	return backend, nil
}

func workerDefaults(cfg *config.Config) worker.Defaults {
	workDir := cfg.Defaults.WorkDir
	if workDir == "" {
		workDir = cfg.VM.WorkDir
	}
	return worker.Defaults{
		Model:        cfg.Defaults.Model,
		MaxTurns:     cfg.Defaults.MaxTurns,
		SystemPrompt: cfg.Defaults.SystemPrompt,
		AllowedTools: cfg.Defaults.AllowedTools,
		WorkDir:      workDir,
	}
}

// appendPrompt stores prompt as the next user message of chatID, creating
// the chat when chatID is empty.
func appendPrompt(ctx context.Context, st *store.SQLiteStore, chatID, prompt, workDir string) (string, error) {
	if chatID == "" {
		chat := &store.Chat{Title: output.Truncate(prompt, 60), WorkDir: workDir}
		if err := st.CreateChat(ctx, chat); err != nil {
			return "", err
		}
		chatID = chat.ID
	}

	history, err := st.Messages(ctx, chatID)
	if err != nil {
		return "", err
	}
	user := message.Message{Role: message.RoleUser, ID: message.NewID(), Content: prompt}
	if len(history) > 0 {
		user.ParentID = history[len(history)-1].ID
	}
	user.Stamp(time.Now())
	if err := st.AppendMessage(ctx, chatID, user); err != nil {
		return "", err
	}
	return chatID, nil
}

// signalContext is cancelled on SIGINT or SIGTERM. A cancelled round ends
// as interrupted.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

var logLevel = new(slog.LevelVar)

func setLogLevel(l slog.Level) {
	logLevel.Set(l)
}

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	})))

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
