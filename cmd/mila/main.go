package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/stellarlinkco/milabot/internal/channel"
	"github.com/stellarlinkco/milabot/internal/config"
	"github.com/stellarlinkco/milabot/internal/gateway"
	"github.com/stellarlinkco/milabot/internal/llm"
	"github.com/stellarlinkco/milabot/internal/reminder"
	"github.com/stellarlinkco/milabot/internal/store"
)

const noProvidersHint = "no providers configured. Run 'mila onboard' and edit the config, or set OPENROUTER_API_KEY_1 / OPENROUTER_MODEL_1"

// ChatOptions for running chat with custom dependencies
type ChatOptions struct {
	Primary   llm.ChatClient
	Secondary llm.TextClient
	Stdin     io.Reader
	Stdout    io.Writer
	Stderr    io.Writer
}

// TickOptions for running one reminder pass with custom dependencies
type TickOptions struct {
	StoreFactory gateway.StoreFactory
	BotFactory   channel.BotFactory
	Stdout       io.Writer
}

var rootCmd = &cobra.Command{
	Use:          "mila",
	Short:        "mila - companion chat bot for Telegram",
	SilenceUsage: true,
}

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Run the bot (Telegram polling, reminders, health server)",
	RunE:  runGateway,
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Talk to Mila from the terminal, single message or REPL",
	RunE:  runChat,
}

var remindersCmd = &cobra.Command{
	Use:   "reminders",
	Short: "Reminder maintenance",
}

var remindersTickCmd = &cobra.Command{
	Use:   "tick",
	Short: "Run one reminder pass now (send, then clean up)",
	RunE:  runRemindersTick,
}

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Write the default config and reminder templates",
	RunE:  runOnboard,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show mila status",
	RunE:  runStatus,
}

var messageFlag string

func init() {
	chatCmd.Flags().StringVarP(&messageFlag, "message", "m", "", "Single message to send")
	remindersCmd.AddCommand(remindersTickCmd)
	rootCmd.AddCommand(gatewayCmd, chatCmd, remindersCmd, onboardCmd, statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig loads the config and installs the process logger.
func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := config.NewLogger(os.Stderr, cfg.Log)
	if err != nil {
		return nil, nil, err
	}
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func runGateway(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Telegram.Token == "" {
		return fmt.Errorf("telegram token not set. Run 'mila onboard' or set MILA_TELEGRAM_TOKEN")
	}
	if len(cfg.Providers) == 0 {
		return errors.New(noProvidersHint)
	}

	gw, err := gateway.NewWithOptions(cfg, gateway.Options{Logger: logger})
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}
	return gw.Run(cmd.Context())
}

// runChat is the command handler that uses default options
func runChat(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	return runChatWithOptions(cmd.Context(), cfg, logger, ChatOptions{})
}

// runChatWithOptions runs chat with injectable dependencies for testing
func runChatWithOptions(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ChatOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	orch, err := gateway.NewResponder(cfg, logger, opts.Primary, opts.Secondary)
	if err != nil {
		return fmt.Errorf("%w (%s)", err, noProvidersHint)
	}

	stdin := opts.Stdin
	if stdin == nil {
		stdin = os.Stdin
	}
	stdout := opts.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}
	stderr := opts.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}

	name := os.Getenv("USER")

	// Single message mode
	if messageFlag != "" {
		reply := orch.GetResponse(ctx, nil, messageFlag, name)
		fmt.Fprintln(stdout, reply.Text)
		if reply.Degraded() {
			fmt.Fprintln(stderr, "(all providers failed, fallback reply)")
		}
		return nil
	}

	// REPL mode
	limit := cfg.Responder.HistoryLimit
	var history []llm.Message
	fmt.Fprintln(stdout, "mila chat (type 'exit' to quit, '/clear' to forget)")
	scanner := bufio.NewScanner(stdin)
	for {
		fmt.Fprint(stdout, "\n> ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			break
		}
		if input == "/clear" {
			history = nil
			fmt.Fprintln(stdout, "history cleared")
			continue
		}

		reply := orch.GetResponse(ctx, history, input, name)
		fmt.Fprintln(stdout, reply.Text)

		history = append(history, llm.Message{Role: llm.RoleUser, Content: input})
		if reply.Degraded() {
			fmt.Fprintln(stderr, "(all providers failed, fallback reply)")
		} else {
			history = append(history, llm.Message{Role: llm.RoleAssistant, Content: reply.Text})
		}
		if limit > 0 && len(history) > limit {
			history = history[len(history)-limit:]
		}
	}
	return nil
}

func runRemindersTick(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	_, err = runTickWithOptions(cmd.Context(), cfg, logger, TickOptions{Stdout: cmd.OutOrStdout()})
	return err
}

// runTickWithOptions runs one reminder pass with injectable dependencies for testing
func runTickWithOptions(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts TickOptions) (reminder.TickReport, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	openStore := opts.StoreFactory
	if openStore == nil {
		openStore = store.Open
	}
	botFactory := opts.BotFactory
	stdout := opts.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}

	st, err := openStore(ctx, cfg.Storage, logger)
	if err != nil {
		return reminder.TickReport{}, fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	var tg *channel.TelegramChannel
	if botFactory == nil {
		tg, err = channel.NewTelegramChannel(cfg.Telegram, nil, logger)
	} else {
		tg, err = channel.NewTelegramChannelWithFactory(cfg.Telegram, nil, logger, botFactory)
	}
	if err != nil {
		return reminder.TickReport{}, err
	}
	if err := tg.Connect(); err != nil {
		return reminder.TickReport{}, err
	}

	mgr, err := gateway.NewReminderManager(cfg, st, tg, logger)
	if err != nil {
		return reminder.TickReport{}, err
	}
	report := mgr.Tick(ctx)
	fmt.Fprintf(stdout, "eligible=%d sent=%d send_failed=%d unreachable=%d expired=%d deleted=%d delete_failed=%d\n",
		report.Eligible, report.Sent, report.SendFailed, report.Unreachable,
		report.Expired, report.Deleted, report.DeleteFailed)
	return report, nil
}

func runOnboard(cmd *cobra.Command, args []string) error {
	return onboard(cmd.OutOrStdout())
}

func onboard(out io.Writer) error {
	cfgPath := config.ConfigPath()
	tplPath := config.TemplatesPath()

	if _, err := os.Stat(tplPath); os.IsNotExist(err) {
		if err := reminder.WriteTemplates(tplPath, reminder.DefaultTemplates); err != nil {
			return err
		}
		fmt.Fprintf(out, "Created reminder templates: %s\n", tplPath)
	} else {
		fmt.Fprintf(out, "Reminder templates already exist: %s\n", tplPath)
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		cfg := config.DefaultConfig()
		cfg.Reminder.TemplatesPath = tplPath
		cfg.Providers = []config.ProviderConfig{{APIKey: "", Model: "mistralai/mistral-7b-instruct:free"}}
		if err := config.SaveConfig(cfg); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Fprintf(out, "Created config: %s\n", cfgPath)
	} else {
		fmt.Fprintf(out, "Config already exists: %s\n", cfgPath)
	}

	fmt.Fprintln(out, "\nNext steps:")
	fmt.Fprintf(out, "  1. Edit %s to set the Telegram token and provider keys\n", cfgPath)
	fmt.Fprintln(out, "  2. Or set MILA_TELEGRAM_TOKEN and OPENROUTER_API_KEY_1 / OPENROUTER_MODEL_1")
	fmt.Fprintln(out, "  3. Run 'mila chat -m \"Hello\"' to test")
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	return status(cmd.Context(), cmd.OutOrStdout(), store.Open)
}

func status(ctx context.Context, out io.Writer, openStore gateway.StoreFactory) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(out, "Config: error (%v)\n", err)
		return nil
	}

	fmt.Fprintf(out, "Config: %s\n", config.ConfigPath())
	if cfg.Telegram.Token != "" {
		fmt.Fprintf(out, "Telegram: token %s\n", maskSecret(cfg.Telegram.Token))
	} else {
		fmt.Fprintln(out, "Telegram: token not set")
	}
	fmt.Fprintf(out, "Providers: %d\n", len(cfg.Providers))
	for i, p := range cfg.Providers {
		fmt.Fprintf(out, "  %d. %s (key %s)\n", i+1, p.Model, maskSecret(p.APIKey))
	}
	fmt.Fprintf(out, "Reminders: enabled=%v every %s, inactivity %s\n",
		cfg.Reminder.Enabled, cfg.Reminder.CheckInterval, cfg.Reminder.Inactivity)

	st, err := openStore(ctx, cfg.Storage, slog.Default())
	if err != nil {
		fmt.Fprintf(out, "Store: %s error (%v)\n", cfg.Storage.Driver, err)
		return nil
	}
	defer st.Close()
	stats, err := st.Stats(ctx, time.Now())
	if err != nil {
		fmt.Fprintf(out, "Store: %s error (%v)\n", st.Name(), err)
		return nil
	}
	fmt.Fprintf(out, "Store: %s, %d users (%d unreachable), %d outstanding reminders, %d responded\n",
		st.Name(), stats.Users, stats.Unreachable, stats.Outstanding, stats.Responded)
	fmt.Fprintf(out, "Activity: %d active (7d), %d new (24h), %d conversations (%d in 24h)\n",
		stats.ActiveWeek, stats.NewDay, stats.Turns.Total, stats.Turns.Day)
	return nil
}

func maskSecret(s string) string {
	switch {
	case s == "":
		return "not set"
	case len(s) > 8:
		return s[:4] + "..." + s[len(s)-4:]
	default:
		return "set"
	}
}
