package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dotsetgreg/dotlore/pkg/channels"
	"github.com/dotsetgreg/dotlore/pkg/config"
	"github.com/dotsetgreg/dotlore/pkg/logger"
	"github.com/dotsetgreg/dotlore/pkg/providers"
	"github.com/dotsetgreg/dotlore/pkg/themes"
)

const shutdownTimeout = 10 * time.Second

func executeCLI() error {
	root := buildRootCommand(true)
	if err := root.Execute(); err != nil {
		return err
	}
	return nil
}

func buildRootCommand(includeDocsCommand bool) *cobra.Command {
	var (
		showVersion bool
		debug       bool
	)

	root := &cobra.Command{
		Use:   "dotlore",
		Short: "Conversational actors with long-term memory, themes, and a learned word chain",
		Long: strings.TrimSpace(`dotlore runs one or more conversational actors over a completion backend.

Each actor remembers what was said, tracks themes and mood, and takes turns
on its own when autonomy is enabled. Use the console for local chat or the
gateway to serve Discord.`),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if debug {
				logger.SetLevel(logger.DEBUG)
			}
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				printVersion()
				return nil
			}
			_ = cmd.Help()
			return fmt.Errorf("a subcommand is required")
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.Flags().BoolVarP(&showVersion, "version", "v", false, "Show build/version metadata")
	root.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")

	root.AddCommand(newOnboardCommand())
	root.AddCommand(newChatCommand())
	root.AddCommand(newGatewayCommand())
	root.AddCommand(newStatusCommand())
	root.AddCommand(newLearnCommand())
	root.AddCommand(newPulseCommand())
	root.AddCommand(newRecallCommand())
	root.AddCommand(newVersionCommand())

	if includeDocsCommand {
		root.AddCommand(newDocsCommand(func() *cobra.Command { return buildRootCommand(false) }))
	}

	return root
}

func newOnboardCommand() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:     "onboard",
		Short:   "Initialize ~/.dotlore config and workspace",
		Long:    "Create the default configuration, the workspace directory, and an editable vocabulary file.",
		Example: "  dotlore onboard",
		RunE: func(cmd *cobra.Command, args []string) error {
			return onboard(cmd.InOrStdin(), cmd.OutOrStdout(), getConfigPath(), force)
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite an existing config without asking")
	return cmd
}

func onboard(in io.Reader, out io.Writer, configPath string, force bool) error {
	if _, err := os.Stat(configPath); err == nil && !force {
		fmt.Fprintf(out, "Config already exists at %s\n", configPath)
		fmt.Fprint(out, "Overwrite? (y/n): ")
		response, _ := bufio.NewReader(in).ReadString('\n')
		response = strings.ToLower(strings.TrimSpace(response))
		if response != "y" && response != "yes" {
			fmt.Fprintln(out, "Aborted.")
			return nil
		}
	}

	cfg := config.DefaultConfig()
	workspace := cfg.WorkspacePath()
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		return fmt.Errorf("create workspace: %w", err)
	}
	vocabPath := filepath.Join(workspace, "vocabulary.yaml")
	if _, err := os.Stat(vocabPath); os.IsNotExist(err) {
		if err := os.WriteFile(vocabPath, themes.DefaultVocabularyYAML(), 0o644); err != nil {
			return fmt.Errorf("write vocabulary: %w", err)
		}
	}
	cfg.Agents.Defaults.VocabularyFile = vocabPath
	if err := config.SaveConfig(configPath, cfg); err != nil {
		return fmt.Errorf("save config: %w", err)
	}

	fmt.Fprintf(out, "%s is ready!\n", appName)
	fmt.Fprintln(out, "\nNext steps:")
	fmt.Fprintln(out, "  1. Add your API key to", configPath)
	fmt.Fprintln(out, "     or set agents.defaults.provider to \"chain\" to run offline")
	fmt.Fprintln(out, "  2. Teach the word chain: dotlore learn notes.txt")
	fmt.Fprintln(out, "  3. Chat locally: dotlore chat")
	fmt.Fprintln(out, "  4. (Gateway mode) Add your Discord bot token, then: dotlore gateway")
	return nil
}

func newChatCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Talk to the actors from the terminal",
		Long:  "Run the actors with a readline console. Lines starting with / are commands; try /help.",
		Example: strings.Join([]string{
			"  dotlore chat",
			"  dotlore chat --debug",
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return runChat(cmd.Context(), cfg)
		},
	}
}

func runChat(ctx context.Context, cfg *config.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := newRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	cm, err := channels.NewManager(nil, rt.bus)
	if err != nil {
		_ = rt.Close(ctx)
		return err
	}
	console := channels.NewConsoleChannel(cfg.Agents.Defaults.UserName, cfg.WorkspacePath(), rt.bus)
	cm.RegisterChannel("console", console)

	return serve(ctx, rt, cm, console.Done())
}

func newGatewayCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "gateway",
		Short:   "Serve the actors over Discord",
		Long:    "Start the enabled channel adapters and run the actors until interrupted.",
		Example: "  dotlore gateway --debug",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return runGateway(cmd.Context(), cfg)
		},
	}
}

func runGateway(ctx context.Context, cfg *config.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := newRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	cm, err := channels.NewManager(cfg, rt.bus)
	if err != nil {
		_ = rt.Close(ctx)
		return err
	}
	fmt.Println("Press Ctrl+C to stop")
	return serve(ctx, rt, cm, nil)
}

// serve starts the actors and channels, then runs the agent loop until ctx
// ends or done closes. Everything is saved on the way out.
func serve(ctx context.Context, rt *loreRuntime, cm *channels.Manager, done <-chan struct{}) error {
	rt.loop.SetChannelManager(cm)
	if err := rt.loop.Start(ctx); err != nil {
		_ = rt.Close(ctx)
		return fmt.Errorf("start actors: %w", err)
	}
	info := rt.loop.GetStartupInfo()
	logger.InfoCF("agent", "Agent initialized", info)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := cm.StartAll(runCtx); err != nil {
		_ = rt.Close(ctx)
		return fmt.Errorf("start channels: %w", err)
	}

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return rt.loop.Run(gctx) })
	if done != nil {
		g.Go(func() error {
			select {
			case <-done:
				cancel()
			case <-gctx.Done():
			}
			return nil
		})
	}
	runErr := g.Wait()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	_ = cm.StopAll(shutdownCtx)
	if err := rt.Close(shutdownCtx); err != nil && runErr == nil {
		runErr = err
	}
	logger.InfoC("agent", "Stopped")
	return runErr
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "status",
		Short:   "Show configuration, provider, and stored state",
		Example: "  dotlore status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return printStatus(cmd.Context(), cmd.OutOrStdout(), getConfigPath(), cfg)
		},
	}
}

func printStatus(ctx context.Context, out io.Writer, configPath string, cfg *config.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}
	mark := func(ok bool) string {
		if ok {
			return "✓"
		}
		return "✗"
	}
	exists := func(path string) bool {
		_, err := os.Stat(path)
		return err == nil
	}

	fmt.Fprintf(out, "%s Status\n", appName)
	fmt.Fprintf(out, "Version: %s\n", formatVersion())
	if build, _ := formatBuildInfo(); build != "" {
		fmt.Fprintf(out, "Build: %s\n", build)
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Config:", configPath, mark(exists(configPath)))
	fmt.Fprintln(out, "Workspace:", cfg.WorkspacePath(), mark(exists(cfg.WorkspacePath())))
	if vocab := cfg.VocabularyPath(); vocab != "" {
		fmt.Fprintln(out, "Vocabulary:", vocab, mark(exists(vocab)))
	} else {
		fmt.Fprintln(out, "Vocabulary: built-in")
	}

	provider, configured, mode, err := providers.ProviderCredentialStatus(cfg)
	if err != nil {
		fmt.Fprintln(out, "Provider:", err)
	} else {
		line := fmt.Sprintf("Provider: %s %s", provider, mark(configured))
		if mode != "" {
			line += " (" + mode + ")"
		}
		fmt.Fprintln(out, line)
	}
	fmt.Fprintf(out, "Model: %s\n", cfg.Agents.Defaults.Model)
	fmt.Fprintf(out, "Actors: %s\n", strings.Join(cfg.Agents.Defaults.Actors, ", "))
	fmt.Fprintln(out, "Discord:", mark(cfg.Channels.Discord.Enabled && strings.TrimSpace(cfg.Channels.Discord.Token) != ""))

	dbPath := cfg.DatabasePath()
	if !exists(dbPath) {
		fmt.Fprintln(out, "State DB:", dbPath, "not initialized")
		return nil
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	st, err := store.Stats(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, "State DB:", dbPath, "✓")
	fmt.Fprintf(out, "  actors: %d, memories: %d (%d forgotten), blobs: %d, chain lines: %d\n",
		st.Actors, st.Records, st.Deleted, st.Blobs, st.ChainLines)
	return nil
}

func newLearnCommand() *cobra.Command {
	var section string

	cmd := &cobra.Command{
		Use:   "learn <file>",
		Short: "Teach the word chain from a text file",
		Long:  "Add every non-blank line of a text file to a word chain section. Use - to read stdin.",
		Example: strings.Join([]string{
			"  dotlore learn poems.txt",
			"  dotlore learn --section guidance hints.txt",
		}, "\n"),
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			var data []byte
			if args[0] == "-" {
				data, err = io.ReadAll(cmd.InOrStdin())
			} else {
				data, err = os.ReadFile(args[0])
			}
			if err != nil {
				return fmt.Errorf("read corpus: %w", err)
			}
			if strings.TrimSpace(section) == "" {
				section = cfg.Chain.Section
			}
			return learn(cmd.Context(), cmd.OutOrStdout(), cfg, section, string(data))
		},
	}
	cmd.Flags().StringVarP(&section, "section", "s", "", "Chain section to learn into (default chain.section)")
	return cmd
}

func learn(ctx context.Context, out io.Writer, cfg *config.Config, section, text string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := os.MkdirAll(filepath.Dir(cfg.DatabasePath()), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	model, err := newChain(ctx, cfg, store)
	if err != nil {
		return err
	}
	if err := model.Learn(ctx, section, text); err != nil {
		return err
	}
	for _, s := range model.Sections() {
		if s.Name == section {
			fmt.Fprintf(out, "Section %q now knows %d words\n", s.Name, s.Words)
		}
	}
	return nil
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "version",
		Short:   "Show version information",
		Example: "  dotlore version",
		Run: func(cmd *cobra.Command, args []string) {
			printVersion()
		},
	}
}
