package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/droverhq/drover/config"
	"github.com/droverhq/drover/llm"
	"github.com/droverhq/drover/loop"
	"github.com/droverhq/drover/store"
)

// defaultSystemPrompt is used when neither the config file nor the flags
// provide one. It teaches the embedded call convention so text-only models
// can drive the loop.
const defaultSystemPrompt = `You are drover, a coding agent working in the user's workspace.

Work in small steps: inspect before you change, verify after you change.
Request one or two tools per turn and wait for their results.

Call a tool by writing a line like:
<tool_call>{"name": "read_file", "arguments": {"path": "go.mod"}}</tool_call>

Available tools:
- read_file: {"path": string} reads a workspace file.
- write_file: {"path": string, "content": string} creates or replaces a file.
- search: {"query": string} finds a substring across workspace files.
- run: {"command": string} executes a shell command in the workspace.`

func runCmd() *cobra.Command {
	var (
		maxIterations int
		nativeTools   bool
		toolTimeout   time.Duration
		workspace     string
	)

	cmd := &cobra.Command{
		Use:   "run [task]",
		Short: "Drive one coding task through the loop",
		Long: `Run a task until the model signals completion, stops requesting tools,
or the iteration budget runs out. Visible model output streams to stdout;
warnings and diagnostics go to stderr.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := loadSettings(cmd, maxIterations, nativeTools)
			if err != nil {
				return err
			}
			return runTask(args[0], settings, workspace, toolTimeout)
		},
	}

	cmd.Flags().IntVar(&maxIterations, "max-iterations", 0, "Cap on model turns (overrides config)")
	cmd.Flags().BoolVar(&nativeTools, "native-tools", false, "Advertise tools on the provider's function-calling channel")
	cmd.Flags().DurationVar(&toolTimeout, "tool-timeout", time.Minute, "Deadline for a single tool call")
	cmd.Flags().StringVarP(&workspace, "workspace", "w", ".", "Directory the agent works in")

	return cmd
}

// loadSettings layers config sources: defaults, then the file, then DROVER_*
// environment variables, then flags.
func loadSettings(cmd *cobra.Command, maxIterations int, nativeTools bool) (*config.Settings, error) {
	settings := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		settings = loaded
	}
	if err := settings.ApplyEnv(); err != nil {
		return nil, err
	}
	if flagProvider != "" {
		settings.Provider = flagProvider
	}
	if flagModel != "" {
		settings.Model = flagModel
	}
	if flagStore != "" {
		settings.StorePath = flagStore
	}
	if cmd.Flags().Changed("max-iterations") {
		settings.MaxIterations = maxIterations
	}
	if cmd.Flags().Changed("native-tools") {
		settings.NativeTools = nativeTools
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	return settings, nil
}

// buildClient constructs the provider client for the settings.
func buildClient(settings *config.Settings) (*llm.Client, error) {
	var adapter llm.ProviderAdapter
	switch settings.Provider {
	case "anthropic":
		adapter = llm.NewAnthropicAdapter(settings.APIKey(), settings.Model)
	case "openai":
		adapter = llm.NewOpenAIAdapter(settings.APIKey(), settings.Model)
	case "local":
		adapter = llm.NewOpenAICompatAdapter("local", settings.BaseURL, settings.APIKey(), settings.Model)
	case "ollama":
		a, err := llm.NewGollmAdapter("ollama", settings.APIKey(),
			llm.WithModel(settings.Model), llm.WithMaxTokens(settings.MaxTokens))
		if err != nil {
			return nil, err
		}
		adapter = a
	default:
		return nil, fmt.Errorf("unknown provider %q", settings.Provider)
	}
	return llm.NewClient(
		llm.WithProvider(settings.Provider, adapter),
		llm.WithDefaultProvider(settings.Provider),
	), nil
}

func runTask(task string, settings *config.Settings, workspace string, toolTimeout time.Duration) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := buildClient(settings)
	if err != nil {
		return err
	}
	defer client.Close()

	dispatcher, err := newWorkspaceDispatcher(workspace, toolTimeout)
	if err != nil {
		return err
	}

	cfg := settings.SessionConfig()
	cfg.KnownTools = dispatcher.Names()
	cfg.ToolDefs = dispatcher.Tools()
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = defaultSystemPrompt
	}

	session := loop.NewSession(client, dispatcher, cfg)

	if settings.StorePath != "" {
		st, err := store.Open(settings.StorePath)
		if err != nil {
			return err
		}
		defer st.Close()
		session.SetStore(st)
	}
	if c := settings.Compactor(llm.NewSummarizer(client, settings.Model)); c != nil {
		session.SetCompactor(c)
	}

	r := &renderer{out: os.Stdout, errw: os.Stderr, verbose: verbose}
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for ev := range session.Events() {
			r.handle(ev)
		}
	}()

	outcome, err := session.Run(ctx, task)
	session.Close()
	wg.Wait()
	if err != nil {
		return err
	}

	r.breakLine()
	printOutcome(os.Stdout, session.ID(), outcome)
	return nil
}

// renderer turns session events into terminal output. Visible events carry
// cumulative turn text, so it tracks how much has been written and prints
// only the new suffix.
type renderer struct {
	out     io.Writer
	errw    io.Writer
	verbose bool
	printed int
	midLine bool
}

func (r *renderer) handle(ev loop.Event) {
	switch ev.Kind {
	case loop.EventTurnStart:
		r.printed = 0
	case loop.EventVisible:
		text, _ := ev.Data["text"].(string)
		if len(text) > r.printed {
			fmt.Fprint(r.out, text[r.printed:])
			r.printed = len(text)
			r.midLine = !strings.HasSuffix(text, "\n")
		}
	case loop.EventActivity:
		if text, ok := ev.Data["text"].(string); ok && text != "" {
			r.breakLine()
			fmt.Fprintf(r.out, "· %s\n", text)
		}
	case loop.EventToolStart:
		if r.verbose {
			r.breakLine()
			fmt.Fprintf(r.out, "→ %v\n", ev.Data["tool"])
		}
	case loop.EventToolEnd:
		if r.verbose {
			status := "ok"
			if isErr, _ := ev.Data["is_error"].(bool); isErr {
				status = "error"
			}
			if timedOut, _ := ev.Data["timed_out"].(bool); timedOut {
				status = "timeout"
			}
			fmt.Fprintf(r.out, "← %v (%s)\n", ev.Data["tool"], status)
		}
	case loop.EventCompaction:
		r.breakLine()
		fmt.Fprintf(r.errw, "[compacted %v earlier messages]\n", ev.Data["summarized"])
	case loop.EventRepetition:
		r.breakLine()
		fmt.Fprintln(r.errw, "[repetition detected, steering the model]")
	case loop.EventWarning:
		r.breakLine()
		fmt.Fprintf(r.errw, "warning: %v: %v\n", ev.Data["op"], ev.Data["error"])
	case loop.EventError:
		r.breakLine()
		fmt.Fprintf(r.errw, "error: %v\n", ev.Data["error"])
	}
}

// breakLine terminates a partially printed visible line before other output.
func (r *renderer) breakLine() {
	if r.midLine {
		fmt.Fprintln(r.out)
		r.midLine = false
	}
}

func printOutcome(w io.Writer, sessionID string, outcome *loop.Outcome) {
	fmt.Fprintf(w, "\nstate: %s (%s)\n", outcome.State, outcome.Reason)
	fmt.Fprintf(w, "iterations: %d\n", outcome.Iterations)
	if len(outcome.FilesChanged) > 0 {
		fmt.Fprintln(w, "files changed:")
		for _, f := range outcome.FilesChanged {
			fmt.Fprintf(w, "  %s\n", f)
		}
	}
	if outcome.LastActivity != "" {
		fmt.Fprintf(w, "last activity: %s\n", outcome.LastActivity)
	}
	fmt.Fprintf(w, "tokens: %d in, %d out\n", outcome.Usage.InputTokens, outcome.Usage.OutputTokens)
	if outcome.Compactions > 0 {
		fmt.Fprintf(w, "compactions: %d\n", outcome.Compactions)
	}
	fmt.Fprintf(w, "session: %s\n", sessionID)
}
