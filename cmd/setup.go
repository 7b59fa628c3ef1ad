package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/secpipe/pkg/config"
	"github.com/user/secpipe/pkg/llm"
)

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Interactive setup wizard",
	Long: `Choose the model provider, API key and model used for triage, and tune
how long model calls may take and how much source context they see.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("error loading config: %w", err)
		}

		w := newWizard(cmd.InOrStdin(), cmd.OutOrStdout())
		if err := w.run(cmd.Context(), cfg); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("error saving config: %w", err)
		}

		fmt.Fprintln(w.out, "-----------------------------------")
		fmt.Fprintln(w.out, "Setup complete!")
		fmt.Fprintf(w.out, "Provider:      %s\n", cfg.SelectedProvider)
		fmt.Fprintf(w.out, "Model:         %s\n", cfg.SelectedModel)
		fmt.Fprintf(w.out, "LLM timeout:   %s\n", cfg.Triage.LLMTimeout)
		fmt.Fprintf(w.out, "Context lines: %d\n", cfg.Triage.ContextLines)
		fmt.Fprintln(w.out, "You can now run 'secpipe scan --triage <path>'")
		return nil
	},
}

type modelLister func(ctx context.Context, provider, apiKey string) ([]string, error)

// fetchModels asks the provider which models the key can use.
func fetchModels(ctx context.Context, provider, apiKey string) ([]string, error) {
	p, err := llm.NewProvider(ctx, provider, apiKey, "")
	if err != nil {
		return nil, fmt.Errorf("error initializing provider: %w", err)
	}
	defer p.Close()
	return p.ListModels(ctx)
}

type wizard struct {
	in         *bufio.Scanner
	out        io.Writer
	listModels modelLister
}

func newWizard(in io.Reader, out io.Writer) *wizard {
	return &wizard{in: bufio.NewScanner(in), out: out, listModels: fetchModels}
}

// ask prints prompt and returns the next trimmed input line.
func (w *wizard) ask(prompt string) string {
	fmt.Fprint(w.out, prompt)
	if !w.in.Scan() {
		return ""
	}
	return strings.TrimSpace(w.in.Text())
}

// run fills in the model and triage settings of cfg from the answers.
func (w *wizard) run(ctx context.Context, cfg *config.Config) error {
	fmt.Fprintln(w.out, "Welcome to the secpipe setup wizard")
	fmt.Fprintln(w.out, "-----------------------------------")

	provider, err := w.provider()
	if err != nil {
		return err
	}

	fmt.Fprintf(w.out, "\nStep 2: Enter API key for %s\n", provider)
	apiKey := w.ask("> ")
	if apiKey == "" {
		return errors.New("API key cannot be empty")
	}

	model, err := w.model(ctx, provider, apiKey)
	if err != nil {
		return err
	}

	timeout, contextLines, err := w.triageSettings(cfg.Triage)
	if err != nil {
		return err
	}

	cfg.SelectedProvider = provider
	cfg.SelectedModel = model
	cfg.SetAPIKey(provider, apiKey)
	cfg.Triage.UseLLM = true
	cfg.Triage.LLMTimeout = timeout
	cfg.Triage.ContextLines = contextLines
	return nil
}

func (w *wizard) provider() (string, error) {
	fmt.Fprintln(w.out, "Step 1: Choose the model provider used for triage")
	for i, name := range llm.Providers {
		fmt.Fprintf(w.out, "%d. %s\n", i+1, name)
	}
	choice := strings.ToLower(w.ask("Enter number or name > "))

	if n, err := strconv.Atoi(choice); err == nil && n >= 1 && n <= len(llm.Providers) {
		return llm.Providers[n-1], nil
	}
	if slices.Contains(llm.Providers, choice) {
		return choice, nil
	}
	return "", fmt.Errorf("invalid choice %q", choice)
}

// model offers the models the key can use, or asks for a name when the
// provider cannot list them.
func (w *wizard) model(ctx context.Context, provider, apiKey string) (string, error) {
	fmt.Fprintln(w.out, "\nStep 3: Validating key and fetching available models...")
	models, err := w.listModels(ctx, provider, apiKey)
	if err != nil || len(models) == 0 {
		if err != nil {
			fmt.Fprintf(w.out, "Warning: could not fetch models: %v\n", err)
		}
		fmt.Fprintln(w.out, "Enter the model name (e.g. 'gemini-1.5-flash', 'gpt-4o-mini'):")
		model := w.ask("> ")
		if model == "" {
			return "", errors.New("model name cannot be empty")
		}
		return model, nil
	}

	fmt.Fprintf(w.out, "Retrieved %d models.\n", len(models))
	for i, m := range models {
		fmt.Fprintf(w.out, "%d. %s\n", i+1, m)
	}
	n, err := strconv.Atoi(w.ask("Select model (number) > "))
	if err != nil || n < 1 || n > len(models) {
		fmt.Fprintln(w.out, "Invalid selection, using the first model.")
		return models[0], nil
	}
	return models[n-1], nil
}

// triageSettings asks for the model call timeout and the number of context
// lines sent with each finding. An empty answer keeps the current value.
func (w *wizard) triageSettings(cur config.TriageConfig) (time.Duration, int, error) {
	fmt.Fprintln(w.out, "\nStep 4: Triage settings (press Enter to keep the current value)")

	timeout := cur.LLMTimeout
	if s := w.ask(fmt.Sprintf("Model call timeout [%s] > ", cur.LLMTimeout)); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil || d <= 0 {
			return 0, 0, fmt.Errorf("invalid timeout %q", s)
		}
		timeout = d
	}

	lines := cur.ContextLines
	if s := w.ask(fmt.Sprintf("Source lines around each finding [%d] > ", cur.ContextLines)); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return 0, 0, fmt.Errorf("invalid context line count %q", s)
		}
		lines = n
	}
	return timeout, lines, nil
}

func init() {
	configCmd.AddCommand(setupCmd)
}
