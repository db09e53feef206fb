package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/aristath/autopilot/internal/routing"
)

var compilePlanFile string

func init() {
	compileCmd.Flags().StringVar(&compilePlanFile, "plan", "-", "plan file with a routing block (- reads stdin)")
}

var compileCmd = &cobra.Command{
	Use:   "compile",
	Short: "Validate a plan's routing block and print its batches",
	Long: `Compile parses the numbered plan and its execution handoffs block exactly as a
run would, without invoking anything. It exits non-zero with the compile error
when the routing is rejected.

Examples:
  autopilot compile --plan plan.md
  cat plan.md | autopilot compile`,
	Args: cobra.NoArgs,
	RunE: runCompile,
}

func runCompile(cmd *cobra.Command, _ []string) error {
	var text []byte
	var err error
	if compilePlanFile == "-" {
		text, err = io.ReadAll(cmd.InOrStdin())
	} else {
		text, err = os.ReadFile(compilePlanFile)
	}
	if err != nil {
		return fmt.Errorf("reading plan: %w", err)
	}

	// Without a readable config the provider check is skipped.
	var providers []string
	if cfg, err := loadConfig(); err == nil {
		providers = cfg.ProviderNames()
	}
	return compilePlan(cmd.OutOrStdout(), string(text), providers)
}

// compilePlan compiles text and prints the plan and its batches to w.
func compilePlan(w io.Writer, text string, providers []string) error {
	var opts []routing.Option
	if len(providers) > 0 {
		opts = append(opts, routing.WithProviders(providers...))
	}

	plan, batches, err := routing.Compile(text, text, opts...)
	if err != nil {
		var invalid *routing.InvalidRoutingError
		if errors.As(err, &invalid) {
			fmt.Fprintf(w, "normalized routing block:\n%s\n", invalid.NormalizedSnippet)
		}
		return err
	}

	fmt.Fprintf(w, "%s (%d steps, slug %s)\n\n", plan.Title, len(plan.Steps), routing.Slug(plan.Title))

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tLABEL\tAGENT\tSTEPS\tRISK\tVERIFICATION")
	for i, b := range batches {
		steps := make([]string, len(b.IncludesSteps))
		for j, s := range b.IncludesSteps {
			steps[j] = strconv.Itoa(s)
		}
		agent := string(b.Agent)
		if b.Executor != "" {
			agent += "@" + b.Executor
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n",
			i+1, b.Label, agent, strings.Join(steps, ","), b.Risk, strings.Join(b.Verification, "; "))
	}
	return tw.Flush()
}
