package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/aristath/autopilot/internal/backend"
	"github.com/aristath/autopilot/internal/events"
	"github.com/aristath/autopilot/internal/metrics"
	"github.com/aristath/autopilot/internal/orchestrator"
	"github.com/aristath/autopilot/internal/tui"
)

var (
	runGoal        string
	runSlug        string
	runPlanFile    string
	runAccept      []string
	runTUI         bool
	runMetricsAddr string
)

func init() {
	runCmd.Flags().StringVar(&runGoal, "goal", "", "what the task should achieve (required)")
	runCmd.Flags().StringVar(&runSlug, "slug", "", "artifact namespace (default: derived from the plan title)")
	runCmd.Flags().StringVar(&runPlanFile, "plan", "", "use this plan file for the first attempt instead of asking the planner")
	runCmd.Flags().StringArrayVar(&runAccept, "accept", nil, "acceptance criterion (repeatable)")
	runCmd.Flags().BoolVar(&runTUI, "tui", false, "show the live run monitor")
	runCmd.Flags().StringVar(&runMetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (overrides metrics.addr)")
	_ = runCmd.MarkFlagRequired("goal")
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a task until its audit passes or it is stuck",
	Long: `Run plans the goal, routes the plan's batches to executors, writes the task
artifact and audits it. A failed audit is handed back to the planner; after
three failed attempts the run stops with "Execution stuck. 3 attempts failed."

Examples:
  # Plan and run a task
  autopilot run --goal "Add request validation to the API" --accept "invalid input returns 400"

  # Start from an existing plan and watch it live
  autopilot run --goal "Add request validation" --plan plan.md --tui`,
	RunE: runRun,
}

func runRun(cmd *cobra.Command, _ []string) error {
	// Create signal-aware context for graceful shutdown
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	req := orchestrator.Request{
		Goal:               strings.TrimSpace(runGoal),
		AcceptanceCriteria: runAccept,
		Slug:               runSlug,
	}
	if req.Goal == "" {
		return errors.New("--goal must not be empty")
	}
	if runPlanFile != "" {
		text, err := os.ReadFile(runPlanFile)
		if err != nil {
			return fmt.Errorf("reading plan: %w", err)
		}
		req.PlanText = string(text)
	}

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if runMetricsAddr != "" {
		cfg.Metrics.Addr = runMetricsAddr
	}
	root, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("getting working directory: %w", err)
	}

	logger, syncLogs, err := newLogger(cfg.Log, root, runTUI)
	if err != nil {
		return fmt.Errorf("creating logger: %w", err)
	}
	defer syncLogs()

	// Every agent and verification process is tracked so shutdown can kill them all.
	pm := backend.NewProcessManager()

	store, err := openStore(ctx, cfg, root)
	if err != nil {
		return err
	}
	defer store.Close()

	bus := events.NewEventBus()
	stopSinks, err := startSinks(ctx, bus, cfg.Metrics.Addr, cfg.Events.NATSURL, cfg.Events.Subject, logger)
	if err != nil {
		bus.Close()
		return err
	}
	defer func() {
		// Closing the bus lets the sinks drain what the run published.
		bus.Close()
		stopSinks()
	}()

	w := newWiring(cfg, pm, logger)
	planner, err := w.planner(root)
	if err != nil {
		return err
	}
	defer planner.Close()

	sup := orchestrator.NewSupervisor(orchestrator.SupervisorConfig{
		MaxParallel: cfg.Runs.MaxParallel,
		RepoPath:    root,
		Worktrees:   w.worktrees(root),
		Env:         w.env,
		Controller: orchestrator.Config{
			Planner:   planner,
			Store:     store,
			Bus:       bus,
			Logger:    logger,
			Providers: cfg.ProviderNames(),
		},
	})

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	type result struct {
		out orchestrator.Outcome
		err error
	}
	runDone := make(chan result, 1)
	go func() {
		outs, err := sup.RunAll(runCtx, []orchestrator.Request{req})
		runDone <- result{out: outs[0], err: err}
	}()

	var res result
	if runTUI {
		monitor(ctx, stop, bus, pm, cancelRun, logger)
		res = <-runDone
	} else {
		select {
		case res = <-runDone:
		case <-ctx.Done():
			stop()
			logger.Info("Shutdown signal received, cleaning up...")
			if err := pm.KillAll(); err != nil {
				logger.Error("killing subprocesses", zap.Error(err))
			}
			res = <-runDone
		}
	}

	if res.err != nil {
		return res.err
	}
	return report(cmd.OutOrStdout(), res.out)
}

// monitor shows the TUI until the user quits or a signal arrives. Quitting
// the monitor cancels the run.
func monitor(ctx context.Context, stop context.CancelFunc, bus *events.EventBus, pm *backend.ProcessManager, cancelRun context.CancelFunc, logger *zap.Logger) {
	// Start Bubble Tea program in a goroutine so the run and shutdown are handled here
	p := tea.NewProgram(tui.New(bus), tea.WithAltScreen())

	errChan := make(chan error, 1)
	go func() {
		_, err := p.Run()
		errChan <- err
	}()

	select {
	case err := <-errChan:
		// Normal TUI exit (user pressed 'q')
		if err != nil {
			logger.Error("TUI exited with error", zap.Error(err))
		}
		cancelRun()

	case <-ctx.Done():
		// Restore default signal handling so a second Ctrl+C force-exits
		stop()
		logger.Info("Shutdown signal received, cleaning up...")

		if err := pm.KillAll(); err != nil {
			logger.Error("killing subprocesses", zap.Error(err))
		}
		p.Quit()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		select {
		case err := <-errChan:
			if err != nil {
				logger.Error("TUI exit error", zap.Error(err))
			}
		case <-shutdownCtx.Done():
			logger.Warn("Shutdown timeout exceeded, forcing exit")
		}
	}
}

// startSinks starts the event consumers: Prometheus metrics (served when
// addr is set) and NATS forwarding (when natsURL is set). The returned
// func stops them.
func startSinks(ctx context.Context, bus *events.EventBus, addr, natsURL, subject string, logger *zap.Logger) (func(), error) {
	var stops []func()
	stopAll := func() {
		for i := len(stops) - 1; i >= 0; i-- {
			stops[i]()
		}
	}

	rec := metrics.NewRecorder()
	go rec.Run(ctx, bus.SubscribeAll(1024))

	if addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", rec.Handler())
		srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", zap.Error(err))
			}
		}()
		logger.Info("serving metrics", zap.String("addr", addr))
		stops = append(stops, func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		})
	}

	if natsURL != "" {
		nc, err := events.Connect(natsURL)
		if err != nil {
			stopAll()
			return nil, fmt.Errorf("connecting to NATS: %w", err)
		}
		fwd := events.NewForwarder(nc, subject, logger)
		ch := bus.SubscribeAll(1024)
		done := make(chan struct{})
		go func() {
			defer close(done)
			_ = fwd.Run(ctx, ch)
		}()
		stops = append(stops, func() {
			select {
			case <-done:
			case <-time.After(2 * time.Second):
			}
			nc.Close()
		})
	}

	return stopAll, nil
}

// report prints the outcome and turns a run that did not pass into an error.
func report(w io.Writer, out orchestrator.Outcome) error {
	fmt.Fprintf(w, "run:     %s\n", out.RunID)
	fmt.Fprintf(w, "slug:    %s\n", out.TaskSlug)
	fmt.Fprintf(w, "state:   %s\n", out.State)
	fmt.Fprintf(w, "retries: %d\n", out.RetryCount)
	if out.Message != "" {
		fmt.Fprintf(w, "\n%s\n", out.Message)
	}
	if out.State != orchestrator.StateDone {
		return fmt.Errorf("run ended in state %s", out.State)
	}
	printList(w, "Changed files", out.Summary.ChangedFiles)
	printList(w, "Verification commands", out.Summary.VerificationCommands)
	printList(w, "Manual checks", out.Summary.ManualChecks)
	return nil
}

func printList(w io.Writer, title string, items []string) {
	fmt.Fprintf(w, "\n%s:\n", title)
	if len(items) == 0 {
		fmt.Fprintln(w, "  (none)")
	}
	for _, it := range items {
		fmt.Fprintf(w, "  - %s\n", it)
	}
}
