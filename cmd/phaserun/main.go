package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/phaserun/phaserun/internal/checkpoint"
	"github.com/phaserun/phaserun/internal/config"
	"github.com/phaserun/phaserun/internal/dispatch"
	"github.com/phaserun/phaserun/internal/events"
	"github.com/phaserun/phaserun/internal/executor"
	"github.com/phaserun/phaserun/internal/gate"
	"github.com/phaserun/phaserun/internal/history"
	"github.com/phaserun/phaserun/internal/orchestrator"
	"github.com/phaserun/phaserun/internal/plan"
	"github.com/phaserun/phaserun/internal/report"
)

func main() {
	os.Exit(run())
}

func run() int {
	// Signal-aware context for graceful shutdown: the in-flight wave
	// finishes and is checkpointed before the process exits.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		configPath = flag.String("config", "", "project config file (default .phaserun/config.json)")
		workDir    = flag.String("workdir", ".", "working directory for task commands")
		gateDepth  = flag.String("gate-depth", "", "override the fallback gate depth (none|light|standard|deep)")
		fresh      = flag.Bool("fresh", false, "discard any existing checkpoint and start over")
		quiet      = flag.Bool("quiet", false, "suppress progress output")
		hist       = flag.Bool("history", false, "list recorded runs, or show one run given its id")
	)
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: phaserun [flags] <plan.md>\n")
		fmt.Fprintf(os.Stderr, "       phaserun -history [run-id]\n\n")
		flag.PrintDefaults()
	}
	flag.Parse()
	if !*hist && flag.NArg() != 1 {
		flag.Usage()
		return 2
	}
	planPath := flag.Arg(0)

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	slog.SetDefault(logger)

	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.Load("", *configPath)
	} else {
		cfg, err = config.LoadDefault()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "phaserun: %v\n", err)
		return 1
	}

	if *hist {
		return showHistory(ctx, cfg.HistoryDB, flag.Arg(0))
	}

	depth, ok := plan.ParseGateDepth(cfg.DefaultGateDepth)
	if !ok {
		depth = plan.GateLight
	}
	if *gateDepth != "" {
		if depth, ok = plan.ParseGateDepth(*gateDepth); !ok {
			fmt.Fprintf(os.Stderr, "phaserun: unknown gate depth %q\n", *gateDepth)
			return 2
		}
	}

	planText, err := os.ReadFile(planPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "phaserun: %v\n", err)
		return 1
	}
	ix, err := plan.Index(string(planText),
		plan.WithSourcePath(planPath),
		plan.WithDefaultGateDepth(depth))
	if err != nil {
		if errors.Is(err, plan.ErrMalformedPlan) {
			fmt.Fprintf(os.Stderr, "phaserun: plan rejected: %v\n", err)
		} else {
			fmt.Fprintf(os.Stderr, "phaserun: %v\n", err)
		}
		return 1
	}

	store, err := checkpoint.NewStore(cfg.CheckpointDir, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "phaserun: %v\n", err)
		return 1
	}
	if *fresh {
		if err := store.Discard(); err != nil {
			fmt.Fprintf(os.Stderr, "phaserun: discarding checkpoint: %v\n", err)
			return 1
		}
	}

	cmdExec := executor.NewCommandExecutor(*workDir)
	registry := executor.NewRegistry()
	registry.SetGeneric(cmdExec)

	confirm := executor.NewConfirmationGate(4, stdinConfirm)
	confirm.Start(ctx)
	defer confirm.Stop()

	dispatcher := dispatch.New(dispatch.Config{
		MaxParallel: cfg.MaxParallel,
		TaskTimeout: cfg.TaskTimeout.Std(),
		Retry: dispatch.RetryConfig{
			MaxAttempts:     cfg.Retry.MaxAttempts,
			InitialInterval: cfg.Retry.InitialInterval.Std(),
			MaxInterval:     cfg.Retry.MaxInterval.Std(),
			Multiplier:      cfg.Retry.Multiplier,
		},
	}, registry, dispatch.WithConfirmationGate(confirm), dispatch.WithLogger(logger))

	evaluator := gate.NewEvaluator(gate.RunnerFunc(cmdExec.RunCheck), gate.WithLogger(logger))

	audit, err := history.NewSQLiteStore(ctx, cfg.HistoryDB)
	if err != nil {
		fmt.Fprintf(os.Stderr, "phaserun: opening history: %v\n", err)
		return 1
	}
	defer audit.Close()

	bus := events.NewBus()
	defer bus.Close()
	if !*quiet {
		go printProgress(bus.SubscribeAll(256))
	}

	orch := orchestrator.New(
		orchestrator.Config{RunTimeout: cfg.RunTimeout.Std()},
		dispatcher, store, evaluator,
		orchestrator.WithBus(bus),
		orchestrator.WithHistory(audit),
		orchestrator.WithLogger(logger),
	)

	res, err := orch.Run(ctx, ix)
	if err != nil {
		fmt.Fprintf(os.Stderr, "phaserun: %v\n", err)
		var conflict *orchestrator.StaleConflictError
		if errors.As(err, &conflict) {
			fmt.Fprintln(os.Stderr, "phaserun: re-run with -fresh to discard the checkpoint and start over")
		}
		return 1
	}

	fmt.Println(report.RenderRunSummary(res))
	switch res.Status {
	case orchestrator.RunCompleted:
		return 0
	case orchestrator.RunCancelled:
		return 130
	default:
		return 2
	}
}

// showHistory lists recorded runs from the audit store. A run id (full
// or unambiguous prefix) selects one run and prints its task attempts
// and gate decisions.
func showHistory(ctx context.Context, dbPath, runID string) int {
	store, err := history.NewSQLiteStore(ctx, dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "phaserun: %v\n", err)
		return 1
	}
	defer store.Close()

	runs, err := store.Runs(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "phaserun: %v\n", err)
		return 1
	}
	if runID == "" {
		fmt.Println(report.RenderRunHistory(runs))
		return 0
	}

	var matches []history.Run
	for _, r := range runs {
		if strings.HasPrefix(r.ID, runID) {
			matches = append(matches, r)
		}
	}
	switch len(matches) {
	case 0:
		fmt.Fprintf(os.Stderr, "phaserun: no run matches %q\n", runID)
		return 1
	case 1:
	default:
		fmt.Fprintf(os.Stderr, "phaserun: %d runs match %q\n", len(matches), runID)
		return 1
	}

	run := matches[0]
	atts, err := store.Attempts(ctx, run.ID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "phaserun: %v\n", err)
		return 1
	}
	gates, err := store.GateDecisions(ctx, run.ID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "phaserun: %v\n", err)
		return 1
	}
	fmt.Println(report.RenderRunDetail(run, atts, gates))
	return 0
}

func printProgress(ch <-chan events.Event) {
	for ev := range ch {
		if line := report.RenderEvent(ev); line != "" {
			fmt.Println(line)
		}
	}
}

// stdinConfirm prompts the operator on the terminal for tasks that
// require a human decision. Anything after "y"/"yes" or "n"/"no" is
// recorded as the note.
func stdinConfirm(ctx context.Context, taskID, prompt string) (bool, string, error) {
	fmt.Printf("\ntask %s requires confirmation:\n%s\n[y/N] > ", taskID, prompt)

	lines := make(chan string, 1)
	go func() {
		reader := bufio.NewReader(os.Stdin)
		line, _ := reader.ReadString('\n')
		lines <- line
	}()

	select {
	case <-ctx.Done():
		return false, "", ctx.Err()
	case line := <-lines:
		fields := strings.Fields(line)
		if len(fields) == 0 {
			return false, "", nil
		}
		answer := strings.ToLower(fields[0])
		note := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), fields[0]))
		return answer == "y" || answer == "yes", note, nil
	}
}
