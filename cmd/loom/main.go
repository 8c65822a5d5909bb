package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/loomworks/loom/internal/scheduler"
	"github.com/loomworks/loom/pkg/schema"
)

func usage() {
	fmt.Fprintf(os.Stderr, `loom - workflow execution engine

Usage:
  loom run <workflow.json> [-trigger '{"k":"v"}'] [-follow]
  loom resume <execution-id> <node-id> <response text...>
  loom retry <execution-id> <node-id>
  loom cancel <execution-id>
  loom serve
  loom timers [-follow]
  loom schedule add <workflow.json> -cron '<spec>' [-trigger '{"k":"v"}']
  loom schedule list
  loom schedule rm <schedule-id>
  loom secret set <key> <value> | get <key> | list | rm <key>
  loom list [-limit N] [-offset N]
  loom show <execution-id>
  loom events <execution-id>
  loom validate <workflow.json>
  loom version

Environment:
  LOOM_DB_PATH, LOOM_LOG_LEVEL, LOOM_POOL_SIZE, LOOM_TIMER_POLL_MS,
  LOOM_VAULT_PASSPHRASE
`)
	os.Exit(2)
}

func main() {
	if len(os.Args) < 2 {
		usage()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := loadConfig()

	var err error
	switch os.Args[1] {
	case "run":
		err = cmdRun(ctx, cfg, os.Args[2:])
	case "resume":
		err = cmdResume(ctx, cfg, os.Args[2:])
	case "retry":
		err = cmdRetry(ctx, cfg, os.Args[2:])
	case "cancel":
		err = cmdCancel(ctx, cfg, os.Args[2:])
	case "serve":
		err = cmdServe(ctx, cfg)
	case "timers":
		err = cmdTimers(ctx, cfg, os.Args[2:])
	case "schedule":
		err = cmdSchedule(ctx, cfg, os.Args[2:])
	case "secret":
		err = cmdSecret(ctx, cfg, os.Args[2:])
	case "list":
		err = cmdList(ctx, cfg, os.Args[2:])
	case "show":
		err = cmdShow(ctx, cfg, os.Args[2:])
	case "events":
		err = cmdEvents(ctx, cfg, os.Args[2:])
	case "validate":
		err = cmdValidate(cfg, os.Args[2:])
	case "version":
		fmt.Println(versionString())
	default:
		usage()
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func cmdRun(ctx context.Context, cfg Config, args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	triggerJSON := fs.String("trigger", "", "trigger data as a JSON object")
	follow := fs.Bool("follow", false, "keep polling timers until the execution ends or needs input")
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("run expects exactly one workflow file")
	}

	wf, err := loadWorkflow(fs.Arg(0))
	if err != nil {
		return err
	}

	app, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer app.Close()

	if err := app.validateWorkflow(wf); err != nil {
		return err
	}

	trigger := schema.TriggerInfo{
		TriggerType: "manual",
		Timestamp:   time.Now().UTC(),
	}
	if *triggerJSON != "" {
		if err := json.Unmarshal([]byte(*triggerJSON), &trigger.TriggerData); err != nil {
			return fmt.Errorf("parse trigger data: %w", err)
		}
	}

	exec, err := app.runWorkflow(ctx, wf, trigger)
	if err != nil {
		return err
	}

	if *follow {
		exec, err = app.followTimers(ctx, exec)
		if err != nil {
			return err
		}
	}

	printExecution(exec)
	if exec.Status == schema.ExecutionStatusError {
		os.Exit(1)
	}
	return nil
}

func cmdResume(ctx context.Context, cfg Config, args []string) error {
	if len(args) < 3 {
		return fmt.Errorf("resume expects <execution-id> <node-id> <response text>")
	}
	app, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer app.Close()

	input := strings.Join(args[2:], " ")
	exec, err := app.engine.ResumeWithUserInput(ctx, args[0], args[1], input)
	if err != nil {
		return err
	}
	printExecution(exec)
	return nil
}

func cmdRetry(ctx context.Context, cfg Config, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("retry expects <execution-id> <node-id>")
	}
	app, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer app.Close()

	exec, err := app.engine.RetryNode(ctx, args[0], args[1])
	if err != nil {
		return err
	}
	printExecution(exec)
	return nil
}

func cmdCancel(ctx context.Context, cfg Config, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("cancel expects <execution-id>")
	}
	app, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer app.Close()

	if err := app.engine.Cancel(ctx, args[0]); err != nil {
		return err
	}
	fmt.Println("cancel requested for", args[0])
	return nil
}

func cmdTimers(ctx context.Context, cfg Config, args []string) error {
	fs := flag.NewFlagSet("timers", flag.ExitOnError)
	follow := fs.Bool("follow", false, "poll continuously instead of once")
	_ = fs.Parse(args)

	app, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer app.Close()

	for {
		resumed, err := app.engine.ResumeDueTimers(ctx)
		if err != nil {
			return err
		}
		if resumed > 0 {
			fmt.Printf("resumed %d execution(s)\n", resumed)
		}
		if !*follow {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(cfg.timerPoll()):
		}
	}
}

// cmdServe runs the long-lived maintenance loop: cron schedules fire stored
// workflows and due timers resume suspended executions.
func cmdServe(ctx context.Context, cfg Config) error {
	app, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer app.Close()

	sched := scheduler.New(app.store, appRunner{app}, app.logger)
	if err := sched.RecoverMissed(ctx); err != nil {
		return err
	}
	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer sched.Stop()

	fmt.Println("serving; press ctrl-c to stop")
	for {
		if _, err := app.engine.ResumeDueTimers(ctx); err != nil && ctx.Err() == nil {
			app.logger.Error("timer poll failed", "error", err.Error())
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(cfg.timerPoll()):
		}
	}
}

func cmdSchedule(ctx context.Context, cfg Config, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("schedule expects a subcommand: add, list or rm")
	}

	app, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer app.Close()

	sched := scheduler.New(app.store, appRunner{app}, app.logger)

	switch args[0] {
	case "add":
		fs := flag.NewFlagSet("schedule add", flag.ExitOnError)
		cronExpr := fs.String("cron", "", "cron expression, e.g. '0 9 * * 1-5'")
		triggerJSON := fs.String("trigger", "", "trigger data as a JSON object")
		_ = fs.Parse(args[1:])
		if fs.NArg() != 1 || *cronExpr == "" {
			return fmt.Errorf("schedule add expects a workflow file and -cron")
		}

		wf, err := loadWorkflow(fs.Arg(0))
		if err != nil {
			return err
		}
		if err := app.validateWorkflow(wf); err != nil {
			return err
		}
		if err := app.store.SaveWorkflow(ctx, wf); err != nil {
			return err
		}

		s := &schema.Schedule{
			ID:              uuid.NewString(),
			WorkflowID:      wf.ID,
			WorkflowVersion: wf.Version,
			CronExpr:        *cronExpr,
			Enabled:         true,
		}
		if *triggerJSON != "" {
			if err := json.Unmarshal([]byte(*triggerJSON), &s.TriggerData); err != nil {
				return fmt.Errorf("parse trigger data: %w", err)
			}
		}
		if err := sched.Register(ctx, s); err != nil {
			return err
		}
		fmt.Printf("schedule %s registered; next run %s\n",
			s.ID, s.NextRunAt.Format(time.RFC3339))
		return nil

	case "list":
		schedules, err := app.store.ListSchedules(ctx, false)
		if err != nil {
			return err
		}
		for _, s := range schedules {
			state := "enabled"
			if !s.Enabled {
				state = "disabled"
			}
			next := "-"
			if s.NextRunAt != nil {
				next = s.NextRunAt.Format(time.RFC3339)
			}
			fmt.Printf("%s  %-8s  %-16s  next=%s  workflow=%s\n",
				s.ID, state, s.CronExpr, next, s.WorkflowID)
		}
		return nil

	case "rm":
		if len(args) != 2 {
			return fmt.Errorf("schedule rm expects <schedule-id>")
		}
		if err := app.store.DeleteSchedule(ctx, args[1]); err != nil {
			return err
		}
		fmt.Println("schedule removed:", args[1])
		return nil

	default:
		return fmt.Errorf("unknown schedule subcommand %q", args[0])
	}
}

func cmdSecret(ctx context.Context, cfg Config, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("secret expects a subcommand: set, get, list or rm")
	}

	app, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer app.Close()

	vault, err := app.vault()
	if err != nil {
		return err
	}

	switch args[0] {
	case "set":
		if len(args) != 3 {
			return fmt.Errorf("secret set expects <key> <value>")
		}
		if err := vault.Store(ctx, args[1], []byte(args[2])); err != nil {
			return err
		}
		fmt.Println("secret stored:", args[1])
		return nil

	case "get":
		if len(args) != 2 {
			return fmt.Errorf("secret get expects <key>")
		}
		value, err := vault.Resolve(ctx, args[1])
		if err != nil {
			return err
		}
		fmt.Println(string(value))
		return nil

	case "list":
		keys, err := vault.List(ctx)
		if err != nil {
			return err
		}
		for _, k := range keys {
			fmt.Println(k)
		}
		return nil

	case "rm":
		if len(args) != 2 {
			return fmt.Errorf("secret rm expects <key>")
		}
		if err := vault.Delete(ctx, args[1]); err != nil {
			return err
		}
		fmt.Println("secret removed:", args[1])
		return nil

	default:
		return fmt.Errorf("unknown secret subcommand %q", args[0])
	}
}

func cmdList(ctx context.Context, cfg Config, args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	limit := fs.Int("limit", 20, "maximum executions to show")
	offset := fs.Int("offset", 0, "pagination offset")
	_ = fs.Parse(args)

	app, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer app.Close()

	execs, err := app.engine.ListExecutions(ctx, *limit, *offset)
	if err != nil {
		return err
	}
	for _, exec := range execs {
		fmt.Printf("%s  %-17s  %s  workflow=%s\n",
			exec.ID, exec.Status, exec.StartedAt.Format(time.RFC3339), exec.WorkflowID)
	}
	return nil
}

func cmdShow(ctx context.Context, cfg Config, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("show expects <execution-id>")
	}
	app, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer app.Close()

	exec, err := app.engine.GetExecution(ctx, args[0])
	if err != nil {
		return err
	}
	return printJSON(exec)
}

func cmdEvents(ctx context.Context, cfg Config, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("events expects <execution-id>")
	}
	app, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer app.Close()

	events, err := app.store.ListEvents(ctx, args[0], 0)
	if err != nil {
		return err
	}
	for _, ev := range events {
		node := ev.NodeID
		if node == "" {
			node = "-"
		}
		fmt.Printf("%4d  %s  %-22s  node=%s\n",
			ev.Sequence, ev.Timestamp.Format(time.RFC3339), ev.Type, node)
	}
	return nil
}

func cmdValidate(cfg Config, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("validate expects exactly one workflow file")
	}
	wf, err := loadWorkflow(args[0])
	if err != nil {
		return err
	}

	app, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer app.Close()

	result, err := app.validator.Validate(wf)
	if err != nil {
		return err
	}
	for _, issue := range result.Errors {
		fmt.Println("error:", issue.String())
	}
	for _, issue := range result.Warnings {
		fmt.Println("warning:", issue.String())
	}
	if !result.Valid() {
		os.Exit(1)
	}
	fmt.Println("workflow is valid")
	return nil
}

func loadWorkflow(path string) (*schema.Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow: %w", err)
	}
	var wf schema.Workflow
	if err := json.Unmarshal(data, &wf); err != nil {
		return nil, fmt.Errorf("parse workflow %s: %w", filepath.Base(path), err)
	}
	return &wf, nil
}

func printExecution(exec *schema.Execution) {
	fmt.Printf("execution %s: %s\n", exec.ID, exec.Status)
	for _, nodeID := range exec.ExecutionSequence {
		if ne, ok := exec.NodeExecutions[nodeID]; ok {
			fmt.Printf("  %-20s %s (%dms)\n", ne.NodeName, ne.Status, ne.DurationMs)
		}
	}
	if exec.Status == schema.ExecutionStatusWaitingForHuman {
		fmt.Printf("waiting for input on node %s; resume with:\n", exec.CurrentNodeID)
		fmt.Printf("  loom resume %s %s <response>\n", exec.ID, exec.CurrentNodeID)
	}
	if exec.Error != nil {
		fmt.Printf("  error at %s: [%s] %s\n", exec.Error.ErrorNodeID, exec.Error.Code, exec.Error.Message)
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// validateWorkflow runs the full validation pipeline and renders findings as
// one error.
func (a *app) validateWorkflow(wf *schema.Workflow) error {
	result, err := a.validator.Validate(wf)
	if err != nil {
		return err
	}
	if !result.Valid() {
		lines := make([]string, len(result.Errors))
		for i, issue := range result.Errors {
			lines[i] = issue.String()
		}
		return fmt.Errorf("workflow validation failed:\n  %s", strings.Join(lines, "\n  "))
	}
	return nil
}
