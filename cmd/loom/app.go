package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loomworks/loom/internal/connection"
	"github.com/loomworks/loom/internal/engine"
	"github.com/loomworks/loom/internal/hil"
	"github.com/loomworks/loom/internal/logging"
	"github.com/loomworks/loom/internal/mapping"
	"github.com/loomworks/loom/internal/runners"
	"github.com/loomworks/loom/internal/secrets"
	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/internal/streaming"
	"github.com/loomworks/loom/internal/timers"
	"github.com/loomworks/loom/internal/validation"
	"github.com/loomworks/loom/pkg/schema"
)

// app wires the engine and its collaborators for one CLI invocation.
type app struct {
	cfg       Config
	engine    *engine.Engine
	store     *store.LibSQLStore
	hub       *streaming.MemoryHub
	validator *validation.WorkflowValidator
	logger    *slog.Logger
}

func newApp(cfg Config) (*app, error) {
	logger := slog.New(logging.NewCorrelationHandler(
		slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.logLevel()})))

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	st, err := store.NewLibSQLStore(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(context.Background()); err != nil {
		st.Close()
		return nil, err
	}

	processor, err := mapping.NewProcessor(logger)
	if err != nil {
		st.Close()
		return nil, err
	}

	registry, err := runners.NewDefaultRegistry()
	if err != nil {
		st.Close()
		return nil, err
	}

	validator, err := validation.NewWorkflowValidator(registry)
	if err != nil {
		st.Close()
		return nil, err
	}

	hub := streaming.NewMemoryHub()
	events := store.Fanout{
		store.NewRecorder(st, logger),
		streaming.NewHubPublisher(hub),
	}

	eng := engine.New(engine.Config{
		Runners:    registry,
		Repository: st,
		Events:     events,
		Timers:     timers.NewService(st, logger),
		Classifier: hil.NewKeywordClassifier(),
		Connection: connection.NewExecutor(processor, logger),
		Logger:     logger,
		PoolSize:   cfg.PoolSize,
	})

	return &app{
		cfg:       cfg,
		engine:    eng,
		store:     st,
		hub:       hub,
		validator: validator,
		logger:    logger,
	}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.logger.Warn("failed to close store", slog.String("error", err.Error()))
	}
}

// vault opens the AES secret vault, deriving the key from the configured
// passphrase and a per-installation salt file next to the database.
func (a *app) vault() (*secrets.AESVault, error) {
	if a.cfg.VaultPassphrase == "" {
		return nil, fmt.Errorf("vault passphrase not set (export LOOM_VAULT_PASSPHRASE)")
	}
	salt, err := loadOrCreateSalt(filepath.Join(filepath.Dir(a.cfg.DBPath), "vault.salt"))
	if err != nil {
		return nil, err
	}
	return secrets.NewAESVault(a.store, secrets.VaultConfig{
		Passphrase: a.cfg.VaultPassphrase,
		Salt:       salt,
	})
}

func loadOrCreateSalt(path string) ([]byte, error) {
	if salt, err := os.ReadFile(path); err == nil && len(salt) > 0 {
		return salt, nil
	}
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate vault salt: %w", err)
	}
	if err := os.WriteFile(path, salt, 0o600); err != nil {
		return nil, fmt.Errorf("write vault salt: %w", err)
	}
	return salt, nil
}

// runWorkflow resolves secret references when the workflow carries any, then
// starts the run.
func (a *app) runWorkflow(ctx context.Context, wf *schema.Workflow, trigger schema.TriggerInfo) (*schema.Execution, error) {
	if secrets.HasReferences(wf) {
		vault, err := a.vault()
		if err != nil {
			return nil, err
		}
		wf, err = secrets.NewInjector(vault).InjectWorkflow(ctx, wf)
		if err != nil {
			return nil, err
		}
	}
	return a.engine.Run(ctx, wf, trigger)
}

// appRunner adapts the app's secret-injecting run path to the scheduler.
type appRunner struct{ app *app }

func (r appRunner) Run(ctx context.Context, wf *schema.Workflow, trigger schema.TriggerInfo) (*schema.Execution, error) {
	return r.app.runWorkflow(ctx, wf, trigger)
}

// followTimers keeps polling the timer service until the execution reaches a
// terminal state or parks waiting for human input.
func (a *app) followTimers(ctx context.Context, exec *schema.Execution) (*schema.Execution, error) {
	for {
		current, err := a.engine.GetExecution(ctx, exec.ID)
		if err != nil {
			return exec, err
		}
		if current.Status.Terminal() || current.Status == schema.ExecutionStatusWaitingForHuman ||
			current.Status == schema.ExecutionStatusPaused {
			return current, nil
		}

		if _, err := a.engine.ResumeDueTimers(ctx); err != nil {
			return current, err
		}

		select {
		case <-ctx.Done():
			return current, nil
		case <-time.After(a.cfg.timerPoll()):
		}
	}
}
