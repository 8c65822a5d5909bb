package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loomworks/loom/internal/connection"
	"github.com/loomworks/loom/internal/logging"
	"github.com/loomworks/loom/pkg/schema"
)

// Repository persists executions and the workflows they run, so suspended
// executions can be rebuilt later.
type Repository interface {
	SaveExecution(ctx context.Context, exec *schema.Execution) error
	GetExecution(ctx context.Context, id string) (*schema.Execution, error)
	ListExecutions(ctx context.Context, limit, offset int) ([]*schema.Execution, error)
	SaveWorkflow(ctx context.Context, wf *schema.Workflow) error
	GetWorkflow(ctx context.Context, id string, version int) (*schema.Workflow, error)
}

// EventPublisher receives engine notifications. Implementations must not
// block the driver.
type EventPublisher interface {
	Publish(ctx context.Context, event schema.Event)
}

// TimerService schedules and surfaces wall-clock resumes. The engine never
// sleeps on these; callers poll ResumeDueTimers.
type TimerService interface {
	Schedule(ctx context.Context, timer schema.Timer) error
	Due(ctx context.Context, now time.Time) ([]schema.Timer, error)
	Cancel(ctx context.Context, timerID string) error
}

// Classifier maps a human response to the output port it resumes on.
type Classifier interface {
	Classify(text string) string
}

// Engine drives workflow executions: one sequential ready-queue per run,
// retry/timeout policy per node, suspend markers, and resume operations.
type Engine struct {
	runners RunnerRegistry
	repo    Repository
	events  EventPublisher
	timers  TimerService
	hil     Classifier
	conn    *connection.Executor
	pool    *WorkerPool
	logger  *slog.Logger

	// sleep is swapped out in tests; production uses a context-aware wait.
	sleep func(ctx context.Context, d time.Duration) error

	mu    sync.Mutex
	locks map[string]*executionLock
	// control holds pause/cancel requests checked between tasks.
	control map[string]schema.ExecutionStatus
}

// executionLock serializes operations on one execution. holders counts the
// goroutines that acquired or are waiting on it, so the registry entry can be
// dropped once the last one releases.
type executionLock struct {
	mu      sync.Mutex
	holders int
}

// Config wires the engine's collaborators.
type Config struct {
	Runners    RunnerRegistry
	Repository Repository
	Events     EventPublisher
	Timers     TimerService
	Classifier Classifier
	Connection *connection.Executor
	Logger     *slog.Logger
	PoolSize   int
}

// New creates an Engine.
func New(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 8
	}
	return &Engine{
		runners: cfg.Runners,
		repo:    cfg.Repository,
		events:  cfg.Events,
		timers:  cfg.Timers,
		hil:     cfg.Classifier,
		conn:    cfg.Connection,
		pool:    NewWorkerPool(poolSize),
		logger:  logger,
		sleep:   sleepCtx,
		locks:   make(map[string]*executionLock),
		control: make(map[string]schema.ExecutionStatus),
	}
}

// task is one queued node activation. override replaces accumulated pending
// inputs for fan-out children.
type task struct {
	nodeID             string
	override           map[string]any
	parentActivationID string
}

// Run executes a workflow from its trigger. Validation failures return
// (nil, err) before any node runs; node failures return the execution with
// its error populated and a nil error.
func (e *Engine) Run(ctx context.Context, wf *schema.Workflow, trigger schema.TriggerInfo) (*schema.Execution, error) {
	if err := e.preflight(wf); err != nil {
		return nil, err
	}

	g, err := BuildGraph(wf)
	if err != nil {
		return nil, err
	}

	ec := NewExecutionContext(wf, g, trigger)
	ctx = logging.WithExecutionID(ctx, ec.Execution.ID)
	ctx = logging.WithWorkflowID(ctx, wf.ID)

	e.lockFor(ec.Execution.ID).Lock()
	defer e.unlock(ec.Execution.ID)

	if err := e.repo.SaveWorkflow(ctx, wf); err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "failed to persist workflow").WithCause(err)
	}
	if err := e.save(ctx, ec); err != nil {
		return nil, err
	}
	e.publish(ctx, ec, schema.EventExecutionStarted, "", nil)

	queue := make([]task, 0, len(wf.Nodes))
	for _, id := range g.Sources(wf) {
		queue = append(queue, task{nodeID: id})
	}

	if err := e.drive(ctx, ec, queue); err != nil {
		return ec.Execution, err
	}
	return ec.Execution, nil
}

// preflight verifies every node has a registered Runner and every connection
// and mapping is well-formed.
func (e *Engine) preflight(wf *schema.Workflow) error {
	if len(wf.Nodes) == 0 {
		return schema.NewError(schema.ErrCodeValidation, "workflow has no nodes")
	}
	for i := range wf.Nodes {
		node := &wf.Nodes[i]
		if _, ok := e.runners.Get(node.RunnerType()); !ok {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"no runner registered for node type %q", node.RunnerType()).
				WithNode(node.ID)
		}
	}
	return e.conn.ValidateConnections(wf)
}

// drive processes the ready queue until it is empty, a node fails, or a
// suspend marker parks the execution. Returns nil in all three cases; the
// execution record carries the outcome.
func (e *Engine) drive(ctx context.Context, ec *ExecutionContext, queue []task) error {
	for len(queue) > 0 {
		if done, err := e.applyControl(ctx, ec); done || err != nil {
			return err
		}

		t := queue[0]
		queue = queue[1:]

		// A node can be enqueued twice when several upstream completions make
		// it ready in the same drive; only the first activation runs. Fan-out
		// children carry overrides and always run.
		if t.override == nil && ec.Activated(t.nodeID) {
			continue
		}

		node, ok := ec.Graph.Node(t.nodeID)
		if !ok {
			return schema.NewErrorf(schema.ErrCodeExecution, "queued unknown node %s", t.nodeID)
		}

		inputs := t.override
		if inputs == nil {
			inputs = ec.Inputs(t.nodeID)
		}
		ec.MarkActivated(t.nodeID)

		ne := ec.BeginActivation(node, inputs, t.parentActivationID)
		nodeCtx := logging.WithNodeID(ctx, node.ID)
		e.publish(nodeCtx, ec, schema.EventNodeStarted, node.ID, map[string]any{
			"activation_id": ne.ActivationID,
		})

		outputs, runErr := e.runWithRetry(nodeCtx, ec, node, ne, inputs)
		if runErr != nil {
			e.failExecution(nodeCtx, ec, node, ne, runErr)
			return nil
		}

		suspended, err := e.interpretOutputs(nodeCtx, ec, node, ne, outputs)
		if err != nil {
			return err
		}
		if suspended {
			return nil
		}

		newlyReady := e.propagate(nodeCtx, ec, node, ne, outputs)
		queue = append(queue, newlyReady...)

		if err := e.save(nodeCtx, ec); err != nil {
			return err
		}
	}

	return e.completeExecution(ctx, ec)
}

// applyControl honors a pending pause or cancel request. Cooperative only:
// the current in-flight node has already finished when this runs.
func (e *Engine) applyControl(ctx context.Context, ec *ExecutionContext) (bool, error) {
	e.mu.Lock()
	requested, ok := e.control[ec.Execution.ID]
	if ok {
		delete(e.control, ec.Execution.ID)
	}
	e.mu.Unlock()
	if !ok {
		return false, nil
	}

	if err := TransitionExecution(ec.Execution, requested); err != nil {
		return false, err
	}
	eventType := schema.EventExecutionPaused
	if requested == schema.ExecutionStatusCancelled {
		eventType = schema.EventExecutionCancelled
		now := time.Now().UTC()
		ec.Execution.EndedAt = &now
	}
	if err := e.save(ctx, ec); err != nil {
		return false, err
	}
	e.publish(ctx, ec, eventType, "", nil)
	return true, nil
}

// runWithRetry invokes the node's Runner with the configured retry loop:
// attempts = retries + 1 invocations, exponential backoff with jitter between
// attempts, per-attempt timeout enforced on the worker pool.
func (e *Engine) runWithRetry(ctx context.Context, ec *ExecutionContext, node *schema.Node, ne *schema.NodeExecution, inputs map[string]any) (map[string]any, error) {
	runner, ok := e.runners.Get(node.RunnerType())
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"no runner registered for node type %q", node.RunnerType()).WithNode(node.ID)
	}

	policy := PolicyFor(node.Config)
	trigger := ec.Execution.Trigger

	var lastErr error
	for attempt := 0; attempt <= policy.Attempts; attempt++ {
		if attempt > 0 {
			if err := TransitionNode(ne, schema.NodeStatusRetrying); err != nil {
				return nil, err
			}
			e.publish(ctx, ec, schema.EventNodeRetrying, node.ID, map[string]any{
				"attempt": attempt + 1,
				"error":   lastErr.Error(),
			})
			if err := e.sleep(ctx, policy.Delay(attempt)); err != nil {
				return nil, schema.NewError(schema.ErrCodeCancelled, "cancelled during retry backoff").WithCause(err)
			}
			if err := TransitionNode(ne, schema.NodeStatusRunning); err != nil {
				return nil, err
			}
		}

		outputs, err := e.pool.Do(ctx, policy.Timeout, func(callCtx context.Context) (map[string]any, error) {
			return runner.Run(callCtx, node, inputs, trigger)
		})
		if err == nil {
			return outputs, nil
		}
		lastErr = err

		if fe, ok := err.(*schema.FlowError); ok && !fe.IsRetryable() {
			return nil, err
		}
		e.logger.WarnContext(ctx, "node attempt failed",
			slog.Int("attempt", attempt+1),
			slog.Int("max_attempts", policy.Attempts+1),
			slog.String("error", err.Error()),
		)
	}

	return nil, schema.NewErrorf(schema.ErrCodeRetryExhausted,
		"node failed after %d attempts: %s", policy.Attempts+1, lastErr.Error()).
		WithNode(node.ID).WithCause(lastErr)
}

// failExecution records a node failure and moves the execution to ERROR.
// Remaining queued work is abandoned.
func (e *Engine) failExecution(ctx context.Context, ec *ExecutionContext, node *schema.Node, ne *schema.NodeExecution, runErr error) {
	now := time.Now().UTC()
	code := schema.ErrCodeNodeFailed
	if fe, ok := runErr.(*schema.FlowError); ok {
		code = fe.Code
	}

	ne.Error = &schema.NodeError{
		Code:        code,
		Message:     runErr.Error(),
		IsRetryable: false,
		Timestamp:   now,
	}
	ec.FinishActivation(ne, schema.NodeStatusFailed)

	ec.Execution.Error = &schema.ExecutionError{
		Code:        code,
		Message:     runErr.Error(),
		ErrorNodeID: node.ID,
		Timestamp:   now,
	}
	if err := TransitionExecution(ec.Execution, schema.ExecutionStatusError); err != nil {
		e.logger.ErrorContext(ctx, "status transition failed", slog.String("error", err.Error()))
	}
	ec.Execution.EndedAt = &now
	e.clearControl(ec.Execution.ID)

	e.publish(ctx, ec, schema.EventNodeFailed, node.ID, map[string]any{"error": runErr.Error()})
	e.publish(ctx, ec, schema.EventExecutionFailed, "", map[string]any{"error_node_id": node.ID})

	if err := e.save(ctx, ec); err != nil {
		e.logger.ErrorContext(ctx, "failed to persist errored execution", slog.String("error", err.Error()))
	}
}

// interpretOutputs handles the suspend markers in priority order, then the
// ordinary completion path. Returns suspended=true when the driver must hand
// control back to the caller.
func (e *Engine) interpretOutputs(ctx context.Context, ec *ExecutionContext, node *schema.Node, ne *schema.NodeExecution, outputs map[string]any) (bool, error) {
	e.publishStreamChunks(ctx, ec, node, outputs)
	e.mergeMetrics(ec, ne, outputs)

	if truthyMarker(outputs[MarkerHILWait]) {
		return true, e.suspendForHuman(ctx, ec, node, ne, outputs)
	}
	if truthyMarker(outputs[MarkerWait]) {
		return true, e.suspendForWait(ctx, ec, node, ne, outputs)
	}
	if ms, ok := asMillis(outputs[MarkerDelayMs]); ok {
		return true, e.suspendForDelay(ctx, ec, node, ne, outputs, ms)
	}

	ne.OutputData = outputs
	ec.FinishActivation(ne, schema.NodeStatusCompleted)
	ec.SetOutput(node.ID, outputs)
	ec.Execution.CreditsUsed += node.Config.CreditCost
	e.publish(ctx, ec, schema.EventNodeCompleted, node.ID, map[string]any{
		"activation_id": ne.ActivationID,
		"duration_ms":   ne.DurationMs,
	})
	return false, nil
}

func (e *Engine) suspendForHuman(ctx context.Context, ec *ExecutionContext, node *schema.Node, ne *schema.NodeExecution, outputs map[string]any) error {
	ne.OutputData = outputs
	if err := TransitionNode(ne, schema.NodeStatusWaitingInput); err != nil {
		return err
	}
	if err := TransitionExecution(ec.Execution, schema.ExecutionStatusWaitingForHuman); err != nil {
		return err
	}
	ec.Execution.CurrentNodeID = node.ID

	if secs, ok := asMillis(outputs[MarkerHILTimeoutSecs]); ok && secs > 0 {
		e.scheduleTimer(ctx, ec, node.ID, time.Duration(secs)*time.Second, schema.TimerReasonHILTimeout, "")
	}

	data := map[string]any{}
	if id, ok := outputs[MarkerHILInteraction].(string); ok {
		data["interaction_id"] = id
	}
	e.publish(ctx, ec, schema.EventUserInputRequired, node.ID, data)
	e.publish(ctx, ec, schema.EventExecutionPaused, node.ID, nil)
	return e.save(ctx, ec)
}

func (e *Engine) suspendForWait(ctx context.Context, ec *ExecutionContext, node *schema.Node, ne *schema.NodeExecution, outputs map[string]any) error {
	ne.OutputData = outputs
	if err := TransitionNode(ne, schema.NodeStatusWaitingInput); err != nil {
		return err
	}
	if err := TransitionExecution(ec.Execution, schema.ExecutionStatusWaiting); err != nil {
		return err
	}
	ec.Execution.CurrentNodeID = node.ID

	if ms, ok := asMillis(outputs[MarkerWaitTimeoutMs]); ok && ms > 0 {
		e.scheduleTimer(ctx, ec, node.ID, time.Duration(ms)*time.Millisecond, schema.TimerReasonWaitTimeout, "")
	}

	e.publish(ctx, ec, schema.EventExecutionPaused, node.ID, nil)
	return e.save(ctx, ec)
}

func (e *Engine) suspendForDelay(ctx context.Context, ec *ExecutionContext, node *schema.Node, ne *schema.NodeExecution, outputs map[string]any, ms int64) error {
	ne.OutputData = outputs
	if err := TransitionNode(ne, schema.NodeStatusWaitingInput); err != nil {
		return err
	}
	if err := TransitionExecution(ec.Execution, schema.ExecutionStatusWaiting); err != nil {
		return err
	}
	ec.Execution.CurrentNodeID = node.ID

	e.scheduleTimer(ctx, ec, node.ID, time.Duration(ms)*time.Millisecond, schema.TimerReasonDelay, "")
	e.publish(ctx, ec, schema.EventExecutionPaused, node.ID, nil)
	return e.save(ctx, ec)
}

func (e *Engine) scheduleTimer(ctx context.Context, ec *ExecutionContext, nodeID string, delay time.Duration, reason, port string) {
	if e.timers == nil {
		return
	}
	timer := schema.Timer{
		ID:          uuid.NewString(),
		ExecutionID: ec.Execution.ID,
		NodeID:      nodeID,
		FireAt:      time.Now().UTC().Add(delay),
		Reason:      reason,
		Port:        port,
	}
	if err := e.timers.Schedule(ctx, timer); err != nil {
		e.logger.ErrorContext(ctx, "failed to schedule timer",
			slog.String("reason", reason), slog.String("error", err.Error()))
		return
	}
	e.publish(ctx, ec, schema.EventTimerScheduled, nodeID, map[string]any{
		"timer_id": timer.ID,
		"fire_at":  timer.FireAt,
		"reason":   reason,
	})
}

// propagate delivers a completed node's outputs along every outgoing edge and
// returns the tasks that became ready. The iteration port fans a list out
// into one child task per item; ordinary edges accumulate into the target's
// pending inputs.
func (e *Engine) propagate(ctx context.Context, ec *ExecutionContext, node *schema.Node, ne *schema.NodeExecution, outputs map[string]any) []task {
	var ready []task
	contextData := ec.ContextData()

	for _, edge := range ec.Graph.Successors(node.ID) {
		if edge.FromPort == IterationPort {
			items, ok := outputs[IterationPort].([]any)
			if !ok {
				e.logger.WarnContext(ctx, "iteration port is not a list, skipping fan-out",
					slog.String("target_node", edge.TargetID))
				continue
			}
			for _, item := range items {
				delivery, err := e.conn.Execute(ctx, edge.Conn,
					map[string]any{IterationPort: item}, contextData)
				value := map[string]any{}
				if err != nil {
					e.logger.WarnContext(ctx, "fan-out mapping failed, delivering empty value",
						slog.String("target_node", edge.TargetID),
						slog.String("error", err.Error()))
				} else {
					value = delivery.Value
				}
				ready = append(ready, task{
					nodeID:             edge.TargetID,
					override:           map[string]any{edge.ToPort: value},
					parentActivationID: ne.ActivationID,
				})
			}
			continue
		}

		// A named port absent from the outputs is a branch not taken.
		if edge.FromPort != "" && edge.FromPort != connection.DefaultPort {
			if _, present := outputs[edge.FromPort]; !present {
				continue
			}
		}

		delivery, err := e.conn.Execute(ctx, edge.Conn, outputs, contextData)
		var value map[string]any
		if err != nil {
			e.logger.WarnContext(ctx, "connection failed, delivering empty value",
				slog.String("target_node", edge.TargetID),
				slog.String("error", err.Error()))
			value = map[string]any{}
		} else {
			value = delivery.Value
		}
		ec.AddInput(edge.TargetID, edge.ToPort, value)

		if !ec.Activated(edge.TargetID) && ec.IsNodeReady(edge.TargetID) {
			ready = append(ready, task{nodeID: edge.TargetID})
		}
	}
	return ready
}

func (e *Engine) completeExecution(ctx context.Context, ec *ExecutionContext) error {
	if err := TransitionExecution(ec.Execution, schema.ExecutionStatusSuccess); err != nil {
		return err
	}
	now := time.Now().UTC()
	ec.Execution.EndedAt = &now
	ec.Execution.CurrentNodeID = ""
	e.clearControl(ec.Execution.ID)
	if err := e.save(ctx, ec); err != nil {
		return err
	}
	e.publish(ctx, ec, schema.EventExecutionCompleted, "", nil)
	return nil
}

// ResumeWithUserInput resumes a WAITING_FOR_HUMAN execution: the response
// text is classified into an output port, the suspended node completes on
// that port, and the drive loop continues.
func (e *Engine) ResumeWithUserInput(ctx context.Context, executionID, nodeID, input string) (*schema.Execution, error) {
	e.lockFor(executionID).Lock()
	defer e.unlock(executionID)

	ec, err := e.restore(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if ec.Execution.Status != schema.ExecutionStatusWaitingForHuman {
		return nil, schema.NewErrorf(schema.ErrCodeConflict,
			"execution %s is %s, not waiting for human input", executionID, ec.Execution.Status)
	}

	port := "response"
	if e.hil != nil {
		port = e.hil.Classify(input)
	}
	outputs := map[string]any{
		port: map[string]any{"response": input},
	}
	return e.resumeNode(ctx, ec, nodeID, outputs)
}

// ResumeTimer resumes a WAITING execution whose timer fired. The suspended
// node completes with its pre-suspension outputs, minus the markers, routed
// to port when one was scheduled.
func (e *Engine) ResumeTimer(ctx context.Context, executionID, nodeID, reason, port string) (*schema.Execution, error) {
	e.lockFor(executionID).Lock()
	defer e.unlock(executionID)

	ec, err := e.restore(ctx, executionID)
	if err != nil {
		return nil, err
	}
	switch ec.Execution.Status {
	case schema.ExecutionStatusWaiting, schema.ExecutionStatusWaitingForHuman:
	default:
		return nil, schema.NewErrorf(schema.ErrCodeConflict,
			"execution %s is %s, not waiting on a timer", executionID, ec.Execution.Status)
	}

	ne, ok := ec.Execution.NodeExecutions[nodeID]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound,
			"execution %s has no record for node %s", executionID, nodeID)
	}

	outputs := stripMarkers(ne.OutputData)
	outputs["resumed_by"] = reason
	if port != "" {
		outputs = map[string]any{port: outputs}
	}
	return e.resumeNode(ctx, ec, nodeID, outputs)
}

// ResumeDueTimers polls the timer service and resumes every due execution.
// Returns the number resumed; individual failures are logged and skipped.
func (e *Engine) ResumeDueTimers(ctx context.Context) (int, error) {
	if e.timers == nil {
		return 0, nil
	}
	due, err := e.timers.Due(ctx, time.Now().UTC())
	if err != nil {
		return 0, schema.NewError(schema.ErrCodeStore, "failed to list due timers").WithCause(err)
	}

	resumed := 0
	for _, timer := range due {
		if _, err := e.ResumeTimer(ctx, timer.ExecutionID, timer.NodeID, timer.Reason, timer.Port); err != nil {
			e.logger.WarnContext(ctx, "timer resume failed",
				slog.String("execution_id", timer.ExecutionID),
				slog.String("node_id", timer.NodeID),
				slog.String("error", err.Error()))
			// A CONFLICT or NOT_FOUND resume can never succeed later: the
			// execution moved on without this timer (e.g. the human answered
			// before the timeout). Clear it instead of retrying every poll.
			var ferr *schema.FlowError
			if errors.As(err, &ferr) &&
				(ferr.Code == schema.ErrCodeConflict || ferr.Code == schema.ErrCodeNotFound) {
				if cerr := e.timers.Cancel(ctx, timer.ID); cerr != nil {
					e.logger.WarnContext(ctx, "failed to clear stale timer",
						slog.String("timer_id", timer.ID),
						slog.String("error", cerr.Error()))
				}
			}
			continue
		}
		if err := e.timers.Cancel(ctx, timer.ID); err != nil {
			e.logger.WarnContext(ctx, "failed to clear fired timer",
				slog.String("timer_id", timer.ID),
				slog.String("error", err.Error()))
		}
		resumed++
	}
	return resumed, nil
}

// resumeNode completes the suspended node with the synthesized outputs and
// continues the drive loop from its successors.
func (e *Engine) resumeNode(ctx context.Context, ec *ExecutionContext, nodeID string, outputs map[string]any) (*schema.Execution, error) {
	node, ok := ec.Graph.Node(nodeID)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow has no node %s", nodeID)
	}
	ne, ok := ec.Execution.NodeExecutions[nodeID]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound,
			"execution %s has no record for node %s", ec.Execution.ID, nodeID)
	}
	if ne.Status != schema.NodeStatusWaitingInput {
		return nil, schema.NewErrorf(schema.ErrCodeConflict,
			"node %s is %s, not waiting for input", nodeID, ne.Status)
	}

	ctx = logging.WithExecutionID(ctx, ec.Execution.ID)
	ctx = logging.WithWorkflowID(ctx, ec.Workflow.ID)

	if err := TransitionExecution(ec.Execution, schema.ExecutionStatusRunning); err != nil {
		return nil, err
	}
	ec.Execution.CurrentNodeID = ""
	e.publish(ctx, ec, schema.EventExecutionResumed, nodeID, nil)

	ne.OutputData = outputs
	ec.FinishActivation(ne, schema.NodeStatusCompleted)
	ec.SetOutput(nodeID, outputs)
	e.publish(ctx, ec, schema.EventNodeCompleted, nodeID, map[string]any{
		"activation_id": ne.ActivationID,
	})

	queue := e.propagate(logging.WithNodeID(ctx, nodeID), ec, node, ne, outputs)
	if err := e.save(ctx, ec); err != nil {
		return ec.Execution, err
	}
	if err := e.drive(ctx, ec, queue); err != nil {
		return ec.Execution, err
	}
	return ec.Execution, nil
}

// restore loads an execution and its workflow, rebuilds the graph, and
// replays completed activations so pending inputs and outputs match the
// pre-suspension state.
func (e *Engine) restore(ctx context.Context, executionID string) (*ExecutionContext, error) {
	exec, err := e.repo.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	wf, err := e.repo.GetWorkflow(ctx, exec.WorkflowID, exec.WorkflowVersion)
	if err != nil {
		return nil, err
	}
	g, err := BuildGraph(wf)
	if err != nil {
		return nil, err
	}

	ec := RestoreExecutionContext(wf, g, exec)
	e.replay(ctx, ec)
	return ec, nil
}

// replay walks the completion sequence, restoring outputs and re-delivering
// every non-iteration edge so un-run successors regain their pending inputs.
// Nothing is enqueued: activated nodes never re-run.
func (e *Engine) replay(ctx context.Context, ec *ExecutionContext) {
	cursor := make(map[string]int)
	contextData := ec.ContextData()

	for _, nodeID := range ec.Execution.ExecutionSequence {
		runs := ec.Execution.NodeRuns[nodeID]
		i := cursor[nodeID]
		if i >= len(runs) {
			continue
		}
		cursor[nodeID] = i + 1
		run := runs[i]

		ec.MarkActivated(nodeID)
		ec.SetOutput(nodeID, run.OutputData)
		contextData = ec.ContextData()

		for _, edge := range ec.Graph.Successors(nodeID) {
			if edge.FromPort == IterationPort {
				continue
			}
			if edge.FromPort != "" && edge.FromPort != connection.DefaultPort {
				if _, present := run.OutputData[edge.FromPort]; !present {
					continue
				}
			}
			delivery, err := e.conn.Execute(ctx, edge.Conn, run.OutputData, contextData)
			if err != nil {
				ec.AddInput(edge.TargetID, edge.ToPort, map[string]any{})
				continue
			}
			ec.AddInput(edge.TargetID, edge.ToPort, delivery.Value)
		}
	}

	// Nodes that ran but never completed (the suspended node) still count as
	// activated so propagation cannot enqueue them twice.
	for nodeID, ne := range ec.Execution.NodeExecutions {
		if ne.Status == schema.NodeStatusWaitingInput || ne.Status == schema.NodeStatusFailed {
			ec.MarkActivated(nodeID)
		}
	}
}

// Pause requests a cooperative pause. A running driver honors it between
// tasks; a suspended execution is flipped directly.
func (e *Engine) Pause(ctx context.Context, executionID string) error {
	return e.requestControl(ctx, executionID, schema.ExecutionStatusPaused)
}

// Cancel requests a cooperative cancel. No mid-node preemption: an in-flight
// node finishes or times out on its own.
func (e *Engine) Cancel(ctx context.Context, executionID string) error {
	return e.requestControl(ctx, executionID, schema.ExecutionStatusCancelled)
}

func (e *Engine) requestControl(ctx context.Context, executionID string, target schema.ExecutionStatus) error {
	exec, err := e.repo.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if exec.Status.Terminal() {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"execution %s already ended as %s", executionID, exec.Status)
	}

	if exec.Status == schema.ExecutionStatusRunning {
		e.mu.Lock()
		e.control[executionID] = target
		e.mu.Unlock()
		return nil
	}

	// Parked executions have no driver to notice the flag.
	if err := TransitionExecution(exec, target); err != nil {
		return err
	}
	if target == schema.ExecutionStatusCancelled {
		now := time.Now().UTC()
		exec.EndedAt = &now
	}
	if err := e.repo.SaveExecution(ctx, exec); err != nil {
		return schema.NewError(schema.ErrCodeStore, "failed to persist execution").WithCause(err)
	}
	eventType := schema.EventExecutionPaused
	if target == schema.ExecutionStatusCancelled {
		eventType = schema.EventExecutionCancelled
	}
	e.publishRaw(ctx, exec, eventType, "", nil)
	return nil
}

// RetryNode resets a failed node to PENDING and re-drives the execution from
// that node with its original inputs.
func (e *Engine) RetryNode(ctx context.Context, executionID, nodeID string) (*schema.Execution, error) {
	e.lockFor(executionID).Lock()
	defer e.unlock(executionID)

	ec, err := e.restore(ctx, executionID)
	if err != nil {
		return nil, err
	}
	ne, ok := ec.Execution.NodeExecutions[nodeID]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound,
			"execution %s has no record for node %s", executionID, nodeID)
	}
	if ne.Status != schema.NodeStatusFailed {
		return nil, schema.NewErrorf(schema.ErrCodeConflict,
			"node %s is %s, only failed nodes can be retried", nodeID, ne.Status)
	}

	if err := TransitionNode(ne, schema.NodeStatusPending); err != nil {
		return nil, err
	}
	ne.Error = nil
	ec.Execution.Error = nil
	ec.Execution.EndedAt = nil
	ec.Execution.Status = schema.ExecutionStatusRunning

	ctx = logging.WithExecutionID(ctx, executionID)
	ctx = logging.WithWorkflowID(ctx, ec.Workflow.ID)
	e.publish(ctx, ec, schema.EventExecutionResumed, nodeID, map[string]any{"retry": true})

	queue := []task{{nodeID: nodeID, override: ne.InputData}}
	if err := e.drive(ctx, ec, queue); err != nil {
		return ec.Execution, err
	}
	return ec.Execution, nil
}

// GetExecution returns a persisted execution.
func (e *Engine) GetExecution(ctx context.Context, executionID string) (*schema.Execution, error) {
	return e.repo.GetExecution(ctx, executionID)
}

// ListExecutions returns a page of persisted executions.
func (e *Engine) ListExecutions(ctx context.Context, limit, offset int) ([]*schema.Execution, error) {
	return e.repo.ListExecutions(ctx, limit, offset)
}

func (e *Engine) save(ctx context.Context, ec *ExecutionContext) error {
	if err := e.repo.SaveExecution(ctx, ec.Execution); err != nil {
		return schema.NewError(schema.ErrCodeStore, "failed to persist execution").WithCause(err)
	}
	return nil
}

func (e *Engine) publish(ctx context.Context, ec *ExecutionContext, eventType, nodeID string, data map[string]any) {
	e.publishRaw(ctx, ec.Execution, eventType, nodeID, data)
}

func (e *Engine) publishRaw(ctx context.Context, exec *schema.Execution, eventType, nodeID string, data map[string]any) {
	if e.events == nil {
		return
	}
	e.events.Publish(ctx, schema.Event{
		Type:        eventType,
		ExecutionID: exec.ID,
		WorkflowID:  exec.WorkflowID,
		NodeID:      nodeID,
		Timestamp:   time.Now().UTC(),
		Data:        data,
	})
}

func (e *Engine) publishStreamChunks(ctx context.Context, ec *ExecutionContext, node *schema.Node, outputs map[string]any) {
	chunks, ok := outputs[MarkerStreamChunks].([]any)
	if !ok {
		return
	}
	for i, chunk := range chunks {
		e.publish(ctx, ec, schema.EventNodeOutputUpdate, node.ID, map[string]any{
			"chunk_index": i,
			"chunk":       chunk,
		})
	}
}

// mergeMetrics folds _tokens and _details markers into the activation record
// and execution aggregates.
func (e *Engine) mergeMetrics(ec *ExecutionContext, ne *schema.NodeExecution, outputs map[string]any) {
	if tokens, ok := outputs[MarkerTokens].(map[string]any); ok {
		if in, ok := asMillis(tokens["input"]); ok {
			ec.Execution.TokensInput += int(in)
		}
		if out, ok := asMillis(tokens["output"]); ok {
			ec.Execution.TokensOutput += int(out)
		}
	}
	if details, ok := outputs[MarkerDetails].(map[string]any); ok {
		if ne.Metrics.Details == nil {
			ne.Metrics.Details = make(map[string]any, len(details))
		}
		for k, v := range details {
			ne.Metrics.Details[k] = v
		}
	}
}

// clearControl drops any pause/cancel request that never got consumed before
// the execution reached a terminal status.
func (e *Engine) clearControl(executionID string) {
	e.mu.Lock()
	delete(e.control, executionID)
	e.mu.Unlock()
}

func (e *Engine) lockFor(executionID string) *sync.Mutex {
	e.mu.Lock()
	lock, ok := e.locks[executionID]
	if !ok {
		lock = &executionLock{}
		e.locks[executionID] = lock
	}
	lock.holders++
	e.mu.Unlock()
	return &lock.mu
}

func (e *Engine) unlock(executionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	lock, ok := e.locks[executionID]
	if !ok {
		return
	}
	lock.mu.Unlock()
	lock.holders--
	if lock.holders == 0 {
		delete(e.locks, executionID)
	}
}

// stripMarkers copies an output map without the engine marker keys.
func stripMarkers(outputs map[string]any) map[string]any {
	clean := make(map[string]any, len(outputs))
	for k, v := range outputs {
		switch k {
		case MarkerHILWait, MarkerHILInteraction, MarkerHILTimeoutSecs,
			MarkerWait, MarkerWaitTimeoutMs, MarkerDelayMs,
			MarkerStreamChunks, MarkerDetails, MarkerTokens:
			continue
		}
		clean[k] = v
	}
	return clean
}

// truthyMarker interprets a boolean-ish marker value.
func truthyMarker(v any) bool {
	switch val := v.(type) {
	case bool:
		return val
	case string:
		return val != "" && val != "false"
	case nil:
		return false
	default:
		return true
	}
}

// asMillis coerces JSON numbers (float64 after unmarshal, or native ints) to
// an int64.
func asMillis(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
