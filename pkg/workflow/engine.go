// Package workflow runs conversation turns through the classification,
// analysis, generation and validation nodes, saving a snapshot of the thread
// after every node and tying each generation to a checkpoint commit.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"patchpilot/pkg/agent/llm"
	"patchpilot/pkg/checkpoint"
	"patchpilot/pkg/classify"
	"patchpilot/pkg/diagnostics"
	"patchpilot/pkg/gather"
	"patchpilot/pkg/generate"
	"patchpilot/pkg/logx"
	"patchpilot/pkg/proto"
	"patchpilot/pkg/templates"
	"patchpilot/pkg/utils"
	"patchpilot/pkg/validation"
	"patchpilot/pkg/vcs"
	"patchpilot/pkg/workspace"
)

var (
	// ErrEmptyPrompt rejects turns without user text.
	ErrEmptyPrompt = errors.New("prompt is empty")
	// ErrThreadConcluded rejects work on an accepted or rejected thread.
	ErrThreadConcluded = checkpoint.ErrConcluded
	// ErrThreadNotFound is returned for thread ids with no saved state.
	ErrThreadNotFound = checkpoint.ErrThreadNotFound
)

// NodeError reports the node a turn failed in.
type NodeError struct {
	Err  error
	Node string
}

func (e *NodeError) Error() string {
	return fmt.Sprintf("%s: %v", e.Node, e.Err)
}

func (e *NodeError) Unwrap() error {
	return e.Err
}

// Turn outcomes reported to the Observer.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeCanceled  = "canceled"
)

const eventBuffer = 64

// TurnRequest is one user turn. An empty ThreadID starts a new thread.
type TurnRequest struct {
	ThreadID      string   `json:"thread_id,omitempty"`
	Prompt        string   `json:"prompt"`
	SelectedFiles []string `json:"selected_files,omitempty"`
}

// Observer receives engine measurements. pkg/metrics provides the
// Prometheus implementation.
type Observer interface {
	TurnFinished(mode proto.Mode, outcome string, elapsed time.Duration)
	NodeFinished(node string, elapsed time.Duration)
	ToolFinished(tool string, success bool)
	CheckpointOp(op string, err error)
}

type nopObserver struct{}

func (nopObserver) TurnFinished(proto.Mode, string, time.Duration) {}
func (nopObserver) NodeFinished(string, time.Duration)             {}
func (nopObserver) ToolFinished(string, bool)                      {}
func (nopObserver) CheckpointOp(string, error)                     {}

// Options tunes the engine.
type Options struct {
	BranchPrefix string
	Gather       gather.Config
	Generate     generate.Config
	// MaxFeedbackLoops bounds Validation → Analyze round trips per turn.
	MaxFeedbackLoops int
	MaxTokens        int
	Temperature      float32
}

// DefaultOptions returns the options used when config leaves them unset.
func DefaultOptions() Options {
	return Options{
		BranchPrefix:     checkpoint.DefaultBranchPrefix,
		Gather:           gather.DefaultConfig(),
		Generate:         generate.Config{MaxIterations: 10, MaxTokens: llm.DefaultMaxTokens},
		MaxFeedbackLoops: 3,
		MaxTokens:        llm.DefaultMaxTokens,
		Temperature:      llm.TemperatureDefault,
	}
}

// Deps are the engine's collaborators. Client, Workspace and VCS are
// required; the rest have in-memory or no-op defaults.
type Deps struct {
	Client           llm.LLMClient
	ClassifierClient llm.LLMClient
	Workspace        workspace.FileAccess
	VCS              vcs.VCS
	Diagnostics      diagnostics.Source
	Store            checkpoint.Store
	Tokens           *utils.TokenCounter
	Renderer         *templates.Renderer
	Observer         Observer
	// TreeLocks is shared between engines that work on the same tree.
	TreeLocks *KeyedMutex
	Logger    *logx.Logger
}

// Engine runs turns for any number of threads. Turns on one thread are
// serialized; turns that touch the working tree are serialized per tree.
type Engine struct {
	client      llm.LLMClient
	fs          workspace.FileAccess
	store       checkpoint.Store
	checkpoints *checkpoint.Manager
	classifier  *classify.Classifier
	gatherer    *gather.Gatherer
	generator   *generate.Generator
	validator   *validation.Validator
	renderer    *templates.Renderer
	observer    Observer
	threads     *KeyedMutex
	trees       *KeyedMutex
	logger      *logx.Logger
	opts        Options
}

// New wires an Engine.
func New(deps Deps, opts Options) (*Engine, error) {
	switch {
	case deps.Client == nil:
		return nil, errors.New("workflow: llm client is required")
	case deps.Workspace == nil:
		return nil, errors.New("workflow: workspace is required")
	case deps.VCS == nil:
		return nil, errors.New("workflow: vcs is required")
	}
	if deps.ClassifierClient == nil {
		deps.ClassifierClient = deps.Client
	}
	if deps.Diagnostics == nil {
		deps.Diagnostics = diagnostics.Multi{}
	}
	if deps.Store == nil {
		deps.Store = checkpoint.NewMemoryStore()
	}
	if deps.Renderer == nil {
		r, err := templates.NewRenderer()
		if err != nil {
			return nil, fmt.Errorf("workflow: %w", err)
		}
		deps.Renderer = r
	}
	if deps.Observer == nil {
		deps.Observer = nopObserver{}
	}
	if deps.TreeLocks == nil {
		deps.TreeLocks = NewKeyedMutex()
	}
	if deps.Logger == nil {
		deps.Logger = logx.Nop()
	}
	if opts.MaxFeedbackLoops < 0 {
		opts.MaxFeedbackLoops = 0
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = llm.DefaultMaxTokens
	}
	if opts.Temperature <= 0 {
		opts.Temperature = llm.TemperatureDefault
	}

	logger := deps.Logger
	mgr := checkpoint.NewManager(deps.VCS, deps.Store, deps.Client, opts.BranchPrefix, logger.WithComponent("checkpoint"))
	mgr.SetObserver(deps.Observer.CheckpointOp)

	return &Engine{
		client:      deps.Client,
		fs:          deps.Workspace,
		store:       deps.Store,
		checkpoints: mgr,
		classifier:  classify.New(deps.ClassifierClient, deps.Renderer, logger.WithComponent("classify")),
		gatherer:    gather.New(deps.Client, deps.Workspace, deps.Tokens, deps.Renderer, opts.Gather, logger.WithComponent("gather")),
		generator:   generate.New(deps.Client, deps.VCS, deps.Tokens, deps.Renderer, opts.Generate, logger.WithComponent("generate")),
		validator:   validation.New(deps.Client, deps.Diagnostics, deps.Renderer, logger.WithComponent("validation")),
		renderer:    deps.Renderer,
		observer:    deps.Observer,
		threads:     NewKeyedMutex(),
		trees:       deps.TreeLocks,
		logger:      logger,
		opts:        opts,
	}, nil
}

// Checkpointer exposes the checkpoint manager for callers that need lineage
// details.
func (e *Engine) Checkpointer() *checkpoint.Manager {
	return e.checkpoints
}

// ProcessTurn runs one turn to completion and returns the final thread state.
func (e *Engine) ProcessTurn(ctx context.Context, req TurnRequest) (*proto.ThreadState, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, ErrEmptyPrompt
	}
	if req.ThreadID == "" {
		req.ThreadID = uuid.NewString()
	}
	return e.runTurn(ctx, req, nil)
}

// StreamTurn runs one turn in the background and streams its events. The
// channel ends with a turn_complete or turn_failed event and is then closed.
// Events are dropped once ctx is done.
func (e *Engine) StreamTurn(ctx context.Context, req TurnRequest) (<-chan proto.Event, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, ErrEmptyPrompt
	}
	if req.ThreadID == "" {
		req.ThreadID = uuid.NewString()
	}
	events := make(chan proto.Event, eventBuffer)
	go func() {
		defer close(events)
		send := func(ev proto.Event) {
			select {
			case events <- ev:
			case <-ctx.Done():
			}
		}
		_, _ = e.runTurn(ctx, req, send)
	}()
	return events, nil
}

func (e *Engine) runTurn(ctx context.Context, req TurnRequest, out proto.Emitter) (*proto.ThreadState, error) {
	emit := e.eventSink(req.ThreadID, out)
	started := time.Now()

	final, mode, err := e.lockedTurn(ctx, req, emit)

	outcome := OutcomeCompleted
	switch {
	case err != nil && ctx.Err() != nil:
		outcome = OutcomeCanceled
	case err != nil:
		outcome = OutcomeFailed
	}
	e.observer.TurnFinished(mode, outcome, time.Since(started))

	if err != nil {
		e.logger.Error("thread %s: turn %s: %v", req.ThreadID, outcome, err)
		emit.Emit(proto.Event{Kind: proto.EventTurnFailed, Error: err.Error()})
		return nil, err
	}
	emit.Emit(proto.Event{Kind: proto.EventTurnComplete, State: final})
	return final, nil
}

func (e *Engine) lockedTurn(ctx context.Context, req TurnRequest, emit proto.Emitter) (*proto.ThreadState, proto.Mode, error) {
	unlock, err := e.threads.Lock(ctx, req.ThreadID)
	if err != nil {
		return nil, "", err
	}
	defer unlock()

	t, err := e.load(ctx, req.ThreadID, emit)
	if err != nil {
		return nil, "", err
	}
	defer t.release()

	if err := t.run(ctx, req); err != nil {
		return nil, t.state.Mode, err
	}
	e.logger.DebugDomain("workflow", "thread %s visited %v", req.ThreadID, t.path)
	final := t.state.Clone()
	return &final, final.Mode, nil
}

// load reads the thread head, or starts a new thread for unknown ids.
func (e *Engine) load(ctx context.Context, threadID string, emit proto.Emitter) (*turn, error) {
	t := &turn{e: e, emit: emit}
	head, err := e.store.Head(ctx, threadID)
	switch {
	case errors.Is(err, checkpoint.ErrThreadNotFound):
		t.state = proto.NewThreadState(threadID)
		e.logger.Info("thread %s: new thread", threadID)
	case err != nil:
		return nil, fmt.Errorf("load thread %s: %w", threadID, err)
	default:
		t.state = head.State
		t.headID = head.ID
	}

	lin, err := e.checkpoints.Lineage(ctx, threadID)
	switch {
	case errors.Is(err, checkpoint.ErrNoLineage):
	case err != nil:
		return nil, fmt.Errorf("load lineage %s: %w", threadID, err)
	case lin.Concluded:
		return nil, fmt.Errorf("%w: %s was %s", ErrThreadConcluded, threadID, lin.Outcome)
	}
	return t, nil
}

func (e *Engine) eventSink(threadID string, out proto.Emitter) proto.Emitter {
	return func(ev proto.Event) {
		ev.ThreadID = threadID
		if ev.Kind == proto.EventToolEnd {
			e.observer.ToolFinished(ev.ToolName, !ev.IsError)
		}
		out.Emit(ev)
	}
}

// Thread returns the thread's current state.
func (e *Engine) Thread(ctx context.Context, threadID string) (*proto.ThreadState, error) {
	unlock, err := e.threads.Lock(ctx, threadID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	head, err := e.store.Head(ctx, threadID)
	if err != nil {
		return nil, err
	}
	state := head.State.Clone()
	return &state, nil
}

// Checkpoints lists the thread's checkpoints in commit order.
func (e *Engine) Checkpoints(ctx context.Context, threadID string) ([]checkpoint.Record, error) {
	unlock, err := e.threads.Lock(ctx, threadID)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return e.checkpoints.Checkpoints(ctx, threadID)
}

// Restore resets the working tree to commitID and returns the thread state
// recorded with it. Unknown commits change nothing.
func (e *Engine) Restore(ctx context.Context, threadID, commitID string) (*proto.ThreadState, error) {
	var snap checkpoint.Snapshot
	err := e.withTree(ctx, threadID, func() error {
		var err error
		snap, err = e.checkpoints.Restore(ctx, threadID, commitID)
		return err
	})
	if err != nil {
		return nil, err
	}
	e.logger.ForUser().Info("thread %s restored to %s", threadID, commitID)
	state := snap.State.Clone()
	return &state, nil
}

// Accept squash-merges the thread's branch into its parent and concludes it.
func (e *Engine) Accept(ctx context.Context, threadID string) (*checkpoint.AcceptResult, error) {
	var res *checkpoint.AcceptResult
	err := e.withTree(ctx, threadID, func() error {
		var err error
		res, err = e.checkpoints.Accept(ctx, threadID)
		return err
	})
	return res, err
}

// Reject discards the thread's branch and concludes it.
func (e *Engine) Reject(ctx context.Context, threadID string) error {
	return e.withTree(ctx, threadID, func() error {
		return e.checkpoints.Reject(ctx, threadID)
	})
}

func (e *Engine) withTree(ctx context.Context, threadID string, fn func() error) error {
	unlockThread, err := e.threads.Lock(ctx, threadID)
	if err != nil {
		return err
	}
	defer unlockThread()
	unlockTree, err := e.trees.Lock(ctx, e.fs.Root())
	if err != nil {
		return err
	}
	defer unlockTree()
	return fn()
}
