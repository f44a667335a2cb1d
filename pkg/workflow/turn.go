package workflow

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"patchpilot/pkg/agent/llm"
	"patchpilot/pkg/agent/middleware/metrics"
	"patchpilot/pkg/checkpoint"
	"patchpilot/pkg/classify"
	"patchpilot/pkg/proto"
	"patchpilot/pkg/templates"
	"patchpilot/pkg/validation"
	"patchpilot/pkg/vcs"
	"patchpilot/pkg/workspace"
)

// turn carries one turn's working state. state is always equal to the
// snapshot headID points at.
type turn struct {
	e       *Engine
	emit    proto.Emitter
	journal *workspace.Journal
	// pending is a commit made by Generate that still needs its record.
	pending    *vcs.Commit
	unlockTree func()
	headID     string
	state      proto.ThreadState
	path       []State
	loops      int
}

func (t *turn) release() {
	if t.unlockTree != nil {
		t.unlockTree()
		t.unlockTree = nil
	}
}

func (t *turn) run(ctx context.Context, req TurnRequest) error {
	state := StateStart
	for state != StateEnd {
		t.path = append(t.path, state)
		if err := t.step(ctx, state, req); err != nil {
			return t.fail(ctx, state, err)
		}

		next := Next(state, t.state.Mode)
		if state == StateValidation && next == StateAnalyze {
			if t.loops >= t.e.opts.MaxFeedbackLoops {
				if err := t.stopFeedback(ctx); err != nil {
					return t.fail(ctx, state, err)
				}
				next = StateEnd
			} else {
				t.loops++
				t.e.logger.ForUser().Info("fixing validation problems (round %d of %d)", t.loops, t.e.opts.MaxFeedbackLoops)
			}
		}
		state = next
	}
	t.path = append(t.path, StateEnd)
	return nil
}

func (t *turn) step(ctx context.Context, state State, req TurnRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	node := state.Node()
	if state == StateStart {
		msg := proto.NewMessage(proto.RoleHuman, req.Prompt)
		return t.save(ctx, node, proto.Update{Messages: []proto.Message{msg}, SelectedFiles: req.SelectedFiles})
	}

	emit := t.emit.WithNode(node)
	emit.Emit(proto.Event{Kind: proto.EventNodeStart})
	started := time.Now()

	var update proto.Update
	var err error
	switch state {
	case StatePreanalysis:
		update, err = t.preanalysis(ctx, emit)
	case StateAnalyze:
		update, err = t.analyze(ctx, emit)
	case StateGenerate:
		update, err = t.generate(ctx, emit)
	case StateValidation:
		update, err = t.e.validator.Validate(ctx, t.state, emit)
	default:
		err = fmt.Errorf("no handler for state %s", state)
	}
	t.e.observer.NodeFinished(node, time.Since(started))
	if err != nil {
		return err
	}

	prevHead, prevState := t.headID, t.state
	if err := t.save(ctx, node, update); err != nil {
		t.discardPending(ctx)
		return err
	}
	if c := t.pending; c != nil {
		if err := t.e.checkpoints.Record(ctx, t.state.ThreadID, c.ID, t.headID, c.Message); err != nil {
			t.headID, t.state = prevHead, prevState
			t.discardPending(ctx)
			return fmt.Errorf("record checkpoint %s: %w", c.ID, err)
		}
		t.pending = nil
	}
	emit.Emit(proto.Event{Kind: proto.EventNodeEnd})
	return nil
}

// discardPending drops a commit whose record could not be written, so no
// commit exists on the branch without a checkpoint.
func (t *turn) discardPending(ctx context.Context) {
	c := t.pending
	if c == nil {
		return
	}
	t.pending = nil
	if err := t.e.checkpoints.Discard(context.WithoutCancel(ctx), t.state.ThreadID, *c); err != nil {
		t.e.logger.Error("thread %s: could not drop unrecorded commit %s: %v", t.state.ThreadID, c.ID, err)
	}
}

// save merges update, stores the result as a new snapshot and advances the head.
func (t *turn) save(ctx context.Context, node string, update proto.Update) error {
	next := t.state.Apply(update)
	snap := checkpoint.NewSnapshot(t.headID, node, next)
	if err := t.e.store.SaveSnapshot(ctx, snap); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	t.state = next
	t.headID = snap.ID
	return nil
}

// fail rolls back uncommitted writes and, unless the turn was canceled,
// appends one system message naming the failed node.
func (t *turn) fail(ctx context.Context, state State, cause error) error {
	node := state.Node()
	cleanup := context.WithoutCancel(ctx)
	if t.journal != nil {
		if touched := t.journal.Touched(); len(touched) > 0 {
			if err := t.journal.Rollback(cleanup); err != nil {
				t.e.logger.Error("thread %s: rollback of %v failed: %v", t.state.ThreadID, touched, err)
			} else {
				t.e.logger.ForUser().Warn("reverted uncommitted changes to %s", strings.Join(touched, ", "))
			}
		}
	}
	if ctx.Err() != nil {
		return &NodeError{Node: node, Err: cause}
	}

	msg := proto.NewMessage(proto.RoleSystem, fmt.Sprintf("The %s step failed: %v", node, cause))
	msg.Node = node
	if err := t.save(cleanup, node, proto.Update{Messages: []proto.Message{msg}}); err != nil {
		t.e.logger.Error("thread %s: could not save failure message: %v", t.state.ThreadID, err)
	}
	return &NodeError{Node: node, Err: cause}
}

// enterWorkspace takes the working-tree lock and checks out the thread's
// branch. It runs once per turn, on the first node that reads the tree.
func (t *turn) enterWorkspace(ctx context.Context) error {
	if t.unlockTree != nil {
		return nil
	}
	unlock, err := t.e.trees.Lock(ctx, t.e.fs.Root())
	if err != nil {
		return err
	}
	t.unlockTree = unlock
	if _, err := t.e.checkpoints.Activate(ctx, t.state.ThreadID); err != nil {
		return err
	}
	t.journal = workspace.NewJournal(t.e.fs)
	return nil
}

func (t *turn) preanalysis(ctx context.Context, emit proto.Emitter) (proto.Update, error) {
	mode, err := t.e.classifier.Classify(ctx, t.state.Messages)
	if err != nil {
		return proto.Update{}, err
	}
	t.e.logger.ForUser().Info("handling the request as %s", mode)
	update := proto.Update{Mode: proto.Ptr(mode)}
	if mode != proto.ModeGeneralChat {
		return update, nil
	}

	system, err := t.e.renderer.Render(templates.GeneralChatTemplate, nil)
	if err != nil {
		return proto.Update{}, err
	}
	req := llm.NewCompletionRequest(append([]llm.CompletionMessage{llm.NewSystemMessage(system)}, conversation(t.state.Messages)...))
	req.MaxTokens = t.e.opts.MaxTokens
	req.Temperature = t.e.opts.Temperature

	msg, err := llm.StreamMessage(metrics.WithOperation(ctx, string(proto.ModeGeneralChat)), t.e.client, req, emit, t.e.logger)
	if err != nil {
		return proto.Update{}, fmt.Errorf("answer: %w", err)
	}
	msg.Node = StatePreanalysis.Node()
	update.Messages = []proto.Message{msg}
	return update, nil
}

func (t *turn) analyze(ctx context.Context, emit proto.Emitter) (proto.Update, error) {
	if err := t.enterWorkspace(ctx); err != nil {
		return proto.Update{}, err
	}
	node := StateAnalyze.Node()
	mode := t.state.Mode

	selected := slices.Clone(t.state.SelectedFiles)
	if mode == proto.ModeValidationFeedback {
		for _, p := range t.state.FilesModified {
			if !slices.Contains(selected, p) {
				selected = append(selected, p)
			}
		}
	}
	res, err := t.e.gatherer.Gather(ctx, t.state.Messages, selected, emit)
	if err != nil {
		return proto.Update{}, err
	}

	var msgs []proto.Message
	for _, m := range res.ToolMessages {
		m.Node = node
		msgs = append(msgs, m)
	}
	status := proto.NewMessage(proto.RoleAssistant, res.AgentMessage)
	status.Node = node
	emit.Emit(proto.Event{Kind: proto.EventModelEnd, MessageID: status.ID, Content: status.Content})
	msgs = append(msgs, status)

	data := &templates.TemplateData{
		Mode:        string(mode),
		Prompt:      t.state.LatestPrompt(),
		CodeContext: res.Context,
	}
	if mode == proto.ModeValidationFeedback {
		data.Diagnostics = latestFeedback(&t.state)
	}
	system, err := t.e.renderer.Render(templates.AnalyzeTemplate, data)
	if err != nil {
		return proto.Update{}, err
	}
	history := append(slices.Clone(t.state.Messages), msgs...)
	req := llm.NewCompletionRequest([]llm.CompletionMessage{
		llm.NewSystemMessage(system),
		llm.NewUserMessage("## Conversation\n" + classify.Transcript(history) + "\n\nRespond to the latest user message."),
	})
	req.MaxTokens = t.e.opts.MaxTokens
	req.Temperature = t.e.opts.Temperature

	analysis, err := llm.StreamMessage(metrics.WithOperation(ctx, node), t.e.client, req, emit, t.e.logger)
	if err != nil {
		return proto.Update{}, fmt.Errorf("analysis: %w", err)
	}
	analysis.Node = node
	msgs = append(msgs, analysis)

	return proto.Update{
		Messages:    msgs,
		CodeContext: proto.Ptr(res.Context),
	}, nil
}

// generate applies the plan and, when files changed, commits them. The
// commit is recorded once the snapshot holding its id is saved.
func (t *turn) generate(ctx context.Context, emit proto.Emitter) (proto.Update, error) {
	if err := t.enterWorkspace(ctx); err != nil {
		return proto.Update{}, err
	}
	res, err := t.e.generator.Generate(ctx, t.state, t.journal, emit)
	if err != nil {
		return proto.Update{}, err
	}
	modified := res.FilesModified
	if modified == nil {
		modified = []string{}
	}
	update := proto.Update{
		Messages:      res.Messages,
		FilesModified: proto.Ptr(modified),
		Diff:          proto.Ptr(res.Diff),
	}
	if len(modified) == 0 {
		return update, nil
	}

	c, err := t.e.checkpoints.Commit(ctx, t.state.ThreadID, t.state.LatestPrompt(), res.Diff)
	if err != nil {
		return proto.Update{}, err
	}
	t.journal.Commit()
	t.pending = &c
	update.CommitID = proto.Ptr(c.ID)
	return update, nil
}

// stopFeedback ends a turn whose validation problems survived every allowed
// round.
func (t *turn) stopFeedback(ctx context.Context) error {
	t.e.logger.ForUser().Warn("validation problems remain after %d round(s); stopping", t.loops)
	msg := proto.NewMessage(proto.RoleAssistant, fmt.Sprintf(
		"I stopped after %d attempt(s) to fix the validation problems; the remaining ones are listed above.", t.loops))
	msg.Node = StateValidation.Node()
	t.emit.WithNode(msg.Node).Emit(proto.Event{Kind: proto.EventModelEnd, MessageID: msg.ID, Content: msg.Content})
	return t.save(ctx, msg.Node, proto.Update{Messages: []proto.Message{msg}})
}

// conversation maps the thread's human and assistant messages to model
// messages, joining consecutive messages of the same role.
func conversation(history []proto.Message) []llm.CompletionMessage {
	var out []llm.CompletionMessage
	for _, m := range history {
		var role llm.CompletionRole
		switch m.Role {
		case proto.RoleHuman:
			role = llm.RoleUser
		case proto.RoleAssistant:
			role = llm.RoleAssistant
		default:
			continue
		}
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Content += "\n\n" + m.Content
			continue
		}
		out = append(out, llm.CompletionMessage{Role: role, Content: m.Content})
	}
	return out
}

// latestFeedback returns the diagnostics listed by the newest validation
// feedback message.
func latestFeedback(state *proto.ThreadState) string {
	for i := len(state.Messages) - 1; i >= 0; i-- {
		m := state.Messages[i]
		if m.Node == validation.NodeName && strings.HasPrefix(m.Content, validation.FeedbackHeader) {
			return strings.TrimSpace(strings.TrimPrefix(m.Content, validation.FeedbackHeader))
		}
	}
	return ""
}
