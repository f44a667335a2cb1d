// Package gather collects the code context for a turn: the user's selected
// files plus whatever a bounded read/list/search tool loop finds.
package gather

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"patchpilot/pkg/agent/llm"
	"patchpilot/pkg/agent/toolloop"
	"patchpilot/pkg/classify"
	"patchpilot/pkg/contextmgr"
	"patchpilot/pkg/logx"
	"patchpilot/pkg/proto"
	"patchpilot/pkg/templates"
	"patchpilot/pkg/tools"
	"patchpilot/pkg/utils"
	"patchpilot/pkg/workspace"
)

// Config bounds one gather run.
type Config struct {
	MaxIterations           int
	MaxListingsBetweenReads int
	MaxFileTokens           int
	MaxSearchResults        int
	MaxTokens               int
}

// DefaultConfig mirrors the configuration defaults.
func DefaultConfig() Config {
	return Config{
		MaxIterations:           12,
		MaxListingsBetweenReads: 3,
		MaxFileTokens:           8000,
		MaxSearchResults:        50,
		MaxTokens:               llm.DefaultMaxTokens,
	}
}

// Result is what a gather run found.
type Result struct {
	// Context is the rendered content of every file read, for later prompts.
	Context string
	// AgentMessage is the user-visible status line of the run.
	AgentMessage string
	// Notes is the model's closing summary, when it gave one.
	Notes        string
	Files        []string
	Missing      []string
	ToolMessages []proto.Message
	Complete     bool
}

// Gatherer runs context gathering against one workspace.
type Gatherer struct {
	client   llm.LLMClient
	fs       workspace.FileAccess
	tokens   *utils.TokenCounter
	renderer *templates.Renderer
	logger   *logx.Logger
	cfg      Config
}

// New creates a Gatherer. Zero fields of cfg take DefaultConfig values.
func New(client llm.LLMClient, fs workspace.FileAccess, tokens *utils.TokenCounter, renderer *templates.Renderer, cfg Config, logger *logx.Logger) *Gatherer {
	def := DefaultConfig()
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = def.MaxIterations
	}
	if cfg.MaxListingsBetweenReads <= 0 {
		cfg.MaxListingsBetweenReads = def.MaxListingsBetweenReads
	}
	if cfg.MaxFileTokens <= 0 {
		cfg.MaxFileTokens = def.MaxFileTokens
	}
	if cfg.MaxSearchResults <= 0 {
		cfg.MaxSearchResults = def.MaxSearchResults
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = def.MaxTokens
	}
	if renderer == nil {
		renderer = templates.MustRenderer()
	}
	if logger == nil {
		logger = logx.Nop()
	}
	return &Gatherer{client: client, fs: fs, tokens: tokens, renderer: renderer, cfg: cfg, logger: logger}
}

// collected tracks files in first-read order.
type collected struct {
	content   map[string]string
	truncated map[string]bool
	missing   map[string]bool
	order     []string
	tried     []string
}

func newCollected() *collected {
	return &collected{content: map[string]string{}, truncated: map[string]bool{}, missing: map[string]bool{}}
}

func (c *collected) found(path, content string, truncated bool) {
	if _, seen := c.content[path]; !seen {
		c.order = append(c.order, path)
	}
	c.content[path] = content
	c.truncated[path] = truncated
	delete(c.missing, path)
}

func (c *collected) notFound(path string) {
	if _, seen := c.content[path]; seen {
		return
	}
	if !c.missing[path] {
		c.tried = append(c.tried, path)
	}
	c.missing[path] = true
}

func (c *collected) missingList() []string {
	out := []string{}
	for _, p := range c.tried {
		if c.missing[p] {
			out = append(out, p)
		}
	}
	return out
}

// Gather pre-reads selected, then lets the model explore until it answers
// without a tool call or the iteration budget runs out. Running out of
// iterations is not an error: Complete is false and whatever was read is
// returned.
func (g *Gatherer) Gather(ctx context.Context, history []proto.Message, selected []string, emit proto.Emitter) (*Result, error) {
	files := newCollected()
	for _, p := range selected {
		if err := g.preRead(ctx, files, p); err != nil {
			return nil, err
		}
	}

	system, err := g.renderer.Render(templates.GatherTemplate, &templates.TemplateData{
		ToolNames:     tools.GatherTools,
		Files:         files.order,
		MaxIterations: g.cfg.MaxIterations,
	})
	if err != nil {
		return nil, err
	}
	cm := contextmgr.NewContextManager(system, g.tokens, 0, g.cfg.MaxTokens)
	cm.AddUserMessage(g.firstMessage(history, files))

	listings := 0
	guard := func(call *llm.ToolCall) *tools.ExecResult {
		switch call.Name {
		case tools.ToolReadFile:
			listings = 0
		case tools.ToolListDirectory, tools.ToolSearchFiles:
			if listings >= g.cfg.MaxListingsBetweenReads {
				g.logger.DebugDomain("gather", "refused %s after %d listings", call.Name, listings)
				return listingRefusal(g.cfg.MaxListingsBetweenReads)
			}
			listings++
		}
		return nil
	}
	afterTool := func(call *llm.ToolCall, res *tools.ExecResult, _ time.Duration) {
		if call.Name != tools.ToolReadFile {
			return
		}
		data, ok := utils.SafeAssert[tools.ReadData](res.Data)
		if !ok || data.Path == "" {
			return
		}
		if data.Found {
			files.found(data.Path, data.Content, data.Truncated)
		} else {
			files.notFound(data.Path)
		}
	}

	loop := toolloop.New(g.client, g.logger)
	out := loop.Run(ctx, &toolloop.Config{
		ContextManager: cm,
		ToolProvider:   tools.NewGatherProvider(g.fs, g.tokens, g.cfg.MaxFileTokens, g.cfg.MaxSearchResults),
		Guard:          guard,
		AfterTool:      afterTool,
		Emit:           emit,
		Operation:      "gather",
		ToolChoice:     llm.ToolChoiceAuto,
		MaxIterations:  g.cfg.MaxIterations,
		MaxTokens:      g.cfg.MaxTokens,
		Temperature:    llm.TemperatureDeterministic,
	})

	switch out.Kind {
	case toolloop.OutcomeSuccess, toolloop.OutcomeMaxIterations:
	case toolloop.OutcomeCanceled:
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, out.Err
	default:
		return nil, fmt.Errorf("context gathering: %w", out.Err)
	}
	if errors.Is(out.Err, toolloop.ErrMaxIterations) {
		g.logger.Warn("context gathering hit %d iterations with %d file(s) read", g.cfg.MaxIterations, len(files.order))
	}

	res := &Result{
		Context:      render(files),
		Notes:        strings.TrimSpace(out.Final),
		Files:        union(selected, files.order),
		Missing:      files.missingList(),
		ToolMessages: out.ToolMessages,
		Complete:     out.OK(),
	}
	res.AgentMessage = agentMessage(res, files.order, out.Iteration)
	g.logger.ForUser().Info("%s", res.AgentMessage)
	return res, nil
}

func (g *Gatherer) preRead(ctx context.Context, files *collected, p string) error {
	rel, err := workspace.Clean(p)
	if err != nil {
		files.notFound(p)
		return nil //nolint:nilerr // an unusable selection is reported as missing
	}
	content, err := g.fs.Read(ctx, rel)
	switch {
	case err == nil:
		truncated := false
		content, truncated = g.tokens.Truncate(content, g.cfg.MaxFileTokens)
		files.found(rel, content, truncated)
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(err, workspace.ErrNotFound):
		files.notFound(rel)
	default:
		g.logger.Warn("cannot read selected file %s: %v", rel, err)
		files.notFound(rel)
	}
	return nil
}

func (g *Gatherer) firstMessage(history []proto.Message, files *collected) string {
	var sb strings.Builder
	sb.WriteString("## Conversation\n")
	sb.WriteString(classify.Transcript(history))
	if len(files.order) > 0 {
		sb.WriteString("\n\n## Selected files\n")
		sb.WriteString(render(files))
	}
	if missing := files.missingList(); len(missing) > 0 {
		fmt.Fprintf(&sb, "\n\nThese selected files do not exist: %s", strings.Join(missing, ", "))
	}
	return sb.String()
}

func listingRefusal(limit int) *tools.ExecResult {
	return &tools.ExecResult{
		Content: fmt.Sprintf(`{"success":false,"error":"listing limit reached: %d listings or searches since the last read_file. Read one of the files you found, or finish by answering without a tool call."}`, limit),
		IsError: true,
	}
}

func render(files *collected) string {
	var sb strings.Builder
	for _, p := range files.order {
		fmt.Fprintf(&sb, "### %s\n```\n%s", p, files.content[p])
		if !strings.HasSuffix(files.content[p], "\n") {
			sb.WriteString("\n")
		}
		sb.WriteString("```\n")
		if files.truncated[p] {
			sb.WriteString("(truncated)\n")
		}
		sb.WriteString("\n")
	}
	return strings.TrimSuffix(sb.String(), "\n")
}

func union(a, b []string) []string {
	out := make([]string, 0, len(a)+len(b))
	for _, p := range append(slices.Clone(a), b...) {
		if rel, err := workspace.Clean(p); err == nil {
			p = rel
		}
		if !slices.Contains(out, p) {
			out = append(out, p)
		}
	}
	return out
}

func agentMessage(res *Result, read []string, iterations int) string {
	if len(res.Missing) > 0 {
		return "Could not locate referenced file(s): " + strings.Join(res.Missing, ", ")
	}
	files := "no files"
	if len(read) > 0 {
		files = fmt.Sprintf("%d file(s): %s", len(read), strings.Join(read, ", "))
	}
	if res.Complete {
		return "Context gathering complete: read " + files
	}
	return fmt.Sprintf("Context gathering stopped after %d iterations: read %s", iterations, files)
}
