// Package templates renders the prompts sent to the model at each workflow step.
package templates

import (
	"bytes"
	"embed"
	"fmt"
	"strings"
	"text/template"
)

//go:embed *.tpl.md
var templateFS embed.FS

// TemplateData holds the data for template rendering.
type TemplateData struct {
	Extra         map[string]any `json:"extra,omitempty"`
	Prompt        string         `json:"prompt,omitempty"`
	Mode          string         `json:"mode,omitempty"`
	CodeContext   string         `json:"code_context,omitempty"`
	Plan          string         `json:"plan,omitempty"`
	Proposal      string         `json:"proposal,omitempty"`
	Diff          string         `json:"diff,omitempty"`
	Diagnostics   string         `json:"diagnostics,omitempty"`
	Files         []string       `json:"files,omitempty"`
	ToolNames     []string       `json:"tool_names,omitempty"`
	MaxIterations int            `json:"max_iterations,omitempty"`
}

// StateTemplate names one prompt template.
type StateTemplate string

const (
	ClassifyTemplate    StateTemplate = "classify.tpl.md"
	GeneralChatTemplate StateTemplate = "general_chat.tpl.md"
	GatherTemplate      StateTemplate = "gather.tpl.md"
	// AnalyzeTemplate answers codebase questions or plans changes depending on .Mode.
	AnalyzeTemplate  StateTemplate = "analyze.tpl.md"
	GenerateTemplate StateTemplate = "generate.tpl.md"
	ApplyTemplate    StateTemplate = "apply.tpl.md"
	SummaryTemplate  StateTemplate = "summary.tpl.md"
)

// Renderer handles template rendering for workflow states.
type Renderer struct {
	templates map[StateTemplate]*template.Template
}

// NewRenderer parses every embedded template.
func NewRenderer() (*Renderer, error) {
	r := &Renderer{templates: make(map[StateTemplate]*template.Template)}

	templateNames := []StateTemplate{
		ClassifyTemplate,
		GeneralChatTemplate,
		GatherTemplate,
		AnalyzeTemplate,
		GenerateTemplate,
		ApplyTemplate,
		SummaryTemplate,
	}
	for _, name := range templateNames {
		content, err := templateFS.ReadFile(string(name))
		if err != nil {
			return nil, fmt.Errorf("failed to read template %s: %w", name, err)
		}
		tmpl, err := template.New(string(name)).Funcs(template.FuncMap{
			"contains": strings.Contains,
		}).Option("missingkey=zero").Parse(string(content))
		if err != nil {
			return nil, fmt.Errorf("failed to parse template %s: %w", name, err)
		}
		r.templates[name] = tmpl
	}
	return r, nil
}

// MustRenderer is NewRenderer for package initialization; the templates are
// embedded, so a parse failure is a build defect.
func MustRenderer() *Renderer {
	r, err := NewRenderer()
	if err != nil {
		panic(err)
	}
	return r
}

// Render renders the specified template with the given data.
func (r *Renderer) Render(templateName StateTemplate, data *TemplateData) (string, error) {
	tmpl, exists := r.templates[templateName]
	if !exists {
		return "", fmt.Errorf("template %s not found", templateName)
	}
	if data == nil {
		data = &TemplateData{}
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render template %s: %w", templateName, err)
	}
	return strings.TrimSpace(buf.String()) + "\n", nil
}
