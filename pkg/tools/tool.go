// Package tools defines the tools exposed to the model during context
// gathering and generation, and the provider that serves them.
package tools

import (
	"context"
	"fmt"
)

// Tool names.
const (
	ToolReadFile      = "read_file"
	ToolListDirectory = "list_directory"
	ToolSearchFiles   = "search_files"
	ToolApplyDiff     = "apply_diff"
	ToolCreateFile    = "create_file"
	ToolReplaceFile   = "replace_file"
)

// Tool sets per workflow step.
//
//nolint:gochecknoglobals // constant tool groupings
var (
	GatherTools = []string{ToolReadFile, ToolListDirectory, ToolSearchFiles}
	ApplyTools  = []string{ToolApplyDiff, ToolCreateFile, ToolReplaceFile}
)

// Property is one JSON-schema property of a tool input.
type Property struct {
	Items       *Property            `json:"items,omitempty"`
	Properties  map[string]*Property `json:"properties,omitempty"`
	Type        string               `json:"type"`
	Description string               `json:"description,omitempty"`
	Enum        []string             `json:"enum,omitempty"`
	Required    []string             `json:"required,omitempty"`
}

// InputSchema is the JSON schema of a tool's arguments (always an object).
type InputSchema struct {
	Properties map[string]Property `json:"properties"`
	Type       string              `json:"type"`
	Required   []string            `json:"required,omitempty"`
}

// ToolDefinition is what the model sees of a tool.
type ToolDefinition struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	InputSchema InputSchema `json:"input_schema"`
}

// ExecResult is a tool's output as fed back to the model. IsError marks a
// structured failure the model can react to; it is not a Go error.
type ExecResult struct {
	Data    any
	Content string
	IsError bool
}

// Tool is an executable tool. Exec returns a Go error only for failures
// the loop cannot report back to the model (for example a canceled context).
type Tool interface {
	Name() string
	Definition() ToolDefinition
	Exec(ctx context.Context, args map[string]any) (*ExecResult, error)
}

// Provider serves a fixed, ordered set of tools.
type Provider struct {
	tools map[string]Tool
	order []string
}

// NewProvider creates a provider. Later tools with a duplicate name replace earlier ones.
func NewProvider(tools ...Tool) *Provider {
	p := &Provider{tools: make(map[string]Tool, len(tools))}
	for _, t := range tools {
		if _, dup := p.tools[t.Name()]; !dup {
			p.order = append(p.order, t.Name())
		}
		p.tools[t.Name()] = t
	}
	return p
}

// Get returns the named tool.
func (p *Provider) Get(name string) (Tool, error) {
	t, ok := p.tools[name]
	if !ok {
		return nil, fmt.Errorf("tool '%s' not available in this context", name)
	}
	return t, nil
}

// Definitions returns the tool definitions in registration order.
func (p *Provider) Definitions() []ToolDefinition {
	defs := make([]ToolDefinition, 0, len(p.order))
	for _, name := range p.order {
		defs = append(defs, p.tools[name].Definition())
	}
	return defs
}

// Names returns the tool names in registration order.
func (p *Provider) Names() []string {
	return append([]string(nil), p.order...)
}

// SchemaMap renders the schema's properties as plain maps, the form most
// provider SDKs accept.
func (s InputSchema) SchemaMap() map[string]any {
	props := make(map[string]any, len(s.Properties))
	for name := range s.Properties {
		prop := s.Properties[name]
		props[name] = prop.toMap()
	}
	out := map[string]any{"type": "object", "properties": props}
	if len(s.Required) > 0 {
		out["required"] = s.Required
	}
	return out
}

func (p *Property) toMap() map[string]any {
	m := map[string]any{"type": p.Type}
	if p.Description != "" {
		m["description"] = p.Description
	}
	if len(p.Enum) > 0 {
		m["enum"] = p.Enum
	}
	if p.Items != nil {
		m["items"] = p.Items.toMap()
	}
	if len(p.Properties) > 0 {
		nested := make(map[string]any, len(p.Properties))
		for name, child := range p.Properties {
			nested[name] = child.toMap()
		}
		m["properties"] = nested
	}
	if len(p.Required) > 0 {
		m["required"] = p.Required
	}
	return m
}
