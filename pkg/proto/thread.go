// Package proto defines the thread data model shared by the workflow engine,
// its nodes and the transports that drive it.
package proto

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Role identifies who authored a message.
type Role string

const (
	RoleHuman     Role = "human"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
	RoleSystem    Role = "system"
)

// Message is one entry in a thread's conversation.
// ID correlates streamed token chunks with the final content.
type Message struct {
	CreatedAt  time.Time `json:"created_at" yaml:"created_at"`
	ID         string    `json:"id" yaml:"id"`
	Role       Role      `json:"role" yaml:"role"`
	Content    string    `json:"content" yaml:"content"`
	ToolName   string    `json:"tool_name,omitempty" yaml:"tool_name,omitempty"`
	ToolCallID string    `json:"tool_call_id,omitempty" yaml:"tool_call_id,omitempty"`
	Node       string    `json:"node,omitempty" yaml:"node,omitempty"`
}

// NewMessage creates a message with a fresh id.
func NewMessage(role Role, content string) Message {
	return Message{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
}

// NewMessageWithID creates a message reusing an id that was already announced
// to stream consumers.
func NewMessageWithID(id string, role Role, content string) Message {
	msg := NewMessage(role, content)
	if id != "" {
		msg.ID = id
	}
	return msg
}

// NewToolMessage creates a tool-result message.
func NewToolMessage(toolName, callID, content string) Message {
	msg := NewMessage(RoleTool, content)
	msg.ToolName = toolName
	msg.ToolCallID = callID
	return msg
}

// Mode is the conversation mode that governs which nodes a turn visits.
type Mode string

const (
	ModeGeneralChat        Mode = "general_chat"
	ModeCodebaseChat       Mode = "codebase_chat"
	ModeChangeRequest      Mode = "change_request"
	ModeValidationFeedback Mode = "validation_feedback"
)

// ErrUnknownMode is returned by ParseMode for values outside the classifier's range.
var ErrUnknownMode = errors.New("unknown conversation mode")

// ExternalModes lists the modes a classifier may produce.
// ModeValidationFeedback is only ever set by validation.
func ExternalModes() []Mode {
	return []Mode{ModeGeneralChat, ModeCodebaseChat, ModeChangeRequest}
}

// Valid reports whether m is one of the four known modes.
func (m Mode) Valid() bool {
	switch m {
	case ModeGeneralChat, ModeCodebaseChat, ModeChangeRequest, ModeValidationFeedback:
		return true
	default:
		return false
	}
}

// Generates reports whether a turn in this mode reaches the generate node.
func (m Mode) Generates() bool {
	return m == ModeChangeRequest || m == ModeValidationFeedback
}

// TouchesWorkspace reports whether a turn in this mode reads or writes the working tree.
func (m Mode) TouchesWorkspace() bool {
	return m.Valid() && m != ModeGeneralChat
}

func (m Mode) String() string {
	return string(m)
}

// ParseMode accepts the externally reachable modes in either snake or
// screaming-snake case ("change_request", "CHANGE_REQUEST").
func ParseMode(s string) (Mode, error) {
	candidate := Mode(strings.ToLower(strings.TrimSpace(s)))
	if slices.Contains(ExternalModes(), candidate) {
		return candidate, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownMode, s)
}

// ThreadState is the addressable state of one conversation thread.
// Values are treated as immutable: Apply and Clone always return copies.
type ThreadState struct {
	ThreadID      string    `json:"thread_id" yaml:"thread_id"`
	Mode          Mode      `json:"mode,omitempty" yaml:"mode,omitempty"`
	Diff          string    `json:"diff,omitempty" yaml:"diff,omitempty"`
	CommitID      string    `json:"commit_id,omitempty" yaml:"commit_id,omitempty"`
	CodeContext   string    `json:"code_context,omitempty" yaml:"-"`
	Messages      []Message `json:"messages" yaml:"messages"`
	SelectedFiles []string  `json:"selected_files,omitempty" yaml:"selected_files,omitempty"`
	FilesModified []string  `json:"files_modified,omitempty" yaml:"files_modified,omitempty"`
}

// NewThreadState returns an empty state for threadID.
func NewThreadState(threadID string) ThreadState {
	return ThreadState{ThreadID: threadID, Messages: []Message{}}
}

// Clone deep-copies the slices of s.
func (s ThreadState) Clone() ThreadState {
	out := s
	out.Messages = slices.Clone(s.Messages)
	out.SelectedFiles = slices.Clone(s.SelectedFiles)
	out.FilesModified = slices.Clone(s.FilesModified)
	if out.Messages == nil {
		out.Messages = []Message{}
	}
	return out
}

// Apply merges a node's partial update into a copy of s.
func (s ThreadState) Apply(u Update) ThreadState {
	out := s.Clone()
	out.Messages = append(out.Messages, u.Messages...)
	if u.Mode != nil {
		out.Mode = *u.Mode
	}
	if u.FilesModified != nil {
		out.FilesModified = slices.Clone(*u.FilesModified)
	}
	if u.Diff != nil {
		out.Diff = *u.Diff
	}
	if u.CommitID != nil {
		out.CommitID = *u.CommitID
	}
	if u.CodeContext != nil {
		out.CodeContext = *u.CodeContext
	}
	for _, path := range u.SelectedFiles {
		if !slices.Contains(out.SelectedFiles, path) {
			out.SelectedFiles = append(out.SelectedFiles, path)
		}
	}
	return out
}

// LastMessage returns the most recent message with the given role.
func (s ThreadState) LastMessage(role Role) (Message, bool) {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == role {
			return s.Messages[i], true
		}
	}
	return Message{}, false
}

// LatestPrompt returns the content of the newest human message.
func (s ThreadState) LatestPrompt() string {
	msg, _ := s.LastMessage(RoleHuman)
	return msg.Content
}

// Update is the partial result a workflow node returns.
// Nil pointer fields leave the corresponding state field untouched.
type Update struct {
	Mode          *Mode
	FilesModified *[]string
	Diff          *string
	CommitID      *string
	CodeContext   *string
	Messages      []Message
	SelectedFiles []string
}

// Ptr returns a pointer to v, for building Updates.
func Ptr[T any](v T) *T {
	return &v
}
