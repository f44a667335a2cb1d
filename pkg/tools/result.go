package tools

import (
	"encoding/json"
	"fmt"
)

// ApplyResult is the structured outcome of apply_diff, create_file and
// replace_file. Failures are results too, so the model can correct itself.
type ApplyResult struct {
	FilePath string `json:"file_path"`
	Message  string `json:"message"`
	Diff     string `json:"diff,omitempty"`
	Success  bool   `json:"success"`
}

func (r *ApplyResult) exec() *ExecResult {
	content, err := json.Marshal(r)
	if err != nil {
		content = []byte(fmt.Sprintf(`{"success":false,"message":%q}`, err.Error()))
	}
	return &ExecResult{Content: string(content), Data: *r, IsError: !r.Success}
}

func applyFailure(path, format string, args ...any) *ExecResult {
	r := ApplyResult{FilePath: path, Message: fmt.Sprintf(format, args...)}
	return r.exec()
}

// jsonResult renders a successful read-side result.
func jsonResult(payload map[string]any, data any) (*ExecResult, error) {
	payload["success"] = true
	content, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}
	return &ExecResult{Content: string(content), Data: data}, nil
}

// errorResult renders a structured failure the model can react to.
func errorResult(msg string, data any) *ExecResult {
	content, _ := json.Marshal(map[string]any{"success": false, "error": msg})
	return &ExecResult{Content: string(content), Data: data, IsError: true}
}

// intArgOrDefault reads a positive integer argument; JSON numbers arrive as float64.
func intArgOrDefault(args map[string]any, key string, defaultVal int) int {
	var n int
	switch v := args[key].(type) {
	case float64:
		n = int(v)
	case int:
		n = v
	case int64:
		n = int(v)
	default:
		return defaultVal
	}
	if n < 1 {
		return defaultVal
	}
	return n
}

// stringsArg reads a string list argument. A lone string counts as one item.
func stringsArg(args map[string]any, key string) []string {
	var out []string
	switch v := args[key].(type) {
	case string:
		if v != "" {
			out = append(out, v)
		}
	case []string:
		out = append(out, v...)
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}
