package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"patchpilot/pkg/logx"
)

// ErrStreamFailed is returned when a stream fails and the blocking fallback
// call fails too.
var ErrStreamFailed = errors.New("streaming completion failed")

// StreamResult is the outcome of StreamText.
type StreamResult struct {
	// StreamErr is the streaming failure that triggered the fallback, if any.
	StreamErr error
	Content   string
	// FellBack is set when Content came from one blocking Complete call
	// instead of the stream. Tokens already delivered to onToken are then
	// superseded by Content.
	FellBack bool
}

// StreamText streams req through client, calling onToken with each text
// delta. A stream that cannot be opened or fails midway is logged at WARN and
// replaced by exactly one blocking Complete call. Context cancellation is
// returned as-is and never triggers the fallback.
func StreamText(ctx context.Context, client LLMClient, req CompletionRequest, onToken func(string), logger *logx.Logger) (StreamResult, error) {
	if logger == nil {
		logger = logx.Nop()
	}

	content, streamErr := consumeStream(ctx, client, req, onToken)
	if streamErr == nil {
		return StreamResult{Content: content}, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return StreamResult{}, ctxErr
	}

	logger.Warn("stream from %s failed after %d chars, falling back to blocking call: %v",
		client.GetModelName(), len(content), streamErr)

	resp, err := client.Complete(ctx, req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return StreamResult{}, ctxErr
		}
		return StreamResult{StreamErr: streamErr}, fmt.Errorf("%w: stream: %v; fallback: %w", ErrStreamFailed, streamErr, err)
	}
	return StreamResult{Content: resp.Content, FellBack: true, StreamErr: streamErr}, nil
}

func consumeStream(ctx context.Context, client LLMClient, req CompletionRequest, onToken func(string)) (string, error) {
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	ch, err := client.Stream(streamCtx, req)
	if err != nil {
		return "", fmt.Errorf("open stream: %w", err)
	}

	var sb strings.Builder
	for {
		select {
		case <-ctx.Done():
			return sb.String(), ctx.Err()
		case chunk, ok := <-ch:
			if !ok {
				return sb.String(), nil
			}
			if chunk.Error != nil {
				return sb.String(), chunk.Error
			}
			if chunk.Content != "" {
				sb.WriteString(chunk.Content)
				if onToken != nil {
					onToken(chunk.Content)
				}
			}
			if chunk.Done {
				return sb.String(), nil
			}
		}
	}
}
