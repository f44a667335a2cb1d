package llm

import (
	"context"

	"github.com/google/uuid"

	"patchpilot/pkg/logx"
	"patchpilot/pkg/proto"
)

// StreamMessage streams req as one assistant message, emitting model_start,
// a model_token per delta and model_end carrying the full text. When the
// stream fell back to a blocking call, model_end has Replace set.
func StreamMessage(ctx context.Context, client LLMClient, req CompletionRequest, emit proto.Emitter, logger *logx.Logger) (proto.Message, error) {
	id := uuid.NewString()
	emit.Emit(proto.Event{Kind: proto.EventModelStart, MessageID: id})

	res, err := StreamText(ctx, client, req, func(token string) {
		emit.Emit(proto.Event{Kind: proto.EventModelToken, MessageID: id, Content: token})
	}, logger)
	if err != nil {
		return proto.Message{}, err
	}

	emit.Emit(proto.Event{Kind: proto.EventModelEnd, MessageID: id, Content: res.Content, Replace: res.FellBack})
	return proto.NewMessageWithID(id, proto.RoleAssistant, res.Content), nil
}
