package agent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"patchpilot/pkg/agent/llm"
	"patchpilot/pkg/agent/llmerrors"
	"patchpilot/pkg/config"
	"patchpilot/pkg/logx"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load("", t.TempDir())
	require.NoError(t, err)
	cfg.LLM.Retry.InitialDelay = time.Millisecond
	cfg.LLM.Retry.MaxDelay = time.Millisecond
	return cfg
}

type rawCall struct {
	provider, credential, model string
}

func stubRaw(calls *[]rawCall, reply func() (llm.CompletionResponse, error)) RawClientFunc {
	return func(_ context.Context, provider, credential, model string) (llm.LLMClient, error) {
		*calls = append(*calls, rawCall{provider, credential, model})
		return llm.WrapClient(
			func(context.Context, llm.CompletionRequest) (llm.CompletionResponse, error) { return reply() },
			nil,
			func() string { return model },
		), nil
	}
}

func TestCreateClientUsesSecretsAndProvider(t *testing.T) {
	cfg := testConfig(t)
	cfg.Model.Name = "claude-sonnet-4-5"
	secrets := config.NewSecrets(map[string]string{config.EnvAnthropicAPIKey: "sk-test"})

	var calls []rawCall
	f := NewLLMClientFactory(cfg, secrets, nil, logx.Nop()).
		WithRawClientFunc(stubRaw(&calls, func() (llm.CompletionResponse, error) {
			return llm.CompletionResponse{Content: "hi"}, nil
		}))

	client, err := f.CreateClient(context.Background())
	require.NoError(t, err)
	resp, err := client.Complete(context.Background(), llm.NewCompletionRequest([]llm.CompletionMessage{llm.NewUserMessage("x")}))
	require.NoError(t, err)
	assert.Equal(t, "hi", resp.Content)
	assert.Equal(t, "claude-sonnet-4-5", client.GetModelName())
	assert.Equal(t, []rawCall{{config.ProviderAnthropic, "sk-test", "claude-sonnet-4-5"}}, calls)
}

func TestCreateClientWithoutKey(t *testing.T) {
	t.Setenv(config.EnvOpenAIAPIKey, "")
	cfg := testConfig(t)
	cfg.Model.Name = "gpt-4o"
	cfg.Model.Provider = ""

	_, err := NewLLMClientFactory(cfg, config.NewSecrets(nil), nil, logx.Nop()).CreateClient(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "API key")
}

func TestClassifierClientUsesOwnModel(t *testing.T) {
	cfg := testConfig(t)
	cfg.Model.Name = "claude-sonnet-4-5"
	cfg.Model.ClassifierName = "llama3"
	var calls []rawCall
	f := NewLLMClientFactory(cfg, config.NewSecrets(map[string]string{config.EnvAnthropicAPIKey: "k"}), nil, logx.Nop()).
		WithRawClientFunc(stubRaw(&calls, func() (llm.CompletionResponse, error) { return llm.CompletionResponse{Content: "ok"}, nil }))

	client, err := f.CreateClassifierClient(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "llama3", client.GetModelName())
	require.Len(t, calls, 1)
	assert.Equal(t, config.ProviderOllama, calls[0].provider)
}

func TestChainRetriesAndSharesBreaker(t *testing.T) {
	cfg := testConfig(t)
	cfg.Model.Name = "claude-sonnet-4-5"
	cfg.LLM.Retry.MaxAttempts = 2
	cfg.LLM.Circuit.FailureThreshold = 1
	secrets := config.NewSecrets(map[string]string{config.EnvAnthropicAPIKey: "k"})

	attempts := 0
	var calls []rawCall
	f := NewLLMClientFactory(cfg, secrets, nil, logx.Nop()).
		WithRawClientFunc(stubRaw(&calls, func() (llm.CompletionResponse, error) {
			attempts++
			return llm.CompletionResponse{}, llmerrors.NewError(llmerrors.ErrorTypeTransient, "502")
		}))

	first, err := f.CreateClient(context.Background())
	require.NoError(t, err)
	_, err = first.Complete(context.Background(), llm.NewCompletionRequest([]llm.CompletionMessage{llm.NewUserMessage("x")}))
	assert.True(t, llmerrors.Is(err, llmerrors.ErrorTypeServiceUnavailable))
	assert.Equal(t, 2, attempts)

	second, err := f.CreateClient(context.Background())
	require.NoError(t, err)
	_, err = second.Complete(context.Background(), llm.NewCompletionRequest([]llm.CompletionMessage{llm.NewUserMessage("x")}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "circuit breaker is OPEN")
	assert.Equal(t, 2, attempts)
}
