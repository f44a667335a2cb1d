// Package agent builds language-model clients: a raw provider client wrapped
// in the metrics, validation and resilience middleware chain.
package agent

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"

	"patchpilot/pkg/agent/internal/llmimpl/anthropic"
	"patchpilot/pkg/agent/internal/llmimpl/google"
	"patchpilot/pkg/agent/internal/llmimpl/ollama"
	"patchpilot/pkg/agent/internal/llmimpl/openai"
	"patchpilot/pkg/agent/llm"
	"patchpilot/pkg/agent/middleware/metrics"
	"patchpilot/pkg/agent/middleware/resilience/circuit"
	"patchpilot/pkg/agent/middleware/resilience/ratelimit"
	"patchpilot/pkg/agent/middleware/resilience/retry"
	"patchpilot/pkg/agent/middleware/resilience/timeout"
	"patchpilot/pkg/agent/middleware/validation"
	"patchpilot/pkg/config"
	"patchpilot/pkg/logx"
	"patchpilot/pkg/utils"
)

// RawClientFunc constructs an unwrapped provider client.
type RawClientFunc func(ctx context.Context, provider, credential, model string) (llm.LLMClient, error)

// LLMClientFactory creates clients sharing one circuit breaker and one rate
// limiter per provider.
type LLMClientFactory struct {
	cfg      *config.Config
	secrets  *config.Secrets
	recorder metrics.Recorder
	logger   *logx.Logger
	newRaw   RawClientFunc
	tokens   *utils.TokenCounter

	mu       sync.Mutex
	breakers map[string]*circuit.Breaker
	limiters map[string]*rate.Limiter
}

// NewLLMClientFactory creates a factory. A nil recorder disables metrics.
func NewLLMClientFactory(cfg *config.Config, secrets *config.Secrets, recorder metrics.Recorder, logger *logx.Logger) *LLMClientFactory {
	if recorder == nil {
		recorder = metrics.Nop()
	}
	if logger == nil {
		logger = logx.NewLogger("llm")
	}
	tokens, err := utils.NewTokenCounter(cfg.Model.Name)
	if err != nil {
		logger.Warn("token counting falls back to estimates: %v", err)
	}
	return &LLMClientFactory{
		cfg:      cfg,
		secrets:  secrets,
		recorder: recorder,
		logger:   logger,
		newRaw:   NewRawClient,
		tokens:   tokens,
		breakers: make(map[string]*circuit.Breaker),
		limiters: make(map[string]*rate.Limiter),
	}
}

// WithRawClientFunc replaces provider client construction, for tests and
// alternative transports.
func (f *LLMClientFactory) WithRawClientFunc(fn RawClientFunc) *LLMClientFactory {
	f.newRaw = fn
	return f
}

// NewRawClient constructs the SDK-backed client for provider.
func NewRawClient(ctx context.Context, provider, credential, model string) (llm.LLMClient, error) {
	switch provider {
	case config.ProviderAnthropic:
		return anthropic.NewClaudeClientWithModel(credential, model), nil
	case config.ProviderOpenAI:
		return openai.NewClientWithModel(credential, model), nil
	case config.ProviderGoogle:
		return google.NewGeminiClientWithModel(ctx, credential, model)
	case config.ProviderOllama:
		return ollama.NewOllamaClientWithModel(credential, model), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", provider)
	}
}

// CreateClient returns the main model client.
func (f *LLMClientFactory) CreateClient(ctx context.Context) (llm.LLMClient, error) {
	provider, err := f.cfg.Provider()
	if err != nil {
		return nil, err //nolint:wrapcheck // already descriptive
	}
	return f.createClientWithMiddleware(ctx, provider, f.cfg.Model.Name)
}

// CreateClassifierClient returns the client used for mode classification,
// which may be a smaller model than the main one.
func (f *LLMClientFactory) CreateClassifierClient(ctx context.Context) (llm.LLMClient, error) {
	name := f.cfg.ClassifierModel()
	if name == f.cfg.Model.Name {
		return f.CreateClient(ctx)
	}
	provider, err := config.ProviderFor(name)
	if err != nil {
		return nil, fmt.Errorf("classifier model: %w", err)
	}
	return f.createClientWithMiddleware(ctx, provider, name)
}

func (f *LLMClientFactory) createClientWithMiddleware(ctx context.Context, provider, model string) (llm.LLMClient, error) {
	credential, err := config.APIKey(f.secrets, provider)
	if err != nil {
		return nil, fmt.Errorf("failed to get API key for provider %s: %w", provider, err)
	}
	raw, err := f.newRaw(ctx, provider, credential, model)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s client: %w", provider, err)
	}

	breaker, limiter := f.providerState(provider)
	llmCfg := f.cfg.LLM
	policy := retry.NewPolicy(retry.Config{
		MaxAttempts:   llmCfg.Retry.MaxAttempts,
		InitialDelay:  llmCfg.Retry.InitialDelay,
		MaxDelay:      llmCfg.Retry.MaxDelay,
		BackoffFactor: llmCfg.Retry.BackoffFactor,
		Jitter:        llmCfg.Retry.Jitter,
	}, nil)
	logger := f.logger.WithComponent("llm:" + provider)

	// Metrics -> EmptyResponse -> CircuitBreaker -> Retry -> RateLimit -> Timeout -> raw
	return llm.Chain(raw,
		metrics.Middleware(f.recorder, metrics.CountingUsageExtractor(f.tokens), logger),
		validation.EmptyResponseMiddleware(logger),
		circuit.Middleware(breaker),
		retry.Middleware(policy, logger),
		ratelimit.Middleware(limiter, f.recorder),
		timeout.Middleware(llmCfg.Timeout),
	), nil
}

func (f *LLMClientFactory) providerState(provider string) (*circuit.Breaker, *rate.Limiter) {
	f.mu.Lock()
	defer f.mu.Unlock()
	breaker, ok := f.breakers[provider]
	if !ok {
		breaker = circuit.New(circuit.Config{
			FailureThreshold: f.cfg.LLM.Circuit.FailureThreshold,
			SuccessThreshold: f.cfg.LLM.Circuit.SuccessThreshold,
			Timeout:          f.cfg.LLM.Circuit.Timeout,
		})
		f.breakers[provider] = breaker
	}
	limiter, ok := f.limiters[provider]
	if !ok {
		limiter = ratelimit.NewLimiter(ratelimit.Config{
			RequestsPerMinute: f.cfg.LLM.RateLimit.RequestsPerMinute,
			Burst:             f.cfg.LLM.RateLimit.Burst,
		})
		f.limiters[provider] = limiter
	}
	return breaker, limiter
}
