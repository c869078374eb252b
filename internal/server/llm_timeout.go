package server

import (
	"context"
	"time"

	"github.com/harborcrm/harbor/internal/llm"
)

// timeoutProvider caps every completion call with a deadline so a stalled
// model endpoint cannot hold a turn open indefinitely.
type timeoutProvider struct {
	inner   llm.Provider
	timeout time.Duration
}

func withTimeout(inner llm.Provider, timeout time.Duration) llm.Provider {
	return &timeoutProvider{inner: inner, timeout: timeout}
}

func (p *timeoutProvider) Name() string { return p.inner.Name() }

func (p *timeoutProvider) Chat(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return p.inner.Chat(ctx, req)
}
