package llm

import (
	"context"
	"sync"
	"time"

	"arena/internal/obs"
	"arena/pkg/exception"
	"arena/pkg/websocket"

	"github.com/yanun0323/logs"
)

const (
	DefaultTimeout   = 20 * time.Second
	DefaultAttempts  = 2
	DefaultThreshold = 5
)

// Config controls retries and circuit breaking.
type Config struct {
	// Timeout bounds a single provider attempt.
	Timeout time.Duration
	// Attempts is the number of tries per provider before falling through.
	Attempts int
	// Threshold is the number of consecutive failures that opens a circuit.
	Threshold int
	Backoff   websocket.Backoff
}

type entry struct {
	provider Provider
	breaker  breaker
}

// Gateway routes completions to prioritized providers. A provider whose
// circuit is open is skipped until Reset or a successful Probe closes it.
type Gateway struct {
	cfg     Config
	metrics *obs.Metrics

	mu      sync.Mutex
	entries []*entry
}

// ProviderStatus is a provider's health as reported to operators.
type ProviderStatus struct {
	Name     string `json:"name"`
	State    State  `json:"state"`
	Failures int    `json:"failures"`
}

// NewGateway creates a gateway over providers in priority order.
func NewGateway(cfg Config, providers []Provider, m *obs.Metrics) *Gateway {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = DefaultAttempts
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.Backoff == (websocket.Backoff{}) {
		cfg.Backoff = websocket.DefaultBackoff()
	}
	g := &Gateway{cfg: cfg, metrics: m}
	for _, p := range providers {
		g.entries = append(g.entries, &entry{provider: p, breaker: breaker{threshold: cfg.Threshold}})
	}
	return g
}

// Call asks the first healthy provider that answers. It returns false when
// every provider failed or is open; callers treat that as no commentary.
func (g *Gateway) Call(ctx context.Context, messages []Message, maxTokens int, temperature float64) (string, bool) {
	req := Request{Messages: messages, MaxTokens: maxTokens, Temperature: temperature}
	for idx, e := range g.snapshot() {
		name := e.provider.Name()
		for attempt := 1; attempt <= g.cfg.Attempts; attempt++ {
			if !g.healthy(e) {
				g.metrics.ObserveLLMCall(name, "circuit_open")
				break
			}
			if ctx.Err() != nil {
				return "", false
			}

			text, err := g.attempt(ctx, e.provider, req)
			if err == nil {
				g.record(e, nil)
				outcome := "ok"
				if idx > 0 {
					outcome = "fallback"
				}
				g.metrics.ObserveLLMCall(name, outcome)
				return text, true
			}

			g.metrics.ObserveLLMCall(name, "error")
			if opened := g.record(e, err); opened {
				logs.Errorf("llm: provider %s circuit opened after %d failures, last err: %+v", name, g.cfg.Threshold, err)
				break
			}
			if attempt < g.cfg.Attempts {
				if g.cfg.Backoff.Sleep(ctx, attempt) != nil {
					return "", false
				}
			}
		}
	}
	logs.Errorf("llm: %+v", exception.ErrProviderUnavailable)
	return "", false
}

func (g *Gateway) attempt(ctx context.Context, p Provider, req Request) (string, error) {
	actx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()
	return p.Complete(actx, req)
}

func (g *Gateway) snapshot() []*entry {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]*entry(nil), g.entries...)
}

func (g *Gateway) healthy(e *entry) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return e.breaker.state == StateHealthy
}

func (g *Gateway) record(e *entry, err error) (opened bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err == nil {
		e.breaker.success()
		return false
	}
	return e.breaker.failure()
}

func (g *Gateway) find(name string) (*entry, error) {
	for _, e := range g.entries {
		if e.provider.Name() == name {
			return e, nil
		}
	}
	return nil, exception.ErrUnknownProvider
}

// Reset closes an open circuit.
func (g *Gateway) Reset(name string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, err := g.find(name)
	if err != nil {
		return err
	}
	if err := e.breaker.close(); err != nil {
		return err
	}
	logs.Infof("llm: provider %s circuit closed by operator", name)
	return nil
}

// Probe sends a minimal request to a provider with an open circuit and closes
// the circuit if it answers.
func (g *Gateway) Probe(ctx context.Context, name string) error {
	g.mu.Lock()
	e, err := g.find(name)
	if err == nil && e.breaker.state != StateCircuitOpen {
		err = exception.ErrInvalidTransition
	}
	g.mu.Unlock()
	if err != nil {
		return err
	}

	if _, err := g.attempt(ctx, e.provider, Request{Messages: []Message{{Role: "user", Content: "ping"}}, MaxTokens: 1}); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if e.breaker.state == StateCircuitOpen {
		_ = e.breaker.close()
		logs.Infof("llm: provider %s circuit closed after successful probe", name)
	}
	return nil
}

// Status reports every provider in priority order.
func (g *Gateway) Status() []ProviderStatus {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]ProviderStatus, 0, len(g.entries))
	for _, e := range g.entries {
		out = append(out, ProviderStatus{Name: e.provider.Name(), State: e.breaker.state, Failures: e.breaker.failures})
	}
	return out
}
