package gateway

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
)

// PipelineOptions configure one named resilience pipeline. A pipeline
// wraps a single provider attempt; candidate failover happens above it in
// the dispatch loop, so retries here never switch providers.
type PipelineOptions struct {
	// MaxRetries is the number of re-attempts after the first try.
	MaxRetries int
	// AttemptTimeout bounds one attempt. Zero disables the per-attempt
	// deadline and only the request context applies.
	AttemptTimeout time.Duration
	// BaseBackoff is the delay before the first retry; it doubles each
	// retry and carries +/-20% jitter.
	BaseBackoff time.Duration
	// MaxBackoff caps the grown delay.
	MaxBackoff time.Duration
}

func (o PipelineOptions) normalize() PipelineOptions {
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = 500 * time.Millisecond
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 10 * time.Second
	}
	return o
}

// Pipeline executes a function under retry, backoff, and per-attempt
// timeout policy. Only failures IsRetryable reports true for are retried;
// context cancellation always wins over the policy.
type Pipeline struct {
	name   string
	opts   PipelineOptions
	logger *zap.Logger
}

func NewPipeline(name string, opts PipelineOptions, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{name: name, opts: opts.normalize(), logger: logger}
}

func (p *Pipeline) Name() string { return p.name }

// Execute runs fn until it succeeds, exhausts the retry budget, hits a
// non-retryable failure, or the context ends. The last error is returned
// unwrapped so callers can classify it.
func (p *Pipeline) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt <= p.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := p.backoff(attempt)
			p.logger.Debug("retrying attempt",
				zap.String("pipeline", p.name),
				zap.Int("attempt", attempt),
				zap.Duration("backoff", delay),
				zap.Error(lastErr),
			)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		attemptCtx := ctx
		var cancel context.CancelFunc
		if p.opts.AttemptTimeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, p.opts.AttemptTimeout)
		}
		err := fn(attemptCtx)
		if cancel != nil {
			cancel()
		}
		if err == nil {
			return nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !IsRetryable(err) {
			return err
		}
	}
	return lastErr
}

// backoff returns the exponential delay for the n-th retry with +/-20%
// jitter, capped at MaxBackoff.
func (p *Pipeline) backoff(attempt int) time.Duration {
	d := p.opts.BaseBackoff << (attempt - 1)
	if d > p.opts.MaxBackoff {
		d = p.opts.MaxBackoff
	}
	jitter := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(d) * jitter)
}

// Pipelines is a named registry so call sites share policy by name
// instead of re-declaring retry constants.
type Pipelines struct {
	mu        sync.RWMutex
	pipelines map[string]*Pipeline
}

// Well-known pipeline names registered by DefaultPipelines. The unary
// policy answers to PipelineRetry, its canonical name, and to the
// PipelineUnary alias.
const (
	PipelineRetry      = "provider-retry"
	PipelineUnary      = "provider-unary"
	PipelineStreamInit = "provider-stream-init"
)

// DefaultPipelines registers the gateway's standard policies: one retry
// with exponential backoff before the dispatch loop fails over, 30s per
// unary attempt and 120s for opening a stream.
func DefaultPipelines(logger *zap.Logger) *Pipelines {
	ps := &Pipelines{pipelines: make(map[string]*Pipeline)}
	unary := NewPipeline(PipelineRetry, PipelineOptions{
		MaxRetries:     1,
		AttemptTimeout: 30 * time.Second,
		BaseBackoff:    500 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
	}, logger)
	ps.Register(unary)
	ps.RegisterAlias(PipelineUnary, unary)
	ps.Register(NewPipeline(PipelineStreamInit, PipelineOptions{
		MaxRetries:     1,
		AttemptTimeout: 120 * time.Second,
		BaseBackoff:    500 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
	}, logger))
	return ps
}

func (ps *Pipelines) Register(p *Pipeline) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.pipelines[p.Name()] = p
}

// RegisterAlias exposes an existing pipeline under an additional name.
func (ps *Pipelines) RegisterAlias(name string, p *Pipeline) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.pipelines[name] = p
}

// Get returns the named pipeline, or a pass-through zero-retry pipeline
// when the name is unknown.
func (ps *Pipelines) Get(name string) *Pipeline {
	ps.mu.RLock()
	p, ok := ps.pipelines[name]
	ps.mu.RUnlock()
	if ok {
		return p
	}
	return NewPipeline(name, PipelineOptions{}, nil)
}
