package gateway

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/infergate/infergate/internal/tlsutil"
)

// DispatcherOptions wire the dispatch engine's collaborators.
type DispatcherOptions struct {
	Registry  *Registry
	Router    *SmartRouter
	Health    *HealthStore
	Quota     *QuotaTracker
	Pipelines *Pipelines
	Adapters  []Adapter
	Tokens    *TokenCounter
	Observer  Observer
	Logger    *zap.Logger

	// ClientFactory overrides upstream HTTP client construction, used by
	// tests to point candidates at httptest servers.
	ClientFactory func(prov *ProviderConfig) *http.Client
}

// Dispatcher walks the routed candidate list for a request, applying
// health gating, quota veto, the retry pipeline, and failover until one
// provider answers or every candidate is exhausted.
type Dispatcher struct {
	registry  *Registry
	router    *SmartRouter
	health    *HealthStore
	quota     *QuotaTracker
	pipelines *Pipelines
	adapters  []Adapter
	tokens    *TokenCounter
	observer  Observer
	logger    *zap.Logger

	clientFactory func(prov *ProviderConfig) *http.Client
	clientMu      sync.Mutex
	clients       map[string]*http.Client
}

func NewDispatcher(opts DispatcherOptions) *Dispatcher {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Observer == nil {
		opts.Observer = NopObserver{}
	}
	if opts.Tokens == nil {
		opts.Tokens = NewTokenCounter()
	}
	if opts.ClientFactory == nil {
		opts.ClientFactory = defaultClientFactory
	}
	return &Dispatcher{
		registry:      opts.Registry,
		router:        opts.Router,
		health:        opts.Health,
		quota:         opts.Quota,
		pipelines:     opts.Pipelines,
		adapters:      opts.Adapters,
		tokens:        opts.Tokens,
		observer:      opts.Observer,
		logger:        opts.Logger,
		clientFactory: opts.ClientFactory,
		clients:       make(map[string]*http.Client),
	}
}

func defaultClientFactory(_ *ProviderConfig) *http.Client {
	// Per-request contexts carry the deadline; the client itself has none.
	return tlsutil.SecureHTTPClient(0)
}

// client returns the cached HTTP client for a provider, building one on
// first use. Clients survive config reloads; a removed provider's client
// is garbage once nothing references its key.
func (d *Dispatcher) client(prov *ProviderConfig) *http.Client {
	d.clientMu.Lock()
	defer d.clientMu.Unlock()
	if c, ok := d.clients[prov.Key]; ok {
		return c
	}
	c := d.clientFactory(prov)
	d.clients[prov.Key] = c
	return c
}

// adapterFor picks the adapter handling the provider's type. The
// openai-compatible adapter registers CanHandle("") and acts as the
// default for unmatched types.
func (d *Dispatcher) adapterFor(prov *ProviderConfig) Adapter {
	var fallback Adapter
	for _, a := range d.adapters {
		if a.CanHandle(prov.Type) {
			return a
		}
		if a.CanHandle("") {
			fallback = a
		}
	}
	return fallback
}

// Dispatch serves one unary chat completion. The returned response always
// carries the serving provider and effective model id.
func (d *Dispatcher) Dispatch(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	ctx, finish := d.observer.RequestStart(ctx, req.Model, false)

	cands, err := d.router.GetCandidates(req.Model, false)
	if err != nil {
		finish(string(CodeOf(err)))
		return nil, err
	}

	estTokens := int64(d.tokens.CountRequest(req))
	fail := &AllProvidersFailedError{ModelID: req.Model}

	for _, cand := range cands {
		if ctx.Err() != nil {
			finish(string(ErrCancelled))
			return nil, ctxError(ctx)
		}
		if skip := d.preflight(ctx, cand, estTokens, fail); skip {
			continue
		}

		resp, attemptErr := d.attemptUnary(ctx, cand, req)
		if attemptErr == nil {
			d.settleSuccess(cand, req, resp)
			finish(OutcomeSuccess)
			return resp, nil
		}

		if done, err := d.settleFailure(ctx, cand, attemptErr, fail); done {
			finish(string(CodeOf(err)))
			return nil, err
		}
	}

	finish(string(ErrAllProvidersFailed))
	d.logger.Warn("all providers failed",
		zap.String("model", req.Model),
		zap.Int("attempts", len(fail.Attempts)),
	)
	return nil, fail
}

// preflight applies the health gate and quota veto for one candidate,
// appending a synthetic attempt entry when it is skipped.
func (d *Dispatcher) preflight(ctx context.Context, cand Candidate, estTokens int64, fail *AllProvidersFailedError) bool {
	if !d.health.Healthy(cand.ProviderKey) {
		d.observer.AttemptDone(ctx, cand.ProviderKey, cand.CanonicalID, OutcomeSkipCooldown, 0)
		fail.Attempts = append(fail.Attempts, Attempt{
			Provider: cand.ProviderKey,
			Model:    cand.CanonicalID,
			Code:     d.health.Status(cand.ProviderKey).LastError,
			Message:  "provider in cooldown",
		})
		return true
	}
	if !d.quota.Allow(cand.Config, estTokens) {
		d.observer.AttemptDone(ctx, cand.ProviderKey, cand.CanonicalID, OutcomeSkipQuota, 0)
		fail.Attempts = append(fail.Attempts, Attempt{
			Provider: cand.ProviderKey,
			Model:    cand.CanonicalID,
			Code:     ErrProviderRateLimit,
			Message:  "client-side quota window exhausted",
		})
		return true
	}
	return false
}

func (d *Dispatcher) attemptUnary(ctx context.Context, cand Candidate, req *ChatRequest) (*ChatResponse, error) {
	adapter := d.adapterFor(cand.Config)
	if adapter == nil {
		return nil, &Error{
			Code:       ErrConfigInvalid,
			Message:    "no adapter for provider type " + cand.Config.Type,
			HTTPStatus: http.StatusInternalServerError,
			Provider:   cand.ProviderKey,
		}
	}

	attemptReq := req.Clone()
	attemptReq.Model = cand.ProviderModelID

	var resp *ChatResponse
	start := time.Now()
	err := d.pipelines.Get(PipelineUnary).Execute(ctx, func(attemptCtx context.Context) error {
		r, execErr := adapter.Execute(attemptCtx, d.client(cand.Config), cand.Config, cand.ProviderModelID, attemptReq)
		if execErr != nil {
			return execErr
		}
		resp = r
		return nil
	})
	latency := time.Since(start)
	if err != nil {
		d.observer.AttemptDone(ctx, cand.ProviderKey, cand.CanonicalID, string(CodeOf(err)), latency)
		return nil, err
	}
	d.observer.AttemptDone(ctx, cand.ProviderKey, cand.CanonicalID, OutcomeSuccess, latency)
	return resp, nil
}

// settleSuccess annotates the response, restores provider health, and
// charges quota with real or estimated usage.
func (d *Dispatcher) settleSuccess(cand Candidate, req *ChatRequest, resp *ChatResponse) {
	resp.Provider = cand.ProviderKey
	resp.Model = cand.CanonicalID
	resp.EffectiveModel = cand.ProviderModelID
	d.tokens.EnsureUsage(req, resp)

	wasHealthy := d.health.Healthy(cand.ProviderKey)
	d.health.MarkSuccess(cand.ProviderKey)
	if !wasHealthy {
		d.observer.HealthChanged(cand.ProviderKey, true)
	}
	d.quota.RecordUsage(cand.ProviderKey, int64(resp.Usage.TotalTokens))
	d.observer.TokensUsed(cand.ProviderKey, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
}

// settleFailure classifies an attempt error. It returns done=true for
// failures that must surface to the caller immediately: request-shaped
// errors that would reproduce on any provider, and caller cancellation.
// Everything else penalises the provider and lets the walk continue.
func (d *Dispatcher) settleFailure(ctx context.Context, cand Candidate, attemptErr error, fail *AllProvidersFailedError) (bool, error) {
	code := CodeOf(attemptErr)

	switch code {
	case ErrCancelled:
		return true, ctxError(ctx)
	case ErrInvalidRequest, ErrProviderRequest:
		// No health penalty: the request itself is at fault.
		return true, attemptErr
	}

	wasHealthy := d.health.Healthy(cand.ProviderKey)
	d.health.MarkFailure(cand.ProviderKey, code)
	if wasHealthy && !d.health.Healthy(cand.ProviderKey) {
		d.observer.HealthChanged(cand.ProviderKey, false)
	}

	msg := attemptErr.Error()
	fail.Attempts = append(fail.Attempts, Attempt{
		Provider: cand.ProviderKey,
		Model:    cand.CanonicalID,
		Code:     code,
		Message:  msg,
	})
	d.logger.Debug("provider attempt failed",
		zap.String("provider", cand.ProviderKey),
		zap.String("model", cand.CanonicalID),
		zap.String("code", string(code)),
		zap.String("error", msg),
	)
	return false, nil
}

func ctxError(ctx context.Context) error {
	if ctx.Err() == context.DeadlineExceeded {
		return &Error{
			Code:       ErrTimeout,
			Message:    "request deadline exceeded",
			HTTPStatus: http.StatusGatewayTimeout,
		}
	}
	return &Error{
		Code:       ErrCancelled,
		Message:    "request cancelled by caller",
		HTTPStatus: 499,
	}
}

// DispatchStream serves one streaming chat completion with at-most-once
// delivery: failover is allowed only until the first chunk arrives; after
// that the stream is committed to its provider and a mid-stream failure
// terminates with an error chunk instead of retrying elsewhere.
func (d *Dispatcher) DispatchStream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error) {
	ctx, finish := d.observer.RequestStart(ctx, req.Model, true)

	cands, err := d.router.GetCandidates(req.Model, true)
	if err != nil {
		finish(string(CodeOf(err)))
		return nil, err
	}

	estTokens := int64(d.tokens.CountRequest(req))
	fail := &AllProvidersFailedError{ModelID: req.Model}

	for _, cand := range cands {
		if ctx.Err() != nil {
			finish(string(ErrCancelled))
			return nil, ctxError(ctx)
		}
		if skip := d.preflight(ctx, cand, estTokens, fail); skip {
			continue
		}

		out, attemptErr := d.attemptStream(ctx, cand, req, finish)
		if attemptErr == nil {
			return out, nil
		}
		if done, err := d.settleFailure(ctx, cand, attemptErr, fail); done {
			finish(string(CodeOf(err)))
			return nil, err
		}
	}

	finish(string(ErrAllProvidersFailed))
	return nil, fail
}

// attemptStream opens the upstream stream and waits for its first chunk
// under the stream-init pipeline. On commit it returns the forwarding
// channel; any failure before the first chunk is a normal attempt error.
func (d *Dispatcher) attemptStream(ctx context.Context, cand Candidate, req *ChatRequest, finish func(string)) (<-chan StreamChunk, error) {
	adapter := d.adapterFor(cand.Config)
	if adapter == nil {
		return nil, &Error{
			Code:       ErrConfigInvalid,
			Message:    "no adapter for provider type " + cand.Config.Type,
			HTTPStatus: http.StatusInternalServerError,
			Provider:   cand.ProviderKey,
		}
	}

	attemptReq := req.Clone()
	attemptReq.Model = cand.ProviderModelID
	attemptReq.Stream = true

	var (
		upstream <-chan StreamChunk
		first    StreamChunk
		hasFirst bool
		cancel   context.CancelFunc
	)
	start := time.Now()
	err := d.pipelines.Get(PipelineStreamInit).Execute(ctx, func(attemptCtx context.Context) error {
		// The stream body must outlive the init deadline, so the adapter
		// gets a cancel derived from the request context; attemptCtx only
		// bounds the wait for the first chunk.
		streamCtx, streamCancel := context.WithCancel(ctx)
		ch, openErr := adapter.ExecuteStreaming(streamCtx, d.client(cand.Config), cand.Config, cand.ProviderModelID, attemptReq)
		if openErr != nil {
			streamCancel()
			return openErr
		}
		select {
		case chunk, ok := <-ch:
			if !ok {
				streamCancel()
				return &Error{
					Code:       ErrProviderServer,
					Message:    "upstream closed stream before first chunk",
					HTTPStatus: http.StatusBadGateway,
					Retryable:  true,
					Provider:   cand.ProviderKey,
				}
			}
			if chunk.Err != nil {
				streamCancel()
				return chunk.Err
			}
			upstream, first, hasFirst, cancel = ch, chunk, true, streamCancel
			return nil
		case <-attemptCtx.Done():
			streamCancel()
			return &Error{
				Code:       ErrTimeout,
				Message:    "timed out waiting for first stream chunk",
				HTTPStatus: http.StatusGatewayTimeout,
				Retryable:  true,
				Provider:   cand.ProviderKey,
			}
		}
	})
	latency := time.Since(start)
	if err != nil {
		d.observer.AttemptDone(ctx, cand.ProviderKey, cand.CanonicalID, string(CodeOf(err)), latency)
		return nil, err
	}
	d.observer.AttemptDone(ctx, cand.ProviderKey, cand.CanonicalID, OutcomeSuccess, latency)

	out := make(chan StreamChunk, 8)
	go d.forwardStream(ctx, cand, req, upstream, first, hasFirst, out, cancel, finish)
	return out, nil
}

// forwardStream relays committed upstream chunks, annotating each with
// the provider identity, accumulating usage, and settling health and
// quota at the end.
func (d *Dispatcher) forwardStream(ctx context.Context, cand Candidate, req *ChatRequest, upstream <-chan StreamChunk, first StreamChunk, hasFirst bool, out chan<- StreamChunk, cancel context.CancelFunc, finish func(string)) {
	defer cancel()
	defer close(out)

	var usage ChatUsage
	var completionText int
	failed := false

	emit := func(chunk StreamChunk) bool {
		chunk.Provider = cand.ProviderKey
		chunk.Model = cand.CanonicalID
		chunk.EffectiveModel = cand.ProviderModelID
		if chunk.Usage != nil {
			usage = *chunk.Usage
		}
		completionText += len(chunk.Delta.Content)
		select {
		case out <- chunk:
			return true
		case <-ctx.Done():
			return false
		}
	}

	if hasFirst {
		if !emit(first) {
			finish(string(ErrCancelled))
			return
		}
	}
	for chunk := range upstream {
		if chunk.Err != nil {
			failed = true
			emit(chunk)
			break
		}
		if !emit(chunk) {
			finish(string(ErrCancelled))
			return
		}
	}

	if failed {
		// Mid-stream failure after commit: penalise but never failover.
		d.health.MarkFailure(cand.ProviderKey, ErrProviderServer)
		finish(string(ErrProviderServer))
		return
	}

	if usage.TotalTokens == 0 {
		prompt := d.tokens.CountRequest(req)
		completion := completionText / 4
		if completion < 1 {
			completion = 1
		}
		usage = ChatUsage{
			PromptTokens:     prompt,
			CompletionTokens: completion,
			TotalTokens:      prompt + completion,
			Estimated:        true,
		}
	}

	wasHealthy := d.health.Healthy(cand.ProviderKey)
	d.health.MarkSuccess(cand.ProviderKey)
	if !wasHealthy {
		d.observer.HealthChanged(cand.ProviderKey, true)
	}
	d.quota.RecordUsage(cand.ProviderKey, int64(usage.TotalTokens))
	d.observer.TokensUsed(cand.ProviderKey, usage.PromptTokens, usage.CompletionTokens)
	finish(OutcomeSuccess)
}

// ApplyReload swaps the registry snapshot and prunes health and quota
// cells for providers the new document no longer names.
func (d *Dispatcher) ApplyReload(cfg RegistryConfig) error {
	if err := d.registry.Reload(cfg); err != nil {
		return err
	}
	keep := make(map[string]struct{}, len(cfg.Providers))
	for key := range cfg.Providers {
		keep[key] = struct{}{}
	}
	d.health.Prune(keep)
	d.quota.Prune(keep)
	d.logger.Info("configuration reloaded", zap.Int("providers", len(cfg.Providers)))
	return nil
}
