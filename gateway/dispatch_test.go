package gateway

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedAdapter returns canned results per provider key so the dispatch
// loop can be exercised without real upstreams.
type scriptedAdapter struct {
	mu      sync.Mutex
	unary   map[string]func(*ChatRequest) (*ChatResponse, error)
	streams map[string]func(ctx context.Context) (<-chan StreamChunk, error)
	calls   []string
}

func newScriptedAdapter() *scriptedAdapter {
	return &scriptedAdapter{
		unary:   make(map[string]func(*ChatRequest) (*ChatResponse, error)),
		streams: make(map[string]func(ctx context.Context) (<-chan StreamChunk, error)),
	}
}

func (a *scriptedAdapter) Kind() string            { return "scripted" }
func (a *scriptedAdapter) CanHandle(t string) bool { return t == "scripted" || t == "" }

func (a *scriptedAdapter) record(provider string) {
	a.mu.Lock()
	a.calls = append(a.calls, provider)
	a.mu.Unlock()
}

func (a *scriptedAdapter) callLog() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.calls...)
}

func (a *scriptedAdapter) Execute(ctx context.Context, _ *http.Client, prov *ProviderConfig, _ string, req *ChatRequest) (*ChatResponse, error) {
	a.record(prov.Key)
	fn, ok := a.unary[prov.Key]
	if !ok {
		return nil, &Error{Code: ErrProviderServer, Message: "unscripted", Retryable: false}
	}
	return fn(req)
}

func (a *scriptedAdapter) ExecuteStreaming(ctx context.Context, _ *http.Client, prov *ProviderConfig, _ string, _ *ChatRequest) (<-chan StreamChunk, error) {
	a.record(prov.Key)
	fn, ok := a.streams[prov.Key]
	if !ok {
		return nil, &Error{Code: ErrProviderServer, Message: "unscripted", Retryable: false}
	}
	return fn(ctx)
}

func okResponse(content string) func(*ChatRequest) (*ChatResponse, error) {
	return func(*ChatRequest) (*ChatResponse, error) {
		return &ChatResponse{
			Choices: []ChatChoice{{Message: Message{Role: RoleAssistant, Content: content}, FinishReason: "stop"}},
			Usage:   ChatUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
		}, nil
	}
}

func failWith(code ErrorCode, status int) func(*ChatRequest) (*ChatResponse, error) {
	return func(*ChatRequest) (*ChatResponse, error) {
		return nil, &Error{Code: code, Message: "scripted failure", HTTPStatus: status}
	}
}

type dispatchFixture struct {
	dispatcher *Dispatcher
	adapter    *scriptedAdapter
	health     *HealthStore
	quota      *QuotaTracker
	clock      *fakeClock
}

func newDispatchFixture(t *testing.T, cfg RegistryConfig) *dispatchFixture {
	t.Helper()
	for _, p := range cfg.Providers {
		p.Type = "scripted"
	}
	cfg.KnownTypes = []string{"scripted"}

	reg, err := NewRegistry(cfg)
	require.NoError(t, err)

	clock := newFakeClock()
	health := NewHealthStore()
	health.now = clock.Now
	quota := NewQuotaTracker()
	quota.now = clock.Now

	adapter := newScriptedAdapter()
	pipelines := &Pipelines{pipelines: make(map[string]*Pipeline)}
	pipelines.Register(NewPipeline(PipelineUnary, PipelineOptions{BaseBackoff: time.Millisecond}, nil))
	pipelines.Register(NewPipeline(PipelineStreamInit, PipelineOptions{BaseBackoff: time.Millisecond}, nil))

	d := NewDispatcher(DispatcherOptions{
		Registry:  reg,
		Router:    NewSmartRouter(reg, quota, StrategyPriority, nil),
		Health:    health,
		Quota:     quota,
		Pipelines: pipelines,
		Adapters:  []Adapter{adapter},
		Observer:  NopObserver{},
	})

	return &dispatchFixture{dispatcher: d, adapter: adapter, health: health, quota: quota, clock: clock}
}

func dispatchCatalog() RegistryConfig {
	return RegistryConfig{
		Providers: map[string]*ProviderConfig{
			"primary": {Enabled: true, Tier: 0, QualityScore: 9, Models: map[string]string{"m": "primary-m"}},
			"backup":  {Enabled: true, Tier: 1, QualityScore: 5, Models: map[string]string{"m": "backup-m"}},
		},
		Models: []CanonicalModel{
			{ID: "m", Capabilities: Capabilities{Streaming: true}},
		},
	}
}

func chatReq(model string) *ChatRequest {
	return &ChatRequest{
		Model:    model,
		Messages: []Message{{Role: RoleUser, Content: "hello"}},
	}
}

func TestDispatchSuccessAnnotatesResponse(t *testing.T) {
	f := newDispatchFixture(t, dispatchCatalog())
	f.adapter.unary["primary"] = okResponse("hi")

	resp, err := f.dispatcher.Dispatch(context.Background(), chatReq("m"))
	require.NoError(t, err)

	assert.Equal(t, "primary", resp.Provider)
	assert.Equal(t, "m", resp.Model)
	assert.Equal(t, "primary-m", resp.EffectiveModel)
	assert.Equal(t, 15, resp.Usage.TotalTokens)
	assert.False(t, resp.Usage.Estimated)

	// Quota charged with the real usage.
	assert.EqualValues(t, 1, f.quota.Pending("primary"))
}

func TestDispatchFailsOverOnServerError(t *testing.T) {
	f := newDispatchFixture(t, dispatchCatalog())
	f.adapter.unary["primary"] = failWith(ErrProviderServer, 500)
	f.adapter.unary["backup"] = okResponse("from backup")

	resp, err := f.dispatcher.Dispatch(context.Background(), chatReq("m"))
	require.NoError(t, err)

	assert.Equal(t, "backup", resp.Provider)
	assert.Equal(t, []string{"primary", "backup"}, f.adapter.callLog())

	// Primary earned a 30s cooldown.
	assert.False(t, f.health.Healthy("primary"))
	f.clock.Advance(31 * time.Second)
	assert.True(t, f.health.Healthy("primary"))
}

func TestDispatchAuthFailureCoolsDownForAnHour(t *testing.T) {
	f := newDispatchFixture(t, dispatchCatalog())
	f.adapter.unary["primary"] = failWith(ErrProviderAuth, 401)
	f.adapter.unary["backup"] = okResponse("ok")

	_, err := f.dispatcher.Dispatch(context.Background(), chatReq("m"))
	require.NoError(t, err)

	f.clock.Advance(59 * time.Minute)
	assert.False(t, f.health.Healthy("primary"))
	f.clock.Advance(2 * time.Minute)
	assert.True(t, f.health.Healthy("primary"))
}

func TestDispatchSkipsCooledDownProvider(t *testing.T) {
	f := newDispatchFixture(t, dispatchCatalog())
	f.health.MarkFailure("primary", ErrProviderRateLimit)
	f.adapter.unary["backup"] = okResponse("ok")

	resp, err := f.dispatcher.Dispatch(context.Background(), chatReq("m"))
	require.NoError(t, err)
	assert.Equal(t, "backup", resp.Provider)

	// Primary never got a call while in cooldown.
	assert.Equal(t, []string{"backup"}, f.adapter.callLog())
}

func TestDispatchQuotaVeto(t *testing.T) {
	cfg := dispatchCatalog()
	cfg.Providers["primary"].RateLimitRPM = 1
	f := newDispatchFixture(t, cfg)
	f.adapter.unary["primary"] = okResponse("one")
	f.adapter.unary["backup"] = okResponse("two")

	resp, err := f.dispatcher.Dispatch(context.Background(), chatReq("m"))
	require.NoError(t, err)
	assert.Equal(t, "primary", resp.Provider)

	// Second request inside the window skips primary without calling it.
	resp, err = f.dispatcher.Dispatch(context.Background(), chatReq("m"))
	require.NoError(t, err)
	assert.Equal(t, "backup", resp.Provider)
	assert.Equal(t, []string{"primary", "backup"}, f.adapter.callLog())
}

func TestDispatchBadRequestShortCircuits(t *testing.T) {
	f := newDispatchFixture(t, dispatchCatalog())
	f.adapter.unary["primary"] = failWith(ErrProviderRequest, 400)
	f.adapter.unary["backup"] = okResponse("never reached")

	_, err := f.dispatcher.Dispatch(context.Background(), chatReq("m"))
	require.Error(t, err)

	var ge *Error
	require.True(t, errors.As(err, &ge))
	assert.Equal(t, ErrProviderRequest, ge.Code)

	// No failover and no health penalty for a request-shaped error.
	assert.Equal(t, []string{"primary"}, f.adapter.callLog())
	assert.True(t, f.health.Healthy("primary"))
}

func TestDispatchAllProvidersFailed(t *testing.T) {
	f := newDispatchFixture(t, dispatchCatalog())
	f.adapter.unary["primary"] = failWith(ErrProviderRateLimit, 429)
	f.adapter.unary["backup"] = failWith(ErrProviderRateLimit, 429)

	_, err := f.dispatcher.Dispatch(context.Background(), chatReq("m"))
	require.Error(t, err)

	var all *AllProvidersFailedError
	require.True(t, errors.As(err, &all))
	assert.Len(t, all.Attempts, 2)
	assert.Equal(t, ErrProviderRateLimit, all.Dominant())
	assert.Equal(t, http.StatusBadGateway, all.HTTPStatus())
}

func TestDispatchUnknownModel(t *testing.T) {
	f := newDispatchFixture(t, dispatchCatalog())

	_, err := f.dispatcher.Dispatch(context.Background(), chatReq("no-such-model"))
	var ge *Error
	require.True(t, errors.As(err, &ge))
	assert.Equal(t, ErrModelUnavailable, ge.Code)
}

func TestDispatchEstimatesMissingUsage(t *testing.T) {
	f := newDispatchFixture(t, dispatchCatalog())
	f.adapter.unary["primary"] = func(*ChatRequest) (*ChatResponse, error) {
		return &ChatResponse{
			Choices: []ChatChoice{{Message: Message{Role: RoleAssistant, Content: "no usage block here"}}},
		}, nil
	}

	resp, err := f.dispatcher.Dispatch(context.Background(), chatReq("m"))
	require.NoError(t, err)
	assert.True(t, resp.Usage.Estimated)
	assert.Greater(t, resp.Usage.TotalTokens, 0)
}

func textChunks(texts ...string) func(ctx context.Context) (<-chan StreamChunk, error) {
	return func(ctx context.Context) (<-chan StreamChunk, error) {
		ch := make(chan StreamChunk, len(texts))
		for i, txt := range texts {
			chunk := StreamChunk{Delta: Message{Role: RoleAssistant, Content: txt}}
			if i == len(texts)-1 {
				chunk.FinishReason = "stop"
			}
			ch <- chunk
		}
		close(ch)
		return ch, nil
	}
}

func collect(t *testing.T, ch <-chan StreamChunk) []StreamChunk {
	t.Helper()
	var out []StreamChunk
	timeout := time.After(5 * time.Second)
	for {
		select {
		case chunk, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, chunk)
		case <-timeout:
			t.Fatal("stream did not close")
		}
	}
}

func TestDispatchStreamAnnotatesChunks(t *testing.T) {
	f := newDispatchFixture(t, dispatchCatalog())
	f.adapter.streams["primary"] = textChunks("Hel", "lo")

	ch, err := f.dispatcher.DispatchStream(context.Background(), chatReq("m"))
	require.NoError(t, err)

	chunks := collect(t, ch)
	require.Len(t, chunks, 2)
	for _, c := range chunks {
		assert.Equal(t, "primary", c.Provider)
		assert.Equal(t, "m", c.Model)
		assert.Equal(t, "primary-m", c.EffectiveModel)
	}
	assert.Equal(t, "stop", chunks[1].FinishReason)

	// Estimated usage charged after the stream drains.
	require.Eventually(t, func() bool {
		return f.quota.Pending("primary") == 1
	}, time.Second, 10*time.Millisecond)
}

func TestDispatchStreamFailsOverBeforeFirstChunk(t *testing.T) {
	f := newDispatchFixture(t, dispatchCatalog())
	f.adapter.streams["primary"] = func(ctx context.Context) (<-chan StreamChunk, error) {
		return nil, &Error{Code: ErrProviderServer, Message: "connect refused", Retryable: false}
	}
	f.adapter.streams["backup"] = textChunks("ok")

	ch, err := f.dispatcher.DispatchStream(context.Background(), chatReq("m"))
	require.NoError(t, err)

	chunks := collect(t, ch)
	require.Len(t, chunks, 1)
	assert.Equal(t, "backup", chunks[0].Provider)
	assert.False(t, f.health.Healthy("primary"))
}

func TestDispatchStreamNoFailoverAfterFirstChunk(t *testing.T) {
	f := newDispatchFixture(t, dispatchCatalog())
	f.adapter.streams["primary"] = func(ctx context.Context) (<-chan StreamChunk, error) {
		ch := make(chan StreamChunk, 2)
		ch <- StreamChunk{Delta: Message{Role: RoleAssistant, Content: "partial"}}
		ch <- StreamChunk{Err: &Error{Code: ErrProviderServer, Message: "upstream died mid-stream"}}
		close(ch)
		return ch, nil
	}
	f.adapter.streams["backup"] = textChunks("never used")

	ch, err := f.dispatcher.DispatchStream(context.Background(), chatReq("m"))
	require.NoError(t, err)

	chunks := collect(t, ch)
	require.Len(t, chunks, 2)
	assert.Equal(t, "partial", chunks[0].Delta.Content)
	require.NotNil(t, chunks[1].Err)

	// Committed stream never fails over; backup was not touched.
	assert.Equal(t, []string{"primary"}, f.adapter.callLog())
	require.Eventually(t, func() bool {
		return !f.health.Healthy("primary")
	}, time.Second, 10*time.Millisecond)
}

func TestDispatchStreamErrorChunkBeforeFirstContentFailsOver(t *testing.T) {
	f := newDispatchFixture(t, dispatchCatalog())
	f.adapter.streams["primary"] = func(ctx context.Context) (<-chan StreamChunk, error) {
		ch := make(chan StreamChunk, 1)
		ch <- StreamChunk{Err: &Error{Code: ErrProviderServer, Message: "immediate failure"}}
		close(ch)
		return ch, nil
	}
	f.adapter.streams["backup"] = textChunks("rescued")

	ch, err := f.dispatcher.DispatchStream(context.Background(), chatReq("m"))
	require.NoError(t, err)

	chunks := collect(t, ch)
	require.Len(t, chunks, 1)
	assert.Equal(t, "rescued", chunks[0].Delta.Content)
	assert.Equal(t, "backup", chunks[0].Provider)
}

func TestApplyReloadPrunesRemovedProviders(t *testing.T) {
	f := newDispatchFixture(t, dispatchCatalog())
	f.health.MarkFailure("backup", ErrProviderServer)
	f.quota.RecordUsage("backup", 10)

	next := dispatchCatalog()
	delete(next.Providers, "backup")
	for _, p := range next.Providers {
		p.Type = "scripted"
	}
	next.KnownTypes = []string{"scripted"}

	require.NoError(t, f.dispatcher.ApplyReload(next))

	assert.Zero(t, f.health.Status("backup").FailureCount)
	assert.Zero(t, f.quota.Pending("backup"))

	// Removed provider no longer resolves.
	_, err := f.dispatcher.Dispatch(context.Background(), chatReq("backup/m"))
	require.Error(t, err)
}

func TestDispatchRequestCancelled(t *testing.T) {
	f := newDispatchFixture(t, dispatchCatalog())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.dispatcher.Dispatch(ctx, chatReq("m"))
	require.Error(t, err)
	var ge *Error
	require.True(t, errors.As(err, &ge))
	assert.Equal(t, ErrCancelled, ge.Code)
	assert.Empty(t, f.adapter.callLog())
}
