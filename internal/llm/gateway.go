package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/marketwire/newspipe/internal/circuitbreaker"
	"github.com/marketwire/newspipe/internal/store"
)

// UsageStore is the slice of the store the gateway needs for accounting.
type UsageStore interface {
	InsertUsageRecord(ctx context.Context, r store.UsageRecord) (int64, error)
	PricingFor(ctx context.Context, model string, at time.Time) (*store.ModelPricing, error)
}

// SettingsFunc returns the current system settings, usually through a cache.
type SettingsFunc func(ctx context.Context) (store.Settings, error)

// UnsealFunc decrypts a sealed provider credential stored in settings.
type UnsealFunc func(sealed string) (string, error)

// ClientFactory builds a provider client for the given credentials. An empty
// baseURL means the provider's default endpoint.
type ClientFactory func(provider, apiKey, baseURL string) (Completer, error)

var defaultAssignments = map[string]store.ModelAssignment{
	PurposeLayer1Scoring:     {Provider: "openai", Model: "gpt-4o-mini"},
	PurposeContentCleaning:   {Provider: "openai", Model: "gpt-4o-mini"},
	PurposeImageInsights:     {Provider: "openai", Model: "gpt-4o-mini"},
	PurposeDeepFilter:        {Provider: "openai", Model: "gpt-4o"},
	PurposeLightweightFilter: {Provider: "openai", Model: "gpt-4o-mini"},
	PurposeEmbedding:         {Provider: "openai", Model: "text-embedding-3-small"},
}

// Per-purpose call deadlines. Deep analysis reads whole articles and gets the
// long budget; everything else should answer quickly.
var defaultTimeouts = map[string]time.Duration{
	PurposeLayer1Scoring:     30 * time.Second,
	PurposeContentCleaning:   45 * time.Second,
	PurposeImageInsights:     45 * time.Second,
	PurposeDeepFilter:        90 * time.Second,
	PurposeLightweightFilter: 30 * time.Second,
	PurposeEmbedding:         30 * time.Second,
}

const (
	defaultMaxRetries    = 2
	defaultRetryBase     = 500 * time.Millisecond
	defaultEmbeddingDims = 1536
)

// Call is one gateway invocation. Credential, when set, overrides the
// credential chain for this call only. UserID attributes the spend when a
// person, not the pipeline, triggered the call.
type Call struct {
	Purpose    string
	Request    Request
	ArticleID  *int64
	UserID     *string
	Credential string
	Timeout    time.Duration
}

// Gateway resolves purposes to provider clients and runs calls with
// breakers, retries, and usage accounting.
type Gateway struct {
	store    UsageStore
	settings SettingsFunc
	unseal   UnsealFunc
	factory  ClientFactory
	logger   *slog.Logger

	maxRetries int
	retryBase  time.Duration
	embedDims  int

	mu       sync.Mutex
	clients  map[string]Completer
	breakers map[string]*circuitbreaker.Breaker

	observers []func(store.UsageRecord)

	nowFunc   func() time.Time
	randFloat func() float64
}

// GatewayOption configures a Gateway.
type GatewayOption func(*Gateway)

// WithSettings attaches the settings source used for model assignments and
// stored provider credentials.
func WithSettings(fn SettingsFunc) GatewayOption {
	return func(g *Gateway) { g.settings = fn }
}

// WithUnseal attaches the vault decryption used for stored credentials.
func WithUnseal(fn UnsealFunc) GatewayOption {
	return func(g *Gateway) { g.unseal = fn }
}

// WithLogger sets the gateway logger.
func WithLogger(l *slog.Logger) GatewayOption {
	return func(g *Gateway) { g.logger = l }
}

// WithMaxRetries sets how many times transient failures are retried.
func WithMaxRetries(n int) GatewayOption {
	return func(g *Gateway) {
		if n >= 0 {
			g.maxRetries = n
		}
	}
}

// WithRetryBase sets the base delay for retry backoff.
func WithRetryBase(d time.Duration) GatewayOption {
	return func(g *Gateway) {
		if d > 0 {
			g.retryBase = d
		}
	}
}

// WithEmbeddingDimensions sets the vector size requested from the provider.
func WithEmbeddingDimensions(n int) GatewayOption {
	return func(g *Gateway) {
		if n > 0 {
			g.embedDims = n
		}
	}
}

// WithUsageObserver registers a callback invoked after every recorded call.
func WithUsageObserver(fn func(store.UsageRecord)) GatewayOption {
	return func(g *Gateway) { g.observers = append(g.observers, fn) }
}

// NewGateway creates a gateway. The factory builds clients for providers
// that are not pre-registered with RegisterClient.
func NewGateway(st UsageStore, factory ClientFactory, opts ...GatewayOption) *Gateway {
	g := &Gateway{
		store:      st,
		factory:    factory,
		logger:     slog.Default(),
		maxRetries: defaultMaxRetries,
		retryBase:  defaultRetryBase,
		embedDims:  defaultEmbeddingDims,
		clients:    make(map[string]Completer),
		breakers:   make(map[string]*circuitbreaker.Breaker),
		nowFunc:    time.Now,
		randFloat:  rand.Float64,
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// RegisterClient pre-registers a client for a provider's default endpoint.
// Registered clients are preferred over factory-built ones when no stored or
// per-call credential applies.
func (g *Gateway) RegisterClient(provider string, c Completer) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.clients[clientKey(provider, "")] = c
}

// EmbeddingDimensions reports the vector size the gateway requests.
func (g *Gateway) EmbeddingDimensions() int { return g.embedDims }

// Complete runs a completion call for the given purpose. Transient failures
// are retried with backoff; rate limits and fatal errors are returned to the
// caller as a *ClassifiedError.
func (g *Gateway) Complete(ctx context.Context, call Call) (Response, error) {
	asg, err := g.assignment(ctx, call.Purpose)
	if err != nil {
		return Response{}, err
	}
	client, err := g.clientFor(ctx, asg, call.Credential)
	if err != nil {
		return Response{}, err
	}
	timeout := g.timeoutFor(call)

	var ce *ClassifiedError
	for attempt := 0; attempt <= g.maxRetries; attempt++ {
		if attempt > 0 {
			if err := g.backoff(ctx, attempt); err != nil {
				return Response{}, err
			}
		}
		var resp Response
		var elapsed time.Duration
		resp, elapsed, ce = g.attemptComplete(ctx, client, asg.Model, call.Request, timeout)
		g.recordUsage(ctx, call, asg, resp.Usage, elapsed, ce)
		if ce == nil {
			resp.Provider = asg.Provider
			resp.Model = asg.Model
			return resp, nil
		}
		if ce.Class != ErrTransient {
			break
		}
		g.logger.Warn("llm call failed, retrying",
			"purpose", call.Purpose,
			"provider", asg.Provider,
			"model", asg.Model,
			"attempt", attempt+1,
			"error", ce.Err.Error(),
		)
	}
	return Response{}, ce
}

// Embed embeds the inputs under the embedding purpose, returning one vector
// per input in order plus the model that produced them.
func (g *Gateway) Embed(ctx context.Context, inputs []string, articleID *int64) ([][]float32, string, error) {
	if len(inputs) == 0 {
		return nil, "", nil
	}
	call := Call{Purpose: PurposeEmbedding, ArticleID: articleID}
	asg, err := g.assignment(ctx, call.Purpose)
	if err != nil {
		return nil, "", err
	}
	client, err := g.clientFor(ctx, asg, "")
	if err != nil {
		return nil, "", err
	}
	emb, ok := client.(Embedder)
	if !ok {
		return nil, "", fmt.Errorf("llm: provider %s cannot embed", asg.Provider)
	}
	timeout := g.timeoutFor(call)

	var ce *ClassifiedError
	for attempt := 0; attempt <= g.maxRetries; attempt++ {
		if attempt > 0 {
			if err := g.backoff(ctx, attempt); err != nil {
				return nil, "", err
			}
		}
		var vectors [][]float32
		var usage Usage
		var elapsed time.Duration
		vectors, usage, elapsed, ce = g.attemptEmbed(ctx, client, emb, asg.Model, inputs, timeout)
		g.recordUsage(ctx, call, asg, usage, elapsed, ce)
		if ce == nil {
			return vectors, asg.Model, nil
		}
		if ce.Class != ErrTransient {
			break
		}
		g.logger.Warn("embedding call failed, retrying",
			"provider", asg.Provider, "attempt", attempt+1, "error", ce.Err.Error())
	}
	return nil, "", ce
}

// --- call mechanics ---

func (g *Gateway) attemptComplete(ctx context.Context, client Completer, model string, req Request, timeout time.Duration) (Response, time.Duration, *ClassifiedError) {
	release, err := g.breaker(client.ID()).Allow()
	if err != nil {
		return Response{}, 0, &ClassifiedError{
			Err:   fmt.Errorf("provider %s: %w", client.ID(), err),
			Class: ErrTransient,
		}
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := g.nowFunc()
	resp, callErr := client.Complete(cctx, model, req)
	elapsed := g.nowFunc().Sub(start)

	if callErr == nil {
		release(true)
		return resp, elapsed, nil
	}
	ce := g.classify(client, callErr)
	release(breakerSuccess(ce.Class))
	return Response{}, elapsed, ce
}

func (g *Gateway) attemptEmbed(ctx context.Context, client Completer, emb Embedder, model string, inputs []string, timeout time.Duration) ([][]float32, Usage, time.Duration, *ClassifiedError) {
	release, err := g.breaker(client.ID()).Allow()
	if err != nil {
		return nil, Usage{}, 0, &ClassifiedError{
			Err:   fmt.Errorf("provider %s: %w", client.ID(), err),
			Class: ErrTransient,
		}
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := g.nowFunc()
	vectors, usage, callErr := emb.Embed(cctx, model, inputs, g.embedDims)
	elapsed := g.nowFunc().Sub(start)

	if callErr == nil {
		for i, v := range vectors {
			if len(v) != g.embedDims {
				release(true)
				return nil, usage, elapsed, &ClassifiedError{
					Err:   fmt.Errorf("llm: embedding %d has %d dimensions, want %d", i, len(v), g.embedDims),
					Class: ErrFatal,
				}
			}
		}
		release(true)
		return vectors, usage, elapsed, nil
	}
	ce := g.classify(client, callErr)
	release(breakerSuccess(ce.Class))
	return nil, Usage{}, elapsed, ce
}

func (g *Gateway) classify(client Completer, err error) *ClassifiedError {
	ce := client.ClassifyError(err)
	if ce == nil {
		ce = Classify(err)
	}
	if errors.Is(err, context.DeadlineExceeded) && ce.Class != ErrTimeout {
		ce = &ClassifiedError{Err: err, Class: ErrTimeout}
	}
	return ce
}

// breakerSuccess reports whether the call outcome counts as provider health.
// Semantic rejections mean the provider answered; only outages, timeouts, and
// throttling should feed the breaker.
func breakerSuccess(class ErrorClass) bool {
	return class == ErrFatal || class == ErrContextOverflow
}

func (g *Gateway) backoff(ctx context.Context, attempt int) error {
	delay := g.retryBase * time.Duration(1<<uint(attempt-1))
	// Add jitter: 50-150% of delay
	jitter := time.Duration(float64(delay) * (0.5 + g.randFloat()))
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(jitter):
		return nil
	}
}

func (g *Gateway) timeoutFor(call Call) time.Duration {
	if call.Timeout > 0 {
		return call.Timeout
	}
	if d, ok := defaultTimeouts[call.Purpose]; ok {
		return d
	}
	return 60 * time.Second
}

func (g *Gateway) breaker(provider string) *circuitbreaker.Breaker {
	g.mu.Lock()
	defer g.mu.Unlock()
	b, ok := g.breakers[provider]
	if !ok {
		b = circuitbreaker.New(circuitbreaker.WithOnStateChange(func(from, to circuitbreaker.State) {
			g.logger.Warn("provider breaker state change",
				"provider", provider, "from", from.String(), "to", to.String())
		}))
		g.breakers[provider] = b
	}
	return b
}

// --- resolution ---

func (g *Gateway) assignment(ctx context.Context, purpose string) (store.ModelAssignment, error) {
	if g.settings != nil {
		st, err := g.settings(ctx)
		if err != nil {
			g.logger.Warn("settings unavailable, using default model assignment",
				"purpose", purpose, "error", err)
		} else if a, ok := st.ModelAssignments[purpose]; ok && a.Provider != "" && a.Model != "" {
			return a, nil
		}
	}
	def, ok := defaultAssignments[purpose]
	if !ok {
		return store.ModelAssignment{}, fmt.Errorf("llm: no model assignment for purpose %q", purpose)
	}
	return def, nil
}

// clientFor resolves the client through the credential chain: per-call
// credential, then the stored (sealed) credential, then a registered client,
// then an environment credential. Only environment-credentialed clients are
// cached; stored and per-call credentials rotate.
func (g *Gateway) clientFor(ctx context.Context, asg store.ModelAssignment, perCall string) (Completer, error) {
	if perCall != "" {
		return g.factory(asg.Provider, perCall, asg.BaseURL)
	}

	if g.settings != nil && g.unseal != nil {
		st, err := g.settings(ctx)
		if err == nil {
			if sealed := st.ProviderCredentials[asg.Provider]; sealed != "" {
				key, err := g.unseal(sealed)
				if err != nil {
					return nil, fmt.Errorf("llm: unseal %s credential: %w", asg.Provider, err)
				}
				return g.factory(asg.Provider, key, asg.BaseURL)
			}
		}
	}

	g.mu.Lock()
	if c, ok := g.clients[clientKey(asg.Provider, asg.BaseURL)]; ok {
		g.mu.Unlock()
		return c, nil
	}
	g.mu.Unlock()

	key := envCredential(asg.Provider)
	if key == "" {
		return nil, fmt.Errorf("llm: no credentials for provider %q", asg.Provider)
	}
	c, err := g.factory(asg.Provider, key, asg.BaseURL)
	if err != nil {
		return nil, err
	}
	g.mu.Lock()
	g.clients[clientKey(asg.Provider, asg.BaseURL)] = c
	g.mu.Unlock()
	return c, nil
}

func clientKey(provider, baseURL string) string {
	return provider + "|" + baseURL
}

func envCredential(provider string) string {
	switch provider {
	case "openai":
		if v := os.Getenv("OPENAI_API_KEY"); v != "" {
			return v
		}
	case "anthropic":
		if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
			return v
		}
	}
	return os.Getenv("NEWSPIPE_" + strings.ToUpper(provider) + "_API_KEY")
}

// --- accounting ---

func (g *Gateway) recordUsage(ctx context.Context, call Call, asg store.ModelAssignment, u Usage, elapsed time.Duration, ce *ClassifiedError) {
	rec := store.UsageRecord{
		CreatedAt:        g.nowFunc().UTC(),
		Purpose:          call.Purpose,
		Provider:         asg.Provider,
		Model:            asg.Model,
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		CachedTokens:     u.CachedTokens,
		TotalTokens:      u.TotalTokens,
		LatencyMs:        elapsed.Milliseconds(),
		Success:          ce == nil,
		ArticleID:        call.ArticleID,
		UserID:           call.UserID,
	}
	// The call context may already be dead when we get here.
	rctx := context.WithoutCancel(ctx)
	if ce != nil {
		rec.ErrorClass = string(ce.Class)
	} else {
		rec.CostUSD, rec.PricingID = g.costFor(rctx, asg.Model, u, rec.CreatedAt)
	}
	if _, err := g.store.InsertUsageRecord(rctx, rec); err != nil {
		g.logger.Warn("usage record insert failed", "purpose", call.Purpose, "error", err)
	}
	for _, fn := range g.observers {
		fn(rec)
	}
}

// costFor prices a call from the pricing row in effect at the call time and
// reports which row priced it. Cached prompt tokens bill at the cached rate
// when one is configured, otherwise at the full input rate.
func (g *Gateway) costFor(ctx context.Context, model string, u Usage, at time.Time) (float64, *int64) {
	p, err := g.store.PricingFor(ctx, model, at)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			g.logger.Warn("pricing lookup failed", "model", model, "error", err)
		}
		return 0, nil
	}
	prompt := float64(u.PromptTokens - u.CachedTokens)
	if prompt < 0 {
		prompt = 0
	}
	cachedRate := p.CachedInputPer1M
	if cachedRate <= 0 {
		cachedRate = p.InputPer1M
	}
	cost := prompt/1e6*p.InputPer1M +
		float64(u.CachedTokens)/1e6*cachedRate +
		float64(u.CompletionTokens)/1e6*p.OutputPer1M
	return cost, &p.ID
}
