// Package gateway turns text prompts into model completions. A wave of
// prompts is fanned out concurrently (or submitted as one Message Batch) and
// collected in request order, one result per prompt.
package gateway

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/sells-group/nurture-cli/internal/cost"
	"github.com/sells-group/nurture-cli/internal/model"
	"github.com/sells-group/nurture-cli/internal/resilience"
	"github.com/sells-group/nurture-cli/pkg/anthropic"
)

// Prompt is one generation request.
type Prompt struct {
	// Label tags the prompt in logs, e.g. "profile:lead-42".
	Label  string
	System string
	User   string
}

// Gateway generates text for prompts.
type Gateway interface {
	// Generate runs a single prompt.
	Generate(ctx context.Context, p Prompt) model.GenerationResult
	// GenerateBatch runs every prompt and returns results aligned with the
	// input by index. It never drops a prompt: failures come back as
	// unsuccessful results.
	GenerateBatch(ctx context.Context, prompts []Prompt) []model.GenerationResult
	// Ready reports whether the upstream is accepting calls.
	Ready() error
}

// Options configures a Claude gateway.
type Options struct {
	Model             string
	MaxTokens         int64
	Temperature       *float64
	Concurrency       int
	RequestsPerMinute int
	// BatchAPI submits waves of at least BatchMinSize prompts through the
	// Message Batches API instead of direct calls.
	BatchAPI     bool
	BatchMinSize int
	PollInterval time.Duration
	PollTimeout  time.Duration
	CacheTTL     string
	Retry        resilience.RetryConfig
	Breaker      resilience.CircuitBreakerConfig
}

// Claude implements Gateway on top of the Anthropic API.
type Claude struct {
	client  anthropic.Client
	opts    Options
	limiter *rate.Limiter
	breaker *resilience.CircuitBreaker
	calc    *cost.Calculator
	tally   *cost.Tally
}

// New creates a Claude gateway. calc may be nil to skip cost accounting.
func New(client anthropic.Client, opts Options, calc *cost.Calculator) *Claude {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 10
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 1024
	}
	if opts.CacheTTL == "" {
		opts.CacheTTL = "5m"
	}
	if opts.BatchMinSize <= 0 {
		opts.BatchMinSize = 20
	}
	if opts.Retry.OnRetry == nil {
		opts.Retry.OnRetry = resilience.RetryLogger("anthropic", "create_message")
	}
	if opts.Breaker.ShouldTrip == nil {
		opts.Breaker.ShouldTrip = resilience.IsTransient
	}

	limit := rate.Inf
	if opts.RequestsPerMinute > 0 {
		limit = rate.Limit(float64(opts.RequestsPerMinute) / 60.0)
	}

	return &Claude{
		client:  client,
		opts:    opts,
		limiter: rate.NewLimiter(limit, opts.Concurrency),
		breaker: resilience.NewCircuitBreaker(opts.Breaker),
		calc:    calc,
		tally:   &cost.Tally{},
	}
}

// Ready returns resilience.ErrCircuitOpen while the breaker is open.
func (c *Claude) Ready() error {
	if c.breaker.State() == resilience.CircuitOpen {
		return resilience.ErrCircuitOpen
	}
	return nil
}

// Spend returns the usage and estimated USD cost accumulated so far.
func (c *Claude) Spend() (cost.Usage, float64) {
	u, usd, _ := c.tally.Snapshot()
	return u, usd
}

// Generate implements Gateway.
func (c *Claude) Generate(ctx context.Context, p Prompt) model.GenerationResult {
	resp, err := resilience.DoVal(ctx, c.opts.Retry, func(ctx context.Context) (*anthropic.MessageResponse, error) {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "gateway: rate limit wait")
		}
		return resilience.ExecuteVal(ctx, c.breaker, func(ctx context.Context) (*anthropic.MessageResponse, error) {
			return c.client.CreateMessage(ctx, c.request(p))
		})
	})
	if err != nil {
		zap.L().Warn("gateway: generation failed", zap.String("prompt", p.Label), zap.Error(err))
		return model.GenerationResult{Err: err}
	}
	c.account(resp, false)
	return textResult(resp)
}

// GenerateBatch implements Gateway.
func (c *Claude) GenerateBatch(ctx context.Context, prompts []Prompt) []model.GenerationResult {
	if len(prompts) == 0 {
		return nil
	}
	if c.opts.BatchAPI && len(prompts) >= c.opts.BatchMinSize {
		return c.viaBatchAPI(ctx, prompts)
	}

	results := make([]model.GenerationResult, len(prompts))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.Concurrency)
	for i, p := range prompts {
		g.Go(func() error {
			results[i] = c.Generate(gCtx, p)
			return nil // per-prompt failures are results, not group errors
		})
	}
	_ = g.Wait()
	return results
}

func (c *Claude) viaBatchAPI(ctx context.Context, prompts []Prompt) []model.GenerationResult {
	req := anthropic.BatchRequest{Requests: make([]anthropic.BatchRequestItem, len(prompts))}
	for i, p := range prompts {
		req.Requests[i] = anthropic.BatchRequestItem{CustomID: customID(i), Params: c.request(p)}
	}

	var pollOpts []anthropic.PollOption
	if c.opts.PollInterval > 0 {
		pollOpts = append(pollOpts, anthropic.WithPollInterval(c.opts.PollInterval))
	}
	if c.opts.PollTimeout > 0 {
		pollOpts = append(pollOpts, anthropic.WithPollTimeout(c.opts.PollTimeout))
	}

	results := make([]model.GenerationResult, len(prompts))
	collected, err := resilience.ExecuteVal(ctx, c.breaker, func(ctx context.Context) (*anthropic.BatchCollectResult, error) {
		return anthropic.RunBatch(ctx, c.client, req, pollOpts...)
	})
	if err != nil {
		zap.L().Warn("gateway: batch submission failed", zap.Int("prompts", len(prompts)), zap.Error(err))
		for i := range results {
			results[i] = model.GenerationResult{Err: eris.Wrap(err, "gateway: batch")}
		}
		return results
	}

	failed := make(map[string]string, len(collected.Failures))
	for _, f := range collected.Failures {
		failed[f.CustomID] = f.Type
	}
	for i := range prompts {
		id := customID(i)
		resp, ok := collected.Succeeded[id]
		if !ok {
			kind := failed[id]
			if kind == "" {
				kind = "missing"
			}
			results[i] = model.GenerationResult{Err: eris.Errorf("gateway: batch item %s %s", id, kind)}
			continue
		}
		c.account(resp, true)
		results[i] = textResult(resp)
	}
	return results
}

func (c *Claude) request(p Prompt) anthropic.MessageRequest {
	return anthropic.MessageRequest{
		Model:       c.opts.Model,
		MaxTokens:   c.opts.MaxTokens,
		Temperature: c.opts.Temperature,
		System:      anthropic.BuildCachedSystemBlocks(p.System, c.opts.CacheTTL),
		Messages:    []anthropic.Message{{Role: "user", Content: p.User}},
	}
}

func (c *Claude) account(resp *anthropic.MessageResponse, isBatch bool) {
	if resp == nil {
		return
	}
	u := cost.Usage{
		Input:      resp.Usage.InputTokens,
		Output:     resp.Usage.OutputTokens,
		CacheWrite: resp.Usage.CacheCreationInputTokens,
		CacheRead:  resp.Usage.CacheReadInputTokens,
	}
	var usd float64
	if c.calc != nil {
		usd = c.calc.Claude(c.opts.Model, isBatch, u)
	}
	c.tally.Record(u, usd)
}

func textResult(resp *anthropic.MessageResponse) model.GenerationResult {
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return model.GenerationResult{Err: eris.New("gateway: empty completion")}
	}
	return model.GenerationResult{Success: true, Content: text}
}

func customID(i int) string { return fmt.Sprintf("p-%d", i) }
