// Package responder turns a user message into a reply. It rotates through the
// primary provider pool, falls back to a free-text service, and finally to a
// canned in-persona line, so a caller always gets text back.
package responder

import (
	"context"
	"log/slog"
	"math/rand"
	"time"
	"unicode/utf8"

	"github.com/stellarlinkco/milabot/internal/llm"
	"github.com/stellarlinkco/milabot/internal/provider"
)

// Default request settings.
const (
	DefaultPrimaryTimeout   = 25 * time.Second
	DefaultSecondaryTimeout = 20 * time.Second
	DefaultTemperature      = 0.8
	DefaultTopP             = 0.9
	DefaultMaxTokens        = 100

	// MinSecondaryRunes is the body length a free-text reply must exceed.
	MinSecondaryRunes = 5
)

// Pause after a failed primary attempt, by failure class.
const (
	backoffRateLimited  = 1500 * time.Millisecond
	backoffUnauthorized = 1 * time.Second
	backoffConnection   = 2 * time.Second
	backoffDefault      = 1 * time.Second
)

// Source identifies which tier produced a Reply.
type Source string

const (
	SourcePrimary   Source = "primary"
	SourceSecondary Source = "secondary"
	SourceFallback  Source = "fallback"
)

// Reply is the result of GetResponse. Text is never empty.
type Reply struct {
	Text   string
	Source Source
}

// Degraded reports whether the reply is a canned fallback line rather than
// generated text.
func (r Reply) Degraded() bool {
	return r.Source == SourceFallback
}

// SleepFunc pauses for d and reports false if ctx ended first.
type SleepFunc func(ctx context.Context, d time.Duration) bool

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithSleep replaces the backoff sleep, mainly for tests.
func WithSleep(fn SleepFunc) Option {
	return func(o *Orchestrator) { o.sleep = fn }
}

// WithRandom replaces the source used to pick templates and fallbacks.
func WithRandom(intn func(n int) int) Option {
	return func(o *Orchestrator) { o.intn = intn }
}

// WithPersona sets the system instruction template.
func WithPersona(persona string) Option {
	return func(o *Orchestrator) {
		if persona != "" {
			o.persona = persona
		}
	}
}

// WithSecondaryPrompts sets the free-text prompt templates.
func WithSecondaryPrompts(prompts []string) Option {
	return func(o *Orchestrator) {
		if len(prompts) > 0 {
			o.secondaryPrompts = prompts
		}
	}
}

// WithFallbacks sets the canned replies.
func WithFallbacks(lines []string) Option {
	return func(o *Orchestrator) {
		kept := make([]string, 0, len(lines))
		for _, l := range lines {
			if l != "" {
				kept = append(kept, l)
			}
		}
		if len(kept) > 0 {
			o.fallbacks = kept
		}
	}
}

// WithTimeouts bounds each primary and secondary call.
func WithTimeouts(primary, secondary time.Duration) Option {
	return func(o *Orchestrator) {
		if primary > 0 {
			o.primaryTimeout = primary
		}
		if secondary > 0 {
			o.secondaryTimeout = secondary
		}
	}
}

// WithSampling sets temperature, top_p and the output token cap.
func WithSampling(temperature, topP float64, maxTokens int) Option {
	return func(o *Orchestrator) {
		if temperature > 0 {
			o.temperature = temperature
		}
		if topP > 0 {
			o.topP = topP
		}
		if maxTokens > 0 {
			o.maxTokens = maxTokens
		}
	}
}

// Orchestrator produces replies. It is safe for concurrent use; the pool
// cursor is the only shared mutable state.
type Orchestrator struct {
	pool      *provider.Pool
	primary   llm.ChatClient
	secondary llm.TextClient
	logger    *slog.Logger
	sleep     SleepFunc
	intn      func(int) int

	persona          string
	secondaryPrompts []string
	fallbacks        []string
	primaryTimeout   time.Duration
	secondaryTimeout time.Duration
	temperature      float64
	topP             float64
	maxTokens        int
}

// New creates an Orchestrator. secondary may be nil to skip the free-text tier.
func New(pool *provider.Pool, primary llm.ChatClient, secondary llm.TextClient, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		pool:             pool,
		primary:          primary,
		secondary:        secondary,
		logger:           slog.Default(),
		sleep:            sleepContext,
		intn:             rand.Intn,
		persona:          DefaultPersona,
		secondaryPrompts: DefaultSecondaryPrompts,
		fallbacks:        DefaultFallbacks,
		primaryTimeout:   DefaultPrimaryTimeout,
		secondaryTimeout: DefaultSecondaryTimeout,
		temperature:      DefaultTemperature,
		topP:             DefaultTopP,
		maxTokens:        DefaultMaxTokens,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With("component", "responder")
	return o
}

// GetResponse returns a reply to message given the prior history. It never
// fails and never returns empty text. history is not modified.
func (o *Orchestrator) GetResponse(ctx context.Context, history []llm.Message, message, displayName string) Reply {
	name := displayNameOrDefault(displayName)

	if text, ok := o.tryPrimary(ctx, history, message, name); ok {
		return Reply{Text: text, Source: SourcePrimary}
	}
	if text, ok := o.trySecondary(ctx, message, name); ok {
		return Reply{Text: text, Source: SourceSecondary}
	}

	text := o.fallbacks[o.intn(len(o.fallbacks))]
	o.logger.Error("all providers failed, using fallback reply", "user_name", name)
	return Reply{Text: text, Source: SourceFallback}
}

// Messages builds the request turns: persona, history, then message.
func (o *Orchestrator) Messages(history []llm.Message, message, displayName string) []llm.Message {
	name := displayNameOrDefault(displayName)
	msgs := make([]llm.Message, 0, len(history)+2)
	msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: render(o.persona, name, message)})
	msgs = append(msgs, history...)
	msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: message})
	return msgs
}

func (o *Orchestrator) tryPrimary(ctx context.Context, history []llm.Message, message, name string) (string, bool) {
	if o.pool == nil || o.primary == nil {
		return "", false
	}

	start := o.pool.Snapshot()
	attempts := o.pool.Len()
	msgs := o.Messages(history, message, name)

	for attempt := 1; attempt <= attempts; attempt++ {
		if ctx.Err() != nil {
			break
		}
		cfg, idx := o.pool.Current()

		callCtx, cancel := context.WithTimeout(ctx, o.primaryTimeout)
		raw, err := o.primary.Complete(callCtx, cfg.APIKey, llm.ChatRequest{
			Model:       cfg.Model,
			Messages:    msgs,
			Temperature: o.temperature,
			TopP:        o.topP,
			MaxTokens:   o.maxTokens,
		})
		cancel()

		if err == nil {
			if text := Clean(raw); text != "" {
				o.logger.Info("primary provider replied",
					"provider_index", idx,
					"model", cfg.Model,
					"attempt", attempt,
				)
				return text, true
			}
			err = llm.ErrEmptyCompletion
		}

		failure := llm.Classify(err)
		o.logger.Warn("primary provider failed",
			"provider_index", idx,
			"model", cfg.Model,
			"failure", string(failure),
			"attempt", attempt,
			"error", err,
		)
		o.pool.Advance()

		if attempt < attempts && !o.sleep(ctx, backoff(failure)) {
			break
		}
	}

	o.pool.Restore(start)
	o.logger.Error("primary providers exhausted", "providers", attempts)
	return "", false
}

func (o *Orchestrator) trySecondary(ctx context.Context, message, name string) (string, bool) {
	if o.secondary == nil || len(o.secondaryPrompts) == 0 {
		return "", false
	}

	prompt := render(o.secondaryPrompts[o.intn(len(o.secondaryPrompts))], name, message)
	for _, enc := range llm.Encodings {
		if ctx.Err() != nil {
			break
		}
		callCtx, cancel := context.WithTimeout(ctx, o.secondaryTimeout)
		body, err := o.secondary.Generate(callCtx, prompt, enc)
		cancel()

		if err != nil {
			o.logger.Warn("secondary provider failed",
				"encoding", enc.String(),
				"failure", string(llm.Classify(err)),
				"error", err,
			)
			continue
		}
		if utf8.RuneCountInString(body) <= MinSecondaryRunes {
			o.logger.Warn("secondary provider reply too short", "encoding", enc.String())
			continue
		}
		if text := Clean(body); text != "" {
			o.logger.Info("secondary provider replied", "encoding", enc.String())
			return text, true
		}
	}
	return "", false
}

func backoff(f llm.Failure) time.Duration {
	switch f {
	case llm.FailureRateLimited:
		return backoffRateLimited
	case llm.FailureUnauthorized:
		return backoffUnauthorized
	case llm.FailureConnection:
		return backoffConnection
	default:
		return backoffDefault
	}
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
