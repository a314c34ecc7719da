// Package llm defines the external collaborator contracts the memory
// engine consumes: a black-box text-completion service and an embedding
// service, plus bounded-retry wrappers for both.
package llm

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
)

// TextGenerator is the black-box completion collaborator.
type TextGenerator interface {
	Complete(ctx context.Context, prompt string, maxTokens int, temperature float64) (string, error)
}

// Embedder is the embedding collaborator.
type Embedder interface {
	ModelID() string
	Embed(ctx context.Context, text string) ([]float32, error)
}

// RetryConfig bounds external calls: per-attempt timeout and capped
// exponential backoff between attempts.
type RetryConfig struct {
	Attempts       int
	AttemptTimeout time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.Attempts <= 0 {
		c.Attempts = 3
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 30 * time.Second
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 8 * time.Second
	}
	return c
}

// RetryingGenerator wraps a TextGenerator with timeout and bounded
// retries. It never blocks past the caller's context.
type RetryingGenerator struct {
	gen TextGenerator
	cfg RetryConfig
	log logrus.FieldLogger
}

func NewRetryingGenerator(gen TextGenerator, cfg RetryConfig, log logrus.FieldLogger) *RetryingGenerator {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &RetryingGenerator{gen: gen, cfg: cfg.withDefaults(), log: log}
}

func (g *RetryingGenerator) Complete(ctx context.Context, prompt string, maxTokens int, temperature float64) (string, error) {
	var lastErr error
	backoff := g.cfg.InitialBackoff
	for attempt := 1; attempt <= g.cfg.Attempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, g.cfg.AttemptTimeout)
		text, err := g.gen.Complete(attemptCtx, prompt, maxTokens, temperature)
		cancel()
		if err == nil {
			return text, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		g.log.WithFields(logrus.Fields{
			"attempt": attempt,
			"error":   err.Error(),
		}).Warn("generation attempt failed")
		if attempt < g.cfg.Attempts {
			if err := sleepCtx(ctx, backoff); err != nil {
				return "", err
			}
			backoff = minDuration(backoff*2, g.cfg.MaxBackoff)
		}
	}
	return "", lastErr
}

// RetryingEmbedder wraps an Embedder with timeout and bounded retries.
type RetryingEmbedder struct {
	emb Embedder
	cfg RetryConfig
	log logrus.FieldLogger
}

func NewRetryingEmbedder(emb Embedder, cfg RetryConfig, log logrus.FieldLogger) *RetryingEmbedder {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &RetryingEmbedder{emb: emb, cfg: cfg.withDefaults(), log: log}
}

func (e *RetryingEmbedder) ModelID() string { return e.emb.ModelID() }

func (e *RetryingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	var lastErr error
	backoff := e.cfg.InitialBackoff
	for attempt := 1; attempt <= e.cfg.Attempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, e.cfg.AttemptTimeout)
		vec, err := e.emb.Embed(attemptCtx, text)
		cancel()
		if err == nil {
			return vec, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		e.log.WithFields(logrus.Fields{
			"attempt": attempt,
			"error":   err.Error(),
		}).Warn("embedding attempt failed")
		if attempt < e.cfg.Attempts {
			if err := sleepCtx(ctx, backoff); err != nil {
				return nil, err
			}
			backoff = minDuration(backoff*2, e.cfg.MaxBackoff)
		}
	}
	return nil, lastErr
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

// ErrEmptyCompletion is returned when the provider responds with no
// usable text.
var ErrEmptyCompletion = errors.New("llm: empty completion")
