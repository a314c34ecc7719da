package llm

import (
	"context"
	"errors"
	"testing"
	"time"
)

type flakyGenerator struct {
	failures int
	calls    int
}

func (g *flakyGenerator) Complete(_ context.Context, _ string, _ int, _ float64) (string, error) {
	g.calls++
	if g.calls <= g.failures {
		return "", errors.New("transient failure")
	}
	return "a completion", nil
}

type flakyEmbedder struct {
	failures int
	calls    int
}

func (e *flakyEmbedder) ModelID() string { return "flaky" }

func (e *flakyEmbedder) Embed(_ context.Context, _ string) ([]float32, error) {
	e.calls++
	if e.calls <= e.failures {
		return nil, errors.New("transient failure")
	}
	return []float32{1, 0}, nil
}

func fastRetry() RetryConfig {
	return RetryConfig{
		Attempts:       3,
		AttemptTimeout: time.Second,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
	}
}

func TestRetryingGenerator_RecoversFromTransientFailures(t *testing.T) {
	gen := &flakyGenerator{failures: 2}
	r := NewRetryingGenerator(gen, fastRetry(), nil)

	text, err := r.Complete(context.Background(), "prompt", 100, 0.5)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if text != "a completion" {
		t.Fatalf("text = %q", text)
	}
	if gen.calls != 3 {
		t.Fatalf("calls = %d, want 3", gen.calls)
	}
}

func TestRetryingGenerator_GivesUpAfterAttempts(t *testing.T) {
	gen := &flakyGenerator{failures: 10}
	r := NewRetryingGenerator(gen, fastRetry(), nil)

	_, err := r.Complete(context.Background(), "prompt", 100, 0.5)
	if err == nil {
		t.Fatalf("expected error after exhausting attempts")
	}
	if gen.calls != 3 {
		t.Fatalf("calls = %d, want exactly the configured attempts", gen.calls)
	}
}

func TestRetryingGenerator_HonorsCancelledContext(t *testing.T) {
	gen := &flakyGenerator{failures: 10}
	r := NewRetryingGenerator(gen, fastRetry(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Complete(ctx, "prompt", 100, 0.5)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if gen.calls > 1 {
		t.Fatalf("cancelled context should stop retries, calls=%d", gen.calls)
	}
}

func TestRetryingEmbedder_RecoversFromTransientFailures(t *testing.T) {
	emb := &flakyEmbedder{failures: 1}
	r := NewRetryingEmbedder(emb, fastRetry(), nil)

	vec, err := r.Embed(context.Background(), "text")
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	if len(vec) != 2 {
		t.Fatalf("vec = %v", vec)
	}
	if r.ModelID() != "flaky" {
		t.Fatalf("model id passthrough broken: %s", r.ModelID())
	}
}

func TestRetryConfig_Defaults(t *testing.T) {
	cfg := RetryConfig{}.withDefaults()
	if cfg.Attempts != 3 || cfg.AttemptTimeout <= 0 || cfg.InitialBackoff <= 0 || cfg.MaxBackoff < cfg.InitialBackoff {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}
