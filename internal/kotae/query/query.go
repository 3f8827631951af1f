// Package query wraps the upstream client with bounded, linearly backed-off
// retries and classifies failures for the orchestrator.
package query

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bdobrica/Kotae/common/retry"
	"github.com/bdobrica/Kotae/internal/kotae/llm"
	"github.com/bdobrica/Kotae/internal/kotae/observability"
)

// ErrEmptyResponse is wrapped in the APIError returned when the final attempt
// produced no text.
var ErrEmptyResponse = errors.New("query: empty response received")

// APIError is the terminal error after every attempt failed with a retryable
// error.
type APIError struct {
	Attempts int
	Err      error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("query: failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *APIError) Unwrap() error { return e.Err }

// Completer is the upstream call being retried. *llm.Client implements it.
type Completer interface {
	Query(ctx context.Context, prompt string) (string, error)
}

// Policy bounds the retry loop. The wait after failed attempt k (0-indexed)
// is BaseDelay*(k+1).
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
}

// Service is safe for concurrent use; SetPolicy may be called while queries
// are in flight and applies from the next query on.
type Service struct {
	client  Completer
	metrics *observability.Metrics
	sleep   retry.SleepFunc

	mu     sync.RWMutex
	policy Policy
}

// New returns a Service. metrics may be nil.
func New(client Completer, p Policy, metrics *observability.Metrics) *Service {
	return &Service{
		client:  client,
		metrics: metrics,
		sleep:   retry.Sleep,
		policy:  p,
	}
}

// SetPolicy replaces the retry policy.
func (s *Service) SetPolicy(p Policy) {
	s.mu.Lock()
	s.policy = p
	s.mu.Unlock()
}

// Policy returns the current retry policy.
func (s *Service) Policy() Policy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.policy
}

// Outcome is the detailed result of Ask.
type Outcome struct {
	Reply    string
	OK       bool
	Attempts int
}

// Query asks the upstream for a reply to prompt.
//
// It returns (reply, true, nil) on success. Exhausted retries yield an
// *APIError. ErrUninitialized and cancellation of ctx end the loop at once
// and are returned wrapped. ("", false, nil) means no attempt was permitted.
func (s *Service) Query(ctx context.Context, prompt string) (string, bool, error) {
	out, err := s.Ask(ctx, prompt)
	return out.Reply, out.OK, err
}

// Ask is Query that also reports how many upstream attempts were made.
func (s *Service) Ask(ctx context.Context, prompt string) (Outcome, error) {
	p := s.Policy()
	if p.MaxRetries < 1 {
		return Outcome{}, nil
	}
	log := observability.WithTrace(ctx)

	var (
		reply    string
		attempts int
	)
	err := retry.Do(ctx, retry.Config{
		MaxAttempts: p.MaxRetries,
		Backoff:     retry.Linear(p.BaseDelay),
		Sleep:       s.sleep,
		ShouldRetry: retryable,
		OnRetry: func(attempt int, err error, delay time.Duration) {
			log.Debug("retrying upstream query", "attempt", attempt+1, "delay", delay)
		},
	}, func(attempt int) error {
		attempts = attempt + 1
		start := time.Now()
		out, err := s.client.Query(ctx, prompt)
		elapsed := time.Since(start)

		var uerr *llm.UpstreamError
		switch {
		case errors.As(err, &uerr):
			s.metrics.Attempt("upstream_error", elapsed)
			log.Error("upstream request failed",
				"attempt", attempt+1, "max", p.MaxRetries,
				"status", uerr.StatusCode, "err", err)
			return err
		case err != nil:
			s.metrics.Attempt("fatal", elapsed)
			return err
		case strings.TrimSpace(out) == "":
			s.metrics.Attempt("empty", elapsed)
			log.Warn("upstream returned an empty reply", "attempt", attempt+1, "max", p.MaxRetries)
			return ErrEmptyResponse
		}
		s.metrics.Attempt("ok", elapsed)
		reply = out
		return nil
	})

	out := Outcome{Attempts: attempts}
	switch {
	case err == nil:
		out.Reply, out.OK = reply, true
		return out, nil
	case ctx.Err() != nil:
		return out, fmt.Errorf("query: %w", ctx.Err())
	case retryable(err):
		return out, &APIError{Attempts: attempts, Err: err}
	default:
		return out, fmt.Errorf("query: %w", err)
	}
}

func retryable(err error) bool {
	var uerr *llm.UpstreamError
	return errors.Is(err, ErrEmptyResponse) || errors.As(err, &uerr)
}
