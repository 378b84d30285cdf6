package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

// GatewayError classifies an upstream chat-completion failure.
// Transient failures (timeouts, 429, 5xx) are retried; everything else
// is surfaced immediately as that personality's failure.
type GatewayError struct {
	Status    int
	Transient bool
	Err       error
}

func (e *GatewayError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("gateway error (status %d): %v", e.Status, e.Err)
	}
	return fmt.Sprintf("gateway error: %v", e.Err)
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is a retryable gateway failure
func IsTransient(err error) bool {
	var ge *GatewayError
	return errors.As(err, &ge) && ge.Transient
}

// RetryPolicy controls the exponential backoff applied to transient failures
type RetryPolicy struct {
	Attempts  int
	BaseDelay time.Duration
}

// Gateway issues chat-completion requests with bounded concurrency and
// retry. The semaphore is process-wide: one Gateway is shared by every
// deliberation so aggregate load on the upstream stays capped.
type Gateway struct {
	apiURL  string
	apiKey  string
	timeout time.Duration
	retry   RetryPolicy
	sem     *semaphore.Weighted
	client  *http.Client
}

// NewGateway creates a gateway client. concurrency bounds simultaneous
// in-flight requests across all callers.
func NewGateway(apiURL, apiKey string, concurrency int64, timeout time.Duration, retry RetryPolicy) *Gateway {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Gateway{
		apiURL:  apiURL,
		apiKey:  apiKey,
		timeout: timeout,
		retry:   retry,
		sem:     semaphore.NewWeighted(concurrency),
		// Per-call deadlines come from the context, not the client
		client: &http.Client{},
	}
}

// Invoke runs one chat-completion for a personality: its assembled
// system prompt, the conversation history, then the query.
func (g *Gateway) Invoke(ctx context.Context, p Personality, query string, history []ChatMessage) (string, error) {
	messages := make([]ChatMessage, 0, len(history)+2)
	if sys := p.SystemPrompt(); sys != "" {
		messages = append(messages, ChatMessage{Role: "system", Content: sys})
	}
	messages = append(messages, history...)
	messages = append(messages, ChatMessage{Role: "user", Content: query})

	return g.Complete(ctx, p.Model, p.Temperature, messages, g.timeout)
}

// Complete issues a chat-completion request to the given model, retrying
// transient failures with exponential backoff and jitter.
func (g *Gateway) Complete(ctx context.Context, model string, temperature float64, messages []ChatMessage, timeout time.Duration) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= g.retry.Attempts; attempt++ {
		content, err := g.complete(ctx, model, temperature, messages, timeout)
		if err == nil {
			return content, nil
		}
		lastErr = err

		if !IsTransient(err) || attempt == g.retry.Attempts {
			return "", err
		}

		// Exponential backoff with jitter; rate limits back off harder
		delay := g.retry.BaseDelay << attempt
		var ge *GatewayError
		if errors.As(err, &ge) && ge.Status == http.StatusTooManyRequests {
			delay *= 2
		}
		delay += time.Duration(rand.Int63n(int64(delay/2) + 1))

		logrus.WithFields(logrus.Fields{
			"model":   model,
			"attempt": attempt + 1,
			"delay":   delay,
		}).WithError(err).Debug("Retrying after transient gateway error")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", &GatewayError{Transient: true, Err: ctx.Err()}
		}
	}
	return "", lastErr
}

// complete performs a single attempt under the concurrency semaphore
func (g *Gateway) complete(ctx context.Context, model string, temperature float64, messages []ChatMessage, timeout time.Duration) (string, error) {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return "", &GatewayError{Transient: true, Err: err}
	}
	defer g.sem.Release(1)

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	payload := ChatRequest{
		Model:       model,
		Messages:    messages,
		Temperature: temperature,
	}
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return "", &GatewayError{Err: fmt.Errorf("failed to marshal request: %w", err)}
	}

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, g.apiURL, bytes.NewBuffer(payloadBytes))
	if err != nil {
		return "", &GatewayError{Err: fmt.Errorf("failed to create request: %w", err)}
	}
	req.Header.Set("Authorization", "Bearer "+g.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		// Connection failures and timeouts are worth retrying
		return "", &GatewayError{Transient: true, Err: fmt.Errorf("request failed: %w", err)}
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &GatewayError{Transient: true, Err: fmt.Errorf("failed to read response body: %w", err)}
	}

	if resp.StatusCode != http.StatusOK {
		transient := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		return "", &GatewayError{
			Status:    resp.StatusCode,
			Transient: transient,
			Err:       fmt.Errorf("API returned status %d: %s", resp.StatusCode, string(bodyBytes)),
		}
	}

	var apiResponse ChatAPIResponse
	if err := json.Unmarshal(bodyBytes, &apiResponse); err != nil {
		return "", &GatewayError{Err: fmt.Errorf("failed to parse response: %w", err)}
	}
	if len(apiResponse.Choices) == 0 {
		return "", &GatewayError{Err: fmt.Errorf("no choices in response")}
	}

	return apiResponse.Choices[0].Message.Content, nil
}
