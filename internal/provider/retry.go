package provider

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/cenkalti/backoff/v5"
	"github.com/sashabaranov/go-openai"
)

const defaultMaxRetries = 3

// withRetry runs op with exponential backoff. Only rate limits, server
// errors and transport failures are retried.
func withRetry[T any](ctx context.Context, maxTries uint, op func() (T, error)) (T, error) {
	if maxTries == 0 {
		maxTries = defaultMaxRetries
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	return backoff.Retry(ctx, func() (T, error) {
		v, err := op()
		if err != nil && !retryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(maxTries))
}

func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	code := 0
	var oaiErr *openai.APIError
	var reqErr *openai.RequestError
	var antErr *anthropic.Error
	switch {
	case errors.As(err, &oaiErr):
		code = oaiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		code = reqErr.HTTPStatusCode
	case errors.As(err, &antErr):
		code = antErr.StatusCode
	}
	if code == http.StatusTooManyRequests {
		return true
	}
	return code < 400 || code >= 500
}
