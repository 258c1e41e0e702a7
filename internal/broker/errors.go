package broker

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
)

var (
	// ErrRejected marks a terminal refusal by the broker. Retrying cannot help.
	ErrRejected = errors.New("broker rejected request")
	// ErrNoResponse marks an ambiguous failure: the request may or may not have landed.
	ErrNoResponse = errors.New("broker did not respond")
)

// classify maps an SDK error onto ErrRejected or ErrNoResponse, keeping the
// original error in the chain.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var apiErr *alpaca.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusTooManyRequests,
			apiErr.StatusCode == http.StatusRequestTimeout,
			apiErr.StatusCode >= http.StatusInternalServerError:
			return fmt.Errorf("%w: %w", ErrNoResponse, err)
		case apiErr.StatusCode >= http.StatusBadRequest:
			return fmt.Errorf("%w: %w", ErrRejected, err)
		}
	}
	return fmt.Errorf("%w: %w", ErrNoResponse, err)
}

// IsTransient reports whether a retry may succeed.
func IsTransient(err error) bool {
	return err != nil && errors.Is(err, ErrNoResponse)
}

// IsNotFound reports a 404 from the broker.
func IsNotFound(err error) bool {
	var apiErr *alpaca.APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}
