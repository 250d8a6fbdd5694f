package bus

import (
	"context"
	"errors"
	"fmt"

	"github.com/twmb/franz-go/pkg/kerr"
)

// Publish and consume failures collapse into two classes. Retryable errors
// are worth another attempt after backoff; fatal ones will fail the same way
// every time (bad record, missing topic with auto-create off, auth).
var (
	ErrRetryable = errors.New("bus: retryable error")
	ErrFatal     = errors.New("bus: fatal error")
)

// classify wraps err with ErrRetryable or ErrFatal. Context cancellation is
// passed through untouched so callers can distinguish shutdown from broker
// trouble.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var ke *kerr.Error
	if errors.As(err, &ke) {
		if kerr.IsRetriable(ke) {
			return fmt.Errorf("%w: %s", ErrRetryable, ke.Message)
		}
		return fmt.Errorf("%w: %s", ErrFatal, ke.Message)
	}
	// Network-level failures (broker down, connection reset) are worth
	// retrying.
	return fmt.Errorf("%w: %v", ErrRetryable, err)
}
