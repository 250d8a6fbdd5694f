package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/ClickHouse/clickhouse-go/v2"
)

// Insert and query failures collapse into two classes for the worker's
// retry/breaker logic. Retryable covers transient server and network
// conditions; fatal covers schema and type mismatches that will never
// succeed on replay.
var (
	ErrRetryable = errors.New("store: retryable error")
	ErrFatal     = errors.New("store: fatal error")
)

// ClickHouse server error codes, from the server's ErrorCodes.cpp.
const (
	codeNoSuchColumn        = 16
	codeTypeMismatch        = 53
	codeUnknownTable        = 60
	codeTimeoutExceeded     = 159
	codeTooManyQueries      = 202
	codeSocketTimeout       = 209
	codeNetworkError        = 210
	codeMemoryLimitExceeded = 241
)

func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var exc *clickhouse.Exception
	if errors.As(err, &exc) {
		switch exc.Code {
		case codeTimeoutExceeded, codeTooManyQueries, codeSocketTimeout, codeNetworkError, codeMemoryLimitExceeded:
			return fmt.Errorf("%w: clickhouse code %d: %s", ErrRetryable, exc.Code, exc.Message)
		case codeNoSuchColumn, codeTypeMismatch, codeUnknownTable:
			return fmt.Errorf("%w: clickhouse code %d: %s", ErrFatal, exc.Code, exc.Message)
		default:
			// Unknown server errors are treated as fatal so a poison batch
			// cannot wedge the pipeline.
			return fmt.Errorf("%w: clickhouse code %d: %s", ErrFatal, exc.Code, exc.Message)
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: %v", ErrRetryable, err)
	}
	return fmt.Errorf("%w: %v", ErrRetryable, err)
}
