package model

import (
	"math"
	"time"
)

// Validation error codes surfaced to ingest clients.
const (
	CodeRequired   = "required"
	CodeTooLong    = "too_long"
	CodeBadCharset = "bad_charset"
	CodeBadType    = "bad_type"
	CodeNonFinite  = "non_finite"
	CodeOutOfRange = "out_of_range"
)

const (
	maxIdentLen    = 255
	maxTagKeys     = 32
	maxTagLen      = 128
	maxFutureSkew  = time.Hour
	maxSampleAge   = 7 * 24 * time.Hour
	maxEndpointLen = 500
	maxMethodLen   = 10
)

// FieldError pins a validation failure to a sample index and field.
type FieldError struct {
	Index int    `json:"index"`
	Field string `json:"field"`
	Code  string `json:"code"`
}

// ValidateBatch checks every sample in the envelope and returns the complete
// list of violations. An empty result means the batch is acceptable. Batch
// size limits are enforced by the caller (they map to a different HTTP
// status than per-sample errors).
func ValidateBatch(b *Batch, now time.Time) []FieldError {
	var errs []FieldError
	if b.ServiceName == "" {
		errs = append(errs, FieldError{Index: -1, Field: "service_name", Code: CodeRequired})
	}
	for i := range b.Metrics {
		errs = append(errs, validateSample(i, &b.Metrics[i], now)...)
	}
	return errs
}

func validateSample(idx int, s *Sample, now time.Time) []FieldError {
	var errs []FieldError

	if code, ok := checkIdent(s.ServiceName); !ok {
		errs = append(errs, FieldError{Index: idx, Field: "service_name", Code: code})
	}
	if code, ok := checkIdent(s.MetricName); !ok {
		errs = append(errs, FieldError{Index: idx, Field: "metric_name", Code: code})
	}
	if !ValidType(s.MetricType) {
		errs = append(errs, FieldError{Index: idx, Field: "metric_type", Code: CodeBadType})
	}
	if math.IsNaN(s.Value) || math.IsInf(s.Value, 0) {
		errs = append(errs, FieldError{Index: idx, Field: "value", Code: CodeNonFinite})
	}

	nowMs := now.UnixMilli()
	if s.Timestamp <= 0 ||
		s.Timestamp > nowMs+maxFutureSkew.Milliseconds() ||
		s.Timestamp < nowMs-maxSampleAge.Milliseconds() {
		errs = append(errs, FieldError{Index: idx, Field: "timestamp", Code: CodeOutOfRange})
	}

	if s.StatusCode != 0 && (s.StatusCode < 100 || s.StatusCode > 599) {
		errs = append(errs, FieldError{Index: idx, Field: "status_code", Code: CodeOutOfRange})
	}
	if s.DurationMs < 0 || math.IsNaN(s.DurationMs) || math.IsInf(s.DurationMs, 0) {
		errs = append(errs, FieldError{Index: idx, Field: "duration_ms", Code: CodeOutOfRange})
	}
	if len(s.Endpoint) > maxEndpointLen {
		errs = append(errs, FieldError{Index: idx, Field: "endpoint", Code: CodeTooLong})
	}
	if len(s.Method) > maxMethodLen {
		errs = append(errs, FieldError{Index: idx, Field: "method", Code: CodeTooLong})
	}

	if len(s.Tags) > maxTagKeys {
		errs = append(errs, FieldError{Index: idx, Field: "tags", Code: CodeOutOfRange})
	} else {
		for k, v := range s.Tags {
			if len(k) == 0 || len(k) > maxTagLen || len(v) > maxTagLen {
				errs = append(errs, FieldError{Index: idx, Field: "tags", Code: CodeTooLong})
				break
			}
		}
	}

	return errs
}

func checkIdent(s string) (string, bool) {
	if s == "" {
		return CodeRequired, false
	}
	if len(s) > maxIdentLen {
		return CodeTooLong, false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '.', c == '_', c == '-':
		default:
			return CodeBadCharset, false
		}
	}
	return "", true
}
