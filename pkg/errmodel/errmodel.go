// Package errmodel defines the compact, categorized error used across the
// checkpointing packages. Every failure surfaced by a policy loader, store,
// validator or resume flow is an *Error whose Category tells the caller how to
// react (retry, fix configuration, give up on a resume).
package errmodel

import (
	"encoding/json"
	"errors"
	"io/fs"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/trace"
)

// Category values for compact errors.
const (
	CategoryConfig     = "config"
	CategoryParse      = "parse"
	CategoryValidation = "validation"
	CategoryNotFound   = "not_found"
	CategoryCorruption = "corruption"
	CategoryStorage    = "storage"
)

// Error is the compact error payload returned by APIs and used internally.
// It implements the error interface.
type Error struct {
	Category string         `json:"category"`
	Code     string         `json:"code"`
	Message  string         `json:"message"`
	Context  map[string]any `json:"context,omitempty"`
	Causes   []Error        `json:"causes,omitempty"`

	// err keeps the original cause for errors.Is / errors.As.
	err error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Message
	if e.Code != "" {
		msg = e.Code + ": " + msg
	}
	if e.err != nil {
		msg += ": " + e.err.Error()
	}
	return msg
}

// Unwrap returns the wrapped cause, if any.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.err
}

// New constructs a new compact error. The first non-nil cause is kept for unwrapping.
func New(category, code, message string, ctx map[string]any, causes ...error) *Error {
	ce := &Error{Category: category, Code: code, Message: truncate(message, 512)}
	if len(ctx) > 0 {
		ce.Context = truncateContext(ctx)
	}
	for _, c := range causes {
		if c == nil {
			continue
		}
		if ce.err == nil {
			ce.err = c
		}
		ce.Causes = append(ce.Causes, *From(c))
	}
	return ce
}

// From converts any error into a compact Error. If err is already *Error, it's returned as-is.
func From(err error) *Error {
	var ce *Error
	if err == nil {
		return nil
	}
	if errors.As(err, &ce) {
		return ce
	}
	if errors.Is(err, fs.ErrNotExist) {
		return &Error{Category: CategoryNotFound, Code: "not_found", Message: truncate(err.Error(), 512), err: err}
	}
	// Default to storage/internal for unknown error types.
	return &Error{Category: CategoryStorage, Code: "internal", Message: truncate(err.Error(), 512), err: err}
}

// Config reports a missing or unusable configuration source.
func Config(code, message string, ctx map[string]any, cause error) *Error {
	return New(CategoryConfig, code, message, ctx, cause)
}

// Parse reports malformed configuration syntax.
func Parse(code, message string, ctx map[string]any, cause error) *Error {
	return New(CategoryParse, code, message, ctx, cause)
}

func Validation(code, message string, ctx map[string]any, causes ...error) *Error {
	return New(CategoryValidation, code, message, ctx, causes...)
}

func NotFound(code, message string, ctx map[string]any) *Error {
	return New(CategoryNotFound, code, message, ctx)
}

// Corruption reports persisted data that cannot be decoded or trusted.
func Corruption(code, message string, ctx map[string]any, causes ...error) *Error {
	return New(CategoryCorruption, code, message, ctx, causes...)
}

// Storage reports a transaction or filesystem failure.
func Storage(code, message string, ctx map[string]any, cause error) *Error {
	return New(CategoryStorage, code, message, ctx, cause)
}

// HTTPStatus maps category/code to HTTP status.
func HTTPStatus(e *Error) int {
	if e == nil {
		return http.StatusInternalServerError
	}
	switch e.Category {
	case CategoryNotFound:
		return http.StatusNotFound
	case CategoryValidation, CategoryParse:
		switch e.Code {
		case "conflict":
			return http.StatusConflict
		default:
			return http.StatusBadRequest
		}
	case CategoryConfig:
		if e.Code == "not_found" {
			return http.StatusNotFound
		}
		return http.StatusInternalServerError
	case CategoryCorruption:
		return http.StatusUnprocessableEntity
	case CategoryStorage:
		fallthrough
	default:
		return http.StatusInternalServerError
	}
}

// WriteHTTP writes a compact error envelope to the response writer.
// It attempts to include the trace_id if present in ctx.
func WriteHTTP(w http.ResponseWriter, r *http.Request, err error) {
	ce := From(err)
	if ce == nil {
		ce = &Error{Category: CategoryStorage, Code: "internal", Message: "unknown error"}
	}
	status := HTTPStatus(ce)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	traceID := ""
	if r != nil {
		if span := trace.SpanFromContext(r.Context()); span != nil {
			sc := span.SpanContext()
			if sc.HasTraceID() {
				traceID = sc.TraceID().String()
			}
		}
	}
	// Envelope { error: Error, trace_id?: string }
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error":    ce,
		"trace_id": traceID,
	})
}

// truncate trims a string to max characters.
func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}

// truncateContext trims long string values in the context map.
func truncateContext(ctx map[string]any) map[string]any {
	out := make(map[string]any, len(ctx))
	for k, v := range ctx {
		switch t := v.(type) {
		case string:
			out[k] = truncate(t, 256)
		case int, int64, bool, float64:
			out[k] = t
		default:
			// Keep payloads compact: stringify anything structured.
			b, err := json.Marshal(t)
			if err == nil && len(b) > 0 {
				out[k] = truncate(string(b), 256)
			} else {
				out[k] = t
			}
		}
	}
	return out
}

// IsCategory checks if err belongs to a specific category.
func IsCategory(err error, category string) bool {
	ce := From(err)
	return ce != nil && strings.EqualFold(ce.Category, category)
}

// IsNotFound reports whether err means "the thing does not exist": a not_found
// category, or a config error for a missing source.
func IsNotFound(err error) bool {
	ce := From(err)
	if ce == nil {
		return false
	}
	return ce.Category == CategoryNotFound || ce.Code == "not_found"
}
