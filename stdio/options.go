package stdio

import (
	"io"
	"log/slog"
)

// Option customizes a Handler. Nil values are ignored so callers can pass
// options unconditionally.
type Option func(*Handler)

// WithIO sets both streams at once, typically for tests driving the handler
// through pipes instead of the process's stdin/stdout.
func WithIO(r io.Reader, w io.Writer) Option {
	return func(h *Handler) {
		if r != nil {
			h.r = r
		}
		if w != nil {
			h.w = w
		}
	}
}

// WithReader replaces the input stream.
func WithReader(r io.Reader) Option {
	return optionalSet(r, func(h *Handler, v io.Reader) { h.r = v })
}

// WithWriter replaces the output stream.
func WithWriter(w io.Writer) Option {
	return optionalSet(w, func(h *Handler, v io.Writer) { h.w = v })
}

// WithLogger replaces the default logger. Never log to the protocol's
// writer; stdout carries frames only.
func WithLogger(l *slog.Logger) Option {
	return optionalSet(l, func(h *Handler, v *slog.Logger) { h.l = v })
}

// WithUserProvider replaces how the local peer's user identity is resolved.
func WithUserProvider(up UserProvider) Option {
	return optionalSet(up, func(h *Handler, v UserProvider) { h.userProvider = v })
}

func optionalSet[T comparable](v T, set func(*Handler, T)) Option {
	var zero T
	return func(h *Handler) {
		if v != zero {
			set(h, v)
		}
	}
}
