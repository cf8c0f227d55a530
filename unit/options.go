package unit

import "github.com/taskloom/taskloom/codec"

// Options configures per-kind behavior applied to units at insert time.
type Options struct {
	// MaxAttempts bounds automatic transient retries before the unit
	// goes INFEASIBLE.
	MaxAttempts int

	// Codec encodes and decodes typed payloads for this kind. The
	// engine itself routes opaque bytes; the codec only matters at the
	// typed boundary.
	Codec codec.Codec
}

// DefaultOptions returns Options with sensible defaults.
func DefaultOptions() Options {
	return Options{
		MaxAttempts: 3,
		Codec:       codec.JSON{},
	}
}

// Option is a functional option for per-kind registration.
type Option func(*Options)

// WithMaxAttempts sets the transient-failure attempt budget.
func WithMaxAttempts(n int) Option {
	return func(o *Options) {
		o.MaxAttempts = n
	}
}

// WithCodec sets the payload codec for the kind.
func WithCodec(c codec.Codec) Option {
	return func(o *Options) {
		o.Codec = c
	}
}
