package jobwire

import (
	"log/slog"

	"github.com/redis/go-redis/v9"
)

type Options struct {
	Prefix            string
	DefaultJobOptions JobOptions
	EventClient       redis.UniversalClient
	Logger            *slog.Logger
}

type Option func(*Options)

func WithPrefix(prefix string) Option {
	return func(o *Options) { o.Prefix = prefix }
}

// WithDefaultJobOptions overrides the built-in job defaults field by field.
func WithDefaultJobOptions(opts JobOptions) Option {
	return func(o *Options) { o.DefaultJobOptions = opts.Merge(o.DefaultJobOptions) }
}

// WithEventClient publishes and subscribes events on a separate client.
// It must support Subscribe (e.g. *redis.Client or *redis.ClusterClient).
func WithEventClient(c redis.UniversalClient) Option {
	return func(o *Options) { o.EventClient = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *Options) { o.Logger = l }
}
