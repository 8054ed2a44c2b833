package jobwire

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/singleflight"
)

// Registry caches one Dispatcher per queue name. Each cached dispatcher owns
// its queue handle and its queue's single event subscription.
type Registry struct {
	conn       ConnectionDescriptor
	dial       func(ConnectionDescriptor) redis.UniversalClient
	queueOpts  []Option
	dispOpts   []DispatcherOption
	log        *slog.Logger
	ownsClient bool

	// life is held shared while dispatchers are created and exclusively
	// by CloseAll.
	life   sync.RWMutex
	client redis.UniversalClient

	mu          sync.Mutex
	dispatchers map[string]*Dispatcher
	group       singleflight.Group
}

type RegistryOption func(*Registry)

// WithClient makes the registry use c instead of dialing one. The caller
// keeps ownership of c; CloseAll does not close it.
func WithClient(c redis.UniversalClient) RegistryOption {
	return func(r *Registry) {
		r.client = c
		r.ownsClient = false
	}
}

// WithDialer replaces ConnectionDescriptor.NewClient as the client factory.
func WithDialer(dial func(ConnectionDescriptor) redis.UniversalClient) RegistryOption {
	return func(r *Registry) { r.dial = dial }
}

// WithQueueOptions applies opts to every queue the registry creates.
func WithQueueOptions(opts ...Option) RegistryOption {
	return func(r *Registry) { r.queueOpts = append(r.queueOpts, opts...) }
}

// WithDispatcherOptions applies opts to every dispatcher the registry creates.
func WithDispatcherOptions(opts ...DispatcherOption) RegistryOption {
	return func(r *Registry) { r.dispOpts = append(r.dispOpts, opts...) }
}

func WithRegistryLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) { r.log = l }
}

func WithMeterProvider(mp metric.MeterProvider) RegistryOption {
	return func(r *Registry) {
		r.dispOpts = append(r.dispOpts, WithDispatcherMeterProvider(mp))
	}
}

// NewRegistry validates cfg and returns an empty registry. A configuration
// error is returned as is and no registry is built.
func NewRegistry(cfg RedisConfig, opts ...RegistryOption) (*Registry, error) {
	conn, err := ResolveConnection(cfg)
	if err != nil {
		return nil, err
	}
	r := &Registry{
		conn:        conn,
		dial:        ConnectionDescriptor.NewClient,
		ownsClient:  true,
		dispatchers: make(map[string]*Dispatcher),
	}
	for _, fn := range opts {
		if fn != nil {
			fn(r)
		}
	}
	if r.log == nil {
		r.log = slog.Default()
	}
	return r, nil
}

// Connection returns the resolved connection descriptor.
func (r *Registry) Connection() ConnectionDescriptor { return r.conn }

// Len returns the number of cached dispatchers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.dispatchers)
}

// Dispatcher returns the dispatcher for name, creating the queue handle and
// its event subscription on first use. opts only apply on creation.
func (r *Registry) Dispatcher(ctx context.Context, name string, opts ...DispatcherOption) (*Dispatcher, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrInvalidQueueName
	}
	if d := r.cached(name); d != nil {
		return d, nil
	}

	v, err, _ := r.group.Do(name, func() (any, error) {
		r.life.RLock()
		defer r.life.RUnlock()

		if d := r.cached(name); d != nil {
			return d, nil
		}
		client := r.clientLocked()

		qopts := append([]Option{WithLogger(r.log)}, r.queueOpts...)
		q, err := NewQueue(client, name, qopts...)
		if err != nil {
			return nil, err
		}
		dopts := append([]DispatcherOption{WithDispatcherLogger(r.log)}, r.dispOpts...)
		d, err := NewDispatcher(ctx, q, append(dopts, opts...)...)
		if err != nil {
			_ = q.Close()
			return nil, err
		}

		r.mu.Lock()
		r.dispatchers[name] = d
		r.mu.Unlock()
		r.log.Debug("queue dispatcher created", slog.String("queue", name))
		return d, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Dispatcher), nil
}

func (r *Registry) cached(name string) *Dispatcher {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dispatchers[name]
}

// clientLocked dials lazily. Callers hold r.life.
func (r *Registry) clientLocked() redis.UniversalClient {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client == nil {
		r.client = r.dial(r.conn)
		r.ownsClient = true
	}
	return r.client
}

// CloseAll closes every cached dispatcher exactly once and empties the
// cache. Calls still waiting on those dispatchers fail with
// ErrDispatcherClosed. A client dialed by the registry is closed too; the
// registry dials again on next use.
func (r *Registry) CloseAll() error {
	r.life.Lock()
	defer r.life.Unlock()

	r.mu.Lock()
	dispatchers := r.dispatchers
	r.dispatchers = make(map[string]*Dispatcher)
	var client redis.UniversalClient
	if r.ownsClient {
		client = r.client
		r.client = nil
	}
	r.mu.Unlock()

	var errs []error
	for name, d := range dispatchers {
		if err := d.Close(); err != nil {
			errs = append(errs, err)
			r.log.Error("close dispatcher failed", slog.String("queue", name), slog.Any("error", err))
		}
	}
	if client != nil {
		if err := client.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
