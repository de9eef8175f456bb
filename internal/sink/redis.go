package sink

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/MrWong99/lingoswitch/internal/observe"
	"github.com/MrWong99/lingoswitch/internal/routing"
)

// DefaultRedisChannel is the pub/sub channel used when none is configured.
const DefaultRedisChannel = "lingoswitch.events"

// Publisher is the subset of [redis.Client] the Redis sink uses.
type Publisher interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

// RedisConfig configures a [Redis] sink.
type RedisConfig struct {
	Channel string

	// Buffer is the number of events held while a publish is in flight.
	// When full, the oldest buffered event is dropped.
	Buffer int

	// Timeout bounds each PUBLISH call.
	Timeout time.Duration
}

// Redis publishes every event as a JSON [Message] on a pub/sub channel.
// Publishing happens on a background goroutine; Emit only enqueues.
type Redis struct {
	pub     Publisher
	cfg     RedisConfig
	metrics *observe.Metrics

	queue chan routing.Event
	done  chan struct{}

	mu     sync.RWMutex
	closed bool
	once   sync.Once
}

// RedisOption configures a [Redis] sink.
type RedisOption func(*Redis)

// WithRedisMetrics records publish failures and drops on m.
func WithRedisMetrics(m *observe.Metrics) RedisOption {
	return func(r *Redis) { r.metrics = m }
}

// NewRedis starts a sink publishing through pub, typically a *redis.Client.
func NewRedis(pub Publisher, cfg RedisConfig, opts ...RedisOption) *Redis {
	if cfg.Channel == "" {
		cfg.Channel = DefaultRedisChannel
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 256
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	r := &Redis{
		pub:   pub,
		cfg:   cfg,
		queue: make(chan routing.Event, cfg.Buffer),
		done:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.metrics == nil {
		r.metrics = observe.DefaultMetrics()
	}
	go r.run()
	return r
}

// NewRedisClient builds a go-redis client for addr and verifies it with PING.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

// Emit enqueues ev for publishing, dropping the oldest queued event if the
// buffer is full.
func (r *Redis) Emit(ev routing.Event) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.queue <- ev:
		return
	default:
	}
	select {
	case <-r.queue:
		r.metrics.RecordSinkError(context.Background(), "redis")
	default:
	}
	select {
	case r.queue <- ev:
	default:
		r.metrics.RecordSinkError(context.Background(), "redis")
	}
}

func (r *Redis) run() {
	defer close(r.done)
	for ev := range r.queue {
		r.publish(ev)
	}
}

func (r *Redis) publish(ev routing.Event) {
	b, err := Encode(ev)
	if err != nil {
		r.metrics.RecordSinkError(context.Background(), "redis")
		slog.Warn("sink: encode event", "kind", ev.Kind, "err", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.Timeout)
	defer cancel()
	if err := r.pub.Publish(ctx, r.cfg.Channel, b).Err(); err != nil {
		r.metrics.RecordSinkError(ctx, "redis")
		slog.Debug("sink: redis publish failed", "channel", r.cfg.Channel, "err", err)
	}
}

// Close stops accepting events, publishes what is buffered and waits for the
// publisher goroutine until ctx expires.
func (r *Redis) Close(ctx context.Context) error {
	r.once.Do(func() {
		r.mu.Lock()
		r.closed = true
		close(r.queue)
		r.mu.Unlock()
	})
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return errors.Join(errors.New("sink: redis close: buffered events not published"), ctx.Err())
	}
}

var _ routing.Sink = (*Redis)(nil)
