package audit

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"ocsportal.org/internal/obs"
)

const (
	defaultBuffer       = 256
	defaultWriteTimeout = 5 * time.Second
)

// Recorder writes audit entries asynchronously so audit storage never blocks
// or fails the caller. Dropped and failed writes are logged and counted.
type Recorder struct {
	sink         Sink
	logger       *zap.Logger
	now          func() time.Time
	enabled      bool
	writeTimeout time.Duration

	mu     sync.RWMutex
	closed bool
	queue  chan Entry
	wg     sync.WaitGroup
}

// Option configures a Recorder.
type Option func(*Recorder)

func WithLogger(l *zap.Logger) Option {
	return func(r *Recorder) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithBuffer sets the queue capacity. Entries beyond it are dropped.
func WithBuffer(n int) Option {
	return func(r *Recorder) {
		if n > 0 {
			r.queue = make(chan Entry, n)
		}
	}
}

// WithEnabled turns recording off when false. Record becomes a no-op.
func WithEnabled(enabled bool) Option {
	return func(r *Recorder) { r.enabled = enabled }
}

func WithClock(now func() time.Time) Option {
	return func(r *Recorder) {
		if now != nil {
			r.now = now
		}
	}
}

func WithWriteTimeout(d time.Duration) Option {
	return func(r *Recorder) {
		if d > 0 {
			r.writeTimeout = d
		}
	}
}

// NewRecorder starts the background writer for sink.
func NewRecorder(sink Sink, opts ...Option) *Recorder {
	r := &Recorder{
		sink:         sink,
		logger:       obs.Logger(),
		now:          time.Now,
		enabled:      true,
		writeTimeout: defaultWriteTimeout,
		queue:        make(chan Entry, defaultBuffer),
	}
	for _, opt := range opts {
		opt(r)
	}
	if sink == nil {
		r.enabled = false
	}
	r.wg.Add(1)
	go r.run()
	return r
}

// Record enqueues e. The request id from ctx is copied into the details.
func (r *Recorder) Record(ctx context.Context, e Entry) {
	if r == nil || !r.enabled {
		return
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = r.now().UTC()
	}
	details := make(map[string]any, len(e.Details)+1)
	for k, v := range e.Details {
		details[k] = v
	}
	if rid := RequestIDFromContext(ctx); rid != "" {
		details["request_id"] = rid
	}
	e.Details = details

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.drop(e, "recorder closed")
		return
	}
	select {
	case r.queue <- e:
	default:
		r.drop(e, "queue full")
	}
}

func (r *Recorder) drop(e Entry, reason string) {
	obs.AuditWriteFailuresTotal.Inc()
	r.logger.Warn("audit entry dropped",
		zap.String("reason", reason),
		zap.String("action", e.Action),
		zap.String("user_id", e.ActorID),
	)
}

func (r *Recorder) run() {
	defer r.wg.Done()
	for e := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), r.writeTimeout)
		err := r.sink.Append(ctx, e)
		cancel()
		if err != nil {
			obs.AuditWriteFailuresTotal.Inc()
			r.logger.Error("audit write failed",
				zap.Error(err),
				zap.String("action", e.Action),
				zap.String("user_id", e.ActorID),
			)
		}
	}
}

// Close stops accepting entries and waits for queued ones to be written or
// for ctx to end.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Join(errors.New("audit: drain interrupted"), ctx.Err())
	}
}

// LogSink mirrors audit entries to a structured logger.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(l *zap.Logger) *LogSink {
	if l == nil {
		l = zap.NewNop()
	}
	return &LogSink{logger: l}
}

func (s *LogSink) Append(_ context.Context, e Entry) error {
	s.logger.Info("audit",
		zap.String("action", e.Action),
		zap.String("user_id", e.ActorID),
		zap.String("resource_type", e.ResourceType),
		zap.String("resource_id", e.ResourceID),
		zap.Any("details", e.Details),
		zap.String("ip_address", e.ClientIP),
		zap.Time("timestamp", e.OccurredAt),
	)
	return nil
}
