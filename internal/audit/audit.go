// Package audit records durable participant actions (logins, room joins
// and leaves, pairings, round resolutions) without blocking the serving
// path: entries are queued to a background writer and dropped with a
// counter when the queue is full.
package audit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Entry is one recorded action.
type Entry struct {
	Time   time.Time      `json:"time"`
	Conn   string         `json:"conn"`
	IP     string         `json:"ip,omitempty"`
	Actor  string         `json:"actor"`
	Action string         `json:"action"`
	Room   string         `json:"room,omitempty"`
	Detail map[string]any `json:"detail,omitempty"`
}

// Sink persists entries. Implementations may block; the recorder isolates
// them from the serving path.
type Sink interface {
	Write(ctx context.Context, e Entry) error
}

// ZapSink writes entries to the structured log. Used when no database is
// configured.
type ZapSink struct {
	Logger *zap.Logger
}

// Write logs the entry at info level.
func (s *ZapSink) Write(_ context.Context, e Entry) error {
	s.Logger.Info("audit",
		zap.Time("at", e.Time),
		zap.String("conn", e.Conn),
		zap.String("ip", e.IP),
		zap.String("actor", e.Actor),
		zap.String("action", e.Action),
		zap.String("room", e.Room),
		zap.Any("detail", e.Detail),
	)
	return nil
}

// Recorder queues entries for a background writer.
type Recorder struct {
	sink    Sink
	logger  *zap.Logger
	queue   chan Entry
	dropped atomic.Int64

	closeOnce sync.Once
	done      chan struct{}
}

// NewRecorder starts the background writer.
//
// Precondition: sink and logger must be non-nil; depth > 0.
func NewRecorder(sink Sink, logger *zap.Logger, depth int) *Recorder {
	r := &Recorder{
		sink:   sink,
		logger: logger,
		queue:  make(chan Entry, depth),
		done:   make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *Recorder) run() {
	defer close(r.done)
	for e := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := r.sink.Write(ctx, e); err != nil {
			r.logger.Warn("audit write failed",
				zap.String("action", e.Action),
				zap.Error(err),
			)
		}
		cancel()
	}
}

// Record queues one entry. Never blocks: when the queue is full the entry
// is counted as dropped.
func (r *Recorder) Record(e Entry) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	select {
	case r.queue <- e:
	default:
		r.dropped.Add(1)
	}
}

// Dropped returns the count of entries lost to a full queue.
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

// Close stops intake and waits for queued entries to be written, up to
// ctx's deadline.
func (r *Recorder) Close(ctx context.Context) error {
	r.closeOnce.Do(func() { close(r.queue) })
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
