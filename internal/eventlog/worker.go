package eventlog

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/rcliao/tiermem/internal/model"
)

// run is the single consumer of the queue. It flushes when the batch is full,
// when the flush interval has passed since the last flush, on request and on stop.
func (l *Logger) run() {
	defer close(l.done)

	buf := make([]model.Event, 0, l.opts.BatchSize)
	lastFlush := time.Now()
	ticker := time.NewTicker(l.opts.PollInterval)
	defer ticker.Stop()

	flush := func() error {
		var err error
		if len(buf) > 0 {
			err = l.write(buf)
			buf = buf[:0]
		}
		lastFlush = time.Now()
		return err
	}
	add := func(ev model.Event) {
		buf = append(buf, ev)
		if len(buf) >= l.opts.BatchSize {
			flush()
		}
	}

	for {
		select {
		case ev := <-l.queue:
			add(ev)

		case reply := <-l.flushReq:
			var firstErr error
			for n := len(l.queue); n > 0; n-- {
				buf = append(buf, <-l.queue)
				if len(buf) >= l.opts.BatchSize {
					if err := flush(); err != nil && firstErr == nil {
						firstErr = err
					}
				}
			}
			if err := flush(); err != nil && firstErr == nil {
				firstErr = err
			}
			reply <- firstErr

		case <-ticker.C:
			if len(buf) > 0 && time.Since(lastFlush) >= l.opts.FlushInterval {
				flush()
			}

		case <-l.stop:
			l.drain(l.grace, add)
			flush()
			if err := l.sink.Close(); err != nil {
				l.log.Warn("close event streams", zap.Error(err))
			}
			return
		}
	}
}

// drain hands queued events to add until the queue is empty or grace elapses.
func (l *Logger) drain(grace time.Duration, add func(model.Event)) {
	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		select {
		case ev := <-l.queue:
			add(ev)
		default:
			return
		}
	}
	if n := len(l.queue); n > 0 {
		l.log.Warn("grace period elapsed with events still queued", zap.Int("abandoned", n))
		l.discarded.Add(int64(n))
	}
}

// write appends a batch, retrying once. A batch whose session stream write
// fails twice is discarded and counted. A batch that reached the session
// stream but not every owner stream counts as persisted plus one flush error.
// The error never reaches producers.
func (l *Logger) write(batch []model.Event) error {
	err := l.sink.Append(batch)
	if err != nil {
		l.log.Warn("event flush failed, retrying", zap.Int("events", len(batch)), zap.Error(err))
		err = l.sink.Append(batch)
	}

	var ownerErr *ownerStreamError
	switch {
	case err == nil:
	case errors.As(err, &ownerErr):
		l.flushErrors.Add(1)
		metricFlushErrors.Inc()
		l.log.Error("owner stream write failed", zap.Int("events", len(batch)), zap.Error(err))
	default:
		l.flushErrors.Add(1)
		l.discarded.Add(int64(len(batch)))
		metricFlushErrors.Inc()
		l.log.Error("event flush failed, batch discarded", zap.Int("events", len(batch)), zap.Error(err))
		return err
	}
	l.persisted.Add(int64(len(batch)))
	metricEventsPersisted.Add(float64(len(batch)))
	return err
}
