package eventlog

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/rcliao/tiermem/internal/model"
	"github.com/rcliao/tiermem/internal/namespace"
)

// Stream delivers persisted events with a sequence number greater than since,
// including events written after the call, until ctx is cancelled.
func (l *Logger) Stream(ctx context.Context, since uint64) (<-chan model.Event, error) {
	return Tail(ctx, l.ns, since, l.opts.PollInterval, l.log)
}

// Tail follows a session's event stream. File notifications wake the reader
// early; the poll interval bounds latency when notifications are unavailable.
func Tail(ctx context.Context, ns namespace.Namespace, since uint64, poll time.Duration, zlog *zap.Logger) (<-chan model.Event, error) {
	if zlog == nil {
		zlog = zap.NewNop()
	}
	if poll <= 0 {
		poll = DefaultOptions().PollInterval
	}
	path := ns.EventLogPath()

	var (
		notify <-chan fsnotify.Event
		werrs  <-chan error
	)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		zlog.Debug("file notifications unavailable, polling", zap.Error(err))
	} else if err := watcher.Add(filepath.Dir(path)); err != nil {
		zlog.Debug("watch log dir, polling", zap.String("dir", filepath.Dir(path)), zap.Error(err))
		watcher.Close()
		watcher = nil
	} else {
		notify, werrs = watcher.Events, watcher.Errors
	}

	out := make(chan model.Event, 64)
	go func() {
		defer close(out)
		if watcher != nil {
			defer watcher.Close()
		}
		t := &tailer{path: path, since: since, log: zlog}
		defer t.close()

		ticker := time.NewTicker(poll)
		defer ticker.Stop()
		for {
			if !t.read(ctx, out) {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			case <-notify:
			case err := <-werrs:
				zlog.Debug("watch error", zap.Error(err))
			}
		}
	}()
	return out, nil
}

type tailer struct {
	path    string
	since   uint64
	log     *zap.Logger
	f       *os.File
	r       *bufio.Reader
	partial []byte
}

// read sends every complete line appended since the last call. It returns
// false when ctx is cancelled.
func (t *tailer) read(ctx context.Context, out chan<- model.Event) bool {
	if t.f == nil {
		f, err := os.Open(t.path)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				t.log.Debug("open event stream", zap.Error(err))
			}
			return true
		}
		t.f, t.r = f, bufio.NewReader(f)
	}
	for {
		line, err := t.r.ReadBytes('\n')
		if len(line) > 0 && line[len(line)-1] == '\n' {
			full := append(t.partial, line...)
			t.partial = nil
			var ev model.Event
			if json.Unmarshal(full, &ev) != nil || ev.Seq <= t.since {
				continue
			}
			select {
			case out <- ev:
				t.since = ev.Seq
			case <-ctx.Done():
				return false
			}
			continue
		}
		t.partial = append(t.partial, line...)
		if err != nil && !errors.Is(err, io.EOF) {
			t.log.Debug("read event stream", zap.Error(err))
		}
		return true
	}
}

func (t *tailer) close() {
	if t.f != nil {
		t.f.Close()
	}
}
