package eventlog

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/rcliao/tiermem/internal/model"
	"github.com/rcliao/tiermem/internal/namespace"
)

// sink persists batches of events. Only the worker goroutine calls it.
type sink interface {
	Append(events []model.Event) error
	Close() error
}

// ownerStreamError reports a batch that reached the session stream but not
// every owner stream.
type ownerStreamError struct {
	err error
}

func (e *ownerStreamError) Error() string { return e.err.Error() }
func (e *ownerStreamError) Unwrap() error { return e.err }

// fileSink writes the session stream and one stream per owner as JSON lines.
// Each stream remembers the highest sequence number it holds, so appending a
// batch again only writes what a stream is missing.
type fileSink struct {
	ns       namespace.Namespace
	fsync    bool
	main     *os.File
	mainSeq  uint64
	owners   map[string]*os.File
	ownerSeq map[string]uint64
}

func openFileSink(ns namespace.Namespace, fsync bool) (*fileSink, error) {
	if err := os.MkdirAll(ns.OwnerLogsDir(), 0o755); err != nil {
		return nil, fmt.Errorf("create log dirs: %w", err)
	}
	f, err := openAppend(ns.EventLogPath())
	if err != nil {
		return nil, err
	}
	return &fileSink{
		ns:       ns,
		fsync:    fsync,
		main:     f,
		owners:   map[string]*os.File{},
		ownerSeq: map[string]uint64{},
	}, nil
}

func openAppend(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open event stream: %w", err)
	}
	return f, nil
}

type streamBuf struct {
	bytes.Buffer
	last uint64
}

// Append writes events to the session stream, then to the owner streams.
// Events a stream already holds are skipped. A failure on the session stream
// leaves it unchanged and returns the error; failures on owner streams come
// back as an *ownerStreamError once the session stream is durable.
func (s *fileSink) Append(events []model.Event) error {
	var all streamBuf
	perOwner := map[string]*streamBuf{}
	for _, ev := range events {
		line, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("encode event %d: %w", ev.Seq, err)
		}
		if ev.Seq > s.mainSeq {
			all.Write(line)
			all.WriteByte('\n')
			all.last = ev.Seq
		}
		if ev.Owner != "" && ev.Seq > s.ownerSeq[ev.Owner] {
			b := perOwner[ev.Owner]
			if b == nil {
				b = &streamBuf{}
				perOwner[ev.Owner] = b
			}
			b.Write(line)
			b.WriteByte('\n')
			b.last = ev.Seq
		}
	}

	if all.Len() > 0 {
		if err := s.writeAll(s.main, all.Bytes()); err != nil {
			return err
		}
		s.mainSeq = all.last
	}

	var errs []error
	for owner, b := range perOwner {
		f, err := s.ownerFile(owner)
		if err == nil {
			err = s.writeAll(f, b.Bytes())
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("owner %s: %w", owner, err))
			continue
		}
		s.ownerSeq[owner] = b.last
	}
	if len(errs) > 0 {
		return &ownerStreamError{err: errors.Join(errs...)}
	}
	return nil
}

// writeAll appends data and truncates back to the previous size when the
// write or the sync fails, so a failed append leaves no partial lines.
func (s *fileSink) writeAll(f *os.File, data []byte) error {
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", f.Name(), err)
	}
	_, err = f.Write(data)
	if err == nil && s.fsync {
		err = f.Sync()
	}
	if err != nil {
		if terr := f.Truncate(info.Size()); terr != nil {
			err = errors.Join(err, terr)
		}
		return fmt.Errorf("write %s: %w", f.Name(), err)
	}
	return nil
}

func (s *fileSink) ownerFile(owner string) (*os.File, error) {
	if f, ok := s.owners[owner]; ok {
		return f, nil
	}
	f, err := openAppend(s.ns.OwnerLogPath(owner))
	if err != nil {
		return nil, err
	}
	s.owners[owner] = f
	return f, nil
}

func (s *fileSink) Close() error {
	var errs []error
	if err := s.main.Close(); err != nil {
		errs = append(errs, err)
	}
	for _, f := range s.owners {
		if err := f.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
