package eventlog

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/rcliao/tiermem/internal/model"
	"github.com/rcliao/tiermem/internal/namespace"
)

const defaultReadLimit = 20

// ReadParams selects events for ReadRecent.
type ReadParams struct {
	Owner    string
	Category model.Category
	Limit    int
}

// ReadRecent returns up to p.Limit persisted events, newest first. Events still
// queued are not visible; call Flush first to include them.
func (l *Logger) ReadRecent(p ReadParams) ([]model.Event, error) {
	return ReadRecent(l.ns, p)
}

// ReadRecent reads persisted events from a session namespace without a running logger.
// Unterminated and undecodable lines are skipped.
func ReadRecent(ns namespace.Namespace, p ReadParams) ([]model.Event, error) {
	if p.Limit <= 0 {
		p.Limit = defaultReadLimit
	}
	path := ns.EventLogPath()
	if p.Owner != "" {
		path = ns.OwnerLogPath(p.Owner)
	}

	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open event stream: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat event stream: %w", err)
	}

	var out []model.Event
	err = scanLinesReverse(f, info.Size(), func(line []byte) bool {
		var ev model.Event
		if json.Unmarshal(line, &ev) != nil {
			return true
		}
		if p.Category != "" && ev.Category != p.Category {
			return true
		}
		out = append(out, ev)
		return len(out) < p.Limit
	})
	if err != nil {
		return nil, fmt.Errorf("read event stream: %w", err)
	}
	return out, nil
}

// lastPersistedSeq returns the sequence number of the newest complete event in path.
func lastPersistedSeq(path string) (uint64, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	var last uint64
	err = scanLinesReverse(f, info.Size(), func(line []byte) bool {
		var ev model.Event
		if json.Unmarshal(line, &ev) != nil {
			return true
		}
		last = ev.Seq
		return false
	})
	return last, err
}

// scanLinesReverse calls fn for each complete line of r, last line first, until
// fn returns false. A final line without its newline is still being written and
// is skipped. The slice passed to fn is only valid during the call.
func scanLinesReverse(r io.ReaderAt, size int64, fn func([]byte) bool) error {
	const chunk = 64 * 1024

	var carry []byte
	pos := size
	skipTail := true
	for pos > 0 {
		n := int64(chunk)
		if pos < n {
			n = pos
		}
		pos -= n

		buf := make([]byte, n, n+int64(len(carry)))
		if _, err := r.ReadAt(buf, pos); err != nil && err != io.EOF {
			return err
		}
		data := append(buf, carry...)

		if skipTail {
			i := bytes.LastIndexByte(data, '\n')
			if i < 0 {
				carry = nil
				continue
			}
			data = data[:i]
			skipTail = false
		}

		for {
			i := bytes.LastIndexByte(data, '\n')
			if i < 0 {
				break
			}
			if line := data[i+1:]; len(line) > 0 && !fn(line) {
				return nil
			}
			data = data[:i]
		}
		carry = data
	}
	if len(carry) > 0 {
		fn(carry)
	}
	return nil
}

// Summary aggregates a session's event stream.
type Summary struct {
	SessionID  string         `json:"session_id"`
	Total      int            `json:"total"`
	Corrupt    int            `json:"corrupt"`
	ByCategory map[string]int `json:"by_category"`
	BySeverity map[string]int `json:"by_severity"`
	ByOwner    map[string]int `json:"by_owner"`
	First      time.Time      `json:"first,omitempty"`
	Last       time.Time      `json:"last,omitempty"`
	LastSeq    uint64         `json:"last_seq"`
	Errors     []model.Event  `json:"errors,omitempty"`
}

const summaryErrorLimit = 10

// Summarize scans a session's whole event stream.
func Summarize(ns namespace.Namespace) (*Summary, error) {
	s := &Summary{
		ByCategory: map[string]int{},
		BySeverity: map[string]int{},
		ByOwner:    map[string]int{},
	}
	f, err := os.Open(ns.EventLogPath())
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open event stream: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		var ev model.Event
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			s.Corrupt++
			continue
		}
		s.Total++
		s.SessionID = ev.SessionID
		s.ByCategory[string(ev.Category)]++
		s.BySeverity[string(ev.Severity)]++
		if ev.Owner != "" {
			s.ByOwner[ev.Owner]++
		}
		if s.First.IsZero() {
			s.First = ev.Timestamp
		}
		s.Last = ev.Timestamp
		s.LastSeq = ev.Seq
		if ev.Severity == model.SeverityError {
			s.Errors = append(s.Errors, ev)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan event stream: %w", err)
	}
	if len(s.Errors) > summaryErrorLimit {
		s.Errors = s.Errors[len(s.Errors)-summaryErrorLimit:]
	}
	return s, nil
}

// Summary aggregates everything this logger has persisted so far.
func (l *Logger) Summary() (*Summary, error) {
	s, err := Summarize(l.ns)
	if err != nil {
		return nil, err
	}
	s.SessionID = l.sessionID
	return s, nil
}

// Owners lists the owners with their own stream in a namespace, sorted by name.
func Owners(ns namespace.Namespace) ([]string, error) {
	s, err := Summarize(ns)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(s.ByOwner))
	for o := range s.ByOwner {
		out = append(out, o)
	}
	sort.Strings(out)
	return out, nil
}
