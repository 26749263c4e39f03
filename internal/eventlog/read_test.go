package eventlog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcliao/tiermem/internal/model"
	"github.com/rcliao/tiermem/internal/namespace"
)

func writeLines(t *testing.T, ns namespace.Namespace, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(ns.EventLogPath()), 0o755))
	require.NoError(t, os.WriteFile(ns.EventLogPath(), []byte(content), 0o644))
}

func eventLine(seq uint64, cat model.Category) string {
	b, _ := json.Marshal(model.Event{Seq: seq, SessionID: "s", Category: cat, Severity: model.SeverityInfo, Timestamp: time.Now().UTC()})
	return string(b) + "\n"
}

func TestReadRecentSkipsCorruptAndPartialLines(t *testing.T) {
	ns := namespace.Namespace{Root: t.TempDir()}
	content := eventLine(1, model.CategoryLifecycle) +
		"{not json\n" +
		eventLine(2, model.CategoryError) +
		`{"seq":3,"category":"warn`
	writeLines(t, ns, content)

	events, err := ReadRecent(ns, ReadParams{})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, uint64(2), events[0].Seq)
	assert.Equal(t, uint64(1), events[1].Seq)

	last, err := lastPersistedSeq(ns.EventLogPath())
	require.NoError(t, err)
	assert.Equal(t, uint64(2), last)
}

func TestReadRecentMissingStream(t *testing.T) {
	events, err := ReadRecent(namespace.Namespace{Root: t.TempDir()}, ReadParams{Owner: "nobody"})
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestScanLinesReverseAcrossChunks(t *testing.T) {
	var buf bytes.Buffer
	for i := 0; i < 2000; i++ {
		fmt.Fprintf(&buf, "%04d-%s\n", i, strings.Repeat("x", 100))
	}
	buf.WriteString("partial-without-newline-" + strings.Repeat("y", 70000))

	var got []string
	err := scanLinesReverse(bytes.NewReader(buf.Bytes()), int64(buf.Len()), func(line []byte) bool {
		got = append(got, string(line[:4]))
		return true
	})
	require.NoError(t, err)
	require.Len(t, got, 2000)
	assert.Equal(t, "1999", got[0])
	assert.Equal(t, "0000", got[1999])
}

func TestScanLinesReverseStopsEarly(t *testing.T) {
	data := []byte("a\nb\nc\n")
	var got []string
	err := scanLinesReverse(bytes.NewReader(data), int64(len(data)), func(line []byte) bool {
		got = append(got, string(line))
		return len(got) < 2
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "b"}, got)
}

func TestSummary(t *testing.T) {
	l, _ := newTestLogger(t, testOptions())

	l.TaskStarted("a", "t1", nil)
	l.TaskStarted("b", "t2", nil)
	l.Error("a", "boom", fmt.Errorf("bad input"), nil)
	require.NoError(t, l.Flush(context.Background()))

	s, err := l.Summary()
	require.NoError(t, err)
	assert.Equal(t, 3, s.Total)
	assert.Equal(t, 2, s.ByCategory[string(model.CategoryTaskStart)])
	assert.Equal(t, 2, s.ByOwner["a"])
	assert.Equal(t, uint64(3), s.LastSeq)
	require.Len(t, s.Errors, 1)
	assert.Equal(t, "bad input", s.Errors[0].Payload["error"])
}
