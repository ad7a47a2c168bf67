package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONLoggerFiltersBelowConfiguredLevel(t *testing.T) {
	var buf bytes.Buffer
	l := NewJSONLogger(&buf, WarnLevel)

	l.Info("should be dropped", nil)
	l.Debug("also dropped", nil)
	l.Warn("kept", map[string]interface{}{"n": 1})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "warn", entry["level"])
	assert.Equal(t, "kept", entry["msg"])
	assert.Equal(t, "1", entry["n"])
}

func TestJSONLoggerEachLineIsValidJSON(t *testing.T) {
	var buf bytes.Buffer
	l := NewJSONLogger(&buf, DebugLevel)

	l.Error("boom", map[string]interface{}{"code": 500})

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "error", entry["level"])
	assert.Contains(t, entry, "time")
}

func TestWithMergesFieldsIntoEveryEntry(t *testing.T) {
	var buf bytes.Buffer
	base := NewJSONLogger(&buf, DebugLevel)
	derived := base.With(map[string]interface{}{"component": "engine"})

	derived.Info("hello", map[string]interface{}{"key": "abc"})

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "engine", entry["component"])
	assert.Equal(t, "abc", entry["key"])
}

func TestWithDoesNotMutateParentFields(t *testing.T) {
	var buf bytes.Buffer
	base := NewJSONLogger(&buf, DebugLevel)
	_ = base.With(map[string]interface{}{"a": 1})

	buf.Reset()
	base.Info("plain", nil)
	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.NotContains(t, entry, "a")
}

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"DEBUG":   DebugLevel,
		"debug":   DebugLevel,
		"WARN":    WarnLevel,
		"WARNING": WarnLevel,
		"ERROR":   ErrorLevel,
		"":        InfoLevel,
		"bogus":   InfoLevel,
	}
	for input, want := range cases {
		assert.Equal(t, want, ParseLevel(input), "input %q", input)
	}
}

func TestNoOpLoggerDiscardsEverything(t *testing.T) {
	var l Logger = NoOpLogger{}
	assert.NotPanics(t, func() {
		l.Debug("x", nil)
		l.Info("x", nil)
		l.Warn("x", nil)
		l.Error("x", nil)
		l = l.With(map[string]interface{}{"a": 1})
		l.Info("y", nil)
	})
}

func TestRotatingFileWritesToPrefixedFile(t *testing.T) {
	dir := t.TempDir()
	rf, err := NewRotatingFile(dir, "proxy")
	require.NoError(t, err)
	t.Cleanup(func() { rf.Close() })

	n, err := rf.Write([]byte("line one\n"))
	require.NoError(t, err)
	assert.Equal(t, len("line one\n"), n)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, strings.HasPrefix(entries[0].Name(), "proxy."))
	assert.True(t, strings.HasSuffix(entries[0].Name(), ".log"))

	content, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	require.NoError(t, err)
	assert.Equal(t, "line one\n", string(content))
}

func TestRotatingFileAppendsWithinSameHour(t *testing.T) {
	dir := t.TempDir()
	rf, err := NewRotatingFile(dir, "proxy")
	require.NoError(t, err)
	t.Cleanup(func() { rf.Close() })

	_, err = rf.Write([]byte("a\n"))
	require.NoError(t, err)
	_, err = rf.Write([]byte("b\n"))
	require.NoError(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "writes within the same hour must append to one file")

	content, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	require.NoError(t, err)
	assert.Equal(t, "a\nb\n", string(content))
}

func TestRotatingFileCloseIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	rf, err := NewRotatingFile(dir, "proxy")
	require.NoError(t, err)

	_, err = rf.Write([]byte("x\n"))
	require.NoError(t, err)

	require.NoError(t, rf.Close())
	require.NoError(t, rf.Close())
}
