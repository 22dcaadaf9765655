package log

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestTextFormatterFieldsSorted(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(
		WithLevel(DebugLevel),
		WithFormatter(&TextFormatter{DisableTimestamp: true}),
		WithOutput(NewWriterOutput(&buf)),
	)
	l.Info("hello", Str("b", "2"), Str("a", "1"))
	got := buf.String()
	if got != "INFO hello a=1 b=2\n" {
		t.Fatalf("unexpected line: %q", got)
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(
		WithLevel(WarnLevel),
		WithFormatter(&TextFormatter{DisableTimestamp: true}),
		WithOutput(NewWriterOutput(&buf)),
	)
	l.Debug("dropped")
	l.Info("dropped")
	l.Warn("kept")
	if strings.Count(buf.String(), "\n") != 1 {
		t.Fatalf("expected exactly one line, got %q", buf.String())
	}
}

func TestWithFieldsInherited(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(
		WithFormatter(&JSONFormatter{}),
		WithOutput(NewWriterOutput(&buf)),
	).WithComponent("queue").With(Str("pk", "a.b"))
	l.WithError(errors.New("boom")).Error("write failed")

	var obj map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &obj); err != nil {
		t.Fatalf("not json: %v", err)
	}
	if obj["component"] != "queue" || obj["pk"] != "a.b" || obj["error"] != "boom" {
		t.Fatalf("missing fields: %v", obj)
	}
}

func TestParseLevel(t *testing.T) {
	if lvl, err := ParseLevel("warning"); err != nil || lvl != WarnLevel {
		t.Fatalf("warning: %v %v", lvl, err)
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}
