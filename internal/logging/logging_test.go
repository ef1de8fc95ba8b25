package logging

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestPreInitLoggerUsesConfiguredHandler(t *testing.T) {
	logger := L("recorder")

	var buf bytes.Buffer
	Init("text", "info", &buf)

	logger.Info("recording started", "mode", "fullscreen")

	out := buf.String()
	if strings.Contains(out, `msg="INFO recording started`) {
		t.Fatalf("unexpected nested severity prefix in message: %s", out)
	}
	if !strings.Contains(out, `msg="recording started"`) {
		t.Fatalf("expected plain message, got: %s", out)
	}
	if !strings.Contains(out, "component=recorder") {
		t.Fatalf("expected component field, got: %s", out)
	}
	if !strings.Contains(out, "mode=fullscreen") {
		t.Fatalf("expected mode field, got: %s", out)
	}
}

func TestPreInitLoggerRespectsConfiguredLevel(t *testing.T) {
	logger := L("transcode")

	var buf bytes.Buffer
	Init("text", "warn", &buf)

	logger.Info("hidden")
	logger.Warn("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info log should be filtered at warn level: %s", out)
	}
	if !strings.Contains(out, "shown") {
		t.Fatalf("warn log should be emitted: %s", out)
	}
}

func TestJSONFormatCarriesSessionAndJob(t *testing.T) {
	var buf bytes.Buffer
	Init("json", "debug", &buf)

	WithSession(L("recorder"), "sess-1").Debug("chunk")
	WithJob(L("transcode"), "job-9").Info("progress")

	out := buf.String()
	if !strings.Contains(out, `"sessionId":"sess-1"`) {
		t.Fatalf("expected sessionId in json output: %s", out)
	}
	if !strings.Contains(out, `"jobId":"job-9"`) {
		t.Fatalf("expected jobId in json output: %s", out)
	}
}

func TestFromContextFallsBackToDefault(t *testing.T) {
	if FromContext(context.Background()) == nil {
		t.Fatal("expected default logger")
	}
	l := L("ctx")
	ctx := NewContext(context.Background(), l)
	if FromContext(ctx) != l {
		t.Fatal("expected logger stored in context")
	}
}

func TestRotatingWriterRollsOver(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "screenrec.log")
	w, err := NewRotatingWriter(path, 1, 2)
	if err != nil {
		t.Fatalf("NewRotatingWriter: %v", err)
	}
	defer w.Close()

	chunk := bytes.Repeat([]byte("x"), 700*1024)
	for i := 0; i < 4; i++ {
		if _, err := w.Write(chunk); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}

	for _, name := range []string{path, path + ".1", path + ".2"} {
		if _, err := os.Stat(name); err != nil {
			t.Fatalf("expected %s to exist: %v", name, err)
		}
	}
	if _, err := os.Stat(path + ".3"); !os.IsNotExist(err) {
		t.Fatalf("expected at most 2 backups, stat err=%v", err)
	}
}

func TestOutputWithoutFileUsesStderr(t *testing.T) {
	w, c, err := Output("", 0, 0)
	if err != nil {
		t.Fatalf("Output: %v", err)
	}
	if w != os.Stderr {
		t.Fatal("expected stderr writer")
	}
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}
