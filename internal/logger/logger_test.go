package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	defaultLogger = newLogger(WarnLevel, "text", &buf)
	t.Cleanup(func() { defaultLogger = nil })

	Info("tile %d done", 3)
	Warn("blocked on tile %d", 4)

	out := buf.String()
	if strings.Contains(out, "tile 3 done") {
		t.Errorf("info line logged at warn level: %q", out)
	}
	if !strings.Contains(out, "[WARN] blocked on tile 4") {
		t.Errorf("warn line missing: %q", out)
	}
}

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	defaultLogger = newLogger(DebugLevel, "json", &buf)
	t.Cleanup(func() { defaultLogger = nil })

	Error("store unavailable: %s", "timeout")

	var line jsonLine
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line); err != nil {
		t.Fatalf("output is not a JSON line: %v (%q)", err, buf.String())
	}
	if line.Level != "error" || line.Msg != "store unavailable: timeout" {
		t.Errorf("unexpected line %+v", line)
	}
}

func TestNilLoggerIsSilent(t *testing.T) {
	defaultLogger = nil
	Info("nothing happens")
}
