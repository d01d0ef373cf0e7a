package app

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func TestStripANSI(t *testing.T) {
	t.Parallel()

	in := ansiBlue + "INFO" + ansiReset + " plain " + ansiRed + "ERR" + ansiReset
	got := stripANSI(in)
	want := "INFO plain ERR"
	if got != want {
		t.Fatalf("stripANSI()=%q want=%q", got, want)
	}
}

func TestPrettyHandler_PlainLine(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newPrettyHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}, false))

	log.With("conn_id", "01HX").Warn("router.frame.drop",
		"type", "send-updates",
		"result", "rejected",
		"err", errors.New("not joined yet"),
	)

	line := buf.String()
	for _, want := range []string{
		"WARN ",
		"router.frame.drop",
		"conn_id=01HX",
		"type=send-updates",
		"result=rejected",
		`err="not joined yet"`,
	} {
		if !strings.Contains(line, want) {
			t.Fatalf("line %q missing %q", line, want)
		}
	}
	if strings.Contains(line, "\x1b[") {
		t.Fatalf("uncolored handler emitted escapes: %q", line)
	}
}

func TestPrettyHandler_ColorAndGroups(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newPrettyHandler(&buf, nil, true))

	log.WithGroup("http").Info("http.request", "status", 503, "duration_ms", 1200)

	line := buf.String()
	if !strings.Contains(line, ansiRed+"503"+ansiReset) {
		t.Fatalf("5xx status not red: %q", line)
	}
	plain := stripANSI(line)
	if !strings.Contains(plain, "http.status=503") || !strings.Contains(plain, "http.duration_ms=1200ms") {
		t.Fatalf("grouped keys missing: %q", plain)
	}
}

func TestPrettyHandler_RespectsLevel(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newPrettyHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}, false))
	log.Info("dropped")
	if buf.Len() != 0 {
		t.Fatalf("info must be filtered at warn level: %q", buf.String())
	}
}
