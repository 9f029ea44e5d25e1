package diagnose

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func fakeProbeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "runner.sh")
	script := "#!/bin/sh\n" + body + "\n"
	if err := os.WriteFile(path, []byte(script), 0755); err != nil {
		t.Fatalf("failed to write script: %v", err)
	}
	return path
}

func TestRunRelaysReport(t *testing.T) {
	script := fakeProbeScript(t,
		`echo "[Diag] ===== Hailo Device Diagnostics ====="
echo "[Diag] Device: 0000:03:00.0"
echo "[Diag] OK"
exit 0`)

	var out bytes.Buffer
	if err := Run(context.Background(), script, &out); err != nil {
		t.Fatalf("Run: %v", err)
	}

	report := out.String()
	if !strings.Contains(report, "[Diag] Device: 0000:03:00.0") {
		t.Errorf("device line missing from report:\n%s", report)
	}
	if !strings.Contains(report, "[Diag] OK") {
		t.Errorf("OK line missing from report:\n%s", report)
	}
}

func TestRunMapsFailureExit(t *testing.T) {
	script := fakeProbeScript(t,
		`echo "[Diag] Error: no devices found" >&2
exit 1`)

	var out bytes.Buffer
	err := Run(context.Background(), script, &out)
	if err == nil {
		t.Fatal("expected error for failing probe")
	}
	if !strings.Contains(err.Error(), "exit status 1") {
		t.Errorf("error = %v, want exit status mapped", err)
	}
	if !strings.Contains(out.String(), "[Diag] Error: no devices found") {
		t.Errorf("stderr not relayed:\n%s", out.String())
	}
}

func TestRunCommandErrors(t *testing.T) {
	var out bytes.Buffer

	if err := Run(context.Background(), "", &out); err == nil {
		t.Error("empty command accepted")
	}
	err := Run(context.Background(), filepath.Join(t.TempDir(), "missing"), &out)
	if err == nil {
		t.Error("missing command accepted")
	}
	if err != nil && !strings.Contains(err.Error(), "failed to run diagnostics") {
		t.Errorf("error = %v", err)
	}
}
